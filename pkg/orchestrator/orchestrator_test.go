package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steward-ai/steward/pkg/credits"
	"github.com/steward-ai/steward/pkg/llm"
	"github.com/steward-ai/steward/pkg/memory"
	"github.com/steward-ai/steward/pkg/metering"
	"github.com/steward-ai/steward/pkg/retry"
	"github.com/steward-ai/steward/pkg/tool"
)

// step is one scripted model turn.
type step struct {
	resp  *llm.ChatResponse
	err   error
	panic bool
}

// scriptedChatter replays steps in order and records every request.
type scriptedChatter struct {
	mu       sync.Mutex
	steps    []step
	requests []llm.ChatRequest
}

func (s *scriptedChatter) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.panic {
		panic("scripted panic")
	}
	return st.resp, st.err
}

func assistantText(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		FinishReason: "stop",
		Usage:        llm.TokenUsage{PromptTokens: 100, CompletionTokens: 50}.Normalize(),
	}
}

func assistantToolCall(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		},
		FinishReason: "tool_calls",
		Usage:        llm.TokenUsage{PromptTokens: 100, CompletionTokens: 20}.Normalize(),
	}
}

// fakeAccounts approves or denies admission and records metering.
type fakeAccounts struct {
	mu         sync.Mutex
	deny       bool
	checkErr   error
	deductions []llm.TokenUsage
	metrics    []string // "tool/subject/model"
}

func (f *fakeAccounts) CheckSufficient(ctx context.Context, subjectID, model string, usage llm.TokenUsage) (credits.Decision, error) {
	if f.checkErr != nil {
		return credits.Decision{}, f.checkErr
	}
	if f.deny {
		return credits.Decision{Sufficient: false, Balance: 0.001, Cost: 0.01}, nil
	}
	return credits.Decision{Sufficient: true, Balance: 100, Cost: 0.01}, nil
}

func (f *fakeAccounts) Deduct(ctx context.Context, subjectID, model string, usage llm.TokenUsage, description, referenceID string) (*credits.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deductions = append(f.deductions, usage)
	return &credits.Transaction{SubjectID: subjectID, Amount: -0.01, Type: credits.TypeDeduction}, nil
}

func (f *fakeAccounts) UpdateMetrics(ctx context.Context, toolName, subjectID, model string, usage llm.TokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, toolName+"/"+subjectID+"/"+model)
	return nil
}

func (f *fakeAccounts) deductionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deductions)
}

// fakeSink records published events.
type fakeSink struct {
	mu     sync.Mutex
	events []metering.Event
}

func (f *fakeSink) Publish(ctx context.Context, ev metering.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func testOptions() Options {
	return Options{
		Model:    "full-model",
		MaxTurns: 5,
		Retry:    retry.Options{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffFactor: 2},
	}
}

func newTestOrchestrator(chatter llm.Chatter, accounts Accountant, tools ...*tool.Tool) (*Orchestrator, *tool.Registry) {
	reg := tool.NewRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			panic(err)
		}
	}
	return New(chatter, reg, nil, accounts, nil, testOptions()), reg
}

func TestRun_NoToolCalls(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{{resp: assistantText("just an answer")}}}
	accounts := &fakeAccounts{}
	o, _ := newTestOrchestrator(chatter, accounts)

	res := o.Run(context.Background(), NewRequest("subject-1", "what is up"))

	if res.Response != "just an answer" {
		t.Errorf("Response = %q, want the assistant content verbatim", res.Response)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %d, want 0", len(res.ToolCalls))
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}
	if res.Turns != 1 {
		t.Errorf("Turns = %d, want 1", res.Turns)
	}
}

func TestRun_SingleToolRoundTrip(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{
		{resp: assistantToolCall("call_1", "search", map[string]any{"q": "test"})},
		{resp: assistantText("found it")},
	}}
	accounts := &fakeAccounts{}

	var gotArgs map[string]any
	searchTool := &tool.Tool{
		Name:        "search",
		Description: "finds things",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			gotArgs = args
			return map[string]any{"ok": true}, nil
		},
	}
	o, _ := newTestOrchestrator(chatter, accounts, searchTool)

	res := o.Run(context.Background(), NewRequest("subject-1", "find test"))

	if res.Response != "found it" {
		t.Errorf("Response = %q, want %q", res.Response, "found it")
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(res.ToolCalls))
	}
	cr := res.ToolCalls[0]
	if cr.ToolName != "search" || cr.Err != nil {
		t.Errorf("tool result = %+v, want successful search", cr)
	}
	if gotArgs["q"] != "test" {
		t.Errorf("handler args = %v, want q=test", gotArgs)
	}

	// The second model call must carry the tool result message.
	if len(chatter.requests) != 2 {
		t.Fatalf("model calls = %d, want 2", len(chatter.requests))
	}
	second := chatter.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" {
		t.Errorf("last message before second call = %+v, want tool result for call_1", last)
	}
	if !strings.Contains(last.Content, `"ok":true`) {
		t.Errorf("tool message content = %q, want serialized result", last.Content)
	}
}

func TestRun_UnknownToolBecomesErrorResult(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{
		{resp: assistantToolCall("call_1", "nonexistent", nil)},
		{resp: assistantText("recovered without the tool")},
	}}
	accounts := &fakeAccounts{}
	o, _ := newTestOrchestrator(chatter, accounts)

	res := o.Run(context.Background(), NewRequest("subject-1", "do something"))

	if res.Response != "recovered without the tool" {
		t.Errorf("Response = %q", res.Response)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Err == nil {
		t.Fatalf("ToolCalls = %+v, want one errored result", res.ToolCalls)
	}
	if len(res.Errors) == 0 {
		t.Error("Errors is empty, want the unknown-tool error surfaced")
	}

	// The error is serialized into the tool message for the model.
	second := chatter.requests[1].Messages
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "Error: ") {
		t.Errorf("tool message = %q, want Error: prefix", last.Content)
	}
}

func TestRun_InsufficientCredits(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{{resp: assistantText("should never run")}}}
	accounts := &fakeAccounts{deny: true}
	o, _ := newTestOrchestrator(chatter, accounts)

	res := o.Run(context.Background(), NewRequest("subject-1", "expensive request"))

	if !res.InsufficientCredits {
		t.Error("InsufficientCredits = false, want true")
	}
	if len(chatter.requests) != 0 {
		t.Errorf("model calls = %d, want 0 (admission denied)", len(chatter.requests))
	}
	found := false
	for _, err := range res.Errors {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want ErrInsufficientCredits", res.Errors)
	}
	o.Wait()
	if accounts.deductionCount() != 0 {
		t.Errorf("deductions = %d, want 0", accounts.deductionCount())
	}
	if res.Response == "" {
		t.Error("Response is empty, want a user-safe message")
	}
}

func TestRun_AccountingStoreFailureBlocks(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{{resp: assistantText("unreachable")}}}
	accounts := &fakeAccounts{checkErr: errors.New("store down")}
	o, _ := newTestOrchestrator(chatter, accounts)

	res := o.Run(context.Background(), NewRequest("subject-1", "hello"))

	if len(chatter.requests) != 0 {
		t.Errorf("model calls = %d, want 0", len(chatter.requests))
	}
	if len(res.Errors) == 0 {
		t.Error("Errors is empty, want the admission error")
	}
	if res.Response != apologyResponse {
		t.Errorf("Response = %q, want the apology", res.Response)
	}
}

func TestRun_OneRecoveryAttempt(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{
		{err: errors.New("endpoint hiccup")},
		{resp: assistantText("second time lucky")},
	}}
	accounts := &fakeAccounts{}
	o, _ := newTestOrchestrator(chatter, accounts)

	res := o.Run(context.Background(), NewRequest("subject-1", "hello"))

	if res.Response != "second time lucky" {
		t.Errorf("Response = %q, want recovery to succeed", res.Response)
	}
	if len(res.Errors) != 1 {
		t.Errorf("Errors = %v, want exactly the first failure recorded", res.Errors)
	}
}

func TestRun_SecondFailureTerminates(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{
		{err: errors.New("hiccup one")},
		{err: errors.New("hiccup two")},
	}}
	accounts := &fakeAccounts{}
	o, _ := newTestOrchestrator(chatter, accounts)

	res := o.Run(context.Background(), NewRequest("subject-1", "hello"))

	if res.Response != apologyResponse {
		t.Errorf("Response = %q, want the apology", res.Response)
	}
	if len(res.Errors) != 2 {
		t.Errorf("Errors = %v, want both failures recorded", res.Errors)
	}
}

func TestRun_TurnLimit(t *testing.T) {
	// The model never stops asking for tools.
	var steps []step
	for i := 0; i < 10; i++ {
		steps = append(steps, step{resp: assistantToolCall("call_x", "loop", nil)})
	}
	chatter := &scriptedChatter{steps: steps}
	accounts := &fakeAccounts{}

	loopTool := &tool.Tool{
		Name:        "loop",
		Description: "always succeeds",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "again", nil
		},
	}
	o, _ := newTestOrchestrator(chatter, accounts, loopTool)

	res := o.Run(context.Background(), NewRequest("subject-1", "loop forever"))

	if len(chatter.requests) != testOptions().MaxTurns {
		t.Errorf("model calls = %d, want capped at %d", len(chatter.requests), testOptions().MaxTurns)
	}
	if res.Response != apologyResponse {
		t.Errorf("Response = %q, want the apology", res.Response)
	}
	limitSeen := false
	for _, err := range res.Errors {
		if strings.Contains(err.Error(), "turn limit") {
			limitSeen = true
		}
	}
	if !limitSeen {
		t.Errorf("Errors = %v, want a turn limit error", res.Errors)
	}
}

func TestRun_PanicRecovered(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{{panic: true}}}
	accounts := &fakeAccounts{}
	o, _ := newTestOrchestrator(chatter, accounts)

	res := o.Run(context.Background(), NewRequest("subject-1", "hello"))

	if res.Response != apologyResponse {
		t.Errorf("Response = %q, want the apology", res.Response)
	}
	if len(res.Errors) == 0 {
		t.Error("Errors is empty, want the recovered panic")
	}
}

func TestRun_MetersAsynchronously(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{
		{resp: assistantToolCall("call_1", "search", map[string]any{"q": "x"})},
		{resp: assistantText("done")},
	}}
	accounts := &fakeAccounts{}
	sink := &fakeSink{}

	reg := tool.NewRegistry()
	if err := reg.Register(&tool.Tool{
		Name:        "search",
		Description: "finds things",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "hit", nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(chatter, reg, nil, accounts, sink, testOptions())

	res := o.Run(context.Background(), NewRequest("subject-1", "find x"))
	o.Wait()

	if res.Response != "done" {
		t.Fatalf("Response = %q", res.Response)
	}
	if got := accounts.deductionCount(); got != 2 {
		t.Errorf("deductions = %d, want one per model call (2)", got)
	}

	accounts.mu.Lock()
	metricKeys := append([]string(nil), accounts.metrics...)
	accounts.mu.Unlock()
	wantSubject, wantGlobal := false, false
	for _, k := range metricKeys {
		if k == "search/subject-1/full-model" {
			wantSubject = true
		}
		if k == "search//full-model" {
			wantGlobal = true
		}
	}
	if !wantSubject || !wantGlobal {
		t.Errorf("metric keys = %v, want subject and global rows for search", metricKeys)
	}

	sink.mu.Lock()
	events := len(sink.events)
	sink.mu.Unlock()
	if events != 2 {
		t.Errorf("usage events = %d, want 2", events)
	}
}

func TestRun_UsageAggregation(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{
		{resp: assistantToolCall("call_1", "noop", nil)},
		{resp: assistantText("finished")},
	}}
	accounts := &fakeAccounts{}
	o, _ := newTestOrchestrator(chatter, accounts, &tool.Tool{
		Name:        "noop",
		Description: "does nothing",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, nil
		},
	})

	res := o.Run(context.Background(), NewRequest("subject-1", "go"))

	// 100+20 from the tool turn, 100+50 from the final turn.
	if res.Usage.PromptTokens != 200 || res.Usage.CompletionTokens != 70 {
		t.Errorf("Usage = %+v, want 200 prompt / 70 completion", res.Usage)
	}
	if res.Usage.TotalTokens != 270 {
		t.Errorf("TotalTokens = %d, want 270", res.Usage.TotalTokens)
	}
	if res.Turns != 2 {
		t.Errorf("Turns = %d, want 2", res.Turns)
	}
}

func TestRun_HistoryInPrompt(t *testing.T) {
	chatter := &scriptedChatter{steps: []step{{resp: assistantText("with history")}}}
	accounts := &fakeAccounts{}

	mem := &stubMemory{history: []memory.Message{
		{Role: llm.RoleAssistant, Content: "earlier answer"},
		{Role: llm.RoleUser, Content: "earlier question"},
	}}
	reg := tool.NewRegistry()
	o := New(chatter, reg, mem, accounts, nil, testOptions())

	res := o.Run(context.Background(), NewRequest("subject-1", "follow-up"))
	if res.Response != "with history" {
		t.Fatalf("Response = %q", res.Response)
	}

	msgs := chatter.requests[0].Messages
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %q, want system", msgs[0].Role)
	}
	if last := msgs[len(msgs)-1]; last.Role != llm.RoleUser || last.Content != "follow-up" {
		t.Errorf("last message = %+v, want the instruction", last)
	}
	// History appears chronologically between system and instruction.
	if msgs[1].Content != "earlier question" || msgs[2].Content != "earlier answer" {
		t.Errorf("history order = %q, %q; want chronological", msgs[1].Content, msgs[2].Content)
	}

	// Both the instruction and the final response were persisted.
	if len(mem.appended) != 2 {
		t.Errorf("appended = %d messages, want 2", len(mem.appended))
	}
}

// stubMemory serves fixed newest-first history and records appends.
type stubMemory struct {
	history  []memory.Message
	appended []string
}

func (s *stubMemory) Append(ctx context.Context, subjectID, role, content string) error {
	s.appended = append(s.appended, role+": "+content)
	return nil
}

func (s *stubMemory) Recent(ctx context.Context, subjectID string, n int) ([]memory.Message, error) {
	return s.history, nil
}
