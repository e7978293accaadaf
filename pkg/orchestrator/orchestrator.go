// Package orchestrator drives the model/tool conversation loop: call
// the model, execute any requested tools, feed results back, and repeat
// until the model answers without tool calls. Every model call passes
// credit admission control first and is metered afterward.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steward-ai/steward/pkg/credits"
	"github.com/steward-ai/steward/pkg/llm"
	"github.com/steward-ai/steward/pkg/memory"
	"github.com/steward-ai/steward/pkg/metering"
	"github.com/steward-ai/steward/pkg/retry"
	"github.com/steward-ai/steward/pkg/tool"
)

// apologyResponse is the last-line-of-defense reply when a run cannot
// produce anything better. Callers always get a user-safe string.
const apologyResponse = "I'm sorry, I wasn't able to complete that request. Please try again."

// insufficientResponse tells the user why nothing was attempted.
const insufficientResponse = "I can't run this request right now: the account balance doesn't cover the estimated cost."

// Accountant is the accounting-store contract: admission control,
// metered deduction, and usage aggregates. *credits.Store satisfies it;
// tests substitute fakes.
type Accountant interface {
	CheckSufficient(ctx context.Context, subjectID, model string, usage llm.TokenUsage) (credits.Decision, error)
	Deduct(ctx context.Context, subjectID, model string, usage llm.TokenUsage, description, referenceID string) (*credits.Transaction, error)
	UpdateMetrics(ctx context.Context, toolName, subjectID, model string, usage llm.TokenUsage) error
}

// UsageSink receives fire-and-forget usage events. *metering.Publisher
// satisfies it; a nil sink disables event publishing.
type UsageSink interface {
	Publish(ctx context.Context, ev metering.Event)
}

// Options bounds and tunes an orchestrator.
type Options struct {
	// Model is the full-capability model driving the loop.
	Model string

	// ClassifierModel is the cheap constrained-label tier, recorded for
	// callers composing a fallback.Classifier from the same wiring.
	ClassifierModel string

	// MaxTurns caps model calls per run. The loop would otherwise be
	// unbounded on a model that keeps requesting tools.
	MaxTurns int

	// Retry is the backoff schedule for model calls and tool handlers.
	Retry retry.Options

	// HistoryLimit and MaxContextTokens bound prompt assembly.
	HistoryLimit     int
	MaxContextTokens int

	Temperature float64
	MaxTokens   int

	// ToolDefaultResult, when non-nil, substitutes for a failed tool so
	// one bad tool never aborts the run.
	ToolDefaultResult any

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 10
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.MaxContextTokens <= 0 {
		o.MaxContextTokens = 8000
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Request is one orchestration run's input.
type Request struct {
	// Instruction is the newest user turn.
	Instruction string

	// SubjectID identifies the account charged for the run and whose
	// conversation history is loaded.
	SubjectID string

	// AdditionalContext is appended to the system message verbatim.
	AdditionalContext string

	// Tools are request-scoped capabilities. Names already present in
	// the registry keep their existing registration.
	Tools []*tool.Tool

	// MaxRetries overrides the configured retry budget when >= 0.
	// Leave at -1 (or use NewRequest) to keep the default.
	MaxRetries int
}

// NewRequest returns a Request with MaxRetries left at the default.
func NewRequest(subjectID, instruction string) Request {
	return Request{SubjectID: subjectID, Instruction: instruction, MaxRetries: -1}
}

// Result is one orchestration run's outcome. Run never fails outright:
// on total failure Response carries an apology and Errors the causes.
type Result struct {
	Response            string
	ToolCalls           []tool.CallResult
	Errors              []error
	InsufficientCredits bool

	// Usage aggregates token counts across all model calls in the run.
	Usage llm.TokenUsage

	// Turns is the number of model calls made.
	Turns int

	RequestID string
}

// Orchestrator composes the model client, tool registry, memory store,
// and accounting store into the conversation loop. All collaborators
// are constructor-injected.
type Orchestrator struct {
	client   llm.Chatter
	registry *tool.Registry
	mem      memory.Store
	accounts Accountant
	sink     UsageSink
	opts     Options
	logger   *slog.Logger

	// meterWG tracks detached metering goroutines so shutdown (and
	// tests) can wait for them.
	meterWG sync.WaitGroup
}

// New creates an orchestrator. mem and sink may be nil: a nil mem runs
// without history, a nil sink disables event publishing. client,
// registry, and accounts are required.
func New(client llm.Chatter, registry *tool.Registry, mem memory.Store, accounts Accountant, sink UsageSink, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		client:   client,
		registry: registry,
		mem:      mem,
		accounts: accounts,
		sink:     sink,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Wait blocks until all detached metering work has finished. Call
// during shutdown so in-flight deductions are not lost.
func (o *Orchestrator) Wait() {
	o.meterWG.Wait()
}

// Run executes one orchestration run. It never panics and never
// returns a nil result: all failures are folded into Result.Errors
// with a user-safe Response.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result) {
	requestID := uuid.NewString()

	res = &Result{RequestID: requestID}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestration panicked", "request_id", requestID, "panic", r)
			res.Errors = append(res.Errors, fmt.Errorf("internal error: %v", r))
			res.Response = apologyResponse
		}
		if res.Response == "" {
			res.Response = apologyResponse
		}
	}()

	retryOpts := o.opts.Retry
	if req.MaxRetries >= 0 {
		retryOpts.MaxRetries = req.MaxRetries
	}

	o.registerRequestTools(req.Tools)

	executor := tool.NewExecutor(o.registry, tool.ExecutorOptions{
		Retry:         retryOpts,
		DefaultResult: o.opts.ToolDefaultResult,
		Logger:        o.logger,
	})

	messages := o.assembleMessages(ctx, req)
	schemas := o.registry.Schemas(req.SubjectID)

	o.logger.Info("orchestration started",
		"request_id", requestID,
		"subject_id", req.SubjectID,
		"tools", len(schemas),
		"context_messages", len(messages),
	)

	recovered := false
	for turn := 1; turn <= o.opts.MaxTurns; turn++ {
		// Admission control: project this turn's cost before spending it.
		projected := o.projectUsage(messages)
		decision, err := o.accounts.CheckSufficient(ctx, req.SubjectID, o.opts.Model, projected)
		if err != nil {
			// An unreachable accounting store blocks work, same as an
			// insufficient balance would: no unmetered calls.
			res.Errors = append(res.Errors, fmt.Errorf("admission check: %w", err))
			res.Response = apologyResponse
			return res
		}
		if !decision.Sufficient {
			o.logger.Warn("admission denied",
				"request_id", requestID,
				"subject_id", req.SubjectID,
				"balance", decision.Balance,
				"projected_cost", decision.Cost,
			)
			res.InsufficientCredits = true
			res.Errors = append(res.Errors, fmt.Errorf("%w: balance %.6f, projected cost %.6f",
				credits.ErrInsufficientCredits, decision.Balance, decision.Cost))
			res.Response = insufficientResponse
			return res
		}

		resp, err := retry.Do(ctx, func(ctx context.Context) (*llm.ChatResponse, error) {
			return o.client.Chat(ctx, llm.ChatRequest{
				Model:       o.opts.Model,
				Messages:    messages,
				Tools:       schemas,
				Temperature: o.opts.Temperature,
				MaxTokens:   o.opts.MaxTokens,
			})
		}, retryOpts)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("model call (turn %d): %w", turn, err))
			// Tolerate exactly one in-loop failure before giving up.
			if !recovered {
				recovered = true
				o.logger.Warn("model call failed, attempting one recovery",
					"request_id", requestID, "turn", turn, "error", err)
				continue
			}
			res.Response = apologyResponse
			return res
		}

		res.Turns++
		res.Usage = addUsage(res.Usage, resp.Usage)
		o.meterAsync(req.SubjectID, requestID, resp)

		if !resp.HasToolCalls() {
			res.Response = resp.Message.Content
			o.logger.Info("orchestration completed",
				"request_id", requestID,
				"turns", res.Turns,
				"tool_calls", len(res.ToolCalls),
				"total_tokens", res.Usage.TotalTokens,
			)
			o.persistRun(ctx, req, res)
			return res
		}

		messages = append(messages, resp.Message)

		// All tool calls from one assistant turn run concurrently;
		// results are correlated by ToolCallID, not completion order.
		batch := executor.ExecuteAll(ctx, resp.Message.ToolCalls)
		for _, cr := range batch {
			res.ToolCalls = append(res.ToolCalls, cr)
			if cr.Err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("tool %s: %w", cr.ToolName, cr.Err))
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    renderToolResult(cr),
				ToolCallID: cr.ToolCallID,
				ToolName:   cr.ToolName,
			})
		}
	}

	res.Errors = append(res.Errors, fmt.Errorf("turn limit reached after %d model calls", o.opts.MaxTurns))
	res.Response = apologyResponse
	o.persistRun(ctx, req, res)
	return res
}

// registerRequestTools adds request-scoped tools, keeping any existing
// registration for the same name.
func (o *Orchestrator) registerRequestTools(tools []*tool.Tool) {
	for _, t := range tools {
		if err := o.registry.Register(t); err != nil {
			var dup *tool.DuplicateToolError
			if !errors.As(err, &dup) {
				o.logger.Warn("request tool rejected", "tool", t.Name, "error", err)
			}
		}
	}
}

// assembleMessages builds [system, ...trimmed history, user instruction].
func (o *Orchestrator) assembleMessages(ctx context.Context, req Request) []llm.Message {
	combined := memory.Combine(ctx, o.mem, req.SubjectID, req.Instruction,
		o.opts.HistoryLimit, o.opts.MaxContextTokens, o.logger)

	system := o.systemPrompt(req)
	messages := make([]llm.Message, 0, len(combined)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	return append(messages, combined...)
}

func (o *Orchestrator) systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant. Use the available tools when they help answer the request; otherwise answer directly.\n")

	tools := o.registry.All(req.SubjectID)
	if len(tools) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	if req.AdditionalContext != "" {
		b.WriteString("\n")
		b.WriteString(req.AdditionalContext)
	}
	return b.String()
}

// projectUsage estimates a turn's usage for admission control: the
// assembled prompt at the character heuristic plus the full completion
// budget. Deliberately pessimistic — it is cheaper to deny a marginal
// call than to run one the balance cannot cover.
func (o *Orchestrator) projectUsage(messages []llm.Message) llm.TokenUsage {
	prompt := 0
	for _, m := range messages {
		prompt += memory.EstimateTokens(m.Content)
	}
	return llm.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: o.opts.MaxTokens,
	}.Normalize()
}

// meterAsync deducts credits, updates per-tool aggregates, and emits a
// usage event in a detached goroutine. Metering failure is logged and
// unobserved by the caller: the answer already exists, and billing
// reconciliation handles gaps.
func (o *Orchestrator) meterAsync(subjectID, requestID string, resp *llm.ChatResponse) {
	usage := resp.Usage
	toolCalls := resp.Message.ToolCalls

	o.meterWG.Add(1)
	go func() {
		defer o.meterWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		txn, err := o.accounts.Deduct(ctx, subjectID, o.opts.Model, usage,
			"model call", requestID)
		if err != nil {
			o.logger.Error("usage deduction failed",
				"request_id", requestID, "subject_id", subjectID, "error", err)
		}

		// Attribute the turn's usage to each tool it invoked, so the
		// per-tool average reflects the model-call cost around a tool.
		for _, tc := range toolCalls {
			if err := o.accounts.UpdateMetrics(ctx, tc.Name, subjectID, o.opts.Model, usage); err != nil {
				o.logger.Error("usage metric update failed",
					"request_id", requestID, "tool", tc.Name, "error", err)
			}
			if err := o.accounts.UpdateMetrics(ctx, tc.Name, "", o.opts.Model, usage); err != nil {
				o.logger.Error("global usage metric update failed",
					"request_id", requestID, "tool", tc.Name, "error", err)
			}
		}

		if o.sink != nil {
			cost := 0.0
			if txn != nil {
				cost = -txn.Amount
			}
			o.sink.Publish(ctx, metering.Event{
				RequestID:        requestID,
				SubjectID:        subjectID,
				Model:            o.opts.Model,
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
				Cost:             cost,
				ToolCalls:        len(toolCalls),
			})
		}
	}()
}

// persistRun appends the run's user and assistant turns to memory.
// Failures are logged only — history is best effort.
func (o *Orchestrator) persistRun(ctx context.Context, req Request, res *Result) {
	if o.mem == nil {
		return
	}
	if err := o.mem.Append(ctx, req.SubjectID, llm.RoleUser, req.Instruction); err != nil {
		o.logger.Warn("persist user turn failed", "error", err)
	}
	if err := o.mem.Append(ctx, req.SubjectID, llm.RoleAssistant, res.Response); err != nil {
		o.logger.Warn("persist assistant turn failed", "error", err)
	}
}

// renderToolResult serializes a tool outcome for the tool-role message.
// Errors use the fixed "Error: <message>" form the model is prompted
// to recognize.
func renderToolResult(cr tool.CallResult) string {
	if cr.Err != nil {
		return "Error: " + cr.Err.Error()
	}
	switch v := cr.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func addUsage(a, b llm.TokenUsage) llm.TokenUsage {
	return llm.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
	}.Normalize()
}
