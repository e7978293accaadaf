package tool

import (
	"context"
	"log/slog"

	"github.com/steward-ai/steward/pkg/fallback"
	"github.com/steward-ai/steward/pkg/llm"
	"github.com/steward-ai/steward/pkg/retry"
)

// CallResult is the outcome of one model-requested tool call. Exactly
// one of success or failure is populated: when Err is non-nil, Result
// carries the configured placeholder value, never live output.
type CallResult struct {
	ToolCallID string
	ToolName   string
	Result     any
	Err        error
}

// ExecutorOptions configures the guarded execution path.
type ExecutorOptions struct {
	// Retry is the backoff schedule applied to each tool handler.
	Retry retry.Options

	// DefaultResult, when non-nil, is substituted after a handler
	// exhausts its retries so one failed tool never aborts the
	// surrounding orchestration. The original error is still recorded
	// on the CallResult.
	DefaultResult any

	// Logger receives execution diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Executor resolves tool calls against a registry and runs them behind
// the retry and fallback wrappers.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
	logger   *slog.Logger
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, opts: opts, logger: logger}
}

// Execute runs one tool call. An unregistered name short-circuits with
// a capability error before any retry. Handler failures are retried on
// the configured schedule; on exhaustion the placeholder default (if
// any) becomes the result and the last error is recorded.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) CallResult {
	res := CallResult{ToolCallID: call.ID, ToolName: call.Name}

	t, err := e.registry.Get(call.Name)
	if err != nil {
		res.Err = err
		res.Result = e.opts.DefaultResult
		e.logger.Warn("tool call targets unknown tool",
			"tool", call.Name, "tool_call_id", call.ID)
		return res
	}

	primary := func(ctx context.Context) (any, error) {
		return retry.Do(ctx, func(ctx context.Context) (any, error) {
			return t.Handler(ctx, call.Arguments)
		}, e.opts.Retry)
	}

	// No FallbackValue here: the placeholder is applied below so the
	// handler's error still lands on the CallResult for the trace.
	out, err := fallback.Do(ctx, primary, fallback.Options[any]{
		Name:   "tool:" + call.Name,
		Logger: e.logger,
	})
	if err != nil {
		res.Err = err
		res.Result = e.opts.DefaultResult
		return res
	}

	res.Result = out
	return res
}

// ExecuteAll runs a batch of tool calls from one assistant turn
// concurrently and returns results indexed to match calls. Each result
// is correlated by ToolCallID regardless of completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []llm.ToolCall) []CallResult {
	results := make([]CallResult, len(calls))

	type indexed struct {
		i   int
		res CallResult
	}
	done := make(chan indexed, len(calls))

	for i, call := range calls {
		go func(i int, call llm.ToolCall) {
			done <- indexed{i: i, res: e.Execute(ctx, call)}
		}(i, call)
	}

	for range calls {
		d := <-done
		results[d.i] = d.res
	}
	return results
}
