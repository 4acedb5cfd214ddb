// Package capture drives the multi-turn agent conversation against the
// model, accumulating ThinkingBlocks and ToolCalls into a ReasoningTrace
// (SPEC_FULL §4.1). Its turn/tool-dispatch shape is grounded on the
// teacher's agent engine loop (sequential turns, per-call executor
// dispatch, context-scoped logging); the domain objects it produces are
// this module's own.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"rto/internal/domain"
	"rto/internal/modelclient"
	"rto/internal/observability"
)

// ToolExecutor invokes a named tool with its input and returns the
// result text, or an error if the tool itself failed. Capture records
// either outcome on the ToolCall; it never propagates the error out of
// Run (SPEC_FULL §4.1, §7).
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (string, error)
}

// ToolExecutorFunc adapts a plain function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, name string, input map[string]any) (string, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	return f(ctx, name, input)
}

// defaultMaxTurns and defaultMaxTokens mirror the original implementation's
// keyword defaults for run()/run_streaming().
const (
	defaultMaxTurns  = 10
	defaultMaxTokens = 4096
)

// ErrMaxTurnsExceeded names max-turns exhaustion as an error value. No
// code in this module returns it: Run/RunStreaming record that failure on
// the trace (SPEC_FULL §7) as the message "reached maximum turns (N)
// without completion", which is not this value.
var ErrMaxTurnsExceeded = errors.New("capture: reached maximum turns without completion")

// Capture runs an agent conversation against a modelclient.Client and
// records the full reasoning trace.
type Capture struct {
	Client *modelclient.Client
}

// New returns a Capture backed by client.
func New(client *modelclient.Client) *Capture {
	return &Capture{Client: client}
}

// Options configures one Run/RunStreaming call. Zero values fall back to
// the same defaults the original implementation uses.
type Options struct {
	Tools        []modelclient.ToolDef
	ToolExecutor ToolExecutor
	MaxTurns     int
	MaxTokens    int64
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = defaultMaxTurns
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	return o
}

// Run executes task against the model under systemPrompt, for up to
// opts.MaxTurns turns, and returns the captured trace. Transport errors
// are recorded on the trace rather than returned (SPEC_FULL §4.1, §7), and
// so is context cancellation: the returned error is always nil.
func (c *Capture) Run(ctx context.Context, task, systemPrompt string, opts Options) (*domain.ReasoningTrace, error) {
	opts = opts.withDefaults()

	trace := &domain.ReasoningTrace{
		SessionID:    uuid.NewString(),
		Task:         task,
		SystemPrompt: systemPrompt,
		Model:        c.Client.Model(),
		StartedAt:    time.Now(),
	}

	log := observability.LoggerWithTrace(ctx)
	history := []anthropic.MessageParam{modelclient.NewUserMessage(task)}
	turn := 0

	for turn < opts.MaxTurns {
		select {
		case <-ctx.Done():
			trace.Success = false
			trace.Error = ctx.Err().Error()
			trace.CompletedAt = time.Now()
			return trace, nil
		default:
		}

		resp, err := c.Client.Send(ctx, systemPrompt, history, opts.Tools, opts.MaxTokens)
		if err != nil {
			trace.Success = false
			trace.Error = err.Error()
			break
		}

		for _, th := range resp.Thinking {
			trace.ThinkingBlocks = append(trace.ThinkingBlocks, domain.ThinkingBlock{
				Content:   th.Text,
				TurnIndex: turn,
				Timestamp: time.Now(),
				Signature: th.Signature,
			})
		}
		trace.TotalTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens

		if len(resp.ToolUses) == 0 {
			trace.FinalResponse = resp.Text
			trace.Success = true
			break
		}

		history = append(history, resp.ToAssistantMessageParam())

		results := make([]modelclient.ToolResult, 0, len(resp.ToolUses))
		for _, tu := range resp.ToolUses {
			result, isErr := c.executeTool(ctx, tu, turn, trace, opts.ToolExecutor)
			results = append(results, modelclient.ToolResult{ToolUseID: tu.ID, Content: result, IsError: isErr})
		}
		history = append(history, modelclient.NewToolResultMessage(results))

		turn++
		trace.TotalTurns = turn
	}

	if turn >= opts.MaxTurns && !trace.Success && trace.Error == "" {
		trace.Success = false
		trace.Error = fmt.Sprintf("reached maximum turns (%d) without completion", opts.MaxTurns)
	}

	trace.CompletedAt = time.Now()
	log.Info().
		Str("session_id", trace.SessionID).
		Bool("success", trace.Success).
		Int("turns", trace.TotalTurns).
		Int("tool_calls", len(trace.ToolCalls)).
		Msg("capture_run_complete")
	return trace, nil
}

// executeTool invokes executor (or a mock result if nil), records the
// ToolCall on trace, and back-links the most recent ThinkingBlock's
// FollowingAction. It returns the text to hand back to the model and
// whether that text represents an error.
func (c *Capture) executeTool(ctx context.Context, tu modelclient.ToolUse, turn int, trace *domain.ReasoningTrace, executor ToolExecutor) (string, bool) {
	tc := domain.ToolCall{
		ID:        tu.ID,
		Name:      tu.Name,
		Input:     tu.Input,
		TurnIndex: turn,
	}

	if raw, err := json.Marshal(tu.Input); err == nil {
		observability.LoggerWithTrace(ctx).Debug().
			Str("tool", tu.Name).
			RawJSON("input", observability.RedactJSON(raw)).
			Msg("capture_tool_call")
	}

	var result string
	var execErr error
	if executor != nil {
		result, execErr = executor.Execute(ctx, tu.Name, tu.Input)
	} else {
		result = fmt.Sprintf("[Mock result for %s]", tu.Name)
	}

	success := execErr == nil
	tc.Success = &success
	if execErr != nil {
		result = fmt.Sprintf("Error: %s", execErr.Error())
		tc.Error = execErr.Error()
	}
	tc.Result = result

	trace.ToolCalls = append(trace.ToolCalls, tc)
	backlinkFollowingAction(trace, turn, tu.Name)

	return result, execErr != nil
}

// streamAdapter forwards streaming deltas to caller-supplied callbacks,
// satisfying modelclient.StreamHandler without requiring RunStreaming's
// callers to implement the interface themselves.
type streamAdapter struct {
	onThinking func(string)
	onText     func(string)
}

func (a streamAdapter) OnThinkingDelta(text string) {
	if a.onThinking != nil {
		a.onThinking(text)
	}
}

func (a streamAdapter) OnTextDelta(text string) {
	if a.onText != nil {
		a.onText(text)
	}
}

// RunStreaming behaves exactly like Run, except each turn is issued via
// the provider's streaming API and incremental thinking/text deltas are
// forwarded to onThinking/onText as they arrive. The trace it produces
// back-links FollowingAction identically to Run — earlier revisions of
// this optimizer left streamed traces without that back-link, which this
// implementation does not reproduce (SPEC_FULL §4.1, §9).
func (c *Capture) RunStreaming(ctx context.Context, task, systemPrompt string, opts Options, onThinking, onText func(string)) (*domain.ReasoningTrace, error) {
	opts = opts.withDefaults()

	trace := &domain.ReasoningTrace{
		SessionID:    uuid.NewString(),
		Task:         task,
		SystemPrompt: systemPrompt,
		Model:        c.Client.Model(),
		StartedAt:    time.Now(),
	}

	log := observability.LoggerWithTrace(ctx)
	history := []anthropic.MessageParam{modelclient.NewUserMessage(task)}
	handler := streamAdapter{onThinking: onThinking, onText: onText}
	turn := 0

	for turn < opts.MaxTurns {
		select {
		case <-ctx.Done():
			trace.Success = false
			trace.Error = ctx.Err().Error()
			trace.CompletedAt = time.Now()
			return trace, nil
		default:
		}

		resp, err := c.Client.SendStreaming(ctx, systemPrompt, history, opts.Tools, opts.MaxTokens, handler)
		if err != nil {
			trace.Success = false
			trace.Error = err.Error()
			break
		}

		for _, th := range resp.Thinking {
			trace.ThinkingBlocks = append(trace.ThinkingBlocks, domain.ThinkingBlock{
				Content:   th.Text,
				TurnIndex: turn,
				Timestamp: time.Now(),
				Signature: th.Signature,
			})
		}
		trace.TotalTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens

		if len(resp.ToolUses) == 0 {
			trace.FinalResponse = resp.Text
			trace.Success = true
			break
		}

		history = append(history, resp.ToAssistantMessageParam())

		results := make([]modelclient.ToolResult, 0, len(resp.ToolUses))
		for _, tu := range resp.ToolUses {
			result, isErr := c.executeTool(ctx, tu, turn, trace, opts.ToolExecutor)
			results = append(results, modelclient.ToolResult{ToolUseID: tu.ID, Content: result, IsError: isErr})
		}
		history = append(history, modelclient.NewToolResultMessage(results))

		turn++
		trace.TotalTurns = turn
	}

	if turn >= opts.MaxTurns && !trace.Success && trace.Error == "" {
		trace.Success = false
		trace.Error = fmt.Sprintf("reached maximum turns (%d) without completion", opts.MaxTurns)
	}

	trace.CompletedAt = time.Now()
	log.Info().
		Str("session_id", trace.SessionID).
		Bool("success", trace.Success).
		Int("turns", trace.TotalTurns).
		Msg("capture_run_streaming_complete")
	return trace, nil
}

// backlinkFollowingAction sets the most recent ThinkingBlock's
// FollowingAction to tool_use:<name>, but only when that block belongs to
// the current turn — matching the original implementation's
// `last_thinking.turn_index == turn` guard.
func backlinkFollowingAction(trace *domain.ReasoningTrace, turn int, toolName string) {
	if len(trace.ThinkingBlocks) == 0 {
		return
	}
	last := &trace.ThinkingBlocks[len(trace.ThinkingBlocks)-1]
	if last.TurnIndex == turn {
		last.FollowingAction = domain.ToolUseAction(toolName)
	}
}

const (
	thinkingDisplayLimit   = 500
	toolResultDisplayLimit = 100
)

// FormatTraceForDisplay renders trace as a human-readable report: session
// header, one section per turn's thinking blocks and tool calls, the
// final response, and any error — truncating long thinking/tool-result
// text the same way the original implementation's formatter does.
func FormatTraceForDisplay(trace *domain.ReasoningTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Reasoning Trace: %s ===\n", trace.SessionID)
	fmt.Fprintf(&b, "Task: %s\n", trace.Task)
	fmt.Fprintf(&b, "Model: %s\n", trace.Model)
	fmt.Fprintf(&b, "Status: %s\n", statusLabel(trace.Success))
	fmt.Fprintf(&b, "Turns: %d\n", trace.TotalTurns)
	fmt.Fprintf(&b, "Total tokens: %d\n\n", trace.TotalTokens)

	for turn := 0; turn <= trace.TotalTurns; turn++ {
		thinking := trace.ThinkingAtTurn(turn)
		calls := trace.ToolCallsAtTurn(turn)
		if thinking == nil && len(calls) == 0 {
			continue
		}
		fmt.Fprintf(&b, "--- Turn %d ---\n", turn)
		if thinking != nil {
			b.WriteString("Thinking: ")
			b.WriteString(truncate(thinking.Content, thinkingDisplayLimit))
			b.WriteString("\n")
			if thinking.FollowingAction != "" {
				fmt.Fprintf(&b, "Following action: %s\n", thinking.FollowingAction)
			}
		}
		for _, tc := range calls {
			fmt.Fprintf(&b, "Tool call: %s\n", tc.Name)
			fmt.Fprintf(&b, "Result: %s\n", truncate(tc.Result, toolResultDisplayLimit))
			if tc.Error != "" {
				fmt.Fprintf(&b, "Error: %s\n", tc.Error)
			}
		}
		b.WriteString("\n")
	}

	if trace.FinalResponse != "" {
		b.WriteString("=== Final Response ===\n")
		b.WriteString(trace.FinalResponse)
		b.WriteString("\n")
	}
	if trace.Error != "" {
		fmt.Fprintf(&b, "\n=== Error ===\n%s\n", trace.Error)
	}
	return b.String()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... [truncated]"
}
