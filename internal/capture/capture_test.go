package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"rto/internal/modelclient"
)

func minimalUsage() sdk.Usage {
	return sdk.Usage{InputTokens: 10, OutputTokens: 5}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *modelclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return modelclient.New(modelclient.Config{APIKey: "k", BaseURL: srv.URL, Model: "m"}, srv.Client())
}

func writeMessage(w http.ResponseWriter, msg sdk.Message) {
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.Marshal(msg)
	_, _ = w.Write(b)
}

func TestRunNoToolUseSucceeds(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, sdk.Message{
			ID:         "msg_1",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			StopReason: sdk.StopReasonEndTurn,
			Content: []sdk.ContentBlockUnion{
				{Type: "thinking", Thinking: "considering the task", Signature: "sig1"},
				{Type: "text", Text: "all done"},
			},
			Usage: minimalUsage(),
		})
	})

	c := New(client)
	trace, err := c.Run(context.Background(), "do the thing", "be helpful", Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !trace.Success {
		t.Fatalf("expected success, got error %q", trace.Error)
	}
	if trace.FinalResponse != "all done" {
		t.Fatalf("unexpected final response %q", trace.FinalResponse)
	}
	if len(trace.ThinkingBlocks) != 1 || trace.ThinkingBlocks[0].TurnIndex != 0 {
		t.Fatalf("unexpected thinking blocks %+v", trace.ThinkingBlocks)
	}
	if trace.ThinkingBlocks[0].FollowingAction != "" {
		t.Fatalf("expected no following action on a no-tool turn, got %q", trace.ThinkingBlocks[0].FollowingAction)
	}
	if trace.TotalTokens != 15 {
		t.Fatalf("expected accumulated tokens 15, got %d", trace.TotalTokens)
	}
	if trace.Model != "m" {
		t.Fatalf("expected trace to carry the client's model id, got %q", trace.Model)
	}
}

func TestRunSingleToolCallBacklinksFollowingAction(t *testing.T) {
	call := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			writeMessage(w, sdk.Message{
				ID:         "msg_1",
				Type:       constant.Message("message"),
				Role:       constant.Assistant("assistant"),
				StopReason: sdk.StopReasonToolUse,
				Content: []sdk.ContentBlockUnion{
					{Type: "thinking", Thinking: "I should check the weather", Signature: "sig1"},
					{Type: "tool_use", ID: "call-1", Name: "get_weather", Input: json.RawMessage(`{"location":"NYC"}`)},
				},
				Usage: minimalUsage(),
			})
			return
		}
		writeMessage(w, sdk.Message{
			ID:         "msg_2",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			StopReason: sdk.StopReasonEndTurn,
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "it's sunny"},
			},
			Usage: minimalUsage(),
		})
	})

	executor := ToolExecutorFunc(func(_ context.Context, name string, input map[string]any) (string, error) {
		if name != "get_weather" {
			t.Fatalf("unexpected tool name %q", name)
		}
		return "sunny, 70F", nil
	})

	c := New(client)
	trace, err := c.Run(context.Background(), "what's the weather", "be helpful", Options{ToolExecutor: executor})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !trace.Success {
		t.Fatalf("expected success, got error %q", trace.Error)
	}
	if len(trace.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(trace.ToolCalls))
	}
	tc := trace.ToolCalls[0]
	if tc.Name != "get_weather" || tc.Result != "sunny, 70F" || tc.Success == nil || !*tc.Success {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	if len(trace.ThinkingBlocks) != 1 {
		t.Fatalf("expected one thinking block, got %d", len(trace.ThinkingBlocks))
	}
	if trace.ThinkingBlocks[0].FollowingAction != "tool_use:get_weather" {
		t.Fatalf("expected back-linked following action, got %q", trace.ThinkingBlocks[0].FollowingAction)
	}
	if trace.TotalTurns != 1 {
		t.Fatalf("expected 1 completed turn before the final response, got %d", trace.TotalTurns)
	}
}

func TestRunToolExecutorErrorRecordedNotPropagated(t *testing.T) {
	call := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			writeMessage(w, sdk.Message{
				ID:         "msg_1",
				Type:       constant.Message("message"),
				Role:       constant.Assistant("assistant"),
				StopReason: sdk.StopReasonToolUse,
				Content: []sdk.ContentBlockUnion{
					{Type: "tool_use", ID: "call-1", Name: "search_docs", Input: json.RawMessage(`{}`)},
				},
				Usage: minimalUsage(),
			})
			return
		}
		writeMessage(w, sdk.Message{
			ID:         "msg_2",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			StopReason: sdk.StopReasonEndTurn,
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "recovered"}},
			Usage:      minimalUsage(),
		})
	})

	executor := ToolExecutorFunc(func(_ context.Context, name string, input map[string]any) (string, error) {
		return "", fmt.Errorf("query parameter is required")
	})

	c := New(client)
	trace, err := c.Run(context.Background(), "search for something", "be helpful", Options{ToolExecutor: executor})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !trace.Success {
		t.Fatalf("expected overall run to still succeed, got error %q", trace.Error)
	}
	if len(trace.ToolCalls) != 1 || trace.ToolCalls[0].Error == "" {
		t.Fatalf("expected recorded tool error, got %+v", trace.ToolCalls)
	}
	if trace.ToolCalls[0].Success == nil || *trace.ToolCalls[0].Success {
		t.Fatalf("expected tool call marked unsuccessful, got %+v", trace.ToolCalls[0])
	}
}

func TestRunMaxTurnsExhaustion(t *testing.T) {
	n := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n++
		writeMessage(w, sdk.Message{
			ID:         fmt.Sprintf("msg_%d", n),
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			StopReason: sdk.StopReasonToolUse,
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", ID: fmt.Sprintf("call-%d", n), Name: "get_weather", Input: json.RawMessage(`{"location":"NYC"}`)},
			},
			Usage: minimalUsage(),
		})
	})

	executor := ToolExecutorFunc(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		return "sunny", nil
	})

	c := New(client)
	trace, err := c.Run(context.Background(), "loop forever", "be helpful", Options{ToolExecutor: executor, MaxTurns: 2})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if trace.Success {
		t.Fatalf("expected failure on max-turns exhaustion")
	}
	if trace.Error == "" {
		t.Fatalf("expected an error message recorded")
	}
	if trace.TotalTurns != 2 {
		t.Fatalf("expected 2 completed turns, got %d", trace.TotalTurns)
	}
	if len(trace.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(trace.ToolCalls))
	}
}

func TestFormatTraceForDisplayIncludesKeySections(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, sdk.Message{
			ID:         "msg_1",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			StopReason: sdk.StopReasonEndTurn,
			Content: []sdk.ContentBlockUnion{
				{Type: "thinking", Thinking: "thinking it through", Signature: "sig1"},
				{Type: "text", Text: "final answer"},
			},
			Usage: minimalUsage(),
		})
	})

	c := New(client)
	trace, err := c.Run(context.Background(), "task", "prompt", Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	out := FormatTraceForDisplay(trace)
	if !contains(out, trace.SessionID) || !contains(out, "final answer") || !contains(out, "thinking it through") {
		t.Fatalf("formatted trace missing expected sections: %s", out)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (needle == "" || indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
