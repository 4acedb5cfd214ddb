package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"rto/internal/domain"
	"rto/internal/modelclient"
)

func newTestClient(t *testing.T, text string) *modelclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		msg := sdk.Message{
			ID:         "msg_1",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			StopReason: sdk.StopReasonEndTurn,
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: text},
			},
			Usage: sdk.Usage{InputTokens: 1, OutputTokens: 1},
		}
		b, _ := json.Marshal(msg)
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return modelclient.New(modelclient.Config{APIKey: "k", BaseURL: srv.URL, Model: "m"}, srv.Client())
}

func sampleTrace() *domain.ReasoningTrace {
	return &domain.ReasoningTrace{
		SessionID: "sess-1",
		Task:      "answer a question",
		ThinkingBlocks: []domain.ThinkingBlock{
			{Content: "considering options", TurnIndex: 0, Timestamp: time.Now()},
		},
		FinalResponse: "here's the answer",
		Success:       true,
		TotalTurns:    1,
	}
}

const validJSON = "```json\n" + `{
  "patterns": [
    {"type": "tool_confusion", "severity": "medium", "description": "misused tool", "evidence": ["ev1"], "turn_indices": [0], "suggestion": "fix it", "confidence": 0.7}
  ],
  "scores": {"reasoning_clarity": 70, "goal_adherence": 80, "tool_usage_quality": 60, "error_recovery": 50, "overall": 66},
  "strengths": ["clear goal"],
  "weaknesses": ["slow"],
  "recommendations": ["be faster"]
}` + "\n```"

func TestAnalyzeParsesFencedJSON(t *testing.T) {
	client := newTestClient(t, validJSON)
	a := New(client)
	result, err := a.Analyze(context.Background(), sampleTrace(), 0)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if result.OverallScore != 66 {
		t.Fatalf("expected overall score 66, got %v", result.OverallScore)
	}
	if len(result.Patterns) != 1 || result.Patterns[0].Type != domain.PatternToolConfusion {
		t.Fatalf("unexpected patterns %+v", result.Patterns)
	}
	if result.AnalyzerModel != "m" {
		t.Fatalf("expected analyzer model recorded, got %q", result.AnalyzerModel)
	}
}

func TestAnalyzeFallsBackOnMalformedJSONNeverZero(t *testing.T) {
	client := newTestClient(t, "I think the agent did okay. Overall Score: 72 out of 100 but the JSON got cut off")
	a := New(client)
	result, err := a.Analyze(context.Background(), sampleTrace(), 0)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if result.OverallScore != 72 {
		t.Fatalf("expected recovered score 72, got %v", result.OverallScore)
	}
	if len(result.Weaknesses) == 0 {
		t.Fatalf("expected a fallback weakness to be recorded")
	}
}

func TestAnalyzeFallbackFloorNeverZeroWithNoRecoverableScore(t *testing.T) {
	client := newTestClient(t, "this response contains nothing resembling the expected schema at all")
	a := New(client)
	result, err := a.Analyze(context.Background(), sampleTrace(), 0)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if result.OverallScore != fallbackFloor {
		t.Fatalf("expected fallback floor %v, got %v", fallbackFloor, result.OverallScore)
	}
}

func TestAnalyzeZeroScoreWithNoPatternsAppliesFloor(t *testing.T) {
	zeroScoreJSON := "```json\n" + `{"patterns": [], "scores": {"reasoning_clarity": 0, "goal_adherence": 0, "tool_usage_quality": 0, "error_recovery": 0, "overall": 0}, "strengths": [], "weaknesses": [], "recommendations": []}` + "\n```"
	client := newTestClient(t, zeroScoreJSON)
	a := New(client)
	result, err := a.Analyze(context.Background(), sampleTrace(), 0)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if result.OverallScore != fallbackFloor {
		t.Fatalf("expected safety-net floor %v for a technically-valid zero score, got %v", fallbackFloor, result.OverallScore)
	}
}

func TestQuickScoreParsesNumber(t *testing.T) {
	client := newTestClient(t, "82")
	a := New(client)
	score, err := a.QuickScore(context.Background(), sampleTrace())
	if err != nil {
		t.Fatalf("QuickScore returned error: %v", err)
	}
	if score != 82 {
		t.Fatalf("expected 82, got %v", score)
	}
}

func TestQuickScoreFallsBackOnNonNumeric(t *testing.T) {
	client := newTestClient(t, "pretty good I'd say")
	a := New(client)
	score, err := a.QuickScore(context.Background(), sampleTrace())
	if err != nil {
		t.Fatalf("QuickScore returned error: %v", err)
	}
	if score != fallbackFloor {
		t.Fatalf("expected fallback floor %v, got %v", fallbackFloor, score)
	}
}

func TestFormatAnalysisReportIncludesScoresAndPatterns(t *testing.T) {
	result := &domain.AnalysisResult{
		OverallScore:     66,
		ReasoningClarity: 70,
		Patterns: []domain.Pattern{
			{Type: domain.PatternToolConfusion, Severity: domain.SeverityMedium, Description: "desc", Suggestion: "fix"},
		},
		Strengths:       []string{"good"},
		Weaknesses:      []string{"bad"},
		Recommendations: []string{"improve"},
	}
	report := FormatAnalysisReport(result)
	for _, want := range []string{"66/100", "tool_confusion", "good", "bad", "improve"} {
		if !stringsContains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func stringsContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
