package optimizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
			Usage:      sdk.Usage{InputTokens: 1, OutputTokens: 1},
		}
		b, _ := json.Marshal(msg)
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return modelclient.New(modelclient.Config{APIKey: "k", BaseURL: srv.URL, Model: "m"}, srv.Client())
}

func sampleAnalysis() *domain.AnalysisResult {
	return &domain.AnalysisResult{
		TraceID:      "sess-1",
		OverallScore: 60,
		Patterns: []domain.Pattern{
			{Type: domain.PatternToolConfusion, Severity: domain.SeverityMedium, Description: "confused tool", Suggestion: "clarify"},
		},
		Weaknesses:      []string{"vague instructions"},
		Recommendations: []string{"add examples"},
	}
}

const validOptimizationJSON = "```json\n" + `{
  "optimized_prompt": "Be helpful. Always validate tool results before replying.",
  "diffs": [{"section": "guardrails", "original": "N/A", "optimized": "validate tool results", "reason": "prevent hallucination"}],
  "key_changes": ["added validation guardrail"],
  "predicted_improvement": 15,
  "confidence": 0.75
}` + "\n```"

func TestOptimizeParsesFencedJSON(t *testing.T) {
	client := newTestClient(t, validOptimizationJSON)
	opt := New(client)
	result, err := opt.Optimize(context.Background(), "Be helpful and answer accurately.", sampleAnalysis(), &domain.ReasoningTrace{Task: "demo"}, 0)
	if err != nil {
		t.Fatalf("Optimize returned error: %v", err)
	}
	if result.OptimizedPrompt != "Be helpful. Always validate tool results before replying." {
		t.Fatalf("unexpected optimized prompt: %q", result.OptimizedPrompt)
	}
	if result.PredictedImprovement != 15 || result.Confidence != 0.75 {
		t.Fatalf("unexpected scores: %+v", result)
	}
	if len(result.Diffs) != 1 || result.Diffs[0].Section != "guardrails" {
		t.Fatalf("unexpected diffs: %+v", result.Diffs)
	}
}

func TestOptimizeFallsBackToOriginalOnUnparsableResponse(t *testing.T) {
	client := newTestClient(t, "I couldn't produce valid JSON, sorry about that.")
	opt := New(client)
	original := "Be helpful and concise."
	result, err := opt.Optimize(context.Background(), original, sampleAnalysis(), nil, 0)
	if err != nil {
		t.Fatalf("Optimize returned error: %v", err)
	}
	if result.OptimizedPrompt != original {
		t.Fatalf("expected fallback to original prompt, got %q", result.OptimizedPrompt)
	}
	if len(result.KeyChanges) == 0 {
		t.Fatalf("expected a key-change note explaining the fallback")
	}
}

func TestOptimizeNeverReturnsEmptyPrompt(t *testing.T) {
	client := newTestClient(t, "")
	opt := New(client)
	original := "Be helpful."
	result, err := opt.Optimize(context.Background(), original, sampleAnalysis(), nil, 0)
	if err != nil {
		t.Fatalf("Optimize returned error: %v", err)
	}
	if result.OptimizedPrompt == "" {
		t.Fatalf("optimized prompt must never be empty")
	}
}

func TestOptimizeExtractsOptimizedPromptFieldWhenSurroundingJSONBroken(t *testing.T) {
	broken := `some preamble text "optimized_prompt": "Be helpful.\nValidate everything." and then the json got cut off`
	client := newTestClient(t, broken)
	opt := New(client)
	result, err := opt.Optimize(context.Background(), "Be helpful.", sampleAnalysis(), nil, 0)
	if err != nil {
		t.Fatalf("Optimize returned error: %v", err)
	}
	if !strings.Contains(result.OptimizedPrompt, "Validate everything.") {
		t.Fatalf("expected fallback field extraction, got %q", result.OptimizedPrompt)
	}
}

func TestEnforceGrowthCapRevertsOverlyLongExpansion(t *testing.T) {
	original := "short prompt"
	huge := strings.Repeat("x", len(original)*growthCapMultiplier+1)
	hugeJSON := "```json\n" + `{"optimized_prompt": "` + huge + `", "diffs": [], "key_changes": [], "predicted_improvement": 5, "confidence": 0.5}` + "\n```"
	client := newTestClient(t, hugeJSON)
	opt := New(client)
	result, err := opt.Optimize(context.Background(), original, sampleAnalysis(), nil, 0)
	if err != nil {
		t.Fatalf("Optimize returned error: %v", err)
	}
	if result.OptimizedPrompt != original {
		t.Fatalf("expected growth-capped optimization to revert to original, got length %d", len(result.OptimizedPrompt))
	}
}

func TestOptimizeIterativeReturnsNonEmptyPrompt(t *testing.T) {
	client := newTestClient(t, validOptimizationJSON)
	opt := New(client)
	analyses := []*domain.AnalysisResult{
		{OverallScore: 50, Weaknesses: []string{"slow"}, Recommendations: []string{"speed up"}},
		{OverallScore: 70, Weaknesses: []string{"slow"}, Recommendations: []string{"speed up", "be concise"}},
	}
	traces := []*domain.ReasoningTrace{{Task: "demo"}}
	result, err := opt.OptimizeIterative(context.Background(), "Be helpful.", analyses, traces)
	if err != nil {
		t.Fatalf("OptimizeIterative returned error: %v", err)
	}
	if result.OptimizedPrompt == "" {
		t.Fatalf("expected a non-empty optimized prompt")
	}
}

func TestSuggestToolImprovementsReturnsEmptyWithoutToolPatterns(t *testing.T) {
	client := newTestClient(t, "{}")
	opt := New(client)
	analysis := &domain.AnalysisResult{Patterns: []domain.Pattern{{Type: domain.PatternHallucination}}}
	out, err := opt.SuggestToolImprovements(context.Background(), []modelclient.ToolDef{{Name: "get_weather"}}, analysis)
	if err != nil {
		t.Fatalf("SuggestToolImprovements returned error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty suggestions, got %+v", out)
	}
}

func TestSuggestToolImprovementsParsesResponse(t *testing.T) {
	client := newTestClient(t, "```json\n{\"get_weather\": \"clarify units expected\"}\n```")
	opt := New(client)
	analysis := &domain.AnalysisResult{Patterns: []domain.Pattern{{Type: domain.PatternToolConfusion, Description: "wrong units"}}}
	out, err := opt.SuggestToolImprovements(context.Background(), []modelclient.ToolDef{{Name: "get_weather"}}, analysis)
	if err != nil {
		t.Fatalf("SuggestToolImprovements returned error: %v", err)
	}
	if out["get_weather"] != "clarify units expected" {
		t.Fatalf("unexpected suggestions: %+v", out)
	}
}

func TestFormatOptimizationReportIncludesPromptAndChanges(t *testing.T) {
	result := &domain.OptimizationResult{
		OriginalPrompt:       "orig",
		OptimizedPrompt:      "improved prompt body",
		PredictedImprovement: 10,
		Confidence:           0.6,
		KeyChanges:           []string{"added guardrail"},
	}
	report := FormatOptimizationReport(result)
	for _, want := range []string{"improved prompt body", "added guardrail", "10%"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}
