package looprunner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"rto/internal/modelclient"
)

func textMessage(text string) sdk.Message {
	return sdk.Message{
		ID:         "msg",
		Type:       constant.Message("message"),
		Role:       constant.Assistant("assistant"),
		StopReason: sdk.StopReasonEndTurn,
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:      sdk.Usage{InputTokens: 1, OutputTokens: 1},
	}
}

func analysisResponse(overall float64) string {
	return fmt.Sprintf("```json\n{\"patterns\":[],\"scores\":{\"reasoning_clarity\":%v,\"goal_adherence\":%v,\"tool_usage_quality\":%v,\"error_recovery\":%v,\"overall\":%v},\"strengths\":[],\"weaknesses\":[],\"recommendations\":[]}\n```", overall, overall, overall, overall, overall)
}

func optimizationResponse(prompt string) string {
	return fmt.Sprintf("```json\n{\"optimized_prompt\":%q,\"diffs\":[],\"key_changes\":[\"tightened instructions\"],\"predicted_improvement\":5,\"confidence\":0.6}\n```", prompt)
}

// scriptedClient returns a *modelclient.Client backed by a server that
// plays back responses in order, one per call, regardless of request
// content.
func scriptedClient(t *testing.T, responses []string) *modelclient.Client {
	t.Helper()
	var idx int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt64(&idx, 1) - 1
		if int(i) >= len(responses) {
			t.Fatalf("unexpected call %d beyond scripted responses (%d)", i, len(responses))
		}
		w.Header().Set("Content-Type", "application/json")
		b, _ := json.Marshal(textMessage(responses[i]))
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return modelclient.New(modelclient.Config{APIKey: "k", BaseURL: srv.URL, Model: "m"}, srv.Client())
}

// scoreOnlyConfig isolates the composite score to the analyzer's overall,
// so a test can drive composites directly through scripted analyzer
// responses.
func scoreOnlyConfig(dir string) LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.SuccessWeight = 0
	cfg.ScoreWeight = 1
	cfg.ErrorWeight = 0
	cfg.MinScoreThreshold = 1000 // never converge on absolute score
	cfg.ConvergenceThreshold = 0.001
	cfg.RegressionThreshold = 8.0
	cfg.MaxIterations = 5
	cfg.UseBestPrompt = true
	cfg.SaveArtifacts = dir != ""
	cfg.ArtifactsDir = dir
	cfg.Verbose = false
	return cfg
}

func TestRunBestPromptSelectionScenario(t *testing.T) {
	// capture(ok) -> analyze(40) -> optimize(p1)
	// capture(ok) -> analyze(70) -> optimize(p2)
	// capture(ok) -> analyze(65) -> optimize(p3)
	// capture(ok) -> analyze(55) -> optimize(p4)
	// capture(ok) -> analyze(50)                (stops: iteration >= maxIterations-1)
	responses := []string{
		"the answer", analysisResponse(40), optimizationResponse("prompt-1"),
		"the answer", analysisResponse(70), optimizationResponse("prompt-2"),
		"the answer", analysisResponse(65), optimizationResponse("prompt-3"),
		"the answer", analysisResponse(55), optimizationResponse("prompt-4"),
		"the answer", analysisResponse(50),
	}
	client := scriptedClient(t, responses)
	loop := New(client, scoreOnlyConfig(""))

	result, err := loop.Run(context.Background(), "demo task", "initial prompt", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.TotalIterations != 5 {
		t.Fatalf("expected 5 iterations, got %d", result.TotalIterations)
	}
	if result.InitialScore != 40 {
		t.Fatalf("expected initial score 40, got %v", result.InitialScore)
	}
	if result.FinalScore != 70 {
		t.Fatalf("expected final score 70, got %v", result.FinalScore)
	}
	if result.FinalPrompt != "prompt-2" {
		t.Fatalf("expected best prompt 'prompt-2', got %q", result.FinalPrompt)
	}
	if result.Iterations[0].Iteration != 1 {
		t.Fatalf("expected 1-based iteration numbering, got %d for the first iteration", result.Iterations[0].Iteration)
	}
	wantImprovement := 75.0
	if result.ImprovementPercentage != wantImprovement {
		t.Fatalf("expected improvement %.1f%%, got %v", wantImprovement, result.ImprovementPercentage)
	}
}

func TestRunMaxIterationsOneRecordsSingleIteration(t *testing.T) {
	responses := []string{"the answer", analysisResponse(60)}
	client := scriptedClient(t, responses)
	cfg := scoreOnlyConfig("")
	cfg.MaxIterations = 1
	loop := New(client, cfg)

	result, err := loop.Run(context.Background(), "demo task", "initial prompt", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.TotalIterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.TotalIterations)
	}
	if result.InitialScore != result.FinalScore {
		t.Fatalf("expected initialScore == finalScore, got %v vs %v", result.InitialScore, result.FinalScore)
	}
	if result.FinalPrompt != "initial prompt" {
		t.Fatalf("expected unchanged prompt, got %q", result.FinalPrompt)
	}
}

func TestRunMinScoreThresholdConverges(t *testing.T) {
	responses := []string{"the answer", analysisResponse(90)}
	client := scriptedClient(t, responses)
	cfg := scoreOnlyConfig("")
	cfg.MinScoreThreshold = 80
	cfg.MaxIterations = 5
	loop := New(client, cfg)

	result, err := loop.Run(context.Background(), "demo task", "initial prompt", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Converged {
		t.Fatalf("expected converged=true once min score threshold is met")
	}
	if result.TotalIterations != 1 {
		t.Fatalf("expected loop to stop after the first iteration, got %d iterations", result.TotalIterations)
	}
}

func TestRunGrowthCapDiscardsOverlyLongOptimization(t *testing.T) {
	initial := "short"
	huge := ""
	for i := 0; i < len(initial)*10; i++ {
		huge += "x"
	}
	responses := []string{
		"the answer", analysisResponse(10), optimizationResponse(huge),
		"the answer", analysisResponse(20),
	}
	client := scriptedClient(t, responses)
	cfg := scoreOnlyConfig("")
	cfg.MaxIterations = 2
	cfg.MaxPromptGrowth = 5.0
	loop := New(client, cfg)

	result, err := loop.Run(context.Background(), "demo task", initial, nil, nil, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	// The second capture must have run with the reverted (unchanged)
	// prompt, not the oversized one, as its trace's SystemPrompt records.
	if got := result.Iterations[1].Trace.SystemPrompt; got != initial {
		t.Fatalf("expected second iteration to run with the unchanged prompt, got length %d", len(got))
	}
}

func TestRunWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	responses := []string{"the answer", analysisResponse(90)}
	client := scriptedClient(t, responses)
	cfg := scoreOnlyConfig(dir)
	cfg.MinScoreThreshold = 80
	loop := New(client, cfg)

	result, err := loop.Run(context.Background(), "demo task", "initial prompt", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, err := os.Stat(dir + "/iteration_1/trace.txt"); err != nil {
		t.Fatalf("expected iteration_1/trace.txt: %v", err)
	}
	if _, err := os.Stat(dir + "/final_prompt.txt"); err != nil {
		t.Fatalf("expected final_prompt.txt: %v", err)
	}
	summary, err := LoadSummary(dir)
	if err != nil {
		t.Fatalf("LoadSummary returned error: %v", err)
	}
	if summary.FinalScore != result.FinalScore {
		t.Fatalf("summary final score %v != result final score %v", summary.FinalScore, result.FinalScore)
	}
}

func TestLoadSummaryMissingReturnsSentinel(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadSummary(dir)
	if err != ErrNoArtifactSummary {
		t.Fatalf("expected ErrNoArtifactSummary, got %v", err)
	}
}

func TestRunSingleDoesNotOptimize(t *testing.T) {
	responses := []string{"the answer", analysisResponse(55)}
	client := scriptedClient(t, responses)
	loop := New(client, scoreOnlyConfig(""))

	trace, analysis, err := loop.RunSingle(context.Background(), "demo task", "some prompt", nil, nil)
	if err != nil {
		t.Fatalf("RunSingle returned error: %v", err)
	}
	if !trace.Success {
		t.Fatalf("expected trace success")
	}
	if analysis.OverallScore != 55 {
		t.Fatalf("expected overall score 55, got %v", analysis.OverallScore)
	}
}

func TestRunQuickOptimizationUsesThreeIterationDefault(t *testing.T) {
	responses := []string{
		"the answer", analysisResponse(10), optimizationResponse("p1"),
		"the answer", analysisResponse(50), optimizationResponse("p2"),
		"the answer", analysisResponse(90),
	}
	client := scriptedClient(t, responses)
	result, err := RunQuickOptimization(context.Background(), client, "demo task", "initial prompt", QuickConfig{})
	if err != nil {
		t.Fatalf("RunQuickOptimization returned error: %v", err)
	}
	if result.TotalIterations != 3 {
		t.Fatalf("expected 3 iterations (default), got %d", result.TotalIterations)
	}
}
