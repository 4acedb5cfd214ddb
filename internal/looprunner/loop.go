// Package looprunner drives the capture -> analyze -> (optimize) cycle to
// convergence. Its control-flow shape — a bounded sequential loop with a
// composite score, a convergence policy, and artifact persistence after
// every iteration — is grounded on the original implementation's
// OptimizationLoop; the rich progress-bar/table rendering it layers on top
// of that loop is explicitly out of scope here (SPEC_FULL §1).
package looprunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rto/internal/analyzer"
	"rto/internal/capture"
	"rto/internal/domain"
	"rto/internal/modelclient"
	"rto/internal/observability"
	"rto/internal/optimizer"
)

// Sentinel errors the CLI and other callers match against to distinguish
// failure kinds programmatically (SPEC_FULL §7).
var (
	ErrNoArtifactSummary    = errors.New("looprunner: no summary.json found in artifacts directory")
	ErrArtifactsDirRequired = errors.New("looprunner: artifacts directory required when SaveArtifacts is set")
)

// LoopConfig configures one optimization run. New fills zero-valued numeric
// and string fields with DefaultLoopConfig's values; the bool fields are
// used as given. Every default here mirrors the original implementation's
// LoopConfig dataclass one-to-one.
type LoopConfig struct {
	MaxIterations         int
	ConvergenceThreshold  float64
	MinScoreThreshold     float64
	RegressionThreshold   float64
	SuccessWeight         float64
	ScoreWeight           float64
	ErrorWeight           float64
	UseBestPrompt         bool
	MaxPromptGrowth       float64
	SaveArtifacts         bool
	ArtifactsDir          string
	Verbose               bool
}

// DefaultLoopConfig returns the original implementation's exact keyword
// defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:        5,
		ConvergenceThreshold: 3.0,
		MinScoreThreshold:    75.0,
		RegressionThreshold:  8.0,
		SuccessWeight:        0.4,
		ScoreWeight:          0.4,
		ErrorWeight:          0.2,
		UseBestPrompt:        true,
		MaxPromptGrowth:      5.0,
		SaveArtifacts:        true,
		ArtifactsDir:         "./optimization_artifacts",
		Verbose:              true,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	d := DefaultLoopConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.ConvergenceThreshold <= 0 {
		c.ConvergenceThreshold = d.ConvergenceThreshold
	}
	if c.MinScoreThreshold <= 0 {
		c.MinScoreThreshold = d.MinScoreThreshold
	}
	if c.RegressionThreshold <= 0 {
		c.RegressionThreshold = d.RegressionThreshold
	}
	if c.SuccessWeight <= 0 && c.ScoreWeight <= 0 && c.ErrorWeight <= 0 {
		c.SuccessWeight, c.ScoreWeight, c.ErrorWeight = d.SuccessWeight, d.ScoreWeight, d.ErrorWeight
	}
	if c.MaxPromptGrowth <= 0 {
		c.MaxPromptGrowth = d.MaxPromptGrowth
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = d.ArtifactsDir
	}
	return c
}

// Loop runs the full capture/analyze/optimize cycle against one shared
// modelclient.Client (SPEC_FULL §5: Capture, Analyzer, Optimizer, and the
// Skill Generator all reuse it).
type Loop struct {
	capture   *capture.Capture
	analyzer  *analyzer.Analyzer
	optimizer *optimizer.Optimizer
	cfg       LoopConfig
}

// New builds a Loop backed by client, applying default LoopConfig values
// to zero numeric and string fields in cfg (bool fields are kept as given).
func New(client *modelclient.Client, cfg LoopConfig) *Loop {
	return &Loop{
		capture:   capture.New(client),
		analyzer:  analyzer.New(client),
		optimizer: optimizer.New(client),
		cfg:       cfg.withDefaults(),
	}
}

// compositeScore blends trace success, the analyzer's overall opinion, and
// a tool-failure penalty into one [0,100] number (SPEC_FULL §4.4, §9).
func compositeScore(cfg LoopConfig, trace *domain.ReasoningTrace, analysis *domain.AnalysisResult) float64 {
	successTerm := 0.0
	if trace.Success {
		successTerm = 100.0
	}
	failedTools := 0
	for _, tc := range trace.ToolCalls {
		if tc.Success != nil && !*tc.Success {
			failedTools++
		}
	}
	errorPenalty := float64(failedTools) * 10.0
	score := cfg.SuccessWeight*successTerm + cfg.ScoreWeight*analysis.OverallScore - cfg.ErrorWeight*errorPenalty
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run drives the loop for task starting from initialPrompt, invoking
// onIteration (if non-nil) after each iteration is recorded. It never
// returns a finalScore below initialScore - cfg.RegressionThreshold when
// UseBestPrompt is set, since bestScore/bestPrompt only ever improve on
// the running best (SPEC_FULL §8's best-prompt guarantee).
func (l *Loop) Run(ctx context.Context, task, initialPrompt string, tools []modelclient.ToolDef, executor capture.ToolExecutor, onIteration func(domain.LoopIteration)) (*domain.LoopResult, error) {
	if l.cfg.SaveArtifacts && l.cfg.ArtifactsDir == "" {
		return nil, ErrArtifactsDirRequired
	}
	if l.cfg.SaveArtifacts {
		if err := os.MkdirAll(l.cfg.ArtifactsDir, 0o755); err != nil {
			return nil, fmt.Errorf("looprunner: creating artifacts dir: %w", err)
		}
	}

	log := observability.LoggerWithTrace(ctx)
	result := &domain.LoopResult{Task: task}

	currentPrompt := initialPrompt
	bestPrompt := initialPrompt
	bestScore := 0.0
	prevComposite := 0.0
	consecutiveRegressions := 0

	for i := 0; i < l.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("looprunner: %w", err)
		}

		trace, err := l.capture.Run(ctx, task, currentPrompt, capture.Options{Tools: tools, ToolExecutor: executor})
		if err != nil {
			return result, fmt.Errorf("looprunner: capture: %w", err)
		}

		analysis, err := l.analyzer.Analyze(ctx, trace, 0)
		if err != nil {
			return result, fmt.Errorf("looprunner: analyze: %w", err)
		}

		composite := compositeScore(l.cfg, trace, analysis)

		if i == 0 {
			result.InitialScore = composite
			bestScore = composite
			bestPrompt = currentPrompt
		}

		shouldContinue := !l.converged(i, composite, prevComposite, consecutiveRegressions)

		var optResult *domain.OptimizationResult
		if shouldContinue {
			optResult, err = l.optimizer.Optimize(ctx, currentPrompt, analysis, trace, 0)
			if err != nil {
				return result, fmt.Errorf("looprunner: optimize: %w", err)
			}
			if float64(len(optResult.OptimizedPrompt)) > float64(len(initialPrompt))*l.cfg.MaxPromptGrowth {
				log.Warn().
					Int("iteration", i+1).
					Int("optimized_len", len(optResult.OptimizedPrompt)).
					Int("initial_len", len(initialPrompt)).
					Msg("looprunner_growth_cap_discarded")
				optResult.OptimizedPrompt = currentPrompt
			}
		}

		if composite > bestScore {
			bestScore = composite
			if optResult != nil && optResult.OptimizedPrompt != initialPrompt {
				bestPrompt = optResult.OptimizedPrompt
			} else {
				bestPrompt = currentPrompt
			}
		}
		if composite < bestScore-l.cfg.RegressionThreshold {
			consecutiveRegressions++
		} else {
			consecutiveRegressions = 0
		}

		errCount := 0
		for _, tc := range trace.ToolCalls {
			if tc.Success != nil && !*tc.Success {
				errCount++
			}
		}

		iteration := domain.LoopIteration{
			Iteration:      i + 1,
			Trace:          trace,
			Analysis:       analysis,
			Optimization:   optResult,
			CompositeScore: composite,
			TaskCompleted:  trace.Success,
			ErrorCount:     errCount,
			TokenUsage:     trace.TotalTokens,
		}
		result.Iterations = append(result.Iterations, iteration)
		result.TotalIterations = len(result.Iterations)

		if l.cfg.Verbose {
			log.Info().
				Int("iteration", i+1).
				Float64("composite", composite).
				Bool("continuing", shouldContinue).
				Msg("looprunner_iteration_complete")
		}
		if onIteration != nil {
			onIteration(iteration)
		}
		if l.cfg.SaveArtifacts {
			if err := saveIterationArtifacts(l.cfg.ArtifactsDir, iteration); err != nil {
				log.Warn().Err(err).Int("iteration", i+1).Msg("looprunner_artifact_write_failed")
			}
		}

		prevComposite = composite

		if !shouldContinue {
			result.Converged = true
			break
		}
		if optResult != nil {
			currentPrompt = optResult.OptimizedPrompt
		}
	}

	lastComposite := prevComposite
	if l.cfg.UseBestPrompt && bestScore > lastComposite {
		result.FinalPrompt = bestPrompt
		result.FinalScore = bestScore
	} else {
		result.FinalPrompt = currentPrompt
		result.FinalScore = lastComposite
	}

	denom := result.InitialScore
	if denom < 1 {
		denom = 1
	}
	result.ImprovementPercentage = (result.FinalScore - result.InitialScore) / denom * 100

	if result.FinalPrompt == initialPrompt {
		changed := false
		for _, it := range result.Iterations {
			if it.Optimization != nil && it.Optimization.OptimizedPrompt != initialPrompt {
				changed = true
				break
			}
		}
		if !changed {
			log.Warn().Str("task", task).Msg("looprunner_no_prompt_change")
		}
	}

	if l.cfg.SaveArtifacts {
		if err := saveFinalArtifacts(l.cfg.ArtifactsDir, result); err != nil {
			log.Warn().Err(err).Msg("looprunner_final_artifact_write_failed")
		}
	}

	return result, nil
}

// converged implements the four-step ordered convergence policy
// (SPEC_FULL §4.4): once any step fires the loop stops after recording
// the current iteration.
func (l *Loop) converged(iteration int, composite, prevComposite float64, consecutiveRegressions int) bool {
	if composite >= l.cfg.MinScoreThreshold {
		return true
	}
	if consecutiveRegressions >= 2 {
		return true
	}
	if iteration >= 1 {
		improvement := composite - prevComposite
		if improvement < 0 {
			improvement = -improvement
		}
		if improvement < l.cfg.ConvergenceThreshold && composite >= prevComposite {
			return true
		}
	}
	if iteration >= l.cfg.MaxIterations-1 {
		return true
	}
	return false
}

// RunSingle runs one capture+analyze cycle without optimization — useful
// for ad-hoc inspection of a prompt's current behavior.
func (l *Loop) RunSingle(ctx context.Context, task, prompt string, tools []modelclient.ToolDef, executor capture.ToolExecutor) (*domain.ReasoningTrace, *domain.AnalysisResult, error) {
	trace, err := l.capture.Run(ctx, task, prompt, capture.Options{Tools: tools, ToolExecutor: executor})
	if err != nil {
		return nil, nil, fmt.Errorf("looprunner: capture: %w", err)
	}
	analysis, err := l.analyzer.Analyze(ctx, trace, 0)
	if err != nil {
		return trace, nil, fmt.Errorf("looprunner: analyze: %w", err)
	}
	return trace, analysis, nil
}

// QuickConfig parameterizes RunQuickOptimization's convenience path.
type QuickConfig struct {
	Tools         []modelclient.ToolDef
	ToolExecutor  capture.ToolExecutor
	MaxIterations int
	MinScore      float64
}

// RunQuickOptimization builds a LoopConfig from a handful of scalars and
// runs the full loop — mirroring the original implementation's
// module-level run_quick_optimization helper.
func RunQuickOptimization(ctx context.Context, client *modelclient.Client, task, initialPrompt string, cfg QuickConfig) (*domain.LoopResult, error) {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}
	loopCfg := DefaultLoopConfig()
	loopCfg.MaxIterations = maxIterations
	loopCfg.SaveArtifacts = false
	if cfg.MinScore > 0 {
		loopCfg.MinScoreThreshold = cfg.MinScore
	}
	loop := New(client, loopCfg)
	return loop.Run(ctx, task, initialPrompt, cfg.Tools, cfg.ToolExecutor, nil)
}

// saveIterationArtifacts writes one iteration_<n>/ directory: the
// human-readable trace/analysis/optimization reports and, when the
// iteration optimized, the raw optimized prompt text (SPEC_FULL §6).
func saveIterationArtifacts(artifactsDir string, it domain.LoopIteration) error {
	dir := filepath.Join(artifactsDir, fmt.Sprintf("iteration_%d", it.Iteration))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "trace.txt"), []byte(capture.FormatTraceForDisplay(it.Trace)), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "analysis.txt"), []byte(analyzer.FormatAnalysisReport(it.Analysis)), 0o644); err != nil {
		return err
	}
	if it.Optimization != nil {
		if err := os.WriteFile(filepath.Join(dir, "optimization.txt"), []byte(optimizer.FormatOptimizationReport(it.Optimization)), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "optimized_prompt.txt"), []byte(it.Optimization.OptimizedPrompt), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Summary is the on-disk shape of summary.json (SPEC_FULL §6).
type Summary struct {
	Task                  string    `json:"task"`
	TotalIterations       int       `json:"total_iterations"`
	Converged             bool      `json:"converged"`
	InitialScore          float64   `json:"initial_score"`
	FinalScore            float64   `json:"final_score"`
	ImprovementPercentage float64   `json:"improvement_percentage"`
	Timestamp             time.Time `json:"timestamp"`
}

// saveFinalArtifacts writes final_prompt.txt and summary.json once the
// loop has stopped.
func saveFinalArtifacts(artifactsDir string, result *domain.LoopResult) error {
	if err := os.WriteFile(filepath.Join(artifactsDir, "final_prompt.txt"), []byte(result.FinalPrompt), 0o644); err != nil {
		return err
	}
	summary := Summary{
		Task:                  result.Task,
		TotalIterations:       result.TotalIterations,
		Converged:             result.Converged,
		InitialScore:          result.InitialScore,
		FinalScore:            result.FinalScore,
		ImprovementPercentage: result.ImprovementPercentage,
		Timestamp:             time.Now(),
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(artifactsDir, "summary.json"), b, 0o644)
}

// LoadSummary reads a previously written summary.json back from
// artifactsDir, returning ErrNoArtifactSummary if none exists — used by
// the generate-skill CLI path to rebuild a skill from a prior run
// (SPEC_FULL §6).
func LoadSummary(artifactsDir string) (*Summary, error) {
	path := filepath.Join(artifactsDir, "summary.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoArtifactSummary
		}
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("looprunner: parsing summary.json: %w", err)
	}
	return &s, nil
}
