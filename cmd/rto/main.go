// Command rto drives the reasoning-trace optimization loop from the
// command line: capture a trace, analyze it for failure patterns,
// optimize the system prompt, run the full loop to convergence, and
// optionally bundle the result into a reusable skill document
// (SPEC_FULL §6). Its flag/subcommand shape is grounded on cmd/agent's
// flat-flag CLI, generalized with flag.NewFlagSet per subcommand since
// rto exposes more than one operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"rto/internal/analyzer"
	"rto/internal/capture"
	"rto/internal/config"
	"rto/internal/domain"
	"rto/internal/looprunner"
	"rto/internal/modelclient"
	"rto/internal/observability"
	"rto/internal/skillgen"
	"rto/internal/tools"
)

const defaultSystemPrompt = "You are a helpful AI assistant with access to tools. Use them when needed to answer the user's request accurately."

func main() {
	cfg := config.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)
	baseCtx := context.Background()
	shutdown, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	} else {
		observability.EnableOTelLogging(cfg.Obs.ServiceName)
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	var runErr error
	switch os.Args[1] {
	case "capture":
		runErr = runCapture(baseCtx, cfg, os.Args[2:])
	case "analyze":
		runErr = runAnalyze(baseCtx, cfg, os.Args[2:])
	case "optimize":
		runErr = runOptimize(baseCtx, cfg, os.Args[2:])
	case "generate-skill":
		runErr = runGenerateSkill(baseCtx, cfg, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		if runErr == looprunner.ErrNoArtifactSummary {
			fmt.Fprintln(os.Stderr, runErr)
			os.Exit(1)
		}
		log.Fatal().Err(runErr).Msg("rto")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rto <command> [flags]

commands:
  capture <task>         run one agent turn-loop and dump the reasoning trace
  analyze <task>         capture, then analyze the trace for failure patterns
  optimize <task>        run the full capture/analyze/optimize loop to convergence
  generate-skill <name>  rebuild a skill document from a prior run's summary.json

global flags (accepted by every command):
  --api-key string    model provider API key (default: $ANTHROPIC_API_KEY)
  --base-url string   model provider base URL
  --model string      model name`)
}

// globalFlags registers the flags every subcommand accepts and returns
// resolvers that, once fs.Parse has run, yield the effective value
// (flag override, else cfg default).
func globalFlags(fs *flag.FlagSet, cfg config.Config) (apiKey, baseURL, model *string) {
	apiKey = fs.String("api-key", cfg.APIKey, "model provider API key")
	baseURL = fs.String("base-url", cfg.BaseURL, "model provider base URL")
	model = fs.String("model", cfg.Model, "model name")
	return apiKey, baseURL, model
}

func newClient(apiKey, baseURL, model string) (*modelclient.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, config.ErrMissingAPIKey
	}
	return modelclient.New(modelclient.Config{APIKey: apiKey, BaseURL: baseURL, Model: model}, nil), nil
}

// toolDefs adapts the registry's Defs into the shape modelclient/capture
// expect; *tools.Registry itself already satisfies capture.ToolExecutor
// directly, so only the Def slice needs adapting.
func toolDefs(r *tools.Registry) []modelclient.ToolDef {
	defs := r.Defs()
	out := make([]modelclient.ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, modelclient.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

func writeOutput(path, content string) error {
	if strings.TrimSpace(path) == "" {
		fmt.Println(content)
		return nil
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func runCapture(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	apiKey, baseURL, model := globalFlags(fs, cfg)
	systemPrompt := fs.String("system-prompt", defaultSystemPrompt, "system prompt")
	maxTurns := fs.Int("max-turns", 10, "max agent turns")
	out := fs.String("o", "", "output file (stdout if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	task := strings.Join(fs.Args(), " ")
	if task == "" {
		return fmt.Errorf("capture: task required")
	}

	client, err := newClient(*apiKey, *baseURL, *model)
	if err != nil {
		return err
	}
	registry := tools.DefaultRegistry()
	cp := capture.New(client)
	trace, err := cp.Run(ctx, task, *systemPrompt, capture.Options{
		Tools:        toolDefs(registry),
		ToolExecutor: registry,
		MaxTurns:     *maxTurns,
	})
	if err != nil {
		return err
	}
	return writeOutput(*out, capture.FormatTraceForDisplay(trace))
}

func runAnalyze(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	apiKey, baseURL, model := globalFlags(fs, cfg)
	systemPrompt := fs.String("system-prompt", defaultSystemPrompt, "system prompt")
	out := fs.String("o", "", "output file (stdout if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	task := strings.Join(fs.Args(), " ")
	if task == "" {
		return fmt.Errorf("analyze: task required")
	}

	client, err := newClient(*apiKey, *baseURL, *model)
	if err != nil {
		return err
	}
	registry := tools.DefaultRegistry()
	loop := looprunner.New(client, looprunner.LoopConfig{SaveArtifacts: false})
	trace, analysis, err := loop.RunSingle(ctx, task, *systemPrompt, toolDefs(registry), registry)
	if err != nil {
		return err
	}
	report := capture.FormatTraceForDisplay(trace) + "\n" + analyzer.FormatAnalysisReport(analysis)
	return writeOutput(*out, report)
}

func runOptimize(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	apiKey, baseURL, model := globalFlags(fs, cfg)
	systemPrompt := fs.String("system-prompt", defaultSystemPrompt, "system prompt")
	configPath := fs.String("config", "", "path to a rto.yaml loop config file (overridden by explicit flags below)")
	maxIterations := fs.Int("max-iterations", cfg.MaxIterations, "max loop iterations")
	convergenceThreshold := fs.Float64("convergence-threshold", cfg.ConvergenceThreshold, "composite-score delta below which the loop is considered converged")
	minScore := fs.Float64("min-score", cfg.MinScoreThreshold, "composite score at or above which the loop stops early")
	artifactsDir := fs.String("artifacts-dir", cfg.ArtifactsDir, "directory to write per-iteration artifacts to")
	out := fs.String("o", "", "output file for the final prompt (stdout if empty)")
	generateSkill := fs.Bool("generate-skill", false, "bundle the optimized prompt into a reusable skill document once the loop finishes")
	skillName := fs.String("skill-name", "", "skill directory name (required with --generate-skill)")
	skillsDir := fs.String("skills-dir", cfg.SkillsDir, "directory to write the generated skill under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	task := strings.Join(fs.Args(), " ")
	if task == "" {
		return fmt.Errorf("optimize: task required")
	}
	if *generateSkill && strings.TrimSpace(*skillName) == "" {
		return fmt.Errorf("optimize: --skill-name required with --generate-skill")
	}

	client, err := newClient(*apiKey, *baseURL, *model)
	if err != nil {
		return err
	}
	registry := tools.DefaultRegistry()
	loopCfg := looprunner.DefaultLoopConfig()
	loopCfg.Verbose = cfg.Verbose
	loopCfg.MaxIterations = cfg.MaxIterations
	loopCfg.ConvergenceThreshold = cfg.ConvergenceThreshold
	loopCfg.MinScoreThreshold = cfg.MinScoreThreshold
	loopCfg.ArtifactsDir = cfg.ArtifactsDir
	if strings.TrimSpace(*configPath) != "" {
		fc, err := looprunner.LoadFileConfig(*configPath)
		if err != nil {
			return err
		}
		loopCfg = fc.Apply(loopCfg)
	}

	// Explicit flags win over the config file, but only the ones the user
	// actually passed — untouched flags keep whatever the file (or default)
	// set, so a YAML value doesn't get silently clobbered by a flag default.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-iterations":
			loopCfg.MaxIterations = *maxIterations
		case "convergence-threshold":
			loopCfg.ConvergenceThreshold = *convergenceThreshold
		case "min-score":
			loopCfg.MinScoreThreshold = *minScore
		case "artifacts-dir":
			loopCfg.ArtifactsDir = *artifactsDir
		}
	})

	loop := looprunner.New(client, loopCfg)
	result, err := loop.Run(ctx, task, *systemPrompt, toolDefs(registry), registry, func(it domain.LoopIteration) {
		log.Info().
			Int("iteration", it.Iteration).
			Float64("composite_score", it.CompositeScore).
			Msg("optimize_iteration_complete")
	})
	if err != nil {
		return err
	}

	if *generateSkill {
		gen := skillgen.New(client)
		path, genErr := gen.Generate(ctx, result, *skillName, *skillsDir, "")
		if genErr != nil {
			return genErr
		}
		result.GeneratedSkillPath = path
		log.Info().Str("skill_path", path).Msg("skill_generated")
	}

	return writeOutput(*out, result.FinalPrompt)
}

func runGenerateSkill(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("generate-skill", flag.ExitOnError)
	apiKey, baseURL, model := globalFlags(fs, cfg)
	artifactsDir := fs.String("artifacts-dir", cfg.ArtifactsDir, "directory a prior optimize run wrote artifacts to")
	outputDir := fs.String("output-dir", cfg.SkillsDir, "directory to write the generated skill under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("generate-skill: name required")
	}
	name := fs.Arg(0)

	summary, err := looprunner.LoadSummary(*artifactsDir)
	if err != nil {
		return err
	}

	finalPromptPath := strings.TrimRight(*artifactsDir, "/") + "/final_prompt.txt"
	finalPrompt, err := os.ReadFile(finalPromptPath)
	if err != nil {
		return fmt.Errorf("generate-skill: reading %s: %w", finalPromptPath, err)
	}

	client, err := newClient(*apiKey, *baseURL, *model)
	if err != nil {
		return err
	}
	gen := skillgen.New(client)
	result := &domain.LoopResult{
		Task:                  summary.Task,
		FinalPrompt:           string(finalPrompt),
		Converged:             summary.Converged,
		TotalIterations:       summary.TotalIterations,
		InitialScore:          summary.InitialScore,
		FinalScore:            summary.FinalScore,
		ImprovementPercentage: summary.ImprovementPercentage,
	}
	path, err := gen.Generate(ctx, result, name, *outputDir, "")
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
