package looprunner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors LoopConfig with pointer fields so a YAML document can
// override a subset of options while leaving the rest at their defaults.
// Field names follow the original's rto.yaml convention (SPEC_FULL §5).
type FileConfig struct {
	MaxIterations        *int     `yaml:"max_iterations"`
	ConvergenceThreshold *float64 `yaml:"convergence_threshold"`
	MinScoreThreshold    *float64 `yaml:"min_score_threshold"`
	RegressionThreshold  *float64 `yaml:"regression_threshold"`
	SuccessWeight        *float64 `yaml:"success_weight"`
	ScoreWeight          *float64 `yaml:"score_weight"`
	ErrorWeight          *float64 `yaml:"error_weight"`
	UseBestPrompt        *bool    `yaml:"use_best_prompt"`
	MaxPromptGrowth      *float64 `yaml:"max_prompt_growth"`
	SaveArtifacts        *bool    `yaml:"save_artifacts"`
	ArtifactsDir         *string  `yaml:"artifacts_dir"`
	Verbose              *bool    `yaml:"verbose"`
}

// LoadFileConfig reads and parses a rto.yaml-style loop config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("loading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return fc, nil
}

// Apply overlays the file config's set fields onto cfg, leaving unset fields
// untouched.
func (fc FileConfig) Apply(cfg LoopConfig) LoopConfig {
	if fc.MaxIterations != nil {
		cfg.MaxIterations = *fc.MaxIterations
	}
	if fc.ConvergenceThreshold != nil {
		cfg.ConvergenceThreshold = *fc.ConvergenceThreshold
	}
	if fc.MinScoreThreshold != nil {
		cfg.MinScoreThreshold = *fc.MinScoreThreshold
	}
	if fc.RegressionThreshold != nil {
		cfg.RegressionThreshold = *fc.RegressionThreshold
	}
	if fc.SuccessWeight != nil {
		cfg.SuccessWeight = *fc.SuccessWeight
	}
	if fc.ScoreWeight != nil {
		cfg.ScoreWeight = *fc.ScoreWeight
	}
	if fc.ErrorWeight != nil {
		cfg.ErrorWeight = *fc.ErrorWeight
	}
	if fc.UseBestPrompt != nil {
		cfg.UseBestPrompt = *fc.UseBestPrompt
	}
	if fc.MaxPromptGrowth != nil {
		cfg.MaxPromptGrowth = *fc.MaxPromptGrowth
	}
	if fc.SaveArtifacts != nil {
		cfg.SaveArtifacts = *fc.SaveArtifacts
	}
	if fc.ArtifactsDir != nil {
		cfg.ArtifactsDir = *fc.ArtifactsDir
	}
	if fc.Verbose != nil {
		cfg.Verbose = *fc.Verbose
	}
	return cfg
}
