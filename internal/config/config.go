// Package config loads rto's runtime configuration the way the teacher
// app does: a .env overlay plus direct environment reads, overridden by
// CLI flags, with defaults applied last.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ErrMissingAPIKey is returned by callers that require an API key (set via
// --api-key or ANTHROPIC_API_KEY) once none is found after Load, since Load
// itself never fails on a missing key; each command that builds a model
// client checks for it.
var ErrMissingAPIKey = errors.New("config: no API key configured (set --api-key or ANTHROPIC_API_KEY)")

// Config aggregates everything the CLI and the core components need.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	LogLevel string
	LogPath  string

	ArtifactsDir string
	SkillsDir    string

	MaxIterations        int
	ConvergenceThreshold float64
	MinScoreThreshold    float64
	Verbose              bool

	Obs ObsConfig
}

// ObsConfig configures the optional OpenTelemetry exporters. Tracing and
// metrics stay off unless OTLP is set (SPEC_FULL §2a): the ambient
// observability stack is carried, but it never blocks capture/analyze/
// optimize/loop from running without a collector present.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

const (
	defaultModel                = "MiniMax-M2.1"
	defaultBaseURL              = "https://api.minimax.io/anthropic"
	defaultArtifactsDir         = "./optimization_artifacts"
	defaultSkillsDir            = "./skills"
	defaultLogLevel             = "info"
	defaultMaxIterations        = 5
	defaultConvergenceThreshold = 3.0
	defaultMinScoreThreshold    = 75.0
	defaultVerbose              = true
)

// Load reads environment configuration (after applying a .env overlay via
// godotenv.Overload, so repo-local .env files win over pre-existing
// process environment — matching the teacher's own loader idiom) and
// fills in defaults for anything left unset.
func Load() Config {
	_ = godotenv.Overload()

	cfg := Config{
		APIKey:       strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		BaseURL:      strings.TrimSpace(os.Getenv("RTO_BASE_URL")),
		Model:        strings.TrimSpace(os.Getenv("RTO_MODEL")),
		LogLevel:     strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		LogPath:      strings.TrimSpace(os.Getenv("LOG_PATH")),
		ArtifactsDir: strings.TrimSpace(os.Getenv("RTO_ARTIFACTS_DIR")),
		SkillsDir:    strings.TrimSpace(os.Getenv("RTO_SKILLS_DIR")),

		MaxIterations:        ParseInt(strings.TrimSpace(os.Getenv("RTO_MAX_ITERATIONS")), defaultMaxIterations),
		ConvergenceThreshold: ParseFloat(strings.TrimSpace(os.Getenv("RTO_CONVERGENCE_THRESHOLD")), defaultConvergenceThreshold),
		MinScoreThreshold:    ParseFloat(strings.TrimSpace(os.Getenv("RTO_MIN_SCORE_THRESHOLD")), defaultMinScoreThreshold),
		Verbose:              ParseBool(strings.TrimSpace(os.Getenv("RTO_VERBOSE")), defaultVerbose),

		Obs: ObsConfig{
			OTLP:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			ServiceName:    firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "rto"),
			ServiceVersion: firstNonEmpty(strings.TrimSpace(os.Getenv("RTO_VERSION")), "0.1.0"),
			Environment:    firstNonEmpty(strings.TrimSpace(os.Getenv("RTO_ENVIRONMENT")), "development"),
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = defaultArtifactsDir
	}
	if c.SkillsDir == "" {
		c.SkillsDir = defaultSkillsDir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseFloat parses s, falling back to fallback on empty input or a parse
// error — the same permissive env-parsing idiom the teacher's loader uses
// throughout internal/config/loader.go.
func ParseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return fallback
}

// ParseInt parses s, falling back to fallback on empty input or a parse
// error.
func ParseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}

// ParseBool parses s, falling back to fallback on empty input or a parse
// error.
func ParseBool(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return fallback
}
