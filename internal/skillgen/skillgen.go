// Package skillgen turns a completed optimization run into a shareable
// Agent Skill markdown document plus a references/ directory — grounded
// on the original implementation's SkillGenerator.
package skillgen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"rto/internal/domain"
	"rto/internal/modelclient"
)

const systemPrompt = `You are an expert at converting agent optimization insights into reusable skills.

Your task is to analyze optimization results and generate a shareable Agent Skill that
captures the learnings so other developers can benefit.

The skill should:
1. Describe WHEN to use these learnings (activation triggers)
2. Explain the PATTERNS to avoid (anti-patterns found)
3. Provide CONCRETE practices that improved performance
4. Give VERIFIABLE guidelines (things that can be checked)
5. Include EXAMPLES showing before/after improvements

Write in a clear, direct style. Focus on actionable guidance, not theory.`

const promptTemplate = `Generate an Agent Skill based on these optimization insights:

## Task Context
%s

## Patterns Detected (Anti-patterns to avoid)
%s

## Recommendations from Analysis
%s

## Key Changes That Improved Performance
%s

## Prompt Evolution
Initial: %s...
Final: %s...

---

Generate skill content as JSON:
` + "```json" + `
{
    "title": "Human-readable skill title",
    "description": "One-line description for skill discovery (what triggers this skill)",
    "intro": "2-3 sentence introduction explaining what this skill teaches",
    "activation": "Bullet points of when to activate this skill (specific keywords, task types)",
    "concepts": "Core concepts this skill covers (3-5 key ideas)",
    "anti_patterns": "Patterns to AVOID - formatted as markdown list with descriptions",
    "practices": "Recommended practices - formatted as markdown list",
    "guidelines": "Numbered verifiable guidelines (things that can be checked)",
    "examples": "1-2 concrete before/after examples showing improvement"
}
` + "```"

// skillTemplate mirrors the original implementation's fixed SKILL_TEMPLATE
// string verbatim in shape (front-matter, section headers, metadata
// footer). Rendering a fixed template from structured fields is the one
// deliberately stdlib-only choice in this package (fmt.Sprintf, not a
// third-party templating engine) — see DESIGN.md.
const skillTemplate = `---
name: %s
description: "%s"
---

# %s

%s

## When to Activate

%s

## Core Concepts

%s

## Patterns to Avoid

%s

## Recommended Practices

%s

## Guidelines

%s

## Examples

%s

---

## Skill Metadata

**Generated**: %s
**Source**: Reasoning Trace Optimizer
**Optimization Iterations**: %d
**Score Improvement**: %.1f -> %.1f (+%.1f%%)
`

const defaultMaxTokens = 4096

// Generator synthesizes Agent Skill documents from optimization results.
type Generator struct {
	Client *modelclient.Client
}

// New returns a Generator backed by client.
func New(client *modelclient.Client) *Generator {
	return &Generator{Client: client}
}

// content is the model's structured skill-content reply (or a
// deterministic fallback built from the raw insight strings).
type content struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Intro        string `json:"intro"`
	Activation   string `json:"activation"`
	Concepts     string `json:"concepts"`
	AntiPatterns string `json:"anti_patterns"`
	Practices    string `json:"practices"`
	Guidelines   string `json:"guidelines"`
	Examples     string `json:"examples"`
}

// Generate builds a skill from a completed LoopResult, writes
// <outputDir>/<skillName>/SKILL.md plus its references/ sibling
// directory, and returns the path to SKILL.md (SPEC_FULL §4.5).
func (g *Generator) Generate(ctx context.Context, result *domain.LoopResult, skillName, outputDir, title string) (string, error) {
	patterns := collectPatterns(result)
	recommendations := collectRecommendations(result)
	keyChanges := collectKeyChanges(result)

	initialPrompt := ""
	if len(result.Iterations) > 0 && result.Iterations[0].Trace != nil {
		initialPrompt = result.Iterations[0].Trace.SystemPrompt
	}

	c, err := g.generateContent(ctx, result.Task, patterns, recommendations, keyChanges, initialPrompt, result.FinalPrompt)
	if err != nil {
		return "", fmt.Errorf("skillgen: %w", err)
	}

	if title == "" {
		title = c.Title
	}
	if title == "" {
		title = humanizeSkillName(skillName)
	}
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Optimized practices for %s", skillName)
	}

	body := fmt.Sprintf(skillTemplate,
		skillName, description, title, c.Intro,
		c.Activation, c.Concepts, c.AntiPatterns, c.Practices, c.Guidelines, c.Examples,
		time.Now().Format("2006-01-02"),
		result.TotalIterations, result.InitialScore, result.FinalScore, result.ImprovementPercentage,
	)

	skillDir := filepath.Join(outputDir, skillName)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		return "", fmt.Errorf("skillgen: creating skill dir: %w", err)
	}
	skillPath := filepath.Join(skillDir, "SKILL.md")
	if err := os.WriteFile(skillPath, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("skillgen: writing SKILL.md: %w", err)
	}

	if err := saveReferences(skillDir, result, patterns); err != nil {
		return "", fmt.Errorf("skillgen: writing references: %w", err)
	}

	return skillPath, nil
}

// GenerateFromAnalyses builds a skill from a bare slice of analyses (no
// completed loop). It renders SKILL.md directly, with len(analyses) as the
// iteration count, the averaged score as both initial and final score, and
// 0% improvement; no references/ files are written. It supplements the
// distillation with a convenience
// path equivalent to the original implementation's
// generate_skill_from_loop helper applied to ad-hoc analysis data.
func (g *Generator) GenerateFromAnalyses(ctx context.Context, analyses []*domain.AnalysisResult, task, skillName, outputDir string) (string, error) {
	var patterns []domain.Pattern
	seenRec := map[string]bool{}
	var recommendations []string
	var total float64
	for _, a := range analyses {
		patterns = append(patterns, a.Patterns...)
		for _, r := range a.Recommendations {
			if !seenRec[r] {
				seenRec[r] = true
				recommendations = append(recommendations, r)
			}
		}
		total += a.OverallScore
	}
	avg := 0.0
	if len(analyses) > 0 {
		avg = total / float64(len(analyses))
	}

	c, err := g.generateContent(ctx, task, dedupPatterns(patterns), recommendations, nil, "", "")
	if err != nil {
		return "", fmt.Errorf("skillgen: %w", err)
	}

	title := c.Title
	if title == "" {
		title = humanizeSkillName(skillName)
	}
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Learnings for %s", skillName)
	}

	body := fmt.Sprintf(skillTemplate,
		skillName, description, title, c.Intro,
		c.Activation, c.Concepts, c.AntiPatterns, c.Practices, c.Guidelines, c.Examples,
		time.Now().Format("2006-01-02"),
		len(analyses), avg, avg, 0.0,
	)

	skillDir := filepath.Join(outputDir, skillName)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		return "", fmt.Errorf("skillgen: creating skill dir: %w", err)
	}
	skillPath := filepath.Join(skillDir, "SKILL.md")
	if err := os.WriteFile(skillPath, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("skillgen: writing SKILL.md: %w", err)
	}
	return skillPath, nil
}

func (g *Generator) generateContent(ctx context.Context, task string, patterns []domain.Pattern, recommendations, keyChanges []string, initialPrompt, finalPrompt string) (content, error) {
	patternsText := formatPatterns(patterns)
	recsText := joinBulleted(recommendations)
	changesText := joinBulleted(keyChanges)

	prompt := fmt.Sprintf(promptTemplate,
		task,
		orDefault(patternsText, "No significant patterns detected"),
		orDefault(recsText, "No specific recommendations"),
		orDefault(changesText, "No recorded changes"),
		truncate(orDefault(initialPrompt, "N/A"), 500),
		truncate(orDefault(finalPrompt, "N/A"), 500),
	)

	history := []anthropic.MessageParam{modelclient.NewUserMessage(prompt)}
	resp, err := g.Client.Send(ctx, systemPrompt, history, nil, defaultMaxTokens)
	if err != nil {
		return fallbackContent(task, patternsText, recsText), nil
	}

	raw := extractFencedJSON(resp.Text)
	var c content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return fallbackContent(task, patternsText, recsText), nil
	}
	return c, nil
}

func fallbackContent(task, patternsText, recsText string) content {
	return content{
		Title:        "Generated Agent Skill",
		Description:  fmt.Sprintf("Optimized practices for %s", task),
		Intro:        "This skill contains learnings from automated prompt optimization.",
		Activation:   "- When working on similar tasks\n- When debugging agent failures",
		Concepts:     "See recommendations section.",
		AntiPatterns: orDefault(patternsText, "No patterns identified."),
		Practices:    orDefault(recsText, "No specific practices."),
		Guidelines:   "1. Review the anti-patterns before implementation\n2. Apply recommended practices",
		Examples:     "See optimization artifacts for detailed examples.",
	}
}

func collectPatterns(result *domain.LoopResult) []domain.Pattern {
	var all []domain.Pattern
	for _, it := range result.Iterations {
		if it.Analysis != nil {
			all = append(all, it.Analysis.Patterns...)
		}
	}
	return dedupPatterns(all)
}

func dedupPatterns(patterns []domain.Pattern) []domain.Pattern {
	seen := map[string]bool{}
	var out []domain.Pattern
	for _, p := range patterns {
		key := string(p.Type) + "|" + truncate(p.Description, 50)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

func collectRecommendations(result *domain.LoopResult) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range result.Iterations {
		if it.Analysis == nil {
			continue
		}
		for _, r := range it.Analysis.Recommendations {
			if seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func collectKeyChanges(result *domain.LoopResult) []string {
	var out []string
	for _, it := range result.Iterations {
		if it.Optimization != nil {
			out = append(out, it.Optimization.KeyChanges...)
		}
	}
	return out
}

func formatPatterns(patterns []domain.Pattern) string {
	if len(patterns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range patterns {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", p.Severity, p.Type, p.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinBulleted(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return strings.TrimRight(b.String(), "\n")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func humanizeSkillName(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")

func extractFencedJSON(text string) string {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// referenceSummary is the on-disk shape of references/optimization_summary.json.
type referenceSummary struct {
	Task          string    `json:"task"`
	Iterations    int       `json:"iterations"`
	InitialScore  float64   `json:"initial_score"`
	FinalScore    float64   `json:"final_score"`
	Improvement   float64   `json:"improvement"`
	Converged     bool      `json:"converged"`
	GeneratedAt   time.Time `json:"generated_at"`
}

type patternRecord struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	Description string `json:"description"`
	Suggestion string `json:"suggestion"`
	Iteration  int    `json:"iteration"`
}

func saveReferences(skillDir string, result *domain.LoopResult, _ []domain.Pattern) error {
	refsDir := filepath.Join(skillDir, "references")
	if err := os.MkdirAll(refsDir, 0o755); err != nil {
		return err
	}

	summary := referenceSummary{
		Task:         result.Task,
		Iterations:   result.TotalIterations,
		InitialScore: result.InitialScore,
		FinalScore:   result.FinalScore,
		Improvement:  result.ImprovementPercentage,
		Converged:    result.Converged,
		GeneratedAt:  time.Now(),
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(refsDir, "optimization_summary.json"), b, 0o644); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(refsDir, "optimized_prompt.txt"), []byte(result.FinalPrompt), 0o644); err != nil {
		return err
	}

	var records []patternRecord
	for _, it := range result.Iterations {
		if it.Analysis == nil {
			continue
		}
		for _, p := range it.Analysis.Patterns {
			records = append(records, patternRecord{
				Type:       string(p.Type),
				Severity:   string(p.Severity),
				Description: p.Description,
				Suggestion: p.Suggestion,
				Iteration:  it.Iteration,
			})
		}
	}
	pb, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(refsDir, "patterns_found.json"), pb, 0o644)
}
