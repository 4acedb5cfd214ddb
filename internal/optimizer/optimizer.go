// Package optimizer synthesizes an analyzer result into a concrete
// system-prompt revision (SPEC_FULL §4.3). Grounded on original_source's
// optimizer.py (prompt templates, parsing cascade, auxiliary operations).
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"rto/internal/domain"
	"rto/internal/modelclient"
)

const systemPrompt = `You are an expert prompt engineer specializing in AI agent optimization.

Your task is to improve agent prompts based on reasoning trace analysis.
You have access to:
1. The original prompt that was used
2. Analysis of how the agent reasoned (its thinking trace)
3. Detected patterns and issues
4. Specific recommendations

Your goal is to create an IMPROVED prompt that:
- Addresses identified weaknesses
- Maintains existing strengths
- Prevents detected failure patterns
- Improves clarity and specificity

When optimizing, consider:
- Adding explicit guardrails for common failure modes
- Clarifying ambiguous instructions
- Adding examples for complex behaviors
- Restructuring for better context positioning
- Adding validation steps where missing

Provide the optimized prompt with clear explanations of changes.`

const promptTemplate = `Optimize the following agent prompt based on trace analysis:

## Original Task
%s

## Original System Prompt
` + "```" + `
%s
` + "```" + `

## Analysis Results

### Overall Score: %v/100

### Detected Patterns
%s

### Weaknesses
%s

### Recommendations
%s

### Analyzer's Reasoning
%s

---

Provide your optimization as JSON:
` + "```json" + `
{
    "optimized_prompt": "<the full improved prompt>",
    "diffs": [
        {
            "section": "<which part changed, e.g., 'instructions', 'guardrails', 'examples'>",
            "original": "<original text or 'N/A' if new>",
            "optimized": "<new/changed text>",
            "reason": "<why this change helps>"
        }
    ],
    "key_changes": [
        "<summary of major change 1>",
        "<summary of major change 2>"
    ],
    "predicted_improvement": 15,
    "confidence": 0.75
}
` + "```" + `

Think carefully about what changes will have the biggest impact on agent performance.`

const defaultMaxTokens = 8192

// growthCapMultiplier bounds how much longer an optimized prompt may be
// than the one it replaces; beyond this Optimize reverts to the prompt it
// was given rather than let a degenerate expansion compound each
// iteration (SPEC_FULL §4.4).
const growthCapMultiplier = 3

// Optimizer proposes revised system prompts based on analyzer output.
type Optimizer struct {
	Client *modelclient.Client
}

// New returns an Optimizer backed by client.
func New(client *modelclient.Client) *Optimizer {
	return &Optimizer{Client: client}
}

// Optimize generates an improved prompt from analysis. trace is optional
// context (only its Task is used); maxTokens <= 0 uses the default
// budget.
func (o *Optimizer) Optimize(ctx context.Context, originalPrompt string, analysis *domain.AnalysisResult, trace *domain.ReasoningTrace, maxTokens int64) (*domain.OptimizationResult, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	task := "Unknown task"
	if trace != nil {
		task = trace.Task
	}

	weaknesses := joinBulleted(analysis.Weaknesses, "None identified")
	recommendations := joinBulleted(analysis.Recommendations, "None provided")
	analyzerThinking := "Not available"
	if analysis.AnalyzerThinking != "" {
		analyzerThinking = truncate(analysis.AnalyzerThinking, 2000)
	}

	prompt := fmt.Sprintf(promptTemplate,
		task,
		originalPrompt,
		analysis.OverallScore,
		formatPatterns(analysis.Patterns),
		weaknesses,
		recommendations,
		analyzerThinking,
	)

	history := []anthropic.MessageParam{modelclient.NewUserMessage(prompt)}
	resp, err := o.Client.Send(ctx, systemPrompt, history, nil, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}

	result := parseOptimizationResponse(resp.Text, originalPrompt)
	result.OptimizerThinking = joinThinking(resp.Thinking)
	enforceGrowthCap(result, originalPrompt)
	return result, nil
}

// OptimizeIterative synthesizes multiple analysis/trace pairs into one
// aggregated analysis (deduplicated weaknesses/recommendations, averaged
// score) and optimizes from that, for more robust improvements than a
// single run would suggest.
func (o *Optimizer) OptimizeIterative(ctx context.Context, originalPrompt string, analyses []*domain.AnalysisResult, traces []*domain.ReasoningTrace) (*domain.OptimizationResult, error) {
	aggregated := &domain.AnalysisResult{TraceID: "aggregated"}
	var scoreSum float64
	seenWeaknesses := map[string]bool{}
	seenRecommendations := map[string]bool{}

	for _, a := range analyses {
		aggregated.Patterns = append(aggregated.Patterns, a.Patterns...)
		for _, w := range a.Weaknesses {
			if !seenWeaknesses[w] {
				seenWeaknesses[w] = true
				aggregated.Weaknesses = append(aggregated.Weaknesses, w)
			}
		}
		for _, r := range a.Recommendations {
			if !seenRecommendations[r] {
				seenRecommendations[r] = true
				aggregated.Recommendations = append(aggregated.Recommendations, r)
			}
		}
		scoreSum += a.OverallScore
	}
	if len(analyses) > 0 {
		aggregated.OverallScore = scoreSum / float64(len(analyses))
	}

	var trace *domain.ReasoningTrace
	if len(traces) > 0 {
		trace = traces[0]
	}
	return o.Optimize(ctx, originalPrompt, aggregated, trace, 0)
}

// SuggestToolImprovements suggests improved tool descriptions for tools
// implicated by a tool_confusion or tool_misuse pattern. Returns an empty
// map if no such pattern was found or the model's reply could not be
// parsed as JSON.
func (o *Optimizer) SuggestToolImprovements(ctx context.Context, tools []modelclient.ToolDef, analysis *domain.AnalysisResult) (map[string]string, error) {
	var toolIssues []domain.Pattern
	for _, p := range analysis.Patterns {
		if p.Type == domain.PatternToolConfusion || p.Type == domain.PatternToolMisuse {
			toolIssues = append(toolIssues, p)
		}
	}
	if len(toolIssues) == 0 {
		return map[string]string{}, nil
	}

	toolsJSON, err := json.MarshalIndent(toolDefsToMaps(tools), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal tools: %w", err)
	}

	prompt := fmt.Sprintf(`Based on these tool usage issues:

%s

And the original tool definitions:
%s

Suggest improved tool descriptions. Respond as JSON:
`+"```json"+`
{
    "tool_name": "improved description that addresses the confusion"
}
`+"```", formatPatternsForTools(toolIssues), string(toolsJSON))

	history := []anthropic.MessageParam{modelclient.NewUserMessage(prompt)}
	resp, err := o.Client.Send(ctx, "", history, nil, 2048)
	if err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}

	text := extractFencedJSON(resp.Text)
	out := map[string]string{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return map[string]string{}, nil
	}
	return out, nil
}

func toolDefsToMaps(tools []modelclient.ToolDef) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return out
}

func formatPatterns(patterns []domain.Pattern) string {
	if len(patterns) == 0 {
		return "No significant patterns detected."
	}
	var parts []string
	for _, p := range patterns {
		evidence := p.Evidence
		if len(evidence) > 2 {
			evidence = evidence[:2]
		}
		parts = append(parts, fmt.Sprintf("[%s] %s\n  Description: %s\n  Evidence: %s\n  Suggestion: %s",
			strings.ToUpper(string(p.Severity)), p.Type, p.Description, strings.Join(evidence, ", "), p.Suggestion))
	}
	return strings.Join(parts, "\n\n")
}

func formatPatternsForTools(patterns []domain.Pattern) string {
	var parts []string
	for _, p := range patterns {
		parts = append(parts, fmt.Sprintf("- %s: %s", p.Type, p.Description))
	}
	return strings.Join(parts, "\n")
}

func joinBulleted(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	var parts []string
	for _, s := range items {
		parts = append(parts, "- "+s)
	}
	return strings.Join(parts, "\n")
}

func joinThinking(chunks []modelclient.ThinkingChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
var fencedGenericRe = regexp.MustCompile("(?s)```\\s*(.*?)```")

func extractFencedJSON(text string) string {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := fencedGenericRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

type rawOptimization struct {
	OptimizedPrompt      string   `json:"optimized_prompt"`
	PredictedImprovement float64  `json:"predicted_improvement"`
	Confidence           float64  `json:"confidence"`
	KeyChanges           []string `json:"key_changes"`
	Diffs                []struct {
		Section   string `json:"section"`
		Original  string `json:"original"`
		Optimized string `json:"optimized"`
		Reason    string `json:"reason"`
	} `json:"diffs"`
}

// parseOptimizationResponse extracts an OptimizationResult from
// responseText, guaranteeing OptimizedPrompt is never empty: on any
// parse failure it falls back to extraction heuristics, and ultimately
// to originalPrompt unchanged (SPEC_FULL §4.3).
func parseOptimizationResponse(responseText, originalPrompt string) *domain.OptimizationResult {
	result := &domain.OptimizationResult{
		OriginalPrompt:  originalPrompt,
		OptimizedPrompt: originalPrompt,
		Confidence:      0.5,
	}

	jsonText := extractFencedJSON(responseText)
	var parsed rawOptimization
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		return fallbackParseOptimization(responseText, originalPrompt, err.Error())
	}

	if strings.TrimSpace(parsed.OptimizedPrompt) != "" {
		result.OptimizedPrompt = parsed.OptimizedPrompt
	}
	result.PredictedImprovement = parsed.PredictedImprovement
	result.Confidence = parsed.Confidence
	if result.Confidence == 0 {
		result.Confidence = 0.5
	}
	result.KeyChanges = parsed.KeyChanges
	for _, d := range parsed.Diffs {
		result.Diffs = append(result.Diffs, domain.PromptDiff{
			Section:   orDefault(d.Section, "unknown"),
			Original:  d.Original,
			Optimized: d.Optimized,
			Reason:    d.Reason,
		})
	}
	return result
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// fallbackParseOptimization tries regex/marker/fenced-block extraction
// of the optimized prompt body when the primary JSON parse fails,
// falling back to the unmodified original prompt as the last resort —
// Optimize must never return an empty prompt.
func fallbackParseOptimization(responseText, originalPrompt, errMsg string) *domain.OptimizationResult {
	result := &domain.OptimizationResult{
		OriginalPrompt:  originalPrompt,
		OptimizedPrompt: originalPrompt,
		Confidence:      0.5,
	}

	if extracted := fallbackExtractPrompt(responseText); extracted != "" && extracted != originalPrompt {
		result.OptimizedPrompt = extracted
		result.KeyChanges = []string{fmt.Sprintf("JSON parsing failed (%s), extracted prompt via fallback", errMsg)}
		result.Confidence = 0.3
	} else {
		result.KeyChanges = []string{fmt.Sprintf("Optimization parsing failed (%s) - using original prompt", errMsg)}
	}
	return result
}

var optimizedPromptFieldRe = regexp.MustCompile(`(?s)"optimized_prompt"\s*:\s*"([^"]+)"`)

type marker struct {
	start string
	end   string
}

var promptMarkers = []marker{
	{"## Optimized Prompt", "##"},
	{"**Optimized Prompt**", "**"},
	{"OPTIMIZED PROMPT:", "\n\n"},
	{"Here is the improved prompt:", "\n\n---"},
}

var fencedProseRe = regexp.MustCompile("(?s)```(?:text|markdown)?\\n(.*?)```")

// fallbackExtractPrompt tries, in order: the raw "optimized_prompt"
// field (useful when the surrounding JSON is malformed but this one
// field is intact), named markers bracketing a prose block, then any
// fenced code block long enough and not JSON-shaped to plausibly be the
// prompt body.
func fallbackExtractPrompt(responseText string) string {
	if m := optimizedPromptFieldRe.FindStringSubmatch(responseText); m != nil {
		unescaped := strings.ReplaceAll(m[1], `\n`, "\n")
		unescaped = strings.ReplaceAll(unescaped, `\"`, `"`)
		return unescaped
	}

	for _, mk := range promptMarkers {
		idx := strings.Index(responseText, mk.start)
		if idx < 0 {
			continue
		}
		remaining := strings.TrimSpace(responseText[idx+len(mk.start):])
		endIdx := strings.Index(remaining, mk.end)
		if endIdx < 0 {
			continue
		}
		extracted := strings.TrimSpace(remaining[:endIdx])
		if len(extracted) > 50 {
			return extracted
		}
	}

	for _, m := range fencedProseRe.FindAllStringSubmatch(responseText, -1) {
		block := strings.TrimSpace(m[1])
		if !strings.HasPrefix(block, "{") && len(block) > 100 {
			return block
		}
	}
	return ""
}

// enforceGrowthCap discards an optimized prompt that has grown beyond
// growthCapMultiplier times the original's length, reverting to the
// original instead — an unbounded optimizer run should never compound
// a single degenerate expansion every iteration (SPEC_FULL §4.4).
func enforceGrowthCap(result *domain.OptimizationResult, originalPrompt string) {
	if len(originalPrompt) == 0 {
		return
	}
	if len(result.OptimizedPrompt) > len(originalPrompt)*growthCapMultiplier {
		result.OptimizedPrompt = originalPrompt
		result.KeyChanges = append(result.KeyChanges, "Optimized prompt discarded: exceeded growth cap, reverted to original")
	}
}

// FormatOptimizationReport renders a plain-text report for CLI/log
// display.
func FormatOptimizationReport(result *domain.OptimizationResult) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString("PROMPT OPTIMIZATION REPORT\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")
	fmt.Fprintf(&b, "Predicted Improvement: %v%%\n", result.PredictedImprovement)
	fmt.Fprintf(&b, "Confidence: %.0f%%\n\n", result.Confidence*100)

	if len(result.KeyChanges) > 0 {
		b.WriteString("Key Changes:\n")
		for _, c := range result.KeyChanges {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(result.Diffs) > 0 {
		b.WriteString("Detailed Changes:\n")
		for _, d := range result.Diffs {
			fmt.Fprintf(&b, "\n  [%s]\n", d.Section)
			if d.Original != "" && d.Original != "N/A" {
				fmt.Fprintf(&b, "    Before: %s...\n", truncate(d.Original, 100))
			}
			fmt.Fprintf(&b, "    After: %s...\n", truncate(d.Optimized, 100))
			fmt.Fprintf(&b, "    Reason: %s\n", d.Reason)
		}
	}

	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString("OPTIMIZED PROMPT\n")
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString(result.OptimizedPrompt)
	return b.String()
}
