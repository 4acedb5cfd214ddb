// Package analyzer uses the model itself, under a fixed judge system
// prompt, to detect failure patterns in a captured ReasoningTrace and
// score it along four axes (SPEC_FULL §4.2). Grounded on
// original_source's analyzer.py (system/user prompt templates, JSON
// parsing cascade, fallback score floor).
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"rto/internal/domain"
	"rto/internal/modelclient"
	"rto/internal/observability"
)

const systemPrompt = `You are an expert AI agent debugger specializing in analyzing reasoning traces.

Your task is to analyze an agent's interleaved thinking trace and identify:
1. Patterns of failure - detect specific failure modes with evidence
2. Quality scores - rate the agent's reasoning on multiple dimensions
3. Actionable recommendations - specific improvements for prompts/instructions

## Pattern Definitions

Detect these patterns with specific evidence from thinking blocks:

- context_degradation: agent loses or forgets information from earlier in the conversation
- tool_confusion: agent misunderstands what a tool does or how to use it
- instruction_drift: agent gradually deviates from original instructions/persona
- hallucination: agent generates information not supported by context or tools
- incomplete_reasoning: agent reaches conclusions without thorough analysis
- tool_misuse: agent uses tools incorrectly or inefficiently
- goal_abandonment: agent stops pursuing the original objective
- circular_reasoning: agent repeats similar actions without progress
- premature_conclusion: agent concludes before completing the task
- missing_validation: agent doesn't verify results or assumptions

## Analysis Focus

You have access to the FULL reasoning trace including all thinking blocks
between tool calls. For each thinking block, examine the agent's current
understanding, how it interprets tool results, what alternatives it
considers, and whether it maintains awareness of the original goal.

Provide your analysis in the specified JSON format with concrete evidence.`

const promptTemplate = `Analyze the following agent reasoning trace:

## Task
%s

## System Prompt Given to Agent
%s

## Reasoning Trace
%s

## Tool Calls Made
%s

## Final Outcome
Success: %v
Final Response: %s
Error (if any): %s

---

Provide your analysis as JSON with this exact structure:
` + "```json" + `
{
    "patterns": [
        {
            "type": "<one of: context_degradation, tool_confusion, instruction_drift, hallucination, incomplete_reasoning, tool_misuse, goal_abandonment, circular_reasoning, premature_conclusion, missing_validation>",
            "severity": "<one of: low, medium, high, critical>",
            "description": "<what the pattern is>",
            "evidence": ["<excerpt from thinking>", "<another excerpt>"],
            "turn_indices": [0, 2],
            "suggestion": "<how to fix this>",
            "confidence": 0.85
        }
    ],
    "scores": {
        "reasoning_clarity": 75,
        "goal_adherence": 80,
        "tool_usage_quality": 60,
        "error_recovery": 50,
        "overall": 66
    },
    "strengths": ["<strength 1>", "<strength 2>"],
    "weaknesses": ["<weakness 1>", "<weakness 2>"],
    "recommendations": [
        "<specific actionable recommendation>",
        "<another recommendation>"
    ]
}
` + "```" + `

Think carefully about each aspect before providing your analysis.`

const defaultMaxTokens = 8192

// fallbackFloor is the score substituted whenever no valid score can be
// recovered from a malformed response. It must never be 0 — a zero
// score here would read to the loop controller as a catastrophic
// regression that never happened (SPEC_FULL §4.2).
const fallbackFloor = 50.0

// Analyzer scores and pattern-tags reasoning traces via the model.
type Analyzer struct {
	Client *modelclient.Client
}

// New returns an Analyzer backed by client.
func New(client *modelclient.Client) *Analyzer {
	return &Analyzer{Client: client}
}

// Analyze submits trace to the model under the analyzer system prompt and
// returns the parsed result. maxTokens <= 0 uses the default budget.
func (a *Analyzer) Analyze(ctx context.Context, trace *domain.ReasoningTrace, maxTokens int64) (*domain.AnalysisResult, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	prompt := fmt.Sprintf(promptTemplate,
		trace.Task,
		trace.SystemPrompt,
		formatTraceForAnalysis(trace),
		formatToolCalls(trace),
		trace.Success,
		orNone(trace.FinalResponse),
		orNone(trace.Error),
	)

	history := []anthropic.MessageParam{modelclient.NewUserMessage(prompt)}
	resp, err := a.Client.Send(ctx, systemPrompt, history, nil, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	result := parseAnalysisResponse(resp.Text, trace.SessionID)
	result.AnalyzerThinking = joinThinking(resp.Thinking)
	result.AnalyzerModel = a.Client.Model()

	observability.LoggerWithTrace(ctx).Debug().
		Float64("overall_score", result.OverallScore).
		Int("patterns", len(result.Patterns)).
		Msg("analyzer_complete")
	return result, nil
}

// AnalyzeBatch analyzes every trace sequentially (SPEC_FULL §5: no
// concurrent model calls within one run), in input order. A single
// trace's failure does not abort the batch — its result simply falls
// back through the normal Analyze parsing cascade.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, traces []*domain.ReasoningTrace, maxTokens int64) ([]*domain.AnalysisResult, error) {
	out := make([]*domain.AnalysisResult, 0, len(traces))
	for _, t := range traces {
		result, err := a.Analyze(ctx, t, maxTokens)
		if err != nil {
			result = fallbackParseAnalysis("", t.SessionID, err.Error())
		}
		out = append(out, result)
	}
	return out, nil
}

// QuickScore returns a cheap single-number rating without full pattern
// detail, for callers that need fast feedback. Non-numeric model output yields the same neutral floor as
// Analyze's fallback cascade.
func (a *Analyzer) QuickScore(ctx context.Context, trace *domain.ReasoningTrace) (float64, error) {
	prompt := fmt.Sprintf(`Rate this agent's performance from 0-100 based on its reasoning trace.

Task: %s
Success: %v
Turns: %d

Thinking excerpts:
%s

Respond with ONLY a number from 0-100.`, trace.Task, trace.Success, trace.TotalTurns, thinkingExcerpts(trace, 2000))

	history := []anthropic.MessageParam{modelclient.NewUserMessage(prompt)}
	resp, err := a.Client.Send(ctx, "", history, nil, 100)
	if err != nil {
		return 0, fmt.Errorf("analyzer: quick score: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if score, err := strconv.ParseFloat(text, 64); err == nil {
		return clamp(score, 0, 100), nil
	}
	return fallbackFloor, nil
}

func formatTraceForAnalysis(trace *domain.ReasoningTrace) string {
	var b strings.Builder
	for _, th := range trace.ThinkingBlocks {
		fmt.Fprintf(&b, "[Turn %d] Thinking:\n%s\n\n", th.TurnIndex, th.Content)
	}
	return b.String()
}

func formatToolCalls(trace *domain.ReasoningTrace) string {
	if len(trace.ToolCalls) == 0 {
		return "No tool calls made."
	}
	var b strings.Builder
	for _, tc := range trace.ToolCalls {
		status := "Success"
		if tc.Success == nil || !*tc.Success {
			status = "Failed: " + tc.Error
		}
		inputJSON, _ := json.Marshal(tc.Input)
		result := tc.Result
		if len(result) > 200 {
			result = result[:200]
		}
		fmt.Fprintf(&b, "- %s(%s) -> %s\n  Result: %s...\n", tc.Name, string(inputJSON), status, result)
	}
	return b.String()
}

func thinkingExcerpts(trace *domain.ReasoningTrace, maxChars int) string {
	remaining := maxChars
	var parts []string
	for _, th := range trace.ThinkingBlocks {
		if remaining <= 0 {
			break
		}
		excerpt := th.Content
		if len(excerpt) > remaining {
			excerpt = excerpt[:remaining]
		}
		parts = append(parts, fmt.Sprintf("[Turn %d]: %s", th.TurnIndex, excerpt))
		remaining -= len(excerpt) + 20
	}
	return strings.Join(parts, "\n\n")
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func joinThinking(chunks []modelclient.ThinkingChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
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

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
var fencedGenericRe = regexp.MustCompile("(?s)```\\s*(.*?)```")

type rawPatterns struct {
	Patterns []struct {
		Type        string   `json:"type"`
		Severity    string   `json:"severity"`
		Description string   `json:"description"`
		Evidence    []string `json:"evidence"`
		TurnIndices []int    `json:"turn_indices"`
		Suggestion  string   `json:"suggestion"`
		Confidence  float64  `json:"confidence"`
	} `json:"patterns"`
	Scores struct {
		ReasoningClarity float64 `json:"reasoning_clarity"`
		GoalAdherence    float64 `json:"goal_adherence"`
		ToolUsageQuality float64 `json:"tool_usage_quality"`
		ErrorRecovery    float64 `json:"error_recovery"`
		Overall          float64 `json:"overall"`
	} `json:"scores"`
	Strengths       []string `json:"strengths"`
	Weaknesses      []string `json:"weaknesses"`
	Recommendations []string `json:"recommendations"`
}

// parseAnalysisResponse extracts structured analysis from responseText,
// trying fenced-json, then generic-fenced, then the raw text, then the
// regex fallback cascade (SPEC_FULL §4.2). A result with overall == 0 and
// no patterns gets a recovered score or fallbackFloor substituted.
func parseAnalysisResponse(responseText, traceID string) *domain.AnalysisResult {
	result := &domain.AnalysisResult{TraceID: traceID}

	jsonText := extractJSONCandidate(responseText)
	var parsed rawPatterns
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		return fallbackParseAnalysis(responseText, traceID, err.Error())
	}

	for _, p := range parsed.Patterns {
		pt := domain.PatternType(p.Type)
		sev := domain.Severity(p.Severity)
		if !validPatternType(pt) || !validSeverity(sev) {
			continue
		}
		conf := p.Confidence
		if conf == 0 {
			conf = 0.5
		}
		result.Patterns = append(result.Patterns, domain.Pattern{
			Type:        pt,
			Severity:    sev,
			Description: p.Description,
			Evidence:    p.Evidence,
			TurnIndices: p.TurnIndices,
			Suggestion:  p.Suggestion,
			Confidence:  conf,
		})
	}

	result.ReasoningClarity = parsed.Scores.ReasoningClarity
	result.GoalAdherence = parsed.Scores.GoalAdherence
	result.ToolUsageQuality = parsed.Scores.ToolUsageQuality
	result.ErrorRecovery = parsed.Scores.ErrorRecovery
	result.OverallScore = parsed.Scores.Overall
	result.Strengths = parsed.Strengths
	result.Weaknesses = parsed.Weaknesses
	result.Recommendations = parsed.Recommendations

	applyScoreFloor(result, responseText)
	return result
}

// applyScoreFloor is the safety net applied after the primary parse
// (fallbackParseAnalysis applies its own floor): a fenced-JSON payload that technically parsed
// but yielded overall == 0 with no patterns is treated the same as a
// parse failure, since a judge legitimately scoring 0 with zero detected
// patterns is far less likely than a malformed/truncated response.
func applyScoreFloor(result *domain.AnalysisResult, responseText string) {
	if result.OverallScore != 0 || len(result.Patterns) != 0 {
		return
	}
	result.Weaknesses = append(result.Weaknesses, "WARNING: Analysis may have failed - score is 0 with no patterns detected")
	if score := extractFallbackScore(responseText); score > 0 {
		result.OverallScore = score
		result.Recommendations = append(result.Recommendations, fmt.Sprintf("Score extracted via fallback: %v", score))
		return
	}
	result.OverallScore = fallbackFloor
}

func extractJSONCandidate(responseText string) string {
	if m := fencedJSONRe.FindStringSubmatch(responseText); m != nil {
		return m[1]
	}
	if m := fencedGenericRe.FindStringSubmatch(responseText); m != nil {
		return m[1]
	}
	return responseText
}

var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)overall["\s:]+(\d+)`),
	regexp.MustCompile(`(?i)Overall Score[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)"overall"[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)Score[:\s]+(\d+)/100`),
}

var fallbackScorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)overall["\s:]+(\d+)`),
	regexp.MustCompile(`(?i)Overall Score[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)"overall"[:\s]+(\d+)`),
	regexp.MustCompile(`(\d+)/100`),
	regexp.MustCompile(`(?i)score[:\s]+(\d+)`),
}

// fallbackParseAnalysis is used when JSON extraction fails entirely: it
// recovers a score from loose text patterns, never producing a zero
// score, and records the parsing failure as a weakness/recommendation
// rather than silently hiding it.
func fallbackParseAnalysis(responseText, traceID, errMsg string) *domain.AnalysisResult {
	result := &domain.AnalysisResult{TraceID: traceID}

	for _, re := range scorePatterns {
		if m := re.FindStringSubmatch(responseText); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				result.OverallScore = clamp(float64(n), 0, 100)
				break
			}
		}
	}
	if result.OverallScore == 0 {
		result.OverallScore = fallbackFloor
	}

	result.Recommendations = []string{
		fmt.Sprintf("Analysis parsing failed (%s). Using fallback extraction.", errMsg),
		"Consider re-running analysis if results seem inconsistent.",
	}
	result.Weaknesses = []string{"JSON parsing failed - analysis may be incomplete"}
	return result
}

func extractFallbackScore(responseText string) float64 {
	for _, re := range fallbackScorePatterns {
		if m := re.FindStringSubmatch(responseText); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 100 {
				return float64(n)
			}
		}
	}
	return 0
}

func validPatternType(pt domain.PatternType) bool {
	switch pt {
	case domain.PatternContextDegradation, domain.PatternToolConfusion, domain.PatternInstructionDrift,
		domain.PatternHallucination, domain.PatternIncompleteReason, domain.PatternToolMisuse,
		domain.PatternGoalAbandonment, domain.PatternCircularReasoning, domain.PatternPrematureConclude,
		domain.PatternMissingValidation:
		return true
	default:
		return false
	}
}

func validSeverity(s domain.Severity) bool {
	switch s {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return true
	default:
		return false
	}
}

// FormatAnalysisReport renders a plain-text report for CLI/log display.
func FormatAnalysisReport(a *domain.AnalysisResult) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString("REASONING TRACE ANALYSIS REPORT\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")
	fmt.Fprintf(&b, "Overall Score: %v/100\n\n", a.OverallScore)
	b.WriteString("Scores:\n")
	fmt.Fprintf(&b, "  - Reasoning Clarity: %v/100\n", a.ReasoningClarity)
	fmt.Fprintf(&b, "  - Goal Adherence: %v/100\n", a.GoalAdherence)
	fmt.Fprintf(&b, "  - Tool Usage Quality: %v/100\n", a.ToolUsageQuality)
	fmt.Fprintf(&b, "  - Error Recovery: %v/100\n\n", a.ErrorRecovery)

	if len(a.Patterns) > 0 {
		b.WriteString("Detected Patterns:\n")
		for _, p := range a.Patterns {
			fmt.Fprintf(&b, "\n  [%s] %s\n", strings.ToUpper(string(p.Severity)), p.Type)
			fmt.Fprintf(&b, "    %s\n", p.Description)
			fmt.Fprintf(&b, "    Suggestion: %s\n", p.Suggestion)
		}
	}
	if len(a.Strengths) > 0 {
		b.WriteString("\nStrengths:\n")
		for _, s := range a.Strengths {
			fmt.Fprintf(&b, "  + %s\n", s)
		}
	}
	if len(a.Weaknesses) > 0 {
		b.WriteString("\nWeaknesses:\n")
		for _, w := range a.Weaknesses {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	if len(a.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for i, r := range a.Recommendations {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, r)
		}
	}
	return b.String()
}
