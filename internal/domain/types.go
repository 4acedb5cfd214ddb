// Package domain holds the immutable-by-convention records shared by
// Capture, Analyzer, Optimizer, the loop controller, and the skill
// generator: thinking blocks, tool calls, traces, patterns, analysis and
// optimization results, and the loop's own running result.
package domain

import "time"

// PatternType is one of a closed set of failure modes the analyzer can
// detect in a reasoning trace.
type PatternType string

const (
	PatternContextDegradation PatternType = "context_degradation"
	PatternToolConfusion      PatternType = "tool_confusion"
	PatternInstructionDrift   PatternType = "instruction_drift"
	PatternHallucination      PatternType = "hallucination"
	PatternIncompleteReason   PatternType = "incomplete_reasoning"
	PatternToolMisuse         PatternType = "tool_misuse"
	PatternGoalAbandonment    PatternType = "goal_abandonment"
	PatternCircularReasoning  PatternType = "circular_reasoning"
	PatternPrematureConclude  PatternType = "premature_conclusion"
	PatternMissingValidation  PatternType = "missing_validation"
)

// Severity ranks how damaging a detected Pattern is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FollowingAction labels what an assistant turn did immediately after a
// ThinkingBlock: continue with text, end the turn, or invoke a named tool.
type FollowingAction string

const (
	ActionText    FollowingAction = "text"
	ActionEndTurn FollowingAction = "end_turn"
	ActionToolUse FollowingAction = "tool_use"
)

// ToolUseAction formats the "tool_use:<name>" following-action label.
func ToolUseAction(name string) FollowingAction {
	return FollowingAction("tool_use:" + name)
}

// ThinkingBlock is one reasoning emission by the model during a turn.
// It is never mutated after creation except for FollowingAction, which
// Capture backfills once the next action in that turn is known.
type ThinkingBlock struct {
	Content    string
	TurnIndex  int
	Timestamp  time.Time
	TokenCount int
	Signature  string // opaque provider thought-signature, empty if none

	PrecedingToolCall   string
	PrecedingToolResult string
	FollowingAction     FollowingAction
}

// ToolCall is a tool invocation request emitted by the agent, mutated
// exactly once by Capture with the executor's outcome.
type ToolCall struct {
	ID        string
	Name      string
	Input     map[string]any
	TurnIndex int
	Result    string
	Success   *bool
	Error     string
}

// ReasoningTrace is the record of one agent run.
type ReasoningTrace struct {
	SessionID      string
	Task           string
	SystemPrompt   string
	ThinkingBlocks []ThinkingBlock
	ToolCalls      []ToolCall
	FinalResponse  string

	Model       string
	TotalTurns  int
	TotalTokens int
	Success     bool
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// ThinkingAtTurn returns the thinking block recorded at the given turn, if
// any.
func (t *ReasoningTrace) ThinkingAtTurn(turn int) *ThinkingBlock {
	for i := range t.ThinkingBlocks {
		if t.ThinkingBlocks[i].TurnIndex == turn {
			return &t.ThinkingBlocks[i]
		}
	}
	return nil
}

// ToolCallsAtTurn returns every tool call recorded at the given turn, in
// emission order.
func (t *ReasoningTrace) ToolCallsAtTurn(turn int) []ToolCall {
	var out []ToolCall
	for _, tc := range t.ToolCalls {
		if tc.TurnIndex == turn {
			out = append(out, tc)
		}
	}
	return out
}

// Pattern is a detected failure mode cited with evidence from the trace.
type Pattern struct {
	Type        PatternType
	Severity    Severity
	Description string
	Evidence    []string
	TurnIndices []int
	Suggestion  string
	Confidence  float64
}

// AnalysisResult is the analyzer's structured report on one trace.
type AnalysisResult struct {
	TraceID  string
	Patterns []Pattern

	ReasoningClarity float64
	GoalAdherence    float64
	ToolUsageQuality float64
	ErrorRecovery    float64
	OverallScore     float64

	Strengths       []string
	Weaknesses      []string
	Recommendations []string

	AnalyzerModel    string
	AnalyzerThinking string
}

// PromptDiff names one change the optimizer made between prompt
// revisions.
type PromptDiff struct {
	Section   string
	Original  string
	Optimized string
	Reason    string
}

// OptimizationResult is the optimizer's proposed prompt revision.
type OptimizationResult struct {
	OriginalPrompt  string
	OptimizedPrompt string
	Diffs           []PromptDiff

	PredictedImprovement float64
	Confidence           float64

	OptimizerThinking string
	KeyChanges        []string
}

// LoopIteration is one capture -> analyze -> (optimize) cycle recorded by
// the loop controller.
type LoopIteration struct {
	Iteration    int
	Trace        *ReasoningTrace
	Analysis     *AnalysisResult
	Optimization *OptimizationResult // nil if the loop stopped before optimizing

	CompositeScore float64
	TaskCompleted  bool
	ErrorCount     int
	TokenUsage     int
}

// LoopResult is the loop controller's growing, exclusively-owned record
// of a full optimization run.
type LoopResult struct {
	Task       string
	Iterations []LoopIteration

	FinalPrompt     string
	Converged       bool
	TotalIterations int

	InitialScore         float64
	FinalScore           float64
	ImprovementPercentage float64

	GeneratedSkillPath string
}
