package models

import "time"

// TerminationReason explains why a session ended.
type TerminationReason string

// Termination reasons. Answer is the only successful one.
const (
	TerminationAnswer       TerminationReason = "answer"
	TerminationMaxSteps     TerminationReason = "max_steps"
	TerminationMaxTokens    TerminationReason = "max_tokens"
	TerminationTimeout      TerminationReason = "timeout"
	TerminationLoopDetected TerminationReason = "loop_detected"
	TerminationCancelled    TerminationReason = "cancelled"
	TerminationFatalError   TerminationReason = "fatal_error"
)

// TokenUsage aggregates token consumption across the LLM calls of a session.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// TrajectoryResult is the complete output of one task execution: the ordered
// step record plus identity, timing, and usage counters.
type TrajectoryResult struct {
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	TaskType    TaskType          `json:"task_type"`
	Success     bool              `json:"success"`
	FinalAnswer string            `json:"final_answer,omitempty"`
	Termination TerminationReason `json:"termination_reason"`
	Steps       []Step            `json:"steps"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	DurationMS  int64             `json:"duration_ms"`
	TokensUsed  TokenUsage        `json:"tokens_used"`
	ToolCalls   int               `json:"tool_calls"`

	// RawTranscript is the concatenated byte-level record of everything the
	// LLM produced plus the result blocks the orchestrator spliced in.
	RawTranscript string `json:"-"`
}
