// Package models defines the shared data types that flow between the intake
// API, the runtime controller, the session loop, and the trajectory writer.
package models

import "time"

// TaskType classifies a task so the catalog can filter which tools are
// rendered into the system prompt.
type TaskType string

// Known task types.
const (
	TaskTypeCode      TaskType = "code"
	TaskTypeWeb       TaskType = "web"
	TaskTypeReasoning TaskType = "reasoning"
	TaskTypeResearch  TaskType = "research"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCode, TaskTypeWeb, TaskTypeReasoning, TaskTypeResearch:
		return true
	}
	return false
}

// Default session budgets. MaxSteps is clamped to MaxStepsHardCap regardless
// of what the task requests.
const (
	DefaultMaxSteps   = 10
	MaxStepsHardCap   = 100
	DefaultTimeoutSec = 600
)

// TaskSpec is the immutable description of one task to execute.
// Created by ingestion, consumed by exactly one Session, mutated by nobody.
type TaskSpec struct {
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	TaskType    TaskType          `json:"task_type"`
	MaxSteps    int               `json:"max_steps,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	TimeoutSec  int               `json:"timeout_s,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
}

// EffectiveMaxSteps returns the step budget with defaults and the hard cap
// applied.
func (t *TaskSpec) EffectiveMaxSteps() int {
	steps := t.MaxSteps
	if steps <= 0 {
		steps = DefaultMaxSteps
	}
	if steps > MaxStepsHardCap {
		steps = MaxStepsHardCap
	}
	return steps
}

// EffectiveTimeout returns the wall-clock budget for the session.
func (t *TaskSpec) EffectiveTimeout() time.Duration {
	if t.TimeoutSec <= 0 {
		return DefaultTimeoutSec * time.Second
	}
	return time.Duration(t.TimeoutSec) * time.Second
}
