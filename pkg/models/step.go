package models

import "time"

// StepKind identifies the variant of a trajectory step.
type StepKind string

// Step kinds.
const (
	StepKindThought     StepKind = "thought"
	StepKindToolCall    StepKind = "tool_call"
	StepKindObservation StepKind = "observation"
	StepKindAnswer      StepKind = "answer"
	StepKindError       StepKind = "error"
)

// ResultStatus is the outcome classification of a single tool execution.
type ResultStatus string

// Result statuses. The first four are surfaced back to the LLM inside
// <result> content and are recoverable at the model's discretion; cancelled
// is only ever produced by session cancellation.
const (
	ResultStatusSuccess   ResultStatus = "success"
	ResultStatusToolError ResultStatus = "tool_error"
	ResultStatusTimeout   ResultStatus = "timeout"
	ResultStatusTransport ResultStatus = "transport_error"
	ResultStatusParse     ResultStatus = "parse_error"
	ResultStatusCancelled ResultStatus = "cancelled"
)

// Result is the outcome of one tool execution within an invocation block.
// Index is strictly positional within the parent block (always 0 for a
// single invocation), independent of completion order.
type Result struct {
	Index      int          `json:"index"`
	Status     ResultStatus `json:"status"`
	Content    string       `json:"content"`
	Raw        any          `json:"raw,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

// OK reports whether the result completed successfully.
func (r *Result) OK() bool { return r.Status == ResultStatusSuccess }

// Step is one atomic unit in a trajectory. A tool_call step is always
// followed by exactly one observation step with a matching step id payload.
type Step struct {
	StepID     int       `json:"step_id"`
	Kind       StepKind  `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`

	// Payload by kind. Exactly one group is populated.
	Text       string   `json:"text,omitempty"`        // thought, answer, error
	Invocation any      `json:"invocation,omitempty"`  // tool_call: parsed invocation tree
	RawBlock   string   `json:"raw_block,omitempty"`   // tool_call: block as the LLM wrote it
	Results    []Result `json:"results,omitempty"`     // observation
	ErrorKind  string   `json:"error_kind,omitempty"`  // error: termination reason or parse_error
}
