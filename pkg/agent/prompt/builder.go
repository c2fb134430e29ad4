// Package prompt composes the conversation that seeds each session: the
// policy preamble defining the tool dialect, the catalog rendering for the
// task type, and the task statement itself.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/weftworks/loom/pkg/catalog"
	"github.com/weftworks/loom/pkg/llm"
	"github.com/weftworks/loom/pkg/models"
)

// Builder builds all prompt text for sessions. Stateless; all state comes
// from parameters and the immutable catalog.
type Builder struct {
	catalog *catalog.Catalog
}

// NewBuilder creates a Builder over the loaded tool catalog. Panics if the
// catalog is nil; callers must load it before building prompts.
func NewBuilder(cat *catalog.Catalog) *Builder {
	if cat == nil {
		panic("prompt.NewBuilder: catalog must not be nil")
	}
	return &Builder{catalog: cat}
}

// dialectInstructions defines the tool-use wire format, the stop-and-wait
// rule, the answer contract, and loop-prevention guidance.
const dialectInstructions = `## Tool Use Protocol

You solve tasks by calling tools through XML blocks. The runtime executes
them for real and splices the results back into your output.

Reasoning: wrap free-form thinking in <think>...</think>. It is recorded but
never executes anything.

Single call:
<server_name><action_name>payload</action_name></server_name>
<execute_tools />

Parallel calls (independent work, runs concurrently):
<parallel>
  <server_a><action>payload</action></server_a>
  <server_b><action>payload</action></server_b>
</parallel>
<execute_tools />

Sequential calls (later steps may reference earlier results):
<sequential>
  <server_a><action>payload</action></server_a>
  <server_b><action>use {results[0]} here</action></server_b>
</sequential>
<execute_tools />

Rules:
- A payload is either a JSON object of named parameters, or raw text for the
  action's default parameter.
- After <execute_tools /> STOP writing. The runtime executes the block and
  appends <result index="N">...</result> elements; continue from there.
- Never write <result> tags yourself. Results you did not receive from the
  runtime do not exist.
- In <sequential>, {results[k]} in a string parameter is replaced with the
  k-th result of the same block; {results[k].path.to.field} selects a field
  from structured output. k must refer to an earlier step. Write {{ or }}
  for literal braces.
- Do not repeat an identical tool call you already made; repeated identical
  calls terminate the session. If a call failed, change the input or the
  approach before retrying.
- When the task is solved, emit <answer>...</answer> with the final solution
  and nothing after it. Tasks that need no tools may be answered directly.`

// BuildMessages assembles the initial conversation for a task.
func (b *Builder) BuildMessages(task *models.TaskSpec) []llm.Message {
	system := dialectInstructions + "\n\n" +
		"## Available Tools\n\n" + b.catalog.RenderForPrompt(task.TaskType)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: b.buildTaskMessage(task)},
	}
}

// buildTaskMessage renders the task statement plus any caller-provided
// context values.
func (b *Builder) buildTaskMessage(task *models.TaskSpec) string {
	var sb strings.Builder
	sb.WriteString("# Task\n\n")
	sb.WriteString(strings.TrimSpace(task.Description))

	if len(task.Context) > 0 {
		sb.WriteString("\n\n## Context\n")
		keys := make([]string, 0, len(task.Context))
		for k := range task.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n**%s:** %s", k, task.Context[k])
		}
	}
	return sb.String()
}

// NudgeMessage is sent as a user turn when the stream ends without a
// terminator, pushing the model to conclude within budget.
const NudgeMessage = `Your previous output ended without <execute_tools /> or <answer>. ` +
	`Either issue a tool block followed by <execute_tools />, or conclude now with <answer>...</answer>.`
