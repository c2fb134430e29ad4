package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weftworks/loom/pkg/agent/prompt"
	"github.com/weftworks/loom/pkg/llm"
	"github.com/weftworks/loom/pkg/models"
)

// SessionConfig carries the orchestration knobs shared by all sessions.
type SessionConfig struct {
	LoopWindow    int
	LoopThreshold int
}

// Session owns the live orchestration state of one task: the conversation,
// the step record, budgets, and loop detection. One session runs on one
// worker; it is not safe for concurrent use.
type Session struct {
	task     *models.TaskSpec
	client   llm.Client
	parser   *Parser
	executor *Executor
	builder  *prompt.Builder
	counter  *llm.TokenCounter
	loop     *loopDetector
	log      *slog.Logger

	// messages holds the committed conversation; assistant accumulates the
	// current model turn, growing across tool splices so the model always
	// continues its own prior output.
	messages   []llm.Message
	assistant  strings.Builder
	transcript strings.Builder

	steps        []models.Step
	stepCount    int
	usage        models.TokenUsage
	streamUsage  bool
	toolCalls    int
	resultGroups int
	pendingText  strings.Builder
	segmentStart time.Time
}

// NewSession assembles a session from its collaborators.
func NewSession(task *models.TaskSpec, client llm.Client, parser *Parser, executor *Executor, builder *prompt.Builder, cfg SessionConfig) *Session {
	return &Session{
		task:     task,
		client:   client,
		parser:   parser,
		executor: executor,
		builder:  builder,
		counter:  llm.NewTokenCounter(),
		loop:     newLoopDetector(cfg.LoopWindow, cfg.LoopThreshold),
		log:      slog.With("task_id", task.TaskID),
	}
}

// outcome is the session-internal verdict after one stream segment.
type outcome struct {
	done        bool
	termination models.TerminationReason
	finalAnswer string
}

var continueStreaming = outcome{}

// Run drives the task to termination and returns its trajectory. The
// returned result is always complete, whatever the termination reason.
func (s *Session) Run(ctx context.Context) *models.TrajectoryResult {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.task.EffectiveTimeout())
	defer cancel()

	s.messages = s.builder.BuildMessages(s.task)
	s.log.Info("session started",
		"task_type", s.task.TaskType,
		"max_steps", s.task.EffectiveMaxSteps(),
		"timeout", s.task.EffectiveTimeout())

	var verdict outcome
	for {
		verdict = s.streamOnce(ctx)
		if verdict.done {
			break
		}
		if verdict = s.checkBudgets(ctx); verdict.done {
			break
		}
	}

	ended := time.Now()
	result := &models.TrajectoryResult{
		TaskID:        s.task.TaskID,
		Description:   s.task.Description,
		TaskType:      s.task.TaskType,
		Success:       verdict.termination == models.TerminationAnswer,
		FinalAnswer:   verdict.finalAnswer,
		Termination:   verdict.termination,
		Steps:         s.steps,
		StartedAt:     started,
		EndedAt:       ended,
		DurationMS:    ended.Sub(started).Milliseconds(),
		TokensUsed:    s.usage,
		ToolCalls:     s.toolCalls,
		RawTranscript: s.transcript.String(),
	}
	s.log.Info("session finished",
		"termination", result.Termination,
		"success", result.Success,
		"steps", len(result.Steps),
		"tool_calls", result.ToolCalls,
		"duration_ms", result.DurationMS)
	return result
}

// streamOnce performs one generation segment: stream until a tool block
// completes (execute it and splice results), an answer closes, the budget
// trips, or the stream ends and a nudge is issued.
func (s *Session) streamOnce(ctx context.Context) outcome {
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	input := &llm.GenerateInput{TaskID: s.task.TaskID, Messages: s.conversation()}
	chunks, err := s.client.Generate(streamCtx, input)
	if err != nil {
		return s.fail(ctx, fmt.Sprintf("llm request failed: %v", err))
	}

	tok := NewTokenizer()
	s.segmentStart = time.Now()
	s.streamUsage = false
	var produced strings.Builder

	for chunk := range chunks {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			produced.WriteString(c.Content)
			verdict, suspended := s.handleEvents(ctx, tok.Feed(c.Content))
			if suspended || verdict.done {
				stop()
				s.drain(chunks)
				s.estimateUsage(produced.String())
				return verdict
			}
		case *llm.UsageChunk:
			s.streamUsage = true
			s.usage.Add(models.TokenUsage{
				InputTokens:  c.InputTokens,
				OutputTokens: c.OutputTokens,
				TotalTokens:  c.TotalTokens,
			})
		case *llm.ErrorChunk:
			if ctx.Err() != nil {
				return s.budgetVerdict(ctx)
			}
			return s.fail(ctx, fmt.Sprintf("llm stream failed: %s", c.Message))
		}
	}

	s.estimateUsage(produced.String())
	verdict, suspended := s.handleEvents(ctx, tok.Finish())
	if suspended || verdict.done {
		return verdict
	}
	// StreamEndEvent fell through: nudge the model toward a terminator.
	return s.nudge()
}

// handleEvents applies tokenizer events to the session. The second return
// is true when the stream was suspended by a completed tool block and a new
// generation segment must start.
func (s *Session) handleEvents(ctx context.Context, events []Event) (outcome, bool) {
	for _, ev := range events {
		switch e := ev.(type) {
		case TextEvent:
			s.assistant.WriteString(e.Text)
			s.transcript.WriteString(e.Text)
			s.pendingText.WriteString(e.Text)

		case ToolBlockStartEvent:
			// Suspension is effected when the block completes; the raw
			// opening has already been accounted by ToolBlockEnd.

		case ToolBlockEndEvent:
			s.assistant.WriteString(e.Raw)
			s.transcript.WriteString(e.Raw)
			s.flushThought()
			verdict := s.executeBlock(ctx, e)
			return verdict, true

		case AnswerEvent:
			s.assistant.WriteString(e.Raw)
			s.transcript.WriteString(e.Raw)
			s.flushThought()
			s.recordStep(models.Step{Kind: models.StepKindAnswer, Text: e.Text})
			return outcome{done: true, termination: models.TerminationAnswer, finalAnswer: e.Text}, true

		case ParseErrorEvent:
			s.flushThought()
			s.recordStep(models.Step{Kind: models.StepKindError, Text: e.Message, ErrorKind: string(models.ResultStatusParse)})
			return outcome{done: true, termination: models.TerminationFatalError}, true

		case StreamEndEvent:
			s.flushThought()
		}
	}
	return continueStreaming, false
}

// executeBlock parses and runs one completed tool block, splicing its
// results into the conversation as an assistant continuation.
func (s *Session) executeBlock(ctx context.Context, block ToolBlockEndEvent) outcome {
	inv, perr := s.parser.Parse(block.Inner)
	if perr != nil {
		return s.handleParseError(block, perr)
	}

	if s.loop.Observe(inv.Fingerprint()) {
		s.log.Warn("loop detected", "fingerprint", inv.Fingerprint())
		s.recordStep(models.Step{
			Kind:      models.StepKindError,
			Text:      "identical tool invocation repeated beyond the loop threshold",
			ErrorKind: string(models.TerminationLoopDetected),
		})
		return outcome{done: true, termination: models.TerminationLoopDetected}
	}

	callStart := time.Now()
	s.recordStep(models.Step{Kind: models.StepKindToolCall, Invocation: inv, RawBlock: block.Raw})

	results := s.executor.Execute(ctx, inv)
	s.toolCalls += countLeaves(inv)

	s.steps = append(s.steps, models.Step{
		StepID:     len(s.steps),
		Kind:       models.StepKindObservation,
		StartedAt:  callStart,
		DurationMS: time.Since(callStart).Milliseconds(),
		Results:    results,
	})
	s.stepCount++ // a tool_call plus its observation is one step

	s.splice(FormatResults(results))

	if ctx.Err() != nil {
		return s.budgetVerdict(ctx)
	}
	return continueStreaming
}

// handleParseError surfaces a malformed block to the model once and lets it
// retry within budget. Identical malformed blocks count toward the loop
// detector; distinct ones do not.
func (s *Session) handleParseError(block ToolBlockEndEvent, perr *ParseError) outcome {
	if s.loop.Observe("parse_error:" + block.Inner) {
		s.recordStep(models.Step{
			Kind:      models.StepKindError,
			Text:      "identical malformed tool block repeated beyond the loop threshold",
			ErrorKind: string(models.TerminationLoopDetected),
		})
		return outcome{done: true, termination: models.TerminationLoopDetected}
	}

	s.log.Warn("tool block parse error", "kind", perr.Kind, "error", perr.Message)
	s.recordStep(models.Step{Kind: models.StepKindError, Text: perr.Error(), ErrorKind: string(models.ResultStatusParse)})
	s.stepCount++
	s.splice(FormatParseError(perr))
	return continueStreaming
}

// splice appends orchestrator-authored text to the growing assistant turn.
func (s *Session) splice(text string) {
	fragment := "\n" + text + "\n"
	s.assistant.WriteString(fragment)
	s.transcript.WriteString(fragment)
	s.resultGroups++
}

// nudge commits the current assistant turn and asks for a terminator.
func (s *Session) nudge() outcome {
	s.log.Debug("stream ended without terminator, nudging")
	if s.assistant.Len() > 0 {
		s.messages = append(s.messages, llm.Message{Role: llm.RoleAssistant, Content: s.assistant.String()})
		s.assistant.Reset()
	}
	s.messages = append(s.messages, llm.Message{Role: llm.RoleUser, Content: prompt.NudgeMessage})
	s.stepCount++ // an aimless segment spends budget like any other
	return continueStreaming
}

// checkBudgets evaluates the termination rules that apply between events.
func (s *Session) checkBudgets(ctx context.Context) outcome {
	if ctx.Err() != nil {
		return s.budgetVerdict(ctx)
	}
	if s.stepCount >= s.task.EffectiveMaxSteps() {
		s.recordStep(models.Step{
			Kind:      models.StepKindError,
			Text:      fmt.Sprintf("step budget of %d exhausted", s.task.EffectiveMaxSteps()),
			ErrorKind: string(models.TerminationMaxSteps),
		})
		return outcome{done: true, termination: models.TerminationMaxSteps}
	}
	if s.task.MaxTokens > 0 && s.usage.TotalTokens > s.task.MaxTokens {
		s.recordStep(models.Step{
			Kind:      models.StepKindError,
			Text:      fmt.Sprintf("token budget of %d exhausted (used %d)", s.task.MaxTokens, s.usage.TotalTokens),
			ErrorKind: string(models.TerminationMaxTokens),
		})
		return outcome{done: true, termination: models.TerminationMaxTokens}
	}
	return continueStreaming
}

// budgetVerdict maps context termination to its reason and records the
// closing error step.
func (s *Session) budgetVerdict(ctx context.Context) outcome {
	reason := models.TerminationCancelled
	text := "session cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = models.TerminationTimeout
		text = fmt.Sprintf("wall clock budget of %s exhausted", s.task.EffectiveTimeout())
	}
	s.recordStep(models.Step{Kind: models.StepKindError, Text: text, ErrorKind: string(reason)})
	return outcome{done: true, termination: reason}
}

// fail terminates with fatal_error for orchestrator-side failures.
func (s *Session) fail(ctx context.Context, message string) outcome {
	if ctx.Err() != nil {
		return s.budgetVerdict(ctx)
	}
	s.log.Error("session fatal error", "error", message)
	s.recordStep(models.Step{Kind: models.StepKindError, Text: message, ErrorKind: string(models.TerminationFatalError)})
	return outcome{done: true, termination: models.TerminationFatalError}
}

// flushThought records accumulated prose as a thought step.
func (s *Session) flushThought() {
	text := s.pendingText.String()
	s.pendingText.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	s.recordStep(models.Step{Kind: models.StepKindThought, Text: strings.TrimSpace(text)})
	s.stepCount++
}

// recordStep appends a step with id, timestamp, and duration filled in.
func (s *Session) recordStep(step models.Step) {
	step.StepID = len(s.steps)
	if step.StartedAt.IsZero() {
		step.StartedAt = s.segmentStart
		if step.StartedAt.IsZero() {
			step.StartedAt = time.Now()
		}
		step.DurationMS = time.Since(step.StartedAt).Milliseconds()
	}
	s.steps = append(s.steps, step)
	s.segmentStart = time.Now()
}

// conversation renders the committed messages plus the in-progress
// assistant turn.
func (s *Session) conversation() []llm.Message {
	msgs := make([]llm.Message, len(s.messages), len(s.messages)+1)
	copy(msgs, s.messages)
	if s.assistant.Len() > 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: s.assistant.String()})
	}
	return msgs
}

// estimateUsage falls back to local token counting for providers that did
// not report usage on this stream.
func (s *Session) estimateUsage(produced string) {
	if s.streamUsage || produced == "" {
		return
	}
	out := s.counter.Count(produced)
	var in int
	for _, m := range s.conversation() {
		in += s.counter.Count(m.Content)
	}
	s.usage.Add(models.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out})
}

// drain discards whatever the provider buffered after suspension.
func (s *Session) drain(chunks <-chan llm.Chunk) {
	for range chunks {
	}
}

func countLeaves(inv *Invocation) int {
	if inv.Kind == InvocationSingle {
		return 1
	}
	return len(inv.Children)
}
