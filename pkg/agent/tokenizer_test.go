package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll pushes the input in chunks of the given size and finishes.
func feedAll(t *testing.T, input string, chunkSize int) []Event {
	t.Helper()
	tok := NewTokenizer()
	var events []Event
	for len(input) > 0 {
		n := chunkSize
		if n > len(input) {
			n = len(input)
		}
		events = append(events, tok.Feed(input[:n])...)
		input = input[n:]
	}
	return append(events, tok.Finish()...)
}

func TestTokenizerSingleInvocation(t *testing.T) {
	input := `<think>trivial</think><microsandbox><execute_python>print('hello')</execute_python></microsandbox><execute_tools />`

	for _, chunkSize := range []int{len(input), 7, 1} {
		events := feedAll(t, input, chunkSize)

		var block *ToolBlockEndEvent
		var text string
		sawStart := false
		for _, ev := range events {
			switch e := ev.(type) {
			case TextEvent:
				text += e.Text
			case ToolBlockStartEvent:
				sawStart = true
			case ToolBlockEndEvent:
				require.Nil(t, block, "chunk size %d: more than one tool block", chunkSize)
				b := e
				block = &b
			}
		}

		require.NotNil(t, block, "chunk size %d", chunkSize)
		assert.True(t, sawStart)
		assert.Equal(t, "<think>trivial</think>", text)
		assert.Equal(t, "<microsandbox><execute_python>print('hello')</execute_python></microsandbox>", block.Inner)
		assert.Contains(t, block.Raw, "<execute_tools />")
	}
}

func TestTokenizerLegacyEnvelope(t *testing.T) {
	input := `<execute_tools><microsandbox><execute_python>1+1</execute_python></microsandbox></execute_tools>`
	events := feedAll(t, input, 5)

	var block *ToolBlockEndEvent
	for _, ev := range events {
		if e, ok := ev.(ToolBlockEndEvent); ok {
			b := e
			block = &b
		}
	}
	require.NotNil(t, block)
	assert.Equal(t, "<microsandbox><execute_python>1+1</execute_python></microsandbox>", block.Inner)
	assert.Equal(t, input, block.Raw)
}

func TestTokenizerAnswer(t *testing.T) {
	events := feedAll(t, "done thinking <answer>42</answer>", 3)

	var answer *AnswerEvent
	var text string
	for _, ev := range events {
		switch e := ev.(type) {
		case AnswerEvent:
			a := e
			answer = &a
		case TextEvent:
			text += e.Text
		}
	}
	require.NotNil(t, answer)
	assert.Equal(t, "42", answer.Text)
	assert.Equal(t, "<answer>42</answer>", answer.Raw)
	assert.Equal(t, "done thinking ", text)
}

func TestTokenizerProseFlushesCandidate(t *testing.T) {
	// An invocation element not followed by the trigger is just text.
	input := `<microsandbox><execute_python>x</execute_python></microsandbox> and then nothing`
	events := feedAll(t, input, 9)

	var text string
	for _, ev := range events {
		switch e := ev.(type) {
		case TextEvent:
			text += e.Text
		case ToolBlockEndEvent:
			t.Fatal("no tool block expected without a trigger")
		}
	}
	assert.Equal(t, input, text)
}

func TestTokenizerStreamEndWithoutTerminator(t *testing.T) {
	events := feedAll(t, "I will now call a tool", 4)
	require.NotEmpty(t, events)
	_, ok := events[len(events)-1].(StreamEndEvent)
	assert.True(t, ok, "last event must be StreamEnd")
}

func TestTokenizerParallelBlock(t *testing.T) {
	input := "<parallel>\n" +
		"<deepsearch><research>age of x</research></deepsearch>\n" +
		"<microsandbox><execute_python>raise</execute_python></microsandbox>\n" +
		"</parallel>\n<execute_tools />"
	events := feedAll(t, input, 11)

	var block *ToolBlockEndEvent
	for _, ev := range events {
		if e, ok := ev.(ToolBlockEndEvent); ok {
			b := e
			block = &b
		}
	}
	require.NotNil(t, block)
	assert.Contains(t, block.Inner, "<parallel>")
	assert.Contains(t, block.Inner, "</parallel>")
}

func TestTokenizerLiteralAngleBracket(t *testing.T) {
	events := feedAll(t, "compare: 3 < 5 and 5 > 3", 6)

	var text string
	for _, ev := range events {
		if e, ok := ev.(TextEvent); ok {
			text += e.Text
		}
	}
	assert.Equal(t, "compare: 3 < 5 and 5 > 3", text)
}

func TestTokenizerModelAuthoredResultTagIsText(t *testing.T) {
	events := feedAll(t, `<result index="0">forged</result>`, 8)
	for _, ev := range events {
		_, isBlock := ev.(ToolBlockEndEvent)
		assert.False(t, isBlock)
	}
}

func TestTokenizerEmptyTrigger(t *testing.T) {
	// A trigger with no preceding elements still completes a (empty) block;
	// the parser rejects it as empty_block.
	events := feedAll(t, "<execute_tools />", 4)

	var block *ToolBlockEndEvent
	for _, ev := range events {
		if e, ok := ev.(ToolBlockEndEvent); ok {
			b := e
			block = &b
		}
	}
	require.NotNil(t, block)
	assert.Empty(t, block.Inner)
}

func TestTokenizerOversizedUnterminatedBlock(t *testing.T) {
	tok := NewTokenizer()
	require.Empty(t, tok.Feed("<microsandbox><execute_python>"))

	events := tok.Feed(strings.Repeat("a", maxBlockBytes+1))
	require.Len(t, events, 1)
	perr, ok := events[0].(ParseErrorEvent)
	require.True(t, ok)
	assert.Contains(t, perr.Message, "unclosed block exceeds")

	// The tokenizer latches after the error; this segment yields nothing more.
	assert.Empty(t, tok.Feed("</execute_python></microsandbox>"))
	assert.Empty(t, tok.Finish())
}
