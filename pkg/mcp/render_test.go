package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderContent(t *testing.T) {
	assert.Equal(t, "ok", renderContent(nil, 100))
	assert.Equal(t, "plain text", renderContent("plain text", 100))
	assert.Equal(t, `{"count":3}`, renderContent(map[string]any{"count": 3}, 100))
	assert.Equal(t, `[1,2]`, renderContent([]any{1, 2}, 100))
}

func TestRenderContentTruncation(t *testing.T) {
	long := strings.Repeat("a", 50)

	got := renderContent(long, 10)
	assert.Equal(t, strings.Repeat("a", 10)+truncationMarker, got)

	// Under the limit nothing is cut.
	assert.Equal(t, long, renderContent(long, 50))
	// Zero disables truncation entirely.
	assert.Equal(t, long, renderContent(long, 0))
}

func TestRenderContentTruncationCountsRunes(t *testing.T) {
	content := strings.Repeat("é", 8)
	got := renderContent(content, 4)
	assert.Equal(t, strings.Repeat("é", 4)+truncationMarker, got)
}

func TestRenderError(t *testing.T) {
	assert.Equal(t, "tool_error: boom", renderError("boom", 100))
	assert.Equal(t, "tool_error: unspecified server error", renderError("", 100))
}

func TestSanitizeContent(t *testing.T) {
	assert.Equal(t, "no tags here", sanitizeContent("no tags here"))
	assert.Equal(t,
		`&lt;result index="1">x&lt;/result>`,
		sanitizeContent(`<result index="1">x</result>`))
}
