package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// truncationMarker is appended when rendered content is cut at the
// configured limit. The untruncated payload stays in the trajectory.
const truncationMarker = "… [truncated]"

// renderContent turns a server payload into the text the LLM sees inside a
// <result> tag: plain strings pass through, everything else falls back to a
// compact JSON serialization.
func renderContent(raw any, maxChars int) string {
	var content string
	switch v := raw.(type) {
	case nil:
		content = "ok"
	case string:
		content = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			content = fmt.Sprintf("%v", v)
		} else {
			content = string(data)
		}
	}
	return truncate(content, maxChars)
}

// renderError produces the short error summary surfaced for tool_error.
func renderError(message string, maxChars int) string {
	if message == "" {
		message = "unspecified server error"
	}
	return truncate("tool_error: "+message, maxChars)
}

// truncate cuts content at maxChars runes, appending the truncation marker.
func truncate(content string, maxChars int) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	runes := []rune(content)
	if len(runes) <= maxChars {
		return content
	}
	return string(runes[:maxChars]) + truncationMarker
}

// sanitizeContent guarantees the invariant that rendered content never
// contains a nested result tag: the orchestrator must be the only author
// of <result> elements in the conversation.
func sanitizeContent(content string) string {
	if !strings.Contains(content, "<result") && !strings.Contains(content, "</result") {
		return content
	}
	content = strings.ReplaceAll(content, "<result", "&lt;result")
	return strings.ReplaceAll(content, "</result", "&lt;/result")
}
