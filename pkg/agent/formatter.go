package agent

import (
	"fmt"
	"strings"

	"github.com/weftworks/loom/pkg/models"
)

// FormatResults renders one invocation's results as the exact text spliced
// back into the conversation. Content arrives already sanitized of nested
// result tags, so no escaping happens here.
func FormatResults(results []models.Result) string {
	var sb strings.Builder
	for i, result := range results {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, `<result index="%d">%s</result>`, result.Index, result.Content)
	}
	return sb.String()
}

// FormatParseError renders a parse failure as a single result block with a
// corrective hint, giving the model a chance to rewrite the block.
func FormatParseError(perr *ParseError) string {
	return fmt.Sprintf(`<result index="0">parse_error (%s): %s. Rewrite the tool block and emit <execute_tools /> again.</result>`,
		perr.Kind, perr.Message)
}
