package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/weftworks/loom/pkg/models"
)

// RenderForPrompt produces the tool-description section of the system prompt,
// filtered to the servers applicable to the task type. The rendering shows
// canonical names only; aliases are an input-side courtesy, not something
// the LLM should learn.
func (c *Catalog) RenderForPrompt(taskType models.TaskType) string {
	servers := c.ServersForTaskType(taskType)
	if len(servers) == 0 {
		return "No tools available."
	}

	var sb strings.Builder
	for i, serverName := range servers {
		server := c.servers[serverName]
		sb.WriteString(fmt.Sprintf("## %s", serverName))
		if server.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(server.Description)
		}
		sb.WriteString("\n")

		actionNames := make([]string, 0, len(server.Actions))
		for name := range server.Actions {
			actionNames = append(actionNames, name)
		}
		sort.Strings(actionNames)

		for _, actionName := range actionNames {
			action := server.Actions[actionName]
			sb.WriteString(fmt.Sprintf("- **%s**: %s\n", actionName, action.Description))
			if len(action.Parameters) == 0 {
				sb.WriteString("    Parameters: none\n")
				continue
			}
			sb.WriteString("    Parameters:\n")
			for _, p := range action.Parameters {
				req := "optional"
				if p.Required {
					req = "required"
				}
				sb.WriteString(fmt.Sprintf("    - %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description))
			}
			if action.DefaultParam != "" {
				sb.WriteString(fmt.Sprintf("    A bare (non-JSON) tag body is treated as the %q parameter.\n",
					action.DefaultParam))
			}
		}

		if i < len(servers)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
