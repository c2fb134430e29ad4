// Package catalog loads the canonical tool/action definitions the
// orchestrator exposes to the LLM. The catalog is loaded once at startup,
// validated, and immutable afterwards, so all lookups are lock-free reads.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/loom/pkg/models"
)

// Sentinel lookup errors.
var (
	ErrUnknownServer = errors.New("unknown MCP server")
	ErrUnknownAction = errors.New("unknown action")
)

// ParameterSpec describes one named parameter of an action.
type ParameterSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// ActionSpec describes one action exposed by an MCP server.
type ActionSpec struct {
	Aliases     []string        `yaml:"aliases"`
	Description string          `yaml:"description"`
	Parameters  []ParameterSpec `yaml:"parameters"`

	// DefaultParam names the parameter that receives a non-JSON tag body.
	// Empty means the action only accepts JSON payloads.
	DefaultParam string `yaml:"default_param"`
}

// ServerSpec describes one MCP server and its actions.
type ServerSpec struct {
	Aliases     []string              `yaml:"aliases"`
	Description string                `yaml:"description"`
	TaskTypes   []models.TaskType     `yaml:"task_types"`
	Default     string                `yaml:"default_action"`
	Actions     map[string]ActionSpec `yaml:"actions"`
}

// catalogFile is the on-disk YAML shape.
type catalogFile struct {
	Servers map[string]ServerSpec `yaml:"servers"`
}

// Catalog holds the resolved tool definitions. Immutable after Load.
type Catalog struct {
	servers map[string]ServerSpec

	// serverAlias maps every accepted server name (canonical or alias) to
	// the canonical server name; actionAlias does the same per server.
	serverAlias map[string]string
	actionAlias map[string]map[string]string
}

// Load reads and validates a catalog document from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tool catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from raw YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing tool catalog: %w", err)
	}
	if len(file.Servers) == 0 {
		return nil, fmt.Errorf("tool catalog defines no servers")
	}

	c := &Catalog{
		servers:     file.Servers,
		serverAlias: make(map[string]string),
		actionAlias: make(map[string]map[string]string),
	}
	if err := c.buildIndexes(); err != nil {
		return nil, err
	}
	return c, nil
}

// buildIndexes constructs alias maps and enforces the load-time invariants:
// canonical names unique, every alias resolves to exactly one canonical name,
// parameter names unique within an action.
func (c *Catalog) buildIndexes() error {
	for serverName, server := range c.servers {
		if prev, dup := c.serverAlias[serverName]; dup {
			return fmt.Errorf("server name %q collides with alias of %q", serverName, prev)
		}
		c.serverAlias[serverName] = serverName

		for _, alias := range server.Aliases {
			if prev, dup := c.serverAlias[alias]; dup {
				return fmt.Errorf("server alias %q resolves to both %q and %q", alias, prev, serverName)
			}
			c.serverAlias[alias] = serverName
		}

		if len(server.Actions) == 0 {
			return fmt.Errorf("server %q defines no actions", serverName)
		}

		actions := make(map[string]string)
		c.actionAlias[serverName] = actions
		for actionName, action := range server.Actions {
			if prev, dup := actions[actionName]; dup {
				return fmt.Errorf("server %q: action name %q collides with alias of %q", serverName, actionName, prev)
			}
			actions[actionName] = actionName
			for _, alias := range action.Aliases {
				if prev, dup := actions[alias]; dup {
					return fmt.Errorf("server %q: action alias %q resolves to both %q and %q",
						serverName, alias, prev, actionName)
				}
				actions[alias] = actionName
			}

			seen := make(map[string]bool, len(action.Parameters))
			for _, p := range action.Parameters {
				if p.Name == "" {
					return fmt.Errorf("server %q action %q: parameter with empty name", serverName, actionName)
				}
				if seen[p.Name] {
					return fmt.Errorf("server %q action %q: duplicate parameter %q", serverName, actionName, p.Name)
				}
				seen[p.Name] = true
			}
			if action.DefaultParam != "" && !seen[action.DefaultParam] {
				return fmt.Errorf("server %q action %q: default_param %q is not a declared parameter",
					serverName, actionName, action.DefaultParam)
			}
		}

		if server.Default != "" {
			if _, ok := actions[server.Default]; !ok {
				return fmt.Errorf("server %q: default_action %q is not a declared action", serverName, server.Default)
			}
		}
	}
	return nil
}

// Resolve maps a server alias or canonical name to the canonical name.
func (c *Catalog) Resolve(nameOrAlias string) (string, error) {
	if canonical, ok := c.serverAlias[nameOrAlias]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownServer, nameOrAlias)
}

// ResolveAction maps an action alias or canonical name to the canonical
// action name on the given (already canonical) server.
func (c *Catalog) ResolveAction(server, nameOrAlias string) (string, error) {
	actions, ok := c.actionAlias[server]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	if canonical, ok := actions[nameOrAlias]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q on server %q", ErrUnknownAction, nameOrAlias, server)
}

// DefaultAction returns the server's default action name, if any.
func (c *Catalog) DefaultAction(server string) string {
	return c.servers[server].Default
}

// Schema returns the parameter schema of a canonical (server, action) pair.
func (c *Catalog) Schema(server, action string) ([]ParameterSpec, error) {
	spec, err := c.action(server, action)
	if err != nil {
		return nil, err
	}
	return spec.Parameters, nil
}

// DefaultParam returns the parameter that wraps a raw (non-JSON) tag body for
// the given action. Empty when the action declares none.
func (c *Catalog) DefaultParam(server, action string) (string, error) {
	spec, err := c.action(server, action)
	if err != nil {
		return "", err
	}
	return spec.DefaultParam, nil
}

// Servers returns canonical server names in sorted order.
func (c *Catalog) Servers() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServersForTaskType returns the canonical servers applicable to a task type.
// A server with no task_types restriction applies to every task type.
func (c *Catalog) ServersForTaskType(taskType models.TaskType) []string {
	var names []string
	for name, server := range c.servers {
		if len(server.TaskTypes) == 0 {
			names = append(names, name)
			continue
		}
		for _, t := range server.TaskTypes {
			if t == taskType {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) action(server, action string) (ActionSpec, error) {
	srv, ok := c.servers[server]
	if !ok {
		return ActionSpec{}, fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	spec, ok := srv.Actions[action]
	if !ok {
		return ActionSpec{}, fmt.Errorf("%w: %q on server %q", ErrUnknownAction, action, server)
	}
	return spec, nil
}
