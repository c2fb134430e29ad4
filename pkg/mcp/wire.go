// Package mcp maintains WebSocket connections to MCP tool servers and
// exposes a single Call operation over them. One connection per server,
// shared read-mostly by every session; each in-flight call owns its own
// request id and completion channel.
package mcp

import "encoding/json"

// callMethod is the only method the orchestrator issues.
const callMethod = "call_tool"

// request is the JSON envelope sent to an MCP server.
type request struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params requestParams `json:"params"`
}

type requestParams struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

// response is the JSON envelope received from an MCP server.
type response struct {
	ID     int64           `json:"id"`
	Result *responseResult `json:"result"`
}

type responseResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}
