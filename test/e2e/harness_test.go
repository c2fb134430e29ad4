// Package e2e exercises the full orchestration path: a scripted LLM stream
// driving the real tokenizer, parser, executor, and MCP pool against an
// in-process WebSocket tool server speaking the production wire protocol.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/agent/prompt"
	"github.com/weftworks/loom/pkg/catalog"
	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/llm"
	"github.com/weftworks/loom/pkg/mcp"
	"github.com/weftworks/loom/pkg/models"
)

const e2eCatalogYAML = `
servers:
  microsandbox:
    aliases: [sandbox]
    description: Code execution sandbox.
    task_types: [code, reasoning]
    default_action: execute_python
    actions:
      execute_python:
        description: Run Python.
        default_param: code
        parameters:
          - name: code
            type: string
            required: true
  deepsearch:
    description: Web research.
    task_types: [code, reasoning, research]
    actions:
      research:
        description: Research a question.
        default_param: query
        parameters:
          - name: query
            type: string
            required: true
`

// wireRequest and wireResponse mirror the MCP protocol envelopes from the
// outside, so these tests verify the bytes on the wire rather than shared
// structs.
type wireRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params struct {
		Action    string         `json:"action"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type wireResponse struct {
	ID     int64 `json:"id"`
	Result struct {
		OK    bool   `json:"ok"`
		Data  any    `json:"data,omitempty"`
		Error string `json:"error,omitempty"`
	} `json:"result"`
}

// toolServer is a scripted MCP server. Handlers are keyed by action; a
// missing handler answers ok=false. dropNext injects a connection drop
// instead of a reply.
type toolServer struct {
	srv      *httptest.Server
	url      string
	dropNext atomic.Bool

	mu       sync.Mutex
	handlers map[string]func(args map[string]any) (any, string)
	calls    []wireRequest
}

func startToolServer(t *testing.T) *toolServer {
	t.Helper()
	ts := &toolServer{handlers: make(map[string]func(args map[string]any) (any, string))}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var req wireRequest
			if err := json.Unmarshal(data, &req); err != nil || req.Method != "call_tool" {
				continue
			}

			ts.mu.Lock()
			ts.calls = append(ts.calls, req)
			handler := ts.handlers[req.Params.Action]
			ts.mu.Unlock()

			if ts.dropNext.Swap(false) {
				_ = ws.Close(websocket.StatusInternalError, "injected drop")
				return
			}

			var resp wireResponse
			resp.ID = req.ID
			if handler == nil {
				resp.Result.Error = fmt.Sprintf("unknown action %q", req.Params.Action)
			} else {
				data, errMsg := handler(req.Params.Arguments)
				if errMsg != "" {
					resp.Result.Error = errMsg
				} else {
					resp.Result.OK = true
					resp.Result.Data = data
				}
			}
			payload, _ := json.Marshal(resp)
			if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	ts.url = "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	return ts
}

func (ts *toolServer) handle(action string, fn func(args map[string]any) (any, string)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlers[action] = fn
}

func (ts *toolServer) callCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.calls)
}

// scriptedLLM replays canned turns in 5-byte chunks so tag boundaries land
// mid-token, the way real streams deliver them.
type scriptedLLM struct {
	mu    sync.Mutex
	turns []string
	next  int
	seen  [][]llm.Message
}

func (s *scriptedLLM) Generate(ctx context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	s.mu.Lock()
	if s.next >= len(s.turns) {
		s.mu.Unlock()
		return nil, fmt.Errorf("script exhausted after %d turns", len(s.turns))
	}
	turn := s.turns[s.next]
	s.next++
	s.seen = append(s.seen, input.Messages)
	s.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for len(turn) > 0 {
			n := 5
			if n > len(turn) {
				n = len(turn)
			}
			select {
			case ch <- &llm.TextChunk{Content: turn[:n]}:
				turn = turn[n:]
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *scriptedLLM) Close() error { return nil }

// harness wires one session over a live pool talking to the mock server.
type harness struct {
	pool *mcp.Pool
	cat  *catalog.Catalog
}

func newHarness(t *testing.T, servers map[string]string) *harness {
	t.Helper()
	cat, err := catalog.Parse([]byte(e2eCatalogYAML))
	require.NoError(t, err)

	configs := make(map[string]config.MCPServerConfig, len(servers))
	for id, url := range servers {
		configs[id] = config.MCPServerConfig{URL: url}
	}
	pool := mcp.NewPool(config.NewMCPServerRegistry(configs), 2*time.Second)
	pool.Start()
	t.Cleanup(pool.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.WaitReady(ctx))

	return &harness{pool: pool, cat: cat}
}

func (h *harness) run(ctx context.Context, task *models.TaskSpec, client llm.Client) *models.TrajectoryResult {
	session := agent.NewSession(task, client,
		agent.NewParser(h.cat),
		agent.NewExecutor(h.pool, 2*time.Second, 10*time.Second),
		prompt.NewBuilder(h.cat),
		agent.SessionConfig{LoopWindow: 5, LoopThreshold: 3},
	)
	return session.Run(ctx)
}

func codeTask(id string) *models.TaskSpec {
	return &models.TaskSpec{
		TaskID:      id,
		Description: "exercise the tool loop",
		TaskType:    models.TaskTypeCode,
	}
}

func stepKinds(steps []models.Step) []models.StepKind {
	kinds := make([]models.StepKind, len(steps))
	for i, s := range steps {
		kinds[i] = s.Kind
	}
	return kinds
}
