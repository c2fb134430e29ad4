package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/models"
)

// ConnState tracks the connection lifecycle.
type ConnState string

// Connection states.
const (
	StateConnecting   ConnState = "connecting"
	StateReady        ConnState = "ready"
	StateDegraded     ConnState = "degraded"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// Connection-level protocol constants (spec'd by the MCP servers).
const (
	pingInterval = 30 * time.Second
	idleTimeout  = 5 * time.Minute
	maxFrameSize = 1 << 20 // 1 MiB; no fragmentation expected below this
)

// conn manages one WebSocket connection to a single MCP server, redialing
// with exponential backoff after transport failures. All writes are
// serialized; the reader goroutine dispatches responses to per-call channels.
type conn struct {
	serverID string
	cfg      config.MCPServerConfig

	mu           sync.Mutex
	ws           *websocket.Conn
	state        ConnState
	pending      map[int64]chan *responseResult
	nextID       int64
	lastActivity time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	readyCh   chan struct{} // closed once the first dial succeeds

	log *slog.Logger
}

func newConn(serverID string, cfg config.MCPServerConfig) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		serverID:  serverID,
		cfg:       cfg,
		state:     StateConnecting,
		pending:   make(map[int64]chan *responseResult),
		runCtx:    ctx,
		runCancel: cancel,
		readyCh:   make(chan struct{}),
		log:       slog.With("mcp_server", serverID),
	}
}

// start launches the connect/read/ping loop.
func (c *conn) start() {
	c.wg.Add(1)
	go c.run()
}

// close tears the connection down and fails any in-flight calls.
func (c *conn) close() {
	c.runCancel()
	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "shutdown")
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.wg.Wait()
}

// waitReady blocks until the first successful dial, used by startup
// validation to fail fast on unreachable servers.
func (c *conn) waitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("MCP server %s: %w", c.serverID, ctx.Err())
	}
}

// currentState returns the connection state for health reporting.
func (c *conn) currentState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run dials, reads until failure, and redials with exponential backoff
// (base 500 ms, cap 30 s, full jitter). Pending calls on a dropped
// connection all fail with transport_error; they are never resubmitted.
func (c *conn) run() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 1 // full jitter
	bo.MaxElapsedTime = 0      // retry until closed

	firstDial := true
	for {
		if c.runCtx.Err() != nil {
			return
		}

		ws, err := c.dial()
		if err != nil {
			wait := bo.NextBackOff()
			c.log.Warn("MCP dial failed, backing off", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
				continue
			case <-c.runCtx.Done():
				return
			}
		}
		bo.Reset()

		c.mu.Lock()
		c.ws = ws
		c.state = StateReady
		c.lastActivity = time.Now()
		c.mu.Unlock()
		if firstDial {
			close(c.readyCh)
			firstDial = false
		}
		c.log.Info("MCP connection established")

		c.readUntilFailure(ws)

		// Connection dropped (or recycled): fail everything in flight.
		c.mu.Lock()
		c.ws = nil
		if c.runCtx.Err() == nil {
			c.state = StateReconnecting
		}
		c.failPendingLocked()
		c.mu.Unlock()

		if c.runCtx.Err() != nil {
			return
		}
		c.log.Warn("MCP connection lost, reconnecting")
	}
}

func (c *conn) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.runCtx, 10*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	ws.SetReadLimit(maxFrameSize)
	return ws, nil
}

// readUntilFailure runs the reader and ping loops for one established
// connection; it returns when the connection is no longer usable.
func (c *conn) readUntilFailure(ws *websocket.Conn) {
	connCtx, connCancel := context.WithCancel(c.runCtx)
	defer connCancel()

	// Ping every 30 s; recycle after 5 min idle.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				idle := time.Since(c.lastActivity)
				c.mu.Unlock()
				if idle > idleTimeout {
					c.log.Info("MCP connection idle, recycling", "idle", idle)
					_ = ws.Close(websocket.StatusNormalClosure, "idle recycle")
					return
				}
				pingCtx, pingCancel := context.WithTimeout(connCtx, 10*time.Second)
				err := ws.Ping(pingCtx)
				pingCancel()
				if err != nil {
					c.log.Warn("MCP ping failed", "error", err)
					_ = ws.Close(websocket.StatusGoingAway, "ping failure")
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one response frame to its pending call.
func (c *conn) dispatch(data []byte) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.log.Warn("MCP frame is not a valid response envelope", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if !ok {
		// Late reply for a timed-out or cancelled call.
		c.log.Debug("MCP response for unknown request id", "id", resp.ID)
		return
	}
	ch <- resp.Result
}

// failPendingLocked resolves every in-flight call with a nil result,
// which the caller maps to transport_error. Caller holds c.mu.
func (c *conn) failPendingLocked() {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
}

// call issues one request and waits for its response, the per-call timeout,
// or caller cancellation, whichever comes first.
func (c *conn) call(ctx context.Context, action string, args map[string]any, timeout time.Duration) *models.Result {
	started := time.Now()
	done := func(status models.ResultStatus, content string, raw any) *models.Result {
		return &models.Result{
			Status:     status,
			Content:    sanitizeContent(content),
			Raw:        raw,
			DurationMS: time.Since(started).Milliseconds(),
		}
	}

	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return done(models.ResultStatusTransport, "transport_error: connection not ready", nil)
	}
	ws := c.ws
	c.nextID++
	id := c.nextID
	ch := make(chan *responseResult, 1)
	c.pending[id] = ch
	c.lastActivity = time.Now()
	c.mu.Unlock()

	payload, err := json.Marshal(request{
		ID:     id,
		Method: callMethod,
		Params: requestParams{Action: action, Arguments: args},
	})
	if err != nil {
		c.unregister(id)
		return done(models.ResultStatusToolError, fmt.Sprintf("tool_error: unencodable arguments: %v", err), nil)
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, timeout)
	err = ws.Write(writeCtx, websocket.MessageText, payload)
	writeCancel()
	if err != nil {
		c.unregister(id)
		return done(models.ResultStatusTransport, "transport_error: connection closed", nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result == nil {
			return done(models.ResultStatusTransport, "transport_error: connection closed", nil)
		}
		raw := decodeRaw(result.Data)
		if !result.OK {
			return done(models.ResultStatusToolError, renderError(result.Error, c.cfg.EffectiveMaxResultChars()), raw)
		}
		return done(models.ResultStatusSuccess, renderContent(raw, c.cfg.EffectiveMaxResultChars()), raw)

	case <-timer.C:
		c.unregister(id)
		return done(models.ResultStatusTimeout, fmt.Sprintf("timeout: no response within %s", timeout), nil)

	case <-ctx.Done():
		c.unregister(id)
		return done(models.ResultStatusCancelled, "cancelled", nil)
	}
}

// unregister abandons a pending call so a late reply is dropped.
func (c *conn) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// decodeRaw unwraps the server's data payload into a generic value for
// trajectory retention.
func decodeRaw(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return string(data)
	}
	return raw
}
