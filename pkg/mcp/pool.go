package mcp

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/models"
)

// Pool maintains one connection per configured MCP server and routes calls
// to them. The pool is shared across all sessions; it holds no session state.
type Pool struct {
	registry       *config.MCPServerRegistry
	defaultTimeout time.Duration
	conns          map[string]*conn
}

// NewPool creates a pool for every server in the registry. Connections are
// not dialed until Start.
func NewPool(registry *config.MCPServerRegistry, defaultTimeout time.Duration) *Pool {
	conns := make(map[string]*conn)
	for _, id := range registry.IDs() {
		cfg, _ := registry.Get(id)
		conns[id] = newConn(id, cfg)
	}
	return &Pool{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		conns:          conns,
	}
}

// Start launches every connection's dial loop.
func (p *Pool) Start() {
	for _, c := range p.conns {
		c.start()
	}
}

// WaitReady blocks until every server has connected at least once.
// Used at startup so a broken config fails the process instead of failing
// the first hundred sessions.
func (p *Pool) WaitReady(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.conns {
		g.Go(func() error { return c.waitReady(ctx) })
	}
	return g.Wait()
}

// Call executes one tool action on the named server. The returned Result is
// never nil; transport and timeout failures are encoded in its status.
// timeout <= 0 selects the server's (or pool's) default per-call timeout.
func (p *Pool) Call(ctx context.Context, server, action string, args map[string]any, timeout time.Duration) *models.Result {
	c, ok := p.conns[server]
	if !ok {
		return &models.Result{
			Status:  models.ResultStatusToolError,
			Content: fmt.Sprintf("tool_error: no connection for server %q", server),
		}
	}
	if timeout <= 0 {
		timeout = c.cfg.EffectiveCallTimeout(p.defaultTimeout)
	}
	return c.call(ctx, action, args, timeout)
}

// States reports each connection's state for health endpoints.
func (p *Pool) States() map[string]ConnState {
	states := make(map[string]ConnState, len(p.conns))
	for id, c := range p.conns {
		states[id] = c.currentState()
	}
	return states
}

// Close tears down every connection.
func (p *Pool) Close() {
	for _, c := range p.conns {
		c.close()
	}
}
