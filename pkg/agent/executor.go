package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weftworks/loom/pkg/models"
)

// ToolCaller abstracts the transport behind tool execution. The MCP pool
// satisfies it; tests substitute scripted callers.
type ToolCaller interface {
	Call(ctx context.Context, server, action string, args map[string]any, timeout time.Duration) *models.Result
}

// Executor runs a parsed invocation tree against the tool transport and
// produces results in strict positional order.
type Executor struct {
	tools        ToolCaller
	perCall      time.Duration
	aggregateCap time.Duration
	log          *slog.Logger
}

// NewExecutor wires an executor to its transport. perCall bounds each tool
// call; aggregateCap bounds a whole parallel block.
func NewExecutor(tools ToolCaller, perCall, aggregateCap time.Duration) *Executor {
	return &Executor{
		tools:        tools,
		perCall:      perCall,
		aggregateCap: aggregateCap,
		log:          slog.With("component", "executor"),
	}
}

// Execute dispatches one invocation and returns its results. Results carry
// positional indices regardless of completion order, and every child of the
// tree is accounted for exactly once.
func (e *Executor) Execute(ctx context.Context, inv *Invocation) []models.Result {
	switch inv.Kind {
	case InvocationParallel:
		return e.executeParallel(ctx, inv.Children)
	case InvocationSequential:
		return e.executeSequential(ctx, inv.Children)
	default:
		result := e.callOne(ctx, inv, 0)
		return []models.Result{result}
	}
}

func (e *Executor) callOne(ctx context.Context, leaf *Invocation, index int) models.Result {
	result := e.tools.Call(ctx, leaf.Server, leaf.Action, leaf.Args, e.perCall)
	result.Index = index
	return *result
}

// executeParallel fans the children out concurrently under a shared
// deadline and waits for all of them; there is no early exit on failure so
// the LLM can see which specific children failed.
func (e *Executor) executeParallel(ctx context.Context, children []*Invocation) []models.Result {
	deadline := e.perCall
	if e.aggregateCap > 0 && e.aggregateCap < deadline {
		deadline = e.aggregateCap
	}
	groupCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]models.Result, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func(i int, child *Invocation) {
			defer wg.Done()
			results[i] = e.callOne(groupCtx, child, i)
		}(i, child)
	}
	wg.Wait()

	// Children cut off by the aggregate deadline report timeout, not
	// cancelled; cancelled is reserved for the session being cancelled.
	if errors.Is(groupCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		for i := range results {
			if results[i].Status == models.ResultStatusCancelled {
				results[i].Status = models.ResultStatusTimeout
				results[i].Content = fmt.Sprintf("timeout: parallel block exceeded %s", deadline)
			}
		}
	}
	return results
}

// executeSequential runs the children in order, substituting placeholders
// against prior results before each dispatch. A child that references a
// failed prior result aborts it and every later sibling.
func (e *Executor) executeSequential(ctx context.Context, children []*Invocation) []models.Result {
	results := make([]models.Result, len(children))

	for i, child := range children {
		if ctx.Err() != nil {
			for j := i; j < len(children); j++ {
				results[j] = models.Result{Index: j, Status: models.ResultStatusCancelled, Content: "cancelled"}
			}
			return results
		}

		substituted, failedRef := substituteArgs(child.Args, results[:i])
		if failedRef >= 0 {
			for j := i; j < len(children); j++ {
				results[j] = models.Result{
					Index:   j,
					Status:  models.ResultStatusToolError,
					Content: fmt.Sprintf("aborted: prior step %d failed", failedRef),
				}
			}
			return results
		}

		dispatched := *child
		dispatched.Args = substituted
		results[i] = e.callOne(ctx, &dispatched, i)
	}
	return results
}

// substituteArgs resolves the first placeholder in every string parameter
// against prior sibling results. It returns the rewritten arguments, or the
// index of a referenced prior result whose status is not success.
func substituteArgs(args map[string]any, prior []models.Result) (map[string]any, int) {
	out := make(map[string]any, len(args))
	for name, value := range args {
		str, ok := value.(string)
		if !ok {
			out[name] = value
			continue
		}
		ref, literal, found := findPlaceholder(str)
		if !found {
			out[name] = unescapeBraces(str)
			continue
		}
		// The parser guarantees ref.Index < the child's own position, so
		// the referenced result always exists in prior.
		referenced := prior[ref.Index]
		if !referenced.OK() {
			return nil, ref.Index
		}
		projection := projectResult(referenced, ref.Path)
		out[name] = unescapeBraces(strings.Replace(str, literal, projection, 1))
	}
	return out, -1
}

// projectResult renders a prior result for substitution: the dotted path is
// resolved against the raw structured payload, falling back to the rendered
// content when no structured value is available.
func projectResult(result models.Result, path string) string {
	if result.Raw == nil {
		return result.Content
	}
	value := result.Raw
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			obj, ok := value.(map[string]any)
			if !ok {
				return result.Content
			}
			value, ok = obj[key]
			if !ok {
				return result.Content
			}
		}
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
