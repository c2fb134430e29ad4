package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/pkg/models"
)

// scriptedCaller maps "server.action" to canned results and records the
// arguments of every call in order.
type scriptedCaller struct {
	mu      sync.Mutex
	results map[string]*models.Result
	calls   []recordedCall
	delay   time.Duration
}

type recordedCall struct {
	Server string
	Action string
	Args   map[string]any
}

func (s *scriptedCaller) Call(ctx context.Context, server, action string, args map[string]any, timeout time.Duration) *models.Result {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return &models.Result{Status: models.ResultStatusCancelled, Content: "cancelled"}
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{Server: server, Action: action, Args: args})
	s.mu.Unlock()

	if r, ok := s.results[server+"."+action]; ok {
		out := *r
		return &out
	}
	return &models.Result{Status: models.ResultStatusSuccess, Content: "ok"}
}

func leaf(server, action string, args map[string]any) *Invocation {
	return &Invocation{Kind: InvocationSingle, Server: server, Action: action, Args: args}
}

func TestExecuteSingle(t *testing.T) {
	caller := &scriptedCaller{results: map[string]*models.Result{
		"microsandbox.execute_python": {Status: models.ResultStatusSuccess, Content: "hello"},
	}}
	exec := NewExecutor(caller, time.Second, time.Minute)

	results := exec.Execute(context.Background(), leaf("microsandbox", "execute_python", map[string]any{"code": "x"}))
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, "hello", results[0].Content)
}

func TestExecuteParallelPositionalOrder(t *testing.T) {
	caller := &scriptedCaller{results: map[string]*models.Result{
		"deepsearch.research":         {Status: models.ResultStatusSuccess, Content: "found"},
		"microsandbox.execute_python": {Status: models.ResultStatusToolError, Content: "tool_error: raised"},
	}}
	exec := NewExecutor(caller, time.Second, time.Minute)

	inv := &Invocation{Kind: InvocationParallel, Children: []*Invocation{
		leaf("deepsearch", "research", map[string]any{"question": "q"}),
		leaf("microsandbox", "execute_python", map[string]any{"code": "raise"}),
	}}
	results := exec.Execute(context.Background(), inv)

	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, models.ResultStatusSuccess, results[0].Status)
	assert.Equal(t, 1, results[1].Index)
	assert.Equal(t, models.ResultStatusToolError, results[1].Status)
}

func TestExecuteParallelAggregateDeadline(t *testing.T) {
	caller := &scriptedCaller{delay: 200 * time.Millisecond}
	exec := NewExecutor(caller, time.Second, 20*time.Millisecond)

	inv := &Invocation{Kind: InvocationParallel, Children: []*Invocation{
		leaf("microsandbox", "execute_python", nil),
		leaf("deepsearch", "research", nil),
	}}
	results := exec.Execute(context.Background(), inv)

	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, models.ResultStatusTimeout, r.Status, "child %d", i)
	}
}

func TestExecuteSequentialSubstitution(t *testing.T) {
	caller := &scriptedCaller{results: map[string]*models.Result{
		"deepsearch.research": {Status: models.ResultStatusSuccess, Content: "82", Raw: "82"},
	}}
	exec := NewExecutor(caller, time.Second, time.Minute)

	inv := &Invocation{Kind: InvocationSequential, Children: []*Invocation{
		leaf("deepsearch", "research", map[string]any{"question": "how old"}),
		leaf("microsandbox", "execute_python", map[string]any{"code": "age = {results[0]}; print(int(age)+10)"}),
	}}
	results := exec.Execute(context.Background(), inv)

	require.Len(t, results, 2)
	require.Len(t, caller.calls, 2)
	assert.Equal(t, "age = 82; print(int(age)+10)", caller.calls[1].Args["code"])
}

func TestExecuteSequentialDottedPath(t *testing.T) {
	caller := &scriptedCaller{results: map[string]*models.Result{
		"deepsearch.research": {
			Status:  models.ResultStatusSuccess,
			Content: "long rendered text",
			Raw:     map[string]any{"person": map[string]any{"age": float64(82)}},
		},
	}}
	exec := NewExecutor(caller, time.Second, time.Minute)

	inv := &Invocation{Kind: InvocationSequential, Children: []*Invocation{
		leaf("deepsearch", "research", map[string]any{"question": "q"}),
		leaf("microsandbox", "execute_python", map[string]any{"code": "print({results[0].person.age})"}),
	}}
	exec.Execute(context.Background(), inv)

	require.Len(t, caller.calls, 2)
	assert.Equal(t, "print(82)", caller.calls[1].Args["code"])
}

func TestExecuteSequentialAbortOnFailedReference(t *testing.T) {
	caller := &scriptedCaller{results: map[string]*models.Result{
		"deepsearch.research": {Status: models.ResultStatusToolError, Content: "tool_error: nope"},
	}}
	exec := NewExecutor(caller, time.Second, time.Minute)

	inv := &Invocation{Kind: InvocationSequential, Children: []*Invocation{
		leaf("deepsearch", "research", map[string]any{"question": "q"}),
		leaf("microsandbox", "execute_python", map[string]any{"code": "{results[0]}"}),
		leaf("microsandbox", "execute_python", map[string]any{"code": "independent"}),
	}}
	results := exec.Execute(context.Background(), inv)

	require.Len(t, results, 3)
	assert.Equal(t, models.ResultStatusToolError, results[0].Status)
	for i := 1; i < 3; i++ {
		assert.Equal(t, models.ResultStatusToolError, results[i].Status)
		assert.Equal(t, fmt.Sprintf("aborted: prior step %d failed", 0), results[i].Content)
		assert.Equal(t, i, results[i].Index)
	}
	// Only the first child was dispatched.
	assert.Len(t, caller.calls, 1)
}

func TestExecuteSequentialCancellation(t *testing.T) {
	caller := &scriptedCaller{}
	exec := NewExecutor(caller, time.Second, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := &Invocation{Kind: InvocationSequential, Children: []*Invocation{
		leaf("deepsearch", "research", nil),
		leaf("microsandbox", "execute_python", nil),
	}}
	results := exec.Execute(ctx, inv)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.ResultStatusCancelled, r.Status)
	}
	assert.Empty(t, caller.calls)
}

func TestPlaceholderEscaping(t *testing.T) {
	out, failed := substituteArgs(
		map[string]any{"code": "literal {{results[0]}} stays"},
		[]models.Result{{Status: models.ResultStatusSuccess, Content: "X"}},
	)
	require.Equal(t, -1, failed)
	assert.Equal(t, "literal {results[0]} stays", out["code"])
}

func TestFormatResults(t *testing.T) {
	text := FormatResults([]models.Result{
		{Index: 0, Status: models.ResultStatusSuccess, Content: "hello"},
		{Index: 1, Status: models.ResultStatusToolError, Content: "tool_error: raised"},
	})
	assert.Equal(t, "<result index=\"0\">hello</result>\n<result index=\"1\">tool_error: raised</result>", text)
}
