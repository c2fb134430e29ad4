// Package runtime owns the bounded pool of session workers: task intake,
// per-session cancellation, trajectory persistence, and graceful shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/agent/prompt"
	"github.com/weftworks/loom/pkg/catalog"
	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/llm"
	"github.com/weftworks/loom/pkg/models"
	"github.com/weftworks/loom/pkg/trajectory"
)

// Intake errors.
var (
	ErrQueueFull = errors.New("task queue is full")
	ErrStopped   = errors.New("controller is stopped")
)

// Controller pulls task specs from a bounded intake channel and runs each
// on one of a fixed set of workers. Backpressure is the channel bound: when
// every worker is busy and the channel is full, Submit fails fast.
type Controller struct {
	cfg      *config.RuntimeConfig
	client   llm.Client
	parser   *agent.Parser
	executor *agent.Executor
	builder  *prompt.Builder
	writer   *trajectory.Writer
	store    *trajectory.Store // nil when Postgres indexing is disabled

	tasks    chan *models.TaskSpec
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// Cancel registry: task_id to the running session's cancel function.
	mu     sync.RWMutex
	active map[string]context.CancelFunc
}

// NewController wires the controller to its collaborators. store may be nil.
func NewController(
	cfg *config.RuntimeConfig,
	client llm.Client,
	tools agent.ToolCaller,
	cat *catalog.Catalog,
	writer *trajectory.Writer,
	store *trajectory.Store,
) *Controller {
	return &Controller{
		cfg:      cfg,
		client:   client,
		parser:   agent.NewParser(cat),
		executor: agent.NewExecutor(tools, cfg.PerCallTimeout.Std(), cfg.AggregateCap.Std()),
		builder:  prompt.NewBuilder(cat),
		writer:   writer,
		store:    store,
		tasks:    make(chan *models.TaskSpec, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		active:   make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call once; subsequent calls
// are no-ops.
func (c *Controller) Start(ctx context.Context) {
	if c.started {
		slog.Warn("controller already started, ignoring duplicate Start call")
		return
	}
	c.started = true

	slog.Info("starting session workers", "worker_count", c.cfg.WorkerCount, "queue_size", c.cfg.QueueSize)
	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.wg.Add(1)
		go c.runWorker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Submit enqueues one task. It never blocks: a full queue is the caller's
// signal to shed load.
func (c *Controller) Submit(task *models.TaskSpec) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}
	select {
	case c.tasks <- task:
		slog.Info("task enqueued", "task_id", task.TaskID, "task_type", task.TaskType)
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel aborts a running session. Returns false when no session with that
// task id is active.
func (c *Controller) Cancel(taskID string) bool {
	c.mu.RLock()
	cancel, ok := c.active[taskID]
	c.mu.RUnlock()
	if ok {
		slog.Info("cancelling session", "task_id", taskID)
		cancel()
	}
	return ok
}

// QueueDepth reports tasks waiting for a worker.
func (c *Controller) QueueDepth() int { return len(c.tasks) }

// ActiveCount reports sessions currently running.
func (c *Controller) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

// Stop closes intake, lets running sessions finish within the grace period,
// then cancels the stragglers and waits for every worker to exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		grace := c.cfg.GracePeriod.Std()
		slog.Info("stopping controller", "grace_period", grace)
		close(c.stopCh)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(grace):
			slog.Warn("grace period elapsed, cancelling running sessions")
			c.mu.RLock()
			for taskID, cancel := range c.active {
				slog.Info("force-cancelling session", "task_id", taskID)
				cancel()
			}
			c.mu.RUnlock()
			<-done
		}
		slog.Info("controller stopped")
	})
}

// runWorker is one worker's pull loop. Workers finish their current session
// before honoring stop.
func (c *Controller) runWorker(ctx context.Context, workerID string) {
	defer c.wg.Done()
	log := slog.With("worker_id", workerID)
	log.Debug("worker started")

	for {
		select {
		case <-c.stopCh:
			log.Debug("worker stopping")
			return
		case task := <-c.tasks:
			c.runTask(ctx, log, task)
		}
	}
}

func (c *Controller) runTask(ctx context.Context, log *slog.Logger, task *models.TaskSpec) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.active[task.TaskID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, task.TaskID)
		c.mu.Unlock()
	}()

	session := agent.NewSession(task, c.client, c.parser, c.executor, c.builder, agent.SessionConfig{
		LoopWindow:    c.cfg.LoopWindow,
		LoopThreshold: c.cfg.LoopThreshold,
	})
	result := session.Run(taskCtx)

	if err := c.writer.Write(result); err != nil {
		log.Error("trajectory write failed", "task_id", task.TaskID, "error", err)
	}
	if c.store != nil {
		indexCtx, indexCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.store.Index(indexCtx, result); err != nil {
			log.Error("trajectory index failed", "task_id", task.TaskID, "error", err)
		}
		indexCancel()
	}
}
