package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	model "dify-task-engine.com/dify-task-engine/internal/models"
	"dify-task-engine.com/dify-task-engine/internal/queue"
)

// TaskHandler runs one scheduled task attempt. It must persist its own
// failures; the pool only logs what escapes.
type TaskHandler interface {
	ExecuteTask(ctx context.Context, taskID string)
}

type pendingTaskLister interface {
	ListPendingUnstarted(ctx context.Context, limit int) ([]model.Task, error)
}

type PoolOptions struct {
	Workers       int
	QueueSize     int
	PollInterval  time.Duration
	PollBatchSize int
	// Tokens optionally caps remote executions beyond the worker count,
	// e.g. across processes sharing a redis token list.
	Tokens queue.TokenManager
}

type PoolService struct {
	queue       chan string
	wg          sync.WaitGroup
	requeueWG   sync.WaitGroup
	enqueued    sync.Map
	repo        pendingTaskLister
	tokens      queue.TokenManager
	opts        PoolOptions
	requeueStop chan struct{}
	log         *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPoolService(repo pendingTaskLister, opts PoolOptions, log *zap.Logger) *PoolService {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.PollBatchSize <= 0 {
		opts.PollBatchSize = 50
	}
	if log == nil {
		log = zap.L()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PoolService{
		queue:       make(chan string, opts.QueueSize),
		repo:        repo,
		tokens:      opts.Tokens,
		opts:        opts,
		requeueStop: make(chan struct{}),
		log:         log.Named("pool"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers and the pending-task sweep. Tasks enqueued
// before Start wait in the queue.
func (p *PoolService) Start(handler TaskHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.requeueWG.Add(1)
	go p.requeuePendingLoop()

	for i := 1; i <= p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i, handler)
	}
}

// Enqueue schedules one attempt of the task. It reports false when the task
// is already scheduled or the queue is full; the sweep picks up the latter.
func (p *PoolService) Enqueue(taskID string) bool {
	ok, _ := p.enqueueIfNotPresent(taskID)
	return ok
}

func (p *PoolService) worker(workerID int, handler TaskHandler) {
	defer p.wg.Done()

	log := p.log.With(zap.Int("worker", workerID))
	log.Debug("worker started")

	for taskID := range p.queue {
		p.handleTask(log, handler, taskID)
	}

	log.Debug("worker stopped")
}

func (p *PoolService) handleTask(log *zap.Logger, handler TaskHandler, taskID string) {
	defer p.untrackEnqueued(taskID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task handler panicked", zap.String("task_id", taskID), zap.Any("panic", r))
		}
	}()

	if !p.acquireToken(log, taskID) {
		return
	}
	defer p.releaseToken(log)

	handler.ExecuteTask(p.ctx, taskID)
}

func (p *PoolService) acquireToken(log *zap.Logger, taskID string) bool {
	if p.tokens == nil {
		return true
	}

	if err := p.tokens.AcquireToken(p.ctx); err != nil {
		if errors.Is(err, queue.ErrNoTokenAvailable) {
			log.Info("no execution token available, task left pending", zap.String("task_id", taskID))
			return false
		}
		log.Warn("failed to acquire execution token", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return true
}

func (p *PoolService) releaseToken(log *zap.Logger) {
	if p.tokens == nil {
		return
	}
	if err := p.tokens.ReleaseToken(context.WithoutCancel(p.ctx)); err != nil {
		log.Warn("failed to release execution token", zap.Error(err))
	}
}

func (p *PoolService) requeuePendingLoop() {
	defer p.requeueWG.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.requeuePendingOnce()
		case <-p.requeueStop:
			return
		}
	}
}

// requeuePendingOnce schedules pending tasks that never started, e.g. after
// a full queue or a restart.
func (p *PoolService) requeuePendingOnce() int {
	tasks, err := p.repo.ListPendingUnstarted(p.ctx, p.opts.PollBatchSize)
	if err != nil {
		p.log.Warn("requeue: failed to list pending tasks", zap.Error(err))
		return 0
	}

	requeued := 0
	for _, task := range tasks {
		enqueued, queueFull := p.enqueueIfNotPresent(task.ID)
		if queueFull {
			break
		}
		if enqueued {
			requeued++
		}
	}

	if requeued > 0 {
		p.log.Info("requeued pending tasks", zap.Int("count", requeued))
	}
	return requeued
}

func (p *PoolService) enqueueIfNotPresent(taskID string) (bool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, false
	}

	if !p.trackEnqueued(taskID) {
		return false, false
	}

	select {
	case p.queue <- taskID:
		return true, false
	default:
		p.untrackEnqueued(taskID)
		p.log.Warn("task queue is full", zap.String("task_id", taskID))
		return false, true
	}
}

func (p *PoolService) trackEnqueued(taskID string) bool {
	_, loaded := p.enqueued.LoadOrStore(taskID, struct{}{})
	return !loaded
}

func (p *PoolService) untrackEnqueued(taskID string) {
	p.enqueued.Delete(taskID)
}

// Shutdown stops accepting work and waits for in-flight tasks. When ctx
// expires first, running executions are cancelled.
func (p *PoolService) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if started {
		close(p.requeueStop)
		p.requeueWG.Wait()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool shut down cleanly")
	case <-ctx.Done():
		p.log.Warn("worker pool shutdown timed out, cancelling running tasks")
		p.cancel()
		<-done
	}
	p.cancel()
}
