package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santiagomed/kiln/lock"
	"github.com/santiagomed/kiln/logger"
)

const progressBuffer = 64

// Run is one submitted generation run.
type Run struct {
	ID        string
	Request   Request
	CreatedAt time.Time

	progress *Progress
	release  func()
	done     chan struct{}
	outcome  Outcome
}

// Events streams the run's progress and is closed after the last event.
func (r *Run) Events() <-chan ProgressEvent {
	return r.progress.Events()
}

// Detach stops delivery to the consumer. The run itself keeps going.
func (r *Run) Detach() {
	r.progress.Detach()
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes.
func (r *Run) Wait() Outcome {
	<-r.done
	return r.outcome
}

func (r *Run) finish(o Outcome) {
	r.outcome = o
	r.release()
	close(r.done)
}

type Engine struct {
	pipeline     *Pipeline
	locker       lock.Locker
	logger       logger.Logger
	requests     chan *Run
	workers      int
	workerWG     sync.WaitGroup
	shutdownChan chan struct{}

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

func NewEngine(p *Pipeline, locker lock.Locker, workers, queueSize int, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNullLogger()
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Engine{
		pipeline:     p,
		locker:       locker,
		logger:       l,
		requests:     make(chan *Run, queueSize),
		workers:      workers,
		shutdownChan: make(chan struct{}),
		cancel:       func() {},
	}
}

// Start launches the workers. Runs execute on ctx, not on the context of the
// caller that submitted them, so a departed client does not cancel its run.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		e.workerWG.Add(1)
		go e.worker(ctx, i)
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.workerWG.Done()
	for {
		select {
		case <-e.shutdownChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case run := <-e.requests:
			l := e.logger.WithField("run", run.ID).WithField("worker", id)
			l.Debug(fmt.Sprintf("Picked up run after %v in queue", time.Since(run.CreatedAt)))
			run.finish(e.pipeline.Run(ctx, run.Request, run.progress))
		case <-ctx.Done():
			return
		case <-e.shutdownChan:
			return
		}
	}
}

// Submit validates req, takes the project lock and queues the run.
// It never blocks on a busy engine.
func (e *Engine) Submit(ctx context.Context, req Request) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrShuttingDown
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	release, ok, err := e.locker.TryLock(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("error locking project %s: %w", req.ProjectID, err)
	}
	if !ok {
		return nil, ErrConflict
	}

	run := &Run{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: time.Now(),
		progress:  NewProgress(progressBuffer),
		release:   release,
		done:      make(chan struct{}),
	}
	select {
	case e.requests <- run:
		e.logger.WithField("run", run.ID).Info(fmt.Sprintf("Queued generation run for project %s", req.ProjectID))
		return run, nil
	default:
		release()
		return nil, ErrQueueFull
	}
}

// Shutdown stops accepting runs, cancels the ones in flight and fails
// whatever is still queued.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	close(e.shutdownChan)
	cancel()

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("All workers shut down gracefully")
	case <-time.After(timeout):
		e.logger.Warn("Shutdown timed out, some workers may still be running")
	}

	for {
		select {
		case run := <-e.requests:
			run.progress.Emit(Failed, LevelError, "Error: "+ErrShuttingDown.Error())
			run.progress.Close()
			run.finish(Outcome{Stage: Failed, Err: ErrShuttingDown})
		default:
			return
		}
	}
}
