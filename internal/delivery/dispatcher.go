package delivery

import (
	"context"
	"log/slog"
	"sync"
)

// Job is a unit of outbound work run by a [Dispatcher] worker.
type Job func(ctx context.Context)

// Dispatcher runs jobs on a fixed pool of workers fed by a bounded
// queue. It exists so that callers which must not block (the MQTT
// event loop, for one) can hand off a delivery that may spend seconds
// in retry backoff.
type Dispatcher struct {
	logger  *slog.Logger
	workers int

	mu     sync.Mutex
	closed bool
	jobs   chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher with the given queue depth and
// worker count. Both are clamped to at least one.
func NewDispatcher(size, workers int, logger *slog.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, size),
	}
}

// Start launches the workers. Jobs run on a context that carries ctx's
// values but is cancelled only by [Dispatcher.Close], so a shutdown
// signal on ctx does not drop work already queued.
func (d *Dispatcher) Start(ctx context.Context) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	for i := range d.workers {
		d.wg.Add(1)
		go d.run(jobCtx, i)
	}
}

func (d *Dispatcher) run(ctx context.Context, id int) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.safeRun(ctx, id, job)
	}
}

func (d *Dispatcher) safeRun(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher job panicked", "worker", id, "panic", r)
		}
	}()
	if job != nil {
		job(ctx)
	}
}

// Enqueue hands job to the pool without blocking. It returns false
// when the queue is full or the dispatcher is closed; the job is
// dropped in that case.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		d.logger.Warn("dispatcher queue full, dropping job", "capacity", cap(d.jobs))
		return false
	}
}

// Close stops accepting jobs and waits for the workers to drain the
// queue. When ctx ends first, running jobs are cancelled and whatever
// is still queued runs against a cancelled context. It returns
// ctx.Err() in that case. Safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	cancel := d.cancel
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.logger.Warn("dispatcher drain interrupted, cancelling jobs", "pending", len(d.jobs))
	}
	if cancel != nil {
		cancel()
	}
	<-drained
	return err
}
