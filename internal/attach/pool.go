// ABOUTME: Bounded worker pool with core/max workers, a bounded queue and idle keep-alive.
// ABOUTME: Extra workers start only when the queue is full; a full queue at max rejects.

package attach

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull indicates the queue is full and every worker is busy.
var ErrQueueFull = errors.New("attach queue full")

// ErrPoolClosed indicates a submit after Close.
var ErrPoolClosed = errors.New("attach pool closed")

// PoolOptions sizes a Pool.
type PoolOptions struct {
	Core      int
	Max       int
	QueueSize int
	KeepAlive time.Duration
}

func (o *PoolOptions) setDefaults() {
	if o.Core <= 0 {
		o.Core = 1
	}
	if o.Max < o.Core {
		o.Max = max(o.Core, 4)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = time.Minute
	}
}

type job struct {
	key int
	run func(ctx context.Context)
}

// Pool runs keyed jobs. Queued jobs can be cancelled by key.
type Pool struct {
	opts   PoolOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queue   []job
	workers int
	closed  bool
	wake    chan struct{}

	// depth reports the queue length after every change; may be nil.
	depth func(n int)
}

// NewPool creates a pool. Workers start on demand.
func NewPool(opts PoolOptions, logger *slog.Logger) *Pool {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:   opts,
		logger: logger.With("component", "attach-pool"),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, opts.QueueSize+opts.Max),
	}
}

// Submit schedules run under key. Below core size a new worker takes the
// job directly; otherwise the job is queued; a full queue grows the pool
// up to max; beyond that ErrQueueFull is returned.
func (p *Pool) Submit(key int, run func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	j := job{key: key, run: run}

	if p.workers < p.opts.Core {
		p.startWorkerLocked(&j)
		return nil
	}
	if len(p.queue) < p.opts.QueueSize {
		p.queue = append(p.queue, j)
		p.reportDepthLocked()
		p.signal()
		return nil
	}
	if p.workers < p.opts.Max {
		p.startWorkerLocked(&j)
		return nil
	}
	return ErrQueueFull
}

// Cancel drops every queued job for key and returns how many were dropped.
// A job already running is not affected.
func (p *Pool) Cancel(key int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.queue[:0]
	dropped := 0
	for _, j := range p.queue {
		if j.key == key {
			dropped++
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = job{}
	}
	p.queue = kept
	if dropped > 0 {
		p.reportDepthLocked()
	}
	return dropped
}

// Queued returns the number of waiting jobs.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Close stops accepting jobs, cancels running ones through their context
// and waits for every worker. Queued jobs are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := len(p.queue)
	p.queue = nil
	p.reportDepthLocked()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	if dropped > 0 {
		p.logger.Info("attach pool closed with queued attempts", "dropped", dropped)
	}
}

func (p *Pool) startWorkerLocked(first *job) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first)
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) reportDepthLocked() {
	if p.depth != nil {
		p.depth(len(p.queue))
	}
}

func (p *Pool) worker(first *job) {
	defer p.wg.Done()

	if first != nil {
		p.runJob(*first)
	}

	idle := time.NewTimer(p.opts.KeepAlive)
	defer idle.Stop()

	for {
		if j, ok := p.take(); ok {
			p.runJob(j)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.opts.KeepAlive)

		select {
		case <-p.ctx.Done():
			p.exit()
			return
		case <-p.wake:
		case <-idle.C:
			if p.retire() {
				return
			}
		}
	}
}

// take pops the next job.
func (p *Pool) take() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return job{}, false
	}
	j := p.queue[0]
	p.queue[0] = job{}
	p.queue = p.queue[1:]
	p.reportDepthLocked()
	return j, true
}

// retire ends an idle worker above core size.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= p.opts.Core || len(p.queue) > 0 {
		return false
	}
	p.workers--
	return true
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

func (p *Pool) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("attach job panicked", "pid", j.key, "panic", r)
		}
	}()
	j.run(p.ctx)
}
