// ABOUTME: Attachment orchestrator: turns discovered runtimes into attach attempts on the pool.
// ABOUTME: Applies the retry budget, waits for registration, configures the agent, journals the outcome.

package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/metrics"
	"github.com/2389/burrow/internal/registry"
	"github.com/2389/burrow/internal/store"
)

// Connections is the part of the connection registry the orchestrator uses.
type Connections interface {
	IsConnected(pid int) bool
	WaitForConnection(ctx context.Context, pid int, timeout time.Duration) bool
	Evict(pid int) bool
	Execute(ctx context.Context, pid int, cmd, arg string) (*command.Response, error)
}

// Options configures an Orchestrator.
type Options struct {
	Retries        int
	ConnectTimeout time.Duration
	Pool           PoolOptions

	Host      Strategy
	Container Strategy

	Connections Connections
	Journal     store.Journal
	Metrics     *metrics.Collector

	// Level returns the controller's current level, sent to each agent.
	Level func() slog.Level

	AutoLoad []config.AutoLoad
}

// Attempt is one queued or running attachment for an instance.
type Attempt struct {
	ID         string
	Instance   registry.Instance
	Remaining  int
	Attempts   int
	EnqueuedAt time.Time

	cancelled atomic.Bool
}

// Cancelled reports whether the instance went away.
func (a *Attempt) Cancelled() bool { return a.cancelled.Load() }

// Orchestrator implements registry.Listener.
type Orchestrator struct {
	opts   Options
	pool   *Pool
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[int]*Attempt
	states   map[int]*Status
}

// New creates an orchestrator and its worker pool.
func New(opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Retries <= 0 {
		opts.Retries = 5
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 90 * time.Second
	}
	o := &Orchestrator{
		opts:     opts,
		logger:   logger.With("component", "attach"),
		attempts: make(map[int]*Attempt),
		states:   make(map[int]*Status),
	}
	o.pool = NewPool(opts.Pool, logger)
	o.pool.depth = opts.Metrics.QueueDepth
	return o
}

// InstanceAdded queues an attempt with a fresh retry budget.
func (o *Orchestrator) InstanceAdded(inst registry.Instance) {
	a := &Attempt{
		ID:         uuid.New().String(),
		Instance:   inst,
		Remaining:  o.opts.Retries,
		EnqueuedAt: time.Now(),
	}

	o.mu.Lock()
	if prev, ok := o.attempts[inst.PID]; ok {
		prev.cancelled.Store(true)
	}
	o.attempts[inst.PID] = a
	o.states[inst.PID] = &Status{
		PID:       inst.PID,
		State:     StateDiscovered,
		Remaining: a.Remaining,
		UpdatedAt: a.EnqueuedAt,
		Instance:  inst,
	}
	o.mu.Unlock()

	o.logger.Debug("queueing attach attempt", "pid", inst.PID, "main_class", inst.MainClass, "budget", a.Remaining)
	o.submit(a)
}

// InstanceRemoved drops queued work for the PID, discards the result of a
// running attempt and evicts the PID's connection.
func (o *Orchestrator) InstanceRemoved(inst registry.Instance) {
	o.mu.Lock()
	if a, ok := o.attempts[inst.PID]; ok {
		a.cancelled.Store(true)
		delete(o.attempts, inst.PID)
	}
	delete(o.states, inst.PID)
	o.mu.Unlock()

	if n := o.pool.Cancel(inst.PID); n > 0 {
		o.logger.Debug("cancelled queued attach attempt", "pid", inst.PID)
	}
	if o.opts.Connections != nil {
		o.opts.Connections.Evict(inst.PID)
	}
}

func (o *Orchestrator) submit(a *Attempt) {
	err := o.pool.Submit(a.Instance.PID, func(ctx context.Context) { o.run(ctx, a) })
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		o.opts.Metrics.QueueRejected()
		o.finish(context.Background(), a, OutcomeRejected, err)
	default:
		o.finish(context.Background(), a, OutcomeFailed, err)
	}
}

// run executes one attempt on a pool worker.
func (o *Orchestrator) run(ctx context.Context, a *Attempt) {
	if a.Cancelled() {
		return
	}
	inst := a.Instance
	logger := o.logger.With("pid", inst.PID, "attempt_id", a.ID)

	if o.opts.Connections != nil && o.opts.Connections.IsConnected(inst.PID) {
		o.finish(ctx, a, OutcomeAttached, nil)
		return
	}

	strategy := o.opts.Host
	if inst.InContainer() {
		strategy = o.opts.Container
	}
	if strategy == nil {
		o.finish(ctx, a, OutcomeSkipped, Skip("no strategy for instance"))
		return
	}

	a.Attempts++
	o.setState(a, StateAttempting, "")
	o.opts.Metrics.AttachAttempt()
	logger.Info("attaching", "strategy", strategy.Name(), "attempt", a.Attempts, "remaining", a.Remaining)

	err := strategy.Attach(ctx, inst)
	if a.Cancelled() {
		logger.Debug("discarding attach result for removed instance", "error", err)
		return
	}

	var skip *SkipError
	switch {
	case errors.As(err, &skip):
		o.finish(ctx, a, OutcomeSkipped, err)
		return
	case err != nil && ctx.Err() != nil:
		o.finish(ctx, a, OutcomeFailed, err)
		return
	case err != nil:
		a.Remaining--
		if a.Remaining <= 0 {
			o.finish(ctx, a, OutcomeExhausted, err)
			return
		}
		logger.Warn("attach attempt failed, retrying", "error", err, "remaining", a.Remaining)
		o.setState(a, StateDiscovered, err.Error())
		o.submit(a)
		return
	}

	if o.opts.Connections == nil {
		o.finish(ctx, a, OutcomeAttached, nil)
		return
	}
	if !o.opts.Connections.WaitForConnection(ctx, inst.PID, o.opts.ConnectTimeout) {
		if a.Cancelled() {
			return
		}
		if ctx.Err() != nil {
			o.finish(ctx, a, OutcomeFailed, ctx.Err())
			return
		}
		o.finish(ctx, a, OutcomeError, fmt.Errorf("agent did not register within %s", o.opts.ConnectTimeout))
		return
	}

	o.configure(ctx, inst.PID, logger)
	o.finish(ctx, a, OutcomeAttached, nil)
}

// configure propagates the log level and loads auto-load plugins whose
// marker class is present. Failures are logged only.
func (o *Orchestrator) configure(ctx context.Context, pid int, logger *slog.Logger) {
	conns := o.opts.Connections
	if o.opts.Level != nil {
		level := config.LevelName(o.opts.Level())
		if resp, err := conns.Execute(ctx, pid, "log-level", level); err != nil {
			logger.Warn("sending log level failed", "error", err)
		} else if !resp.Bool() {
			logger.Debug("agent kept its pinned log level", "requested", level)
		}
	}

	for _, al := range o.opts.AutoLoad {
		if al.MarkerClass != "" {
			resp, err := conns.Execute(ctx, pid, "class-loaded", al.MarkerClass)
			if err != nil {
				logger.Warn("class query failed", "class", al.MarkerClass, "error", err)
				continue
			}
			if !resp.Bool() {
				continue
			}
		}
		arg := al.Path
		if al.Args != "" {
			arg += "=" + al.Args
		}
		resp, err := conns.Execute(ctx, pid, "load-plugin", arg)
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			logger.Warn("auto-loading plugin failed", "path", al.Path, "error", err)
			continue
		}
		logger.Info("auto-loaded plugin", "path", al.Path, "marker_class", al.MarkerClass)
	}
}

func (o *Orchestrator) setState(a *Attempt, state State, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempts[a.Instance.PID] != a {
		return
	}
	st := o.states[a.Instance.PID]
	st.State = state
	st.Attempts = a.Attempts
	st.Remaining = a.Remaining
	st.Error = errMsg
	st.UpdatedAt = time.Now()
}

// finish records a terminal outcome.
func (o *Orchestrator) finish(ctx context.Context, a *Attempt, outcome Outcome, err error) {
	inst := a.Instance
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	o.mu.Lock()
	current := o.attempts[inst.PID] == a
	if current {
		st := o.states[inst.PID]
		st.State = stateFor(outcome)
		st.Outcome = outcome
		st.Attempts = a.Attempts
		st.Remaining = a.Remaining
		st.Error = errMsg
		st.UpdatedAt = time.Now()
	}
	o.mu.Unlock()
	if !current {
		return
	}

	elapsed := time.Since(a.EnqueuedAt)
	o.opts.Metrics.AttachOutcome(string(outcome), elapsed)

	attrs := []any{"pid", inst.PID, "main_class", inst.MainClass, "outcome", outcome, "attempts", a.Attempts, "elapsed", elapsed}
	switch outcome {
	case OutcomeAttached:
		o.logger.Info("runtime attached", attrs...)
	case OutcomeSkipped:
		o.logger.Info("runtime skipped", append(attrs, "reason", errMsg)...)
	default:
		o.logger.Error("runtime attach failed", append(attrs, "error", errMsg)...)
	}

	if o.opts.Journal == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	jerr := o.opts.Journal.RecordAttachment(ctx, &store.AttachmentEvent{
		ID:          a.ID,
		PID:         inst.PID,
		ContainerID: inst.ContainerID,
		MainClass:   inst.MainClass,
		Outcome:     string(outcome),
		Attempts:    a.Attempts,
		Error:       errMsg,
		CreatedAt:   time.Now(),
	})
	if jerr != nil {
		o.logger.Warn("journaling attach outcome failed", "pid", inst.PID, "error", jerr)
	}
}

// State returns the attachment status of pid.
func (o *Orchestrator) State(pid int) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[pid]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// States returns every tracked status ordered by PID.
func (o *Orchestrator) States() []Status {
	o.mu.Lock()
	out := make([]Status, 0, len(o.states))
	for _, st := range o.states {
		out = append(out, *st)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Close stops the pool, cancelling running attempts.
func (o *Orchestrator) Close() {
	o.pool.Close()
}
