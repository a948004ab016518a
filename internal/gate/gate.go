// Package gate serializes everything that talks to one serial connection.
// Operations run one at a time on a single worker; a caller can preempt the
// queue so its operation runs next, and Cancel stops the one in flight.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"mpy-sync/internal/events"
	"mpy-sync/internal/logging"
	"mpy-sync/internal/metrics"
	"mpy-sync/internal/syncerr"
)

// Session is an interactive remote shell that holds the serial line while
// attached. The gate detaches it around each operation.
type Session interface {
	Attached() bool
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Killer force-stops the subprocess currently running on a port.
type Killer interface {
	Kill(port string)
}

// Options are per-call settings for Do.
type Options struct {
	// Name labels the operation in logs.
	Name string
	// Preempt drops every queued (not started) operation so this one runs next.
	Preempt bool
	// SkipSuspend leaves an attached session alone; the caller has already
	// taken care of exclusive access.
	SkipSuspend bool
}

// Config tunes a Gate.
type Config struct {
	Port        string
	AutoSuspend bool
	SettleDelay time.Duration
	Killer      Killer
	Bus         EventBus.Bus
}

type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	fn     func(context.Context) error
	result chan error

	cancelled bool
}

// Health is the connection's recent track record.
type Health struct {
	Port        string
	LastUsed    time.Time
	LastErr     string
	Failures    int
	Busy        bool
	QueueLength int
	Attached    bool
}

// Gate owns one connection.
type Gate struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*job
	current *job
	session Session
	closed  bool
	health  Health

	done chan struct{}
}

// New starts a gate worker.
func New(cfg Config) *Gate {
	g := &Gate{
		cfg:  cfg,
		log:  logging.Named("gate").With(zap.String("port", cfg.Port)),
		done: make(chan struct{}),
	}
	g.cond = sync.NewCond(&g.mu)
	g.health = Health{Port: cfg.Port, LastUsed: time.Now()}
	go g.worker()
	return g
}

// Port returns the connection id.
func (g *Gate) Port() string { return g.cfg.Port }

// SetSession attaches (or with nil, detaches) the interactive session.
func (g *Gate) SetSession(s Session) {
	g.mu.Lock()
	g.session = s
	g.mu.Unlock()
}

// Do queues fn and waits for it. fn receives a context that is cancelled when
// the caller's ctx is done or Cancel is called while fn runs.
func (g *Gate) Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	jctx, cancel := context.WithCancel(ctx)
	j := &job{ctx: jctx, cancel: cancel, opts: opts, fn: fn, result: make(chan error, 1)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		return syncerr.ErrGateClosed
	}
	if opts.Preempt && len(g.pending) > 0 {
		g.log.Debug("preempting queued operations", zap.String("op", opts.Name), zap.Int("dropped", len(g.pending)))
		for _, p := range g.pending {
			p.cancel()
			p.result <- syncerr.ErrPreempted
		}
		g.pending = nil
	}
	g.pending = append(g.pending, j)
	metrics.SetQueueDepth(g.cfg.Port, len(g.pending))
	g.cond.Signal()
	g.mu.Unlock()

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
	}

	// Still queued: withdraw it. Already running: wait for fn to notice.
	g.mu.Lock()
	for i, p := range g.pending {
		if p == j {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			metrics.SetQueueDepth(g.cfg.Port, len(g.pending))
			g.mu.Unlock()
			cancel()
			return ctx.Err()
		}
	}
	g.mu.Unlock()
	return <-j.result
}

// Cancel stops the in-flight operation by cancelling its context and killing
// the running subprocess. Queued operations are unaffected.
func (g *Gate) Cancel() bool {
	g.mu.Lock()
	j := g.current
	if j != nil {
		j.cancelled = true
	}
	g.mu.Unlock()
	if j == nil {
		return false
	}
	g.log.Info("cancelling in-flight operation", zap.String("op", j.opts.Name))
	j.cancel()
	if g.cfg.Killer != nil {
		g.cfg.Killer.Kill(g.cfg.Port)
	}
	return true
}

// Close fails queued operations with ErrGateClosed, waits for the running one
// and stops the worker.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.done
		return
	}
	g.closed = true
	for _, p := range g.pending {
		p.cancel()
		p.result <- syncerr.ErrGateClosed
	}
	g.pending = nil
	g.cond.Broadcast()
	g.mu.Unlock()
	<-g.done
}

// Health returns a snapshot of the connection's state.
func (g *Gate) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.health
	h.Busy = g.current != nil
	h.QueueLength = len(g.pending)
	h.Attached = g.session != nil && g.session.Attached()
	return h
}

// Closed reports whether Close has been called.
func (g *Gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gate) worker() {
	defer close(g.done)
	for {
		g.mu.Lock()
		for len(g.pending) == 0 && !g.closed {
			g.cond.Wait()
		}
		if len(g.pending) == 0 && g.closed {
			g.mu.Unlock()
			return
		}
		j := g.pending[0]
		g.pending = g.pending[1:]
		metrics.SetQueueDepth(g.cfg.Port, len(g.pending))
		g.current = j
		session := g.session
		g.mu.Unlock()

		err := g.run(j, session)

		g.mu.Lock()
		g.current = nil
		g.health.LastUsed = time.Now()
		if err != nil && !errors.Is(err, syncerr.ErrCancelled) && !errors.Is(err, context.Canceled) {
			g.health.Failures++
			g.health.LastErr = err.Error()
		} else if err == nil {
			g.health.Failures = 0
			g.health.LastErr = ""
		}
		if j.cancelled && err != nil && !errors.Is(err, syncerr.ErrCancelled) {
			err = fmt.Errorf("%w: %v", syncerr.ErrCancelled, err)
		}
		g.mu.Unlock()

		j.cancel()
		j.result <- err
	}
}

func (g *Gate) run(j *job, session Session) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	suspended := false
	if g.cfg.AutoSuspend && !j.opts.SkipSuspend && session != nil && session.Attached() {
		if serr := session.Suspend(j.ctx); serr != nil {
			g.log.Warn("could not suspend session", zap.Error(serr))
		} else {
			suspended = true
			events.Publish(g.cfg.Bus, events.EventSessionSuspended, g.cfg.Port)
		}
	}
	defer func() {
		if !suspended {
			return
		}
		if rerr := session.Resume(context.Background()); rerr != nil {
			g.log.Warn("could not resume session", zap.Error(rerr))
			return
		}
		events.Publish(g.cfg.Bus, events.EventSessionResumed, g.cfg.Port)
	}()

	if g.cfg.SettleDelay > 0 {
		select {
		case <-j.ctx.Done():
			return j.ctx.Err()
		case <-time.After(g.cfg.SettleDelay):
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", j.opts.Name, r)
		}
	}()

	start := time.Now()
	err = j.fn(j.ctx)
	g.log.Debug("operation finished", zap.String("op", j.opts.Name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	return err
}
