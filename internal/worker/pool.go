// Package worker runs the polling claim loop behind `foreman worker`.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/tasks"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Handler does the work for one claimed task. A non-nil error fails the task
// with the error text as its reason.
type Handler func(ctx context.Context, t *models.Task) error

// ChainExpirer removes escalation chains past their expiry.
type ChainExpirer interface {
	ExpireChains(ctx context.Context, now time.Time) ([]string, error)
}

// PoolConfig contains configuration options for the Pool.
type PoolConfig struct {
	// Name prefixes the claimer id of each worker. Defaults to a short uuid.
	Name         string
	Concurrency  int
	PollInterval time.Duration
	// LeaseTTL releases claims held longer than this. Zero disables it.
	LeaseTTL      time.Duration
	SweepInterval time.Duration
	// Query restricts which tasks the workers pick up.
	Query tasks.Query
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the debug logger.
func WithPoolLogger(l *logging.DebugLogger) PoolOption {
	return func(p *Pool) { p.logger = l.With("WORKER") }
}

// WithSignals makes the workers honour stop and pause files.
func WithSignals(sw *SignalWatcher) PoolOption {
	return func(p *Pool) { p.signals = sw }
}

// WithChainExpiry runs ExpireChains on every sweep.
func WithChainExpiry(e ChainExpirer) PoolOption {
	return func(p *Pool) { p.expirer = e }
}

// WithPoolClock overrides time.Now (mainly for testing).
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// Stats counts what a Pool has processed.
type Stats struct {
	Completed   int64
	Failed      int64
	SpendErrors int64
	Reclaimed   int64
}

// Pool fans a fixed number of claim loops out over one Claimer.
type Pool struct {
	cfg     PoolConfig
	claimer *tasks.Claimer
	handler Handler
	logger  *logging.DebugLogger
	signals *SignalWatcher
	expirer ChainExpirer
	now     func() time.Time

	completed   atomic.Int64
	failed      atomic.Int64
	spendErrors atomic.Int64
	reclaimed   atomic.Int64
}

// errStopped ends every loop once the stop file appears.
var errStopped = errors.New("stop requested")

// NewPool creates a Pool. Zero concurrency or poll interval fall back to 1
// worker and one second.
func NewPool(claimer *tasks.Claimer, handler Handler, cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = uuid.New().String()[:8]
	}
	p := &Pool{
		cfg:     cfg,
		claimer: claimer,
		handler: handler,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled, a stop is signalled, or a loop fails.
// Cancellation and stop both return nil.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d", p.cfg.Name, i)
		g.Go(func() error { return p.loop(gctx, id) })
	}
	if p.cfg.SweepInterval > 0 && (p.cfg.LeaseTTL > 0 || p.expirer != nil) {
		g.Go(func() error { return p.sweepLoop(gctx) })
	}

	p.logger.Log("started %d worker(s) as %s", p.cfg.Concurrency, p.cfg.Name)
	err := g.Wait()
	if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	s := p.Stats()
	p.logger.Log("stopped: completed=%d failed=%d spend_errors=%d reclaimed=%d", s.Completed, s.Failed, s.SpendErrors, s.Reclaimed)
	return err
}

// Stats returns the counters so far.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
		SpendErrors: p.spendErrors.Load(),
		Reclaimed:   p.reclaimed.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, id string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.signals != nil {
			if p.signals.ShouldStop() {
				p.logger.Log("%s: stop signal received", id)
				return errStopped
			}
			if p.signals.ShouldPause() {
				if !p.wait(ctx) {
					return nil
				}
				continue
			}
		}

		task, err := p.claimer.ClaimNext(ctx, id, p.cfg.Query)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Log("%s: claim failed: %v", id, err)
		}
		if task == nil {
			if !p.wait(ctx) {
				return nil
			}
			continue
		}
		p.process(ctx, id, task)
	}
}

func (p *Pool) process(ctx context.Context, id string, t *models.Task) {
	herr := p.runHandler(ctx, t)

	var err error
	if herr != nil {
		err = p.claimer.Fail(ctx, t.ID, id, herr.Error())
	} else {
		err = p.claimer.Complete(ctx, t.ID, id)
	}

	var spendErr *tasks.SpendError
	switch {
	case err == nil:
	case errors.As(err, &spendErr):
		p.spendErrors.Add(1)
		p.logger.Log("%s: task %s resolved but spend refused: %v", id, t.ID, err)
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrOwnershipMismatch):
		// Lease swept while the handler ran.
		p.logger.Log("%s: task %s no longer held: %v", id, t.ID, err)
		return
	default:
		p.logger.Log("%s: resolving task %s failed: %v", id, t.ID, err)
		return
	}

	if herr != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// runHandler converts a handler panic into a task failure.
func (p *Pool) runHandler(ctx context.Context, t *models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, t)
}

func (p *Pool) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep releases expired leases and expires stale escalation chains once.
func (p *Pool) Sweep(ctx context.Context) {
	now := p.now().UTC()
	if p.cfg.LeaseTTL > 0 {
		released, err := p.claimer.ReclaimExpired(ctx, p.cfg.LeaseTTL, now)
		p.reclaimed.Add(int64(len(released)))
		if err != nil {
			p.logger.Log("lease sweep failed: %v", err)
		}
	}
	if p.expirer != nil {
		if _, err := p.expirer.ExpireChains(ctx, now); err != nil {
			p.logger.Log("chain expiry failed: %v", err)
		}
	}
}

// wait sleeps one poll interval. It returns false if ctx ended first.
func (p *Pool) wait(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
