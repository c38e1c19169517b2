package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/alert"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxInFlight  = 64
	DefaultUnitTimeout  = 10 * time.Second
	DefaultErrorBackoff = time.Second
	DefaultEOFBackoff   = 500 * time.Millisecond
)

// Handler runs one triage unit.
type Handler interface {
	Handle(ctx context.Context, al *alert.Alert) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, al *alert.Alert) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, al *alert.Alert) error { return f(ctx, al) }

// Config tunes the driver.
type Config struct {
	MinLevel     int
	MaxInFlight  int
	UnitTimeout  time.Duration
	ErrorBackoff time.Duration
	EOFBackoff   time.Duration
}

// Hooks observe driver activity.
type Hooks struct {
	// OnLine is called once per line read with the filter verdict.
	OnLine func(v Verdict)
	// OnUnitDone is called when a unit finishes with "ok", "error", "timeout" or "panic".
	OnUnitDone func(result string, duration time.Duration)
	// OnInFlight reports the in-flight delta (+1 on start, -1 on finish).
	OnInFlight func(delta int)
}

var (
	// ErrUnitPanic wraps a recovered panic from a triage unit.
	ErrUnitPanic = errors.New("stream: triage unit panicked")

	// ErrStopped is returned by Dispatch once Run has returned.
	ErrStopped = errors.New("stream: driver stopped")
)

// Driver is the stream loop.
type Driver struct {
	src     Source
	handler Handler
	cfg     Config
	logger  log.Logger
	hooks   Hooks

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// guards stopped and every wg.Add so no unit is added once Run waits
	mu      sync.Mutex
	stopped bool
}

// NewDriver creates a driver reading src and dispatching to h.
func NewDriver(src Source, h Handler, cfg Config, logger log.Logger, hooks Hooks) *Driver {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = DefaultUnitTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.EOFBackoff <= 0 {
		cfg.EOFBackoff = DefaultEOFBackoff
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Driver{
		src:     src,
		handler: h,
		cfg:     cfg,
		logger:  logger,
		hooks:   hooks,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
}

// Run reads and dispatches until ctx is cancelled, then refuses further
// dispatches and waits for in-flight units. Source errors never stop the loop.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info(ctx, "stream driver started",
		"min_level", d.cfg.MinLevel,
		"max_in_flight", d.cfg.MaxInFlight,
		"unit_timeout", d.cfg.UnitTimeout.String(),
	)
	defer d.stop()

	for {
		line, err := d.src.Next(ctx)
		if ctx.Err() != nil {
			d.logger.Info(ctx, "stream driver stopping")
			return nil
		}
		switch {
		case errors.Is(err, io.EOF):
			sleep(ctx, d.cfg.EOFBackoff)
			continue
		case err != nil:
			d.logger.Warn(ctx, "stream source error, retrying", "err", err, "backoff", d.cfg.ErrorBackoff.String())
			sleep(ctx, d.cfg.ErrorBackoff)
			continue
		case line == nil:
			continue
		}

		al, verdict := Filter(line, d.cfg.MinLevel)
		if d.hooks.OnLine != nil {
			d.hooks.OnLine(verdict)
		}
		if verdict != Accepted {
			continue
		}
		if err := d.Dispatch(ctx, al); err != nil {
			return nil
		}
	}
}

// Dispatch waits for a free slot and runs al in its own goroutine. It fails
// when ctx is done before a slot frees up, or with ErrStopped once Run has
// returned. The unit itself is detached from ctx cancellation and bounded by
// the unit timeout.
func (d *Driver) Dispatch(ctx context.Context, al *alert.Alert) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.sem.Release(1)
		return ErrStopped
	}
	d.wg.Add(1)
	d.mu.Unlock()

	if d.hooks.OnInFlight != nil {
		d.hooks.OnInFlight(1)
	}
	go d.runUnit(context.WithoutCancel(ctx), al)
	return nil
}

// Wait blocks until every dispatched unit has finished.
func (d *Driver) Wait() { d.wg.Wait() }

func (d *Driver) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Driver) runUnit(ctx context.Context, al *alert.Alert) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.UnitTimeout)

	result := "ok"
	defer func() {
		if p := recover(); p != nil {
			result = "panic"
			err := fmt.Errorf("%w: %v", ErrUnitPanic, p)
			d.logger.Error(ctx, err, "triage unit panicked",
				"rule_id", al.RuleID(),
				"stack", string(debug.Stack()),
			)
		}
		cancel()
		if d.hooks.OnUnitDone != nil {
			d.hooks.OnUnitDone(result, time.Since(start))
		}
		if d.hooks.OnInFlight != nil {
			d.hooks.OnInFlight(-1)
		}
		d.sem.Release(1)
		d.wg.Done()
	}()

	if err := d.handler.Handle(ctx, al); err != nil {
		result = "error"
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			result = "timeout"
		}
		d.logger.Warn(ctx, "triage unit failed", "rule_id", al.RuleID(), "result", result, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
