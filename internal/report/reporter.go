package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/aggregate"
	"github.com/linnemanlabs/sentinel/internal/audit"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the flush at the top of every hour.
const DefaultSchedule = "@hourly"

// Sender delivers a digest synchronously.
type Sender interface {
	SendSync(ctx context.Context, msg string, timeout time.Duration) error
}

// Flusher drains pending records.
type Flusher interface {
	FlushAndClear(ctx context.Context) ([]aggregate.Record, error)
}

// Hooks observe flush outcomes.
type Hooks struct {
	// OnFlush is called with "sent", "safe" or "error" and the record count.
	OnFlush func(result string, records int)
}

// Reporter turns pending records into a digest and sends it.
type Reporter struct {
	store   Flusher
	sender  Sender
	topN    int
	timeout time.Duration
	logger  log.Logger
	audit   *audit.Journal
	hooks   Hooks
	now     func() time.Time

	mu sync.Mutex
}

// NewReporter creates a reporter listing topN addresses and bounding each
// send by timeout. Dropped digests are written to journal when it is non-nil.
func NewReporter(store Flusher, sender Sender, topN int, timeout time.Duration, logger log.Logger, journal *audit.Journal, hooks Hooks) *Reporter {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Reporter{
		store:   store,
		sender:  sender,
		topN:    topN,
		timeout: timeout,
		logger:  logger,
		audit:   journal,
		hooks:   hooks,
		now:     time.Now,
	}
}

// Flush drains the store and sends one digest. An empty store sends the safe
// status message. Records whose digest fails to send are not restored.
func (r *Reporter) Flush(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.FlushAndClear(ctx)
	if err != nil && len(records) == 0 {
		r.observe("error", 0)
		return nil, fmt.Errorf("report: flush store: %w", err)
	}

	now := r.now()
	if len(records) == 0 {
		if err := r.sender.SendSync(ctx, FormatSafe(now), r.timeout); err != nil {
			r.logger.Error(ctx, err, "safe status report not delivered")
			r.observe("error", 0)
			return &Summary{}, err
		}
		r.logger.Info(ctx, "no pending records, safe status sent")
		r.observe("safe", 0)
		return &Summary{}, nil
	}

	s := Summarize(records, r.topN)
	if err := r.sender.SendSync(ctx, Format(s, now), r.timeout); err != nil {
		r.logger.Error(ctx, err, "summary report not delivered, records dropped",
			"event", "data_loss",
			"records", s.Total,
		)
		r.audit.Event("summary report not delivered", err, map[string]any{
			"event":        "data_loss",
			"records":      s.Total,
			"distinct_ips": s.DistinctIPs,
		})
		r.observe("error", s.Total)
		return &s, err
	}

	r.logger.Info(ctx, "summary report sent",
		"records", s.Total,
		"distinct_ips", s.DistinctIPs,
		"remaining_ips", s.Remaining,
	)
	r.observe("sent", s.Total)
	return &s, nil
}

func (r *Reporter) observe(result string, n int) {
	if r.hooks.OnFlush != nil {
		r.hooks.OnFlush(result, n)
	}
}

// Scheduler runs Reporter.Flush on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler registers r on spec. The context is used for every scheduled
// flush.
func NewScheduler(ctx context.Context, spec string, r *Reporter, logger log.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := r.Flush(ctx); err != nil {
			logger.Error(ctx, err, "scheduled flush failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("report: schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c}, nil
}

// Start begins running scheduled flushes in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new flushes and waits for a running one or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidateSchedule reports whether spec is a usable cron expression.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", spec, err)
	}
	return nil
}
