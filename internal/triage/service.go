package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/aggregate"
	"github.com/linnemanlabs/sentinel/internal/alert"
	"github.com/linnemanlabs/sentinel/internal/audit"
	"github.com/linnemanlabs/sentinel/internal/explain"
	"github.com/linnemanlabs/sentinel/internal/policy"
	"github.com/linnemanlabs/sentinel/internal/throttle"
)

// Throttler decides whether a critical notification is suppressed.
type Throttler interface {
	ShouldSuppress(ctx context.Context, key string, now time.Time) bool
}

// Aggregator accumulates medium alerts for the periodic report.
type Aggregator interface {
	Append(ctx context.Context, rec aggregate.Record) error
}

// Notifier sends a message without blocking the caller.
type Notifier interface {
	Send(msg string)
}

// ServiceHooks observe triage outcomes.
type ServiceHooks struct {
	// OnOutcome is called once per triaged alert.
	OnOutcome func(outcome Outcome, duration time.Duration)
}

// ServiceConfig carries the collaborators of a Service. Store, Audit, Policy
// and Logger are optional.
type ServiceConfig struct {
	Engine    *Engine
	Throttle  Throttler
	Aggregate Aggregator
	Notifier  Notifier
	Store     Store
	Audit     *audit.Journal
	Policy    *policy.Policy
	Logger    log.Logger
	Hooks     ServiceHooks

	// Now is the clock used for throttling; defaults to time.Now.
	Now func() time.Time
}

// Service is the business boundary for triage operations.
type Service struct {
	engine    *Engine
	throttle  Throttler
	aggregate Aggregator
	notifier  Notifier
	store     Store
	audit     *audit.Journal
	policy    *policy.Policy
	logger    log.Logger
	hooks     ServiceHooks
	now       func() time.Time
}

type idKey struct{}

// WithID returns a context that makes the next Triage under it use id. The
// HTTP API uses it to answer with ids before the unit runs.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// NewID returns a fresh triage id.
func NewID() string { return ulid.Make().String() }

func idFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(idKey{}).(string); ok && id != "" {
		return id
	}
	return NewID()
}

// ErrNotConfigured is returned by NewService when a required collaborator is missing.
var ErrNotConfigured = errors.New("triage: service not configured")

// NewService creates a triage service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Engine == nil || cfg.Throttle == nil || cfg.Aggregate == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("%w: engine, throttle, aggregate and notifier are required", ErrNotConfigured)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		engine:    cfg.Engine,
		throttle:  cfg.Throttle,
		aggregate: cfg.Aggregate,
		notifier:  cfg.Notifier,
		store:     cfg.Store,
		audit:     cfg.Audit,
		policy:    cfg.Policy,
		logger:    cfg.Logger,
		hooks:     cfg.Hooks,
		now:       cfg.Now,
	}, nil
}

// Handle implements stream.Handler.
func (s *Service) Handle(ctx context.Context, al *alert.Alert) error {
	_, err := s.Triage(ctx, al)
	return err
}

// Get retrieves a journaled triage result by ID.
func (s *Service) Get(ctx context.Context, id string) (*Result, bool, error) {
	if s.store == nil {
		return nil, false, nil
	}
	return s.store.Get(ctx, id)
}

// Recent lists the newest journaled results.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Result, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Recent(ctx, limit)
}

// Triage runs one alert to exactly one terminal outcome. The returned error
// is non-nil only for OutcomeFailed and for aggregation write failures; the
// Result is always populated.
func (s *Service) Triage(ctx context.Context, al *alert.Alert) (*Result, error) {
	start := time.Now()
	level, _ := al.RuleLevel()
	res := &Result{
		ID:        idFromContext(ctx),
		RuleID:    al.RuleID(),
		RuleLevel: level,
		RuleDesc:  al.Rule.Description,
		SrcIP:     al.SourceIP(),
		Agent:     al.Agent.Name,
		AlertTime: al.Timestamp,
		CreatedAt: start.UTC(),
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.unit")
	defer span.End()
	span.SetAttributes(
		attribute.String("triage.id", res.ID),
		attribute.String("rule.id", res.RuleID),
		attribute.Int("rule.level", level),
	)
	tactics := al.Tactics()
	if len(tactics) > 0 {
		span.SetAttributes(attribute.StringSlice("rule.mitre.tactic", tactics))
	}

	L := s.logger.With("triage_id", res.ID, "rule_id", res.RuleID)

	err := s.route(ctx, L, al, res)
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	span.SetAttributes(attribute.String("triage.outcome", string(res.Outcome)))

	s.finish(ctx, L, res, tactics, err)
	return res, err
}

func (s *Service) route(ctx context.Context, L log.Logger, al *alert.Alert, res *Result) error {
	if s.policy.Ignored(res.RuleID) {
		res.Class = explain.ClassNoise
		res.Explanation = fmt.Sprintf("Rule %s is on the ignore list.", res.RuleID)
		res.Outcome = OutcomeDropped
		return nil
	}

	ev, err := s.engine.Evaluate(ctx, al)
	if err != nil {
		res.Outcome = OutcomeFailed
		return fmt.Errorf("evaluate alert: %w", err)
	}
	res.Class = ev.Class
	res.Confidence = ev.Confidence
	res.Explanation = ev.Explanation

	switch ev.Class {
	case explain.ClassCritical:
		if s.throttle.ShouldSuppress(ctx, throttle.Key(res.RuleID, res.SrcIP), s.now()) {
			res.Outcome = OutcomeThrottled
			L.Info(ctx, "critical alert throttled", "srcip", res.SrcIP)
			return nil
		}
		s.notifier.Send(CriticalMessage(al, ev))
		res.Outcome = OutcomeNotified
		return nil

	case explain.ClassMedium:
		res.Outcome = OutcomeCached
		rec := aggregate.Record{
			Timestamp: al.Timestamp,
			SrcIP:     res.SrcIP,
			RuleID:    res.RuleID,
			RuleLevel: res.RuleLevel,
			Agent:     al.AgentName(aggregate.DefaultAgent),
			RuleDesc:  res.RuleDesc,
			AIConf:    fmt.Sprintf("%.1f%%", ev.Confidence),
			AIReason:  ev.Explanation,
		}
		if err := s.aggregate.Append(ctx, rec); err != nil {
			// the record stays pending in memory; only the file is behind
			return fmt.Errorf("aggregate alert: %w", err)
		}
		return nil

	default:
		res.Outcome = OutcomeDropped
		return nil
	}
}

func (s *Service) finish(ctx context.Context, L log.Logger, res *Result, tactics []string, err error) {
	s.audit.Record(audit.Entry{
		TriageID:   res.ID,
		Outcome:    string(res.Outcome),
		RuleID:     res.RuleID,
		RuleLevel:  res.RuleLevel,
		SrcIP:      res.SrcIP,
		Class:      res.Class,
		Confidence: res.Confidence,
		LatencyMS:  res.LatencyMS,
		Reason:     res.Explanation,
		Tactics:    tactics,
		Err:        err,
	})

	if s.store != nil {
		if perr := s.store.Put(ctx, res); perr != nil {
			L.Error(ctx, perr, "failed to journal triage result")
		}
	}

	if s.hooks.OnOutcome != nil {
		s.hooks.OnOutcome(res.Outcome, time.Duration(res.LatencyMS*float64(time.Millisecond)))
	}

	if err != nil {
		L.Warn(ctx, "triage failed", "outcome", res.Outcome, "err", err)
		return
	}
	L.Info(ctx, "triage complete",
		"outcome", res.Outcome,
		"class", res.Class,
		"confidence", fmt.Sprintf("%.1f", res.Confidence),
		"latency_ms", res.LatencyMS,
	)
}
