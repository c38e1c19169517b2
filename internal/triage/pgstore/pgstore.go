// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// defaultRecent caps Recent when called with limit <= 0.
const defaultRecent = 100

// Store persists triage results in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const resultColumns = `id, rule_id, rule_level, rule_desc, srcip, agent, alert_time,
	class, confidence, latency_ms, explanation, outcome, error, created_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Get retrieves a triage result by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Result, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + resultColumns + ` FROM triage_results WHERE id = $1`
	r, err := scanResult(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		fail(span, err)
		return nil, false, err
	}
	return r, true, nil
}

// Put inserts or updates a triage result.
func (s *Store) Put(ctx context.Context, r *triage.Result) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertResult(ctx, tx, r); err != nil {
		fail(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		fail(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns up to limit results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*triage.Result, error) {
	ctx, span := startSpan(ctx, "pgstore.Recent", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = defaultRecent
	}
	query := `SELECT ` + resultColumns + ` FROM triage_results ORDER BY created_at DESC, id DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []*triage.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func upsertResult(ctx context.Context, tx pgx.Tx, r *triage.Result) error {
	query := `INSERT INTO triage_results (` + resultColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
		rule_id     = EXCLUDED.rule_id,
		rule_level  = EXCLUDED.rule_level,
		rule_desc   = EXCLUDED.rule_desc,
		srcip       = EXCLUDED.srcip,
		agent       = EXCLUDED.agent,
		alert_time  = EXCLUDED.alert_time,
		class       = EXCLUDED.class,
		confidence  = EXCLUDED.confidence,
		latency_ms  = EXCLUDED.latency_ms,
		explanation = EXCLUDED.explanation,
		outcome     = EXCLUDED.outcome,
		error       = EXCLUDED.error`

	_, err := tx.Exec(ctx, query,
		r.ID, r.RuleID, r.RuleLevel, r.RuleDesc, r.SrcIP, r.Agent, r.AlertTime,
		r.Class, r.Confidence, r.LatencyMS, r.Explanation, string(r.Outcome), r.Error, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert triage result: %w", err)
	}
	return nil
}

// scanResult scans a single row into a triage.Result. pgx.ErrNoRows is
// returned unwrapped.
func scanResult(row pgx.Row) (*triage.Result, error) {
	var (
		r       triage.Result
		outcome string
	)
	err := row.Scan(
		&r.ID, &r.RuleID, &r.RuleLevel, &r.RuleDesc, &r.SrcIP, &r.Agent, &r.AlertTime,
		&r.Class, &r.Confidence, &r.LatencyMS, &r.Explanation, &outcome, &r.Error, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	r.Outcome = triage.Outcome(outcome)
	return &r, nil
}
