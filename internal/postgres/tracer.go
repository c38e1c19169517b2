// Package postgres opens the instrumented connection pool used by the
// triage journal and logs slow or failed queries.
package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Origins label the caller that issued a query.
const (
	OriginStream  = "stream"
	OriginUnknown = "unknown"
)

const noRoute = "none"

var (
	queryObserver atomic.Pointer[observerHolder]

	// successful queries faster than this are not logged; failures always are
	slowQueryNanos atomic.Int64
)

type (
	originKey struct{}
	traceKey  struct{}
)

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration) {
	f(ctx, origin, route, outcome, dur)
}

type observerHolder struct{ QueryObserver }

// SetQueryObserver sets the global query observer. nil disables it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func observer() QueryObserver {
	if h := queryObserver.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// SetSlowQueryThreshold sets the duration at or above which successful
// queries are logged. 0 logs every query.
func SetSlowQueryThreshold(d time.Duration) {
	slowQueryNanos.Store(int64(max(d, 0)))
}

// WithOrigin stores the query origin in the context for metrics labelling:
// an HTTP method for API requests or OriginStream for triage units.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return OriginUnknown
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return noRoute
}

// queryTrace travels from TraceQueryStart to TraceQueryEnd.
type queryTrace struct {
	sql    string
	nargs  int
	start  time.Time
	caller string
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) with metrics and
// structured logs.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qt := &queryTrace{
		sql:    data.SQL,
		nargs:  len(data.Args),
		start:  time.Now(),
		caller: storeCaller(),
	}

	// inner tracer opens the db span first so the caller lands on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && qt.caller != "" {
		span.SetAttributes(attribute.String("db.caller", qt.caller))
	}
	return context.WithValue(ctx, traceKey{}, qt)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qt, ok := ctx.Value(traceKey{}).(*queryTrace)
	if !ok {
		return
	}
	dur := time.Since(qt.start)

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := observer(); obs != nil {
		obs.ObserveQuery(ctx, originFromContext(ctx), routeFromContext(ctx), outcome, dur)
	}

	// the journal writes once per alert; only slow or failed queries are logged
	if threshold := time.Duration(slowQueryNanos.Load()); data.Err == nil && dur < threshold {
		return
	}

	// arguments carry alert payloads, so only their count is logged
	fields := []any{
		"db.statement", qt.sql,
		"db.args", qt.nargs,
		"db.duration", dur.Seconds(),
		"db.origin", originFromContext(ctx),
	}
	if qt.caller != "" {
		fields = append(fields, "db.caller", qt.caller)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields,
			"db.operation.name", strings.ToUpper(strings.Fields(tag)[0]),
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query slow", fields...)
}

// storeCaller returns the first frame outside pgx, otelpgx and this
// package, e.g. "(*Store).Put" for the triage journal.
func storeCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		skip := strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.Contains(fn, "sentinel/internal/postgres.")
		if fn != "" && !skip {
			return shortFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

// shortFuncName drops the import path and package name, keeping the
// receiver and method.
func shortFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
