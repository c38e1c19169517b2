// Package alertapi exposes alert ingestion, triage lookup and aggregation
// reporting over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sentinel/internal/aggregate"
	"github.com/linnemanlabs/sentinel/internal/alert"
	"github.com/linnemanlabs/sentinel/internal/report"
	"github.com/linnemanlabs/sentinel/internal/stream"
	"github.com/linnemanlabs/sentinel/internal/triage"
)

const (
	defaultRecent = 50
	maxRecent     = 500
)

// Dispatcher starts triage units; stream.Driver implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, al *alert.Alert) error
}

// Journal defines the triage lookups alertapi needs.
type Journal interface {
	Get(ctx context.Context, id string) (*triage.Result, bool, error)
	Recent(ctx context.Context, limit int) ([]*triage.Result, error)
}

// Pending exposes the aggregation store contents.
type Pending interface {
	Pending() int
	Snapshot() []aggregate.Record
}

// Flusher forces an aggregation report.
type Flusher interface {
	Flush(ctx context.Context) (*report.Summary, error)
}

// Config carries the collaborators of an API. Hooks.OnLine receives the
// filter verdict of every ingested line.
type Config struct {
	Dispatcher Dispatcher
	Journal    Journal
	Pending    Pending
	Reporter   Flusher
	MinLevel   int
	Hooks      stream.Hooks
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	dispatch Dispatcher
	journal  Journal
	pending  Pending
	reporter Flusher
	minLevel int
	onLine   func(stream.Verdict)
}

// New creates a new API handler. Dispatcher, Journal, Pending and Reporter
// are required.
func New(logger log.Logger, cfg Config) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Dispatcher == nil || cfg.Journal == nil || cfg.Pending == nil || cfg.Reporter == nil {
		panic(xerrors.New("alertapi: dispatcher, journal, pending and reporter are required"))
	}
	return &API{
		logger:   logger,
		dispatch: cfg.Dispatcher,
		journal:  cfg.Journal,
		pending:  cfg.Pending,
		reporter: cfg.Reporter,
		minLevel: cfg.MinLevel,
		onLine:   cfg.Hooks.OnLine,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlerts)
		r.Get("/triage", a.handleRecentTriage)
		r.Get("/triage/{id}", a.handleGetTriage)
		r.Get("/report/pending", a.handlePending)
		r.Post("/report/flush", a.handleFlush)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleGetTriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.triage.id", id))

	result, ok, err := a.journal.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get triage result", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("sentinel.triage.outcome", string(result.Outcome)))
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRecentTriage(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecent
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRecent {
			writeError(w, http.StatusBadRequest, "limit must be 1.."+strconv.Itoa(maxRecent))
			return
		}
		limit = n
	}

	results, err := a.journal.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list triage results")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if results == nil {
		results = []*triage.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
