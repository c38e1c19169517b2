package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/aggregate"
	"github.com/linnemanlabs/sentinel/internal/alert"
	"github.com/linnemanlabs/sentinel/internal/report"
	"github.com/linnemanlabs/sentinel/internal/stream"
	"github.com/linnemanlabs/sentinel/internal/triage"
)

type mockDispatcher struct {
	mu     sync.Mutex
	alerts []*alert.Alert
	err    error
}

func (m *mockDispatcher) Dispatch(_ context.Context, al *alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, al)
	return nil
}

type mockJournal struct {
	results map[string]*triage.Result
	err     error
}

func (m *mockJournal) Get(_ context.Context, id string) (*triage.Result, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	r, ok := m.results[id]
	return r, ok, nil
}

func (m *mockJournal) Recent(_ context.Context, limit int) ([]*triage.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*triage.Result
	for _, r := range m.results {
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

type mockPending struct{ recs []aggregate.Record }

func (m *mockPending) Pending() int                 { return len(m.recs) }
func (m *mockPending) Snapshot() []aggregate.Record { return m.recs }

type mockReporter struct {
	summary *report.Summary
	err     error
	calls   int
}

func (m *mockReporter) Flush(context.Context) (*report.Summary, error) {
	m.calls++
	return m.summary, m.err
}

type fixture struct {
	router   chi.Router
	dispatch *mockDispatcher
	journal  *mockJournal
	pending  *mockPending
	reporter *mockReporter
	verdicts map[stream.Verdict]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dispatch: &mockDispatcher{},
		journal: &mockJournal{results: map[string]*triage.Result{
			"01HX": {ID: "01HX", RuleID: "100200", Class: 2, Outcome: triage.OutcomeNotified},
		}},
		pending:  &mockPending{},
		reporter: &mockReporter{summary: &report.Summary{}},
		verdicts: map[stream.Verdict]int{},
	}
	api := New(log.Nop(), Config{
		Dispatcher: f.dispatch,
		Journal:    f.journal,
		Pending:    f.pending,
		Reporter:   f.reporter,
		MinLevel:   5,
		Hooks:      stream.Hooks{OnLine: func(v stream.Verdict) { f.verdicts[v]++ }},
	})
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, Config{
		Dispatcher: &mockDispatcher{},
		Journal:    &mockJournal{},
		Pending:    &mockPending{},
		Reporter:   &mockReporter{},
	})
	if api.logger == nil {
		t.Fatal("New(nil, cfg) left logger nil; expected Nop logger")
	}
}

func TestNew_MissingCollaborator_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with empty config did not panic")
		}
	}()
	New(nil, Config{})
}

// Ingestion

func TestIngest_NDJSONBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := strings.Join([]string{
		`{"timestamp":"2024-01-10T22:00:00","rule":{"id":"a","level":12}}`,
		`{"rule":{"id":"low","level":3}}`,
		``,
		`not json`,
		`{"parameters":{"alert":{"timestamp":"2024-01-10T22:00:00","rule":{"id":"b","level":9}}}}`,
	}, "\n")

	rec := f.do(http.MethodPost, "/api/v1/alerts", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Accepted []string       `json:"accepted"`
		Skipped  map[string]int `json:"skipped"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Accepted) != 2 {
		t.Fatalf("accepted = %v, want 2 ids", resp.Accepted)
	}
	if resp.Accepted[0] == resp.Accepted[1] {
		t.Error("accepted ids are not unique")
	}
	if resp.Skipped[string(stream.BelowMin)] != 1 || resp.Skipped[string(stream.Malformed)] != 1 {
		t.Errorf("skipped = %v", resp.Skipped)
	}

	if len(f.dispatch.alerts) != 2 {
		t.Fatalf("dispatched = %d, want 2", len(f.dispatch.alerts))
	}
	if f.dispatch.alerts[1].RuleID() != "b" {
		t.Errorf("envelope alert rule = %q, want b", f.dispatch.alerts[1].RuleID())
	}
	if f.verdicts[stream.Accepted] != 2 || f.verdicts[stream.Blank] != 1 {
		t.Errorf("verdict hooks = %v", f.verdicts)
	}
}

func TestIngest_PrettyPrintedSingleAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := "{\n  \"timestamp\": \"2024-01-10T22:00:00\",\n  \"rule\": {\"id\": \"x\", \"level\": 10}\n}\n"
	rec := f.do(http.MethodPost, "/api/v1/alerts", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body=%s", rec.Code, rec.Body.String())
	}
	if len(f.dispatch.alerts) != 1 {
		t.Errorf("dispatched = %d, want 1", len(f.dispatch.alerts))
	}
}

func TestIngest_BadPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", http.StatusBadRequest},
		{"whitespace", "  \n ", http.StatusBadRequest},
		{"all malformed", "nope\nstill nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/api/v1/alerts", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if len(f.dispatch.alerts) != 0 {
				t.Error("dispatch called for a bad payload")
			}
		})
	}
}

func TestIngest_AllFilteredIsAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/alerts", `{"rule":{"id":"low","level":2}}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if len(f.dispatch.alerts) != 0 {
		t.Error("below-min alert dispatched")
	}
}

func TestIngest_DispatchUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dispatch.err = stream.ErrStopped
	rec := f.do(http.MethodPost, "/api/v1/alerts", `{"rule":{"id":"a","level":12}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestIngest_PayloadTooLarge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := http.MaxBytesHandler(f.router, 16)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

// Triage lookup

func TestGetTriage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/triage/01HX", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got triage.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Outcome != triage.OutcomeNotified || got.RuleID != "100200" {
		t.Errorf("result = %+v", got)
	}

	if rec := f.do(http.MethodGet, "/api/v1/triage/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}

func TestGetTriage_StoreError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.journal.err = errors.New("db down")
	if rec := f.do(http.MethodGet, "/api/v1/triage/01HX", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/triage", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("recent status = %d, want 500", rec.Code)
	}
}

func TestRecentTriage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/triage?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Results []triage.Result `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Errorf("results = %d, want 1", len(resp.Results))
	}

	for _, bad := range []string{"0", "-1", "abc", "100000"} {
		if rec := f.do(http.MethodGet, "/api/v1/triage?limit="+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, rec.Code)
		}
	}
}

// Reporting

func TestPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pending.recs = []aggregate.Record{{RuleID: "5503", SrcIP: "10.0.0.1", RuleLevel: 9}}

	rec := f.do(http.MethodGet, "/api/v1/report/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Pending int                `json:"pending"`
		Records []aggregate.Record `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Pending != 1 || len(resp.Records) != 1 || resp.Records[0].RuleID != "5503" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		summary    *report.Summary
		err        error
		wantCode   int
		wantStatus string
	}{
		{"safe", &report.Summary{}, nil, http.StatusOK, "safe"},
		{"sent", &report.Summary{Total: 4, DistinctIPs: 2}, nil, http.StatusOK, "sent"},
		{"send failed", &report.Summary{Total: 4}, errors.New("timeout"), http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.reporter.summary, f.reporter.err = tt.summary, tt.err

			rec := f.do(http.MethodPost, "/api/v1/report/flush", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if f.reporter.calls != 1 {
				t.Errorf("Flush calls = %d, want 1", f.reporter.calls)
			}
			if tt.wantStatus == "" {
				return
			}
			var resp struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status field = %q, want %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/alerts"},
		{http.MethodGet, "/api/v1/report/flush"},
		{http.MethodPost, "/api/v1/report/pending"},
	} {
		if rec := f.do(tc.method, tc.path, ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}
