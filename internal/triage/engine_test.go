package triage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/sentinel/internal/features"
	"github.com/prometheus/client_golang/prometheus"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		wantClass int
		wantConf  float64
		wantText  string
	}{
		{"critical off hours", `{"timestamp":"2024-01-10T22:00:00","rule":{"id":"1","level":14}}`, 2, 90, "DOUBLE ANOMALY"},
		{"medium work hours", `{"timestamp":"2024-01-10T10:00:00","rule":{"id":"1","level":10}}`, 1, 65, "Rare pattern"},
		{"noise", `{"timestamp":"2024-01-10T03:00:00","rule":{"id":"1","level":5}}`, 0, 90, "noise"},
		{"weekend critical", `{"timestamp":"2024-01-13T22:00:00","rule":{"id":"1","level":14}}`, 2, 90, "PATTERN ANOMALY"},
	}

	e := testEngine(t, EngineHooks{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := e.Evaluate(context.Background(), parse(t, tt.line))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if ev.Class != tt.wantClass {
				t.Errorf("class = %d, want %d", ev.Class, tt.wantClass)
			}
			if diff := ev.Confidence - tt.wantConf; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("confidence = %v, want %v", ev.Confidence, tt.wantConf)
			}
			if !strings.Contains(ev.Explanation, tt.wantText) {
				t.Errorf("explanation = %q, want it to contain %q", ev.Explanation, tt.wantText)
			}
		})
	}
}

func TestEvaluate_MissingLevel(t *testing.T) {
	t.Parallel()

	e := testEngine(t, EngineHooks{})
	_, err := e.Evaluate(context.Background(), parse(t, `{"timestamp":"2024-01-10T22:00:00","rule":{"id":"1"}}`))
	if !errors.Is(err, features.ErrMissingField) {
		t.Errorf("err = %v, want ErrMissingField", err)
	}
}

func TestEvaluate_Hooks(t *testing.T) {
	t.Parallel()

	var gotClass = -1
	var gotDur time.Duration
	e := testEngine(t, EngineHooks{OnClassify: func(c int, d time.Duration) {
		gotClass, gotDur = c, d
	}})
	if _, err := e.Evaluate(context.Background(), parse(t, criticalAlert)); err != nil {
		t.Fatal(err)
	}
	if gotClass != 2 {
		t.Errorf("hook class = %d, want 2", gotClass)
	}
	if gotDur < 0 {
		t.Errorf("hook duration = %v", gotDur)
	}
}

func TestTriage_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t)
	res, err := h.svc.Triage(context.Background(), parse(t, criticalAlert))
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	byName := make(map[string]tracetest.SpanStub)
	for _, s := range spans {
		byName[s.Name] = s
	}

	unit, ok := byName["triage.unit"]
	if !ok {
		t.Fatalf("missing triage.unit span, got %d spans", len(spans))
	}
	classify, ok := byName["triage.classify"]
	if !ok {
		t.Fatal("missing triage.classify span")
	}
	if classify.Parent.SpanID() != unit.SpanContext.SpanID() {
		t.Error("triage.classify is not a child of triage.unit")
	}

	attrs := make(map[string]string)
	for _, kv := range unit.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["triage.id"] != res.ID {
		t.Errorf("triage.id = %q, want %q", attrs["triage.id"], res.ID)
	}
	if attrs["triage.outcome"] != string(OutcomeNotified) {
		t.Errorf("triage.outcome = %q", attrs["triage.outcome"])
	}
	if attrs["rule.level"] != "15" {
		t.Errorf("rule.level = %q", attrs["rule.level"])
	}
}

func TestMetrics_Hooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	RegisterStoreGauges(reg, func() int { return 3 }, func() int { return 7 })

	m.EngineHooks().OnClassify(2, time.Millisecond)
	m.ServiceHooks().OnOutcome(OutcomeNotified, time.Millisecond)
	m.FilteredHook()()
	m.NotifyHooks().OnSend("telegram", "ok")
	m.ReportHooks().OnFlush("sent", 4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	gauges := map[string]float64{}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
		if g := f.GetMetric()[0].GetGauge(); g != nil {
			gauges[f.GetName()] = g.GetValue()
		}
	}
	for _, n := range []string{
		"sentinel_triage_total",
		"sentinel_triage_duration_seconds",
		"sentinel_classify_total",
		"sentinel_classify_duration_seconds",
		"sentinel_notify_total",
		"sentinel_report_flushes_total",
		"sentinel_report_flushed_records_total",
		"sentinel_throttle_entries",
		"sentinel_aggregate_pending",
	} {
		if !names[n] {
			t.Errorf("metric %s not gathered", n)
		}
	}
	if gauges["sentinel_throttle_entries"] != 3 || gauges["sentinel_aggregate_pending"] != 7 {
		t.Errorf("gauges = %v", gauges)
	}
}
