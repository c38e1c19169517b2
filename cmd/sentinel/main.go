// Sentinel triages a stream of security alerts, notifies on critical ones
// and reports medium ones in a periodic digest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/sentinel/internal/aggregate"
	"github.com/linnemanlabs/sentinel/internal/alert"
	"github.com/linnemanlabs/sentinel/internal/alertapi"
	"github.com/linnemanlabs/sentinel/internal/audit"
	"github.com/linnemanlabs/sentinel/internal/authmw"
	sc "github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/notify"
	"github.com/linnemanlabs/sentinel/internal/policy"
	"github.com/linnemanlabs/sentinel/internal/postgres"
	"github.com/linnemanlabs/sentinel/internal/report"
	"github.com/linnemanlabs/sentinel/internal/stream"
	"github.com/linnemanlabs/sentinel/internal/throttle"
	"github.com/linnemanlabs/sentinel/internal/triage"
	"github.com/linnemanlabs/sentinel/internal/triage/memstore"
	"github.com/linnemanlabs/sentinel/internal/triage/pgstore"
)

const appName = "sentinel"
const component = "dispatcher"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(exitCode(err))
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    sc.Config
		auditCfg  audit.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	auditCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars below do not override flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "SENTINEL_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		auditCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"source", appCfg.Source,
		"notify_transport", appCfg.NotifyTransport,
		"throttle_window", appCfg.ThrottleWindow.String(),
		"report_schedule", appCfg.ReportSchedule,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	// alert source first so a bare terminal fails before anything starts
	src, srcCloser, err := openSource(ctx, &appCfg, os.Stdin, L)
	if err != nil {
		return err
	}
	defer func() { _ = srcCloser.Close() }()

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// tag triage spans with profile ids so traces link to flame graphs
	profiling := profErr == nil && profCfg.EnablePyroscope
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	triageMetrics := triage.NewMetrics(m.Registry())
	streamMetrics := stream.NewMetrics(m.Registry())

	// A model that cannot be loaded stops the process.
	engine, forest, err := loadEngine(appCfg.ModelDir, appCfg.ModelName, triageMetrics.EngineHooks())
	if err != nil {
		L.Error(ctx, err, "classifier unavailable", "model_dir", appCfg.ModelDir, "model_name", appCfg.ModelName)
		return err
	}
	L.Info(ctx, "classifier loaded", "model", forest.Model(), "version", forest.Version(), "classes", forest.Classes())

	pol := policy.Default()
	if appCfg.PolicyFile != "" {
		if pol, err = policy.Load(appCfg.PolicyFile); err != nil {
			return err
		}
	}
	L.Info(ctx, "routing policy", "min_level", pol.MinLevel, "ignored_rule_ids", pol.IgnoredRuleIDs)

	journal, err := audit.New(auditCfg)
	if err != nil {
		return fmt.Errorf("audit journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	throttleStore := throttle.Open(ctx, appCfg.ThrottleFile, appCfg.ThrottleWindow, L)
	aggStore := aggregate.Open(ctx, appCfg.AggregateFile, L, journal)
	triage.RegisterStoreGauges(m.Registry(), throttleStore.Len, aggStore.Pending)

	// Initialize the triage journal
	var resultStore triage.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		resultStore = pgStore
		L.Info(ctx, "using postgres triage journal")
	} else {
		memStore, err := memstore.New(appCfg.JournalSize)
		if err != nil {
			return fmt.Errorf("memstore init: %w", err)
		}
		resultStore = memStore
		L.Info(ctx, "using in-memory triage journal (no database-url configured)", "size", appCfg.JournalSize)
	}

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetSlowQueryThreshold(appCfg.SlowQuery)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, route, outcome).Observe(dur.Seconds())
		},
	))

	transport := newTransport(&appCfg)
	dispatcher := notify.NewDispatcher(transport, appCfg.NotifyTimeout, L, journal, triageMetrics.NotifyHooks())
	L.Info(ctx, "notifier enabled", "type", dispatcher.Transport())

	reporter := report.NewReporter(aggStore, dispatcher, appCfg.TopOffenders, appCfg.ReportTimeout, L, journal, triageMetrics.ReportHooks())
	scheduler, err := report.NewScheduler(ctx, appCfg.ReportSchedule, reporter, L)
	if err != nil {
		return err
	}

	svc, err := triage.NewService(triage.ServiceConfig{
		Engine:    engine,
		Throttle:  throttleStore,
		Aggregate: aggStore,
		Notifier:  dispatcher,
		Store:     resultStore,
		Audit:     journal,
		Policy:    pol,
		Logger:    L,
		Hooks:     triageMetrics.ServiceHooks(),
	})
	if err != nil {
		return err
	}

	// filter verdicts feed both the stream counters and the filtered outcome
	streamHooks := streamMetrics.Hooks()
	onLine, filtered := streamHooks.OnLine, triageMetrics.FilteredHook()
	streamHooks.OnLine = func(vd stream.Verdict) {
		onLine(vd)
		if vd != stream.Accepted && vd != stream.Blank {
			filtered()
		}
	}

	driver := stream.NewDriver(src, stream.HandlerFunc(func(ctx context.Context, al *alert.Alert) error {
		return svc.Handle(postgres.WithOrigin(ctx, postgres.OriginStream), al)
	}), stream.Config{
		MinLevel:    pol.MinLevel,
		MaxInFlight: appCfg.MaxInFlight,
		UnitTimeout: appCfg.UnitTimeout,
	}, L, streamHooks)

	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithOrigin(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())

	// NDJSON batches from a shipper can be large
	r.Use(httpmw.MaxBody(4 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := alertapi.New(L, alertapi.Config{
		Dispatcher: driver,
		Journal:    svc,
		Pending:    aggStore,
		Reporter:   reporter,
		MinLevel:   pol.MinLevel,
		Hooks:      streamHooks,
	})
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(appCfg.APIToken))
		api.RegisterRoutes(r)
	})
	if appCfg.APIToken == "" {
		L.Warn(ctx, "api token not set, /api/v1 is unauthenticated")
	}

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start alertapi http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop alertapi http listener")
		}
	}()

	scheduler.Start()
	driverDone := make(chan error, 1)
	go func() { driverDone <- driver.Run(ctx) }()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// The stream stops reading at once; API requests and running units get
	// the drain period to finish.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"alertapi http server", apiHTTPStop},
		{"stream driver", func(ctx context.Context) error {
			return waitFor(ctx, func() { <-driverDone; driver.Wait() })
		}},
		{"report scheduler", scheduler.Stop},
		{"notifier", dispatcher.Wait},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete",
		"throttle_entries", throttleStore.Len(),
		"aggregate_pending", aggStore.Pending(),
	)
	return nil
}

// waitFor runs fn and returns when it finishes or ctx is done.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
