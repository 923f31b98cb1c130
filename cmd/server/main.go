// Medrelay routes patient WhatsApp messages through urgency triage to self-care
// advice, appointment scheduling, or staff escalation.
package main

import (
	"cmp"
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
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	vc "github.com/linnemanlabs/medrelay/internal/cfg"
	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/conversation/memstore"
	"github.com/linnemanlabs/medrelay/internal/conversation/pgstore"
	"github.com/linnemanlabs/medrelay/internal/conversation/redisstore"
	"github.com/linnemanlabs/medrelay/internal/llm/claude"
	"github.com/linnemanlabs/medrelay/internal/llm/gemini"
	"github.com/linnemanlabs/medrelay/internal/llm/keyword"
	"github.com/linnemanlabs/medrelay/internal/notify"
	"github.com/linnemanlabs/medrelay/internal/notify/redispub"
	"github.com/linnemanlabs/medrelay/internal/notify/slack"
	"github.com/linnemanlabs/medrelay/internal/postgres"
	"github.com/linnemanlabs/medrelay/internal/transcript"
	"github.com/linnemanlabs/medrelay/internal/transcript/supabase"
	"github.com/linnemanlabs/medrelay/internal/triage"
	"github.com/linnemanlabs/medrelay/internal/webhookapi"
)

const appName = "medrelay"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
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
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix MEDRELAY_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "MEDRELAY_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
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

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"llm_provider", appCfg.LLMProvider,
		"store", appCfg.ResolveStore(),
		"archive", appCfg.ResolveArchive(),
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Connection pools shared by the store and the archive
	storeBackend := appCfg.ResolveStore()
	archiveBackend := appCfg.ResolveArchive()

	var pool *pgxpool.Pool
	if storeBackend == vc.BackendPostgres || archiveBackend == vc.BackendPostgres {
		pool, err = postgres.NewPool(ctx, appCfg.DatabaseURL, time.Duration(appCfg.DBSlowQueryMillis)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
	}

	var rdb *redis.Client
	if appCfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(appCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	// Initialize the conversation store
	var (
		convStore conversation.Store
		pgStore   *pgstore.Store
	)
	if pool != nil {
		pgStore, err = pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
	}
	switch storeBackend {
	case vc.BackendPostgres:
		convStore = pgStore
		L.Info(ctx, "using postgres store")
	case vc.BackendRedis:
		ttl := time.Duration(appCfg.ConversationTTLHours) * time.Hour
		convStore = redisstore.New(rdb, ttl)
		L.Info(ctx, "using redis store", "ttl_hours", appCfg.ConversationTTLHours)
	default:
		convStore = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url or redis-url configured)")
	}

	// Initialize the transcript archive
	var archiver triage.Archiver
	switch archiveBackend {
	case vc.BackendSupabase:
		sb, err := supabase.New(supabase.Config{
			URL:    appCfg.SupabaseURL,
			APIKey: appCfg.SupabaseKey,
			Bucket: appCfg.TranscriptBucket,
		})
		if err != nil {
			return fmt.Errorf("supabase archive: %w", err)
		}
		archiver = sb
		L.Info(ctx, "transcript archive enabled", "type", "supabase", "bucket", appCfg.TranscriptBucket)
	case vc.BackendPostgres:
		archiver = pgStore
		L.Info(ctx, "transcript archive enabled", "type", "postgres")
	case vc.BackendMemory:
		archiver = transcript.NewMemory()
		L.Info(ctx, "transcript archive enabled", "type", "memory")
	default:
		L.Info(ctx, "transcript archive disabled")
	}

	// Initialize the urgency classifier
	classifier, model, err := newClassifier(ctx, &appCfg)
	if err != nil {
		return err
	}
	L.Info(ctx, "initialized LLM provider", "provider", appCfg.LLMProvider, "model", model)

	// Initialize triage metrics on the shared Prometheus registry.
	triageMetrics := triage.NewMetrics(m.Registry())

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medrelay_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, qs postgres.QueryStats) {
			dbQueryDuration.WithLabelValues(qs.Method, qs.Route, qs.Operation, qs.Outcome).Observe(qs.Duration.Seconds())
		},
	))

	// Staff alert channels. Redis pub/sub follows redis-url, slack follows its webhook.
	var publisher redispub.Publisher
	if rdb != nil {
		publisher = rdb
	}
	notifier, reporter, channels := newNotifiers(&appCfg, publisher)
	if len(channels) == 0 {
		L.Warn(ctx, "no staff notifier configured, escalations will only be logged")
	}
	for _, ch := range channels {
		L.Info(ctx, "notifier enabled", "type", ch)
	}

	// Initialize the triage service (owns the per-message pipeline).
	triageSvc := triage.NewService(triage.Deps{
		Conversations:   conversation.NewManager(convStore),
		Classifier:      classifier,
		Notifier:        notifier,
		Reporter:        reporter,
		Archiver:        archiver,
		Logger:          L,
		Hooks:           triageMetrics.Hooks(),
		ClassifyTimeout: time.Duration(appCfg.ClassifyTimeoutSeconds) * time.Second,
		Provider:        appCfg.LLMProvider,
	})

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
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

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress operator API responses, TwiML replies are a single short message
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // Twilio webhook forms stay well under 64KB

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register webhook and operator routes
	webhookHTTP := webhookapi.New(L, triageSvc, webhookapi.Options{
		TwilioAuthToken: appCfg.TwilioAuthToken,
		PublicURL:       appCfg.PublicURL,
		APIToken:        appCfg.APIToken,
	})
	webhookHTTP.RegisterRoutes(r)
	if appCfg.APIToken == "" {
		L.Info(ctx, "operator api disabled (no api-token configured)")
	}

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	webhookOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start webhook HTTP server with middleware and handlers
	webhookHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, webhookOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start webhook http listener")
		return err
	}
	defer func() {
		err := webhookHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop webhook http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
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

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and runs from its deferred call.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"webhook http server", webhookHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
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

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newClassifier builds the classifier selected by llm-provider and returns
// the model name it will report.
func newClassifier(ctx context.Context, appCfg *vc.Config) (triage.Classifier, string, error) {
	switch appCfg.LLMProvider {
	case vc.ProviderGemini:
		gc, err := gemini.New(ctx, gemini.Config{APIKey: appCfg.GeminiAPIKey, Model: appCfg.GeminiModel})
		if err != nil {
			return nil, "", fmt.Errorf("gemini client: %w", err)
		}
		return gc, appCfg.GeminiModel, nil
	case vc.ProviderKeyword:
		return keyword.New(), keyword.ModelName, nil
	case vc.ProviderClaude:
		return claude.New(claude.Config{
			APIKey:  appCfg.ClaudeAPIKey,
			Model:   appCfg.ClaudeModel,
			Timeout: time.Duration(appCfg.ClassifyTimeoutSeconds) * time.Second,
		}), appCfg.ClaudeModel, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", appCfg.LLMProvider)
	}
}

// newNotifiers builds the staff alert fanout and the ops failure reporter.
// notifier and reporter are untyped nil when nothing is configured.
func newNotifiers(appCfg *vc.Config, pub redispub.Publisher) (triage.Notifier, triage.FailureReporter, []string) {
	var (
		targets  []notify.Named
		channels []string
	)
	if pub != nil {
		targets = append(targets, notify.Named{Name: "redis", Notifier: redispub.New(pub, appCfg.NotifyTopic)})
		channels = append(channels, "redis")
	}
	if appCfg.SlackWebhookURL != "" {
		targets = append(targets, notify.Named{Name: "slack", Notifier: slack.New(appCfg.SlackWebhookURL)})
		channels = append(channels, "slack")
	}

	var notifier triage.Notifier
	if fan := notify.NewFanout(targets...); fan.Len() > 0 {
		notifier = fan
	}

	var reporter triage.FailureReporter
	if opsURL := cmp.Or(appCfg.SlackOpsWebhookURL, appCfg.SlackWebhookURL); opsURL != "" {
		reporter = slack.New(opsURL)
	}
	return notifier, reporter, channels
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
