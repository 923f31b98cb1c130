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

// DefaultSlowQuery is the duration above which successful queries are logged.
const DefaultSlowQuery = 100 * time.Millisecond

// maxStatementLog caps the statement text written to logs.
const maxStatementLog = 512

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

type ctxKey int

const (
	ctxKeyQuery ctxKey = iota
	ctxKeyHTTPMethod
)

// QueryStats describes one finished query.
type QueryStats struct {
	Method    string // HTTP method of the request that issued the query
	Route     string // chi route pattern
	Operation string // SELECT, INSERT, UPDATE, ...
	Outcome   string // ok, conflict, error
	Duration  time.Duration
}

// QueryObserver receives per-query stats (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, qs QueryStats)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, qs QueryStats)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, qs QueryStats) {
	f(ctx, qs)
}

// SetQueryObserver sets the global query observer. nil disables it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return v
	}
	return ""
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql     string
	nargs   int
	start   time.Time
	caller  string
	handler string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with metrics and logging.
// Query arguments carry phone numbers and message text, so only their count is
// ever logged.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) *queryTracer {
	if slow < 0 {
		slow = 0
	}
	return &queryTracer{inner: inner, slow: slow}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{
		sql:   data.SQL,
		nargs: len(data.Args),
		start: time.Now(),
	}
	st.caller, st.handler = findDBCallerAndHandler()

	// inner tracer opens the span first so the attributes land on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}

	return context.WithValue(ctx, ctxKeyQuery, st)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(ctxKeyQuery).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)
	op := operationName(data.CommandTag, st.sql)
	outcome := queryOutcome(data.CommandTag, data.Err)

	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, QueryStats{
			Method:    orDefault(httpMethodFromContext(ctx), "UNKNOWN"),
			Route:     orDefault(routePatternFromContext(ctx), "unknown"),
			Operation: op,
			Outcome:   outcome,
			Duration:  dur,
		})
	}

	if data.Err == nil && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", compactSQL(st.sql),
		"db.args_count", st.nargs,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
	}
	if tag := data.CommandTag.String(); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
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
	L.Warn(ctx, "slow db query", fields...)
}

// queryOutcome labels a finished query. A conditional write that touched no
// row is a lost compare-and-swap, reported as conflict.
func queryOutcome(tag pgconn.CommandTag, err error) string {
	switch {
	case err != nil:
		return "error"
	case (tag.Update() || tag.Insert()) && tag.RowsAffected() == 0:
		return "conflict"
	default:
		return "ok"
	}
}

func operationName(tag pgconn.CommandTag, sql string) string {
	src := tag.String()
	if src == "" {
		src = sql
	}
	if f := strings.Fields(src); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return "UNKNOWN"
}

// compactSQL collapses whitespace so embedded multi-line statements log on one line.
func compactSQL(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > maxStatementLog {
		s = s[:maxStatementLog] + "..."
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store method actually issuing the query
//   - handler: the next frame above it outside this package (usually the conversation manager)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if skipFrame(fn) {
			if !more {
				break
			}
			continue
		}

		if caller == "" {
			caller = shortenFuncName(fn)
		} else {
			handler = shortenFuncName(fn)
			break
		}
		if !more {
			break
		}
	}

	return caller, handler
}

func skipFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/jackc/puddle") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "github.com/linnemanlabs/medrelay/internal/postgres.")
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
