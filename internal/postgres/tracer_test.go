package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/medrelay/internal/conversation/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Put", "(*Store).Put"},
		{"closure", "conversation.(*Manager).Persist.func1", "(*Manager).Persist.func1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestQueryOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tag  string
		err  error
		want string
	}{
		{"select", "SELECT 1", nil, "ok"},
		{"update hit", "UPDATE 1", nil, "ok"},
		{"update lost cas", "UPDATE 0", nil, "conflict"},
		{"insert on conflict do nothing", "INSERT 0 0", nil, "conflict"},
		{"insert", "INSERT 0 1", nil, "ok"},
		{"select no rows", "SELECT 0", nil, "ok"},
		{"error wins", "UPDATE 0", errors.New("boom"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := queryOutcome(pgconn.NewCommandTag(tt.tag), tt.err)
			if got != tt.want {
				t.Errorf("queryOutcome(%q, %v) = %q, want %q", tt.tag, tt.err, got, tt.want)
			}
		})
	}
}

func TestOperationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tag  string
		sql  string
		want string
	}{
		{"from tag", "UPDATE 1", "update conversations set ...", "UPDATE"},
		{"from sql when tag empty", "", "\n\t\tselect sender_id from conversations", "SELECT"},
		{"nothing", "", "", "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := operationName(pgconn.NewCommandTag(tt.tag), tt.sql)
			if got != tt.want {
				t.Errorf("operationName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	got := compactSQL("\n\t\tSELECT phase\n\t\tFROM conversations\n\t\tWHERE sender_id = $1\n")
	if got != "SELECT phase FROM conversations WHERE sender_id = $1" {
		t.Errorf("compactSQL = %q", got)
	}

	long := compactSQL("SELECT " + strings.Repeat("x", 2*maxStatementLog))
	if len(long) != maxStatementLog+len("...") || !strings.HasSuffix(long, "...") {
		t.Errorf("long statement not truncated, len = %d", len(long))
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "POST")); got != "POST" {
		t.Errorf("httpMethodFromContext = %q, want POST", got)
	}
	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "")); got != "" {
		t.Errorf("httpMethodFromContext = %q, want empty", got)
	}
}

// The observer is process-global, so these tests do not run in parallel.

func TestQueryTracer_ObservesQuery(t *testing.T) {
	defer SetQueryObserver(nil)

	var (
		mu  sync.Mutex
		got []QueryStats
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, qs QueryStats) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, qs)
	}))

	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{"/webhook/twilio"}
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
	ctx = WithHTTPMethod(ctx, "POST")

	tr := newQueryTracer(nil, time.Hour)
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{
		SQL:  "UPDATE conversations SET version = $2 WHERE sender_id = $1 AND version = $3",
		Args: []any{"whatsapp:+15551234567", 2, 1},
	})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 0")})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("observed %d queries, want 1", len(got))
	}
	qs := got[0]
	if qs.Method != "POST" || qs.Route != "/webhook/twilio" {
		t.Errorf("labels = %q %q", qs.Method, qs.Route)
	}
	if qs.Operation != "UPDATE" || qs.Outcome != "conflict" {
		t.Errorf("operation/outcome = %q/%q, want UPDATE/conflict", qs.Operation, qs.Outcome)
	}
	if qs.Duration < 0 {
		t.Errorf("negative duration %v", qs.Duration)
	}
}

func TestQueryTracer_DefaultsWithoutRequest(t *testing.T) {
	defer SetQueryObserver(nil)

	var got QueryStats
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, qs QueryStats) { got = qs }))

	tr := newQueryTracer(nil, 0)
	qctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("connection reset")})

	if got.Method != "UNKNOWN" || got.Route != "unknown" {
		t.Errorf("labels = %q %q, want UNKNOWN unknown", got.Method, got.Route)
	}
	if got.Outcome != "error" || got.Operation != "SELECT" {
		t.Errorf("operation/outcome = %q/%q", got.Operation, got.Outcome)
	}
}

func TestQueryTracer_EndWithoutStart(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(context.Context, QueryStats) { called = true }))

	newQueryTracer(nil, 0).TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	if called {
		t.Error("observer called for a query that was never started")
	}
}

func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(context.Context, QueryStats) { called = true }))

	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), QueryStats{})
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}
