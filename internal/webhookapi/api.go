// Package webhookapi serves the Twilio messaging webhook and the operator
// conversation API.
package webhookapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/medrelay/internal/authmw"
	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/triage"
)

// ConversationService defines the business operations webhookapi needs.
type ConversationService interface {
	Handle(ctx context.Context, in *conversation.Inbound) (*triage.Outcome, error)
	Get(ctx context.Context, senderID string) (*conversation.Record, bool, error)
	Reset(ctx context.Context, senderID string) (*conversation.Record, bool, error)
}

// Options configures authentication for the routes.
type Options struct {
	// TwilioAuthToken verifies X-Twilio-Signature on the webhook.
	TwilioAuthToken string
	// PublicURL is the externally visible base URL Twilio signs against.
	PublicURL string
	// APIToken guards the operator API; a comma-separated list allows rotation.
	// Operator routes are not mounted without it.
	APIToken string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    ConversationService
	opts   Options
}

// New creates a new API handler.
func New(logger log.Logger, svc ConversationService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("conversation service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		opts:   opts,
	}
}

// RegisterRoutes attaches the webhook and operator endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.With(authmw.TwilioSignature(a.opts.TwilioAuthToken, a.opts.PublicURL)).
		Post("/webhook/twilio", a.handleTwilioWebhook)

	if a.opts.APIToken == "" {
		return
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.BearerToken(strings.Split(a.opts.APIToken, ",")...))
		r.Get("/conversations/{senderID}", a.handleGetConversation)
		r.Post("/conversations/{senderID}/reset", a.handleResetConversation)
	})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	senderID, ok := senderParam(w, r)
	if !ok {
		return
	}

	rec, found, err := a.svc.Get(r.Context(), senderID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get conversation")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("medrelay.conversation.phase", string(rec.Phase)),
	)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	senderID, ok := senderParam(w, r)
	if !ok {
		return
	}

	rec, found, err := a.svc.Reset(r.Context(), senderID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to reset conversation")
		status := http.StatusInternalServerError
		body := `{"error":"internal error"}`
		if errors.Is(err, conversation.ErrConflict) {
			status, body = http.StatusConflict, `{"error":"conversation changed concurrently, retry"}`
		}
		http.Error(w, body, status)
		return
	}
	if !found {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func senderParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	senderID, err := url.PathUnescape(chi.URLParam(r, "senderID"))
	if err != nil || senderID == "" {
		http.Error(w, `{"error":"invalid sender id"}`, http.StatusBadRequest)
		return "", false
	}
	return senderID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
