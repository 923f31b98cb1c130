package webhookapi

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/twilio/twilio-go/twiml"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/triage"
)

// handleTwilioWebhook runs after signature verification, so the form is parsed.
func (a *API) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	from := strings.TrimSpace(r.PostFormValue("From"))
	body := strings.TrimSpace(r.PostFormValue("Body"))
	if from == "" || body == "" {
		http.Error(w, "Missing From or Body", http.StatusBadRequest)
		return
	}
	sid := r.PostFormValue("MessageSid")

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("medrelay.message.id", sid),
	)

	out, err := a.svc.Handle(r.Context(), &conversation.Inbound{
		SenderID:   from,
		Body:       body,
		MessageID:  sid,
		ReceivedAt: time.Now().UTC(),
	})
	reply := triage.ReplyTryAgain
	if out != nil && out.Reply != "" {
		reply = out.Reply
	}
	if err != nil {
		// the sender still gets a reply; the service has already logged the cause
		a.logger.Warn(r.Context(), "message handled with error", "message_id", sid, "error", err.Error())
	}

	writeTwiML(w, reply)
}

func writeTwiML(w http.ResponseWriter, reply string) {
	doc, err := twiml.Messages([]twiml.Element{&twiml.MessagingMessage{Body: xmlSafe(reply)}})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// xmlSafe replaces invalid UTF-8 and characters XML 1.0 forbids with U+FFFD.
func xmlSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20, r >= 0xD800 && r <= 0xDFFF, r == 0xFFFE, r == 0xFFFF:
			return utf8.RuneError
		default:
			return r
		}
	}, s)
}
