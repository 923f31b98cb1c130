package triage

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/medrelay/internal/triage")

const (
	// DefaultClassifyTimeout bounds a single classifier call.
	DefaultClassifyTimeout = 8 * time.Second

	// maxConflictRetries is how many times a lost compare-and-swap is retried.
	maxConflictRetries = 1
)

// ErrNoNotifier is reported when an escalation has no notifier configured.
var ErrNoNotifier = errors.New("triage: no notifier configured")

// Notifier delivers staff alerts for escalated senders.
type Notifier interface {
	Notify(ctx context.Context, al *Alert) error
}

// FailureReporter surfaces failed staff alerts to an operational channel.
type FailureReporter interface {
	ReportNotifyFailure(ctx context.Context, al *Alert, cause error) error
}

// Archiver writes a write-once snapshot of a conversation history.
type Archiver interface {
	Archive(ctx context.Context, senderID string, turns []conversation.Turn, at time.Time) (string, error)
}

// ServiceHooks receives pipeline events for metrics. Nil funcs are skipped.
type ServiceHooks struct {
	OnClassify func(provider, outcome string, duration float64, usage Usage)
	OnDecision func(d *Decision)
	OnConflict func()
	OnNotify   func(err error)
	OnArchive  func(err error)
	OnHandled  func(outcome string, duration float64)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Conversations   *conversation.Manager
	Classifier      Classifier
	Notifier        Notifier
	Reporter        FailureReporter
	Archiver        Archiver
	Logger          log.Logger
	Hooks           ServiceHooks
	ClassifyTimeout time.Duration
	Provider        string
}

// Service runs the synchronous per-message pipeline:
// load, merge, classify, decide, persist, then notify and archive.
type Service struct {
	conv            *conversation.Manager
	classifier      Classifier
	notifier        Notifier
	reporter        FailureReporter
	archiver        Archiver
	logger          log.Logger
	hooks           ServiceHooks
	classifyTimeout time.Duration
	provider        string
	now             func() time.Time
}

// NewService creates a new triage service.
func NewService(d Deps) *Service {
	if d.Conversations == nil {
		panic(xerrors.New("conversation manager is required"))
	}
	if d.Classifier == nil {
		panic(xerrors.New("classifier is required"))
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.ClassifyTimeout <= 0 {
		d.ClassifyTimeout = DefaultClassifyTimeout
	}
	if d.Provider == "" {
		d.Provider = "unknown"
	}
	return &Service{
		conv:            d.Conversations,
		classifier:      d.Classifier,
		notifier:        d.Notifier,
		reporter:        d.Reporter,
		archiver:        d.Archiver,
		logger:          d.Logger,
		hooks:           d.Hooks,
		classifyTimeout: d.ClassifyTimeout,
		provider:        d.Provider,
		now:             time.Now,
	}
}

// Handle processes one inbound message. The returned Outcome always carries a
// reply for the sender, also when an error is returned.
func (s *Service) Handle(ctx context.Context, in *conversation.Inbound) (*Outcome, error) {
	start := time.Now()
	msg := *in
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}

	ctx, span := tracer.Start(ctx, "triage.handle", trace.WithAttributes(
		attribute.String("medrelay.message.id", msg.MessageID),
	))
	defer span.End()

	L := s.logger.With("sender_id", msg.SenderID, "message_id", msg.MessageID)

	rec, err := s.conv.Load(ctx, msg.SenderID)
	if err != nil {
		L.Error(ctx, err, "failed to load conversation")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.handled("load_error", start)
		return &Outcome{Reply: ReplyTryAgain}, err
	}
	merged := s.conv.Merge(rec, &msg)

	out := &Outcome{}
	var cls *Classification
	if NeedsClassification(merged) {
		out.Classified = true
		cls = s.classify(ctx, L, merged, &msg)
	}

	dec, saved, perr := s.decideAndPersist(ctx, L, merged, &msg, cls)
	out.Decision = dec
	out.Record = saved
	out.Reply = dec.Reply

	span.SetAttributes(
		attribute.String("medrelay.decision.reason", string(dec.Reason)),
		attribute.String("medrelay.conversation.phase", string(dec.Phase)),
	)
	if s.hooks.OnDecision != nil {
		s.hooks.OnDecision(dec)
	}

	outcome := "ok"
	if perr != nil {
		outcome = "persist_error"
		if errors.Is(perr, conversation.ErrConflict) {
			outcome = "conflict"
		}
		L.Error(ctx, perr, "failed to persist conversation", "reason", dec.Reason)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		// emergency replies are delivered even when persistence fails
		if dec.Phase != conversation.PhaseEscalated {
			out.Reply = ReplyTryAgain
		}
	}

	// side effects must not be cut short by the sender's connection going away
	sctx := context.WithoutCancel(ctx)
	if dec.Escalates() {
		out.Notified = s.notify(sctx, L, &msg, dec, cls)
	}
	if perr == nil {
		out.ArchiveKey = s.archive(sctx, L, saved)
	}

	L.Info(ctx, "message handled",
		"reason", dec.Reason,
		"phase", dec.Phase,
		"urgency", dec.Urgency,
		"classified", out.Classified,
		"notified", out.Notified,
		"outcome", outcome,
	)
	s.handled(outcome, start)
	return out, perr
}

// Get returns the stored conversation for a sender.
func (s *Service) Get(ctx context.Context, senderID string) (*conversation.Record, bool, error) {
	return s.conv.Get(ctx, senderID)
}

// Reset is the operator action that returns a conversation to INTAKE. History is kept.
func (s *Service) Reset(ctx context.Context, senderID string) (*conversation.Record, bool, error) {
	for attempt := 0; ; attempt++ {
		rec, ok, err := s.conv.Get(ctx, senderID)
		if err != nil || !ok {
			return nil, ok, err
		}

		next := rec.Clone()
		next.Phase = conversation.PhaseIntake
		next.LastUrgency = conversation.UrgencyUnset
		next.Scheduling = nil
		next.UpdatedAt = s.now().UTC()

		err = s.conv.Persist(ctx, next)
		if err == nil {
			s.logger.Info(ctx, "conversation reset by operator",
				"sender_id", senderID,
				"previous_phase", rec.Phase,
			)
			return next, true, nil
		}
		if !errors.Is(err, conversation.ErrConflict) || attempt >= maxConflictRetries {
			return nil, true, err
		}
		s.conflict()
	}
}

func (s *Service) decideAndPersist(
	ctx context.Context,
	L log.Logger,
	merged *conversation.Record,
	msg *conversation.Inbound,
	cls *Classification,
) (*Decision, *conversation.Record, error) {
	for attempt := 0; ; attempt++ {
		dec := Decide(merged, cls)
		next := s.conv.AppendReply(dec.Apply(merged), dec.Reply, s.now())

		err := s.conv.Persist(ctx, next)
		if err == nil {
			return dec, next, nil
		}
		if !errors.Is(err, conversation.ErrConflict) || attempt >= maxConflictRetries {
			return dec, next, err
		}

		s.conflict()
		L.Warn(ctx, "conversation changed concurrently, retrying merge", "attempt", attempt+1)

		rec, lerr := s.conv.Load(ctx, msg.SenderID)
		if lerr != nil {
			return dec, next, lerr
		}
		merged = s.conv.Merge(rec, msg)
	}
}

func (s *Service) classify(ctx context.Context, L log.Logger, rec *conversation.Record, msg *conversation.Inbound) *Classification {
	ctx, cancel := context.WithTimeout(ctx, s.classifyTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "llm.classify", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "classify"),
		attribute.String("gen_ai.system", s.provider),
		attribute.String("medrelay.conversation.phase", string(rec.Phase)),
		attribute.Int("medrelay.conversation.turns", len(rec.History)),
	))
	defer span.End()

	start := time.Now()
	cls, err := s.classifier.Classify(ctx, &ClassifyRequest{
		SenderID:   rec.SenderID,
		Phase:      rec.Phase,
		Scheduling: rec.Scheduling,
		History:    rec.History,
		Latest:     msg.Body,
	})
	dur := time.Since(start).Seconds()

	if err == nil && !cls.Valid() {
		err = ErrInvalidClassification
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Warn(ctx, "classification failed, asking sender to clarify",
			"error", err.Error(),
			"outcome", outcome,
			"duration", dur,
		)
		if s.hooks.OnClassify != nil {
			s.hooks.OnClassify(s.provider, outcome, dur, Usage{})
		}
		return nil
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", cls.Model),
		attribute.Int("gen_ai.usage.input_tokens", cls.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", cls.Usage.OutputTokens),
		attribute.String("medrelay.classification.urgency", string(cls.Urgency)),
		attribute.Int("medrelay.classification.red_flags", len(cls.RedFlags)),
	)
	if s.hooks.OnClassify != nil {
		s.hooks.OnClassify(s.provider, "ok", dur, cls.Usage)
	}
	return cls
}

// notify sends one alert per notify side effect and reports whether all succeeded.
func (s *Service) notify(ctx context.Context, L log.Logger, msg *conversation.Inbound, dec *Decision, cls *Classification) bool {
	ok := true
	for _, se := range dec.SideEffects {
		if se.Kind != SideEffectNotify {
			continue
		}
		al := &Alert{
			ID:        ulid.Make().String(),
			SenderID:  msg.SenderID,
			Summary:   se.Summary,
			Urgency:   dec.Urgency,
			Message:   msg.Body,
			Timestamp: s.now().UTC(),
		}
		if cls != nil {
			al.Symptoms = cls.Symptoms
			al.RedFlags = cls.RedFlags
		}

		err := ErrNoNotifier
		if s.notifier != nil {
			err = s.notifier.Notify(ctx, al)
		}
		if s.hooks.OnNotify != nil {
			s.hooks.OnNotify(err)
		}
		if err == nil {
			L.Info(ctx, "staff notified", "alert_id", al.ID)
			continue
		}

		ok = false
		L.Error(ctx, err, "staff notification failed", "alert_id", al.ID)
		if s.reporter != nil {
			if rerr := s.reporter.ReportNotifyFailure(ctx, al, err); rerr != nil {
				L.Error(ctx, rerr, "failed to report notification failure", "alert_id", al.ID)
			}
		}
	}
	return ok
}

func (s *Service) archive(ctx context.Context, L log.Logger, rec *conversation.Record) string {
	if s.archiver == nil {
		return ""
	}
	key, err := s.archiver.Archive(ctx, rec.SenderID, rec.History, rec.UpdatedAt)
	if s.hooks.OnArchive != nil {
		s.hooks.OnArchive(err)
	}
	if err != nil {
		L.Error(ctx, err, "failed to archive transcript")
		return ""
	}
	return key
}

func (s *Service) conflict() {
	if s.hooks.OnConflict != nil {
		s.hooks.OnConflict()
	}
}

func (s *Service) handled(outcome string, start time.Time) {
	if s.hooks.OnHandled != nil {
		s.hooks.OnHandled(outcome, time.Since(start).Seconds())
	}
}
