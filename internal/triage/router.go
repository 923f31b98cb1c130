package triage

import (
	"strings"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

// NeedsClassification reports whether a classifier call is required before
// deciding on a message for rec. Escalated conversations are never re-classified.
func NeedsClassification(rec *conversation.Record) bool {
	return rec.Phase != conversation.PhaseEscalated
}

// Decide is the routing policy. It is a pure function of the record (with the
// latest message already merged) and the classification, which may be nil
// when classification failed.
func Decide(rec *conversation.Record, cls *Classification) *Decision {
	if rec.Phase == conversation.PhaseEscalated {
		return &Decision{
			Reply:   ReplyEmergency,
			Phase:   conversation.PhaseEscalated,
			Urgency: conversation.UrgencyHigh,
			Reason:  ReasonEscalated,
		}
	}

	if !cls.Valid() {
		return &Decision{
			Reply:      ReplyClarify,
			Phase:      rec.Phase,
			Urgency:    rec.LastUrgency,
			Scheduling: copyScheduling(rec.Scheduling),
			Reason:     ReasonClarify,
		}
	}

	if len(cls.RedFlags) > 0 || cls.Urgency == conversation.UrgencyHigh {
		reason := ReasonHigh
		if len(cls.RedFlags) > 0 {
			reason = ReasonRedFlags
		}
		return &Decision{
			Reply:       ReplyEmergency,
			Phase:       conversation.PhaseEscalated,
			Urgency:     conversation.UrgencyHigh,
			SideEffects: []SideEffect{{Kind: SideEffectNotify, Summary: escalationSummary(rec, cls)}},
			Reason:      reason,
		}
	}

	if cls.Urgency == conversation.UrgencyMedium {
		return decideScheduling(rec, cls)
	}

	return &Decision{
		Reply:   replySelfCare(cls.Symptoms),
		Phase:   conversation.PhaseSelfCare,
		Urgency: conversation.UrgencyLow,
		Reason:  ReasonSelfCare,
	}
}

func decideScheduling(rec *conversation.Record, cls *Classification) *Decision {
	info := &conversation.SchedulingInfo{}
	if rec.Phase == conversation.PhaseScheduling && rec.Scheduling != nil {
		info = copyScheduling(rec.Scheduling)
	}
	if v := strings.TrimSpace(cls.Fields[FieldName]); v != "" && info.Name == "" {
		info.Name = v
	}
	if v := strings.TrimSpace(cls.Fields[FieldPreferredTime]); v != "" && info.PreferredTime == "" {
		info.PreferredTime = v
	}

	d := &Decision{
		Phase:      conversation.PhaseScheduling,
		Urgency:    conversation.UrgencyMedium,
		Scheduling: info,
		Reason:     ReasonScheduling,
	}
	switch {
	case info.Name == "":
		d.Reply = ReplyAskName
	case info.PreferredTime == "":
		d.Reply = replyAskTime(info.Name)
	default:
		d.Reply = replyConfirm(info.Name, info.PreferredTime)
	}
	return d
}

func escalationSummary(rec *conversation.Record, cls *Classification) string {
	var b strings.Builder
	b.WriteString("High urgency triage alert for user ")
	b.WriteString(rec.SenderID)
	if s := cls.Summary(); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func copyScheduling(s *conversation.SchedulingInfo) *conversation.SchedulingInfo {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
