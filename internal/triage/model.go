package triage

import (
	"time"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

// Reason records which routing rule produced a Decision.
type Reason string

const (
	ReasonEscalated  Reason = "escalated"
	ReasonClarify    Reason = "clarify"
	ReasonRedFlags   Reason = "red_flags"
	ReasonHigh       Reason = "high"
	ReasonScheduling Reason = "scheduling"
	ReasonSelfCare   Reason = "self_care"
)

// SideEffectKind identifies an action the pipeline performs after persisting.
type SideEffectKind string

// SideEffectNotify alerts staff about the sender.
const SideEffectNotify SideEffectKind = "notify"

// SideEffect is an action requested by a Decision.
type SideEffect struct {
	Kind    SideEffectKind `json:"kind"`
	Summary string         `json:"summary"`
}

// Decision is the outcome of routing one classified message.
type Decision struct {
	Reply       string                       `json:"reply"`
	Phase       conversation.Phase           `json:"next_phase"`
	Urgency     conversation.Urgency         `json:"urgency,omitempty"`
	Scheduling  *conversation.SchedulingInfo `json:"scheduling,omitempty"`
	SideEffects []SideEffect                 `json:"side_effects,omitempty"`
	Reason      Reason                       `json:"reason"`
}

// Escalates reports whether the decision requests a staff notification.
func (d *Decision) Escalates() bool {
	for _, se := range d.SideEffects {
		if se.Kind == SideEffectNotify {
			return true
		}
	}
	return false
}

// Apply returns a copy of rec with the decision's phase, urgency and scheduling state.
func (d *Decision) Apply(rec *conversation.Record) *conversation.Record {
	cp := rec.Clone()
	cp.Phase = d.Phase
	cp.LastUrgency = d.Urgency
	cp.Scheduling = nil
	if d.Scheduling != nil {
		s := *d.Scheduling
		cp.Scheduling = &s
	}
	return cp
}

// Alert is the staff notification published for an escalated sender.
type Alert struct {
	ID        string               `json:"id"`
	SenderID  string               `json:"sender_id"`
	Summary   string               `json:"summary"`
	Urgency   conversation.Urgency `json:"urgency"`
	Symptoms  []string             `json:"symptoms,omitempty"`
	RedFlags  []string             `json:"red_flags,omitempty"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// Outcome is the result of handling one inbound message. Reply is always set.
type Outcome struct {
	Reply      string
	Decision   *Decision
	Record     *conversation.Record
	Classified bool
	Notified   bool
	ArchiveKey string
}
