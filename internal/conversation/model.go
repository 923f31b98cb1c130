package conversation

import (
	"strings"
	"time"
)

// Phase is the coarse state of a sender's conversation.
type Phase string

const (
	// PhaseIntake is the initial phase, symptoms not yet assessed
	PhaseIntake Phase = "INTAKE"

	// PhaseSelfCare means low urgency, self-care guidance given
	PhaseSelfCare Phase = "SELF_CARE"

	// PhaseScheduling means medium urgency, collecting appointment details
	PhaseScheduling Phase = "SCHEDULING"

	// PhaseEscalated means high urgency, staff notified. Terminal for the automated flow.
	PhaseEscalated Phase = "ESCALATED"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIntake, PhaseSelfCare, PhaseScheduling, PhaseEscalated:
		return true
	}
	return false
}

// Urgency is the classifier's assessment of how urgently the sender needs care.
type Urgency string

const (
	UrgencyUnset  Urgency = ""
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// Valid reports whether u is LOW, MEDIUM or HIGH. The unset value is not valid.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// ParseUrgency normalizes s (case and surrounding whitespace) into an Urgency.
func ParseUrgency(s string) (Urgency, bool) {
	u := Urgency(strings.ToUpper(strings.TrimSpace(s)))
	return u, u.Valid()
}

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SchedulingInfo holds the appointment details collected while in PhaseScheduling.
type SchedulingInfo struct {
	Name          string `json:"name,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
}

// Complete reports whether every field needed to book has been collected.
func (s *SchedulingInfo) Complete() bool {
	return s != nil && s.Name != "" && s.PreferredTime != ""
}

// Record is the persisted state of one sender's conversation.
type Record struct {
	SenderID    string          `json:"sender_id"`
	History     []Turn          `json:"history"`
	Phase       Phase           `json:"phase"`
	LastUrgency Urgency         `json:"last_urgency,omitempty"`
	Scheduling  *SchedulingInfo `json:"scheduling,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.History = make([]Turn, len(r.History))
	copy(cp.History, r.History)
	if r.Scheduling != nil {
		s := *r.Scheduling
		cp.Scheduling = &s
	}
	return &cp
}

// Inbound is a verified message received from a sender.
type Inbound struct {
	SenderID   string
	Body       string
	MessageID  string
	ReceivedAt time.Time
}
