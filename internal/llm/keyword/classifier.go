// Package keyword is an offline classifier that matches symptom keywords.
// It needs no credentials and is used for local runs and as a fallback.
package keyword

import (
	"context"
	"strings"

	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/triage"
)

// ModelName is reported as the classification model.
const ModelName = "keyword-v1"

var (
	highKeywords   = []string{"chest pain", "shortness of breath", "fainting", "fainted", "unconscious", "difficulty breathing"}
	mediumKeywords = []string{"fever", "vomit", "infection", "severe pain"}
)

// Classifier implements triage.Classifier with fixed keyword lists.
type Classifier struct{}

// New returns a keyword classifier.
func New() *Classifier { return &Classifier{} }

// Classify scans every user turn. Emergency keywords are reported as red
// flags. While scheduling, the latest message fills the next missing
// appointment field.
func (c *Classifier) Classify(ctx context.Context, req *triage.ClassifyRequest) (*triage.Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, t := range req.History {
		if t.Role == conversation.RoleUser {
			text.WriteString(strings.ToLower(t.Text))
			text.WriteByte('\n')
		}
	}
	if len(req.History) == 0 {
		text.WriteString(strings.ToLower(req.Latest))
	}
	all := text.String()

	cls := &triage.Classification{
		Urgency: conversation.UrgencyLow,
		Fields:  make(map[string]string),
		Model:   ModelName,
	}
	high := match(all, highKeywords)
	medium := match(all, mediumKeywords)
	cls.RedFlags = high
	cls.Symptoms = append(append([]string{}, high...), medium...)

	switch {
	case len(high) > 0:
		cls.Urgency = conversation.UrgencyHigh
	case len(medium) > 0, req.Phase == conversation.PhaseScheduling:
		cls.Urgency = conversation.UrgencyMedium
	}

	if req.Phase == conversation.PhaseScheduling {
		fillScheduling(cls, req)
	}
	return cls, nil
}

func fillScheduling(cls *triage.Classification, req *triage.ClassifyRequest) {
	latest := strings.TrimSpace(req.Latest)
	if latest == "" {
		return
	}
	// symptom reports are not scheduling answers
	lower := strings.ToLower(latest)
	if len(match(lower, highKeywords)) > 0 || len(match(lower, mediumKeywords)) > 0 {
		return
	}
	var info conversation.SchedulingInfo
	if req.Scheduling != nil {
		info = *req.Scheduling
	}
	switch {
	case info.Name == "":
		cls.Fields[triage.FieldName] = latest
	case info.PreferredTime == "":
		cls.Fields[triage.FieldPreferredTime] = latest
	}
}

func match(text string, keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			out = append(out, kw)
		}
	}
	return out
}
