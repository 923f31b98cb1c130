package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

// ErrInvalidClassification is returned when classifier output lacks a usable urgency.
var ErrInvalidClassification = errors.New("triage: invalid classification")

// Classifier is the interface for any urgency classification backend.
type Classifier interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*Classification, error)
}

// ClassifyRequest carries the conversation context for one classification.
type ClassifyRequest struct {
	SenderID   string
	Phase      conversation.Phase
	Scheduling *conversation.SchedulingInfo
	History    []conversation.Turn // includes the latest message as the final user turn
	Latest     string
}

// Classification is the structured output of a classifier.
type Classification struct {
	Urgency  conversation.Urgency `json:"urgency"`
	Symptoms []string             `json:"symptoms,omitempty"`
	RedFlags []string             `json:"red_flags,omitempty"`
	Fields   map[string]string    `json:"fields,omitempty"`
	Model    string               `json:"model,omitempty"`
	Usage    Usage                `json:"usage"`
}

// Usage reports tokens consumed by a classification call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Extracted field names.
const (
	FieldDuration      = "duration"
	FieldAge           = "age"
	FieldName          = "name"
	FieldPreferredTime = "preferred_time"
)

// Valid reports whether c carries a usable urgency label.
func (c *Classification) Valid() bool {
	return c != nil && c.Urgency.Valid()
}

// Summary is a one-line description used in staff notifications.
func (c *Classification) Summary() string {
	if c == nil {
		return ""
	}
	parts := []string{"urgency " + string(c.Urgency)}
	if len(c.RedFlags) > 0 {
		parts = append(parts, "red flags: "+strings.Join(c.RedFlags, ", "))
	}
	if len(c.Symptoms) > 0 {
		parts = append(parts, "symptoms: "+strings.Join(c.Symptoms, ", "))
	}
	if d := c.Fields[FieldDuration]; d != "" {
		parts = append(parts, "duration: "+d)
	}
	if a := c.Fields[FieldAge]; a != "" {
		parts = append(parts, "age: "+a)
	}
	return strings.Join(parts, "; ")
}

// ClassifierSystemPrompt instructs an LLM to return the JSON shape ParseClassification reads.
const ClassifierSystemPrompt = `You are a medical triage assistant for a patient messaging line.
Read the conversation and the patient's latest message. Extract the symptoms, how long they have
lasted, the patient's age if given, and any red-flag symptoms (things that suggest an emergency,
such as chest pain, difficulty breathing, fainting or heavy bleeding). Then classify the overall
urgency of the situation as LOW, MEDIUM or HIGH.

If the assistant is collecting appointment details, also extract the patient's name and their
preferred day/time from the latest message when present.

Respond only with a JSON object with the keys:
  symptoms (array of strings), duration (string), age (string), red_flags (array of strings),
  urgency (string), name (string), preferred_time (string).
Use empty strings or empty arrays for anything not mentioned. Do not include any other text.`

// BuildClassifierPrompt renders the conversation for the user message of an LLM call.
func BuildClassifierPrompt(req *ClassifyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation phase: %s\n", req.Phase)
	if req.Phase == conversation.PhaseScheduling {
		var name, when string
		if req.Scheduling != nil {
			name, when = req.Scheduling.Name, req.Scheduling.PreferredTime
		}
		fmt.Fprintf(&b, "Appointment details so far: name=%q preferred_time=%q\n", name, when)
	}

	history := req.History
	// the latest message is rendered separately
	if n := len(history); n > 0 && history[n-1].Role == conversation.RoleUser && history[n-1].Text == req.Latest {
		history = history[:n-1]
	}
	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
	}

	fmt.Fprintf(&b, "\nLatest patient message:\n%s\n", req.Latest)
	return b.String()
}

type rawClassification struct {
	Symptoms      stringList `json:"symptoms"`
	Duration      any        `json:"duration"`
	Age           any        `json:"age"`
	RedFlags      stringList `json:"red_flags"`
	Urgency       string     `json:"urgency"`
	Name          any        `json:"name"`
	PreferredTime any        `json:"preferred_time"`
}

// stringList accepts a JSON array of strings, a single string, or null.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var many []any
	if err := json.Unmarshal(b, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, v := range many {
			if s := scalarString(v); s != "" {
				out = append(out, s)
			}
		}
		*l = out
		return nil
	}
	var one any
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if s := scalarString(one); s != "" {
		*l = stringList{s}
	}
	return nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64, bool:
		return fmt.Sprint(t)
	}
	return ""
}

// ParseClassification extracts a Classification from LLM output. It tolerates
// surrounding prose and markdown code fences around the JSON object. Output
// naming any red flag is HIGH urgency even when its urgency label is unusable.
func ParseClassification(text string) (*Classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidClassification)
	}

	var raw rawClassification
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClassification, err)
	}

	redFlags := dropNone(raw.RedFlags)
	urgency, ok := conversation.ParseUrgency(raw.Urgency)
	switch {
	case len(redFlags) > 0:
		// any red flag is an emergency whatever label the model chose
		urgency = conversation.UrgencyHigh
	case !ok:
		return nil, fmt.Errorf("%w: urgency %q", ErrInvalidClassification, raw.Urgency)
	}

	c := &Classification{
		Urgency:  urgency,
		Symptoms: []string(raw.Symptoms),
		RedFlags: redFlags,
		Fields:   make(map[string]string),
	}
	for k, v := range map[string]any{
		FieldDuration:      raw.Duration,
		FieldAge:           raw.Age,
		FieldName:          raw.Name,
		FieldPreferredTime: raw.PreferredTime,
	} {
		if s := scalarString(v); s != "" {
			c.Fields[k] = s
		}
	}
	return c, nil
}

// dropNone removes placeholder entries models emit for "no red flags".
func dropNone(in []string) []string {
	var out []string
	for _, s := range in {
		switch strings.ToLower(s) {
		case "none", "n/a", "na", "no", "null", "-":
			continue
		}
		out = append(out, s)
	}
	return out
}
