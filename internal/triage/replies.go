package triage

import (
	"fmt"
	"strings"
)

// Fixed reply texts returned to senders.
const (
	ReplyEmergency = "Based on the symptoms you described, it may be an emergency. " +
		"Please call your local emergency number or visit the nearest emergency room immediately."

	ReplyClarify = "Sorry, I could not understand that. Could you describe your symptoms, " +
		"how long you have had them and your age?"

	ReplyTryAgain = "Sorry, something went wrong on our side. Please send your message again in a moment."

	ReplyAskName = "Thanks for providing more details. It sounds like your situation is not urgent, " +
		"but we would like to schedule an appointment. May I have your full name?"

	Disclaimer = "This service offers general guidance only and is not a medical diagnosis. " +
		"If your symptoms worsen or new symptoms appear, please contact a healthcare professional."
)

func replyAskTime(name string) string {
	return fmt.Sprintf("Thank you, %s. What day and time would you prefer for a call or visit?", name)
}

func replyConfirm(name, when string) string {
	return fmt.Sprintf("Thank you, %s. We have noted your request for %s. "+
		"Our staff will contact you to confirm the appointment.", name, when)
}

func replySelfCare(symptoms []string) string {
	var b strings.Builder
	b.WriteString("It appears your symptoms")
	if s := joinSymptoms(symptoms); s != "" {
		b.WriteString(" (")
		b.WriteString(s)
		b.WriteString(")")
	}
	b.WriteString(" are mild. Here are some general self-care tips: rest, stay hydrated and monitor your symptoms.")
	b.WriteString("\n\n")
	b.WriteString(Disclaimer)
	return b.String()
}

const maxReplySymptoms = 5

func joinSymptoms(symptoms []string) string {
	out := make([]string, 0, len(symptoms))
	for _, s := range symptoms {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		if len(out) == maxReplySymptoms {
			break
		}
	}
	return strings.Join(out, ", ")
}
