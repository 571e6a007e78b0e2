package synthesis

import (
	"strings"

	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/profile"
)

// BuildTranscript formats the conversation as the synthesis prompt body.
func BuildTranscript(clientName string, msgs []interview.Message) string {
	name := strings.TrimSpace(clientName)
	if name == "" {
		name = "Client"
	}
	var b strings.Builder
	b.WriteString("Client Name: ")
	b.WriteString(name)
	b.WriteString("\n\nConversation Transcript:\n\n")
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		speaker := "Interviewer"
		if m.Role == interview.RoleUser {
			speaker = name
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
	}
	return b.String()
}

// StrictAddendum is appended to the system prompt on the retry attempt.
func StrictAddendum(prev error) string {
	reason := "the response was not valid JSON"
	if prev != nil {
		reason = prev.Error()
	}
	var b strings.Builder
	b.WriteString("\n\nIMPORTANT: your previous response could not be used (")
	b.WriteString(reason)
	b.WriteString(").\nRespond with ONLY one JSON object. No prose, no markdown, no code fences.\n")
	b.WriteString("The object MUST contain every one of these keys, using null for any topic that was not discussed:\n")
	for _, k := range profile.RequiredKeys {
		b.WriteString("- ")
		b.WriteString(k)
		b.WriteString("\n")
	}
	return b.String()
}
