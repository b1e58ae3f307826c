package chat

import "strings"

// FormatHistory renders messages as the plain-text transcript embedded in
// model prompts. System messages are included verbatim.
func FormatHistory(messages []Message) string {
	var b strings.Builder
	for _, message := range messages {
		switch message.Type {
		case MessageUser:
			b.WriteString("User: ")
		case MessageAssistant:
			b.WriteString("Assistant: ")
		}
		b.WriteString(message.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}
