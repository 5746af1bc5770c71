package openai

import (
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultClientID is used when the request names no caller.
const DefaultClientID = "http"

// Prompt returns the text of the last user message, or "" if there is none.
// String content is used as is; for part arrays the first part with a string
// "text" is used. User messages with any other content are skipped.
func (r *ChatCompletionRequest) Prompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != "user" {
			continue
		}
		if text, ok := contentText(m.Content); ok {
			return text
		}
	}
	return ""
}

func contentText(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	content := gjson.ParseBytes(raw)
	switch {
	case content.Type == gjson.String:
		return content.Str, true
	case content.IsArray():
		for _, part := range content.Array() {
			if t := part.Get("text"); t.Type == gjson.String {
				return t.Str, true
			}
		}
	}
	return "", false
}

// ClientID returns the caller identity: user, else id, else "http".
func (r *ChatCompletionRequest) ClientID() string {
	for _, candidate := range []string{r.User, r.ID} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return DefaultClientID
}

// IsNewSessionCommand reports whether prompt asks for a fresh session.
func IsNewSessionCommand(prompt string) bool {
	switch strings.TrimSpace(prompt) {
	case "/clawd-new", "clawd-new":
		return true
	}
	return false
}
