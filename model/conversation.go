package model

import (
	"strings"
	"time"
)

// Conversation is one chat thread. Message order is insertion order, which is
// also chronological order; the engine only ever appends to it.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"` // provider/model tag, e.g. "openai/gpt-4o"
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// GenerateTitle derives a display title from the first user message, the same
// way the server names conversations before it has its own summary.
func GenerateTitle(firstMessage string) string {
	if firstMessage == "" {
		return "New Conversation"
	}

	title := firstMessage
	if len(title) > 40 {
		title = title[:40] + "..."
	}

	title = strings.ReplaceAll(title, "\n", " ")
	title = strings.ReplaceAll(title, "\r", " ")
	title = strings.TrimSpace(title)

	if title == "" {
		return "New Conversation"
	}
	return title
}
