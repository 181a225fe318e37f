package model

import "time"

// Message roles as they appear on the wire and in storage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// StepType discriminates the variants of a ReActStep.
type StepType string

const (
	StepThought     StepType = "thought"
	StepAction      StepType = "action"
	StepObservation StepType = "observation"
)

// ReActStep is one recorded unit of reasoning, acting, or observing within a
// single generation. Steps are append-only: once recorded they are never
// reordered or mutated, and on finalize they are frozen into the Message.
type ReActStep struct {
	Type      StepType       `json:"type"`
	Iteration int            `json:"iteration"` // 1-based reasoning round
	Content   string         `json:"content"`
	Tool      string         `json:"tool,omitempty"`    // action/observation only
	Input     map[string]any `json:"input,omitempty"`   // action only
	Output    string         `json:"output,omitempty"`  // observation only
	Success   bool           `json:"success,omitempty"` // observation only
	Timestamp time.Time      `json:"timestamp"`
}

// ToolCall is one invocation of an external capability by the agent, paired
// with its result once the matching observation arrives. Tool calls are
// session-local: they exist only for the duration of one generation.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Success   bool           `json:"success,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TokenUsage carries the server-reported token counters for one generation.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// Message is one persisted chat message. Messages are immutable once created;
// the engine never edits a persisted Message, only appends new ones.
type Message struct {
	ID             string      `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Role           string      `json:"role"`
	Content        string      `json:"content"`
	Thought        string      `json:"thought,omitempty"`
	Steps          []ReActStep `json:"react_steps,omitempty"`
	Usage          TokenUsage  `json:"usage,omitempty"`

	// LocalOnly marks messages that exist only in the client's store: the
	// optimistic user message before the server confirms it, or a stopped
	// partial answer whose durable persist failed.
	LocalOnly bool `json:"local_only,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
