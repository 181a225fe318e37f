// Package store holds the client's view of conversations and messages.
//
// The engine's contract with a Store is append-only: a Message already
// appended is never mutated, only new Messages are added. The draft
// conversation (id 0) is the one exception to stable ids — it exists so the
// optimistic user message has somewhere to live before the server has
// assigned a conversation id, and is promoted to the real id as soon as the
// stream's start event arrives.
package store

import (
	"context"

	"scribe/model"
)

// Store is the conversation store the engine and the UI share.
type Store interface {
	// AppendMessage adds a message to a conversation, creating the
	// conversation record if it does not exist yet. Id 0 addresses the
	// draft conversation.
	AppendMessage(conversationID int64, msg model.Message) error

	// PromoteDraft rebinds the draft conversation to the server-assigned
	// id. A no-op when there is no draft.
	PromoteDraft(id int64) error

	// Conversation returns one conversation with its messages.
	Conversation(id int64) (*model.Conversation, error)

	// List returns all known conversations, newest activity first.
	List() ([]model.Conversation, error)

	// Refresh pulls conversation metadata from the backend, keeping
	// locally held messages intact.
	Refresh(ctx context.Context) error
}

// Lister is the backend capability Refresh needs. api.Client implements it.
type Lister interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}
