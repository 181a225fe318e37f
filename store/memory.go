package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"scribe/model"
)

// MemoryStore is the in-memory Store the UI observes during a run. Tests use
// it as the engine's collaborator; main wires it when the SQLite cache is
// unavailable.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[int64]*model.Conversation
	lister        Lister // optional; Refresh is a no-op without it
}

// NewMemoryStore creates an empty store. lister may be nil.
func NewMemoryStore(lister Lister) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*model.Conversation),
		lister:        lister,
	}
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(conversationID int64, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		now := time.Now()
		conv = &model.Conversation{
			ID:        conversationID,
			Title:     model.GenerateTitle(msg.Content),
			CreatedAt: now,
		}
		s.conversations[conversationID] = conv
	}

	msg.ConversationID = conversationID
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()
	return nil
}

// PromoteDraft implements Store.
func (s *MemoryStore) PromoteDraft(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.conversations[0]
	if !ok {
		return nil
	}
	if _, exists := s.conversations[id]; exists {
		// The server id already has a record (reconnect mid-generation);
		// move the draft's messages onto it instead of clobbering.
		target := s.conversations[id]
		for _, m := range draft.Messages {
			m.ConversationID = id
			target.Messages = append(target.Messages, m)
		}
		target.UpdatedAt = time.Now()
		delete(s.conversations, 0)
		return nil
	}

	draft.ID = id
	for i := range draft.Messages {
		draft.Messages[i].ConversationID = id
	}
	s.conversations[id] = draft
	delete(s.conversations, 0)
	return nil
}

// Conversation implements Store.
func (s *MemoryStore) Conversation(id int64) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d not found", id)
	}
	c := *conv
	c.Messages = make([]model.Message, len(conv.Messages))
	copy(c.Messages, conv.Messages)
	return &c, nil
}

// List implements Store. Newest activity first.
func (s *MemoryStore) List() ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		c := *conv
		c.Messages = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Refresh implements Store: pull conversation metadata from the backend and
// merge it over local records without touching locally held messages.
func (s *MemoryStore) Refresh(ctx context.Context) error {
	if s.lister == nil {
		return nil
	}

	remote, err := s.lister.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rc := range remote {
		local, ok := s.conversations[rc.ID]
		if !ok {
			c := rc
			c.Messages = nil
			s.conversations[rc.ID] = &c
			continue
		}
		local.Title = rc.Title
		local.Model = rc.Model
		local.Archived = rc.Archived
		local.CreatedAt = rc.CreatedAt
		if rc.UpdatedAt.After(local.UpdatedAt) {
			local.UpdatedAt = rc.UpdatedAt
		}
	}
	return nil
}
