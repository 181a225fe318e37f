package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scribe/model"
	"scribe/store"
)

// Markers appended to a message synthesized from an interrupted generation.
const (
	stoppedSuffix         = "\n\n⚠️ Response stopped"
	thinkingStoppedPrefix = "⚠️ Stopped while thinking:\n\n"
	stoppedGenericContent = "⚠️ Response stopped"

	refreshTimeout        = 10 * time.Second
	persistPartialTimeout = 15 * time.Second
)

// ProtocolError is an explicit failure the backend reported through an error
// event mid-stream.
type ProtocolError struct {
	Description string
}

func (e *ProtocolError) Error() string { return e.Description }

// UpdateKind tags the mutations a Session reports to its observer.
type UpdateKind int

const (
	// UpdateStream: buffers, steps or tool calls changed mid-generation.
	UpdateStream UpdateKind = iota
	// UpdateDone: the generation finalized successfully; Message is set.
	UpdateDone
	// UpdateStopped: the generation was stopped and a partial message was
	// appended; Message is set.
	UpdateStopped
	// UpdateError: the generation failed; Err is set.
	UpdateError
)

// Update describes one observable change to the in-flight generation. The
// UI layer subscribes to these instead of touching session internals.
type Update struct {
	Kind     UpdateKind
	Snapshot *Snapshot
	Message  *model.Message
	Err      error
}

// Session drives generations for one conversation. At most one generation is
// in flight at a time: Send while sending is a no-op, never a queue.
//
// All transient state is guarded by mu. The sending flag doubles as the
// tombstone that resolves the cancellation race: every event handler and
// Stop check-and-set it in one critical section, so whichever terminal path
// runs first wins and the loser becomes a no-op.
type Session struct {
	backend  Backend
	store    store.Store
	log      *zap.Logger
	onUpdate func(Update)

	mu             sync.Mutex
	sending        bool
	acc            *accumulator
	stream         *streamSession
	conversationID int64
}

// Option configures a Session.
type Option func(*Session)

// WithLogger attaches a logger; the default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithUpdateFunc registers the observer callback. It is invoked outside the
// session's critical section, always with copied data.
func WithUpdateFunc(fn func(Update)) Option {
	return func(s *Session) { s.onUpdate = fn }
}

// NewSession creates a session bound to conversationID; pass 0 to start a
// new conversation on the first Send.
func NewSession(backend Backend, st store.Store, conversationID int64, opts ...Option) *Session {
	s := &Session{
		backend:        backend,
		store:          st,
		log:            zap.NewNop(),
		conversationID: conversationID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sending reports whether a generation is currently in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// ConversationID returns the conversation this session is bound to; 0 until
// the server assigns one.
func (s *Session) ConversationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetConversation rebinds the session to another conversation. Ignored while
// a generation is in flight.
func (s *Session) SetConversation(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sending {
		return
	}
	s.conversationID = id
}

// Current returns a copy of the in-flight generation's state, false when
// idle.
func (s *Session) Current() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sending || s.acc == nil {
		return Snapshot{}, false
	}
	return s.acc.snapshot(), true
}

// Send runs one full generation: append the optimistic user message, open
// the stream, fold events until a terminal one arrives, and append the
// finalized assistant message to the store.
//
// Send blocks until the generation finalizes, so callers run it in its own
// goroutine (the UI fires it as a command). A Send while another generation
// is in flight returns nil immediately without doing anything.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		s.log.Debug("send ignored, generation already in flight",
			zap.Int64("conversation", s.conversationID))
		return nil
	}
	s.sending = true
	convID := s.conversationID
	s.acc = newAccumulator(convID)
	s.mu.Unlock()

	// Optimistic append: the user's message is visible before the network
	// call completes. It lands in the draft conversation when no id is
	// known yet.
	userMsg := model.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           model.RoleUser,
		Content:        text,
		LocalOnly:      true,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(convID, userMsg); err != nil {
		s.log.Warn("optimistic user message append failed", zap.Error(err))
	}

	stream, err := openStream(ctx, s.backend, GenerationRequest{
		Message:        text,
		ConversationID: convID,
		Stream:         true,
	}, s.log)
	if err != nil {
		s.mu.Lock()
		s.clearLocked()
		s.mu.Unlock()
		return fmt.Errorf("open stream: %w", err)
	}

	s.mu.Lock()
	if !s.sending {
		// Stopped before the request even opened; tear the stream down.
		s.mu.Unlock()
		stream.cancel()
		return nil
	}
	s.stream = stream
	s.mu.Unlock()

	for ev := range stream.events {
		terminal, err := s.handleEvent(ev)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
	}

	// Stream closed without a terminal event: either the transport died
	// mid-generation, or a local Stop already finalized and cancelled it.
	s.mu.Lock()
	if !s.sending {
		s.mu.Unlock()
		return nil // stop already produced the partial message
	}
	s.clearLocked()
	s.mu.Unlock()

	if err := stream.readErr(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return fmt.Errorf("stream closed before terminal event")
}

// handleEvent folds one decoded event into session state. It reports whether
// the event was terminal and, for the error path, the failure to surface
// from Send.
func (s *Session) handleEvent(ev Event) (bool, error) {
	s.mu.Lock()
	if !s.sending {
		// Tombstone: a local Stop won the race; whatever arrives now —
		// including the server's own stopped acknowledgement — mutates
		// nothing and appends nothing.
		s.mu.Unlock()
		return true, nil
	}

	now := time.Now()

	switch ev := ev.(type) {
	case DoneEvent:
		msg := s.composeDoneLocked(ev, now)
		convID := s.acc.conversationID
		s.conversationID = convID
		s.clearLocked()
		s.mu.Unlock()

		if err := s.store.AppendMessage(convID, msg); err != nil {
			s.log.Warn("assistant message append failed", zap.Error(err))
		}
		s.refreshConversations()
		s.emit(Update{Kind: UpdateDone, Message: &msg})
		return true, nil

	case ErrorEvent:
		// A failed generation leaves no partial message; only the stop
		// path persists partial output.
		s.clearLocked()
		s.mu.Unlock()

		perr := &ProtocolError{Description: ev.Message}
		s.emit(Update{Kind: UpdateError, Err: perr})
		return true, perr

	case StoppedEvent:
		// Server-initiated stop with no local Stop in flight. The server
		// has already reconciled its own record, so the partial message
		// is appended locally without the durable persist round-trip.
		snap := s.acc.snapshot()
		convID := snap.ConversationID
		if convID == 0 {
			convID = s.conversationID
		}
		s.conversationID = convID
		s.clearLocked()
		s.mu.Unlock()

		msg := composeStoppedMessage(snap, now)
		msg.ConversationID = convID
		if err := s.store.AppendMessage(convID, msg); err != nil {
			s.log.Warn("stopped message append failed", zap.Error(err))
		}
		s.emit(Update{Kind: UpdateStopped, Message: &msg})
		return true, nil

	case StartEvent:
		hadID := s.acc.conversationID != 0
		s.acc.apply(ev, now)
		boundID := s.acc.conversationID
		promote := !hadID && boundID != 0
		if promote {
			s.conversationID = boundID
		}
		snap := s.acc.snapshot()
		s.mu.Unlock()

		if promote {
			if err := s.store.PromoteDraft(boundID); err != nil {
				s.log.Warn("draft promotion failed", zap.Int64("conversation", boundID), zap.Error(err))
			}
		}
		s.emit(Update{Kind: UpdateStream, Snapshot: &snap})
		return false, nil

	default:
		s.acc.apply(ev, now)
		snap := s.acc.snapshot()
		s.mu.Unlock()

		s.emit(Update{Kind: UpdateStream, Snapshot: &snap})
		return false, nil
	}
}

// Stop finalizes the in-flight generation from whatever is in the buffers
// right now, durably persists that partial message, and only then cancels
// the transport. Finalize-then-cancel, never the reverse: cancelling first
// could lose buffer contents to the stream teardown.
//
// Stop when nothing is in flight is a no-op. Stop never returns the durable
// persist failure: the partial message falls back to a local-only record so
// the user is never left without a trace of what happened.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.sending {
		s.mu.Unlock()
		return
	}
	// The instant tombstone: from here on every event handler turn
	// becomes a no-op, including a late stopped/done from the server.
	s.sending = false
	snap := s.acc.snapshot()
	stream := s.stream
	s.stream = nil
	s.acc = nil
	convID := snap.ConversationID
	if convID == 0 {
		convID = s.conversationID
	} else {
		s.conversationID = convID
	}
	s.mu.Unlock()

	msg := composeStoppedMessage(snap, time.Now())
	msg.ConversationID = convID

	pctx, cancel := context.WithTimeout(ctx, persistPartialTimeout)
	defer cancel()
	persisted, err := s.backend.PersistPartial(pctx, PartialMessage{
		ConversationID: convID,
		Content:        msg.Content,
		Thought:        msg.Thought,
		Steps:          msg.Steps,
	})
	if err != nil {
		s.log.Warn("durable persist of stopped message failed, keeping local copy",
			zap.Int64("conversation", convID), zap.Error(err))
		msg.LocalOnly = true
	} else {
		if persisted.ID != "" {
			msg.ID = persisted.ID
		}
		msg.LocalOnly = false
	}

	if err := s.store.AppendMessage(convID, msg); err != nil {
		s.log.Warn("stopped message append failed", zap.Error(err))
	}

	// The message exists in the store; now the transport may go.
	if stream != nil {
		stream.cancel()
	}

	s.emit(Update{Kind: UpdateStopped, Message: &msg})
}

// composeDoneLocked builds the finalized assistant message, preferring the
// server's consolidated answer/thought/steps over the local buffers when
// supplied. Caller holds the lock.
func (s *Session) composeDoneLocked(ev DoneEvent, now time.Time) model.Message {
	snap := s.acc.snapshot()

	content := ev.Answer
	if content == "" {
		content = snap.Content
	}
	thought := ev.Thought
	if thought == "" {
		thought = snap.Thought
	}
	steps := ev.Steps
	if steps == nil {
		steps = snap.Steps
	}

	return model.Message{
		ID:             uuid.New().String(),
		ConversationID: snap.ConversationID,
		Role:           model.RoleAssistant,
		Content:        content,
		Thought:        thought,
		Steps:          steps,
		Usage:          ev.Usage,
		CreatedAt:      now,
	}
}

// composeStoppedMessage synthesizes the partial assistant message for an
// interrupted generation: streamed answer with a stopped marker, else the
// in-progress thought with an interrupted marker, else a bare marker.
func composeStoppedMessage(snap Snapshot, now time.Time) model.Message {
	var content string
	switch {
	case snap.Content != "":
		content = snap.Content + stoppedSuffix
	case snap.Thought != "":
		content = thinkingStoppedPrefix + snap.Thought
	default:
		content = stoppedGenericContent
	}

	return model.Message{
		ID:        uuid.New().String(),
		Role:      model.RoleAssistant,
		Content:   content,
		Thought:   snap.Thought,
		Steps:     snap.Steps,
		CreatedAt: now,
	}
}

// clearLocked destroys the transient generation state. Caller holds the
// lock.
func (s *Session) clearLocked() {
	s.sending = false
	s.acc = nil
	if s.stream != nil {
		// Safe on the natural-completion path too: cancel is idempotent
		// and releases the request context.
		s.stream.cancel()
		s.stream = nil
	}
}

// refreshConversations asks the store to pull fresh conversation metadata;
// titles can change server-side after a generation.
func (s *Session) refreshConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.store.Refresh(ctx); err != nil {
		s.log.Debug("conversation refresh failed", zap.Error(err))
	}
}

func (s *Session) emit(u Update) {
	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}
