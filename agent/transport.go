package agent

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"scribe/model"
)

// GenerationRequest is the body of the streaming POST that opens one
// generation. ConversationID is omitted on the first message of a new
// conversation; the server answers with a start event carrying the id.
type GenerationRequest struct {
	Message        string `json:"message"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Stream         bool   `json:"stream"`
}

// PartialMessage is the body of the ordinary (non-streaming) request that
// durably persists a stopped generation's partial answer.
type PartialMessage struct {
	ConversationID int64             `json:"conversation_id"`
	Content        string            `json:"content"`
	Thought        string            `json:"thought,omitempty"`
	Steps          []model.ReActStep `json:"react_steps,omitempty"`
}

// Backend is the transport capability the engine consumes. api.Client is the
// production implementation; tests substitute fakes.
type Backend interface {
	// OpenStream issues the streaming POST and returns the response body.
	// Cancelling ctx must promptly stop the body from producing further
	// chunks (cooperative cancellation, no polling).
	OpenStream(ctx context.Context, req GenerationRequest) (io.ReadCloser, error)

	// PersistPartial durably stores a stopped generation's partial message
	// and returns the server's record of it.
	PersistPartial(ctx context.Context, msg PartialMessage) (model.Message, error)
}

// streamSession owns one outbound request: the decoded event channel and the
// single cancel handle for the underlying transport.
type streamSession struct {
	events <-chan Event

	cancelOnce sync.Once
	cancelCtx  context.CancelFunc
	body       io.Closer

	// err holds the transport error that ended the stream, if any. It is
	// written by the reader goroutine before the channel closes, so it may
	// be read once the channel is drained.
	mu  sync.Mutex
	err error
}

// openStream issues the request and starts the reader goroutine that feeds
// decoded events into the returned session's channel. The channel closes
// when the transport closes — normally, on error, or on cancellation — and
// cancellation never injects a synthetic event: the caller that cancelled
// already knows, and a synthetic event would race the server's own stopped
// acknowledgement.
func openStream(ctx context.Context, backend Backend, req GenerationRequest, log *zap.Logger) (*streamSession, error) {
	ctx, cancel := context.WithCancel(ctx)

	body, err := backend.OpenStream(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan Event)
	s := &streamSession{
		events:    ch,
		cancelCtx: cancel,
		body:      body,
	}

	go func() {
		defer close(ch)
		defer body.Close()

		dec := NewDecoder(body, log)
		for {
			ev, err := dec.Next()
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
				}
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return s, nil
}

// cancel tears down the transport. Idempotent: calling it repeatedly, or
// after the stream already completed, has no further effect.
func (s *streamSession) cancel() {
	s.cancelOnce.Do(func() {
		s.cancelCtx()
		_ = s.body.Close()
	})
}

// readErr reports the transport error that killed the stream, nil for a
// normal close or a cancellation.
func (s *streamSession) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
