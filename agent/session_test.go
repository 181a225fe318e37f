package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/model"
)

// scriptedBody is a response body fed line by line from a channel, so tests
// control exactly when each frame arrives. Close unblocks any pending Read,
// matching how an aborted HTTP body behaves.
type scriptedBody struct {
	lines     chan string
	buf       []byte
	closed    chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newScriptedBody(onClose func()) *scriptedBody {
	return &scriptedBody{
		lines:   make(chan string, 64),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		select {
		case line, ok := <-b.lines:
			if !ok {
				return 0, io.EOF
			}
			b.buf = []byte(line)
		case <-b.closed:
			return 0, errors.New("body closed")
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *scriptedBody) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		if b.onClose != nil {
			b.onClose()
		}
	})
	return nil
}

// fakeBackend serves one scripted stream and records the order of persist and
// transport-close calls.
type fakeBackend struct {
	mu            sync.Mutex
	body          *scriptedBody
	openErr       error
	opens         int
	persists      []PartialMessage
	persistErr    error
	persistResult model.Message
	order         []string
}

func (b *fakeBackend) OpenStream(ctx context.Context, req GenerationRequest) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.body, nil
}

func (b *fakeBackend) PersistPartial(ctx context.Context, msg PartialMessage) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persists = append(b.persists, msg)
	b.order = append(b.order, "persist")
	if b.persistErr != nil {
		return model.Message{}, b.persistErr
	}
	return b.persistResult, nil
}

func (b *fakeBackend) recordClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = append(b.order, "close")
}

func (b *fakeBackend) callOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

func (b *fakeBackend) partials() []PartialMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PartialMessage, len(b.persists))
	copy(out, b.persists)
	return out
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type recordedAppend struct {
	convID int64
	msg    model.Message
}

// recordingStore captures every mutation; reads serve empty data.
type recordingStore struct {
	mu        sync.Mutex
	appends   []recordedAppend
	promoted  []int64
	refreshes int
}

func (s *recordingStore) AppendMessage(conversationID int64, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, recordedAppend{convID: conversationID, msg: msg})
	return nil
}

func (s *recordingStore) PromoteDraft(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoted = append(s.promoted, id)
	return nil
}

func (s *recordingStore) Conversation(id int64) (*model.Conversation, error) {
	return &model.Conversation{ID: id}, nil
}

func (s *recordingStore) List() ([]model.Conversation, error) { return nil, nil }

func (s *recordingStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

func (s *recordingStore) appended() []recordedAppend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedAppend, len(s.appends))
	copy(out, s.appends)
	return out
}

func (s *recordingStore) messagesByRole(role string) []model.Message {
	var out []model.Message
	for _, a := range s.appended() {
		if a.msg.Role == role {
			out = append(out, a.msg)
		}
	}
	return out
}

type sessionFixture struct {
	backend  *fakeBackend
	store    *recordingStore
	session  *Session
	updates  chan Update
	sendDone chan error
}

func newFixture() *sessionFixture {
	backend := &fakeBackend{}
	backend.body = newScriptedBody(backend.recordClose)

	fx := &sessionFixture{
		backend:  backend,
		store:    &recordingStore{},
		updates:  make(chan Update, 128),
		sendDone: make(chan error, 1),
	}
	fx.session = NewSession(backend, fx.store, 0,
		WithUpdateFunc(func(u Update) { fx.updates <- u }),
	)
	return fx
}

func (fx *sessionFixture) send(text string) {
	go func() {
		fx.sendDone <- fx.session.Send(context.Background(), text)
	}()
}

func (fx *sessionFixture) feed(lines ...string) {
	for _, line := range lines {
		fx.backend.body.lines <- line
	}
}

func (fx *sessionFixture) endStream() {
	close(fx.backend.body.lines)
}

func (fx *sessionFixture) waitSend(t *testing.T) error {
	t.Helper()
	select {
	case err := <-fx.sendDone:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return")
		return nil
	}
}

func waitCond(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func frameLine(event, data string) string {
	return `data: {"event":"` + event + `","data":` + data + "}\n"
}

func TestSessionFullGeneration(t *testing.T) {
	fx := newFixture()
	fx.send("what is go?")

	fx.feed(
		frameLine("start", `{"conversation_id":42}`),
		frameLine("thinking_start", `{}`),
		frameLine("thinking", `"let me think"`),
		frameLine("thought", `"search the docs"`),
		frameLine("action", `{"tool":"web_search","input":{"query":"go"}}`),
		frameLine("observation", `{"tool":"web_search","output":"found it","success":true}`),
		frameLine("content", `"Go is"`),
		frameLine("content", `" a language."`),
		frameLine("done", `{}`),
	)

	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if fx.session.Sending() {
		t.Error("Sending() = true after done")
	}
	if got := fx.session.ConversationID(); got != 42 {
		t.Errorf("ConversationID() = %d, want 42", got)
	}

	users := fx.store.messagesByRole(model.RoleUser)
	if len(users) != 1 || users[0].Content != "what is go?" {
		t.Fatalf("user messages = %+v, want the optimistic echo", users)
	}
	if !users[0].LocalOnly {
		t.Error("optimistic user message not marked local-only")
	}

	assistants := fx.store.messagesByRole(model.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("got %d assistant messages, want 1", len(assistants))
	}
	final := assistants[0]
	if final.Content != "Go is a language." {
		t.Errorf("Content = %q", final.Content)
	}
	if final.ConversationID != 42 {
		t.Errorf("ConversationID = %d, want 42", final.ConversationID)
	}
	if len(final.Steps) != 3 {
		t.Errorf("got %d steps, want 3 (thought, action, observation)", len(final.Steps))
	}

	fx.store.mu.Lock()
	promoted, refreshes := fx.store.promoted, fx.store.refreshes
	fx.store.mu.Unlock()
	if len(promoted) != 1 || promoted[0] != 42 {
		t.Errorf("promoted = %v, want [42]", promoted)
	}
	if refreshes == 0 {
		t.Error("conversation metadata was never refreshed after done")
	}
}

func TestSessionDoneEventAnswerWins(t *testing.T) {
	fx := newFixture()
	fx.send("q")

	fx.feed(
		frameLine("start", `{"conversation_id":1}`),
		frameLine("content", `"streamed partial"`),
		frameLine("done", `{"answer":"the consolidated answer","thought":"final reasoning"}`),
	)

	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	assistants := fx.store.messagesByRole(model.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("got %d assistant messages, want 1", len(assistants))
	}
	if assistants[0].Content != "the consolidated answer" {
		t.Errorf("Content = %q, want the server's consolidated answer", assistants[0].Content)
	}
	if assistants[0].Thought != "final reasoning" {
		t.Errorf("Thought = %q", assistants[0].Thought)
	}
}

func TestSessionDuplicateSendIsNoOp(t *testing.T) {
	fx := newFixture()
	fx.send("first")
	waitCond(t, "stream opened", func() bool { return fx.backend.openCount() == 1 })

	// Synchronous second Send must return immediately without opening a
	// second stream or appending a second user message.
	if err := fx.session.Send(context.Background(), "second"); err != nil {
		t.Errorf("duplicate Send() error: %v", err)
	}
	if got := fx.backend.openCount(); got != 1 {
		t.Errorf("backend opened %d times, want 1", got)
	}
	if users := fx.store.messagesByRole(model.RoleUser); len(users) != 1 {
		t.Errorf("got %d user messages, want 1", len(users))
	}

	fx.feed(frameLine("done", `{}`))
	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
}

func TestSessionStopFinalizesThenCancels(t *testing.T) {
	fx := newFixture()
	fx.backend.persistResult = model.Message{ID: "srv-partial-1"}
	fx.send("q")

	fx.feed(
		frameLine("start", `{"conversation_id":7}`),
		frameLine("content", `"Partial answ"`),
	)
	waitCond(t, "content buffered", func() bool {
		snap, ok := fx.session.Current()
		return ok && snap.Content == "Partial answ"
	})

	fx.session.Stop(context.Background())

	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() after Stop error: %v", err)
	}

	// The partial message is durably persisted before the transport dies.
	order := fx.backend.callOrder()
	if len(order) < 2 || order[0] != "persist" || order[1] != "close" {
		t.Fatalf("call order = %v, want persist before close", order)
	}

	partials := fx.backend.partials()
	if len(partials) != 1 {
		t.Fatalf("got %d persisted partials, want 1", len(partials))
	}
	if partials[0].ConversationID != 7 {
		t.Errorf("partial ConversationID = %d, want 7", partials[0].ConversationID)
	}
	if !strings.HasPrefix(partials[0].Content, "Partial answ") {
		t.Errorf("partial Content = %q", partials[0].Content)
	}

	assistants := fx.store.messagesByRole(model.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("got %d assistant messages, want 1", len(assistants))
	}
	stopped := assistants[0]
	if !strings.Contains(stopped.Content, "Partial answ") || !strings.Contains(stopped.Content, "stopped") {
		t.Errorf("stopped Content = %q", stopped.Content)
	}
	if stopped.ID != "srv-partial-1" {
		t.Errorf("stopped ID = %q, want the server-assigned id", stopped.ID)
	}
	if stopped.LocalOnly {
		t.Error("stopped message marked local-only despite successful persist")
	}
}

func TestSessionStopWhileThinking(t *testing.T) {
	fx := newFixture()
	fx.send("q")

	fx.feed(
		frameLine("start", `{"conversation_id":3}`),
		frameLine("thinking_start", `{}`),
		frameLine("thinking", `"Considering sources"`),
	)
	waitCond(t, "thought buffered", func() bool {
		snap, ok := fx.session.Current()
		return ok && snap.Thought == "Considering sources"
	})

	fx.session.Stop(context.Background())
	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() after Stop error: %v", err)
	}

	assistants := fx.store.messagesByRole(model.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("got %d assistant messages, want 1", len(assistants))
	}
	if !strings.Contains(assistants[0].Content, "Considering sources") {
		t.Errorf("Content = %q, want the interrupted thought preserved", assistants[0].Content)
	}
}

func TestSessionStopPersistFailureKeepsLocalCopy(t *testing.T) {
	fx := newFixture()
	fx.backend.persistErr = errors.New("backend unavailable")
	fx.send("q")

	fx.feed(
		frameLine("start", `{"conversation_id":5}`),
		frameLine("content", `"half an answer"`),
	)
	waitCond(t, "content buffered", func() bool {
		snap, ok := fx.session.Current()
		return ok && snap.Content != ""
	})

	// Stop never surfaces the persist failure; the message survives as a
	// local-only record instead.
	fx.session.Stop(context.Background())
	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() after Stop error: %v", err)
	}

	assistants := fx.store.messagesByRole(model.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("got %d assistant messages, want 1", len(assistants))
	}
	if !assistants[0].LocalOnly {
		t.Error("message not marked local-only after persist failure")
	}
}

func TestSessionLateEventsAfterStopAreNoOps(t *testing.T) {
	fx := newFixture()
	fx.send("q")

	fx.feed(frameLine("start", `{"conversation_id":2}`))
	waitCond(t, "stream bound", func() bool {
		return fx.session.ConversationID() == 2
	})

	fx.session.Stop(context.Background())
	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() after Stop error: %v", err)
	}
	before := len(fx.store.appended())

	// Events that were already in flight when Stop won the race: each one
	// must hit the tombstone and mutate nothing.
	for _, ev := range []Event{
		ContentEvent{Text: "late"},
		StoppedEvent{},
		DoneEvent{Answer: "late answer"},
	} {
		terminal, err := fx.session.handleEvent(ev)
		if !terminal || err != nil {
			t.Errorf("handleEvent(%T) = (%v, %v), want (true, nil)", ev, terminal, err)
		}
	}

	if after := len(fx.store.appended()); after != before {
		t.Errorf("store grew from %d to %d appends after stop", before, after)
	}
}

func TestSessionStopWhenIdleIsNoOp(t *testing.T) {
	fx := newFixture()

	fx.session.Stop(context.Background())

	if appends := fx.store.appended(); len(appends) != 0 {
		t.Errorf("idle Stop appended %d messages", len(appends))
	}
	if partials := fx.backend.partials(); len(partials) != 0 {
		t.Errorf("idle Stop persisted %d partials", len(partials))
	}
}

func TestSessionErrorEvent(t *testing.T) {
	fx := newFixture()
	fx.send("q")

	fx.feed(
		frameLine("start", `{"conversation_id":9}`),
		frameLine("content", `"some partial"`),
		frameLine("error", `"model overloaded"`),
	)

	err := fx.waitSend(t)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Send() error = %v, want *ProtocolError", err)
	}
	if perr.Description != "model overloaded" {
		t.Errorf("Description = %q", perr.Description)
	}

	// A failed generation leaves no assistant message, partial or otherwise.
	if assistants := fx.store.messagesByRole(model.RoleAssistant); len(assistants) != 0 {
		t.Errorf("got %d assistant messages after error, want 0", len(assistants))
	}
	if fx.session.Sending() {
		t.Error("Sending() = true after error")
	}
}

func TestSessionServerInitiatedStop(t *testing.T) {
	fx := newFixture()
	fx.send("q")

	fx.feed(
		frameLine("start", `{"conversation_id":11}`),
		frameLine("content", `"cut short"`),
		frameLine("stopped", `{}`),
	)

	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	assistants := fx.store.messagesByRole(model.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("got %d assistant messages, want 1", len(assistants))
	}
	if !strings.Contains(assistants[0].Content, "cut short") {
		t.Errorf("Content = %q", assistants[0].Content)
	}
	// The server stopped on its own; it already holds the partial, so no
	// durable persist round-trip happens.
	if partials := fx.backend.partials(); len(partials) != 0 {
		t.Errorf("server-initiated stop persisted %d partials, want 0", len(partials))
	}
}

func TestSessionStreamDiesWithoutTerminalEvent(t *testing.T) {
	fx := newFixture()
	fx.send("q")

	fx.feed(
		frameLine("start", `{"conversation_id":4}`),
		frameLine("content", `"unfinished"`),
	)
	waitCond(t, "content buffered", func() bool {
		snap, ok := fx.session.Current()
		return ok && snap.Content != ""
	})
	fx.endStream()

	if err := fx.waitSend(t); err == nil {
		t.Fatal("Send() = nil, want an error for a stream that died mid-generation")
	}
	if fx.session.Sending() {
		t.Error("Sending() = true after dead stream")
	}
}

func TestSessionOpenStreamFailure(t *testing.T) {
	fx := newFixture()
	fx.backend.openErr = errors.New("connection refused")

	err := fx.session.Send(context.Background(), "q")
	if err == nil {
		t.Fatal("Send() = nil, want the transport error")
	}
	if fx.session.Sending() {
		t.Error("Sending() = true after failed open")
	}
	// The optimistic user message survives even when the request never
	// left the machine.
	if users := fx.store.messagesByRole(model.RoleUser); len(users) != 1 {
		t.Errorf("got %d user messages, want 1", len(users))
	}
}

func TestSessionSetConversationIgnoredWhileSending(t *testing.T) {
	fx := newFixture()
	fx.send("q")
	fx.feed(frameLine("start", `{"conversation_id":6}`))
	waitCond(t, "stream bound", func() bool {
		return fx.session.ConversationID() == 6
	})

	fx.session.SetConversation(99)
	if got := fx.session.ConversationID(); got != 6 {
		t.Errorf("ConversationID() = %d, want 6 (rebind ignored mid-flight)", got)
	}

	fx.feed(frameLine("done", `{}`))
	if err := fx.waitSend(t); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	fx.session.SetConversation(99)
	if got := fx.session.ConversationID(); got != 99 {
		t.Errorf("ConversationID() = %d, want 99 after idle rebind", got)
	}
}

func TestComposeStoppedMessage(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{
			name: "streamed answer keeps text plus marker",
			snap: Snapshot{Content: "Partial answer text"},
			want: "Partial answer text" + stoppedSuffix,
		},
		{
			name: "thought only",
			snap: Snapshot{Thought: "I was about to search"},
			want: thinkingStoppedPrefix + "I was about to search",
		},
		{
			name: "nothing buffered",
			snap: Snapshot{},
			want: stoppedGenericContent,
		},
		{
			name: "content wins over thought",
			snap: Snapshot{Content: "answer", Thought: "reasoning"},
			want: "answer" + stoppedSuffix,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := composeStoppedMessage(tt.snap, now)
			if msg.Content != tt.want {
				t.Errorf("Content = %q, want %q", msg.Content, tt.want)
			}
			if msg.Role != model.RoleAssistant {
				t.Errorf("Role = %q, want assistant", msg.Role)
			}
		})
	}
}
