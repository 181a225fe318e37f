package agent

import (
	"strings"
	"time"

	"scribe/model"
)

// accumulator folds the event sequence of one generation into streaming
// buffers, ordered ReAct steps and tool calls. It is pure state: no I/O, no
// locking, no clock of its own. Replaying the same event sequence on a fresh
// accumulator yields an identical result.
type accumulator struct {
	conversationID int64
	iteration      int // 1-based, monotonic, never decremented
	thinking       bool

	content strings.Builder
	thought strings.Builder

	steps     []model.ReActStep
	toolCalls []model.ToolCall

	// Index into toolCalls of the call awaiting its observation, -1 when
	// none. At most one call is open at any time; correlation is by "last
	// unmatched" position, the protocol carries no call ids.
	openCall int
}

func newAccumulator(conversationID int64) *accumulator {
	return &accumulator{conversationID: conversationID, openCall: -1}
}

// apply mutates the accumulator for one non-terminal event. Terminal events
// (done, error, stopped) are handled by the session, not here.
func (a *accumulator) apply(ev Event, now time.Time) {
	switch ev := ev.(type) {
	case StartEvent:
		// The conversation was created server-side on the first message;
		// bind its id once and never rebind.
		if a.conversationID == 0 {
			a.conversationID = ev.ConversationID
		}

	case ThinkingStartEvent:
		a.thinking = true
		a.iteration++
		a.thought.Reset()

	case ThinkingEvent:
		a.thought.WriteString(ev.Text)

	case ThoughtEvent:
		// The server may send a consolidated final thought that replaces
		// whatever streamed in incrementally.
		a.thought.Reset()
		a.thought.WriteString(ev.Text)
		a.thinking = false
		a.steps = append(a.steps, model.ReActStep{
			Type:      model.StepThought,
			Iteration: a.iteration,
			Content:   ev.Text,
			Timestamp: now,
		})

	case ActionEvent:
		a.thinking = false
		a.toolCalls = append(a.toolCalls, model.ToolCall{
			Tool:      ev.Tool,
			Input:     ev.Input,
			Timestamp: now,
		})
		a.openCall = len(a.toolCalls) - 1
		a.steps = append(a.steps, model.ReActStep{
			Type:      model.StepAction,
			Iteration: a.iteration,
			Tool:      ev.Tool,
			Input:     ev.Input,
			Timestamp: now,
		})

	case ObservationEvent:
		// An observation with no open tool call means a malformed stream;
		// ignore it rather than crash.
		if a.openCall >= 0 {
			call := &a.toolCalls[a.openCall]
			call.Output = ev.Output
			call.Success = ev.Success
			a.openCall = -1
		}
		a.thinking = true // the agent will reason again
		a.steps = append(a.steps, model.ReActStep{
			Type:      model.StepObservation,
			Iteration: a.iteration,
			Tool:      ev.Tool,
			Output:    ev.Output,
			Success:   ev.Success,
			Timestamp: now,
		})

	case ContentEvent:
		a.thinking = false
		a.content.WriteString(ev.Text)
	}
}

// snapshot returns copies of the transient state so callers can read it
// without holding the session lock while rendering.
func (a *accumulator) snapshot() Snapshot {
	steps := make([]model.ReActStep, len(a.steps))
	copy(steps, a.steps)
	calls := make([]model.ToolCall, len(a.toolCalls))
	copy(calls, a.toolCalls)

	return Snapshot{
		ConversationID: a.conversationID,
		Iteration:      a.iteration,
		Thinking:       a.thinking,
		Content:        a.content.String(),
		Thought:        a.thought.String(),
		Steps:          steps,
		ToolCalls:      calls,
	}
}

// Snapshot is a point-in-time copy of an in-flight generation's state.
type Snapshot struct {
	ConversationID int64
	Iteration      int
	Thinking       bool
	Content        string
	Thought        string
	Steps          []model.ReActStep
	ToolCalls      []model.ToolCall
}
