// Package agent implements the streaming session engine that drives a
// multi-turn reason/act/observe conversation against the research-assistant
// backend.
//
// The engine is layered, leaves first:
//
//   - Decoder turns the raw response body into typed Events (decoder.go)
//   - a transport session owns one outbound request and its cancel handle
//     (transport.go)
//   - the accumulator folds Events into buffers, steps and tool calls
//     (accumulator.go)
//   - Session sequences the whole generation and appends finalized
//     messages to the conversation store (session.go)
//
// The UI never talks to the backend directly: it calls Session.Send and
// Session.Stop and observes the store and the update stream.
package agent

import (
	"encoding/json"
	"fmt"

	"scribe/model"
)

// Event is one decoded frame from the agent stream. The concrete type is
// keyed by the wire event name; each variant carries only its own payload.
type Event interface {
	eventName() string
}

// StartEvent binds the server-assigned conversation id. The server creates
// the conversation on the first message, so the client may not know the id
// until this event arrives.
type StartEvent struct {
	ConversationID int64 `json:"conversation_id"`
}

// ThinkingStartEvent opens a new reasoning round.
type ThinkingStartEvent struct{}

// ThinkingEvent streams one token of the in-progress reasoning text.
type ThinkingEvent struct {
	Text string
}

// ThoughtEvent carries the consolidated reasoning text for the current round
// and closes it.
type ThoughtEvent struct {
	Text string
}

// ActionEvent announces a tool invocation.
type ActionEvent struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// ObservationEvent carries the result of the most recent action.
type ObservationEvent struct {
	Tool    string `json:"tool"`
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

// ContentEvent streams one chunk of the final answer.
type ContentEvent struct {
	Text string
}

// DoneEvent terminates a generation successfully. The server may include
// its own consolidated answer, thought, steps and usage, which take
// precedence over the locally accumulated buffers.
type DoneEvent struct {
	Answer  string            `json:"answer,omitempty"`
	Thought string            `json:"thought,omitempty"`
	Steps   []model.ReActStep `json:"react_steps,omitempty"`
	Usage   model.TokenUsage  `json:"usage,omitempty"`
}

// ErrorEvent terminates a generation with a backend failure description.
type ErrorEvent struct {
	Message string
}

// StoppedEvent is the far side's acknowledgement that the generation was
// cancelled. It can race with a local Stop call; the session treats it as a
// no-op when the stop already finalized.
type StoppedEvent struct{}

func (StartEvent) eventName() string         { return "start" }
func (ThinkingStartEvent) eventName() string { return "thinking_start" }
func (ThinkingEvent) eventName() string      { return "thinking" }
func (ThoughtEvent) eventName() string       { return "thought" }
func (ActionEvent) eventName() string        { return "action" }
func (ObservationEvent) eventName() string   { return "observation" }
func (ContentEvent) eventName() string       { return "content" }
func (DoneEvent) eventName() string          { return "done" }
func (ErrorEvent) eventName() string         { return "error" }
func (StoppedEvent) eventName() string       { return "stopped" }

// frame is the raw wire shape of one stream record: {"event": ..., "data": ...}.
// Payloads are decoded once, here at the boundary, into the typed variants.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// parseEvent converts a raw frame into its typed Event. Text-bearing events
// (thinking, thought, content, error) carry a bare JSON string as data; the
// structured events carry objects.
func parseEvent(f frame) (Event, error) {
	switch f.Event {
	case "start":
		var ev StartEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("start payload: %w", err)
		}
		return ev, nil

	case "thinking_start":
		return ThinkingStartEvent{}, nil

	case "thinking":
		text, err := parseText(f.Data)
		if err != nil {
			return nil, fmt.Errorf("thinking payload: %w", err)
		}
		return ThinkingEvent{Text: text}, nil

	case "thought":
		text, err := parseText(f.Data)
		if err != nil {
			return nil, fmt.Errorf("thought payload: %w", err)
		}
		return ThoughtEvent{Text: text}, nil

	case "action":
		var ev ActionEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("action payload: %w", err)
		}
		return ev, nil

	case "observation":
		var ev ObservationEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("observation payload: %w", err)
		}
		return ev, nil

	case "content":
		text, err := parseText(f.Data)
		if err != nil {
			return nil, fmt.Errorf("content payload: %w", err)
		}
		return ContentEvent{Text: text}, nil

	case "done":
		var ev DoneEvent
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				return nil, fmt.Errorf("done payload: %w", err)
			}
		}
		return ev, nil

	case "error":
		text, err := parseText(f.Data)
		if err != nil {
			return nil, fmt.Errorf("error payload: %w", err)
		}
		return ErrorEvent{Message: text}, nil

	case "stopped":
		return StoppedEvent{}, nil

	default:
		return nil, fmt.Errorf("unknown event %q", f.Event)
	}
}

// parseText accepts either a bare JSON string or {"text": "..."} so that
// older backend builds keep working.
func parseText(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", err
	}
	return obj.Text, nil
}
