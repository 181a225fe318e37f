// Package ui is the terminal front end: a viewport over the conversation, a
// textarea for the next question, and live rendering of the agent's thinking,
// tool calls and answer as they stream in.
package ui

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"scribe/agent"
	"scribe/model"
	"scribe/store"
)

// sessionUpdateMsg wraps one engine update for the bubbletea loop.
type sessionUpdateMsg struct {
	update agent.Update
}

// sendFinishedMsg reports the outcome of a Send command goroutine.
type sendFinishedMsg struct {
	err error
}

// conversationLoadedMsg carries a conversation fetched for display.
type conversationLoadedMsg struct {
	conv *model.Conversation
	err  error
}

// App is the root bubbletea model.
type App struct {
	session *agent.Session
	store   store.Store
	updates chan agent.Update
	log     *zap.Logger

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	width  int
	height int
	ready  bool

	// Conversation currently on screen.
	messages []model.Message

	// Live generation state, nil when idle.
	streaming *agent.Snapshot
	sending   bool

	// Last error shown in the status line.
	lastErr string

	picker pickerState
}

// NewApp wires the terminal front end to an engine session. updates must be
// the same channel the session's update function feeds.
func NewApp(session *agent.Session, st store.Store, updates chan agent.Update, log *zap.Logger) App {
	ta := textarea.New()
	ta.Placeholder = "Ask the research assistant..."
	ta.Focus()
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.SetWidth(80)

	// Alt+Enter inserts a newline; plain Enter sends.
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter"))
	ta.SetPromptFunc(2, func(lineIdx int) string {
		if lineIdx == 0 {
			return "> "
		}
		return "| "
	})

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(accentColor)

	filter := textinput.New()
	filter.Prompt = "Filter: "
	filter.CharLimit = 64

	if log == nil {
		log = zap.NewNop()
	}

	return App{
		session:  session,
		store:    st,
		updates:  updates,
		log:      log,
		textarea: ta,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		picker:   pickerState{filterInput: filter},
	}
}

func (a App) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		a.spinner.Tick,
		a.waitForUpdate(),
		a.loadConversation(a.session.ConversationID()),
	)
}

// waitForUpdate blocks on the engine's update channel; each received update
// re-arms itself from the Update handler.
func (a App) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-a.updates
		if !ok {
			return nil
		}
		return sessionUpdateMsg{update: u}
	}
}

// sendMessage runs one generation in its own goroutine; the UI keeps
// repainting from streamed updates while it blocks.
func (a App) sendMessage(text string) tea.Cmd {
	session := a.session
	return func() tea.Msg {
		err := session.Send(context.Background(), text)
		return sendFinishedMsg{err: err}
	}
}

func (a App) loadConversation(id int64) tea.Cmd {
	st := a.store
	return func() tea.Msg {
		if id == 0 {
			return conversationLoadedMsg{conv: &model.Conversation{}}
		}
		conv, err := st.Conversation(id)
		if err != nil {
			return conversationLoadedMsg{err: err}
		}
		return conversationLoadedMsg{conv: conv}
	}
}

func (a App) View() string {
	if !a.ready {
		return "Loading scribe..."
	}

	if a.picker.active {
		return a.renderPicker()
	}

	title := AssistantStyle.Render("scribe")
	if id := a.session.ConversationID(); id != 0 {
		title += TitleStyle.Render(fmt.Sprintf(" - conversation %d", id))
	} else {
		title += TitleStyle.Render(" - new conversation")
	}
	if a.sending {
		title += DimStyle.Render("  " + a.spinner.View() + " generating")
	}

	statusBar := FormatFooter(
		"Enter", "Send",
		"Alt+Enter", "New line",
		"Esc", "Stop",
		"Alt+L", "Conversations",
		"Ctrl+C", "Quit",
	)
	if a.lastErr != "" {
		statusBar = ErrorStyle.Render("✗ "+a.lastErr) + "  " + statusBar
	}
	statusBar = StatusStyle.Render(statusBar)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		"",
		a.viewport.View(),
		a.textarea.View(),
		statusBar,
	)
}
