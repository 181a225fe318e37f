package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"scribe/agent"
	"scribe/model"
)

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

		headerHeight := 2 // title + blank line
		footerHeight := a.textarea.Height() + 1
		vpHeight := msg.Height - headerHeight - footerHeight
		if vpHeight < 1 {
			vpHeight = 1
		}

		if !a.ready {
			a.viewport = viewport.New(msg.Width, vpHeight)
			a.ready = true
		} else {
			a.viewport.Width = msg.Width
			a.viewport.Height = vpHeight
		}
		a.textarea.SetWidth(msg.Width)
		a.refreshViewport(true)
		return a, nil

	case tea.KeyMsg:
		if a.picker.active {
			return a.updatePicker(msg)
		}
		return a.handleKey(msg)

	case sessionUpdateMsg:
		a = a.applySessionUpdate(msg.update)
		return a, tea.Batch(a.waitForUpdate(), a.spinner.Tick)

	case sendFinishedMsg:
		a.sending = false
		a.streaming = nil
		if msg.err != nil {
			a.lastErr = msg.err.Error()
			a.log.Warn("generation failed", zap.Error(msg.err))
		}
		return a, a.loadConversation(a.session.ConversationID())

	case conversationLoadedMsg:
		if msg.err != nil {
			a.lastErr = msg.err.Error()
			return a, nil
		}
		a.messages = msg.conv.Messages
		a.refreshViewport(true)
		return a, nil

	case conversationsListedMsg:
		return a.updatePickerList(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		if a.sending {
			// Repaint so the inline spinner frame advances.
			a.refreshViewport(false)
		}
		return a, cmd
	}

	var taCmd, vpCmd tea.Cmd
	a.textarea, taCmd = a.textarea.Update(msg)
	a.viewport, vpCmd = a.viewport.Update(msg)
	cmds = append(cmds, taCmd, vpCmd)
	return a, tea.Batch(cmds...)
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if a.sending {
			a.session.Stop(context.Background())
		}
		return a, tea.Quit

	case "esc":
		if a.sending {
			// Stop persists the partial message before killing the
			// transport, which can take a round-trip; run it off the UI
			// loop and repaint when the stopped update arrives.
			session := a.session
			return a, func() tea.Msg {
				session.Stop(context.Background())
				return nil
			}
		}
		return a, nil

	case "enter":
		text := strings.TrimSpace(a.textarea.Value())
		if text == "" || a.sending {
			return a, nil
		}
		a.textarea.Reset()
		a.sending = true
		a.lastErr = ""
		a.streaming = &agent.Snapshot{}
		// Echo the question immediately; the store's copy replaces this when
		// the generation finalizes.
		a.messages = append(a.messages, model.Message{
			Role:      model.RoleUser,
			Content:   text,
			CreatedAt: time.Now(),
		})
		a.refreshViewport(true)
		return a, tea.Batch(a.sendMessage(text), a.spinner.Tick)

	case "alt+l":
		if a.sending {
			return a, nil
		}
		a.picker.active = true
		a.picker.selected = 0
		a.picker.filterInput.Reset()
		a.picker.filterInput.Focus()
		return a, a.listConversations()

	case "pgup", "pgdown", "up", "down":
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	a.textarea, cmd = a.textarea.Update(msg)
	return a, cmd
}

// applySessionUpdate folds one engine update into the display state.
func (a App) applySessionUpdate(u agent.Update) App {
	switch u.Kind {
	case agent.UpdateStream:
		if u.Snapshot != nil {
			a.streaming = u.Snapshot
			a.refreshViewport(true)
		}

	case agent.UpdateDone, agent.UpdateStopped:
		a.streaming = nil
		a.sending = false
		if u.Message != nil {
			a.messages = append(a.messages, *u.Message)
		}
		a.refreshViewport(true)

	case agent.UpdateError:
		a.streaming = nil
		a.sending = false
		if u.Err != nil {
			a.lastErr = u.Err.Error()
		}
		a.refreshViewport(true)
	}
	return a
}

// refreshViewport re-renders the transcript. The textarea caret stays put; only
// the conversation pane scrolls.
func (a *App) refreshViewport(gotoBottom bool) {
	if !a.ready {
		return
	}
	a.viewport.SetContent(a.renderTranscript())
	if gotoBottom {
		a.viewport.GotoBottom()
	}
}
