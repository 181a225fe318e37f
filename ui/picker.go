package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"scribe/model"
)

const pickerRefreshTimeout = 10 * time.Second

// pickerState is the conversation switcher overlay: a fuzzy-filtered list of
// known conversations, newest activity first.
type pickerState struct {
	active      bool
	list        []model.Conversation
	filtered    []model.Conversation
	selected    int
	filterInput textinput.Model
	loadErr     string
}

// conversationsListedMsg carries the refreshed conversation list.
type conversationsListedMsg struct {
	list []model.Conversation
	err  error
}

// listConversations refreshes metadata from the backend, then reads the local
// list. A failed refresh still shows whatever the cache has.
func (a App) listConversations() tea.Cmd {
	st := a.store
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pickerRefreshTimeout)
		defer cancel()
		refreshErr := st.Refresh(ctx)

		list, err := st.List()
		if err != nil {
			return conversationsListedMsg{err: err}
		}
		return conversationsListedMsg{list: list, err: refreshErr}
	}
}

func (a App) updatePickerList(msg conversationsListedMsg) (tea.Model, tea.Cmd) {
	a.picker.list = msg.list
	a.picker.loadErr = ""
	if msg.err != nil {
		a.picker.loadErr = msg.err.Error()
	}
	a.applyPickerFilter()
	return a, nil
}

func (a App) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.picker.active = false
		a.picker.filterInput.Blur()
		return a, nil

	case "enter":
		items := a.pickerItems()
		if a.picker.selected < len(items) {
			chosen := items[a.picker.selected]
			a.session.SetConversation(chosen.ID)
			a.picker.active = false
			a.picker.filterInput.Blur()
			return a, a.loadConversation(chosen.ID)
		}
		return a, nil

	case "ctrl+n":
		// Start a fresh conversation; the server assigns an id on first send.
		a.session.SetConversation(0)
		a.messages = nil
		a.picker.active = false
		a.picker.filterInput.Blur()
		a.refreshViewport(true)
		return a, nil

	case "up", "ctrl+p":
		if a.picker.selected > 0 {
			a.picker.selected--
		}
		return a, nil

	case "down":
		if a.picker.selected < len(a.pickerItems())-1 {
			a.picker.selected++
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.picker.filterInput, cmd = a.picker.filterInput.Update(msg)
	a.applyPickerFilter()
	return a, cmd
}

// applyPickerFilter recomputes the fuzzy-filtered view and clamps the cursor.
func (a *App) applyPickerFilter() {
	query := strings.TrimSpace(a.picker.filterInput.Value())
	if query == "" {
		a.picker.filtered = nil
	} else {
		titles := make([]string, len(a.picker.list))
		for i, conv := range a.picker.list {
			titles[i] = conv.Title
		}
		matches := fuzzy.Find(query, titles)
		filtered := make([]model.Conversation, 0, len(matches))
		for _, m := range matches {
			filtered = append(filtered, a.picker.list[m.Index])
		}
		a.picker.filtered = filtered
	}

	if n := len(a.pickerItems()); a.picker.selected >= n {
		a.picker.selected = 0
	}
}

func (a *App) pickerItems() []model.Conversation {
	if strings.TrimSpace(a.picker.filterInput.Value()) != "" {
		return a.picker.filtered
	}
	return a.picker.list
}

func (a App) renderPicker() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("Conversations") + "\n\n")
	b.WriteString(a.picker.filterInput.View() + "\n\n")

	items := a.pickerItems()
	if len(items) == 0 {
		b.WriteString(DimStyle.Render("  (no conversations)") + "\n")
	}

	maxTitle := a.width - 30
	if maxTitle < 20 {
		maxTitle = 20
	}
	current := a.session.ConversationID()

	for i, conv := range items {
		title := runewidth.Truncate(conv.Title, maxTitle, "…")
		line := fmt.Sprintf("%s  %s", title, DimStyle.Render(conv.UpdatedAt.Format("2006-01-02 15:04")))
		if conv.Archived {
			line += DimStyle.Render(" [archived]")
		}
		if conv.ID == current {
			line += AssistantStyle.Render(" ●")
		}

		if i == a.picker.selected {
			b.WriteString(SelectedStyle.Render("> "+title) + line[len(title):] + "\n")
		} else {
			b.WriteString("  " + line + "\n")
		}
	}

	if a.picker.loadErr != "" {
		b.WriteString("\n" + ErrorStyle.Render("refresh failed: "+a.picker.loadErr) + "\n")
	}

	footer := FormatFooter(
		"↑/↓", "Navigate",
		"Enter", "Open",
		"Ctrl+N", "New",
		"Esc", "Close",
	)
	b.WriteString("\n" + StatusStyle.Render(footer))

	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}
