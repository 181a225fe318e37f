package ui

import (
	"fmt"
	"strings"
	"time"

	"scribe/model"
)

// renderTranscript draws the stored conversation plus the live generation,
// if one is in flight.
func (a *App) renderTranscript() string {
	if len(a.messages) == 0 && a.streaming == nil {
		return DimStyle.Render("No messages yet. Ask something!")
	}

	var content strings.Builder

	for _, msg := range a.messages {
		content.WriteString(a.renderMessage(msg))
	}

	if a.streaming != nil {
		content.WriteString(a.renderStreaming())
	}

	return content.String()
}

func (a *App) renderMessage(msg model.Message) string {
	timestamp := DimStyle.Render(msg.CreatedAt.Format("[15:04]"))

	if msg.Role == model.RoleUser {
		return formatUserMessage(timestamp, UserStyle.Render("You"), msg.Content)
	}

	role := AssistantStyle.Render("Assistant")
	if msg.Role == model.RoleSystem {
		role = DimStyle.Render("System")
	}

	var body strings.Builder
	for _, step := range msg.Steps {
		body.WriteString(renderStep(step))
	}
	body.WriteString(msg.Content)
	if msg.LocalOnly {
		body.WriteString(DimStyle.Render("  (local only)"))
	}

	return fmt.Sprintf("%s %s\n%s\n\n", timestamp, role, body.String())
}

// renderStreaming draws the in-flight generation: completed steps, then the
// live thinking or answer buffer with a cursor.
func (a *App) renderStreaming() string {
	snap := a.streaming
	timestamp := DimStyle.Render(time.Now().Format("[15:04]"))
	role := AssistantStyle.Render("Assistant")

	var body strings.Builder
	for _, step := range snap.Steps {
		// The open thought is drawn live below, not as a finished step.
		if snap.Thinking && step.Type == model.StepThought && step.Content == snap.Thought {
			continue
		}
		body.WriteString(renderStep(step))
	}

	switch {
	case snap.Content != "":
		body.WriteString(snap.Content + "▋")
	case snap.Thinking && snap.Thought != "":
		body.WriteString(ThoughtStyle.Render(snap.Thought) + "▋")
	default:
		body.WriteString(a.spinner.View() + DimStyle.Render(" waiting for response..."))
	}

	return fmt.Sprintf("%s %s\n%s\n\n", timestamp, role, body.String())
}

// renderStep draws one ReAct step as a single transcript line.
func renderStep(step model.ReActStep) string {
	switch step.Type {
	case model.StepThought:
		return ThoughtStyle.Render("💭 "+firstLine(step.Content)) + "\n"
	case model.StepAction:
		return ToolStyle.Render(fmt.Sprintf("🔧 %s", step.Tool)) + "\n"
	case model.StepObservation:
		marker := "✓"
		if !step.Success {
			marker = "✗"
		}
		return DimStyle.Render(fmt.Sprintf("%s %s: %s", marker, step.Tool, firstLine(step.Output))) + "\n"
	}
	return ""
}

// firstLine truncates multi-line step content for the one-line transcript view.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func formatUserMessage(timestamp, role, content string) string {
	greenBold := "\x1b[32;1m"
	reset := "\x1b[0m"
	bar := greenBold + "┃" + reset

	var result strings.Builder
	result.WriteString(fmt.Sprintf("%s %s %s\n", bar, timestamp, role))
	for _, line := range strings.Split(content, "\n") {
		result.WriteString(fmt.Sprintf("%s %s\n", bar, line))
	}
	result.WriteString("\n")
	return result.String()
}
