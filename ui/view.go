package ui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const meterWidth = 20

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	partialStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#CC3333")).
			Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("36"))

	meterOnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065"))

	meterOffStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))
)

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m model) headerView() string {
	title := titleStyle.Render("MatrusVox")
	status := fmt.Sprintf(" %s ", m.state)
	meter := ""
	if m.state.Connected() {
		meter = " " + m.meterView()
	}
	line := strings.Repeat("─", max(0,
		m.viewport.Width-lipgloss.Width(title)-lipgloss.Width(status)-lipgloss.Width(meter),
	))
	return lipgloss.JoinHorizontal(lipgloss.Center, title, status, meter, line)
}

func (m model) meterView() string {
	filled := int(m.level * meterWidth)
	if filled > meterWidth {
		filled = meterWidth
	}
	return meterOnStyle.Render(strings.Repeat("█", filled)) +
		meterOffStyle.Render(strings.Repeat("░", meterWidth-filled))
}

func (m model) footerView() string {
	switch {
	case m.errMsg != "":
		return errorStyle.Render(m.errMsg) + "  esc to dismiss"
	case m.confirmClear:
		return errorStyle.Render("clear the whole transcript?") + "  y to confirm, any other key to cancel"
	case m.promptingPath:
		return "transcribe file: " + m.pathInput.View()
	case m.uploadingFile != "":
		return noticeStyle.Render(
			fmt.Sprintf("transcribing %s ...", filepath.Base(m.uploadingFile)),
		)
	case m.notice != "":
		return noticeStyle.Render(m.notice)
	default:
		return "space start/stop · u transcribe file · c copy · x clear · q quit"
	}
}

func (m model) transcriptView() string {
	var sb strings.Builder
	for _, item := range m.store.Items() {
		sb.WriteString(item.Text)
		sb.WriteString("\n")
	}
	if partial, ok := m.store.Partial(); ok {
		sb.WriteString(partialStyle.Render(partial))
		sb.WriteString("\n")
	}
	return sb.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
