// Package ui is the interactive transcript view: it drives the live
// session, file uploads, and the transcript store from one bubbletea
// event loop.
package ui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/tayden1990/MatrusVox/session"
	"github.com/tayden1990/MatrusVox/transcript"
)

// Session is the slice of the session manager the UI drives.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() session.State
	Updates() <-chan session.Update
}

// Transcriber is the slice of the batch client the UI drives.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path string) (transcript.Item, bool, error)
}

type connectDoneMsg struct {
	err error
}

type uploadDoneMsg struct {
	path string
	item transcript.Item
	ok   bool
	err  error
}

type model struct {
	viewport  viewport.Model
	pathInput textinput.Model

	store   *transcript.Store
	session Session
	batch   Transcriber
	logger  *log.Logger

	state         session.State
	level         float64
	errMsg        string
	notice        string
	uploadingFile string
	confirmClear  bool
	promptingPath bool
	ready         bool
}

func New(sess Session, batch Transcriber, store *transcript.Store, logger *log.Logger) tea.Model {
	input := textinput.New()
	input.Placeholder = "path to an audio file"

	return model{
		pathInput: input,
		store:     store,
		session:   sess,
		batch:     batch,
		logger:    logger,
		state:     session.StateIdle,
	}
}

func (m model) Init() tea.Cmd {
	return waitForUpdate(m.session.Updates())
}

func waitForUpdate(updates <-chan session.Update) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.transcriptView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case session.Update:
		m = m.applyUpdate(msg)
		m.viewport.SetContent(m.transcriptView())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForUpdate(m.session.Updates()))

	case connectDoneMsg:
		if msg.err != nil {
			m.errMsg = msg.err.Error()
		}

	case uploadDoneMsg:
		// An upload attempt always terminates: the busy marker and the
		// pending path clear on every outcome.
		m.uploadingFile = ""
		m.pathInput.Reset()
		switch {
		case msg.err != nil:
			m.errMsg = fmt.Sprintf(
				"failed to transcribe %s: %v",
				filepath.Base(msg.path), msg.err,
			)
		case msg.ok:
			m.store.Apply(msg.item)
			m.notice = fmt.Sprintf("transcribed %s", filepath.Base(msg.path))
		default:
			m.notice = fmt.Sprintf(
				"no speech found in %s", filepath.Base(msg.path),
			)
		}
		m.viewport.SetContent(m.transcriptView())
		m.viewport.GotoBottom()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) applyUpdate(u session.Update) model {
	switch u.Kind {
	case session.UpdateState:
		m.state = u.State
		if u.State == session.StateClosed {
			// The session's in-progress buffer is gone with it.
			m.store.DropPartial()
			m.level = 0
		}
	case session.UpdateTranscript:
		m.store.Apply(u.Item)
	case session.UpdateLevel:
		m.level = u.Level
	case session.UpdateError:
		m.errMsg = u.Message
	}
	return m
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.promptingPath {
		switch msg.String() {
		case "esc":
			m.promptingPath = false
			m.pathInput.Blur()
			return m, nil
		case "enter":
			path := strings.TrimSpace(m.pathInput.Value())
			m.promptingPath = false
			m.pathInput.Blur()
			if path == "" {
				return m, nil
			}
			return m.startUpload(path)
		default:
			var cmd tea.Cmd
			m.pathInput, cmd = m.pathInput.Update(msg)
			return m, cmd
		}
	}

	if m.confirmClear {
		switch msg.String() {
		case "y", "Y":
			m.store.Clear(m.state.Connected())
			m.confirmClear = false
			m.notice = "transcript cleared"
			m.viewport.SetContent(m.transcriptView())
		default:
			m.confirmClear = false
		}
		return m, nil
	}

	m.notice = ""

	switch msg.String() {
	case "ctrl+c", "q":
		m.session.Disconnect()
		return m, tea.Quit

	case " ":
		return m.toggleSession()

	case "u":
		if m.uploadingFile == "" {
			m.promptingPath = true
			m.pathInput.Focus()
			return m, textinput.Blink
		}

	case "c":
		if err := clipboard.WriteAll(m.store.Render()); err != nil {
			m.errMsg = fmt.Sprintf("failed to copy transcript: %v", err)
		} else {
			m.notice = "transcript copied"
		}

	case "x":
		if m.store.Len() > 0 {
			m.confirmClear = true
		}

	case "esc":
		m.errMsg = ""
	}

	return m, nil
}

func (m model) toggleSession() (tea.Model, tea.Cmd) {
	if m.state.Connected() {
		m.session.Disconnect()
		return m, nil
	}
	if m.uploadingFile != "" {
		m.notice = "wait for the upload to finish"
		return m, nil
	}

	sess := m.session
	return m, func() tea.Msg {
		return connectDoneMsg{err: sess.Connect(context.Background())}
	}
}

// startUpload kicks off a batch transcription. A live session and an
// upload are mutually exclusive, so any open session is torn down first;
// its closed notification lands before the transcription request goes
// out.
func (m model) startUpload(path string) (tea.Model, tea.Cmd) {
	if m.state.Connected() {
		m.session.Disconnect()
	}
	m.uploadingFile = path

	batch := m.batch
	return m, func() tea.Msg {
		item, ok, err := batch.TranscribeFile(context.Background(), path)
		return uploadDoneMsg{path: path, item: item, ok: ok, err: err}
	}
}
