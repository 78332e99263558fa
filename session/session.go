// Package session owns the lifecycle of one live transcription session:
// microphone acquisition, the realtime connection, audio forwarding, and
// deterministic teardown. All inbound events funnel through a single
// dispatcher goroutine, so the partial-transcript buffer and the
// pending-frame queue never need locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tayden1990/MatrusVox/gemlive"
	"github.com/tayden1990/MatrusVox/mic"
	"github.com/tayden1990/MatrusVox/pcm"
	"github.com/tayden1990/MatrusVox/transcript"
)

// ErrAlreadyConnected is returned when Connect is called while a session
// is connecting or open. The manager refuses to run two sessions at once;
// guarding the control that triggers Connect is the caller's job.
var ErrAlreadyConnected = errors.New("a live session is already active")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "listening"
	case StateClosed:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connected reports whether a session is connecting or open.
func (s State) Connected() bool {
	return s == StateConnecting || s == StateOpen
}

// Conn is the slice of the realtime client the manager needs.
type Conn interface {
	Events() <-chan gemlive.Event
	SendAudio(pcm.Payload) error
	Close() error
}

// Capture is the slice of the microphone the manager needs.
type Capture interface {
	Start() error
	Stop() error
}

type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateTranscript
	UpdateLevel
	UpdateError
)

// Update is one outbound notification. Exactly one of the payload fields
// is meaningful, selected by Kind.
type Update struct {
	Kind    UpdateKind
	State   State
	Item    transcript.Item
	Level   float64
	Message string
}

type Config struct {
	APIKey string
	Model  string

	// Dial and OpenCapture exist so tests can substitute fakes. Left
	// nil, they use gemlive and mic.
	Dial        func(ctx context.Context) (Conn, error)
	OpenCapture func(onFrame func([]float32)) (Capture, error)
}

// Manager runs at most one session at a time and survives across
// sessions; Updates stays valid over reconnects.
type Manager struct {
	cfg     Config
	logger  *log.Logger
	updates chan Update

	mu      sync.Mutex
	state   State
	conn    Conn
	capture Capture
}

func New(cfg Config, logger *log.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		updates: make(chan Update, 64),
		state:   StateIdle,
	}
	if m.cfg.Dial == nil {
		m.cfg.Dial = func(ctx context.Context) (Conn, error) {
			return gemlive.Dial(ctx, gemlive.Config{
				APIKey: cfg.APIKey,
				Model:  cfg.Model,
			}, logger)
		}
	}
	if m.cfg.OpenCapture == nil {
		m.cfg.OpenCapture = func(onFrame func([]float32)) (Capture, error) {
			return mic.Open(onFrame, logger)
		}
	}
	return m
}

// Updates delivers state changes, transcript items, level readings, and
// error messages. The UI is expected to drain it continuously.
func (m *Manager) Updates() <-chan Update {
	return m.updates
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect acquires the microphone, dials the realtime endpoint, and
// blocks until the session handshake completes or fails. On failure every
// partially acquired resource is released and the state is closed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Connected() {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = StateConnecting
	m.mu.Unlock()
	m.emit(Update{Kind: UpdateState, State: StateConnecting})

	// Frames produced before the handshake completes buffer here and in
	// the dispatcher's pending queue; a single channel plus a single
	// consumer keeps them FIFO. If the dispatcher falls behind the
	// frame is dropped whole, never reordered.
	frames := make(chan []float32, 64)

	capture, err := m.cfg.OpenCapture(func(samples []float32) {
		select {
		case frames <- samples:
		default:
		}
	})
	if err != nil {
		m.closeWithState()
		return fmt.Errorf("microphone unavailable: %w", err)
	}

	conn, err := m.cfg.Dial(ctx)
	if err != nil {
		capture.Stop()
		m.closeWithState()
		return fmt.Errorf("failed to open live connection: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.capture = capture
	m.mu.Unlock()

	opened := make(chan error, 1)
	go m.dispatch(conn, frames, opened)

	if err := capture.Start(); err != nil {
		m.Disconnect()
		return fmt.Errorf("failed to start microphone: %w", err)
	}

	select {
	case err := <-opened:
		if err != nil {
			m.Disconnect()
			return fmt.Errorf("session setup failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		m.Disconnect()
		return ctx.Err()
	}
}

// Disconnect tears the session down: remote connection first, then the
// microphone, then the in-progress buffer dies with the dispatcher. Safe
// to call from any state, any number of times, including from within
// update handling; each call reports the disconnected state exactly once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	capture := m.capture
	m.conn = nil
	m.capture = nil
	m.state = StateClosed
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("live connection close", "error", err)
		}
	}
	if capture != nil {
		if err := capture.Stop(); err != nil {
			m.logger.Debug("microphone stop", "error", err)
		}
	}

	m.emit(Update{Kind: UpdateState, State: StateClosed})
}

func (m *Manager) closeWithState() {
	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	m.emit(Update{Kind: UpdateState, State: StateClosed})
}

// dispatch is the session's event loop. It owns the partial-transcript
// buffer and the pre-handshake frame queue, and exits when the
// connection's event stream ends.
func (m *Manager) dispatch(conn Conn, frames <-chan []float32, opened chan<- error) {
	var partial strings.Builder
	var pending []pcm.Payload
	open := false

	for {
		select {
		case samples := <-frames:
			m.emitLevel(mic.Level(samples))
			payload := pcm.Encode(samples)
			if !open {
				pending = append(pending, payload)
				continue
			}
			if err := conn.SendAudio(payload); err != nil {
				// Send on a connection that is closing is a no-op;
				// the close event does the teardown.
				m.logger.Debug("audio frame not sent", "error", err)
			}

		case ev, ok := <-conn.Events():
			if !ok {
				if !open {
					opened <- errors.New("connection closed before setup completed")
					return
				}
				m.disconnectFromRemote()
				return
			}

			switch ev.Kind {
			case gemlive.EventSetupComplete:
				open = true
				m.mu.Lock()
				stillConnecting := m.state == StateConnecting
				if stillConnecting {
					m.state = StateOpen
				}
				m.mu.Unlock()
				opened <- nil
				if !stillConnecting {
					// Disconnect raced the handshake; the connection
					// is already being torn down.
					continue
				}
				m.emit(Update{Kind: UpdateState, State: StateOpen})
				for _, p := range pending {
					if err := conn.SendAudio(p); err != nil {
						m.logger.Debug("queued frame not sent", "error", err)
					}
				}
				pending = nil

			case gemlive.EventTranscript:
				partial.WriteString(ev.Text)
				m.emit(Update{
					Kind: UpdateTranscript,
					Item: transcript.NewPartial(partial.String()),
				})

			case gemlive.EventTurnComplete:
				text := strings.TrimSpace(partial.String())
				partial.Reset()
				if text == "" {
					continue
				}
				m.logger.Info("utterance finalized", "text", text)
				m.emit(Update{
					Kind: UpdateTranscript,
					Item: transcript.NewFinal(text),
				})

			case gemlive.EventClosed:
				if !open {
					opened <- errors.New("connection closed before setup completed")
					return
				}
				m.disconnectFromRemote()
				return

			case gemlive.EventError:
				if !open {
					opened <- ev.Err
					return
				}
				m.emit(Update{
					Kind:    UpdateError,
					Message: fmt.Sprintf("live transcription error: %v", ev.Err),
				})
				m.Disconnect()
				return
			}
		}
	}
}

// disconnectFromRemote handles a close that originated on the service
// side. A locally initiated Disconnect already reported the state change,
// so only a remote-initiated close triggers another teardown.
func (m *Manager) disconnectFromRemote() {
	m.mu.Lock()
	closed := m.state == StateClosed
	m.mu.Unlock()
	if closed {
		return
	}
	m.logger.Info("live connection closed by service")
	m.Disconnect()
}

func (m *Manager) emit(u Update) {
	m.updates <- u
}

// emitLevel drops readings when the consumer is behind; the meter is
// decorative and must never stall audio dispatch.
func (m *Manager) emitLevel(level float64) {
	select {
	case m.updates <- Update{Kind: UpdateLevel, Level: level}:
	default:
	}
}
