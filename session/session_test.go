package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tayden1990/MatrusVox/gemlive"
	"github.com/tayden1990/MatrusVox/pcm"
)

type fakeConn struct {
	events chan gemlive.Event

	mu     sync.Mutex
	sent   []pcm.Payload
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan gemlive.Event, 16)}
}

func (c *fakeConn) Events() <-chan gemlive.Event { return c.events }

func (c *fakeConn) SendAudio(p pcm.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) sentFrames() []pcm.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pcm.Payload, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeCapture struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (c *fakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeCapture) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

type harness struct {
	manager *Manager
	conn    *fakeConn
	capture *fakeCapture

	mu      sync.Mutex
	onFrame func([]float32)
}

func newHarness() *harness {
	h := &harness{
		conn:    newFakeConn(),
		capture: &fakeCapture{},
	}

	logger := log.New(io.Discard)
	h.manager = New(Config{
		Dial: func(ctx context.Context) (Conn, error) {
			return h.conn, nil
		},
		OpenCapture: func(onFrame func([]float32)) (Capture, error) {
			h.mu.Lock()
			h.onFrame = onFrame
			h.mu.Unlock()
			return h.capture, nil
		},
	}, logger)

	return h
}

func (h *harness) pushFrame(samples []float32) {
	h.mu.Lock()
	onFrame := h.onFrame
	h.mu.Unlock()
	onFrame(samples)
}

// connect runs a full successful handshake.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- h.manager.Connect(context.Background())
	}()

	h.conn.events <- gemlive.Event{Kind: gemlive.EventSetupComplete}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect never returned")
	}
}

// nextUpdate returns the next non-level update.
func nextUpdate(t *testing.T, m *Manager) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-m.Updates():
			if u.Kind == UpdateLevel {
				continue
			}
			return u
		case <-deadline:
			t.Fatal("timed out waiting for update")
		}
	}
}

func expectState(t *testing.T, m *Manager, want State) {
	t.Helper()
	u := nextUpdate(t, m)
	if u.Kind != UpdateState || u.State != want {
		t.Fatalf("got update %+v, want state %v", u, want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectHandshake(t *testing.T) {
	h := newHarness()
	h.connect(t)

	expectState(t, h.manager, StateConnecting)
	expectState(t, h.manager, StateOpen)

	if got := h.manager.State(); got != StateOpen {
		t.Errorf("state = %v, want %v", got, StateOpen)
	}
}

func TestConnectWhileOpenIsRejected(t *testing.T) {
	h := newHarness()
	h.connect(t)

	err := h.manager.Connect(context.Background())
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect returned %v, want ErrAlreadyConnected", err)
	}
}

func TestPartialThenTurnComplete(t *testing.T) {
	h := newHarness()
	h.connect(t)
	expectState(t, h.manager, StateConnecting)
	expectState(t, h.manager, StateOpen)

	h.conn.events <- gemlive.Event{Kind: gemlive.EventTranscript, Text: "hello "}
	h.conn.events <- gemlive.Event{Kind: gemlive.EventTranscript, Text: "world"}
	h.conn.events <- gemlive.Event{Kind: gemlive.EventTurnComplete}

	u := nextUpdate(t, h.manager)
	if u.Kind != UpdateTranscript || !u.Item.IsPartial || u.Item.Text != "hello " {
		t.Fatalf("first update = %+v, want partial %q", u, "hello ")
	}

	// Partials carry the full accumulated text, not the delta.
	u = nextUpdate(t, h.manager)
	if u.Kind != UpdateTranscript || !u.Item.IsPartial || u.Item.Text != "hello world" {
		t.Fatalf("second update = %+v, want partial %q", u, "hello world")
	}

	u = nextUpdate(t, h.manager)
	if u.Kind != UpdateTranscript || u.Item.IsPartial {
		t.Fatalf("third update = %+v, want finalized item", u)
	}
	if u.Item.Text != "hello world" {
		t.Errorf("finalized text = %q, want %q", u.Item.Text, "hello world")
	}
}

func TestEmptyTurnCompleteEmitsNothing(t *testing.T) {
	h := newHarness()
	h.connect(t)
	expectState(t, h.manager, StateConnecting)
	expectState(t, h.manager, StateOpen)

	// Whitespace-only accumulation, then silence: neither may produce an
	// item. The following utterance proves nothing was queued between.
	h.conn.events <- gemlive.Event{Kind: gemlive.EventTranscript, Text: "  "}
	h.conn.events <- gemlive.Event{Kind: gemlive.EventTurnComplete}
	h.conn.events <- gemlive.Event{Kind: gemlive.EventTurnComplete}
	h.conn.events <- gemlive.Event{Kind: gemlive.EventTranscript, Text: "next"}

	u := nextUpdate(t, h.manager)
	if u.Kind != UpdateTranscript || !u.Item.IsPartial || u.Item.Text != "  " {
		t.Fatalf("first update = %+v, want the whitespace partial", u)
	}

	u = nextUpdate(t, h.manager)
	if u.Kind != UpdateTranscript || !u.Item.IsPartial || u.Item.Text != "next" {
		t.Fatalf(
			"update after empty turns = %+v, want partial %q with a fresh buffer",
			u, "next",
		)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Run("after a session", func(t *testing.T) {
		h := newHarness()
		h.connect(t)
		expectState(t, h.manager, StateConnecting)
		expectState(t, h.manager, StateOpen)

		h.manager.Disconnect()
		expectState(t, h.manager, StateClosed)

		h.manager.Disconnect()
		expectState(t, h.manager, StateClosed)

		if !h.conn.isClosed() {
			t.Error("connection not closed")
		}
		if !h.capture.isStopped() {
			t.Error("capture not stopped")
		}
	})

	t.Run("with no session at all", func(t *testing.T) {
		h := newHarness()
		h.manager.Disconnect()
		expectState(t, h.manager, StateClosed)
	})
}

func TestFramesQueueUntilHandshakeCompletes(t *testing.T) {
	h := newHarness()

	done := make(chan error, 1)
	go func() {
		done <- h.manager.Connect(context.Background())
	}()

	waitFor(t, "capture callback", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.onFrame != nil
	})

	f1 := []float32{0.1}
	f2 := []float32{0.2}
	f3 := []float32{0.3}

	h.pushFrame(f1)
	h.pushFrame(f2)

	if len(h.conn.sentFrames()) != 0 {
		t.Fatal("frames sent before the handshake completed")
	}

	h.conn.events <- gemlive.Event{Kind: gemlive.EventSetupComplete}
	if err := <-done; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	h.pushFrame(f3)

	waitFor(t, "all frames", func() bool {
		return len(h.conn.sentFrames()) == 3
	})

	want := []pcm.Payload{pcm.Encode(f1), pcm.Encode(f2), pcm.Encode(f3)}
	got := h.conn.sentFrames()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %+v, want %+v (order must be FIFO)", i, got[i], want[i])
		}
	}
}

func TestMicrophoneFailureAbortsConnect(t *testing.T) {
	dialCalled := false
	logger := log.New(io.Discard)
	m := New(Config{
		Dial: func(ctx context.Context) (Conn, error) {
			dialCalled = true
			return newFakeConn(), nil
		},
		OpenCapture: func(onFrame func([]float32)) (Capture, error) {
			return nil, errors.New("permission denied")
		},
	}, logger)

	err := m.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded despite microphone failure")
	}
	if dialCalled {
		t.Error("dialed the service after microphone acquisition failed")
	}
	if m.State() != StateClosed {
		t.Errorf("state = %v, want %v", m.State(), StateClosed)
	}
}

func TestDialFailureReleasesMicrophone(t *testing.T) {
	capture := &fakeCapture{}
	logger := log.New(io.Discard)
	m := New(Config{
		Dial: func(ctx context.Context) (Conn, error) {
			return nil, errors.New("unreachable")
		},
		OpenCapture: func(onFrame func([]float32)) (Capture, error) {
			return capture, nil
		},
	}, logger)

	err := m.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded despite dial failure")
	}
	if !capture.isStopped() {
		t.Error("microphone not released after dial failure")
	}
	if m.State() != StateClosed {
		t.Errorf("state = %v, want %v", m.State(), StateClosed)
	}
}

func TestRemoteErrorTearsDownSession(t *testing.T) {
	h := newHarness()
	h.connect(t)
	expectState(t, h.manager, StateConnecting)
	expectState(t, h.manager, StateOpen)

	h.conn.events <- gemlive.Event{Kind: gemlive.EventError, Err: errors.New("boom")}

	u := nextUpdate(t, h.manager)
	if u.Kind != UpdateError {
		t.Fatalf("got %+v, want an error update before the state change", u)
	}
	expectState(t, h.manager, StateClosed)

	waitFor(t, "teardown", func() bool {
		return h.conn.isClosed() && h.capture.isStopped()
	})
	if h.manager.State() != StateClosed {
		t.Errorf("state = %v, want %v", h.manager.State(), StateClosed)
	}
}

func TestRemoteCloseTearsDownSession(t *testing.T) {
	h := newHarness()
	h.connect(t)
	expectState(t, h.manager, StateConnecting)
	expectState(t, h.manager, StateOpen)

	h.conn.events <- gemlive.Event{Kind: gemlive.EventClosed}

	expectState(t, h.manager, StateClosed)
	waitFor(t, "teardown", func() bool {
		return h.capture.isStopped()
	})
}

func TestHandshakeRejectionFailsConnect(t *testing.T) {
	h := newHarness()

	done := make(chan error, 1)
	go func() {
		done <- h.manager.Connect(context.Background())
	}()

	waitFor(t, "capture callback", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.onFrame != nil
	})
	h.conn.events <- gemlive.Event{Kind: gemlive.EventError, Err: errors.New("invalid key")}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Connect succeeded despite handshake rejection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect never returned")
	}
	if h.manager.State() != StateClosed {
		t.Errorf("state = %v, want %v", h.manager.State(), StateClosed)
	}
	if !h.capture.isStopped() {
		t.Error("microphone not released after handshake rejection")
	}
}
