// Package gemlive is a client for the Gemini Live realtime endpoint. It
// owns the websocket handshake and framing; callers see a typed event
// stream instead of the service's loosely-shaped JSON messages.
package gemlive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/tayden1990/MatrusVox/pcm"
)

const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel    = "models/gemini-2.0-flash-exp"

	// DefaultSystemInstruction constrains the remote model to
	// transcribe-only so it never speaks back into the session.
	DefaultSystemInstruction = "You are a transcription service. " +
		"Transcribe the user's speech exactly as spoken. " +
		"Never respond, answer, or comment; produce no output of your own."
)

type Config struct {
	APIKey            string
	Model             string
	Endpoint          string
	SystemInstruction string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	return c
}

// Client is one live connection. It is good for a single session; after
// Close a new connection must be dialed.
type Client struct {
	conn    *websocket.Conn
	events  chan Event
	logger  *log.Logger
	writeMu sync.Mutex

	closeOnce sync.Once
	closing   chan struct{}
}

// Dial connects, sends the session setup message, and starts the read
// loop. Transcription events arrive on Events before any audio needs to
// be sent, so no inbound message can be missed.
func Dial(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("key", cfg.APIKey)
	endpoint.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(
		ctx,
		endpoint.String(),
		http.Header{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to live endpoint: %w", err)
	}

	c := &Client{
		conn:    conn,
		events:  make(chan Event, 16),
		logger:  logger,
		closing: make(chan struct{}),
	}

	setup := setupMessage{
		Setup: setupPayload{
			Model: cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"TEXT"},
			},
			SystemInstruction: &content{
				Parts: []part{{Text: cfg.SystemInstruction}},
			},
			InputAudioTranscription: &struct{}{},
		},
	}
	if err := c.writeJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send setup message: %w", err)
	}

	go c.readLoop()

	return c, nil
}

// Events delivers normalized server events in arrival order. The channel
// closes when the connection is done.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SendAudio forwards one encoded audio frame. Calling it on a closed
// connection returns an error rather than panicking.
func (c *Client) SendAudio(payload pcm.Payload) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{Data: payload.Data, MIMEType: payload.MIMEType},
			},
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

// Close performs the websocket close handshake. Safe to call more than
// once and concurrently with the read loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)

		c.writeMu.Lock()
		writeErr := c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		if writeErr != nil {
			c.logger.Debug("close message not sent", "error", writeErr)
		}

		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closing:
				// Locally initiated close; not an error.
				c.events <- Event{Kind: EventClosed}
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.events <- Event{Kind: EventClosed}
				} else {
					c.events <- Event{Kind: EventError, Err: err}
				}
			}
			return
		}

		for _, ev := range normalize(msg) {
			c.events <- ev
		}
	}
}
