// Package batch transcribes uploaded audio files through the Gemini
// request/response API. Small files travel inline with the request;
// large ones go through the Files API and are referenced by URI once the
// service has finished processing them.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"

	"github.com/tayden1990/MatrusVox/transcript"
)

const (
	// DefaultThreshold is the file size at which the inline payload is
	// abandoned for the upload-then-reference flow. The boundary itself
	// takes the upload path.
	DefaultThreshold = 20 << 20 // 20 MiB

	DefaultPollInterval = time.Second

	// Instruction is the fixed prompt both request shapes carry.
	Instruction = "Transcribe this audio verbatim. " +
		"Output only the spoken words, with punctuation. " +
		"Do not add commentary, labels, or timestamps."
)

var (
	ErrUploadRejected   = errors.New("audio upload was rejected")
	ErrProcessingFailed = errors.New("server-side audio processing failed")
)

// UploadState is the normalized processing state of an uploaded file.
type UploadState int

const (
	UploadProcessing UploadState = iota
	UploadReady
	UploadFailed
)

// Upload is the one fixed record every Files API response is flattened
// into, so nothing downstream branches on response shape.
type Upload struct {
	Name     string
	URI      string
	MIMEType string
	State    UploadState
}

// service is the slice of the vendor SDK the client uses; tests supply a
// fake.
type service interface {
	Generate(ctx context.Context, parts ...genai.Part) (string, error)
	Upload(ctx context.Context, r io.Reader, displayName, mimeType string) (Upload, error)
	FileState(ctx context.Context, name string) (Upload, error)
	Close() error
}

type Config struct {
	Threshold    int64
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

type Client struct {
	svc    service
	cfg    Config
	logger *log.Logger
}

// New builds a client backed by the Gemini API. An invalid key surfaces
// on the first request, not here.
func New(ctx context.Context, apiKey string, cfg Config, logger *log.Logger) (*Client, error) {
	svc, err := newGenaiService(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription client: %w", err)
	}
	return newWithService(svc, cfg, logger), nil
}

func newWithService(svc service, cfg Config, logger *log.Logger) *Client {
	return &Client{svc: svc, cfg: cfg.withDefaults(), logger: logger}
}

func (c *Client) Close() error {
	return c.svc.Close()
}

// TranscribeFile produces at most one finalized transcript item for the
// audio file at path. ok is false when the service returned empty text,
// which is not an error.
func (c *Client) TranscribeFile(ctx context.Context, path string) (item transcript.Item, ok bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return transcript.Item{}, false, fmt.Errorf("cannot read audio file: %w", err)
	}

	var part genai.Part
	if info.Size() < c.cfg.Threshold {
		part, err = c.inlinePart(path)
	} else {
		part, err = c.uploadPart(ctx, path)
	}
	if err != nil {
		return transcript.Item{}, false, err
	}

	c.logger.Info("requesting transcription",
		"file", filepath.Base(path),
		"size", info.Size(),
		"inline", info.Size() < c.cfg.Threshold,
	)

	text, err := c.svc.Generate(ctx, genai.Text(Instruction), part)
	if err != nil {
		return transcript.Item{}, false, fmt.Errorf("transcription request failed: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		c.logger.Info("transcription returned no text", "file", filepath.Base(path))
		return transcript.Item{}, false, nil
	}

	return transcript.NewFinal(text), true, nil
}

func (c *Client) inlinePart(path string) (genai.Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read audio file: %w", err)
	}
	return genai.Blob{MIMEType: MIMEForFile(path), Data: data}, nil
}

// uploadPart runs the upload-then-poll-then-reference flow: upload the
// raw bytes, poll at a fixed interval while the service processes them,
// then hand back a reference to the uploaded content instead of its
// bytes.
func (c *Client) uploadPart(ctx context.Context, path string) (genai.Part, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read audio file: %w", err)
	}
	defer f.Close()

	up, err := c.svc.Upload(ctx, f, filepath.Base(path), MIMEForFile(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadRejected, err)
	}

	for up.State == UploadProcessing {
		c.logger.Debug("upload still processing", "name", up.Name)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
		up, err = c.svc.FileState(ctx, up.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to check upload state: %w", err)
		}
	}

	if up.State == UploadFailed {
		return nil, fmt.Errorf("%w: %s", ErrProcessingFailed, up.Name)
	}

	return genai.FileData{URI: up.URI, MIMEType: up.MIMEType}, nil
}

var audioMIMETypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mp3",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".webm": "audio/webm",
	".aiff": "audio/aiff",
}

// MIMEForFile maps a filename to the declared audio mime type.
func MIMEForFile(path string) string {
	if mt, ok := audioMIMETypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mt
	}
	return "application/octet-stream"
}

// IsAudioFile reports whether the filename has a recognized audio
// extension. The watch command uses it to skip unrelated files.
func IsAudioFile(path string) bool {
	_, ok := audioMIMETypes[strings.ToLower(filepath.Ext(path))]
	return ok
}
