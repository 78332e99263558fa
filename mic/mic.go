// Package mic captures microphone audio through PortAudio at the fixed
// rate the transcription endpoint expects.
package mic

import (
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

const (
	SampleRate      = 16000
	Channels        = 1
	FramesPerBuffer = 1024
)

// Capture is one open microphone stream. Open acquires the device,
// Start begins frame delivery, Stop releases everything. A Capture is
// single-use.
type Capture struct {
	stream *portaudio.Stream
	logger *log.Logger

	mu      sync.Mutex
	stopped bool
}

// Open acquires the default input device. onFrame receives fixed-size
// chunks of raw samples; the slice is only valid for the duration of the
// call, so Open hands each consumer its own copy. Frame delivery does not
// begin until Start.
func Open(onFrame func([]float32), logger *log.Logger) (*Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio subsystem: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(
		Channels,
		0,
		float64(SampleRate),
		FramesPerBuffer,
		func(in []float32) {
			frame := make([]float32, len(in))
			copy(frame, in)
			onFrame(frame)
		},
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}

	return &Capture{stream: stream, logger: logger}, nil
}

func (c *Capture) Start() error {
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("failed to start microphone stream: %w", err)
	}
	return nil
}

// Stop halts frame delivery and releases the device and the audio
// subsystem. Safe to call more than once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	if err := c.stream.Stop(); err != nil {
		c.logger.Debug("microphone stream stop", "error", err)
	}
	if err := c.stream.Close(); err != nil {
		c.logger.Debug("microphone stream close", "error", err)
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to release audio subsystem: %w", err)
	}
	return nil
}

// Level reports the RMS level of one frame, normalized to [0, 1]. The
// TUI level meter reads this from the same frames that feed encoding; it
// never touches the capture stream itself.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// Device describes one capture-capable device.
type Device struct {
	Name        string
	Channels    int
	DefaultRate float64
	Default     bool
}

// Devices lists input-capable devices.
func Devices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio subsystem: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	defaultIn, err := portaudio.DefaultInputDevice()
	if err != nil {
		defaultIn = nil
	}

	var devices []Device
	for _, info := range infos {
		if info.MaxInputChannels == 0 {
			continue
		}
		devices = append(devices, Device{
			Name:        info.Name,
			Channels:    info.MaxInputChannels,
			DefaultRate: info.DefaultSampleRate,
			Default:     defaultIn != nil && info.Name == defaultIn.Name,
		})
	}
	return devices, nil
}
