// Package pcm converts floating-point audio samples into the base64
// PCM16 payload the realtime transcription endpoint expects.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
)

const (
	// SampleRate is the only rate the remote endpoint accepts for input
	// audio. The capture stream must already be opened at this rate; no
	// resampling happens here, so a device that cannot honor 16 kHz
	// degrades transcription quality rather than failing loudly.
	SampleRate = 16000

	MIMEType = "audio/pcm;rate=16000"
)

// Payload is one encoded audio frame ready for transport.
type Payload struct {
	Data     string
	MIMEType string
}

// Encode clamps each sample to [-1, 1], scales to signed 16-bit range,
// packs little-endian, and base64-encodes the result. Negative samples
// scale by 32768 and non-negative by 32767; the asymmetry matches the
// asymmetric int16 range and is load-bearing for bit-compatibility with
// the service's reference encoder.
func Encode(samples []float32) Payload {
	return Payload{
		Data:     base64.StdEncoding.EncodeToString(Bytes(samples)),
		MIMEType: MIMEType,
	}
}

// Bytes returns the raw little-endian PCM16 encoding of samples.
func Bytes(samples []float32) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}
