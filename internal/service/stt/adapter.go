// Package stt defines the interface for Speech-to-Text adapters.
package stt

import (
	"context"
	"errors"
	"time"
)

// Recognition outcomes that callers distinguish. Both are non-fatal for a
// windowed transcription: the window simply contributes no text.
var (
	// ErrNoSpeech means the backend found no intelligible speech.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrRequestFailed means the backend call itself failed
	// (network, quota, service error).
	ErrRequestFailed = errors.New("recognition request failed")
)

// Audio is one window of 16-bit little-endian mono PCM.
type Audio struct {
	Index        int
	Offset       time.Duration
	SampleRateHz int
	PCM          []byte
}

// Duration returns the playback length of the samples.
func (a Audio) Duration() time.Duration {
	if a.SampleRateHz <= 0 {
		return 0
	}
	samples := len(a.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRateHz)
}

// Adapter defines the interface for STT providers (Google, mock, ...).
type Adapter interface {
	// Recognize returns the single best transcription of audio.
	// It returns an error wrapping ErrNoSpeech or ErrRequestFailed.
	Recognize(ctx context.Context, audio Audio) (string, error)

	// Name identifies the provider in logs and metrics.
	Name() string

	// Close releases resources.
	Close() error
}
