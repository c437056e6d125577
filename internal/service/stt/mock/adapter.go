// Package mock provides a mock STT adapter for testing without cloud credentials.
// It returns scripted per-window outcomes, or cycles through sample phrases
// when no script is set.
package mock

import (
	"context"
	"fmt"
	"sync"

	"voice-transcribe-bot/internal/service/stt"
)

// Name is the provider label used in logs and metrics.
const Name = "mock"

// Outcome is the scripted result of one window.
type Outcome struct {
	Text string
	Err  error
}

// Silent is an outcome with no intelligible speech.
var Silent = Outcome{Err: stt.ErrNoSpeech}

// Failed is an outcome where the backend request failed.
var Failed = Outcome{Err: stt.ErrRequestFailed}

// DefaultPhrases provides sample transcripts for simulation.
var DefaultPhrases = []string{
	"привет это тестовое сообщение",
	"ха ну ты даёшь",
	"перезвони мне когда освободишься",
	"спасибо большое",
}

// Adapter implements stt.Adapter with mock responses.
type Adapter struct {
	mu     sync.Mutex
	script map[int]Outcome
	calls  []stt.Audio
	closed bool
}

// New creates a mock adapter that cycles through DefaultPhrases.
func New() *Adapter {
	return &Adapter{}
}

// NewScripted creates a mock adapter returning script[i] for window i.
// Windows without an entry are silent.
func NewScripted(script map[int]Outcome) *Adapter {
	return &Adapter{script: script}
}

// Name implements stt.Adapter.
func (a *Adapter) Name() string { return Name }

// Recognize returns the scripted outcome for audio.Index.
func (a *Adapter) Recognize(ctx context.Context, audio stt.Audio) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", stt.ErrRequestFailed, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", fmt.Errorf("%w: adapter closed", stt.ErrRequestFailed)
	}
	a.calls = append(a.calls, audio)

	if a.script == nil {
		return DefaultPhrases[audio.Index%len(DefaultPhrases)], nil
	}
	out, ok := a.script[audio.Index]
	if !ok {
		return "", fmt.Errorf("%w: window %d", stt.ErrNoSpeech, audio.Index)
	}
	if out.Err != nil {
		return "", fmt.Errorf("%w: window %d", out.Err, audio.Index)
	}
	return out.Text, nil
}

// Calls returns the audio windows received so far, in call order.
func (a *Adapter) Calls() []stt.Audio {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]stt.Audio{}, a.calls...)
}

// Close ends the mock session. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
