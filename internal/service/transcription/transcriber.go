// Package transcription splits a normalized waveform into fixed time windows,
// recognizes each window and joins the results in window order.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voice-transcribe-bot/internal/observability/logging"
	"voice-transcribe-bot/internal/observability/metrics"
	"voice-transcribe-bot/internal/service/audio"
	"voice-transcribe-bot/internal/service/stt"
)

// Config controls windowing and backend call limits.
type Config struct {
	WindowLength   time.Duration
	TotalBudget    time.Duration
	MaxConcurrent  int
	RequestTimeout time.Duration
}

// DefaultConfig returns 60s windows within a 600s budget, one call at a time.
func DefaultConfig() Config {
	return Config{
		WindowLength:   60 * time.Second,
		TotalBudget:    600 * time.Second,
		MaxConcurrent:  1,
		RequestTimeout: 30 * time.Second,
	}
}

// Outcome classifies a single window.
type Outcome int

const (
	OutcomeRecognized Outcome = iota
	OutcomeSilent
	OutcomeFailed
)

// String returns the metrics label of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeRecognized:
		return metrics.WindowRecognized
	case OutcomeSilent:
		return metrics.WindowSilent
	case OutcomeFailed:
		return metrics.WindowFailed
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Window is one recognized time slice. Text is empty unless Outcome is
// OutcomeRecognized.
type Window struct {
	Index   int
	Offset  time.Duration
	Outcome Outcome
	Text    string
}

// Result is the aggregated transcription of one waveform.
type Result struct {
	Windows       []Window
	Text          string
	AudioDuration time.Duration
}

// Count returns how many windows ended with outcome o.
func (r Result) Count(o Outcome) int {
	n := 0
	for _, w := range r.Windows {
		if w.Outcome == o {
			n++
		}
	}
	return n
}

// Join concatenates recognized window texts with single spaces in
// ascending index order, regardless of the order of windows.
func Join(windows []Window) string {
	byIndex := make(map[int]string, len(windows))
	maxIndex := -1
	for _, w := range windows {
		if w.Outcome != OutcomeRecognized || w.Text == "" {
			continue
		}
		byIndex[w.Index] = w.Text
		if w.Index > maxIndex {
			maxIndex = w.Index
		}
	}
	parts := make([]string, 0, len(byIndex))
	for i := 0; i <= maxIndex; i++ {
		if text, ok := byIndex[i]; ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Transcriber drives an stt.Adapter over the windows of a waveform.
type Transcriber struct {
	adapter stt.Adapter
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Transcriber. Zero config fields fall back to DefaultConfig.
func New(adapter stt.Adapter, cfg Config, m *metrics.Metrics) *Transcriber {
	def := DefaultConfig()
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = def.WindowLength
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = def.TotalBudget
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Transcriber{
		adapter: adapter,
		cfg:     cfg,
		metrics: m,
		logger:  logging.WithComponent("transcriber"),
	}
}

// Transcribe recognizes every window of the waveform at wavPath that holds
// audio, up to the total budget. Silent and failed windows contribute no
// text and never abort the run; only an unreadable file or cancellation of
// ctx is returned as an error.
func (t *Transcriber) Transcribe(ctx context.Context, wavPath string) (Result, error) {
	wave, err := audio.Open(wavPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open waveform: %w", err)
	}
	defer wave.Close()

	n := wave.WindowCount(t.cfg.WindowLength, t.cfg.TotalBudget)
	windows := make([]Window, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.MaxConcurrent)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			w, err := t.transcribeWindow(gctx, wave, i)
			windows[i] = w
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Windows:       windows,
		Text:          Join(windows),
		AudioDuration: wave.Duration(),
	}, nil
}

func (t *Transcriber) transcribeWindow(ctx context.Context, wave *audio.Waveform, i int) (Window, error) {
	w := Window{Index: i, Offset: time.Duration(i) * t.cfg.WindowLength}
	if err := ctx.Err(); err != nil {
		return w, err
	}

	pcm, err := wave.ReadWindow(i, t.cfg.WindowLength, t.cfg.TotalBudget)
	if err != nil {
		return w, err
	}

	callCtx := ctx
	if t.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := t.adapter.Recognize(callCtx, stt.Audio{
		Index:        i,
		Offset:       w.Offset,
		SampleRateHz: wave.Format().SampleRate,
		PCM:          pcm,
	})
	latency := time.Since(start).Seconds()

	switch {
	case err == nil && strings.TrimSpace(text) != "":
		w.Outcome = OutcomeRecognized
		w.Text = strings.TrimSpace(text)
	case err == nil, errors.Is(err, stt.ErrNoSpeech):
		w.Outcome = OutcomeSilent
		t.logger.Debug().Int("window", i).Dur("offset", w.Offset).Msg("No speech in window")
	default:
		if ctx.Err() != nil {
			return w, ctx.Err()
		}
		w.Outcome = OutcomeFailed
		t.logger.Error().Err(err).Int("window", i).Dur("offset", w.Offset).Msg("Recognition request failed, skipping window")
	}

	t.metrics.RecordWindow(t.adapter.Name(), w.Outcome.String(), latency)
	return w, nil
}
