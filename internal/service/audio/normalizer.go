// Package audio converts arbitrary chat media into the normalized waveform
// (mono, 16-bit PCM, 48 kHz WAV) and reads it back window by window.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"voice-transcribe-bot/internal/observability/logging"
	"voice-transcribe-bot/internal/observability/metrics"
)

// ErrConversionFailed is returned when the transcoder exits non-zero or its
// output does not pass the normalized format check.
var ErrConversionFailed = errors.New("audio conversion failed")

// CommandRunner runs an external process and returns its captured stderr.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stderr []byte, err error)
}

// waitDelay bounds how long Wait keeps draining output after the process is
// killed, in case a child still holds the pipe.
const waitDelay = 2 * time.Second

type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	return stderr.Bytes(), err
}

// Normalizer invokes ffmpeg with a fixed argument profile and validates the
// result independently of the exit status.
type Normalizer struct {
	ffmpegPath string
	timeout    time.Duration
	runner     CommandRunner
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithCommandRunner sets the process runner.
func WithCommandRunner(r CommandRunner) NormalizerOption {
	return func(n *Normalizer) {
		n.runner = r
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) NormalizerOption {
	return func(n *Normalizer) {
		n.metrics = m
	}
}

// WithTimeout bounds each transcoder invocation.
func WithTimeout(d time.Duration) NormalizerOption {
	return func(n *Normalizer) {
		n.timeout = d
	}
}

// NewNormalizer creates a Normalizer for the given ffmpeg binary.
func NewNormalizer(ffmpegPath string, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		ffmpegPath: ffmpegPath,
		timeout:    2 * time.Minute,
		runner:     osCommandRunner{},
		metrics:    metrics.DefaultMetrics,
		logger:     logging.WithComponent("normalizer"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Args returns the transcoder argument profile for input and output.
func Args(inputPath, outputPath string) []string {
	return []string{
		"-i", inputPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(NormalizedSampleRate),
		"-ac", strconv.Itoa(NormalizedChannels),
		"-y", outputPath,
	}
}

// Normalize converts inputPath into a normalized waveform at outputPath.
// Success requires a zero exit status and an output that passes
// CheckNormalized. Cancellation of ctx is returned as ctx.Err(), not as
// ErrConversionFailed; hitting the normalizer's own timeout is a conversion
// failure.
func (n *Normalizer) Normalize(ctx context.Context, inputPath, outputPath string) error {
	runCtx := ctx
	if n.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	start := time.Now()
	stderr, runErr := n.runner.Run(runCtx, n.ffmpegPath, Args(inputPath, outputPath)...)
	elapsed := time.Since(start).Seconds()

	if err := ctx.Err(); err != nil {
		n.logger.Warn().
			Err(err).
			Str("input", inputPath).
			Msg("Transcoder interrupted")
		n.metrics.RecordTranscode("cancelled", elapsed)
		return fmt.Errorf("transcoder: %w", err)
	}

	if runErr != nil {
		n.logger.Error().
			Err(runErr).
			Str("input", inputPath).
			Str("stderr", string(stderr)).
			Msg("Transcoder failed")
		n.metrics.RecordTranscode("exit_status", elapsed)
		return fmt.Errorf("%w: transcoder: %v", ErrConversionFailed, runErr)
	}

	format, err := CheckNormalized(outputPath)
	if err != nil {
		n.logger.Error().
			Err(err).
			Str("output", outputPath).
			Str("stderr", string(stderr)).
			Msg("Transcoder output failed format check")
		n.metrics.RecordTranscode("invalid_output", elapsed)
		return fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	n.metrics.RecordTranscode("", elapsed)
	n.logger.Debug().
		Str("output", outputPath).
		Dur("audioDuration", format.Duration()).
		Msg("Audio normalized")
	return nil
}
