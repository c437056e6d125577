// Command transcribe runs the transcription pipeline on a local media file
// and prints the replies the bot would send.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"voice-transcribe-bot/internal/app"
	"voice-transcribe-bot/internal/config"
	"voice-transcribe-bot/internal/observability/logging"
	"voice-transcribe-bot/internal/observability/metrics"
	"voice-transcribe-bot/internal/service/audio"
	"voice-transcribe-bot/internal/service/laughter"
	"voice-transcribe-bot/internal/service/reply"
	"voice-transcribe-bot/internal/service/transcription"
)

type options struct {
	provider   string
	language   string
	ffmpeg     string
	window     time.Duration
	budget     time.Duration
	maxSegment int
	html       bool
	verbose    bool
}

func main() {
	defaults := config.Defaults()
	opts := options{}

	rootCmd := &cobra.Command{
		Use:          "transcribe <media-file>",
		Short:        "Transcribe a local voice message or video note",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			logging.Init(logging.Config{Level: level, Format: "console"})
			return run(cmd.Context(), args[0], opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.provider, "provider", "p", "mock", "STT provider (google, mock)")
	flags.StringVarP(&opts.language, "language", "l", defaults.STT.LanguageCode, "Recognition language code")
	flags.StringVar(&opts.ffmpeg, "ffmpeg", defaults.Transcoder.Path, "Path to the ffmpeg binary")
	flags.DurationVar(&opts.window, "window", defaults.STT.WindowLength, "Recognition window length")
	flags.DurationVar(&opts.budget, "budget", defaults.STT.TotalBudget, "Total audio budget")
	flags.IntVar(&opts.maxSegment, "max-segment", defaults.Pipeline.MaxSegmentLength, "Maximum reply length in characters")
	flags.BoolVar(&opts.html, "html", false, "Print replies with HTML markup")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, input string, opts options) error {
	adapter, err := app.NewAdapter(ctx, config.STTConfig{
		Provider:     opts.provider,
		LanguageCode: opts.language,
	})
	if err != nil {
		return err
	}
	defer adapter.Close()

	workDir, err := os.MkdirTemp("", "transcribe-")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	m := metrics.NewMetrics(nil)
	wavPath := filepath.Join(workDir, "audio.wav")
	if err := audio.NewNormalizer(opts.ffmpeg, audio.WithMetrics(m)).Normalize(ctx, input, wavPath); err != nil {
		return err
	}

	cfg := transcription.DefaultConfig()
	cfg.WindowLength = opts.window
	cfg.TotalBudget = opts.budget
	result, err := transcription.New(adapter, cfg, m).Transcribe(ctx, wavPath)
	if err != nil {
		return err
	}

	detected := laughter.NewDefault().Detect(result.Text)
	log.Debug().
		Dur("audioDuration", result.AudioDuration).
		Int("windows", len(result.Windows)).
		Int("silent", result.Count(transcription.OutcomeSilent)).
		Int("failed", result.Count(transcription.OutcomeFailed)).
		Bool("laughter", detected).
		Msg("Transcription finished")

	segments := reply.Split(result.Text, opts.maxSegment)
	if opts.html {
		segments = reply.Format(result.Text, detected, opts.maxSegment)
	} else if detected {
		segments[len(segments)-1] += reply.LaughterNote
	}
	for i, s := range segments {
		if i > 0 {
			fmt.Println("---")
		}
		fmt.Println(s)
	}
	return nil
}
