// Package app wires configuration, the transcription pipeline, the Telegram
// transport and the observability servers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	grpcapi "voice-transcribe-bot/internal/api/grpc"
	"voice-transcribe-bot/internal/bot"
	"voice-transcribe-bot/internal/config"
	"voice-transcribe-bot/internal/events"
	apphttp "voice-transcribe-bot/internal/http"
	"voice-transcribe-bot/internal/observability"
	"voice-transcribe-bot/internal/observability/logging"
	"voice-transcribe-bot/internal/observability/metrics"
	"voice-transcribe-bot/internal/service/audio"
	"voice-transcribe-bot/internal/service/laughter"
	"voice-transcribe-bot/internal/service/pipeline"
	"voice-transcribe-bot/internal/service/stt"
	"voice-transcribe-bot/internal/service/stt/google"
	"voice-transcribe-bot/internal/service/stt/mock"
	"voice-transcribe-bot/internal/service/transcription"
)

// shutdownTimeout bounds server draining after the bot stops.
const shutdownTimeout = 10 * time.Second

var (
	// ErrStarting is reported by Ready before the bot starts polling.
	ErrStarting = errors.New("service is starting")
	// ErrShuttingDown is reported by Ready once shutdown begins.
	ErrShuttingDown = errors.New("service is shutting down")
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	adapter   stt.Adapter
	publisher *events.Publisher
	pipeline  *pipeline.Pipeline
	bot       *bot.Bot
	grpc      *grpcapi.Server
	http      *observability.Server

	// state is 0 while starting, 1 while serving and 2 after shutdown began.
	state atomic.Int32
}

// Setup initializes logging, connects to Telegram and the configured
// recognition backend, and builds the Application.
func Setup(ctx context.Context, cfg *config.Config) (*Application, error) {
	logging.Init(logging.Config{
		Level:   cfg.Observability.LogLevel,
		Format:  cfg.Observability.LogFormat,
		Service: cfg.Service.Principal,
	})

	if err := tgbotapi.SetLogger(bot.ClientLogger{Logger: logging.WithComponent("telegram")}); err != nil {
		return nil, fmt.Errorf("failed to set telegram logger: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	api.Debug = cfg.Telegram.Debug

	adapter, err := NewAdapter(ctx, cfg.STT)
	if err != nil {
		return nil, err
	}

	a, err := New(cfg, api, adapter, metrics.DefaultMetrics)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	a.Logger.Info().Str("botUser", api.Self.UserName).Msg("Connected to Telegram")
	return a, nil
}

// NewAdapter creates the recognition backend named by cfg.Provider.
func NewAdapter(ctx context.Context, cfg config.STTConfig) (stt.Adapter, error) {
	switch cfg.Provider {
	case mock.Name:
		return mock.New(), nil
	case google.Name:
		gcfg := google.DefaultConfig()
		gcfg.LanguageCode = cfg.LanguageCode
		gcfg.SampleRateHz = audio.NormalizedSampleRate
		adapter, err := google.New(ctx, gcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create google stt adapter: %w", err)
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

// New builds the Application around an existing Telegram client and
// recognition backend. The Application owns adapter and closes it on
// shutdown.
func New(cfg *config.Config, api bot.API, adapter stt.Adapter, m *metrics.Metrics) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		adapter: adapter,
		Logger:  logging.WithComponent("application"),
	}

	detector, err := laughter.New(cfg.Laughter.Roots, cfg.Laughter.Suffixes)
	if err != nil {
		return nil, fmt.Errorf("failed to build laughter detector: %w", err)
	}

	normalizer := audio.NewNormalizer(cfg.Transcoder.Path,
		audio.WithTimeout(cfg.Transcoder.Timeout),
		audio.WithMetrics(m),
	)
	transcriber := transcription.New(adapter, transcription.Config{
		WindowLength:   cfg.STT.WindowLength,
		TotalBudget:    cfg.STT.TotalBudget,
		MaxConcurrent:  cfg.STT.MaxConcurrent,
		RequestTimeout: cfg.STT.RequestTimeout,
	}, m)

	a.publisher = events.New(&events.Config{
		Enabled:        cfg.Kafka.Enabled,
		Brokers:        cfg.Kafka.Brokers,
		TopicCompleted: cfg.Kafka.TopicCompleted,
		TopicFailed:    cfg.Kafka.TopicFailed,
		Principal:      cfg.Kafka.Principal,
	})

	a.pipeline = pipeline.New(
		bot.NewMessenger(api, nil),
		normalizer,
		transcriber,
		detector,
		pipeline.Config{
			WorkDir:          cfg.Pipeline.WorkDir,
			MinFileBytes:     cfg.Pipeline.MinFileBytes,
			MaxSegmentLength: cfg.Pipeline.MaxSegmentLength,
		},
		pipeline.WithPublisher(a.publisher),
		pipeline.WithMetrics(m),
	)

	a.bot = bot.New(api, a.pipeline, bot.Config{
		PollTimeout:       cfg.Telegram.PollTimeout,
		MaxConcurrentRuns: int64(cfg.Telegram.MaxConcurrentRuns),
	})

	a.grpc = grpcapi.NewServer(m)
	a.http = observability.NewServer(cfg.Observability.MetricsAddr, apphttp.NewRouter(a))

	a.Logger.Info().
		Str("sttProvider", adapter.Name()).
		Int("windowCount", cfg.STT.WindowCount()).
		Bool("kafkaEnabled", cfg.Kafka.Enabled).
		Msg("Voice transcription bot application created")
	return a, nil
}

// Ready implements apphttp.ReadinessChecker.
func (a *Application) Ready() error {
	switch a.state.Load() {
	case 0:
		return ErrStarting
	case 1:
		return nil
	default:
		return ErrShuttingDown
	}
}

// Run starts the servers and polls Telegram until ctx is cancelled, then
// drains in-flight runs and shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	runLogger := a.Logger.With().
		Str("method", "Run").
		Logger()

	if err := a.grpc.Start(":" + a.Cfg.Service.GRPCPort); err != nil {
		a.Shutdown()
		return err
	}
	if err := a.http.Start(); err != nil {
		a.Shutdown()
		return err
	}

	a.StartupTime = time.Now().UTC()
	a.state.Store(1)
	a.grpc.SetServing(true)
	runLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Voice transcription bot starting")

	err := a.bot.Run(ctx)
	a.Shutdown()
	return err
}

// Shutdown marks the service not ready, stops the servers and releases the
// publisher and recognition backend. It is safe to call more than once.
func (a *Application) Shutdown() {
	if a.state.Swap(2) == 2 {
		return
	}
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()
	shutdownLogger.Info().Msg("Voice transcription bot shutting down")

	a.grpc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(ctx); err != nil {
		shutdownLogger.Error().Err(err).Msg("Observability server shutdown failed")
	}
	if err := a.publisher.Close(); err != nil {
		shutdownLogger.Error().Err(err).Msg("Failed to close event publisher")
	}
	if err := a.adapter.Close(); err != nil {
		shutdownLogger.Error().Err(err).Msg("Failed to close stt adapter")
	}
}
