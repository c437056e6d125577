// Package bot connects the transcription pipeline to Telegram: it polls for
// updates, answers commands, and dispatches voice and video-note messages to
// the pipeline with bounded concurrency.
package bot

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"voice-transcribe-bot/internal/observability/logging"
	"voice-transcribe-bot/internal/service/pipeline"
)

// StartMessage answers /start and /help.
const StartMessage = "🎙 Отправьте голосовое сообщение или видео-кружочек для расшифровки!"

// Runner processes one transcription request.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// Config controls polling and dispatch.
type Config struct {
	PollTimeout       int
	MaxConcurrentRuns int64
}

// Bot is the Telegram update loop.
type Bot struct {
	api    API
	runner Runner
	cfg    Config
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a Bot.
func New(api API, runner Runner, cfg Config) *Bot {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}
	return &Bot{
		api:    api,
		runner: runner,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		logger: logging.WithComponent("bot"),
	}
}

// Run polls for updates until ctx is cancelled or the update channel closes,
// then waits for in-flight runs to finish their cleanup.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info().
		Int("pollTimeout", b.cfg.PollTimeout).
		Int64("maxConcurrentRuns", b.cfg.MaxConcurrentRuns).
		Msg("Polling for updates")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info().Msg("Stopped polling, waiting for in-flight runs")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate answers commands and dispatches media messages. It blocks
// while MaxConcurrentRuns runs are in flight.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}

	req, ok := Classify(msg)
	if !ok {
		return
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.logger.Warn().Err(err).Int64("chatId", req.ChatID).Msg("Dropped message during shutdown")
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)
		b.runner.Run(ctx, req)
	}()
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		reply := tgbotapi.NewMessage(msg.Chat.ID, StartMessage)
		if _, err := b.api.Send(reply); err != nil {
			b.logger.Error().Err(err).Int64("chatId", msg.Chat.ID).Msg("Failed to answer command")
		}
	default:
		b.logger.Debug().Str("command", msg.Command()).Msg("Ignoring unknown command")
	}
}

// Classify turns a voice or video-note message into a pipeline request.
func Classify(msg *tgbotapi.Message) (pipeline.Request, bool) {
	if msg == nil || msg.Chat == nil {
		return pipeline.Request{}, false
	}
	req := pipeline.Request{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
	}
	switch {
	case msg.Voice != nil:
		req.Kind = pipeline.KindVoice
		req.FileID = msg.Voice.FileID
		req.FileUniqueID = msg.Voice.FileUniqueID
	case msg.VideoNote != nil:
		req.Kind = pipeline.KindVideoNote
		req.FileID = msg.VideoNote.FileID
		req.FileUniqueID = msg.VideoNote.FileUniqueID
	default:
		return pipeline.Request{}, false
	}
	return req, true
}

// ClientLogger adapts zerolog to the Telegram client's logger interface.
type ClientLogger struct {
	Logger zerolog.Logger
}

// Println implements tgbotapi.BotLogger.
func (l ClientLogger) Println(v ...interface{}) {
	l.Logger.Debug().Msg(fmt.Sprint(v...))
}

// Printf implements tgbotapi.BotLogger.
func (l ClientLogger) Printf(format string, v ...interface{}) {
	l.Logger.Debug().Msgf(format, v...)
}
