// Package pipeline runs one inbound voice or video-note message through
// download, normalization, windowed transcription, laughter detection and
// reply, and always cleans up after itself.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voice-transcribe-bot/internal/models"
	"voice-transcribe-bot/internal/observability/logging"
	"voice-transcribe-bot/internal/observability/metrics"
	"voice-transcribe-bot/internal/service/audio"
	"voice-transcribe-bot/internal/service/reply"
	"voice-transcribe-bot/internal/service/transcription"
)

// User-facing texts.
const (
	StatusProcessing    = "⏳ Обработка аудио..."
	StatusRecognizing   = "🔍 Распознавание речи..."
	StatusDone          = "✅ Обработка завершена"
	MsgDownloadCorrupt  = "❌ Файл повреждён"
	MsgConversionFailed = "❌ Ошибка конвертации"
	msgUnhandled        = "⚠️ Ошибка: %s"
)

// ErrDownloadCorrupt is returned when the downloaded attachment is below the
// minimum size.
var ErrDownloadCorrupt = errors.New("downloaded file is corrupt")

// ErrConversionFailed is returned when the attachment cannot be normalized.
var ErrConversionFailed = audio.ErrConversionFailed

// detachedTimeout bounds chat calls made after the run context is gone.
const detachedTimeout = 10 * time.Second

// Kind is the attachment type of an inbound message.
type Kind string

const (
	KindVoice     Kind = "voice"
	KindVideoNote Kind = "video_note"
)

// Valid reports whether k is a supported attachment kind.
func (k Kind) Valid() bool {
	return k == KindVoice || k == KindVideoNote
}

// Request describes one inbound message to transcribe.
type Request struct {
	ChatID       int64
	MessageID    int
	FileID       string
	FileUniqueID string
	Kind         Kind
}

// Messenger is the chat transport the pipeline talks to.
type Messenger interface {
	// Reply sends text as a reply to messageID and returns the new message ID.
	Reply(ctx context.Context, chatID int64, replyTo int, text string, html bool) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	// Download writes the attachment identified by fileID to w.
	Download(ctx context.Context, fileID string, w io.Writer) (int64, error)
}

// Normalizer converts a media file to the normalized waveform.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath, outputPath string) error
}

// Transcriber turns a normalized waveform into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (transcription.Result, error)
}

// Detector reports laughter in a transcript.
type Detector interface {
	Detect(transcript string) bool
}

// Publisher receives run outcome events.
type Publisher interface {
	PublishCompleted(ctx context.Context, key string, event any) error
	PublishFailed(ctx context.Context, key string, event any) error
}

// Config holds pipeline limits.
type Config struct {
	WorkDir          string
	MinFileBytes     int64
	MaxSegmentLength int
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID       string
	History     []State
	FailedAt    State
	Err         error
	SourceBytes int64
	Result      transcription.Result
	Laughter    bool
	Segments    int
	Duration    time.Duration
}

// Succeeded returns true if the run replied with the transcript.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Pipeline runs inbound messages. It holds no per-run state and may run
// many requests concurrently.
type Pipeline struct {
	messenger   Messenger
	normalizer  Normalizer
	transcriber Transcriber
	detector    Detector
	publisher   Publisher
	cfg         Config
	metrics     *metrics.Metrics
	newRunID    func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher sets the outcome event publisher.
func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) {
		pl.publisher = p
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

// New creates a Pipeline.
func New(m Messenger, n Normalizer, t Transcriber, d Detector, cfg Config, opts ...Option) *Pipeline {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.MaxSegmentLength <= 0 {
		cfg.MaxSegmentLength = reply.DefaultMaxSegmentLength
	}
	p := &Pipeline{
		messenger:   m,
		normalizer:  n,
		transcriber: t,
		detector:    d,
		cfg:         cfg,
		metrics:     metrics.DefaultMetrics,
		newRunID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run is the state of one pipeline execution. Every artifact path is empty
// until the artifact exists, and each is released independently.
type run struct {
	req      Request
	lc       *Lifecycle
	logger   zerolog.Logger
	start    time.Time
	dir      string
	source   string
	video    string
	wav      string
	statusID *int
	size     int64
	result   transcription.Result
	laughter bool
	segments int
}

// Run processes req to completion. Cleanup of temporary files and the status
// message happens on every exit path, including panics and cancellation of
// ctx. Run never returns an error; failures are reported to the user and in
// the returned Outcome.
func (p *Pipeline) Run(ctx context.Context, req Request) (out Outcome) {
	id := p.newRunID()
	r := &run{
		req:    req,
		lc:     NewLifecycle(id),
		logger: logging.WithRun(id, req.ChatID, string(req.Kind)),
		start:  time.Now(),
	}
	p.metrics.RecordRunStart()
	r.logger.Info().Int("messageId", req.MessageID).Msg("Pipeline run started")

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Pipeline run panicked")
			p.fail(ctx, r, fmt.Errorf("panic: %v", rec))
		}
		p.cleanup(ctx, r)
		out = p.finish(ctx, r)
	}()

	if err := p.execute(ctx, r); err != nil {
		p.fail(ctx, r, err)
	}
	return out
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	if err := r.lc.Advance(StateDownloading); err != nil {
		return err
	}
	if !r.req.Kind.Valid() {
		return fmt.Errorf("unsupported media kind %q", r.req.Kind)
	}
	statusID, err := p.messenger.Reply(ctx, r.req.ChatID, r.req.MessageID, StatusProcessing, false)
	if err != nil {
		return fmt.Errorf("failed to send status: %w", err)
	}
	r.statusID = &statusID

	if err := p.download(ctx, r); err != nil {
		return err
	}

	if err := r.lc.Advance(StateValidating); err != nil {
		return err
	}
	info, err := os.Stat(r.source)
	if err != nil {
		return fmt.Errorf("failed to stat download: %w", err)
	}
	r.size = info.Size()
	p.metrics.RecordSourceBytes(r.size)
	if r.size < p.cfg.MinFileBytes {
		return fmt.Errorf("%w: %d bytes, minimum %d", ErrDownloadCorrupt, r.size, p.cfg.MinFileBytes)
	}

	if err := r.lc.Advance(StateConverting); err != nil {
		return err
	}
	input := r.source
	if r.req.Kind == KindVideoNote {
		// The transcoder detects the container by suffix.
		video := filepath.Join(r.dir, baseName(r.req.FileUniqueID)+".mp4")
		if err := os.Rename(r.source, video); err != nil {
			return fmt.Errorf("failed to rename video note: %w", err)
		}
		r.video = video
		input = video
	}
	r.wav = filepath.Join(r.dir, baseName(r.req.FileUniqueID)+".wav")
	if err := p.normalizer.Normalize(ctx, input, r.wav); err != nil {
		return err
	}

	if err := r.lc.Advance(StateTranscribing); err != nil {
		return err
	}
	p.editStatus(ctx, r, StatusRecognizing)
	result, err := p.transcriber.Transcribe(ctx, r.wav)
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}
	r.result = result
	r.logger.Info().
		Str("transcript", result.Text).
		Int("windows", len(result.Windows)).
		Int("recognized", result.Count(transcription.OutcomeRecognized)).
		Dur("audioDuration", result.AudioDuration).
		Msg("Transcription complete")

	if err := r.lc.Advance(StateDetecting); err != nil {
		return err
	}
	r.laughter = p.detector.Detect(result.Text)
	if r.laughter {
		p.metrics.RecordLaughter()
	}

	if err := r.lc.Advance(StateReplying); err != nil {
		return err
	}
	p.editStatus(ctx, r, StatusDone)
	for i, segment := range reply.Format(result.Text, r.laughter, p.cfg.MaxSegmentLength) {
		if _, err := p.messenger.Reply(ctx, r.req.ChatID, r.req.MessageID, segment, true); err != nil {
			return fmt.Errorf("failed to send reply segment %d: %w", i, err)
		}
		r.segments++
		p.metrics.RecordReplySent()
	}
	return nil
}

func (p *Pipeline) download(ctx context.Context, r *run) error {
	dir := filepath.Join(p.cfg.WorkDir, "run-"+r.lc.RunID())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	r.dir = dir

	source := filepath.Join(dir, baseName(r.req.FileUniqueID)+"."+string(r.req.Kind))
	f, err := os.Create(source)
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}
	r.source = source

	n, err := p.messenger.Download(ctx, r.req.FileID, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to download attachment: %w", err)
	}
	r.logger.Debug().Int64("bytes", n).Str("path", source).Msg("Attachment downloaded")
	return nil
}

// editStatus updates the status message. The status is transient, so a
// failed edit is logged and the run continues.
func (p *Pipeline) editStatus(ctx context.Context, r *run, text string) {
	if r.statusID == nil {
		return
	}
	if err := p.messenger.Edit(ctx, r.req.ChatID, *r.statusID, text); err != nil {
		r.logger.Warn().Err(err).Str("status", text).Msg("Failed to edit status message")
	}
}

// fail records err and sends the matching user-facing message. A run
// cancelled by its host gets no reply.
func (p *Pipeline) fail(ctx context.Context, r *run, err error) {
	if !r.lc.Fail(err) {
		r.logger.Warn().Err(err).Msg("Error after run reached cleanup")
		return
	}

	evt := r.logger.Error()
	if errors.Is(err, ErrDownloadCorrupt) || errors.Is(err, ErrConversionFailed) {
		evt = r.logger.Warn()
	}
	evt.Err(err).Str("stage", r.lc.FailedAt().String()).Msg("Pipeline run failed")

	if errors.Is(err, context.Canceled) {
		return
	}
	dctx, cancel := detached(ctx)
	defer cancel()
	if _, sendErr := p.messenger.Reply(dctx, r.req.ChatID, r.req.MessageID, UserMessage(err), false); sendErr != nil {
		r.logger.Error().Err(sendErr).Msg("Failed to send error reply")
	}
}

// UserMessage maps a run error to the text shown to the user.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrDownloadCorrupt):
		return MsgDownloadCorrupt
	case errors.Is(err, ErrConversionFailed):
		return MsgConversionFailed
	default:
		return fmt.Sprintf(msgUnhandled, err)
	}
}

// cleanup removes every artifact the run created and deletes the status
// message. Each release is attempted regardless of the others.
func (p *Pipeline) cleanup(ctx context.Context, r *run) {
	if err := r.lc.Advance(StateCleaning); err != nil {
		r.logger.Error().Err(err).Msg("Unexpected state at cleanup")
	}

	for _, a := range []struct{ target, path string }{
		{"source", r.source},
		{"video", r.video},
		{"wav", r.wav},
	} {
		if a.path == "" {
			continue
		}
		if err := os.Remove(a.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn().Err(err).Str("path", a.path).Msg("Failed to remove temporary file")
			p.metrics.RecordCleanupError(a.target)
		}
	}

	if r.dir != "" {
		if err := os.RemoveAll(r.dir); err != nil {
			r.logger.Warn().Err(err).Str("path", r.dir).Msg("Failed to remove run directory")
			p.metrics.RecordCleanupError("dir")
		}
	}

	if r.statusID != nil {
		dctx, cancel := detached(ctx)
		defer cancel()
		if err := p.messenger.Delete(dctx, r.req.ChatID, *r.statusID); err != nil {
			r.logger.Warn().Err(err).Int("statusId", *r.statusID).Msg("Failed to delete status message")
			p.metrics.RecordCleanupError("status")
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, r *run) Outcome {
	if err := r.lc.Advance(StateDone); err != nil {
		r.logger.Error().Err(err).Msg("Unexpected state at finish")
	}

	out := Outcome{
		RunID:       r.lc.RunID(),
		History:     r.lc.History(),
		Err:         r.lc.Err(),
		SourceBytes: r.size,
		Result:      r.result,
		Laughter:    r.laughter,
		Segments:    r.segments,
		Duration:    time.Since(r.start),
	}
	if out.Err != nil {
		out.FailedAt = r.lc.FailedAt()
	}

	p.metrics.RecordRunEnd(outcomeLabel(out.Err), out.Duration.Seconds())
	p.publish(ctx, r, out)

	r.logger.Info().
		Bool("succeeded", out.Succeeded()).
		Int("segments", out.Segments).
		Dur("duration", out.Duration).
		Msg("Pipeline run finished")
	return out
}

func (p *Pipeline) publish(ctx context.Context, r *run, out Outcome) {
	if p.publisher == nil {
		return
	}
	dctx, cancel := detached(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var err error
	if out.Succeeded() {
		err = p.publisher.PublishCompleted(dctx, out.RunID, models.TranscriptionCompleted{
			EventType:         models.EventTranscriptionCompleted,
			RunID:             out.RunID,
			ChatID:            r.req.ChatID,
			MessageID:         r.req.MessageID,
			Kind:              string(r.req.Kind),
			Timestamp:         now,
			SourceBytes:       out.SourceBytes,
			AudioDurationMs:   out.Result.AudioDuration.Milliseconds(),
			WindowsIssued:     len(out.Result.Windows),
			WindowsRecognized: out.Result.Count(transcription.OutcomeRecognized),
			WindowsSilent:     out.Result.Count(transcription.OutcomeSilent),
			WindowsFailed:     out.Result.Count(transcription.OutcomeFailed),
			TranscriptChars:   len([]rune(out.Result.Text)),
			Laughter:          out.Laughter,
			Segments:          out.Segments,
			DurationMs:        out.Duration.Milliseconds(),
		})
	} else {
		err = p.publisher.PublishFailed(dctx, out.RunID, models.TranscriptionFailed{
			EventType:   models.EventTranscriptionFailed,
			RunID:       out.RunID,
			ChatID:      r.req.ChatID,
			MessageID:   r.req.MessageID,
			Kind:        string(r.req.Kind),
			Timestamp:   now,
			SourceBytes: out.SourceBytes,
			Stage:       out.FailedAt.String(),
			Reason:      outcomeLabel(out.Err),
			Error:       out.Err.Error(),
			DurationMs:  out.Duration.Milliseconds(),
		})
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to publish outcome event")
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrDownloadCorrupt):
		return "download_corrupt"
	case errors.Is(err, ErrConversionFailed):
		return "conversion_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// detached returns a context that survives cancellation of ctx, bounded by
// detachedTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
}

// baseName keeps a transport-supplied identifier inside the run directory.
func baseName(id string) string {
	name := filepath.Base(id)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "media"
	}
	return name
}
