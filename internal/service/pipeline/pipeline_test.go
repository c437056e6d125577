package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"voice-transcribe-bot/internal/models"
	"voice-transcribe-bot/internal/observability/metrics"
	"voice-transcribe-bot/internal/service/audio"
	"voice-transcribe-bot/internal/service/laughter"
	"voice-transcribe-bot/internal/service/reply"
	"voice-transcribe-bot/internal/service/stt/mock"
	"voice-transcribe-bot/internal/service/transcription"
)

const (
	testChatID    = int64(42)
	testMessageID = 7
	statusID      = 1001
)

type sentMessage struct {
	replyTo int
	text    string
	html    bool
}

// fakeMessenger implements Messenger for testing.
type fakeMessenger struct {
	mu           sync.Mutex
	payload      []byte
	downloadErr  error
	replyErr     func(text string, html bool) error
	sent         []sentMessage
	edits        []string
	deleted      []int
	deleteCtxErr error
	deleteErr    error
	nextID       int
}

func (m *fakeMessenger) Reply(ctx context.Context, chatID int64, replyTo int, text string, html bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		if err := m.replyErr(text, html); err != nil {
			return 0, err
		}
	}
	m.sent = append(m.sent, sentMessage{replyTo: replyTo, text: text, html: html})
	m.nextID++
	return statusID - 1 + m.nextID, nil
}

func (m *fakeMessenger) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, text)
	return nil
}

func (m *fakeMessenger) Delete(ctx context.Context, chatID int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, messageID)
	m.deleteCtxErr = ctx.Err()
	return m.deleteErr
}

func (m *fakeMessenger) Download(ctx context.Context, fileID string, w io.Writer) (int64, error) {
	if m.downloadErr != nil {
		return 0, m.downloadErr
	}
	n, err := w.Write(m.payload)
	return int64(n), err
}

// fakeRunner implements audio.CommandRunner. It writes output to the
// destination path and records the input the transcoder was given.
type fakeRunner struct {
	mu           sync.Mutex
	output       []byte
	err          error
	inputs       []string
	inputExisted bool
	// onRun, when set, runs first and its error replaces err.
	onRun func(ctx context.Context) error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onRun != nil {
		return nil, r.onRun(ctx)
	}
	input := args[1]
	r.inputs = append(r.inputs, input)
	_, statErr := os.Stat(input)
	r.inputExisted = statErr == nil
	if r.output != nil {
		if err := os.WriteFile(args[len(args)-1], r.output, 0o644); err != nil {
			return nil, err
		}
	}
	return nil, r.err
}

// fakePublisher implements Publisher for testing.
type fakePublisher struct {
	mu        sync.Mutex
	completed []models.TranscriptionCompleted
	failed    []models.TranscriptionFailed
}

func (p *fakePublisher) PublishCompleted(ctx context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, event.(models.TranscriptionCompleted))
	return nil
}

func (p *fakePublisher) PublishFailed(ctx context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event.(models.TranscriptionFailed))
	return nil
}

type harness struct {
	p         *Pipeline
	messenger *fakeMessenger
	runner    *fakeRunner
	stt       *mock.Adapter
	publisher *fakePublisher
	metrics   *metrics.Metrics
	workDir   string
}

func wavFixture(d time.Duration) []byte {
	return audio.EncodeWAV(make([]int16, int(d.Seconds()*audio.NormalizedSampleRate)), audio.NormalizedSampleRate)
}

func newHarness(t *testing.T, script map[int]mock.Outcome, wav time.Duration) *harness {
	t.Helper()
	h := &harness{
		messenger: &fakeMessenger{payload: make([]byte, 512)},
		runner:    &fakeRunner{output: wavFixture(wav)},
		stt:       mock.NewScripted(script),
		publisher: &fakePublisher{},
		metrics:   metrics.NewMetrics(nil),
		workDir:   t.TempDir(),
	}

	normalizer := audio.NewNormalizer("ffmpeg",
		audio.WithCommandRunner(h.runner),
		audio.WithMetrics(h.metrics),
	)
	transcriber := transcription.New(h.stt, transcription.Config{
		WindowLength:   time.Second,
		TotalBudget:    10 * time.Second,
		MaxConcurrent:  1,
		RequestTimeout: time.Second,
	}, h.metrics)

	h.p = New(h.messenger, normalizer, transcriber, laughter.NewDefault(), Config{
		WorkDir:          h.workDir,
		MinFileBytes:     100,
		MaxSegmentLength: reply.DefaultMaxSegmentLength,
	}, WithPublisher(h.publisher), WithMetrics(h.metrics))
	return h
}

func voiceRequest() Request {
	return Request{
		ChatID:       testChatID,
		MessageID:    testMessageID,
		FileID:       "file-id",
		FileUniqueID: "AgADuniq",
		Kind:         KindVoice,
	}
}

// assertClean checks that no run left anything in the work directory and
// that the status message was deleted.
func (h *harness) assertClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("leftover artifact: %s", e.Name())
	}
	if len(h.messenger.deleted) != 1 || h.messenger.deleted[0] != statusID {
		t.Errorf("expected status message %d deleted once, got %v", statusID, h.messenger.deleted)
	}
	if h.messenger.deleteCtxErr != nil {
		t.Errorf("status deleted with a dead context: %v", h.messenger.deleteCtxErr)
	}
}

// replies returns the messages sent after the status message.
func (h *harness) replies() []sentMessage {
	if len(h.messenger.sent) == 0 {
		return nil
	}
	return h.messenger.sent[1:]
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{
		0: {Text: "привет"},
		1: {Text: "ха"},
	}, 2500*time.Millisecond)

	out := h.p.Run(context.Background(), voiceRequest())

	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if out.Result.Text != "привет ха" {
		t.Errorf("expected transcript 'привет ха', got %q", out.Result.Text)
	}
	if !out.Laughter {
		t.Error("expected laughter to be detected")
	}

	sent := h.messenger.sent
	if len(sent) != 2 {
		t.Fatalf("expected status + 1 reply, got %d messages", len(sent))
	}
	if sent[0].text != StatusProcessing || sent[0].html {
		t.Errorf("unexpected status message: %+v", sent[0])
	}
	want := "<blockquote>привет ха</blockquote>" + reply.LaughterNote
	if sent[1].text != want || !sent[1].html || sent[1].replyTo != testMessageID {
		t.Errorf("unexpected reply: %+v", sent[1])
	}
	if strings.Join(h.messenger.edits, "|") != StatusRecognizing+"|"+StatusDone {
		t.Errorf("unexpected status edits: %v", h.messenger.edits)
	}

	wantHistory := []State{StateIdle, StateDownloading, StateValidating, StateConverting,
		StateTranscribing, StateDetecting, StateReplying, StateCleaning, StateDone}
	if len(out.History) != len(wantHistory) {
		t.Fatalf("unexpected history: %v", out.History)
	}
	for i, s := range wantHistory {
		if out.History[i] != s {
			t.Errorf("history[%d] = %v, want %v", i, out.History[i], s)
		}
	}

	if len(h.publisher.completed) != 1 {
		t.Fatalf("expected 1 completed event, got %d", len(h.publisher.completed))
	}
	evt := h.publisher.completed[0]
	if evt.WindowsIssued != 3 || evt.WindowsRecognized != 2 || evt.WindowsSilent != 1 {
		t.Errorf("unexpected window counts in event: %+v", evt)
	}
	if evt.TranscriptChars != len([]rune("привет ха")) || !evt.Laughter || evt.Segments != 1 {
		t.Errorf("unexpected event summary: %+v", evt)
	}
	if got := testutil.ToFloat64(h.metrics.RunOutcomes.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected 1 completed run metric, got %v", got)
	}

	h.assertClean(t)
}

func TestRun_DownloadCorrupt(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	h.messenger.payload = make([]byte, 99)

	out := h.p.Run(context.Background(), voiceRequest())

	if !errors.Is(out.Err, ErrDownloadCorrupt) {
		t.Fatalf("expected ErrDownloadCorrupt, got %v", out.Err)
	}
	if out.FailedAt != StateValidating {
		t.Errorf("expected failure at validating, got %v", out.FailedAt)
	}
	if len(h.runner.inputs) != 0 {
		t.Errorf("expected no transcoder invocation, got %v", h.runner.inputs)
	}
	if r := h.replies(); len(r) != 1 || r[0].text != MsgDownloadCorrupt {
		t.Errorf("expected a single corrupt-file reply, got %+v", r)
	}
	if len(h.publisher.failed) != 1 || h.publisher.failed[0].Stage != "validating" ||
		h.publisher.failed[0].Reason != "download_corrupt" {
		t.Errorf("unexpected failed events: %+v", h.publisher.failed)
	}
	h.assertClean(t)
}

func TestRun_ConversionFailed(t *testing.T) {
	tests := []struct {
		name   string
		output []byte
		err    error
	}{
		{"zero exit with invalid output", []byte("definitely not a waveform"), nil},
		{"zero exit with stereo output", audio.EncodePCM(make([]int16, 96), audio.NormalizedSampleRate, 2), nil},
		{"non-zero exit", nil, errors.New("exit status 1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, time.Second)
			h.runner.output = tt.output
			h.runner.err = tt.err

			out := h.p.Run(context.Background(), voiceRequest())

			if !errors.Is(out.Err, ErrConversionFailed) {
				t.Fatalf("expected ErrConversionFailed, got %v", out.Err)
			}
			if out.FailedAt != StateConverting {
				t.Errorf("expected failure at converting, got %v", out.FailedAt)
			}
			if r := h.replies(); len(r) != 1 || r[0].text != MsgConversionFailed {
				t.Errorf("expected a single conversion-error reply, got %+v", r)
			}
			if len(h.stt.Calls()) != 0 {
				t.Error("expected no recognition calls")
			}
			h.assertClean(t)
		})
	}
}

func TestRun_AllWindowsSilent(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{}, 12*time.Second)

	out := h.p.Run(context.Background(), voiceRequest())

	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if len(h.stt.Calls()) != 10 {
		t.Errorf("expected 10 recognition calls, got %d", len(h.stt.Calls()))
	}
	r := h.replies()
	if len(r) != 1 || r[0].text != "<blockquote></blockquote>" {
		t.Errorf("expected exactly one empty blockquote reply, got %+v", r)
	}
	h.assertClean(t)
}

func TestRun_UnhandledError(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	h.messenger.downloadErr = errors.New("network down")

	out := h.p.Run(context.Background(), voiceRequest())

	if out.Err == nil || out.FailedAt != StateDownloading {
		t.Fatalf("expected failure at downloading, got %v at %v", out.Err, out.FailedAt)
	}
	r := h.replies()
	if len(r) != 1 {
		t.Fatalf("expected a single error reply, got %+v", r)
	}
	if !strings.HasPrefix(r[0].text, "⚠️ Ошибка: ") || !strings.Contains(r[0].text, "network down") {
		t.Errorf("unexpected error reply: %q", r[0].text)
	}
	if got := testutil.ToFloat64(h.metrics.RunOutcomes.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 error run metric, got %v", got)
	}
	h.assertClean(t)
}

func TestRun_VideoNoteRenamedBeforeConversion(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "кружок"}}, time.Second)
	req := voiceRequest()
	req.Kind = KindVideoNote

	out := h.p.Run(context.Background(), req)

	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if len(h.runner.inputs) != 1 {
		t.Fatalf("expected one transcoder call, got %d", len(h.runner.inputs))
	}
	if got := filepath.Base(h.runner.inputs[0]); got != "AgADuniq.mp4" {
		t.Errorf("expected transcoder input AgADuniq.mp4, got %s", got)
	}
	if !h.runner.inputExisted {
		t.Error("expected renamed video to exist when the transcoder ran")
	}
	h.assertClean(t)
}

func TestRun_VoiceKeepsKindSuffix(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "голос"}}, time.Second)

	h.p.Run(context.Background(), voiceRequest())

	if len(h.runner.inputs) != 1 || filepath.Base(h.runner.inputs[0]) != "AgADuniq.voice" {
		t.Errorf("unexpected transcoder input: %v", h.runner.inputs)
	}
}

// cancellingTranscriber cancels the run while transcribing.
type cancellingTranscriber struct {
	cancel context.CancelFunc
}

func (c *cancellingTranscriber) Transcribe(ctx context.Context, wavPath string) (transcription.Result, error) {
	c.cancel()
	<-ctx.Done()
	return transcription.Result{}, ctx.Err()
}

func TestRun_CancellationStillCleansUp(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.transcriber = &cancellingTranscriber{cancel: cancel}

	out := h.p.Run(ctx, voiceRequest())

	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.Err)
	}
	if out.FailedAt != StateTranscribing {
		t.Errorf("expected failure at transcribing, got %v", out.FailedAt)
	}
	if r := h.replies(); len(r) != 0 {
		t.Errorf("expected no reply for a cancelled run, got %+v", r)
	}
	if got := testutil.ToFloat64(h.metrics.RunOutcomes.WithLabelValues("cancelled")); got != 1 {
		t.Errorf("expected 1 cancelled run metric, got %v", got)
	}
	h.assertClean(t)
}

func TestRun_CancelledDuringConversion(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.onRun = func(runCtx context.Context) error {
		cancel()
		<-runCtx.Done()
		// What exec reports for a process killed by its context.
		return errors.New("signal: killed")
	}

	out := h.p.Run(ctx, voiceRequest())

	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.Err)
	}
	if errors.Is(out.Err, ErrConversionFailed) {
		t.Errorf("cancellation reported as conversion failure: %v", out.Err)
	}
	if out.FailedAt != StateConverting {
		t.Errorf("expected failure at converting, got %v", out.FailedAt)
	}
	if r := h.replies(); len(r) != 0 {
		t.Errorf("expected no reply for a cancelled run, got %+v", r)
	}
	if got := testutil.ToFloat64(h.metrics.RunOutcomes.WithLabelValues("cancelled")); got != 1 {
		t.Errorf("expected 1 cancelled run metric, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.RunOutcomes.WithLabelValues("conversion_failed")); got != 0 {
		t.Errorf("expected no conversion_failed run metric, got %v", got)
	}
	if len(h.publisher.failed) != 1 || h.publisher.failed[0].Reason != "cancelled" {
		t.Errorf("unexpected failed events: %+v", h.publisher.failed)
	}
	h.assertClean(t)
}

func TestRun_StatusDeleteFailureKeepsOutcome(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "привет"}}, time.Second)
	h.messenger.deleteErr = errors.New("message to delete not found")

	out := h.p.Run(context.Background(), voiceRequest())

	if !out.Succeeded() {
		t.Fatalf("expected success despite cleanup failure, got %v", out.Err)
	}
	if r := h.replies(); len(r) != 1 || r[0].text != "<blockquote>привет</blockquote>" {
		t.Errorf("expected only the transcript reply, got %+v", r)
	}
	if got := testutil.ToFloat64(h.metrics.CleanupErrors.WithLabelValues("status")); got != 1 {
		t.Errorf("expected 1 status cleanup error, got %v", got)
	}
	if len(h.publisher.completed) != 1 || len(h.publisher.failed) != 0 {
		t.Errorf("expected a completed event only, got %d completed %d failed",
			len(h.publisher.completed), len(h.publisher.failed))
	}
	h.assertClean(t)
}

// blockingTranscriber turns the source file into a non-empty directory, so
// removing it as a file fails, then delegates to the real transcriber.
type blockingTranscriber struct {
	Transcriber
	source string
}

func (b *blockingTranscriber) Transcribe(ctx context.Context, wavPath string) (transcription.Result, error) {
	b.source = filepath.Join(filepath.Dir(wavPath), "AgADuniq.voice")
	if err := os.Remove(b.source); err != nil {
		return transcription.Result{}, err
	}
	if err := os.MkdirAll(filepath.Join(b.source, "busy"), 0o700); err != nil {
		return transcription.Result{}, err
	}
	return b.Transcriber.Transcribe(ctx, wavPath)
}

func TestRun_ArtifactRemovalFailureKeepsOutcome(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "привет"}}, time.Second)
	blocker := &blockingTranscriber{Transcriber: h.p.transcriber}
	h.p.transcriber = blocker

	out := h.p.Run(context.Background(), voiceRequest())

	if !out.Succeeded() {
		t.Fatalf("expected success despite cleanup failure, got %v", out.Err)
	}
	if r := h.replies(); len(r) != 1 {
		t.Errorf("expected only the transcript reply, got %+v", r)
	}
	if got := testutil.ToFloat64(h.metrics.CleanupErrors.WithLabelValues("source")); got != 1 {
		t.Errorf("expected 1 source cleanup error, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.CleanupErrors.WithLabelValues("wav")); got != 0 {
		t.Errorf("expected the waveform to be removed, got %v wav errors", got)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(blocker.source), "AgADuniq.wav")); !os.IsNotExist(err) {
		t.Errorf("expected waveform removed, stat err = %v", err)
	}
	// The run directory removal still takes the stuck artifact with it.
	h.assertClean(t)
}

type panickingDetector struct{}

func (panickingDetector) Detect(string) bool { panic("detector exploded") }

func TestRun_PanicStillCleansUp(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "текст"}}, time.Second)
	h.p.detector = panickingDetector{}

	out := h.p.Run(context.Background(), voiceRequest())

	if out.Err == nil || !strings.Contains(out.Err.Error(), "detector exploded") {
		t.Fatalf("expected panic error, got %v", out.Err)
	}
	if out.FailedAt != StateDetecting {
		t.Errorf("expected failure at detecting, got %v", out.FailedAt)
	}
	if r := h.replies(); len(r) != 1 || !strings.Contains(r[0].text, "detector exploded") {
		t.Errorf("expected a generic error reply, got %+v", r)
	}
	h.assertClean(t)
}

func TestRun_LongTranscriptSplitWithLaughterOnLast(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "ха ха ха ха"}}, time.Second)
	h.p.cfg.MaxSegmentLength = 5

	out := h.p.Run(context.Background(), voiceRequest())

	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Err)
	}
	r := h.replies()
	if len(r) != 3 || out.Segments != 3 {
		t.Fatalf("expected 3 reply segments, got %d", len(r))
	}
	for i, m := range r {
		hasNote := strings.HasSuffix(m.text, reply.LaughterNote)
		if hasNote != (i == len(r)-1) {
			t.Errorf("segment %d: laughter note present = %v", i, hasNote)
		}
	}
	h.assertClean(t)
}

func TestRun_ReplyFailure(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "текст"}}, time.Second)
	h.messenger.replyErr = func(text string, html bool) error {
		if html {
			return errors.New("message too long")
		}
		return nil
	}

	out := h.p.Run(context.Background(), voiceRequest())

	if out.FailedAt != StateReplying {
		t.Fatalf("expected failure at replying, got %v (%v)", out.FailedAt, out.Err)
	}
	r := h.replies()
	if len(r) != 1 || !strings.Contains(r[0].text, "message too long") {
		t.Errorf("expected a generic error reply, got %+v", r)
	}
	h.assertClean(t)
}

func TestRun_UnsupportedKind(t *testing.T) {
	h := newHarness(t, nil, time.Second)
	req := voiceRequest()
	req.Kind = "sticker"

	out := h.p.Run(context.Background(), req)

	if out.Err == nil || out.FailedAt != StateDownloading {
		t.Fatalf("expected failure at downloading, got %v at %v", out.Err, out.FailedAt)
	}
	// No status was shown, so only the error reply is sent.
	if len(h.messenger.sent) != 1 || len(h.messenger.deleted) != 0 {
		t.Errorf("unexpected messages: sent=%+v deleted=%v", h.messenger.sent, h.messenger.deleted)
	}
}

func TestRun_ConcurrentRunsIsolated(t *testing.T) {
	h := newHarness(t, map[int]mock.Outcome{0: {Text: "раз"}}, time.Second)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = h.p.Run(context.Background(), voiceRequest())
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, out := range outcomes {
		if !out.Succeeded() {
			t.Errorf("run %d failed: %v", i, out.Err)
		}
		if seen[out.RunID] {
			t.Errorf("duplicate run ID %s", out.RunID)
		}
		seen[out.RunID] = true
	}
	entries, _ := os.ReadDir(h.workDir)
	if len(entries) != 0 {
		t.Errorf("expected empty work dir, found %d entries", len(entries))
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrDownloadCorrupt, MsgDownloadCorrupt},
		{audio.ErrConversionFailed, MsgConversionFailed},
		{errors.New("boom"), "⚠️ Ошибка: boom"},
	}

	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestBaseName(t *testing.T) {
	tests := map[string]string{
		"AgADuniq":     "AgADuniq",
		"":             "media",
		"../../etc/pw": "pw",
		"..":           "media",
	}
	for in, want := range tests {
		if got := baseName(in); got != want {
			t.Errorf("baseName(%q) = %q, want %q", in, got, want)
		}
	}
}
