// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"

	"voice-transcribe-bot/internal/service/stt"
)

// Name is the provider label used in logs and metrics.
const Name = "google"

// Config holds recognition settings.
type Config struct {
	LanguageCode  string
	SampleRateHz  int32
	AudioEncoding string
}

// DefaultConfig returns settings matching the normalized waveform.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "ru-RU",
		SampleRateHz:  48000,
		AudioEncoding: "LINEAR16",
	}
}

// recognizer is the subset of *speech.Client the adapter needs.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// Adapter implements stt.Adapter using synchronous Google Cloud
// Speech-to-Text requests, one per audio window.
type Adapter struct {
	client recognizer
	cfg    Config
}

// New creates a new Google STT adapter.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &Adapter{client: c, cfg: cfg}, nil
}

// Name implements stt.Adapter.
func (a *Adapter) Name() string { return Name }

// Recognize sends one window of PCM and returns the best alternative of
// every result, joined by spaces.
func (a *Adapter) Recognize(ctx context.Context, audio stt.Audio) (string, error) {
	rate := a.cfg.SampleRateHz
	if audio.SampleRateHz > 0 {
		rate = int32(audio.SampleRateHz)
	}

	resp, err := a.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:          parseAudioEncoding(a.cfg.AudioEncoding),
			SampleRateHertz:   rate,
			AudioChannelCount: 1,
			LanguageCode:      a.cfg.LanguageCode,
			MaxAlternatives:   1,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio.PCM},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: window %d: %v", stt.ErrRequestFailed, audio.Index, err)
	}

	text := bestTranscript(resp)
	if text == "" {
		return "", fmt.Errorf("%w: window %d", stt.ErrNoSpeech, audio.Index)
	}
	return text, nil
}

// Close closes the underlying client.
func (a *Adapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

func bestTranscript(resp *speechpb.RecognizeResponse) string {
	var parts []string
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.GetAlternatives()[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// parseAudioEncoding maps an encoding name to the API enum, falling back
// to LINEAR16.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
