package schema

import (
	"errors"
	"testing"

	"voice-transcribe-bot/internal/models"
)

func validCompleted() models.TranscriptionCompleted {
	return models.TranscriptionCompleted{
		EventType:         models.EventTranscriptionCompleted,
		RunID:             "run-1",
		ChatID:            42,
		Kind:              "voice",
		Timestamp:         1700000000000,
		WindowsIssued:     3,
		WindowsRecognized: 1,
		WindowsSilent:     1,
		WindowsFailed:     1,
		Segments:          1,
	}
}

func validFailed() models.TranscriptionFailed {
	return models.TranscriptionFailed{
		EventType: models.EventTranscriptionFailed,
		RunID:     "run-1",
		ChatID:    42,
		Kind:      "video_note",
		Timestamp: 1700000000000,
		Stage:     "validating",
		Reason:    "download_corrupt",
	}
}

func TestValidate_Valid(t *testing.T) {
	v := New()
	completed := validCompleted()
	failed := validFailed()

	for _, event := range []any{completed, &completed, failed, &failed} {
		if err := v.Validate(event); err != nil {
			t.Errorf("Validate(%T) unexpected error: %v", event, err)
		}
	}
}

func TestValidate_Completed_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.TranscriptionCompleted)
	}{
		{"wrong event type", func(e *models.TranscriptionCompleted) { e.EventType = models.EventTranscriptionFailed }},
		{"missing run id", func(e *models.TranscriptionCompleted) { e.RunID = "" }},
		{"missing chat id", func(e *models.TranscriptionCompleted) { e.ChatID = 0 }},
		{"missing kind", func(e *models.TranscriptionCompleted) { e.Kind = "" }},
		{"missing timestamp", func(e *models.TranscriptionCompleted) { e.Timestamp = 0 }},
		{"window counts disagree", func(e *models.TranscriptionCompleted) { e.WindowsIssued = 10 }},
		{"negative window count", func(e *models.TranscriptionCompleted) { e.WindowsFailed = -1; e.WindowsIssued = 1 }},
		{"no segments", func(e *models.TranscriptionCompleted) { e.Segments = 0 }},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validCompleted()
			tt.mutate(&e)
			if err := v.Validate(e); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestValidate_Failed_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.TranscriptionFailed)
	}{
		{"wrong event type", func(e *models.TranscriptionFailed) { e.EventType = "" }},
		{"missing stage", func(e *models.TranscriptionFailed) { e.Stage = "" }},
		{"missing reason", func(e *models.TranscriptionFailed) { e.Reason = "" }},
		{"missing run id", func(e *models.TranscriptionFailed) { e.RunID = "" }},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validFailed()
			tt.mutate(&e)
			if err := v.Validate(e); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestValidate_UnsupportedType(t *testing.T) {
	if err := New().Validate(map[string]string{"text": "hi"}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}
