// Package schema checks outcome events before they leave the process.
package schema

import (
	"errors"
	"fmt"

	"voice-transcribe-bot/internal/models"
)

// ErrInvalidEvent is returned for events missing required fields or carrying
// inconsistent counts.
var ErrInvalidEvent = errors.New("invalid event")

// Validator validates outcome events.
type Validator struct{}

// New creates a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks event. Unknown event types are rejected.
func (v *Validator) Validate(event any) error {
	switch e := event.(type) {
	case models.TranscriptionCompleted:
		return validateCompleted(e)
	case *models.TranscriptionCompleted:
		return validateCompleted(*e)
	case models.TranscriptionFailed:
		return validateFailed(e)
	case *models.TranscriptionFailed:
		return validateFailed(*e)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, event)
	}
}

func validateCompleted(e models.TranscriptionCompleted) error {
	if e.EventType != models.EventTranscriptionCompleted {
		return invalid("eventType", e.EventType)
	}
	if err := validateCommon(e.RunID, e.ChatID, e.Kind, e.Timestamp); err != nil {
		return err
	}
	if e.WindowsRecognized < 0 || e.WindowsSilent < 0 || e.WindowsFailed < 0 {
		return invalid("windows", "negative count")
	}
	if e.WindowsRecognized+e.WindowsSilent+e.WindowsFailed != e.WindowsIssued {
		return invalid("windowsIssued", e.WindowsIssued)
	}
	if e.Segments < 1 {
		return invalid("segments", e.Segments)
	}
	if e.TranscriptChars < 0 {
		return invalid("transcriptChars", e.TranscriptChars)
	}
	return nil
}

func validateFailed(e models.TranscriptionFailed) error {
	if e.EventType != models.EventTranscriptionFailed {
		return invalid("eventType", e.EventType)
	}
	if err := validateCommon(e.RunID, e.ChatID, e.Kind, e.Timestamp); err != nil {
		return err
	}
	if e.Stage == "" {
		return invalid("stage", e.Stage)
	}
	if e.Reason == "" {
		return invalid("reason", e.Reason)
	}
	return nil
}

func validateCommon(runID string, chatID int64, kind string, ts int64) error {
	switch {
	case runID == "":
		return invalid("runId", runID)
	case chatID == 0:
		return invalid("chatId", chatID)
	case kind == "":
		return invalid("kind", kind)
	case ts <= 0:
		return invalid("timestamp", ts)
	}
	return nil
}

func invalid(field string, value any) error {
	return fmt.Errorf("%w: field %s: %v", ErrInvalidEvent, field, value)
}
