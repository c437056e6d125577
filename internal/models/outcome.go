// Package models defines the data structures for pipeline outcome events.
// Events describe a run, never its transcript text.
package models

// Event types.
const (
	EventTranscriptionCompleted = "transcription.completed"
	EventTranscriptionFailed    = "transcription.failed"
)

// TranscriptionCompleted is published after every reply of a run was sent.
type TranscriptionCompleted struct {
	EventType         string `json:"eventType"`
	RunID             string `json:"runId"`
	ChatID            int64  `json:"chatId"`
	MessageID         int    `json:"messageId"`
	Kind              string `json:"kind"`
	Timestamp         int64  `json:"timestamp"`
	SourceBytes       int64  `json:"sourceBytes"`
	AudioDurationMs   int64  `json:"audioDurationMs"`
	WindowsIssued     int    `json:"windowsIssued"`
	WindowsRecognized int    `json:"windowsRecognized"`
	WindowsSilent     int    `json:"windowsSilent"`
	WindowsFailed     int    `json:"windowsFailed"`
	TranscriptChars   int    `json:"transcriptChars"`
	Laughter          bool   `json:"laughter"`
	Segments          int    `json:"segments"`
	DurationMs        int64  `json:"durationMs"`
}

// TranscriptionFailed is published when a run ends before replying.
type TranscriptionFailed struct {
	EventType   string `json:"eventType"`
	RunID       string `json:"runId"`
	ChatID      int64  `json:"chatId"`
	MessageID   int    `json:"messageId"`
	Kind        string `json:"kind"`
	Timestamp   int64  `json:"timestamp"`
	SourceBytes int64  `json:"sourceBytes,omitempty"`
	Stage       string `json:"stage"`
	Reason      string `json:"reason"`
	Error       string `json:"error"`
	DurationMs  int64  `json:"durationMs"`
}
