// Package reply renders a transcript into chat-ready HTML messages.
package reply

import (
	"fmt"
	"html"
)

// DefaultMaxSegmentLength is the per-message limit of the chat platform.
const DefaultMaxSegmentLength = 4000

// LaughterNote is appended to the final segment when laughter was detected.
const LaughterNote = "\n\n🤭 Обнаружен смех в сообщении!"

// ParseMode is the chat parse mode the rendered segments require.
const ParseMode = "HTML"

// Split cuts transcript into consecutive pieces of at most maxLen code
// points. An empty transcript yields exactly one empty piece.
func Split(transcript string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxSegmentLength
	}
	runes := []rune(transcript)
	if len(runes) == 0 {
		return []string{""}
	}

	pieces := make([]string, 0, (len(runes)+maxLen-1)/maxLen)
	for start := 0; start < len(runes); start += maxLen {
		end := min(start+maxLen, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

// Format splits transcript and wraps each piece in an HTML blockquote. The
// laughter note goes on the last segment only.
func Format(transcript string, laughter bool, maxLen int) []string {
	pieces := Split(transcript, maxLen)
	segments := make([]string, len(pieces))
	for i, p := range pieces {
		segments[i] = fmt.Sprintf("<blockquote>%s</blockquote>", html.EscapeString(p))
	}
	if laughter {
		segments[len(segments)-1] += LaughterNote
	}
	return segments
}
