// Package laughter recognizes laughter tokens in a transcript.
package laughter

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultRoots are the root tokens of a laugh. The list deliberately mixes
// alphabets: the last entry starts with a Latin x.
var DefaultRoots = []string{"ха", "хе", "хи", "хо", "xа"}

// DefaultSuffixes are the optional repeats that may follow a root. Mixed
// alphabets are kept as-is.
var DefaultSuffixes = []string{"хa", "he", "hi", "хо"}

// Word characters are letters, digits and underscore in any script.
const (
	leftBoundary  = `(?:^|[^\p{L}\p{N}_])`
	rightBoundary = `(?:$|[^\p{L}\p{N}_])`
)

// Detector matches a set of root patterns. It holds no mutable state and is
// safe for concurrent use.
type Detector struct {
	patterns []*regexp.Regexp
}

// New compiles one case-insensitive pattern per root: a word boundary, the
// root, an optional suffix variant, a word boundary. Empty roots and suffixes
// are ignored.
func New(roots, suffixes []string) (*Detector, error) {
	var quoted []string
	for _, s := range suffixes {
		if s = strings.TrimSpace(s); s != "" {
			quoted = append(quoted, regexp.QuoteMeta(s))
		}
	}
	suffix := ""
	if len(quoted) > 0 {
		suffix = "(?:" + strings.Join(quoted, "|") + ")?"
	}

	d := &Detector{}
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		expr := "(?i)" + leftBoundary + regexp.QuoteMeta(root) + suffix + rightBoundary
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern for root %q: %w", root, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// NewDefault returns a Detector over DefaultRoots and DefaultSuffixes.
func NewDefault() *Detector {
	d, err := New(DefaultRoots, DefaultSuffixes)
	if err != nil {
		panic(err)
	}
	return d
}

// Detect reports whether any root pattern matches the transcript.
func (d *Detector) Detect(transcript string) bool {
	for _, re := range d.patterns {
		if re.MatchString(transcript) {
			return true
		}
	}
	return false
}
