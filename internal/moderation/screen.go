package moderation

import (
	"log/slog"
	"strings"
	"unicode"

	goaway "github.com/TwiN/go-away"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Screener is the cheap local test run before any remote judgment. A message
// is suspicious when it is profane or contains a configured flagged substring.
// Substring matching is deliberately not word-boundary aware.
type Screener struct {
	words []string
}

func NewScreener(flagged []string) *Screener {
	s := &Screener{}
	for _, w := range flagged {
		if w = fold(strings.TrimSpace(w)); w != "" {
			s.words = append(s.words, w)
		}
	}
	return s
}

func (s *Screener) Suspicious(content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	if goaway.IsProfane(content) {
		return true
	}
	text := fold(content)
	for _, w := range s.words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// fold lower-cases and strips combining marks so "Crÿpto" matches "crypto".
func fold(text string) string {
	// transformers are stateful, build a fresh chain per call
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	lower := strings.ToLower(text)
	out, _, err := transform.String(normFunc, lower)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return lower
	}
	return out
}
