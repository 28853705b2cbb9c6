package llm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/openthreat/openthreat/internal/errs"
)

// Output bounds the read side relies on.
const (
	MaxSimpleTitleLen       = 80
	MaxSimpleDescriptionLen = 500
)

// Leading meta-phrases models tend to prepend despite the prompt. Matched
// case-insensitively at the start of the output; everything through the
// following colon is dropped.
var metaPhrases = []string{
	"here's a brief explanation",
	"here is a brief explanation",
	"here's a simple explanation",
	"here is a simple explanation",
	"here's the rewritten title",
	"here is the rewritten title",
	"here's a plain language",
	"here is a plain language",
	"in simple terms",
	"simply put",
	"sure",
	"certainly",
}

// SanitizeTitle cleans generator output and enforces the title bound.
func SanitizeTitle(s string) (string, error) {
	out := sanitize(s)
	if out == "" {
		return "", errs.New(errs.KindMalformedRecord, "generator produced empty title")
	}
	if utf8.RuneCountInString(out) > MaxSimpleTitleLen {
		return "", errs.New(errs.KindMalformedRecord, "generated title exceeds bound")
	}
	return out, nil
}

// SanitizeDescription cleans generator output and enforces the
// description bound.
func SanitizeDescription(s string) (string, error) {
	out := sanitize(s)
	if out == "" {
		return "", errs.New(errs.KindMalformedRecord, "generator produced empty description")
	}
	if utf8.RuneCountInString(out) > MaxSimpleDescriptionLen {
		return "", errs.New(errs.KindMalformedRecord, "generated description exceeds bound")
	}
	return out, nil
}

// sanitize strips meta-markup: empty leading lines, preamble phrases,
// surrounding quotes. The first rune is uppercased.
func sanitize(s string) string {
	s = strings.TrimSpace(s)

	// Drop empty leading lines left by chat-style models.
	for {
		line, rest, found := strings.Cut(s, "\n")
		if !found || strings.TrimSpace(line) != "" {
			break
		}
		s = strings.TrimSpace(rest)
	}

	s = stripMetaPhrase(s)
	s = stripQuotes(s)
	s = strings.TrimSpace(s)

	return capitalize(s)
}

func stripMetaPhrase(s string) string {
	lower := strings.ToLower(s)
	for _, phrase := range metaPhrases {
		if !strings.HasPrefix(lower, phrase) {
			continue
		}
		rest := s[len(phrase):]
		// Drop the connective up to and including a colon or comma, plus
		// any newline the model put after it.
		if idx := strings.IndexAny(rest, ":,"); idx >= 0 && idx < 40 {
			rest = rest[idx+1:]
		}
		return strings.TrimSpace(rest)
	}
	return s
}

func stripQuotes(s string) string {
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	if unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
