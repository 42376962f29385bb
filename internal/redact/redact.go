// Package redact masks caller identifiers and payment data before they reach
// logs or durable storage.
package redact

import (
	"regexp"
	"strings"
)

var cardPattern = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

// Number masks a phone number down to its last four digits so logs stay
// correlatable without carrying the full identifier.
func Number(num string) string {
	num = strings.TrimSpace(num)
	if num == "" {
		return ""
	}
	digits := 0
	for _, r := range num {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return num
	}
	keep := 4
	var b strings.Builder
	b.Grow(len(num))
	seen := 0
	for _, r := range num {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= digits-keep {
				b.WriteByte('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CardNumbers masks card-length digit runs. Callers read card numbers out loud
// more often than you'd hope; they must not land in transcripts verbatim.
func CardNumbers(input string) (string, bool) {
	out := cardPattern.ReplaceAllString(input, "[REDACTED_CARD]")
	return out, out != input
}
