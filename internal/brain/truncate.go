package brain

import "strings"

// TruncateToCompleteSentence shortens text to at most max characters,
// preferring to end on a sentence boundary, then a word boundary. Counting
// runes keeps the cut off the middle of a multi-byte character.
func TruncateToCompleteSentence(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}

	cut := string(runes[:max])
	if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
		return strings.TrimSpace(cut[:idx+1])
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return strings.TrimSpace(cut[:idx])
	}
	return cut
}
