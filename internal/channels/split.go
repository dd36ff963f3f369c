package channels

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitText breaks text into pieces of at most limit bytes so each fits in
// one platform message. Breaks prefer, in order: blank lines, newlines,
// sentence ends, then spaces. A hard break never splits a UTF-8 sequence.
// Text already within limit is returned unchanged.
func SplitText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		cut := breakPoint(remaining, limit)
		if chunk := strings.TrimRightFunc(remaining[:cut], unicode.IsSpace); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// breakPoint returns the byte offset at which to cut text, which is longer
// than limit.
func breakPoint(text string, limit int) int {
	window := text[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	best := -1
	for _, ending := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, ending); idx > best {
			best = idx
		}
	}
	if best > 0 {
		return best + 1
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		// A single rune wider than limit.
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	return cut
}
