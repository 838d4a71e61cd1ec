package translate

import (
	"strings"
	"unicode/utf8"
)

// SoftWrap breaks long subtitle lines at word boundaries so no rendered line
// exceeds maxLen characters. Inline formatting tokens ({\i1}, <i>, </i>, and
// friends) count as zero width and are never split. Existing line breaks are
// respected; a maxLen of zero disables wrapping. Words longer than maxLen
// stay whole.
func SoftWrap(text string, maxLen int) string {
	if maxLen <= 0 {
		return text
	}

	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		out = append(out, wrapLine(line, maxLen)...)
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, maxLen int) []string {
	if visibleLen(line) <= maxLen {
		return []string{line}
	}

	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{line}
	}

	var wrapped []string
	var current strings.Builder
	currentLen := 0

	for _, word := range words {
		wordLen := visibleLen(word)
		switch {
		case currentLen == 0:
			current.WriteString(word)
			currentLen = wordLen
		case currentLen+1+wordLen <= maxLen:
			current.WriteByte(' ')
			current.WriteString(word)
			currentLen += 1 + wordLen
		default:
			wrapped = append(wrapped, current.String())
			current.Reset()
			current.WriteString(word)
			currentLen = wordLen
		}
	}
	if current.Len() > 0 {
		wrapped = append(wrapped, current.String())
	}
	return wrapped
}

// visibleLen counts display characters, skipping inline formatting tokens:
// ASS override blocks in braces and HTML-style tags in angle brackets.
func visibleLen(s string) int {
	count := 0
	for i := 0; i < len(s); {
		switch s[i] {
		case '{':
			if end := strings.IndexByte(s[i:], '}'); end >= 0 {
				i += end + 1
				continue
			}
		case '<':
			if end := strings.IndexByte(s[i:], '>'); end >= 0 {
				i += end + 1
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		count++
		i += size
	}
	return count
}
