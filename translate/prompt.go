package translate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// systemPrompt steers every translation call. Kept short; the per-batch
// prompt carries the language pair and the marker contract.
const systemPrompt = "You are a professional subtitle translator. " +
	"Translate naturally and concisely, preserving tone, names, and inline formatting tokens. " +
	"Output only the translations, keeping the [[n]] markers exactly as given."

// BuildBatchPrompt formats a batch of source texts with stable ordering
// markers so the response can be split back into per-cue translations.
func BuildBatchPrompt(texts []string, sourceLang, targetLang string) (system, prompt string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the following %d subtitle lines from %s to %s.\n",
		len(texts), sourceLang, targetLang)
	b.WriteString("Keep each [[n]] marker on its own line, followed by the translation of that line only.\n\n")
	for i, text := range texts {
		fmt.Fprintf(&b, "[[%d]]\n%s\n", i+1, text)
	}
	return systemPrompt, b.String()
}

// BuildSinglePrompt formats a one-cue fallback call with no markers.
func BuildSinglePrompt(text, sourceLang, targetLang string) (system, prompt string) {
	return systemPrompt, fmt.Sprintf(
		"Translate the following subtitle line from %s to %s. Output only the translation.\n\n%s",
		sourceLang, targetLang, text)
}

var markerRe = regexp.MustCompile(`(?m)^\s*\[\[(\d+)\]\]\s*$`)

// ParseBatchResponse splits a marker-formatted response back into count
// translations, in order. Any missing, duplicate, or out-of-range marker is
// an error; the engine falls back to per-cue calls.
func ParseBatchResponse(response string, count int) ([]string, error) {
	matches := markerRe.FindAllStringSubmatchIndex(response, -1)
	if len(matches) != count {
		return nil, errors.Newf("expected %d markers, found %d", count, len(matches))
	}

	out := make([]string, count)
	seen := make(map[int]bool, count)
	for i, m := range matches {
		n, err := strconv.Atoi(response[m[2]:m[3]])
		if err != nil || n < 1 || n > count {
			return nil, errors.Newf("marker out of range: %q", response[m[0]:m[1]])
		}
		if seen[n] {
			return nil, errors.Newf("duplicate marker [[%d]]", n)
		}
		seen[n] = true

		start := m[1]
		end := len(response)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		out[n-1] = strings.TrimSpace(response[start:end])
	}

	for i, text := range out {
		if text == "" {
			return nil, errors.Newf("empty translation for marker [[%d]]", i+1)
		}
	}
	return out, nil
}
