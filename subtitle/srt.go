package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// DefaultExtension is the extension used for produced subtitle files.
const DefaultExtension = "srt"

// ParseSRT reads SRT cues from r. Cue indexes are renumbered sequentially
// from 1 so downstream batching can rely on contiguous indexes even when the
// input file skips numbers.
func ParseSRT(r io.Reader) ([]Cue, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var cues []Cue
	var cur *Cue
	var textLines []string

	flush := func() {
		if cur != nil {
			cur.Text = strings.Join(textLines, "\n")
			cur.Index = len(cues) + 1
			cues = append(cues, *cur)
			cur = nil
			textLines = nil
		}
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		// Strip UTF-8 BOM on the first line
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}

		if cur == nil {
			// Expect an index line, tolerate a missing one
			if _, err := strconv.Atoi(trimmed); err == nil {
				cur = &Cue{}
				continue
			}
			if strings.Contains(trimmed, "-->") {
				cur = &Cue{}
			} else {
				return nil, errors.Newf("srt: unexpected line %d: %q", lineNo, trimmed)
			}
		}

		if strings.Contains(trimmed, "-->") && cur.EndMs == 0 && cur.StartMs == 0 && len(textLines) == 0 {
			start, end, err := parseTimingLine(trimmed)
			if err != nil {
				return nil, errors.Wrapf(err, "srt: line %d", lineNo)
			}
			cur.StartMs = start
			cur.EndMs = end
			continue
		}

		textLines = append(textLines, line)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "srt: read")
	}
	return cues, nil
}

// ParseSRTString parses SRT content from a string.
func ParseSRTString(content string) ([]Cue, error) {
	return ParseSRT(strings.NewReader(content))
}

// WriteSRT serializes cues to w in SRT form. Cues are written in slice order
// with 1-based indexes regardless of the Index field.
func WriteSRT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	for i, cue := range cues {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return errors.Wrap(err, "srt: write")
			}
		}
		fmt.Fprintf(bw, "%d\n", i+1)
		fmt.Fprintf(bw, "%s --> %s\n", formatTimestamp(cue.StartMs), formatTimestamp(cue.EndMs))
		fmt.Fprintf(bw, "%s\n", cue.Text)
	}
	return errors.Wrap(bw.Flush(), "srt: flush")
}

// FormatSRT serializes cues to an SRT string.
func FormatSRT(cues []Cue) (string, error) {
	var sb strings.Builder
	if err := WriteSRT(&sb, cues); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// parseTimingLine parses "HH:MM:SS,mmm --> HH:MM:SS,mmm".
func parseTimingLine(line string) (startMs, endMs int64, err error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Newf("malformed timing line: %q", line)
	}
	startMs, err = parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	// Trailing cue settings after the end timestamp are ignored
	endField := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endField) == 0 {
		return 0, 0, errors.Newf("missing end timestamp: %q", line)
	}
	endMs, err = parseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	return startMs, endMs, nil
}

// parseTimestamp parses "HH:MM:SS,mmm" (comma or dot separator).
func parseTimestamp(ts string) (int64, error) {
	ts = strings.Replace(ts, ".", ",", 1)
	main, msPart, found := strings.Cut(ts, ",")
	if !found {
		return 0, errors.Newf("malformed timestamp: %q", ts)
	}
	hms := strings.Split(main, ":")
	if len(hms) != 3 {
		return 0, errors.Newf("malformed timestamp: %q", ts)
	}
	h, err := strconv.Atoi(hms[0])
	if err != nil {
		return 0, errors.Newf("malformed hours in %q", ts)
	}
	m, err := strconv.Atoi(hms[1])
	if err != nil {
		return 0, errors.Newf("malformed minutes in %q", ts)
	}
	s, err := strconv.Atoi(hms[2])
	if err != nil {
		return 0, errors.Newf("malformed seconds in %q", ts)
	}
	ms, err := strconv.Atoi(msPart)
	if err != nil {
		return 0, errors.Newf("malformed milliseconds in %q", ts)
	}
	return int64(h)*3600000 + int64(m)*60000 + int64(s)*1000 + int64(ms), nil
}

// formatTimestamp renders milliseconds as "HH:MM:SS,mmm".
func formatTimestamp(ms int64) string {
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
