// Package subtitle provides the cue model and the SRT codec the translation
// pipeline reads and writes. Richer format support (ASS/VTT styling) lives
// outside the core; everything here preserves timing and inline formatting
// tokens untouched.
package subtitle

import (
	"fmt"
	"time"
)

// Cue is one timed subtitle entry.
type Cue struct {
	Index   int    `json:"index"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
	Style   string `json:"style,omitempty"`
}

// Duration returns the display duration of the cue.
func (c Cue) Duration() time.Duration {
	return time.Duration(c.EndMs-c.StartMs) * time.Millisecond
}

// MidpointMs returns the temporal midpoint of the cue in milliseconds.
func (c Cue) MidpointMs() int64 {
	return (c.StartMs + c.EndMs) / 2
}

// Validate checks basic cue sanity.
func (c Cue) Validate() error {
	if c.StartMs < 0 {
		return fmt.Errorf("cue %d: negative start time %dms", c.Index, c.StartMs)
	}
	if c.EndMs < c.StartMs {
		return fmt.Errorf("cue %d: end %dms before start %dms", c.Index, c.EndMs, c.StartMs)
	}
	return nil
}

// Overlaps reports whether two cues overlap in time.
func (c Cue) Overlaps(other Cue) bool {
	return c.StartMs < other.EndMs && other.StartMs < c.EndMs
}
