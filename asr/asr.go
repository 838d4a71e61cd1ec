// Package asr plans audio segmentation and merges chunked transcription
// output. The model runtime and audio extraction are external; the pipeline
// consumes them through the Transcriber and Extractor interfaces.
package asr

import (
	"context"

	"github.com/Await-d/FluxCaption-sub000/subtitle"
)

// Segment is one transcribed span, timed relative to the audio handed to the
// transcriber.
type Segment struct {
	StartMs int64
	EndMs   int64
	Text    string
}

// Extractor produces a mono 16-bit PCM audio file from a media source.
type Extractor interface {
	// Extract writes audio from mediaPath (optionally a sub-range) to outPath
	// and returns the extracted duration in milliseconds.
	Extract(ctx context.Context, mediaPath, outPath string, offsetMs, durationMs int64, sampleRate int) (int64, error)
	// Duration probes the audio duration of mediaPath in milliseconds.
	Duration(ctx context.Context, mediaPath string) (int64, error)
}

// Transcriber converts an audio file into timed segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, lang string) ([]Segment, error)
}

// Chunk is one planned slice of the source audio.
type Chunk struct {
	Index    int
	OffsetMs int64
	LengthMs int64
}

// PlanChunks splits totalMs of audio into overlapping chunks. Audio at or
// under thresholdMs stays a single chunk; longer audio is sliced with a step
// of thresholdMs-overlapMs so consecutive chunks share overlapMs of audio.
func PlanChunks(totalMs, thresholdMs, overlapMs int64) []Chunk {
	if totalMs <= thresholdMs || thresholdMs <= overlapMs {
		return []Chunk{{Index: 0, OffsetMs: 0, LengthMs: totalMs}}
	}

	step := thresholdMs - overlapMs
	var chunks []Chunk
	for offset := int64(0); offset < totalMs; offset += step {
		length := thresholdMs
		if offset+length > totalMs {
			length = totalMs - offset
		}
		chunks = append(chunks, Chunk{Index: len(chunks), OffsetMs: offset, LengthMs: length})
		if offset+thresholdMs >= totalMs {
			break
		}
	}
	return chunks
}

// Reanchor shifts chunk-relative segments by the chunk offset so all
// timestamps are absolute in the source audio.
func Reanchor(segments []Segment, offsetMs int64) []Segment {
	out := make([]Segment, len(segments))
	for i, seg := range segments {
		out[i] = Segment{
			StartMs: seg.StartMs + offsetMs,
			EndMs:   seg.EndMs + offsetMs,
			Text:    seg.Text,
		}
	}
	return out
}

// ToCues converts merged segments into subtitle cues with sequential indexes.
func ToCues(segments []Segment) []subtitle.Cue {
	cues := make([]subtitle.Cue, len(segments))
	for i, seg := range segments {
		cues[i] = subtitle.Cue{
			Index:   i + 1,
			StartMs: seg.StartMs,
			EndMs:   seg.EndMs,
			Text:    seg.Text,
		}
	}
	return cues
}
