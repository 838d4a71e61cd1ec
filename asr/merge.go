package asr

import (
	"sort"
	"strings"
)

// jaccardThreshold is the minimum token-set similarity for two overlap
// segments to be treated as duplicates.
const jaccardThreshold = 0.6

// MergeChunks combines re-anchored per-chunk segments into one stream,
// dropping duplicates in the overlap windows. A trailing segment of chunk k
// is dropped when its midpoint falls inside the leading overlap of chunk k+1
// and its text closely matches a segment there.
func MergeChunks(chunks []Chunk, perChunk [][]Segment, overlapMs int64) []Segment {
	if len(perChunk) == 0 {
		return nil
	}
	if len(perChunk) == 1 {
		return sortedByStart(perChunk[0])
	}

	var merged []Segment
	for k, segments := range perChunk {
		segments = sortedByStart(segments)

		if k+1 < len(chunks) {
			overlapStart := chunks[k+1].OffsetMs
			overlapEnd := overlapStart + overlapMs
			next := perChunk[k+1]

			kept := segments[:0]
			for _, seg := range segments {
				mid := (seg.StartMs + seg.EndMs) / 2
				if mid >= overlapStart && mid < overlapEnd && hasNearDuplicate(seg, next, overlapStart, overlapEnd) {
					continue
				}
				kept = append(kept, seg)
			}
			segments = kept
		}

		merged = append(merged, segments...)
	}

	merged = sortedByStart(merged)
	return enforceMonotonic(merged)
}

// hasNearDuplicate reports whether candidates contains a segment whose
// midpoint lies in the overlap window and whose text matches seg by Jaccard
// similarity.
func hasNearDuplicate(seg Segment, candidates []Segment, overlapStart, overlapEnd int64) bool {
	for _, cand := range candidates {
		mid := (cand.StartMs + cand.EndMs) / 2
		if mid < overlapStart || mid >= overlapEnd {
			continue
		}
		if JaccardSimilarity(seg.Text, cand.Text) >= jaccardThreshold {
			return true
		}
	}
	return false
}

// JaccardSimilarity computes token-set similarity between two texts,
// case-insensitive.
func JaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:\"'()[]")
		if token != "" {
			set[token] = struct{}{}
		}
	}
	return set
}

func sortedByStart(segments []Segment) []Segment {
	out := append([]Segment(nil), segments...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartMs < out[j].StartMs
	})
	return out
}

// enforceMonotonic nudges start times so the merged stream is strictly
// increasing, clamping any residual overlap introduced at chunk seams.
func enforceMonotonic(segments []Segment) []Segment {
	for i := 1; i < len(segments); i++ {
		if segments[i].StartMs <= segments[i-1].StartMs {
			segments[i].StartMs = segments[i-1].StartMs + 1
			if segments[i].EndMs <= segments[i].StartMs {
				segments[i].EndMs = segments[i].StartMs + 1
			}
		}
	}
	return segments
}
