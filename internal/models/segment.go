package models

import "strings"

// UntargetedSegment is carried by creatives that serve regardless of the
// user's interests.
const UntargetedSegment = "untargeted"

// segmentSeparator splits "parent-child" segment labels.
const segmentSeparator = "-"

// NormalizeSegment lower-cases and trims a segment label.
func NormalizeSegment(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParentSegment returns the parent component of a segment label. A label
// without a child component is its own parent.
func ParentSegment(segment string) string {
	segment = NormalizeSegment(segment)
	if i := strings.Index(segment, segmentSeparator); i >= 0 {
		return segment[:i]
	}
	return segment
}

// ParentSegments maps each segment to its parent, dropping duplicates while
// preserving first-seen order.
func ParentSegments(segments []string) []string {
	seen := make(map[string]struct{}, len(segments))
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		p := ParentSegment(s)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// DedupeSegments normalizes labels and removes empties and duplicates,
// preserving order.
func DedupeSegments(segments []string) []string {
	seen := make(map[string]struct{}, len(segments))
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		s = NormalizeSegment(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
