package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted-numeric version identifier such as "1.4.2".
// Segments are compared numerically, left to right; missing trailing
// segments are treated as zero, so "1.2" and "1.2.0" are equal.
type Version struct {
	segments []int
	raw      string
}

// ParseVersion parses a dotted-numeric version string. Whitespace around the
// value is ignored. An empty string or a non-numeric segment is an error.
func ParseVersion(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Version{}, fmt.Errorf("empty version string")
	}

	parts := strings.Split(trimmed, ".")
	segments := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version segment %q in %q", part, trimmed)
		}
		segments = append(segments, n)
	}

	return Version{segments: segments, raw: trimmed}, nil
}

// String returns the version as originally parsed.
func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0, or 1 if v is less than, equal to, or greater than
// other. Shorter versions are zero-padded before comparison, so
// "2.0" == "2.0.0" and "1.10.0" > "1.9.0".
func (v Version) Compare(other Version) int {
	length := len(v.segments)
	if len(other.segments) > length {
		length = len(other.segments)
	}

	for i := 0; i < length; i++ {
		left, right := 0, 0
		if i < len(v.segments) {
			left = v.segments[i]
		}
		if i < len(other.segments) {
			right = other.segments[i]
		}

		if left < right {
			return -1
		}
		if left > right {
			return 1
		}
	}

	return 0
}

// NewerThan reports whether v is strictly newer than other.
// Equal versions are not newer.
func (v Version) NewerThan(other Version) bool {
	return v.Compare(other) > 0
}
