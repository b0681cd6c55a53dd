// Package segment splits chapter text into provider-safe, byte-bounded
// pieces for synthesis. The provider rejects requests over its byte limit,
// so every segment must stay under it; break points prefer sentence ends,
// then word boundaries, then an exact character-by-character cut.
package segment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrNoContent is returned when a chapter has no usable text after cleanup.
var ErrNoContent = errors.New("no content")

// Segment is one byte-bounded slice of cleaned chapter text. Segments are
// ephemeral; they exist only for the duration of one chapter's synthesis.
type Segment struct {
	Index int
	Text  string
}

// Window tuning. A candidate break is searched inside the first ~80% of
// maxBytes, and accepted only past 30% of that window so we never emit
// pathologically short segments when a terminator sits near the start.
const (
	windowNumerator   = 8
	windowDenominator = 10
	minBreakNumerator = 3
	minBreakDenom     = 10
)

var (
	markdownLink    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownHeading = regexp.MustCompile(`(?m)^#{1,6}[ \t]*`)
	markdownNoise   = strings.NewReplacer("**", "", "*", "", "__", "", "_", "", "`", "", "[", "", "]", "", "~", "")
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Clean strips markup noise the rich-text editor leaves in chapter content:
// markdown emphasis, headings, link syntax, and runs of blank lines.
func Clean(text string) string {
	s := strings.ReplaceAll(text, "\r\n", "\n")
	s = markdownLink.ReplaceAllString(s, "$1")
	s = markdownHeading.ReplaceAllString(s, "")
	s = markdownNoise.Replace(s)
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Split cleans text and cuts it into ordered segments of at most maxBytes
// bytes each. Concatenating the returned segments in order reproduces the
// cleaned text exactly; cuts never land inside a multi-byte character.
func Split(text string, maxBytes int) ([]Segment, error) {
	if maxBytes < utf8.UTFMax {
		return nil, fmt.Errorf("maxBytes %d is below the minimum of %d", maxBytes, utf8.UTFMax)
	}

	cleaned := Clean(text)
	if cleaned == "" {
		return nil, ErrNoContent
	}

	// Common case: short chapters fit in one request.
	if len(cleaned) <= maxBytes {
		return []Segment{{Index: 0, Text: cleaned}}, nil
	}

	var segments []Segment
	rest := cleaned
	for len(rest) > 0 {
		if len(rest) <= maxBytes {
			segments = append(segments, Segment{Index: len(segments), Text: rest})
			break
		}
		cut := breakPoint(rest, maxBytes)
		segments = append(segments, Segment{Index: len(segments), Text: rest[:cut]})
		rest = rest[cut:]
	}
	return segments, nil
}

// breakPoint returns the byte length of the next segment to carve off the
// front of text. text is longer than maxBytes. The returned cut is always
// >= 1, <= maxBytes, and on a rune boundary.
func breakPoint(text string, maxBytes int) int {
	window := maxBytes * windowNumerator / windowDenominator
	window = runeFloor(text, window)
	minBreak := window * minBreakNumerator / minBreakDenom

	candidate := text[:window]

	// Prefer ending the segment at a sentence terminator. The terminators
	// are single-byte, so cutting just past one is rune-safe.
	if i := strings.LastIndexAny(candidate, ".!?"); i+1 > minBreak {
		return i + 1
	}

	// Fall back to the last word boundary under the same minimum.
	if i := strings.LastIndexAny(candidate, " \n\t"); i+1 > minBreak {
		return i + 1
	}

	// No usable boundary (one enormous unbroken run): take whole characters
	// until the next one would overflow the hard limit.
	cut := 0
	for cut < len(text) {
		_, size := utf8.DecodeRuneInString(text[cut:])
		if cut+size > maxBytes {
			break
		}
		cut += size
	}
	return cut
}

// runeFloor returns the largest index <= limit that is a rune boundary of s.
func runeFloor(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return limit
}
