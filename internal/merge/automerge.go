package merge

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// hunk replaces base lines [i1, i2) with lines.
type hunk struct {
	i1, i2 int
	lines  []string
}

func (h hunk) equal(o hunk) bool {
	if h.i1 != o.i1 || h.i2 != o.i2 || len(h.lines) != len(o.lines) {
		return false
	}
	for i := range h.lines {
		if h.lines[i] != o.lines[i] {
			return false
		}
	}
	return true
}

// touches reports hunks that edit overlapping or adjacent base lines.
func (h hunk) touches(o hunk) bool {
	return h.i1 <= o.i2 && o.i1 <= h.i2
}

func hunks(a, b []string) []hunk {
	var out []hunk
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		out = append(out, hunk{i1: op.I1, i2: op.I2, lines: b[op.J1:op.J2]})
	}
	return out
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// isText accepts valid UTF-8 without NUL bytes.
func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

// Merge3 merges two line-based edits of base. Edits touching the same or
// adjacent base lines conflict unless they are identical. ok is false on
// a conflict or when any input is not text.
func Merge3(base, ours, theirs []byte) (merged []byte, ok bool) {
	if !isText(base) || !isText(ours) || !isText(theirs) {
		return nil, false
	}
	b := splitLines(base)
	hw := hunks(b, splitLines(ours))
	ho := hunks(b, splitLines(theirs))

	var out strings.Builder
	pos, i, j := 0, 0, 0
	emit := func(h hunk) {
		for _, l := range b[pos:h.i1] {
			out.WriteString(l)
		}
		for _, l := range h.lines {
			out.WriteString(l)
		}
		pos = h.i2
	}
	for i < len(hw) || j < len(ho) {
		switch {
		case j == len(ho):
			emit(hw[i])
			i++
		case i == len(hw):
			emit(ho[j])
			j++
		case hw[i].equal(ho[j]):
			emit(hw[i])
			i++
			j++
		case hw[i].touches(ho[j]):
			return nil, false
		case hw[i].i1 < ho[j].i1:
			emit(hw[i])
			i++
		default:
			emit(ho[j])
			j++
		}
	}
	for _, l := range b[pos:] {
		out.WriteString(l)
	}
	return []byte(out.String()), true
}
