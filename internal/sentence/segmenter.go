package sentence

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Status is the synthesis outcome of a sentence
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Unit is one sentence of a reply, addressed by its position
type Unit struct {
	Ordinal int
	Text    string
	Status  Status
}

// Segment splits text into sentences.
// A sentence ends at '.', '!' or '?' followed by whitespace; the mark stays
// with the sentence and the whitespace is consumed. Empty fragments are
// dropped, and text without a terminal mark is returned as one sentence.
func Segment(text string) []string {
	var out []string
	add := func(fragment string) {
		if s := strings.TrimSpace(fragment); s != "" {
			out = append(out, s)
		}
	}

	start := 0
	for i := 0; i < len(text); i++ {
		if !isTerminal(text[i]) {
			continue
		}
		end := i + 1
		next := end
		for next < len(text) {
			r, size := utf8.DecodeRuneInString(text[next:])
			if !unicode.IsSpace(r) {
				break
			}
			next += size
		}
		if next == end || next == len(text) {
			// Not followed by whitespace, or trailing whitespace at the end
			continue
		}
		add(text[start:end])
		start = next
		i = next - 1
	}
	add(text[start:])

	return out
}

// Units segments text into pending units numbered from zero
func Units(text string) []Unit {
	sentences := Segment(text)
	units := make([]Unit, len(sentences))
	for i, s := range sentences {
		units[i] = Unit{Ordinal: i, Text: s, Status: StatusPending}
	}
	return units
}

func isTerminal(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}
