package voice

import (
	"strings"
	"unicode/utf8"
)

const (
	segmentFirstMin = 24
	segmentNextMin  = 42
	// Platform synthesizers tend to stall on long utterances; commas become
	// cut points past segmentSoftMax and any space past segmentHardMax.
	segmentSoftMax = 140
	segmentHardMax = 220
)

// speechSegments splits sanitized text into chunks that are queued back to
// back. The first chunk is kept short so audio starts quickly.
func speechSegments(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var (
		out []string
		cur []string
		n   int
	)
	cut := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, strings.Join(cur, " "))
		cur = cur[:0]
		n = 0
	}
	for _, w := range words {
		if n > 0 {
			n++
		}
		cur = append(cur, w)
		n += len(w)

		minChars := segmentNextMin
		if len(out) == 0 {
			minChars = segmentFirstMin
		}
		last := lastRune(w)
		switch {
		case n >= minChars && isSentenceEnd(last):
			cut()
		case n >= segmentSoftMax && (last == ',' || last == ';'):
			cut()
		case n >= segmentHardMax:
			cut()
		}
	}
	cut()
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ':', '…':
		return true
	}
	return false
}

func lastRune(w string) rune {
	r, _ := utf8.DecodeLastRuneInString(strings.TrimRight(w, `"')`))
	return r
}
