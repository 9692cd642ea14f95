package voice

import (
	"strings"
	"testing"
)

func TestSpeechSegmentsCutsOnSentences(t *testing.T) {
	got := speechSegments("We should ship this today. Then we can benchmark it tomorrow morning.")
	if len(got) != 2 {
		t.Fatalf("segments = %q, want 2", got)
	}
	if got[0] != "We should ship this today." {
		t.Fatalf("first segment = %q", got[0])
	}
}

func TestSpeechSegmentsKeepsShortSentencesTogether(t *testing.T) {
	got := speechSegments("Sure. Done. Anything else?")
	if len(got) != 1 || got[0] != "Sure. Done. Anything else?" {
		t.Fatalf("segments = %q, want one segment", got)
	}
}

func TestSpeechSegmentsBoundsLongRunOns(t *testing.T) {
	long := strings.Repeat("word ", 120)
	for _, seg := range speechSegments(long) {
		if len(seg) > segmentHardMax+len("word") {
			t.Fatalf("segment length %d exceeds hard max", len(seg))
		}
	}
}

func TestSpeechSegmentsNormalizesWhitespace(t *testing.T) {
	got := speechSegments("  hello   there  ")
	if len(got) != 1 || got[0] != "hello there" {
		t.Fatalf("segments = %q, want [\"hello there\"]", got)
	}
	if speechSegments("   ") != nil {
		t.Fatalf("blank text should produce no segments")
	}
}
