package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainSpeechAlone(t *testing.T) {
	out, changed := RedactPII("turn on the lights please")
	if changed {
		t.Fatalf("changed = true, want false (out=%q)", out)
	}
}

func TestLogSafeClips(t *testing.T) {
	got := LogSafe("  remind me to call mum at six  ", 9)
	if got != "remind me…" {
		t.Fatalf("LogSafe = %q, want %q", got, "remind me…")
	}
	if got := LogSafe("mail a@b.io", 0); got != "mail [REDACTED_EMAIL]" {
		t.Fatalf("LogSafe = %q, want redacted email", got)
	}
}
