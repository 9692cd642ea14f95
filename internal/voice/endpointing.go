package voice

import (
	"regexp"
	"strings"
	"time"
)

var (
	continuationTailRe   = regexp.MustCompile(`(?i)\b(and|but|because|so|then|which|that|if|when|while|as|to|for|or|with|the|a|an|my)\s*$`)
	continuationPhraseRe = regexp.MustCompile(`(?i)\b(i mean|for example|for instance|in order to|such as|as well as)\s*$`)
	continuationAuxRe    = regexp.MustCompile(`(?i)\b(i|we|you|can|could|should|would|will|want|need|going)\s*$`)
	openTailRe           = regexp.MustCompile(`[,;:\-…]\s*$`)
	terminalTailRe       = regexp.MustCompile(`(?i)([.!?]["']?\s*$|\b(done|thanks|thank you|that's all|thats all|never mind)\s*$)`)
)

// endsOnContinuation reports whether a final fragment reads like the
// speaker paused mid-sentence ("turn on the lights and", "remind me to,").
func endsOnContinuation(text string) bool {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return false
	}
	if openTailRe.MatchString(normalized) {
		return true
	}
	if terminalTailRe.MatchString(normalized) {
		return false
	}
	return continuationTailRe.MatchString(normalized) ||
		continuationPhraseRe.MatchString(normalized) ||
		continuationAuxRe.MatchString(normalized)
}

// silenceWindowFor returns how long to wait after a final fragment before
// the pending utterance is flushed. The result is never below base.
func silenceWindowFor(lastFinal string, base, continuationHold time.Duration) time.Duration {
	if continuationHold > 0 && endsOnContinuation(lastFinal) {
		return base + continuationHold
	}
	return base
}
