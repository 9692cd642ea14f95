package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	// Roleplay stage directions like "*smiles warmly*" or "[laughs]".
	speechStageDirection = regexp.MustCompile(`(?:^|\s)(?:\*[^*\n]{1,40}\*|\[[^\]\n]{1,30}\])(?:\s|$)`)
	speechMarkdownHeading = regexp.MustCompile(`(?m)^\s*(?:#{1,6}|[-*+]|\d+\.)\s+`)
)

var speechSymbolReplacer = strings.NewReplacer(
	"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
	"#", " ", "~", " ", "<", " ", ">", " ", "&", " and ",
)

// sanitizeSpeechText strips markup and symbol noise from reply text so the
// synthesizer reads only what a person would say out loud.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownHeading.ReplaceAllString(raw, "")
	raw = speechStageDirection.ReplaceAllString(raw, " ")
	raw = speechSymbolReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	space := func() {
		if !prevSpace {
			b.WriteByte(' ')
			prevSpace = true
		}
	}

	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		case unicode.IsSpace(r):
			space()
		case unicode.IsControl(r):
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk, unicode.Cs):
			// emoji and symbol glyphs
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			space()
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	out := strings.TrimSpace(b.String())
	// Collapse " ." left behind by removed tokens.
	return strings.NewReplacer(" .", ".", " ,", ",", " !", "!", " ?", "?").Replace(out)
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}
