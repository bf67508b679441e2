package speech

import (
	"regexp"
	"strings"
	"unicode"
)

var markupRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
}

// Speakable strips markdown, code, URLs and emoji from generated text so a
// synthesizer does not read them aloud. Whitespace is collapsed.
func Speakable(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	for _, rw := range markupRewrites {
		text = rw.re.ReplaceAllString(text, rw.repl)
	}

	var b strings.Builder
	b.Grow(len(text))
	space := true
	sep := func() {
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	for _, r := range text {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			// emoji joiners and keycap marks
		case unicode.IsSpace(r), isMarkupRune(r):
			sep()
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// dropped
		case isSpokenPunct(r):
			b.WriteRune(r)
			space = false
		case unicode.IsPunct(r):
			sep()
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isMarkupRune(r rune) bool {
	return strings.ContainsRune(`*_\/|#~<>`, r)
}

func isSpokenPunct(r rune) bool {
	return strings.ContainsRune(`.,!?:;'"-()%&`, r)
}
