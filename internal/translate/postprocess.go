package translate

import (
	"strings"
	"unicode"
)

var excessivePunctuation = strings.NewReplacer(
	"...", ".",
	"!!!", "!",
	"???", "?",
	"。。。", "。",
	"！！！", "！",
	"？？？", "？",
)

// QualityChecker cleans up degenerate decoder output before it is returned
type QualityChecker struct {
	enabled bool
}

func NewQualityChecker(enabled bool) *QualityChecker {
	return &QualityChecker{enabled: enabled}
}

func (q *QualityChecker) Enabled() bool { return q != nil && q.enabled }

// CheckAndFix collapses word loops and, when the text still looks wrong for
// the target language, strips excessive punctuation. Text that cannot be
// salvaged becomes empty. The bool reports whether the input was suspicious.
func (q *QualityChecker) CheckAndFix(text string, target LanguageCode) (string, bool) {
	if !q.Enabled() {
		return text, false
	}
	out := CollapseRepeats(text)
	if !Suspicious(out, target) {
		return out, false
	}
	out = excessivePunctuation.Replace(out)
	if Suspicious(out, target) {
		return "", true
	}
	return out, true
}

// CollapseRepeats keeps one copy of any word repeated more than twice in a
// row. Whitespace is normalised to single spaces.
func CollapseRepeats(text string) string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		n := 1
		for i+n < len(words) && words[i+n] == words[i] {
			n++
		}
		if n > 2 {
			out = append(out, words[i])
			i += n
			continue
		}
		out = append(out, words[i])
		i++
	}
	return strings.Join(out, " ")
}

// Suspicious flags empty output, English that is mostly symbols and Chinese
// without ideographs
func Suspicious(text string, target LanguageCode) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	switch target {
	case English:
		var symbols, total int
		for _, r := range text {
			if unicode.IsSpace(r) {
				continue
			}
			total++
			if !unicode.IsLetter(r) {
				symbols++
			}
		}
		return total > 0 && float64(symbols)/float64(total) > 0.7
	case Chinese:
		hasHan := false
		for _, r := range text {
			if isCJK(r) {
				hasHan = true
				break
			}
		}
		// byte length: two ideographs pass, two ASCII characters do not
		return !hasHan || len(trimmed) < 3
	}
	return false
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF)
}
