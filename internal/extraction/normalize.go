package extraction

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	reCRLF       = regexp.MustCompile(`\r\n?`)
	reTabs       = regexp.MustCompile(`[\t\f\v]+`)
	reMultiSpace = regexp.MustCompile(` {2,}`)
)

// Normalize collapses noisy whitespace while keeping line structure.
func Normalize(s string) string {
	s = reCRLF.ReplaceAllString(s, "\n")
	s = reTabs.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = reMultiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// IsBlank reports whether text holds nothing but whitespace.
func IsBlank(text string) bool {
	return strings.TrimFunc(text, unicode.IsSpace) == ""
}

// line is a non-empty, trimmed line of the normalized text with its byte
// offset, used to break ties by position.
type line struct {
	text   string
	offset int
}

func splitLines(text string) []line {
	var out []line
	offset := 0
	for _, raw := range strings.Split(Normalize(text), "\n") {
		if t := strings.TrimSpace(raw); t != "" {
			out = append(out, line{text: t, offset: offset})
		}
		offset += len(raw) + 1
	}
	return out
}

// letterStats counts letters and non-space characters.
func letterStats(s string) (letters, nonSpace int) {
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		nonSpace++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters, nonSpace
}

// fixDigitConfusions rewrites letters Tesseract commonly emits in place of
// digits, but only inside words that are already mostly digits. A leading S
// in such a word is read as a dollar sign.
func fixDigitConfusions(s string) string {
	fields := strings.Split(s, " ")
	for i, f := range fields {
		fields[i] = fixWord(f)
	}
	return strings.Join(fields, " ")
}

func fixWord(w string) string {
	digits, letters := 0, 0
	for _, r := range w {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}
	if digits < 2 || letters == 0 || letters > digits {
		return w
	}

	var b strings.Builder
	for i, r := range w {
		if i == 0 && r == 'S' {
			b.WriteRune('$')
			continue
		}
		b.WriteRune(confusedDigit(r))
	}
	return b.String()
}

func confusedDigit(r rune) rune {
	switch r {
	case 'O', 'o', 'D', 'Q':
		return '0'
	case 'I', 'l', '|':
		return '1'
	case 'S', 's':
		return '5'
	case 'B':
		return '8'
	case 'Z':
		return '2'
	}
	return r
}

// levenshtein returns the edit distance between a and b, by rune.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
