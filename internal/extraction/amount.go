package extraction

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Amount confidences.
const (
	confTotalKeyword    = 0.9
	confOtherKeyword    = 0.75
	confCurrency        = 0.6
	confBareDecimal     = 0.3
	confSameLineTotal   = 0.95
	confNextLineTotal   = 0.85
	confNextLineOther   = 0.65
	confEnhancedDecimal = 0.35
)

var (
	// A space may only group thousands when a decimal part follows.
	reNumber = regexp.MustCompile(`\d{1,3}(?: \d{3})+[.,]\d{1,2}\b|\d+(?:[.,]\d+)*`)

	// Keywords end at the first non-letter so "TOTAL:42.50" and "TOTAL42.50"
	// still anchor; group 1 is the keyword itself.
	reTotalKeyword = regexp.MustCompile(`(?i)\b(grand\s*total|total|amount\s*due|balance\s*due|total\s*due)(?:[^\pL]|$)`)
	reOtherKeyword = regexp.MustCompile(`(?i)\b(amount|due|sum|balance|to\s*pay)(?:[^\pL]|$)`)
	reExcludedLine = regexp.MustCompile(`(?i)\b(?:tax|vat|gst|hst|pst|tip|gratuity|sub\s*-?\s*total|change|discount|savings?|tendered|cash|coupon)\b`)
	// "incl. VAT" and friends qualify a total rather than name a tax line.
	reInclusiveTax = regexp.MustCompile(`(?i)\b(?:incl(?:uding|usive\s+of|\.)?|inc\.?)\s*(?:tax|vat|gst|hst)(?:es)?\b`)

	reDigitSpaceDigit = regexp.MustCompile(`(\d) +(\d)`)

	currencySymbols = []string{"$", "€", "£", "¥", "₹"}
	currencyCodes   = []string{"USD", "EUR", "GBP"}
)

// AmountExtractor finds the transaction total.
type AmountExtractor struct{}

// NewAmountExtractor returns an AmountExtractor.
func NewAmountExtractor() *AmountExtractor {
	return &AmountExtractor{}
}

// amountToken is one parsed number found in a line.
type amountToken struct {
	value    decimal.Decimal
	start    int
	hasFrac  bool
	currency bool
}

type amountPicker struct {
	best decimal.Decimal
	conf float64
	set  bool
}

// offer keeps the candidate with the highest confidence; equal confidence
// goes to the larger value, since totals dominate the other figures.
func (p *amountPicker) offer(v decimal.Decimal, conf float64) {
	if conf <= 0 {
		return
	}
	if !p.set || conf > p.conf || (conf == p.conf && v.GreaterThan(p.best)) {
		p.best, p.conf, p.set = v, conf, true
	}
}

func (p *amountPicker) result() Candidate[decimal.Decimal] {
	if !p.set {
		return None[decimal.Decimal]()
	}
	return Found(p.best, p.conf)
}

// Extract looks for keyword-anchored, currency-anchored and finally bare
// decimal amounts anywhere in text.
func (e *AmountExtractor) Extract(text string) Candidate[decimal.Decimal] {
	var pick amountPicker
	for _, l := range splitLines(text) {
		kwConf, kwEnd := 0.0, -1
		if end := keywordEnd(reTotalKeyword, l.text); end >= 0 {
			kwConf, kwEnd = confTotalKeyword, end
		} else if end := keywordEnd(reOtherKeyword, l.text); end >= 0 {
			kwConf, kwEnd = confOtherKeyword, end
		}

		for _, tok := range amountTokens(l.text, kwEnd) {
			switch {
			case kwEnd >= 0 && tok.start >= kwEnd && (tok.hasFrac || tok.currency):
				pick.offer(tok.value, kwConf)
			case tok.currency:
				pick.offer(tok.value, confCurrency)
			case tok.hasFrac:
				pick.offer(tok.value, confBareDecimal)
			}
		}
	}
	return pick.result()
}

// ExtractEnhanced is line aware: it ignores tax, tip, change and similar
// lines, repairs common OCR digit confusions and follows a total keyword onto
// the next line when its own line carries no amount.
func (e *AmountExtractor) ExtractEnhanced(text string) Candidate[decimal.Decimal] {
	lines := splitLines(text)
	for i := range lines {
		lines[i].text = fixDigitConfusions(lines[i].text)
	}

	var pick amountPicker
	for i, l := range lines {
		if isExcludedLine(l.text) {
			continue
		}

		sameConf, nextConf, kwEnd := 0.0, 0.0, -1
		if end := keywordEnd(reTotalKeyword, l.text); end >= 0 {
			sameConf, nextConf, kwEnd = confSameLineTotal, confNextLineTotal, end
		} else if end := keywordEnd(reOtherKeyword, l.text); end >= 0 {
			sameConf, nextConf, kwEnd = confOtherKeyword, confNextLineOther, end
		}

		lineText := l.text
		if kwEnd >= 0 {
			lineText = lineText[:kwEnd] + reDigitSpaceDigit.ReplaceAllString(lineText[kwEnd:], "$1$2")
		}

		anchored := false
		for _, tok := range amountTokens(lineText, kwEnd) {
			switch {
			case kwEnd >= 0 && tok.start >= kwEnd && (tok.hasFrac || tok.currency):
				pick.offer(tok.value, sameConf)
				anchored = true
			case tok.currency:
				pick.offer(tok.value, confCurrency)
			case tok.hasFrac:
				pick.offer(tok.value, confEnhancedDecimal)
			}
		}

		if kwEnd >= 0 && !anchored && i+1 < len(lines) {
			next := lines[i+1].text
			if isExcludedLine(next) || reTotalKeyword.MatchString(next) || reOtherKeyword.MatchString(next) {
				continue
			}
			for _, tok := range amountTokens(next, -1) {
				if tok.hasFrac || tok.currency {
					pick.offer(tok.value, nextConf)
					break
				}
			}
		}
	}
	return pick.result()
}

// keywordEnd returns the byte offset just past the keyword re finds in s, or
// -1.
func keywordEnd(re *regexp.Regexp, s string) int {
	if m := re.FindStringSubmatchIndex(s); m != nil {
		return m[3]
	}
	return -1
}

// isExcludedLine reports whether s carries a figure other than the total,
// such as tax or change. A total that states the tax it includes is kept.
func isExcludedLine(s string) bool {
	return reExcludedLine.MatchString(reInclusiveTax.ReplaceAllString(s, " "))
}

// amountTokens returns every plausible positive amount in s. Parts of dates,
// times, percentages and identifiers are skipped. A number that directly
// follows the keyword ending at anchor, optionally after a colon, is kept
// even without a separating space; pass -1 when the line has no keyword.
func amountTokens(s string, anchor int) []amountToken {
	var out []amountToken
	for _, loc := range reNumber.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		raw := s[start:end]

		afterKeyword := anchor >= 0 && start >= anchor && strings.Trim(s[anchor:start], ": ") == ""
		if r, _ := utf8.DecodeLastRuneInString(s[:start]); start > 0 && !afterKeyword {
			if unicode.IsLetter(r) || r == '/' || r == ':' || r == '-' || r == '#' {
				continue
			}
		}
		if end < len(s) {
			rest := s[end:]
			if rest[0] == '/' || rest[0] == ':' || rest[0] == '%' {
				continue
			}
			if len(rest) > 1 && (rest[0] == '-' || rest[0] == '.') && rest[1] >= '0' && rest[1] <= '9' {
				continue
			}
		}

		value, hasFrac, ok := ParseAmount(raw)
		if !ok {
			continue
		}
		out = append(out, amountToken{
			value:    value,
			start:    start,
			hasFrac:  hasFrac,
			currency: nearCurrency(s, start, end),
		})
	}
	return out
}

// nearCurrency reports whether a currency symbol or code directly precedes or
// follows s[start:end], allowing one space.
func nearCurrency(s string, start, end int) bool {
	before := strings.TrimRight(s[:start], " ")
	after := strings.TrimLeft(s[end:], " ")
	upperBefore := strings.ToUpper(before)
	upperAfter := strings.ToUpper(after)
	for _, sym := range currencySymbols {
		if strings.HasSuffix(before, sym) || strings.HasPrefix(after, sym) {
			return true
		}
	}
	for _, code := range currencyCodes {
		if strings.HasSuffix(upperBefore, code) || strings.HasPrefix(upperAfter, code) {
			return true
		}
	}
	return false
}

// ParseAmount parses a number written with either decimal convention. The
// last '.' or ',' followed by one or two digits is the decimal separator;
// every other separator must group exactly three digits. Zero, negative and
// sub-cent values are rejected.
func ParseAmount(raw string) (value decimal.Decimal, hasFrac bool, ok bool) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if s == "" {
		return decimal.Zero, false, false
	}

	intPart, frac := s, ""
	var decSep byte
	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		tail := s[i+1:]
		switch {
		case len(tail) == 1 || len(tail) == 2:
			intPart, frac, decSep = s[:i], tail, s[i]
		case len(tail) == 3:
			// thousands grouping
		default:
			return decimal.Zero, false, false
		}
	}
	if frac != "" && !allDigits(frac) {
		return decimal.Zero, false, false
	}

	digits, ok := ungroup(intPart, decSep)
	if !ok {
		return decimal.Zero, false, false
	}

	str := digits
	if frac != "" {
		str += "." + frac
	}
	value, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero, false, false
	}
	if !value.IsPositive() || value.Exponent() < -2 {
		return decimal.Zero, false, false
	}
	return value, frac != "", true
}

// ungroup strips thousands separators from an integer part. All separators
// must be the same character and differ from the decimal separator.
func ungroup(s string, decSep byte) (string, bool) {
	if s == "" {
		return "", false
	}
	groups := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ',' })
	if len(groups) == 1 {
		return s, allDigits(s)
	}

	var sep byte
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == ',' {
			if sep == 0 {
				sep = s[i]
			} else if s[i] != sep {
				return "", false
			}
		}
	}
	if sep == decSep {
		return "", false
	}
	// Separators at either end or doubled produce fewer groups than expected.
	if strings.Count(s, string(sep)) != len(groups)-1 || s[0] == sep || s[len(s)-1] == sep {
		return "", false
	}

	if len(groups[0]) > 3 || !allDigits(groups[0]) {
		return "", false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 || !allDigits(g) {
			return "", false
		}
	}
	return strings.Join(groups, ""), true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
