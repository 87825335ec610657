package extraction

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	standardMerchantLines = 5
	enhancedMerchantLines = 8
	maxStandardMerchant   = 0.8
	maxEnhancedMerchant   = 0.9
)

var (
	reAddress = regexp.MustCompile(`(?i)(?:\d+\s+.*\b(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|highway|hwy|way|plaza|parkway|pkwy)\b|\b(?:suite|ste|unit)\s*#?\s*\d+|\b[A-Z]{2}\s+\d{5}(?:-\d{4})?\b|\bp\.?\s?o\.?\s+box\b)`)
	rePhone   = regexp.MustCompile(`(?i)(?:\b(?:tel|phone|ph|fax)\b\.?:?|\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]\d{4}\b)`)
	reURL     = regexp.MustCompile(`(?i)(?:https?://|www\.|\b[a-z0-9\-]+\.(?:com|net|org|co|io)\b|@)`)
	reMoney   = regexp.MustCompile(`\d+[.,]\d{2}\b`)
	reTaxID   = regexp.MustCompile(`(?i)\b(?:tax\s*id|vat\s*(?:no|reg)|gst\s*(?:no|reg)|abn|ein|tin)\b`)

	reBannerSymbols = regexp.MustCompile(`[*=_~#\-]{2,}`)
	reStoreCode     = regexp.MustCompile(`(?i)(?:#\s*\d+|\b(?:store|str|loc|location|no)\.?\s*#?\s*\d+\b)`)
	reNoiseWords    = regexp.MustCompile(`(?i)\b(?:welcome\s+to|welcome|sales\s+receipt|receipt|invoice|customer\s+copy|merchant\s+copy|thank\s+you)\b`)
	reEdgeNoise     = regexp.MustCompile(`^[^\pL\pN]+|[^\pL\pN.)'&]+$`)
)

// noiseLines are header lines that carry no merchant name. OCR damage is
// tolerated by edit distance.
var noiseLines = []string{
	"welcome", "receipt", "sales receipt", "customer copy", "merchant copy",
	"thank you", "original", "duplicate", "reprint", "invoice", "tax invoice",
}

// MerchantExtractor finds the store name near the top of the receipt.
type MerchantExtractor struct{}

// NewMerchantExtractor returns a MerchantExtractor.
func NewMerchantExtractor() *MerchantExtractor {
	return &MerchantExtractor{}
}

// Extract returns the first plausible name among the first five lines.
func (e *MerchantExtractor) Extract(text string) Candidate[string] {
	lines := splitLines(text)
	for i, l := range lines {
		if i >= standardMerchantLines {
			break
		}
		name := collapseSpaces(l.text)
		letters, nonSpace := letterStats(name)
		if letters < 3 || float64(letters) < 0.5*float64(nonSpace) {
			continue
		}
		if looksLikeNonName(name) || reAddress.MatchString(name) || rePhone.MatchString(name) {
			continue
		}

		ratio := float64(letters) / float64(nonSpace)
		conf := maxStandardMerchant * lengthFactor(name) * (0.6 + 0.4*ratio) * (1 - 0.1*float64(i))
		return Found(name, conf)
	}
	return None[string]()
}

// ExtractEnhanced cleans banners, store codes and boilerplate from the first
// eight lines, scores every survivor and returns the best.
func (e *MerchantExtractor) ExtractEnhanced(text string) Candidate[string] {
	var (
		best     string
		bestConf float64
	)
	for i, l := range splitLines(text) {
		if i >= enhancedMerchantLines {
			break
		}
		name := cleanMerchantLine(l.text)
		if name == "" || isNoiseLine(name) {
			continue
		}
		letters, nonSpace := letterStats(name)
		if letters < 3 || float64(letters) < 0.5*float64(nonSpace) || dominatedBySingleRune(name) {
			continue
		}
		if looksLikeNonName(name) {
			continue
		}

		ratio := float64(letters) / float64(nonSpace)
		conf := maxEnhancedMerchant * lengthFactor(name) * (0.6 + 0.4*ratio) * (1 - 0.06*float64(i))
		switch {
		case reAddress.MatchString(l.text):
			conf *= 0.4
		case rePhone.MatchString(l.text), reTaxID.MatchString(l.text):
			conf *= 0.3
		}
		if isShoutedHeader(name) {
			conf *= 1.1
		}
		conf = min(conf, maxEnhancedMerchant)

		if conf > bestConf {
			best, bestConf = name, conf
		}
	}
	if bestConf == 0 {
		return None[string]()
	}
	return Found(best, bestConf)
}

func cleanMerchantLine(s string) string {
	s = reBannerSymbols.ReplaceAllString(s, " ")
	s = reStoreCode.ReplaceAllString(s, " ")
	s = reNoiseWords.ReplaceAllString(s, " ")
	s = collapseSpaces(s)
	s = reEdgeNoise.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func isNoiseLine(s string) bool {
	lower := strings.ToLower(s)
	limit := 2
	if len(lower) < 8 {
		limit = 1
	}
	for _, n := range noiseLines {
		if levenshtein(lower, n) <= limit {
			return true
		}
	}
	return false
}

// looksLikeNonName rejects URLs, dates and money lines.
func looksLikeNonName(s string) bool {
	return reURL.MatchString(s) ||
		reNumericDate.MatchString(s) ||
		reMonthFirst.MatchString(s) ||
		reDayFirst.MatchString(s) ||
		reTimeOfDay.MatchString(s) ||
		reMoney.MatchString(s)
}

// dominatedBySingleRune catches OCR smears such as "IIIIIll".
func dominatedBySingleRune(s string) bool {
	counts := map[rune]int{}
	total := 0
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) {
			counts[r]++
			total++
		}
	}
	if total < 4 {
		return false
	}
	for _, c := range counts {
		if float64(c) > 0.6*float64(total) {
			return true
		}
	}
	return false
}

func isShoutedHeader(s string) bool {
	if len(strings.Fields(s)) > 4 {
		return false
	}
	hasLetter := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

func lengthFactor(s string) float64 {
	n := len([]rune(s))
	switch {
	case n >= 3 && n <= 30:
		return 1
	case n <= 45:
		return 0.8
	}
	return 0.6
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
