package extraction

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultValidationYears bounds how far in the past a receipt date may lie.
const DefaultValidationYears = 10

const (
	confFullYear   = 0.8
	confShortYear  = 0.6
	bonusTimeOfDay = 0.1
	bonusKeyword   = 0.05
	penaltyExpiry  = 0.2
)

const monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	reNumericDate   = regexp.MustCompile(`\b(\d{1,4})([/.\-])(\d{1,2})([/.\-])(\d{2,4})\b`)
	reMonthFirst    = regexp.MustCompile(`(?i)\b` + monthPattern + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4}|\d{2})\b`)
	reDayFirst      = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?[\s\-/.]*` + monthPattern + `\.?[\s\-/.,]*(\d{4}|\d{2})\b`)
	reTimeOfDay     = regexp.MustCompile(`(?i)\b(?:[01]?\d|2[0-3]):[0-5]\d(?::[0-5]\d)?(?:\s*[ap]\.?m\.?)?`)
	reDateKeyword   = regexp.MustCompile(`(?i)\b(?:date|dated)\b`)
	reExpiryKeyword = regexp.MustCompile(`(?i)\b(?:exp|expires?|expiry|expiration|due|valid|until|thru)\b`)
)

var monthsByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// DateExtractor finds the transaction date.
type DateExtractor struct {
	clock TimeSource
	// DayFirst resolves ambiguous slash or dash dates like 03/04/2024 as
	// day/month instead of month/day.
	DayFirst bool
}

// NewDateExtractor returns a DateExtractor reading today's date from clock.
func NewDateExtractor(clock TimeSource) *DateExtractor {
	if clock == nil {
		clock = SystemClock()
	}
	return &DateExtractor{clock: clock}
}

type dateMatch struct {
	date      Date
	shortYear bool
	offset    int
	line      string
}

// Extract returns the first calendar-valid date that is not in the future
// and lies within DefaultValidationYears.
func (e *DateExtractor) Extract(text string) Candidate[Date] {
	lo, hi := e.window(DefaultValidationYears)
	for _, m := range e.matches(text) {
		if m.date.Before(lo) || m.date.After(hi) {
			continue
		}
		return Found(m.date, baseDateConfidence(m))
	}
	return None[Date]()
}

// ExtractEnhanced scores every date within [today - validationYears, today].
// Dates near a time of day or a "date" label score higher; expiry and due
// dates score lower. Ties go to the earliest date in the text.
func (e *DateExtractor) ExtractEnhanced(text string, validationYears int) Candidate[Date] {
	if validationYears <= 0 {
		validationYears = DefaultValidationYears
	}
	lo, hi := e.window(validationYears)

	var (
		best     dateMatch
		bestConf float64
		found    bool
	)
	for _, m := range e.matches(text) {
		if m.date.Before(lo) || m.date.After(hi) {
			continue
		}
		conf := baseDateConfidence(m)
		if reTimeOfDay.MatchString(m.line) {
			conf += bonusTimeOfDay
		}
		if reDateKeyword.MatchString(m.line) {
			conf += bonusKeyword
		}
		if reExpiryKeyword.MatchString(m.line) {
			conf -= penaltyExpiry
		}
		conf = clamp01(conf)
		if conf <= 0 {
			continue
		}
		if !found || conf > bestConf {
			best, bestConf, found = m, conf, true
		}
	}
	if !found {
		return None[Date]()
	}
	return Found(best.date, bestConf)
}

func (e *DateExtractor) window(years int) (Date, Date) {
	now := e.clock.Now()
	today := DateOf(now)
	year := today.Year - years
	// Feb 29 falls back to Feb 28 in a non-leap start year.
	day := min(today.Day, time.Date(year, today.Month+1, 0, 0, 0, 0, 0, time.UTC).Day())
	return Date{Year: year, Month: today.Month, Day: day}, today
}

func baseDateConfidence(m dateMatch) float64 {
	if m.shortYear {
		return confShortYear
	}
	return confFullYear
}

// matches returns every calendar-valid date in text ordered by position.
func (e *DateExtractor) matches(text string) []dateMatch {
	today := DateOf(e.clock.Now())
	var out []dateMatch

	for _, l := range splitLines(text) {
		for _, sm := range reNumericDate.FindAllStringSubmatchIndex(l.text, -1) {
			g := submatches(l.text, sm)
			if g[2] != g[4] {
				continue
			}
			if d, short, ok := e.numericDate(g[1], g[2], g[3], g[5], today); ok {
				out = append(out, dateMatch{date: d, shortYear: short, offset: l.offset + sm[0], line: l.text})
			}
		}
		for _, sm := range reMonthFirst.FindAllStringSubmatchIndex(l.text, -1) {
			g := submatches(l.text, sm)
			if d, short, ok := textualDate(g[2], g[1], g[3], today); ok {
				out = append(out, dateMatch{date: d, shortYear: short, offset: l.offset + sm[0], line: l.text})
			}
		}
		for _, sm := range reDayFirst.FindAllStringSubmatchIndex(l.text, -1) {
			g := submatches(l.text, sm)
			if d, short, ok := textualDate(g[1], g[2], g[3], today); ok {
				out = append(out, dateMatch{date: d, shortYear: short, offset: l.offset + sm[0], line: l.text})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

func submatches(s string, idx []int) []string {
	out := make([]string, len(idx)/2)
	for i := range out {
		if idx[2*i] >= 0 {
			out[i] = s[idx[2*i]:idx[2*i+1]]
		}
	}
	return out
}

// numericDate orders the three parts. A four digit first part is Y-M-D;
// otherwise a part above 12 decides between D/M and M/D, and ambiguous dates
// fall back to DayFirst (always day first for dotted dates).
func (e *DateExtractor) numericDate(a, sep, b, c string, today Date) (Date, bool, bool) {
	if len(a) == 4 {
		if len(c) > 2 {
			return Date{}, false, false
		}
		y, _ := strconv.Atoi(a)
		m, _ := strconv.Atoi(b)
		d, _ := strconv.Atoi(c)
		date, ok := validDate(y, m, d)
		return date, false, ok
	}
	if len(a) > 2 || len(c) == 3 {
		return Date{}, false, false
	}

	p1, _ := strconv.Atoi(a)
	p2, _ := strconv.Atoi(b)
	year, short := expandYear(c, today)

	var month, day int
	switch {
	case p1 > 12:
		day, month = p1, p2
	case p2 > 12:
		month, day = p1, p2
	case e.DayFirst || sep == ".":
		day, month = p1, p2
	default:
		month, day = p1, p2
	}
	date, ok := validDate(year, month, day)
	return date, short, ok
}

func textualDate(dayStr, monthStr, yearStr string, today Date) (Date, bool, bool) {
	month, ok := monthsByPrefix[strings.ToLower(monthStr)[:3]]
	if !ok {
		return Date{}, false, false
	}
	day, _ := strconv.Atoi(dayStr)
	year, short := expandYear(yearStr, today)
	date, ok := validDate(year, int(month), day)
	return date, short, ok
}

// expandYear pivots a two digit year onto the latest century that does not
// put it after today's year.
func expandYear(s string, today Date) (int, bool) {
	y, _ := strconv.Atoi(s)
	if len(s) != 2 {
		return y, false
	}
	century := today.Year / 100 * 100
	y += century
	if y > today.Year {
		y -= 100
	}
	return y, true
}

// validDate round-trips through time.Date so overflow like 02/30 is caught.
func validDate(y, m, d int) (Date, bool) {
	if y < 1900 || m < 1 || m > 12 || d < 1 || d > 31 {
		return Date{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return Date{}, false
	}
	return DateOf(t), true
}
