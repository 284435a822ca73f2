package scraper

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// LastUpdatedKeywords are tried in order; the first keyword followed by a
// date wins.
var LastUpdatedKeywords = []string{"last updated", "effective date", "last modified"}

// lastUpdatedWindow is how many characters from the keyword are searched.
const lastUpdatedWindow = 100

// DatePatterns recognise the dates policies print next to the keyword.
// The numeric pattern is returned as written; the others are normalised.
var DatePatterns = map[string]string{
	"NUMERIC":     `(\d{4}[-/]\d{1,2}[-/]\d{1,2})`,
	"MONTH_FIRST": `\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|sept|oct|nov|dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`,
	"DAY_FIRST":   `\b(\d{1,2})(?:st|nd|rd|th)?\s+(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|sept|oct|nov|dec)\.?,?\s+(\d{4})\b`,
}

// DateExtractor finds the last-updated marker of a policy text.
type DateExtractor struct {
	numeric    *regexp.Regexp
	monthFirst *regexp.Regexp
	dayFirst   *regexp.Regexp
}

func NewDateExtractor(patterns map[string]string) *DateExtractor {
	return &DateExtractor{
		numeric:    regexp.MustCompile(patterns["NUMERIC"]),
		monthFirst: regexp.MustCompile(patterns["MONTH_FIRST"]),
		dayFirst:   regexp.MustCompile(patterns["DAY_FIRST"]),
	}
}

var defaultExtractor = NewDateExtractor(DatePatterns)

// LastUpdated returns the marker found in text, or nil.
func LastUpdated(text string) *string {
	return defaultExtractor.Extract(text)
}

// Extract lower-cases text and, for each keyword, searches the window that
// starts at the keyword's first occurrence.
func (e *DateExtractor) Extract(text string) *string {
	lower := strings.ToLower(text)
	for _, keyword := range LastUpdatedKeywords {
		idx := strings.Index(lower, keyword)
		if idx == -1 {
			continue
		}
		if date, ok := e.match(window(lower, idx, lastUpdatedWindow)); ok {
			return &date
		}
	}
	return nil
}

// window returns up to n runes of s starting at byte offset start.
func window(s string, start, n int) string {
	rest := s[start:]
	count := 0
	for i := range rest {
		if count == n {
			return rest[:i]
		}
		count++
	}
	return rest
}

// match returns the earliest date in snippet.
func (e *DateExtractor) match(snippet string) (string, bool) {
	type found struct {
		pos  int
		date string
	}
	var best *found
	consider := func(pos int, date string) {
		if best == nil || pos < best.pos {
			best = &found{pos: pos, date: date}
		}
	}

	if m := e.numeric.FindStringSubmatchIndex(snippet); m != nil {
		consider(m[0], snippet[m[2]:m[3]])
	}
	if m := e.monthFirst.FindStringSubmatchIndex(snippet); m != nil {
		if date, ok := normalizeDate(snippet[m[6]:m[7]], snippet[m[2]:m[3]], snippet[m[4]:m[5]]); ok {
			consider(m[0], date)
		}
	}
	if m := e.dayFirst.FindStringSubmatchIndex(snippet); m != nil {
		if date, ok := normalizeDate(snippet[m[6]:m[7]], snippet[m[4]:m[5]], snippet[m[2]:m[3]]); ok {
			consider(m[0], date)
		}
	}

	if best == nil {
		return "", false
	}
	return best.date, true
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// normalizeDate builds YYYY-MM-DD from textual parts, rejecting impossible dates.
func normalizeDate(year, month, day string) (string, bool) {
	if len(month) < 3 {
		return "", false
	}
	m, ok := months[month[:3]]
	if !ok {
		return "", false
	}
	var y, d int
	if _, err := fmt.Sscanf(year, "%d", &y); err != nil {
		return "", false
	}
	if _, err := fmt.Sscanf(day, "%d", &d); err != nil {
		return "", false
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || t.Month() != m {
		return "", false
	}
	return t.Format("2006-01-02"), true
}
