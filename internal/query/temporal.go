package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// temporalParser extracts a date window from relative or literal time
// expressions. Relative phrases resolve against the injected clock.
type temporalParser struct {
	now func() time.Time
}

var (
	relativeRe = regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+(\d+)?\s*(day|week|month|year)s?\b`)
	sinceRe    = regexp.MustCompile(`(?i)\bsince\s+([a-z]+|\d{4}(?:-\d{2}(?:-\d{2})?)?)\b`)
	betweenRe  = regexp.MustCompile(`(?i)\bbetween\s+(.+?)\s+and\s+(.+?)(?:\s|$|\?|\.)`)
	literalRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
)

var monthNames = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// Parse returns the resolved window, or nil when the query carries no
// temporal expression.
func (p *temporalParser) Parse(q string) *TemporalFilter {
	now := p.now()

	if m := relativeRe.FindStringSubmatch(q); m != nil {
		n := 1
		if m[1] != "" {
			if parsed, err := strconv.Atoi(m[1]); err == nil {
				n = parsed
			}
		}
		var from time.Time
		unit := strings.ToLower(m[2])
		switch unit {
		case "day":
			from = now.AddDate(0, 0, -n)
		case "week":
			from = now.AddDate(0, 0, -7*n)
		case "month":
			from = now.AddDate(0, -n, 0)
		case "year":
			from = now.AddDate(-n, 0, 0)
		}
		return &TemporalFilter{
			From:  from,
			To:    now,
			Label: fmt.Sprintf("last %d %ss", n, unit),
		}
	}

	if m := betweenRe.FindStringSubmatch(q); m != nil {
		from, okFrom := p.parsePoint(m[1], now)
		to, okTo := p.parsePoint(m[2], now)
		if okFrom && okTo {
			if to.Before(from) {
				from, to = to, from
			}
			return &TemporalFilter{
				From:  from,
				To:    to,
				Label: fmt.Sprintf("between %s and %s", strings.TrimSpace(m[1]), strings.TrimSpace(m[2])),
			}
		}
	}

	if m := sinceRe.FindStringSubmatch(q); m != nil {
		if from, ok := p.parsePoint(m[1], now); ok {
			return &TemporalFilter{
				From:  from,
				To:    now,
				Label: "since " + strings.TrimSpace(m[1]),
			}
		}
	}

	if m := literalRe.FindStringSubmatch(q); m != nil {
		if day, err := time.Parse("2006-01-02", m[0]); err == nil {
			return &TemporalFilter{
				From:  day,
				To:    day.AddDate(0, 0, 1),
				Label: m[0],
			}
		}
	}

	return nil
}

// parsePoint resolves a single date expression: a month name (most recent
// occurrence not after now), a year, or an ISO date.
func (p *temporalParser) parsePoint(expr string, now time.Time) (time.Time, bool) {
	expr = strings.TrimSpace(strings.ToLower(strings.Trim(expr, ".,?!")))

	if t, err := time.Parse("2006-01-02", expr); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01", expr); err == nil {
		return t, true
	}
	if year, err := strconv.Atoi(expr); err == nil && year >= 1900 && year <= 2200 {
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	if month, ok := monthNames[expr]; ok {
		year := now.Year()
		candidate := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		if candidate.After(now) {
			candidate = candidate.AddDate(-1, 0, 0)
		}
		return candidate, true
	}
	return time.Time{}, false
}
