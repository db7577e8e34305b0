package microsoft

import (
	"fmt"
	"strings"
	"time"
)

// colorToHex maps Graph's named calendar colors to hex. Unknown names (and
// "auto") fall back to the default blue.
func colorToHex(name string) string {
	if hex, ok := calendarColors[name]; ok {
		return hex
	}
	return "#3b82f6"
}

var calendarColors = map[string]string{
	"lightBlue":   "#3b82f6",
	"lightGreen":  "#22c55e",
	"lightOrange": "#f97316",
	"lightGray":   "#6b7280",
	"lightYellow": "#eab308",
	"lightTeal":   "#14b8a6",
	"lightPink":   "#ec4899",
	"lightBrown":  "#92400e",
	"lightRed":    "#ef4444",
	"maxColor":    "#8b5cf6",
}

// recurrenceToRRule translates Graph's structured recurrence into an RFC 5545
// RRULE value. Graph never exposes the raw rule, so this is lossy only where
// Graph itself is (no BYSETPOS beyond the patterns it models). Returns "" for
// pattern types that do not map.
func recurrenceToRRule(rec *graphRecurrence) string {
	if rec == nil {
		return ""
	}

	var parts []string
	switch rec.Pattern.Type {
	case "daily":
		parts = append(parts, "FREQ=DAILY")
	case "weekly":
		parts = append(parts, "FREQ=WEEKLY")
	case "absoluteMonthly", "relativeMonthly":
		parts = append(parts, "FREQ=MONTHLY")
	case "absoluteYearly", "relativeYearly":
		parts = append(parts, "FREQ=YEARLY")
	default:
		return ""
	}

	if rec.Pattern.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", rec.Pattern.Interval))
	}
	if len(rec.Pattern.DaysOfWeek) > 0 && rec.Pattern.Type == "weekly" {
		days := make([]string, 0, len(rec.Pattern.DaysOfWeek))
		for _, d := range rec.Pattern.DaysOfWeek {
			if len(d) >= 2 {
				days = append(days, strings.ToUpper(d[:2]))
			}
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if rec.Pattern.DayOfMonth > 0 && rec.Pattern.Type == "absoluteMonthly" {
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", rec.Pattern.DayOfMonth))
	}
	if rec.Pattern.Month > 0 && (rec.Pattern.Type == "absoluteYearly" || rec.Pattern.Type == "relativeYearly") {
		parts = append(parts, fmt.Sprintf("BYMONTH=%d", rec.Pattern.Month))
	}

	switch rec.Range.Type {
	case "endDate":
		if t, err := time.ParseInLocation("2006-01-02", rec.Range.EndDate, time.UTC); err == nil {
			// End of the last day, so occurrences on the end date itself
			// still match.
			until := t.AddDate(0, 0, 1).Add(-time.Second)
			parts = append(parts, "UNTIL="+until.Format("20060102T150405Z"))
		}
	case "numbered":
		if rec.Range.NumberOfOccurrences > 0 {
			parts = append(parts, fmt.Sprintf("COUNT=%d", rec.Range.NumberOfOccurrences))
		}
	}

	return strings.Join(parts, ";")
}
