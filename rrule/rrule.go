// Package rrule parses, builds and expands RFC 5545 recurrence rules. The
// engine is deliberately small: the application only ever writes rules with
// FREQ, INTERVAL, BYDAY, COUNT and UNTIL, and expansion is re-run on every
// view-range change, so it must be deterministic and cheap rather than
// feature-complete.
package rrule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency values for Rule.Freq.
const (
	Daily   = "DAILY"
	Weekly  = "WEEKLY"
	Monthly = "MONTHLY"
	Yearly  = "YEARLY"
)

// ErrMissingFreq reports a rule without the required FREQ part.
var ErrMissingFreq = errors.New("rrule: missing FREQ")

// Rule is a parsed recurrence rule. At most one of Count and Until is set;
// both absent means unbounded.
type Rule struct {
	Freq       string
	Interval   int
	ByDay      []string
	ByMonth    []int
	ByMonthDay []int
	BySetPos   []int
	WeekStart  string
	Count      int
	Until      *time.Time
}

var weekdays = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

// Parse decodes an RRULE string such as "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE".
// A leading "RRULE:" prefix is tolerated. FREQ is required; INTERVAL defaults
// to 1.
func Parse(s string) (*Rule, error) {
	rule := &Rule{Interval: 1}
	seenFreq := false

	for _, part := range strings.Split(strings.TrimPrefix(s, "RRULE:"), ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rrule: malformed part %q", part)
		}
		switch strings.ToUpper(key) {
		case "FREQ":
			freq := strings.ToUpper(value)
			switch freq {
			case Daily, Weekly, Monthly, Yearly:
				rule.Freq = freq
				seenFreq = true
			default:
				return nil, fmt.Errorf("rrule: unsupported FREQ %q", value)
			}
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("rrule: invalid INTERVAL %q", value)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("rrule: invalid COUNT %q", value)
			}
			rule.Count = n
		case "UNTIL":
			t, err := parseUntil(value)
			if err != nil {
				return nil, fmt.Errorf("rrule: invalid UNTIL %q", value)
			}
			rule.Until = &t
		case "BYDAY":
			for _, day := range strings.Split(value, ",") {
				day = strings.ToUpper(strings.TrimSpace(day))
				if _, ok := weekdays[ordinalFreeDay(day)]; !ok {
					return nil, fmt.Errorf("rrule: invalid BYDAY %q", day)
				}
				rule.ByDay = append(rule.ByDay, day)
			}
		case "BYMONTH":
			ns, err := splitInts(value)
			if err != nil {
				return nil, fmt.Errorf("rrule: invalid BYMONTH %q", value)
			}
			rule.ByMonth = ns
		case "BYMONTHDAY":
			ns, err := splitInts(value)
			if err != nil {
				return nil, fmt.Errorf("rrule: invalid BYMONTHDAY %q", value)
			}
			rule.ByMonthDay = ns
		case "BYSETPOS":
			ns, err := splitInts(value)
			if err != nil {
				return nil, fmt.Errorf("rrule: invalid BYSETPOS %q", value)
			}
			rule.BySetPos = ns
		case "WKST":
			rule.WeekStart = strings.ToUpper(value)
		}
	}

	if !seenFreq {
		return nil, ErrMissingFreq
	}
	if rule.Count > 0 && rule.Until != nil {
		return nil, errors.New("rrule: COUNT and UNTIL are mutually exclusive")
	}
	return rule, nil
}

// Build is the inverse of Parse, serializing a rule to its canonical string
// form: FREQ first, INTERVAL only when above 1, then COUNT/UNTIL, BYDAY,
// BYMONTH and BYMONTHDAY.
func Build(rule *Rule) string {
	parts := []string{"FREQ=" + rule.Freq}

	if rule.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", rule.Interval))
	}
	if rule.Count > 0 {
		parts = append(parts, fmt.Sprintf("COUNT=%d", rule.Count))
	}
	if rule.Until != nil {
		parts = append(parts, "UNTIL="+rule.Until.UTC().Format("20060102T150405Z"))
	}
	if len(rule.ByDay) > 0 {
		parts = append(parts, "BYDAY="+strings.Join(rule.ByDay, ","))
	}
	if len(rule.ByMonth) > 0 {
		parts = append(parts, "BYMONTH="+joinInts(rule.ByMonth))
	}
	if len(rule.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(rule.ByMonthDay))
	}

	return strings.Join(parts, ";")
}

// UntilFromString extracts the UNTIL bound from a raw rule without a full
// parse, returning nil when absent or unreadable. Used to derive recurUntil
// for persistence.
func UntilFromString(s string) *time.Time {
	_, rest, ok := strings.Cut(s, "UNTIL=")
	if !ok {
		return nil
	}
	value := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		value = rest[:i]
	}
	t, err := parseUntil(value)
	if err != nil {
		return nil
	}
	return &t
}

// CountFromString extracts the COUNT bound from a raw rule, zero when absent.
func CountFromString(s string) int {
	_, rest, ok := strings.Cut(s, "COUNT=")
	if !ok {
		return 0
	}
	value := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		value = rest[:i]
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

// parseUntil accepts the date and datetime UNTIL shapes: 20230714,
// 20230714T235959 and 20230714T235959Z.
func parseUntil(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if len(v) == 8 {
		return time.ParseInLocation("20060102", v, time.UTC)
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	return time.ParseInLocation("20060102T150405", v, time.UTC)
}

// ordinalFreeDay strips a BYDAY ordinal prefix such as -1SU or 2MO.
func ordinalFreeDay(day string) string {
	return strings.TrimLeft(day, "+-0123456789")
}

func splitInts(value string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
