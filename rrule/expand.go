package rrule

import (
	"sort"
	"time"
)

// maxOccurrences caps one expansion so a malformed or unbounded rule cannot
// run away; a view window never legitimately holds more.
const maxOccurrences = 5000

// Expand generates the concrete occurrence start instants of a recurring
// event inside [rangeStart, rangeEnd]. The anchor is the series seed: it
// fixes the time of day and is itself the first occurrence. COUNT is counted
// from the anchor and includes occurrences falling outside the window; UNTIL
// is an inclusive bound. Instants matching an entry of exDates are excluded
// after bounds accounting, so an exception still consumes its COUNT slot.
//
// Expansion is pure: the same inputs always produce the same sequence.
func Expand(rule *Rule, anchor, rangeStart, rangeEnd time.Time, exDates []time.Time) []time.Time {
	if rule == nil || rangeEnd.Before(rangeStart) {
		return nil
	}

	var out []time.Time
	generated := 0

	emit := func(t time.Time) bool {
		if rule.Until != nil && t.After(*rule.Until) {
			return false
		}
		if rule.Count > 0 && generated >= rule.Count {
			return false
		}
		generated++
		if t.After(rangeEnd) {
			return false
		}
		if generated > maxOccurrences {
			return false
		}
		if !t.Before(rangeStart) && !isExcluded(t, exDates) {
			out = append(out, t)
		}
		return true
	}

	if rule.Freq == Weekly && len(rule.ByDay) > 0 {
		expandWeeklyByDay(rule, anchor, emit)
	} else {
		for i := 0; ; i++ {
			if !emit(step(rule, anchor, i)) {
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// step returns the i-th occurrence of a plain interval rule, preserving the
// anchor's wall-clock time across DST transitions.
func step(rule *Rule, anchor time.Time, i int) time.Time {
	n := rule.Interval * i
	switch rule.Freq {
	case Daily:
		return anchor.AddDate(0, 0, n)
	case Weekly:
		return anchor.AddDate(0, 0, 7*n)
	case Monthly:
		return anchor.AddDate(0, n, 0)
	default: // Yearly
		return anchor.AddDate(n, 0, 0)
	}
}

// expandWeeklyByDay walks WKST-aligned weeks from the anchor's week, stepping
// Interval weeks at a time, and emits every weekday the rule names. Days
// before the anchor itself are not part of the series.
func expandWeeklyByDay(rule *Rule, anchor time.Time, emit func(time.Time) bool) {
	wantDay := map[time.Weekday]bool{}
	for _, d := range rule.ByDay {
		if wd, ok := weekdays[ordinalFreeDay(d)]; ok {
			wantDay[wd] = true
		}
	}
	if len(wantDay) == 0 {
		return
	}

	weekStart := time.Monday
	if ws, ok := weekdays[rule.WeekStart]; ok {
		weekStart = ws
	}

	// First day of the anchor's week.
	offset := (int(anchor.Weekday()) - int(weekStart) + 7) % 7
	weekAnchor := anchor.AddDate(0, 0, -offset)

	for week := 0; ; week++ {
		base := weekAnchor.AddDate(0, 0, 7*rule.Interval*week)
		for d := 0; d < 7; d++ {
			day := base.AddDate(0, 0, d)
			if day.Before(anchor) || !wantDay[day.Weekday()] {
				continue
			}
			if !emit(day) {
				return
			}
		}
	}
}

func isExcluded(t time.Time, exDates []time.Time) bool {
	for _, ex := range exDates {
		if t.Equal(ex) {
			return true
		}
	}
	return false
}
