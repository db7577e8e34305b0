package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const prodID = "-//OpenCalendar//EN"

// maximum content-line width per RFC 5545 §3.1. Continuations carry a leading
// space, so their payload is one octet shorter.
const (
	foldWidth     = 75
	foldContWidth = 74
)

// Generate renders events as an RFC 5545 VCALENDAR. Text fields are escaped,
// lines longer than 75 octets are folded, DTSTAMP is stamped with the current
// time and events without a UID get a fresh one.
func Generate(events []Event) string {
	return generate(events, time.Now)
}

// generate is the clock-injected body of Generate, split out for tests.
func generate(events []Event, now func() time.Time) string {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:" + prodID,
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
	}

	for _, ev := range events {
		uid := ev.UID
		if uid == "" {
			uid = uuid.NewString()
		}

		lines = append(lines,
			"BEGIN:VEVENT",
			"UID:"+uid,
			"DTSTAMP:"+formatDateTimeUTC(now()),
		)

		switch {
		case ev.AllDay:
			lines = append(lines,
				"DTSTART;VALUE=DATE:"+formatDate(ev.StartsAt),
				"DTEND;VALUE=DATE:"+formatDate(ev.EndsAt),
			)
		case ev.Timezone != "":
			lines = append(lines,
				fmt.Sprintf("DTSTART;TZID=%s:%s", ev.Timezone, formatDateTimeLocal(ev.StartsAt, ev.Timezone)),
				fmt.Sprintf("DTEND;TZID=%s:%s", ev.Timezone, formatDateTimeLocal(ev.EndsAt, ev.Timezone)),
			)
		default:
			lines = append(lines,
				"DTSTART:"+formatDateTimeUTC(ev.StartsAt),
				"DTEND:"+formatDateTimeUTC(ev.EndsAt),
			)
		}

		lines = append(lines, "SUMMARY:"+Escape(ev.Title))
		if ev.Description != "" {
			lines = append(lines, "DESCRIPTION:"+Escape(ev.Description))
		}
		if ev.Location != "" {
			lines = append(lines, "LOCATION:"+Escape(ev.Location))
		}
		if ev.URL != "" {
			lines = append(lines, "URL:"+ev.URL)
		}
		if ev.Status != "" && ev.Status != StatusConfirmed {
			lines = append(lines, "STATUS:"+strings.ToUpper(ev.Status))
		}
		if ev.RRule != "" {
			lines = append(lines, "RRULE:"+ev.RRule)
		}
		if len(ev.ExDates) > 0 {
			lines = append(lines, formatExDates(ev.ExDates, ev.AllDay))
		}
		if ev.Transparent {
			lines = append(lines, "TRANSP:TRANSPARENT")
		}
		if ev.Sequence > 0 {
			lines = append(lines, fmt.Sprintf("SEQUENCE:%d", ev.Sequence))
		}
		if ev.Color != "" {
			lines = append(lines, "COLOR:"+ev.Color)
		}

		if ev.Organizer != nil {
			line := "ORGANIZER"
			if ev.Organizer.Name != "" {
				line += ";CN=" + ev.Organizer.Name
			}
			lines = append(lines, line+":mailto:"+ev.Organizer.Email)
		}
		for _, att := range ev.Attendees {
			line := "ATTENDEE"
			if att.Name != "" {
				line += ";CN=" + att.Name
			}
			if att.Role != "" {
				line += ";ROLE=" + att.Role
			}
			if att.PartStat != "" {
				line += ";PARTSTAT=" + att.PartStat
			}
			if att.RSVP {
				line += ";RSVP=TRUE"
			}
			lines = append(lines, line+":mailto:"+att.Email)
		}

		if len(ev.Categories) > 0 {
			escaped := make([]string, len(ev.Categories))
			for i, c := range ev.Categories {
				escaped[i] = Escape(c)
			}
			lines = append(lines, "CATEGORIES:"+strings.Join(escaped, ","))
		}

		// Unparsed residue goes back out untouched so update-then-rewrite
		// cycles do not drop foreign properties.
		for _, p := range ev.Extra {
			lines = append(lines, p.Name+":"+p.Value)
		}

		for _, alarm := range ev.Alarms {
			action := alarm.Action
			if action == "" {
				action = "DISPLAY"
			}
			desc := alarm.Description
			if desc == "" {
				desc = ev.Title
			}
			lines = append(lines,
				"BEGIN:VALARM",
				"ACTION:"+action,
				"TRIGGER:"+alarm.Trigger,
				"DESCRIPTION:"+Escape(desc),
				"END:VALARM",
			)
		}

		lines = append(lines, "END:VEVENT")
	}

	lines = append(lines, "END:VCALENDAR")

	folded := make([]string, len(lines))
	for i, l := range lines {
		folded[i] = fold(l)
	}
	return strings.Join(folded, "\r\n")
}

// fold wraps a content line at 75 octets, continuation lines at one leading
// space plus 74 octets.
func fold(line string) string {
	if len(line) <= foldWidth {
		return line
	}
	var parts []string
	parts = append(parts, line[:foldWidth])
	for pos := foldWidth; pos < len(line); pos += foldContWidth {
		end := pos + foldContWidth
		if end > len(line) {
			end = len(line)
		}
		parts = append(parts, " "+line[pos:end])
	}
	return strings.Join(parts, "\r\n")
}

func formatExDates(exDates []time.Time, allDay bool) string {
	vals := make([]string, len(exDates))
	for i, d := range exDates {
		if allDay {
			vals[i] = formatDate(d)
		} else {
			vals[i] = formatDateTimeUTC(d)
		}
	}
	if allDay {
		return "EXDATE;VALUE=DATE:" + strings.Join(vals, ",")
	}
	return "EXDATE:" + strings.Join(vals, ",")
}

func formatDate(t time.Time) string {
	return t.Format("20060102")
}

func formatDateTimeUTC(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// formatDateTimeLocal renders wall time in the named timezone; unknown zones
// fall back to the time's own location.
func formatDateTimeLocal(t time.Time, tzid string) string {
	if loc, err := time.LoadLocation(tzid); err == nil {
		t = t.In(loc)
	}
	return t.Format("20060102T150405")
}
