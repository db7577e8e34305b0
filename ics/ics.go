// Package ics parses and generates RFC 5545 iCalendar text. It is the codec
// every CalDAV-backed adapter exchanges events through, so parsing is lossless
// where it matters: properties the codec does not model are kept as opaque
// residue and written back out on generation.
package ics

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event status values.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Attendee is an ATTENDEE or ORGANIZER property.
type Attendee struct {
	Email    string
	Name     string
	Role     string
	PartStat string
	RSVP     bool
}

// Alarm is a VALARM block.
type Alarm struct {
	Action      string
	Trigger     string
	Description string
}

// Property is an unmodeled content line kept verbatim for round-tripping.
type Property struct {
	Name  string
	Value string
}

// Event is one VEVENT, both the output of Parse and the input of Generate.
type Event struct {
	UID          string
	Title        string
	Description  string
	Location     string
	URL          string
	StartsAt     time.Time
	EndsAt       time.Time
	AllDay       bool
	Timezone     string
	RRule        string
	ExDates      []time.Time
	Status       string
	Sequence     int
	Created      *time.Time
	LastModified *time.Time
	Organizer    *Attendee
	Attendees    []Attendee
	Alarms       []Alarm
	Categories   []string
	Transparent  bool
	Color        string
	Extra        []Property
}

// contentLine is one unfolded "NAME;PARAM=val:value" line.
type contentLine struct {
	name   string
	params map[string]string
	value  string
}

func (cl contentLine) param(name string) string {
	return cl.params[name]
}

// Parse extracts every VEVENT from an iCalendar payload. Structurally broken
// input yields an empty slice, never an error: callers treat zero events as
// nothing to sync this pass. Individual events missing DTSTART are dropped;
// a missing UID is synthesized instead.
func Parse(data string) []Event {
	lines := splitLines(unfold(data))
	blocks := extractBlocks(lines, "VEVENT")

	events := make([]Event, 0, len(blocks))
	for _, block := range blocks {
		if ev, ok := parseEventBlock(block); ok {
			events = append(events, ev)
		}
	}
	return events
}

// ParseFirst returns the first VEVENT of a payload, or false when there is
// none. CalDAV object payloads normally hold exactly one.
func ParseFirst(data string) (Event, bool) {
	events := Parse(data)
	if len(events) == 0 {
		return Event{}, false
	}
	return events[0], true
}

// unfold removes RFC 5545 line folds: CRLF (or LF) followed by a space or tab
// is a continuation, not a line break.
func unfold(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '\r' && i+2 < len(raw) && raw[i+1] == '\n' && (raw[i+2] == ' ' || raw[i+2] == '\t') {
			i += 2
			continue
		}
		if c == '\n' && i+1 < len(raw) && (raw[i+1] == ' ' || raw[i+1] == '\t') {
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := raw[:0]
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// extractBlocks returns the bodies of all BEGIN:typ .. END:typ blocks,
// tolerating nesting of the same type.
func extractBlocks(lines []string, typ string) [][]string {
	var blocks [][]string
	var current []string
	depth := 0
	for _, line := range lines {
		switch line {
		case "BEGIN:" + typ:
			if depth == 0 {
				current = []string{}
			} else {
				current = append(current, line)
			}
			depth++
		case "END:" + typ:
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				blocks = append(blocks, current)
				current = nil
			} else {
				current = append(current, line)
			}
		default:
			if depth > 0 {
				current = append(current, line)
			}
		}
	}
	return blocks
}

// parseContentLine splits a line at the first colon outside quotes, then
// splits the head into a name and parameters, respecting quoted values.
func parseContentLine(line string) (contentLine, bool) {
	inQuote := false
	colon := -1
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				colon = i
			}
		}
		if colon >= 0 {
			break
		}
	}
	if colon < 0 {
		return contentLine{}, false
	}

	head := line[:colon]
	cl := contentLine{value: line[colon+1:], params: map[string]string{}}

	parts := splitParams(head)
	if len(parts) == 0 || parts[0] == "" {
		return contentLine{}, false
	}
	cl.name = strings.ToUpper(parts[0])
	for _, p := range parts[1:] {
		eq := strings.IndexByte(p, '=')
		if eq <= 0 {
			continue
		}
		key := strings.ToUpper(p[:eq])
		val := p[eq+1:]
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		cl.params[key] = val
	}
	return cl, true
}

func splitParams(head string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(head); i++ {
		c := head[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ';' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// multiValued properties are collected across repeated lines; everything else
// keeps the last occurrence.
var multiValued = map[string]bool{
	"EXDATE":     true,
	"ATTENDEE":   true,
	"CATEGORIES": true,
}

// modeled properties do not go into the Extra residue.
var modeled = map[string]bool{
	"DTSTART": true, "DTEND": true, "DURATION": true, "UID": true,
	"RRULE": true, "EXDATE": true, "SUMMARY": true, "DESCRIPTION": true,
	"LOCATION": true, "URL": true, "STATUS": true, "SEQUENCE": true,
	"LAST-MODIFIED": true, "CREATED": true, "ORGANIZER": true,
	"ATTENDEE": true, "CATEGORIES": true, "TRANSP": true, "COLOR": true,
	"DTSTAMP": true,
}

func parseEventBlock(lines []string) (Event, bool) {
	single := map[string]contentLine{}
	multi := map[string][]contentLine{}
	var extra []Property

	alarmBlocks := extractBlocks(lines, "VALARM")

	// VALARM lines are parsed separately and must not leak into the
	// top-level property scan.
	insideAlarm := false
	for _, line := range lines {
		switch line {
		case "BEGIN:VALARM":
			insideAlarm = true
			continue
		case "END:VALARM":
			insideAlarm = false
			continue
		}
		if insideAlarm {
			continue
		}
		cl, ok := parseContentLine(line)
		if !ok {
			continue
		}
		if multiValued[cl.name] {
			multi[cl.name] = append(multi[cl.name], cl)
		} else {
			single[cl.name] = cl
		}
	}

	dtStart, ok := single["DTSTART"]
	if !ok {
		return Event{}, false
	}

	var ev Event
	ev.AllDay = strings.EqualFold(dtStart.param("VALUE"), "DATE") || len(dtStart.value) == 8
	ev.Timezone = dtStart.param("TZID")

	start, err := parseDateTime(dtStart.value, ev.Timezone)
	if err != nil {
		return Event{}, false
	}
	ev.StartsAt = start

	switch {
	case hasProp(single, "DTEND"):
		end, err := parseDateTime(single["DTEND"].value, single["DTEND"].param("TZID"))
		if err != nil {
			return Event{}, false
		}
		ev.EndsAt = end
	case hasProp(single, "DURATION"):
		ev.EndsAt = addDuration(start, single["DURATION"].value)
	case ev.AllDay:
		ev.EndsAt = start.AddDate(0, 0, 1)
	default:
		ev.EndsAt = start.Add(time.Hour)
	}

	if uid, ok := single["UID"]; ok && uid.value != "" {
		ev.UID = uid.value
	} else {
		ev.UID = uuid.NewString()
	}

	ev.Title = Unescape(single["SUMMARY"].value)
	ev.Description = Unescape(single["DESCRIPTION"].value)
	ev.Location = Unescape(single["LOCATION"].value)
	ev.URL = single["URL"].value
	ev.RRule = single["RRULE"].value
	ev.Color = single["COLOR"].value

	for _, cl := range multi["EXDATE"] {
		tzid := cl.param("TZID")
		for _, v := range strings.Split(cl.value, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if t, err := parseDateTime(v, tzid); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}

	switch strings.ToUpper(single["STATUS"].value) {
	case "TENTATIVE":
		ev.Status = StatusTentative
	case "CANCELLED":
		ev.Status = StatusCancelled
	default:
		ev.Status = StatusConfirmed
	}

	if n, err := strconv.Atoi(single["SEQUENCE"].value); err == nil {
		ev.Sequence = n
	}
	if cl, ok := single["CREATED"]; ok {
		if t, err := parseDateTime(cl.value, ""); err == nil {
			ev.Created = &t
		}
	}
	if cl, ok := single["LAST-MODIFIED"]; ok {
		if t, err := parseDateTime(cl.value, ""); err == nil {
			ev.LastModified = &t
		}
	}

	if cl, ok := single["ORGANIZER"]; ok {
		att := parseAttendee(cl)
		ev.Organizer = &att
	}
	for _, cl := range multi["ATTENDEE"] {
		ev.Attendees = append(ev.Attendees, parseAttendee(cl))
	}

	for _, cl := range multi["CATEGORIES"] {
		for _, c := range strings.Split(cl.value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				ev.Categories = append(ev.Categories, Unescape(c))
			}
		}
	}

	ev.Transparent = strings.EqualFold(single["TRANSP"].value, "TRANSPARENT")

	for _, alarm := range alarmBlocks {
		ev.Alarms = append(ev.Alarms, parseAlarm(alarm))
	}

	for name, cl := range single {
		if !modeled[name] {
			extra = append(extra, Property{Name: name, Value: cl.value})
		}
	}
	ev.Extra = extra

	return ev, true
}

func hasProp(m map[string]contentLine, name string) bool {
	_, ok := m[name]
	return ok
}

func parseAttendee(cl contentLine) Attendee {
	return Attendee{
		Email:    strings.TrimPrefix(strings.TrimPrefix(cl.value, "mailto:"), "MAILTO:"),
		Name:     cl.param("CN"),
		Role:     cl.param("ROLE"),
		PartStat: cl.param("PARTSTAT"),
		RSVP:     strings.EqualFold(cl.param("RSVP"), "TRUE"),
	}
}

func parseAlarm(lines []string) Alarm {
	alarm := Alarm{Action: "DISPLAY", Trigger: "-PT15M"}
	for _, line := range lines {
		cl, ok := parseContentLine(line)
		if !ok {
			continue
		}
		switch cl.name {
		case "ACTION":
			alarm.Action = strings.ToUpper(cl.value)
		case "TRIGGER":
			alarm.Trigger = cl.value
		case "DESCRIPTION":
			alarm.Description = Unescape(cl.value)
		}
	}
	return alarm
}

// parseDateTime parses the three RFC 5545 date shapes: "20250207" (date),
// "20250207T093000" (local, in tzid if given) and "20250207T093000Z" (UTC).
// Dates and floating times without a resolvable TZID are taken as UTC so that
// parsing is deterministic regardless of host timezone.
func parseDateTime(value, tzid string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if len(v) == 8 {
		return time.ParseInLocation("20060102", v, time.UTC)
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	loc := time.UTC
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation("20060102T150405", v, loc)
}

// addDuration applies an ISO 8601 period like P1DT2H30M (weeks, days, hours,
// minutes, seconds; optional leading sign).
func addDuration(t time.Time, dur string) time.Time {
	s := dur
	sign := 1
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "+"), "P")

	datePart := s
	timePart := ""
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
	}

	days := 0
	if n, rest, ok := takeNumber(datePart, 'W'); ok {
		days += n * 7
		datePart = rest
	}
	if n, _, ok := takeNumber(datePart, 'D'); ok {
		days += n
	}

	var d time.Duration
	if n, rest, ok := takeNumber(timePart, 'H'); ok {
		d += time.Duration(n) * time.Hour
		timePart = rest
	}
	if n, rest, ok := takeNumber(timePart, 'M'); ok {
		d += time.Duration(n) * time.Minute
		timePart = rest
	}
	if n, _, ok := takeNumber(timePart, 'S'); ok {
		d += time.Duration(n) * time.Second
	}

	return t.AddDate(0, 0, sign*days).Add(time.Duration(sign) * d)
}

// takeNumber reads the digits preceding unit from s, returning the value and
// the remainder after the unit.
func takeNumber(s string, unit byte) (int, string, bool) {
	idx := strings.IndexByte(s, unit)
	if idx <= 0 {
		return 0, s, false
	}
	start := idx
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == idx {
		return 0, s, false
	}
	n, err := strconv.Atoi(s[start:idx])
	if err != nil {
		return 0, s, false
	}
	return n, s[:start] + s[idx+1:], true
}

// Unescape reverses RFC 5545 text escaping: \n (or \N) to newline, and
// escaped comma, semicolon and backslash.
func Unescape(value string) string {
	if !strings.ContainsRune(value, '\\') {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != '\\' || i+1 == len(value) {
			b.WriteByte(c)
			continue
		}
		i++
		switch value[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\':
			b.WriteByte(value[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

// Escape applies RFC 5545 text escaping.
func Escape(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		switch c := value[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ';':
			b.WriteString(`\;`)
		case ',':
			b.WriteString(`\,`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
