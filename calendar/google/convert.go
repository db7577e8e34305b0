package google

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"github.com/goccy/go-json"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
)

const dateOnly = "2006-01-02"

// newRemoteEvent maps a Google event to the provider-neutral shape. ok is
// false when the event has no usable start or end.
func newRemoteEvent(item *calendar.Event) (opencalendar.RemoteEvent, bool) {
	start, allDay, okStart := parseEventTime(item.Start)
	end, _, okEnd := parseEventTime(item.End)
	if !okStart || !okEnd {
		return opencalendar.RemoteEvent{}, false
	}

	title := item.Summary
	if title == "" {
		title = untitledEvent
	}
	status := item.Status
	if status != "tentative" && status != "cancelled" {
		status = "confirmed"
	}

	remote := opencalendar.RemoteEvent{
		ExternalID:  item.Id,
		ICSUID:      item.ICalUID,
		Title:       title,
		Description: item.Description,
		Location:    item.Location,
		URL:         item.HangoutLink,
		StartsAt:    start,
		EndsAt:      end,
		AllDay:      allDay,
		Status:      status,
	}
	if item.Start != nil {
		remote.Timezone = item.Start.TimeZone
	}
	if len(item.Recurrence) > 0 {
		// Only present on series masters; singleEvents listing strips it,
		// but direct gets keep it.
		for _, r := range item.Recurrence {
			if len(r) > 6 && r[:6] == "RRULE:" {
				remote.RRule = r[6:]
			}
		}
	}
	return remote, true
}

func parseEventTime(et *calendar.EventDateTime) (time.Time, bool, bool) {
	if et == nil {
		return time.Time{}, false, false
	}
	if et.DateTime != "" {
		t, err := time.Parse(time.RFC3339, et.DateTime)
		return t, false, err == nil
	}
	if et.Date != "" {
		t, err := time.ParseInLocation(dateOnly, et.Date, time.UTC)
		return t, true, err == nil
	}
	return time.Time{}, false, false
}

// newGoogleEvent maps a local event to the Google wire shape for writes.
func newGoogleEvent(event *opencalendar.Event) *calendar.Event {
	g := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Reminders:   &calendar.EventReminders{UseDefault: true},
	}
	if event.AllDay {
		g.Start = &calendar.EventDateTime{Date: event.StartsAt.Format(dateOnly)}
		g.End = &calendar.EventDateTime{Date: event.EndsAt.Format(dateOnly)}
	} else {
		g.Start = &calendar.EventDateTime{
			DateTime: event.StartsAt.Format(time.RFC3339),
			TimeZone: event.Timezone,
		}
		g.End = &calendar.EventDateTime{
			DateTime: event.EndsAt.Format(time.RFC3339),
			TimeZone: event.Timezone,
		}
	}
	return g
}

// savingTokenSource persists tokens whenever the underlying source refreshes
// them, so a refreshed access token survives the process.
type savingTokenSource struct {
	base      oauth2.TokenSource
	last      *oauth2.Token
	accountID string
	save      AuthSaver
	logger    *slog.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if s.save != nil && (s.last == nil || tok.AccessToken != s.last.AccessToken) {
		s.last = tok
		if raw, err := json.Marshal(tok); err == nil {
			if err := s.save(context.Background(), s.accountID, string(raw)); err != nil {
				s.logger.Warn("google: persisting refreshed token failed",
					"account", s.accountID, "err", err)
			}
		}
	}
	return tok, nil
}
