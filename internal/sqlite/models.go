package sqlite

import (
	"database/sql"
	"strings"
	"time"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
)

type Account struct {
	ID         string       `db:"id"`
	UserID     string       `db:"user_id"`
	Provider   string       `db:"provider"`
	Email      string       `db:"email"`
	Auth       string       `db:"auth"`
	IsActive   bool         `db:"is_active"`
	LastSyncAt sql.NullTime `db:"last_sync_at"`
}

func (a Account) Convert() *opencalendar.Account {
	return &opencalendar.Account{
		ID:         a.ID,
		UserID:     a.UserID,
		Provider:   a.Provider,
		Email:      a.Email,
		Auth:       a.Auth,
		IsActive:   a.IsActive,
		LastSyncAt: a.LastSyncAt.Time,
	}
}

type Calendar struct {
	ID         string `db:"id"`
	AccountID  string `db:"account_id"`
	ExternalID string `db:"external_id"`
	Name       string `db:"name"`
	Color      string `db:"color"`
	Timezone   string `db:"timezone"`
	IsReadOnly bool   `db:"is_read_only"`
	IsPrimary  bool   `db:"is_primary"`
}

func (c Calendar) Convert() *opencalendar.Calendar {
	return &opencalendar.Calendar{
		ID:         c.ID,
		AccountID:  c.AccountID,
		ExternalID: c.ExternalID,
		Name:       c.Name,
		Color:      c.Color,
		Timezone:   c.Timezone,
		IsReadOnly: c.IsReadOnly,
		IsPrimary:  c.IsPrimary,
	}
}

type Event struct {
	ID          string       `db:"id"`
	CalendarID  string       `db:"calendar_id"`
	ExternalID  string       `db:"external_id"`
	ICSUID      string       `db:"ics_uid"`
	Title       string       `db:"title"`
	Description string       `db:"description"`
	Location    string       `db:"location"`
	URL         string       `db:"url"`
	StartsAt    time.Time    `db:"starts_at"`
	EndsAt      time.Time    `db:"ends_at"`
	AllDay      bool         `db:"all_day"`
	Timezone    string       `db:"timezone"`
	Status      string       `db:"status"`
	IsRecurring bool         `db:"is_recurring"`
	ETag        string       `db:"etag"`
	ICSData     string       `db:"ics_data"`
	UpdatedAt   sql.NullTime `db:"updated_at"`
}

func (e Event) Convert() *opencalendar.Event {
	return &opencalendar.Event{
		ID:          e.ID,
		CalendarID:  e.CalendarID,
		ExternalID:  e.ExternalID,
		ICSUID:      e.ICSUID,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		URL:         e.URL,
		StartsAt:    e.StartsAt,
		EndsAt:      e.EndsAt,
		AllDay:      e.AllDay,
		Timezone:    e.Timezone,
		Status:      e.Status,
		IsRecurring: e.IsRecurring,
		ETag:        e.ETag,
		ICSData:     e.ICSData,
		UpdatedAt:   e.UpdatedAt.Time,
	}
}

type EventRecurrence struct {
	EventID    string        `db:"event_id"`
	RRule      string        `db:"rrule"`
	RecurUntil sql.NullTime  `db:"recur_until"`
	RecurCount sql.NullInt64 `db:"recur_count"`
	ExDates    string        `db:"ex_dates"`
}

func (r EventRecurrence) Convert() *opencalendar.EventRecurrence {
	rec := &opencalendar.EventRecurrence{
		EventID: r.EventID,
		RRule:   r.RRule,
		ExDates: decodeExDates(r.ExDates),
	}
	if r.RecurUntil.Valid {
		t := r.RecurUntil.Time
		rec.RecurUntil = &t
	}
	if r.RecurCount.Valid {
		n := int(r.RecurCount.Int64)
		rec.RecurCount = &n
	}
	return rec
}

type SyncState struct {
	AccountID    string       `db:"account_id"`
	CalendarID   string       `db:"calendar_id"`
	Status       string       `db:"status"`
	SyncToken    string       `db:"sync_token"`
	LockedAt     sql.NullTime `db:"locked_at"`
	LastSyncAt   sql.NullTime `db:"last_sync_at"`
	ErrorMessage string       `db:"error_message"`
	UpdatedAt    sql.NullTime `db:"updated_at"`
}

func (s SyncState) Convert() *opencalendar.SyncState {
	return &opencalendar.SyncState{
		AccountID:    s.AccountID,
		CalendarID:   s.CalendarID,
		Status:       s.Status,
		SyncToken:    s.SyncToken,
		LockedAt:     s.LockedAt.Time,
		LastSyncAt:   s.LastSyncAt.Time,
		ErrorMessage: s.ErrorMessage,
		UpdatedAt:    s.UpdatedAt.Time,
	}
}

// Exception dates travel as a comma-joined RFC 3339 list; a recurrence rarely
// carries more than a handful.
func encodeExDates(dates []time.Time) string {
	if len(dates) == 0 {
		return ""
	}
	parts := make([]string, len(dates))
	for i, d := range dates {
		parts[i] = d.UTC().Format(time.RFC3339)
	}
	return strings.Join(parts, ",")
}

func decodeExDates(raw string) []time.Time {
	if raw == "" {
		return nil
	}
	var out []time.Time
	for _, part := range strings.Split(raw, ",") {
		if t, err := time.Parse(time.RFC3339, part); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
