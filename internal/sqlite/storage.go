// Package sqlite implements the store boundary on SQLite. A single file (or
// :memory: in tests) holds accounts, calendars, events, recurrences and the
// sync state rows that double as lock leases.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
)

const DriverName = "sqlite3"

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sql.DB) *Storage {
	s := &Storage{
		db: sqlx.NewDb(db, DriverName),
	}
	if err := s.RunMigrations(); err != nil {
		panic(fmt.Sprintf("sqlite: running migrations: %v", err))
	}
	return s
}

func (s *Storage) Account(ctx context.Context, id string) (*opencalendar.Account, error) {
	var acc Account
	err := s.db.GetContext(ctx, &acc, `SELECT * FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, opencalendar.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return acc.Convert(), nil
}

func (s *Storage) AccountsByUser(ctx context.Context, userID string) ([]*opencalendar.Account, error) {
	var accs []Account
	err := s.db.SelectContext(ctx, &accs, `
		SELECT * FROM accounts WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}

	res := make([]*opencalendar.Account, len(accs))
	for i, a := range accs {
		res[i] = a.Convert()
	}
	return res, nil
}

func (s *Storage) SaveAccount(ctx context.Context, account *opencalendar.Account) (*opencalendar.Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, provider, email, auth, is_active, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			auth = excluded.auth,
			is_active = excluded.is_active
	`, account.ID, account.UserID, account.Provider, account.Email,
		account.Auth, account.IsActive, nullTime(account.LastSyncAt))
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Storage) SaveAccountAuth(ctx context.Context, id, auth string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET auth = ? WHERE id = ?`, auth, id)
	return err
}

func (s *Storage) TouchAccountSync(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_sync_at = ? WHERE id = ?
	`, at, id)
	return err
}

func (s *Storage) Calendar(ctx context.Context, id string) (*opencalendar.Calendar, error) {
	var cal Calendar
	err := s.db.GetContext(ctx, &cal, `SELECT * FROM calendars WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calendar %s: %w", id, opencalendar.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cal.Convert(), nil
}

func (s *Storage) CalendarsByAccount(ctx context.Context, accountID string) ([]*opencalendar.Calendar, error) {
	var cals []Calendar
	err := s.db.SelectContext(ctx, &cals, `
		SELECT * FROM calendars WHERE account_id = ? ORDER BY is_primary DESC, name
	`, accountID)
	if err != nil {
		return nil, err
	}

	res := make([]*opencalendar.Calendar, len(cals))
	for i, c := range cals {
		res[i] = c.Convert()
	}
	return res, nil
}

// UpsertCalendar inserts or refreshes a calendar keyed by its provider
// identity (account_id, external_id) and returns the row with its local ID.
func (s *Storage) UpsertCalendar(ctx context.Context, cal *opencalendar.Calendar) (*opencalendar.Calendar, error) {
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendars (id, account_id, external_id, name, color, timezone, is_read_only, is_primary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			timezone = excluded.timezone,
			is_read_only = excluded.is_read_only,
			is_primary = excluded.is_primary
	`, cal.ID, cal.AccountID, cal.ExternalID, cal.Name, cal.Color,
		cal.Timezone, cal.IsReadOnly, cal.IsPrimary)
	if err != nil {
		return nil, err
	}

	// The conflict path keeps the existing ID; read it back.
	var stored Calendar
	err = s.db.GetContext(ctx, &stored, `
		SELECT * FROM calendars WHERE account_id = ? AND external_id = ?
	`, cal.AccountID, cal.ExternalID)
	if err != nil {
		return nil, err
	}
	return stored.Convert(), nil
}

// EventByCorrelation finds the event the key identifies inside one calendar.
// The ICS UID wins when both identifiers are set: external IDs can be
// reissued for the same logical event, UIDs cannot.
func (s *Storage) EventByCorrelation(ctx context.Context, calendarID string, key opencalendar.CorrelationKey) (*opencalendar.Event, error) {
	var ev Event
	if key.ICSUID != "" {
		err := s.db.GetContext(ctx, &ev, `
			SELECT * FROM events WHERE calendar_id = ? AND ics_uid = ?
		`, calendarID, key.ICSUID)
		if err == nil {
			return ev.Convert(), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	if key.ExternalID != "" {
		err := s.db.GetContext(ctx, &ev, `
			SELECT * FROM events WHERE calendar_id = ? AND external_id = ?
		`, calendarID, key.ExternalID)
		if err == nil {
			return ev.Convert(), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("event %s/%s: %w", key.ICSUID, key.ExternalID, opencalendar.ErrNotFound)
}

func (s *Storage) EventsByCalendar(ctx context.Context, calendarID string) ([]*opencalendar.Event, error) {
	var evs []Event
	err := s.db.SelectContext(ctx, &evs, `
		SELECT * FROM events WHERE calendar_id = ? ORDER BY starts_at
	`, calendarID)
	if err != nil {
		return nil, err
	}

	res := make([]*opencalendar.Event, len(evs))
	for i, e := range evs {
		res[i] = e.Convert()
	}
	return res, nil
}

func (s *Storage) UpsertEvent(ctx context.Context, event *opencalendar.Event) (*opencalendar.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, calendar_id, external_id, ics_uid, title, description,
			location, url, starts_at, ends_at, all_day, timezone, status,
			is_recurring, etag, ics_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			ics_uid = excluded.ics_uid,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			url = excluded.url,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			all_day = excluded.all_day,
			timezone = excluded.timezone,
			status = excluded.status,
			is_recurring = excluded.is_recurring,
			etag = excluded.etag,
			ics_data = excluded.ics_data,
			updated_at = excluded.updated_at
	`, event.ID, event.CalendarID, event.ExternalID, event.ICSUID, event.Title,
		event.Description, event.Location, event.URL, event.StartsAt, event.EndsAt,
		event.AllDay, event.Timezone, event.Status, event.IsRecurring,
		event.ETag, event.ICSData, event.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Storage) DeleteEvent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_recurrences WHERE event_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) UpsertRecurrence(ctx context.Context, rec *opencalendar.EventRecurrence) error {
	var until sql.NullTime
	if rec.RecurUntil != nil {
		until = sql.NullTime{Time: *rec.RecurUntil, Valid: true}
	}
	var count sql.NullInt64
	if rec.RecurCount != nil {
		count = sql.NullInt64{Int64: int64(*rec.RecurCount), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_recurrences (event_id, rrule, recur_until, recur_count, ex_dates)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			rrule = excluded.rrule,
			recur_until = excluded.recur_until,
			recur_count = excluded.recur_count,
			ex_dates = excluded.ex_dates
	`, rec.EventID, rec.RRule, until, count, encodeExDates(rec.ExDates))
	return err
}

func (s *Storage) Recurrence(ctx context.Context, eventID string) (*opencalendar.EventRecurrence, error) {
	var rec EventRecurrence
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM event_recurrences WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recurrence %s: %w", eventID, opencalendar.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec.Convert(), nil
}

func (s *Storage) DeleteRecurrence(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_recurrences WHERE event_id = ?`, eventID)
	return err
}

func (s *Storage) SyncState(ctx context.Context, accountID, calendarID string) (*opencalendar.SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st, `
		SELECT * FROM sync_states WHERE account_id = ? AND calendar_id = ?
	`, accountID, calendarID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state %s/%s: %w", accountID, calendarID, opencalendar.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return st.Convert(), nil
}

func (s *Storage) SetSyncState(ctx context.Context, state *opencalendar.SyncState) error {
	state.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_states (account_id, calendar_id, status, sync_token,
			locked_at, last_sync_at, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, calendar_id) DO UPDATE SET
			status = excluded.status,
			sync_token = excluded.sync_token,
			locked_at = excluded.locked_at,
			last_sync_at = excluded.last_sync_at,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, state.AccountID, state.CalendarID, state.Status, state.SyncToken,
		nullTime(state.LockedAt), nullTime(state.LastSyncAt),
		state.ErrorMessage, state.UpdatedAt)
	return err
}

// StaleSyncStates returns leases still marked syncing whose holder went quiet
// before olderThan.
func (s *Storage) StaleSyncStates(ctx context.Context, olderThan time.Time) ([]*opencalendar.SyncState, error) {
	var states []SyncState
	err := s.db.SelectContext(ctx, &states, `
		SELECT * FROM sync_states WHERE status = ? AND locked_at < ?
	`, opencalendar.SyncStatusSyncing, olderThan)
	if err != nil {
		return nil, err
	}

	res := make([]*opencalendar.SyncState, len(states))
	for i, st := range states {
		res[i] = st.Convert()
	}
	return res, nil
}
