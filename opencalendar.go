// Package opencalendar holds the domain model shared by the sync core: the
// local entities (accounts, calendars, events, recurrences, sync state), the
// provider contract every backend adapter implements, and the store boundary
// the core persists through.
package opencalendar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Provider platform identifiers as stored on Account.Provider.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderICloud    = "icloud"
	ProviderCalDAV    = "caldav"
	ProviderLocal     = "local"
)

// Account is one connected external identity. Auth is a JSON blob whose shape
// depends on the provider: an oauth2 token for google/microsoft, basic-auth
// credentials for caldav/icloud.
type Account struct {
	ID         string
	UserID     string
	Provider   string
	Email      string
	Auth       string
	IsActive   bool
	LastSyncAt time.Time
}

// OAuthToken decodes the account's auth blob as an oauth2 token.
func (a *Account) OAuthToken() (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(a.Auth), &tok); err != nil {
		return nil, fmt.Errorf("account %s: decoding oauth token: %w", a.ID, err)
	}
	return &tok, nil
}

// BasicAuth holds CalDAV credentials: an app-specific password plus an
// optional server URL for generic (non-iCloud) servers.
type BasicAuth struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ServerURL string `json:"server_url,omitempty"`
}

// BasicAuth decodes the account's auth blob as CalDAV credentials.
func (a *Account) BasicAuth() (*BasicAuth, error) {
	var auth BasicAuth
	if err := json.Unmarshal([]byte(a.Auth), &auth); err != nil {
		return nil, fmt.Errorf("account %s: decoding basic auth: %w", a.ID, err)
	}
	return &auth, nil
}

// Calendar is a local calendar row. ExternalID is the provider's resource
// identifier: a Google/Microsoft calendar id or a CalDAV collection URL.
// Local calendars have an empty AccountID.
type Calendar struct {
	ID         string
	AccountID  string
	ExternalID string
	Name       string
	Color      string
	Timezone   string
	IsReadOnly bool
	IsPrimary  bool
}

func (c Calendar) String() string {
	return c.AccountID + "/" + c.Name
}

// Event is a local event row. Within one calendar an event is unique by
// ICSUID when present, else by ExternalID; ExternalID may be reissued by the
// provider for the same logical event, ICSUID may not.
type Event struct {
	ID          string
	CalendarID  string
	ExternalID  string
	ICSUID      string
	Title       string
	Description string
	Location    string
	URL         string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	Timezone    string
	Status      string
	IsRecurring bool
	ETag        string
	ICSData     string
	UpdatedAt   time.Time
}

// CorrelationKey is the identity an event is reconciled by.
func (e *Event) CorrelationKey() CorrelationKey {
	return CorrelationKey{ICSUID: e.ICSUID, ExternalID: e.ExternalID}
}

// CorrelationKey identifies a remote event across syncs. ICSUID wins when
// both are set.
type CorrelationKey struct {
	ICSUID     string
	ExternalID string
}

// EventRecurrence is the 0-or-1 recurrence row owned by an event.
type EventRecurrence struct {
	EventID    string
	RRule      string
	RecurUntil *time.Time
	RecurCount *int
	ExDates    []time.Time
}

// Sync status values for SyncState.Status.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// SyncState is the per-(account) and per-(account, calendar) sync record. It
// doubles as the lock lease: Status "syncing" with a fresh LockedAt means the
// key is held. CalendarID is empty for the account-level record.
type SyncState struct {
	AccountID    string
	CalendarID   string
	Status       string
	SyncToken    string
	LockedAt     time.Time
	LastSyncAt   time.Time
	ErrorMessage string
	UpdatedAt    time.Time
}

// RemoteCalendar is a calendar as listed by a provider.
type RemoteCalendar struct {
	ExternalID string
	Name       string
	Color      string
	Timezone   string
	IsReadOnly bool
	IsPrimary  bool
}

// RemoteEvent is an event as pulled from a provider, normalized but carrying
// the raw payload and recurrence so the core can persist them.
type RemoteEvent struct {
	ExternalID  string
	ICSUID      string
	Title       string
	Description string
	Location    string
	URL         string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	Timezone    string
	Status      string
	ETag        string
	ICSData     string
	RRule       string
	ExDates     []time.Time
}

// EventDelta is the result of one PullEvents call. Full reports whether
// Events is a complete listing of the calendar, in which case the caller may
// infer remote deletions by diffing against its stored set. Incremental pulls
// (Google sync tokens) set Full false and report deletions in DeletedIDs.
type EventDelta struct {
	Events     []RemoteEvent
	DeletedIDs []string
	NextCursor string
	Full       bool
}

// Provider is the uniform adapter contract. One implementation per backend,
// injected into the sync manager through a Mux.
type Provider interface {
	ListCalendars(ctx context.Context, account *Account) ([]RemoteCalendar, error)
	PullEvents(ctx context.Context, account *Account, cal *Calendar, cursor string) (*EventDelta, error)
	CreateEvent(ctx context.Context, account *Account, cal *Calendar, event *Event) (*RemoteEvent, error)
	UpdateEvent(ctx context.Context, account *Account, cal *Calendar, event *Event) error
	DeleteEvent(ctx context.Context, account *Account, cal *Calendar, event *Event) error
}

// Mux resolves a provider by platform name.
type Mux interface {
	Get(provider string) (Provider, error)
}

// Store is the persistence boundary consumed by the sync core. The core never
// issues queries beyond these shapes.
type Store interface {
	Account(ctx context.Context, id string) (*Account, error)
	AccountsByUser(ctx context.Context, userID string) ([]*Account, error)
	SaveAccountAuth(ctx context.Context, id, auth string) error
	TouchAccountSync(ctx context.Context, id string, at time.Time) error

	Calendar(ctx context.Context, id string) (*Calendar, error)
	CalendarsByAccount(ctx context.Context, accountID string) ([]*Calendar, error)
	UpsertCalendar(ctx context.Context, cal *Calendar) (*Calendar, error)

	EventByCorrelation(ctx context.Context, calendarID string, key CorrelationKey) (*Event, error)
	EventsByCalendar(ctx context.Context, calendarID string) ([]*Event, error)
	UpsertEvent(ctx context.Context, event *Event) (*Event, error)
	DeleteEvent(ctx context.Context, id string) error

	UpsertRecurrence(ctx context.Context, rec *EventRecurrence) error
	DeleteRecurrence(ctx context.Context, eventID string) error

	SyncState(ctx context.Context, accountID, calendarID string) (*SyncState, error)
	SetSyncState(ctx context.Context, state *SyncState) error
	StaleSyncStates(ctx context.Context, olderThan time.Time) ([]*SyncState, error)
}

// SyncResult is what a sync run reports back to its caller. Expected failures
// (lock contention, provider errors on individual calendars) are collected in
// Errors; the run itself only returns an error for programming mistakes.
type SyncResult struct {
	AccountID       string
	Provider        string
	Success         bool
	CalendarsSynced int
	EventsSynced    int
	Errors          []string
}
