package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
	"github.com/OpenCalendarsHQ/opencalendar-sync/internal/lock"
)

// fakeStore is an in-memory Store for exercising the syncer without sqlite.
type fakeStore struct {
	mu          sync.Mutex
	accounts    map[string]*opencalendar.Account
	calendars   map[string]*opencalendar.Calendar
	events      map[string]*opencalendar.Event
	recurrences map[string]*opencalendar.EventRecurrence
	states      map[string]*opencalendar.SyncState

	eventWrites int
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:    map[string]*opencalendar.Account{},
		calendars:   map[string]*opencalendar.Calendar{},
		events:      map[string]*opencalendar.Event{},
		recurrences: map[string]*opencalendar.EventRecurrence{},
		states:      map[string]*opencalendar.SyncState{},
	}
}

func (f *fakeStore) id() string {
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeStore) Account(_ context.Context, id string) (*opencalendar.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[id]
	if !ok {
		return nil, opencalendar.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeStore) AccountsByUser(_ context.Context, userID string) ([]*opencalendar.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*opencalendar.Account
	for _, acc := range f.accounts {
		if acc.UserID == userID {
			cp := *acc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveAccountAuth(_ context.Context, id, auth string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.accounts[id]; ok {
		acc.Auth = auth
	}
	return nil
}

func (f *fakeStore) TouchAccountSync(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.accounts[id]; ok {
		acc.LastSyncAt = at
	}
	return nil
}

func (f *fakeStore) Calendar(_ context.Context, id string) (*opencalendar.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cal, ok := f.calendars[id]
	if !ok {
		return nil, opencalendar.ErrNotFound
	}
	cp := *cal
	return &cp, nil
}

func (f *fakeStore) CalendarsByAccount(_ context.Context, accountID string) ([]*opencalendar.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*opencalendar.Calendar
	for _, cal := range f.calendars {
		if cal.AccountID == accountID {
			cp := *cal
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertCalendar(_ context.Context, cal *opencalendar.Calendar) (*opencalendar.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.calendars {
		if existing.AccountID == cal.AccountID && existing.ExternalID == cal.ExternalID {
			cal.ID = existing.ID
			cp := *cal
			f.calendars[cal.ID] = &cp
			return cal, nil
		}
	}
	if cal.ID == "" {
		cal.ID = f.id()
	}
	cp := *cal
	f.calendars[cal.ID] = &cp
	return cal, nil
}

func (f *fakeStore) EventByCorrelation(_ context.Context, calendarID string, key opencalendar.CorrelationKey) (*opencalendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key.ICSUID != "" {
		for _, ev := range f.events {
			if ev.CalendarID == calendarID && ev.ICSUID == key.ICSUID {
				cp := *ev
				return &cp, nil
			}
		}
	}
	if key.ExternalID != "" {
		for _, ev := range f.events {
			if ev.CalendarID == calendarID && ev.ExternalID == key.ExternalID {
				cp := *ev
				return &cp, nil
			}
		}
	}
	return nil, opencalendar.ErrNotFound
}

func (f *fakeStore) EventsByCalendar(_ context.Context, calendarID string) ([]*opencalendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*opencalendar.Event
	for _, ev := range f.events {
		if ev.CalendarID == calendarID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertEvent(_ context.Context, event *opencalendar.Event) (*opencalendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.ID == "" {
		event.ID = f.id()
	}
	cp := *event
	f.events[event.ID] = &cp
	f.eventWrites++
	return event, nil
}

func (f *fakeStore) DeleteEvent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
	delete(f.recurrences, id)
	return nil
}

func (f *fakeStore) UpsertRecurrence(_ context.Context, rec *opencalendar.EventRecurrence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recurrences[rec.EventID] = &cp
	return nil
}

func (f *fakeStore) DeleteRecurrence(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recurrences, eventID)
	return nil
}

func stateKey(accountID, calendarID string) string {
	return accountID + "\x00" + calendarID
}

func (f *fakeStore) SyncState(_ context.Context, accountID, calendarID string) (*opencalendar.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateKey(accountID, calendarID)]
	if !ok {
		return nil, opencalendar.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) SetSyncState(_ context.Context, state *opencalendar.SyncState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *state
	f.states[stateKey(state.AccountID, state.CalendarID)] = &cp
	return nil
}

func (f *fakeStore) StaleSyncStates(_ context.Context, olderThan time.Time) ([]*opencalendar.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*opencalendar.SyncState
	for _, st := range f.states {
		if st.Status == opencalendar.SyncStatusSyncing && st.LockedAt.Before(olderThan) {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeProvider returns canned calendars and deltas.
type fakeProvider struct {
	calendars []opencalendar.RemoteCalendar
	pull      func(cursor string) (*opencalendar.EventDelta, error)
	listErr   error
}

func (p *fakeProvider) ListCalendars(context.Context, *opencalendar.Account) ([]opencalendar.RemoteCalendar, error) {
	return p.calendars, p.listErr
}

func (p *fakeProvider) PullEvents(_ context.Context, _ *opencalendar.Account, _ *opencalendar.Calendar, cursor string) (*opencalendar.EventDelta, error) {
	return p.pull(cursor)
}

func (p *fakeProvider) CreateEvent(context.Context, *opencalendar.Account, *opencalendar.Calendar, *opencalendar.Event) (*opencalendar.RemoteEvent, error) {
	return nil, nil
}

func (p *fakeProvider) UpdateEvent(context.Context, *opencalendar.Account, *opencalendar.Calendar, *opencalendar.Event) error {
	return nil
}

func (p *fakeProvider) DeleteEvent(context.Context, *opencalendar.Account, *opencalendar.Calendar, *opencalendar.Event) error {
	return nil
}

type fakeMux struct{ provider opencalendar.Provider }

func (m fakeMux) Get(string) (opencalendar.Provider, error) { return m.provider, nil }

func remoteEvent(uid, ext, title string) opencalendar.RemoteEvent {
	return opencalendar.RemoteEvent{
		ICSUID:     uid,
		ExternalID: ext,
		Title:      title,
		StartsAt:   time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		Status:     "confirmed",
	}
}

func setup(t *testing.T, provider opencalendar.Provider) (*Syncer, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	store.accounts["acc-1"] = &opencalendar.Account{
		ID: "acc-1", UserID: "user-1", Provider: opencalendar.ProviderGoogle, IsActive: true,
	}
	s := New(store, fakeMux{provider}, nil, nil)
	return s, store
}

func TestSyncAccountHappyPath(t *testing.T) {
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{
			{ExternalID: "remote-1", Name: "Work", IsPrimary: true},
		},
		pull: func(string) (*opencalendar.EventDelta, error) {
			return &opencalendar.EventDelta{
				Events:     []opencalendar.RemoteEvent{remoteEvent("u1", "e1", "Standup")},
				NextCursor: "cursor-1",
			}, nil
		},
	}
	s, store := setup(t, provider)

	result, err := s.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.CalendarsSynced != 1 || result.EventsSynced != 1 {
		t.Errorf("counters = %d calendars, %d events", result.CalendarsSynced, result.EventsSynced)
	}
	if len(store.calendars) != 1 || len(store.events) != 1 {
		t.Errorf("stored %d calendars, %d events", len(store.calendars), len(store.events))
	}
	if store.accounts["acc-1"].LastSyncAt.IsZero() {
		t.Error("account sync time not touched")
	}

	// The cursor must be persisted for the next run.
	var calID string
	for id := range store.calendars {
		calID = id
	}
	st, err := store.SyncState(context.Background(), "acc-1", calID)
	if err != nil {
		t.Fatal(err)
	}
	if st.SyncToken != "cursor-1" {
		t.Errorf("SyncToken = %q", st.SyncToken)
	}
}

func TestSyncAccountMissing(t *testing.T) {
	s, _ := setup(t, &fakeProvider{})

	result, err := s.SyncAccount(context.Background(), "nope")
	if err != nil {
		t.Fatalf("missing account must not be an error: %v", err)
	}
	if result.Success || len(result.Errors) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestSyncAccountLocalIsNoOp(t *testing.T) {
	s, store := setup(t, &fakeProvider{})
	store.accounts["acc-1"].Provider = opencalendar.ProviderLocal

	result, err := s.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.CalendarsSynced != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestSyncAccountLockContention(t *testing.T) {
	provider := &fakeProvider{
		pull: func(string) (*opencalendar.EventDelta, error) {
			return &opencalendar.EventDelta{}, nil
		},
	}
	s, store := setup(t, provider)

	locks := lock.NewCoordinator(store, nil)
	s.locks = locks
	if err := locks.Acquire(context.Background(), "acc-1", ""); err != nil {
		t.Fatal(err)
	}

	result, err := s.SyncAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Error("contended sync should not report success")
	}
	if len(result.Errors) != 1 || result.Errors[0] != "sync already in progress" {
		t.Errorf("Errors = %v", result.Errors)
	}
}

func TestFullListingSweepsRemoteDeletions(t *testing.T) {
	listing := []opencalendar.RemoteEvent{
		remoteEvent("u1", "e1", "Keep me"),
		remoteEvent("u2", "e2", "Me too"),
	}
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(string) (*opencalendar.EventDelta, error) {
			return &opencalendar.EventDelta{Events: listing, Full: true}, nil
		},
	}
	s, store := setup(t, provider)

	ctx := context.Background()
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if len(store.events) != 2 {
		t.Fatalf("stored %d events, want 2", len(store.events))
	}

	// Second pull: u2 vanished from the full listing, so it was deleted
	// remotely and must be swept locally.
	listing = listing[:1]
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if len(store.events) != 1 {
		t.Fatalf("stored %d events after sweep, want 1", len(store.events))
	}
	for _, ev := range store.events {
		if ev.ICSUID != "u1" {
			t.Errorf("surviving event = %+v", ev)
		}
	}
}

func TestIncrementalDeltaNeverSweeps(t *testing.T) {
	pulls := 0
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(string) (*opencalendar.EventDelta, error) {
			pulls++
			if pulls == 1 {
				return &opencalendar.EventDelta{
					Events: []opencalendar.RemoteEvent{
						remoteEvent("u1", "e1", "First"),
						remoteEvent("u2", "e2", "Second"),
					},
					NextCursor: "c1",
				}, nil
			}
			// Incremental: only u1 changed; u2's absence means unchanged.
			return &opencalendar.EventDelta{
				Events:     []opencalendar.RemoteEvent{remoteEvent("u1", "e1", "First v2")},
				DeletedIDs: []string{"e-gone"},
				NextCursor: "c2",
			}, nil
		},
	}
	s, store := setup(t, provider)

	ctx := context.Background()
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}

	if len(store.events) != 2 {
		t.Fatalf("stored %d events, want 2 (no sweep on incremental)", len(store.events))
	}
}

func TestIncrementalDeletedIDs(t *testing.T) {
	pulls := 0
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(string) (*opencalendar.EventDelta, error) {
			pulls++
			if pulls == 1 {
				return &opencalendar.EventDelta{
					Events:     []opencalendar.RemoteEvent{remoteEvent("u1", "e1", "Doomed")},
					NextCursor: "c1",
				}, nil
			}
			return &opencalendar.EventDelta{DeletedIDs: []string{"e1"}, NextCursor: "c2"}, nil
		},
	}
	s, store := setup(t, provider)

	ctx := context.Background()
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if len(store.events) != 0 {
		t.Fatalf("stored %d events, want 0", len(store.events))
	}
}

func TestInvalidCursorRetriesFromScratch(t *testing.T) {
	var cursors []string
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(cursor string) (*opencalendar.EventDelta, error) {
			cursors = append(cursors, cursor)
			if cursor != "" {
				return nil, opencalendar.ErrInvalidCursor
			}
			return &opencalendar.EventDelta{
				Events:     []opencalendar.RemoteEvent{remoteEvent("u1", "e1", "Back")},
				NextCursor: "fresh",
				Full:       true,
			}, nil
		},
	}
	s, store := setup(t, provider)

	ctx := context.Background()
	// Seed a stale cursor on the calendar's sync state.
	cal, err := store.UpsertCalendar(ctx, &opencalendar.Calendar{
		AccountID: "acc-1", ExternalID: "remote-1", Name: "Work",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetSyncState(ctx, &opencalendar.SyncState{
		AccountID: "acc-1", CalendarID: cal.ID, Status: opencalendar.SyncStatusIdle,
		SyncToken: "stale",
	}); err != nil {
		t.Fatal(err)
	}

	result, err := s.SyncAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(cursors) != 2 || cursors[0] != "stale" || cursors[1] != "" {
		t.Errorf("cursors = %v", cursors)
	}
	st, err := store.SyncState(ctx, "acc-1", cal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.SyncToken != "fresh" {
		t.Errorf("SyncToken = %q", st.SyncToken)
	}
}

func TestRebindExternalIDOnUIDMatch(t *testing.T) {
	pulls := 0
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(string) (*opencalendar.EventDelta, error) {
			pulls++
			ext := "/cal/old-path.ics"
			if pulls > 1 {
				ext = "/cal/new-path.ics"
			}
			ev := remoteEvent("shared-uid", ext, "Moved")
			ev.ETag = fmt.Sprintf("v%d", pulls)
			return &opencalendar.EventDelta{
				Events: []opencalendar.RemoteEvent{ev},
				Full:   true,
			}, nil
		},
	}
	s, store := setup(t, provider)

	ctx := context.Background()
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}

	if len(store.events) != 1 {
		t.Fatalf("stored %d events, want 1 (rebind, not duplicate)", len(store.events))
	}
	for _, ev := range store.events {
		if ev.ExternalID != "/cal/new-path.ics" {
			t.Errorf("ExternalID = %q", ev.ExternalID)
		}
	}
}

func TestEtagShortCircuit(t *testing.T) {
	ev := remoteEvent("u1", "e1", "Stable")
	ev.ETag = "same"
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(string) (*opencalendar.EventDelta, error) {
			return &opencalendar.EventDelta{Events: []opencalendar.RemoteEvent{ev}, Full: true}, nil
		},
	}
	s, store := setup(t, provider)

	ctx := context.Background()
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	writes := store.eventWrites
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if store.eventWrites != writes {
		t.Errorf("unchanged event was rewritten: %d -> %d writes", writes, store.eventWrites)
	}
	if len(store.events) != 1 {
		t.Errorf("stored %d events", len(store.events))
	}
}

func TestRecurrencePersistence(t *testing.T) {
	rule := "FREQ=WEEKLY;COUNT=10;BYDAY=MO"
	pulls := 0
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(string) (*opencalendar.EventDelta, error) {
			pulls++
			ev := remoteEvent("u-rec", "e-rec", "Series")
			ev.ETag = fmt.Sprintf("v%d", pulls)
			if pulls == 1 {
				ev.RRule = rule
				ev.ExDates = []time.Time{time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)}
			}
			return &opencalendar.EventDelta{Events: []opencalendar.RemoteEvent{ev}, Full: true}, nil
		},
	}
	s, store := setup(t, provider)

	ctx := context.Background()
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}

	var stored *opencalendar.Event
	for _, e := range store.events {
		stored = e
	}
	if stored == nil || !stored.IsRecurring {
		t.Fatalf("stored = %+v", stored)
	}
	rec, ok := store.recurrences[stored.ID]
	if !ok {
		t.Fatal("recurrence row missing")
	}
	if rec.RRule != rule {
		t.Errorf("RRule = %q", rec.RRule)
	}
	if rec.RecurCount == nil || *rec.RecurCount != 10 {
		t.Errorf("RecurCount = %v", rec.RecurCount)
	}
	if len(rec.ExDates) != 1 {
		t.Errorf("ExDates = %v", rec.ExDates)
	}

	// The series became a one-off: the recurrence row goes away.
	if _, err := s.SyncAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.recurrences[stored.ID]; ok {
		t.Error("recurrence row should be deleted when the rule is gone")
	}
	if store.events[stored.ID].IsRecurring {
		t.Error("IsRecurring should be cleared")
	}
}

func TestLongFinishedSeriesSkipped(t *testing.T) {
	ev := remoteEvent("u-old", "e-old", "Ancient series")
	ev.RRule = "FREQ=WEEKLY;UNTIL=20200101T000000Z"
	provider := &fakeProvider{
		calendars: []opencalendar.RemoteCalendar{{ExternalID: "remote-1", Name: "Work"}},
		pull: func(string) (*opencalendar.EventDelta, error) {
			return &opencalendar.EventDelta{Events: []opencalendar.RemoteEvent{ev}, Full: true}, nil
		},
	}
	s, store := setup(t, provider)

	if _, err := s.SyncAccount(context.Background(), "acc-1"); err != nil {
		t.Fatal(err)
	}
	if len(store.events) != 0 {
		t.Errorf("stored %d events, want 0 (series ended years ago)", len(store.events))
	}
}

func TestSyncAllAccounts(t *testing.T) {
	provider := &fakeProvider{
		pull: func(string) (*opencalendar.EventDelta, error) {
			return &opencalendar.EventDelta{}, nil
		},
	}
	s, store := setup(t, provider)
	store.accounts["acc-2"] = &opencalendar.Account{
		ID: "acc-2", UserID: "user-1", Provider: opencalendar.ProviderCalDAV, IsActive: true,
	}
	store.accounts["acc-3"] = &opencalendar.Account{
		ID: "acc-3", UserID: "user-1", Provider: opencalendar.ProviderCalDAV, IsActive: false,
	}
	store.accounts["other"] = &opencalendar.Account{
		ID: "other", UserID: "user-2", Provider: opencalendar.ProviderCalDAV, IsActive: true,
	}

	results, err := s.SyncAllAccounts(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (inactive and foreign accounts skipped)", len(results))
	}
}
