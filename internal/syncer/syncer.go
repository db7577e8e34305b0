// Package syncer drives sync runs: it resolves the account's provider, takes
// the sync locks, refreshes the calendar list and reconciles each calendar's
// remote events into the store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
	"github.com/OpenCalendarsHQ/opencalendar-sync/internal/lock"
)

// Locker is the slice of the lock coordinator the syncer needs.
type Locker interface {
	WithLock(ctx context.Context, accountID, calendarID string, fn func(ctx context.Context) error) (bool, error)
}

type Syncer struct {
	store  opencalendar.Store
	mux    opencalendar.Mux
	locks  Locker
	logger *slog.Logger
	now    func() time.Time
}

func New(store opencalendar.Store, mux opencalendar.Mux, locks Locker, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = lock.NewCoordinator(store, logger)
	}
	return &Syncer{
		store:  store,
		mux:    mux,
		locks:  locks,
		logger: logger,
		now:    time.Now,
	}
}

// SyncAccount runs one full sync of the account: refresh the calendar list,
// then reconcile each calendar. Expected failures (missing account, lock
// contention, provider errors) land in the result; the error return is for
// store failures only.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) (*opencalendar.SyncResult, error) {
	result := &opencalendar.SyncResult{AccountID: accountID}

	account, err := s.store.Account(ctx, accountID)
	if errors.Is(err, opencalendar.ErrNotFound) {
		result.Errors = append(result.Errors, fmt.Sprintf("account %s not found", accountID))
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Provider = account.Provider

	if !account.IsActive {
		result.Errors = append(result.Errors, fmt.Sprintf("account %s is disabled", accountID))
		return result, nil
	}
	if account.Provider == opencalendar.ProviderLocal {
		// Local calendars have no remote side.
		result.Success = true
		return result, nil
	}

	provider, err := s.mux.Get(account.Provider)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	// Adapters with a cheap connection check get probed before an account's
	// first sync, so bad credentials fail fast instead of mid-run.
	if pinger, ok := provider.(interface {
		Ping(ctx context.Context, account *opencalendar.Account) error
	}); ok && account.LastSyncAt.IsZero() {
		if err := pinger.Ping(ctx, account); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result, nil
		}
	}

	ran, err := s.locks.WithLock(ctx, accountID, "", func(ctx context.Context) error {
		return s.syncCalendarList(ctx, provider, account)
	})
	if !ran {
		result.Errors = append(result.Errors, "sync already in progress")
		return result, nil
	}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	calendars, err := s.store.CalendarsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	for _, cal := range calendars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ran, err := s.locks.WithLock(ctx, accountID, cal.ID, func(ctx context.Context) error {
			synced, err := s.syncCalendar(ctx, provider, account, cal)
			result.EventsSynced += synced
			return err
		})
		if !ran {
			s.logger.Info("calendar sync already in progress, skipping",
				"account", accountID, "calendar", cal.ID)
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("calendar %s: %v", cal.Name, err))
			if opencalendar.IsAuthError(err) {
				// The remaining calendars would fail the same way.
				break
			}
			continue
		}
		result.CalendarsSynced++
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		if err := s.store.TouchAccountSync(ctx, accountID, s.now().UTC()); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// SyncAllAccounts fans out over the user's active accounts, one goroutine
// each. Accounts are independent; one failing does not stop the others.
func (s *Syncer) SyncAllAccounts(ctx context.Context, userID string) ([]*opencalendar.SyncResult, error) {
	accounts, err := s.store.AccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []*opencalendar.SyncResult
	)
	for _, account := range accounts {
		if !account.IsActive {
			continue
		}

		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			res, err := s.SyncAccount(ctx, accountID)
			if err != nil {
				res = &opencalendar.SyncResult{
					AccountID: accountID,
					Errors:    []string{err.Error()},
				}
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(account.ID)
	}
	wg.Wait()
	return results, nil
}

func (s *Syncer) syncCalendarList(ctx context.Context, provider opencalendar.Provider, account *opencalendar.Account) error {
	remote, err := provider.ListCalendars(ctx, account)
	if err != nil {
		return err
	}

	for _, rc := range remote {
		_, err := s.store.UpsertCalendar(ctx, &opencalendar.Calendar{
			AccountID:  account.ID,
			ExternalID: rc.ExternalID,
			Name:       rc.Name,
			Color:      rc.Color,
			Timezone:   rc.Timezone,
			IsReadOnly: rc.IsReadOnly,
			IsPrimary:  rc.IsPrimary,
		})
		if err != nil {
			return err
		}
	}
	s.logger.Debug("calendar list refreshed",
		"account", account.ID, "calendars", len(remote))
	return nil
}

// syncCalendar pulls the calendar's delta and reconciles it. An invalid
// cursor is cleared and the pull retried once from scratch.
func (s *Syncer) syncCalendar(ctx context.Context, provider opencalendar.Provider, account *opencalendar.Account, cal *opencalendar.Calendar) (int, error) {
	cursor := ""
	state, err := s.store.SyncState(ctx, account.ID, cal.ID)
	if err == nil {
		cursor = state.SyncToken
	} else if !errors.Is(err, opencalendar.ErrNotFound) {
		return 0, err
	}

	delta, err := provider.PullEvents(ctx, account, cal, cursor)
	if errors.Is(err, opencalendar.ErrInvalidCursor) && cursor != "" {
		s.logger.Warn("sync cursor rejected, falling back to full fetch",
			"account", account.ID, "calendar", cal.ID)
		if err := s.saveCursor(ctx, account.ID, cal.ID, ""); err != nil {
			return 0, err
		}
		delta, err = provider.PullEvents(ctx, account, cal, "")
	}
	if err != nil {
		return 0, err
	}

	synced, err := s.reconcile(ctx, cal, delta)
	if err != nil {
		return synced, err
	}

	if delta.NextCursor != "" && delta.NextCursor != cursor {
		if err := s.saveCursor(ctx, account.ID, cal.ID, delta.NextCursor); err != nil {
			return synced, err
		}
	}
	return synced, nil
}

// saveCursor stores the new sync token without disturbing the lock fields the
// coordinator manages on the same row.
func (s *Syncer) saveCursor(ctx context.Context, accountID, calendarID, cursor string) error {
	state, err := s.store.SyncState(ctx, accountID, calendarID)
	if errors.Is(err, opencalendar.ErrNotFound) {
		state = &opencalendar.SyncState{AccountID: accountID, CalendarID: calendarID}
	} else if err != nil {
		return err
	}
	state.SyncToken = cursor
	return s.store.SetSyncState(ctx, state)
}
