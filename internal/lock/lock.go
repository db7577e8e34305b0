// Package lock coordinates concurrent sync runs. The lease lives on the sync
// state row itself: status "syncing" with a fresh locked_at means the key is
// held, and a lease older than the timeout is treated as abandoned by a
// crashed holder and taken over.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
)

// DefaultTimeout is how long a lease is honored before being presumed dead.
const DefaultTimeout = 5 * time.Minute

type Coordinator struct {
	store   opencalendar.Store
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// Serializes the check-and-set within one process. Cross-process races
	// remain possible; the short lease keeps their blast radius small.
	mu sync.Mutex
}

func NewCoordinator(store opencalendar.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		timeout: DefaultTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Acquire takes the lease for (accountID, calendarID). calendarID is empty
// for the account-level key. Returns ErrLocked when another holder's lease is
// still fresh.
func (c *Coordinator) Acquire(ctx context.Context, accountID, calendarID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	state, err := c.store.SyncState(ctx, accountID, calendarID)
	switch {
	case errors.Is(err, opencalendar.ErrNotFound):
		state = &opencalendar.SyncState{AccountID: accountID, CalendarID: calendarID}
	case err != nil:
		return err
	}

	if state.Status == opencalendar.SyncStatusSyncing {
		age := now.Sub(state.LockedAt)
		if age < c.timeout {
			return fmt.Errorf("%s held for %s: %w", key(accountID, calendarID),
				age.Round(time.Second), opencalendar.ErrLocked)
		}
		c.logger.Warn("taking over expired sync lock",
			"key", key(accountID, calendarID), "age", age.Round(time.Second))
	}

	state.Status = opencalendar.SyncStatusSyncing
	state.LockedAt = now
	state.ErrorMessage = ""
	return c.store.SetSyncState(ctx, state)
}

// Release drops the lease, recording the run's outcome. The sync token on the
// row survives so the next run resumes from the same cursor.
func (c *Coordinator) Release(ctx context.Context, accountID, calendarID string, runErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.SyncState(ctx, accountID, calendarID)
	if err != nil {
		return err
	}

	state.LockedAt = time.Time{}
	if runErr != nil {
		state.Status = opencalendar.SyncStatusError
		state.ErrorMessage = runErr.Error()
	} else {
		state.Status = opencalendar.SyncStatusIdle
		state.ErrorMessage = ""
		state.LastSyncAt = c.now().UTC()
	}
	return c.store.SetSyncState(ctx, state)
}

// WithLock runs fn under the lease. ran is false when the key was already
// held, which callers treat as "someone else is on it", not a failure of the
// work itself.
func (c *Coordinator) WithLock(ctx context.Context, accountID, calendarID string, fn func(ctx context.Context) error) (ran bool, err error) {
	if err := c.Acquire(ctx, accountID, calendarID); err != nil {
		if errors.Is(err, opencalendar.ErrLocked) {
			return false, err
		}
		return false, err
	}

	runErr := fn(ctx)
	if relErr := c.Release(ctx, accountID, calendarID, runErr); relErr != nil {
		c.logger.Error("releasing sync lock failed",
			"key", key(accountID, calendarID), "err", relErr)
	}
	return true, runErr
}

// SweepExpired resets leases whose holder went quiet past the timeout.
// Returns how many were reset.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	cutoff := c.now().UTC().Add(-c.timeout)
	stale, err := c.store.StaleSyncStates(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, state := range stale {
		state.Status = opencalendar.SyncStatusError
		state.ErrorMessage = "sync lock expired"
		state.LockedAt = time.Time{}
		if err := c.store.SetSyncState(ctx, state); err != nil {
			return reset, err
		}
		c.logger.Info("reset expired sync lock",
			"key", key(state.AccountID, state.CalendarID))
		reset++
	}
	return reset, nil
}

func key(accountID, calendarID string) string {
	if calendarID == "" {
		return "sync:" + accountID
	}
	return "sync:" + accountID + ":" + calendarID
}
