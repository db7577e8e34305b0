package lock

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
	"github.com/OpenCalendarsHQ/opencalendar-sync/internal/sqlite"
)

func newCoordinator(t *testing.T) (*Coordinator, *sqlite.Storage) {
	t.Helper()
	db, err := sql.Open(sqlite.DriverName, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Every pooled connection gets its own :memory: database; keep one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewStorage(db)
	return NewCoordinator(store, nil), store
}

func TestAcquireRelease(t *testing.T) {
	c, store := newCoordinator(t)
	ctx := context.Background()

	if err := c.Acquire(ctx, "acc", "cal"); err != nil {
		t.Fatal(err)
	}

	state, err := store.SyncState(ctx, "acc", "cal")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != opencalendar.SyncStatusSyncing {
		t.Errorf("Status = %q", state.Status)
	}
	if state.LockedAt.IsZero() {
		t.Error("LockedAt not set")
	}

	if err := c.Release(ctx, "acc", "cal", nil); err != nil {
		t.Fatal(err)
	}
	state, err = store.SyncState(ctx, "acc", "cal")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != opencalendar.SyncStatusIdle {
		t.Errorf("Status = %q", state.Status)
	}
	if !state.LockedAt.IsZero() {
		t.Error("LockedAt should be cleared")
	}
}

func TestAcquireHeldLock(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	if err := c.Acquire(ctx, "acc", "cal"); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire(ctx, "acc", "cal"); !errors.Is(err, opencalendar.ErrLocked) {
		t.Fatalf("second acquire should be ErrLocked, got %v", err)
	}

	// A different key is unaffected.
	if err := c.Acquire(ctx, "acc", "other"); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireExpiredLockTakenOver(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	held := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return held }
	if err := c.Acquire(ctx, "acc", "cal"); err != nil {
		t.Fatal(err)
	}

	// Just under the timeout: still held.
	c.now = func() time.Time { return held.Add(DefaultTimeout - time.Second) }
	if err := c.Acquire(ctx, "acc", "cal"); !errors.Is(err, opencalendar.ErrLocked) {
		t.Fatalf("lease should still be honored, got %v", err)
	}

	// Past the timeout: presumed dead, taken over.
	c.now = func() time.Time { return held.Add(DefaultTimeout + time.Second) }
	if err := c.Acquire(ctx, "acc", "cal"); err != nil {
		t.Fatalf("expired lease should be taken over, got %v", err)
	}
}

func TestReleaseKeepsSyncToken(t *testing.T) {
	c, store := newCoordinator(t)
	ctx := context.Background()

	if err := c.Acquire(ctx, "acc", "cal"); err != nil {
		t.Fatal(err)
	}
	state, err := store.SyncState(ctx, "acc", "cal")
	if err != nil {
		t.Fatal(err)
	}
	state.SyncToken = "cursor-keep"
	if err := store.SetSyncState(ctx, state); err != nil {
		t.Fatal(err)
	}

	if err := c.Release(ctx, "acc", "cal", nil); err != nil {
		t.Fatal(err)
	}
	state, err = store.SyncState(ctx, "acc", "cal")
	if err != nil {
		t.Fatal(err)
	}
	if state.SyncToken != "cursor-keep" {
		t.Errorf("SyncToken = %q, want cursor-keep", state.SyncToken)
	}
}

func TestReleaseRecordsError(t *testing.T) {
	c, store := newCoordinator(t)
	ctx := context.Background()

	if err := c.Acquire(ctx, "acc", "cal"); err != nil {
		t.Fatal(err)
	}
	if err := c.Release(ctx, "acc", "cal", errors.New("provider blew up")); err != nil {
		t.Fatal(err)
	}

	state, err := store.SyncState(ctx, "acc", "cal")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != opencalendar.SyncStatusError {
		t.Errorf("Status = %q", state.Status)
	}
	if state.ErrorMessage != "provider blew up" {
		t.Errorf("ErrorMessage = %q", state.ErrorMessage)
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	var running, maxRunning, ranCount int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran, _ := c.WithLock(ctx, "acc", "cal", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxRunning) {
					atomic.StoreInt32(&maxRunning, n)
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			if ran {
				atomic.AddInt32(&ranCount, 1)
			}
		}()
	}
	wg.Wait()

	if maxRunning > 1 {
		t.Errorf("%d holders ran concurrently", maxRunning)
	}
	if ranCount == 0 {
		t.Error("no goroutine got the lock")
	}
}

func TestWithLockReportsContention(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	if err := c.Acquire(ctx, "acc", "cal"); err != nil {
		t.Fatal(err)
	}

	ran, err := c.WithLock(ctx, "acc", "cal", func(ctx context.Context) error {
		t.Fatal("body must not run while the lock is held")
		return nil
	})
	if ran {
		t.Error("ran should be false")
	}
	if !errors.Is(err, opencalendar.ErrLocked) {
		t.Errorf("err = %v, want ErrLocked", err)
	}
}

func TestSweepExpired(t *testing.T) {
	c, store := newCoordinator(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	if err := store.SetSyncState(ctx, &opencalendar.SyncState{
		AccountID: "dead", Status: opencalendar.SyncStatusSyncing, LockedAt: old,
		SyncToken: "keep-me",
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire(ctx, "alive", ""); err != nil {
		t.Fatal(err)
	}

	n, err := c.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reset %d locks, want 1", n)
	}

	dead, err := store.SyncState(ctx, "dead", "")
	if err != nil {
		t.Fatal(err)
	}
	if dead.Status != opencalendar.SyncStatusError || !dead.LockedAt.IsZero() {
		t.Errorf("got %+v", dead)
	}
	if dead.SyncToken != "keep-me" {
		t.Errorf("SyncToken = %q", dead.SyncToken)
	}

	alive, err := store.SyncState(ctx, "alive", "")
	if err != nil {
		t.Fatal(err)
	}
	if alive.Status != opencalendar.SyncStatusSyncing {
		t.Errorf("fresh lease got swept: %+v", alive)
	}
}
