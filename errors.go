package opencalendar

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked reports that a sync lease for the requested key is already
	// held. Expected and retryable; callers surface it as a skip.
	ErrLocked = errors.New("sync already in progress")

	// ErrInvalidCursor reports that the provider rejected an incremental
	// cursor. The caller clears the stored cursor and falls back to a full
	// fetch.
	ErrInvalidCursor = errors.New("sync cursor is no longer valid")

	// ErrNotFound reports a missing account, calendar or event.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly reports a write against a read-only calendar.
	ErrReadOnly = errors.New("calendar is read-only")
)

// AuthError wraps a provider authentication or token failure. It fails the
// whole account: calendar syncs for the account are not attempted.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
