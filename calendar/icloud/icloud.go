// Package icloud wires the CalDAV adapter to Apple's hosted endpoint. iCloud
// speaks standard CalDAV over app-specific passwords; the only differences are
// the fixed server URL and the discovery redirect to a per-user partition,
// which the generic adapter already follows.
package icloud

import (
	"log/slog"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
	"github.com/OpenCalendarsHQ/opencalendar-sync/calendar/caldav"
)

const endpoint = "https://caldav.icloud.com/"

// NewClient builds a CalDAV adapter pinned to caldav.icloud.com. Accounts
// authenticate with an Apple ID and an app-specific password.
func NewClient(logger *slog.Logger) *caldav.Client {
	return caldav.NewClientAt(logger, opencalendar.ProviderICloud, endpoint)
}
