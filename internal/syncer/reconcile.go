package syncer

import (
	"context"
	"errors"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
	"github.com/OpenCalendarsHQ/opencalendar-sync/rrule"
)

// A series whose UNTIL ended more than a year ago is not worth carrying; it
// can never produce an occurrence anyone will look at.
const staleRecurrenceYears = 1

// reconcile applies one pulled delta to the store. Returns how many events
// were written.
func (s *Syncer) reconcile(ctx context.Context, cal *opencalendar.Calendar, delta *opencalendar.EventDelta) (int, error) {
	seen := make(map[string]bool, len(delta.Events)*2)
	synced := 0

	for _, remote := range delta.Events {
		if s.staleRecurrence(remote.RRule) {
			s.logger.Debug("skipping long-finished recurring event",
				"calendar", cal.ID, "uid", remote.ICSUID)
			continue
		}
		markSeen(seen, remote.ICSUID, remote.ExternalID)

		stored, err := s.store.EventByCorrelation(ctx, cal.ID, opencalendar.CorrelationKey{
			ICSUID:     remote.ICSUID,
			ExternalID: remote.ExternalID,
		})
		switch {
		case errors.Is(err, opencalendar.ErrNotFound):
			stored = &opencalendar.Event{CalendarID: cal.ID}
		case err != nil:
			return synced, err
		default:
			if remote.ETag != "" && stored.ETag == remote.ETag {
				// Unchanged on the server; nothing to write.
				continue
			}
			// Same UID arriving under a new external id means the provider
			// reissued the resource (CalDAV servers do this on move); rebind
			// rather than duplicate.
			if stored.ICSUID != "" && stored.ICSUID == remote.ICSUID &&
				stored.ExternalID != "" && stored.ExternalID != remote.ExternalID {
				s.logger.Info("event resource id changed, rebinding",
					"calendar", cal.ID, "uid", remote.ICSUID,
					"old", stored.ExternalID, "new", remote.ExternalID)
			}
		}

		applyRemote(stored, &remote)
		stored, err = s.store.UpsertEvent(ctx, stored)
		if err != nil {
			return synced, err
		}

		if remote.RRule != "" {
			rec := &opencalendar.EventRecurrence{
				EventID:    stored.ID,
				RRule:      remote.RRule,
				RecurUntil: rrule.UntilFromString(remote.RRule),
				ExDates:    remote.ExDates,
			}
			if n := rrule.CountFromString(remote.RRule); n > 0 {
				rec.RecurCount = &n
			}
			if err := s.store.UpsertRecurrence(ctx, rec); err != nil {
				return synced, err
			}
		} else if err := s.store.DeleteRecurrence(ctx, stored.ID); err != nil {
			return synced, err
		}
		synced++
	}

	for _, externalID := range delta.DeletedIDs {
		stored, err := s.store.EventByCorrelation(ctx, cal.ID,
			opencalendar.CorrelationKey{ExternalID: externalID})
		if errors.Is(err, opencalendar.ErrNotFound) {
			continue
		}
		if err != nil {
			return synced, err
		}
		if err := s.store.DeleteEvent(ctx, stored.ID); err != nil {
			return synced, err
		}
		synced++
	}

	// A full listing lets us infer remote deletions: anything stored that the
	// listing did not mention is gone on the server. Incremental deltas never
	// sweep; absence there only means "unchanged".
	if delta.Full {
		swept, err := s.sweep(ctx, cal, seen)
		if err != nil {
			return synced, err
		}
		synced += swept
	}
	return synced, nil
}

func (s *Syncer) sweep(ctx context.Context, cal *opencalendar.Calendar, seen map[string]bool) (int, error) {
	stored, err := s.store.EventsByCalendar(ctx, cal.ID)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, ev := range stored {
		if isSeen(seen, ev.ICSUID, ev.ExternalID) {
			continue
		}
		s.logger.Debug("sweeping event deleted on remote",
			"calendar", cal.ID, "uid", ev.ICSUID, "external_id", ev.ExternalID)
		if err := s.store.DeleteEvent(ctx, ev.ID); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// staleRecurrence reports whether the rule's UNTIL ended long enough ago that
// the series is skipped outright.
func (s *Syncer) staleRecurrence(rule string) bool {
	if rule == "" {
		return false
	}
	until := rrule.UntilFromString(rule)
	if until == nil {
		return false
	}
	return until.Before(s.now().AddDate(-staleRecurrenceYears, 0, 0))
}

func applyRemote(stored *opencalendar.Event, remote *opencalendar.RemoteEvent) {
	stored.ExternalID = remote.ExternalID
	stored.ICSUID = remote.ICSUID
	stored.Title = remote.Title
	stored.Description = remote.Description
	stored.Location = remote.Location
	stored.URL = remote.URL
	stored.StartsAt = remote.StartsAt
	stored.EndsAt = remote.EndsAt
	stored.AllDay = remote.AllDay
	stored.Timezone = remote.Timezone
	stored.Status = remote.Status
	stored.IsRecurring = remote.RRule != ""
	stored.ETag = remote.ETag
	stored.ICSData = remote.ICSData
}

func markSeen(seen map[string]bool, icsUID, externalID string) {
	if icsUID != "" {
		seen["uid:"+icsUID] = true
	}
	if externalID != "" {
		seen["ext:"+externalID] = true
	}
}

func isSeen(seen map[string]bool, icsUID, externalID string) bool {
	if icsUID != "" && seen["uid:"+icsUID] {
		return true
	}
	return externalID != "" && seen["ext:"+externalID]
}
