// Package google adapts the Google Calendar v3 API to the provider contract.
// Event pulls are incremental: Google hands out an opaque sync token after a
// full listing, and subsequent pulls with that token only carry the delta,
// with deletions arriving as cancelled entries.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
)

const (
	defaultSleep   = 5 * time.Second
	maxResults     = 2500
	defaultColor   = "#3b82f6"
	untitledEvent  = "(untitled)"
	untitledLabel  = "Untitled calendar"
	accessRoleRead = "reader"
)

// Full-fetch window when no sync token is stored: first of the month six
// months back through first of the month a year ahead.
const (
	windowMonthsBack  = 6
	windowMonthsAhead = 12
)

// AuthSaver persists refreshed oauth tokens back to the account row.
type AuthSaver func(ctx context.Context, accountID, auth string) error

type Client struct {
	oauthCfg *oauth2.Config
	saveAuth AuthSaver
	logger   *slog.Logger
	now      func() time.Time
}

// NewClient builds the adapter. saveAuth may be nil when refreshed tokens do
// not need to be persisted (tests).
func NewClient(oauthCfg *oauth2.Config, saveAuth AuthSaver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		oauthCfg: oauthCfg,
		saveAuth: saveAuth,
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Client) ListCalendars(ctx context.Context, account *opencalendar.Account) ([]opencalendar.RemoteCalendar, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	var out []opencalendar.RemoteCalendar
	pageToken := ""
	for {
		list, err := svc.CalendarList.List().Context(ctx).PageToken(pageToken).Do()
		if err != nil {
			return nil, c.wrapErr(err)
		}
		for _, item := range list.Items {
			if item.Id == "" {
				continue
			}
			name := item.Summary
			if name == "" {
				name = untitledLabel
			}
			color := item.BackgroundColor
			if color == "" {
				color = defaultColor
			}
			out = append(out, opencalendar.RemoteCalendar{
				ExternalID: item.Id,
				Name:       name,
				Color:      color,
				Timezone:   item.TimeZone,
				IsReadOnly: item.AccessRole == accessRoleRead,
				IsPrimary:  item.Primary,
			})
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func (c *Client) PullEvents(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, cursor string) (*opencalendar.EventDelta, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(cal.ExternalID).
		Context(ctx).
		SingleEvents(true).
		ShowDeleted(true).
		MaxResults(maxResults)

	if cursor != "" {
		call = call.SyncToken(cursor)
	} else {
		from, to := c.fetchWindow()
		call = call.TimeMin(from.Format(time.RFC3339)).TimeMax(to.Format(time.RFC3339))
	}

	delta := &opencalendar.EventDelta{}
	pageToken := ""
	for {
		events, err := call.PageToken(pageToken).Do()
		if err != nil {
			if shouldRetry(err) {
				time.Sleep(defaultSleep)
				continue
			}
			if isGoneSyncToken(err) {
				return nil, fmt.Errorf("google: %w", opencalendar.ErrInvalidCursor)
			}
			return nil, c.wrapErr(err)
		}

		for _, item := range events.Items {
			if item.Id == "" {
				continue
			}
			if item.Status == "cancelled" {
				delta.DeletedIDs = append(delta.DeletedIDs, item.Id)
				continue
			}
			remote, ok := newRemoteEvent(item)
			if !ok {
				c.logger.Debug("google: skipping event without usable times",
					"calendar", cal.ExternalID, "event", item.Id)
				continue
			}
			delta.Events = append(delta.Events, remote)
		}

		if events.NextSyncToken != "" {
			delta.NextCursor = events.NextSyncToken
		}
		pageToken = events.NextPageToken
		if pageToken == "" {
			return delta, nil
		}
	}
}

func (c *Client) CreateEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) (*opencalendar.RemoteEvent, error) {
	if cal.IsReadOnly {
		return nil, opencalendar.ErrReadOnly
	}
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	for {
		created, err := svc.Events.Insert(cal.ExternalID, newGoogleEvent(event)).Context(ctx).Do()
		if err == nil {
			remote, _ := newRemoteEvent(created)
			return &remote, nil
		}
		if shouldRetry(err) {
			time.Sleep(defaultSleep)
			continue
		}
		return nil, c.wrapErr(err)
	}
}

func (c *Client) UpdateEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) error {
	if cal.IsReadOnly {
		return opencalendar.ErrReadOnly
	}
	if event.ExternalID == "" {
		return fmt.Errorf("google: event %s has no external id: %w", event.ID, opencalendar.ErrNotFound)
	}
	svc, err := c.service(ctx, account)
	if err != nil {
		return err
	}

	for {
		// Patch keeps remote-only fields (attendees, conference data)
		// that the local row does not carry.
		_, err := svc.Events.Patch(cal.ExternalID, event.ExternalID, newGoogleEvent(event)).Context(ctx).Do()
		if err == nil {
			return nil
		}
		if shouldRetry(err) {
			time.Sleep(defaultSleep)
			continue
		}
		return c.wrapErr(err)
	}
}

func (c *Client) DeleteEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) error {
	if event.ExternalID == "" {
		return nil
	}
	svc, err := c.service(ctx, account)
	if err != nil {
		return err
	}

	for {
		err := svc.Events.Delete(cal.ExternalID, event.ExternalID).Context(ctx).Do()
		if err == nil || alreadyDeleted(err) {
			return nil
		}
		if shouldRetry(err) {
			time.Sleep(defaultSleep)
			continue
		}
		return c.wrapErr(err)
	}
}

func (c *Client) fetchWindow() (time.Time, time.Time) {
	now := c.now()
	from := time.Date(now.Year(), now.Month()-windowMonthsBack, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(now.Year(), now.Month()+windowMonthsAhead, 1, 0, 0, 0, 0, time.UTC)
	return from, to
}

func (c *Client) service(ctx context.Context, account *opencalendar.Account) (*calendar.Service, error) {
	tok, err := account.OAuthToken()
	if err != nil {
		return nil, &opencalendar.AuthError{Provider: opencalendar.ProviderGoogle, Err: err}
	}
	ts := &savingTokenSource{
		base:      c.oauthCfg.TokenSource(ctx, tok),
		last:      tok,
		accountID: account.ID,
		save:      c.saveAuth,
		logger:    c.logger,
	}
	return calendar.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(tok, ts)))
}

func (c *Client) wrapErr(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && (gErr.Code == http.StatusUnauthorized || gErr.Code == http.StatusForbidden) {
		return &opencalendar.AuthError{Provider: opencalendar.ProviderGoogle, Err: err}
	}
	return fmt.Errorf("google: %w", err)
}

func shouldRetry(err error) bool {
	return errIsReason(err, "rateLimitExceeded")
}

func alreadyDeleted(err error) bool {
	return errIsReason(err, "deleted")
}

// isGoneSyncToken detects the 410 Google returns for an expired or invalid
// sync token.
func isGoneSyncToken(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusGone
}

func errIsReason(err error, reason string) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}
	for _, e := range gErr.Errors {
		if e.Reason == reason {
			return true
		}
	}
	return false
}
