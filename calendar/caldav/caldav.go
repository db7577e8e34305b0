// Package caldav adapts RFC 4791 CalDAV servers to the provider contract.
// Collection discovery goes through go-webdav; event pulls use a raw
// calendar-query REPORT so the server's ICS payload survives byte-for-byte
// instead of being re-serialized through a parser.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	webdavcaldav "github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
	"github.com/OpenCalendarsHQ/opencalendar-sync/ics"
)

const (
	defaultColor = "#8b5cf6"
	userAgent    = "opencalendar-sync/1.0"
)

type Client struct {
	logger *slog.Logger
	// provider name reported in auth errors; the icloud wrapper overrides it.
	provider string
	// endpoint pins the server URL regardless of what the account stores;
	// empty means use the account's own server URL.
	endpoint string
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger, provider: opencalendar.ProviderCalDAV}
}

// NewClientAt builds an adapter pinned to a fixed endpoint, for hosted
// services like iCloud where the server URL is not user-configurable.
func NewClientAt(logger *slog.Logger, provider, endpoint string) *Client {
	c := NewClient(logger)
	c.provider = provider
	c.endpoint = endpoint
	return c
}

// authTransport adds basic auth and a stable User-Agent; some servers
// (notably iCloud) reject requests without one.
type authTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", userAgent)
	return t.base.RoundTrip(req)
}

type session struct {
	httpClient *http.Client
	baseURL    *url.URL
}

func (c *Client) session(account *opencalendar.Account) (*session, error) {
	auth, err := account.BasicAuth()
	if err != nil {
		return nil, &opencalendar.AuthError{Provider: c.provider, Err: err}
	}
	endpoint := c.endpoint
	if endpoint == "" {
		endpoint = auth.ServerURL
	}
	if endpoint == "" {
		return nil, &opencalendar.AuthError{
			Provider: c.provider,
			Err:      errors.New("account has no server url"),
		}
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav: bad server url %q: %w", endpoint, err)
	}
	return &session{
		httpClient: &http.Client{Transport: &authTransport{
			username: auth.Username,
			password: auth.Password,
			base:     http.DefaultTransport,
		}},
		baseURL: base,
	}, nil
}

// resolve turns a server-relative href into an absolute URL.
func (s *session) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return s.baseURL.ResolveReference(ref).String()
}

func (c *Client) ListCalendars(ctx context.Context, account *opencalendar.Account) ([]opencalendar.RemoteCalendar, error) {
	sess, err := c.session(account)
	if err != nil {
		return nil, err
	}

	dav, err := webdavcaldav.NewClient(sess.httpClient, sess.baseURL.String())
	if err != nil {
		return nil, fmt.Errorf("caldav: %w", err)
	}

	principal, err := dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	homeSet, err := dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	calendars, err := dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, c.wrapErr(err)
	}

	out := make([]opencalendar.RemoteCalendar, 0, len(calendars))
	for _, cal := range calendars {
		if !supportsEvents(cal) {
			continue
		}
		name := cal.Name
		if name == "" {
			name = path.Base(strings.TrimSuffix(cal.Path, "/"))
		}
		out = append(out, opencalendar.RemoteCalendar{
			ExternalID: cal.Path,
			Name:       name,
			Color:      defaultColor,
			IsPrimary:  len(out) == 0,
		})
	}
	return out, nil
}

// supportsEvents filters out collections that only hold VTODO or VJOURNAL.
func supportsEvents(cal webdavcaldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == "VEVENT" {
			return true
		}
	}
	return false
}

// PullEvents lists every object in the collection. CalDAV has no usable
// change cursor here, so the listing is always full and the caller diffs.
func (c *Client) PullEvents(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, _ string) (*opencalendar.EventDelta, error) {
	sess, err := c.session(account)
	if err != nil {
		return nil, err
	}

	objects, err := queryEvents(ctx, sess.httpClient, sess.resolve(cal.ExternalID))
	if err != nil {
		return nil, c.wrapErr(err)
	}

	delta := &opencalendar.EventDelta{Full: true}
	for _, obj := range objects {
		if strings.TrimSpace(obj.Data) == "" {
			continue
		}
		ev, ok := ics.ParseFirst(obj.Data)
		if !ok {
			c.logger.Debug("caldav: skipping unparsable object",
				"calendar", cal.ExternalID, "href", obj.Href)
			continue
		}
		uid := ev.UID
		if uid == "" {
			uid = path.Base(strings.TrimSuffix(obj.Href, "/"))
		}
		delta.Events = append(delta.Events, opencalendar.RemoteEvent{
			ExternalID:  obj.Href,
			ICSUID:      uid,
			Title:       ev.Title,
			Description: ev.Description,
			Location:    ev.Location,
			URL:         ev.URL,
			StartsAt:    ev.StartsAt,
			EndsAt:      ev.EndsAt,
			AllDay:      ev.AllDay,
			Timezone:    ev.Timezone,
			Status:      ev.Status,
			RRule:       ev.RRule,
			ExDates:     ev.ExDates,
			ETag:        obj.ETag,
			ICSData:     obj.Data,
		})
	}
	return delta, nil
}

func (c *Client) CreateEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) (*opencalendar.RemoteEvent, error) {
	if cal.IsReadOnly {
		return nil, opencalendar.ErrReadOnly
	}
	sess, err := c.session(account)
	if err != nil {
		return nil, err
	}

	uid := event.ICSUID
	if uid == "" {
		uid = uuid.NewString()
	}
	href := path.Join(cal.ExternalID, uid+".ics")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sess.resolve(href),
		strings.NewReader(c.payload(event, uid)))
	if err != nil {
		return nil, fmt.Errorf("caldav: %w", err)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.Header.Set("If-None-Match", "*")

	etag, err := c.write(sess, req)
	if err != nil {
		return nil, err
	}
	return &opencalendar.RemoteEvent{
		ExternalID: href,
		ICSUID:     uid,
		ETag:       etag,
	}, nil
}

func (c *Client) UpdateEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) error {
	if cal.IsReadOnly {
		return opencalendar.ErrReadOnly
	}
	if event.ExternalID == "" {
		return fmt.Errorf("caldav: event %s has no href: %w", event.ID, opencalendar.ErrNotFound)
	}
	sess, err := c.session(account)
	if err != nil {
		return err
	}

	uid := event.ICSUID
	if uid == "" {
		uid = strings.TrimSuffix(path.Base(event.ExternalID), ".ics")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sess.resolve(event.ExternalID),
		strings.NewReader(c.payload(event, uid)))
	if err != nil {
		return fmt.Errorf("caldav: %w", err)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if event.ETag != "" {
		req.Header.Set("If-Match", event.ETag)
	}

	_, err = c.write(sess, req)
	return err
}

func (c *Client) DeleteEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) error {
	if event.ExternalID == "" {
		return nil
	}
	sess, err := c.session(account)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, sess.resolve(event.ExternalID), nil)
	if err != nil {
		return fmt.Errorf("caldav: %w", err)
	}
	if event.ETag != "" {
		req.Header.Set("If-Match", event.ETag)
	}

	resp, err := sess.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("caldav: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.checkStatus(resp)
}

// Ping verifies the credentials and server URL without touching any data.
func (c *Client) Ping(ctx context.Context, account *opencalendar.Account) error {
	sess, err := c.session(account)
	if err != nil {
		return err
	}
	dav, err := webdavcaldav.NewClient(sess.httpClient, sess.baseURL.String())
	if err != nil {
		return fmt.Errorf("caldav: %w", err)
	}
	if _, err := dav.FindCurrentUserPrincipal(ctx); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// payload prefers the stored ICS blob so server-side properties the local
// model does not carry survive the round trip.
func (c *Client) payload(event *opencalendar.Event, uid string) string {
	if strings.TrimSpace(event.ICSData) != "" {
		return event.ICSData
	}
	return ics.Generate([]ics.Event{{
		UID:         uid,
		Title:       event.Title,
		Description: event.Description,
		Location:    event.Location,
		URL:         event.URL,
		StartsAt:    event.StartsAt,
		EndsAt:      event.EndsAt,
		AllDay:      event.AllDay,
		Timezone:    event.Timezone,
		Status:      event.Status,
	}})
}

func (c *Client) write(sess *session, req *http.Request) (string, error) {
	resp, err := sess.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("caldav: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return "", err
	}
	return strings.Trim(resp.Header.Get("Etag"), `"`), nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("caldav: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &opencalendar.AuthError{Provider: c.provider, Err: err}
	}
	return err
}

// wrapErr classifies go-webdav client errors. The library does not export its
// HTTP error type, so auth failures are detected from the status it embeds in
// the message.
func (c *Client) wrapErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "Forbidden") {
		return &opencalendar.AuthError{Provider: c.provider, Err: err}
	}
	return fmt.Errorf("caldav: %w", err)
}
