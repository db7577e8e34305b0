// Package microsoft adapts the Microsoft Graph calendar API to the provider
// contract. Graph offers no delta token worth keeping here: every pull is a
// full listing of undeleted events, and deletions are inferred by the caller
// diffing the listing against its stored set.
package microsoft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	pageSize     = 1000

	// Graph returns event times in the zone this header asks for.
	preferHeader = `outlook.timezone="UTC"`
)

// AuthSaver persists refreshed oauth tokens back to the account row.
type AuthSaver func(ctx context.Context, accountID, auth string) error

type Client struct {
	oauthCfg *oauth2.Config
	saveAuth AuthSaver
	logger   *slog.Logger
}

func NewClient(oauthCfg *oauth2.Config, saveAuth AuthSaver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{oauthCfg: oauthCfg, saveAuth: saveAuth, logger: logger}
}

type graphCalendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Color             string `json:"color"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
	CanEdit           bool   `json:"canEdit"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphRecurrence struct {
	Pattern struct {
		Type       string   `json:"type"`
		Interval   int      `json:"interval"`
		DaysOfWeek []string `json:"daysOfWeek"`
		DayOfMonth int      `json:"dayOfMonth"`
		Month      int      `json:"month"`
	} `json:"pattern"`
	Range struct {
		Type                string `json:"type"`
		StartDate           string `json:"startDate"`
		EndDate             string `json:"endDate"`
		NumberOfOccurrences int    `json:"numberOfOccurrences"`
	} `json:"range"`
}

type graphEvent struct {
	ID          string           `json:"id"`
	ICalUID     string           `json:"iCalUId"`
	Subject     string           `json:"subject"`
	BodyPreview string           `json:"bodyPreview"`
	Start       *graphDateTime   `json:"start"`
	End         *graphDateTime   `json:"end"`
	IsAllDay    bool             `json:"isAllDay"`
	IsCancelled bool             `json:"isCancelled"`
	WebLink     string           `json:"webLink"`
	Location    *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Recurrence *graphRecurrence `json:"recurrence"`
}

func (c *Client) ListCalendars(ctx context.Context, account *opencalendar.Account) ([]opencalendar.RemoteCalendar, error) {
	var out []opencalendar.RemoteCalendar
	next := graphBaseURL + "/me/calendars"
	for next != "" {
		var page struct {
			Value    []graphCalendar `json:"value"`
			NextLink string          `json:"@odata.nextLink"`
		}
		if err := c.get(ctx, account, next, &page); err != nil {
			return nil, err
		}
		for _, cal := range page.Value {
			out = append(out, opencalendar.RemoteCalendar{
				ExternalID: cal.ID,
				Name:       cal.Name,
				Color:      colorToHex(cal.Color),
				IsReadOnly: !cal.CanEdit,
				IsPrimary:  cal.IsDefaultCalendar,
			})
		}
		next = page.NextLink
	}
	return out, nil
}

// PullEvents fetches the master events of the calendar (recurring series come
// back as a single master with a structured recurrence, not expanded
// instances). The cursor is unused; the listing is always full.
func (c *Client) PullEvents(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, _ string) (*opencalendar.EventDelta, error) {
	delta := &opencalendar.EventDelta{Full: true}

	next := fmt.Sprintf("%s/me/calendars/%s/events?$top=%d",
		graphBaseURL, url.PathEscape(cal.ExternalID), pageSize)
	for next != "" {
		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := c.get(ctx, account, next, &page); err != nil {
			return nil, err
		}

		for _, ev := range page.Value {
			if ev.IsCancelled || ev.ID == "" {
				continue
			}
			remote, ok := newRemoteEvent(ev)
			if !ok {
				c.logger.Debug("microsoft: skipping event without usable times",
					"calendar", cal.ExternalID, "event", ev.ID)
				continue
			}
			delta.Events = append(delta.Events, remote)
		}
		next = page.NextLink
	}
	return delta, nil
}

func (c *Client) CreateEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) (*opencalendar.RemoteEvent, error) {
	if cal.IsReadOnly {
		return nil, opencalendar.ErrReadOnly
	}
	endpoint := fmt.Sprintf("%s/me/calendars/%s/events", graphBaseURL, url.PathEscape(cal.ExternalID))

	var created graphEvent
	if err := c.do(ctx, account, http.MethodPost, endpoint, writePayload(event, true), &created); err != nil {
		return nil, err
	}
	remote, _ := newRemoteEvent(created)
	return &remote, nil
}

func (c *Client) UpdateEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) error {
	if cal.IsReadOnly {
		return opencalendar.ErrReadOnly
	}
	if event.ExternalID == "" {
		return fmt.Errorf("microsoft: event %s has no external id: %w", event.ID, opencalendar.ErrNotFound)
	}
	endpoint := fmt.Sprintf("%s/me/events/%s", graphBaseURL, url.PathEscape(event.ExternalID))
	return c.do(ctx, account, http.MethodPatch, endpoint, writePayload(event, false), nil)
}

func (c *Client) DeleteEvent(ctx context.Context, account *opencalendar.Account, cal *opencalendar.Calendar, event *opencalendar.Event) error {
	if event.ExternalID == "" {
		return nil
	}
	endpoint := fmt.Sprintf("%s/me/events/%s", graphBaseURL, url.PathEscape(event.ExternalID))
	err := c.do(ctx, account, http.MethodDelete, endpoint, nil, nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (c *Client) get(ctx context.Context, account *opencalendar.Account, endpoint string, out any) error {
	return c.do(ctx, account, http.MethodGet, endpoint, nil, out)
}

// statusError keeps the Graph HTTP status inspectable by callers.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("microsoft graph: status %d: %s", e.status, e.body)
}

func isStatus(err error, code int) bool {
	var sErr *statusError
	return errors.As(err, &sErr) && sErr.status == code
}

func (c *Client) do(ctx context.Context, account *opencalendar.Account, method, endpoint string, payload, out any) error {
	tok, err := account.OAuthToken()
	if err != nil {
		return &opencalendar.AuthError{Provider: opencalendar.ProviderMicrosoft, Err: err}
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("microsoft: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("microsoft: building request: %w", err)
	}
	req.Header.Set("Prefer", preferHeader)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient(ctx, account, tok).Do(req)
	if err != nil {
		return fmt.Errorf("microsoft: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &opencalendar.AuthError{
			Provider: opencalendar.ProviderMicrosoft,
			Err:      &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))},
		}
	case resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("microsoft: decoding response: %w", err)
	}
	return nil
}

// httpClient returns an oauth2 client that refreshes expired tokens and
// persists what it refreshed.
func (c *Client) httpClient(ctx context.Context, account *opencalendar.Account, tok *oauth2.Token) *http.Client {
	ts := oauth2.ReuseTokenSource(tok, &savingTokenSource{
		base:      c.oauthCfg.TokenSource(ctx, tok),
		last:      tok,
		accountID: account.ID,
		save:      c.saveAuth,
		logger:    c.logger,
	})
	return oauth2.NewClient(ctx, ts)
}

type savingTokenSource struct {
	base      oauth2.TokenSource
	last      *oauth2.Token
	accountID string
	save      AuthSaver
	logger    *slog.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if s.save != nil && (s.last == nil || tok.AccessToken != s.last.AccessToken) {
		s.last = tok
		if raw, err := json.Marshal(tok); err == nil {
			if err := s.save(context.Background(), s.accountID, string(raw)); err != nil {
				s.logger.Warn("microsoft: persisting refreshed token failed",
					"account", s.accountID, "err", err)
			}
		}
	}
	return tok, nil
}

func newRemoteEvent(ev graphEvent) (opencalendar.RemoteEvent, bool) {
	start, okStart := parseGraphTime(ev.Start)
	end, okEnd := parseGraphTime(ev.End)
	if !okStart || !okEnd {
		return opencalendar.RemoteEvent{}, false
	}

	title := ev.Subject
	if title == "" {
		title = "(untitled)"
	}

	remote := opencalendar.RemoteEvent{
		ExternalID:  ev.ID,
		ICSUID:      ev.ICalUID,
		Title:       title,
		Description: ev.BodyPreview,
		URL:         ev.WebLink,
		StartsAt:    start,
		EndsAt:      end,
		AllDay:      ev.IsAllDay,
		Status:      "confirmed",
	}
	if ev.Start != nil {
		remote.Timezone = ev.Start.TimeZone
	}
	if ev.Location != nil {
		remote.Location = ev.Location.DisplayName
	}
	if ev.Recurrence != nil {
		remote.RRule = recurrenceToRRule(ev.Recurrence)
	}
	return remote, true
}

// parseGraphTime handles Graph's "2006-01-02T15:04:05.0000000" shape, in the
// zone the Prefer header requested.
func parseGraphTime(dt *graphDateTime) (time.Time, bool) {
	if dt == nil || dt.DateTime == "" {
		return time.Time{}, false
	}
	v := dt.DateTime
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", v, loc)
	return t, err == nil
}

// writePayload builds the Graph request body for creates and patches. Times
// go out in UTC so the stored instant is authoritative regardless of the
// event's display zone.
func writePayload(event *opencalendar.Event, create bool) map[string]any {
	payload := map[string]any{
		"subject": event.Title,
		"start": map[string]string{
			"dateTime": event.StartsAt.UTC().Format("2006-01-02T15:04:05"),
			"timeZone": "UTC",
		},
		"end": map[string]string{
			"dateTime": event.EndsAt.UTC().Format("2006-01-02T15:04:05"),
			"timeZone": "UTC",
		},
		"isAllDay": event.AllDay,
	}
	if event.Description != "" || create {
		payload["body"] = map[string]string{
			"contentType": "Text",
			"content":     event.Description,
		}
	}
	if event.Location != "" {
		payload["location"] = map[string]string{"displayName": event.Location}
	}
	return payload
}
