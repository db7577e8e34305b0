package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// calendarObject is one entry of a REPORT multistatus: the object's href, its
// etag, and the raw ICS text exactly as the server stores it.
type calendarObject struct {
	Href string
	ETag string
	Data string
}

const calendarQueryBody = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href     string     `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Status string `xml:"status"`
	Prop   struct {
		ETag         string `xml:"getetag"`
		CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	} `xml:"prop"`
}

// queryEvents runs a calendar-query REPORT against the collection URL and
// returns every VEVENT object with its verbatim payload.
func queryEvents(ctx context.Context, client *http.Client, collectionURL string) ([]calendarObject, error) {
	req, err := http.NewRequestWithContext(ctx, "REPORT", collectionURL,
		strings.NewReader(calendarQueryBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("report returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decoding multistatus: %w", err)
	}

	var out []calendarObject
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if !strings.Contains(ps.Status, "200") || ps.Prop.CalendarData == "" {
				continue
			}
			out = append(out, calendarObject{
				Href: r.Href,
				ETag: strings.Trim(ps.Prop.ETag, `"`),
				Data: ps.Prop.CalendarData,
			})
		}
	}
	return out, nil
}
