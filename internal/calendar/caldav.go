package calendar

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"go.uber.org/zap"

	"github.com/beekhof/intra-calsync/internal/event"
	"github.com/beekhof/intra-calsync/internal/httpretry"
	"github.com/beekhof/intra-calsync/internal/ics"
)

// Properties carrying the tag on CalDAV objects.
const (
	PropCalsyncSource  = "X-CALSYNC-SOURCE"
	PropCalsyncEventID = "X-CALSYNC-EVENT-ID"
)

// CalDAVClient mirrors events into a CalDAV collection (iCloud, Fastmail,
// Nextcloud...). Each event is stored as <id>.ics inside the collection.
type CalDAVClient struct {
	http      httpretry.Doer
	username  string
	password  string
	serverURL string
	basePath  string
	log       *zap.Logger
	now       func() time.Time
}

// NewCalDAVClient creates a CalDAV adapter using basic auth. An empty
// basePath defaults to /<username>/calendars/, the iCloud layout.
func NewCalDAVClient(httpClient httpretry.Doer, serverURL, basePath, username, password string, log *zap.Logger) *CalDAVClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if basePath == "" {
		basePath = fmt.Sprintf("/%s/calendars/", username)
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CalDAVClient{
		http:      httpClient,
		username:  username,
		password:  password,
		serverURL: strings.TrimSuffix(serverURL, "/"),
		basePath:  basePath,
		log:       log,
		now:       time.Now,
	}
}

func (c *CalDAVClient) Name() string { return "caldav" }

func (c *CalDAVClient) request(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.serverURL + path
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrReconnectRequired
	}
	return resp, nil
}

func xmlHeader(depth string) http.Header {
	return http.Header{
		"Content-Type": {"application/xml; charset=utf-8"},
		"Depth":        {depth},
	}
}

const propfindCalendars = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

// FindOrCreateCalendar lists the collections under the base path and
// matches on display name. Missing calendars are created with MKCALENDAR;
// servers that refuse it (iCloud does for some accounts) get a clear error.
func (c *CalDAVClient) FindOrCreateCalendar(ctx context.Context, name, color string) (string, error) {
	resp, err := c.request(ctx, "PROPFIND", c.basePath, []byte(propfindCalendars), xmlHeader("1"))
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	body, err := readMultistatus(resp, "list calendars")
	if err != nil {
		return "", err
	}

	responses, err := parseMultistatus(body)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	for _, r := range responses {
		if r.isCalendar && r.displayName == name {
			return r.href, nil
		}
	}

	calendarPath := c.basePath + slug(name) + "/"
	mk := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<c:mkcalendar xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:a="http://apple.com/ns/ical/">
  <d:set>
    <d:prop>
      <d:displayname>%s</d:displayname>%s
      <c:supported-calendar-component-set><c:comp name="VEVENT"/></c:supported-calendar-component-set>
    </d:prop>
  </d:set>
</c:mkcalendar>`, xmlEscape(name), colorProp(color))

	resp, err = c.request(ctx, "MKCALENDAR", calendarPath, []byte(mk), http.Header{
		"Content-Type": {"application/xml; charset=utf-8"},
	})
	if err != nil {
		return "", fmt.Errorf("create calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("calendar %q not found and could not be created (HTTP %d); create it manually", name, resp.StatusCode)
	}
	return calendarPath, nil
}

func colorProp(color string) string {
	if color == "" {
		return ""
	}
	return "\n      <a:calendar-color>" + xmlEscape(color) + "</a:calendar-color>"
}

const reportTagged = `<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:prop-filter name="` + PropCalsyncEventID + `"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

// ListTagged runs one calendar-query REPORT. CalDAV has no paging, so the
// next token is always empty. Objects the server returns without our
// property are dropped.
func (c *CalDAVClient) ListTagged(ctx context.Context, calendarID, pageToken string) ([]RemoteEvent, string, error) {
	resp, err := c.request(ctx, "REPORT", calendarID, []byte(reportTagged), xmlHeader("1"))
	if err != nil {
		return nil, "", fmt.Errorf("list events: %w", err)
	}
	body, err := readMultistatus(resp, "list events")
	if err != nil {
		return nil, "", err
	}

	responses, err := parseMultistatus(body)
	if err != nil {
		return nil, "", fmt.Errorf("list events: %w", err)
	}

	var events []RemoteEvent
	for _, r := range responses {
		if r.calendarData == "" {
			continue
		}
		cal, err := ical.NewDecoder(strings.NewReader(r.calendarData)).Decode()
		if err != nil {
			c.log.Warn("skipping unparsable calendar object", zap.String("href", r.href), zap.Error(err))
			continue
		}
		for _, ev := range cal.Events() {
			id, _ := ev.Props.Text(PropCalsyncEventID)
			if id == "" {
				continue
			}
			summary, _ := ev.Props.Text(ical.PropSummary)
			events = append(events, RemoteEvent{RemoteID: r.href, SourceID: id, Summary: summary})
		}
	}
	return events, "", nil
}

func (c *CalDAVClient) Create(ctx context.Context, calendarID string, ev event.Event) error {
	path := strings.TrimSuffix(calendarID, "/") + "/" + url.PathEscape(ev.ID) + ".ics"
	return c.put(ctx, "create event", path, ev, http.Header{"If-None-Match": {"*"}})
}

func (c *CalDAVClient) Update(ctx context.Context, calendarID, remoteID string, ev event.Event) error {
	return c.put(ctx, "update event", remoteID, ev, nil)
}

func (c *CalDAVClient) Delete(ctx context.Context, calendarID, remoteID string) error {
	resp, err := c.request(ctx, http.MethodDelete, remoteID, nil, nil)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusOK, notFound(resp.StatusCode):
		return nil
	}
	return &StatusError{Op: "delete event", Status: resp.StatusCode}
}

func (c *CalDAVClient) put(ctx context.Context, op, path string, ev event.Event, header http.Header) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(c.toICal(ev)); err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, err := c.request(ctx, http.MethodPut, path, buf.Bytes(), header)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return nil
}

// toICal renders one event as its own VCALENDAR object. Instants are
// written in UTC so the object needs no VTIMEZONE.
func (c *CalDAVClient) toICal(ev event.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ics.ProductID)

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, ics.UID(ev.ID))
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, c.now().UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	vevent.Props.SetText(ical.PropSummary, ev.Title)
	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.URL != "" {
		prop := ical.NewProp(ical.PropURL)
		prop.Value = ev.URL
		vevent.Props.Set(prop)
	}
	status := "TENTATIVE"
	if ev.IsRegistered {
		status = "CONFIRMED"
	}
	vevent.Props.SetText(ical.PropStatus, status)
	vevent.Props.SetText(PropCalsyncSource, TagSourceValue)
	vevent.Props.SetText(PropCalsyncEventID, ev.ID)

	cal.Children = append(cal.Children, vevent.Component)
	return cal
}

func readMultistatus(resp *http.Response, op string) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: op, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	return body, nil
}

type davResponse struct {
	href         string
	displayName  string
	calendarData string
	isCalendar   bool
}

// parseMultistatus extracts what we need from a 207 body. Element names are
// matched without namespace since servers disagree on prefixes.
func parseMultistatus(body []byte) ([]davResponse, error) {
	type resourceType struct {
		Calendar *struct{} `xml:"calendar"`
	}
	type prop struct {
		DisplayName  string       `xml:"displayname"`
		CalendarData string       `xml:"calendar-data"`
		ResourceType resourceType `xml:"resourcetype"`
	}
	type propstat struct {
		Prop   prop   `xml:"prop"`
		Status string `xml:"status"`
	}
	type response struct {
		Href      string     `xml:"href"`
		Propstats []propstat `xml:"propstat"`
	}
	type multistatus struct {
		XMLName   xml.Name   `xml:"multistatus"`
		Responses []response `xml:"response"`
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	out := make([]davResponse, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		d := davResponse{href: r.Href}
		for _, ps := range r.Propstats {
			if ps.Status != "" && !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			if ps.Prop.DisplayName != "" {
				d.displayName = ps.Prop.DisplayName
			}
			if ps.Prop.CalendarData != "" {
				d.calendarData = ps.Prop.CalendarData
			}
			if ps.Prop.ResourceType.Calendar != nil {
				d.isCalendar = true
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "calsync"
	}
	return b.String()
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
