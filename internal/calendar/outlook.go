package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beekhof/intra-calsync/internal/event"
	"github.com/beekhof/intra-calsync/internal/httpretry"
)

// GraphBaseURL is the Microsoft Graph v1.0 root.
const GraphBaseURL = "https://graph.microsoft.com/v1.0"

// graphPropertySet namespaces our extended property. It is derived, not
// random, so every install reads back the same property.
var graphPropertySet = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://calsync.intranet/graph/properties"))

// GraphPropertyID is the single-value extended property holding the
// canonical event ID on Outlook events.
var GraphPropertyID = fmt.Sprintf("String {%s} Name %s", graphPropertySet, TagEventKey)

const graphTimeLayout = "2006-01-02T15:04:05"

// OutlookClient mirrors events into an Outlook calendar through Microsoft
// Graph.
type OutlookClient struct {
	http    httpretry.Doer
	baseURL string
	log     *zap.Logger
}

// NewOutlookClient wraps an authorized HTTP client. An empty baseURL means
// GraphBaseURL.
func NewOutlookClient(httpClient httpretry.Doer, baseURL string, log *zap.Logger) *OutlookClient {
	if baseURL == "" {
		baseURL = GraphBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OutlookClient{
		http:    httpClient,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     log,
	}
}

func (c *OutlookClient) Name() string { return "outlook" }

type graphCalendar struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type graphEvent struct {
	ID                            string          `json:"id,omitempty"`
	Subject                       string          `json:"subject"`
	Body                          *graphBody      `json:"body,omitempty"`
	Start                         *graphDateTime  `json:"start,omitempty"`
	End                           *graphDateTime  `json:"end,omitempty"`
	Location                      *graphLocation  `json:"location,omitempty"`
	ShowAs                        string          `json:"showAs,omitempty"`
	IsReminderOn                  bool            `json:"isReminderOn"`
	SingleValueExtendedProperties []graphProperty `json:"singleValueExtendedProperties,omitempty"`
}

type graphPage[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (c *OutlookClient) FindOrCreateCalendar(ctx context.Context, name, color string) (string, error) {
	next := c.baseURL + "/me/calendars?$select=id,name"
	for next != "" {
		var page graphPage[graphCalendar]
		if err := c.do(ctx, "list calendars", http.MethodGet, next, nil, &page); err != nil {
			return "", err
		}
		for _, cal := range page.Value {
			if cal.Name == name {
				return cal.ID, nil
			}
		}
		next = page.NextLink
	}

	var created graphCalendar
	err := c.do(ctx, "create calendar", http.MethodPost, c.baseURL+"/me/calendars",
		graphCalendar{Name: name, Color: color}, &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// ListTagged filters server-side on the extended property and expands it so
// the canonical ID comes back with each event. The page token is the
// @odata.nextLink of the previous page.
func (c *OutlookClient) ListTagged(ctx context.Context, calendarID, pageToken string) ([]RemoteEvent, string, error) {
	target := pageToken
	if target == "" {
		q := url.Values{}
		q.Set("$filter", fmt.Sprintf("singleValueExtendedProperties/Any(ep: ep/id eq '%s' and ep/value ne null)", GraphPropertyID))
		q.Set("$expand", fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s')", GraphPropertyID))
		q.Set("$select", "id,subject")
		q.Set("$top", fmt.Sprint(DefaultPageSize))
		target = c.baseURL + "/me/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()
	} else if !strings.HasPrefix(pageToken, c.baseURL+"/") {
		return nil, "", fmt.Errorf("list events: page link %q is not a Graph URL", pageToken)
	}

	var page graphPage[graphEvent]
	if err := c.do(ctx, "list events", http.MethodGet, target, nil, &page); err != nil {
		return nil, "", err
	}

	events := make([]RemoteEvent, 0, len(page.Value))
	for _, item := range page.Value {
		id := ""
		for _, prop := range item.SingleValueExtendedProperties {
			if strings.EqualFold(prop.ID, GraphPropertyID) {
				id = prop.Value
			}
		}
		if id == "" {
			continue
		}
		events = append(events, RemoteEvent{RemoteID: item.ID, SourceID: id, Summary: item.Subject})
	}
	return events, page.NextLink, nil
}

func (c *OutlookClient) Create(ctx context.Context, calendarID string, ev event.Event) error {
	target := c.baseURL + "/me/calendars/" + url.PathEscape(calendarID) + "/events"
	return c.do(ctx, "create event", http.MethodPost, target, outlookEvent(ev), nil)
}

// Update patches every field we own, which amounts to a full overwrite of
// the mirrored content.
func (c *OutlookClient) Update(ctx context.Context, calendarID, remoteID string, ev event.Event) error {
	target := c.baseURL + "/me/events/" + url.PathEscape(remoteID)
	return c.do(ctx, "update event", http.MethodPatch, target, outlookEvent(ev), nil)
}

func (c *OutlookClient) Delete(ctx context.Context, calendarID, remoteID string) error {
	target := c.baseURL + "/me/events/" + url.PathEscape(remoteID)
	err := c.do(ctx, "delete event", http.MethodDelete, target, nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && notFound(statusErr.Status) {
		c.log.Debug("event already gone", zap.String("remote_id", remoteID))
		return nil
	}
	return err
}

func (c *OutlookClient) do(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if authFailure(err) {
			return fmt.Errorf("%s: %w", op, ErrReconnectRequired)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrReconnectRequired)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func outlookEvent(ev event.Event) graphEvent {
	showAs := "tentative"
	if ev.IsRegistered {
		showAs = "busy"
	}

	content := ev.Description
	if ev.URL != "" && !strings.Contains(content, ev.URL) {
		content = strings.TrimSpace(content + "\n" + ev.URL)
	}

	return graphEvent{
		Subject:  ev.Title,
		Body:     &graphBody{ContentType: "text", Content: content},
		Start:    &graphDateTime{DateTime: ev.Start.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		End:      &graphDateTime{DateTime: ev.End.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		Location: &graphLocation{DisplayName: ev.Location},
		ShowAs:   showAs,
		SingleValueExtendedProperties: []graphProperty{
			{ID: GraphPropertyID, Value: ev.ID},
		},
	}
}
