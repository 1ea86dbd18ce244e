package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/intra-calsync/internal/event"
)

// GoogleClient mirrors events into a Google calendar. Tags live in the
// event's private extended properties, invisible to the user.
type GoogleClient struct {
	service *gcal.Service
	log     *zap.Logger
}

// NewGoogleClient creates a Google Calendar adapter. Callers pass
// option.WithHTTPClient with an authorized client.
func NewGoogleClient(ctx context.Context, log *zap.Logger, opts ...option.ClientOption) (*GoogleClient, error) {
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GoogleClient{service: service, log: log}, nil
}

func (c *GoogleClient) Name() string { return "google" }

// FindOrCreateCalendar looks the calendar up by summary in the user's list
// and creates it when missing. color is a Google colorId.
func (c *GoogleClient) FindOrCreateCalendar(ctx context.Context, name, color string) (string, error) {
	pageToken := ""
	for {
		call := c.service.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return "", c.wrap("list calendars", err)
		}
		for _, cal := range list.Items {
			if cal.Summary == name {
				return cal.Id, nil
			}
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	created, err := c.service.Calendars.Insert(&gcal.Calendar{
		Summary:     name,
		Description: "Events mirrored from the intranet planning",
		TimeZone:    event.TimeZone,
	}).Context(ctx).Do()
	if err != nil {
		return "", c.wrap("create calendar", err)
	}

	if color != "" {
		_, err = c.service.CalendarList.Patch(created.Id, &gcal.CalendarListEntry{
			ColorId: color,
		}).Context(ctx).Do()
		if err != nil {
			c.log.Warn("failed to set calendar color", zap.String("calendar", created.Id), zap.Error(err))
		}
	}

	return created.Id, nil
}

func (c *GoogleClient) ListTagged(ctx context.Context, calendarID, pageToken string) ([]RemoteEvent, string, error) {
	call := c.service.Events.List(calendarID).
		Context(ctx).
		PrivateExtendedProperty(TagSourceKey + "=" + TagSourceValue).
		ShowDeleted(false).
		MaxResults(DefaultPageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	list, err := call.Do()
	if err != nil {
		return nil, "", c.wrap("list events", err)
	}

	events := make([]RemoteEvent, 0, len(list.Items))
	for _, item := range list.Items {
		if item.ExtendedProperties == nil || item.ExtendedProperties.Private[TagEventKey] == "" {
			continue
		}
		events = append(events, RemoteEvent{
			RemoteID: item.Id,
			SourceID: item.ExtendedProperties.Private[TagEventKey],
			Summary:  item.Summary,
		})
	}
	return events, list.NextPageToken, nil
}

func (c *GoogleClient) Create(ctx context.Context, calendarID string, ev event.Event) error {
	_, err := c.service.Events.Insert(calendarID, googleEvent(ev)).
		Context(ctx).
		SendUpdates("none").
		Do()
	if err != nil {
		return c.wrap("insert event", err)
	}
	return nil
}

func (c *GoogleClient) Update(ctx context.Context, calendarID, remoteID string, ev event.Event) error {
	_, err := c.service.Events.Update(calendarID, remoteID, googleEvent(ev)).
		Context(ctx).
		SendUpdates("none").
		Do()
	if err != nil {
		return c.wrap("update event", err)
	}
	return nil
}

func (c *GoogleClient) Delete(ctx context.Context, calendarID, remoteID string) error {
	err := c.service.Events.Delete(calendarID, remoteID).
		Context(ctx).
		SendUpdates("none").
		Do()
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && notFound(apiErr.Code) {
		return nil
	}
	if err != nil {
		return c.wrap("delete event", err)
	}
	return nil
}

func (c *GoogleClient) wrap(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrReconnectRequired)
	}
	if authFailure(err) {
		return fmt.Errorf("%s: %w", op, ErrReconnectRequired)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func googleEvent(ev event.Event) *gcal.Event {
	status := "tentative"
	if ev.IsRegistered {
		status = "confirmed"
	}

	out := &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      status,
		Start: &gcal.EventDateTime{
			DateTime: ev.Start.Format(time.RFC3339),
			TimeZone: event.TimeZone,
		},
		End: &gcal.EventDateTime{
			DateTime: ev.End.Format(time.RFC3339),
			TimeZone: event.TimeZone,
		},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{
				TagSourceKey: TagSourceValue,
				TagEventKey:  ev.ID,
			},
		},
	}
	if ev.URL != "" {
		out.Source = &gcal.EventSource{Title: "Intranet", Url: ev.URL}
	}
	return out
}
