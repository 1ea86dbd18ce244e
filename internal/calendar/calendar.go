// Package calendar holds the remote calendar adapters events are mirrored
// into. Every adapter tags the events it writes with the canonical event ID
// so later passes can find them again.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/beekhof/intra-calsync/internal/event"
)

// ErrReconnectRequired means the remote service rejected our credentials and
// the user has to authorize the target again.
var ErrReconnectRequired = errors.New("reconnect required")

const (
	// TagSourceKey/TagSourceValue mark events written by calsync.
	TagSourceKey   = "calsyncSource"
	TagSourceValue = "intranet"

	// TagEventKey carries the canonical event ID.
	TagEventKey = "calsyncEventId"

	// DefaultPageSize bounds one ListTagged page.
	DefaultPageSize = 250
)

// RemoteEvent is a tagged event as read back from a remote calendar.
type RemoteEvent struct {
	RemoteID string
	SourceID string
	Summary  string
}

// Adapter is implemented by each remote calendar service.
type Adapter interface {
	// Name identifies the service kind in logs, e.g. "google".
	Name() string

	// FindOrCreateCalendar returns the handle of the calendar called name,
	// creating it when missing.
	FindOrCreateCalendar(ctx context.Context, name, color string) (string, error)

	// ListTagged returns one page of events carrying our tag and the token
	// of the next page, empty on the last one.
	ListTagged(ctx context.Context, calendarID, pageToken string) ([]RemoteEvent, string, error)

	// Create writes a new event tagged with ev.ID.
	Create(ctx context.Context, calendarID string, ev event.Event) error

	// Update overwrites every mirrored field of the remote event.
	Update(ctx context.Context, calendarID, remoteID string, ev event.Event) error

	// Delete removes the remote event. A missing event is not an error.
	Delete(ctx context.Context, calendarID, remoteID string) error
}

// StatusError is a non-success HTTP answer from a remote service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// authFailure reports whether err means our credentials are no longer
// accepted: an explicit 401 or a refresh token the provider refused.
func authFailure(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}

func notFound(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}
