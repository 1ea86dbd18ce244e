package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/beekhof/intra-calsync/internal/calendar"
	"github.com/beekhof/intra-calsync/internal/event"
	"github.com/beekhof/intra-calsync/internal/notify"
)

// fakeAdapter is an in-memory remote calendar. Failures are keyed by the
// canonical event ID.
type fakeAdapter struct {
	name     string
	pageSize int

	order  []string
	events map[string]calendar.RemoteEvent
	nextID int

	calendars map[string]string
	listErr   error
	createErr map[string]error
	updateErr map[string]error
	deleteErr map[string]error

	listCalls  int
	writeCalls int
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:      name,
		pageSize:  100,
		events:    map[string]calendar.RemoteEvent{},
		calendars: map[string]string{},
		createErr: map[string]error{},
		updateErr: map[string]error{},
		deleteErr: map[string]error{},
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FindOrCreateCalendar(_ context.Context, name, _ string) (string, error) {
	if id, ok := f.calendars[name]; ok {
		return id, nil
	}
	id := "cal-" + strconv.Itoa(len(f.calendars)+1)
	f.calendars[name] = id
	return id, nil
}

func (f *fakeAdapter) ListTagged(_ context.Context, _, pageToken string) ([]calendar.RemoteEvent, string, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("bad page token %q", pageToken)
		}
		offset = n
	}
	end := min(offset+f.pageSize, len(f.order))
	page := make([]calendar.RemoteEvent, 0, end-offset)
	for _, id := range f.order[offset:end] {
		page = append(page, f.events[id])
	}
	next := ""
	if end < len(f.order) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

func (f *fakeAdapter) Create(_ context.Context, _ string, ev event.Event) error {
	f.writeCalls++
	if err := f.createErr[ev.ID]; err != nil {
		return err
	}
	f.put(ev.ID, ev.Title)
	return nil
}

func (f *fakeAdapter) Update(_ context.Context, _, remoteID string, ev event.Event) error {
	f.writeCalls++
	if err := f.updateErr[ev.ID]; err != nil {
		return err
	}
	re, ok := f.events[remoteID]
	if !ok {
		return fmt.Errorf("update %s: not found", remoteID)
	}
	re.Summary = ev.Title
	f.events[remoteID] = re
	return nil
}

func (f *fakeAdapter) Delete(_ context.Context, _, remoteID string) error {
	f.writeCalls++
	if err := f.deleteErr[f.events[remoteID].SourceID]; err != nil {
		return err
	}
	delete(f.events, remoteID)
	for i, id := range f.order {
		if id == remoteID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

// put stores a tagged remote event, duplicates included.
func (f *fakeAdapter) put(sourceID, summary string) {
	f.nextID++
	remoteID := "r" + strconv.Itoa(f.nextID)
	f.events[remoteID] = calendar.RemoteEvent{RemoteID: remoteID, SourceID: sourceID, Summary: summary}
	f.order = append(f.order, remoteID)
}

// sourceIDs returns the tagged IDs held remotely, in insertion order.
func (f *fakeAdapter) sourceIDs() []string {
	ids := make([]string, 0, len(f.order))
	for _, id := range f.order {
		ids = append(ids, f.events[id].SourceID)
	}
	return ids
}

type fakeSource struct {
	raws    []event.Raw
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (s *fakeSource) Fetch(ctx context.Context, _, _ time.Time) ([]event.Raw, error) {
	s.calls++
	if s.started != nil {
		close(s.started)
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.raws, s.err
}

type fakeLocker struct {
	acquireErr error
	refreshErr error
	refreshes  int
	released   bool
}

func (l *fakeLocker) Acquire(context.Context) (bool, error) {
	return l.acquireErr == nil, l.acquireErr
}

func (l *fakeLocker) Refresh(context.Context) error {
	l.refreshes++
	return l.refreshErr
}

func (l *fakeLocker) Release(context.Context) error {
	l.released = true
	return nil
}

type recordingNotifier struct {
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, note notify.Notification) error {
	n.sent = append(n.sent, note)
	return n.err
}

func canonical(ids ...string) []event.Event {
	events := make([]event.Event, 0, len(ids))
	start := time.Date(2025, time.March, 3, 9, 0, 0, 0, event.Paris)
	for i, id := range ids {
		events = append(events, event.Event{
			ID:    id,
			Title: "Event " + id,
			Start: start.Add(time.Duration(i) * time.Hour),
			End:   start.Add(time.Duration(i)*time.Hour + 30*time.Minute),
		})
	}
	return events
}

func registeredRaw(acti, start, end string) event.Raw {
	return event.Raw{
		ModuleCode:    "B-PDG-300",
		ModuleTitle:   "Piscine",
		ActivityCode:  acti,
		ActivityTitle: "Day " + acti,
		EventCode:     "event-1",
		Start:         start,
		End:           end,
		Registration:  event.RegistrationRegistered,
	}
}
