package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/beekhof/intra-calsync/internal/calendar"
	"github.com/beekhof/intra-calsync/internal/event"
)

// maxPages stops a remote that keeps handing out continuation tokens.
const maxPages = 1000

// Reconciler makes one remote calendar mirror the canonical event set.
type Reconciler struct {
	adapter calendar.Adapter
	log     *zap.Logger
}

func NewReconciler(adapter calendar.Adapter, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{adapter: adapter, log: log.With(zap.String("adapter", adapter.Name()))}
}

// Reconcile lists every tagged event of the calendar, then updates the ones
// still wanted, creates the missing ones and deletes the rest, including
// extra copies carrying an already seen tag. Existing events are always
// overwritten: the remote is a pure mirror. A failing operation is recorded
// as "<id>: <message>" and the batch goes on; ReconnectRequired is set when
// one of them was refused for lack of authorization. Only a failed listing
// returns an error.
func (r *Reconciler) Reconcile(ctx context.Context, calendarID string, events []event.Event) (Result, error) {
	var res Result

	remote, order, duplicates, err := r.listTagged(ctx, calendarID)
	if err != nil {
		return res, err
	}

	processed := make(map[string]bool, len(events))
	for _, ev := range events {
		if processed[ev.ID] {
			continue
		}
		processed[ev.ID] = true
		res.Processed++

		if existing, ok := remote[ev.ID]; ok {
			if err := r.adapter.Update(ctx, calendarID, existing.RemoteID, ev); err != nil {
				r.fail(&res, "failed to update event", ev.ID, err, zap.String("remote_id", existing.RemoteID))
				continue
			}
			res.Updated++
			continue
		}

		if err := r.adapter.Create(ctx, calendarID, ev); err != nil {
			r.fail(&res, "failed to create event", ev.ID, err)
			continue
		}
		res.Created++
	}

	for _, id := range order {
		if processed[id] {
			continue
		}
		stale := remote[id]
		if err := r.adapter.Delete(ctx, calendarID, stale.RemoteID); err != nil {
			r.fail(&res, "failed to delete stale event", id, err, zap.String("remote_id", stale.RemoteID))
			continue
		}
		r.log.Debug("deleted stale event", zap.String("id", id), zap.String("summary", stale.Summary))
		res.Deleted++
	}

	for _, dup := range duplicates {
		if err := r.adapter.Delete(ctx, calendarID, dup.RemoteID); err != nil {
			r.fail(&res, "failed to delete duplicate event", dup.SourceID, err, zap.String("remote_id", dup.RemoteID))
			continue
		}
		r.log.Debug("deleted duplicate event", zap.String("id", dup.SourceID), zap.String("remote_id", dup.RemoteID))
		res.Deleted++
	}

	res.Success = len(res.Errors) == 0
	return res, nil
}

func (r *Reconciler) fail(res *Result, msg, id string, err error, fields ...zap.Field) {
	if errors.Is(err, calendar.ErrReconnectRequired) {
		res.ReconnectRequired = true
	}
	r.log.Warn(msg, append(fields, zap.String("id", id), zap.Error(err))...)
	res.addError("%s: %s", id, errorText(err))
}

// listTagged pages through the tagged events. The first event seen for an
// ID is the one kept; later ones are returned as duplicates.
func (r *Reconciler) listTagged(ctx context.Context, calendarID string) (map[string]calendar.RemoteEvent, []string, []calendar.RemoteEvent, error) {
	remote := make(map[string]calendar.RemoteEvent)
	var order []string
	var duplicates []calendar.RemoteEvent

	token := ""
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, nil, nil, fmt.Errorf("list tagged events: more than %d pages", maxPages)
		}

		events, next, err := r.adapter.ListTagged(ctx, calendarID, token)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, re := range events {
			if _, seen := remote[re.SourceID]; seen {
				duplicates = append(duplicates, re)
				continue
			}
			remote[re.SourceID] = re
			order = append(order, re.SourceID)
		}

		if next == "" {
			break
		}
		token = next
	}

	r.log.Debug("listed tagged events", zap.Int("count", len(order)), zap.Int("duplicates", len(duplicates)))
	return remote, order, duplicates, nil
}
