// Package sync reconciles the intranet planning into remote calendars.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beekhof/intra-calsync/internal/calendar"
	"github.com/beekhof/intra-calsync/internal/event"
	"github.com/beekhof/intra-calsync/internal/ics"
	"github.com/beekhof/intra-calsync/internal/notify"
	"github.com/beekhof/intra-calsync/internal/source"
	"github.com/beekhof/intra-calsync/internal/store"
)

// ErrNoCache is returned by Export before the first successful fetch.
var ErrNoCache = errors.New("no cached events: run a sync first")

const (
	msgAlreadyRunning = "sync already in progress"
	msgSessionExpired = "intranet session expired: sign in again"
)

// Source yields the raw planning records between two instants.
type Source interface {
	Fetch(ctx context.Context, start, end time.Time) ([]event.Raw, error)
}

// Locker excludes passes running in other processes. Refresh re-arms the
// expiry of a held lock and fails once it was lost.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Target is one remote calendar to mirror into. An empty CalendarID is
// resolved by name on every pass. A target whose adapter could not be built
// carries the reason in Err and is reported as failed on every pass.
type Target struct {
	Name         string
	Adapter      calendar.Adapter
	CalendarID   string
	CalendarName string
	Color        string
	Err          error
}

// Cache is the canonical event set of the last fetch.
type Cache struct {
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	FetchedAt time.Time     `json:"fetched_at"`
	Events    []event.Event `json:"events"`
}

// Config wires an Orchestrator. Source, Store and Targets are required.
type Config struct {
	Source   Source
	Store    store.Store
	Targets  []Target
	Defaults Settings
	Locker   Locker
	Notifier notify.Notifier
	Log      *zap.Logger
	Now      func() time.Time
}

// Orchestrator runs sync passes, one at a time.
type Orchestrator struct {
	source   Source
	store    store.Store
	targets  []Target
	defaults Settings
	locker   Locker
	notifier notify.Notifier
	codec    *ics.Codec
	log      *zap.Logger
	now      func() time.Time

	syncing atomic.Bool
}

func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLog(cfg.Log)
	}
	return &Orchestrator{
		source:   cfg.Source,
		store:    cfg.Store,
		targets:  cfg.Targets,
		defaults: cfg.Defaults.clone(),
		locker:   cfg.Locker,
		notifier: cfg.Notifier,
		codec:    ics.NewCodec(cfg.Now),
		log:      cfg.Log,
		now:      cfg.Now,
	}
}

// Syncing reports whether a pass is in progress in this process.
func (o *Orchestrator) Syncing() bool {
	return o.syncing.Load()
}

// Sync runs one pass: fetch once, normalize, cache, then reconcile every
// enabled target in order. A concurrent call returns at once with
// AlreadyRunning set.
func (o *Orchestrator) Sync(ctx context.Context) Result {
	if !o.syncing.CompareAndSwap(false, true) {
		return Result{AlreadyRunning: true, Message: msgAlreadyRunning}
	}
	defer o.syncing.Store(false)

	started := o.now()
	runID := uuid.NewString()
	log := o.log.With(zap.String("run_id", runID))

	if o.locker != nil {
		ok, err := o.locker.Acquire(ctx)
		if err != nil {
			log.Error("failed to acquire sync lock", zap.Error(err))
			res := Result{Message: fmt.Sprintf("failed to acquire sync lock: %v", err)}
			res.addError("%s", res.Message)
			return o.finish(ctx, log, res, runID, started, o.wasConnected(ctx, log))
		}
		if !ok {
			log.Info("sync lock held by another process")
			return Result{AlreadyRunning: true, Message: msgAlreadyRunning}
		}
		defer func() {
			if err := o.locker.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release sync lock", zap.Error(err))
			}
		}()
	}

	log.Info("starting sync")
	connected := o.wasConnected(ctx, log)
	res := o.run(ctx, log, &connected)
	return o.finish(ctx, log, res, runID, started, connected)
}

func (o *Orchestrator) wasConnected(ctx context.Context, log *zap.Logger) bool {
	prev, err := o.Status(ctx)
	if err != nil {
		log.Warn("failed to load previous status", zap.Error(err))
	}
	return prev.Connected
}

// finish stamps res, persists the status snapshot and sends the
// notification.
func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, res Result, runID string, started time.Time, connected bool) Result {
	res.RunID = runID
	res.Finished = o.now()
	res.Duration = res.Finished.Sub(started)

	status := Status{Connected: connected, LastSync: res.Finished, LastResult: &res}
	if !res.Success {
		status.LastError = res.Message
		if n := len(res.Errors); n > 0 {
			status.LastError = res.Errors[n-1]
		}
	}
	if err := store.SetJSON(ctx, o.store, store.KeySyncStatus, status); err != nil {
		log.Warn("failed to save sync status", zap.Error(err))
	}

	o.notify(ctx, log, res)
	log.Info("sync complete",
		zap.Bool("success", res.Success),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", res.Duration))
	return res
}

func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, connected *bool) Result {
	var res Result

	settings, err := o.Settings(ctx)
	if err != nil {
		log.Warn("failed to load settings, using defaults", zap.Error(err))
	}

	start, end := Window(o.now(), settings.WeeksPast, settings.WeeksAhead)
	raws, err := o.source.Fetch(ctx, start, end)
	if errors.Is(err, source.ErrUnauthenticated) {
		*connected = false
		log.Warn("intranet session rejected", zap.Error(err))
		res.Message = msgSessionExpired
		res.addError(msgSessionExpired)
		return res
	}
	if err != nil {
		log.Error("failed to fetch planning", zap.Error(err))
		res.Message = fmt.Sprintf("failed to fetch planning: %v", err)
		res.addError("%s", res.Message)
		return res
	}
	*connected = true

	events, errs := event.NormalizeAll(raws, settings.TitlePrefix)
	for _, err := range errs {
		log.Warn("skipping record", zap.Error(err))
		res.addError("%v", err)
	}
	log.Info("fetched planning", zap.Int("records", len(raws)), zap.Int("events", len(events)),
		zap.Time("start", start), zap.Time("end", end))

	cache := Cache{Start: start, End: end, FetchedAt: o.now(), Events: events}
	if err := store.SetJSON(ctx, o.store, store.KeyCachedEvents, cache); err != nil {
		log.Warn("failed to cache events", zap.Error(err))
		res.addError("cache: %v", err)
	}

	res.Processed = len(events)
	synced := 0
	for _, target := range o.targets {
		if !settings.TargetEnabled(target.Name) {
			log.Debug("target disabled", zap.String("target", target.Name))
			continue
		}
		if o.locker != nil {
			if err := o.locker.Refresh(ctx); err != nil {
				log.Error("lost sync lock, stopping", zap.Error(err))
				res.addError("sync lock: %v", err)
				break
			}
		}
		tr := o.syncTarget(ctx, log, target, events)
		res.Targets = append(res.Targets, tr)
		res.Created += tr.Created
		res.Updated += tr.Updated
		res.Deleted += tr.Deleted
		res.ReconnectRequired = res.ReconnectRequired || tr.ReconnectRequired
		for _, e := range tr.Errors {
			res.addError("%s: %s", tr.Name, e)
		}
		synced++
	}

	res.Success = len(res.Errors) == 0
	if res.Success {
		res.Message = fmt.Sprintf("synced %d events to %d calendars", len(events), synced)
	} else {
		res.Message = fmt.Sprintf("sync finished with %d errors", len(res.Errors))
	}
	return res
}

// syncTarget reconciles one target. Target-level failures land in Errors
// next to the per-event ones.
func (o *Orchestrator) syncTarget(ctx context.Context, log *zap.Logger, target Target, events []event.Event) TargetResult {
	tr := TargetResult{Name: target.Name, CalendarID: target.CalendarID}
	log = log.With(zap.String("target", target.Name))

	if target.Err != nil {
		log.Error("target unavailable", zap.Error(target.Err))
		tr.Errors = append(tr.Errors, errorText(target.Err))
		return tr
	}

	if tr.CalendarID == "" {
		id, err := target.Adapter.FindOrCreateCalendar(ctx, target.CalendarName, target.Color)
		if err != nil {
			log.Error("failed to resolve calendar", zap.String("calendar", target.CalendarName), zap.Error(err))
			tr.ReconnectRequired = errors.Is(err, calendar.ErrReconnectRequired)
			tr.Errors = append(tr.Errors, errorText(err))
			return tr
		}
		tr.CalendarID = id
	}

	res, err := NewReconciler(target.Adapter, log).Reconcile(ctx, tr.CalendarID, events)
	tr.Created, tr.Updated, tr.Deleted = res.Created, res.Updated, res.Deleted
	tr.Errors = append(tr.Errors, res.Errors...)
	switch {
	case err != nil:
		log.Error("reconciliation failed", zap.Error(err))
		tr.ReconnectRequired = errors.Is(err, calendar.ErrReconnectRequired)
		tr.Errors = append(tr.Errors, errorText(err))
	case res.ReconnectRequired:
		log.Error("remote refused writes, reconnect required")
		tr.ReconnectRequired = true
		tr.Errors = append(tr.Errors, errorText(calendar.ErrReconnectRequired))
	}
	return tr
}

// errorText strips the wrapping of a reconnect error so the user sees one
// stable message.
func errorText(err error) string {
	if errors.Is(err, calendar.ErrReconnectRequired) {
		return calendar.ErrReconnectRequired.Error()
	}
	return err.Error()
}

func (o *Orchestrator) notify(ctx context.Context, log *zap.Logger, res Result) {
	n := notify.Notification{
		RunID:    res.RunID,
		Success:  res.Success,
		Title:    "Sync complete",
		Message:  res.Message,
		Created:  res.Created,
		Updated:  res.Updated,
		Deleted:  res.Deleted,
		Errors:   res.Errors,
		Finished: res.Finished,
	}
	if !res.Success {
		n.Title = "Sync failed"
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		log.Warn("failed to send notification", zap.Error(err))
	}
}

// Status returns the persisted status of the last pass.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var status Status
	if _, err := store.GetJSON(ctx, o.store, store.KeySyncStatus, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Settings returns the persisted settings merged over the defaults. On a
// read error the defaults are returned with the error.
func (o *Orchestrator) Settings(ctx context.Context) (Settings, error) {
	settings := o.defaults.clone()
	if _, err := store.GetJSON(ctx, o.store, store.KeySettings, &settings); err != nil {
		return o.defaults.clone(), err
	}
	return settings, nil
}

// SaveSettings persists s. Later passes merge it over the defaults.
func (o *Orchestrator) SaveSettings(ctx context.Context, s Settings) error {
	if s.WeeksPast < 0 {
		return fmt.Errorf("weeks_past must not be negative, got %d", s.WeeksPast)
	}
	if s.WeeksAhead < 1 {
		return fmt.Errorf("weeks_ahead must be at least 1, got %d", s.WeeksAhead)
	}
	return store.SetJSON(ctx, o.store, store.KeySettings, s)
}

// CachedEvents returns the canonical set of the last successful fetch.
func (o *Orchestrator) CachedEvents(ctx context.Context) (Cache, error) {
	var cache Cache
	found, err := store.GetJSON(ctx, o.store, store.KeyCachedEvents, &cache)
	if err != nil {
		return Cache{}, err
	}
	if !found {
		return Cache{}, ErrNoCache
	}
	return cache, nil
}

// Export renders the cached events as an iCalendar document, restricted to
// [start, end) when either bound is set. It never touches the network.
func (o *Orchestrator) Export(ctx context.Context, start, end time.Time) (string, string, error) {
	cache, err := o.CachedEvents(ctx)
	if err != nil {
		return "", "", err
	}

	events := cache.Events
	if !start.IsZero() || !end.IsZero() {
		if end.IsZero() {
			end = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
		}
		events = ics.FilterByRange(events, start, end)
	}

	doc, err := o.codec.Encode(events)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return doc, ics.Filename(o.now()), nil
}
