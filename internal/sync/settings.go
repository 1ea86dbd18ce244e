package sync

import (
	"time"

	"github.com/beekhof/intra-calsync/internal/event"
)

// Settings are the user-editable knobs of a pass. The persisted blob is
// decoded over the configured defaults, so absent fields keep the default.
type Settings struct {
	TitlePrefix string          `json:"title_prefix"`
	WeeksPast   int             `json:"weeks_past"`
	WeeksAhead  int             `json:"weeks_ahead"`
	Targets     map[string]bool `json:"targets,omitempty"`
}

// TargetEnabled reports whether the named target takes part in passes.
// Unknown targets are enabled.
func (s Settings) TargetEnabled(name string) bool {
	enabled, ok := s.Targets[name]
	return !ok || enabled
}

func (s Settings) clone() Settings {
	out := s
	out.Targets = make(map[string]bool, len(s.Targets))
	for k, v := range s.Targets {
		out.Targets[k] = v
	}
	return out
}

// Window returns the fetch range for a pass started at now: from Monday
// 00:00 of the current week, minus weeksPast weeks, to Sunday 23:59:59 of
// the weeksAhead-th week counting the current one. Both ends are in
// Europe/Paris.
func Window(now time.Time, weeksPast, weeksAhead int) (time.Time, time.Time) {
	if weeksPast < 0 {
		weeksPast = 0
	}
	if weeksAhead < 1 {
		weeksAhead = 1
	}

	now = now.In(event.Paris)
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, event.Paris)

	start := monday.AddDate(0, 0, -7*weeksPast)
	last := monday.AddDate(0, 0, 7*weeksAhead-1)
	end := time.Date(last.Year(), last.Month(), last.Day(), 23, 59, 59, 0, event.Paris)
	return start, end
}
