package event

import (
	"fmt"
	"strings"
	"time"

	// The feed's wall clock must resolve the same way on hosts without a
	// zoneinfo database.
	_ "time/tzdata"
)

// TimeZone is the zone the intranet reports its wall-clock times in.
const TimeZone = "Europe/Paris"

// SourceLayout is the date format used by the feed and its packed slots.
const SourceLayout = "2006-01-02 15:04:05"

// Paris is the location for TimeZone.
var Paris = mustLoadLocation(TimeZone)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}

// ParseLocal resolves a feed date string to an instant in Europe/Paris.
func ParseLocal(s string) (time.Time, error) {
	return time.ParseInLocation(SourceLayout, strings.TrimSpace(s), Paris)
}

// DateError reports a date field of a record that could not be parsed.
type DateError struct {
	ID    string
	Field string
	Value string
	Err   error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("invalid %s date %q: %v", e.Field, e.Value, e.Err)
}

func (e *DateError) Unwrap() error {
	return e.Err
}
