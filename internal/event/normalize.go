package event

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SlotNotReservedMarker is added to the title of appointments the user has
// not booked a slot for yet.
const SlotNotReservedMarker = "[SLOT NOT RESERVED]"

// LinkBase is the root of activity pages on the intranet.
const LinkBase = "https://intra.epitech.eu/module"

// Normalize maps one raw record into a canonical event. Identical input
// always yields an identical event, description bytes included.
func Normalize(raw Raw, titlePrefix string) (Event, error) {
	id := raw.ID()

	startValue, endValue := raw.Start, raw.End
	reserved := raw.Reservation.Reserved()
	if reserved {
		startValue, endValue = raw.Reservation.Start, raw.Reservation.End
	}

	start, err := ParseLocal(startValue)
	if err != nil {
		return Event{}, &DateError{ID: id, Field: "start", Value: startValue, Err: err}
	}
	end, err := ParseLocal(endValue)
	if err != nil {
		return Event{}, &DateError{ID: id, Field: "end", Value: endValue, Err: err}
	}
	if end.Before(start) {
		end = start
	}

	appointment := raw.IsAppointmentType()

	ev := Event{
		ID:           id,
		Title:        buildTitle(raw, titlePrefix, appointment && !reserved),
		Location:     roomName(raw.Room),
		Start:        start,
		End:          end,
		Module:       Ref{Code: raw.ModuleCode, Title: raw.ModuleTitle},
		Activity:     Ref{Code: raw.ActivityCode, Title: raw.ActivityTitle},
		Instructors:  instructorNames(raw.Instructors),
		URL:          activityURL(raw),
		IsRegistered: raw.Registration.Registered() || reserved,
		IsPast:       bool(raw.Past),
		Appointment:  appointment,
	}
	ev.Description = buildDescription(ev, raw)

	return ev, nil
}

// NormalizeAll keeps the records the user owns, normalizes them and returns
// the events ordered by start time then ID. A record that fails is skipped
// and reported; the same ID appearing twice is kept once.
func NormalizeAll(raws []Raw, titlePrefix string) ([]Event, []error) {
	events := make([]Event, 0, len(raws))
	var errs []error
	seen := make(map[string]bool)

	for _, raw := range raws {
		if !Owned(raw) {
			continue
		}

		ev, err := Normalize(raw, titlePrefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", raw.ID(), err))
			continue
		}
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ID < events[j].ID
	})

	return events, errs
}

func buildTitle(raw Raw, prefix string, unreserved bool) string {
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(prefix); p != "" {
		parts = append(parts, p)
	}
	if unreserved {
		parts = append(parts, SlotNotReservedMarker)
	}

	name := strings.TrimSpace(raw.ActivityTitle)
	if name == "" {
		name = strings.TrimSpace(raw.ModuleTitle)
	}
	if name != "" {
		parts = append(parts, name)
	}

	return strings.Join(parts, " ")
}

func roomName(room *Room) string {
	if room == nil || room.Code == "" {
		return ""
	}
	code := strings.TrimSuffix(room.Code, "/")
	if i := strings.LastIndex(code, "/"); i >= 0 {
		return code[i+1:]
	}
	return code
}

func instructorNames(in []Instructor) []string {
	names := make([]string, 0, len(in))
	for _, inst := range in {
		name := strings.TrimSpace(inst.Title)
		if name == "" {
			name = strings.TrimSpace(inst.Login)
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func activityURL(raw Raw) string {
	if raw.ScolarYear == "" || raw.ModuleCode == "" || raw.InstanceCode == "" || raw.ActivityCode == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s/", LinkBase, raw.ScolarYear, raw.ModuleCode, raw.InstanceCode, raw.ActivityCode)
}

func buildDescription(ev Event, raw Raw) string {
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}

	add("Module", labelled(ev.Module))
	add("Activity", labelled(ev.Activity))
	add("Instructors", strings.Join(ev.Instructors, ", "))
	add("Duration", formatDuration(ev.End.Sub(ev.Start)))
	add("Registration", registrationLabel(raw))
	add("Link", ev.URL)

	return strings.Join(lines, "\n")
}

func labelled(r Ref) string {
	switch {
	case r.Title != "" && r.Code != "":
		return r.Title + " (" + r.Code + ")"
	case r.Title != "":
		return r.Title
	default:
		return r.Code
	}
}

func registrationLabel(raw Raw) string {
	if raw.Registration != RegistrationNone {
		return raw.Registration.String()
	}
	if raw.Reservation.Reserved() {
		return "slot reserved (" + raw.Reservation.Kind.String() + ")"
	}
	return RegistrationNone.String()
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	minutes := int(d.Round(time.Minute) / time.Minute)
	return fmt.Sprintf("%dh%02d", minutes/60, minutes%60)
}
