// Package ics renders canonical events as an RFC 5545 calendar document.
package ics

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/beekhof/intra-calsync/internal/event"
)

const (
	crlf = "\r\n"

	// UIDDomain suffixes every UID so re-imports replace instead of duplicate.
	UIDDomain = "calsync.intranet"

	ProductID = "-//calsync//Intranet Calendar Sync//EN"

	localLayout = "20060102T150405"
	utcLayout   = "20060102T150405Z"

	maxLineOctets         = 75
	maxContinuationOctets = 74
)

// vtimezone describes Europe/Paris with explicit transition rules so that
// readers never fall back to their own zone database.
var vtimezone = []string{
	"BEGIN:VTIMEZONE",
	"TZID:" + event.TimeZone,
	"BEGIN:DAYLIGHT",
	"TZOFFSETFROM:+0100",
	"TZOFFSETTO:+0200",
	"TZNAME:CEST",
	"DTSTART:19700329T020000",
	"RRULE:FREQ=YEARLY;BYMONTH=3;BYDAY=-1SU",
	"END:DAYLIGHT",
	"BEGIN:STANDARD",
	"TZOFFSETFROM:+0200",
	"TZOFFSETTO:+0100",
	"TZNAME:CET",
	"DTSTART:19701025T030000",
	"RRULE:FREQ=YEARLY;BYMONTH=10;BYDAY=-1SU",
	"END:STANDARD",
	"END:VTIMEZONE",
}

// DateError reports an event whose dates cannot be exported.
type DateError struct {
	ID     string
	Reason string
}

func (e *DateError) Error() string {
	return fmt.Sprintf("event %s: %s", e.ID, e.Reason)
}

// Codec encodes events. The clock only feeds DTSTAMP; for a fixed clock the
// output is byte-for-byte reproducible.
type Codec struct {
	now func() time.Time
}

// NewCodec returns a codec stamping documents with the given clock, or the
// wall clock if now is nil.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now}
}

// Encode renders the events as one VCALENDAR. If any event has an unusable
// date nothing is returned: a partially valid document is never produced.
func (c *Codec) Encode(events []event.Event) (string, error) {
	for _, ev := range events {
		if err := checkDates(ev); err != nil {
			return "", err
		}
	}

	stamp := c.now().UTC().Format(utcLayout)

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:" + ProductID,
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		"X-WR-CALNAME:" + EscapeText("Intranet"),
		"X-WR-TIMEZONE:" + event.TimeZone,
	}
	lines = append(lines, vtimezone...)

	for _, ev := range events {
		lines = append(lines,
			"BEGIN:VEVENT",
			"UID:"+UID(ev.ID),
			"DTSTAMP:"+stamp,
			"DTSTART;TZID="+event.TimeZone+":"+localTime(ev.Start),
			"DTEND;TZID="+event.TimeZone+":"+localTime(ev.End),
			"SUMMARY:"+EscapeText(ev.Title),
		)
		if ev.Description != "" {
			lines = append(lines, "DESCRIPTION:"+EscapeText(ev.Description))
		}
		if ev.Location != "" {
			lines = append(lines, "LOCATION:"+EscapeText(ev.Location))
		}
		if ev.URL != "" {
			lines = append(lines, "URL:"+ev.URL)
		}
		lines = append(lines,
			"STATUS:"+status(ev),
			"SEQUENCE:0",
			"END:VEVENT",
		)
	}
	lines = append(lines, "END:VCALENDAR")

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(FoldLine(line))
		b.WriteString(crlf)
	}
	return b.String(), nil
}

// UID returns the globally unique identifier for an event id.
func UID(id string) string {
	return id + "@" + UIDDomain
}

// EscapeText escapes a TEXT value: backslash, semicolon, comma and newline,
// in that order.
func EscapeText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, ";", `\;`)
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// FoldLine splits a content line longer than 75 octets into a first line of
// 75 octets and continuation lines of at most 74 octets, each continuation
// starting with a single space. Chunks never end inside a UTF-8 sequence.
func FoldLine(line string) string {
	if len(line) <= maxLineOctets {
		return line
	}

	var b strings.Builder
	limit := maxLineOctets
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			// Not UTF-8: split on the octet boundary.
			cut = limit
		}
		b.WriteString(line[:cut])
		b.WriteString(crlf)
		b.WriteByte(' ')
		line = line[cut:]
		limit = maxContinuationOctets
	}
	b.WriteString(line)
	return b.String()
}

// FilterByRange keeps the events starting in [start, end).
func FilterByRange(events []event.Event, start, end time.Time) []event.Event {
	out := make([]event.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Start.Before(start) && ev.Start.Before(end) {
			out = append(out, ev)
		}
	}
	return out
}

// Filename suggests a download name for an export made at now.
func Filename(now time.Time) string {
	return "intranet-calendar-" + now.In(event.Paris).Format("2006-01-02") + ".ics"
}

func checkDates(ev event.Event) error {
	switch {
	case ev.Start.IsZero():
		return &DateError{ID: ev.ID, Reason: "missing start date"}
	case ev.End.IsZero():
		return &DateError{ID: ev.ID, Reason: "missing end date"}
	case ev.End.Before(ev.Start):
		return &DateError{ID: ev.ID, Reason: "end date before start date"}
	}
	return nil
}

func localTime(t time.Time) string {
	return t.In(event.Paris).Format(localLayout)
}

func status(ev event.Event) string {
	if ev.IsRegistered {
		return "CONFIRMED"
	}
	return "TENTATIVE"
}
