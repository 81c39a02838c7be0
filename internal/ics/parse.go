package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "mailcal/internal/log"
)

// vevent is the subset of a VEVENT the guard compares on, plus what
// recurrence expansion needs.
type vevent struct {
	feedID string
	uid    string

	summary  string
	location string

	start  time.Time
	end    time.Time
	allDay bool

	rrule   string
	exdates []time.Time
	// recurrenceID is set on a VEVENT that replaces one instance of a series.
	recurrenceID *time.Time
}

// Parse reads every VEVENT of an ICS document. Broken events are logged and
// skipped; only an unreadable document is an error.
func Parse(feedID string, data []byte) ([]vevent, error) {
	if len(data) == 0 {
		return nil, errors.New("ics: empty document")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ics: parse %s: %w", feedID, err)
	}

	out := make([]vevent, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		ev, err := toVevent(feedID, ve)
		if err != nil {
			appLog.Warn("ics: skipping event", "feed", feedID, "err", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func toVevent(feedID string, ve *ical.VEvent) (vevent, error) {
	ev := vevent{feedID: feedID}

	p := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if p == nil || p.Value == "" {
		return ev, errors.New("missing UID")
	}
	ev.uid = p.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.location = p.Value
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return ev, errors.New("missing DTSTART")
	}
	ev.allDay = isDateValue(dtstart)
	if ev.allDay {
		start, err := ve.GetAllDayStartAt()
		if err != nil {
			return ev, fmt.Errorf("DTSTART: %w", err)
		}
		ev.start = start
		ev.end = start.AddDate(0, 0, 1)
		if end, err := ve.GetAllDayEndAt(); err == nil && end.After(start) {
			ev.end = end
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, fmt.Errorf("DTSTART: %w", err)
		}
		ev.start = start
		ev.end = start
		if end, err := ve.GetEndAt(); err == nil {
			ev.end = end
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}

	loc := ev.start.Location()
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, v := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(strings.TrimSpace(v), tzidOf(p, loc)); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, tzidOf(p, loc)); err == nil {
			ev.recurrenceID = &t
		}
	}

	return ev, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters[string(ical.ParameterValue)]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// tzidOf resolves the property's TZID parameter, falling back to def.
func tzidOf(p *ical.IANAProperty, def *time.Location) *time.Location {
	if tz := p.ICalParameters[string(ical.ParameterTzid)]; len(tz) > 0 {
		if loc, err := time.LoadLocation(tz[0]); err == nil {
			return loc
		}
	}
	return def
}

// parseICSTime reads DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
