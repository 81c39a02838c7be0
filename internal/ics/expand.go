package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "mailcal/internal/log"
	"mailcal/internal/model"
)

// maxInstances caps the expansion of one series inside a window.
const maxInstances = 1000

// Expand turns parsed events into the concrete occurrences overlapping
// [from, to], in loc. Series are expanded with their RRULE and EXDATEs;
// instances replaced by a RECURRENCE-ID event take that event's data.
func Expand(events []vevent, from, to time.Time, loc *time.Location) ([]model.Occurrence, error) {
	if to.Before(from) {
		return nil, errors.New("ics: window end is before its start")
	}
	if loc == nil {
		loc = time.Local
	}

	series := make(map[string][]vevent)
	replaced := make(map[string][]vevent)
	for _, ev := range events {
		if ev.recurrenceID != nil {
			replaced[ev.uid] = append(replaced[ev.uid], ev)
			continue
		}
		series[ev.uid] = append(series[ev.uid], ev)
	}

	out := make([]model.Occurrence, 0)
	for uid, evs := range series {
		for _, ev := range evs {
			out = append(out, expandOne(ev, replaced[uid], from, to, loc)...)
		}
	}
	return out, nil
}

func expandOne(ev vevent, overrides []vevent, from, to time.Time, loc *time.Location) []model.Occurrence {
	if ev.rrule == "" {
		if !overlaps(ev.start, ev.end, from, to) {
			return nil
		}
		return []model.Occurrence{instance(ev, overrides, ev.start, ev.end, loc)}
	}

	opt, err := rrule.StrToROption(ev.rrule)
	if err != nil {
		appLog.Warn("ics: bad RRULE", "uid", ev.uid, "rrule", ev.rrule, "err", err)
		return nil
	}
	opt.Dtstart = ev.start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Warn("ics: bad RRULE", "uid", ev.uid, "rrule", ev.rrule, "err", err)
		return nil
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exdates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	dur := ev.end.Sub(ev.start)
	// widen by the duration so an instance that started before from but is
	// still running is included
	starts := set.Between(from.Add(-dur).In(ev.start.Location()), to.In(ev.start.Location()), true)
	if len(starts) > maxInstances {
		appLog.Warn("ics: series truncated", "uid", ev.uid, "cap", maxInstances)
		starts = starts[:maxInstances]
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, s := range starts {
		out = append(out, instance(ev, overrides, s, s.Add(dur), loc))
	}
	return out
}

// instance builds the occurrence starting at start, applying a matching
// RECURRENCE-ID override.
func instance(ev vevent, overrides []vevent, start, end time.Time, loc *time.Location) model.Occurrence {
	for _, o := range overrides {
		if o.recurrenceID.Equal(start) {
			ev, start, end = o, o.start, o.end
			break
		}
	}
	s, e := start.In(loc), end.In(loc)
	if ev.allDay {
		// dates float: midnight wherever they are shown
		s, e = midnight(start, loc), midnight(end, loc)
	}
	return model.Occurrence{
		SourceID:    ev.feedID,
		UID:         ev.uid,
		InstanceKey: s.Format(time.RFC3339),
		Summary:     ev.summary,
		Location:    ev.location,
		AllDay:      ev.allDay,
		Start:       s,
		End:         e,
	}
}

func midnight(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
