package ics

import (
	"context"
	"errors"
	"strings"
	"time"

	appLog "mailcal/internal/log"
	"mailcal/internal/model"
)

// Guard looks for an event that already exists in the subscribed feeds.
type Guard struct {
	fetcher *Fetcher
	feeds   []Feed
	loc     *time.Location
}

func NewGuard(fetcher *Fetcher, feeds []Feed, loc *time.Location) *Guard {
	if loc == nil {
		loc = time.Local
	}
	return &Guard{fetcher: fetcher, feeds: feeds, loc: loc}
}

// Duplicate reports the first timed occurrence with the same summary
// (case- and space-insensitive) starting at the same instant as rec.
//
// Feeds that cannot be fetched or parsed are skipped; their errors are
// joined into err even when a duplicate was found in another feed.
func (g *Guard) Duplicate(ctx context.Context, rec *model.EventRecord) (model.Occurrence, bool, error) {
	var errs []error
	want := normalizeSummary(rec.Summary)

	for _, feed := range g.feeds {
		body, err := g.fetcher.Fetch(ctx, feed)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events, err := Parse(feed.ID, body.Data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		occs, err := Expand(events, rec.StartAt, rec.StartAt, g.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, o := range occs {
			if o.AllDay || !o.Start.Equal(rec.StartAt) {
				continue
			}
			if normalizeSummary(o.Summary) == want {
				appLog.Debug("ics: duplicate found", "feed", feed.ID, "uid", o.UID, "start", o.InstanceKey)
				return o, true, errors.Join(errs...)
			}
		}
	}
	return model.Occurrence{}, false, errors.Join(errs...)
}

func normalizeSummary(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
