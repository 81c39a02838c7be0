package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailcal/internal/config"
	"mailcal/internal/googleauth"
	"mailcal/internal/model"
)

// Google inserts events through the Calendar API and notifies attendees.
type Google struct {
	svc        *gcal.Service
	calendarID string
}

func NewGoogle(ctx context.Context, cfg config.GoogleCalendarConfig) (*Google, error) {
	client, err := googleauth.HTTPClient(ctx, cfg.GoogleAuthConfig, gcal.CalendarEventsScope)
	if err != nil {
		return nil, err
	}
	return newGoogle(ctx, cfg.CalendarID, option.WithHTTPClient(client))
}

func newGoogle(ctx context.Context, calendarID string, opts ...option.ClientOption) (*Google, error) {
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: google service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Google{svc: svc, calendarID: calendarID}, nil
}

func (g *Google) Name() string { return "google" }

// Insert returns the created event's id.
func (g *Google) Insert(ctx context.Context, rec *model.EventRecord) (string, error) {
	created, err := g.svc.Events.Insert(g.calendarID, toGoogleEvent(rec)).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		if permanent(err) {
			return "", fmt.Errorf("%w: google insert: %w", ErrPermanent, err)
		}
		return "", fmt.Errorf("calendar: google insert: %w", err)
	}
	return created.Id, nil
}

// permanent reports whether the API rejected the request itself. Timeouts,
// rate limits and server errors are worth retrying.
func permanent(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return gerr.Code >= 400 && gerr.Code < 500
}

func toGoogleEvent(rec *model.EventRecord) *gcal.Event {
	ev := &gcal.Event{
		Summary:     rec.Summary,
		Location:    rec.Location,
		Description: rec.Description,
		Start: &gcal.EventDateTime{
			DateTime: rec.Start.DateTime,
			TimeZone: rec.Start.TimeZone,
		},
		End: &gcal.EventDateTime{
			DateTime: rec.End.DateTime,
			TimeZone: rec.End.TimeZone,
		},
		Reminders: &gcal.EventReminders{
			UseDefault:      rec.Reminders.UseDefault,
			ForceSendFields: []string{"UseDefault"},
		},
	}
	for _, a := range rec.Attendees {
		ev.Attendees = append(ev.Attendees, &gcal.EventAttendee{Email: a.Email})
	}
	for _, r := range rec.Reminders.Overrides {
		ev.Reminders.Overrides = append(ev.Reminders.Overrides, &gcal.EventReminder{
			Method:  r.Method,
			Minutes: int64(r.Minutes),
		})
	}
	return ev
}
