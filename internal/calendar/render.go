package calendar

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"mailcal/internal/model"
)

const productID = "-//mailcal//mailcal//KO"

// Invite is a rendered VCALENDAR.
type Invite struct {
	UID  string
	Body string
}

// Render builds a VCALENDAR holding one VEVENT for rec, with one VALARM per
// reminder. method is "PUBLISH" for files, "REQUEST" for e-mailed invites;
// organizer may be empty.
func Render(rec *model.EventRecord, method ical.Method, organizer string, now time.Time) Invite {
	uid := uuid.NewString() + "@mailcal"

	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(method)

	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(now)
	ev.SetCreatedTime(now)
	ev.SetStartAt(rec.StartAt)
	ev.SetEndAt(rec.EndAt)
	ev.SetSummary(rec.Summary)
	if rec.Location != "" {
		ev.SetLocation(rec.Location)
	}
	if rec.Description != "" {
		ev.SetDescription(rec.Description)
	}
	if organizer != "" {
		ev.SetOrganizer("mailto:" + organizer)
	}
	for _, a := range rec.Attendees {
		ev.AddAttendee("mailto:"+a.Email,
			ical.CalendarUserTypeIndividual,
			ical.ParticipationStatusNeedsAction,
			ical.ParticipationRoleReqParticipant,
			ical.WithRSVP(true),
		)
	}

	for _, r := range rec.Reminders.Overrides {
		alarm := ev.AddAlarm()
		alarm.SetTrigger(fmt.Sprintf("-PT%dM", r.Minutes))
		alarm.SetProperty(ical.ComponentPropertyDescription, rec.Summary)
		switch r.Method {
		case model.ReminderEmail:
			alarm.SetAction(ical.ActionEmail)
			alarm.SetProperty(ical.ComponentPropertySummary, rec.Summary)
			for _, a := range rec.Attendees {
				alarm.AddProperty(ical.ComponentPropertyAttendee, "mailto:"+a.Email)
			}
		default:
			alarm.SetAction(ical.ActionDisplay)
		}
	}

	return Invite{UID: uid, Body: cal.Serialize()}
}
