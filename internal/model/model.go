package model

import "time"

// DateTimeLayout is the local ISO-8601 form used for EventTime.DateTime.
// The offset is carried separately by EventTime.TimeZone.
const DateTimeLayout = "2006-01-02T15:04:05"

// EventRecord is the normalized event built from one scheduling e-mail.
// Its JSON form matches the Google Calendar events resource subset that the
// sinks submit.
type EventRecord struct {
	Summary     string     `json:"summary"`
	Location    string     `json:"location,omitempty"`
	Description string     `json:"description,omitempty"`
	Start       EventTime  `json:"start"`
	End         EventTime  `json:"end"`
	Attendees   []Attendee `json:"attendees"`
	Reminders   Reminders  `json:"reminders"`

	// SourceID is the id of the message the record was built from.
	SourceID string `json:"-"`
	// StartAt / EndAt keep the resolved instants for sinks that need time.Time.
	StartAt time.Time `json:"-"`
	EndAt   time.Time `json:"-"`
}

// EventTime is a wall-clock time in a named IANA zone.
type EventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// NewEventTime formats t (already in the zone) for the given zone id.
func NewEventTime(t time.Time, zone string) EventTime {
	return EventTime{DateTime: t.Format(DateTimeLayout), TimeZone: zone}
}

type Attendee struct {
	Email string `json:"email"`
}

// Reminder methods.
const (
	ReminderEmail = "email"
	ReminderPopup = "popup"
)

type Reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type Reminders struct {
	UseDefault bool       `json:"useDefault"`
	Overrides  []Reminder `json:"overrides"`
}

// DefaultReminders is the fixed reminder policy: an e-mail one day before and
// a popup ten minutes before.
func DefaultReminders() Reminders {
	return Reminders{
		UseDefault: false,
		Overrides: []Reminder{
			{Method: ReminderEmail, Minutes: 24 * 60},
			{Method: ReminderPopup, Minutes: 10},
		},
	}
}

// AttendeeEmails returns the attendee addresses in order.
func (e *EventRecord) AttendeeEmails() []string {
	out := make([]string, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		out = append(out, a.Email)
	}
	return out
}

// Occurrence represents a single concrete instance of an event from a
// subscribed calendar feed (after recurrence expansion and timezone
// normalization). The duplicate guard compares new records against these.
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool

	// Start / End are in the configured timezone.
	Start time.Time
	End   time.Time
}
