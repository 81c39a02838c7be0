// Package event turns extracted fields into a calendar EventRecord.
package event

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mailcal/internal/extract"
	"mailcal/internal/model"
	"mailcal/internal/when"
)

var (
	// ErrIncomplete means the start time could not be resolved; the message
	// should be skipped, not submitted.
	ErrIncomplete = errors.New("event: start time unresolved")
	// ErrDuration means the duration field is present but unreadable.
	ErrDuration = errors.New("event: invalid duration")
)

const defaultDuration = time.Hour

// Config holds the per-deployment defaults applied to every event.
type Config struct {
	// TimeZone is an IANA zone id, e.g. "Asia/Seoul".
	TimeZone string
	// DefaultAttendee is used when the message names nobody. Required.
	DefaultAttendee string
	// DefaultDuration is used when the message gives no duration. Zero means one hour.
	DefaultDuration time.Duration
}

// Input is the raw field text for one event. Empty strings mean "not given".
type Input struct {
	Title       string
	StartTime   string
	Duration    string
	Attendee    string
	Description string
	Location    string
}

// InputFromFields maps an extractor result onto Input.
func InputFromFields(f extract.Fields) Input {
	return Input{
		Title:       f.Get(extract.FieldTitle),
		StartTime:   f.Get(extract.FieldStartTime),
		Duration:    f.Get(extract.FieldDuration),
		Attendee:    f.Get(extract.FieldAttendee),
		Description: f.Get(extract.FieldDescription),
		Location:    f.Get(extract.FieldLocation),
	}
}

// Builder composes EventRecords. It holds no mutable state.
type Builder struct {
	cfg    Config
	parser *when.Parser
}

// NewBuilder validates cfg and prepares a date parser in its zone.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.TimeZone == "" {
		return nil, errors.New("event: timezone is empty")
	}
	if strings.TrimSpace(cfg.DefaultAttendee) == "" {
		return nil, errors.New("event: default attendee is empty")
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("event: load timezone %q: %w", cfg.TimeZone, err)
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = defaultDuration
	}
	return &Builder{cfg: cfg, parser: when.NewParser(loc)}, nil
}

// Parser exposes the date parser so callers can pin its clock.
func (b *Builder) Parser() *when.Parser {
	return b.parser
}

// Build resolves the start time and applies the defaults. It returns
// ErrIncomplete (wrapping the parser error) when no start time can be
// resolved.
func (b *Builder) Build(in Input) (*model.EventRecord, error) {
	start, err := b.parser.Parse(in.StartTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrIncomplete, in.StartTime, err)
	}

	dur := b.cfg.DefaultDuration
	if strings.TrimSpace(in.Duration) != "" {
		dur, err = ParseDuration(in.Duration)
		if err != nil {
			return nil, err
		}
	}
	end := start.Add(dur)

	attendees := splitAttendees(in.Attendee)
	if len(attendees) == 0 {
		attendees = []string{b.cfg.DefaultAttendee}
	}

	rec := &model.EventRecord{
		Summary:     in.Title,
		Location:    in.Location,
		Description: in.Description,
		Start:       model.NewEventTime(start, b.cfg.TimeZone),
		End:         model.NewEventTime(end, b.cfg.TimeZone),
		Attendees:   make([]model.Attendee, 0, len(attendees)),
		Reminders:   model.DefaultReminders(),
		StartAt:     start,
		EndAt:       end,
	}
	for _, a := range attendees {
		rec.Attendees = append(rec.Attendees, model.Attendee{Email: a})
	}
	return rec, nil
}

// BuildFields is Build over an extractor result.
func (b *Builder) BuildFields(f extract.Fields) (*model.EventRecord, error) {
	return b.Build(InputFromFields(f))
}

var (
	plainHoursRe  = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	koDurationRe  = regexp.MustCompile(`^(?:(\d+(?:\.\d+)?)\s*시간)?\s*(?:(\d+)\s*분)?$`)
	attendeeSepRe = regexp.MustCompile(`[,;]`)
)

// ParseDuration reads "2", "1.5", "2시간", "90분" or "1시간 30분". A bare
// number is hours.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	var hours float64
	var minutes int
	switch {
	case plainHoursRe.MatchString(s):
		h, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrDuration, s)
		}
		hours = h
	default:
		m := koDurationRe.FindStringSubmatch(s)
		if m == nil || (m[1] == "" && m[2] == "") {
			return 0, fmt.Errorf("%w: %q", ErrDuration, s)
		}
		if m[1] != "" {
			h, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrDuration, s)
			}
			hours = h
		}
		if m[2] != "" {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrDuration, s)
			}
			minutes = n
		}
	}

	d := time.Duration(math.Round(hours*60))*time.Minute + time.Duration(minutes)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrDuration, s)
	}
	return d, nil
}

func splitAttendees(s string) []string {
	out := make([]string, 0, 1)
	for _, part := range attendeeSepRe.Split(s, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
