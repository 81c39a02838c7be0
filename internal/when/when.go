// Package when parses loosely written Korean date/time fragments such as
// "2020년 1월 5일 오후 2시" or "3일 10시 반" into a full timestamp.
//
// Each component (년/월/일/시/분) is matched independently, so components may
// appear in any order and any of them may be omitted. Missing year, month and
// day default to today in the parser's location; missing hour and minute
// default to zero. A fragment must carry at least a day or an hour.
package when

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var (
	// ErrUnparsable is the root of every parse failure.
	ErrUnparsable = errors.New("when: unparsable date/time")

	ErrEmpty       = fmt.Errorf("%w: empty input", ErrUnparsable)
	ErrNoDayOrHour = fmt.Errorf("%w: neither day nor hour given", ErrUnparsable)
	ErrHourRange   = fmt.Errorf("%w: hour must be 1-12 with 오후", ErrUnparsable)
	ErrOutOfRange  = fmt.Errorf("%w: component out of range", ErrUnparsable)
)

const (
	markerAfternoon = "오후"
	markerMorning   = "오전"
)

var (
	yearRe   = component("년")
	monthRe  = component("월")
	dayRe    = component("일")
	hourRe   = component("시")
	minuteRe = component("분")
	halfRe   = regexp.MustCompile(`(?:^|\D)\d{1,4}시\s*반`)

	// Forms handed to dateparse when no Korean unit marker is present.
	numericDateRe = regexp.MustCompile(`\d{1,4}[-./]\d{1,2}[-./]\d{1,4}`)
	clockRe       = regexp.MustCompile(`\d{1,2}:\d{2}`)
)

// component matches a 1-4 digit number immediately followed by unit.
func component(unit string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\D)(\d{1,4})` + regexp.QuoteMeta(unit))
}

// Fragment is a partially specified point in time. Nil components were not
// present in the text.
type Fragment struct {
	Year   *int
	Month  *int
	Day    *int
	Hour   *int
	Minute *int

	Afternoon bool
	Morning   bool
	HalfHour  bool
}

// Valid reports whether the fragment names a day or an hour.
func (f Fragment) Valid() bool {
	return f.Day != nil || f.Hour != nil
}

func (f Fragment) empty() bool {
	return f.Year == nil && f.Month == nil && f.Day == nil && f.Hour == nil && f.Minute == nil &&
		!f.Afternoon && !f.Morning
}

// ParseFragment extracts the components present in text without defaulting.
func ParseFragment(text string) Fragment {
	text = normalize(text)
	return Fragment{
		Year:      match(yearRe, text),
		Month:     match(monthRe, text),
		Day:       match(dayRe, text),
		Hour:      match(hourRe, text),
		Minute:    match(minuteRe, text),
		Afternoon: strings.Contains(text, markerAfternoon),
		Morning:   strings.Contains(text, markerMorning),
		HalfHour:  halfRe.MatchString(text),
	}
}

func normalize(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\u00a0", " "))
}

func match(re *regexp.Regexp, text string) *int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// Parser resolves fragments against the current date in Location.
type Parser struct {
	Location *time.Location
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// NewParser returns a Parser for loc (time.Local when nil).
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{Location: loc, Now: time.Now}
}

func (p *Parser) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

func (p *Parser) now() time.Time {
	if p.Now == nil {
		return time.Now().In(p.location())
	}
	return p.Now().In(p.location())
}

// Parse resolves text to a timestamp with zero seconds. All failures wrap
// ErrUnparsable.
func (p *Parser) Parse(text string) (time.Time, error) {
	text = normalize(text)
	if text == "" {
		return time.Time{}, ErrEmpty
	}

	frag := ParseFragment(text)
	if frag.empty() && (numericDateRe.MatchString(text) || clockRe.MatchString(text)) {
		return p.parseNumeric(text)
	}
	return p.Resolve(frag)
}

// Resolve fills the fragment's missing components and builds the timestamp.
func (p *Parser) Resolve(f Fragment) (time.Time, error) {
	if !f.Valid() {
		return time.Time{}, ErrNoDayOrHour
	}

	now := p.now()
	year, month, day := now.Year(), int(now.Month()), now.Day()
	hour, minute := 0, 0

	if f.Year != nil {
		year = *f.Year
		if year < 100 {
			year += 2000
		}
	}
	if f.Month != nil {
		month = *f.Month
	}
	if f.Day != nil {
		day = *f.Day
	}
	if f.Hour != nil {
		hour = *f.Hour
	}
	if f.Minute != nil {
		minute = *f.Minute
	} else if f.HalfHour {
		minute = 30
	}

	switch {
	case f.Afternoon:
		// 오후 12시 is noon; 오후 without an hour numeral resolves to 12:00.
		switch {
		case hour >= 1 && hour <= 11:
			hour += 12
		case hour == 12:
		case hour == 0 && f.Hour == nil:
			hour = 12
		default:
			return time.Time{}, fmt.Errorf("%w: got %d", ErrHourRange, hour)
		}
	case f.Morning && hour == 12:
		hour = 0
	}

	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("%w: month %d", ErrOutOfRange, month)
	}
	if day < 1 || day > daysIn(year, time.Month(month)) {
		return time.Time{}, fmt.Errorf("%w: day %d of %d-%02d", ErrOutOfRange, day, year, month)
	}
	if hour > 23 {
		return time.Time{}, fmt.Errorf("%w: hour %d", ErrOutOfRange, hour)
	}
	if minute > 59 {
		return time.Time{}, fmt.Errorf("%w: minute %d", ErrOutOfRange, minute)
	}

	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, p.location()), nil
}

func (p *Parser) parseNumeric(text string) (time.Time, error) {
	loc := p.location()
	t, err := dateparse.ParseIn(text, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	t = t.In(loc)

	// A bare clock time ("14:00") means today.
	if !numericDateRe.MatchString(text) {
		now := p.now()
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
