package when

import (
	"errors"
	"testing"
	"time"

	"github.com/nalgeon/be"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	be.Err(t, err, nil)
	return loc
}

func fixedParser(t *testing.T) *Parser {
	loc := seoul(t)
	p := NewParser(loc)
	p.Now = func() time.Time {
		return time.Date(2026, 10, 19, 9, 30, 15, 0, loc)
	}
	return p
}

func TestParse(t *testing.T) {
	p := fixedParser(t)
	loc := p.Location

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2020년 1월 3일 2시", time.Date(2020, 1, 3, 2, 0, 0, 0, loc)},
		{"2020년 1월 5일 오후 2시", time.Date(2020, 1, 5, 14, 0, 0, 0, loc)},
		{"2월 3일 오후 2시", time.Date(2026, 2, 3, 14, 0, 0, 0, loc)},
		{"오늘 오후 2시", time.Date(2026, 10, 19, 14, 0, 0, 0, loc)},
		{"25일", time.Date(2026, 10, 25, 0, 0, 0, 0, loc)},
		{"3시 15분", time.Date(2026, 10, 19, 3, 15, 0, 0, loc)},
		{"2시 1월 2020년 3일", time.Date(2020, 1, 3, 2, 0, 0, 0, loc)},
		{"11월 2일 10시 반", time.Date(2026, 11, 2, 10, 30, 0, 0, loc)},
		{"11월 2일 10시 반 45분", time.Date(2026, 11, 2, 10, 45, 0, 0, loc)},
		{"오후 12시", time.Date(2026, 10, 19, 12, 0, 0, 0, loc)},
		{"오전 12시 30분", time.Date(2026, 10, 19, 0, 30, 0, 0, loc)},
		{"오전 9시", time.Date(2026, 10, 19, 9, 0, 0, 0, loc)},
		{"4일 오후", time.Date(2026, 10, 4, 12, 0, 0, 0, loc)},
		{"25년 3월 1일 9시", time.Date(2025, 3, 1, 9, 0, 0, 0, loc)},
		{"2020년 1월 3일 2시", time.Date(2020, 1, 3, 2, 0, 0, 0, loc)},
		{"  14시  ", time.Date(2026, 10, 19, 14, 0, 0, 0, loc)},
		{"2020-01-03 14:00", time.Date(2020, 1, 3, 14, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := p.Parse(tt.in)
			be.Err(t, err, nil)
			be.True(t, got.Equal(tt.want))
			be.Equal(t, got.Second(), 0)
			be.Equal(t, got.Location().String(), "Asia/Seoul")
		})
	}
}

func TestParseRejects(t *testing.T) {
	p := fixedParser(t)

	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"5월", ErrNoDayOrHour},
		{"2021년 5월", ErrNoDayOrHour},
		{"오늘 오후", ErrNoDayOrHour},
		{"30분", ErrNoDayOrHour},
		{"다음 주 언젠가", ErrNoDayOrHour},
		{"오후 14시", ErrHourRange},
		{"오후 0시", ErrHourRange},
		{"2월 30일 3시", ErrOutOfRange},
		{"13월 1일", ErrOutOfRange},
		{"25시", ErrOutOfRange},
		{"1일 3시 75분", ErrOutOfRange},
		{"0일 3시", ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := p.Parse(tt.in)
			be.True(t, errors.Is(err, tt.want))
			be.True(t, errors.Is(err, ErrUnparsable))
		})
	}
}

func TestParseFragment(t *testing.T) {
	f := ParseFragment("2020년 1월 5일 오후 2시")
	be.Equal(t, *f.Year, 2020)
	be.Equal(t, *f.Month, 1)
	be.Equal(t, *f.Day, 5)
	be.Equal(t, *f.Hour, 2)
	be.True(t, f.Minute == nil)
	be.True(t, f.Afternoon)
	be.True(t, f.Valid())

	f = ParseFragment("5월")
	be.True(t, !f.Valid())

	// 12345년 is not a 1-4 digit year.
	f = ParseFragment("12345년 3일")
	be.True(t, f.Year == nil)
	be.Equal(t, *f.Day, 3)
}

func TestParseDefaultsDependOnlyOnClock(t *testing.T) {
	p := fixedParser(t)
	a, err := p.Parse("3일 4시")
	be.Err(t, err, nil)
	b, err := p.Parse("3일 4시")
	be.Err(t, err, nil)
	be.True(t, a.Equal(b))

	loc := p.Location
	p.Now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, loc) }
	c, err := p.Parse("3일 4시")
	be.Err(t, err, nil)
	be.True(t, c.Equal(time.Date(2027, 1, 3, 4, 0, 0, 0, loc)))
}

func TestNilLocationUsesLocal(t *testing.T) {
	p := &Parser{}
	got, err := p.Parse("2020년 1월 3일 2시")
	be.Err(t, err, nil)
	be.Equal(t, got.Location(), time.Local)
}
