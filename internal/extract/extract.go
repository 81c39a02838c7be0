// Package extract pulls labeled fields ("제목: ...", "장소: ...") out of
// free-form message bodies.
package extract

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Field is a canonical field name.
type Field string

const (
	FieldTitle       Field = "title"
	FieldLocation    Field = "location"
	FieldDescription Field = "description"
	FieldStartTime   Field = "start_time"
	FieldDuration    Field = "duration"
	FieldAttendee    Field = "attendee"
)

// Valid reports whether f is one of the canonical fields.
func (f Field) Valid() bool {
	switch f {
	case FieldTitle, FieldLocation, FieldDescription, FieldStartTime, FieldDuration, FieldAttendee:
		return true
	}
	return false
}

// ErrDecode is returned when the body is not base64url-encoded UTF-8 text.
var ErrDecode = errors.New("extract: cannot decode body")

// Fields maps canonical fields to their captured values. Once a field is set
// later labels for it are ignored.
type Fields map[Field]string

// Get returns the value for f, or "" when absent.
func (f Fields) Get(field Field) string {
	return f[field]
}

// Label binds one human-language label token to a canonical field.
type Label struct {
	Token string `yaml:"token" json:"token"`
	Field Field  `yaml:"field" json:"field"`
}

// Table is an ordered label table. Order only matters for labels that share
// a line: the earlier entry wins for its field.
type Table []Label

// DefaultTable returns the Korean label set.
func DefaultTable() Table {
	return Table{
		{Token: "제목", Field: FieldTitle},
		{Token: "주제", Field: FieldTitle},
		{Token: "장소", Field: FieldLocation},
		{Token: "설명", Field: FieldDescription},
		{Token: "내용", Field: FieldDescription},
		{Token: "시간", Field: FieldStartTime},
		{Token: "일시", Field: FieldStartTime},
		{Token: "기간", Field: FieldDuration},
		{Token: "참석자", Field: FieldAttendee},
	}
}

// Validate checks that every label has a token and a canonical field.
func (t Table) Validate() error {
	for i, l := range t {
		if strings.TrimSpace(l.Token) == "" {
			return fmt.Errorf("extract: label %d has empty token", i)
		}
		if !l.Field.Valid() {
			return fmt.Errorf("extract: label %q maps to unknown field %q", l.Token, l.Field)
		}
	}
	return nil
}

// Extract decodes a base64url body and scans it with ExtractText.
func Extract(raw []byte, table Table) (Fields, error) {
	text, err := DecodeBody(raw)
	if err != nil {
		return nil, err
	}
	return ExtractText(text, table), nil
}

// DecodeBody decodes a Gmail-style body part. Padding is optional; the
// standard alphabet is accepted as a fallback.
func DecodeBody(raw []byte) (string, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimRight(s, "=")

	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		var stdErr error
		decoded, stdErr = base64.RawStdEncoding.DecodeString(s)
		if stdErr != nil {
			return "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("%w: body is not valid UTF-8", ErrDecode)
	}
	return string(decoded), nil
}

// ExtractText scans text line by line. For each line, labels are tried in
// table order; a label counts only when followed by optional whitespace, a
// colon, and the rest of the line. Labels without a colon are skipped.
func ExtractText(text string, table Table) Fields {
	patterns := compile(table)
	out := make(Fields)

	for _, line := range strings.Split(text, "\n") {
		for i, l := range table {
			if l.Token == "" || !strings.Contains(line, l.Token) {
				continue
			}
			if _, done := out[l.Field]; done {
				continue
			}
			m := patterns[i].FindStringSubmatch(line)
			if m == nil {
				continue
			}
			out[l.Field] = strings.TrimSpace(strings.Trim(m[1], "\r\n"))
		}
	}
	return out
}

func compile(table Table) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(table))
	for i, l := range table {
		patterns[i] = regexp.MustCompile(regexp.QuoteMeta(l.Token) + `\s*:\s*(.*)`)
	}
	return patterns
}
