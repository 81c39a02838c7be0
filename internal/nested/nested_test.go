package nested

import (
	"errors"
	"testing"

	"github.com/nalgeon/be"
)

func mustDecode(t *testing.T, doc string) Node {
	t.Helper()
	n, err := Decode([]byte(doc))
	be.Err(t, err, nil)
	return n
}

func TestDecodeKeepsKeyOrder(t *testing.T) {
	n := mustDecode(t, `{"z": 1, "a": [true, null, "x"], "m": {"k": "v"}}`)
	m, ok := n.(Map)
	be.True(t, ok)
	be.Equal(t, len(m), 3)
	be.Equal(t, m[0].Key, "z")
	be.Equal(t, m[1].Key, "a")
	be.Equal(t, m[2].Key, "m")
	be.Equal(t, m[0].Value, any(float64(1)))
	be.Equal(t, m[1].Value, any([]any{true, nil, "x"}))
	be.Equal(t, m.String("z"), "")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode([]byte(`{"a":1} {"b":2}`))
	be.True(t, err != nil)

	_, err = Decode([]byte(`{"a":`))
	be.True(t, err != nil)
}

func TestFindSingleLeaf(t *testing.T) {
	n := mustDecode(t, `{
		"id": "m1",
		"payload": {
			"headers": [{"name": "Subject", "value": "!!일정!!"}],
			"body": {"size": 0},
			"parts": [
				{"mimeType": "text/plain", "body": {"data": "7KCc66qpOiBB"}}
			]
		}
	}`)

	be.Equal(t, Find(n, "data"), []any{"7KCc66qpOiBB"})
}

func TestFindMissingKey(t *testing.T) {
	n := mustDecode(t, `{"a": {"b": [{"c": 1}]}}`)

	found := Find(n, "data")
	be.True(t, found != nil)
	be.Equal(t, len(found), 0)

	_, err := FindFirst(n, "data")
	be.True(t, errors.Is(err, ErrNotFound))
}

func TestFindShortCircuitsSiblingSubtrees(t *testing.T) {
	n := mustDecode(t, `{
		"parts": [
			{"body": {"data": "first"}},
			{"body": {"data": "second"}}
		],
		"other": {"data": "third"}
	}`)

	be.Equal(t, Find(n, "data"), []any{"first"})
}

func TestFindKeepsDirectMatchesBeforeSubtreeHit(t *testing.T) {
	n := mustDecode(t, `{"data": "top", "payload": {"data": "inner"}, "tail": {"data": "never"}}`)

	be.Equal(t, Find(n, "data"), []any{"top", "inner"})
}

func TestFindSkipsHeaders(t *testing.T) {
	n := mustDecode(t, `{
		"headers": [{"data": "header-value"}],
		"parts": [{"body": {"data": "body-value"}}]
	}`)

	be.Equal(t, Find(n, "data"), []any{"body-value"})
}

func TestFindDescendsHeadersWhenMap(t *testing.T) {
	// Only sequences under "headers" are excluded.
	n := mustDecode(t, `{"headers": {"data": "x"}}`)
	be.Equal(t, Find(n, "data"), []any{"x"})
}

func TestFindIgnoresScalarSequenceItems(t *testing.T) {
	n := mustDecode(t, `{"labelIds": ["UNREAD", "INBOX"], "parts": ["x", {"data": "y"}]}`)
	be.Equal(t, Find(n, "data"), []any{"y"})
}

func TestFindTopLevelSequence(t *testing.T) {
	n := mustDecode(t, `[{"a": 1}, {"data": "d1"}, {"data": "d2"}]`)
	be.Equal(t, Find(n, "data"), []any{"d1"})
}

func TestFindScalarRoot(t *testing.T) {
	be.Equal(t, len(Find("data", "data")), 0)
}

func TestFromValueStructOrder(t *testing.T) {
	type body struct {
		Data string `json:"data,omitempty"`
		Size int    `json:"size"`
	}
	type part struct {
		Body  *body  `json:"body"`
		Parts []part `json:"parts,omitempty"`
	}
	msg := part{
		Body: &body{Size: 0},
		Parts: []part{
			{Body: &body{Data: "abc", Size: 3}},
		},
	}

	n, err := FromValue(msg)
	be.Err(t, err, nil)

	first, err := FindFirst(n, "data")
	be.Err(t, err, nil)
	be.Equal(t, first, any("abc"))
}
