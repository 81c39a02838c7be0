// Package nested searches ordered key/value trees such as decoded Gmail API
// message payloads.
//
// A Node is one of:
//
//   - Map: ordered mapping from string keys to Nodes
//   - []any: ordered sequence of Nodes
//   - a scalar (string, float64, bool or nil)
//
// Key order matters for Find, so payloads are decoded with Decode rather than
// into a plain Go map.
package nested

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// HeadersKey is never descended into: header lists carry name/value pairs,
// not message content.
const HeadersKey = "headers"

// ErrNotFound is returned by FindFirst when the key occurs nowhere in the tree.
var ErrNotFound = errors.New("nested: key not found")

// Node is any value of a decoded tree.
type Node = any

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   string
	Value Node
}

// Map is a mapping that keeps its source key order.
type Map []Entry

// Get returns the first value stored under key.
func (m Map) Get(key string) (Node, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// String returns the value under key if it is a string.
func (m Map) String(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Find collects the values stored under key, walking the tree depth-first in
// key order.
//
// Descent stops at the first nested subtree that produced a match: sibling
// subtrees visited after it are not explored. Matches found directly in a
// mapping before that point are kept. Sequences under HeadersKey are skipped.
//
// The result is never nil; an empty slice means the key was not found.
func Find(node Node, key string) []any {
	result := make([]any, 0, 1)
	switch v := node.(type) {
	case Map:
		find(v, key, &result)
	case []any:
		findInSeq(v, key, &result)
	}
	return result
}

// FindFirst returns the first value Find would return, or ErrNotFound.
func FindFirst(node Node, key string) (Node, error) {
	found := Find(node, key)
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return found[0], nil
}

// find reports whether the subtree rooted at m appended at least one match.
func find(m Map, key string, result *[]any) bool {
	before := len(*result)
	for _, e := range m {
		if e.Key == key {
			*result = append(*result, e.Value)
			continue
		}
		switch v := e.Value.(type) {
		case []any:
			if e.Key == HeadersKey {
				continue
			}
			if findInSeq(v, key, result) {
				return true
			}
		case Map:
			if find(v, key, result) {
				return true
			}
		}
	}
	return len(*result) > before
}

func findInSeq(seq []any, key string, result *[]any) bool {
	for _, item := range seq {
		sub, ok := item.(Map)
		if !ok {
			continue
		}
		if find(sub, key, result) {
			return true
		}
	}
	return false
}

// Decode parses a JSON document into a Node, preserving object key order.
func Decode(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	v, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("nested: decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("nested: decode: trailing data after document")
	}
	return v, nil
}

// FromValue converts a Go value (typically an API struct) to a Node via its
// JSON encoding. Struct fields keep their declaration order.
func FromValue(v any) (Node, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("nested: encode: %w", err)
	}
	return Decode(data)
}

func decodeValue(dec *json.Decoder) (Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		// string, float64, bool or nil
		return tok, nil
	}

	switch delim {
	case '{':
		m := Map{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected object key %v", kt)
			}
			val, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			m = append(m, Entry{Key: key, Value: val})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return m, nil
	case '[':
		seq := make([]any, 0)
		for dec.More() {
			val, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			seq = append(seq, val)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return seq, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %q", delim)
	}
}
