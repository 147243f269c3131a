package models

import (
	"bytes"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Metadata is a string-keyed map of JSON values that remembers insertion
// order. Setting an existing key replaces its value in place.
//
// Only the top level is ordered; nested objects decode to map[string]any.
// The zero value is not usable, use NewMetadata. A nil *Metadata behaves as
// an empty, read-only map.
type Metadata struct {
	keys   []string
	values map[string]interface{}
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]interface{})}
}

// MetadataOf builds a Metadata from alternating key, value pairs.
func MetadataOf(kv ...interface{}) *Metadata {
	m := NewMetadata()
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return m
}

// Set inserts or replaces key.
func (m *Metadata) Set(key string, value interface{}) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Delete removes key if present.
func (m *Metadata) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (m *Metadata) Range(fn func(key string, value interface{}) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Map returns an unordered copy, for callers such as database drivers that
// want a plain map.
func (m *Metadata) Map() map[string]interface{} {
	out := make(map[string]interface{}, m.Len())
	m.Range(func(k string, v interface{}) bool {
		out[k] = v
		return true
	})
	return out
}

// Clone copies the container; values are shared.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := &Metadata{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]interface{}, len(m.values)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = v
	}
	return out
}

// MarshalJSON writes entries in insertion order.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := gojson.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := gojson.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object preserving key order. Numbers decode as
// gojson.Number so integer values survive a round trip unchanged.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	m.keys = nil
	m.values = make(map[string]interface{})

	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := gojson.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	return decodeOrderedObject(dec, m)
}

// decodeOrderedObject consumes one JSON object from dec into m.
func decodeOrderedObject(dec *gojson.Decoder, m *Metadata) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(gojson.Delim); !ok || delim != '{' {
		return fmt.Errorf("metadata must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("metadata key must be a string")
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

// DecodeOrderedObject parses raw as a JSON object and returns its members in
// source order. It is exported for parsers that need to classify keys before
// building metadata.
func DecodeOrderedObject(raw []byte) (*Metadata, error) {
	m := NewMetadata()
	dec := gojson.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := decodeOrderedObject(dec, m); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	// Anything after the closing brace other than whitespace is trailing junk.
	if _, err := dec.Token(); err == nil {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return m, nil
}
