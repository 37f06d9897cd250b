package dto

import (
	"bytes"
	"encoding/json"
)

// Nullable distinguishes a JSON field that is absent, explicitly null, or
// carries a value. Absent fields keep the zero value (Set == false).
type Nullable[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Of returns a present, non-null value.
func Of[T any](value T) Nullable[T] {
	return Nullable[T]{Set: true, Value: value}
}

// Null returns a present, explicitly null value.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true, Null: true}
}

// Present reports whether the field carries a non-null value.
func (n Nullable[T]) Present() bool {
	return n.Set && !n.Null
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Null = true
		var zero T
		n.Value = zero
		return nil
	}
	n.Null = false
	return json.Unmarshal(data, &n.Value)
}

// MarshalJSON implements json.Marshaler. Unset values encode as null; use
// omitempty-free structs only where that is acceptable.
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Set || n.Null {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}
