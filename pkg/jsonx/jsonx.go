// Package jsonx provides thin wrappers around encoding/json.
package jsonx

// Thin wrapper to centralize JSON usage and allow future drop-in acceleration.

import (
	stdjson "encoding/json"
)

// Marshal encodes v into JSON using the standard library.
func Marshal(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

// Unmarshal decodes JSON data into v using the standard library.
func Unmarshal(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return stdjson.Valid(data)
}
