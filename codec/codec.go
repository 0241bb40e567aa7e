// Package codec encodes the JSON documents exchanged with runtimes: package
// init payloads, run globals and task results.
//
// The codec name travels with a run, so every runtime of an experiment
// decodes with the same implementation.
package codec

import (
	"bytes"
	"fmt"
)

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// MustMarshal is a helper for static payloads in tests and examples.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}

// JoinArray joins already encoded JSON documents into one JSON array, in
// order. Empty parts become null.
func JoinArray(parts [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(bytes.TrimSpace(p)) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(p)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
