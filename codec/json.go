package codec

import (
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Default is the codec used when a run does not choose one.
var Default Codec = GoJSON{}

// JSON uses encoding/json. Documents from runtimes written in other
// languages always decode with it.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return "json" }

// GoJSON uses github.com/goccy/go-json. Its output is plain JSON.
type GoJSON struct{}

func (GoJSON) Marshal(v any) ([]byte, error)      { return gojson.Marshal(v) }
func (GoJSON) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }
func (GoJSON) Name() string                       { return "go-json" }

// SplitArray is the inverse of JoinArray: it returns the raw elements of a
// combined task result so each partition's result can be decoded on its own.
func SplitArray(c Codec, combined []byte) ([][]byte, error) {
	if c == nil {
		c = Default
	}
	var raw []json.RawMessage
	if err := c.Unmarshal(combined, &raw); err != nil {
		return nil, fmt.Errorf("codec %s: split array: %w", c.Name(), err)
	}
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = r
	}
	return out, nil
}
