package batch

import (
	"errors"
	"fmt"
)

// DataType is the physical type of a column.
type DataType uint8

const (
	Bool DataType = iota + 1
	Int32
	Int64
	Uint32
	Uint64
	Float32
	Float64
	// FixedBytes columns hold Field.Width opaque bytes per row.
	FixedBytes
)

func (t DataType) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case FixedBytes:
		return "fixed_bytes"
	default:
		return fmt.Sprintf("DataType(%d)", uint8(t))
	}
}

// Field is one named, typed column.
type Field struct {
	Name  string
	Type  DataType
	Width int // only for FixedBytes
}

// ByteWidth returns the number of bytes one value of the field occupies.
func (f Field) ByteWidth() int {
	switch f.Type {
	case Bool:
		return 1
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	case FixedBytes:
		return f.Width
	default:
		return 0
	}
}

// Schema is the fixed set of columns of a batch. It tells batches where each
// column lives inside a segment.
type Schema struct {
	fields []Field
	index  map[string]int
}

// ErrInvalidSchema is returned for schemas with duplicate, empty or
// zero-width fields.
var ErrInvalidSchema = errors.New("invalid schema")

// NewSchema validates and builds a schema.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field %d has no name", ErrInvalidSchema, i)
		}
		if f.ByteWidth() <= 0 {
			return nil, fmt.Errorf("%w: field %q has width %d", ErrInvalidSchema, f.Name, f.ByteWidth())
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		s.fields[i] = f
		s.index[f.Name] = i
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. For static schemas.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns a copy of the schema's fields in column order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// NumFields returns the number of columns.
func (s *Schema) NumFields() int { return len(s.fields) }

// Lookup returns the column index and definition of name.
func (s *Schema) Lookup(name string) (int, Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return 0, Field{}, false
	}
	return i, s.fields[i], true
}

// Layout:
//
//	[0:4)  row count
//	[4:8)  row capacity
//	[8:)   columns, column-major, each padded to 8 bytes
const batchHeaderSize = 8

func align8(n int) int { return (n + 7) &^ 7 }

// columnOffset returns the payload offset of column i for a capacity.
func (s *Schema) columnOffset(i, capacity int) int {
	off := batchHeaderSize
	for j := 0; j < i; j++ {
		off += align8(capacity * s.fields[j].ByteWidth())
	}
	return off
}

// PayloadSize returns the segment payload size needed for capacity rows.
func (s *Schema) PayloadSize(capacity int) int {
	return s.columnOffset(len(s.fields), capacity)
}
