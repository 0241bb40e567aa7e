package segment

import (
	"encoding/binary"
	"fmt"
)

// Metaversion is the version token of a shared batch. It consists of a memory
// version and a batch version, both initially zero.
//
// The memory version increases when the segment holding the batch is resized
// or recreated, which invalidates every existing mapping of it. The batch
// version increases on every committed content change, and also whenever the
// memory version increases, so a persisted metaversion always has
// Batch >= Memory.
//
// Every component using a batch (the engine and each language runtime) keeps
// the metaversion it has loaded and compares it with the persisted one:
//
//   - loaded memory older than persisted: remap the segment, then reload
//   - only loaded batch older than persisted: reload the columns, no remap
//   - equal: nothing to do
type Metaversion struct {
	Memory uint32 `json:"memory"`
	Batch  uint32 `json:"batch"`
}

// MetaversionSize is the encoded size of a Metaversion.
const MetaversionSize = 8

// NewMetaversion returns a persisted metaversion, rejecting batch < memory.
func NewMetaversion(memory, batch uint32) (Metaversion, error) {
	if batch < memory {
		return Metaversion{}, fmt.Errorf("%w: batch %d < memory %d", ErrInvalidMetaversion, batch, memory)
	}
	return Metaversion{Memory: memory, Batch: batch}, nil
}

// OlderThan reports whether m is older than v. Both must be metaversions of
// the same batch; they are then linearly ordered by the batch version.
func (m Metaversion) OlderThan(v Metaversion) bool {
	return m.Batch < v.Batch
}

// NewerThan reports whether m is newer than v.
func (m Metaversion) NewerThan(v Metaversion) bool {
	return m.Batch > v.Batch
}

// MemoryOlderThan reports whether the mapping described by m must be
// recreated before anything described by v can be read.
func (m Metaversion) MemoryOlderThan(v Metaversion) bool {
	return m.Memory < v.Memory
}

// MaybeUpdate replaces m with v if v is newer.
func (m *Metaversion) MaybeUpdate(v Metaversion) {
	if v.Batch > m.Batch {
		m.Batch = v.Batch
		m.Memory = v.Memory
	}
}

// Increment marks that both the mapping and the batch must be reloaded.
func (m *Metaversion) Increment() {
	m.Memory++
	m.Batch++
}

// IncrementBatch marks that the batch must be reloaded.
func (m *Metaversion) IncrementBatch() {
	m.Batch++
}

// Uint64 packs m with the memory version in the low 32 bits, matching the
// little-endian byte layout of MarshalBinary.
func (m Metaversion) Uint64() uint64 {
	return uint64(m.Memory) | uint64(m.Batch)<<32
}

// MetaversionFromUint64 is the inverse of Uint64.
func MetaversionFromUint64(v uint64) Metaversion {
	return Metaversion{Memory: uint32(v), Batch: uint32(v >> 32)}
}

// MarshalBinary encodes m as 8 little-endian bytes, memory version first.
func (m Metaversion) MarshalBinary() ([]byte, error) {
	b := make([]byte, MetaversionSize)
	binary.LittleEndian.PutUint32(b[0:4], m.Memory)
	binary.LittleEndian.PutUint32(b[4:8], m.Batch)
	return b, nil
}

// UnmarshalBinary decodes m and validates it as a persisted metaversion.
func (m *Metaversion) UnmarshalBinary(b []byte) error {
	if len(b) != MetaversionSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidMetaversion, len(b))
	}
	v, err := NewMetaversion(binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m Metaversion) String() string {
	return fmt.Sprintf("{memory: %d, batch: %d}", m.Memory, m.Batch)
}
