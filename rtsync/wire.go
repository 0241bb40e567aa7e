package rtsync

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/segment"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 64 << 20

// Field numbers of the frame body. Every message is one flat protobuf
// message; fields a variant does not use are absent.
const (
	fieldKind         protowire.Number = 1
	fieldRun          protowire.Number = 2
	fieldExperimentID protowire.Number = 3
	fieldAgentField   protowire.Number = 4
	fieldMessageField protowire.Number = 5
	fieldContextField protowire.Number = 6
	fieldPackage      protowire.Number = 7
	fieldDataset      protowire.Number = 8
	fieldGlobals      protowire.Number = 9
	fieldContext      protowire.Number = 10
	fieldGroupStarts  protowire.Number = 11
	fieldStep         protowire.Number = 12
	fieldAgentRef     protowire.Number = 13
	fieldMessageRef   protowire.Number = 14
	fieldGroupIndices protowire.Number = 15
	fieldCompression  protowire.Number = 16
	fieldTaskID       protowire.Number = 17
	fieldPackageID    protowire.Number = 18
	fieldWrite        protowire.Number = 19
	fieldPayload      protowire.Number = 20
	fieldError        protowire.Number = 21
	fieldOutcome      protowire.Number = 22
	fieldDiagnostic   protowire.Number = 23
)

// Codec encodes sync messages for runtimes living in another process.
// Package payloads are compressed with the codec's Compression; the choice
// travels in the frame, so decoders need no configuration.
type Codec struct {
	compression Compression
}

// NewCodec returns a codec compressing package payloads with c.
func NewCodec(c Compression) *Codec {
	return &Codec{compression: c}
}

// Marshal encodes m into a frame body.
func (c *Codec) Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrUnknownMessage
	}
	var b []byte
	b = appendVarint(b, fieldKind, uint64(m.Kind()))
	if run, ok := RunOf(m); ok {
		b = appendVarint(b, fieldRun, uint64(run))
	}

	var err error
	switch m := m.(type) {
	case ExperimentInit:
		b = protowire.AppendTag(b, fieldExperimentID, protowire.BytesType)
		b = protowire.AppendString(b, m.ExperimentID)
		b = appendFields(b, fieldAgentField, m.AgentSchema)
		b = appendFields(b, fieldMessageField, m.MessageSchema)
		b = appendFields(b, fieldContextField, m.ContextSchema)
		if b, err = c.appendPackages(b, m.Packages); err != nil {
			return nil, err
		}
		b = appendRefs(b, fieldDataset, m.Datasets)
	case NewSimulationRun:
		b = appendBytes(b, fieldGlobals, m.Globals)
		if b, err = c.appendPackages(b, m.Packages); err != nil {
			return nil, err
		}
	case ContextBatchSync:
		b = appendRefs(b, fieldContext, []SegmentRef{m.Context})
		b = appendPacked(b, fieldGroupStarts, m.GroupStarts)
		b = appendVarint(b, fieldStep, m.CurrentStep)
	case StateSync:
		b = appendPools(b, m.Pools)
	case StateInterimSync:
		b = appendPools(b, m.Pools)
	case StateSnapshotSync:
		b = appendPools(b, m.Pools)
	case Task:
		b = protowire.AppendTag(b, fieldTaskID, protowire.BytesType)
		b = protowire.AppendString(b, m.TaskID)
		b = appendVarint(b, fieldPackageID, m.PackageID)
		b = appendVarint(b, fieldWrite, protowire.EncodeBool(m.Write))
		b = appendPools(b, m.Pools)
		b = appendBytes(b, fieldPayload, m.Payload)
	case TaskDone, Terminate:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPacked(b []byte, num protowire.Number, vs []uint32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendBytes(b, num, packed)
}

func appendRefs(b []byte, num protowire.Number, refs []SegmentRef) []byte {
	for _, r := range refs {
		var inner []byte
		inner = protowire.AppendTag(inner, 1, protowire.BytesType)
		inner = protowire.AppendString(inner, r.ID)
		inner = protowire.AppendTag(inner, 2, protowire.Fixed64Type)
		inner = protowire.AppendFixed64(inner, r.Token.Uint64())
		b = appendBytes(b, num, inner)
	}
	return b
}

func appendPools(b []byte, p Pools) []byte {
	b = appendRefs(b, fieldAgentRef, p.Agents)
	b = appendRefs(b, fieldMessageRef, p.Messages)
	return appendPacked(b, fieldGroupIndices, p.GroupIndices)
}

func appendFields(b []byte, num protowire.Number, fields []batch.Field) []byte {
	for _, f := range fields {
		var inner []byte
		inner = protowire.AppendTag(inner, 1, protowire.BytesType)
		inner = protowire.AppendString(inner, f.Name)
		inner = appendVarint(inner, 2, uint64(f.Type))
		inner = appendVarint(inner, 3, uint64(f.Width))
		b = appendBytes(b, num, inner)
	}
	return b
}

func (c *Codec) appendPackages(b []byte, pkgs []Package) ([]byte, error) {
	if len(pkgs) == 0 {
		return b, nil
	}
	b = appendVarint(b, fieldCompression, uint64(c.compression))
	for _, p := range pkgs {
		payload, err := compress(p.Payload, c.compression)
		if err != nil {
			return nil, fmt.Errorf("compress package %q: %w", p.Name, err)
		}
		var inner []byte
		inner = protowire.AppendTag(inner, 1, protowire.BytesType)
		inner = protowire.AppendString(inner, p.Name)
		inner = appendVarint(inner, 2, p.ID)
		inner = appendBytes(inner, 3, payload)
		b = appendBytes(b, fieldPackage, inner)
	}
	return b, nil
}

// frame collects the fields of a body before it is turned into a Message.
type frame struct {
	kind         Kind
	run          RunID
	experimentID string
	fields       [3][]batch.Field
	packages     []Package
	datasets     []SegmentRef
	globals      []byte
	context      []SegmentRef
	groupStarts  []uint32
	step         uint64
	pools        Pools
	compression  Compression
	taskID       string
	packageID    uint64
	write        bool
	payload      []byte
	err          string
	outcome      []uint32
	diagnostics  []Diagnostic
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptFrame, fmt.Sprintf(format, args...))
}

// walk calls fn for every field of b.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v []byte
			u uint64
		)
		switch typ {
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return corrupt("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, u); err != nil {
			return err
		}
	}
	return nil
}

func parsePacked(v []byte) ([]uint32, error) {
	var out []uint32
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, corrupt("packed: %v", protowire.ParseError(n))
		}
		out = append(out, uint32(x))
		v = v[n:]
	}
	return out, nil
}

func parseRef(v []byte) (SegmentRef, error) {
	var r SegmentRef
	err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			r.ID = string(v)
		case 2:
			m := segment.MetaversionFromUint64(u)
			tok, err := segment.NewMetaversion(m.Memory, m.Batch)
			if err != nil {
				return fmt.Errorf("%w: segment ref %q: %w", ErrCorruptFrame, r.ID, err)
			}
			r.Token = tok
		}
		return nil
	})
	return r, err
}

func parseField(v []byte) (batch.Field, error) {
	var f batch.Field
	err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			f.Name = string(v)
		case 2:
			f.Type = batch.DataType(u)
		case 3:
			f.Width = int(u)
		}
		return nil
	})
	return f, err
}

func parsePackage(v []byte) (Package, error) {
	var p Package
	err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			p.Name = string(v)
		case 2:
			p.ID = u
		case 3:
			p.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	return p, err
}

func parseDiagnostic(v []byte) (Diagnostic, error) {
	var d Diagnostic
	err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			d.Kind = DiagnosticKind(u)
		case 2:
			d.Message = string(v)
		}
		return nil
	})
	return d, err
}

func parseFrame(b []byte) (*frame, error) {
	f := &frame{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case fieldKind:
			f.kind = Kind(u)
		case fieldRun:
			f.run = RunID(u)
		case fieldExperimentID:
			f.experimentID = string(v)
		case fieldAgentField, fieldMessageField, fieldContextField:
			var fld batch.Field
			if fld, err = parseField(v); err == nil {
				i := int(num - fieldAgentField)
				f.fields[i] = append(f.fields[i], fld)
			}
		case fieldPackage:
			var p Package
			if p, err = parsePackage(v); err == nil {
				f.packages = append(f.packages, p)
			}
		case fieldDataset, fieldContext, fieldAgentRef, fieldMessageRef:
			var r SegmentRef
			if r, err = parseRef(v); err != nil {
				return err
			}
			switch num {
			case fieldDataset:
				f.datasets = append(f.datasets, r)
			case fieldContext:
				f.context = append(f.context, r)
			case fieldAgentRef:
				f.pools.Agents = append(f.pools.Agents, r)
			default:
				f.pools.Messages = append(f.pools.Messages, r)
			}
		case fieldGlobals:
			f.globals = append([]byte(nil), v...)
		case fieldGroupStarts:
			f.groupStarts, err = parsePacked(v)
		case fieldGroupIndices:
			f.pools.GroupIndices, err = parsePacked(v)
		case fieldStep:
			f.step = u
		case fieldCompression:
			f.compression = Compression(u)
		case fieldTaskID:
			f.taskID = string(v)
		case fieldPackageID:
			f.packageID = u
		case fieldWrite:
			f.write = protowire.DecodeBool(u)
		case fieldPayload:
			f.payload = append([]byte(nil), v...)
		case fieldError:
			f.err = string(v)
		case fieldOutcome:
			f.outcome, err = parsePacked(v)
		case fieldDiagnostic:
			var d Diagnostic
			if d, err = parseDiagnostic(v); err == nil {
				f.diagnostics = append(f.diagnostics, d)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	for i, p := range f.packages {
		payload, err := decompress(p.Payload, f.compression)
		if err != nil {
			return nil, corrupt("package %q: %v", p.Name, err)
		}
		f.packages[i].Payload = payload
	}
	return f, nil
}

// Unmarshal decodes a frame body produced by Marshal.
func (c *Codec) Unmarshal(b []byte) (Message, error) {
	f, err := parseFrame(b)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case KindExperimentInit:
		return ExperimentInit{
			ExperimentID:  f.experimentID,
			AgentSchema:   f.fields[0],
			MessageSchema: f.fields[1],
			ContextSchema: f.fields[2],
			Packages:      f.packages,
			Datasets:      f.datasets,
		}, nil
	case KindNewSimulationRun:
		return NewSimulationRun{Run: f.run, Globals: f.globals, Packages: f.packages}, nil
	case KindContextBatchSync:
		if len(f.context) != 1 {
			return nil, corrupt("context sync with %d context refs", len(f.context))
		}
		return ContextBatchSync{Run: f.run, Context: f.context[0], GroupStarts: f.groupStarts, CurrentStep: f.step}, nil
	case KindStateSync:
		return StateSync{Run: f.run, Pools: f.pools}, nil
	case KindStateInterimSync:
		return StateInterimSync{Run: f.run, Pools: f.pools}, nil
	case KindStateSnapshotSync:
		return StateSnapshotSync{Run: f.run, Pools: f.pools}, nil
	case KindTask:
		return Task{Run: f.run, TaskID: f.taskID, PackageID: f.packageID, Write: f.write, Pools: f.pools, Payload: f.payload}, nil
	case KindTaskDone:
		return TaskDone{Run: f.run}, nil
	case KindTerminate:
		return Terminate{Run: f.run}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownMessage, f.kind)
	}
}

// Result is a runtime's answer to one message, sent back over the same
// transport.
type Result struct {
	Run     RunID
	Kind    Kind   // kind of the message answered
	TaskID  string // set when answering a Task
	Payload []byte
	Err     string // empty on success
	Outcome Outcome

	// Diagnostics reported while handling a Task, in report order.
	Diagnostics []Diagnostic
}

// MarshalResult encodes r into a frame body. Only the counters of the
// outcome travel; Changed does not.
func (c *Codec) MarshalResult(r Result) []byte {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(r.Kind))
	b = appendVarint(b, fieldRun, uint64(r.Run))
	if r.TaskID != "" {
		b = protowire.AppendTag(b, fieldTaskID, protowire.BytesType)
		b = protowire.AppendString(b, r.TaskID)
	}
	if len(r.Payload) > 0 {
		b = appendBytes(b, fieldPayload, r.Payload)
	}
	if r.Err != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, r.Err)
	}
	for _, d := range r.Diagnostics {
		var inner []byte
		inner = appendVarint(inner, 1, uint64(d.Kind))
		inner = protowire.AppendTag(inner, 2, protowire.BytesType)
		inner = protowire.AppendString(inner, d.Message)
		b = appendBytes(b, fieldDiagnostic, inner)
	}
	o := r.Outcome
	return appendPacked(b, fieldOutcome, []uint32{
		uint32(o.Opened), uint32(o.Reloaded), uint32(o.Remapped), uint32(o.Skipped), uint32(o.Evicted),
	})
}

// UnmarshalResult decodes a frame body produced by MarshalResult.
func (c *Codec) UnmarshalResult(b []byte) (Result, error) {
	f, err := parseFrame(b)
	if err != nil {
		return Result{}, err
	}
	r := Result{Run: f.run, Kind: f.kind, TaskID: f.taskID, Payload: f.payload, Err: f.err, Diagnostics: f.diagnostics}
	if n := f.outcome; len(n) == 5 {
		r.Outcome = Outcome{Opened: int(n[0]), Reloaded: int(n[1]), Remapped: int(n[2]), Skipped: int(n[3]), Evicted: int(n[4])}
	}
	return r, nil
}

// WriteFrame writes body prefixed with its little-endian uint32 length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrCorruptFrame, len(body), MaxFrameSize)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrCorruptFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// Encode writes m as one frame.
func (c *Codec) Encode(w io.Writer, m Message) error {
	body, err := c.Marshal(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// Decode reads one frame and decodes it as a Message.
func (c *Codec) Decode(r io.Reader) (Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return c.Unmarshal(body)
}
