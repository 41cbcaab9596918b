package logstore

import (
	"encoding/binary"
	"fmt"

	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// encodeRecord renders a LogRecord into the wire format named by the spec:
// tag byte, step number (u64), then a kind-specific payload. The step number
// is redundant with the backing raft.Log's Index but is kept in the payload
// itself so the format is self-describing independent of the storage
// backend.
func encodeRecord(rec types.LogRecord) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(rec.Kind))
	buf = appendUint64(buf, uint64(rec.Step))

	switch rec.Kind {
	case types.KindMailEnqueued:
		buf = appendString(buf, rec.MailName)
		buf = appendUint32(buf, uint32(len(rec.MailArgs)))
		for _, a := range rec.MailArgs {
			buf = append(buf, byte(a.Tag))
			buf = appendBytes(buf, a.Bytes)
		}
	case types.KindOutputEmitted:
		buf = appendUint16(buf, rec.Partition)
		buf = appendBytes(buf, rec.Output)
	case types.KindCheckpointBoundary:
		buf = appendUint64(buf, rec.CheckpointID)
	case types.KindClear:
		// no payload beyond the step number.
	default:
		return nil, fmt.Errorf("logstore: unknown record kind %q", rec.Kind)
	}
	return buf, nil
}

// decodeRecord is encodeRecord's inverse. A truncated or malformed record is
// a fatal recovery error per the spec's error handling design.
func decodeRecord(data []byte) (types.LogRecord, error) {
	r := reader{buf: data}
	kindByte, err := r.byte_()
	if err != nil {
		return types.LogRecord{}, fmt.Errorf("logstore: truncated record: %w", err)
	}
	kind := types.LogRecordKind(kindByte)
	step, err := r.uint64()
	if err != nil {
		return types.LogRecord{}, fmt.Errorf("logstore: truncated record: %w", err)
	}

	rec := types.LogRecord{Step: types.StepNumber(step), Kind: kind}

	switch kind {
	case types.KindMailEnqueued:
		name, err := r.string_()
		if err != nil {
			return types.LogRecord{}, fmt.Errorf("logstore: truncated mail record: %w", err)
		}
		count, err := r.uint32()
		if err != nil {
			return types.LogRecord{}, fmt.Errorf("logstore: truncated mail record: %w", err)
		}
		args := make([]types.Arg, 0, count)
		for i := uint32(0); i < count; i++ {
			tag, err := r.byte_()
			if err != nil {
				return types.LogRecord{}, fmt.Errorf("logstore: truncated mail arg: %w", err)
			}
			b, err := r.bytes()
			if err != nil {
				return types.LogRecord{}, fmt.Errorf("logstore: truncated mail arg: %w", err)
			}
			args = append(args, types.Arg{Tag: types.ArgTag(tag), Bytes: b})
		}
		rec.MailName = name
		rec.MailArgs = args
	case types.KindOutputEmitted:
		partition, err := r.uint16()
		if err != nil {
			return types.LogRecord{}, fmt.Errorf("logstore: truncated output record: %w", err)
		}
		data, err := r.bytes()
		if err != nil {
			return types.LogRecord{}, fmt.Errorf("logstore: truncated output record: %w", err)
		}
		rec.Partition = partition
		rec.Output = data
	case types.KindCheckpointBoundary:
		id, err := r.uint64()
		if err != nil {
			return types.LogRecord{}, fmt.Errorf("logstore: truncated checkpoint record: %w", err)
		}
		rec.CheckpointID = id
	case types.KindClear:
		// no payload
	default:
		return types.LogRecord{}, fmt.Errorf("logstore: unknown record kind %q in log", kind)
	}
	return rec, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader walks a byte slice left to right, returning io.ErrUnexpectedEOF-style
// errors on truncation.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte_() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of record")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of record")
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of record")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of record")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("unexpected end of record")
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) string_() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
