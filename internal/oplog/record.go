package oplog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/sneh-joshi/poplog/internal/types"
)

// recordVersion is bumped whenever the record layout changes.
const recordVersion byte = 1

// Record layout (all integers big-endian):
//
//	[ver 1B][serial 8B][kind 1B]
//	[topic len 2B][topic][queue index 4B]
//	[group len 2B][group]
//	[offset count 4B][offset 8B]...
//	[duration 8B][token 8B][max attempts 4B][timestamp ns 8B]
//	[origin len 2B][origin]
//	[crc32 4B]  ← IEEE checksum over everything before it
//
// Duration, token and max attempts are always present; the operation kind
// decides which of them are meaningful.

// EncodeRecord serialises op under serial.
func EncodeRecord(serial uint64, op types.Operation) ([]byte, error) {
	for _, s := range []string{op.Queue.Topic, op.Group, op.Origin} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("oplog: string field of %d bytes too long", len(s))
		}
	}
	n := 1 + 8 + 1 +
		2 + len(op.Queue.Topic) + 4 +
		2 + len(op.Group) +
		4 + 8*len(op.Offsets) +
		8 + 8 + 4 + 8 +
		2 + len(op.Origin) +
		4
	buf := make([]byte, 0, n)

	buf = append(buf, recordVersion)
	buf = binary.BigEndian.AppendUint64(buf, serial)
	buf = append(buf, byte(op.Kind))
	buf = appendString(buf, op.Queue.Topic)
	buf = binary.BigEndian.AppendUint32(buf, uint32(op.Queue.Index))
	buf = appendString(buf, op.Group)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(op.Offsets)))
	for _, off := range op.Offsets {
		buf = binary.BigEndian.AppendUint64(buf, uint64(off))
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(op.Duration))
	buf = binary.BigEndian.AppendUint64(buf, op.Token)
	buf = binary.BigEndian.AppendUint32(buf, uint32(op.MaxAttempts))
	buf = binary.BigEndian.AppendUint64(buf, uint64(op.Timestamp.UnixNano()))
	buf = appendString(buf, op.Origin)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// DecodeRecord is the inverse of EncodeRecord. Every failure wraps
// ErrCorruptRecord.
func DecodeRecord(data []byte) (uint64, types.Operation, error) {
	if len(data) < 5 {
		return 0, types.Operation{}, fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(data))
	}
	body, sum := data[:len(data)-4], binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return 0, types.Operation{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	r := reader{b: body}
	if v := r.u8(); v != recordVersion {
		return 0, types.Operation{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, v)
	}
	var op types.Operation
	serial := r.u64()
	op.Kind = types.OpKind(r.u8())
	op.Queue.Topic = r.str()
	op.Queue.Index = int32(r.u32())
	op.Group = r.str()
	count := r.u32()
	if r.err == nil && int(count) > len(r.b)/8 {
		return 0, types.Operation{}, fmt.Errorf("%w: offset count %d overruns record", ErrCorruptRecord, count)
	}
	if count > 0 {
		op.Offsets = make([]int64, count)
		for i := range op.Offsets {
			op.Offsets[i] = int64(r.u64())
		}
	}
	op.Duration = time.Duration(r.u64())
	op.Token = r.u64()
	op.MaxAttempts = int32(r.u32())
	op.Timestamp = time.Unix(0, int64(r.u64())).UTC()
	op.Origin = r.str()

	if r.err != nil {
		return 0, types.Operation{}, r.err
	}
	if len(r.b) != 0 {
		return 0, types.Operation{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, len(r.b))
	}
	switch op.Kind {
	case types.OpPop:
	case types.OpAck, types.OpChangeInvisibleDuration:
		if len(op.Offsets) != 1 {
			return 0, types.Operation{}, fmt.Errorf("%w: %s with %d offsets", ErrCorruptRecord, op.Kind, len(op.Offsets))
		}
	default:
		return 0, types.Operation{}, fmt.Errorf("%w: unknown kind %d", ErrCorruptRecord, op.Kind)
	}
	if serial == 0 {
		return 0, types.Operation{}, fmt.Errorf("%w: zero serial", ErrCorruptRecord)
	}
	return serial, op, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader consumes a record front to back, latching the first short read.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("%w: truncated", ErrCorruptRecord)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	var n int
	if b := r.take(2); b != nil {
		n = int(binary.BigEndian.Uint16(b))
	}
	return string(r.take(n))
}
