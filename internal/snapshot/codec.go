package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sneh-joshi/poplog/internal/statemachine"
)

// Snapshot record layout:
//
//	[magic "PLSN" 4B][version 1B][flags 1B][crc32 4B][payload]
//
// The CRC covers the payload as stored. The payload is a JSON document,
// zstd-compressed when flagCompressed is set.
const (
	magic          = "PLSN"
	codecVersion   = byte(1)
	flagCompressed = byte(1 << 0)
	headerSize     = 4 + 1 + 1 + 4

	// compressAbove is the encoded size from which compression is tried.
	compressAbove = 512
)

// Checkpoint is a decoded snapshot record.
type Checkpoint struct {
	// OpOffset is the operation stream offset just past the last operation
	// the image includes. Replay resumes here.
	OpOffset    int64              `json:"op_offset"`
	TakenAt     time.Time          `json:"taken_at"`
	Fingerprint uint64             `json:"fingerprint"`
	Image       statemachine.Image `json:"image"`
}

// Serial returns the last serial the checkpoint includes.
func (c *Checkpoint) Serial() uint64 { return c.Image.Serial }

// codec owns the zstd encoder and decoder; both are safe for concurrent use
// through EncodeAll / DecodeAll.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("snapshot: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("snapshot: zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

func (c *codec) encode(cp *Checkpoint) ([]byte, error) {
	doc, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal: %w", err)
	}

	var flags byte
	payload := doc
	// Only keep the compressed form when it is actually smaller.
	if len(doc) >= compressAbove {
		if z := c.enc.EncodeAll(doc, make([]byte, 0, len(doc)/2)); len(z) < len(doc) {
			payload = z
			flags |= flagCompressed
		}
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, magic)
	out[4] = codecVersion
	out[5] = flags
	binary.BigEndian.PutUint32(out[6:10], crc32.ChecksumIEEE(payload))
	return append(out, payload...), nil
}

func (c *codec) decode(data []byte) (*Checkpoint, error) {
	if len(data) < headerSize || string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}
	if data[4] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, data[4])
	}
	flags := data[5]
	payload := data[headerSize:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(data[6:10]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}
	if flags&flagCompressed != 0 {
		doc, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptSnapshot, err)
		}
		payload = doc
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrCorruptSnapshot, err)
	}
	return &cp, nil
}
