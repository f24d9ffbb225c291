// Package local provides a single-node, disk-backed implementation of
// stream.Store using one append-only segment file per stream and a bbolt
// database for the stream registry and trim points.
package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/sneh-joshi/poplog/internal/stream"
)

// segmentVersion identifies the binary format written to segment files.
// Increment this if the on-disk format ever changes — old files will be
// rejected rather than silently misread.
const segmentVersion uint8 = 1

// Segment is an append-only file holding the records of one stream.
// Each record is a length-prefixed binary frame:
//
//	[totalLen : 4 bytes, uint32, big-endian]
//	[version  : 1 byte]
//	[offset   : 8 bytes, int64]   ← logical stream offset
//	[payload  : totalLen-13 bytes]
//	[checksum : 4 bytes, uint32, CRC32 of version+offset+payload]
//
// totalLen covers all bytes after the 4-byte length prefix itself.
//
// Records below the stream's trim point may still be physically present
// until the compactor rewrites the file; the Store hides them.
type Segment struct {
	mu   sync.Mutex
	file *os.File
	path string

	// base is the logical offset of the first record in the file.
	base int64
	// positions[i] is the file position of the frame for offset base+i.
	positions []int64
	// size is the file length covered by valid frames.
	size int64
	// bytes is the payload length per record, parallel to positions.
	bytes []int32
}

// frameOverhead is the number of bytes a frame adds around its payload.
const frameOverhead = 4 + 1 + 8 + 4

// OpenSegment opens (or creates) the segment file at path. base is the
// offset the first record will carry when the file is empty.
//
// The file is scanned to rebuild the position index. A torn or corrupt
// trailing frame (crash mid-write) is truncated away; everything before it
// is kept.
func OpenSegment(path string, base int64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	s := &Segment{file: f, path: path, base: base}
	if err := s.scan(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: scan %s: %w", path, err)
	}
	return s, nil
}

// Base returns the logical offset of the first record in the file.
func (s *Segment) Base() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// End returns the offset the next Append will be assigned.
func (s *Segment) End() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base + int64(len(s.positions))
}

// Size returns the number of bytes of valid frames in the file.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Append writes payload as the next record and returns its offset.
func (s *Segment) Append(payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.base + int64(len(s.positions))
	frame := encodeFrame(off, payload)

	if _, err := s.file.WriteAt(frame, s.size); err != nil {
		// A partial frame past s.size is ignored by the next scan and
		// overwritten by the next append.
		return 0, fmt.Errorf("segment: write frame at %d: %w", s.size, err)
	}

	s.positions = append(s.positions, s.size)
	s.bytes = append(s.bytes, int32(len(payload)))
	s.size += int64(len(frame))
	return off, nil
}

// ReadAt returns the payload stored at logical offset off.
func (s *Segment) ReadAt(off int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAt(off)
}

// PayloadSize returns the payload length of the record at off without
// reading it.
func (s *Segment) PayloadSize(off int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := off - s.base
	if i < 0 || i >= int64(len(s.bytes)) {
		return 0
	}
	return int(s.bytes[i])
}

// readAt is the non-locking inner read used by ReadAt and the compactor.
func (s *Segment) readAt(off int64) ([]byte, error) {
	i := off - s.base
	if i < 0 || i >= int64(len(s.positions)) {
		return nil, fmt.Errorf("segment: offset %d: %w", off, stream.ErrNotFound)
	}
	pos := s.positions[i]

	var lenBuf [4]byte
	if _, err := s.file.ReadAt(lenBuf[:], pos); err != nil {
		return nil, fmt.Errorf("segment: read len prefix at %d: %w", pos, err)
	}
	buf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := s.file.ReadAt(buf, pos+4); err != nil {
		return nil, fmt.Errorf("segment: read frame at %d: %w", pos, err)
	}

	gotOff, payload, err := decodeFrame(buf)
	if err != nil {
		return nil, err
	}
	if gotOff != off {
		return nil, fmt.Errorf("segment: frame at %d carries offset %d, want %d: %w",
			pos, gotOff, off, stream.ErrCorrupted)
	}
	return payload, nil
}

// Reopen closes the current file and reopens the file at path.
// Used by compaction after atomically renaming the rewritten segment into place.
func (s *Segment) Reopen(path string, base int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("segment: sync before reopen: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("segment: close before reopen: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("segment: reopen %s: %w", path, err)
	}

	s.file = f
	s.path = path
	s.base = base
	s.positions = nil
	s.bytes = nil
	s.size = 0
	if err := s.scan(); err != nil {
		return fmt.Errorf("segment: rebuild index after reopen: %w", err)
	}
	return nil
}

// Path returns the filesystem path of this segment file.
func (s *Segment) Path() string { return s.path }

// Sync flushes the OS file buffer to physical disk.
// Called by the Store according to the configured fsync policy.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close flushes and closes the underlying file.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("segment: sync: %w", err)
	}
	return s.file.Close()
}

// scan walks the file from the beginning, rebuilding positions. The first
// frame that is short, fails its checksum, or breaks offset contiguity ends
// the valid prefix and the file is truncated there.
func (s *Segment) scan() error {
	st, err := s.file.Stat()
	if err != nil {
		return err
	}
	fileSize := st.Size()

	var (
		pos   int64
		first = true
	)
	for {
		var lenBuf [4]byte
		_, err := s.file.ReadAt(lenBuf[:], pos)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		if frameLen < frameOverhead-4 || pos+4+int64(frameLen) > fileSize {
			break
		}
		buf := make([]byte, frameLen)
		if _, err := s.file.ReadAt(buf, pos+4); err != nil {
			break // torn write
		}
		off, payload, err := decodeFrame(buf)
		if err != nil {
			break
		}
		if first {
			s.base = off
			first = false
		} else if off != s.base+int64(len(s.positions)) {
			break
		}

		s.positions = append(s.positions, pos)
		s.bytes = append(s.bytes, int32(len(payload)))
		pos += 4 + int64(frameLen)
	}
	s.size = pos

	if fileSize > pos {
		if err := s.file.Truncate(pos); err != nil {
			return fmt.Errorf("truncate torn tail at %d: %w", pos, err)
		}
	}
	return nil
}

// ---- binary encoding helpers -----------------------------------------------

func encodeFrame(off int64, payload []byte) []byte {
	w := &byteWriter{buf: make([]byte, 0, frameOverhead+len(payload))}
	w.writeUint32(uint32(1 + 8 + len(payload) + 4))
	w.writeByte(segmentVersion)
	w.writeInt64(off)
	w.write(payload)
	w.writeUint32(crc32.ChecksumIEEE(w.buf[4:]))
	return w.buf
}

// decodeFrame parses a frame buffer (without the 4-byte length prefix).
func decodeFrame(buf []byte) (int64, []byte, error) {
	if len(buf) < 1+8+4 {
		return 0, nil, fmt.Errorf("segment: frame too short (%d bytes): %w", len(buf), stream.ErrCorrupted)
	}

	// Verify checksum — covers all bytes except the trailing 4-byte CRC itself.
	storedCRC := binary.BigEndian.Uint32(buf[len(buf)-4:])
	computedCRC := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if storedCRC != computedCRC {
		return 0, nil, fmt.Errorf("segment: checksum mismatch (stored=%x computed=%x): %w",
			storedCRC, computedCRC, stream.ErrCorrupted)
	}

	r := &byteReader{buf: buf}
	if v := r.readByte(); v != segmentVersion {
		return 0, nil, fmt.Errorf("segment: unsupported version %d: %w", v, stream.ErrCorrupted)
	}
	off := r.readInt64()
	payload := make([]byte, len(buf)-1-8-4)
	copy(payload, r.read(len(payload)))
	return off, payload, nil
}

// ---- minimal byte-level writer / reader ------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)       { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) writeInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) readByte() byte {
	v := r.buf[r.offset]
	r.offset++
	return v
}
func (r *byteReader) read(n int) []byte {
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}
func (r *byteReader) readInt64() int64 {
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return int64(v)
}
