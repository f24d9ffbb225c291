// Package stream defines the durable stream abstraction every queue is built
// on: an append-only sequence of opaque records addressed by a logical
// offset, with prefix trimming.
//
// Design principle: the operation log, the snapshot manager and the message
// log must ONLY interact with storage through this interface. Never call file
// I/O directly. This keeps the local file store, the in-memory store and any
// future replicated store interchangeable.
package stream

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a stream (or an offset past the end of a
// stream) does not exist.
var ErrNotFound = errors.New("stream: not found")

// ErrCorrupted is returned when a stored record fails its checksum.
var ErrCorrupted = errors.New("stream: record corrupted")

// ErrTrimmed is returned when reading below a stream's trim point.
var ErrTrimmed = errors.New("stream: offset trimmed")

// ErrClosed is returned by every method once the store has been closed.
var ErrClosed = errors.New("stream: store closed")

// ID is the store-assigned identifier of a named stream.
type ID uint64

// Record is one appended payload and the offset it was assigned.
type Record struct {
	Offset int64
	Data   []byte
}

// Info describes the live range of a stream: records in
// [StartOffset, EndOffset) are readable. EndOffset is the offset the next
// Append will be assigned.
type Info struct {
	ID          ID
	Name        string
	StartOffset int64
	EndOffset   int64
}

// Store is the single abstraction through which streams are persisted and
// read back.
//
// Implementations:
//   - local.Store: single-node, disk-backed
//   - memory.Store: in-process, used by tests and embedded setups
//
// All methods must be safe for concurrent use. A single stream is expected to
// have one writer at a time; concurrent readers are fine.
type Store interface {
	// Open returns the ID of the stream called name, creating it if needed.
	Open(ctx context.Context, name string) (ID, error)

	// Append durably writes data as the next record of the stream and returns
	// its offset. Offsets start at 0 and increase by one per record.
	Append(ctx context.Context, id ID, data []byte) (int64, error)

	// Read returns records starting at from, stopping once the cumulative
	// payload size would exceed maxBytes. At least one record is returned when
	// from < EndOffset, however large it is. Reading at EndOffset returns an
	// empty slice. Reading below StartOffset returns ErrTrimmed.
	Read(ctx context.Context, id ID, from int64, maxBytes int) ([]Record, error)

	// Trim discards every record with offset < before. Trimming is monotone:
	// a before at or below the current StartOffset is a no-op, and before is
	// capped at EndOffset.
	Trim(ctx context.Context, id ID, before int64) error

	// Info returns the live range of the stream.
	Info(ctx context.Context, id ID) (Info, error)

	// Delete removes the stream and all of its records.
	Delete(ctx context.Context, id ID) error

	// Close flushes all pending writes and releases file handles.
	Close() error
}

// ReadAll reads every record of the stream from from to the end, calling fn
// for each one in offset order. Iteration stops early if fn returns a
// non-nil error.
func ReadAll(ctx context.Context, s Store, id ID, from int64, batchBytes int, fn func(Record) error) error {
	info, err := s.Info(ctx, id)
	if err != nil {
		return err
	}
	for from < info.EndOffset {
		recs, err := s.Read(ctx, id, from, batchBytes)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
			from = rec.Offset + 1
		}
	}
	return nil
}
