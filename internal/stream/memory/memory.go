// Package memory provides an in-process implementation of stream.Store.
// Records are kept in slices and lost when the process exits. Failure hooks
// let tests inject append errors, including appends that land but report an
// error to the caller.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sneh-joshi/poplog/internal/stream"
)

// AppendHook is consulted before every append. Returning a non-nil error
// fails the append; when land is true the record is still written, which
// models a write whose acknowledgement was lost.
type AppendHook func(id stream.ID, name string, data []byte) (land bool, err error)

type memStream struct {
	name  string
	start int64
	recs  [][]byte // recs[i] holds offset start+i
}

func (s *memStream) end() int64 { return s.start + int64(len(s.recs)) }

// Store is an in-memory stream.Store. All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	streams map[stream.ID]*memStream
	names   map[string]stream.ID
	nextID  stream.ID
	hook    AppendHook
	closed  bool
}

var _ stream.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		streams: make(map[stream.ID]*memStream),
		names:   make(map[string]stream.ID),
	}
}

// SetAppendHook installs (or, with nil, removes) the append hook.
func (s *Store) SetAppendHook(h AppendHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// Open returns the ID of the named stream, creating it if needed.
func (s *Store) Open(_ context.Context, name string) (stream.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, stream.ErrClosed
	}
	if id, ok := s.names[name]; ok {
		return id, nil
	}
	s.nextID++
	id := s.nextID
	s.names[name] = id
	s.streams[id] = &memStream{name: name}
	return id, nil
}

// Append stores a copy of data as the next record.
func (s *Store) Append(ctx context.Context, id stream.ID, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if s.hook != nil {
		land, herr := s.hook(id, st.name, data)
		if herr != nil {
			if land {
				st.recs = append(st.recs, append([]byte(nil), data...))
			}
			return 0, herr
		}
	}
	off := st.end()
	st.recs = append(st.recs, append([]byte(nil), data...))
	return off, nil
}

// Read returns records from from onward, bounded by maxBytes.
func (s *Store) Read(ctx context.Context, id stream.ID, from int64, maxBytes int) ([]stream.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if from < st.start {
		return nil, fmt.Errorf("%w: %s offset %d < start %d", stream.ErrTrimmed, st.name, from, st.start)
	}
	var (
		out   []stream.Record
		total int
	)
	for off := from; off < st.end(); off++ {
		data := st.recs[off-st.start]
		if len(out) > 0 && total+len(data) > maxBytes {
			break
		}
		total += len(data)
		out = append(out, stream.Record{Offset: off, Data: append([]byte(nil), data...)})
	}
	return out, nil
}

// Trim drops records below before.
func (s *Store) Trim(_ context.Context, id stream.ID, before int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(id)
	if err != nil {
		return err
	}
	if before > st.end() {
		before = st.end()
	}
	if before <= st.start {
		return nil
	}
	n := before - st.start
	st.recs = append([][]byte(nil), st.recs[n:]...)
	st.start = before
	return nil
}

// Info returns the live range of the stream.
func (s *Store) Info(_ context.Context, id stream.ID) (stream.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, err := s.get(id)
	if err != nil {
		return stream.Info{}, err
	}
	return stream.Info{ID: id, Name: st.name, StartOffset: st.start, EndOffset: st.end()}, nil
}

// Delete removes the stream.
func (s *Store) Delete(_ context.Context, id stream.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(id)
	if err != nil {
		return err
	}
	delete(s.names, st.name)
	delete(s.streams, id)
	return nil
}

// Close marks the store closed. Records stay readable by nobody.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// get must be called with mu held.
func (s *Store) get(id stream.ID) (*memStream, error) {
	if s.closed {
		return nil, stream.ErrClosed
	}
	st, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", stream.ErrNotFound, id)
	}
	return st, nil
}
