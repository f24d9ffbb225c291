package local

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/poplog/internal/stream"
)

var (
	bucketNames = []byte("names") // stream name → id
	bucketMeta  = []byte("meta")  // id → streamMeta
)

// streamMeta is the durable per-stream metadata. The record bodies live in
// the segment file; only the trim point needs an ACID home.
type streamMeta struct {
	Name  string
	Start int64
}

// Meta is a bbolt-backed registry of streams and their trim points, kept in
// meta.db next to the segment files. A trim point is never half-written
// after a crash.
type Meta struct {
	db *bbolt.DB
}

// OpenMeta opens (or creates) the bbolt registry at path.
func OpenMeta(path string) (*Meta, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("meta: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNames); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("meta: init buckets: %w", err)
	}

	return &Meta{db: db}, nil
}

// Ensure returns the id registered for name, allocating one if needed.
func (m *Meta) Ensure(name string) (stream.ID, streamMeta, error) {
	var (
		id   stream.ID
		meta streamMeta
	)
	err := m.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		metas := tx.Bucket(bucketMeta)

		if v := names.Get([]byte(name)); v != nil {
			id = stream.ID(binary.BigEndian.Uint64(v))
			raw := metas.Get(idKey(id))
			if raw == nil {
				return fmt.Errorf("meta: stream %q has no metadata: %w", name, stream.ErrCorrupted)
			}
			var err error
			meta, err = unmarshalMeta(raw)
			return err
		}

		seq, err := names.NextSequence()
		if err != nil {
			return err
		}
		id = stream.ID(seq)
		meta = streamMeta{Name: name}
		if err := names.Put([]byte(name), idKey(id)); err != nil {
			return err
		}
		return metas.Put(idKey(id), marshalMeta(meta))
	})
	return id, meta, err
}

// Get returns the metadata for id, or stream.ErrNotFound.
func (m *Meta) Get(id stream.ID) (streamMeta, error) {
	var meta streamMeta
	err := m.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(idKey(id))
		if raw == nil {
			return fmt.Errorf("meta: id %d: %w", id, stream.ErrNotFound)
		}
		var err error
		meta, err = unmarshalMeta(raw)
		return err
	})
	return meta, err
}

// SetStart durably records a new trim point for id.
func (m *Meta) SetStart(id stream.ID, start int64) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		metas := tx.Bucket(bucketMeta)
		raw := metas.Get(idKey(id))
		if raw == nil {
			return fmt.Errorf("meta: id %d: %w", id, stream.ErrNotFound)
		}
		meta, err := unmarshalMeta(raw)
		if err != nil {
			return err
		}
		meta.Start = start
		return metas.Put(idKey(id), marshalMeta(meta))
	})
}

// Delete removes the stream from the registry.
func (m *Meta) Delete(id stream.ID) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		metas := tx.Bucket(bucketMeta)
		raw := metas.Get(idKey(id))
		if raw == nil {
			return fmt.Errorf("meta: id %d: %w", id, stream.ErrNotFound)
		}
		meta, err := unmarshalMeta(raw)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketNames).Delete([]byte(meta.Name)); err != nil {
			return err
		}
		return metas.Delete(idKey(id))
	})
}

// ForEach calls fn for every registered stream.
func (m *Meta) ForEach(fn func(id stream.ID, meta streamMeta) error) error {
	return m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			meta, err := unmarshalMeta(v)
			if err != nil {
				return err
			}
			return fn(stream.ID(binary.BigEndian.Uint64(k)), meta)
		})
	})
}

// Close closes the underlying bbolt database.
func (m *Meta) Close() error {
	return m.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// streamMeta is serialised as:
//
//	[start   : 8 bytes, int64 ]
//	[nameLen : 2 bytes, uint16]
//	[name    : nameLen bytes  ]

func idKey(id stream.ID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func marshalMeta(m streamMeta) []byte {
	buf := make([]byte, 8+2+len(m.Name))
	binary.BigEndian.PutUint64(buf[0:], uint64(m.Start))
	binary.BigEndian.PutUint16(buf[8:], uint16(len(m.Name)))
	copy(buf[10:], m.Name)
	return buf
}

func unmarshalMeta(buf []byte) (streamMeta, error) {
	if len(buf) < 10 {
		return streamMeta{}, fmt.Errorf("meta: entry too short (%d bytes): %w", len(buf), stream.ErrCorrupted)
	}
	n := int(binary.BigEndian.Uint16(buf[8:]))
	if n > len(buf)-10 {
		return streamMeta{}, fmt.Errorf("meta: name length %d exceeds buffer: %w", n, stream.ErrCorrupted)
	}
	return streamMeta{
		Start: int64(binary.BigEndian.Uint64(buf[0:])),
		Name:  string(buf[10 : 10+n]),
	}, nil
}
