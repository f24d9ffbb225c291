// Package message stores the bodies of a queue's messages in its message
// stream. The operation log never reads bodies; it only needs to know how
// many messages exist and how large each one is, which Log answers from an
// in-memory size index built at open.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/types"
)

// ErrTooLarge is returned by Append for a body above the configured limit.
var ErrTooLarge = errors.New("message: body too large")

// ErrNotFound is returned by Fetch for an offset outside the log.
var ErrNotFound = errors.New("message: not found")

// Config tunes a Log.
type Config struct {
	// MaxBodyBytes rejects larger bodies. Zero means 4 MiB.
	MaxBodyBytes int
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
}

// Log is one queue's message stream plus its size index. Safe for concurrent
// use.
type Log struct {
	store stream.Store
	id    stream.ID
	cfg   Config

	mu    sync.RWMutex
	start int64   // first offset still in the stream
	sizes []int64 // sizes[i] is the body size of offset start+i
}

// Open opens (creating if needed) the stream called name and indexes the
// body size of every message in it.
func Open(ctx context.Context, store stream.Store, name string, cfg Config) (*Log, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	id, err := store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("message: open %s: %w", name, err)
	}
	info, err := store.Info(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("message: info %s: %w", name, err)
	}

	l := &Log{store: store, id: id, cfg: cfg, start: info.StartOffset}
	l.sizes = make([]int64, 0, info.EndOffset-info.StartOffset)
	err = stream.ReadAll(ctx, store, id, info.StartOffset, 4<<20, func(r stream.Record) error {
		var m types.Message
		if err := json.Unmarshal(r.Data, &m); err != nil {
			return fmt.Errorf("message: %s offset %d: %w", name, r.Offset, err)
		}
		l.sizes = append(l.sizes, int64(len(m.Body)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ID returns the underlying stream ID.
func (l *Log) ID() stream.ID { return l.id }

// Append stores m and returns its offset. ID, Topic, Queue, PublishedAt and
// NodeID are expected to be filled in by the caller.
func (l *Log) Append(ctx context.Context, m *types.Message) (int64, error) {
	if len(m.Body) > l.cfg.MaxBodyBytes {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(m.Body), l.cfg.MaxBodyBytes)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("message: marshal: %w", err)
	}

	// Appends are serialised so the size index stays aligned with offsets.
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.cfg.Clock.Now()
	off, err := l.store.Append(ctx, l.id, data)
	l.cfg.Metrics.RecordStreamOperation("append", "message", l.cfg.Clock.Since(start))
	if err != nil {
		return 0, fmt.Errorf("message: append: %w", err)
	}
	if want := l.start + int64(len(l.sizes)); off != want {
		return 0, fmt.Errorf("message: append landed at %d, expected %d", off, want)
	}
	l.sizes = append(l.sizes, int64(len(m.Body)))
	m.Offset = off
	return off, nil
}

// Fetch reads the message at offset.
func (l *Log) Fetch(ctx context.Context, offset int64) (*types.Message, error) {
	if offset < 0 || offset >= l.EndOffset() {
		return nil, fmt.Errorf("%w: offset %d", ErrNotFound, offset)
	}
	start := l.cfg.Clock.Now()
	recs, err := l.store.Read(ctx, l.id, offset, 1)
	l.cfg.Metrics.RecordStreamOperation("read", "message", l.cfg.Clock.Since(start))
	if err != nil {
		if errors.Is(err, stream.ErrTrimmed) {
			return nil, fmt.Errorf("%w: offset %d: %w", ErrNotFound, offset, err)
		}
		return nil, fmt.Errorf("message: read %d: %w", offset, err)
	}
	if len(recs) == 0 || recs[0].Offset != offset {
		return nil, fmt.Errorf("%w: offset %d", ErrNotFound, offset)
	}
	var m types.Message
	if err := json.Unmarshal(recs[0].Data, &m); err != nil {
		return nil, fmt.Errorf("message: decode %d: %w", offset, err)
	}
	m.Offset = offset
	return &m, nil
}

// EndOffset returns the offset the next message will get.
func (l *Log) EndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start + int64(len(l.sizes))
}

// SizeOf returns the body size of the message at offset, or 0 when it is
// outside the log.
func (l *Log) SizeOf(offset int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := offset - l.start
	if i < 0 || i >= int64(len(l.sizes)) {
		return 0
	}
	return l.sizes[i]
}

// Trim discards messages below before; they must all be terminal. The size
// index is trimmed with it.
func (l *Log) Trim(ctx context.Context, before int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	end := l.start + int64(len(l.sizes))
	if before > end {
		before = end
	}
	if before <= l.start {
		return nil
	}
	if err := l.store.Trim(ctx, l.id, before); err != nil {
		return fmt.Errorf("message: trim: %w", err)
	}
	l.sizes = append([]int64(nil), l.sizes[before-l.start:]...)
	l.start = before
	return nil
}
