package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sneh-joshi/poplog/internal/stream"
)

const (
	metaFileName   = "meta.db"
	segmentDirName = "segments"
	segmentExt     = ".seg"
)

// ─── Local Store Config ──────────────────────────────────────────────────────

// FsyncPolicy controls when writes are flushed to physical disk.
// Values mirror the top-level Config.Storage.Fsync policy names so the server
// can pass them straight through without translation.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync after every append (safest, slowest)
	FsyncInterval FsyncPolicy = "interval" // fsync every FsyncIntervalMs milliseconds
	FsyncBatch    FsyncPolicy = "batch"    // fsync after every FsyncBatchSize appends
	FsyncNever    FsyncPolicy = "never"    // never fsync (fastest, risks data loss)
)

// Config holds options that tune local.Store behaviour.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	Fsync              FsyncPolicy
	FsyncIntervalMs    int           // used when Fsync == FsyncInterval
	FsyncBatchSize     int           // used when Fsync == FsyncBatch
	CompactionInterval time.Duration // how often trimmed prefixes are reclaimed
	// CompactionMinBytes is the smallest amount of trimmed data worth
	// rewriting a segment for.
	CompactionMinBytes int64
	Logger             *slog.Logger
}

// DefaultConfig returns a Config with production-safe defaults. Appends are
// acknowledged only once durable, because an acknowledged operation record
// is the only proof that a serial was assigned.
func DefaultConfig() Config {
	return Config{
		Fsync:              FsyncAlways,
		FsyncIntervalMs:    200,
		FsyncBatchSize:     64,
		CompactionInterval: 10 * time.Minute,
		CompactionMinBytes: 1 << 20,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// handle is the open state of one stream.
type handle struct {
	id   stream.ID
	name string
	seg  *Segment

	mu    sync.Mutex
	start int64 // trim point; records below it are hidden
}

func (h *handle) trimPoint() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return max(h.start, h.seg.Base())
}

// Store is the local, single-node implementation of stream.Store.
// It combines:
//   - One append-only Segment per stream (records in segments/<id>.seg)
//   - A bbolt Meta registry (name → id, id → trim point in meta.db)
//
// All methods are safe for concurrent use.
type Store struct {
	meta   *Meta
	dir    string
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[stream.ID]*handle
	closed  atomic.Bool

	// writeCount is incremented on every Append; used by FsyncBatch policy.
	writeCount atomic.Int64

	// compactMu serialises compaction against regular reads/writes.
	// RLock is taken by Append/Read/Trim; WLock is taken by Compactor.RunOnce.
	compactMu sync.RWMutex

	// compactor runs the background reclamation loop.
	compactor *Compactor

	// fsync background goroutine lifecycle.
	fsyncTicker *time.Ticker
	fsyncDone   chan struct{}
	fsyncWG     sync.WaitGroup
	fsyncOnce   sync.Once // guards stopFsync so it is safe to call multiple times

	closeOnce sync.Once // guards Close so it is safe to call multiple times
}

// Ensure Store satisfies the interface at compile time.
var _ stream.Store = (*Store)(nil)

// ─── Open ─────────────────────────────────────────────────────────────────────

// Open creates (or reopens) a local Store backed by files in dir.
// An optional Config can be supplied; defaults are used for any zero-field.
//
// The variadic signature keeps the common call site (Open(dir)) short.
func Open(dir string, cfgs ...Config) (*Store, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		// Merge: only override fields that were explicitly set.
		c := cfgs[0]
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncIntervalMs > 0 {
			cfg.FsyncIntervalMs = c.FsyncIntervalMs
		}
		if c.FsyncBatchSize > 0 {
			cfg.FsyncBatchSize = c.FsyncBatchSize
		}
		if c.CompactionInterval > 0 {
			cfg.CompactionInterval = c.CompactionInterval
		}
		if c.CompactionMinBytes > 0 {
			cfg.CompactionMinBytes = c.CompactionMinBytes
		}
		cfg.Logger = c.Logger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(dir, segmentDirName), 0o750); err != nil {
		return nil, fmt.Errorf("local store: create dir %s: %w", dir, err)
	}

	meta, err := OpenMeta(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("local store: open meta: %w", err)
	}

	s := &Store{
		meta:    meta,
		dir:     dir,
		cfg:     cfg,
		logger:  logger.With("component", "stream"),
		handles: make(map[stream.ID]*handle),
	}

	// Start background fsync goroutine (if needed).
	s.startFsync()

	// Start background compactor.
	s.compactor = NewCompactor(s, cfg.CompactionInterval)
	s.compactor.Start()

	return s, nil
}

// ─── Background fsync ─────────────────────────────────────────────────────────

// startFsync launches the periodic fsync goroutine when the policy requires it.
func (s *Store) startFsync() {
	if s.cfg.Fsync != FsyncInterval {
		return
	}
	interval := time.Duration(s.cfg.FsyncIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	s.fsyncTicker = time.NewTicker(interval)
	s.fsyncDone = make(chan struct{})
	s.fsyncWG.Add(1)
	go func() {
		defer s.fsyncWG.Done()
		for {
			select {
			case <-s.fsyncDone:
				return
			case <-s.fsyncTicker.C:
				s.syncAll()
			}
		}
	}()
}

// stopFsync shuts down the periodic fsync goroutine.
// Safe to call multiple times.
func (s *Store) stopFsync() {
	if s.fsyncTicker == nil {
		return
	}
	s.fsyncOnce.Do(func() {
		s.fsyncTicker.Stop()
		close(s.fsyncDone)
	})
	s.fsyncWG.Wait()
}

func (s *Store) syncAll() {
	s.mu.RLock()
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.RUnlock()
	for _, h := range hs {
		if err := h.seg.Sync(); err != nil {
			s.logger.Warn("segment sync failed", "stream", h.name, "err", err)
		}
	}
}

// syncAfterAppend performs an fsync according to the configured policy.
// An error is returned only when the policy promises durability per append.
func (s *Store) syncAfterAppend(h *handle) error {
	switch s.cfg.Fsync {
	case FsyncAlways:
		return h.seg.Sync()
	case FsyncBatch:
		n := s.writeCount.Add(1)
		if n%int64(s.cfg.FsyncBatchSize) == 0 {
			s.syncAll()
		}
	}
	// FsyncInterval is handled by the background goroutine.
	// FsyncNever does nothing.
	return nil
}

// ─── stream.Store implementation ─────────────────────────────────────────────

// Open returns the ID of the stream called name, creating it if needed.
func (s *Store) Open(_ context.Context, name string) (stream.ID, error) {
	if s.closed.Load() {
		return 0, stream.ErrClosed
	}
	id, meta, err := s.meta.Ensure(name)
	if err != nil {
		return 0, fmt.Errorf("local store: open %q: %w", name, err)
	}
	if _, err := s.load(id, meta); err != nil {
		return 0, err
	}
	return id, nil
}

// Append writes data as the next record of stream id.
func (s *Store) Append(ctx context.Context, id stream.ID, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h, err := s.handle(id)
	if err != nil {
		return 0, err
	}

	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	off, err := h.seg.Append(data)
	if err != nil {
		return 0, fmt.Errorf("local store: append %s: %w", h.name, err)
	}
	if err := s.syncAfterAppend(h); err != nil {
		// The frame is written but not known to be durable; the caller must
		// treat the outcome as unknown.
		return 0, fmt.Errorf("local store: sync %s: %w", h.name, err)
	}
	return off, nil
}

// Read returns records of stream id starting at from.
func (s *Store) Read(ctx context.Context, id stream.ID, from int64, maxBytes int) ([]stream.Record, error) {
	h, err := s.handle(id)
	if err != nil {
		return nil, err
	}

	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	start := h.trimPoint()
	if from < start {
		return nil, fmt.Errorf("%w: %s offset %d < start %d", stream.ErrTrimmed, h.name, from, start)
	}
	end := h.seg.End()

	var (
		out   []stream.Record
		total int
	)
	for off := from; off < end; off++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := h.seg.PayloadSize(off)
		if len(out) > 0 && total+n > maxBytes {
			break
		}
		data, err := h.seg.ReadAt(off)
		if err != nil {
			return nil, fmt.Errorf("local store: read %s at %d: %w", h.name, off, err)
		}
		total += n
		out = append(out, stream.Record{Offset: off, Data: data})
	}
	return out, nil
}

// Trim records a new trim point for stream id. The space is reclaimed by the
// compactor later.
func (s *Store) Trim(_ context.Context, id stream.ID, before int64) error {
	h, err := s.handle(id)
	if err != nil {
		return err
	}

	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if end := h.seg.End(); before > end {
		before = end
	}
	if before <= h.start {
		return nil
	}
	if err := s.meta.SetStart(id, before); err != nil {
		return fmt.Errorf("local store: trim %s: %w", h.name, err)
	}
	h.start = before
	return nil
}

// Info returns the live range of stream id.
func (s *Store) Info(_ context.Context, id stream.ID) (stream.Info, error) {
	h, err := s.handle(id)
	if err != nil {
		return stream.Info{}, err
	}
	return stream.Info{
		ID:          id,
		Name:        h.name,
		StartOffset: h.trimPoint(),
		EndOffset:   h.seg.End(),
	}, nil
}

// Delete removes stream id, its segment file and its metadata.
func (s *Store) Delete(_ context.Context, id stream.ID) error {
	h, err := s.handle(id)
	if err != nil {
		return err
	}

	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()

	if err := h.seg.Close(); err != nil {
		s.logger.Warn("segment close failed", "stream", h.name, "err", err)
	}
	if err := os.Remove(h.seg.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local store: remove %s: %w", h.seg.Path(), err)
	}
	if err := s.meta.Delete(id); err != nil {
		return fmt.Errorf("local store: delete %s: %w", h.name, err)
	}
	return nil
}

// Compactor returns the background Compactor so callers can invoke RunOnce
// directly in tests or trigger on-demand reclamation.
func (s *Store) Compactor() *Compactor {
	return s.compactor
}

// Close flushes and closes every segment and the registry.
// Background goroutines (fsync ticker, compactor) are stopped first.
// Safe to call multiple times — only the first call performs the actual close.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.compactor != nil {
			s.compactor.Stop()
		}
		s.stopFsync()
		closeErr = s.closeAll()
	})
	return closeErr
}

func (s *Store) closeAll() error {
	s.mu.Lock()
	hs := s.handles
	s.handles = make(map[stream.ID]*handle)
	s.mu.Unlock()

	var firstErr error
	for _, h := range hs {
		if err := h.seg.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("local store: close %s: %w", h.name, err)
		}
	}
	if err := s.meta.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("local store: close meta: %w", err)
	}
	return firstErr
}

// ─── handles ─────────────────────────────────────────────────────────────────

// handle returns the open handle for id, loading it from the registry if the
// stream exists but has not been opened by name in this process.
func (s *Store) handle(id stream.ID) (*handle, error) {
	if s.closed.Load() {
		return nil, stream.ErrClosed
	}
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}
	meta, err := s.meta.Get(id)
	if err != nil {
		return nil, err
	}
	return s.load(id, meta)
}

func (s *Store) load(id stream.ID, meta streamMeta) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check under write lock.
	if h, ok := s.handles[id]; ok {
		return h, nil
	}

	seg, err := OpenSegment(s.segmentPath(id), meta.Start)
	if err != nil {
		return nil, fmt.Errorf("local store: open segment for %q: %w", meta.Name, err)
	}
	if seg.End() < meta.Start {
		_ = seg.Close()
		return nil, fmt.Errorf("local store: %q ends at %d below trim point %d: %w",
			meta.Name, seg.End(), meta.Start, stream.ErrCorrupted)
	}

	h := &handle{id: id, name: meta.Name, seg: seg, start: meta.Start}
	s.handles[id] = h
	return h, nil
}

func (s *Store) segmentPath(id stream.ID) string {
	return filepath.Join(s.dir, segmentDirName, strconv.FormatUint(uint64(id), 10)+segmentExt)
}

// openHandles returns every currently open handle.
func (s *Store) openHandles() []*handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	return hs
}
