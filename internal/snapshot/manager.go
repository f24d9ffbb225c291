// Package snapshot persists point-in-time images of a queue's state machine
// and reclaims the operation log prefix they cover.
//
// A snapshot is appended to the queue's snapshot stream first. Only once that
// append is durable is the operation stream trimmed below the snapshot's op
// offset, and the snapshot stream trimmed below the new snapshot. A crash at
// any point therefore leaves a snapshot whose op offset is at or above the
// operation stream's start.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/stream"
)

// ErrCorruptSnapshot is returned by Load when the latest snapshot record
// cannot be decoded.
var ErrCorruptSnapshot = errors.New("snapshot: corrupt snapshot")

// Policy decides when a snapshot is due: after EveryOps operations or after
// Interval, whichever comes first. Zero disables that trigger.
type Policy struct {
	EveryOps uint64
	Interval time.Duration
}

// DefaultPolicy snapshots every 10 000 operations or every minute.
func DefaultPolicy() Policy {
	return Policy{EveryOps: 10_000, Interval: time.Minute}
}

// Capture is a snapshot taken on the owning goroutine, waiting to be
// persisted.
type Capture struct {
	State    *statemachine.Snapshot
	OpOffset int64
	TakenAt  time.Time
}

// Config wires a Manager to one queue.
type Config struct {
	Store      stream.Store
	OpStream   stream.ID
	SnapStream stream.ID
	Policy     Policy
	// Queue labels logs and metrics.
	Queue   string
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Timeout bounds one asynchronous persist. Zero means 30s.
	Timeout time.Duration
}

// Manager persists snapshots for one queue.
type Manager struct {
	cfg   Config
	codec *codec

	mu         sync.Mutex
	lastSerial uint64
	lastAt     time.Time
	inFlight   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager returns a Manager for the streams in cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		codec:  c,
		lastAt: cfg.Clock.Now(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Load returns the latest persisted checkpoint, or nil when the snapshot
// stream is empty. It also seeds the Due policy with the checkpoint's serial.
func (m *Manager) Load(ctx context.Context) (*Checkpoint, error) {
	info, err := m.cfg.Store.Info(ctx, m.cfg.SnapStream)
	if err != nil {
		return nil, fmt.Errorf("snapshot: info: %w", err)
	}
	if info.EndOffset == info.StartOffset {
		return nil, nil
	}
	recs, err := m.cfg.Store.Read(ctx, m.cfg.SnapStream, info.EndOffset-1, 1)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: snapshot stream ends at %d but returned no record", ErrCorruptSnapshot, info.EndOffset)
	}
	cp, err := m.codec.decode(recs[0].Data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lastSerial = cp.Serial()
	m.mu.Unlock()
	return cp, nil
}

// Due reports whether a snapshot should be taken at serial. It is false while
// an asynchronous persist is running.
func (m *Manager) Due(serial uint64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight || serial <= m.lastSerial {
		return false
	}
	p := m.cfg.Policy
	if p.EveryOps > 0 && serial-m.lastSerial >= p.EveryOps {
		return true
	}
	return p.Interval > 0 && now.Sub(m.lastAt) >= p.Interval
}

// Persist writes c and trims both streams behind it. Trim failures are
// logged and otherwise ignored: the next snapshot trims again.
func (m *Manager) Persist(ctx context.Context, c Capture) error {
	err := m.persist(ctx, c)
	m.cfg.Metrics.RecordSnapshot(m.cfg.Queue, err)
	return err
}

func (m *Manager) persist(ctx context.Context, c Capture) error {
	cp := &Checkpoint{
		OpOffset:    c.OpOffset,
		TakenAt:     c.TakenAt,
		Fingerprint: c.State.Fingerprint(),
		Image:       c.State.Image(),
	}
	data, err := m.codec.encode(cp)
	if err != nil {
		return err
	}

	// ── 1. Durable append ────────────────────────────────────────────────────
	start := m.cfg.Clock.Now()
	snapOff, err := m.cfg.Store.Append(ctx, m.cfg.SnapStream, data)
	m.cfg.Metrics.RecordStreamOperation("append", "snapshot", m.cfg.Clock.Since(start))
	if err != nil {
		return fmt.Errorf("snapshot: append: %w", err)
	}

	m.mu.Lock()
	if cp.Serial() > m.lastSerial {
		m.lastSerial = cp.Serial()
	}
	m.lastAt = m.cfg.Clock.Now()
	m.mu.Unlock()

	// ── 2. Trim the operation log prefix the snapshot covers ────────────────
	if err := m.cfg.Store.Trim(ctx, m.cfg.OpStream, c.OpOffset); err != nil {
		m.cfg.Logger.Warn("snapshot: trim operation stream failed",
			"queue", m.cfg.Queue, "before", c.OpOffset, "error", err)
	}

	// ── 3. Trim superseded snapshots ─────────────────────────────────────────
	if err := m.cfg.Store.Trim(ctx, m.cfg.SnapStream, snapOff); err != nil {
		m.cfg.Logger.Warn("snapshot: trim snapshot stream failed",
			"queue", m.cfg.Queue, "before", snapOff, "error", err)
	}

	m.cfg.Logger.Info("snapshot persisted",
		"queue", m.cfg.Queue,
		"serial", cp.Serial(),
		"op_offset", c.OpOffset,
		"leases", len(cp.Image.Leases),
		"markers", len(cp.Image.Markers),
		"bytes", len(data),
	)
	return nil
}

// PersistAsync persists c on a background goroutine. It returns false without
// doing anything when a persist is already running or the manager is closed.
func (m *Manager) PersistAsync(c Capture) bool {
	m.mu.Lock()
	if m.inFlight || m.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.inFlight = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
		defer cancel()
		if err := m.Persist(ctx, c); err != nil {
			m.cfg.Logger.Error("snapshot persist failed",
				"queue", m.cfg.Queue, "serial", c.State.Serial(), "error", err)
		}
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()
	return true
}

// Wait blocks until no asynchronous persist is running.
func (m *Manager) Wait() { m.wg.Wait() }

// Close cancels any running persist, waits for it, and releases the codec.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	m.codec.close()
}
