package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/types"
)

// ─── errors ──────────────────────────────────────────────────────────────────

var (
	ErrQueueNotFound = errors.New("queue not found")
	ErrClosed        = errors.New("queue manager closed")
)

// ─── Options ─────────────────────────────────────────────────────────────────

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock for every queue.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.deps.clock = c } }

// WithLogger sets the logger handed to every queue.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.deps.logger = l } }

// WithMetrics sets the metrics sink handed to every queue.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.deps.metrics = mt } }

// WithOrigin sets the owner identity stamped into every operation record.
func WithOrigin(origin string) Option { return func(m *Manager) { m.deps.origin = origin } }

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager owns the lifecycle of every active Queue on this node.
//
// Responsibilities:
//   - Activate queues on demand, recovering each exactly once even when
//     activation is requested concurrently.
//   - Recover many queues in parallel at startup (ActivateAll).
//   - Periodically trim message bodies no queue will deliver again.
//   - Tear everything down cleanly on Close.
//
// All methods are safe for concurrent use.
type Manager struct {
	deps deps

	mu     sync.RWMutex
	queues map[types.QueueID]*Queue
	closed bool

	activating singleflight.Group

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager over store. The store is not owned: Close
// leaves it open.
func NewManager(store stream.Store, cfg Config, opts ...Option) *Manager {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	m := &Manager{
		deps: deps{
			store:  store,
			cfg:    cfg,
			clock:  clockwork.NewRealClock(),
			logger: slog.Default(),
		},
		queues: make(map[types.QueueID]*Queue),
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if cfg.ReclaimInterval > 0 {
		m.wg.Add(1)
		go m.reclaimLoop()
	}
	return m
}

// Activate returns the live Queue for id, recovering and starting it first if
// needed. Concurrent calls for the same id share one recovery.
func (m *Manager) Activate(ctx context.Context, id types.QueueID) (*Queue, error) {
	if q, err := m.Get(id); err == nil {
		return q, nil
	}

	v, err, _ := m.activating.Do(id.String(), func() (any, error) {
		m.mu.RLock()
		q, ok := m.queues[id]
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return nil, ErrClosed
		}
		if ok {
			return q, nil
		}

		q, err := open(ctx, m.deps, id)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			q.close()
			return nil, ErrClosed
		}
		m.queues[id] = q
		m.deps.logger.Info("queue activated",
			"queue", id.String(),
			"serial", q.Recovery.Serial,
			"replayed", q.Recovery.Replayed,
			"messages", q.Messages.EndOffset(),
		)
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Queue), nil
}

// ActivateAll activates every id, recovering up to Config.Parallelism queues
// at a time. It returns the first error; queues activated before it stay
// active.
func (m *Manager) ActivateAll(ctx context.Context, ids []types.QueueID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.deps.cfg.Parallelism)
	for _, id := range ids {
		g.Go(func() error {
			_, err := m.Activate(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// Get returns the live Queue for id, or ErrQueueNotFound.
func (m *Manager) Get(id types.QueueID) (*Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	return q, nil
}

// Deactivate stops the queue's operation log and forgets it. Its streams are
// kept; a later Activate recovers it. Returns ErrQueueNotFound if inactive.
func (m *Manager) Deactivate(id types.QueueID) error {
	m.mu.Lock()
	q, ok := m.queues[id]
	delete(m.queues, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	q.close()
	m.deps.logger.Info("queue deactivated", "queue", id.String())
	return nil
}

// Delete deactivates the queue (if active) and removes its three streams.
func (m *Manager) Delete(ctx context.Context, id types.QueueID) error {
	if err := m.Deactivate(id); err != nil && !errors.Is(err, ErrQueueNotFound) {
		return err
	}
	for _, kind := range []string{OperationStream, SnapshotStream, MessageStream} {
		name := StreamName(id, kind)
		sid, err := m.deps.store.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("delete %s: open %s: %w", id, name, err)
		}
		if err := m.deps.store.Delete(ctx, sid); err != nil && !errors.Is(err, stream.ErrNotFound) {
			return fmt.Errorf("delete %s: %s: %w", id, name, err)
		}
	}
	return nil
}

// List returns the IDs of all active queues, sorted by topic then index.
func (m *Manager) List() []types.QueueID {
	m.mu.RLock()
	ids := make([]types.QueueID, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.SortFunc(ids, compareIDs)
	return ids
}

// Stats evaluates the queue's last published consumption state now.
func (m *Manager) Stats(id types.QueueID) (statemachine.Stats, error) {
	q, err := m.Get(id)
	if err != nil {
		return statemachine.Stats{}, err
	}
	return q.Log.Stats(m.deps.clock.Now().Round(0).UTC())
}

// Reclaim trims, in every active queue, the message bodies below its low
// watermark. It returns the number of queues that failed.
func (m *Manager) Reclaim(ctx context.Context) int {
	failed := 0
	for _, id := range m.List() {
		q, err := m.Get(id)
		if err != nil {
			continue
		}
		lw, err := q.reclaim(ctx)
		if err != nil {
			failed++
			m.deps.logger.Warn("reclaim failed", "queue", id.String(), "error", err)
			continue
		}
		m.deps.logger.Debug("reclaimed message bodies", "queue", id.String(), "before", lw)
	}
	return failed
}

// Close stops reclamation and closes all queues. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[types.QueueID]*Queue)
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
	for _, q := range queues {
		q.close()
	}
	return nil
}

// ─── background reclamation ──────────────────────────────────────────────────

func (m *Manager) reclaimLoop() {
	defer m.wg.Done()
	ticker := m.deps.clock.NewTicker(m.deps.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.Reclaim(context.Background())
		}
	}
}

func compareIDs(a, b types.QueueID) int {
	if a.Topic != b.Topic {
		if a.Topic < b.Topic {
			return -1
		}
		return 1
	}
	return int(a.Index) - int(b.Index)
}
