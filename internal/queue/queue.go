package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/message"
	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/oplog"
	"github.com/sneh-joshi/poplog/internal/snapshot"
	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/types"
)

// ─── Per-queue config ─────────────────────────────────────────────────────────

// Config holds the tunables applied to every queue a Manager activates.
// All zero-values are valid; use DefaultConfig() for production-safe defaults.
type Config struct {
	Oplog    oplog.Config
	Snapshot snapshot.Policy

	// MaxBodyBytes caps the body size of a single message. 0 = 4 MiB.
	MaxBodyBytes int

	// ReclaimInterval is how often message bodies below each queue's low
	// watermark are trimmed. 0 disables reclamation.
	ReclaimInterval time.Duration

	// Parallelism bounds concurrent recoveries in ActivateAll. 0 = 4.
	Parallelism int
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Oplog:           oplog.DefaultConfig(),
		Snapshot:        snapshot.DefaultPolicy(),
		MaxBodyBytes:    4 << 20,
		ReclaimInterval: time.Minute,
		Parallelism:     4,
	}
}

// ─── Stream naming ────────────────────────────────────────────────────────────

// Stream kinds owned by each queue.
const (
	OperationStream = "operation"
	SnapshotStream  = "snapshot"
	MessageStream   = "message"
)

// StreamName returns the durable stream name of one of id's streams:
// "<topic>/<index>/<kind>".
func StreamName(id types.QueueID, kind string) string {
	return id.String() + "/" + kind
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is one active queue: its message log and the operation log that
// tracks consumption of it. Both are safe for concurrent use.
type Queue struct {
	ID       types.QueueID
	Messages *message.Log
	Log      *oplog.Service

	// Recovery describes how the operation log was rebuilt at activation.
	Recovery oplog.Recovery
}

// deps is everything open needs besides the queue itself.
type deps struct {
	store   stream.Store
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	origin  string
}

// open opens id's three streams, recovers its operation log and starts it.
func open(ctx context.Context, d deps, id types.QueueID) (*Queue, error) {
	// ── 1. Streams ───────────────────────────────────────────────────────────
	opStream, err := d.store.Open(ctx, StreamName(id, OperationStream))
	if err != nil {
		return nil, fmt.Errorf("queue %s: open operation stream: %w", id, err)
	}
	snapStream, err := d.store.Open(ctx, StreamName(id, SnapshotStream))
	if err != nil {
		return nil, fmt.Errorf("queue %s: open snapshot stream: %w", id, err)
	}

	// ── 2. Message log (rebuilds the size index) ─────────────────────────────
	msgs, err := message.Open(ctx, d.store, StreamName(id, MessageStream), message.Config{
		MaxBodyBytes: d.cfg.MaxBodyBytes,
		Clock:        d.clock,
		Metrics:      d.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", id, err)
	}

	// ── 3. Snapshot manager ──────────────────────────────────────────────────
	snaps, err := snapshot.NewManager(snapshot.Config{
		Store:      d.store,
		OpStream:   opStream,
		SnapStream: snapStream,
		Policy:     d.cfg.Snapshot,
		Queue:      id.String(),
		Clock:      d.clock,
		Logger:     d.logger,
		Metrics:    d.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", id, err)
	}

	// ── 4. Operation log: recover, then start ────────────────────────────────
	svc := oplog.New(d.store, id, opStream, msgs, d.cfg.Oplog,
		oplog.WithClock(d.clock),
		oplog.WithLogger(d.logger),
		oplog.WithMetrics(d.metrics),
		oplog.WithOrigin(d.origin),
		oplog.WithSnapshots(snaps),
	)
	rec, err := svc.Recover(ctx)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("queue %s: %w", id, err)
	}
	svc.Start()

	return &Queue{
		ID:       id,
		Messages: msgs,
		Log:      svc,
		Recovery: rec,
	}, nil
}

// reclaim trims message bodies that can never be delivered again.
func (q *Queue) reclaim(ctx context.Context) (int64, error) {
	lw, err := q.Log.LowWatermark()
	if err != nil {
		return 0, err
	}
	if end := q.Messages.EndOffset(); lw > end {
		lw = end
	}
	if err := q.Messages.Trim(ctx, lw); err != nil {
		return 0, err
	}
	return lw, nil
}

// close stops the operation log. Streams stay open in the store.
func (q *Queue) close() { q.Log.Close() }
