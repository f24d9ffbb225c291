// Package dlq routes dead messages to dead-letter topics and provides
// utilities for inspecting and replaying them.
//
// A message becomes DEAD when it exhausts its delivery attempts. Its queue's
// operation log records that fact but never moves the body anywhere; the
// broker hands the dead offsets to a Manager which copies each body into the
// single-queue topic "__dlq__<topic>". The copy remembers where it came from
// in its metadata so Replay can put it back.
//
//   - Route:  copy dead messages of one queue into its topic's DLQ.
//   - Peek:   read (but don't consume) the next N dead-lettered messages.
//   - Replay: move messages back to their source queue for reprocessing.
//   - Len:    messages in the DLQ that are not yet acknowledged.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/message"
	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/oplog"
	"github.com/sneh-joshi/poplog/internal/queue"
	"github.com/sneh-joshi/poplog/internal/topic"
	"github.com/sneh-joshi/poplog/internal/types"
)

const prefix = "__dlq__"

// Metadata keys stamped on every dead-lettered copy.
const (
	MetaSourceQueue  = "dlq.source_queue"
	MetaSourceOffset = "dlq.source_offset"
)

// replayGroup is the consumer group recorded on leases taken by Replay.
const replayGroup = "dlq-replay"

// Name returns the dead-letter topic paired with topicName.
func Name(topicName string) string { return prefix + topicName }

// IsDLQ reports whether name is a dead-letter topic name.
func IsDLQ(name string) bool { return strings.HasPrefix(name, prefix) }

// Config wires a Manager.
type Config struct {
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager provides dead-letter operations on top of a queue.Manager.
type Manager struct {
	qm  *queue.Manager
	reg *topic.Registry
	cfg Config
}

// NewManager wraps qm. Dead-letter topics are registered in reg on first use.
func NewManager(qm *queue.Manager, reg *topic.Registry, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{qm: qm, reg: reg, cfg: cfg}
}

// Route copies the DEAD messages of src that still wait to be dead-lettered
// into src's DLQ and returns how many were copied. Offsets whose copy fails
// stay held by src's operation log and are retried by the next Route. Dead
// messages of a DLQ itself are dropped.
func (m *Manager) Route(ctx context.Context, src *queue.Queue) (int, error) {
	dead := src.Log.ClaimDead()
	if len(dead) == 0 {
		return 0, nil
	}
	if IsDLQ(src.ID.Topic) {
		m.cfg.Logger.Warn("dead message in dead-letter topic dropped",
			"queue", src.ID.String(), "offsets", dead)
		src.Log.SettleDead(dead, nil)
		return 0, nil
	}

	dq, err := m.activate(ctx, src.ID.Topic, true)
	if err != nil {
		src.Log.SettleDead(nil, dead)
		return 0, err
	}

	var (
		routed int
		done   = make([]int64, 0, len(dead))
		i      int
	)
	defer func() {
		src.Log.SettleDead(done, dead[i:])
		if routed > 0 {
			dq.Log.Notify()
			m.cfg.Metrics.RecordDLQ(src.ID.Topic, routed)
		}
	}()
	for ; i < len(dead); i++ {
		off := dead[i]
		msg, err := src.Messages.Fetch(ctx, off)
		if errors.Is(err, message.ErrNotFound) {
			m.cfg.Logger.Error("dead message body gone, not dead-lettered",
				"queue", src.ID.String(), "offset", off, "error", err)
			done = append(done, off)
			continue
		}
		if err != nil {
			return routed, fmt.Errorf("dlq: route %s offset %d: %w", src.ID, off, err)
		}
		cp := *msg
		cp.Topic = dq.ID.Topic
		cp.Queue = dq.ID.Index
		cp.PublishedAt = m.cfg.Clock.Now().UnixMilli()
		cp.Metadata = maps.Clone(msg.Metadata)
		if cp.Metadata == nil {
			cp.Metadata = make(map[string]string, 2)
		}
		cp.Metadata[MetaSourceQueue] = strconv.Itoa(int(src.ID.Index))
		cp.Metadata[MetaSourceOffset] = strconv.FormatInt(off, 10)
		if _, err := dq.Messages.Append(ctx, &cp); err != nil {
			return routed, fmt.Errorf("dlq: route %s offset %d: %w", src.ID, off, err)
		}
		done = append(done, off)
		routed++
	}
	m.cfg.Logger.Info("messages dead-lettered", "queue", src.ID.String(), "dlq", dq.ID.String(), "count", routed)
	return routed, nil
}

// Peek returns up to limit dead-lettered messages of topicName that are not
// yet acknowledged, without leasing them.
func (m *Manager) Peek(ctx context.Context, topicName string, limit int) ([]*types.Message, error) {
	dq, err := m.activate(ctx, topicName, false)
	if err != nil || dq == nil {
		return nil, err
	}
	from, err := dq.Log.LowWatermark()
	if err != nil {
		return nil, err
	}
	now := m.cfg.Clock.Now().Round(0).UTC()
	var out []*types.Message
	for off := from; off < dq.Messages.EndOffset() && len(out) < limit; off++ {
		st, err := dq.Log.State(off, now)
		if err != nil {
			return out, err
		}
		if st.Terminal() {
			continue
		}
		msg, err := dq.Messages.Fetch(ctx, off)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Replay leases up to limit messages from topicName's DLQ, republishes each
// to its source queue and acknowledges it in the DLQ. A message whose
// republish fails stays leased in the DLQ and becomes visible again when the
// lease expires. Returns the number of messages replayed.
func (m *Manager) Replay(ctx context.Context, topicName string, limit int) (int, error) {
	tp, err := m.reg.Get(topicName)
	if err != nil {
		return 0, fmt.Errorf("dlq: replay: %w", err)
	}
	dq, err := m.activate(ctx, topicName, false)
	if err != nil || dq == nil {
		return 0, err
	}

	pop, err := dq.Log.LogPop(ctx, oplog.PopRequest{Group: replayGroup, MaxCount: limit})
	if err != nil {
		return 0, fmt.Errorf("dlq: replay: pop: %w", err)
	}
	if len(pop.Dead) > 0 {
		_, _ = m.Route(ctx, dq) // drops them
	}

	replayed := 0
	for _, lease := range pop.Leases {
		msg, err := dq.Messages.Fetch(ctx, lease.Offset)
		if err != nil {
			m.cfg.Logger.Warn("dlq replay: fetch failed", "offset", lease.Offset, "error", err)
			continue
		}

		// ── 1. Republish to the source queue ─────────────────────────────────
		fresh := *msg
		fresh.Topic = tp.Name
		fresh.Queue = sourceQueue(msg, tp.Queues)
		fresh.Metadata = maps.Clone(msg.Metadata)
		delete(fresh.Metadata, MetaSourceQueue)
		delete(fresh.Metadata, MetaSourceOffset)

		pq, err := m.qm.Activate(ctx, types.QueueID{Topic: tp.Name, Index: fresh.Queue})
		if err != nil {
			return replayed, fmt.Errorf("dlq: replay: %w", err)
		}
		if _, err := pq.Messages.Append(ctx, &fresh); err != nil {
			m.cfg.Logger.Warn("dlq replay: publish failed", "offset", lease.Offset, "error", err)
			continue
		}
		pq.Log.Notify()

		// ── 2. ACK from the DLQ only after the republish is durable ──────────
		if _, err := dq.Log.LogAck(ctx, oplog.AckRequest{Offset: lease.Offset, Token: lease.Token}); err != nil {
			m.cfg.Logger.Warn("dlq replay: ack failed", "offset", lease.Offset, "error", err)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// Len returns the number of messages in topicName's DLQ that are not yet
// acknowledged. Returns 0 if the DLQ has never been used.
func (m *Manager) Len(topicName string) int64 {
	dq, err := m.qm.Get(types.QueueID{Topic: Name(topicName)})
	if err != nil {
		return 0
	}
	st, err := dq.Log.Stats(m.cfg.Clock.Now().Round(0).UTC())
	if err != nil {
		return 0
	}
	return st.Visible + st.InFlight
}

// activate returns the DLQ queue of topicName. When create is false and the
// DLQ was never registered it returns (nil, nil).
func (m *Manager) activate(ctx context.Context, topicName string, create bool) (*queue.Queue, error) {
	name := Name(topicName)
	if !create && !m.reg.Exists(name) {
		return nil, nil
	}
	if _, err := m.reg.Ensure(name, 1); err != nil {
		return nil, fmt.Errorf("dlq: register %s: %w", name, err)
	}
	dq, err := m.qm.Activate(ctx, types.QueueID{Topic: name})
	if err != nil {
		return nil, fmt.Errorf("dlq: activate %s: %w", name, err)
	}
	return dq, nil
}

func sourceQueue(msg *types.Message, queues int32) int32 {
	n, err := strconv.ParseInt(msg.Metadata[MetaSourceQueue], 10, 32)
	if err != nil || n < 0 || int32(n) >= queues {
		return 0
	}
	return int32(n)
}
