// Package broker is the central orchestrator for poplog.
//
// All application code (HTTP handlers, the server binary) talks to the
// Broker, never directly to the queue or stream layer. The Broker resolves
// topics to queues, assigns message IDs, encodes receipt handles and routes
// dead messages to their dead-letter topic.
//
// Data flow:
//
//	Producer → Broker.Publish → message.Log.Append → stream.Store
//	                          → oplog.Service.Notify (wakes long polls)
//	Consumer → Broker.Pop     → oplog.Service.LogPop → message.Log.Fetch
//	                          → dlq.Manager.Route (dead offsets)
//	         → Broker.Ack     → oplog.Service.LogAck
//	         → Broker.ChangeInvisibleDuration
//	                          → oplog.Service.LogChangeInvisibleDuration
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/sneh-joshi/poplog/internal/dlq"
	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/node"
	"github.com/sneh-joshi/poplog/internal/oplog"
	"github.com/sneh-joshi/poplog/internal/queue"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/topic"
	"github.com/sneh-joshi/poplog/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrRateLimited is returned by Publish when the topic's producer rate
	// limit is exhausted.
	ErrRateLimited = errors.New("broker: publish rate limit exceeded")

	// ErrQueueOutOfRange is returned for a queue index the topic does not have.
	ErrQueueOutOfRange = errors.New("broker: queue index out of range")

	// ErrReservedTopic is returned when producers address a dead-letter topic.
	ErrReservedTopic = errors.New("broker: topic is reserved")
)

// AnyQueue lets Publish pick the queue.
const AnyQueue int32 = -1

// ─── Request / Response types ─────────────────────────────────────────────────

// PublishRequest carries everything needed to publish one message.
type PublishRequest struct {
	Topic string
	// Queue selects the queue. AnyQueue spreads messages round-robin, unless
	// Key is set.
	Queue int32
	// Key pins every message with the same key to the same queue.
	Key      string
	Body     []byte
	Metadata map[string]string
}

// PublishResponse is returned after a successful Publish.
type PublishResponse struct {
	MessageID string `json:"id"`
	Queue     int32  `json:"queue"`
	Offset    int64  `json:"offset"`
}

// PopRequest carries parameters for a pop from one queue.
type PopRequest struct {
	Topic             string
	Queue             int32
	Group             string
	MaxCount          int
	MaxBytes          int64
	InvisibleDuration time.Duration
	Wait              time.Duration
}

// Delivery is one leased message.
type Delivery struct {
	Message        *types.Message
	Receipt        string
	Attempts       int32
	InvisibleUntil time.Time
}

// PopResponse lists the leased messages. Serial is 0 when nothing was popped.
type PopResponse struct {
	Serial   uint64
	Messages []Delivery
	// DeadLettered is how many messages this pop moved to the DLQ.
	DeadLettered int
}

// AckResponse is returned after an Ack.
type AckResponse struct {
	Serial    uint64 `json:"serial"`
	Duplicate bool   `json:"duplicate"`
}

// ChangeResponse is returned after a ChangeInvisibleDuration.
type ChangeResponse struct {
	Serial         uint64    `json:"serial"`
	InvisibleUntil time.Time `json:"invisible_until"`
}

// QueueStats is the consumption state of one queue.
type QueueStats struct {
	Queue int32 `json:"queue"`
	Ready bool  `json:"ready"`
	statemachine.Stats
}

// TopicStats aggregates a topic's queues.
type TopicStats struct {
	Topic    string       `json:"topic"`
	Visible  int64        `json:"visible"`
	InFlight int64        `json:"in_flight"`
	DLQDepth int64        `json:"dlq_depth"`
	Queues   []QueueStats `json:"queues"`
}

// Stats is a lightweight snapshot of broker-wide state.
type Stats struct {
	Topics int `json:"topics"`
	Queues int `json:"queues"`
}

// ─── Config / options ────────────────────────────────────────────────────────

// Config tunes a Broker.
type Config struct {
	NodeID string
	// PublishRate is messages per second per topic. 0 = unlimited.
	PublishRate  float64
	PublishBurst int
}

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Broker) { b.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option { return func(b *Broker) { b.clock = c } }

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires together the topic registry, the queue manager and the DLQ
// manager into a single façade used by every transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    Config
	qm     *queue.Manager
	topics *topic.Registry
	dlqMgr *dlq.Manager

	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   clockwork.Clock

	next atomic.Uint64 // round-robin cursor for AnyQueue

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Broker over qm and topics. Call Start to activate the
// registered topics' queues.
func New(qm *queue.Manager, topics *topic.Registry, cfg Config, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		qm:       qm,
		topics:   topics,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(b)
	}
	b.dlqMgr = dlq.NewManager(qm, topics, dlq.Config{Clock: b.clock, Logger: b.logger, Metrics: b.metrics})
	return b
}

// Start recovers every queue of every registered topic.
func (b *Broker) Start(ctx context.Context) error {
	ids := b.topics.QueueIDs()
	start := b.clock.Now()
	if err := b.qm.ActivateAll(ctx, ids); err != nil {
		return fmt.Errorf("broker: activate queues: %w", err)
	}
	b.logger.Info("broker started", "queues", len(ids), "took", b.clock.Since(start))
	return nil
}

// Close closes all queues.
func (b *Broker) Close() error {
	return b.qm.Close()
}

// Stats returns a lightweight snapshot of broker state.
func (b *Broker) Stats() Stats {
	return Stats{Topics: len(b.topics.List()), Queues: len(b.qm.List())}
}

// NodeID returns the node identity string stamped on published messages.
func (b *Broker) NodeID() string { return b.cfg.NodeID }

// DLQ exposes the dead-letter manager.
func (b *Broker) DLQ() *dlq.Manager { return b.dlqMgr }

// ─── Topic management ─────────────────────────────────────────────────────────

// CreateTopic registers a topic and activates its queues.
func (b *Broker) CreateTopic(ctx context.Context, name string, queues int32) (topic.Topic, error) {
	t, err := b.topics.Create(name, queues)
	if err != nil {
		return topic.Topic{}, err
	}
	if err := b.qm.ActivateAll(ctx, t.QueueIDs()); err != nil {
		return t, fmt.Errorf("broker: activate %s: %w", name, err)
	}
	b.logger.Info("topic created", "topic", name, "queues", queues)
	return t, nil
}

// DeleteTopic removes a topic, its dead-letter topic and all their streams.
func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	if dlq.IsDLQ(name) {
		return fmt.Errorf("%w: %s", ErrReservedTopic, name)
	}
	t, err := b.topics.Get(name)
	if err != nil {
		return err
	}
	doomed := []topic.Topic{t}
	if d, err := b.topics.Get(dlq.Name(name)); err == nil {
		doomed = append(doomed, d)
	}
	for _, t := range doomed {
		for _, id := range t.QueueIDs() {
			if err := b.qm.Delete(ctx, id); err != nil {
				return fmt.Errorf("broker: delete topic %s: %w", name, err)
			}
		}
		if err := b.topics.Delete(t.Name); err != nil {
			return err
		}
	}
	b.limMu.Lock()
	delete(b.limiters, name)
	b.limMu.Unlock()
	b.logger.Info("topic deleted", "topic", name)
	return nil
}

// ListTopics returns every registered topic, dead-letter topics included.
func (b *Broker) ListTopics() []topic.Topic {
	return b.topics.List()
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// Publish durably appends a message to one of the topic's queues and wakes
// consumers parked on it.
func (b *Broker) Publish(ctx context.Context, req PublishRequest) (*PublishResponse, error) {
	if dlq.IsDLQ(req.Topic) {
		return nil, fmt.Errorf("%w: %s", ErrReservedTopic, req.Topic)
	}
	t, err := b.topics.Get(req.Topic)
	if err != nil {
		return nil, err
	}
	if !b.limiter(t.Name).Allow() {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, t.Name)
	}

	idx, err := b.pickQueue(t, req)
	if err != nil {
		return nil, err
	}
	q, err := b.qm.Activate(ctx, types.QueueID{Topic: t.Name, Index: idx})
	if err != nil {
		return nil, err
	}

	msgID, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("broker: generate message ID: %w", err)
	}
	msg := &types.Message{
		ID:          msgID,
		Topic:       t.Name,
		Queue:       idx,
		Body:        req.Body,
		PublishedAt: b.clock.Now().UnixMilli(),
		Metadata:    req.Metadata,
		NodeID:      b.cfg.NodeID,
	}
	off, err := q.Messages.Append(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("broker: publish to %s: %w", q.ID, err)
	}
	q.Log.Notify()
	b.metrics.RecordPublish(t.Name, 1)

	return &PublishResponse{MessageID: msgID, Queue: idx, Offset: off}, nil
}

func (b *Broker) pickQueue(t topic.Topic, req PublishRequest) (int32, error) {
	switch {
	case req.Key != "":
		return int32(xxhash.Sum64String(req.Key) % uint64(t.Queues)), nil
	case req.Queue == AnyQueue:
		return int32(b.next.Add(1) % uint64(t.Queues)), nil
	case req.Queue < 0 || req.Queue >= t.Queues:
		return 0, fmt.Errorf("%w: %s has %d queues, got %d", ErrQueueOutOfRange, t.Name, t.Queues, req.Queue)
	default:
		return req.Queue, nil
	}
}

// limiter returns the producer token bucket of topicName.
func (b *Broker) limiter(topicName string) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	l, ok := b.limiters[topicName]
	if !ok {
		limit := rate.Inf
		if b.cfg.PublishRate > 0 {
			limit = rate.Limit(b.cfg.PublishRate)
		}
		l = rate.NewLimiter(limit, max(b.cfg.PublishBurst, 1))
		b.limiters[topicName] = l
	}
	return l
}

// ─── Pop ──────────────────────────────────────────────────────────────────────

// Pop leases up to req.MaxCount visible messages of one queue, waiting up to
// req.Wait for some to appear. Messages that exhaust their delivery attempts
// during the pop are routed to the topic's DLQ.
func (b *Broker) Pop(ctx context.Context, req PopRequest) (*PopResponse, error) {
	q, err := b.queue(ctx, req.Topic, req.Queue)
	if err != nil {
		return nil, err
	}

	res, err := q.Log.LogPop(ctx, oplog.PopRequest{
		Group:             req.Group,
		MaxCount:          req.MaxCount,
		MaxBytes:          req.MaxBytes,
		InvisibleDuration: req.InvisibleDuration,
		Wait:              req.Wait,
	})
	if err != nil {
		return nil, err
	}

	out := &PopResponse{Serial: res.Serial, Messages: make([]Delivery, 0, len(res.Leases))}

	// The pop is durable at this point; DLQ routing and body fetches never
	// undo it. Route also retries dead messages an earlier pop failed to
	// route.
	n, err := b.dlqMgr.Route(ctx, q)
	if err != nil {
		b.logger.Warn("dead-letter routing failed, will retry", "queue", q.ID.String(), "error", err)
	}
	out.DeadLettered = n
	for _, lease := range res.Leases {
		msg, err := q.Messages.Fetch(ctx, lease.Offset)
		if err != nil {
			b.logger.Warn("leased message unreadable", "queue", q.ID.String(), "offset", lease.Offset, "error", err)
			continue
		}
		out.Messages = append(out.Messages, Delivery{
			Message:        msg,
			Receipt:        Receipt{Queue: q.ID, Offset: lease.Offset, Token: lease.Token}.String(),
			Attempts:       lease.Attempts,
			InvisibleUntil: lease.InvisibleUntil,
		})
	}
	return out, nil
}

// ─── Ack / ChangeInvisibleDuration ───────────────────────────────────────────

// Ack marks the leased message as processed. A retried Ack of an already
// acknowledged lease returns the original serial with Duplicate set.
func (b *Broker) Ack(ctx context.Context, receipt string) (*AckResponse, error) {
	r, err := ParseReceipt(receipt)
	if err != nil {
		return nil, err
	}
	q, err := b.queue(ctx, r.Queue.Topic, r.Queue.Index)
	if err != nil {
		return nil, err
	}
	res, err := q.Log.LogAck(ctx, oplog.AckRequest{Offset: r.Offset, Token: r.Token})
	if err != nil {
		return staleSerial[AckResponse](res, err, func(serial uint64) *AckResponse {
			return &AckResponse{Serial: serial}
		})
	}
	return &AckResponse{Serial: res.Serial, Duplicate: res.Duplicate}, nil
}

// ChangeInvisibleDuration moves the lease's expiry to now+d. A zero d makes
// the message visible again immediately. The receipt stays valid.
func (b *Broker) ChangeInvisibleDuration(ctx context.Context, receipt string, d time.Duration) (*ChangeResponse, error) {
	r, err := ParseReceipt(receipt)
	if err != nil {
		return nil, err
	}
	q, err := b.queue(ctx, r.Queue.Topic, r.Queue.Index)
	if err != nil {
		return nil, err
	}
	res, err := q.Log.LogChangeInvisibleDuration(ctx, oplog.ChangeInvisibleDurationRequest{
		Offset: r.Offset, Token: r.Token, Duration: d,
	})
	if err != nil {
		return staleSerial[ChangeResponse](res, err, func(serial uint64) *ChangeResponse {
			return &ChangeResponse{Serial: serial}
		})
	}
	return &ChangeResponse{Serial: res.Serial, InvisibleUntil: res.InvisibleUntil}, nil
}

// staleSerial keeps the serial a stale lease operation consumed: the
// operation was logged, so callers get both the serial and the error.
func staleSerial[T any](res oplog.Result, err error, build func(uint64) *T) (*T, error) {
	if errors.Is(err, statemachine.ErrStaleLease) && res.Serial != 0 {
		return build(res.Serial), err
	}
	return nil, err
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// TopicStats reports the consumption state of every queue of a topic, read
// from each queue's last published state.
func (b *Broker) TopicStats(ctx context.Context, name string) (*TopicStats, error) {
	t, err := b.topics.Get(name)
	if err != nil {
		return nil, err
	}
	now := b.clock.Now().Round(0).UTC()
	out := &TopicStats{Topic: t.Name, Queues: make([]QueueStats, 0, t.Queues)}
	for _, id := range t.QueueIDs() {
		q, err := b.qm.Activate(ctx, id)
		if err != nil {
			return nil, err
		}
		st, err := q.Log.Stats(now)
		if err != nil {
			return nil, err
		}
		out.Queues = append(out.Queues, QueueStats{Queue: id.Index, Ready: q.Log.Ready(), Stats: st})
		out.Visible += st.Visible
		out.InFlight += st.InFlight
	}
	if !dlq.IsDLQ(name) {
		out.DLQDepth = b.dlqMgr.Len(name)
	}
	return out, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// queue resolves and activates one queue of a registered topic.
func (b *Broker) queue(ctx context.Context, topicName string, idx int32) (*queue.Queue, error) {
	t, err := b.topics.Get(topicName)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= t.Queues {
		return nil, fmt.Errorf("%w: %s has %d queues, got %d", ErrQueueOutOfRange, t.Name, t.Queues, idx)
	}
	return b.qm.Activate(ctx, types.QueueID{Topic: t.Name, Index: idx})
}
