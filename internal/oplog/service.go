// Package oplog is the per-queue operation log service.
//
// Every Pop, Ack and ChangeInvisibleDuration submitted to a queue is handled
// by that queue's actor goroutine, one at a time:
//
//	validate → assign serial → encode → durable append → apply → reply
//
// The serial is assigned only once the request is known to be valid, so a
// rejected request never consumes one, and the state machine only ever sees
// operations that are already durable. After a restart Recover rebuilds the
// same state from the latest snapshot and the operation stream suffix.
//
// Queues are independent: each Service owns its own state machine, serial
// counter and goroutine.
package oplog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/snapshot"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/types"
)

// ─── Configuration ────────────────────────────────────────────────────────────

// Config tunes a Service.
type Config struct {
	// MaxFetchCount caps the messages returned by one Pop.
	MaxFetchCount int
	// MaxFetchBytes caps the body bytes returned by one Pop. The first
	// message is always returned, however large.
	MaxFetchBytes int64
	// MaxFetchTime caps how long a long-poll Pop may wait.
	MaxFetchTime time.Duration

	// DefaultInvisibleDuration is used when a Pop does not give one.
	DefaultInvisibleDuration time.Duration
	// MaxDeliveryAttempts moves a message to DEAD instead of delivering it
	// for the (n+1)th time. Zero means unlimited.
	MaxDeliveryAttempts int32
	// MarkerRetention bounds the remembered ACKED and DEAD markers.
	MarkerRetention int

	// AppendTimeout bounds one durable append.
	AppendTimeout time.Duration
	// PollInterval is how often parked long-poll pops are re-evaluated
	// without a Notify, and how often the snapshot interval is checked.
	PollInterval time.Duration
	// QueueDepth is the capacity of the request channel.
	QueueDepth int
	// ReplayBatchBytes bounds each read during recovery.
	ReplayBatchBytes int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFetchCount:            1000,
		MaxFetchBytes:            10 * 1024 * 1024,
		MaxFetchTime:             10 * time.Second,
		DefaultInvisibleDuration: 30 * time.Second,
		MaxDeliveryAttempts:      16,
		MarkerRetention:          statemachine.DefaultMarkerRetention,
		AppendTimeout:            5 * time.Second,
		PollInterval:             time.Second,
		QueueDepth:               256,
		ReplayBatchBytes:         4 * 1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFetchCount <= 0 {
		c.MaxFetchCount = d.MaxFetchCount
	}
	if c.MaxFetchBytes <= 0 {
		c.MaxFetchBytes = d.MaxFetchBytes
	}
	if c.MaxFetchTime <= 0 {
		c.MaxFetchTime = d.MaxFetchTime
	}
	if c.DefaultInvisibleDuration <= 0 {
		c.DefaultInvisibleDuration = d.DefaultInvisibleDuration
	}
	if c.MaxDeliveryAttempts < 0 {
		c.MaxDeliveryAttempts = 0
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = d.AppendTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.ReplayBatchBytes <= 0 {
		c.ReplayBatchBytes = d.ReplayBatchBytes
	}
	return c
}

// Source is the queue's message log, as seen by the operation log: how many
// messages exist and how large each one is.
type Source interface {
	EndOffset() int64
	SizeOf(offset int64) int64
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger; a "queue" attribute is added.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithOrigin sets the owner identity stamped into every operation record.
func WithOrigin(origin string) Option { return func(s *Service) { s.origin = origin } }

// WithSnapshots attaches a snapshot manager. The Service takes ownership and
// closes it on Close.
func WithSnapshots(m *snapshot.Manager) Option { return func(s *Service) { s.snaps = m } }

// ─── Requests and results ─────────────────────────────────────────────────────

// PopRequest leases visible messages.
type PopRequest struct {
	Group string
	// MaxCount and MaxBytes bound the batch; zero or anything above the
	// configured caps means the cap.
	MaxCount int
	MaxBytes int64
	// InvisibleDuration is the lease length; zero means the default.
	InvisibleDuration time.Duration
	// Wait parks the request for up to Wait (capped by MaxFetchTime) when no
	// message is visible.
	Wait time.Duration
	// Offsets, when set, targets exactly these messages instead of the next
	// visible ones. Every target must be visible or the Pop fails.
	Offsets []int64
}

// PopResult is the outcome of a Pop. Serial is zero when nothing was logged.
type PopResult struct {
	Serial uint64
	Leases []types.LeaseRecord
	// Dead lists messages that exhausted their delivery attempts during this
	// Pop. They are not leased.
	Dead []int64
}

// AckRequest acknowledges a leased message.
type AckRequest struct {
	Offset int64
	Token  uint64
}

// ChangeInvisibleDurationRequest resets the lease of a message to expire
// Duration from now. A zero Duration makes it visible immediately.
type ChangeInvisibleDurationRequest struct {
	Offset   int64
	Token    uint64
	Duration time.Duration
}

// Result is the outcome of an Ack or ChangeInvisibleDuration.
type Result struct {
	Serial uint64
	// Duplicate is set when the Ack repeats one that already resolved the
	// message; Serial is the original Ack's serial and nothing was logged.
	Duplicate bool
	// InvisibleUntil is the new lease expiry after ChangeInvisibleDuration.
	InvisibleUntil time.Time
}

type request struct {
	ctx    context.Context
	kind   types.OpKind
	pop    PopRequest
	ack    AckRequest
	change ChangeInvisibleDurationRequest
	reply  chan response
}

type response struct {
	pop PopResult
	res Result
	err error
}

// ─── Service ──────────────────────────────────────────────────────────────────

const (
	stateNew int32 = iota
	stateReady
	stateFenced
	stateClosed
)

// Service is the operation log of one queue.
type Service struct {
	queue    types.QueueID
	store    stream.Store
	opStream stream.ID
	source   Source
	cfg      Config

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	origin  string
	snaps   *snapshot.Manager

	// Owned by the actor goroutine once started.
	sm      *statemachine.StateMachine
	opEnd   int64
	waiters waitHeap

	dead deadHold

	published atomic.Pointer[statemachine.Snapshot]
	state     atomic.Int32

	reqs      chan *request
	notify    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
}

// New returns a Service for queue whose operations are appended to opStream.
// It must be recovered and started before it accepts submissions.
func New(store stream.Store, queue types.QueueID, opStream stream.ID, source Source, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		queue:    queue,
		store:    store,
		opStream: opStream,
		source:   source,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		sm:       statemachine.New(statemachine.Config{MarkerRetention: cfg.MarkerRetention}),
		reqs:     make(chan *request, cfg.QueueDepth),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("queue", queue.String())
	return s
}

// Queue returns the queue this service logs for.
func (s *Service) Queue() types.QueueID { return s.queue }

// Recover rebuilds the state machine from the latest snapshot and the
// operation stream. It must be called exactly once, before Start.
func (s *Service) Recover(ctx context.Context) (Recovery, error) {
	if s.started.Load() {
		return Recovery{}, fmt.Errorf("oplog: %s: recover after start", s.queue)
	}
	start := s.clock.Now()
	rec, err := Recover(ctx, s.store, s.queue, s.sm, s.opStream, s.snaps, s.cfg.ReplayBatchBytes)
	if err != nil {
		s.logger.Error("recovery failed", "error", err)
		return rec, err
	}
	s.opEnd = rec.OpEnd
	s.published.Store(s.sm.Snapshot())
	s.metrics.RecordRecovery(s.queue.String(), s.clock.Since(start))
	s.logger.Info("queue recovered",
		"snapshot_serial", rec.SnapshotSerial,
		"replayed", rec.Replayed,
		"serial", rec.Serial,
		"op_end", rec.OpEnd,
		"fingerprint", fmt.Sprintf("%016x", rec.Fingerprint),
		"took", s.clock.Since(start),
	)
	return rec, nil
}

// Start launches the actor goroutine. Submissions are accepted from now on.
func (s *Service) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if s.published.Load() == nil {
		s.published.Store(s.sm.Snapshot())
	}
	s.state.Store(stateReady)
	go s.run()
}

// Close stops the actor. Parked and queued requests fail with ErrNotReady.
// It waits for any snapshot being persisted.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
		if s.snaps != nil {
			s.snaps.Close()
		}
	})
}

// Ready reports whether the service accepts submissions.
func (s *Service) Ready() bool { return s.state.Load() == stateReady }

// Notify wakes parked long-poll pops, e.g. after messages were appended.
func (s *Service) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Stats evaluates the last published state at now. It does not involve the
// actor.
func (s *Service) Stats(now time.Time) (statemachine.Stats, error) {
	snap := s.published.Load()
	if snap == nil {
		return statemachine.Stats{}, fmt.Errorf("%w: %s", ErrNotReady, s.queue)
	}
	return snap.Stats(now, s.source.EndOffset()), nil
}

// State returns the status of the message at offset in the last published
// state.
func (s *Service) State(offset int64, now time.Time) (types.Status, error) {
	snap := s.published.Load()
	if snap == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotReady, s.queue)
	}
	return snap.State(offset, now), nil
}

// LowWatermark returns the lowest offset whose body may still be needed: the
// lowest non-terminal offset in the last published state, or a lower DEAD
// offset not yet dead-lettered. Bodies below it can be reclaimed.
func (s *Service) LowWatermark() (int64, error) {
	snap := s.published.Load()
	if snap == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotReady, s.queue)
	}
	return s.dead.floor(snap.LowWatermark()), nil
}

// Fingerprint hashes the last published state.
func (s *Service) Fingerprint() uint64 {
	if snap := s.published.Load(); snap != nil {
		return snap.Fingerprint()
	}
	return 0
}

// LogPop leases visible messages. See PopRequest.
func (s *Service) LogPop(ctx context.Context, req PopRequest) (PopResult, error) {
	resp, err := s.submit(ctx, &request{kind: types.OpPop, pop: req})
	return resp.pop, err
}

// LogAck acknowledges a message. A token that no longer owns the message is
// still logged; the serial is returned with statemachine.ErrStaleLease.
func (s *Service) LogAck(ctx context.Context, req AckRequest) (Result, error) {
	resp, err := s.submit(ctx, &request{kind: types.OpAck, ack: req})
	return resp.res, err
}

// LogChangeInvisibleDuration changes a lease's expiry, with the same token
// fencing as LogAck.
func (s *Service) LogChangeInvisibleDuration(ctx context.Context, req ChangeInvisibleDurationRequest) (Result, error) {
	resp, err := s.submit(ctx, &request{kind: types.OpChangeInvisibleDuration, change: req})
	return resp.res, err
}

// submit hands r to the actor and waits for its reply. If ctx is cancelled
// after the request was accepted, the operation may still be logged.
func (s *Service) submit(ctx context.Context, r *request) (response, error) {
	if !s.Ready() {
		return response{}, fmt.Errorf("%w: %s", ErrNotReady, s.queue)
	}
	r.ctx = ctx
	r.reply = make(chan response, 1)
	select {
	case s.reqs <- r:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-s.done:
		return response{}, fmt.Errorf("%w: %s", ErrNotReady, s.queue)
	}
	select {
	case resp := <-r.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-s.done:
		select {
		case resp := <-r.reply:
			return resp, resp.err
		default:
			return response{}, fmt.Errorf("%w: %s", ErrNotReady, s.queue)
		}
	}
}

// ─── Actor ────────────────────────────────────────────────────────────────────

func (s *Service) run() {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	// wake fires when the soonest parked pop times out or a lease expires.
	wake := s.clock.NewTimer(s.cfg.PollInterval)
	wake.Stop()
	defer wake.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case r := <-s.reqs:
			s.handle(r)
		case <-s.notify:
			s.serveWaiters()
		case <-wake.Chan():
			s.serveWaiters()
		case <-ticker.Chan():
			s.serveWaiters()
			s.maybeSnapshot(s.now())
		}
		if s.state.Load() == stateFenced && len(s.waiters) > 0 {
			s.releaseWaiters(fmt.Errorf("%w: %s fenced", ErrNotReady, s.queue))
		}
		s.armWake(wake)
	}
}

// armWake points wake at the next moment a parked pop can change outcome:
// the earliest waiter deadline or lease expiry. It is stopped while nothing
// is parked.
func (s *Service) armWake(wake clockwork.Timer) {
	if len(s.waiters) == 0 {
		wake.Stop()
		return
	}
	now := s.now()
	next := s.waiters[0].deadline
	if until, ok := s.sm.NextExpiry(now); ok && until.Before(next) {
		next = until
	}
	wake.Reset(max(next.Sub(now), 0))
}

// drain fails everything still queued or parked once the service stops.
func (s *Service) drain() {
	err := fmt.Errorf("%w: %s closed", ErrNotReady, s.queue)
	s.releaseWaiters(err)
	for {
		select {
		case r := <-s.reqs:
			r.reply <- response{err: err}
		default:
			return
		}
	}
}

func (s *Service) now() time.Time { return s.clock.Now().Round(0).UTC() }

func (s *Service) handle(r *request) {
	if err := r.ctx.Err(); err != nil {
		r.reply <- response{err: err}
		return
	}
	if s.state.Load() != stateReady {
		r.reply <- response{err: fmt.Errorf("%w: %s", ErrNotReady, s.queue)}
		return
	}
	switch r.kind {
	case types.OpPop:
		s.handlePop(r)
	case types.OpAck, types.OpChangeInvisibleDuration:
		res, err := s.handleLease(r)
		r.reply <- response{res: res, err: err}
	}
}

func (s *Service) handlePop(r *request) {
	req := &r.pop
	if req.MaxCount <= 0 || req.MaxCount > s.cfg.MaxFetchCount {
		req.MaxCount = s.cfg.MaxFetchCount
	}
	if req.MaxBytes <= 0 || req.MaxBytes > s.cfg.MaxFetchBytes {
		req.MaxBytes = s.cfg.MaxFetchBytes
	}
	if req.InvisibleDuration < 0 || len(req.Offsets) > s.cfg.MaxFetchCount {
		s.metrics.RecordOperation(s.queue.String(), types.OpPop.String(), metrics.OutcomeRejected)
		r.reply <- response{err: fmt.Errorf("%w: pop with duration %s and %d offsets",
			ErrInvalidRequest, req.InvisibleDuration, len(req.Offsets))}
		return
	}
	if req.InvisibleDuration == 0 {
		req.InvisibleDuration = s.cfg.DefaultInvisibleDuration
	}
	if req.Wait > s.cfg.MaxFetchTime {
		req.Wait = s.cfg.MaxFetchTime
	}

	now := s.now()
	res, served, err := s.tryPop(r, now)
	if served || err != nil || req.Wait <= 0 || len(req.Offsets) > 0 {
		r.reply <- response{pop: res, err: err}
		return
	}
	s.waiters.park(&waiter{req: r, deadline: now.Add(req.Wait)})
}

// tryPop logs a Pop if any target is available. served is false when there
// was nothing to pop.
func (s *Service) tryPop(r *request, now time.Time) (PopResult, bool, error) {
	req := r.pop
	op := types.Operation{
		Kind:        types.OpPop,
		Queue:       s.queue,
		Group:       req.Group,
		Duration:    req.InvisibleDuration,
		MaxAttempts: s.cfg.MaxDeliveryAttempts,
		Timestamp:   now,
		Origin:      s.origin,
	}

	end := s.source.EndOffset()
	if len(req.Offsets) > 0 {
		for _, off := range req.Offsets {
			if off >= end {
				s.metrics.RecordOperation(s.queue.String(), op.Kind.String(), metrics.OutcomeRejected)
				return PopResult{}, false, fmt.Errorf("%w: offset %d beyond end %d",
					statemachine.ErrInvalidLeaseState, off, end)
			}
		}
		op.Offsets = append([]int64(nil), req.Offsets...)
		if err := s.sm.CheckPop(op); err != nil {
			s.metrics.RecordOperation(s.queue.String(), op.Kind.String(), metrics.OutcomeRejected)
			return PopResult{}, false, err
		}
	} else {
		lim := statemachine.Limits{MaxCount: req.MaxCount, MaxBytes: req.MaxBytes}
		for off := range s.sm.VisibleCandidates(now, end, lim, s.source.SizeOf) {
			op.Offsets = append(op.Offsets, off)
		}
		if len(op.Offsets) == 0 {
			return PopResult{}, false, nil
		}
	}

	serial, eff, err := s.commit(op)
	if err != nil {
		return PopResult{}, false, err
	}
	s.metrics.RecordOperation(s.queue.String(), op.Kind.String(), metrics.OutcomeOK)
	if len(eff.Dead) > 0 {
		s.logger.Info("messages exhausted delivery attempts",
			"serial", serial, "offsets", eff.Dead, "max_attempts", s.cfg.MaxDeliveryAttempts)
	}
	return PopResult{Serial: serial, Leases: eff.Leased, Dead: eff.Dead}, true, nil
}

func (s *Service) handleLease(r *request) (Result, error) {
	op := types.Operation{
		Kind:      r.kind,
		Queue:     s.queue,
		Timestamp: s.now(),
		Origin:    s.origin,
	}
	if r.kind == types.OpAck {
		op.Offsets = []int64{r.ack.Offset}
		op.Token = r.ack.Token
	} else {
		if r.change.Duration < 0 {
			return Result{}, fmt.Errorf("%w: negative invisible duration %s", ErrInvalidRequest, r.change.Duration)
		}
		op.Offsets = []int64{r.change.Offset}
		op.Token = r.change.Token
		op.Duration = r.change.Duration
	}
	queue, kind := s.queue.String(), op.Kind.String()

	verdict, mk, err := s.sm.CheckLease(op.Kind, op.Offset(), op.Token)
	if err != nil {
		s.metrics.RecordOperation(queue, kind, metrics.OutcomeRejected)
		return Result{}, err
	}
	if verdict == statemachine.VerdictDuplicate {
		s.metrics.RecordOperation(queue, kind, metrics.OutcomeDuplicate)
		return Result{Serial: mk.Serial, Duplicate: true}, nil
	}

	serial, eff, err := s.commit(op)
	if err != nil {
		return Result{}, err
	}
	if eff.Stale {
		s.metrics.RecordOperation(queue, kind, metrics.OutcomeStale)
		s.logger.Debug("stale lease token",
			"kind", kind, "offset", op.Offset(), "token", op.Token, "serial", serial)
		return Result{Serial: serial}, fmt.Errorf("%w: offset %d token %d", statemachine.ErrStaleLease, op.Offset(), op.Token)
	}
	s.metrics.RecordOperation(queue, kind, metrics.OutcomeOK)
	res := Result{Serial: serial}
	if eff.Changed != nil {
		res.InvisibleUntil = eff.Changed.InvisibleUntil
		// A zero duration makes the message visible to parked pops now.
		s.Notify()
	}
	return res, nil
}

// commit appends op under the next serial and applies it.
func (s *Service) commit(op types.Operation) (uint64, statemachine.Effect, error) {
	serial := s.sm.LastSerial() + 1
	if err := s.appendOp(serial, op); err != nil {
		s.metrics.RecordOperation(s.queue.String(), op.Kind.String(), metrics.OutcomeFailed)
		return 0, statemachine.Effect{}, err
	}
	eff, err := s.sm.Apply(serial, op)
	if err != nil {
		// The record is durable but cannot be applied: the in-memory state
		// no longer matches the log.
		s.fence(err)
		return 0, statemachine.Effect{}, fmt.Errorf("%w: %s: apply serial %d: %w", ErrNotReady, s.queue, serial, err)
	}
	// Hold dead bodies before the new watermark becomes visible.
	if len(eff.Dead) > 0 {
		s.dead.add(eff.Dead)
	}
	snap := s.sm.Snapshot()
	s.published.Store(snap)
	s.maybeSnapshot(op.Timestamp)
	return serial, eff, nil
}

// appendOp durably appends the record for serial. When the store reports a
// failure it checks whether the record landed anyway: if it did, the append
// counts as successful; if that cannot be determined, the queue is fenced so
// the serial can never be reused.
func (s *Service) appendOp(serial uint64, op types.Operation) error {
	data, err := EncodeRecord(serial, op)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AppendTimeout)
	defer cancel()
	start := s.clock.Now()
	off, err := s.store.Append(ctx, s.opStream, data)
	s.metrics.RecordStreamOperation("append", "operation", s.clock.Since(start))

	if err == nil {
		if off != s.opEnd {
			s.fence(fmt.Errorf("appended at offset %d, expected %d", off, s.opEnd))
			return fmt.Errorf("%w: %s: operation stream written concurrently", ErrNotReady, s.queue)
		}
		s.opEnd = off + 1
		return nil
	}

	// ── Ambiguous failure: did the record land? ──────────────────────────────
	cctx, ccancel := context.WithTimeout(s.ctx, s.cfg.AppendTimeout)
	defer ccancel()
	info, ierr := s.store.Info(cctx, s.opStream)
	switch {
	case ierr == nil && info.EndOffset == s.opEnd:
		s.logger.Warn("operation append failed", "serial", serial, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrAppendFailure, s.queue, err)
	case ierr == nil && info.EndOffset == s.opEnd+1:
		recs, rerr := s.store.Read(cctx, s.opStream, s.opEnd, len(data))
		if rerr == nil && len(recs) > 0 && bytes.Equal(recs[0].Data, data) {
			s.logger.Warn("operation append reported failure but landed", "serial", serial, "error", err)
			s.opEnd++
			return nil
		}
	}
	s.fence(fmt.Errorf("append outcome unknown: %w", err))
	return fmt.Errorf("%w: %s: outcome unknown: %w", ErrAppendFailure, s.queue, err)
}

// fence stops the queue from accepting further submissions. The owner must
// re-activate (and so re-recover) the queue to continue.
func (s *Service) fence(cause error) {
	if s.state.CompareAndSwap(stateReady, stateFenced) {
		s.logger.Error("queue fenced", "serial", s.sm.LastSerial(), "error", cause)
	}
}

// releaseWaiters answers every parked pop with err.
func (s *Service) releaseWaiters(err error) {
	for _, w := range s.waiters {
		w.idx = -1
		w.req.reply <- response{err: err}
	}
	s.waiters = nil
}

// serveWaiters re-evaluates parked pops, soonest deadline first.
func (s *Service) serveWaiters() {
	if len(s.waiters) == 0 {
		return
	}
	now := s.now()
	for _, w := range s.waiters.ordered() {
		if w.idx < 0 {
			continue
		}
		if err := w.req.ctx.Err(); err != nil {
			s.waiters.remove(w)
			w.req.reply <- response{err: err}
			continue
		}
		res, served, err := s.tryPop(w.req, now)
		if served || err != nil || !now.Before(w.deadline) {
			// An expired wait returns an empty result and logs nothing.
			s.waiters.remove(w)
			w.req.reply <- response{pop: res, err: err}
		}
		if s.state.Load() != stateReady {
			return
		}
	}
}

// maybeSnapshot hands the current state to the snapshot manager when its
// policy says one is due.
func (s *Service) maybeSnapshot(now time.Time) {
	if s.snaps == nil || s.state.Load() != stateReady {
		return
	}
	serial := s.sm.LastSerial()
	if !s.snaps.Due(serial, now) {
		return
	}
	s.snaps.PersistAsync(snapshot.Capture{
		State:    s.sm.Snapshot(),
		OpOffset: s.opEnd,
		TakenAt:  now,
	})
}
