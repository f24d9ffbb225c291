// Package statemachine holds the in-memory lease state of one queue.
//
// The state machine is pure: it performs no I/O and never reads a clock.
// Every mutation goes through Apply with an operation that has already been
// assigned a serial by the operation log, and time-dependent decisions use
// the operation's own Timestamp. Applying the same operation log therefore
// always produces the same state, whether live or during recovery.
//
// A StateMachine is not safe for concurrent use; it is owned by a single
// goroutine. Snapshot returns an immutable view that any goroutine may read.
package statemachine

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/sneh-joshi/poplog/internal/types"
)

var (
	// ErrInvalidLeaseState is returned when an operation targets a message
	// whose current state does not permit it, e.g. popping an ACKED message.
	ErrInvalidLeaseState = errors.New("statemachine: invalid lease state")

	// ErrStaleLease is returned when an Ack or ChangeInvisibleDuration
	// presents a lease token that no longer owns the message.
	ErrStaleLease = errors.New("statemachine: stale lease")

	// ErrSerialGap is returned by Apply when serial skips ahead of the last
	// applied serial.
	ErrSerialGap = errors.New("statemachine: serial gap")

	// ErrUnknownOperation is returned by Apply for an operation kind it does
	// not recognise.
	ErrUnknownOperation = errors.New("statemachine: unknown operation")
)

// DefaultMarkerRetention is how many terminal markers are kept.
const DefaultMarkerRetention = 10_000

// Config tunes a StateMachine.
type Config struct {
	// MarkerRetention bounds how many ACKED and DEAD markers are remembered.
	// ACKED markers answer duplicate Acks. The oldest (by resolving serial)
	// are evicted first, but never one at or past the consume offset.
	MarkerRetention int
}

// StateMachine is the lease state of one queue.
type StateMachine struct {
	state
	cfg Config
}

// New returns an empty StateMachine.
func New(cfg Config) *StateMachine {
	if cfg.MarkerRetention <= 0 {
		cfg.MarkerRetention = DefaultMarkerRetention
	}
	return &StateMachine{state: emptyState(), cfg: cfg}
}

// Effect describes what applying one operation changed.
type Effect struct {
	// Replayed is set when the serial had already been applied; nothing
	// changed.
	Replayed bool

	// Leased holds the lease records created by a Pop, in target order.
	Leased []types.LeaseRecord
	// Dead holds Pop targets that exhausted their delivery attempts.
	Dead []int64
	// Skipped holds Pop targets that were not visible when applied.
	Skipped []int64

	// Acked is set when an Ack resolved its message.
	Acked bool
	// Changed holds the updated lease after ChangeInvisibleDuration.
	Changed *types.LeaseRecord
	// Stale is set when an Ack or ChangeInvisibleDuration was fenced off.
	Stale bool
}

// Apply applies op, which the operation log assigned serial.
//
// A serial at or below LastSerial is ignored, so re-applying a prefix of the
// log is harmless. A serial more than one past LastSerial is an error.
func (m *StateMachine) Apply(serial uint64, op types.Operation) (Effect, error) {
	if serial <= m.serial {
		return Effect{Replayed: true}, nil
	}
	if serial != m.serial+1 {
		return Effect{}, fmt.Errorf("%w: last applied %d, got %d", ErrSerialGap, m.serial, serial)
	}

	var eff Effect
	switch op.Kind {
	case types.OpPop:
		eff = m.applyPop(serial, op)
	case types.OpAck:
		eff = m.applyAck(serial, op)
	case types.OpChangeInvisibleDuration:
		eff = m.applyChange(op)
	default:
		return Effect{}, fmt.Errorf("%w: kind %d", ErrUnknownOperation, op.Kind)
	}
	m.serial = serial
	return eff, nil
}

func (m *StateMachine) applyPop(serial uint64, op types.Operation) Effect {
	var eff Effect
	until := op.Timestamp.Add(op.Duration)

	for _, off := range op.Offsets {
		if off < 0 {
			eff.Skipped = append(eff.Skipped, off)
			continue
		}
		if _, ok := m.marker(off); ok {
			eff.Skipped = append(eff.Skipped, off)
			continue
		}

		prev, leased := m.lease(off)
		switch {
		case !leased && off >= m.consumeOffset:
			// First delivery.
			rec := types.LeaseRecord{
				Offset:         off,
				State:          types.StatusInvisible,
				InvisibleUntil: until,
				Attempts:       1,
				Group:          op.Group,
				Token:          serial,
			}
			m.putLease(rec)
			m.markDelivered(off)
			m.counters.Popped++
			eff.Leased = append(eff.Leased, rec)

		case leased && prev.Expired(op.Timestamp):
			if op.MaxAttempts > 0 && prev.Attempts >= op.MaxAttempts {
				m.dropLease(off)
				m.resolve(types.ResolvedMarker{
					Offset: off,
					State:  types.StatusDead,
					Serial: serial,
					Token:  prev.Token,
				})
				m.counters.Dead++
				eff.Dead = append(eff.Dead, off)
				continue
			}
			rec := prev
			rec.Attempts++
			rec.InvisibleUntil = until
			rec.Group = op.Group
			rec.Token = serial
			m.putLease(rec)
			m.counters.Redelivered++
			eff.Leased = append(eff.Leased, rec)

		default:
			// Still invisible, or an evicted ACKED offset.
			eff.Skipped = append(eff.Skipped, off)
		}
	}
	return eff
}

func (m *StateMachine) applyAck(serial uint64, op types.Operation) Effect {
	off := op.Offset()
	rec, ok := m.lease(off)
	if !ok || rec.Token != op.Token {
		m.counters.Stale++
		return Effect{Stale: true}
	}
	m.dropLease(off)
	m.resolve(types.ResolvedMarker{
		Offset: off,
		State:  types.StatusAcked,
		Serial: serial,
		Token:  op.Token,
	})
	m.counters.Acked++
	return Effect{Acked: true}
}

func (m *StateMachine) applyChange(op types.Operation) Effect {
	off := op.Offset()
	rec, ok := m.lease(off)
	if !ok || rec.Token != op.Token {
		m.counters.Stale++
		return Effect{Stale: true}
	}
	rec.InvisibleUntil = op.Timestamp.Add(op.Duration)
	m.putLease(rec)
	m.counters.Changed++
	return Effect{Changed: &rec}
}

// ─── tree mutations ──────────────────────────────────────────────────────────

func (m *StateMachine) putLease(rec types.LeaseRecord) {
	m.leases, _, _ = m.leases.Insert(offsetKey(rec.Offset), rec)
}

func (m *StateMachine) dropLease(off int64) {
	m.leases, _, _ = m.leases.Delete(offsetKey(off))
}

// markDelivered records that off now has a lease or marker, advancing the
// consume offset past every contiguous delivered offset.
func (m *StateMachine) markDelivered(off int64) {
	if off > m.consumeOffset {
		m.ahead++
		return
	}
	m.consumeOffset++
	for m.ahead > 0 {
		_, leased := m.lease(m.consumeOffset)
		_, resolved := m.marker(m.consumeOffset)
		if !leased && !resolved {
			break
		}
		m.ahead--
		m.consumeOffset++
	}
}

// resolve stores a terminal marker and evicts the oldest markers beyond the
// retention bound. Markers at or past the consume offset are kept: with the
// marker gone the offset would read as never delivered. Below it, an evicted
// offset reads as ACKED.
func (m *StateMachine) resolve(mk types.ResolvedMarker) {
	m.resolved, _, _ = m.resolved.Insert(offsetKey(mk.Offset), mk)
	m.resolvedOrder, _, _ = m.resolvedOrder.Insert(orderKey(mk.Serial, mk.Offset), mk.Offset)

	excess := m.resolvedOrder.Len() - m.cfg.MarkerRetention
	if excess <= 0 {
		return
	}
	var evict [][]byte
	m.resolvedOrder.Root().Walk(func(k []byte, v interface{}) bool {
		if off := v.(int64); off < m.consumeOffset {
			evict = append(evict, append([]byte(nil), k...))
		}
		return len(evict) >= excess
	})
	for _, k := range evict {
		v, _ := m.resolvedOrder.Get(k)
		m.resolvedOrder, _, _ = m.resolvedOrder.Delete(k)
		m.resolved, _, _ = m.resolved.Delete(offsetKey(v.(int64)))
	}
}

// ─── pre-append validation ───────────────────────────────────────────────────

// CheckPop verifies that every target of op is visible at op.Timestamp, so a
// Pop that would be rejected never consumes a serial.
func (m *StateMachine) CheckPop(op types.Operation) error {
	seen := make(map[int64]struct{}, len(op.Offsets))
	for _, off := range op.Offsets {
		if off < 0 {
			return fmt.Errorf("%w: offset %d", ErrInvalidLeaseState, off)
		}
		if _, dup := seen[off]; dup {
			return fmt.Errorf("%w: offset %d targeted twice", ErrInvalidLeaseState, off)
		}
		seen[off] = struct{}{}
		if st := m.stateOf(off, op.Timestamp); st != types.StatusPending {
			return fmt.Errorf("%w: offset %d is %s", ErrInvalidLeaseState, off, st)
		}
	}
	return nil
}

// Verdict classifies an Ack or ChangeInvisibleDuration before it is logged.
type Verdict uint8

const (
	// VerdictCurrent means the token owns the message's current lease.
	VerdictCurrent Verdict = iota
	// VerdictStale means the token no longer owns the message. The
	// operation is still logged, and applying it changes nothing.
	VerdictStale
	// VerdictDuplicate means the token already acknowledged the message;
	// the returned marker carries the serial of that Ack.
	VerdictDuplicate
)

// CheckLease classifies an Ack (kind OpAck) or ChangeInvisibleDuration
// (kind OpChangeInvisibleDuration) presenting token for off. It returns
// ErrInvalidLeaseState for a message that was never delivered, and for a
// ChangeInvisibleDuration on a message this very token already acknowledged.
func (m *StateMachine) CheckLease(kind types.OpKind, off int64, token uint64) (Verdict, types.ResolvedMarker, error) {
	if mk, ok := m.marker(off); ok {
		if mk.State == types.StatusAcked && mk.Token == token {
			if kind == types.OpAck {
				return VerdictDuplicate, mk, nil
			}
			return VerdictStale, mk, fmt.Errorf("%w: offset %d already acked", ErrInvalidLeaseState, off)
		}
		return VerdictStale, mk, nil
	}
	if rec, ok := m.lease(off); ok {
		if rec.Token == token {
			return VerdictCurrent, types.ResolvedMarker{}, nil
		}
		return VerdictStale, types.ResolvedMarker{}, nil
	}
	if off >= 0 && off < m.consumeOffset {
		// Resolved long enough ago that the marker was evicted.
		return VerdictStale, types.ResolvedMarker{}, nil
	}
	return VerdictStale, types.ResolvedMarker{}, fmt.Errorf("%w: offset %d was never delivered", ErrInvalidLeaseState, off)
}

// ─── queries ─────────────────────────────────────────────────────────────────

// VisibleCandidates yields the offsets visible at now, in ascending offset
// order, bounded by lim. end is the message stream's end offset; size
// reports body sizes for the byte limit and may be nil. The sequence is lazy
// and finite, and iterating it again yields the same offsets as long as the
// state machine has not been mutated in between.
func (m *StateMachine) VisibleCandidates(now time.Time, end int64, lim Limits, size SizeFunc) iter.Seq[int64] {
	return m.state.visible(now, end, lim, size)
}

// State returns the status of the message at off, evaluated at now.
func (m *StateMachine) State(off int64, now time.Time) types.Status { return m.stateOf(off, now) }

// Lease returns the stored lease record for off, if it has one.
func (m *StateMachine) Lease(off int64) (types.LeaseRecord, bool) { return m.lease(off) }

// Marker returns the idempotency marker for off, if one is retained.
func (m *StateMachine) Marker(off int64) (types.ResolvedMarker, bool) { return m.marker(off) }

// NextExpiry returns the earliest moment after now at which a lease
// expires, if any lease is still invisible at now.
func (m *StateMachine) NextExpiry(now time.Time) (time.Time, bool) { return m.nextExpiry(now) }

// LastSerial returns the highest applied serial.
func (m *StateMachine) LastSerial() uint64 { return m.serial }

// ConsumeOffset returns the lowest never-delivered offset.
func (m *StateMachine) ConsumeOffset() int64 { return m.consumeOffset }

// LowWatermark returns the lowest offset that is not yet terminal. Message
// bodies below it will never be delivered again.
func (m *StateMachine) LowWatermark() int64 { return m.lowWatermark() }

// Stats evaluates visible and in-flight counts at now.
func (m *StateMachine) Stats(now time.Time, end int64) Stats { return m.stats(now, end) }

// Fingerprint returns a hash of the complete state.
func (m *StateMachine) Fingerprint() uint64 { return m.fingerprint() }

// Snapshot captures the current state in O(1). The returned value is
// immutable and unaffected by later Apply calls.
func (m *StateMachine) Snapshot() *Snapshot {
	return &Snapshot{st: m.state}
}
