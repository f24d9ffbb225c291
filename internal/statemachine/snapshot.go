package statemachine

import (
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/sneh-joshi/poplog/internal/types"
)

// Image is the flat, serialisable form of a state machine's content.
// Leases and Markers are in ascending offset order.
type Image struct {
	Serial        uint64                 `json:"serial"`
	ConsumeOffset int64                  `json:"consume_offset"`
	Leases        []types.LeaseRecord    `json:"leases"`
	Markers       []types.ResolvedMarker `json:"markers"`
	Counters      Counters               `json:"counters"`
}

// Snapshot is an immutable point-in-time view of a StateMachine. It is safe
// for concurrent use.
type Snapshot struct {
	st state
}

// Serial returns the last serial applied when the snapshot was taken.
func (s *Snapshot) Serial() uint64 { return s.st.serial }

// Image flattens the snapshot for persistence.
func (s *Snapshot) Image() Image { return s.st.image() }

// Stats evaluates the snapshot at now.
func (s *Snapshot) Stats(now time.Time, end int64) Stats { return s.st.stats(now, end) }

// State returns the status of off at now.
func (s *Snapshot) State(off int64, now time.Time) types.Status { return s.st.stateOf(off, now) }

// LowWatermark behaves as StateMachine.LowWatermark at the time of capture.
func (s *Snapshot) LowWatermark() int64 { return s.st.lowWatermark() }

// Fingerprint matches StateMachine.Fingerprint at the time of capture.
func (s *Snapshot) Fingerprint() uint64 { return s.st.fingerprint() }

// VisibleCandidates behaves as StateMachine.VisibleCandidates at the time of
// capture.
func (s *Snapshot) VisibleCandidates(now time.Time, end int64, lim Limits, size SizeFunc) iter.Seq[int64] {
	return s.st.visible(now, end, lim, size)
}

// Restore replaces the state machine's content with img. It fails without
// modifying the state machine when img is internally inconsistent.
func (m *StateMachine) Restore(img Image) error {
	st := emptyState()
	st.serial = img.Serial
	st.consumeOffset = img.ConsumeOffset
	st.counters = img.Counters

	if img.ConsumeOffset < 0 {
		return fmt.Errorf("%w: negative consume offset %d", ErrInvalidLeaseState, img.ConsumeOffset)
	}

	for _, r := range img.Leases {
		if r.State != types.StatusInvisible || r.Offset < 0 {
			return fmt.Errorf("%w: lease at offset %d in state %s", ErrInvalidLeaseState, r.Offset, r.State)
		}
		st.leases, _, _ = st.leases.Insert(offsetKey(r.Offset), r)
		if r.Offset >= st.consumeOffset {
			st.ahead++
		}
	}

	order := make([]types.ResolvedMarker, 0, len(img.Markers))
	for _, mk := range img.Markers {
		if !mk.State.Terminal() || mk.Offset < 0 {
			return fmt.Errorf("%w: marker at offset %d in state %s", ErrInvalidLeaseState, mk.Offset, mk.State)
		}
		if _, dup := st.leases.Get(offsetKey(mk.Offset)); dup {
			return fmt.Errorf("%w: offset %d has both a lease and a marker", ErrInvalidLeaseState, mk.Offset)
		}
		st.resolved, _, _ = st.resolved.Insert(offsetKey(mk.Offset), mk)
		if mk.Offset >= st.consumeOffset {
			st.ahead++
		}
		order = append(order, mk)
	}
	if st.leases.Len() != len(img.Leases) || st.resolved.Len() != len(img.Markers) {
		return fmt.Errorf("%w: duplicate offsets in image", ErrInvalidLeaseState)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].Serial != order[j].Serial {
			return order[i].Serial < order[j].Serial
		}
		return order[i].Offset < order[j].Offset
	})
	for _, mk := range order {
		st.resolvedOrder, _, _ = st.resolvedOrder.Insert(orderKey(mk.Serial, mk.Offset), mk.Offset)
	}

	m.state = st
	return nil
}
