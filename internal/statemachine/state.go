package statemachine

import (
	"encoding/binary"
	"iter"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/sneh-joshi/poplog/internal/types"
)

// Counters are running totals, advanced only by Apply so they replay to the
// same values.
type Counters struct {
	Popped      uint64 `json:"popped"`
	Redelivered uint64 `json:"redelivered"`
	Acked       uint64 `json:"acked"`
	Dead        uint64 `json:"dead"`
	Changed     uint64 `json:"changed"`
	Stale       uint64 `json:"stale"`
}

// Limits bound a VisibleCandidates scan.
type Limits struct {
	MaxCount int
	MaxBytes int64
}

// SizeFunc reports the body size of the message at offset.
type SizeFunc func(offset int64) int64

// Stats is a point-in-time view of one queue.
type Stats struct {
	Visible       int64    `json:"visible"`
	InFlight      int64    `json:"in_flight"`
	ConsumeOffset int64    `json:"consume_offset"`
	EndOffset     int64    `json:"end_offset"`
	LastSerial    uint64   `json:"last_serial"`
	Counters      Counters `json:"counters"`
}

// state is the complete, immutable-by-construction content of a state
// machine. Every tree is persistent: mutating returns a new root and leaves
// earlier roots intact, so copying a state value is a consistent snapshot.
type state struct {
	serial uint64

	// consumeOffset is the lowest offset that has never been delivered.
	// Every offset below it has a lease record, a resolved marker, or had
	// its marker evicted.
	consumeOffset int64
	// ahead counts offsets ≥ consumeOffset that already have a lease record
	// or marker (explicit out-of-order pops).
	ahead int64

	leases        *iradix.Tree // offsetKey → types.LeaseRecord, INVISIBLE only
	resolved      *iradix.Tree // offsetKey → types.ResolvedMarker
	resolvedOrder *iradix.Tree // orderKey(serial, offset) → offset

	counters Counters
}

func emptyState() state {
	return state{
		leases:        iradix.New(),
		resolved:      iradix.New(),
		resolvedOrder: iradix.New(),
	}
}

func offsetKey(off int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(off))
	return k[:]
}

func keyOffset(k []byte) int64 { return int64(binary.BigEndian.Uint64(k)) }

func orderKey(serial uint64, off int64) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[:8], serial)
	binary.BigEndian.PutUint64(k[8:], uint64(off))
	return k[:]
}

func (s *state) lease(off int64) (types.LeaseRecord, bool) {
	v, ok := s.leases.Get(offsetKey(off))
	if !ok {
		return types.LeaseRecord{}, false
	}
	return v.(types.LeaseRecord), true
}

func (s *state) marker(off int64) (types.ResolvedMarker, bool) {
	v, ok := s.resolved.Get(offsetKey(off))
	if !ok {
		return types.ResolvedMarker{}, false
	}
	return v.(types.ResolvedMarker), true
}

// stateOf evaluates the status of off at now. Offsets below consumeOffset
// with neither a lease nor a marker had their terminal marker evicted.
func (s *state) stateOf(off int64, now time.Time) types.Status {
	if m, ok := s.marker(off); ok {
		return m.State
	}
	if r, ok := s.lease(off); ok {
		if r.Expired(now) {
			return types.StatusPending
		}
		return types.StatusInvisible
	}
	if off < s.consumeOffset {
		return types.StatusAcked
	}
	return types.StatusPending
}

// visible yields offsets visible at now, in ascending offset order, stopping
// at lim. The scan works on the receiver's trees only, so the sequence can be
// restarted and always yields the same offsets for the same state.
func (s state) visible(now time.Time, end int64, lim Limits, size SizeFunc) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		var (
			count int
			bytes int64
			done  bool
		)
		take := func(off int64) bool {
			if lim.MaxCount > 0 && count >= lim.MaxCount {
				return false
			}
			var n int64
			if size != nil {
				n = size(off)
			}
			// The first message is always taken, however large.
			if count > 0 && lim.MaxBytes > 0 && bytes+n > lim.MaxBytes {
				return false
			}
			count++
			bytes += n
			return yield(off)
		}

		// ── 1. Expired leases below the consume offset ─────────────────────
		s.leases.Root().Walk(func(k []byte, v interface{}) bool {
			off := keyOffset(k)
			if off >= s.consumeOffset {
				return true
			}
			if v.(types.LeaseRecord).Expired(now) && !take(off) {
				done = true
				return true
			}
			return false
		})
		if done {
			return
		}

		// ── 2. Never-delivered offsets (and expired ones among them) ───────
		for off := s.consumeOffset; off < end; off++ {
			if s.ahead > 0 && !s.deliverable(off, now) {
				continue
			}
			if !take(off) {
				return
			}
		}
	}
}

// deliverable reports whether off has no marker and no unexpired lease.
func (s *state) deliverable(off int64, now time.Time) bool {
	if _, ok := s.marker(off); ok {
		return false
	}
	if r, ok := s.lease(off); ok && !r.Expired(now) {
		return false
	}
	return true
}

// nextExpiry returns the earliest InvisibleUntil strictly after now.
func (s *state) nextExpiry(now time.Time) (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	s.leases.Root().Walk(func(k []byte, v interface{}) bool {
		until := v.(types.LeaseRecord).InvisibleUntil
		if until.After(now) && (!found || until.Before(next)) {
			next, found = until, true
		}
		return false
	})
	return next, found
}

func (s *state) lowWatermark() int64 {
	if k, _, ok := s.leases.Root().Minimum(); ok {
		if off := keyOffset(k); off < s.consumeOffset {
			return off
		}
	}
	return s.consumeOffset
}

func (s *state) stats(now time.Time, end int64) Stats {
	var expired, inflight int64
	s.leases.Root().Walk(func(k []byte, v interface{}) bool {
		if v.(types.LeaseRecord).Expired(now) {
			expired++
		} else {
			inflight++
		}
		return false
	})
	fresh := end - s.consumeOffset - s.ahead
	if fresh < 0 {
		fresh = 0
	}
	return Stats{
		Visible:       fresh + expired,
		InFlight:      inflight,
		ConsumeOffset: s.consumeOffset,
		EndOffset:     end,
		LastSerial:    s.serial,
		Counters:      s.counters,
	}
}

// fingerprint hashes a canonical rendering of the state. Two states with the
// same fingerprint answer every query identically.
func (s *state) fingerprint() uint64 {
	d := xxhash.New()
	line := make([]byte, 0, 128)
	write := func(parts ...string) {
		line = line[:0]
		for i, p := range parts {
			if i > 0 {
				line = append(line, '|')
			}
			line = append(line, p...)
		}
		line = append(line, '\n')
		_, _ = d.Write(line)
	}
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	i := func(v int64) string { return strconv.FormatInt(v, 10) }

	write("serial", u(s.serial), "consume", i(s.consumeOffset), "ahead", i(s.ahead))
	c := s.counters
	write("counters", u(c.Popped), u(c.Redelivered), u(c.Acked), u(c.Dead), u(c.Changed), u(c.Stale))
	s.leases.Root().Walk(func(k []byte, v interface{}) bool {
		r := v.(types.LeaseRecord)
		write("lease", i(r.Offset), r.State.String(), i(r.InvisibleUntil.UnixNano()),
			i(int64(r.Attempts)), r.Group, u(r.Token))
		return false
	})
	s.resolved.Root().Walk(func(k []byte, v interface{}) bool {
		m := v.(types.ResolvedMarker)
		write("marker", i(m.Offset), m.State.String(), u(m.Serial), u(m.Token))
		return false
	})
	return d.Sum64()
}

// image flattens the trees into plain slices.
func (s *state) image() Image {
	img := Image{
		Serial:        s.serial,
		ConsumeOffset: s.consumeOffset,
		Leases:        make([]types.LeaseRecord, 0, s.leases.Len()),
		Markers:       make([]types.ResolvedMarker, 0, s.resolved.Len()),
		Counters:      s.counters,
	}
	s.leases.Root().Walk(func(k []byte, v interface{}) bool {
		img.Leases = append(img.Leases, v.(types.LeaseRecord))
		return false
	})
	s.resolved.Root().Walk(func(k []byte, v interface{}) bool {
		img.Markers = append(img.Markers, v.(types.ResolvedMarker))
		return false
	})
	return img
}
