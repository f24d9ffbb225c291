package statemachine_test

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/types"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

// harness assigns serials the way the operation log does.
type harness struct {
	t   *testing.T
	sm  *statemachine.StateMachine
	ops []types.Operation
}

func newHarness(t *testing.T, cfg statemachine.Config) *harness {
	return &harness{t: t, sm: statemachine.New(cfg)}
}

func (h *harness) apply(op types.Operation) (uint64, statemachine.Effect) {
	h.t.Helper()
	serial := h.sm.LastSerial() + 1
	eff, err := h.sm.Apply(serial, op)
	require.NoError(h.t, err)
	h.ops = append(h.ops, op)
	return serial, eff
}

func pop(at time.Time, d time.Duration, offs ...int64) types.Operation {
	return types.Operation{Kind: types.OpPop, Group: "g", Offsets: offs, Duration: d, Timestamp: at}
}

func ack(at time.Time, off int64, token uint64) types.Operation {
	return types.Operation{Kind: types.OpAck, Offsets: []int64{off}, Token: token, Timestamp: at}
}

func change(at time.Time, off int64, token uint64, d time.Duration) types.Operation {
	return types.Operation{Kind: types.OpChangeInvisibleDuration, Offsets: []int64{off}, Token: token, Duration: d, Timestamp: at}
}

func candidates(sm *statemachine.StateMachine, now time.Time, end int64, max int) []int64 {
	return slices.Collect(sm.VisibleCandidates(now, end, statemachine.Limits{MaxCount: max}, nil))
}

// ─── Pop / Ack ───────────────────────────────────────────────────────────────

func TestPopAck_HappyPath(t *testing.T) {
	h := newHarness(t, statemachine.Config{})

	s1, eff := h.apply(pop(t0, 30*time.Second, 0, 1))
	require.Len(t, eff.Leased, 2)
	assert.Equal(t, s1, eff.Leased[0].Token)
	assert.Equal(t, int32(1), eff.Leased[0].Attempts)
	assert.Equal(t, t0.Add(30*time.Second), eff.Leased[1].InvisibleUntil)
	assert.Equal(t, types.StatusInvisible, h.sm.State(0, t0))
	assert.Equal(t, int64(2), h.sm.ConsumeOffset())

	_, eff = h.apply(ack(t0.Add(time.Second), 0, s1))
	assert.True(t, eff.Acked)
	assert.Equal(t, types.StatusAcked, h.sm.State(0, t0.Add(time.Hour)))

	// Offset 1 is still leased; 2 was never delivered.
	assert.Equal(t, []int64{2}, candidates(h.sm, t0.Add(time.Second), 3, 10))
	assert.Equal(t, int64(1), h.sm.LowWatermark())
}

func TestAck_StaleTokenChangesNothing(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	s1, _ := h.apply(pop(t0, time.Second, 0))
	// Lease expires and is redelivered under a new token.
	s2, eff := h.apply(pop(t0.Add(2*time.Second), time.Minute, 0))
	require.Len(t, eff.Leased, 1)
	assert.Equal(t, int32(2), eff.Leased[0].Attempts)

	v, _, err := h.sm.CheckLease(types.OpAck, 0, s1)
	require.NoError(t, err)
	assert.Equal(t, statemachine.VerdictStale, v)

	before := h.sm.Fingerprint()
	_, eff = h.apply(ack(t0.Add(3*time.Second), 0, s1))
	assert.True(t, eff.Stale)

	rec, ok := h.sm.Lease(0)
	require.True(t, ok)
	assert.Equal(t, s2, rec.Token)
	assert.NotEqual(t, before, h.sm.Fingerprint(), "serial and stale counter advance")
	assert.Equal(t, uint64(1), h.sm.Stats(t0, 1).Counters.Stale)
}

func TestCheckLease_DuplicateAck(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	s1, _ := h.apply(pop(t0, time.Minute, 0))
	s2, _ := h.apply(ack(t0, 0, s1))

	v, mk, err := h.sm.CheckLease(types.OpAck, 0, s1)
	require.NoError(t, err)
	assert.Equal(t, statemachine.VerdictDuplicate, v)
	assert.Equal(t, s2, mk.Serial)

	_, _, err = h.sm.CheckLease(types.OpChangeInvisibleDuration, 0, s1)
	assert.ErrorIs(t, err, statemachine.ErrInvalidLeaseState)

	v, _, err = h.sm.CheckLease(types.OpAck, 0, s1+100)
	require.NoError(t, err)
	assert.Equal(t, statemachine.VerdictStale, v)
}

func TestCheckLease_NeverDelivered(t *testing.T) {
	sm := statemachine.New(statemachine.Config{})
	_, _, err := sm.CheckLease(types.OpAck, 5, 1)
	assert.ErrorIs(t, err, statemachine.ErrInvalidLeaseState)
}

// ─── Visibility ──────────────────────────────────────────────────────────────

func TestLazyExpiry(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	h.apply(pop(t0, 10*time.Second, 0))

	assert.Equal(t, types.StatusInvisible, h.sm.State(0, t0.Add(9*time.Second)))
	assert.Equal(t, types.StatusPending, h.sm.State(0, t0.Add(10*time.Second)))

	// The stored record is untouched by observation.
	rec, ok := h.sm.Lease(0)
	require.True(t, ok)
	assert.Equal(t, types.StatusInvisible, rec.State)
}

func TestChangeInvisibleDuration_ExtendsAndReturnsEarly(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	s1, _ := h.apply(pop(t0, 10*time.Second, 0))

	_, eff := h.apply(change(t0.Add(5*time.Second), 0, s1, time.Minute))
	require.NotNil(t, eff.Changed)
	assert.Equal(t, t0.Add(65*time.Second), eff.Changed.InvisibleUntil)
	assert.Equal(t, types.StatusInvisible, h.sm.State(0, t0.Add(30*time.Second)))

	// Zero duration makes it visible immediately.
	_, eff = h.apply(change(t0.Add(6*time.Second), 0, s1, 0))
	require.NotNil(t, eff.Changed)
	assert.Equal(t, []int64{0}, candidates(h.sm, t0.Add(6*time.Second), 1, 10))
}

func TestVisibleCandidates_OrderAndLimits(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	h.apply(pop(t0, time.Second, 0, 1, 2))
	h.apply(pop(t0, time.Hour, 3))

	now := t0.Add(2 * time.Second)
	assert.Equal(t, []int64{0, 1, 2, 4, 5}, candidates(h.sm, now, 6, 10))
	assert.Equal(t, []int64{0, 1}, candidates(h.sm, now, 6, 2))

	// Byte bound, first message always taken.
	size := func(int64) int64 { return 100 }
	got := slices.Collect(h.sm.VisibleCandidates(now, 6, statemachine.Limits{MaxCount: 10, MaxBytes: 50}, size))
	assert.Equal(t, []int64{0}, got)
	got = slices.Collect(h.sm.VisibleCandidates(now, 6, statemachine.Limits{MaxCount: 10, MaxBytes: 250}, size))
	assert.Equal(t, []int64{0, 1}, got)

	// Restartable.
	seq := h.sm.VisibleCandidates(now, 6, statemachine.Limits{MaxCount: 3}, nil)
	assert.Equal(t, slices.Collect(seq), slices.Collect(seq))
}

func TestVisibleCandidates_SkipsOutOfOrderDeliveries(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	h.apply(pop(t0, time.Hour, 2))
	h.apply(pop(t0, time.Hour, 4))
	assert.Equal(t, int64(0), h.sm.ConsumeOffset())
	assert.Equal(t, []int64{0, 1, 3, 5}, candidates(h.sm, t0, 6, 10))

	h.apply(pop(t0, time.Hour, 0, 1))
	assert.Equal(t, int64(3), h.sm.ConsumeOffset(), "cursor skips the already-leased offset 2")
	h.apply(pop(t0, time.Hour, 3))
	assert.Equal(t, int64(5), h.sm.ConsumeOffset())

	st := h.sm.Stats(t0, 6)
	assert.Equal(t, int64(1), st.Visible)
	assert.Equal(t, int64(5), st.InFlight)
}

func TestCheckPop_RejectsInvisibleAndDuplicates(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	h.apply(pop(t0, time.Minute, 0))

	assert.ErrorIs(t, h.sm.CheckPop(pop(t0, time.Minute, 0)), statemachine.ErrInvalidLeaseState)
	assert.ErrorIs(t, h.sm.CheckPop(pop(t0, time.Minute, 1, 1)), statemachine.ErrInvalidLeaseState)
	assert.NoError(t, h.sm.CheckPop(pop(t0.Add(time.Minute), time.Minute, 0, 1)))
}

// ─── Dead letters ────────────────────────────────────────────────────────────

func TestPop_ExhaustedAttemptsBecomeDead(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	p := func(at time.Time) types.Operation {
		op := pop(at, time.Second, 0)
		op.MaxAttempts = 2
		return op
	}
	_, eff := h.apply(p(t0))
	require.Len(t, eff.Leased, 1)
	_, eff = h.apply(p(t0.Add(2 * time.Second)))
	require.Len(t, eff.Leased, 1)
	_, eff = h.apply(p(t0.Add(4 * time.Second)))
	assert.Empty(t, eff.Leased)
	assert.Equal(t, []int64{0}, eff.Dead)

	assert.Equal(t, types.StatusDead, h.sm.State(0, t0.Add(time.Hour)))
	assert.Empty(t, candidates(h.sm, t0.Add(time.Hour), 1, 10))
	assert.True(t, statemachine.ValidTransition(types.StatusPending, types.StatusDead))
}

// ─── Serials and markers ─────────────────────────────────────────────────────

func TestApply_SerialDiscipline(t *testing.T) {
	sm := statemachine.New(statemachine.Config{})
	_, err := sm.Apply(2, pop(t0, time.Second, 0))
	assert.ErrorIs(t, err, statemachine.ErrSerialGap)

	_, err = sm.Apply(1, pop(t0, time.Second, 0))
	require.NoError(t, err)
	eff, err := sm.Apply(1, pop(t0, time.Second, 1))
	require.NoError(t, err)
	assert.True(t, eff.Replayed)
	assert.Equal(t, types.StatusPending, sm.State(1, t0))

	_, err = sm.Apply(2, types.Operation{Kind: 99})
	assert.ErrorIs(t, err, statemachine.ErrUnknownOperation)
}

func TestMarkerRetention_EvictsOldestAcked(t *testing.T) {
	h := newHarness(t, statemachine.Config{MarkerRetention: 2})
	var tokens []uint64
	for off := int64(0); off < 4; off++ {
		s, _ := h.apply(pop(t0, time.Minute, off))
		tokens = append(tokens, s)
	}
	for off := int64(0); off < 4; off++ {
		h.apply(ack(t0, off, tokens[off]))
	}

	_, ok := h.sm.Marker(0)
	assert.False(t, ok)
	_, ok = h.sm.Marker(3)
	assert.True(t, ok)
	// Evicted but still reported as acked, and a retry is stale.
	assert.Equal(t, types.StatusAcked, h.sm.State(0, t0))
	v, _, err := h.sm.CheckLease(types.OpAck, 0, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, statemachine.VerdictStale, v)
}

func TestMarkerRetention_BoundsDeadMarkers(t *testing.T) {
	h := newHarness(t, statemachine.Config{MarkerRetention: 2})
	exhausted := func(at time.Time, offs ...int64) types.Operation {
		op := pop(at, time.Second, offs...)
		op.MaxAttempts = 1
		return op
	}
	h.apply(exhausted(t0, 0, 1, 2, 3))
	_, eff := h.apply(exhausted(t0.Add(2*time.Second), 0, 1, 2, 3))
	require.Equal(t, []int64{0, 1, 2, 3}, eff.Dead)

	assert.Len(t, h.sm.Snapshot().Image().Markers, 2)
	_, ok := h.sm.Marker(0)
	assert.False(t, ok)
	mk, ok := h.sm.Marker(3)
	require.True(t, ok)
	assert.Equal(t, types.StatusDead, mk.State)
	// Evicted offsets stay terminal and are never offered again.
	assert.True(t, h.sm.State(0, t0.Add(time.Hour)).Terminal())
	assert.Empty(t, candidates(h.sm, t0.Add(time.Hour), 4, 10))
	assert.Equal(t, uint64(4), h.sm.Stats(t0, 4).Counters.Dead)
}

func TestMarkerRetention_KeepsMarkersAtOrPastConsumeOffset(t *testing.T) {
	h := newHarness(t, statemachine.Config{MarkerRetention: 1})
	exhausted := func(at time.Time, offs ...int64) types.Operation {
		op := pop(at, time.Second, offs...)
		op.MaxAttempts = 1
		return op
	}
	// Offsets 5 and 6 are delivered out of order, ahead of the consume offset.
	h.apply(exhausted(t0, 5, 6))
	_, eff := h.apply(exhausted(t0.Add(2*time.Second), 5, 6))
	require.Equal(t, []int64{5, 6}, eff.Dead)

	for _, off := range []int64{5, 6} {
		mk, ok := h.sm.Marker(off)
		require.True(t, ok, "marker %d evicted", off)
		assert.Equal(t, types.StatusDead, mk.State)
	}
	assert.Equal(t, []int64{0, 1}, candidates(h.sm, t0.Add(time.Hour), 7, 2))
}

// ─── Snapshots ───────────────────────────────────────────────────────────────

func TestSnapshot_IsolatedFromLaterApplies(t *testing.T) {
	h := newHarness(t, statemachine.Config{})
	s1, _ := h.apply(pop(t0, time.Minute, 0))
	snap := h.sm.Snapshot()
	fp := snap.Fingerprint()

	h.apply(ack(t0, 0, s1))
	assert.Equal(t, types.StatusInvisible, snap.State(0, t0))
	assert.Equal(t, fp, snap.Fingerprint())
	assert.Equal(t, s1, snap.Serial())
}

func TestRestorePlusSuffix_EqualsFullReplay(t *testing.T) {
	h := newHarness(t, statemachine.Config{MarkerRetention: 3})
	at := t0
	for i := int64(0); i < 6; i++ {
		s, _ := h.apply(pop(at, 5*time.Second, i))
		if i%2 == 0 {
			h.apply(ack(at, i, s))
		}
		at = at.Add(time.Second)
	}
	h.apply(pop(at.Add(10*time.Second), time.Second, 1, 3))
	h.apply(pop(at, time.Hour, 8))

	for cut := 0; cut <= len(h.ops); cut++ {
		prefix := statemachine.New(statemachine.Config{MarkerRetention: 3})
		for i, op := range h.ops[:cut] {
			_, err := prefix.Apply(uint64(i+1), op)
			require.NoError(t, err)
		}

		restored := statemachine.New(statemachine.Config{MarkerRetention: 3})
		require.NoError(t, restored.Restore(prefix.Snapshot().Image()))
		assert.Equal(t, prefix.Fingerprint(), restored.Fingerprint(), "cut %d", cut)

		for i, op := range h.ops[cut:] {
			_, err := restored.Apply(uint64(cut+i+1), op)
			require.NoError(t, err)
		}
		assert.Equal(t, h.sm.Fingerprint(), restored.Fingerprint(), "cut %d", cut)
	}
}

func TestRestore_RejectsInconsistentImage(t *testing.T) {
	sm := statemachine.New(statemachine.Config{})
	err := sm.Restore(statemachine.Image{
		Leases:  []types.LeaseRecord{{Offset: 1, State: types.StatusInvisible}},
		Markers: []types.ResolvedMarker{{Offset: 1, State: types.StatusAcked}},
	})
	assert.ErrorIs(t, err, statemachine.ErrInvalidLeaseState)
	assert.Equal(t, uint64(0), sm.LastSerial())
}
