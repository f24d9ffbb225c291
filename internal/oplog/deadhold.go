package oplog

import (
	"slices"
	"sync"
)

// deadHold tracks DEAD offsets whose bodies have not been copied to a
// dead-letter topic yet. LowWatermark stays below every held offset, so
// reclamation never trims a body that still has to be routed.
//
// The hold is in memory only: offsets that die in a process that crashes
// before routing them are not routed after recovery.
type deadHold struct {
	mu sync.Mutex
	// offsets maps a held offset to whether a router has claimed it.
	offsets map[int64]bool
}

func (h *deadHold) add(offs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offsets == nil {
		h.offsets = make(map[int64]bool, len(offs))
	}
	for _, off := range offs {
		h.offsets[off] = false
	}
}

// claim returns the unclaimed offsets in ascending order and marks them
// claimed.
func (h *deadHold) claim() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int64
	for off, claimed := range h.offsets {
		if !claimed {
			h.offsets[off] = true
			out = append(out, off)
		}
	}
	slices.Sort(out)
	return out
}

func (h *deadHold) settle(done, retry []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, off := range done {
		delete(h.offsets, off)
	}
	for _, off := range retry {
		if _, ok := h.offsets[off]; ok {
			h.offsets[off] = false
		}
	}
}

// floor lowers lw to the smallest held offset.
func (h *deadHold) floor(lw int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for off := range h.offsets {
		lw = min(lw, off)
	}
	return lw
}

// ClaimDead hands the caller every DEAD offset that still waits to be
// dead-lettered and that no other caller is routing. The caller must report
// the outcome with SettleDead.
func (s *Service) ClaimDead() []int64 { return s.dead.claim() }

// SettleDead releases the offsets in done, whose bodies are no longer
// needed, and returns the offsets in retry to the hold for a later
// ClaimDead.
func (s *Service) SettleDead(done, retry []int64) { s.dead.settle(done, retry) }
