package local

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Compactor rewrites segment files, dropping the records below each stream's
// trim point.
//
// Why compaction is needed:
//   - Trim only moves the trim point in meta.db; the frames stay in the file.
//   - Without compaction, an operation stream grows unbounded even though
//     every snapshot makes its prefix unreachable.
//   - Compaction copies only the live suffix to <id>.seg.tmp, then atomically
//     swaps the files.
//
// Compaction holds the store write lock while a segment is swapped. Segments
// are rewritten one at a time so the pause is bounded by the largest live
// suffix.
type Compactor struct {
	s        *Store
	interval time.Duration

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor creates a Compactor that will run RunOnce every interval.
func NewCompactor(s *Store, interval time.Duration) *Compactor {
	return &Compactor{
		s:        s,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background compaction goroutine.
// It returns immediately; compaction runs on interval in the background.
func (c *Compactor) Start() {
	if c.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
				if n, err := c.RunOnce(ctx, c.s.cfg.CompactionMinBytes); err != nil {
					c.s.logger.Warn("compaction failed", "err", err)
				} else if n > 0 {
					c.s.logger.Info("compaction reclaimed segments", "segments", n)
				}
				cancel()
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
		// already stopped
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RunOnce rewrites every open segment whose trimmed prefix occupies at least
// minBytes, and returns how many segments were rewritten. Pass 1 to reclaim
// any trimmed data at all.
func (c *Compactor) RunOnce(ctx context.Context, minBytes int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rewritten := 0
	for _, h := range c.s.openHandles() {
		if err := ctx.Err(); err != nil {
			return rewritten, err
		}
		ok, err := c.compact(h, minBytes)
		if err != nil {
			return rewritten, fmt.Errorf("compactor: %s: %w", h.name, err)
		}
		if ok {
			rewritten++
		}
	}
	return rewritten, nil
}

// compact performs a single segment rewrite:
//  1. Acquire exclusive store lock (blocks appends and reads).
//  2. Copy frames [trim point, end) to <id>.seg.tmp.
//  3. Rename <id>.seg.tmp → <id>.seg (atomic on POSIX).
//  4. Reopen the Segment against the new file.
//  5. Release the lock.
func (c *Compactor) compact(h *handle, minBytes int64) (bool, error) {
	c.s.compactMu.Lock()
	defer c.s.compactMu.Unlock()

	start := h.trimPoint()
	seg := h.seg

	seg.mu.Lock()
	dead := int64(0)
	if i := start - seg.base; i > 0 {
		if i < int64(len(seg.positions)) {
			dead = seg.positions[i]
		} else {
			dead = seg.size
		}
	}
	seg.mu.Unlock()

	if dead == 0 || dead < minBytes {
		return false, nil
	}

	// ── 1. Write the live suffix to a temporary segment ─────────────────────
	tmpPath := seg.Path() + ".tmp"
	_ = os.Remove(tmpPath)
	tmp, err := OpenSegment(tmpPath, start)
	if err != nil {
		return false, fmt.Errorf("open tmp segment: %w", err)
	}
	end := seg.End()
	for off := start; off < end; off++ {
		data, err := seg.ReadAt(off)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return false, fmt.Errorf("copy offset %d: %w", off, err)
		}
		if _, err := tmp.Append(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return false, fmt.Errorf("write offset %d: %w", off, err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, fmt.Errorf("close tmp segment: %w", err)
	}

	// ── 2. Atomic file swap ──────────────────────────────────────────────────
	path := seg.Path()
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return false, fmt.Errorf("rename tmp segment: %w", err)
	}

	// ── 3. Reopen Segment against the new file ──────────────────────────────
	if err := seg.Reopen(path, start); err != nil {
		// The segment is in an unknown state; the next Open rescans it.
		return false, fmt.Errorf("reopen segment (CRITICAL — restart server): %w", err)
	}
	return true, nil
}
