package oplog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sneh-joshi/poplog/internal/snapshot"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/types"
)

// Recovery summarises a completed recovery.
type Recovery struct {
	// SnapshotSerial is the serial of the checkpoint recovery started from,
	// or zero when it replayed from an empty state.
	SnapshotSerial uint64
	// Replayed is the number of operations applied on top of the checkpoint.
	Replayed int
	// Serial is the last applied serial; the next operation gets Serial+1.
	Serial uint64
	// OpEnd is the operation stream's end offset.
	OpEnd       int64
	Fingerprint uint64
}

// Recover rebuilds sm for queue: it restores the latest checkpoint from snaps
// (which may be nil) and replays the operation stream suffix after it.
//
// Recovery fails with ErrCorruptLog when serials are not contiguous, or when
// the stream's prefix was trimmed and no checkpoint covers it, and with
// ErrCorruptRecord when a record does not decode or belongs to another queue.
func Recover(
	ctx context.Context,
	store stream.Store,
	queue types.QueueID,
	sm *statemachine.StateMachine,
	opStream stream.ID,
	snaps *snapshot.Manager,
	batchBytes int,
) (Recovery, error) {
	var rec Recovery

	info, err := store.Info(ctx, opStream)
	if err != nil {
		return rec, fmt.Errorf("oplog: recover %s: %w", queue, err)
	}

	// ── 1. Latest checkpoint ─────────────────────────────────────────────────
	from := int64(0)
	var cp *snapshot.Checkpoint
	if snaps != nil {
		cp, err = snaps.Load(ctx)
		if err != nil {
			if errors.Is(err, snapshot.ErrCorruptSnapshot) {
				return rec, fmt.Errorf("%w: %s: %w", ErrCorruptLog, queue, err)
			}
			return rec, fmt.Errorf("oplog: recover %s: %w", queue, err)
		}
	}
	switch {
	case cp != nil:
		if cp.OpOffset < info.StartOffset || cp.OpOffset > info.EndOffset {
			return rec, fmt.Errorf("%w: %s: snapshot op offset %d outside stream [%d, %d)",
				ErrCorruptLog, queue, cp.OpOffset, info.StartOffset, info.EndOffset)
		}
		if err := sm.Restore(cp.Image); err != nil {
			return rec, fmt.Errorf("%w: %s: restore: %w", ErrCorruptLog, queue, err)
		}
		from = cp.OpOffset
		rec.SnapshotSerial = cp.Serial()
	case info.StartOffset > 0:
		return rec, fmt.Errorf("%w: %s: operation stream trimmed to %d without a snapshot",
			ErrCorruptLog, queue, info.StartOffset)
	}

	// ── 2. Replay the suffix ─────────────────────────────────────────────────
	expected := sm.LastSerial() + 1
	err = stream.ReadAll(ctx, store, opStream, from, batchBytes, func(r stream.Record) error {
		if r.Offset >= info.EndOffset {
			return nil
		}
		serial, op, err := DecodeRecord(r.Data)
		if err != nil {
			return fmt.Errorf("offset %d: %w", r.Offset, err)
		}
		if op.Queue != queue {
			return fmt.Errorf("%w: offset %d addressed to %s", ErrCorruptRecord, r.Offset, op.Queue)
		}
		if serial != expected {
			return fmt.Errorf("%w: offset %d has serial %d, expected %d", ErrCorruptLog, r.Offset, serial, expected)
		}
		if _, err := sm.Apply(serial, op); err != nil {
			return fmt.Errorf("%w: offset %d: %w", ErrCorruptLog, r.Offset, err)
		}
		expected++
		rec.Replayed++
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("oplog: recover %s: %w", queue, err)
	}

	rec.Serial = sm.LastSerial()
	rec.OpEnd = info.EndOffset
	rec.Fingerprint = sm.Fingerprint()
	return rec, nil
}
