package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/stream/local"
)

func segmentSize(t *testing.T, dir string, id stream.ID) int64 {
	t.Helper()
	info, err := os.Stat(filepath.Join(dir, "segments", strconv.FormatUint(uint64(id), 10)+".seg"))
	if err != nil {
		t.Fatalf("Stat segment: %v", err)
	}
	return info.Size()
}

// ─── Compaction tests ────────────────────────────────────────────────────────

// TestCompaction_RunOnce_ReclaimsTrimmedPrefix verifies that after compaction:
//   - The segment file shrinks.
//   - Live records keep their logical offsets and contents.
//   - Appends continue from the same end offset.
func TestCompaction_RunOnce_ReclaimsTrimmedPrefix(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	id := openStream(t, s, "s")
	appendN(t, s, id, 10)

	before := segmentSize(t, dir, id)
	if err := s.Trim(context.Background(), id, 6); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	n, err := s.Compactor().RunOnce(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce rewrote %d segments, want 1", n)
	}

	after := segmentSize(t, dir, id)
	if after >= before {
		t.Errorf("segment size %d -> %d, want smaller", before, after)
	}

	recs, err := s.Read(context.Background(), id, 6, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("Read returned %d records, want 4", len(recs))
	}
	for i, r := range recs {
		want := "record-" + strconv.Itoa(6+i)
		if r.Offset != int64(6+i) || string(r.Data) != want {
			t.Errorf("record %d = (%d, %q), want (%d, %q)", i, r.Offset, r.Data, 6+i, want)
		}
	}
	if _, err := s.Read(context.Background(), id, 5, 1024); !errors.Is(err, stream.ErrTrimmed) {
		t.Errorf("Read below trim point after compaction: err = %v", err)
	}

	off, err := s.Append(context.Background(), id, []byte("tail"))
	if err != nil || off != 10 {
		t.Errorf("Append after compaction = %d, %v; want 10", off, err)
	}
}

func TestCompaction_RunOnce_NoopWhenNothingTrimmed(t *testing.T) {
	s := openStore(t, t.TempDir())
	id := openStream(t, s, "s")
	appendN(t, s, id, 5)

	n, err := s.Compactor().RunOnce(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("RunOnce rewrote %d segments, want 0", n)
	}
}

func TestCompaction_RespectsMinBytes(t *testing.T) {
	s := openStore(t, t.TempDir())
	id := openStream(t, s, "s")
	appendN(t, s, id, 5)
	if err := s.Trim(context.Background(), id, 2); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	n, err := s.Compactor().RunOnce(context.Background(), 1<<30)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("RunOnce rewrote %d segments below threshold", n)
	}
}

func TestCompaction_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, _ := s1.Open(context.Background(), "s")
	for i := 0; i < 8; i++ {
		if _, err := s1.Append(context.Background(), id, []byte("abc")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s1.Trim(context.Background(), id, 8); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if _, err := s1.Compactor().RunOnce(context.Background(), 1); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	_ = s1.Close()

	s2 := openStore(t, dir)
	id2 := openStream(t, s2, "s")
	info, err := s2.Info(context.Background(), id2)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.StartOffset != 8 || info.EndOffset != 8 {
		t.Errorf("Info after compaction+reopen = [%d,%d), want [8,8)", info.StartOffset, info.EndOffset)
	}
	off, err := s2.Append(context.Background(), id2, []byte("x"))
	if err != nil || off != 8 {
		t.Errorf("Append = %d, %v; want 8", off, err)
	}
}
