package node_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sneh-joshi/poplog/internal/node"
)

func newID(t *testing.T) string {
	t.Helper()
	id, err := node.NewID()
	if err != nil {
		t.Fatalf("NewID() error: %v", err)
	}
	return id
}

// ─── identity ────────────────────────────────────────────────────────────────

func TestNew_IdentitySurvivesRestarts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	first, err := node.New(dir, "auto")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if first.ID().IsZero() || len(first.ID().String()) != 26 {
		t.Fatalf("generated ID %q is not a ULID", first.ID())
	}

	raw, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id not written: %v", err)
	}
	if strings.TrimSpace(string(raw)) != first.ID().String() {
		t.Errorf("node_id holds %q, node reports %q", raw, first.ID())
	}

	second, err := node.New(dir, "")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.ID() != first.ID() {
		t.Errorf("ID changed across restarts: %s -> %s", first.ID(), second.ID())
	}
	if second.DataDir() != dir {
		t.Errorf("DataDir() = %q, want %q", second.DataDir(), dir)
	}
}

func TestNew_OverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := node.New(dir, "auto"); err != nil {
		t.Fatalf("New: %v", err)
	}

	override := newID(t)
	n, err := node.New(dir, override)
	if err != nil {
		t.Fatalf("New(override): %v", err)
	}
	if n.ID().String() != override {
		t.Errorf("ID() = %s, want override %s", n.ID(), override)
	}
}

func TestNew_Rejects(t *testing.T) {
	cases := []struct {
		desc     string
		override string
		files    map[string]string
		noDir    bool
	}{
		{desc: "empty data dir", noDir: true},
		{desc: "invalid override", override: "not-a-valid-ulid"},
		{desc: "corrupt node_id", files: map[string]string{"node_id": "garbage-not-a-ulid\n"}},
		{desc: "corrupt incarnation", files: map[string]string{"incarnation": "x\n"}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			dir := ""
			if !tc.noDir {
				dir = t.TempDir()
			}
			for name, content := range tc.files {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o640); err != nil {
					t.Fatal(err)
				}
			}
			override := tc.override
			if override == "" {
				override = "auto"
			}
			if _, err := node.New(dir, override); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

// ─── incarnation / origin ────────────────────────────────────────────────────

func TestNew_IncarnationAndOrigin(t *testing.T) {
	dir := t.TempDir()
	id := newID(t)

	for want := uint64(1); want <= 3; want++ {
		n, err := node.New(dir, id)
		if err != nil {
			t.Fatalf("start %d: %v", want, err)
		}
		if n.Incarnation() != want {
			t.Fatalf("Incarnation() = %d, want %d", n.Incarnation(), want)
		}
		if got, wantOrigin := n.Origin(), id+"#"+strconv.FormatUint(want, 10); got != wantOrigin {
			t.Errorf("Origin() = %q, want %q", got, wantOrigin)
		}
	}
}

// ─── NewID ───────────────────────────────────────────────────────────────────

func TestNewID_UniqueAndSortable(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := newID(t)
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		seen[id] = true
		if id <= prev {
			t.Fatalf("ULIDs not increasing: %s after %s", id, prev)
		}
		prev = id
	}
}
