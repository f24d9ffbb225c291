// Package node manages the identity of this poplog server instance.
//
// Every node has a persistent ULID generated on first start and stored in the
// data directory, plus an incarnation counter bumped on every start. The pair
// is stamped into each operation record as its origin, so the owner that
// wrote any serial, and which run of that owner, is always traceable.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	nodeIDFile      = "node_id"
	incarnationFile = "incarnation"
)

// ID is a ULID string that uniquely identifies a poplog data directory.
// It is stable across restarts.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this server instance.
type Node struct {
	id          ID
	incarnation uint64
	dataDir     string
}

// New returns a Node whose ID is loaded from dataDir/node_id and whose
// incarnation is one more than the previous start's.
// If the ID file does not exist a new ULID is generated and written.
// If nodeIDOverride is "auto" or empty the file-based ID is used.
func New(dataDir string, nodeIDOverride string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	var id ID
	if nodeIDOverride != "" && nodeIDOverride != "auto" {
		// Explicit override takes precedence (useful in tests / container envs).
		if err := validateULID(nodeIDOverride); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", nodeIDOverride, err)
		}
		id = ID(nodeIDOverride)
	} else {
		var err error
		if id, err = loadOrGenerate(dataDir); err != nil {
			return nil, err
		}
	}

	inc, err := bumpIncarnation(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, incarnation: inc, dataDir: dataDir}, nil
}

// ID returns the node's stable ULID string.
func (n *Node) ID() ID { return n.id }

// Incarnation returns the start counter of this process, starting at 1.
func (n *Node) Incarnation() uint64 { return n.incarnation }

// Origin renders the identity stamped into operation records: "<id>#<incarnation>".
func (n *Node) Origin() string {
	return n.id.String() + "#" + strconv.FormatUint(n.incarnation, 10)
}

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

// loadOrGenerate reads the node ID from disk, creating a new one if absent.
func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}

	return id, nil
}

// bumpIncarnation increments and persists the incarnation counter. The new
// value is written to a temp file and renamed into place so a crash never
// leaves a torn counter.
func bumpIncarnation(dataDir string) (uint64, error) {
	path := filepath.Join(dataDir, incarnationFile)

	var prev uint64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		prev, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("node: persisted incarnation is invalid: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("node: read incarnation: %w", err)
	}

	next := prev + 1
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)+"\n"), 0o640); err != nil {
		return 0, fmt.Errorf("node: write incarnation: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("node: persist incarnation: %w", err)
	}
	return next, nil
}

// monoEntropy is a package-level monotone entropy source shared across all
// generateULID calls, so IDs generated within one millisecond stay ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

// validateULID returns an error if s is not a well-formed ULID string.
func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID, used for message IDs.
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
