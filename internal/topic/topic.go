// Package topic manages the poplog topic registry.
//
// A topic is a named set of queues (e.g. "payments" with 4 queues). Producers
// publish to a topic and consumers pop from one of its queues. The registry is
// persisted to a JSON file in the server's data directory so topics, and the
// queues the broker must activate at startup, survive restarts.
//
// Design rules:
//   - Topic names must be 1-64 lowercase alphanumeric characters, hyphens,
//     underscores or dots, starting with a letter or digit.
//   - Names beginning with "__" are reserved for internal topics such as
//     dead-letter topics and can only be registered through Ensure.
//   - The Registry does not own queues: deleting a topic only removes its
//     record; the caller deletes the queues.
//   - All methods are safe for concurrent use.
package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/types"
)

// nameRe validates user topic names.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-_.]{0,63}$`)

// reservedPrefix marks internal topic names.
const reservedPrefix = "__"

// MaxQueues bounds the number of queues per topic.
const MaxQueues = 256

// ErrNotFound is returned when a topic that doesn't exist is requested.
var ErrNotFound = errors.New("topic: not found")

// ErrAlreadyExists is returned when Create is called for an existing topic.
var ErrAlreadyExists = errors.New("topic: already exists")

// ErrInvalidName is returned when a topic name fails validation.
var ErrInvalidName = errors.New("topic: invalid name")

// ErrInvalidQueues is returned for a queue count outside [1, MaxQueues].
var ErrInvalidQueues = errors.New("topic: invalid queue count")

// Topic is the metadata stored for each registered topic.
type Topic struct {
	Name      string `json:"name"`
	Queues    int32  `json:"queues"`
	CreatedAt int64  `json:"created_at"` // UTC milliseconds
}

// QueueIDs returns the IDs of every queue of t, in index order.
func (t Topic) QueueIDs() []types.QueueID {
	ids := make([]types.QueueID, t.Queues)
	for i := range ids {
		ids[i] = types.QueueID{Topic: t.Name, Index: int32(i)}
	}
	return ids
}

// Registry is the in-memory + on-disk store for all topic records.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]*Topic
	filePath string
	clock    clockwork.Clock
}

// New creates a Registry and loads any previously persisted topics from
// dataDir/topics.json. If the file doesn't exist the registry starts empty.
func New(dataDir string, clock clockwork.Clock) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("topic: create data dir: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := &Registry{
		topics:   make(map[string]*Topic),
		filePath: filepath.Join(dataDir, "topics.json"),
		clock:    clock,
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Create registers a new user topic with the given number of queues.
// Returns ErrAlreadyExists, ErrInvalidName or ErrInvalidQueues.
func (r *Registry) Create(name string, queues int32) (Topic, error) {
	if !ValidateName(name) {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return r.put(name, queues, false)
}

// Ensure registers a topic if it does not already exist and returns the
// registered record either way. Unlike Create it accepts reserved names.
func (r *Registry) Ensure(name string, queues int32) (Topic, error) {
	if !nameRe.MatchString(strings.TrimPrefix(name, reservedPrefix)) {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return r.put(name, queues, true)
}

func (r *Registry) put(name string, queues int32, existingOK bool) (Topic, error) {
	if queues < 1 || queues > MaxQueues {
		return Topic{}, fmt.Errorf("%w: %d", ErrInvalidQueues, queues)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topics[name]; ok {
		if existingOK {
			return *t, nil
		}
		return Topic{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	t := &Topic{
		Name:      name,
		Queues:    queues,
		CreatedAt: r.clock.Now().UnixMilli(),
	}
	r.topics[name] = t
	if err := r.save(); err != nil {
		delete(r.topics, name)
		return Topic{}, err
	}
	return *t, nil
}

// Delete removes a topic from the registry.
// Returns ErrNotFound if the topic doesn't exist.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	delete(r.topics, name)
	if err := r.save(); err != nil {
		r.topics[name] = t
		return err
	}
	return nil
}

// Exists reports whether the given topic is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[name]
	return ok
}

// Get returns the Topic record, or ErrNotFound.
func (r *Registry) Get(name string) (Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	if !ok {
		return Topic{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *t, nil
}

// List returns all registered topics sorted by name.
func (r *Registry) List() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueueIDs returns the queues of every registered topic.
func (r *Registry) QueueIDs() []types.QueueID {
	var ids []types.QueueID
	for _, t := range r.List() {
		ids = append(ids, t.QueueIDs()...)
	}
	return ids
}

// ValidateName reports whether name is a valid user topic name.
func ValidateName(name string) bool {
	return nameRe.MatchString(name) && !strings.HasPrefix(name, reservedPrefix)
}

// ─── Persistence ──────────────────────────────────────────────────────────────

// fileModel is the on-disk JSON structure.
type fileModel struct {
	Topics []*Topic `json:"topics"`
}

// load reads topics.json. If the file does not exist it is a no-op.
// Must be called before mu is held (called only from New).
func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("topic: read %s: %w", r.filePath, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("topic: parse %s: %w", r.filePath, err)
	}

	for _, t := range m.Topics {
		if t.Queues < 1 || t.Queues > MaxQueues {
			return fmt.Errorf("topic: %s: %w: %d", r.filePath, ErrInvalidQueues, t.Queues)
		}
		r.topics[t.Name] = t
	}
	return nil
}

// save writes the current registry to disk atomically (write to temp file,
// rename). Must be called with mu held.
func (r *Registry) save() error {
	list := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(fileModel{Topics: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("topic: marshal: %w", err)
	}

	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("topic: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("topic: rename to %s: %w", r.filePath, err)
	}
	return nil
}
