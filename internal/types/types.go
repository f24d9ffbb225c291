// Package types contains the core domain types shared across all poplog
// internal packages. It deliberately has zero imports of other poplog packages
// so that the stream layer, the state machine and the operation log can all
// import from it without creating import cycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lease state of a message inside a queue.
type Status uint8

const (
	// StatusPending means the message has never been delivered, or its lease
	// expired and it is waiting to be popped again.
	StatusPending Status = iota
	// StatusInvisible means the message is leased to a consumer until
	// InvisibleUntil.
	StatusInvisible
	// StatusAcked means the consumer acknowledged the message. Terminal.
	StatusAcked
	// StatusDead means the message exhausted its delivery attempts. Terminal.
	StatusDead
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInvisible:
		return "invisible"
	case StatusAcked:
		return "acked"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition out of s is possible.
func (s Status) Terminal() bool { return s == StatusAcked || s == StatusDead }

// QueueID identifies one queue of a topic. Each queue owns exactly one
// operation stream, one snapshot stream and one message stream.
type QueueID struct {
	Topic string `json:"topic"`
	Index int32  `json:"index"`
}

// String renders the queue as "topic/index".
func (q QueueID) String() string { return q.Topic + "/" + strconv.Itoa(int(q.Index)) }

// ParseQueueID is the inverse of QueueID.String.
func ParseQueueID(s string) (QueueID, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return QueueID{}, fmt.Errorf("types: malformed queue id %q", s)
	}
	n, err := strconv.ParseInt(s[i+1:], 10, 32)
	if err != nil || n < 0 {
		return QueueID{}, fmt.Errorf("types: malformed queue index in %q", s)
	}
	return QueueID{Topic: s[:i], Index: int32(n)}, nil
}

// OpKind tags the variant carried by an Operation.
type OpKind uint8

const (
	OpPop OpKind = iota + 1
	OpAck
	OpChangeInvisibleDuration
)

func (k OpKind) String() string {
	switch k {
	case OpPop:
		return "pop"
	case OpAck:
		return "ack"
	case OpChangeInvisibleDuration:
		return "change_invisible_duration"
	default:
		return "unknown"
	}
}

// Operation is a consumption-side state change recorded in a queue's
// operation log. It is a closed variant tagged by Kind; only the fields
// relevant to Kind are populated:
//
//	OpPop                      Offsets, Duration, MaxAttempts
//	OpAck                      Offsets[0], Token
//	OpChangeInvisibleDuration  Offsets[0], Token, Duration
//
// Timestamp is the owner's clock at submission time. Every time-dependent
// decision made while applying the operation uses Timestamp, never the
// current wall clock, so replay reaches the same state.
type Operation struct {
	Kind        OpKind
	Queue       QueueID
	Group       string
	Offsets     []int64
	Duration    time.Duration
	Token       uint64
	MaxAttempts int32
	Timestamp   time.Time
	Origin      string
}

// Offset returns the single target of an Ack or ChangeInvisibleDuration.
func (o Operation) Offset() int64 {
	if len(o.Offsets) == 0 {
		return -1
	}
	return o.Offsets[0]
}

// LeaseRecord is the per-message consumption state.
//
// InvisibleUntil is non-zero iff State == StatusInvisible. Token is the serial
// of the Pop that created the current lease; an Ack or
// ChangeInvisibleDuration must present it.
type LeaseRecord struct {
	Offset         int64     `json:"offset"`
	State          Status    `json:"state"`
	InvisibleUntil time.Time `json:"invisible_until"`
	Attempts       int32     `json:"attempts"`
	Group          string    `json:"group,omitempty"`
	Token          uint64    `json:"token"`
}

// Expired reports whether the lease no longer hides the message at now.
func (r LeaseRecord) Expired(now time.Time) bool {
	return r.State == StatusInvisible && !now.Before(r.InvisibleUntil)
}

// ResolvedMarker remembers how and by which lease a message reached a
// terminal state, so a retried Ack can be answered with the original serial.
type ResolvedMarker struct {
	Offset int64  `json:"offset"`
	State  Status `json:"state"`
	Serial uint64 `json:"serial"`
	Token  uint64 `json:"token"`
}

// Message is one published message as stored in a queue's message stream.
//
// Message format is append-only: fields may be added but never renamed or
// removed, so every persisted message stays readable.
type Message struct {
	// ID is a ULID assigned at publish time.
	ID string `json:"id"`

	Topic string `json:"topic"`
	Queue int32  `json:"queue"`

	// Body is the raw payload. Producers own its encoding.
	Body []byte `json:"body"`

	// PublishedAt is the UTC millisecond the message was accepted.
	PublishedAt int64 `json:"published_at"`

	// Metadata holds arbitrary key-value pairs set by the producer.
	Metadata map[string]string `json:"metadata,omitempty"`

	// NodeID is the node that accepted the message.
	NodeID string `json:"node_id"`

	// Offset is the message's position in its queue's message stream. It is
	// implied by the stream and not persisted.
	Offset int64 `json:"-"`
}
