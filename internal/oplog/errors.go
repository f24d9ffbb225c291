package oplog

import "errors"

var (
	// ErrAppendFailure is returned when the durable append of an operation
	// failed. The operation was not applied; the request may be retried.
	ErrAppendFailure = errors.New("oplog: append failure")

	// ErrCorruptLog is returned by recovery when the operation stream
	// violates serial contiguity, or its prefix was trimmed without a
	// snapshot covering it.
	ErrCorruptLog = errors.New("oplog: corrupt operation log")

	// ErrCorruptRecord is returned when an operation record cannot be
	// decoded or is addressed to another queue.
	ErrCorruptRecord = errors.New("oplog: corrupt operation record")

	// ErrNotReady is returned for submissions to a queue that has not
	// finished recovery, has been closed, or was fenced after an append whose
	// outcome could not be determined.
	ErrNotReady = errors.New("oplog: queue not ready")

	// ErrInvalidRequest is returned for malformed submissions, e.g. a negative
	// duration or too many explicit offsets.
	ErrInvalidRequest = errors.New("oplog: invalid request")
)
