// Package apperr defines the sentinel error taxonomy shared across the
// engine, matched with errors.Is and wrapped with %w at the point of origin.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnknownGraph means a graph_selector could not be resolved by the
	// registry. Surfaced to the caller; the registry never creates a graph
	// speculatively to satisfy a lookup.
	ErrUnknownGraph = errors.New("unknown graph")

	// ErrInvalidPayload means ingestion validation rejected an item.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrWALIO means the write-ahead log failed an append or read after
	// its retry budget was exhausted.
	ErrWALIO = errors.New("wal i/o error")

	// ErrGraphInvariant means a Graph Store apply violated an invariant;
	// the owning transaction aborts and the pre-image is left in place.
	ErrGraphInvariant = errors.New("graph invariant violation")

	// ErrAckFailure means the editor reported failure for an outbound
	// command.
	ErrAckFailure = errors.New("ack failure")

	// ErrAckTimeout means a WaitingForAck deadline elapsed with no ack.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrChannelClosed means no authenticated command-channel connection
	// was available to emit a required outbound command.
	ErrChannelClosed = errors.New("command channel closed")

	// ErrCorruption means a single WAL record failed to decode during
	// recovery; the record is skipped, not fatal to the log as a whole.
	ErrCorruption = errors.New("corrupt record")

	// ErrDegraded means the coordinator for a graph has rejected further
	// writes after persistent WAL failures.
	ErrDegraded = errors.New("coordinator degraded")
)
