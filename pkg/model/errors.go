package model

import "errors"

var (
	// ErrInvalidDescriptor is returned for malformed query or path input.
	// Always surfaced synchronously to the caller; never retried.
	ErrInvalidDescriptor = errors.New("invalid query descriptor")

	// ErrSynchronicity is returned when a read provider or write producer
	// violates the synchronous contract, e.g. by handing back a value that
	// must be awaited.
	ErrSynchronicity = errors.New("reads and writes must be synchronous")

	// ErrCollectionDelete is returned when deleting a collection-level
	// reference without a configured collection-delete handler.
	ErrCollectionDelete = errors.New("only documents can be deleted")

	// ErrTransactionAborted is returned when a write producer fails inside
	// a transaction. No partial writes are committed.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrTimeout is returned when a mutation's remote completion misses
	// the local reporting ceiling. The underlying remote operation is not
	// cancelled.
	ErrTimeout = errors.New("mutation timed out")

	// ErrNotFound is returned when a document is not found.
	ErrNotFound = errors.New("document not found")
)
