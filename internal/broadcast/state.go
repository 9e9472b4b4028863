package broadcast

import "errors"

// State is a broadcast lifecycle state, mirrored locally on the session.
type State string

const (
	StateCreated          State = "created"
	StateIngestionPending State = "ingestionPending"
	StateTesting          State = "testing"
	StateLive             State = "live"
	StateComplete         State = "complete"
	StateFailed           State = "failed"
)

// IngestionStatus reflects whether the remote platform has detected
// incoming stream data on a broadcast's ingestion endpoint.
type IngestionStatus string

const (
	IngestionInactive IngestionStatus = "inactive"
	IngestionActive   IngestionStatus = "active"
)

var (
	// ErrLifecycle is returned when a control API operation still fails after
	// all retries. The caller treats the whole session attempt as failed.
	ErrLifecycle = errors.New("broadcast lifecycle operation failed")

	// ErrInvalidTransition is returned when the remote side rejects a state
	// transition as invalid or premature. It must not be blindly retried;
	// the caller re-checks preconditions first.
	ErrInvalidTransition = errors.New("invalid broadcast state transition")
)
