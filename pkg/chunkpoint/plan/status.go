package plan

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a chunk row.
type Status string

// Chunk statuses.
const (
	StatusPending         Status = "pending"
	StatusLeased          Status = "leased"
	StatusRunning         Status = "running"
	StatusDone            Status = "done"
	StatusRetryableFailed Status = "retryable_failed"
	StatusPermanentFailed Status = "permanent_failed"
	StatusAbandoned       Status = "abandoned"
	StatusCorrupt         Status = "corrupt"
)

// ErrInvalidTransition is returned for a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid chunk transition")

// validTransitions is the transition matrix.
// Key is the current status, value is the set of allowed targets.
// Transitions into done from non-running states are reconciliation
// adoptions of an artifact that already verified.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusLeased: true, StatusDone: true},
	StatusLeased:  {StatusRunning: true, StatusAbandoned: true, StatusDone: true},
	StatusRunning: {
		StatusDone:            true,
		StatusRetryableFailed: true,
		StatusPermanentFailed: true,
		StatusAbandoned:       true,
	},
	StatusRetryableFailed: {StatusPending: true, StatusPermanentFailed: true, StatusDone: true},
	StatusAbandoned:       {StatusPending: true, StatusDone: true},
	StatusDone:            {StatusCorrupt: true},
	StatusCorrupt:         {StatusPending: true},
	StatusPermanentFailed: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no further work is expected for the chunk
// under its plan hash.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusPermanentFailed
}

// Claimable reports whether a worker may pick the chunk up.
func (s Status) Claimable() bool {
	switch s {
	case StatusPending, StatusRetryableFailed, StatusAbandoned:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Path returns the transitions needed to bring a claimable chunk to running.
func Path(from Status) ([]Status, error) {
	switch from {
	case StatusPending:
		return []Status{StatusLeased, StatusRunning}, nil
	case StatusRetryableFailed, StatusAbandoned:
		return []Status{StatusPending, StatusLeased, StatusRunning}, nil
	default:
		return nil, fmt.Errorf("%w: %s is not claimable", ErrInvalidTransition, from)
	}
}
