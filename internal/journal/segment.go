package journal

import "fmt"

// Status is a segment's lifecycle state. A segment moves forward through
// this sequence (SealUp may also return to PreWrite, see below);
// out-of-order transitions are rejected rather than silently applied,
// and repeating the current status is accepted as a no-op, so a stale
// scheduler message can never resurrect a segment already marked for
// deletion.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPreWrite   Status = "pre_write"
	StatusWrite      Status = "write"
	StatusPreSealUp  Status = "pre_seal_up"
	StatusSealUp     Status = "seal_up"
	StatusPreDelete  Status = "pre_delete"
	StatusDeleting   Status = "deleting"
)

var validTransitions = map[Status][]Status{
	StatusIdle:      {StatusPreWrite},
	StatusPreWrite:  {StatusWrite},
	StatusWrite:     {StatusPreSealUp},
	StatusPreSealUp: {StatusSealUp},
	// SealUp allows a direct return to PreWrite: once a segment is
	// sealed, the shard immediately starts its next generation rather
	// than sitting idle, so sealing and opening the successor segment
	// are treated as one step.
	StatusSealUp:    {StatusPreDelete, StatusPreWrite},
	StatusPreDelete: {StatusDeleting},
	StatusDeleting:  {},
}

// ErrInvalidTransition is returned when a requested status change does
// not follow the segment lifecycle.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("journal: invalid segment status transition %s -> %s", e.From, e.To)
}

// ValidateTransition reports whether moving a segment from current to
// next is a legal lifecycle step. Moving to the same status is always a
// no-op success (idempotent retries of the same scheduler command must
// not fail).
func ValidateTransition(current, next Status) error {
	if current == next {
		return nil
	}
	for _, allowed := range validTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return &ErrInvalidTransition{From: current, To: next}
}

// rolloverSlack is the record-count floor of the early rollover: a
// segment at 50% fill or more rolls over only once it also holds at
// least this many records; below the floor only the 90% threshold
// applies.
const rolloverSlack = 10000

// ShouldRollover reports whether a segment currently holding recordCount
// records against a target capacity should roll over to a new write
// segment. Segments roll at 90% fill unconditionally, and at 50% fill if
// they also hold at least rolloverSlack records, so only segments of that
// size roll early.
func ShouldRollover(recordCount, capacity uint64) bool {
	if capacity == 0 {
		return false
	}
	if recordCount >= capacity*9/10 {
		return true
	}
	if recordCount >= capacity/2 && recordCount >= rolloverSlack {
		return true
	}
	return false
}
