package journal

import (
	"errors"
	"fmt"
)

// Sentinel errors for the storage plane. Callers branch on these with
// errors.Is; the broker maps them to client-facing reason strings at
// the protocol boundary.
var (
	// ErrShardNotExist is returned by reads against a shard with no end
	// offset: one the engine has never written to, or one deleted since.
	ErrShardNotExist = errors.New("journal: shard does not exist")

	// ErrNotLeader is returned when a write reaches a node that does not
	// hold leadership for the shard's active segment. Writes are never
	// forwarded; the caller re-resolves the leader and retries there.
	ErrNotLeader = errors.New("journal: node is not the segment leader")

	// ErrOffsetAtEnd is returned by a read at or past the shard's end
	// offset: the offset is valid but nothing has been written there yet.
	ErrOffsetAtEnd = errors.New("journal: offset is at the end of the shard")
)

// ErrSegmentStatus reports a write against a segment whose lifecycle
// state does not accept writes.
type ErrSegmentStatus struct {
	Shard  string
	Status Status
}

func (e *ErrSegmentStatus) Error() string {
	return fmt.Sprintf("journal: shard %s is not writable (status %s)", e.Shard, e.Status)
}
