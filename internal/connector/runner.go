package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JournalReader is the read surface a Runner polls for new records to
// dispatch: the subset of a journal engine's read API reachable without
// this package importing internal/journal directly (see
// RPCJournalReader for the concrete RPC-backed implementation).
type JournalReader interface {
	ReadByTimestampRange(ctx context.Context, shard string, from, to int64) ([]Record, error)
}

// Checkpointer persists how far each connector has delivered, so a
// restarted dispatch goroutine resumes where its predecessor stopped
// instead of from "now". RPCJournalReader implements it against the
// journal server's consumer-group offset store.
type Checkpointer interface {
	CommitOffset(ctx context.Context, group string, offsets map[string]uint64) error
	GroupOffsets(ctx context.Context, group string) (map[string]uint64, error)
	ReadAt(ctx context.Context, shard string, offset uint64) (Record, error)
}

// Assignment is one connector instance's placement, the fields a Runner
// needs to drive dispatch out of internal/metaservice.Connector.
type Assignment struct {
	ID          string
	SourceShard string
	SinkType    string
}

// AssignmentSource lists the connector instances currently assigned to
// this node (see RPCAssignmentSource for the concrete meta-service-
// backed implementation).
type AssignmentSource interface {
	Assignments(ctx context.Context, nodeID string) ([]Assignment, error)
}

// SinkFactory builds the Sink for one connector assignment. It may
// return an error for a sink type this node cannot drive yet (S3/Kafka/
// Elasticsearch each need operator-supplied connection details this
// package has no config surface for), without that failing the whole
// runner: only that one connector's dispatch goroutine exits.
type SinkFactory func(a Assignment) (Sink, error)

const (
	reconcileInterval = 5 * time.Second
	pollInterval      = time.Second
)

// Runner reconciles this node's connector assignments against an
// AssignmentSource on a timer, starting one dispatch goroutine per
// connector the scheduler has promoted to Running and stopping it once
// the assignment moves elsewhere, is demoted, or disappears. The
// AssignmentSource only surfaces Running connectors, so dispatch never
// starts off a bare placement: the scheduler's promote phase flips the
// status (and broadcasts the connector notification), and the runner
// observes the flip on its next reconcile poll.
type Runner struct {
	nodeID      string
	source      AssignmentSource
	reader      JournalReader
	checkpoints Checkpointer // nil disables durable resume
	sinks       SinkFactory
	log         *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunner creates a Runner for nodeID, polling source for assignments
// and reader for records, building each connector's sink via sinks.
// checkpoints may be nil, in which case a restarted connector resumes
// from the current wall clock rather than its last committed offset.
func NewRunner(nodeID string, source AssignmentSource, reader JournalReader, checkpoints Checkpointer, sinks SinkFactory, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		nodeID:      nodeID,
		source:      source,
		reader:      reader,
		checkpoints: checkpoints,
		sinks:       sinks,
		log:         log,
		active:      make(map[string]context.CancelFunc),
	}
}

// Run reconciles assignments every reconcileInterval until ctx is
// cancelled, then stops every still-running dispatch goroutine.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	r.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile diffs the current assignment set against the running
// dispatch goroutines: anything no longer assigned is cancelled,
// anything newly assigned gets a fresh dispatch goroutine.
func (r *Runner) reconcile(ctx context.Context) {
	assignments, err := r.source.Assignments(ctx, r.nodeID)
	if err != nil {
		r.log.Warn("connector: list assignments failed", "error", err)
		return
	}

	want := make(map[string]Assignment, len(assignments))
	for _, a := range assignments {
		want[a.ID] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cancel := range r.active {
		if _, ok := want[id]; !ok {
			cancel()
			delete(r.active, id)
		}
	}
	for id, a := range want {
		if _, ok := r.active[id]; ok {
			continue
		}
		dispatchCtx, cancel := context.WithCancel(ctx)
		r.active[id] = cancel
		go r.dispatch(dispatchCtx, a)
	}
}

func (r *Runner) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.active {
		cancel()
		delete(r.active, id)
	}
}

// dispatch polls reader for records newer than the last delivered
// timestamp and forwards each non-empty batch to the assignment's sink,
// advancing the cursor only once SendBatch succeeds so a sink outage
// replays the window on the next tick rather than losing it. With a
// Checkpointer configured, the batch's last offset is committed after
// each successful send and the cursor resumes from behind it on start.
func (r *Runner) dispatch(ctx context.Context, a Assignment) {
	sink, err := r.sinks(a)
	if err != nil {
		r.log.Error("connector: build sink failed", "connector", a.ID, "sink_type", a.SinkType, "error", err)
		return
	}
	defer sink.Close()

	cursor := r.resumeCursor(ctx, a)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			recs, err := r.reader.ReadByTimestampRange(ctx, a.SourceShard, cursor, now)
			if err != nil {
				r.log.Warn("connector: read shard failed", "connector", a.ID, "shard", a.SourceShard, "error", err)
				continue
			}
			if len(recs) == 0 {
				cursor = now
				continue
			}
			if err := sink.SendBatch(ctx, recs); err != nil {
				r.log.Warn("connector: send batch failed", "connector", a.ID, "error", err)
				continue
			}
			if r.checkpoints != nil {
				last := recs[len(recs)-1].Offset
				if err := r.checkpoints.CommitOffset(ctx, checkpointGroup(a.ID), map[string]uint64{a.SourceShard: last}); err != nil {
					r.log.Warn("connector: commit offset failed", "connector", a.ID, "offset", last, "error", err)
				}
			}
			cursor = now
		}
	}
}

func checkpointGroup(connectorID string) string {
	return "connector-" + connectorID
}

// resumeCursor recovers the timestamp to poll from: one past the
// timestamp of the last committed record if a checkpoint exists, the
// current wall clock otherwise. Resuming one millisecond past the
// committed record's timestamp can re-deliver records that shared its
// millisecond; sinks are expected to tolerate at-least-once input.
func (r *Runner) resumeCursor(ctx context.Context, a Assignment) int64 {
	if r.checkpoints == nil {
		return time.Now().UnixMilli()
	}
	offsets, err := r.checkpoints.GroupOffsets(ctx, checkpointGroup(a.ID))
	if err != nil {
		r.log.Warn("connector: load checkpoint failed", "connector", a.ID, "error", err)
		return time.Now().UnixMilli()
	}
	committed, ok := offsets[a.SourceShard]
	if !ok {
		return time.Now().UnixMilli()
	}
	rec, err := r.checkpoints.ReadAt(ctx, a.SourceShard, committed)
	if err != nil {
		r.log.Warn("connector: read checkpointed record failed", "connector", a.ID, "offset", committed, "error", err)
		return time.Now().UnixMilli()
	}
	return rec.Timestamp + 1
}
