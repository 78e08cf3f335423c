package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

// Engine is the per-node journal segment engine: it owns one active
// write segment per shard, appends records to it, and rolls it over to a
// new segment once ShouldRollover reports the current one is full.
// Segment bytes and every index entry are written through the same
// kv.Store, so a crash mid-append leaves the store in the state of the
// last completed BatchSet rather than a partially-written file.
type Engine struct {
	store    kv.Store
	index    *Index
	capacity uint64
	log      *slog.Logger

	mu     sync.Mutex
	shards map[string]*shardState

	notify          func(shard string, status Status)
	registerSegment func(ctx context.Context, shard string, segNo, start, end uint64, status string) error
}

type shardState struct {
	mu       sync.Mutex
	count    uint64
	status   Status
	segNo    uint64
	segStart uint64
}

// Config configures an Engine.
type Config struct {
	// Capacity is the target record count per segment before rollover.
	Capacity uint64
	// OnStatusChange is called (if non-nil) whenever a shard's segment
	// status transitions, so the meta-service can be notified.
	OnStatusChange func(shard string, status Status)
	// RegisterSegment is called (if non-nil) once for the segment rollover
	// seals and once for the segment it opens, so the meta-service catalog
	// gains a genuine SegmentMeta entity per generation rather than a
	// single record whose status is mutated in place. A failure here is
	// logged, not fatal: the local index is always the authority for what
	// this node has actually written. A missed registration is not
	// retried; later rollovers register only their own segments.
	RegisterSegment func(ctx context.Context, shard string, segNo, start, end uint64, status string) error
}

// New creates an Engine over store with the given Config.
func New(store kv.Store, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 100000
	}
	return &Engine{
		store:           store,
		index:           NewIndex(store),
		capacity:        cfg.Capacity,
		log:             log,
		shards:          make(map[string]*shardState),
		notify:          cfg.OnStatusChange,
		registerSegment: cfg.RegisterSegment,
	}
}

func (e *Engine) shard(ctx context.Context, name string) (*shardState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.shards[name]; ok {
		return s, nil
	}

	status, err := e.index.Status(ctx, name)
	if err != nil {
		return nil, err
	}
	end, err := e.index.EndOffset(ctx, name)
	if err != nil {
		return nil, err
	}
	start, err := e.index.StartOffset(ctx, name)
	if err != nil {
		return nil, err
	}
	segNo, err := e.index.SegmentNo(ctx, name)
	if err != nil {
		return nil, err
	}
	segStart, err := e.index.SegmentStart(ctx, name)
	if err != nil {
		return nil, err
	}
	s := &shardState{count: end - start, status: status, segNo: segNo, segStart: segStart}
	e.shards[name] = s
	return s, nil
}

// Append writes one record to shard, assigning it the next offset, and
// rolls the segment over if it has now crossed the configured fill
// threshold. Returns the assigned offset.
func (e *Engine) Append(ctx context.Context, shard string, key string, tags []string, payload []byte) (uint64, error) {
	s, err := e.shard(ctx, shard)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusIdle {
		if err := e.transition(ctx, shard, s, StatusPreWrite); err != nil {
			return 0, err
		}
		if err := e.transition(ctx, shard, s, StatusWrite); err != nil {
			return 0, err
		}
		e.registerOpen(ctx, shard, s)
	}
	if s.status != StatusWrite {
		return 0, &ErrSegmentStatus{Shard: shard, Status: s.status}
	}

	offset, err := e.index.EndOffset(ctx, shard)
	if err != nil {
		return 0, err
	}

	rec := Record{
		Offset:    offset,
		Key:       key,
		Tags:      tags,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	if err := e.index.PutRecord(ctx, shard, rec); err != nil {
		return 0, err
	}
	if err := e.index.SetEndOffset(ctx, shard, offset+1); err != nil {
		return 0, err
	}
	s.count++

	if ShouldRollover(s.count, e.capacity) {
		if err := e.rollover(ctx, shard, s); err != nil {
			e.log.Error("journal: rollover failed", "shard", shard, "error", err)
		}
	}

	return offset, nil
}

func (e *Engine) transition(ctx context.Context, shard string, s *shardState, next Status) error {
	if err := ValidateTransition(s.status, next); err != nil {
		return err
	}
	if err := e.index.SetStatus(ctx, shard, next); err != nil {
		return err
	}
	s.status = next
	if e.notify != nil {
		e.notify(shard, next)
	}
	return nil
}

// rollover seals the current write segment and opens a fresh one with
// the next segment number, resetting the in-memory record count. The
// count reset is what makes the fill check relative to the segment, not
// the shard's lifetime total, since EndOffset never resets. Sealing and
// opening the successor are each registered with the meta-service
// catalog as their own SegmentMeta entity (see registerSegment), so a
// shard genuinely accumulates a sequence of segment generations rather
// than mutating one record's status field in place.
func (e *Engine) rollover(ctx context.Context, shard string, s *shardState) error {
	end, err := e.index.EndOffset(ctx, shard)
	if err != nil {
		return err
	}

	if err := e.transition(ctx, shard, s, StatusPreSealUp); err != nil {
		return err
	}
	if err := e.transition(ctx, shard, s, StatusSealUp); err != nil {
		return err
	}
	e.registerSeal(ctx, shard, s, end)

	if err := e.transition(ctx, shard, s, StatusPreWrite); err != nil {
		return err
	}
	s.count = 0
	s.segNo++
	s.segStart = end
	if err := e.index.SetSegmentNo(ctx, shard, s.segNo); err != nil {
		return err
	}
	if err := e.index.SetSegmentStart(ctx, shard, s.segStart); err != nil {
		return err
	}

	if err := e.transition(ctx, shard, s, StatusWrite); err != nil {
		return err
	}
	e.registerOpen(ctx, shard, s)
	return nil
}

// registerSeal reports the segment rollover just sealed to the
// meta-service catalog, covering [segStart, end).
func (e *Engine) registerSeal(ctx context.Context, shard string, s *shardState, end uint64) {
	if e.registerSegment == nil {
		return
	}
	if err := e.registerSegment(ctx, shard, s.segNo, s.segStart, end, string(StatusSealUp)); err != nil {
		e.log.Error("journal: register sealed segment", "shard", shard, "segment_no", s.segNo, "error", err)
	}
}

// registerOpen reports the segment rollover (or the shard's first
// Append) just opened to the meta-service catalog, starting at
// segStart with no end offset yet.
func (e *Engine) registerOpen(ctx context.Context, shard string, s *shardState) {
	if e.registerSegment == nil {
		return
	}
	if err := e.registerSegment(ctx, shard, s.segNo, s.segStart, s.segStart, string(StatusWrite)); err != nil {
		e.log.Error("journal: register opened segment", "shard", shard, "segment_no", s.segNo, "error", err)
	}
}

// CreateShard initializes shard's status marker so it appears in shard
// listings before its first append. Creating an existing shard is a
// no-op.
func (e *Engine) CreateShard(ctx context.Context, name string) error {
	status, err := e.index.Status(ctx, name)
	if err != nil {
		return err
	}
	if status != StatusIdle {
		return nil
	}
	return e.index.SetStatus(ctx, name, StatusIdle)
}

// DeleteShard drops shard's records, every index class, and its status
// markers, and forgets its in-memory write state.
func (e *Engine) DeleteShard(ctx context.Context, name string) error {
	e.mu.Lock()
	delete(e.shards, name)
	e.mu.Unlock()
	return e.index.DeleteShard(ctx, name)
}

// ListShards returns every initialized shard whose name starts with
// prefix.
func (e *Engine) ListShards(ctx context.Context, prefix string) ([]string, error) {
	return e.index.ShardNames(ctx, prefix)
}

// AppendEntry is one record of a BatchAppend call, before an offset has
// been assigned.
type AppendEntry struct {
	Key     string
	Tags    []string
	Payload []byte
}

// BatchAppend writes entries to shard in order, returning the offset
// assigned to each. Each entry goes through Append, which takes the
// shard lock per entry, so the offsets ascend within one call but a
// concurrent Append to the same shard can interleave with the batch.
// Rollover between two entries of the same batch is allowed and keeps
// the offsets monotonic across the segment boundary.
func (e *Engine) BatchAppend(ctx context.Context, shard string, entries []AppendEntry) ([]uint64, error) {
	offsets := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		off, err := e.Append(ctx, shard, entry.Key, entry.Tags, entry.Payload)
		if err != nil {
			return offsets, err
		}
		offsets = append(offsets, off)
	}
	return offsets, nil
}

// CommitOffset records the per-shard offsets a consumer group has
// processed up to, one commit per shard in offsets.
func (e *Engine) CommitOffset(ctx context.Context, group string, offsets map[string]uint64) error {
	for shard, off := range offsets {
		if err := e.index.CommitGroupOffset(ctx, group, shard, off); err != nil {
			return err
		}
	}
	return nil
}

// OffsetsByGroup returns every shard offset committed under group.
func (e *Engine) OffsetsByGroup(ctx context.Context, group string) (map[string]uint64, error) {
	return e.index.GroupOffsets(ctx, group)
}

// OffsetAtOrAfter returns the lowest offset in shard whose record
// timestamp is >= ts, or false if no record is that recent.
func (e *Engine) OffsetAtOrAfter(ctx context.Context, shard string, ts int64) (uint64, bool, error) {
	return e.index.OffsetAtOrAfter(ctx, shard, ts)
}

// Read returns the record at the given offset in shard. A miss is
// classified before it propagates: an unknown shard, an offset past the
// shard's end, and a genuinely absent record are different failures to
// the caller.
func (e *Engine) Read(ctx context.Context, shard string, offset uint64) (Record, error) {
	rec, err := e.index.GetRecordAt(ctx, shard, offset)
	if err != kv.ErrNotFound {
		return rec, err
	}
	end, endErr := e.index.EndOffset(ctx, shard)
	if endErr != nil {
		return Record{}, endErr
	}
	if end == 0 {
		return Record{}, ErrShardNotExist
	}
	if offset >= end {
		return Record{}, ErrOffsetAtEnd
	}
	return Record{}, err
}

// ReadByKey returns the most recently written record indexed under key.
func (e *Engine) ReadByKey(ctx context.Context, shard, key string) (Record, error) {
	offset, err := e.index.GetByKey(ctx, shard, key)
	if err != nil {
		return Record{}, err
	}
	return e.index.GetRecordAt(ctx, shard, offset)
}

// ReadByTag returns every record indexed under tag, in offset order.
func (e *Engine) ReadByTag(ctx context.Context, shard, tag string) ([]Record, error) {
	offsets, err := e.index.OffsetsByTag(ctx, shard, tag)
	if err != nil {
		return nil, err
	}
	return e.readOffsets(ctx, shard, offsets)
}

// ReadByTimestampRange returns every record whose timestamp falls within
// [from, to], in offset order within each millisecond bucket.
func (e *Engine) ReadByTimestampRange(ctx context.Context, shard string, from, to int64) ([]Record, error) {
	offsets, err := e.index.OffsetsByTimestampRange(ctx, shard, from, to)
	if err != nil {
		return nil, err
	}
	return e.readOffsets(ctx, shard, offsets)
}

func (e *Engine) readOffsets(ctx context.Context, shard string, offsets []uint64) ([]Record, error) {
	out := make([]Record, len(offsets))
	g, gctx := errgroup.WithContext(ctx)
	for i, off := range offsets {
		i, off := i, off
		g.Go(func() error {
			rec, err := e.index.GetRecordAt(gctx, shard, off)
			if err != nil {
				return err
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
