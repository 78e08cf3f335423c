package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeJournal implements JournalReader and Checkpointer over an
// in-memory record list, standing in for the RPC-backed client.
type fakeJournal struct {
	mu      sync.Mutex
	records []Record
	commits map[string]map[string]uint64
}

func newFakeJournal(records ...Record) *fakeJournal {
	return &fakeJournal{records: records, commits: make(map[string]map[string]uint64)}
}

func (f *fakeJournal) ReadByTimestampRange(_ context.Context, _ string, from, to int64) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, r := range f.records {
		if r.Timestamp >= from && r.Timestamp <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeJournal) ReadAt(_ context.Context, _ string, offset uint64) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.Offset == offset {
			return r, nil
		}
	}
	return Record{}, context.Canceled
}

func (f *fakeJournal) CommitOffset(_ context.Context, group string, offsets map[string]uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commits[group] == nil {
		f.commits[group] = make(map[string]uint64)
	}
	for shard, off := range offsets {
		f.commits[group][shard] = off
	}
	return nil
}

func (f *fakeJournal) GroupOffsets(_ context.Context, group string) (map[string]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uint64, len(f.commits[group]))
	for shard, off := range f.commits[group] {
		out[shard] = off
	}
	return out, nil
}

type captureSink struct {
	mu      sync.Mutex
	batches [][]Record
}

func (c *captureSink) SendBatch(_ context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, records)
	return nil
}

func (c *captureSink) Close() error { return nil }

func TestResumeCursorFromCheckpoint(t *testing.T) {
	j := newFakeJournal(
		Record{Offset: 0, Topic: "t", Timestamp: 1000},
		Record{Offset: 1, Topic: "t", Timestamp: 2000},
	)
	require.NoError(t, j.CommitOffset(context.Background(), checkpointGroup("c-1"), map[string]uint64{"shard-1": 0}))

	r := NewRunner("node-1", nil, j, j, nil, nil)
	cursor := r.resumeCursor(context.Background(), Assignment{ID: "c-1", SourceShard: "shard-1"})
	require.Equal(t, int64(1001), cursor, "resume just past the committed record's timestamp")
}

func TestResumeCursorWithoutCheckpointStartsNow(t *testing.T) {
	j := newFakeJournal()
	r := NewRunner("node-1", nil, j, j, nil, nil)

	before := time.Now().UnixMilli()
	cursor := r.resumeCursor(context.Background(), Assignment{ID: "c-unseen", SourceShard: "shard-1"})
	require.GreaterOrEqual(t, cursor, before)
}

func TestDispatchCommitsAfterSuccessfulBatch(t *testing.T) {
	now := time.Now().UnixMilli()
	j := newFakeJournal(
		Record{Offset: 5, Topic: "t", Payload: []byte("a"), Timestamp: now + 100},
		Record{Offset: 6, Topic: "t", Payload: []byte("b"), Timestamp: now + 200},
	)
	sink := &captureSink{}
	r := NewRunner("node-1", nil, j, j, func(Assignment) (Sink, error) { return sink, nil }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	r.dispatch(ctx, Assignment{ID: "c-1", SourceShard: "shard-1"})

	sink.mu.Lock()
	require.NotEmpty(t, sink.batches)
	sink.mu.Unlock()

	offsets, err := j.GroupOffsets(context.Background(), checkpointGroup("c-1"))
	require.NoError(t, err)
	require.Equal(t, uint64(6), offsets["shard-1"])
}
