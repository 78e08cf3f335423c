package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

func TestEngineAppendAndReadBack(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	off, err := e.Append(ctx, "shard-1", "device-42", []string{"temp"}, []byte("payload-1"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)

	rec, err := e.Read(ctx, "shard-1", off)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-1"), rec.Payload)
	require.Equal(t, "device-42", rec.Key)
}

func TestEngineKeyAndTagIndices(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	_, err := e.Append(ctx, "shard-1", "device-42", []string{"temp", "alert"}, []byte("a"))
	require.NoError(t, err)
	_, err = e.Append(ctx, "shard-1", "device-43", []string{"temp"}, []byte("b"))
	require.NoError(t, err)

	rec, err := e.ReadByKey(ctx, "shard-1", "device-42")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rec.Payload)

	tagged, err := e.ReadByTag(ctx, "shard-1", "temp")
	require.NoError(t, err)
	require.Len(t, tagged, 2)
}

func TestEngineRolloverOnFill(t *testing.T) {
	store := kv.NewMemory(nil)
	var transitions []Status
	type registered struct {
		segNo      uint64
		start, end uint64
		status     string
	}
	var segments []registered
	e := New(store, Config{
		Capacity: 4,
		OnStatusChange: func(shard string, status Status) {
			transitions = append(transitions, status)
		},
		RegisterSegment: func(ctx context.Context, shard string, segNo, start, end uint64, status string) error {
			segments = append(segments, registered{segNo: segNo, start: start, end: end, status: status})
			return nil
		},
	}, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := e.Append(ctx, "shard-1", "", nil, []byte("x"))
		require.NoError(t, err)
	}

	require.Contains(t, transitions, StatusSealUp)

	// The first Append registers segment 0 opening at offset 0; the fill
	// rollover (90% of capacity 4 is 3 records) then registers segment 0
	// sealing at offset 3 and segment 1
	// opening where segment 0 left off, satisfying the rollover invariant
	// that a successor's start offset equals its predecessor's end offset.
	require.True(t, len(segments) >= 3)
	require.Equal(t, registered{segNo: 0, start: 0, end: 0, status: string(StatusWrite)}, segments[0])

	var sealed, opened *registered
	for i := range segments {
		if segments[i].segNo == 0 && segments[i].status == string(StatusSealUp) {
			sealed = &segments[i]
		}
		if segments[i].segNo == 1 && segments[i].status == string(StatusWrite) {
			opened = &segments[i]
		}
	}
	require.NotNil(t, sealed)
	require.NotNil(t, opened)
	require.Equal(t, sealed.end, opened.start)
}

func TestEngineBatchAppendContiguousOffsets(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	offsets, err := e.BatchAppend(ctx, "shard-1", []AppendEntry{
		{Payload: []byte("a")},
		{Key: "k", Payload: []byte("b")},
		{Tags: []string{"t"}, Payload: []byte("c")},
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2}, offsets)

	rec, err := e.Read(ctx, "shard-1", 2)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), rec.Payload)
}

func TestEngineGroupOffsets(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	require.NoError(t, e.CommitOffset(ctx, "g1", map[string]uint64{"shard-1": 10, "shard-2": 20}))
	require.NoError(t, e.CommitOffset(ctx, "g1", map[string]uint64{"shard-1": 11}))

	got, err := e.OffsetsByGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"shard-1": 11, "shard-2": 20}, got)
}

func TestEngineOffsetAtOrAfter(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	off, err := e.Append(ctx, "shard-1", "", nil, []byte("x"))
	require.NoError(t, err)
	rec, err := e.Read(ctx, "shard-1", off)
	require.NoError(t, err)

	got, found, err := e.OffsetAtOrAfter(ctx, "shard-1", rec.Timestamp)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, off, got)

	_, found, err = e.OffsetAtOrAfter(ctx, "shard-1", rec.Timestamp+60_000)
	require.NoError(t, err)
	require.False(t, found)
}

func TestShardLifecycle(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	require.NoError(t, e.CreateShard(ctx, "alpha"))
	require.NoError(t, e.CreateShard(ctx, "alpha"), "re-creating is a no-op")
	_, err := e.Append(ctx, "beta-1", "", []string{"temp"}, []byte("x"))
	require.NoError(t, err)

	all, err := e.ListShards(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha", "beta-1"}, all)

	beta, err := e.ListShards(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, []string{"beta-1"}, beta)
}

func TestDeleteShardRemovesRecordsAndTagIndex(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	off, err := e.Append(ctx, "shard-1", "k1", []string{"temp"}, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, e.DeleteShard(ctx, "shard-1"))

	_, err = e.Read(ctx, "shard-1", off)
	require.ErrorIs(t, err, ErrShardNotExist)

	// The tag index must go with the records, not linger as dangling
	// offsets.
	tagged, err := e.ReadByTag(ctx, "shard-1", "temp")
	require.NoError(t, err)
	require.Empty(t, tagged)

	shards, err := e.ListShards(ctx, "")
	require.NoError(t, err)
	require.Empty(t, shards)

	// A deleted shard starts over from offset zero.
	off, err = e.Append(ctx, "shard-1", "", nil, []byte("y"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
}

func TestSegmentTransitionValidation(t *testing.T) {
	require.NoError(t, ValidateTransition(StatusIdle, StatusPreWrite))
	require.NoError(t, ValidateTransition(StatusWrite, StatusWrite))
	require.Error(t, ValidateTransition(StatusIdle, StatusWrite))
	require.Error(t, ValidateTransition(StatusDeleting, StatusWrite))
}

func TestShouldRollover(t *testing.T) {
	require.False(t, ShouldRollover(100, 1000))
	require.True(t, ShouldRollover(900, 1000))
	require.False(t, ShouldRollover(500, 1000)) // at 50% fill but below the rollover slack floor
	require.True(t, ShouldRollover(15000, 20000))
}

func TestReadErrorClassification(t *testing.T) {
	store := kv.NewMemory(nil)
	e := New(store, Config{Capacity: 1000}, nil)
	ctx := context.Background()

	_, err := e.Read(ctx, "no-such-shard", 0)
	require.ErrorIs(t, err, ErrShardNotExist)

	off, err := e.Append(ctx, "shard-1", "", nil, []byte("x"))
	require.NoError(t, err)

	_, err = e.Read(ctx, "shard-1", off+1)
	require.ErrorIs(t, err, ErrOffsetAtEnd)
}
