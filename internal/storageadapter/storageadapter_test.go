package storageadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq-sub007/internal/journal"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

func TestMemoryAdapter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	off, err := m.Write(ctx, "shard-1", "k1", []string{"t1"}, []byte("v1"))
	require.NoError(t, err)

	rec, err := m.Read(ctx, "shard-1", off)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Payload)

	_, err = m.Read(ctx, "shard-1", off+1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJournalAdapter(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	engine := journal.New(store, journal.Config{Capacity: 1000}, nil)
	j := NewJournal(engine)

	off, err := j.Write(ctx, "shard-1", "k1", []string{"t1"}, []byte("v1"))
	require.NoError(t, err)

	rec, err := j.Read(ctx, "shard-1", off)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Payload)
}

func TestShardLifecycleAcrossEngines(t *testing.T) {
	ctx := context.Background()
	adapters := map[string]Adapter{
		"memory":  NewMemory(),
		"journal": NewJournal(journal.New(kv.NewMemory(nil), journal.Config{Capacity: 1000}, nil)),
		"rocksdb": NewRocksDB(kv.NewMemory(nil)),
	}
	for name, a := range adapters {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.CreateShard(ctx, "alpha"))
			off, err := a.Write(ctx, "beta-1", "k", []string{"t"}, []byte("v"))
			require.NoError(t, err)

			all, err := a.ListShards(ctx, "")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"alpha", "beta-1"}, all)

			beta, err := a.ListShards(ctx, "beta")
			require.NoError(t, err)
			require.Equal(t, []string{"beta-1"}, beta)

			require.NoError(t, a.DeleteShard(ctx, "beta-1"))
			_, err = a.Read(ctx, "beta-1", off)
			require.Error(t, err)
			tagged, err := a.ReadByTag(ctx, "beta-1", "t")
			require.NoError(t, err)
			require.Empty(t, tagged)
		})
	}
}

func TestBatchWriteReadsBackInOrder(t *testing.T) {
	ctx := context.Background()
	adapters := map[string]Adapter{
		"memory":  NewMemory(),
		"journal": NewJournal(journal.New(kv.NewMemory(nil), journal.Config{Capacity: 1000}, nil)),
		"rocksdb": NewRocksDB(kv.NewMemory(nil)),
	}
	for name, a := range adapters {
		t.Run(name, func(t *testing.T) {
			records := []Record{
				{Key: "k1", Payload: []byte("r1")},
				{Payload: []byte("r2")},
				{Payload: []byte("r3")},
			}
			offsets, err := a.BatchWrite(ctx, "shard-1", records)
			require.NoError(t, err)
			require.Len(t, offsets, 3)

			for i, off := range offsets {
				rec, err := a.Read(ctx, "shard-1", off)
				require.NoError(t, err)
				require.Equal(t, records[i].Payload, rec.Payload)
			}
			require.Equal(t, offsets[0]+1, offsets[1])
			require.Equal(t, offsets[1]+1, offsets[2])
		})
	}
}

func TestCommitOffsetRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapters := map[string]Adapter{
		"memory":  NewMemory(),
		"journal": NewJournal(journal.New(kv.NewMemory(nil), journal.Config{Capacity: 1000}, nil)),
		"rocksdb": NewRocksDB(kv.NewMemory(nil)),
	}
	for name, a := range adapters {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.CommitOffset(ctx, "group-1", map[string]uint64{"shard-1": 42, "shard-2": 7}))
			require.NoError(t, a.CommitOffset(ctx, "group-1", map[string]uint64{"shard-1": 43}))

			got, err := a.GetOffsetByGroup(ctx, "group-1")
			require.NoError(t, err)
			require.Equal(t, map[string]uint64{"shard-1": 43, "shard-2": 7}, got)

			empty, err := a.GetOffsetByGroup(ctx, "group-absent")
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestGetOffsetByTimestamp(t *testing.T) {
	ctx := context.Background()
	adapters := map[string]Adapter{
		"memory":  NewMemory(),
		"journal": NewJournal(journal.New(kv.NewMemory(nil), journal.Config{Capacity: 1000}, nil)),
		"rocksdb": NewRocksDB(kv.NewMemory(nil)),
	}
	for name, a := range adapters {
		t.Run(name, func(t *testing.T) {
			before := time.Now().UnixMilli()
			off, err := a.Write(ctx, "shard-1", "", nil, []byte("v"))
			require.NoError(t, err)

			got, found, err := a.GetOffsetByTimestamp(ctx, "shard-1", before)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, off, got)

			_, found, err = a.GetOffsetByTimestamp(ctx, "shard-1", time.Now().UnixMilli()+60_000)
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

func TestRocksDBLabelledAdapter(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	r := NewRocksDB(store)

	off, err := r.Write(ctx, "shard-1", "k1", []string{"t1"}, []byte("v1"))
	require.NoError(t, err)

	rec, err := r.Read(ctx, "shard-1", off)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Payload)

	byKey, err := r.ReadByKey(ctx, "shard-1", "k1")
	require.NoError(t, err)
	require.Equal(t, rec.Payload, byKey.Payload)
}
