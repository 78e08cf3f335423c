package delay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []Info
}

func (r *recordingDeliverer) Deliver(_ context.Context, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, info)
	return nil
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func TestDueMessageDelivered(t *testing.T) {
	store := kv.NewMemory(nil)
	d := &recordingDeliverer{}
	m := New(store, d, 4, nil)
	ctx := context.Background()

	info := Info{
		Offset:         1,
		Shard:          "delay-0",
		Topic:          "t/1",
		Payload:        []byte("x"),
		DelayTimestamp: time.Now().Add(150 * time.Millisecond),
	}
	require.NoError(t, m.Persist(ctx, info))
	m.Enqueue(info)

	m.Start(ctx, 20*time.Millisecond)
	defer m.Stop()

	// Not yet due.
	require.Zero(t, d.count())

	require.Eventually(t, func() bool { return d.count() == 1 }, 2*time.Second, 20*time.Millisecond)

	// The persisted record is cleared once delivered.
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, shardKey("delay-0", 1))
		return err == kv.ErrNotFound
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFutureMessageHeldBack(t *testing.T) {
	store := kv.NewMemory(nil)
	d := &recordingDeliverer{}
	m := New(store, d, 4, nil)
	ctx := context.Background()

	m.Enqueue(Info{Shard: "delay-0", Topic: "t/1", DelayTimestamp: time.Now().Add(time.Hour)})
	m.Start(ctx, 20*time.Millisecond)
	defer m.Stop()

	time.Sleep(200 * time.Millisecond)
	require.Zero(t, d.count())
}

func TestRecoverRequeuesPendingDropsExpired(t *testing.T) {
	store := kv.NewMemory(nil)
	ctx := context.Background()

	seed := New(store, &recordingDeliverer{}, 4, nil)
	pending := Info{Offset: 1, Shard: "delay-0", Topic: "t/1", DelayTimestamp: time.Now().Add(time.Hour)}
	expired := Info{Offset: 2, Shard: "delay-0", Topic: "t/2", DelayTimestamp: time.Now().Add(-time.Hour)}
	require.NoError(t, seed.Persist(ctx, pending))
	require.NoError(t, seed.Persist(ctx, expired))

	// A fresh manager over the same store sees only the still-pending entry.
	d := &recordingDeliverer{}
	m := New(store, d, 4, nil)
	require.NoError(t, m.Recover(ctx))

	m.mu.Lock()
	total := 0
	for _, pq := range m.queues {
		total += pq.Len()
	}
	m.mu.Unlock()
	require.Equal(t, 1, total)
}

func TestShardFor(t *testing.T) {
	m := New(kv.NewMemory(nil), &recordingDeliverer{}, 4, nil)
	require.Equal(t, uint64(3), m.ShardFor(7))
	require.Equal(t, uint64(0), m.ShardFor(8))

	unsharded := New(kv.NewMemory(nil), &recordingDeliverer{}, 0, nil)
	require.Equal(t, uint64(0), unsharded.ShardFor(7))
}
