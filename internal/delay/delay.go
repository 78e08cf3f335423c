// Package delay implements delayed message delivery: a publish can carry
// a future delivery timestamp, held in a per-shard delay queue and
// re-injected into normal dispatch once its deadline passes. Queue state
// is persisted through pkg/kv so it survives a broker restart, following
// the scan-and-requeue recovery approach of the original delay-message
// subsystem this was distilled from.
package delay

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

// Info is one delayed message: the target shard, the wall-clock delivery
// deadline, and the payload to re-inject once the deadline passes.
type Info struct {
	Offset        uint64    `json:"offset"`
	Shard         string    `json:"shard"`
	Topic         string    `json:"topic"`
	Payload       []byte    `json:"payload"`
	DelayTimestamp time.Time `json:"delay_timestamp"`
}

// Deliverer re-injects a due message into normal dispatch. Implemented by
// the broker's publish path.
type Deliverer interface {
	Deliver(ctx context.Context, info Info) error
}

// item is the container/heap element ordering Info by delivery deadline.
type item struct {
	info  Info
	index int
}

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].info.DelayTimestamp.Before(pq[j].info.DelayTimestamp)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

// shardKey is the pkg/kv key prefix under which a shard's delay queue
// entries are persisted: delay-queue-info-shard:<shard>:<offset>, the
// offset written as a zero-padded kv.U64 segment.
func shardKey(shard string, offset uint64) kv.Key {
	return kv.Key{"delay-queue-info-shard", shard, kv.U64(offset)}
}

// Manager owns the in-memory delay heaps for every shard and the
// background pop loop that delivers due messages.
type Manager struct {
	store     kv.Store
	deliverer Deliverer
	shardNum  uint64
	log       *slog.Logger

	mu     sync.Mutex
	queues map[string]*priorityQueue

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Manager backed by store, delivering due messages through
// deliverer. shardNum is the modulus ShardFor applies to an offset;
// Persist, Enqueue and Recover file every entry under its own Info.Shard
// and do not use it.
func New(store kv.Store, deliverer Deliverer, shardNum uint64, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     store,
		deliverer: deliverer,
		shardNum:  shardNum,
		log:       log,
		queues:    make(map[string]*priorityQueue),
		stop:      make(chan struct{}),
	}
}

// Persist durably records a delayed message before it is added to the
// in-memory heap, so a crash between persist and heap-insert still
// recovers the entry on restart.
func (m *Manager) Persist(ctx context.Context, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, shardKey(info.Shard, info.Offset), data)
}

// Enqueue adds a (already-persisted) delayed message to the in-memory
// heap for its shard.
func (m *Manager) Enqueue(info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pq, ok := m.queues[info.Shard]
	if !ok {
		pq = &priorityQueue{}
		heap.Init(pq)
		m.queues[info.Shard] = pq
	}
	heap.Push(pq, &item{info: info})
}

// Recover scans every persisted delay record across all shards and
// rebuilds the in-memory heaps. Entries whose deadline has already
// passed are dropped rather than requeued: they would fire immediately
// with no observer, since nothing was watching them while the broker was
// down, so requeuing them only produces a burst of stale deliveries.
func (m *Manager) Recover(ctx context.Context) error {
	recovered, dropped := 0, 0
	for entry, err := range m.store.List(ctx, kv.Key{"delay-queue-info-shard"}) {
		if err != nil {
			return err
		}
		var info Info
		if err := json.Unmarshal(entry.Value, &info); err != nil {
			m.log.Warn("delay: skipping unparsable record", "key", entry.Key.String())
			continue
		}
		if info.DelayTimestamp.Before(time.Now()) {
			dropped++
			continue
		}
		m.Enqueue(info)
		recovered++
	}
	m.log.Info("delay: recovery complete", "recovered", recovered, "dropped_expired", dropped)
	return nil
}

// Start launches the background pop loop, checking every tick for due
// messages across all shards.
func (m *Manager) Start(ctx context.Context, tick time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.popDue(ctx)
			}
		}
	}()
}

// Stop halts the background pop loop.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) popDue(ctx context.Context) {
	now := time.Now()
	var due []Info

	m.mu.Lock()
	for _, pq := range m.queues {
		for pq.Len() > 0 {
			top := (*pq)[0]
			if top.info.DelayTimestamp.After(now) {
				break
			}
			due = append(due, heap.Pop(pq).(*item).info)
		}
	}
	m.mu.Unlock()

	for _, info := range due {
		if err := m.deliverer.Deliver(ctx, info); err != nil {
			m.log.Error("delay: delivery failed", "shard", info.Shard, "error", err)
			continue
		}
		if err := m.store.Delete(ctx, shardKey(info.Shard, info.Offset)); err != nil {
			m.log.Error("delay: failed to clear persisted record", "shard", info.Shard, "error", err)
		}
	}
}

// ShardFor computes offset % shardNum (0 when shardNum is zero). Nothing
// in this package files or recovers entries by this number.
func (m *Manager) ShardFor(offset uint64) uint64 {
	if m.shardNum == 0 {
		return 0
	}
	return offset % m.shardNum
}
