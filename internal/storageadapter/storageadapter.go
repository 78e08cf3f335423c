// Package storageadapter defines the per-shard storage abstraction a
// broker node reads and writes through, with three interchangeable
// engines selected per shard by its configured engine_type: an
// in-memory engine for tests and the "memory" engine type, an engine
// delegating to the append-only journal segment store, and a
// RocksDB-labelled engine backed by pkg/kv's Badger store (no RocksDB
// binding exists in this module's dependency surface; Badger provides
// the same embedded-LSM shape).
package storageadapter

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/journal"
	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

// Record is the storage-adapter-level view of a stored message, shared
// by every engine regardless of backing store.
type Record struct {
	Offset    uint64
	Key       string
	Tags      []string
	Timestamp int64
	Payload   []byte
}

// ErrNotFound is returned when a requested offset does not exist.
var ErrNotFound = errors.New("storageadapter: not found")

// Adapter is the interface every engine implements.
type Adapter interface {
	// CreateShard initializes an empty shard; creating an existing shard
	// is a no-op.
	CreateShard(ctx context.Context, shard string) error
	// DeleteShard removes a shard's records and every index entry over
	// them.
	DeleteShard(ctx context.Context, shard string) error
	// ListShards returns every shard whose name starts with prefix.
	ListShards(ctx context.Context, prefix string) ([]string, error)
	// Write appends a record to shard, returning its assigned offset.
	Write(ctx context.Context, shard string, key string, tags []string, payload []byte) (uint64, error)
	// BatchWrite appends records to shard in order, returning the offset
	// assigned to each in ascending order. Only the memory engine holds
	// its lock across the call; the journal and rocksdb engines write the
	// records one at a time, so their offsets are contiguous only when no
	// other write to the shard runs concurrently.
	BatchWrite(ctx context.Context, shard string, records []Record) ([]uint64, error)
	// Read returns the record at shard/offset.
	Read(ctx context.Context, shard string, offset uint64) (Record, error)
	// ReadByKey returns the most recently written record under key.
	ReadByKey(ctx context.Context, shard, key string) (Record, error)
	// ReadByTag returns every record indexed under tag.
	ReadByTag(ctx context.Context, shard, tag string) ([]Record, error)
	// GetOffsetByTimestamp returns the lowest offset in shard whose
	// record timestamp is >= ts, or false if no record is that recent.
	GetOffsetByTimestamp(ctx context.Context, shard string, ts int64) (uint64, bool, error)
	// CommitOffset records the per-shard offsets a consumer group has
	// processed up to.
	CommitOffset(ctx context.Context, group string, offsets map[string]uint64) error
	// GetOffsetByGroup returns every shard offset committed under group.
	GetOffsetByGroup(ctx context.Context, group string) (map[string]uint64, error)
	// Close releases resources held by the engine.
	Close() error
}

// EngineType selects which Adapter backs a shard.
type EngineType string

const (
	EngineMemory  EngineType = "memory"
	EngineJournal EngineType = "journal"
	EngineRocksDB EngineType = "rocksdb"
)

// --- Memory engine -----------------------------------------------------

// Memory is a map-backed Adapter used for tests and the "memory" engine
// type, where durability across restarts is not required.
type Memory struct {
	mu     sync.RWMutex
	shards map[string][]Record
	byKey  map[string]map[string]uint64
	groups map[string]map[string]uint64
}

// NewMemory creates an empty Memory adapter.
func NewMemory() *Memory {
	return &Memory{
		shards: make(map[string][]Record),
		byKey:  make(map[string]map[string]uint64),
		groups: make(map[string]map[string]uint64),
	}
}

func (m *Memory) CreateShard(_ context.Context, shard string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shards[shard]; !ok {
		m.shards[shard] = nil
	}
	return nil
}

func (m *Memory) DeleteShard(_ context.Context, shard string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, shard)
	delete(m.byKey, shard)
	return nil
}

func (m *Memory) ListShards(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name := range m.shards {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Write(_ context.Context, shard, key string, tags []string, payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(shard, key, tags, payload), nil
}

func (m *Memory) writeLocked(shard, key string, tags []string, payload []byte) uint64 {
	offset := uint64(len(m.shards[shard]))
	rec := Record{Offset: offset, Key: key, Tags: tags, Timestamp: time.Now().UnixMilli(), Payload: payload}
	m.shards[shard] = append(m.shards[shard], rec)
	if key != "" {
		if m.byKey[shard] == nil {
			m.byKey[shard] = make(map[string]uint64)
		}
		m.byKey[shard][key] = offset
	}
	return offset
}

func (m *Memory) BatchWrite(_ context.Context, shard string, records []Record) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offsets := make([]uint64, len(records))
	for i, rec := range records {
		offsets[i] = m.writeLocked(shard, rec.Key, rec.Tags, rec.Payload)
	}
	return offsets, nil
}

func (m *Memory) Read(_ context.Context, shard string, offset uint64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.shards[shard]
	if offset >= uint64(len(records)) {
		return Record{}, ErrNotFound
	}
	return records[offset], nil
}

func (m *Memory) ReadByKey(_ context.Context, shard, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offset, ok := m.byKey[shard][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.shards[shard][offset], nil
}

func (m *Memory) ReadByTag(_ context.Context, shard, tag string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.shards[shard] {
		for _, t := range rec.Tags {
			if t == tag {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) GetOffsetByTimestamp(_ context.Context, shard string, ts int64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.shards[shard] {
		if rec.Timestamp >= ts {
			return rec.Offset, true, nil
		}
	}
	return 0, false, nil
}

func (m *Memory) CommitOffset(_ context.Context, group string, offsets map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[group] == nil {
		m.groups[group] = make(map[string]uint64)
	}
	for shard, off := range offsets {
		m.groups[group][shard] = off
	}
	return nil
}

func (m *Memory) GetOffsetByGroup(_ context.Context, group string) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.groups[group]))
	for shard, off := range m.groups[group] {
		out[shard] = off
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// --- Journal-backed engine ---------------------------------------------

// Journal delegates every operation to the append-only segment engine.
type Journal struct {
	engine *journal.Engine
}

// NewJournal wraps an existing journal.Engine.
func NewJournal(engine *journal.Engine) *Journal {
	return &Journal{engine: engine}
}

func (j *Journal) CreateShard(ctx context.Context, shard string) error {
	return j.engine.CreateShard(ctx, shard)
}

func (j *Journal) DeleteShard(ctx context.Context, shard string) error {
	return j.engine.DeleteShard(ctx, shard)
}

func (j *Journal) ListShards(ctx context.Context, prefix string) ([]string, error) {
	return j.engine.ListShards(ctx, prefix)
}

func (j *Journal) Write(ctx context.Context, shard, key string, tags []string, payload []byte) (uint64, error) {
	return j.engine.Append(ctx, shard, key, tags, payload)
}

func (j *Journal) BatchWrite(ctx context.Context, shard string, records []Record) ([]uint64, error) {
	entries := make([]journal.AppendEntry, len(records))
	for i, rec := range records {
		entries[i] = journal.AppendEntry{Key: rec.Key, Tags: rec.Tags, Payload: rec.Payload}
	}
	return j.engine.BatchAppend(ctx, shard, entries)
}

func (j *Journal) Read(ctx context.Context, shard string, offset uint64) (Record, error) {
	rec, err := j.engine.Read(ctx, shard, offset)
	if err != nil {
		return Record{}, translateJournalErr(err)
	}
	return fromJournalRecord(rec), nil
}

func (j *Journal) ReadByKey(ctx context.Context, shard, key string) (Record, error) {
	rec, err := j.engine.ReadByKey(ctx, shard, key)
	if err != nil {
		return Record{}, translateJournalErr(err)
	}
	return fromJournalRecord(rec), nil
}

func (j *Journal) ReadByTag(ctx context.Context, shard, tag string) ([]Record, error) {
	recs, err := j.engine.ReadByTag(ctx, shard, tag)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = fromJournalRecord(r)
	}
	return out, nil
}

func (j *Journal) GetOffsetByTimestamp(ctx context.Context, shard string, ts int64) (uint64, bool, error) {
	return j.engine.OffsetAtOrAfter(ctx, shard, ts)
}

func (j *Journal) CommitOffset(ctx context.Context, group string, offsets map[string]uint64) error {
	return j.engine.CommitOffset(ctx, group, offsets)
}

func (j *Journal) GetOffsetByGroup(ctx context.Context, group string) (map[string]uint64, error) {
	return j.engine.OffsetsByGroup(ctx, group)
}

func (j *Journal) Close() error { return nil }

func fromJournalRecord(r journal.Record) Record {
	return Record{Offset: r.Offset, Key: r.Key, Tags: r.Tags, Timestamp: r.Timestamp, Payload: r.Payload}
}

func translateJournalErr(err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// --- RocksDB-labelled engine (Badger-backed) ---------------------------

// RocksDB is the engine type named "rocksdb" in shard configuration. No
// RocksDB client library is available in this module's dependency
// surface; it is backed by pkg/kv's Badger store instead, which offers
// the same embedded LSM-tree shape.
type RocksDB struct {
	store kv.Store
}

// NewRocksDB wraps a kv.Store (expected to be a *kv.Badger in production).
func NewRocksDB(store kv.Store) *RocksDB {
	return &RocksDB{store: store}
}

func (r *RocksDB) shardKey(shard string, offset uint64) kv.Key {
	return kv.Key{"rdb", "r", shard, kv.U64(offset)}
}

func (r *RocksDB) endOffsetKey(shard string) kv.Key {
	return kv.Key{"rdb", "end", shard}
}

func (r *RocksDB) keyIndexKey(shard, key string) kv.Key {
	return kv.Key{"rdb", "key", shard, key}
}

func (r *RocksDB) groupKey(group, shard string) kv.Key {
	return kv.Key{"rdb", "group", group, shard}
}

func (r *RocksDB) shardMarkerKey(shard string) kv.Key {
	return kv.Key{"rdb", "shard", shard}
}

func (r *RocksDB) CreateShard(ctx context.Context, shard string) error {
	return r.store.Set(ctx, r.shardMarkerKey(shard), []byte{1})
}

func (r *RocksDB) DeleteShard(ctx context.Context, shard string) error {
	prefixes := []kv.Key{
		{"rdb", "r", shard},
		{"rdb", "key", shard},
	}
	var keys []kv.Key
	for _, prefix := range prefixes {
		for entry, err := range r.store.List(ctx, prefix) {
			if err != nil {
				return err
			}
			keys = append(keys, entry.Key)
		}
	}
	keys = append(keys, r.endOffsetKey(shard), r.shardMarkerKey(shard))
	return r.store.BatchDelete(ctx, keys)
}

func (r *RocksDB) ListShards(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	markerPrefix := kv.Key{"rdb", "shard"}
	for entry, err := range r.store.List(ctx, markerPrefix) {
		if err != nil {
			return nil, err
		}
		if len(entry.Key) != len(markerPrefix)+1 {
			continue
		}
		name := entry.Key[len(markerPrefix)]
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (r *RocksDB) Write(ctx context.Context, shard, key string, tags []string, payload []byte) (uint64, error) {
	offset, err := r.nextOffset(ctx, shard)
	if err != nil {
		return 0, err
	}
	rec := Record{Offset: offset, Key: key, Tags: tags, Timestamp: time.Now().UnixMilli(), Payload: payload}
	data, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	entries := []kv.Entry{
		{Key: r.shardKey(shard, offset), Value: data},
		{Key: r.endOffsetKey(shard), Value: kv.EncodeU64(offset + 1)},
		{Key: r.shardMarkerKey(shard), Value: []byte{1}},
	}
	if key != "" {
		entries = append(entries, kv.Entry{Key: r.keyIndexKey(shard, key), Value: kv.EncodeU64(offset)})
	}
	if err := r.store.BatchSet(ctx, entries); err != nil {
		return 0, err
	}
	return offset, nil
}

func (r *RocksDB) nextOffset(ctx context.Context, shard string) (uint64, error) {
	v, err := r.store.Get(ctx, r.endOffsetKey(shard))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return kv.DecodeU64(v)
}

func (r *RocksDB) Read(ctx context.Context, shard string, offset uint64) (Record, error) {
	v, err := r.store.Get(ctx, r.shardKey(shard, offset))
	if err != nil {
		return Record{}, translateJournalErr(err)
	}
	return decodeRecord(v)
}

func (r *RocksDB) ReadByKey(ctx context.Context, shard, key string) (Record, error) {
	v, err := r.store.Get(ctx, r.keyIndexKey(shard, key))
	if err != nil {
		return Record{}, translateJournalErr(err)
	}
	offset, err := kv.DecodeU64(v)
	if err != nil {
		return Record{}, err
	}
	return r.Read(ctx, shard, offset)
}

func (r *RocksDB) ReadByTag(ctx context.Context, shard, tag string) ([]Record, error) {
	var out []Record
	for entry, err := range r.store.List(ctx, kv.Key{"rdb", "r", shard}) {
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(entry.Value)
		if err != nil {
			continue
		}
		for _, t := range rec.Tags {
			if t == tag {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func (r *RocksDB) BatchWrite(ctx context.Context, shard string, records []Record) ([]uint64, error) {
	offsets := make([]uint64, 0, len(records))
	for _, rec := range records {
		off, err := r.Write(ctx, shard, rec.Key, rec.Tags, rec.Payload)
		if err != nil {
			return offsets, err
		}
		offsets = append(offsets, off)
	}
	return offsets, nil
}

// GetOffsetByTimestamp scans the shard's records in offset order; this
// engine keeps no timestamp index, trading the linear pass for one
// fewer index family in the fallback path.
func (r *RocksDB) GetOffsetByTimestamp(ctx context.Context, shard string, ts int64) (uint64, bool, error) {
	for entry, err := range r.store.List(ctx, kv.Key{"rdb", "r", shard}) {
		if err != nil {
			return 0, false, err
		}
		rec, err := decodeRecord(entry.Value)
		if err != nil {
			continue
		}
		if rec.Timestamp >= ts {
			return rec.Offset, true, nil
		}
	}
	return 0, false, nil
}

func (r *RocksDB) CommitOffset(ctx context.Context, group string, offsets map[string]uint64) error {
	entries := make([]kv.Entry, 0, len(offsets))
	for shard, off := range offsets {
		entries = append(entries, kv.Entry{Key: r.groupKey(group, shard), Value: kv.EncodeU64(off)})
	}
	return r.store.BatchSet(ctx, entries)
}

func (r *RocksDB) GetOffsetByGroup(ctx context.Context, group string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	prefix := kv.Key{"rdb", "group", group}
	for entry, err := range r.store.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		if len(entry.Key) != len(prefix)+1 {
			continue
		}
		off, err := kv.DecodeU64(entry.Value)
		if err != nil {
			continue
		}
		out[entry.Key[len(prefix)]] = off
	}
	return out, nil
}

func (r *RocksDB) Close() error { return r.store.Close() }
