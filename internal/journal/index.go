package journal

import (
	"bytes"
	"context"
	"strings"

	"github.com/robustmq/robustmq-sub007/pkg/kv"
)

// Index persists the four index classes over a shard's records through a
// single pkg/kv.Store, using a hierarchical key layout: raw records under
// sm/r/<shard>/<offset>, the end/start offset markers under sm/o/e and
// sm/o/l, key/tag/timestamp secondary indices under sm/i/..., consumer
// group offsets under sm/g, and segment status under sm/s. Offsets and
// timestamps are kv.U64 segments, so every index prefix iterates in
// numeric order and the timestamp lookups below are seeks, not scans.
type Index struct {
	store kv.Store
}

// NewIndex wraps store with the journal key scheme.
func NewIndex(store kv.Store) *Index {
	return &Index{store: store}
}

func recordKey(shard string, offset uint64) kv.Key {
	return kv.Key{"sm", "r", shard, kv.U64(offset)}
}

func endOffsetKey(shard string) kv.Key   { return kv.Key{"sm", "o", "e", shard} }
func startOffsetKey(shard string) kv.Key { return kv.Key{"sm", "o", "l", shard} }

func keyIndexKey(shard, key string) kv.Key {
	return kv.Key{"sm", "i", "k", shard, key}
}

func tagIndexKey(shard, tag string, offset uint64) kv.Key {
	return kv.Key{"sm", "i", "t", shard, tag, kv.U64(offset)}
}

func timestampIndexKey(shard string, ts int64, offset uint64) kv.Key {
	return kv.Key{"sm", "i", "ts", shard, kv.U64(uint64(ts)), kv.U64(offset)}
}

func groupKey(group, shard string) kv.Key {
	return kv.Key{"sm", "g", group, shard}
}

func statusKey(shard string) kv.Key {
	return kv.Key{"sm", "s", shard}
}

func segmentNoKey(shard string) kv.Key    { return kv.Key{"sm", "n", shard} }
func segmentStartKey(shard string) kv.Key { return kv.Key{"sm", "b", shard} }

// PutRecord persists the raw record and every secondary index entry for
// it. All writes for one record go through BatchSet so a reader never
// observes a record indexed only partially.
func (idx *Index) PutRecord(ctx context.Context, shard string, r Record) error {
	raw, err := encodeIndexedRecord(r)
	if err != nil {
		return err
	}

	entries := []kv.Entry{
		{Key: recordKey(shard, r.Offset), Value: raw},
	}
	if r.Key != "" {
		entries = append(entries, kv.Entry{Key: keyIndexKey(shard, r.Key), Value: kv.EncodeU64(r.Offset)})
	}
	for _, tag := range r.Tags {
		entries = append(entries, kv.Entry{Key: tagIndexKey(shard, tag, r.Offset), Value: nil})
	}
	entries = append(entries, kv.Entry{Key: timestampIndexKey(shard, r.Timestamp, r.Offset), Value: nil})

	return idx.store.BatchSet(ctx, entries)
}

func encodeIndexedRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := marshalRecord(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetRecordAt looks up the record stored at shard/offset.
func (idx *Index) GetRecordAt(ctx context.Context, shard string, offset uint64) (Record, error) {
	raw, err := idx.store.Get(ctx, recordKey(shard, offset))
	if err != nil {
		return Record{}, err
	}
	rec, _, err := unmarshalRecord(bytes.NewReader(raw))
	return rec, err
}

// GetByKey returns the offset most recently indexed under key, matching
// the journal key index's last-write-wins semantics.
func (idx *Index) GetByKey(ctx context.Context, shard, key string) (uint64, error) {
	v, err := idx.store.Get(ctx, keyIndexKey(shard, key))
	if err != nil {
		return 0, err
	}
	return kv.DecodeU64(v)
}

// OffsetsByTag lists every offset indexed under tag, in ascending order
// (the tag index key embeds the offset so listing the prefix yields them
// sorted).
func (idx *Index) OffsetsByTag(ctx context.Context, shard, tag string) ([]uint64, error) {
	var out []uint64
	prefix := kv.Key{"sm", "i", "t", shard, tag}
	for entry, err := range idx.store.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		off, err := kv.ParseU64(entry.Key[len(entry.Key)-1])
		if err != nil {
			continue
		}
		out = append(out, off)
	}
	return out, nil
}

// OffsetsByTimestampRange lists every offset whose timestamp falls within
// [from, to], inclusive, seeking straight to the first qualifying
// timestamp segment and stopping at the first one past the bound.
func (idx *Index) OffsetsByTimestampRange(ctx context.Context, shard string, from, to int64) ([]uint64, error) {
	var out []uint64
	prefix := kv.Key{"sm", "i", "ts", shard}
	for entry, err := range idx.store.ListFrom(ctx, prefix, kv.U64(uint64(from))) {
		if err != nil {
			return nil, err
		}
		if len(entry.Key) < len(prefix)+2 {
			continue
		}
		ts, err := kv.ParseU64(entry.Key[len(prefix)])
		if err != nil {
			continue
		}
		if int64(ts) > to {
			break
		}
		off, err := kv.ParseU64(entry.Key[len(prefix)+1])
		if err != nil {
			continue
		}
		out = append(out, off)
	}
	return out, nil
}

// SetEndOffset/EndOffset track the next offset to be assigned in a shard.
func (idx *Index) SetEndOffset(ctx context.Context, shard string, offset uint64) error {
	return idx.store.Set(ctx, endOffsetKey(shard), kv.EncodeU64(offset))
}

func (idx *Index) EndOffset(ctx context.Context, shard string) (uint64, error) {
	return idx.u64At(ctx, endOffsetKey(shard))
}

// SetStartOffset/StartOffset track the lowest retained offset in a shard
// (advances as segments are deleted).
func (idx *Index) SetStartOffset(ctx context.Context, shard string, offset uint64) error {
	return idx.store.Set(ctx, startOffsetKey(shard), kv.EncodeU64(offset))
}

func (idx *Index) StartOffset(ctx context.Context, shard string) (uint64, error) {
	return idx.u64At(ctx, startOffsetKey(shard))
}

// u64At reads an 8-byte counter key, treating an absent key as zero.
func (idx *Index) u64At(ctx context.Context, key kv.Key) (uint64, error) {
	v, err := idx.store.Get(ctx, key)
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return kv.DecodeU64(v)
}

// SetStatus/Status persist the segment status string for shard (see
// Status constants in segment.go).
func (idx *Index) SetStatus(ctx context.Context, shard string, status Status) error {
	return idx.store.Set(ctx, statusKey(shard), []byte(status))
}

func (idx *Index) Status(ctx context.Context, shard string) (Status, error) {
	v, err := idx.store.Get(ctx, statusKey(shard))
	if err == kv.ErrNotFound {
		return StatusIdle, nil
	}
	if err != nil {
		return "", err
	}
	return Status(v), nil
}

// SetSegmentNo/SegmentNo track the number of the segment currently open
// for writes in shard, incremented each time rollover opens a successor.
func (idx *Index) SetSegmentNo(ctx context.Context, shard string, segNo uint64) error {
	return idx.store.Set(ctx, segmentNoKey(shard), kv.EncodeU64(segNo))
}

func (idx *Index) SegmentNo(ctx context.Context, shard string) (uint64, error) {
	return idx.u64At(ctx, segmentNoKey(shard))
}

// SetSegmentStart/SegmentStart track the first offset belonging to the
// segment currently open for writes in shard, so rollover can report an
// accurate [start, end) range for the segment it seals.
func (idx *Index) SetSegmentStart(ctx context.Context, shard string, offset uint64) error {
	return idx.store.Set(ctx, segmentStartKey(shard), kv.EncodeU64(offset))
}

func (idx *Index) SegmentStart(ctx context.Context, shard string) (uint64, error) {
	return idx.u64At(ctx, segmentStartKey(shard))
}

// ShardNames lists every shard whose name starts with prefix (empty
// prefix lists all), off the status keys every initialized shard has.
func (idx *Index) ShardNames(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	statusPrefix := kv.Key{"sm", "s"}
	for entry, err := range idx.store.List(ctx, statusPrefix) {
		if err != nil {
			return nil, err
		}
		if len(entry.Key) != len(statusPrefix)+1 {
			continue
		}
		name := entry.Key[len(statusPrefix)]
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

// DeleteShard removes every key belonging to shard: raw records, all
// four index classes, the offset endpoints, and the status/segment
// markers. Records and their tag-index entries go together — deleting
// one without the other would leave the tag index pointing at offsets
// that no longer resolve.
func (idx *Index) DeleteShard(ctx context.Context, shard string) error {
	prefixes := []kv.Key{
		{"sm", "r", shard},
		{"sm", "i", "k", shard},
		{"sm", "i", "t", shard},
		{"sm", "i", "ts", shard},
	}
	var keys []kv.Key
	for _, prefix := range prefixes {
		for entry, err := range idx.store.List(ctx, prefix) {
			if err != nil {
				return err
			}
			keys = append(keys, entry.Key)
		}
	}
	keys = append(keys,
		endOffsetKey(shard), startOffsetKey(shard),
		statusKey(shard), segmentNoKey(shard), segmentStartKey(shard),
	)
	return idx.store.BatchDelete(ctx, keys)
}

// CommitGroupOffset records the offset a consumer group has processed
// up to in shard, replacing any earlier commit for the same pair.
func (idx *Index) CommitGroupOffset(ctx context.Context, group, shard string, offset uint64) error {
	return idx.store.Set(ctx, groupKey(group, shard), kv.EncodeU64(offset))
}

// GroupOffsets returns every shard offset committed under group.
func (idx *Index) GroupOffsets(ctx context.Context, group string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	prefix := kv.Key{"sm", "g", group}
	for entry, err := range idx.store.List(ctx, prefix) {
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

// OffsetAtOrAfter returns the lowest offset in shard whose record
// timestamp is >= ts: a single seek into the timestamp index, whose
// zero-padded segments sort in numeric order. The second return value
// is false when every record in the shard is older than ts.
func (idx *Index) OffsetAtOrAfter(ctx context.Context, shard string, ts int64) (uint64, bool, error) {
	prefix := kv.Key{"sm", "i", "ts", shard}
	for entry, err := range idx.store.ListFrom(ctx, prefix, kv.U64(uint64(ts))) {
		if err != nil {
			return 0, false, err
		}
		if len(entry.Key) < len(prefix)+2 {
			continue
		}
		off, err := kv.ParseU64(entry.Key[len(prefix)+1])
		if err != nil {
			continue
		}
		return off, true, nil
	}
	return 0, false, nil
}
