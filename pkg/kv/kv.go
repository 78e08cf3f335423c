// Package kv defines the key-value store abstraction this module's
// control and data planes share: catalog records, session binds, delay
// entries, and segment indices all live behind the same Store
// interface, backed by BadgerDB (Badger) in a real process and an
// in-memory map (Memory) in tests.
//
// Keys are hierarchical paths (a Key is a []string of segments) joined
// by a configurable separator. The package additionally fixes the
// encoding of numeric segments: offsets, timestamps, and log indices
// are stored as 20-digit zero-padded decimal via U64, so the encoded
// key order equals numeric order and a range scan over an index prefix
// walks records in offset/time order. ListFrom exploits exactly that,
// seeking to the first numeric segment at or above a bound instead of
// scanning a whole prefix.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// ErrNotFound is returned by Get when the requested key has no value.
var ErrNotFound = errors.New("kv: not found")

// u64Width is the digit count of a zero-padded numeric segment; 20
// digits covers the full uint64 range.
const u64Width = 20

// U64 renders v as a fixed-width decimal segment whose lexicographic
// order equals numeric order, the shape every offset, timestamp, and
// log-index key in this module uses.
func U64(v uint64) string {
	return fmt.Sprintf("%0*d", u64Width, v)
}

// ParseU64 reverses U64. It accepts any decimal segment, padded or
// not, so hand-written keys in tests parse the same as stored ones.
func ParseU64(seg string) (uint64, error) {
	return strconv.ParseUint(seg, 10, 64)
}

// EncodeU64 renders v as the 8-byte big-endian value this module
// stores under offset-valued keys.
func EncodeU64(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// DecodeU64 reverses EncodeU64, rejecting values that are not exactly
// 8 bytes rather than silently misreading them.
func DecodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kv: u64 value is %d bytes, want 8", len(b))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// Key is a path made of ordered segments, e.g. Key{"sm", "r", shard,
// U64(offset)}. Segments must not contain the configured separator.
type Key []string

// String renders k for logging, joined with ':'. Storage encoding goes
// through Options.encode instead, since that honors a configured
// separator other than ':'.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry pairs a decoded Key with its value, as returned by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the contract every backing engine in this package implements.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set writes value at key, replacing anything already there.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List yields every entry whose key starts with prefix, in
	// lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// ListFrom yields the entries under prefix whose next segment is
	// >= from, in the same order as List. With from built by U64 this
	// seeks straight to a numeric bound: the first offset of a replay,
	// the first timestamp at or after a query point.
	ListFrom(ctx context.Context, prefix Key, from string) iter.Seq2[Entry, error]

	// BatchSet writes every entry as a single atomic operation.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes every key as a single atomic operation.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases the store's underlying resources.
	Close() error
}

// DefaultSeparator joins Key segments when Options doesn't override it.
const DefaultSeparator byte = ':'

// Options tunes how a Key is encoded to the bytes a store actually
// persists. The zero value (or a nil *Options) behaves like
// Options{Separator: DefaultSeparator}.
type Options struct {
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode joins k's segments with the configured separator.
func (o *Options) encode(k Key) []byte {
	return []byte(strings.Join(k, string(o.sep())))
}

// decode splits an encoded key back into segments.
func (o *Options) decode(b []byte) Key {
	return Key(strings.Split(string(b), string(o.sep())))
}

// scanBounds computes the encoded iteration bounds for a prefix scan
// optionally seeking to a first segment: match is the byte prefix every
// yielded key must carry (prefix plus trailing separator, or nil for a
// full scan), and seek is where iteration starts (match extended by
// from, when given). Shared by both store implementations so their
// List/ListFrom semantics cannot drift apart.
func scanBounds(o *Options, prefix Key, from string) (match, seek []byte) {
	encoded := o.encode(prefix)
	if len(encoded) > 0 {
		match = append(encoded, o.sep())
	}
	seek = match
	if from != "" {
		seek = append(append([]byte{}, match...), from...)
	}
	return match, seek
}
