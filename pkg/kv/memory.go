package kv

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
)

// Memory is a Store backed by a map plus a sorted key index that is
// maintained on every write rather than rebuilt per scan, so List and
// ListFrom position with a binary search the way Badger's iterator
// seeks. It never touches disk; tests construct one per case without
// cleanup.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sorted []string // encoded keys, ascending, kept in step with data
	opts   *Options
}

// NewMemory builds an empty Memory store. opts may be nil for the
// default separator.
func NewMemory(opts *Options) *Memory {
	return &Memory{
		data: make(map[string][]byte),
		opts: opts,
	}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	encoded := string(m.opts.encode(key))
	m.mu.RLock()
	v, ok := m.data[encoded]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	m.mu.Lock()
	m.setLocked(key, value)
	m.mu.Unlock()
	return nil
}

// setLocked stores a copy of value and splices the key into the sorted
// index if it wasn't already present.
func (m *Memory) setLocked(key Key, value []byte) {
	encoded := string(m.opts.encode(key))
	stored := make([]byte, len(value))
	copy(stored, value)
	if _, exists := m.data[encoded]; !exists {
		at := sort.SearchStrings(m.sorted, encoded)
		m.sorted = append(m.sorted, "")
		copy(m.sorted[at+1:], m.sorted[at:])
		m.sorted[at] = encoded
	}
	m.data[encoded] = stored
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	m.deleteLocked(key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) deleteLocked(key Key) {
	encoded := string(m.opts.encode(key))
	if _, exists := m.data[encoded]; !exists {
		return
	}
	delete(m.data, encoded)
	at := sort.SearchStrings(m.sorted, encoded)
	m.sorted = append(m.sorted[:at], m.sorted[at+1:]...)
}

func (m *Memory) List(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	return m.ListFrom(ctx, prefix, "")
}

func (m *Memory) ListFrom(_ context.Context, prefix Key, from string) iter.Seq2[Entry, error] {
	match, seek := scanBounds(m.opts, prefix, from)

	// Snapshot the matching range under the read lock: binary-search
	// the start position, then walk forward while keys still carry the
	// prefix.
	m.mu.RLock()
	start := sort.SearchStrings(m.sorted, string(seek))
	var matches []Entry
	for _, encoded := range m.sorted[start:] {
		if len(match) > 0 && !strings.HasPrefix(encoded, string(match)) {
			break
		}
		v := m.data[encoded]
		cp := make([]byte, len(v))
		copy(cp, v)
		matches = append(matches, Entry{Key: m.opts.decode([]byte(encoded)), Value: cp})
	}
	m.mu.RUnlock()

	return func(yield func(Entry, error) bool) {
		for _, entry := range matches {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchSet(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.setLocked(e.Key, e.Value)
	}
	return nil
}

func (m *Memory) BatchDelete(_ context.Context, keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.deleteLocked(key)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
