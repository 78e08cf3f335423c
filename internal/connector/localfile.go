package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/robustmq/robustmq-sub007/pkg/storage"
)

// LocalFileSink writes each batch as one newline-delimited-JSON object
// per record under a caller-chosen root, via pkg/storage.FileStore
// (local backend).
type LocalFileSink struct {
	store  storage.FileStore
	prefix string
	seq    atomic.Uint64
}

// NewLocalFileSink creates a sink writing under prefix in store.
func NewLocalFileSink(store storage.FileStore, prefix string) *LocalFileSink {
	return &LocalFileSink{store: store, prefix: prefix}
}

func (s *LocalFileSink) SendBatch(ctx context.Context, records []Record) error {
	n := s.seq.Add(1)
	path := fmt.Sprintf("%s/batch-%020d.ndjson", s.prefix, n)

	w, err := s.store.Write(ctx, path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (s *LocalFileSink) Close() error { return nil }
