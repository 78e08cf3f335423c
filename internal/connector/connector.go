// Package connector implements the dispatch sinks a connector instance
// writes batches of storage records to: local file, S3, Kafka, and
// Elasticsearch. Each sink is a thin adapter over the third-party client
// that concern naturally uses, exposing one SendBatch capability rather
// than a broad interface, so adding a sink never forces the others to
// grow unused methods.
package connector

import (
	"context"
)

// Record is the connector-facing view of one dispatched message.
type Record struct {
	Offset    uint64
	Topic     string
	Key       string
	Payload   []byte
	Timestamp int64
}

// Sink is implemented by every connector destination.
type Sink interface {
	SendBatch(ctx context.Context, records []Record) error
	Close() error
}
