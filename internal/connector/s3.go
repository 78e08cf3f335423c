package connector

import "github.com/robustmq/robustmq-sub007/pkg/storage"

// NewS3Sink builds a connector sink writing newline-delimited-JSON
// batches to S3 via pkg/storage's S3Store — a bonus sink beyond the
// local-file/Kafka/Elasticsearch set, exercising the module's AWS SDK
// dependency through the same FileStore abstraction LocalFileSink uses.
func NewS3Sink(store *storage.S3Store, prefix string) *LocalFileSink {
	return NewLocalFileSink(store, prefix)
}
