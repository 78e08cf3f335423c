package connector

import (
	"fmt"

	"github.com/robustmq/robustmq-sub007/pkg/storage"
)

// DefaultSinkFactory builds a SinkFactory that drives the local-file
// sink end to end under root (one connector per subdirectory named
// after its connector id), and fails clearly for sink types this node
// has no connection configuration for. S3/Kafka/Elasticsearch each need
// operator-supplied endpoints, credentials, or topic/index names that
// nothing in internal/config models yet; wiring them requires extending
// the connector's catalog record (or a dedicated config section) with
// that destination config, not a decision this factory can make on its
// own.
func DefaultSinkFactory(root storage.FileStore) SinkFactory {
	return func(a Assignment) (Sink, error) {
		switch a.SinkType {
		case "local_file", "":
			return NewLocalFileSink(root, a.ID), nil
		case "s3":
			return nil, fmt.Errorf("connector: sink type %q requires bucket/region configuration not yet modeled", a.SinkType)
		case "kafka":
			return nil, fmt.Errorf("connector: sink type %q requires broker/topic configuration not yet modeled", a.SinkType)
		case "elasticsearch":
			return nil, fmt.Errorf("connector: sink type %q requires endpoint/index configuration not yet modeled", a.SinkType)
		default:
			return nil, fmt.Errorf("connector: unknown sink type %q", a.SinkType)
		}
	}
}
