package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/robustmq/robustmq-sub007/internal/metaservice"
	"github.com/robustmq/robustmq-sub007/internal/rpc"
)

// RPCAssignmentSource is the real AssignmentSource: it lists every
// connector instance from meta-service's catalog via MethodListConnectors
// and filters down to the ones assigned to this node, dialing fresh per
// call the same way broker.MetaClient proposes commands.
type RPCAssignmentSource struct {
	metaAddr string
}

// NewRPCAssignmentSource creates an AssignmentSource backed by the
// meta-service listening at metaAddr.
func NewRPCAssignmentSource(metaAddr string) *RPCAssignmentSource {
	return &RPCAssignmentSource{metaAddr: metaAddr}
}

func (s *RPCAssignmentSource) Assignments(ctx context.Context, nodeID string) ([]Assignment, error) {
	conn, err := net.DialTimeout("tcp", s.metaAddr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := rpc.NewClient(conn).Call(rpc.Envelope{Method: metaservice.MethodListConnectors})
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("metaservice: %s", resp.Err)
	}

	var connectors []metaservice.Connector
	if err := rpc.Decode(resp.Payload, &connectors); err != nil {
		return nil, err
	}

	out := make([]Assignment, 0, len(connectors))
	for _, c := range connectors {
		// Only a Running connector has been through the scheduler's
		// promote phase; an Idle one is placed here but must not
		// dispatch yet.
		if c.AssignedNode != nodeID || c.Status != metaservice.ConnectorRunning {
			continue
		}
		out = append(out, Assignment{ID: c.ID, SourceShard: c.SourceShard, SinkType: c.SinkType})
	}
	return out, nil
}
