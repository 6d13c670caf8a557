package persistence

import (
	"context"

	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/connectors"
	"github.com/meshrelay/meshrelay/internal/domain"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

// NodeWriter persists node names.
type NodeWriter interface {
	SaveNode(ctx context.Context, n domain.Node) error
}

// WriteQueue serializes persistence writes from async bus events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// StartNodeProjection saves every node update published on the bus. The
// returned channel closes when the subscription ends.
func StartNodeProjection(ctx context.Context, b bus.MessageBus, queue WriteQueue, repo NodeWriter) <-chan struct{} {
	return bus.Consume(ctx, b, connectors.NodeInfo, func(update domain.NodeUpdate) {
		n := update.Node
		if domain.NormalizeNodeID(n.NodeID) == "" || (n.LongName == "" && n.ShortName == "") {
			return
		}
		queue.Enqueue("save_node_names", func(writeCtx context.Context) error {
			if err := repo.SaveNode(writeCtx, n); err != nil {
				return err
			}
			metrics.NameCacheWrites.Inc()

			return nil
		})
	})
}
