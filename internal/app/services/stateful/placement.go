package stateful

import (
	"context"
	"regexp"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
)

// NodeRegistry is the subset of the node registry the provisioner needs.
type NodeRegistry interface {
	Get(ctx context.Context, id string) (node.Node, error)
	ListByCapability(ctx context.Context, capability string, includeUnhealthy bool) ([]node.Node, error)
	Allocate(ctx context.Context, nodeID, serviceID string, storageGB int64) (node.Node, error)
	Release(ctx context.Context, nodeID, serviceID string) error
}

// Resolver is the subset of discovery the provisioner publishes into.
type Resolver interface {
	Get(name string) (discovery.Record, error)
	Register(ctx context.Context, name string, typ discovery.RecordType, metadata map[string]string) (discovery.Record, error)
	Deregister(ctx context.Context, name string) error
	SetEndpoints(ctx context.Context, name string, eps []discovery.Endpoint) (discovery.Record, error)
	SetMetadata(ctx context.Context, name string, metadata map[string]string) (discovery.Record, error)
}

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// eligible returns healthy nodes with capability and at least storageGB free,
// skipping nodes in exclude, ranked by available capacity.
func eligible(ctx context.Context, reg NodeRegistry, capability string, storageGB int64, exclude map[string]bool) ([]node.Node, error) {
	nodes, err := reg.ListByCapability(ctx, capability, false)
	if err != nil {
		return nil, err
	}
	out := make([]node.Node, 0, len(nodes))
	for _, n := range nodes {
		if exclude[n.ID] {
			continue
		}
		if n.Available().StorageGB < storageGB {
			continue
		}
		out = append(out, n)
	}
	node.Rank(out)
	return out, nil
}

// pickSuccessor chooses the replica to promote: lowest reported latency when
// any candidate reports one, otherwise lowest node ID.
func pickSuccessor(candidates []node.Node) (node.Node, bool) {
	if len(candidates) == 0 {
		return node.Node{}, false
	}
	var best node.Node
	found := false
	for _, n := range candidates {
		if n.Metrics == nil || n.Metrics.LatencyMs <= 0 {
			continue
		}
		if !found || n.Metrics.LatencyMs < best.Metrics.LatencyMs ||
			(n.Metrics.LatencyMs == best.Metrics.LatencyMs && n.ID < best.ID) {
			best = n
			found = true
		}
	}
	if found {
		return best, true
	}
	best = candidates[0]
	for _, n := range candidates[1:] {
		if n.ID < best.ID {
			best = n
		}
	}
	return best, true
}
