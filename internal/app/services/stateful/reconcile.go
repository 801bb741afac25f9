package stateful

import (
	"context"
	"reflect"

	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/stateful"
	"github.com/R3E-Network/dws/internal/app/metrics"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	apperrors "github.com/R3E-Network/dws/internal/errors"
)

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Checked    int      `json:"checked"`
	Failovers  []string `json:"failovers,omitempty"`
	Healed     []string `json:"healed,omitempty"`
	Leaderless []string `json:"leaderless,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
}

type outcome struct {
	promoted   bool
	healed     int
	leaderless bool
}

// Reconcile brings every service in line with node health: members follow
// their node's state, a failed leader is replaced by a healthy replica, and
// replicas orphaned by evicted nodes are re-placed when capacity allows.
func (p *Provisioner) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	services, err := p.store.ListStatefulServices(ctx)
	if err != nil {
		return result, err
	}
	for _, svc := range services {
		result.Checked++
		out, err := p.reconcileOne(ctx, svc.ID)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrOperationInProgress) && !apperrors.Is(err, apperrors.ErrNotFound) {
				p.log.WithError(err).WithField("service_id", svc.ID).Warn("reconcile stateful service")
			}
			result.Skipped = append(result.Skipped, svc.ID)
			continue
		}
		if out.promoted {
			result.Failovers = append(result.Failovers, svc.ID)
		}
		if out.healed > 0 {
			result.Healed = append(result.Healed, svc.ID)
		}
		if out.leaderless {
			result.Leaderless = append(result.Leaderless, svc.ID)
		}
	}
	return result, nil
}

// OnNodeEvent reconciles every service with a member on the affected node.
// It is registered as a node registry listener.
func (p *Provisioner) OnNodeEvent(ctx context.Context, evt nodes.Event) {
	services, err := p.store.ListStatefulServices(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list stateful services for node event")
		return
	}
	for _, svc := range services {
		if _, ok := svc.Member(evt.Node.ID); !ok {
			continue
		}
		if _, err := p.reconcileOne(ctx, svc.ID); err != nil {
			p.log.WithError(err).
				WithField("service_id", svc.ID).
				WithField("node_id", evt.Node.ID).
				WithField("event", string(evt.Kind)).
				Warn("reconcile after node event")
		}
	}
}

func (p *Provisioner) reconcileOne(ctx context.Context, id string) (outcome, error) {
	var out outcome
	ctx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	svc, release, err := p.lockService(ctx, id)
	if err != nil {
		return out, err
	}
	defer release()

	before := svc.Clone()
	prevLeader, _ := before.Leader()

	known, _, err := p.refresh(ctx, &svc)
	if err != nil {
		return out, err
	}
	failover(&svc, known)

	var undo rollback
	healed, removed, err := p.selfHeal(ctx, &svc, known, &undo)
	if err != nil {
		undo.run(ctx, p.log)
		return out, err
	}
	failover(&svc, known)

	leader, hasLeader := svc.Leader()
	out.healed = healed
	out.promoted = hasLeader && leader.NodeID != prevLeader.NodeID
	out.leaderless = !hasLeader || !memberHealthy(leader)

	if reflect.DeepEqual(before.Members, svc.Members) && before.Replicas == svc.Replicas {
		return out, nil
	}
	if _, err := p.commit(ctx, before, svc, &undo); err != nil {
		return outcome{}, err
	}
	for _, r := range removed {
		if err := p.nodes.Release(ctx, r.NodeID, svc.ID); err != nil {
			p.log.WithError(err).WithField("node_id", r.NodeID).Warn("release orphaned allocation")
		}
	}

	entry := p.log.WithField("service_id", svc.ID).WithField("service", svc.Name)
	if out.promoted {
		metrics.RecordFailover(true)
		entry.WithField("old_leader", prevLeader.NodeID).
			WithField("new_leader", leader.NodeID).
			Warn("stateful leader failed over")
	}
	if out.leaderless {
		metrics.RecordFailover(false)
		entry.Warn("stateful service has no healthy leader")
	}
	if healed > 0 {
		entry.WithField("replaced", healed).Info("orphaned replicas re-placed")
	}
	return out, nil
}

// failover demotes an unhealthy or orphaned leader and promotes the best
// healthy replica. With no healthy replica the leader role is left as is and
// the leader record resolves to nothing until a member recovers.
func failover(svc *stateful.Service, known map[string]node.Node) {
	leaderIdx := -1
	for i, m := range svc.Members {
		if m.Role != stateful.RoleLeader {
			continue
		}
		if leaderIdx >= 0 {
			svc.Members[i].Role = stateful.RoleReplica
			continue
		}
		leaderIdx = i
	}
	if leaderIdx >= 0 && memberHealthy(svc.Members[leaderIdx]) {
		return
	}

	var candidates []node.Node
	for i, m := range svc.Members {
		if i == leaderIdx || !memberHealthy(m) {
			continue
		}
		if n, ok := known[m.NodeID]; ok {
			candidates = append(candidates, n)
		}
	}
	successor, ok := pickSuccessor(candidates)
	if !ok {
		return
	}
	if leaderIdx >= 0 {
		svc.Members[leaderIdx].Role = stateful.RoleReplica
	}
	for i := range svc.Members {
		if svc.Members[i].NodeID == successor.ID {
			svc.Members[i].Role = stateful.RoleLeader
			return
		}
	}
}

// selfHeal replaces orphaned members with fresh placements while capacity
// lasts. Replacements join as replicas at the end of the placement order.
func (p *Provisioner) selfHeal(ctx context.Context, svc *stateful.Service, known map[string]node.Node, undo *rollback) (int, []stateful.Replica, error) {
	var orphans []int
	exclude := make(map[string]bool, len(svc.Members))
	for i, m := range svc.Members {
		exclude[m.NodeID] = true
		if m.Orphaned {
			orphans = append(orphans, i)
		}
	}
	if len(orphans) == 0 {
		return 0, nil, nil
	}

	candidates, err := eligible(ctx, p.nodes, svc.Capability, svc.Volume.SizeGB, exclude)
	if err != nil {
		return 0, nil, err
	}

	now := p.opts.Now()
	drop := make(map[int]bool)
	var (
		added   []stateful.Replica
		removed []stateful.Replica
	)
	for _, idx := range orphans {
		placed := false
		for len(candidates) > 0 && !placed {
			n := candidates[0]
			candidates = candidates[1:]
			if _, err := p.nodes.Allocate(ctx, n.ID, svc.ID, svc.Volume.SizeGB); err != nil {
				if apperrors.Is(err, apperrors.ErrInsufficientCapacity) || apperrors.Is(err, apperrors.ErrNotFound) {
					continue
				}
				return 0, nil, err
			}
			nodeID, serviceID := n.ID, svc.ID
			undo.push(func(c context.Context) error { return p.nodes.Release(c, nodeID, serviceID) })
			known[n.ID] = n
			added = append(added, newReplica(*svc, n, stateful.RoleReplica, now))
			placed = true
		}
		if !placed {
			break
		}
		drop[idx] = true
		removed = append(removed, svc.Members[idx])
	}
	if len(drop) == 0 {
		return 0, nil, nil
	}

	kept := make([]stateful.Replica, 0, len(svc.Members))
	for i, m := range svc.Members {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	svc.Members = append(kept, added...)
	return len(drop), removed, nil
}

// scaleDown trims members to want and returns the removed ones. Unhealthy or
// orphaned replicas go first, then healthy replicas, each group newest
// placement first. The leader is never removed; want is at least one.
func scaleDown(svc *stateful.Service, want int) []stateful.Replica {
	excess := len(svc.Members) - want
	if excess <= 0 {
		return nil
	}

	var order []int
	for pass := 0; pass < 2; pass++ {
		for i := len(svc.Members) - 1; i >= 0; i-- {
			m := svc.Members[i]
			if m.Role == stateful.RoleLeader {
				continue
			}
			if memberHealthy(m) == (pass == 1) {
				order = append(order, i)
			}
		}
	}
	if excess > len(order) {
		excess = len(order)
	}

	drop := make(map[int]bool, excess)
	for _, idx := range order[:excess] {
		drop[idx] = true
	}
	var removed []stateful.Replica
	kept := make([]stateful.Replica, 0, want)
	for i, m := range svc.Members {
		if drop[i] {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	svc.Members = kept
	return removed
}
