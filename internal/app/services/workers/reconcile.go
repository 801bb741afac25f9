package workers

import (
	"context"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/lock"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	apperrors "github.com/R3E-Network/dws/internal/errors"
)

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Checked    int      `json:"checked"`
	Redeployed []string `json:"redeployed,omitempty"`
	Unplaced   []string `json:"unplaced,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
}

type outcome struct {
	redeployed bool
	unplaced   bool
}

// Reconcile makes each worker endpoint follow its node's health and moves
// workers off evicted nodes.
func (d *Deployer) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	list, err := d.store.ListWorkers(ctx)
	if err != nil {
		return result, err
	}
	for _, svc := range list {
		result.Checked++
		out, err := d.reconcileOne(ctx, svc.ID)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrOperationInProgress) && !apperrors.Is(err, apperrors.ErrNotFound) {
				d.log.WithError(err).WithField("worker_id", svc.ID).Warn("reconcile worker")
			}
			result.Skipped = append(result.Skipped, svc.ID)
			continue
		}
		if out.redeployed {
			result.Redeployed = append(result.Redeployed, svc.ID)
		}
		if out.unplaced {
			result.Unplaced = append(result.Unplaced, svc.ID)
		}
	}
	return result, nil
}

// OnNodeEvent reconciles the workers placed on the affected node.
func (d *Deployer) OnNodeEvent(ctx context.Context, evt nodes.Event) {
	list, err := d.store.ListWorkers(ctx)
	if err != nil {
		d.log.WithError(err).Warn("list workers for node event")
		return
	}
	for _, svc := range list {
		if svc.NodeID != evt.Node.ID {
			continue
		}
		if _, err := d.reconcileOne(ctx, svc.ID); err != nil {
			d.log.WithError(err).
				WithField("worker_id", svc.ID).
				WithField("node_id", evt.Node.ID).
				WithField("event", string(evt.Kind)).
				Warn("reconcile worker after node event")
		}
	}
}

func (d *Deployer) reconcileOne(ctx context.Context, id string) (outcome, error) {
	var out outcome
	ctx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	svc, release, err := d.lockWorker(ctx, id)
	if err != nil {
		return out, err
	}
	defer release()

	n, err := d.nodes.Get(ctx, svc.NodeID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		moved, err := d.redeploy(ctx, svc)
		if err != nil {
			return out, err
		}
		out.redeployed = moved
		out.unplaced = !moved
		return out, nil
	case err != nil:
		return out, err
	}
	return out, d.syncHealth(ctx, svc, n.Healthy())
}

// syncHealth rewrites the worker endpoint when its health differs from healthy.
func (d *Deployer) syncHealth(ctx context.Context, svc worker.Service, healthy bool) error {
	rec, err := d.dns.Get(svc.FQDN)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if err == nil && len(rec.Endpoints) == 1 {
		ep := rec.Endpoints[0]
		if ep.Key() == discovery.EndpointKey(svc.Address, svc.Port) && (ep.Healthy == healthy || ep.MarkedDown) {
			return nil
		}
	}
	if apperrors.Is(err, apperrors.ErrNotFound) {
		if _, err := d.dns.Register(ctx, svc.FQDN, discovery.TypeWorker, metadataFor(svc)); err != nil {
			return err
		}
	}
	if _, err := d.dns.SetEndpoints(ctx, svc.FQDN, []discovery.Endpoint{endpointFor(svc, healthy)}); err != nil {
		return err
	}
	d.log.WithField("worker_id", svc.ID).
		WithField("node_id", svc.NodeID).
		WithField("healthy", healthy).
		Info("worker endpoint health updated")
	return nil
}

// redeploy moves a worker whose node was evicted. With no eligible node the
// endpoint stays published as unhealthy and false is returned.
func (d *Deployer) redeploy(ctx context.Context, svc worker.Service) (bool, error) {
	spec, ok := d.catalogue[svc.Type]
	if !ok {
		d.log.WithField("worker_id", svc.ID).WithField("type", string(svc.Type)).Warn("worker type no longer in catalogue")
		return false, d.syncHealth(ctx, svc, false)
	}
	candidates, err := d.eligible(ctx, spec.Capability, svc.Region, svc.NodeID)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		d.log.WithField("worker_id", svc.ID).WithField("node_id", svc.NodeID).Warn("no eligible node to redeploy worker")
		return false, d.syncHealth(ctx, svc, false)
	}
	target := candidates[0]
	before := svc

	if _, err := d.nodes.Allocate(ctx, target.ID, svc.ID, 0); err != nil {
		return false, err
	}
	undo := []func(context.Context) error{
		func(c context.Context) error { return d.nodes.Release(c, target.ID, svc.ID) },
	}

	svc.NodeID = target.ID
	svc.Address = target.Address
	svc.UpdatedAt = d.opts.Now()

	restore := func(cause error) (bool, error) {
		d.unwind(ctx, undo)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lock.RollbackBudget)
		defer cancel()
		if _, err := d.dns.SetEndpoints(rctx, before.FQDN, []discovery.Endpoint{endpointFor(before, false)}); err != nil {
			d.log.WithError(err).WithField("worker_id", before.ID).Error("restore worker endpoint")
		}
		d.restoreMetadata(rctx, before)
		return false, cause
	}

	if err := d.syncHealth(ctx, svc, target.Healthy()); err != nil {
		return restore(err)
	}
	if _, err := d.dns.SetMetadata(ctx, svc.FQDN, metadataFor(svc)); err != nil {
		return restore(err)
	}
	if _, err := d.store.UpdateWorker(ctx, svc); err != nil {
		return restore(err)
	}
	if err := d.nodes.Release(ctx, before.NodeID, svc.ID); err != nil {
		d.log.WithError(err).WithField("node_id", before.NodeID).Warn("release allocation on evicted node")
	}
	d.log.WithField("worker_id", svc.ID).
		WithField("from_node", before.NodeID).
		WithField("to_node", svc.NodeID).
		Warn("worker redeployed off evicted node")
	return true, nil
}
