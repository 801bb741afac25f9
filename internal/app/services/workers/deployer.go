// Package workers deploys stateless workers from a fixed catalogue. Each
// worker is one endpoint on one node published under <name>.worker.<zone>.
package workers

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/lock"
	"github.com/R3E-Network/dws/internal/app/metrics"
	discoverysvc "github.com/R3E-Network/dws/internal/app/services/discovery"
	"github.com/R3E-Network/dws/internal/app/storage"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/google/uuid"
)

const (
	DefaultZone             = "dws.local"
	DefaultOperationTimeout = 30 * time.Second
	defaultLockWait         = 5 * time.Second

	namespaceLabel = "worker"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NodeRegistry is the subset of the node registry the deployer needs.
type NodeRegistry interface {
	Get(ctx context.Context, id string) (node.Node, error)
	ListByCapability(ctx context.Context, capability string, includeUnhealthy bool) ([]node.Node, error)
	Allocate(ctx context.Context, nodeID, serviceID string, storageGB int64) (node.Node, error)
	Release(ctx context.Context, nodeID, serviceID string) error
}

// Resolver is the subset of discovery the deployer publishes into.
type Resolver interface {
	Get(name string) (discovery.Record, error)
	Register(ctx context.Context, name string, typ discovery.RecordType, metadata map[string]string) (discovery.Record, error)
	Deregister(ctx context.Context, name string) error
	SetEndpoints(ctx context.Context, name string, eps []discovery.Endpoint) (discovery.Record, error)
	SetMetadata(ctx context.Context, name string, metadata map[string]string) (discovery.Record, error)
}

// Config describes a worker deployment. Concurrency defaults to 1 and Port
// to the catalogue port of the worker type.
type Config struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Region      string `json:"region,omitempty"`
	Port        int    `json:"port,omitempty"`
}

// Options tunes the deployer.
type Options struct {
	Zone             string
	OperationTimeout time.Duration
	Now              func() time.Time
}

// Deployer manages stateless workers.
type Deployer struct {
	nodes     NodeRegistry
	dns       Resolver
	store     storage.WorkerStore
	locks     lock.Locker
	catalogue map[worker.Type]worker.Spec
	log       *logging.Logger
	opts      Options
}

// New constructs a deployer over catalogue. A nil locker falls back to an
// in-process keyed lock.
func New(nodes NodeRegistry, dns Resolver, store storage.WorkerStore, locks lock.Locker, catalogue []worker.Spec, opts Options, log *logging.Logger) *Deployer {
	if log == nil {
		log = logging.NewDefault("workers")
	}
	if locks == nil {
		locks = lock.NewKeyed(defaultLockWait)
	}
	if strings.TrimSpace(opts.Zone) == "" {
		opts.Zone = DefaultZone
	}
	opts.Zone = discovery.NormalizeName(opts.Zone)
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	specs := make(map[worker.Type]worker.Spec, len(catalogue))
	for _, s := range catalogue {
		s.Type = worker.Type(strings.ToLower(string(s.Type)))
		specs[s.Type] = s
	}
	return &Deployer{nodes: nodes, dns: dns, store: store, locks: locks, catalogue: specs, log: log, opts: opts}
}

func lockKey(name string) string { return "worker/" + name }

// FQDN returns the discovery name for a worker name.
func (d *Deployer) FQDN(name string) string {
	return discovery.FQDN(name, namespaceLabel, d.opts.Zone)
}

// Catalogue lists the deployable worker types sorted by type.
func (d *Deployer) Catalogue() []worker.Spec {
	out := make([]worker.Spec, 0, len(d.catalogue))
	for _, s := range d.catalogue {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Deploy places a worker of type typ on the best eligible node.
func (d *Deployer) Deploy(ctx context.Context, typ worker.Type, cfg Config) (svc worker.Service, err error) {
	start := time.Now()
	defer func() { metrics.RecordProvisioning("worker_deploy", time.Since(start), err) }()

	spec, ok := d.catalogue[worker.Type(strings.ToLower(strings.TrimSpace(string(typ))))]
	if !ok {
		return worker.Service{}, apperrors.Validation("unknown worker type %q", typ)
	}
	if err := normalizeConfig(&cfg, spec); err != nil {
		return worker.Service{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	release, err := d.locks.Acquire(ctx, lockKey(cfg.Name))
	if err != nil {
		return worker.Service{}, err
	}
	defer release()

	if err := d.ensureNameFree(ctx, cfg.Name); err != nil {
		return worker.Service{}, err
	}

	candidates, err := d.eligible(ctx, spec.Capability, cfg.Region, "")
	if err != nil {
		return worker.Service{}, err
	}
	if len(candidates) == 0 {
		return worker.Service{}, apperrors.InsufficientCapacity(spec.Capability, 1, 0)
	}
	target := candidates[0]

	now := d.opts.Now()
	svc = worker.Service{
		ID:          uuid.NewString(),
		Name:        cfg.Name,
		FQDN:        d.FQDN(cfg.Name),
		Type:        spec.Type,
		NodeID:      target.ID,
		Address:     target.Address,
		Port:        cfg.Port,
		Region:      cfg.Region,
		Concurrency: cfg.Concurrency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var undo []func(context.Context) error
	fail := func(cause error) (worker.Service, error) {
		d.unwind(ctx, undo)
		d.log.WithError(cause).WithField("worker", cfg.Name).Warn("worker deploy rolled back")
		return worker.Service{}, cause
	}

	if _, err := d.nodes.Allocate(ctx, target.ID, svc.ID, 0); err != nil {
		return fail(err)
	}
	undo = append(undo, func(c context.Context) error { return d.nodes.Release(c, target.ID, svc.ID) })

	if _, err := d.dns.Register(ctx, svc.FQDN, discovery.TypeWorker, metadataFor(svc)); err != nil {
		return fail(err)
	}
	undo = append(undo, func(c context.Context) error { return d.dns.Deregister(c, svc.FQDN) })

	if _, err := d.dns.SetEndpoints(ctx, svc.FQDN, []discovery.Endpoint{endpointFor(svc, target.Healthy())}); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	created, err := d.store.CreateWorker(ctx, svc)
	if err != nil {
		return fail(err)
	}
	d.log.WithField("worker_id", created.ID).
		WithField("worker", created.Name).
		WithField("type", string(created.Type)).
		WithField("node_id", created.NodeID).
		Info("worker deployed")
	return created, nil
}

// Scale changes the declared concurrency. Placement is untouched.
func (d *Deployer) Scale(ctx context.Context, id string, concurrency int) (svc worker.Service, err error) {
	start := time.Now()
	defer func() { metrics.RecordProvisioning("worker_scale", time.Since(start), err) }()

	if concurrency < 1 {
		return worker.Service{}, apperrors.Validation("concurrency must be at least 1; terminate the worker to remove it")
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	svc, release, err := d.lockWorker(ctx, id)
	if err != nil {
		return worker.Service{}, err
	}
	defer release()

	if svc.Concurrency == concurrency {
		return svc, nil
	}
	before := svc
	svc.Concurrency = concurrency
	svc.UpdatedAt = d.opts.Now()

	if _, err := d.dns.SetMetadata(ctx, svc.FQDN, metadataFor(svc)); err != nil {
		return worker.Service{}, err
	}
	updated, err := d.store.UpdateWorker(ctx, svc)
	if err != nil {
		d.restoreMetadata(ctx, before)
		return worker.Service{}, err
	}
	d.log.WithField("worker_id", svc.ID).
		WithField("from", before.Concurrency).
		WithField("to", concurrency).
		Info("worker scaled")
	return updated, nil
}

// Terminate deregisters the worker's record, frees its allocation and deletes it.
func (d *Deployer) Terminate(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordProvisioning("worker_terminate", time.Since(start), err) }()

	ctx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	svc, release, err := d.lockWorker(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if err := d.dns.Deregister(ctx, svc.FQDN); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if err := d.nodes.Release(ctx, svc.NodeID, svc.ID); err != nil {
		d.log.WithError(err).WithField("node_id", svc.NodeID).Warn("release allocation on terminate")
	}
	if err := d.store.DeleteWorker(ctx, svc.ID); err != nil {
		return err
	}
	d.log.WithField("worker_id", svc.ID).WithField("worker", svc.Name).Info("worker terminated")
	return nil
}

// Get returns a worker.
func (d *Deployer) Get(ctx context.Context, id string) (worker.Service, error) {
	return d.store.GetWorker(ctx, id)
}

// List returns every worker.
func (d *Deployer) List(ctx context.Context) ([]worker.Service, error) {
	return d.store.ListWorkers(ctx)
}

func (d *Deployer) lockWorker(ctx context.Context, id string) (worker.Service, lock.Release, error) {
	svc, err := d.store.GetWorker(ctx, id)
	if err != nil {
		return worker.Service{}, nil, err
	}
	release, err := d.locks.Acquire(ctx, lockKey(svc.Name))
	if err != nil {
		return worker.Service{}, nil, err
	}
	svc, err = d.store.GetWorker(ctx, id)
	if err != nil {
		release()
		return worker.Service{}, nil, err
	}
	return svc, release, nil
}

// eligible returns healthy nodes with capability ranked by available
// capacity, nodes in region first when region is set.
func (d *Deployer) eligible(ctx context.Context, capability, region, exclude string) ([]node.Node, error) {
	nodes, err := d.nodes.ListByCapability(ctx, capability, false)
	if err != nil {
		return nil, err
	}
	out := make([]node.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != exclude {
			out = append(out, n)
		}
	}
	node.Rank(out)
	if region != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Region == region && out[j].Region != region
		})
	}
	return out, nil
}

func (d *Deployer) ensureNameFree(ctx context.Context, name string) error {
	existing, err := d.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, svc := range existing {
		if svc.Name == name {
			return apperrors.Validation("worker %q already exists", name)
		}
	}
	if _, err := d.dns.Get(d.FQDN(name)); err == nil {
		return apperrors.Validation("name %s is already registered", d.FQDN(name))
	}
	return nil
}

func (d *Deployer) restoreMetadata(ctx context.Context, before worker.Service) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lock.RollbackBudget)
	defer cancel()
	if _, err := d.dns.SetMetadata(ctx, before.FQDN, metadataFor(before)); err != nil {
		d.log.WithError(err).WithField("worker_id", before.ID).Error("restore worker metadata")
	}
}

// unwind runs undo steps in reverse on a context detached from the caller's
// cancellation.
func (d *Deployer) unwind(ctx context.Context, steps []func(context.Context) error) {
	if len(steps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lock.RollbackBudget)
	defer cancel()
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i](ctx); err != nil {
			d.log.WithError(err).Warn("rollback step failed")
		}
	}
}

func normalizeConfig(cfg *Config, spec worker.Spec) error {
	cfg.Name = strings.ToLower(strings.TrimSpace(cfg.Name))
	cfg.Region = strings.TrimSpace(cfg.Region)
	if !labelPattern.MatchString(cfg.Name) {
		return apperrors.InvalidFormat("name", "lower-case DNS label")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency < 1 {
		return apperrors.Validation("concurrency must be at least 1")
	}
	if cfg.Port == 0 {
		cfg.Port = spec.Port
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return apperrors.Validation("port %d out of range", cfg.Port)
	}
	return nil
}

func endpointFor(svc worker.Service, healthy bool) discovery.Endpoint {
	return discovery.Endpoint{
		Address: svc.Address,
		Port:    svc.Port,
		Healthy: healthy,
		Weight:  1,
		NodeID:  svc.NodeID,
	}
}

func metadataFor(svc worker.Service) map[string]string {
	return map[string]string{
		discoverysvc.MetaServiceID:  svc.ID,
		discoverysvc.MetaWorkerType: string(svc.Type),
		discoverysvc.MetaConcurrent: strconv.Itoa(svc.Concurrency),
		"node_id":                   svc.NodeID,
	}
}
