// Package stateful places replicated services (databases, caches, queues)
// onto registry nodes, assigns the leader and replica roles and keeps the
// discovery records in step with membership and health.
package stateful

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/stateful"
	"github.com/R3E-Network/dws/internal/app/lock"
	"github.com/R3E-Network/dws/internal/app/metrics"
	"github.com/R3E-Network/dws/internal/app/storage"
	discoverysvc "github.com/R3E-Network/dws/internal/app/services/discovery"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/google/uuid"
)

const (
	DefaultZone             = "dws.local"
	DefaultOperationTimeout = 30 * time.Second
	DefaultLockWait         = 5 * time.Second

	namespaceLabel = "stateful"
)

// Config describes a stateful deployment.
type Config struct {
	Name       string             `json:"name"`
	Capability string             `json:"capability"`
	Replicas   int                `json:"replicas"`
	Consensus  stateful.Consensus `json:"consensus"`
	Volume     stateful.Volume    `json:"volume"`
	Port       int                `json:"port"`
}

// Options tunes the provisioner.
type Options struct {
	Zone             string
	OperationTimeout time.Duration
	Now              func() time.Time
}

// Provisioner manages stateful services.
type Provisioner struct {
	nodes NodeRegistry
	dns   Resolver
	store storage.StatefulStore
	locks lock.Locker
	log   *logging.Logger
	opts  Options
}

// New constructs a provisioner. A nil locker falls back to an in-process keyed lock.
func New(nodes NodeRegistry, dns Resolver, store storage.StatefulStore, locks lock.Locker, opts Options, log *logging.Logger) *Provisioner {
	if log == nil {
		log = logging.NewDefault("stateful")
	}
	if locks == nil {
		locks = lock.NewKeyed(DefaultLockWait)
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
	return &Provisioner{nodes: nodes, dns: dns, store: store, locks: locks, log: log, opts: opts}
}

func lockKey(name string) string { return "stateful/" + name }

// FQDN returns the discovery name for a service name.
func (p *Provisioner) FQDN(name string) string {
	return discovery.FQDN(name, namespaceLabel, p.opts.Zone)
}

// Deploy places cfg.Replicas replicas on the best eligible nodes. Either the
// whole service becomes visible or nothing does.
func (p *Provisioner) Deploy(ctx context.Context, cfg Config) (svc stateful.Service, err error) {
	start := time.Now()
	defer func() { metrics.RecordProvisioning("stateful_deploy", time.Since(start), err) }()

	if err := normalizeConfig(&cfg); err != nil {
		return stateful.Service{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	release, err := p.locks.Acquire(ctx, lockKey(cfg.Name))
	if err != nil {
		return stateful.Service{}, err
	}
	defer release()

	if err := p.ensureNameFree(ctx, cfg.Name); err != nil {
		return stateful.Service{}, err
	}

	candidates, err := eligible(ctx, p.nodes, cfg.Capability, cfg.Volume.SizeGB, nil)
	if err != nil {
		return stateful.Service{}, err
	}
	if len(candidates) < cfg.Replicas {
		return stateful.Service{}, apperrors.InsufficientCapacity(cfg.Capability, cfg.Replicas, len(candidates))
	}

	now := p.opts.Now()
	fqdn := p.FQDN(cfg.Name)
	svc = stateful.Service{
		ID:         uuid.NewString(),
		Name:       cfg.Name,
		FQDN:       fqdn,
		LeaderFQDN: "leader." + fqdn,
		Capability: cfg.Capability,
		Replicas:   cfg.Replicas,
		Consensus:  cfg.Consensus,
		Volume:     cfg.Volume,
		Port:       cfg.Port,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var undo rollback
	fail := func(cause error) (stateful.Service, error) {
		undo.run(ctx, p.log)
		p.log.WithError(cause).WithField("service", cfg.Name).Warn("stateful deploy rolled back")
		return stateful.Service{}, cause
	}

	for i, n := range candidates[:cfg.Replicas] {
		if _, err := p.nodes.Allocate(ctx, n.ID, svc.ID, cfg.Volume.SizeGB); err != nil {
			return fail(err)
		}
		nodeID, serviceID := n.ID, svc.ID
		undo.push(func(c context.Context) error { return p.nodes.Release(c, nodeID, serviceID) })

		role := stateful.RoleReplica
		if i == 0 {
			role = stateful.RoleLeader
		}
		svc.Members = append(svc.Members, newReplica(svc, n, role, now))
	}

	if _, err := p.dns.Register(ctx, svc.FQDN, discovery.TypeStateful, metadataFor(svc)); err != nil {
		return fail(err)
	}
	undo.push(func(c context.Context) error { return p.dns.Deregister(c, svc.FQDN) })
	if _, err := p.dns.Register(ctx, svc.LeaderFQDN, discovery.TypeStatefulLeader, nil); err != nil {
		return fail(err)
	}
	undo.push(func(c context.Context) error { return p.dns.Deregister(c, svc.LeaderFQDN) })

	if err := p.publish(ctx, svc); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	created, err := p.store.CreateStatefulService(ctx, svc)
	if err != nil {
		return fail(err)
	}

	leader, _ := created.Leader()
	p.log.WithField("service_id", created.ID).
		WithField("service", created.Name).
		WithField("replicas", created.Replicas).
		WithField("leader_node", leader.NodeID).
		Info("stateful service deployed")
	return created, nil
}

// Scale changes the replica count. Scaling to zero is rejected; use Terminate.
func (p *Provisioner) Scale(ctx context.Context, id string, replicas int) (svc stateful.Service, err error) {
	start := time.Now()
	defer func() { metrics.RecordProvisioning("stateful_scale", time.Since(start), err) }()

	if replicas < 1 {
		return stateful.Service{}, apperrors.Validation("replicas must be at least 1; terminate the service to remove it")
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	svc, release, err := p.lockService(ctx, id)
	if err != nil {
		return stateful.Service{}, err
	}
	defer release()

	before := svc.Clone()
	known, _, err := p.refresh(ctx, &svc)
	if err != nil {
		return stateful.Service{}, err
	}

	var (
		undo    rollback
		removed []stateful.Replica
	)
	// A failed leader is demoted before trimming so it leaves as a replica.
	failover(&svc, known)
	switch {
	case replicas > len(svc.Members):
		if err := p.scaleUp(ctx, &svc, replicas, known, &undo); err != nil {
			undo.run(ctx, p.log)
			return stateful.Service{}, err
		}
		failover(&svc, known)
	case replicas < len(svc.Members):
		removed = scaleDown(&svc, replicas)
	}
	svc.Replicas = replicas

	updated, err := p.commit(ctx, before, svc, &undo)
	if err != nil {
		return stateful.Service{}, err
	}
	for _, r := range removed {
		if err := p.nodes.Release(ctx, r.NodeID, svc.ID); err != nil {
			p.log.WithError(err).WithField("node_id", r.NodeID).Warn("release allocation after scale down")
		}
	}

	p.log.WithField("service_id", svc.ID).
		WithField("from", len(before.Members)).
		WithField("to", replicas).
		Info("stateful service scaled")
	return updated, nil
}

// Terminate deregisters the service's records, frees its allocations and deletes it.
func (p *Provisioner) Terminate(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordProvisioning("stateful_terminate", time.Since(start), err) }()

	ctx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	svc, release, err := p.lockService(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	for _, name := range []string{svc.LeaderFQDN, svc.FQDN} {
		if err := p.dns.Deregister(ctx, name); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}
	for _, m := range svc.Members {
		if err := p.nodes.Release(ctx, m.NodeID, svc.ID); err != nil {
			p.log.WithError(err).WithField("node_id", m.NodeID).Warn("release allocation on terminate")
		}
	}
	if err := p.store.DeleteStatefulService(ctx, svc.ID); err != nil {
		return err
	}
	p.log.WithField("service_id", svc.ID).WithField("service", svc.Name).Info("stateful service terminated")
	return nil
}

// Get returns a service.
func (p *Provisioner) Get(ctx context.Context, id string) (stateful.Service, error) {
	return p.store.GetStatefulService(ctx, id)
}

// List returns every stateful service.
func (p *Provisioner) List(ctx context.Context) ([]stateful.Service, error) {
	return p.store.ListStatefulServices(ctx)
}

// lockService loads the service, takes its lock and reloads it so the caller
// works on the latest committed state.
func (p *Provisioner) lockService(ctx context.Context, id string) (stateful.Service, lock.Release, error) {
	svc, err := p.store.GetStatefulService(ctx, id)
	if err != nil {
		return stateful.Service{}, nil, err
	}
	release, err := p.locks.Acquire(ctx, lockKey(svc.Name))
	if err != nil {
		return stateful.Service{}, nil, err
	}
	svc, err = p.store.GetStatefulService(ctx, id)
	if err != nil {
		release()
		return stateful.Service{}, nil, err
	}
	return svc, release, nil
}

// commit publishes svc and persists it. On failure the allocations in undo
// are released and the previous records are republished.
func (p *Provisioner) commit(ctx context.Context, before, svc stateful.Service, undo *rollback) (stateful.Service, error) {
	svc.UpdatedAt = p.opts.Now()
	if err := p.publish(ctx, svc); err != nil {
		undo.run(ctx, p.log)
		p.restore(ctx, before)
		return stateful.Service{}, err
	}
	if err := ctx.Err(); err != nil {
		undo.run(ctx, p.log)
		p.restore(ctx, before)
		return stateful.Service{}, err
	}
	updated, err := p.store.UpdateStatefulService(ctx, svc)
	if err != nil {
		undo.run(ctx, p.log)
		p.restore(ctx, before)
		return stateful.Service{}, err
	}
	return updated, nil
}

func (p *Provisioner) restore(ctx context.Context, before stateful.Service) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lock.RollbackBudget)
	defer cancel()
	if err := p.publish(ctx, before); err != nil {
		p.log.WithError(err).WithField("service_id", before.ID).Error("restore discovery records")
	}
}

func (p *Provisioner) scaleUp(ctx context.Context, svc *stateful.Service, want int, known map[string]node.Node, undo *rollback) error {
	need := want - len(svc.Members)
	exclude := make(map[string]bool, len(svc.Members))
	for _, m := range svc.Members {
		exclude[m.NodeID] = true
	}
	candidates, err := eligible(ctx, p.nodes, svc.Capability, svc.Volume.SizeGB, exclude)
	if err != nil {
		return err
	}
	if len(candidates) < need {
		return apperrors.InsufficientCapacity(svc.Capability, need, len(candidates))
	}

	now := p.opts.Now()
	for _, n := range candidates[:need] {
		if _, err := p.nodes.Allocate(ctx, n.ID, svc.ID, svc.Volume.SizeGB); err != nil {
			return err
		}
		nodeID, serviceID := n.ID, svc.ID
		undo.push(func(c context.Context) error { return p.nodes.Release(c, nodeID, serviceID) })
		known[n.ID] = n
		svc.Members = append(svc.Members, newReplica(*svc, n, stateful.RoleReplica, now))
	}
	return nil
}

// refresh copies current node health into the members and flags replicas
// whose node is gone as orphaned. A member whose endpoint was explicitly
// marked down counts as unhealthy while its node stays healthy. It returns
// the live nodes by ID.
func (p *Provisioner) refresh(ctx context.Context, svc *stateful.Service) (map[string]node.Node, bool, error) {
	known := make(map[string]node.Node, len(svc.Members))
	markedDown := make(map[string]bool)
	if rec, err := p.dns.Get(svc.FQDN); err == nil {
		for _, ep := range rec.Endpoints {
			if ep.MarkedDown {
				markedDown[ep.Key()] = true
			}
		}
	}
	changed := false
	for i := range svc.Members {
		m := &svc.Members[i]
		n, err := p.nodes.Get(ctx, m.NodeID)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			if !m.Orphaned || m.Health != node.HealthUnhealthy {
				changed = true
			}
			m.Orphaned = true
			m.Health = node.HealthUnhealthy
			continue
		case err != nil:
			return nil, false, err
		}
		known[n.ID] = n
		health := n.Health
		if markedDown[discovery.EndpointKey(m.Address, m.Port)] {
			health = node.HealthUnhealthy
		}
		if m.Orphaned || m.Health != health {
			changed = true
		}
		m.Orphaned = false
		m.Health = health
	}
	return known, changed, nil
}

// publish writes the member endpoints, the leader record and TXT metadata.
func (p *Provisioner) publish(ctx context.Context, svc stateful.Service) error {
	eps := make([]discovery.Endpoint, 0, len(svc.Members))
	for _, m := range svc.Members {
		eps = append(eps, endpointFor(m))
	}
	if _, err := p.dns.SetEndpoints(ctx, svc.FQDN, eps); err != nil {
		return err
	}

	var leaderEps []discovery.Endpoint
	if leader, ok := svc.Leader(); ok {
		leaderEps = []discovery.Endpoint{endpointFor(leader)}
	}
	if _, err := p.dns.SetEndpoints(ctx, svc.LeaderFQDN, leaderEps); err != nil {
		return err
	}
	_, err := p.dns.SetMetadata(ctx, svc.FQDN, metadataFor(svc))
	return err
}

func (p *Provisioner) ensureNameFree(ctx context.Context, name string) error {
	existing, err := p.store.ListStatefulServices(ctx)
	if err != nil {
		return err
	}
	for _, svc := range existing {
		if svc.Name == name {
			return apperrors.Validation("stateful service %q already exists", name)
		}
	}
	if _, err := p.dns.Get(p.FQDN(name)); err == nil {
		return apperrors.Validation("name %s is already registered", p.FQDN(name))
	}
	return nil
}

func normalizeConfig(cfg *Config) error {
	cfg.Name = strings.ToLower(strings.TrimSpace(cfg.Name))
	cfg.Capability = strings.TrimSpace(cfg.Capability)
	if !labelPattern.MatchString(cfg.Name) {
		return apperrors.InvalidFormat("name", "lower-case DNS label")
	}
	if cfg.Capability == "" {
		return apperrors.Validation("capability is required")
	}
	if cfg.Replicas < 1 {
		return apperrors.Validation("replicas must be at least 1")
	}
	if cfg.Consensus == "" {
		cfg.Consensus = stateful.ConsensusLeaderFollower
	}
	if !cfg.Consensus.Valid() {
		return apperrors.Validation("unknown consensus %q", cfg.Consensus)
	}
	if cfg.Volume.SizeGB < 0 {
		return apperrors.Validation("volume size must not be negative")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return apperrors.Validation("port %d out of range", cfg.Port)
	}
	return nil
}

func newReplica(svc stateful.Service, n node.Node, role stateful.Role, now time.Time) stateful.Replica {
	return stateful.Replica{
		ServiceID: svc.ID,
		NodeID:    n.ID,
		Role:      role,
		Endpoint:  net.JoinHostPort(n.Address, strconv.Itoa(svc.Port)),
		Address:   n.Address,
		Port:      svc.Port,
		Health:    n.Health,
		PlacedAt:  now,
	}
}

func memberHealthy(m stateful.Replica) bool {
	return !m.Orphaned && m.Health == node.HealthHealthy
}

func endpointFor(m stateful.Replica) discovery.Endpoint {
	return discovery.Endpoint{
		Address: m.Address,
		Port:    m.Port,
		Healthy: memberHealthy(m),
		Weight:  1,
		NodeID:  m.NodeID,
	}
}

func metadataFor(svc stateful.Service) map[string]string {
	md := map[string]string{
		discoverysvc.MetaServiceID:  svc.ID,
		discoverysvc.MetaConsensus:  string(svc.Consensus),
		discoverysvc.MetaReplicas:   strconv.Itoa(svc.Replicas),
		discoverysvc.MetaLeaderFQDN: svc.LeaderFQDN,
		"capability":                svc.Capability,
	}
	if leader, ok := svc.Leader(); ok {
		md[discoverysvc.MetaLeaderNode] = leader.NodeID
	}
	return md
}

// rollback undoes completed steps in reverse order.
type rollback []func(context.Context) error

func (r *rollback) push(fn func(context.Context) error) {
	*r = append(*r, fn)
}

// run executes on a context detached from the caller's cancellation so an
// expired deadline still releases what was taken.
func (r *rollback) run(ctx context.Context, log *logging.Logger) {
	steps := *r
	*r = nil
	if len(steps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lock.RollbackBudget)
	defer cancel()
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i](ctx); err != nil {
			log.WithError(err).Warn("rollback step failed")
		}
	}
}
