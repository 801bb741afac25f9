// Package nodes tracks the machines that offer capabilities to the platform:
// registration, heartbeats, capability queries, storage reservations and the
// health sweep that marks silent nodes unhealthy and eventually evicts them.
package nodes

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/lock"
	"github.com/R3E-Network/dws/internal/app/metrics"
	"github.com/R3E-Network/dws/internal/app/storage"
	"github.com/R3E-Network/dws/internal/app/system"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const (
	DefaultHeartbeatTimeout = 120 * time.Second
	DefaultEvictionGrace    = 600 * time.Second
	defaultWriteWait        = 5 * time.Second
)

// Descriptor is what a node submits when it registers.
type Descriptor struct {
	ID           string            `json:"id,omitempty"`
	Address      string            `json:"address"`
	Region       string            `json:"region,omitempty"`
	Hardware     node.Hardware     `json:"hardware"`
	Capabilities []string          `json:"capabilities"`
	Pricing      node.Pricing      `json:"pricing"`
	Attestation  *node.Attestation `json:"attestation,omitempty"`
}

// EventKind classifies a registry notification.
type EventKind string

const (
	EventUnhealthy EventKind = "unhealthy"
	EventRecovered EventKind = "recovered"
	EventRemoved   EventKind = "removed"
)

// Event is delivered to listeners after the change is committed.
type Event struct {
	Kind   EventKind
	Node   node.Node
	Reason string
}

// Listener reacts to registry events. Listeners run synchronously, outside
// any registry lock, in registration order.
type Listener func(ctx context.Context, evt Event)

// Options tunes the registry's timing.
type Options struct {
	HeartbeatTimeout time.Duration
	EvictionGrace    time.Duration
	WriteWait        time.Duration
	Now              func() time.Time
}

// SweepResult lists the nodes touched by one sweep.
type SweepResult struct {
	MarkedUnhealthy []string `json:"marked_unhealthy"`
	Evicted         []string `json:"evicted"`
}

// Registry manages node records.
type Registry struct {
	store storage.NodeStore
	locks *lock.Keyed
	log   *logging.Logger
	opts  Options

	mu        sync.RWMutex
	listeners []Listener
	started   time.Time
}

var _ system.Service = (*Registry)(nil)

// New constructs a node registry.
func New(store storage.NodeStore, opts Options, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewDefault("nodes")
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = DefaultEvictionGrace
	}
	if opts.EvictionGrace < opts.HeartbeatTimeout {
		opts.EvictionGrace = opts.HeartbeatTimeout
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{store: store, locks: lock.NewKeyed(opts.WriteWait), log: log, opts: opts}
}

// Subscribe adds a listener for health and membership changes.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) notify(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, evt := range events {
		for _, l := range listeners {
			l(ctx, evt)
		}
	}
}

func (r *Registry) Name() string { return "node-registry" }

// Start resets every stored node to Unknown: liveness observed before a
// restart is not trusted until the node heartbeats again.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.started = r.opts.Now()
	r.mu.Unlock()

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Health == node.HealthUnknown {
			continue
		}
		n.Health = node.HealthUnknown
		n.HealthReason = "control plane restarted"
		if _, err := r.store.UpdateNode(ctx, n); err != nil {
			return err
		}
	}
	r.publishCounts(ctx)
	r.log.WithField("nodes", len(nodes)).Info("node registry started")
	return nil
}

func (r *Registry) Stop(ctx context.Context) error { return nil }

// Register validates a descriptor and records the node as healthy.
func (r *Registry) Register(ctx context.Context, desc Descriptor) (node.Node, error) {
	if err := normalizeDescriptor(&desc); err != nil {
		return node.Node{}, err
	}
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}

	release, err := r.locks.Acquire(ctx, desc.ID)
	if err != nil {
		return node.Node{}, err
	}
	defer release()

	now := r.opts.Now()
	n := node.Node{
		ID:            desc.ID,
		Address:       desc.Address,
		Region:        desc.Region,
		Hardware:      desc.Hardware,
		Capabilities:  desc.Capabilities,
		Pricing:       desc.Pricing,
		Attestation:   desc.Attestation,
		Health:        node.HealthHealthy,
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	created, err := r.store.CreateNode(ctx, n)
	if err != nil {
		return node.Node{}, err
	}

	r.log.WithField("node_id", created.ID).
		WithField("address", created.Address).
		WithField("capabilities", strings.Join(created.Capabilities, ",")).
		Info("node registered")
	metrics.RecordHealthTransition(string(node.HealthHealthy), "register")
	r.publishCounts(ctx)
	return created, nil
}

// Heartbeat records liveness and an optional usage report.
func (r *Registry) Heartbeat(ctx context.Context, id string, m *node.Metrics) (node.Node, error) {
	if m != nil {
		if m.CPUPercent < 0 || m.CPUPercent > 100 || m.MemoryUsedMB < 0 || m.StorageUsedGB < 0 || m.LatencyMs < 0 {
			return node.Node{}, apperrors.Validation("heartbeat metrics out of range")
		}
	}

	var recovered bool
	updated, err := r.mutate(ctx, id, func(n *node.Node) error {
		recovered = n.Health != node.HealthHealthy
		n.Health = node.HealthHealthy
		n.HealthReason = ""
		n.LastHeartbeat = r.opts.Now()
		if m != nil {
			cp := *m
			n.Metrics = &cp
		}
		return nil
	})
	if err != nil {
		return node.Node{}, err
	}

	metrics.RecordHeartbeat()
	if recovered {
		r.log.WithField("node_id", id).Info("node recovered")
		metrics.RecordHealthTransition(string(node.HealthHealthy), "heartbeat")
		r.publishCounts(ctx)
		r.notify(ctx, Event{Kind: EventRecovered, Node: updated})
	}
	return updated, nil
}

// MarkUnhealthy flags a node explicitly. Marking an already unhealthy node is a no-op.
func (r *Registry) MarkUnhealthy(ctx context.Context, id, reason string) (node.Node, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "marked unhealthy"
	}
	var changed bool
	updated, err := r.mutate(ctx, id, func(n *node.Node) error {
		if n.Health == node.HealthUnhealthy {
			return nil
		}
		changed = true
		n.Health = node.HealthUnhealthy
		n.HealthReason = reason
		return nil
	})
	if err != nil {
		return node.Node{}, err
	}
	if changed {
		r.log.WithField("node_id", id).WithField("reason", reason).Warn("node marked unhealthy")
		metrics.RecordHealthTransition(string(node.HealthUnhealthy), "mark")
		r.publishCounts(ctx)
		r.notify(ctx, Event{Kind: EventUnhealthy, Node: updated, Reason: reason})
	}
	return updated, nil
}

// ReportUnreachable converts a failed liveness check into an unhealthy mark.
// The recorded reason carries the NODE_UNREACHABLE code and the check failure.
func (r *Registry) ReportUnreachable(ctx context.Context, id string, cause error) (node.Node, error) {
	unreachable := apperrors.NodeUnreachable(id, cause)
	return r.MarkUnhealthy(ctx, id, unreachable.Error())
}

// Deregister removes a node. Listeners orphan whatever ran on it.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	release, err := r.locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	n, err := r.store.GetNode(ctx, id)
	if err == nil {
		err = r.store.DeleteNode(ctx, id)
	}
	release()
	if err != nil {
		return err
	}

	r.log.WithField("node_id", id).Info("node deregistered")
	r.publishCounts(ctx)
	r.notify(ctx, Event{Kind: EventRemoved, Node: n, Reason: "deregistered"})
	return nil
}

// Get returns a node.
func (r *Registry) Get(ctx context.Context, id string) (node.Node, error) {
	return r.store.GetNode(ctx, id)
}

// List returns every node sorted by ID.
func (r *Registry) List(ctx context.Context) ([]node.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	node.SortByID(nodes)
	return nodes, nil
}

// ListByCapability returns nodes advertising capability, sorted by ID. Only
// healthy nodes are returned unless includeUnhealthy is set.
func (r *Registry) ListByCapability(ctx context.Context, capability string, includeUnhealthy bool) ([]node.Node, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return nil, apperrors.Validation("capability is required")
	}
	nodes, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]node.Node, 0, len(nodes))
	for _, n := range nodes {
		if !n.HasCapability(capability) {
			continue
		}
		if !includeUnhealthy && !n.Healthy() {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Allocate reserves storage on a node for a service placement. Reserving for
// a service the node already hosts is a no-op.
func (r *Registry) Allocate(ctx context.Context, nodeID, serviceID string, storageGB int64) (node.Node, error) {
	if storageGB < 0 {
		return node.Node{}, apperrors.Validation("storage reservation must not be negative")
	}
	return r.mutate(ctx, nodeID, func(n *node.Node) error {
		if n.Hosts(serviceID) {
			return nil
		}
		if free := n.Available().StorageGB; free < storageGB {
			return apperrors.InsufficientCapacity("storage on node "+nodeID, int(storageGB), int(free))
		}
		if n.Allocations == nil {
			n.Allocations = make(map[string]int64)
		}
		n.Allocations[serviceID] = storageGB
		return nil
	})
}

// Release frees a reservation. Releasing on a node that no longer exists succeeds.
func (r *Registry) Release(ctx context.Context, nodeID, serviceID string) error {
	_, err := r.mutate(ctx, nodeID, func(n *node.Node) error {
		delete(n.Allocations, serviceID)
		return nil
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// Sweep marks nodes silent past the heartbeat timeout unhealthy and evicts
// nodes silent past the eviction grace.
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	nodes, err := r.List(ctx)
	if err != nil {
		return result, err
	}

	now := r.opts.Now()
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()

	var events []Event
	for _, n := range nodes {
		silent := silence(n, now, started)

		switch {
		case silent > r.opts.EvictionGrace:
			evicted, ok, err := r.evict(ctx, n.ID, now, started)
			if err != nil {
				r.log.WithError(err).WithField("node_id", n.ID).Warn("evict node")
				continue
			}
			if ok {
				result.Evicted = append(result.Evicted, n.ID)
				events = append(events, Event{Kind: EventRemoved, Node: evicted, Reason: "heartbeat eviction"})
			}
		case silent > r.opts.HeartbeatTimeout && n.Health != node.HealthUnhealthy:
			var changed bool
			updated, err := r.mutate(ctx, n.ID, func(cur *node.Node) error {
				if cur.Health == node.HealthUnhealthy || silence(*cur, now, started) <= r.opts.HeartbeatTimeout {
					return nil
				}
				changed = true
				cur.Health = node.HealthUnhealthy
				cur.HealthReason = "heartbeat timeout"
				return nil
			})
			if err != nil {
				r.log.WithError(err).WithField("node_id", n.ID).Warn("mark node unhealthy")
				continue
			}
			if changed {
				result.MarkedUnhealthy = append(result.MarkedUnhealthy, n.ID)
				metrics.RecordHealthTransition(string(node.HealthUnhealthy), "timeout")
				events = append(events, Event{Kind: EventUnhealthy, Node: updated, Reason: "heartbeat timeout"})
			}
		}
	}

	if len(events) > 0 {
		r.log.WithField("unhealthy", len(result.MarkedUnhealthy)).
			WithField("evicted", len(result.Evicted)).
			Info("node sweep changed health")
	}
	r.publishCounts(ctx)
	r.notify(ctx, events...)
	return result, nil
}

// silence measures time since the last heartbeat, or since the registry
// started when the node has not reported since.
func silence(n node.Node, now, started time.Time) time.Duration {
	last := n.LastHeartbeat
	if started.After(last) {
		last = started
	}
	return now.Sub(last)
}

func (r *Registry) evict(ctx context.Context, id string, now, started time.Time) (node.Node, bool, error) {
	release, err := r.locks.Acquire(ctx, id)
	if err != nil {
		return node.Node{}, false, err
	}
	defer release()

	n, err := r.store.GetNode(ctx, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return node.Node{}, false, nil
	}
	if err != nil {
		return node.Node{}, false, err
	}
	// A heartbeat may have landed between listing and locking.
	if silence(n, now, started) <= r.opts.EvictionGrace {
		return node.Node{}, false, nil
	}
	if err := r.store.DeleteNode(ctx, id); err != nil {
		return node.Node{}, false, err
	}
	r.log.WithField("node_id", id).Warn("node evicted after heartbeat grace")
	return n, true, nil
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*node.Node) error) (node.Node, error) {
	release, err := r.locks.Acquire(ctx, id)
	if err != nil {
		return node.Node{}, err
	}
	defer release()

	n, err := r.store.GetNode(ctx, id)
	if err != nil {
		return node.Node{}, err
	}
	if err := fn(&n); err != nil {
		return node.Node{}, err
	}
	n.UpdatedAt = r.opts.Now()
	return r.store.UpdateNode(ctx, n)
}

func (r *Registry) publishCounts(ctx context.Context) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return
	}
	var healthy, unhealthy, unknown int
	for _, n := range nodes {
		switch n.Health {
		case node.HealthHealthy:
			healthy++
		case node.HealthUnhealthy:
			unhealthy++
		default:
			unknown++
		}
	}
	metrics.SetNodeCounts(healthy, unhealthy, unknown)
}

func normalizeDescriptor(desc *Descriptor) error {
	desc.ID = strings.TrimSpace(desc.ID)
	desc.Address = strings.TrimSpace(desc.Address)
	desc.Region = strings.TrimSpace(desc.Region)
	if desc.Address == "" {
		return apperrors.Validation("address is required")
	}

	hw := desc.Hardware
	if hw.CPUCores < 0 || hw.MemoryMB < 0 || hw.StorageGB < 0 || hw.BandwidthMbps < 0 {
		return apperrors.Validation("hardware values must not be negative")
	}
	p := desc.Pricing
	if p.PerHour < 0 || p.PerGB < 0 || p.PerRequest < 0 {
		return apperrors.Validation("pricing values must not be negative")
	}

	seen := make(map[string]struct{}, len(desc.Capabilities))
	caps := make([]string, 0, len(desc.Capabilities))
	for _, c := range desc.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}
	if len(caps) == 0 {
		return apperrors.Validation("at least one capability is required")
	}
	desc.Capabilities = caps

	if att := desc.Attestation; att != nil {
		cp := *att
		if cp.Platform == "" {
			cp.Platform = hw.TEEPlatform
		}
		cp.Proof = append([]byte(nil), att.Proof...)
		cp.Digest = AttestationDigest(cp.Proof)
		desc.Attestation = &cp
	}
	return nil
}

// AttestationDigest is the SHA3-256 digest recorded for an attestation proof.
// The proof itself is opaque to the registry.
func AttestationDigest(proof []byte) string {
	if len(proof) == 0 {
		return ""
	}
	sum := sha3.Sum256(proof)
	return hex.EncodeToString(sum[:])
}
