package workers

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/lock"
	discoverysvc "github.com/R3E-Network/dws/internal/app/services/discovery"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	"github.com/R3E-Network/dws/internal/app/storage/memory"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalogue = []worker.Spec{
	{Type: "rand", Capability: "compute", Port: 8081},
	{Type: "store", Capability: "storage", Port: 8088},
}

type harness struct {
	store *memory.Store
	reg   *nodes.Registry
	dns   *discoverysvc.Service
	dep   *Deployer
	locks *lock.Keyed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	reg := nodes.New(store, nodes.Options{}, logging.Discard("nodes"))
	dns := discoverysvc.New(store, discoverysvc.Options{Seed: 1}, logging.Discard("discovery"))
	locks := lock.NewKeyed(0)
	dep := New(reg, dns, store, locks, testCatalogue, Options{}, logging.Discard("workers"))
	return &harness{store: store, reg: reg, dns: dns, dep: dep, locks: locks}
}

func (h *harness) addNode(t *testing.T, id, region string, caps ...string) {
	t.Helper()
	_, err := h.reg.Register(context.Background(), nodes.Descriptor{
		ID:           id,
		Address:      "10.1.0." + id,
		Region:       region,
		Hardware:     node.Hardware{CPUCores: 4, MemoryMB: 8192, StorageGB: 50},
		Capabilities: caps,
	})
	require.NoError(t, err)
}

func TestDeployPublishesWorkerRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNode(t, "b", "eu", "compute")
	h.addNode(t, "a", "eu", "compute")

	svc, err := h.dep.Deploy(ctx, "RAND", Config{Name: "Dice"})
	require.NoError(t, err)

	assert.Equal(t, "dice.worker.dws.local", svc.FQDN)
	assert.Equal(t, worker.Type("rand"), svc.Type)
	assert.Equal(t, "a", svc.NodeID)
	assert.Equal(t, 8081, svc.Port)
	assert.Equal(t, 1, svc.Concurrency)

	rec, err := h.dns.Get(svc.FQDN)
	require.NoError(t, err)
	assert.Equal(t, discovery.TypeWorker, rec.Type)
	require.Len(t, rec.Endpoints, 1)
	assert.Equal(t, "10.1.0.a", rec.Endpoints[0].Address)
	assert.True(t, rec.Endpoints[0].Healthy)

	txt, err := h.dns.ResolveTXT(svc.FQDN)
	require.NoError(t, err)
	assert.Equal(t, "rand", txt[discoverysvc.MetaWorkerType])
	assert.Equal(t, "1", txt[discoverysvc.MetaConcurrent])
	assert.Equal(t, svc.ID, txt[discoverysvc.MetaServiceID])

	n, err := h.reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, n.Hosts(svc.ID))
}

func TestDeployHonoursRegionPreference(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "a", "eu", "compute")
	h.addNode(t, "b", "us", "compute")

	svc, err := h.dep.Deploy(context.Background(), "rand", Config{Name: "dice", Region: "us"})
	require.NoError(t, err)
	assert.Equal(t, "b", svc.NodeID)

	other, err := h.dep.Deploy(context.Background(), "rand", Config{Name: "coin", Region: "ap"})
	require.NoError(t, err)
	assert.Equal(t, "a", other.NodeID, "falls back to best node outside the region")
}

func TestDeployRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNode(t, "a", "", "compute")

	_, err := h.dep.Deploy(ctx, "mystery", Config{Name: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = h.dep.Deploy(ctx, "rand", Config{Name: "not a label"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = h.dep.Deploy(ctx, "rand", Config{Name: "dice", Concurrency: -1})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	require.NoError(t, err)
	_, err = h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "duplicate name")
}

func TestDeployWithoutEligibleNode(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "a", "", "compute")

	_, err := h.dep.Deploy(context.Background(), "store", Config{Name: "blobs"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientCapacity))

	_, err = h.dns.Get("blobs.worker.dws.local")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestScaleUpdatesMetadataOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNode(t, "a", "", "compute")
	svc, err := h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	require.NoError(t, err)

	scaled, err := h.dep.Scale(ctx, svc.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, scaled.Concurrency)
	assert.Equal(t, svc.NodeID, scaled.NodeID)

	txt, err := h.dns.ResolveTXT(svc.FQDN)
	require.NoError(t, err)
	assert.Equal(t, "4", txt[discoverysvc.MetaConcurrent])

	rec, err := h.dns.Get(svc.FQDN)
	require.NoError(t, err)
	assert.Len(t, rec.Endpoints, 1)

	_, err = h.dep.Scale(ctx, svc.ID, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestTerminateRemovesRecordAndAllocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNode(t, "a", "", "compute")
	svc, err := h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	require.NoError(t, err)

	require.NoError(t, h.dep.Terminate(ctx, svc.ID))

	_, err = h.dns.Get(svc.FQDN)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = h.dep.Get(ctx, svc.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	n, err := h.reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, n.Hosts(svc.ID))

	assert.True(t, apperrors.Is(h.dep.Terminate(ctx, svc.ID), apperrors.ErrNotFound))
}

func TestMutationWhileLockedIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNode(t, "a", "", "compute")
	svc, err := h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	require.NoError(t, err)

	release, err := h.locks.Acquire(ctx, lockKey(svc.Name))
	require.NoError(t, err)
	defer release()

	_, err = h.dep.Scale(ctx, svc.ID, 2)
	assert.True(t, apperrors.Is(err, apperrors.ErrOperationInProgress), "got %v", err)
}

func TestReconcileFollowsNodeHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNode(t, "a", "", "compute")
	svc, err := h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	require.NoError(t, err)

	_, err = h.reg.MarkUnhealthy(ctx, "a", "probe failed")
	require.NoError(t, err)
	res, err := h.dep.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)

	_, err = h.dns.ResolveWithLoadBalancing(svc.FQDN, discovery.RoundRobin)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoHealthyEndpoint), "got %v", err)

	_, err = h.reg.Heartbeat(ctx, "a", nil)
	require.NoError(t, err)
	_, err = h.dep.Reconcile(ctx)
	require.NoError(t, err)

	ep, err := h.dns.ResolveWithLoadBalancing(svc.FQDN, discovery.RoundRobin)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.a", ep.Address)
}

func TestReconcileRedeploysOffEvictedNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNode(t, "a", "", "compute")
	svc, err := h.dep.Deploy(ctx, "rand", Config{Name: "dice", Concurrency: 3})
	require.NoError(t, err)
	require.Equal(t, "a", svc.NodeID)

	require.NoError(t, h.reg.Deregister(ctx, "a"))

	res, err := h.dep.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{svc.ID}, res.Unplaced)

	rec, err := h.dns.Get(svc.FQDN)
	require.NoError(t, err)
	require.Len(t, rec.Endpoints, 1)
	assert.False(t, rec.Endpoints[0].Healthy)

	h.addNode(t, "b", "", "compute")
	res, err = h.dep.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{svc.ID}, res.Redeployed)

	moved, err := h.dep.Get(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", moved.NodeID)
	assert.Equal(t, 3, moved.Concurrency)

	ep, err := h.dns.ResolveWithLoadBalancing(svc.FQDN, discovery.RoundRobin)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.b", ep.Address)

	txt, err := h.dns.ResolveTXT(svc.FQDN)
	require.NoError(t, err)
	assert.Equal(t, "b", txt["node_id"])
}

func TestNodeEventListenerUpdatesEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reg.Subscribe(h.dep.OnNodeEvent)
	h.addNode(t, "a", "", "compute")
	svc, err := h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	require.NoError(t, err)

	_, err = h.reg.MarkUnhealthy(ctx, "a", "probe failed")
	require.NoError(t, err)

	rec, err := h.dns.Get(svc.FQDN)
	require.NoError(t, err)
	assert.False(t, rec.Endpoints[0].Healthy)
}

func TestDeployHonoursCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "a", "", "compute")
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := h.dep.Deploy(ctx, "rand", Config{Name: "dice"})
	require.Error(t, err)

	_, err = h.dns.Get("dice.worker.dws.local")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	n, err := h.reg.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, n.Allocations)
}
