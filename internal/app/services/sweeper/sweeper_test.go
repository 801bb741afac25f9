package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/lock"
	discoverysvc "github.com/R3E-Network/dws/internal/app/services/discovery"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	"github.com/R3E-Network/dws/internal/app/services/stateful"
	"github.com/R3E-Network/dws/internal/app/services/workers"
	"github.com/R3E-Network/dws/internal/app/storage/memory"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeRegistry struct{ *recorder }

func (f fakeRegistry) Sweep(context.Context) (nodes.SweepResult, error) {
	f.add("sweep")
	return nodes.SweepResult{Evicted: []string{"n1"}}, f.err
}

type fakeStateful struct{ *recorder }

func (f fakeStateful) Reconcile(context.Context) (stateful.ReconcileResult, error) {
	f.add("stateful")
	return stateful.ReconcileResult{Checked: 2}, nil
}

type fakeWorkers struct{ *recorder }

func (f fakeWorkers) Reconcile(context.Context) (workers.ReconcileResult, error) {
	f.add("workers")
	return workers.ReconcileResult{Checked: 1}, nil
}

func TestRunOnceSweepsThenReconciles(t *testing.T) {
	rec := &recorder{}
	s := New(fakeRegistry{rec}, fakeStateful{rec}, fakeWorkers{rec}, Options{}, logging.Discard("sweeper"))

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep", "stateful", "workers"}, rec.snapshot())
	assert.Equal(t, []string{"n1"}, report.Nodes.Evicted)
	assert.Equal(t, 2, report.Stateful.Checked)
	assert.Equal(t, 1, report.Workers.Checked)
	assert.Equal(t, report.Nodes, s.Last().Nodes)
}

func TestRunOnceStopsOnSweepError(t *testing.T) {
	rec := &recorder{err: errors.New("store down")}
	s := New(fakeRegistry{rec}, fakeStateful{rec}, nil, Options{}, logging.Discard("sweeper"))

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"sweep"}, rec.snapshot())
	assert.Empty(t, s.Last().Nodes.Evicted)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(fakeRegistry{&recorder{}}, nil, nil, Options{Schedule: "every now and then"}, logging.Discard("sweeper"))
	err := s.Start(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
	assert.False(t, s.Running())
}

func TestScheduleRunsUntilStopped(t *testing.T) {
	rec := &recorder{}
	s := New(fakeRegistry{rec}, nil, nil, Options{Schedule: "@every 1s"}, logging.Discard("sweeper"))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
}

func TestSweepEvictsAndFailsOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.New()
	reg := nodes.New(store, nodes.Options{Now: clock}, logging.Discard("nodes"))
	require.NoError(t, reg.Start(ctx))
	dns := discoverysvc.New(store, discoverysvc.Options{}, logging.Discard("discovery"))
	prov := stateful.New(reg, dns, store, lock.NewKeyed(time.Second), stateful.Options{Now: clock}, logging.Discard("stateful"))
	dep := workers.New(reg, dns, store, nil, nil, workers.Options{Now: clock}, logging.Discard("workers"))

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Register(ctx, nodes.Descriptor{
			ID:           id,
			Address:      "10.2.0." + id,
			Hardware:     node.Hardware{CPUCores: 2, MemoryMB: 4096, StorageGB: 20},
			Capabilities: []string{"db"},
		})
		require.NoError(t, err)
	}
	svc, err := prov.Deploy(ctx, stateful.Config{Name: "db", Capability: "db", Replicas: 3, Port: 5432})
	require.NoError(t, err)
	leader, _ := svc.Leader()
	require.Equal(t, "a", leader.NodeID)

	now = now.Add(90 * time.Second)
	for _, id := range []string{"b", "c"} {
		_, err := reg.Heartbeat(ctx, id, nil)
		require.NoError(t, err)
	}
	now = now.Add(60 * time.Second)

	s := New(reg, prov, dep, Options{}, logging.Discard("sweeper"))
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Nodes.MarkedUnhealthy)
	assert.Equal(t, []string{svc.ID}, report.Stateful.Failovers)

	ep, err := dns.ResolveLeader(svc.FQDN)
	require.NoError(t, err)
	assert.Equal(t, "10.2.0.b", ep.Address)
}
