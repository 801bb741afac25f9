package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/storage/memory"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dbName = "db.stateful.dws.local"

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, Options{Seed: 42}, logging.Discard("discovery")), store
}

func seed(t *testing.T, svc *Service, name string, eps ...discovery.Endpoint) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Register(ctx, name, discovery.TypeStateful, nil)
	require.NoError(t, err)
	for _, ep := range eps {
		_, err := svc.AddEndpoint(ctx, name, ep)
		require.NoError(t, err)
	}
}

func ep(addr string, port int, healthy bool) discovery.Endpoint {
	return discovery.Endpoint{Address: addr, Port: port, Healthy: healthy, Weight: 1}
}

func TestRegisterNormalisesAndRejectsTypeConflict(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.Register(ctx, "DB.Stateful.DWS.local.", discovery.TypeStateful, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, dbName, rec.Name)
	assert.Equal(t, uint64(1), rec.Version)

	_, err = svc.Register(ctx, dbName, discovery.TypeWorker, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = svc.Register(ctx, "x", "bogus", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestResolveExcludesUnhealthy(t *testing.T) {
	svc, _ := newService(t)
	seed(t, svc, dbName, ep("10.0.0.1", 5432, true), ep("10.0.0.2", 5432, false))

	addrs, err := svc.ResolveA(dbName)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, addrs)

	all := svc.ListRecords(true)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Endpoints, 2)

	filtered := svc.ListRecords(false)
	assert.Len(t, filtered[0].Endpoints, 1)

	_, err = svc.ResolveA("missing.worker.dws.local")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSRVRoundTripsRegisteredEndpoints(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, dbName, discovery.TypeStateful, nil)
	require.NoError(t, err)

	want := []discovery.Endpoint{
		{Address: "10.0.0.1", Port: 5432, Weight: 3, Healthy: true},
		{Address: "10.0.0.2", Port: 5433, Weight: 1, Healthy: true},
	}
	_, err = svc.SetEndpoints(ctx, dbName, want)
	require.NoError(t, err)

	srvs, err := svc.ResolveSRV(dbName)
	require.NoError(t, err)
	require.Len(t, srvs, len(want))
	for i, srv := range srvs {
		assert.Equal(t, want[i].Address, srv.Address)
		assert.Equal(t, want[i].Port, srv.Port)
		assert.Equal(t, want[i].Weight, srv.Weight)
	}
}

func TestMarkHealthIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	seed(t, svc, dbName, ep("10.0.0.1", 5432, true))

	before, _ := svc.Get(dbName)
	changed, err := svc.MarkEndpointHealthy(ctx, dbName, "10.0.0.1", 5432)
	require.NoError(t, err)
	assert.False(t, changed)
	after, _ := svc.Get(dbName)
	assert.Equal(t, before.Version, after.Version)

	changed, err = svc.MarkEndpointUnhealthy(ctx, dbName, "10.0.0.1", 5432)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = svc.MarkEndpointUnhealthy(ctx, dbName, "10.0.0.1", 5432)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = svc.ResolveWithLoadBalancing(dbName, discovery.RoundRobin)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoHealthyEndpoint))

	_, err = svc.MarkEndpointHealthy(ctx, dbName, "10.9.9.9", 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRoundRobinCyclesHealthyEndpoints(t *testing.T) {
	svc, _ := newService(t)
	seed(t, svc, dbName, ep("10.0.0.1", 1, true), ep("10.0.0.2", 1, false), ep("10.0.0.3", 1, true))

	var got []string
	for i := 0; i < 4; i++ {
		e, err := svc.ResolveWithLoadBalancing(dbName, discovery.RoundRobin)
		require.NoError(t, err)
		got = append(got, e.Address)
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3", "10.0.0.1", "10.0.0.3"}, got)

	_, err := svc.ResolveWithLoadBalancing(dbName, "least-conn")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestWeightedRandomFollowsWeights(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, dbName, discovery.TypeStateful, nil)
	require.NoError(t, err)
	_, err = svc.SetEndpoints(ctx, dbName, []discovery.Endpoint{
		{Address: "heavy", Port: 1, Weight: 9, Healthy: true},
		{Address: "light", Port: 1, Weight: 1, Healthy: true},
	})
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		e, err := svc.ResolveWithLoadBalancing(dbName, discovery.WeightedRandom)
		require.NoError(t, err)
		counts[e.Address]++
	}
	assert.Greater(t, counts["heavy"], counts["light"]*4)
	assert.Greater(t, counts["light"], 0)
}

func TestResolveLeader(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	leaderName := "leader." + dbName

	_, err := svc.Register(ctx, dbName, discovery.TypeStateful, map[string]string{MetaLeaderFQDN: leaderName})
	require.NoError(t, err)
	_, err = svc.Register(ctx, leaderName, discovery.TypeStatefulLeader, nil)
	require.NoError(t, err)

	_, err = svc.ResolveLeader(dbName)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoLeader))

	_, err = svc.AddEndpoint(ctx, leaderName, ep("10.0.0.1", 5432, true))
	require.NoError(t, err)

	for _, name := range []string{dbName, leaderName} {
		leader, err := svc.ResolveLeader(name)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", leader.Address)
	}
}

func TestHandleQuery(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	seed(t, svc, dbName, ep("10.0.0.1", 5432, true))
	_, err := svc.SetMetadata(ctx, dbName, map[string]string{MetaReplicas: "1"})
	require.NoError(t, err)

	resp, err := svc.HandleQuery(ctx, discovery.Query{Name: dbName, Type: "srv"})
	require.NoError(t, err)
	assert.Equal(t, discovery.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, 5432, resp.Answers[0].Port)
	assert.Equal(t, DefaultTTL, resp.Answers[0].TTL)

	resp, err = svc.HandleQuery(ctx, discovery.Query{Name: dbName, Type: discovery.QueryTXT})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Answers[0].Text[MetaReplicas])

	resp, err = svc.HandleQuery(ctx, discovery.Query{Name: "nope.worker.dws.local", Type: discovery.QueryA})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, discovery.RcodeNXDomain, resp.Rcode)

	_, err = svc.HandleQuery(ctx, discovery.Query{Name: dbName, Type: "MX"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestWritesAreVisibleToConcurrentReaders(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	seed(t, svc, dbName, ep("10.0.0.1", 1, true))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := svc.ResolveA(dbName); err != nil {
					t.Errorf("resolve during writes: %v", err)
					return
				}
			}
		}()
	}
	for i := 2; i < 50; i++ {
		_, err := svc.AddEndpoint(ctx, dbName, ep(fmt.Sprintf("10.0.0.%d", i), 1, true))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	addrs, err := svc.ResolveA(dbName)
	require.NoError(t, err)
	assert.Len(t, addrs, 49)
}

func TestRecordsSurviveRestart(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, svc, dbName, ep("10.0.0.1", 5432, true))

	restarted := New(store, Options{}, logging.Discard("discovery"))
	require.NoError(t, restarted.Start(ctx))
	addrs, err := restarted.ResolveA(dbName)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, addrs)

	require.NoError(t, restarted.Deregister(ctx, dbName))
	recs, _ := store.ListRecords(ctx)
	assert.Empty(t, recs)
}

func TestMarkNodeEndpoints(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	seed(t, svc, dbName,
		discovery.Endpoint{Address: "10.0.0.1", Port: 1, Healthy: true, NodeID: "a"},
		discovery.Endpoint{Address: "10.0.0.2", Port: 1, Healthy: true, NodeID: "b"})

	changed, err := svc.MarkNodeEndpoints(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, []string{dbName}, changed)

	addrs, _ := svc.ResolveA(dbName)
	assert.Equal(t, []string{"10.0.0.2"}, addrs)

	changed, err = svc.MarkNodeEndpoints(ctx, "a", false)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestExplicitMarkSurvivesEndpointRewrite(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a := discovery.Endpoint{Address: "10.0.0.1", Port: 5432, Healthy: true, Weight: 1, NodeID: "a"}
	b := discovery.Endpoint{Address: "10.0.0.2", Port: 5432, Healthy: true, Weight: 1, NodeID: "b"}
	seed(t, svc, dbName, a, b)

	_, err := svc.MarkEndpointUnhealthy(ctx, dbName, "10.0.0.2", 5432)
	require.NoError(t, err)

	_, err = svc.SetEndpoints(ctx, dbName, []discovery.Endpoint{a, b})
	require.NoError(t, err)
	addrs, err := svc.ResolveA(dbName)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, addrs, "rewrite keeps the mark")

	_, err = svc.AddEndpoint(ctx, dbName, b)
	require.NoError(t, err)
	addrs, _ = svc.ResolveA(dbName)
	assert.Equal(t, []string{"10.0.0.1"}, addrs, "replacing the endpoint keeps the mark")

	changed, err := svc.MarkNodeEndpoints(ctx, "b", true)
	require.NoError(t, err)
	assert.Equal(t, []string{dbName}, changed)
	addrs, _ = svc.ResolveA(dbName)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, addrs, "node recovery clears the mark")

	_, err = svc.MarkEndpointUnhealthy(ctx, dbName, "10.0.0.2", 5432)
	require.NoError(t, err)
	_, err = svc.MarkEndpointHealthy(ctx, dbName, "10.0.0.2", 5432)
	require.NoError(t, err)
	_, err = svc.SetEndpoints(ctx, dbName, []discovery.Endpoint{a, b})
	require.NoError(t, err)
	addrs, _ = svc.ResolveA(dbName)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, addrs, "an explicit healthy mark clears it")
}

func TestMarkAppliesToLeaderRecord(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	leaderName := "leader." + dbName

	_, err := svc.Register(ctx, dbName, discovery.TypeStateful, map[string]string{MetaLeaderFQDN: leaderName})
	require.NoError(t, err)
	_, err = svc.Register(ctx, leaderName, discovery.TypeStatefulLeader, nil)
	require.NoError(t, err)
	_, err = svc.SetEndpoints(ctx, dbName, []discovery.Endpoint{ep("10.0.0.1", 5432, true), ep("10.0.0.2", 5432, true)})
	require.NoError(t, err)
	_, err = svc.SetEndpoints(ctx, leaderName, []discovery.Endpoint{ep("10.0.0.1", 5432, true)})
	require.NoError(t, err)

	changed, err := svc.MarkEndpointUnhealthy(ctx, dbName, "10.0.0.1", 5432)
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = svc.ResolveLeader(dbName)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoLeader), "got %v", err)

	_, err = svc.MarkEndpointHealthy(ctx, leaderName, "10.0.0.1", 5432)
	require.NoError(t, err)
	addrs, _ := svc.ResolveA(dbName)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, addrs)
	leader, err := svc.ResolveLeader(dbName)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", leader.Address)

	_, err = svc.MarkEndpointUnhealthy(ctx, dbName, "10.0.0.2", 5432)
	require.NoError(t, err, "an endpoint absent from the leader record marks cleanly")
	leader, err = svc.ResolveLeader(dbName)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", leader.Address)
}

func TestWatchStreamsEvents(t *testing.T) {
	svc, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	events := svc.Watch(ctx)

	seed(t, svc, dbName, ep("10.0.0.1", 1, true))
	_, err := svc.MarkEndpointUnhealthy(context.Background(), dbName, "10.0.0.1", 1)
	require.NoError(t, err)
	require.NoError(t, svc.Deregister(context.Background(), dbName))

	var kinds []discovery.EventKind
	timeout := time.After(time.Second)
	for len(kinds) < 4 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-timeout:
			t.Fatalf("timed out, got %v", kinds)
		}
	}
	assert.Equal(t, []discovery.EventKind{
		discovery.EventRegistered,
		discovery.EventEndpointsChanged,
		discovery.EventHealthChanged,
		discovery.EventDeregistered,
	}, kinds)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, time.Second, 10*time.Millisecond)
}

func ExampleService_ResolveWithLoadBalancing() {
	svc := New(nil, Options{}, logging.Discard("discovery"))
	ctx := context.Background()
	_, _ = svc.Register(ctx, "api.worker.dws.local", discovery.TypeWorker, nil)
	_, _ = svc.AddEndpoint(ctx, "api.worker.dws.local", discovery.Endpoint{Address: "10.0.0.1", Port: 8080, Healthy: true})
	_, _ = svc.AddEndpoint(ctx, "api.worker.dws.local", discovery.Endpoint{Address: "10.0.0.2", Port: 8080, Healthy: true})

	for i := 0; i < 3; i++ {
		e, _ := svc.ResolveWithLoadBalancing("api.worker.dws.local", discovery.RoundRobin)
		fmt.Println(e.Address)
	}
	// Output:
	// 10.0.0.1
	// 10.0.0.2
	// 10.0.0.1
}
