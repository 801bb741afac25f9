// Package discovery is the control plane's DNS-style resolver. Records map a
// fully qualified name to endpoints and TXT metadata; resolution only ever
// returns healthy endpoints.
//
// Reads never block: they load an immutable snapshot through an atomic
// pointer. Writers are serialised, build a modified copy, write it through to
// the RecordStore and then swap the snapshot and notify watchers.
package discovery

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/metrics"
	"github.com/R3E-Network/dws/internal/app/storage"
	"github.com/R3E-Network/dws/internal/app/system"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
)

const (
	DefaultTTL = 30

	// Metadata keys the control plane writes into TXT records.
	MetaServiceID  = "service_id"
	MetaLeaderNode = "leader_node"
	MetaLeaderFQDN = "leader_fqdn"
	MetaConsensus  = "consensus"
	MetaReplicas   = "replicas"
	MetaWorkerType = "worker_type"
	MetaConcurrent = "concurrency"

	leaderPrefix    = "leader."
	watchBufferSize = 64
)

// Options tunes the resolver.
type Options struct {
	TTL  int
	Seed uint64
	Now  func() time.Time
}

type table map[string]discovery.Record

// Service implements discovery and resolution.
type Service struct {
	store storage.RecordStore
	log   *logging.Logger
	opts  Options

	writeMu sync.Mutex
	snap    atomic.Pointer[table]

	counters sync.Map // name -> *atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	subMu   sync.Mutex
	subs    map[int]chan discovery.Event
	nextSub int
}

var _ system.Service = (*Service)(nil)

// New constructs a resolver. store may be nil for a purely in-memory table.
func New(store storage.RecordStore, opts Options, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("discovery")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s := &Service{
		store: store,
		log:   log,
		opts:  opts,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		subs:  make(map[int]chan discovery.Event),
	}
	empty := table{}
	s.snap.Store(&empty)
	return s
}

func (s *Service) Name() string { return "discovery" }

// Start loads persisted records into the in-memory table.
func (s *Service) Start(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := make(table, len(records))
	for _, rec := range records {
		next[rec.Name] = rec.Clone()
	}
	s.snap.Store(&next)
	metrics.SetRecordCount(len(next))
	s.log.WithField("records", len(next)).Info("discovery table loaded")
	return nil
}

// Stop closes every watcher channel.
func (s *Service) Stop(ctx context.Context) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	return nil
}

func (s *Service) current() table {
	return *s.snap.Load()
}

func (s *Service) lookup(name string) (discovery.Record, bool) {
	rec, ok := s.current()[discovery.NormalizeName(name)]
	return rec, ok
}

// Get returns a copy of the record including unhealthy endpoints.
func (s *Service) Get(name string) (discovery.Record, error) {
	rec, ok := s.lookup(name)
	if !ok {
		return discovery.Record{}, apperrors.NotFound("name", discovery.NormalizeName(name))
	}
	return rec.Clone(), nil
}

// --- writes -----------------------------------------------------------------

// change is applied to a private copy of the record. It reports the event
// kind to publish, or "" when nothing changed.
type change func(rec *discovery.Record) (discovery.EventKind, error)

func (s *Service) update(ctx context.Context, name string, fn change) (discovery.Record, error) {
	name = discovery.NormalizeName(name)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	existing, ok := cur[name]
	if !ok {
		return discovery.Record{}, apperrors.NotFound("name", name)
	}
	rec := existing.Clone()
	kind, err := fn(&rec)
	if err != nil {
		return discovery.Record{}, err
	}
	if kind == "" {
		return existing.Clone(), nil
	}
	rec.Version++
	rec.UpdatedAt = s.opts.Now()
	if err := s.commit(ctx, cur, rec); err != nil {
		return discovery.Record{}, err
	}
	s.publish(kind, rec)
	return rec.Clone(), nil
}

// commit writes rec through and swaps in a new snapshot. Caller holds writeMu.
func (s *Service) commit(ctx context.Context, cur table, rec discovery.Record) error {
	if s.store != nil {
		if err := s.store.PutRecord(ctx, rec); err != nil {
			return err
		}
	}
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[rec.Name] = rec
	s.snap.Store(&next)
	metrics.SetRecordCount(len(next))
	return nil
}

// Register creates a record, or refreshes the metadata of an existing record
// of the same type. Re-registering a name under another type is rejected.
func (s *Service) Register(ctx context.Context, name string, typ discovery.RecordType, metadata map[string]string) (discovery.Record, error) {
	name = discovery.NormalizeName(name)
	if name == "" {
		return discovery.Record{}, apperrors.Validation("name is required")
	}
	if !typ.Valid() {
		return discovery.Record{}, apperrors.Validation("unknown record type %q", typ)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	rec, exists := cur[name]
	kind := discovery.EventRegistered
	if exists {
		if rec.Type != typ {
			return discovery.Record{}, apperrors.Validation("name %s already registered as %s", name, rec.Type)
		}
		if metadata == nil || equalMetadata(rec.Metadata, metadata) {
			return rec.Clone(), nil
		}
		rec = rec.Clone()
		kind = discovery.EventMetadataChanged
	} else {
		rec = discovery.Record{Name: name, Type: typ}
	}
	rec.Metadata = copyMetadata(metadata)
	rec.Version++
	rec.UpdatedAt = s.opts.Now()

	if err := s.commit(ctx, cur, rec); err != nil {
		return discovery.Record{}, err
	}
	s.log.WithField("name", name).WithField("type", string(typ)).Debug("record registered")
	s.publish(kind, rec)
	return rec.Clone(), nil
}

// Deregister removes a record and its endpoints.
func (s *Service) Deregister(ctx context.Context, name string) error {
	name = discovery.NormalizeName(name)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	rec, ok := cur[name]
	if !ok {
		return apperrors.NotFound("name", name)
	}
	if s.store != nil {
		if err := s.store.DeleteRecord(ctx, name); err != nil {
			return err
		}
	}
	next := make(table, len(cur))
	for k, v := range cur {
		if k != name {
			next[k] = v
		}
	}
	s.snap.Store(&next)
	s.counters.Delete(name)
	metrics.SetRecordCount(len(next))

	rec.Version++
	rec.UpdatedAt = s.opts.Now()
	s.publish(discovery.EventDeregistered, rec)
	return nil
}

func (s *Service) normalizeEndpoint(ep *discovery.Endpoint) error {
	ep.MarkedDown = false
	ep.Address = strings.TrimSpace(ep.Address)
	if ep.Address == "" {
		return apperrors.Validation("endpoint address is required")
	}
	if ep.Port < 1 || ep.Port > 65535 {
		return apperrors.Validation("endpoint port %d out of range", ep.Port)
	}
	if ep.Weight < 0 {
		return apperrors.Validation("endpoint weight must not be negative")
	}
	if ep.Weight == 0 {
		ep.Weight = 1
	}
	ep.UpdatedAt = s.opts.Now()
	return nil
}

// AddEndpoint appends ep, or replaces the endpoint with the same address and port.
func (s *Service) AddEndpoint(ctx context.Context, name string, ep discovery.Endpoint) (discovery.Record, error) {
	if err := s.normalizeEndpoint(&ep); err != nil {
		return discovery.Record{}, err
	}
	return s.update(ctx, name, func(rec *discovery.Record) (discovery.EventKind, error) {
		for i := range rec.Endpoints {
			if rec.Endpoints[i].Key() == ep.Key() {
				keepMark(&ep, rec.Endpoints[i])
				rec.Endpoints[i] = ep
				return discovery.EventEndpointsChanged, nil
			}
		}
		rec.Endpoints = append(rec.Endpoints, ep)
		return discovery.EventEndpointsChanged, nil
	})
}

// RemoveEndpoint drops the endpoint with the given address and port.
func (s *Service) RemoveEndpoint(ctx context.Context, name, address string, port int) (discovery.Record, error) {
	key := discovery.EndpointKey(address, port)
	return s.update(ctx, name, func(rec *discovery.Record) (discovery.EventKind, error) {
		for i := range rec.Endpoints {
			if rec.Endpoints[i].Key() == key {
				rec.Endpoints = append(rec.Endpoints[:i], rec.Endpoints[i+1:]...)
				return discovery.EventEndpointsChanged, nil
			}
		}
		return "", apperrors.NotFound("endpoint", key)
	})
}

// SetEndpoints replaces the endpoint list. An endpoint that was explicitly
// marked down keeps that mark when it appears in the new list.
func (s *Service) SetEndpoints(ctx context.Context, name string, eps []discovery.Endpoint) (discovery.Record, error) {
	normalized := make([]discovery.Endpoint, 0, len(eps))
	seen := make(map[string]struct{}, len(eps))
	for _, ep := range eps {
		if err := s.normalizeEndpoint(&ep); err != nil {
			return discovery.Record{}, err
		}
		if _, dup := seen[ep.Key()]; dup {
			return discovery.Record{}, apperrors.Validation("duplicate endpoint %s", ep.Key())
		}
		seen[ep.Key()] = struct{}{}
		normalized = append(normalized, ep)
	}
	return s.update(ctx, name, func(rec *discovery.Record) (discovery.EventKind, error) {
		prior := make(map[string]discovery.Endpoint, len(rec.Endpoints))
		for _, old := range rec.Endpoints {
			prior[old.Key()] = old
		}
		next := make([]discovery.Endpoint, len(normalized))
		for i, ep := range normalized {
			if old, ok := prior[ep.Key()]; ok {
				keepMark(&ep, old)
			}
			next[i] = ep
		}
		if equalEndpoints(rec.Endpoints, next) {
			return "", nil
		}
		rec.Endpoints = next
		return discovery.EventEndpointsChanged, nil
	})
}

// keepMark carries an explicit unhealthy mark from old onto its replacement.
func keepMark(ep *discovery.Endpoint, old discovery.Endpoint) {
	if old.MarkedDown {
		ep.MarkedDown = true
		ep.Healthy = false
	}
}

// SetMetadata replaces the TXT metadata.
func (s *Service) SetMetadata(ctx context.Context, name string, metadata map[string]string) (discovery.Record, error) {
	return s.update(ctx, name, func(rec *discovery.Record) (discovery.EventKind, error) {
		if equalMetadata(rec.Metadata, metadata) {
			return "", nil
		}
		rec.Metadata = copyMetadata(metadata)
		return discovery.EventMetadataChanged, nil
	})
}

// MarkEndpointHealthy returns an endpoint to resolution and clears an explicit
// unhealthy mark. It reports whether anything changed; repeated marks do not
// bump the record version.
func (s *Service) MarkEndpointHealthy(ctx context.Context, name, address string, port int) (bool, error) {
	return s.markEndpoint(ctx, name, address, port, true)
}

// MarkEndpointUnhealthy excludes an endpoint from resolution until it is
// marked healthy again or its node recovers. Endpoint list rewrites keep the
// mark.
func (s *Service) MarkEndpointUnhealthy(ctx context.Context, name, address string, port int) (bool, error) {
	return s.markEndpoint(ctx, name, address, port, false)
}

func (s *Service) markEndpoint(ctx context.Context, name, address string, port int, healthy bool) (bool, error) {
	changed, err := s.setMark(ctx, name, discovery.EndpointKey(address, port), healthy)
	if err != nil {
		return false, err
	}
	// The service record and its leader record share endpoints, so a mark on
	// one applies to the other.
	if rec, ok := s.lookup(name); ok {
		if linked := linkedName(rec); linked != "" {
			if _, err := s.setMark(ctx, linked, discovery.EndpointKey(address, port), healthy); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
				return changed, err
			}
		}
	}
	return changed, nil
}

func (s *Service) setMark(ctx context.Context, name, key string, healthy bool) (bool, error) {
	var changed bool
	_, err := s.update(ctx, name, func(rec *discovery.Record) (discovery.EventKind, error) {
		for i := range rec.Endpoints {
			ep := &rec.Endpoints[i]
			if ep.Key() != key {
				continue
			}
			if ep.Healthy == healthy && ep.MarkedDown == !healthy {
				return "", nil
			}
			ep.Healthy = healthy
			ep.MarkedDown = !healthy
			ep.UpdatedAt = s.opts.Now()
			changed = true
			return discovery.EventHealthChanged, nil
		}
		return "", apperrors.NotFound("endpoint", key)
	})
	return changed, err
}

// linkedName returns the record sharing endpoints with rec: the leader record
// of a stateful service, or the service record of a leader record.
func linkedName(rec discovery.Record) string {
	switch rec.Type {
	case discovery.TypeStateful:
		if name := rec.Metadata[MetaLeaderFQDN]; name != "" {
			return discovery.NormalizeName(name)
		}
		return leaderPrefix + rec.Name
	case discovery.TypeStatefulLeader:
		return strings.TrimPrefix(rec.Name, leaderPrefix)
	}
	return ""
}

// MarkNodeEndpoints sets the health of every endpoint owned by nodeID and
// returns the names of the records that changed. Marking healthy is the node
// recovery path and also clears explicit unhealthy marks.
func (s *Service) MarkNodeEndpoints(ctx context.Context, nodeID string, healthy bool) ([]string, error) {
	if nodeID == "" {
		return nil, nil
	}
	var names []string
	for name, rec := range s.current() {
		for _, ep := range rec.Endpoints {
			if ep.NodeID == nodeID && ep.Healthy != healthy {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)

	var changed []string
	for _, name := range names {
		var touched bool
		_, err := s.update(ctx, name, func(rec *discovery.Record) (discovery.EventKind, error) {
			for i := range rec.Endpoints {
				if rec.Endpoints[i].NodeID == nodeID && rec.Endpoints[i].Healthy != healthy {
					rec.Endpoints[i].Healthy = healthy
					if healthy {
						rec.Endpoints[i].MarkedDown = false
					}
					rec.Endpoints[i].UpdatedAt = s.opts.Now()
					touched = true
				}
			}
			if !touched {
				return "", nil
			}
			return discovery.EventHealthChanged, nil
		})
		if apperrors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if touched {
			changed = append(changed, name)
		}
	}
	return changed, nil
}

// --- reads ------------------------------------------------------------------

// ResolveA returns the addresses of healthy endpoints in record order.
func (s *Service) ResolveA(name string) ([]string, error) {
	rec, ok := s.lookup(name)
	if !ok {
		return nil, apperrors.NotFound("name", discovery.NormalizeName(name))
	}
	healthy := rec.Healthy()
	out := make([]string, 0, len(healthy))
	for _, ep := range healthy {
		out = append(out, ep.Address)
	}
	return out, nil
}

// ResolveSRV returns healthy endpoints with port and weight. The leader of a
// stateful service carries priority 0 and replicas priority 10.
func (s *Service) ResolveSRV(name string) ([]discovery.SRV, error) {
	rec, ok := s.lookup(name)
	if !ok {
		return nil, apperrors.NotFound("name", discovery.NormalizeName(name))
	}
	leader := rec.Metadata[MetaLeaderNode]
	healthy := rec.Healthy()
	out := make([]discovery.SRV, 0, len(healthy))
	for _, ep := range healthy {
		priority := 0
		if rec.Type == discovery.TypeStateful && leader != "" && ep.NodeID != leader {
			priority = 10
		}
		out = append(out, discovery.SRV{Address: ep.Address, Port: ep.Port, Weight: ep.Weight, Priority: priority})
	}
	return out, nil
}

// ResolveTXT returns the record's metadata.
func (s *Service) ResolveTXT(name string) (map[string]string, error) {
	rec, ok := s.lookup(name)
	if !ok {
		return nil, apperrors.NotFound("name", discovery.NormalizeName(name))
	}
	return copyMetadata(rec.Metadata), nil
}

// ResolveLeader returns the leader endpoint of a stateful service. name may be
// the service name or its leader name.
func (s *Service) ResolveLeader(name string) (discovery.Endpoint, error) {
	name = discovery.NormalizeName(name)
	rec, ok := s.lookup(name)
	if !ok {
		return discovery.Endpoint{}, apperrors.NotFound("name", name)
	}
	switch rec.Type {
	case discovery.TypeStatefulLeader:
	case discovery.TypeStateful:
		leaderName := rec.Metadata[MetaLeaderFQDN]
		if leaderName == "" {
			leaderName = leaderPrefix + name
		}
		if rec, ok = s.lookup(leaderName); !ok {
			return discovery.Endpoint{}, apperrors.NoLeader(name)
		}
	default:
		return discovery.Endpoint{}, apperrors.Validation("%s is not a stateful service", name)
	}
	healthy := rec.Healthy()
	if len(healthy) == 0 {
		return discovery.Endpoint{}, apperrors.NoLeader(name)
	}
	return healthy[0], nil
}

// ResolveWithLoadBalancing picks one healthy endpoint.
func (s *Service) ResolveWithLoadBalancing(name string, strategy discovery.Strategy) (discovery.Endpoint, error) {
	name = discovery.NormalizeName(name)
	rec, ok := s.lookup(name)
	if !ok {
		return discovery.Endpoint{}, apperrors.NotFound("name", name)
	}
	healthy := rec.Healthy()
	if len(healthy) == 0 {
		return discovery.Endpoint{}, apperrors.NoHealthyEndpoint(name)
	}

	switch strategy {
	case "", discovery.RoundRobin:
		v, _ := s.counters.LoadOrStore(name, new(atomic.Uint64))
		n := v.(*atomic.Uint64).Add(1) - 1
		return healthy[n%uint64(len(healthy))], nil
	case discovery.WeightedRandom:
		return s.pickWeighted(healthy), nil
	default:
		return discovery.Endpoint{}, apperrors.Validation("unknown load balancing strategy %q", strategy)
	}
}

func (s *Service) pickWeighted(eps []discovery.Endpoint) discovery.Endpoint {
	total := 0
	for _, ep := range eps {
		total += ep.Weight
	}
	if total <= 0 {
		return eps[0]
	}
	s.rngMu.Lock()
	pick := s.rng.IntN(total)
	s.rngMu.Unlock()
	for _, ep := range eps {
		if pick < ep.Weight {
			return ep
		}
		pick -= ep.Weight
	}
	return eps[len(eps)-1]
}

// ListRecords returns every record sorted by name. Unhealthy endpoints are
// dropped unless includeUnhealthy is set.
func (s *Service) ListRecords(includeUnhealthy bool) []discovery.Record {
	cur := s.current()
	out := make([]discovery.Record, 0, len(cur))
	for _, rec := range cur {
		rec = rec.Clone()
		if !includeUnhealthy {
			rec.Endpoints = rec.Healthy()
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- watch ------------------------------------------------------------------

// Watch streams change events until ctx is done. Slow consumers miss events
// rather than stall writers.
func (s *Service) Watch(ctx context.Context) <-chan discovery.Event {
	ch := make(chan discovery.Event, watchBufferSize)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}()
	return ch
}

func (s *Service) publish(kind discovery.EventKind, rec discovery.Record) {
	evt := discovery.Event{Kind: kind, Name: rec.Name, Type: rec.Type, Version: rec.Version, At: rec.UpdatedAt}
	if kind != discovery.EventDeregistered {
		cp := rec.Clone()
		evt.Record = &cp
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			s.log.WithField("subscriber", id).WithField("name", rec.Name).Warn("watcher too slow, event dropped")
		}
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func equalMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func equalEndpoints(a, b []discovery.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Key() != y.Key() || x.Healthy != y.Healthy || x.MarkedDown != y.MarkedDown || x.Weight != y.Weight || x.NodeID != y.NodeID {
			return false
		}
	}
	return true
}
