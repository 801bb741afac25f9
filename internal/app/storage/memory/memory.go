package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/stateful"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/storage"
	apperrors "github.com/R3E-Network/dws/internal/errors"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	nodes    map[string]node.Node
	stateful map[string]stateful.Service
	workers  map[string]worker.Service
	records  map[string]discovery.Record
}

var _ storage.NodeStore = (*Store)(nil)
var _ storage.StatefulStore = (*Store)(nil)
var _ storage.WorkerStore = (*Store)(nil)
var _ storage.RecordStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:   1,
		nodes:    make(map[string]node.Node),
		stateful: make(map[string]stateful.Service),
		workers:  make(map[string]worker.Service),
		records:  make(map[string]discovery.Record),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// NodeStore implementation ----------------------------------------------------

func (s *Store) CreateNode(_ context.Context, n node.Node) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = s.nextIDLocked()
	} else if _, exists := s.nodes[n.ID]; exists {
		return node.Node{}, apperrors.Validation("node %s already exists", n.ID)
	}

	now := time.Now().UTC()
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	s.nodes[n.ID] = n.Clone()
	return n.Clone(), nil
}

func (s *Store) UpdateNode(_ context.Context, n node.Node) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.nodes[n.ID]
	if !ok {
		return node.Node{}, apperrors.NotFound("node", n.ID)
	}
	n.RegisteredAt = original.RegisteredAt
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now().UTC()
	}
	s.nodes[n.ID] = n.Clone()
	return n.Clone(), nil
}

func (s *Store) GetNode(_ context.Context, id string) (node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return node.Node{}, apperrors.NotFound("node", id)
	}
	return n.Clone(), nil
}

func (s *Store) ListNodes(_ context.Context) ([]node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		result = append(result, n.Clone())
	}
	node.SortByID(result)
	return result, nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return apperrors.NotFound("node", id)
	}
	delete(s.nodes, id)
	return nil
}

// StatefulStore implementation ------------------------------------------------

func (s *Store) CreateStatefulService(_ context.Context, svc stateful.Service) (stateful.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if svc.ID == "" {
		svc.ID = s.nextIDLocked()
	} else if _, exists := s.stateful[svc.ID]; exists {
		return stateful.Service{}, apperrors.Validation("stateful service %s already exists", svc.ID)
	}
	for _, existing := range s.stateful {
		if existing.Name == svc.Name {
			return stateful.Service{}, apperrors.Validation("stateful service name %q already in use", svc.Name)
		}
	}

	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	s.stateful[svc.ID] = svc.Clone()
	return svc.Clone(), nil
}

func (s *Store) UpdateStatefulService(_ context.Context, svc stateful.Service) (stateful.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.stateful[svc.ID]
	if !ok {
		return stateful.Service{}, apperrors.NotFound("stateful service", svc.ID)
	}
	svc.CreatedAt = original.CreatedAt
	svc.UpdatedAt = time.Now().UTC()
	s.stateful[svc.ID] = svc.Clone()
	return svc.Clone(), nil
}

func (s *Store) GetStatefulService(_ context.Context, id string) (stateful.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.stateful[id]
	if !ok {
		return stateful.Service{}, apperrors.NotFound("stateful service", id)
	}
	return svc.Clone(), nil
}

func (s *Store) ListStatefulServices(_ context.Context) ([]stateful.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]stateful.Service, 0, len(s.stateful))
	for _, svc := range s.stateful {
		result = append(result, svc.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) DeleteStatefulService(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stateful[id]; !ok {
		return apperrors.NotFound("stateful service", id)
	}
	delete(s.stateful, id)
	return nil
}

// WorkerStore implementation --------------------------------------------------

func (s *Store) CreateWorker(_ context.Context, svc worker.Service) (worker.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if svc.ID == "" {
		svc.ID = s.nextIDLocked()
	} else if _, exists := s.workers[svc.ID]; exists {
		return worker.Service{}, apperrors.Validation("worker %s already exists", svc.ID)
	}
	for _, existing := range s.workers {
		if existing.Name == svc.Name {
			return worker.Service{}, apperrors.Validation("worker name %q already in use", svc.Name)
		}
	}

	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	s.workers[svc.ID] = svc
	return svc, nil
}

func (s *Store) UpdateWorker(_ context.Context, svc worker.Service) (worker.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.workers[svc.ID]
	if !ok {
		return worker.Service{}, apperrors.NotFound("worker", svc.ID)
	}
	svc.CreatedAt = original.CreatedAt
	svc.UpdatedAt = time.Now().UTC()
	s.workers[svc.ID] = svc
	return svc, nil
}

func (s *Store) GetWorker(_ context.Context, id string) (worker.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.workers[id]
	if !ok {
		return worker.Service{}, apperrors.NotFound("worker", id)
	}
	return svc, nil
}

func (s *Store) ListWorkers(_ context.Context) ([]worker.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]worker.Service, 0, len(s.workers))
	for _, svc := range s.workers {
		result = append(result, svc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) DeleteWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return apperrors.NotFound("worker", id)
	}
	delete(s.workers, id)
	return nil
}

// RecordStore implementation --------------------------------------------------

func (s *Store) PutRecord(_ context.Context, rec discovery.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Name] = rec.Clone()
	return nil
}

func (s *Store) DeleteRecord(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, name)
	return nil
}

func (s *Store) ListRecords(_ context.Context) ([]discovery.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]discovery.Record, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}
