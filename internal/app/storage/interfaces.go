package storage

import (
	"context"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/stateful"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
)

// NodeStore persists registered nodes. Missing rows surface as NOT_FOUND
// service errors.
type NodeStore interface {
	CreateNode(ctx context.Context, n node.Node) (node.Node, error)
	UpdateNode(ctx context.Context, n node.Node) (node.Node, error)
	GetNode(ctx context.Context, id string) (node.Node, error)
	ListNodes(ctx context.Context) ([]node.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// StatefulStore persists stateful services together with their replica set.
type StatefulStore interface {
	CreateStatefulService(ctx context.Context, svc stateful.Service) (stateful.Service, error)
	UpdateStatefulService(ctx context.Context, svc stateful.Service) (stateful.Service, error)
	GetStatefulService(ctx context.Context, id string) (stateful.Service, error)
	ListStatefulServices(ctx context.Context) ([]stateful.Service, error)
	DeleteStatefulService(ctx context.Context, id string) error
}

// WorkerStore persists deployed stateless workers.
type WorkerStore interface {
	CreateWorker(ctx context.Context, svc worker.Service) (worker.Service, error)
	UpdateWorker(ctx context.Context, svc worker.Service) (worker.Service, error)
	GetWorker(ctx context.Context, id string) (worker.Service, error)
	ListWorkers(ctx context.Context) ([]worker.Service, error)
	DeleteWorker(ctx context.Context, id string) error
}

// RecordStore is the write-through backing for the discovery table. Reads are
// served from memory; the store is consulted only on start.
type RecordStore interface {
	PutRecord(ctx context.Context, rec discovery.Record) error
	DeleteRecord(ctx context.Context, name string) error
	ListRecords(ctx context.Context) ([]discovery.Record, error)
}
