package app

import (
	"context"
	"fmt"

	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/lock"
	discoverysvc "github.com/R3E-Network/dws/internal/app/services/discovery"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	"github.com/R3E-Network/dws/internal/app/services/stateful"
	"github.com/R3E-Network/dws/internal/app/services/sweeper"
	"github.com/R3E-Network/dws/internal/app/services/workers"
	"github.com/R3E-Network/dws/internal/app/storage"
	"github.com/R3E-Network/dws/internal/app/storage/memory"
	"github.com/R3E-Network/dws/internal/app/system"
	"github.com/R3E-Network/dws/internal/logging"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Nodes    storage.NodeStore
	Stateful storage.StatefulStore
	Workers  storage.WorkerStore
	Records  storage.RecordStore
}

// Options carries per-component tuning. A nil Locker uses an in-process
// keyed lock shared by the provisioner and the worker deployer.
type Options struct {
	Registry    nodes.Options
	Discovery   discoverysvc.Options
	Provisioner stateful.Options
	Workers     workers.Options
	Sweeper     sweeper.Options
	Catalogue   []worker.Spec
	Locker      lock.Locker
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger

	Nodes     *nodes.Registry
	Discovery *discoverysvc.Service
	Stateful  *stateful.Provisioner
	Workers   *workers.Deployer
	Sweeper   *sweeper.Sweeper
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}

	mem := memory.New()
	if stores.Nodes == nil {
		stores.Nodes = mem
	}
	if stores.Stateful == nil {
		stores.Stateful = mem
	}
	if stores.Workers == nil {
		stores.Workers = mem
	}
	if stores.Records == nil {
		stores.Records = mem
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyed(stateful.DefaultLockWait)
	}

	manager := system.NewManager()

	registry := nodes.New(stores.Nodes, opts.Registry, log.Named("node-registry"))
	dns := discoverysvc.New(stores.Records, opts.Discovery, log.Named("discovery"))
	provisioner := stateful.New(registry, dns, stores.Stateful, opts.Locker, opts.Provisioner, log.Named("stateful"))
	deployer := workers.New(registry, dns, stores.Workers, opts.Locker, opts.Catalogue, opts.Workers, log.Named("workers"))
	sweep := sweeper.New(registry, provisioner, deployer, opts.Sweeper, log.Named("sweeper"))

	registry.Subscribe(func(ctx context.Context, evt nodes.Event) {
		healthy := evt.Kind == nodes.EventRecovered
		names, err := dns.MarkNodeEndpoints(ctx, evt.Node.ID, healthy)
		if err != nil {
			log.WithError(err).WithField("node_id", evt.Node.ID).Warn("update endpoints for node event")
			return
		}
		if len(names) > 0 {
			log.WithField("node_id", evt.Node.ID).
				WithField("healthy", healthy).
				WithField("records", names).
				Debug("endpoint health follows node")
		}
	})
	registry.Subscribe(provisioner.OnNodeEvent)
	registry.Subscribe(deployer.OnNodeEvent)

	for _, svc := range []system.Service{dns, registry, sweep} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Nodes:     registry,
		Discovery: dns,
		Stateful:  provisioner,
		Workers:   deployer,
		Sweeper:   sweep,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
