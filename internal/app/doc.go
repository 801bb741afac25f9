// Package app composes the DWS control plane.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Wiring and lifecycle
//	├── domain/             # Data types shared across services
//	│   ├── node/           # Nodes, health, capacity ranking
//	│   ├── stateful/       # Replicated services and replicas
//	│   ├── discovery/      # Records, endpoints, queries, events
//	│   └── worker/         # Stateless worker catalogue and placements
//	├── storage/            # Store interfaces
//	│   ├── memory/         # In-memory implementation
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/
//	│   ├── nodes/          # Node registry and heartbeat tracking
//	│   ├── discovery/      # Name resolution and load balancing
//	│   ├── stateful/       # Stateful provisioner, failover, self-heal
//	│   ├── workers/        # Stateless worker deployer
//	│   └── sweeper/        # Scheduled health sweep
//	├── lock/               # Per-service mutation locks (in-process, Redis)
//	├── httpapi/            # HTTP handlers and routing
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Config-driven assembly of stores, lock and HTTP server
//	└── system/             # Lifecycle manager
//
// # Lifecycle
//
// Start runs discovery (loads persisted records), then the node registry
// (resets stored nodes to unknown health), then the sweeper. Stop runs in
// reverse. Node registry events fan out to discovery endpoint health, the
// stateful provisioner and the worker deployer, in that order.
//
// # Usage
//
//	application, err := app.New(app.Stores{}, app.Options{}, log)
//	if err != nil {
//	    return err
//	}
//	if err := application.Start(ctx); err != nil {
//	    return err
//	}
//	defer application.Stop(ctx)
package app
