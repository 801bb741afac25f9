// Package sweeper runs the periodic health sweep: stale nodes are marked and
// evicted, then stateful services and workers are reconciled against the
// result.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/dws/internal/app/metrics"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	"github.com/R3E-Network/dws/internal/app/services/stateful"
	"github.com/R3E-Network/dws/internal/app/services/workers"
	"github.com/R3E-Network/dws/internal/app/system"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
)

const (
	DefaultSchedule = "@every 30s"
	DefaultTimeout  = 20 * time.Second
)

var _ system.Service = (*Sweeper)(nil)

// NodeSweeper marks and evicts silent nodes.
type NodeSweeper interface {
	Sweep(ctx context.Context) (nodes.SweepResult, error)
}

// StatefulReconciler repairs stateful services after a sweep.
type StatefulReconciler interface {
	Reconcile(ctx context.Context) (stateful.ReconcileResult, error)
}

// WorkerReconciler repairs workers after a sweep.
type WorkerReconciler interface {
	Reconcile(ctx context.Context) (workers.ReconcileResult, error)
}

// Report is the outcome of one run.
type Report struct {
	Nodes    nodes.SweepResult        `json:"nodes"`
	Stateful stateful.ReconcileResult `json:"stateful"`
	Workers  workers.ReconcileResult  `json:"workers"`
	Started  time.Time                `json:"started"`
	Duration time.Duration            `json:"duration"`
}

// Options tunes the sweeper.
type Options struct {
	Schedule string
	Timeout  time.Duration
}

// Sweeper schedules sweeps on a cron and exposes RunOnce for manual runs.
type Sweeper struct {
	registry NodeSweeper
	stateful StatefulReconciler
	workers  WorkerReconciler
	log      *logging.Logger
	opts     Options

	runMu sync.Mutex
	last  Report

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// New constructs a sweeper. The reconcilers are optional.
func New(registry NodeSweeper, st StatefulReconciler, wk WorkerReconciler, opts Options, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.NewDefault("sweeper")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Sweeper{registry: registry, stateful: st, workers: wk, log: log, opts: opts}
}

func (s *Sweeper) Name() string { return "health-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(
		cron.WithLogger(cronLogger{entry: s.log.WithField("component", "cron")}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{entry: s.log.WithField("component", "cron")})),
	)
	if _, err := c.AddFunc(s.opts.Schedule, func() { s.tick(runCtx) }); err != nil {
		cancel()
		return apperrors.Validation("invalid sweep schedule %q: %v", s.opts.Schedule, err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.WithField("schedule", s.opts.Schedule).Info("health sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel, s.running = nil, nil, false
	s.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("health sweeper stopped")
	return nil
}

// Running reports whether the schedule is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the report of the most recent completed run.
func (s *Sweeper) Last() Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.last
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.WithError(err).Warn("health sweep failed")
	}
}

// RunOnce sweeps the registry and then reconciles. Runs never overlap.
func (s *Sweeper) RunOnce(ctx context.Context) (report Report, err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report.Started = time.Now()
	defer func() {
		report.Duration = time.Since(report.Started)
		metrics.RecordSweep(report.Duration, err == nil)
		if err == nil {
			s.last = report
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	report.Nodes, err = s.registry.Sweep(ctx)
	if err != nil {
		return report, err
	}
	if s.stateful != nil {
		if report.Stateful, err = s.stateful.Reconcile(ctx); err != nil {
			return report, err
		}
	}
	if s.workers != nil {
		if report.Workers, err = s.workers.Reconcile(ctx); err != nil {
			return report, err
		}
	}

	if len(report.Nodes.MarkedUnhealthy)+len(report.Nodes.Evicted)+
		len(report.Stateful.Failovers)+len(report.Stateful.Healed)+
		len(report.Workers.Redeployed) > 0 {
		s.log.WithField("marked_unhealthy", report.Nodes.MarkedUnhealthy).
			WithField("evicted", report.Nodes.Evicted).
			WithField("failovers", report.Stateful.Failovers).
			WithField("healed", report.Stateful.Healed).
			WithField("redeployed", report.Workers.Redeployed).
			Info("health sweep applied changes")
	}
	return report, nil
}

// cronLogger routes cron's internal logging through logrus.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kv(keysAndValues)).Error(msg)
}

func kv(pairs []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if k, ok := pairs[i].(string); ok {
			fields[k] = pairs[i+1]
		}
	}
	return fields
}
