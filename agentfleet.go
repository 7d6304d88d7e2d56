// Package agentfleet provides a high-level façade over the three coordination
// components of a fleet replica, all sharing one broker:
//  1. dispatcher.Dispatcher queues and executes agent tasks across replicas
//  2. mesh.Coordinator tracks agents and routes delegations between them
//  3. session.Manager keeps per-session state in sync across replicas
//
// Most applications create a Fleet via New, Start it, and talk to the
// components directly. Every replica of a deployment runs its own Fleet on
// the same broker; the in-memory broker is sufficient for single-process use
// and tests, broker/redis for multi-replica deployments.
package agentfleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/dispatcher"
	"github.com/hupe1980/agentfleet/logging"
	"github.com/hupe1980/agentfleet/mesh"
	"github.com/hupe1980/agentfleet/session"
)

// Options configures a Fleet.
type Options struct {
	DispatcherConfig dispatcher.Config
	SessionConfig    session.Config

	// ContextTTL is the retention of persisted shared contexts. Zero keeps
	// the coordinator default.
	ContextTTL time.Duration
	// ResultCacheSize bounds remembered delegation results. Zero keeps the
	// coordinator default.
	ResultCacheSize int

	// Prefix namespaces every broker key and channel.
	Prefix string
	// Instance identifies this replica. Defaults to a new id.
	Instance string
	// Broadcast receives every session sync action. Optional.
	Broadcast session.BroadcastFunc

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Fleet aggregates the components of one replica.
type Fleet struct {
	Dispatcher *dispatcher.Dispatcher
	Mesh       *mesh.Coordinator
	Sessions   *session.Manager

	broker   broker.Broker
	instance string
	logger   logging.Logger

	mu      sync.Mutex
	started bool
}

// New creates a Fleet on b. orch executes the tasks claimed by this replica.
func New(b broker.Broker, orch core.Orchestrator, optFns ...func(o *Options)) *Fleet {
	opts := Options{
		DispatcherConfig: dispatcher.DefaultConfig,
		SessionConfig:    session.DefaultConfig,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Instance == "" {
		opts.Instance = core.NewID()
	}

	keys := broker.NewKeys(opts.Prefix)
	logger := logging.OrNoOp(opts.Logger)

	f := &Fleet{
		broker:   b,
		instance: opts.Instance,
		logger:   logger,
	}
	f.Dispatcher = dispatcher.New(b, orch, func(o *dispatcher.Options) {
		o.Config = opts.DispatcherConfig
		o.Keys = keys
		o.WorkerID = opts.Instance
		o.Logger = componentLogger(logger, "dispatcher")
	})
	f.Mesh = mesh.New(b, func(o *mesh.Options) {
		o.Keys = keys
		o.Instance = opts.Instance
		if opts.ContextTTL > 0 {
			o.ContextTTL = opts.ContextTTL
		}
		if opts.ResultCacheSize > 0 {
			o.ResultCacheSize = opts.ResultCacheSize
		}
		o.Logger = componentLogger(logger, "mesh")
	})
	f.Sessions = session.New(b, func(o *session.Options) {
		o.Config = opts.SessionConfig
		o.Keys = keys
		o.Instance = opts.Instance
		o.Broadcast = opts.Broadcast
		o.Logger = componentLogger(logger, "session")
	})
	return f
}

// Instance returns the replica id shared by all components.
func (f *Fleet) Instance() string { return f.instance }

// Start runs the session listener and the dispatcher loops. The mesh
// subscribes on demand and needs no start.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return errors.New("fleet already started")
	}
	if err := f.Sessions.Start(ctx); err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}
	if err := f.Dispatcher.Start(ctx); err != nil {
		f.Sessions.Stop()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	f.started = true
	f.logger.Info("Fleet started", "instance", f.instance)
	return nil
}

// Stop shuts the components down and waits for their loops. In-flight tasks
// are cancelled.
func (f *Fleet) Stop() {
	f.mu.Lock()
	started := f.started
	f.started = false
	f.mu.Unlock()

	f.Dispatcher.Stop()
	f.Sessions.Stop()
	f.Mesh.Stop()
	if started {
		f.logger.Info("Fleet stopped", "instance", f.instance)
	}
}

// Run starts the fleet, blocks until ctx is done and stops it.
func (f *Fleet) Run(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	f.Stop()
	return nil
}

// MaintenanceReport summarises one Maintain pass.
type MaintenanceReport struct {
	SnapshotsPersisted int
	TasksSwept         int
}

// FlushSnapshots persists every cached session state.
func (f *Fleet) FlushSnapshots(ctx context.Context) (int, error) {
	return f.Sessions.PersistAll(ctx)
}

// SweepRetention drops queue members whose task records expired.
func (f *Fleet) SweepRetention(ctx context.Context) (int, error) {
	return f.Dispatcher.SweepRetention(ctx)
}

// Maintain runs FlushSnapshots and SweepRetention. Both run even if the first
// fails; the errors are joined.
func (f *Fleet) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var errs []error

	n, err := f.FlushSnapshots(ctx)
	report.SnapshotsPersisted = n
	if err != nil {
		errs = append(errs, fmt.Errorf("flush snapshots: %w", err))
	}

	n, err = f.SweepRetention(ctx)
	report.TasksSwept = n
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep retention: %w", err))
	}

	return report, errors.Join(errs...)
}

func componentLogger(l logging.Logger, component string) logging.Logger {
	if fl, ok := l.(*logging.FleetLogger); ok {
		return fl.WithComponent(component)
	}
	return l
}
