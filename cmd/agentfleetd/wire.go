package main

import (
	"context"
	"fmt"
	"net/url"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/hupe1980/agentfleet"
	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	redisbroker "github.com/hupe1980/agentfleet/broker/redis"
	"github.com/hupe1980/agentfleet/dispatcher"
	"github.com/hupe1980/agentfleet/internal/config"
	"github.com/hupe1980/agentfleet/internal/scheduler"
	"github.com/hupe1980/agentfleet/logging"
	"github.com/hupe1980/agentfleet/model"
	"github.com/hupe1980/agentfleet/model/anthropic"
	"github.com/hupe1980/agentfleet/model/openai"
	"github.com/hupe1980/agentfleet/orchestrator"
	"github.com/hupe1980/agentfleet/session"
	"github.com/hupe1980/agentfleet/transport"
)

const (
	jobSnapshotFlush  = "snapshot-flush"
	jobRetentionSweep = "retention-sweep"
)

// daemon holds the wired components of one replica.
type daemon struct {
	logger    *logging.FleetLogger
	broker    broker.Broker
	fleet     *agentfleet.Fleet
	hub       *transport.Hub
	server    *transport.Server
	scheduler *scheduler.Scheduler
}

func wire(cfg config.Config) (*daemon, error) {
	instance := core.NewID()
	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, false).WithInstance(instance)

	b, err := newBroker(cfg, logger)
	if err != nil {
		return nil, err
	}

	m, err := newModel(cfg.Model)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	orch := orchestrator.New(m, func(o *orchestrator.Options) {
		if cfg.Model.Instructions != "" {
			o.DefaultInstruction = orchestrator.NewInstructionFromText(cfg.Model.Instructions)
		}
		o.Stream = cfg.Model.Stream
		o.Logger = logger.WithComponent("orchestrator")
	})

	d := &daemon{logger: logger, broker: b}

	d.hub = transport.NewHub(func(o *transport.HubOptions) {
		o.Welcome = d.welcome
		o.OnMessage = func(room string, data []byte) { d.server.HandleClientMessage(room, data) }
		o.Logger = logger.WithComponent("hub")
	})

	d.fleet = agentfleet.New(b, orch, func(o *agentfleet.Options) {
		o.DispatcherConfig = dispatcher.Config{
			MaxWorkers:   cfg.Dispatcher.MaxWorkers,
			PollInterval: cfg.Dispatcher.PollInterval,
			PendingTTL:   cfg.Dispatcher.PendingTTL,
			CompletedTTL: cfg.Dispatcher.CompletedTTL,
			TaskTimeout:  cfg.Dispatcher.TaskTimeout,
		}
		o.SessionConfig = session.Config{
			MaxSessions: cfg.Session.MaxSessions,
			MaxCounters: cfg.Session.MaxCounters,
			SnapshotTTL: cfg.Session.SnapshotTTL,
		}
		o.ContextTTL = cfg.Mesh.ContextTTL
		o.ResultCacheSize = cfg.Mesh.ResultCacheSize
		o.Prefix = cfg.Prefix
		o.Instance = instance
		o.Broadcast = d.hub.Broadcast
		o.Logger = logger
	})

	d.server = transport.NewServer(d.fleet.Dispatcher, d.fleet.Sessions, d.fleet.Mesh, d.hub, func(o *transport.ServerOptions) {
		o.Logger = logger.WithComponent("http")
	})

	d.scheduler = scheduler.New(func(o *scheduler.Options) {
		o.Logger = logger.WithComponent("scheduler")
	})
	if err := d.scheduler.Register(jobSnapshotFlush, cfg.Jobs.SnapshotFlush, d.flushSnapshots); err != nil {
		d.close()
		return nil, err
	}
	if err := d.scheduler.Register(jobRetentionSweep, cfg.Jobs.RetentionSweep, d.sweepRetention); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// welcome joins the mesh to the session of a connecting client and hands it
// the full sync frame.
func (d *daemon) welcome(room string) (string, any, bool) {
	if err := d.fleet.Mesh.JoinSession(context.Background(), room); err != nil {
		d.logger.Warn("Failed to join mesh session", "session_id", room, "error", err)
	}
	return d.server.Welcome(room)
}

func (d *daemon) flushSnapshots(ctx context.Context) error {
	defer d.logger.StartTimer(jobSnapshotFlush)()
	n, err := d.fleet.FlushSnapshots(ctx)
	d.logger.Debug("Snapshots flushed", "count", n)
	return err
}

func (d *daemon) sweepRetention(ctx context.Context) error {
	defer d.logger.StartTimer(jobRetentionSweep)()
	_, err := d.fleet.SweepRetention(ctx)
	return err
}

func (d *daemon) close() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.fleet != nil {
		d.fleet.Stop()
	}
	if err := d.broker.Close(); err != nil {
		d.logger.Warn("Broker close failed", "error", err)
	}
}

func newBroker(cfg config.Config, logger *logging.FleetLogger) (broker.Broker, error) {
	if cfg.Redis.URL == "" {
		logger.Info("Using in-memory broker; replicas will not share state")
		return broker.NewInMemoryBroker(func(o *broker.InMemoryOptions) {
			o.Logger = logger.WithComponent("broker")
		}), nil
	}
	b, err := redisbroker.NewFromURL(cfg.Redis.URL, func(o *redisbroker.Options) {
		o.Logger = logger.WithComponent("broker")
	})
	if err != nil {
		return nil, err
	}
	if err := b.Ping(context.Background()); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("connect redis %s: %w", redactURL(cfg.Redis.URL), err)
	}
	return b, nil
}

func newModel(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "mock", "":
		return model.NewMockModel("mock", "mock"), nil
	case "openai":
		var opts []openaioption.RequestOption
		if cfg.APIKey != "" {
			opts = append(opts, openaioption.WithAPIKey(cfg.APIKey))
		}
		client := openaisdk.NewClient(opts...)
		return openai.NewModelFromClient(&client, func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxTokens
		}), nil
	case "anthropic":
		var opts []anthropicoption.RequestOption
		if cfg.APIKey != "" {
			opts = append(opts, anthropicoption.WithAPIKey(cfg.APIKey))
		}
		client := anthropicsdk.NewClient(opts...)
		return anthropic.NewModelFromClient(&client, func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
