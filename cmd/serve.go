package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/cron"
	"github.com/nextlevelbuilder/clawworker/internal/gateway"
	"github.com/nextlevelbuilder/clawworker/internal/scheduler"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker: gateway, task queues, cron and bus consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.startMCP(ctx)

	dispatcher := scheduler.NewDispatcher(ctx, rt.router, scheduler.QueueConfig{
		Backlog: cfg.Queue.Backlog,
		Hooks:   rt.hooks,
		Events:  rt.bus,
	})
	defer dispatcher.Close()

	cronSvc, err := startCron(cfg, dispatcher)
	if err != nil {
		return err
	}
	defer cronSvc.Stop()

	if watcher, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			rt.reload(next)
			rt.bus.Broadcast(bus.Event{Name: protocol.EventConfigReloaded})
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := startTransports(gctx, g, cfg, rt); err != nil {
		return err
	}

	g.Go(func() error {
		dispatchInbound(gctx, rt, dispatcher)
		return nil
	})

	srv := gateway.NewServer(cfg.Gateway, gateway.Deps{
		Agents:     rt.router,
		Dispatcher: dispatcher,
		Bus:        rt.bus,
		Sessions:   rt.stores.Sessions,
		MCP:        rt.mcp,
		Cron:       cronSvc,
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	switch ln, closeTailnet, err := listenTailnet(cfg.Gateway.Tailscale); {
	case err != nil:
		slog.Warn("tailnet listener disabled", "error", err)
	case ln != nil:
		defer closeTailnet()
		slog.Info("tailnet listener started", "hostname", cfg.Gateway.Tailscale.Hostname, "tls", cfg.Gateway.Tailscale.EnableTLS)
		g.Go(func() error {
			return srv.ServeListener(gctx, ln)
		})
	}

	slog.Info("clawworker started",
		"version", Version,
		"agents", cfg.AgentIDs(),
		"store", cfg.Store.Driver,
		"gateway", cfg.Gateway.Addr(),
	)

	err = g.Wait()
	slog.Info("clawworker stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startCron starts the cron service and syncs config-declared jobs into
// its store. Each firing submits a task without waiting for it to run;
// only a full backlog is retried.
func startCron(cfg *config.Config, dispatcher *scheduler.Dispatcher) (*cron.Service, error) {
	svc := cron.NewService(config.ExpandHome(cfg.Cron.StorePath), func(ctx context.Context, job *cron.Job) (string, error) {
		task := job.Task(time.Now())
		if _, err := dispatcher.Submit(ctx, task); err != nil {
			return "", err
		}
		return task.TaskID, nil
	})
	retry := cron.DefaultRetryConfig()
	retry.Retryable = func(err error) bool { return errors.Is(err, scheduler.ErrQueueFull) }
	svc.SetRetryConfig(retry)

	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}
	for _, spec := range cfg.Cron.Jobs {
		sched := cron.Schedule{Kind: "cron", Expr: spec.Expr}
		if spec.EveryMs > 0 {
			every := spec.EveryMs
			sched = cron.Schedule{Kind: "every", EveryMS: &every}
		}
		payload := cron.Payload{Title: spec.Title, Description: spec.Description, Priority: spec.Priority}
		job, created, err := svc.EnsureJob(spec.Name, config.NormalizeAgentID(spec.AgentID), sched, payload)
		if err != nil {
			slog.Warn("cron job from config rejected", "name", spec.Name, "error", err)
			continue
		}
		if created {
			slog.Info("cron job registered", "name", job.Name, "id", job.ID, "agent", job.AgentID)
		}
	}
	return svc, nil
}

// startTransports connects the optional Redis and AMQP transports. Both
// feed the local bus; Redis also mirrors bus events outward.
func startTransports(ctx context.Context, g *errgroup.Group, cfg *config.Config, rt *runtime) error {
	forward := func(env protocol.InboundEnvelope) {
		if err := rt.bus.PublishInbound(ctx, env); err != nil {
			slog.Debug("inbound dropped", "kind", env.Kind, "error", err)
		}
	}

	if cfg.Bus.Redis.Addr != "" {
		rcfg := bus.RedisConfig{
			Addr:        cfg.Bus.Redis.Addr,
			Password:    cfg.Bus.Redis.Password,
			DB:          cfg.Bus.Redis.DB,
			InboundKey:  cfg.Bus.Redis.InboundKey,
			EventPrefix: cfg.Bus.Redis.EventPrefix,
		}
		client, err := bus.NewRedisClient(ctx, rcfg)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() { client.Close() })
		bus.NewRedisPublisher(client, rcfg).Attach(rt.bus)
		consumer := bus.NewRedisConsumer(client, rcfg)
		g.Go(func() error {
			return ignoreCanceled(consumer.Run(ctx, forward))
		})
		slog.Info("redis transport enabled", "addr", rcfg.Addr)
	}

	if cfg.Bus.AMQP.URL != "" {
		consumer, err := bus.NewAMQPConsumer(bus.AMQPConfig{
			URL:      cfg.Bus.AMQP.URL,
			Queue:    cfg.Bus.AMQP.Queue,
			Prefetch: cfg.Bus.AMQP.Prefetch,
			Durable:  cfg.Bus.AMQP.Durable,
		})
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() { consumer.Close() })
		g.Go(func() error {
			return ignoreCanceled(consumer.Run(ctx, forward))
		})
		slog.Info("amqp transport enabled", "queue", cfg.Bus.AMQP.Queue)
	}
	return nil
}

// dispatchInbound routes inbound envelopes until ctx ends: tasks go to the
// dispatcher, chat turns run directly on their agent.
func dispatchInbound(ctx context.Context, rt *runtime, dispatcher *scheduler.Dispatcher) {
	for {
		env, ok := rt.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		switch env.Kind {
		case protocol.InboundTask:
			if env.Task == nil {
				slog.Warn("inbound task envelope without task")
				continue
			}
			if _, err := dispatcher.Submit(ctx, *env.Task); err != nil {
				slog.Warn("inbound task rejected", "task", env.Task.TaskID, "agent", env.Task.AgentID, "error", err)
			}
		case protocol.InboundChat:
			if env.Chat == nil {
				slog.Warn("inbound chat envelope without turn")
				continue
			}
			go runInboundChat(ctx, rt, *env.Chat)
		default:
			slog.Warn("inbound envelope of unknown kind", "kind", env.Kind)
		}
	}
}

// runInboundChat runs a chat turn taken off Redis or AMQP. The agent publishes
// the reply as a chat "message" event; failures that happen before the
// agent runs are published here under the same run ID.
func runInboundChat(ctx context.Context, rt *runtime, turn protocol.ChatTurn) {
	if turn.RunID == "" {
		turn.RunID = uuid.NewString()
	}
	ag, err := rt.router.Get(turn.AgentID)
	if err != nil {
		slog.Warn("inbound chat rejected", "agent", turn.AgentID, "run", turn.RunID, "error", err)
		publishChatFailure(rt.bus, turn, err)
		return
	}
	result, err := ag.StartChat(ctx, turn)
	if err != nil {
		slog.Warn("inbound chat failed", "agent", turn.AgentID, "run", turn.RunID, "error", err)
		if errors.Is(err, agent.ErrNoProvider) {
			publishChatFailure(rt.bus, turn, err)
		}
		return
	}
	slog.Info("inbound chat done", "agent", turn.AgentID, "run", turn.RunID, "session", result.SessionID, "rounds", result.Rounds)
}

func publishChatFailure(events bus.EventPublisher, turn protocol.ChatTurn, err error) {
	events.Broadcast(bus.Event{Name: protocol.EventChat, Payload: bus.AgentEvent{
		Type:      protocol.ChatEventMessage,
		AgentID:   turn.AgentID,
		SessionID: turn.SessionID,
		RunID:     turn.RunID,
		Payload: &protocol.RunResult{
			SessionID: turn.SessionID,
			Artifacts: []string{},
			State:     string(agent.StateFatal),
			Error:     err.Error(),
		},
	}})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
