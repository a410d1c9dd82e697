package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/driftlab/chatrelay/internal/agent"
	"github.com/driftlab/chatrelay/internal/broadcast"
	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/config"
	"github.com/driftlab/chatrelay/internal/gateway"
	"github.com/driftlab/chatrelay/internal/pipeline"
	"github.com/driftlab/chatrelay/internal/quota"
	"github.com/driftlab/chatrelay/internal/sandbox"
	"github.com/driftlab/chatrelay/internal/scheduler"
	"github.com/driftlab/chatrelay/internal/store"
	"github.com/driftlab/chatrelay/internal/store/pg"
	"github.com/driftlab/chatrelay/internal/store/sqlite"
	"github.com/driftlab/chatrelay/internal/telemetry"
	"github.com/driftlab/chatrelay/internal/trigger"
	"github.com/driftlab/chatrelay/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	st, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	msgCast := broadcast.New[bus.ChatMessage]("messages", cfg.Gateway.EventBuffer)
	chanCast := broadcast.New[bus.ChannelEvent]("channels", cfg.Gateway.EventBuffer)
	boosts := quota.New()

	var schedOpts []scheduler.Option
	if cfg.Sandbox.Enabled {
		sb, sbErr := sandbox.NewDocker(cfg.Sandbox)
		if sbErr != nil {
			slog.Warn("sandbox disabled: Docker not available", "error", sbErr)
		} else {
			defer sb.Close()
			schedOpts = append(schedOpts, scheduler.WithSandbox(sb))
			slog.Info("sandbox enabled", "prefix", cfg.Sandbox.ContainerPrefix)
		}
	}

	// The runner's reply sink and the run observer point back at components
	// constructed after the scheduler, so both bind late through captured
	// pointers; nothing runs until the gateway is serving.
	var pipe *pipeline.Pipeline
	var server *gateway.Server
	runner := agent.NewHTTPRunner(cfg.Agent, func(ctx context.Context, chatKey, content string) error {
		return pipe.PushBotMessage(ctx, chatKey, content)
	})
	schedOpts = append(schedOpts, scheduler.WithObserver(func(ev scheduler.RunEvent) {
		if server != nil {
			server.BroadcastEvent(*protocol.NewEvent(protocol.EventRun, ev))
		}
	}))

	sched := scheduler.New(scheduler.Config{DebounceWait: cfg.Scheduler.DebounceWait()},
		runner, schedOpts...)
	pipe = pipeline.New(cfg.Chat, st, sched, msgCast, chanCast, boosts)

	triggers, err := trigger.New(cfg.Triggers, func(_ context.Context, chatKey string) error {
		sched.Submit(chatKey, nil)
		return nil
	})
	if err != nil {
		slog.Error("invalid trigger config", "error", err)
		os.Exit(1)
	}

	if watcher, werr := config.NewWatcher(cfgPath, func(fresh *config.Config) {
		pipe.UpdateChatConfig(fresh.Chat)
	}); werr != nil {
		slog.Warn("config watch disabled", "error", werr)
	} else {
		watcher.Start(ctx)
	}

	server = gateway.NewServer(cfg, pipe, sched, st, boosts, msgCast, chanCast)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		err := triggers.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// openStores picks Postgres when a DSN is configured, local SQLite otherwise.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		slog.Info("storage: postgres")
		return pg.NewStores(dsn)
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	slog.Info("storage: sqlite", "path", path)
	return sqlite.NewStores(path)
}
