package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/chatgate/internal/agentgateway"
	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/bluebubbles"
	"github.com/memohai/chatgate/internal/channel/adapters/telegram"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/dedupe"
	"github.com/memohai/chatgate/internal/events"
	"github.com/memohai/chatgate/internal/handlers"
	"github.com/memohai/chatgate/internal/history"
	"github.com/memohai/chatgate/internal/inbound"
	"github.com/memohai/chatgate/internal/lane"
	"github.com/memohai/chatgate/internal/logger"
	"github.com/memohai/chatgate/internal/pairing"
	"github.com/memohai/chatgate/internal/policy"
	"github.com/memohai/chatgate/internal/reply"
	"github.com/memohai/chatgate/internal/server"
	"github.com/memohai/chatgate/internal/shortid"
	"github.com/memohai/chatgate/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
				return errors.New("auth.jwt_secret is required to serve the admin API")
			}
			runServe(cfg)
			return nil
		},
	}
}

func runServe(cfg config.Config) {
	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideRegistry,
			provideDedupeGuard,
			providePairingStore,
			provideCoordinator,
			provideShortIDs,
			provideHistory,
			events.NewQueue,
			provideLanes,
			provideGate,
			provideDispatcher,
			provideOrchestrator,
			provideProcessor,
			provideIngress,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewChannelHandler),
			provideServerHandler(handlers.NewPairingHandler),
			provideServerHandler(handlers.NewStatsHandler),
			provideServerHandler(provideTokenHandler),
			provideServer,
		),
		fx.Invoke(
			startPruner,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideRegistry(log *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	if err := registry.Register(bluebubbles.NewAdapter(log, nil)); err != nil {
		return nil, err
	}
	if err := registry.Register(telegram.NewTelegramAdapter(log)); err != nil {
		return nil, err
	}
	return registry, nil
}

func provideDedupeGuard(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) dedupe.Guard {
	memory := dedupe.NewMemoryGuard(cfg.Dedupe.Capacity)
	if cfg.Dedupe.Backend != "redis" {
		return memory
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return dedupe.NewRedisGuard(log, client, config.Duration(cfg.Dedupe.TTL), memory)
}

func providePairingStore(lc fx.Lifecycle, cfg config.Config) (pairing.Store, error) {
	store, err := openPairingStore(context.Background(), cfg.Pairing)
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func provideCoordinator(log *slog.Logger, cfg config.Config, store pairing.Store) *pairing.Coordinator {
	return pairing.NewCoordinator(log, store, pairing.Options{
		TTL:        config.Duration(cfg.Pairing.TTL),
		MaxPending: cfg.Pairing.MaxPending,
	})
}

func provideShortIDs(cfg config.Config) *shortid.Cache {
	return shortid.New(cfg.ShortID.Capacity)
}

func provideHistory(cfg config.Config) *history.Cache {
	return history.New(history.Options{
		PerChat:  cfg.History.PerChat,
		MaxChats: cfg.History.MaxChats,
		TTL:      config.Duration(cfg.History.TTL),
	})
}

func provideLanes(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *lane.Manager {
	lanes := lane.NewManager(log, lane.Config{
		IdleTimeout: config.Duration(cfg.Lanes.IdleTimeout),
		QueueSize:   cfg.Lanes.QueueSize,
	})
	lc.Append(fx.Hook{OnStop: lanes.Stop})
	return lanes
}

func provideGate(log *slog.Logger, coord *pairing.Coordinator) *policy.Gate {
	return policy.NewGate(log, coord, nil)
}

func provideDispatcher(log *slog.Logger, cfg config.Config) (reply.Dispatcher, error) {
	client, err := agentgateway.NewClient(log, agentgateway.Config{
		BaseURL: cfg.AgentGateway.BaseURL,
		Token:   cfg.AgentGateway.Token,
		Timeout: config.Duration(cfg.AgentGateway.Timeout),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("agent gateway: %w", err)
	}
	return client, nil
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, registry *channel.Registry, shortIDs *shortid.Cache, hist *history.Cache, queue *events.Queue, dispatcher reply.Dispatcher) (*reply.Orchestrator, error) {
	orch := reply.NewOrchestrator(log, reply.Deps{
		Registry:   registry,
		ShortIDs:   shortIDs,
		History:    hist,
		Events:     queue,
		Dispatcher: dispatcher,
	})
	for _, acc := range cfg.Accounts {
		settings, err := acc.ReplySettings()
		if err != nil {
			return nil, fmt.Errorf("account %s/%s: %w", acc.Channel, acc.ID, err)
		}
		account := acc.Account()
		orch.Configure(account.Channel, account.ID, settings)
	}
	return orch, nil
}

func provideProcessor(log *slog.Logger, registry *channel.Registry, guard dedupe.Guard, lanes *lane.Manager, gate *policy.Gate, coord *pairing.Coordinator, orch *reply.Orchestrator) *inbound.Processor {
	return inbound.NewProcessor(log, inbound.Deps{
		Registry: registry,
		Guard:    guard,
		Lanes:    lanes,
		Gate:     gate,
		Pairing:  coord,
		Replier:  orch,
	})
}

func provideIngress(log *slog.Logger, cfg config.Config, registry *channel.Registry, processor *inbound.Processor) (*webhook.Ingress, error) {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		pc, err := acc.PolicyConfig()
		if err != nil {
			return nil, fmt.Errorf("account %s/%s: %w", acc.Channel, acc.ID, err)
		}
		endpoints = append(endpoints, webhook.Endpoint{
			Route:           inbound.Route{Account: acc.Account(), Policy: pc},
			Path:            acc.WebhookPath,
			RateLimitPerSec: acc.RateLimitPerSec,
			RateLimitBurst:  acc.RateLimitBurst,
		})
	}
	if len(endpoints) == 0 {
		log.Warn("no accounts configured; webhook ingress is idle")
	}
	return webhook.NewIngress(log, registry, processor, endpoints)
}

func provideTokenHandler(cfg config.Config) *handlers.TokenHandler {
	return handlers.NewTokenHandler(cfg.Auth.JWTSecret, config.Duration(cfg.Auth.JWTExpiresIn))
}

type serverParams struct {
	fx.In

	Logger   *slog.Logger
	Config   config.Config
	Ingress  *webhook.Ingress
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.Ingress.Middleware(), params.Handlers...)
}

func startPruner(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, coord *pairing.Coordinator) error {
	pruner, err := pairing.NewPruner(log, coord, cfg.Pairing.PruneSchedule)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pruner.Start()
			return nil
		},
		OnStop: pruner.Stop,
	})
	return nil
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, ingress *webhook.Ingress, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting chatgate", slog.Any("webhook_paths", ingress.Paths()))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
