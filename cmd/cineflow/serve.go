package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/cineflow/internal/adapters"
	"github.com/fentz26/cineflow/internal/config"
	"github.com/fentz26/cineflow/internal/controlplane"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/observability"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/store"
	"github.com/fentz26/cineflow/internal/store/redisstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	Short:   "Start the CineFlow daemon",
	Long:    `Starts the CineFlow daemon which serves the websocket relay and the HTTP API for rooms and generations.`,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if logLevel == "" && logFormat == "" {
		if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
			return err
		}
	}
	log := slog.Default()
	log.Info("starting cineflow daemon", "config", resolvedConfigPath())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	// Initialize store
	s, err := store.New(cfg.Store.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	var snapshots store.SnapshotStore = s
	if cfg.Store.SnapshotBackend == "redis" {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		rs, err := redisstore.New(ctx, cfg.Store.RedisAddr, cfg.Store.SnapshotTTL)
		cancel()
		if err != nil {
			return err
		}
		defer rs.Close()
		snapshots = rs
		log.Info("room snapshots stored in redis", "addr", cfg.Store.RedisAddr)
	}

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(log), ratelimit.WithMetrics(metrics)}
	limiters, err := buildLimiters(cfg, log, limiterOpts...)
	if err != nil {
		return err
	}
	defer limiters.StopAll()

	var oai *openai.Client
	if cfg.OpenAI.APIKey != "" {
		oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
		if cfg.OpenAI.BaseURL != "" {
			oc.BaseURL = cfg.OpenAI.BaseURL
		}
		oai = openai.NewClientWithConfig(oc)
	}

	adapterReg, err := buildAdapters(cfg, limiters, oai, log, limiterOpts...)
	if err != nil {
		return err
	}
	log.Info("generation adapters registered", "models", adapterReg.Models())

	rooms := relay.NewManager(
		relay.WithSnapshotStore(snapshots),
		relay.WithDebounce(cfg.Store.SnapshotDebounce),
		relay.WithMaxMessageSize(cfg.Server.MaxMessageSize),
		relay.WithLogger(log),
		relay.WithMetrics(metrics),
	)

	// Create service and server
	service := controlplane.NewService(rooms, adapterReg, limiters,
		controlplane.WithHistory(s),
		controlplane.WithTaskConfig(&cfg.Tasks.Config),
		controlplane.WithAspectRatios(cfg.Features.AspectRatios),
		controlplane.WithEnhancer(adapters.NewPromptEnhancer(oai, cfg.OpenAI.ChatModel, log)),
		controlplane.WithLogger(log),
		controlplane.WithMetrics(metrics),
	)
	server := controlplane.NewServer(service, s, cfg.Server.Listen,
		controlplane.WithGatherer(registry),
		controlplane.WithServerLogger(log),
	)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", "error", err)
			service.Close()
			rooms.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	log.Info("stopping generation tasks")
	service.Close()

	log.Info("flushing room snapshots")
	rooms.Close()

	log.Info("shutdown complete")
	return nil
}

// buildLimiters creates the shared limiters and the pools balancing over
// them. The default limiter always exists.
func buildLimiters(cfg *config.Config, log *slog.Logger, opts ...ratelimit.Option) (*ratelimit.Set, error) {
	limiters := ratelimit.NewSet()
	for name, lc := range cfg.Limiters {
		lc := lc
		limiters.Add(ratelimit.New(name, &lc, opts...))
	}
	if !limiters.Has(ratelimit.DefaultName) {
		limiters.Add(ratelimit.New(ratelimit.DefaultName, nil, opts...))
	}

	for name, pc := range cfg.Pools {
		members := make([]*ratelimit.Limiter, 0, len(pc.Members))
		for _, m := range pc.Members {
			l, err := limiters.Get(m)
			if err != nil {
				limiters.StopAll()
				return nil, fmt.Errorf("pool %q: %w", name, err)
			}
			members = append(members, l)
		}
		p, err := ratelimit.NewPool(name, pc, members, ratelimit.WithPoolLogger(log))
		if err != nil {
			limiters.StopAll()
			return nil, err
		}
		limiters.AddPool(p)
	}
	return limiters, nil
}

// buildAdapters registers one adapter per configured model. Models without
// an entry fall back to the stub. A provider that names no limiter gets one
// of its own, configured like the default limiter, so unrelated providers
// never share a quota.
func buildAdapters(cfg *config.Config, limiters *ratelimit.Set, oai *openai.Client, log *slog.Logger, opts ...ratelimit.Option) (*adapters.Registry, error) {
	reg := adapters.NewRegistry(adapters.NewStub(cfg.Tasks.StubDuration), log)

	base := ratelimit.DefaultConfig()
	if dc, ok := cfg.Limiters[ratelimit.DefaultName]; ok {
		base = &dc
	}

	for model, p := range cfg.Providers {
		var modelOpts []adapters.ModelOption
		if p.Kind != "" {
			modelOpts = append(modelOpts, adapters.AsKind(models.NodeKind(p.Kind)))
		}
		if p.Disabled {
			modelOpts = append(modelOpts, adapters.Disabled())
		}

		if p.Type == config.ProviderStub {
			reg.Register(model, adapters.NewStub(cfg.Tasks.StubDuration), modelOpts...)
			continue
		}

		name := p.LimiterFor(model)
		if p.Limiter == "" {
			if limiters.Has(name) {
				return nil, fmt.Errorf("provider %q: limiter %q already exists", model, name)
			}
			own := *base
			limiters.Add(ratelimit.New(name, &own, opts...))
		}
		limiter, err := limiters.Scheduler(name)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", model, err)
		}

		switch p.Type {
		case config.ProviderEndpoint:
			ec := adapters.EndpointConfig{
				Name:      model,
				URL:       p.URL,
				StatusURL: p.StatusURL,
				Timeout:   p.Timeout,
			}
			if len(p.Members) > 0 {
				ec.Members = make(map[string]adapters.EndpointTarget, len(p.Members))
				for m, t := range p.Members {
					ec.Members[m] = adapters.EndpointTarget{URL: t.URL, StatusURL: t.StatusURL}
				}
			}
			reg.Register(model, adapters.NewEndpoint(ec, limiter), modelOpts...)
		case config.ProviderOpenAI:
			if oai == nil {
				return nil, fmt.Errorf("provider %q: openai client not configured", model)
			}
			reg.Register(model, adapters.NewOpenAIImages(oai, limiter), modelOpts...)
		default:
			return nil, fmt.Errorf("provider %q: invalid type %q", model, p.Type)
		}
	}
	return reg, nil
}
