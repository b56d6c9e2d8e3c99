package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
)

func buildServeCmd() *cobra.Command {
	var seedPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if seedPath != "" {
				cfg.Store.Seed = seedPath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML fixture of users, friendships and groups to load at startup")
	return cmd
}

func loadConfig(cmd *cobra.Command) (server.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("RELAYCHAT_CONFIG")
	}
	return server.LoadConfig(path)
}

func runServe(ctx context.Context, cfg server.Config) error {
	log, err := logging.New(logging.Config{
		Environment: cfg.Log.Environment,
		LogLevel:    cfg.Log.Level,
		ServiceName: "relaychat",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is not set; every connection will be rejected")
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("Error closing store", zap.Error(err))
		}
	}()

	if cfg.Store.Seed != "" {
		if err := applySeed(ctx, st, cfg.Store.Seed); err != nil {
			return err
		}
		log.Info("Seed applied", zap.String("path", cfg.Store.Seed))
	}

	deps := server.Dependencies{
		Verifier: auth.NewVerifier(cfg.JWTSecret, st),
		Users:    st,
		Friends:  st,
		Graph:    st,
		Messages: st,
		Logger:   log,
	}

	if cfg.Redis.Addr != "" {
		mirror, err := store.DialRedisPresence(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = mirror.Close() }()
		deps.Presence = mirror
		log.Info("Presence mirror connected", zap.String("addr", cfg.Redis.Addr))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = server.NewMetrics(reg)

	gw := server.NewGateway(cfg, deps)
	mux := server.SetupRoutes(gw, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := server.CreateServer(cfg.Port, mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.StartServer(httpServer, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")
		httpErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
		gwErr := gw.Shutdown(cfg.ShutdownTimeout)
		return errors.Join(httpErr, gwErr)
	})
	return g.Wait()
}

func applySeed(ctx context.Context, st store.Store, path string) error {
	w, ok := st.(store.SeedWriter)
	if !ok {
		return fmt.Errorf("store %T does not accept seed data", st)
	}
	seed, err := store.LoadSeed(path)
	if err != nil {
		return err
	}
	return seed.Apply(ctx, w)
}
