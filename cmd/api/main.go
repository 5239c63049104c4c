package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agreementflow/activity"
	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/config"
	"agreementflow/db"
	"agreementflow/migrations"
	"agreementflow/notify"
	"agreementflow/outbox"
	"agreementflow/realtime"
	"agreementflow/referral"
	"agreementflow/telemetry"
	"agreementflow/verification"
)

const shutdownTimeout = 10 * time.Second

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("agreementflow: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agreementflow",
		Short:         "Agreement workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional config file (yaml, json or toml)")
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox relay and notification bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("database", "", "PostgreSQL connection string")
	cmd.Flags().Bool("memory", false, "keep flows and users in memory instead of PostgreSQL")
	cmd.Flags().Bool("tracing", false, "export spans to stdout")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, revert) database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return config.ErrMissingDatabaseURL
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			sqlDB := stdlib.OpenDBFromPool(pool)
			if down {
				err = migrations.Down(sqlDB)
			} else {
				err = migrations.Up(sqlDB)
			}
			if err != nil {
				return err
			}
			version, dirty, err := migrations.Version(sqlDB)
			if err != nil {
				return err
			}
			log.Printf("migrations at version %d (dirty=%t)", version, dirty)
			return nil
		},
	}
	cmd.Flags().String("database", "", "PostgreSQL connection string")
	cmd.Flags().BoolVar(&down, "down", false, "revert all migrations")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(cfg.TracingEnabled, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	hub := realtime.NewHub()
	notifier := notify.NewLogNotifier(log.Default())
	verifier := verification.NewService(notifier, cfg.VerificationTTL)

	g, ctx := errgroup.WithContext(ctx)
	server := &Server{}

	if cfg.Memory {
		log.Printf("running with in-memory storage; state is lost on exit")
		server.flowService = agreement.NewService(nil, nil, hub).WithVerifier(verifier)
		server.authService = auth.NewService(auth.NewMemoryRepository(), cfg.JWTSecret)
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		// Codes must be visible to every process that serves the flow.
		verifier.WithStore(verification.NewPGStore(pool))

		writer := outbox.NewWriter()
		participants := referral.NewService(pool, referral.NewRepository(pool), writer)
		store := agreement.NewStore(pool, agreement.NewRepository(), activity.NewPGLog(pool), writer).
			WithChannel(cfg.NotifyChannel)

		server.participants = participants
		server.flowService = agreement.NewService(store, participants, hub).WithVerifier(verifier)
		server.authService = auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

		relay := outbox.NewRelay(pool, notify.NewDispatcher(notifier), outbox.RelayConfig{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			MaxAttempts:  cfg.OutboxMaxAttempts,
		})
		bridge := realtime.NewPGBridge(pool, cfg.NotifyChannel, hub, realtime.FetchFunc(store.Load))

		g.Go(func() error { return relay.Run(ctx) })
		g.Go(func() error { return bridge.Run(ctx) })
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		log.Printf("listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
