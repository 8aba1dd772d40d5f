package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/dbconfig"
	"github.com/spendtimetogether/roulette/go/internal/roulette/gateway"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
	"github.com/spendtimetogether/roulette/go/internal/roulette/outbox"
	"github.com/spendtimetogether/roulette/go/internal/roulette/repository"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// serve wires the coordinator to Postgres, the outbox and the HTTP gateway
// and runs until ctx is cancelled.
func serve(ctx context.Context, cfg *Config, tuning Tuning) error {
	dbCfg := dbconfig.NewConfigFromEnv()
	pool, err := openPool(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := repository.NewRepository(pool)

	publisher, closePublisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	outboxNotifier := outbox.NewNotifier(publisher, tuning.Outbox, clockwork.NewRealClock())
	statusWriter := repository.NewStatusWriter(repo, tuning.Game.PersistTimeout)

	coordinator := orchestrator.NewCoordinator(repo, tuning.Game,
		orchestrator.WithNotifier(orchestrator.Notifiers{statusWriter, outboxNotifier}),
	)

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	go outboxNotifier.Start(bgCtx)

	if cfg.listenDeletions {
		listenerCfg := repository.DefaultListenerConfig()
		listenerCfg.DatabaseURL = dbCfg.DSN()
		listener, err := repository.NewDeletionListener(coordinator, listenerCfg)
		if err != nil {
			return fmt.Errorf("start deletion listener: %w", err)
		}
		go func() {
			if err := listener.Start(bgCtx); err != nil {
				log.Error().Err(err).Msg("deletion listener stopped")
			}
		}()
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.AllowedOrigins = cfg.allowedOrigins
	service := gateway.NewService(gwCfg, coordinator, gateway.NewJWTAuthenticator(cfg.jwtSecret), repo, repo)
	service.SetOutbox(outboxNotifier)

	server := &http.Server{
		Addr:              cfg.addr(),
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("database", dbCfg.Database).
			Dur("collection_window", tuning.Game.CollectionWindow).
			Dur("elimination_pause", tuning.Game.EliminationPause).
			Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	service.Shutdown()
	coordinator.Shutdown()

	log.Info().Msg("roulette stopped")
	return nil
}

func openPool(ctx context.Context, dbCfg dbconfig.Config) (*pgxpool.Pool, error) {
	poolCfg, err := dbCfg.PoolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func newPublisher(ctx context.Context, cfg *Config) (outbox.Publisher, func(), error) {
	if cfg.natsURL == "" {
		log.Info().Msg("no NATS url configured, lifecycle events go to the log")
		return outbox.LogPublisher{}, func() {}, nil
	}

	jsCfg := outbox.DefaultJetStreamConfig()
	jsCfg.URL = cfg.natsURL
	publisher, err := outbox.NewJetStreamPublisher(ctx, jsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create JetStream publisher: %w", err)
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close JetStream publisher")
		}
	}, nil
}

func newTokenCmd(cfg *Config) *cobra.Command {
	var (
		userID int64
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed session token for a user, for local testing.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.jwtSecret == "" {
				return errors.New("--jwt-secret is required")
			}
			if userID <= 0 {
				return errors.New("--user must be a positive id")
			}
			token, err := gateway.NewJWTAuthenticator(cfg.jwtSecret).IssueToken(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newInstallTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install-trigger",
		Short: "Install the Postgres trigger that announces deleted sessions.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openPool(cmd.Context(), dbconfig.NewConfigFromEnv())
			if err != nil {
				return err
			}
			defer pool.Close()

			if _, err := pool.Exec(cmd.Context(), repository.DeletionTriggerSQL); err != nil {
				return fmt.Errorf("install trigger: %w", err)
			}
			log.Info().Str("channel", repository.DeletedChannel).Msg("deletion trigger installed")
			return nil
		},
	}
}
