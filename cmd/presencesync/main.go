// Command presencesync keeps one subject's presence reconciled and serves it over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-presencesync/pkg/cache"
	"github.com/illmade-knight/go-presencesync/pkg/config"
	"github.com/illmade-knight/go-presencesync/pkg/controller"
	"github.com/illmade-knight/go-presencesync/pkg/fetcher"
	"github.com/illmade-knight/go-presencesync/pkg/microservice"
	"github.com/illmade-knight/go-presencesync/pkg/poller"
	"github.com/illmade-knight/go-presencesync/pkg/pushchannel"
	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "presencesync.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "presencesync: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Service)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		stop()
		logger.Fatal().Err(err).Msg("Service failed.")
	}
}

func newLogger(cfg microservice.BaseConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	presenceCache := cache.NewPresenceCache(store, cfg.Presence.CacheTTL, logger)
	defer func() {
		if err := presenceCache.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing presence cache.")
		}
	}()

	client := fetcher.NewClient(&fetcher.Config{Timeout: cfg.Presence.FetchTimeout}, nil, logger)

	deps := controller.Dependencies{Cache: presenceCache, Fetcher: client}
	switch cfg.Presence.Transport {
	case types.TransportPoll:
		deps.Poller, err = poller.New(client, logger)
		if err != nil {
			return fmt.Errorf("failed to create poller: %w", err)
		}
	default:
		registry, err := pushchannel.NewRegistry(&pushchannel.Config{
			ConnectTimeout:    cfg.Push.ConnectTimeout,
			ReconnectAttempts: cfg.Push.ReconnectAttempts,
			ReconnectDelayMin: cfg.Push.ReconnectDelayMin,
			ReconnectDelayMax: cfg.Push.ReconnectDelayMax,
		}, pushchannel.NewWebsocketDialer(cfg.Push.ConnectTimeout), logger)
		if err != nil {
			return fmt.Errorf("failed to create push registry: %w", err)
		}
		defer func() { _ = registry.Close() }()
		deps.Registry = registry
	}

	ctrl, err := controller.New(controller.Config{
		SubjectID:       cfg.Presence.SubjectID,
		Endpoint:        cfg.Presence.APIEndpoint,
		Transport:       cfg.Presence.Transport,
		PollInterval:    cfg.Presence.PollInterval,
		ShowStatus:      cfg.Presence.ShowStatus,
		FallbackAvatar:  cfg.Presence.FallbackAvatar,
		SkeletonTimeout: cfg.Presence.SkeletonTimeout,
		FetchTimeout:    cfg.Presence.FetchTimeout,
	}, deps, controller.Callbacks{
		OnState: func(s types.UIState) {
			logger.Info().
				Str("avatar", s.DisplayAvatar).
				Str("status", string(s.DisplayStatus)).
				Str("phase", string(s.Phase)).
				Bool("status_hidden", s.StatusHidden).
				Msg("Presence updated.")
		},
		OnLoadingChanged: func(loading bool) {
			logger.Debug().Bool("loading", loading).Msg("Loading state changed.")
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create presence controller: %w", err)
	}

	server, err := microservice.NewProfileServer(cfg.Service, ctrl, logger)
	if err != nil {
		return fmt.Errorf("failed to create profile server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start profile server: %w", err)
	}
	logger.Info().Str("subject_id", cfg.Presence.SubjectID).Str("port", server.GetHTTPPort()).Msg("Presence sync running.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newStore builds the configured presence store. Closing the store releases its client.
func newStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.PresenceStore[string, cache.Entry], error) {
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		store, err := cache.NewRedisPresenceStore[string, cache.Entry](ctx, &cache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
			CacheTTL:  cfg.Presence.CacheTTL,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendFirestore:
		var opts []option.ClientOption
		if cfg.Cache.Firestore.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Cache.Firestore.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.Cache.Firestore.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := cache.NewFirestorePresenceStore[string, cache.Entry](client, &cache.FirestoreConfig{
			ProjectID:      cfg.Cache.Firestore.ProjectID,
			CollectionName: cfg.Cache.Firestore.Collection,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info().Str("project_id", cfg.Cache.Firestore.ProjectID).Msg("Using Firestore presence store.")
		return store, nil

	default:
		return cache.NewInMemoryPresenceStore[string, cache.Entry](), nil
	}
}
