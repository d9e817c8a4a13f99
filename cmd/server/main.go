// Command server starts the playshelf session API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"playshelf/internal/api"
	"playshelf/internal/events"
	"playshelf/internal/identity"
	"playshelf/internal/observability/logging"
	"playshelf/internal/observability/metrics"
	"playshelf/internal/server"
	"playshelf/internal/session"
	"playshelf/internal/storage"
)

// identityFlag collects repeated -identity token=user:display:caps entries.
type identityFlag map[string]string

func (f *identityFlag) String() string {
	if f == nil || len(*f) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*f))
	for token, spec := range *f {
		parts = append(parts, fmt.Sprintf("%s=%s", token, spec))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (f *identityFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return fmt.Errorf("invalid format %q, expected token=user:display:caps", value)
	}
	if *f == nil {
		*f = make(map[string]string)
	}
	(*f)[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	return nil
}

func parseIdentitySpec(spec string) (identity.Identity, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 1 || parts[0] == "" {
		return identity.Identity{}, fmt.Errorf("identity spec %q is missing a user id", spec)
	}
	id := identity.Identity{UserID: parts[0], DisplayName: parts[0]}
	if len(parts) > 1 && parts[1] != "" {
		id.DisplayName = parts[1]
	}
	if len(parts) > 2 {
		for _, cap := range strings.Split(parts[2], ",") {
			switch strings.TrimSpace(cap) {
			case "admin":
				id.IsAdmin = true
			case "update":
				id.CanUpdate = true
			case "delete":
				id.CanDelete = true
			case "":
			default:
				return identity.Identity{}, fmt.Errorf("unknown capability %q in identity spec", cap)
			}
		}
	}
	return id, nil
}

func envOr(value, envName string) string {
	if value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(envName))
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storeDriver := flag.String("store-driver", "", "session store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the session store")
	eventsDriver := flag.String("events-driver", "", "lifecycle event sink driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the lifecycle event sink")
	redisPassword := flag.String("redis-password", "", "Redis password for the lifecycle event sink")
	redisChannel := flag.String("redis-channel", "", "Redis pub/sub channel for lifecycle events")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "log format (json or text)")
	checkpointInterval := flag.Duration("checkpoint-interval", time.Minute, "how often open sessions are checkpointed to the store (0 disables)")
	sweepInterval := flag.Duration("sweep-interval", 10*time.Minute, "how often idle open sessions are swept (0 disables)")
	staleAfter := flag.Duration("stale-after", 36*time.Hour, "idle duration after which an open session is auto-closed")
	var identities identityFlag
	flag.Var(&identities, "identity", "register an API identity as token=user:display:caps (caps: admin,update,delete); repeatable")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  envOr(*logLevel, "PLAYSHELF_LOG_LEVEL"),
		Format: envOr(*logFormat, "PLAYSHELF_LOG_FORMAT"),
	})

	listenAddr := envOr(*addr, "PLAYSHELF_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanupStore, err := buildStore(ctx, envOr(*storeDriver, "PLAYSHELF_STORE_DRIVER"), envOr(*postgresDSN, "PLAYSHELF_POSTGRES_DSN"), logger)
	if err != nil {
		logger.Error("session store setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanupStore()

	queue, cleanupQueue, err := buildQueue(
		envOr(*eventsDriver, "PLAYSHELF_EVENTS_DRIVER"),
		envOr(*redisAddr, "PLAYSHELF_REDIS_ADDR"),
		envOr(*redisPassword, "PLAYSHELF_REDIS_PASSWORD"),
		envOr(*redisChannel, "PLAYSHELF_REDIS_CHANNEL"),
		logger,
	)
	if err != nil {
		logger.Error("event sink setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanupQueue()

	resolver := identity.NewMemoryResolver()
	if err := registerIdentities(resolver, identities); err != nil {
		logger.Error("identity registration failed", "error", err)
		os.Exit(1)
	}

	recorder := metrics.Default()
	sessions := session.NewService(store,
		session.WithQueue(queue),
		session.WithLogger(logging.WithComponent(logger, "session")),
		session.WithMetrics(recorder),
	)

	handler := api.NewHandler(sessions, resolver, logging.WithComponent(logger, "api"))
	srv := server.New(handler, server.Config{
		Addr:    listenAddr,
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
	})

	stopMaintenance := startSessionMaintenance(ctx, logging.WithComponent(logger, "maintenance"), sessions, maintenanceConfig{
		CheckpointInterval: *checkpointInterval,
		SweepInterval:      *sweepInterval,
		StaleAfter:         *staleAfter,
	})
	defer stopMaintenance()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", listenAddr)
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	// Flush open sessions so a restart resumes from recent progress.
	if err := sessions.Checkpoint(shutdownCtx); err != nil {
		logger.Error("final checkpoint failed", "error", err)
	}
	stopMaintenance()
}

func buildStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (storage.Store, func(), error) {
	switch driver {
	case "", "memory":
		logger.Info("using in-memory session store")
		return storage.NewMemoryStore(), func() {}, nil
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
			return nil, nil, fmt.Errorf("ensure session schema: %w", err)
		}
		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				logger.Error("postgres store close failed", "error", err)
			}
		}
		return store, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func buildQueue(driver, redisAddr, redisPassword, redisChannel string, logger *slog.Logger) (events.Queue, func(), error) {
	switch driver {
	case "", "memory":
		return events.NewMemoryQueue(0), func() {}, nil
	case "redis":
		queue, err := events.NewRedisQueue(events.RedisQueueConfig{
			Addr:     redisAddr,
			Password: redisPassword,
			Channel:  redisChannel,
			Logger:   logging.WithComponent(logger, "events"),
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := queue.Close(); err != nil {
				logger.Error("event queue close failed", "error", err)
			}
		}
		return queue, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown events driver %q", driver)
	}
}

func registerIdentities(resolver *identity.MemoryResolver, flags identityFlag) error {
	specs := make(map[string]string, len(flags)+1)
	for token, spec := range flags {
		specs[token] = spec
	}
	if token := strings.TrimSpace(os.Getenv("PLAYSHELF_ADMIN_TOKEN")); token != "" {
		user := strings.TrimSpace(os.Getenv("PLAYSHELF_ADMIN_USER"))
		if user == "" {
			user = "admin"
		}
		specs[token] = fmt.Sprintf("%s:%s:admin,update,delete", user, user)
	}
	for token, spec := range specs {
		id, err := parseIdentitySpec(spec)
		if err != nil {
			return err
		}
		if err := resolver.Register(id, token); err != nil {
			return err
		}
	}
	return nil
}
