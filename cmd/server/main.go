package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"server-hub/auth"
	"server-hub/internal"
	"server-hub/lanes"
	"server-hub/moderation"
	"server-hub/observability"
	"server-hub/repositories"
	"server-hub/runtime"
	"server-hub/runtime/workers"
	"server-hub/services"
	"server-hub/sink"
	"server-hub/transport"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Exit codes to provide meaningful status to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server Hub terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and owns the lifecycle, so that deferred
// cleanups run before the process exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	charReplacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage (BadgerDB) and search index (Bluge)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	index, err := sink.NewSearchIndex(bluge.DefaultConfig(config.BlugeFilepath), log)
	if err != nil {
		return exitRuntime, fmt.Errorf("search index opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing search index...")
		_ = index.Close()
	}()

	censored, err := moderation.LoadEmbedded()
	if err != nil {
		return exitConfig, fmt.Errorf("censored words loading failed: %w", err)
	}
	moderator, err := moderation.NewModerator(censored.Words, charReplacement)
	if err != nil {
		return exitConfig, err
	}

	// 3. Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(promRegistry)

	// 4. Delivery core
	store := repositories.NewNotificationRepository(db, log, config.PendingPageSize)
	membership := repositories.NewMembershipRepository(db)
	tokens := auth.NewTokenResolver(config.JwtSecret, config.AuthTokenDuration)
	recipientLanes := lanes.New(config.LaneCount)
	registry := runtime.NewRegistry(config.RegistryShards, metrics)
	reconciler := runtime.NewReconciler(log, store, metrics, config.PendingPageSize)
	dispatcher := runtime.NewDispatcher(log, store, registry, recipientLanes, reconciler, metrics, runtime.DeliveryConfig{
		Attempts:       config.PushAttempts,
		BaseBackoff:    config.PushBackoff,
		AttemptTimeout: config.PushTimeout,
		OutboxSize:     config.OutboxSize,
	})
	dispatcher.AddSinks(index)
	binder := runtime.NewBinder(log, tokens, membership, store, registry, dispatcher, recipientLanes, metrics)

	// 5. Services & transport
	notifications := services.NewNotificationService(log, dispatcher, store, moderator, index)
	server := transport.NewServer(log, transport.Config{
		WriteTimeout:   10 * time.Second,
		PongWait:       config.LivenessTimeout / 2,
		PingPeriod:     config.LivenessTimeout * 9 / 20,
		MaxMessageSize: 4096,
		AllowedOrigins: internal.SplitList(config.AllowedOrigins),
	}, tokens, binder, dispatcher, registry,
		services.NewAuthService(repositories.NewUserRepository(db), tokens, internal.SplitList(config.AdminEmails)),
		notifications,
		services.NewMembershipService(log, membership, notifications, binder),
		promRegistry)
	httpServer := transport.NewHTTPServer(config.Address(), server.Routes())

	// 6. Background workers
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(
		workers.NewHealthMonitoringWorker(log, metrics, config.MetricInterval),
		workers.NewLivenessReaperWorker(log, registry, config.LivenessTimeout),
		workers.NewRetentionWorker(log, store, metrics, config.RetentionPeriod, config.RetentionInterval),
	)

	// 7. Serve until a signal or a fatal error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sup.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Starting Server Hub", "address", config.Address(), "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		// Hijacked WebSocket connections are not tracked by Shutdown
		closed := registry.DeregisterAll()
		dispatcher.Wait()
		log.Info("Connections closed", "count", closed)
		return err
	})

	if err = g.Wait(); err != nil {
		return exitRuntime, err
	}
	log.Info("Program stopped cleanly")
	return exitOK, nil
}
