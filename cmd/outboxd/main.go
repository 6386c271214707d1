// Command outboxd serves the outbox consumer API over HTTP.
//
// Remote consumers pull messages through the API and commit their own cursors,
// so outboxd registers no message types and runs no outbox.Poller. Applications
// that dispatch in-process embed the library instead and attach their pollers
// with server.ServerManager.WithWorker, passing outbox.Poller.Run.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/LerianStudio/lib-outbox/outbox"
	outboxhttp "github.com/LerianStudio/lib-outbox/outbox/http"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"github.com/LerianStudio/lib-outbox/outbox/postgres"
	"github.com/LerianStudio/lib-outbox/outbox/server"
	"github.com/LerianStudio/lib-outbox/outbox/sqlite"
	libZap "github.com/LerianStudio/lib-outbox/outbox/zap"
	"github.com/caarlos0/env/v11"
	"github.com/gofiber/fiber/v2"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(env.Options{})
	if err != nil {
		return err
	}

	logger, err := libZap.New(libZap.Config{
		Environment:     libZap.Environment(cfg.Environment),
		Level:           cfg.LogLevel,
		OTelLibraryName: libOpentelemetry.InstrumentationName,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx := context.Background()

	manager := server.NewServerManager(logger).WithShutdownTimeout(cfg.ShutdownTimeout)

	repo, err := openRepository(ctx, cfg, logger, manager)
	if err != nil {
		logger.Log(ctx, libLog.LevelError, "failed to open outbox store", libLog.Err(err))
		_ = logger.Sync(ctx)

		return err
	}

	handler, err := newHandler(repo, logger)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("healthy") })
	handler.Routes(app)

	return manager.WithHTTPServer(app, cfg.HTTPAddress).StartWithGracefulShutdown()
}

func openRepository(ctx context.Context, cfg Config, logger libLog.Logger, manager *server.ServerManager) (outbox.Repository, error) {
	if strings.EqualFold(cfg.Store, storeSQLite) {
		store, err := sqlite.Open(ctx, cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}

		manager.WithCloser("sqlite", func(context.Context) error { return store.Close() })

		return store, nil
	}

	client, err := postgres.New(postgres.Config{
		PrimaryDSN:         cfg.PostgresPrimaryDSN,
		ReplicaDSN:         cfg.PostgresReplicaDSN,
		MaxOpenConnections: cfg.PostgresMaxOpenConn,
		MaxIdleConnections: cfg.PostgresMaxIdleConn,
		SkipMigrations:     cfg.customTables(),
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	manager.WithCloser("postgres", func(context.Context) error { return client.Close() })

	return postgres.NewRepository(client,
		postgres.WithLogger(logger),
		postgres.WithMessagesTable(cfg.MessagesTable),
		postgres.WithConsumersTable(cfg.ConsumersTable),
		postgres.WithReplicaReads(cfg.ReplicaReads),
	)
}

func newHandler(repo outbox.Repository, logger libLog.Logger) (*outboxhttp.Handler, error) {
	opts := []outbox.Option{outbox.WithLogger(logger)}

	consumers, err := outbox.NewConsumerRegistry(repo, opts...)
	if err != nil {
		return nil, err
	}

	retriever, err := outbox.NewRetriever(repo, repo, opts...)
	if err != nil {
		return nil, err
	}

	cursor, err := outbox.NewCursorAdvancer(repo, opts...)
	if err != nil {
		return nil, err
	}

	return outboxhttp.NewHandler(consumers, retriever, cursor, outboxhttp.WithLogger(logger))
}
