package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/audit"
	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/esign"
	httptransport "github.com/marketplane/taxdocs/internal/http"
	"github.com/marketplane/taxdocs/internal/http/handler"
	"github.com/marketplane/taxdocs/internal/repository"
	"github.com/marketplane/taxdocs/internal/retention"
	"github.com/marketplane/taxdocs/internal/server"
	"github.com/marketplane/taxdocs/internal/telemetry"
	"github.com/marketplane/taxdocs/internal/vault"
	"github.com/marketplane/taxdocs/internal/w9"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newPGXPool,
			newDocumentRepository,
			newTaxStatusRepository,
			newAuditRepository,
			newTokenRepository,
			newVaultStore,
			newAuditService,
			newW9Service,
			newStateStore,
			newProviderClient,
			newESignService,
			newScheduler,
			newW9Handler,
			newESignHandler,
			newAdminHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer, startScheduler),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newDocumentRepository(pool *pgxpool.Pool) repository.DocumentRepository {
	return repository.NewPostgresDocumentRepo(pool)
}

func newTaxStatusRepository(pool *pgxpool.Pool) repository.TaxStatusRepository {
	return repository.NewPostgresTaxStatusRepo(pool)
}

func newAuditRepository(pool *pgxpool.Pool) repository.AuditRepository {
	return repository.NewPostgresAuditRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newVaultStore(cfg config.Config, logger *zap.Logger) (vault.Store, error) {
	store, err := vault.NewFileStore(vault.Options{
		Dir:               cfg.VaultDir,
		MasterKey:         cfg.MasterKey,
		KDFSalt:           cfg.KDFSalt,
		KDFIterations:     cfg.KDFIterations,
		MaxBytes:          cfg.MaxUploadBytes,
		AcceptedMimeTypes: cfg.AcceptedMimeTypes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init document vault: %w", err)
	}
	return store, nil
}

func newAuditService(repo repository.AuditRepository, logger *zap.Logger) *audit.Service {
	return audit.NewService(repo, logger)
}

func newW9Service(
	docs repository.DocumentRepository,
	statuses repository.TaxStatusRepository,
	store vault.Store,
	auditSvc *audit.Service,
	cfg config.Config,
	logger *zap.Logger,
) *w9.Service {
	return w9.NewService(docs, statuses, store, auditSvc, cfg, logger)
}

func newStateStore(cfg config.Config) (esign.StateStore, error) {
	if cfg.StateStoreBackend == "redis" {
		return esign.NewRedisStateStore(cfg.RedisURL)
	}
	return esign.NewMemoryStateStore(), nil
}

func newProviderClient(cfg config.Config) esign.ProviderClient {
	return esign.NewHTTPClient(cfg)
}

func newESignService(
	provider esign.ProviderClient,
	tokens repository.TokenRepository,
	states esign.StateStore,
	w9svc *w9.Service,
	auditSvc *audit.Service,
	cfg config.Config,
	logger *zap.Logger,
) *esign.Service {
	return esign.NewService(provider, tokens, states, w9svc, auditSvc, cfg, logger)
}

func newScheduler(
	docs repository.DocumentRepository,
	store vault.Store,
	w9svc *w9.Service,
	auditSvc *audit.Service,
	cfg config.Config,
	logger *zap.Logger,
) *retention.Scheduler {
	return retention.NewScheduler(docs, store, w9svc, auditSvc, cfg, logger)
}

func newW9Handler(w9svc *w9.Service, esignSvc *esign.Service, logger *zap.Logger) *handler.W9Handler {
	return handler.NewW9Handler(w9svc, esignSvc, logger)
}

func newESignHandler(svc *esign.Service, logger *zap.Logger) *handler.ESignHandler {
	return handler.NewESignHandler(svc, logger)
}

func newAdminHandler(
	w9svc *w9.Service,
	esignSvc *esign.Service,
	auditSvc *audit.Service,
	scheduler *retention.Scheduler,
	logger *zap.Logger,
) *handler.AdminHandler {
	return handler.NewAdminHandler(w9svc, esignSvc, auditSvc, scheduler, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startScheduler(lc fx.Lifecycle, scheduler *retention.Scheduler) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				scheduler.Run(runCtx)
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
