package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/handlers"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/services/aggregator"
	"github.com/ternarybob/lattice/internal/services/completion"
	"github.com/ternarybob/lattice/internal/services/dispatch"
	"github.com/ternarybob/lattice/internal/services/events"
	"github.com/ternarybob/lattice/internal/services/gateway"
	jobsvc "github.com/ternarybob/lattice/internal/services/jobs"
	"github.com/ternarybob/lattice/internal/services/kv"
	"github.com/ternarybob/lattice/internal/services/quota"
	"github.com/ternarybob/lattice/internal/services/ratelimit"
	"github.com/ternarybob/lattice/internal/services/reconciler"
	"github.com/ternarybob/lattice/internal/storage"
	badgerstore "github.com/ternarybob/lattice/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage layer
	JobStorage  *badgerstore.JobStorage
	ObjectStore interfaces.ObjectStore
	Gateway     *gateway.Service
	KVService   *kv.Service

	// Admission layer
	QuotaLedger *quota.Ledger
	RateLimiter *ratelimit.Service

	// Orchestration services
	EventService      interfaces.EventService
	Dispatcher        *dispatch.Service
	Aggregator        *aggregator.Service
	CompletionService *completion.Service
	Verifier          *completion.Verifier
	Reconciler        *reconciler.Service
	JobService        *jobsvc.Service

	// HTTP handlers
	JobHandler     *handlers.JobHandler
	BatchHandler   *handlers.BatchHandler
	WebhookHandler *handlers.WebhookHandler
	SystemHandler  *handlers.SystemHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.initServices()
	app.initHandlers()

	return app, nil
}

func (a *App) initStorage() error {
	factory := storage.NewFactory(a.Config, a.Logger)

	jobStorage, err := factory.CreateJobStorage()
	if err != nil {
		return err
	}
	a.JobStorage = jobStorage

	objectStore, err := factory.CreateObjectStore()
	if err != nil {
		jobStorage.Close()
		return err
	}
	a.ObjectStore = objectStore

	a.Gateway = gateway.NewService(objectStore, a.Logger)
	// Oversized result payloads spill into object storage
	a.JobStorage.SetOffloader(a.Gateway)

	a.KVService = kv.NewService(a.Config.KV.RedisURL, a.Logger)
	return nil
}

func (a *App) initServices() {
	a.EventService = events.NewService(a.Logger)

	a.QuotaLedger = quota.NewLedger(a.KVService, a.Config.Quota.DefaultTier, a.Config.KV.TTLDays, a.Logger)
	a.RateLimiter = ratelimit.NewService(
		a.KVService,
		a.Config.RateLimit.SubmitPerMinute,
		a.Config.RateLimit.ReadPerMinute,
		a.Config.RateLimit.DownloadPerMinute,
		a.Logger,
	)

	a.Dispatcher = dispatch.NewService(&a.Config.Queue, &a.Config.OIDC, a.Config.Worker.URL, a.KVService, a.Logger)

	a.Aggregator = aggregator.NewService(a.JobStorage, a.Gateway, a.EventService, a.QuotaLedger, a.Logger)
	a.CompletionService = completion.NewService(
		a.JobStorage,
		a.Gateway,
		a.QuotaLedger,
		a.Dispatcher,
		a.Aggregator,
		a.EventService,
		a.Logger,
	)
	a.Verifier = completion.NewVerifier(&a.Config.OIDC, a.Logger)

	a.Reconciler = reconciler.NewService(
		a.JobStorage,
		a.Dispatcher,
		a.CompletionService,
		a.Aggregator,
		a.QuotaLedger,
		a.Config.ReconcilerInterval(),
		a.Config.StuckJobThreshold(),
		a.Logger,
	)

	a.JobService = jobsvc.NewService(
		a.JobStorage,
		a.Gateway,
		a.QuotaLedger,
		a.RateLimiter,
		a.Dispatcher,
		a.Aggregator,
		a.EventService,
		a.Logger,
	)
}

func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.RateLimiter, a.Logger)
	a.BatchHandler = handlers.NewBatchHandler(a.JobService, a.RateLimiter, a.Logger)
	a.WebhookHandler = handlers.NewWebhookHandler(a.Verifier, a.CompletionService, a.Logger)
	a.SystemHandler = handlers.NewSystemHandler(a.JobStorage, a.Gateway, a.KVService, a.Dispatcher, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger)
}

// Start launches the background reconciler
func (a *App) Start(ctx context.Context) error {
	if err := a.Reconciler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	return nil
}

// Close shuts down components in reverse dependency order
func (a *App) Close() error {
	a.Reconciler.Stop()

	if a.EventService != nil {
		a.EventService.Close()
	}
	if a.JobStorage != nil {
		if err := a.JobStorage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job storage")
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
