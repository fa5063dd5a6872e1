// -----------------------------------------------------------------------
// Application container - wires storage, pipeline services and handlers
// -----------------------------------------------------------------------

package app

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/handlers"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/services/credits"
	"github.com/ternarybob/papyrus/internal/services/dispatcher"
	"github.com/ternarybob/papyrus/internal/services/events"
	"github.com/ternarybob/papyrus/internal/services/extractor"
	"github.com/ternarybob/papyrus/internal/services/lifecycle"
	"github.com/ternarybob/papyrus/internal/services/limiter"
	"github.com/ternarybob/papyrus/internal/services/packager"
	"github.com/ternarybob/papyrus/internal/services/postprocess"
	"github.com/ternarybob/papyrus/internal/services/profiles"
	"github.com/ternarybob/papyrus/internal/services/session"
	"github.com/ternarybob/papyrus/internal/services/splitter"
	"github.com/ternarybob/papyrus/internal/services/status"
	"github.com/ternarybob/papyrus/internal/storage"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	BlobStore      *blob.FileSystemStore

	// Event bus
	EventService interfaces.EventService

	// Pipeline services, in dependency order
	Limiter          interfaces.Limiter
	Profiles         interfaces.ProfileRegistry
	Splitter         interfaces.PageSplitter
	Extractor        interfaces.Extractor
	CreditService    interfaces.CreditService
	Dispatcher       interfaces.Dispatcher
	PostProcessor    interfaces.PostProcessor
	Packager         interfaces.Packager
	LifecycleService interfaces.LifecycleService

	// Coordinator is kept concrete so main can drive Recover and Stop.
	Coordinator *session.Service

	StatusService *status.Service

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	SessionHandler *handlers.SessionHandler
	FilesHandler   *handlers.FilesHandler
	StatusHandler  *handlers.StatusHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize storage (Badger rows + filesystem blobs)
	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Event bus and WebSocket hub come first so every service can publish
	app.EventService = events.NewService(app.Logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.Logger)

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Str("default_model", cfg.Session.DefaultModel).
		Int("max_files_per_session", cfg.Session.MaxFilesPerSession).
		Str("retention", cfg.Session.Retention).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the storage layer (Badger) and the blob store
func (a *App) initStorage() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	blobStore, err := blob.NewFileSystemStore(&a.Config.Storage.Blob, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	a.BlobStore = blobStore
	a.Logger.Debug().
		Str("root", a.Config.Storage.Blob.Root).
		Msg("Blob store initialized")

	return nil
}

// initServices initializes all pipeline services in dependency order.
//
// SESSION PIPELINE ARCHITECTURE:
// 1. Limiter - process-wide token bucket shared by submits and polls
// 2. Dispatcher - drives child jobs through the extraction provider
// 3. PostProcessor - renames completed pages from extracted fields
// 4. Packager - streams the downloadable archive on demand
// 5. Lifecycle - retention timers plus the cron backup sweep
// 6. Coordinator - owns the session state machine and supervises 1-5
func (a *App) initServices() error {
	var err error

	// Provider rate limiter; its concurrency also sizes the dispatcher pool
	a.Limiter, err = limiter.NewService(&a.Config.Extractor, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize limiter: %w", err)
	}
	a.Logger.Debug().
		Str("tier", a.Config.Extractor.Tier).
		Msg("Limiter initialized")

	// Model profile registry (summary columns + naming schema per model)
	a.Profiles, err = profiles.NewRegistry(&a.Config.Profiles, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profile registry: %w", err)
	}
	a.Logger.Debug().
		Int("profiles", len(a.Profiles.List())).
		Msg("Profile registry initialized")

	// PDF page splitter
	a.Splitter = splitter.NewService(a.Logger)
	a.Logger.Debug().Msg("Page splitter initialized")

	// Extraction provider client; the shared limiter gates every call
	a.Extractor = extractor.NewClient(
		a.Config.Extractor.Endpoint,
		a.Config.Extractor.APIKey,
		extractor.WithLogger(a.Logger),
		extractor.WithLimiter(a.Limiter),
	)
	a.Logger.Debug().
		Str("endpoint", a.Config.Extractor.Endpoint).
		Msg("Extractor client initialized")

	// Per-user page credit ledger
	a.CreditService = credits.NewService(a.StorageManager.CreditStorage(), &a.Config.Session, a.Logger)
	a.Logger.Debug().Msg("Credit service initialized")

	// Dispatcher drives QUEUED jobs through submit and poll
	a.Dispatcher = dispatcher.NewService(
		a.StorageManager,
		a.BlobStore,
		a.Extractor,
		a.EventService,
		a.Limiter,
		&a.Config.Extractor,
		a.Logger,
	)
	a.Logger.Debug().
		Int("max_concurrent", a.Limiter.MaxConcurrent()).
		Msg("Dispatcher initialized")

	// Post-processor renames completed pages into the processed blob area
	a.PostProcessor = postprocess.NewService(
		a.StorageManager,
		a.BlobStore,
		a.Profiles,
		a.Limiter,
		a.EventService,
		a.Logger,
	)
	a.Logger.Debug().Msg("Post-processor initialized")

	// Packager streams the archive straight onto the response writer
	a.Packager = packager.NewService(a.StorageManager, a.BlobStore, a.Profiles, a.Logger)
	a.Logger.Debug().Msg("Packager initialized")

	// Lifecycle enforces retention with per-session timers + cron sweep
	a.LifecycleService = lifecycle.NewService(
		&a.Config.Cleanup,
		a.StorageManager,
		a.BlobStore,
		a.EventService,
		a.Logger,
	)
	a.Logger.Debug().
		Str("schedule", a.Config.Cleanup.Schedule).
		Msg("Lifecycle service initialized")

	// Session coordinator owns the state machine over everything above
	a.Coordinator = session.NewService(
		a.Config,
		a.StorageManager,
		a.BlobStore,
		a.Splitter,
		a.Dispatcher,
		a.PostProcessor,
		a.CreditService,
		a.LifecycleService,
		a.EventService,
		a.Logger,
	)
	a.Logger.Debug().Msg("Session coordinator initialized")

	// Status service reports health for the status endpoint
	a.StatusService = status.NewService(a.StorageManager, a.Logger)
	a.Logger.Debug().Msg("Status service initialized")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler()

	// EventSubscriber bridges pipeline events to connected WebSocket clients
	// with config-driven filtering and throttling
	_ = handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger, &a.Config.WebSocket)
	a.Logger.Debug().
		Int("allowed_events", len(a.Config.WebSocket.AllowedEvents)).
		Int("throttle_intervals", len(a.Config.WebSocket.ThrottleIntervals)).
		Msg("EventSubscriber initialized")

	a.SessionHandler = handlers.NewSessionHandler(a.Config, a.Coordinator, a.Packager, a.Logger)
	a.FilesHandler = handlers.NewFilesHandler(a.BlobStore, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.Logger)

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop supervision first so no new work reaches the dispatcher
	if a.Coordinator != nil {
		a.Coordinator.Stop()
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
		a.Logger.Info().Msg("Dispatcher stopped")
	}

	if a.LifecycleService != nil {
		if err := a.LifecycleService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop lifecycle service")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
