package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/iago/claims-intake-back/internal/channels"
	"github.com/iago/claims-intake-back/internal/config"
	"github.com/iago/claims-intake-back/internal/documents"
	"github.com/iago/claims-intake-back/internal/domain"
	httpserver "github.com/iago/claims-intake-back/internal/http"
	"github.com/iago/claims-intake-back/internal/http/handlers"
	"github.com/iago/claims-intake-back/internal/metadata"
	"github.com/iago/claims-intake-back/internal/notify"
	"github.com/iago/claims-intake-back/internal/queue"
	"github.com/iago/claims-intake-back/internal/repository"
	"github.com/iago/claims-intake-back/internal/status"
	"github.com/iago/claims-intake-back/internal/submission"
	"github.com/iago/claims-intake-back/internal/worker"
)

// App holds the wired submission pipeline shared by the API server and the
// operator CLI.
type App struct {
	Config       config.Config
	Logger       *log.Logger
	Claims       repository.ClaimsRepository
	Tracker      *status.Tracker
	Orchestrator *submission.Orchestrator
	Consumer     queue.Consumer
	// Streams is nil when the local queue is in use.
	Streams *queue.StreamsQueue

	checks  map[string]handlers.HealthCheck
	closers []func()
}

// New wires every component from cfg. Postgres and Redis fall back to their
// in-memory counterparts when unset or unreachable. A nil logger discards
// output.
func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	app := &App{Config: cfg, Logger: logger, checks: make(map[string]handlers.HealthCheck)}

	policy, err := config.LoadChannelPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	selector, err := submission.NewToggleSelector(policy)
	if err != nil {
		return nil, fmt.Errorf("build channel selector: %w", err)
	}
	failures, err := submission.NewFailurePolicy(policy)
	if err != nil {
		return nil, fmt.Errorf("build failure policy: %w", err)
	}
	sealer, err := submission.NewIdentitySealer(cfg.IdentitySealKeyB64)
	if err != nil {
		return nil, err
	}
	if sealer == nil {
		logger.Printf("IDENTITY_SEAL_KEY not configured, identity travels unsealed on work items")
	}

	claims, statuses := app.setupRepositories(ctx)
	app.Claims = claims
	app.Tracker = status.NewTracker(statuses, logger)

	store, err := app.setupStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	processor := documents.NewProcessor(
		documents.NewFormRenderer(),
		documents.NewPDFInspector(),
		store,
		documents.StoreAttachments{Store: store},
		documents.ProcessorConfig{Source: cfg.SubmissionSource, StampWithClaimTime: cfg.StampWithClaimTime},
		logger,
	)
	builder := metadata.NewBuilder(metadata.Config{
		HomeCountry:       cfg.HomeCountry,
		ForeignPostalCode: cfg.ForeignPostalCode,
		Source:            cfg.SubmissionSource,
	})

	producer := app.setupQueue(ctx)

	app.Orchestrator = submission.NewOrchestrator(submission.Dependencies{
		Claims:    claims,
		Tracker:   app.Tracker,
		Documents: processor,
		Metadata:  builder,
		Adapters:  setupAdapters(cfg, logger),
		Selector:  selector,
		Failures:  failures,
		Producer:  producer,
		Sealer:    sealer,
		Notifier:  setupNotifier(cfg, logger),
	}, logger)

	return app, nil
}

func (a *App) setupRepositories(ctx context.Context) (repository.ClaimsRepository, repository.StatusRepository) {
	if a.Config.DatabaseURL == "" {
		a.Logger.Printf("DATABASE_URL not configured, using in-memory repositories")
		return repository.NewMemoryClaimsRepository(), repository.NewMemoryStatusRepository()
	}

	pool, err := repository.OpenPostgres(ctx, a.Config.DatabaseURL)
	if err == nil {
		err = repository.EnsureSchema(ctx, pool)
		if err != nil {
			pool.Close()
		}
	}
	if err != nil {
		a.Logger.Printf("failed to initialize postgres repositories, fallback to memory: %v", err)
		return repository.NewMemoryClaimsRepository(), repository.NewMemoryStatusRepository()
	}

	a.Logger.Printf("postgres repositories initialized")
	a.checks["postgres"] = pool.Ping
	a.closers = append(a.closers, pool.Close)
	return repository.NewPostgresClaimsRepository(pool), repository.NewPostgresStatusRepository(pool)
}

func (a *App) setupStore(ctx context.Context) (documents.Store, error) {
	if strings.EqualFold(a.Config.StorageBackend, "minio") {
		store, err := documents.NewMinioStore(ctx, documents.MinioConfig{
			Endpoint:  a.Config.MinioEndpoint,
			AccessKey: a.Config.MinioAccessKey,
			SecretKey: a.Config.MinioSecretKey,
			Bucket:    a.Config.MinioBucket,
			UseSSL:    a.Config.MinioUseSSL,
		})
		if err == nil {
			a.Logger.Printf("minio document store initialized bucket=%s", a.Config.MinioBucket)
			return store, nil
		}
		a.Logger.Printf("failed to initialize minio store, fallback to temp dir: %v", err)
	}

	store, err := documents.NewTempDirStore(a.Config.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create document store: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			a.Logger.Printf("failed removing document temp dir: %v", err)
		}
	})
	return store, nil
}

func (a *App) setupQueue(ctx context.Context) queue.Producer {
	retry := queue.RetryPolicy{
		MaxAttempts: a.Config.RetryMaxAttempts,
		BaseDelay:   a.Config.RetryBaseDelay,
		MaxDelay:    a.Config.RetryMaxDelay,
	}

	if a.Config.RedisAddr != "" {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:       a.Config.RedisAddr,
			Password:   a.Config.RedisPassword,
			DB:         a.Config.RedisDB,
			Stream:     a.Config.RedisStream,
			DLQStream:  a.Config.RedisDLQ,
			DelayedSet: a.Config.RedisDelayedSet,
			Group:      a.Config.RedisGroup,
			Consumer:   a.Config.RedisConsumer,
			Retry:      retry,
		}, a.Logger)
		if err == nil {
			a.Logger.Printf("redis streams queue initialized")
			a.Streams = streams
			a.Consumer = streams
			a.checks["redis"] = streams.Ping
			a.closers = append(a.closers, func() { _ = streams.Close() })
			return streams
		}
		a.Logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
	} else {
		a.Logger.Printf("REDIS_ADDR not configured, using local queue fallback")
	}

	local := queue.NewLocalQueue(a.Config.QueueBufferSize, retry, a.Logger)
	a.Consumer = local
	a.closers = append(a.closers, local.Close)
	return local
}

func setupAdapters(cfg config.Config, logger *log.Logger) []channels.Adapter {
	base := func(url, key string) channels.ClientConfig {
		return channels.ClientConfig{
			BaseURL: url,
			APIKey:  key,
			Timeout: cfg.ChannelTimeout,
			RPS:     cfg.ChannelRPS,
			Burst:   cfg.ChannelBurst,
		}
	}

	var adapters []channels.Adapter
	if cfg.StructuredBaseURL != "" {
		adapters = append(adapters, channels.NewStructuredClient(base(cfg.StructuredBaseURL, cfg.StructuredAPIKey)))
	}
	if cfg.IntakeBaseURL != "" {
		adapters = append(adapters, channels.NewIntakeClient(domain.ChannelDocumentIntake, base(cfg.IntakeBaseURL, cfg.IntakeAPIKey)))
	}
	if cfg.AlternateIntakeBaseURL != "" {
		adapters = append(adapters, channels.NewIntakeClient(domain.ChannelAlternateIntake, base(cfg.AlternateIntakeBaseURL, cfg.AlternateIntakeAPIKey)))
	}
	for _, adapter := range adapters {
		logger.Printf("channel adapter configured channel=%s", adapter.Channel())
	}
	if len(adapters) == 0 {
		logger.Printf("no channel adapters configured, submissions will be refused")
	}
	return adapters
}

func setupNotifier(cfg config.Config, logger *log.Logger) notify.Notifier {
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.NotifyWebhookURL,
			Timeout: cfg.NotifyTimeout,
		}))
		logger.Printf("webhook notifier enabled")
	}
	return notifiers
}

// Handler builds the HTTP API over the wired pipeline.
func (a *App) Handler() http.Handler {
	return httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(a.Orchestrator, a.Tracker, a.checks),
		Logger:         a.Logger,
		AuthToken:      a.Config.AuthToken,
		RateLimitRPS:   a.Config.RateLimitRPS,
		RateLimitBurst: a.Config.RateLimitBurst,
	})
}

// RunWorkers consumes work items until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) {
	worker.NewPool(a.Consumer, a.Orchestrator, a.Config.WorkerConcurrency, a.Logger).Start(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
