// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/adapter"
	"github.com/JakeFAU/review-harvester/internal/adapter/doctoralia"
	"github.com/JakeFAU/review-harvester/internal/api"
	"github.com/JakeFAU/review-harvester/internal/breaker"
	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/dispatcher"
	"github.com/JakeFAU/review-harvester/internal/enrich"
	collyfetcher "github.com/JakeFAU/review-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/review-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/hash/sha256"
	"github.com/JakeFAU/review-harvester/internal/headless/detector"
	"github.com/JakeFAU/review-harvester/internal/health"
	"github.com/JakeFAU/review-harvester/internal/id/uuid"
	"github.com/JakeFAU/review-harvester/internal/logging"
	"github.com/JakeFAU/review-harvester/internal/orchestrator"
	"github.com/JakeFAU/review-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/review-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/review-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/review-harvester/internal/queue/memory"
	queueRedis "github.com/JakeFAU/review-harvester/internal/queue/redis"
	"github.com/JakeFAU/review-harvester/internal/retry"
	gcsstorage "github.com/JakeFAU/review-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/review-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/review-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/review-harvester/internal/storage/postgres"
	redisstore "github.com/JakeFAU/review-harvester/internal/storage/redis"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
	"github.com/JakeFAU/review-harvester/internal/webhook"
	"github.com/JakeFAU/review-harvester/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	orchestrator    *orchestrator.Orchestrator
	dispatch        *dispatcher.Dispatcher
	notifier        *webhook.Notifier
	memQueue        *queueMemory.Queue
	headless        *headlessfetcher.Fetcher
	health          *health.Checker
	pool            *pgxpool.Pool
	redis           *goredis.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// stores groups the persistence backends selected by configuration.
type stores struct {
	jobs        harvest.JobStore
	idempotency harvest.IdempotencyIndex
	deliveries  harvest.DeliveryLog
	queue       harvest.Queue
	blobs       harvest.BlobStore
	publisher   harvest.Publisher
	quota       api.Quota
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		Workers     int    `json:"workers"`
		JobStore    string `json:"job_store"`
		Idempotency string `json:"idempotency"`
		Queue       string `json:"queue"`
		Storage     string `json:"storage"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:  cfg.Server.Port,
		Workers:     cfg.Orchestrator.Workers,
		JobStore:    cfg.Orchestrator.JobStore,
		Idempotency: cfg.Idempotency.Backend,
		Queue:       cfg.Queue.Backend,
		Storage:     cfg.Storage.Backend,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		health: health.NewChecker(nil, 2*time.Second),
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := a.orchestrator.Recover(ctx)
	if err != nil {
		a.logger.Warn("job recovery failed", zap.Error(err))
	} else if recovered > 0 {
		a.logger.Info("requeued unfinished jobs", zap.Int("count", recovered))
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()
	go a.orchestrator.RunJanitor(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// Pending callbacks drain before the stores they log to go away.
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("webhook notifier close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	//nolint:errcheck // stderr sync fails on some platforms.
	a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Service:     cfg.Application.ServiceName,
		Version:     cfg.Application.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")
	if err := setupConnections(ctx, app); err != nil {
		return nil, err
	}
	st, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}

	breakers := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		IsFailure:        adapter.TripsBreaker,
		OnStateChange: func(target string, from, to breaker.State) {
			telemetry.SetBreakerState(target, int(to), to.String())
			app.logger.Warn("circuit state changed",
				zap.String("target", target),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	app.health = health.NewChecker(breakers, 2*time.Second)
	registerProbes(app, st)

	registry, err := setupAdapters(app)
	if err != nil {
		return nil, err
	}

	enrichment, err := setupEnrichment(cfg)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	hasher := sha256.New()
	signer := webhook.NewSigner(cfg.Webhook.Secret)
	deliverer := webhook.NewDeliverer(
		&http.Client{Timeout: cfg.Webhook.Timeout},
		signer,
		st.deliveries,
		clock,
		webhook.Config{
			Source:  cfg.Webhook.Source,
			Timeout: cfg.Webhook.Timeout,
			Policy:  retry.Policy{MaxAttempts: cfg.Webhook.MaxAttempts, BaseDelay: cfg.Webhook.BaseDelay},
		},
		logger,
	)
	app.notifier = webhook.NewNotifier(deliverer, cfg.Webhook.Workers, cfg.Webhook.QueueDepth, logger)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		Overrides:    cfg.RateLimit.Overrides,
	})
	scraper := adapter.NewScraper(registry, breakers, retryPolicy(cfg, logger), limiter, logger.Named("scraper"))

	pipeline := worker.NewPipeline(worker.Deps{
		Store:     st.jobs,
		Scraper:   scraper,
		BlobStore: st.blobs,
		Publisher: st.publisher,
		Hasher:    hasher,
		Clock:     clock,
		Analyzer:  enrichment.lexicon,
		Responder: enrichment.responder,
		Sanitizer: enrich.NewSanitizer(cfg.Privacy.MaskPII),
		Notifier:  app.notifier,
	}, worker.Config{
		ContentType:      cfg.Storage.ContentType,
		BlobPrefix:       cfg.Orchestrator.BlobPrefix,
		ArchiveSnapshots: cfg.Orchestrator.ArchiveSnapshot,
		Topic:            cfg.Orchestrator.Topic,
	}, logger)

	// The orchestrator enqueues through the dispatcher and the dispatcher's
	// workers execute through the orchestrator, so the pool is built on a
	// forwarding handler.
	handler := &lateHandler{}
	app.dispatch = dispatcher.NewPool(st.queue, handler, cfg.Orchestrator.Workers, logger.Named("worker"))
	app.orchestrator = orchestrator.New(orchestrator.Deps{
		Store:       st.jobs,
		Idempotency: st.idempotency,
		Queue:       app.dispatch,
		Deliveries:  st.deliveries,
		Runner:      pipeline,
		IDs:         uuid.New(),
		Hasher:      hasher,
		Clock:       clock,
		Sites:       registry,
		Templates:   enrichment.responder,
		Callbacks: webhook.CallbackPolicy{
			AllowInsecure: cfg.Webhook.AllowInsecureCallbacks,
			AllowedHosts:  cfg.Webhook.AllowedHosts,
		},
	}, orchestrator.Config{
		SyncTimeout:     cfg.Orchestrator.SyncTimeout,
		JobTimeout:      cfg.Orchestrator.JobTimeout,
		IdempotencyTTL:  cfg.Idempotency.TTL,
		JobRetention:    cfg.Orchestrator.JobRetention,
		StaleAfter:      cfg.Orchestrator.StaleAfter,
		JanitorInterval: cfg.Orchestrator.JanitorInterval,
		DefaultLanguage: cfg.Enrich.DefaultLanguage,
	}, logger.Named("orchestrator"))
	handler.target = app.orchestrator

	deps := api.Deps{
		Jobs:     app.orchestrator,
		Health:   app.health,
		Breakers: breakers,
		Quota:    st.quota,
		Clock:    clock,
	}
	if cfg.Webhook.Secret != "" {
		deps.Signer = &signer
	}
	app.apiServer = api.NewServer(deps, *cfg, logger)

	return app, nil
}

// lateHandler forwards to a handler assigned after construction.
type lateHandler struct {
	target worker.Handler
}

func (h *lateHandler) Execute(ctx context.Context, jobID string) (harvest.Job, error) {
	return h.target.Execute(ctx, jobID)
}

func retryPolicy(cfg *config.Config, logger *zap.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		BaseDelay:          cfg.Retry.BaseDelay,
		MaxDelay:           cfg.Retry.MaxDelay,
		UnknownMaxAttempts: cfg.Retry.UnknownMaxAttempts,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Debug("retrying adapter call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}
}

func setupConnections(ctx context.Context, app *App) error {
	cfg := app.cfg
	if cfg.NeedsPostgres() {
		pool, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		app.pool = pool
		if cfg.Database.Migrate {
			if err := pgstore.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		app.logger.Info("postgres connected")
	}
	if cfg.NeedsRedis() {
		client, err := redisstore.NewClient(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		app.redis = client
		app.logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}
	return nil
}

//nolint:gocognit // one switch per backend, linear.
func setupStores(ctx context.Context, app *App) (stores, error) {
	cfg := app.cfg
	var (
		st  stores
		err error
	)

	switch cfg.Orchestrator.JobStore {
	case "postgres":
		st.jobs, err = pgstore.NewJobStore(app.pool)
	default:
		st.jobs = memoryStorage.NewJobStore()
	}
	if err != nil {
		return st, fmt.Errorf("job store init failed: %w", err)
	}

	switch cfg.Idempotency.Backend {
	case "redis":
		st.idempotency = redisstore.NewIdempotencyIndex(app.redis, cfg.Idempotency.KeyPrefix)
	case "postgres":
		st.idempotency, err = pgstore.NewIdempotencyIndex(app.pool)
	default:
		st.idempotency = memoryStorage.NewIdempotencyIndex()
	}
	if err != nil {
		return st, fmt.Errorf("idempotency index init failed: %w", err)
	}

	switch cfg.Webhook.DeliveryLog {
	case "postgres":
		st.deliveries, err = pgstore.NewDeliveryLog(app.pool)
	default:
		st.deliveries = memoryStorage.NewDeliveryLog()
	}
	if err != nil {
		return st, fmt.Errorf("delivery log init failed: %w", err)
	}

	switch cfg.Queue.Backend {
	case "redis":
		st.queue, err = queueRedis.New(app.redis, queueRedis.Config{
			Key:         cfg.Queue.RedisKey,
			Depth:       cfg.Queue.Depth,
			PollTimeout: cfg.Queue.PollTimeout,
		})
	default:
		app.memQueue = queueMemory.NewQueue(cfg.Queue.Depth)
		st.queue = app.memQueue
	}
	if err != nil {
		return st, fmt.Errorf("queue init failed: %w", err)
	}

	if st.blobs, err = setupStorage(ctx, app); err != nil {
		return st, err
	}
	if st.publisher, err = setupPublisher(ctx, app); err != nil {
		return st, err
	}
	if cfg.Quota.Enabled {
		st.quota = redisstore.NewQuota(app.redis, cfg.Quota.Limit, cfg.Quota.Window)
	}
	return st, nil
}

func registerProbes(app *App, st stores) {
	if app.pool != nil {
		app.health.Register("postgres", app.pool)
	}
	if app.redis != nil {
		app.health.Register("redis", redisstore.Pinger{Client: app.redis})
	}
	if p, ok := st.blobs.(health.Pinger); ok {
		app.health.Register("storage", p)
	}
}

func setupStorage(ctx context.Context, app *App) (harvest.BlobStore, error) {
	var blobStore harvest.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (harvest.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupAdapters(app *App) (*adapter.Registry, error) {
	cfg := app.cfg
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: !cfg.Fetch.IgnoreRobots,
		Timeout:       cfg.Fetch.Timeout,
	})
	app.logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))

	var headless harvest.Fetcher
	if cfg.Headless.Enabled {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ExpandPause:       cfg.Headless.ExpandPause,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			app.headless = fetcher
			headless = fetcher
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	detect := detector.NewHeuristic(cfg.Headless.PromotionThreshold)

	registry := adapter.NewRegistry()
	if site, ok := cfg.Sites[doctoralia.SiteKey]; ok && site.Enabled {
		selectors, err := doctoralia.DefaultSelectors().Override(site.Selectors)
		if err != nil {
			return nil, fmt.Errorf("sites.%s.selectors: %w", doctoralia.SiteKey, err)
		}
		a, err := doctoralia.New(doctoralia.Config{
			Hosts:         site.Hosts,
			Selectors:     selectors,
			ForceHeadless: site.ForceHeadless,
			MaxExpand:     site.MaxExpand,
		}, probe, headless, detect, app.logger.Named("adapter"))
		if err != nil {
			return nil, fmt.Errorf("doctoralia adapter init failed: %w", err)
		}
		if err := registry.Register(doctoralia.SiteKey, a); err != nil {
			return nil, err
		}
		app.logger.Info("site adapter registered", zap.String("site", doctoralia.SiteKey), zap.Strings("hosts", site.Hosts))
	}
	return registry, nil
}

type enrichment struct {
	lexicon   *enrich.Lexicon
	responder *enrich.TemplateResponder
}

func setupEnrichment(cfg *config.Config) (enrichment, error) {
	lexicon := enrich.NewLexicon(cfg.Enrich.DefaultLanguage)
	var extra map[string]map[string]string
	if cfg.Enrich.TemplatesDir != "" {
		var err error
		extra, err = enrich.LoadTemplateDir(cfg.Enrich.TemplatesDir)
		if err != nil {
			return enrichment{}, fmt.Errorf("load reply templates: %w", err)
		}
	}
	responder, err := enrich.NewTemplateResponder(cfg.Enrich.DefaultLanguage, lexicon, extra)
	if err != nil {
		return enrichment{}, fmt.Errorf("reply templates init failed: %w", err)
	}
	return enrichment{lexicon: lexicon, responder: responder}, nil
}
