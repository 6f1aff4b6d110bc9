package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/appleboy/graceful"
	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/api"
	"github.com/pysugar/marketrelay/internal/auth/connect"
	"github.com/pysugar/marketrelay/internal/auth/token"
	"github.com/pysugar/marketrelay/internal/backfill"
	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/marketplace"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/pysugar/marketrelay/internal/mirror"
	"github.com/pysugar/marketrelay/internal/notify"
	"github.com/pysugar/marketrelay/internal/scraper"
	"github.com/pysugar/marketrelay/internal/upstream"
	"github.com/pysugar/marketrelay/internal/version"
	"github.com/pysugar/marketrelay/internal/webhook"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.WithFields(logrus.Fields{
		"version":     version.Version,
		"environment": cfg.Environment,
		"platforms":   cfg.Platforms.Slugs(),
	}).Info("marketrelay starting")

	// Initialize database
	database, err := db.InitDB(cfg.DatabaseDriver, cfg.DatabaseDSN, cfg.DatabaseDebug, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	recorder := metrics.Init(cfg.MetricsEnabled)

	// Egress identities
	eg := egress.NewRegistry(database, egress.NewTransports(cfg.UpstreamTimeout), log, recorder)
	if err := importEgressFile(eg, cfg, log); err != nil {
		log.WithError(err).Fatal("Failed to import egress identities")
	}

	// Optional Redis for cross-instance notifications and the shared scraper budget
	redisClient, err := initializeRedisClient(context.Background(), cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}

	hub := notify.NewHub(64, log)
	var publisher notify.Publisher = hub
	var redisPublisher *notify.RedisPublisher
	var scraperStore limiter.Store
	if redisClient != nil {
		redisPublisher = notify.NewRedisPublisher(redisClient, notify.DefaultChannel, log)
		publisher = redisPublisher
		if scraperStore, err = scraper.NewRedisStore(redisClient); err != nil {
			log.WithError(err).Fatal("Failed to create scraper rate limit store")
		}
	}

	// Accounts, credentials and the routed executor
	store := mirror.NewStore(database, log)
	accts := accounts.NewRegistry(database, cfg.Platforms, eg, store, log)
	tokens := token.NewManager(database, cfg.Platforms, eg, log, recorder)
	executor := upstream.NewClient(cfg.Platforms, tokens, eg, accts, upstream.Config{
		Timeout:      cfg.UpstreamTimeout,
		RetryBackoff: cfg.UpstreamRetryBackoff,
		AccountRPS:   cfg.AccountRPS,
		AccountBurst: cfg.AccountBurst,
	}, log, recorder)
	connector := connect.NewManager(database, cfg.Platforms, accts, eg, executor, connect.Options{
		StateTTL:        cfg.StateTTL,
		CaptureCallerIP: cfg.CaptureCallerIP,
	}, log)

	// Sync pipeline
	syncer := backfill.NewSyncer(accts, store, executor, publisher, log)
	pool := backfill.NewPool(backfill.PoolConfig{
		Workers:    cfg.SyncWorkers,
		QueueSize:  cfg.SyncQueueSize,
		JobTimeout: cfg.SyncJobTimeout,
	}, syncer, log, recorder)
	syncer.SetQueue(pool)
	scheduler := backfill.NewScheduler(backfill.SchedulerConfig{
		SyncSpec:      cfg.SyncInterval,
		QuietWindow:   cfg.WebhookQuietWindow,
		MaxStaleness:  cfg.SyncMaxStaleness,
		RefreshWithin: cfg.RefreshWithin,
	}, accts, pool, tokens, connector, log)

	ingestor := webhook.NewIngestor(database, cfg.Platforms, accts, store, publisher, log, recorder)
	ingestor.SetBackfiller(pool)

	router := api.NewRouter(api.Deps{
		APIKey:      cfg.APIKey,
		DB:          database,
		Accounts:    accts,
		Egress:      eg,
		Connect:     connector,
		Webhooks:    ingestor,
		Marketplace: marketplace.NewService(executor, store, scheduler, log),
		Sync:        scheduler,
		Hub:         hub,
		Scraper: scraper.NewClient(cfg.Platforms, scraperStore, eg.Transports(), scraper.Config{
			RequestsPerMinute: cfg.ScraperRequestsPerMinute,
			BaseURL:           cfg.ScraperBaseURL,
		}, log, recorder),
		Metrics:    recorder,
		Log:        log,
		RequestLog: log.IsLevelEnabled(logrus.DebugLevel),
	})

	pool.Start()
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start scheduler")
	}

	srv := createHTTPServer(cfg, router)
	m := graceful.NewManager()
	addServerRunningJob(m, srv, log)
	addRelayRunningJob(m, redisPublisher, hub, log)
	addServerShutdownJob(m, srv, log)
	addSchedulerShutdownJob(m, scheduler, log)
	addPoolShutdownJob(m, pool, log)
	addRedisClientShutdownJob(m, redisClient, log)

	log.Infof("marketrelay listening on http://%s", cfg.Addr())
	<-m.Done()
}

func importEgressFile(eg *egress.Registry, cfg *config.Config, log logrus.FieldLogger) error {
	if cfg.EgressFile == "" {
		return nil
	}
	if cfg.EgressOwner == "" {
		return fmt.Errorf("EGRESS_OWNER is required with EGRESS_FILE")
	}
	specs, err := egress.LoadSpecs(cfg.EgressFile)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := eg.Import(ctx, cfg.EgressOwner, specs)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"file":    cfg.EgressFile,
		"owner":   cfg.EgressOwner,
		"created": res.Created,
		"updated": res.Updated,
	}).Info("egress identities imported")
	return nil
}
