package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"smarttasks/internal/classifier"
	"smarttasks/internal/config"
	"smarttasks/internal/dispatcher"
	"smarttasks/internal/docstore"
	"smarttasks/internal/events"
	"smarttasks/internal/feed"
	"smarttasks/internal/httpserver"
	"smarttasks/internal/model"
	"smarttasks/internal/notifier"
	"smarttasks/internal/orchestrator"
	"smarttasks/internal/reconciler"
	"smarttasks/internal/repository"
	"smarttasks/internal/reprocessor"
	"smarttasks/internal/worker"
	"smarttasks/pkg/db"
	"smarttasks/pkg/logger"
	"smarttasks/pkg/mq"
	"smarttasks/pkg/otel"
	"smarttasks/pkg/redis"
	"smarttasks/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger 还没有初始化
		panic(err)
	}
	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting smarttasks pipeline...", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal("invalid timezone", zap.Error(err))
	}

	shutdownOtel, err := otel.Init(cfg.OTel, log)
	if err != nil {
		log.Fatal("OpenTelemetry init failed", zap.Error(err))
	}
	defer shutdownOtel()

	// Store
	store, changes, ping, closeStore := openStore(ctx, cfg, log)
	defer closeStore()
	repo := repository.NewTaskRepository(store)

	// Redis (optional)
	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Redis connection failed", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
		log.Info("Redis ready", zap.String("addr", cfg.Redis.Addr))
	}

	// Domain events (optional)
	var publisher events.Publisher
	if cfg.MQ.URL != "" {
		p, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("MQ publisher init failed", zap.Error(err))
		}
		defer p.Close()
		publisher = p
		log.Info("Domain events enabled")
	}
	emitter := events.NewEmitter(publisher, log)

	// Capabilities
	cls, err := classifier.New(ctx, cfg.Classifier, log)
	if err != nil {
		log.Fatal("classifier init failed", zap.Error(err))
	}
	ntf, err := notifier.New(ctx, cfg.Notifier, log)
	if err != nil {
		log.Fatal("notifier init failed", zap.Error(err))
	}

	// Pipeline components
	poolOpts := []worker.Option{worker.WithEmitter(emitter)}
	if rdb != nil {
		poolOpts = append(poolOpts, worker.WithFailureCounter(util.NewRetryCounter(rdb, cfg.RedisUsage.FailureCounterTTL)))
	}
	pool := worker.NewPool(cfg.Worker, repo, cls, log, poolOpts...)

	cfg.Reconciler.Lease = cfg.Worker.Lease
	rec := reconciler.New(cfg.Reconciler, repo, pool, log)
	rep := reprocessor.New(cfg.Reprocessor, repo, emitter, log)

	dispatchCfg := cfg.Dispatcher
	dispatchCfg.Recipient = cfg.OwnerEmail
	dispatchCfg.Location = loc
	disp := dispatcher.New(dispatchCfg, repo, ntf, emitter, log)

	orch := orchestrator.New(repo, pool, log)
	if cfg.Feed.Enabled {
		listener := feed.NewListener(cfg.Feed.Config, changes, repo, pool, rec.Run, log)
		if rdb != nil {
			listener.SetDeduper(util.NewDeduper(rdb, cfg.RedisUsage.DedupTTL, log))
		}
		orch.SetListener(listener)
	}
	addJobs(orch, cfg, loc, rec, rep, disp, changes, log)

	if err := orch.Init(ctx); err != nil {
		log.Fatal("orchestrator init failed", zap.Error(err))
	}

	// Admin HTTP
	router := httpserver.NewRouter(httpserver.Deps{
		Repo:       repo,
		Controller: orch,
		Auth: httpserver.AuthConfig{
			Username:     cfg.Operator.Username,
			PasswordHash: cfg.Operator.PasswordHash,
			JWTSecret:    cfg.JWT.Secret,
			TokenTTL:     cfg.JWT.TTL,
		},
		Logger: log,
		Ready:  ping,
	})
	server := httpserver.NewServer(cfg.Server.Port, router)
	go func() {
		log.Info("HTTP server listening", zap.String("port", cfg.Server.Port))
		if err := server.Start(); err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	// 进程退出不改变持久化的 triggered
	orch.Stop()
	log.Info("Pipeline stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (docstore.Store, docstore.ChangeFeed, func(context.Context) error, func()) {
	if cfg.Store.Driver == "memory" {
		log.Warn("Using in-memory store; data is lost on exit")
		mem := docstore.NewMemory()
		return mem, mem, mem.Ping, func() {}
	}

	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	if err := docstore.Migrate(pool, log); err != nil {
		pool.Close()
		log.Fatal("DB migration failed", zap.Error(err))
	}
	log.Info("DB ready")

	pg := docstore.NewPostgres(pool)
	changes := docstore.NewPostgresFeed(pool, cfg.DB.DSN(), cfg.Store.FeedPollInterval, log)
	return pg, changes, pg.Ping, pool.Close
}

func addJobs(
	orch *orchestrator.Orchestrator,
	cfg *config.Config,
	loc *time.Location,
	rec *reconciler.Reconciler,
	rep *reprocessor.Reprocessor,
	disp *dispatcher.Dispatcher,
	changes docstore.ChangeFeed,
	log *zap.Logger,
) {
	reprocessAt, err := orchestrator.DailyAt(cfg.Schedule.ReprocessAt, loc)
	if err != nil {
		log.Fatal("invalid reprocess schedule", zap.Error(err))
	}
	digestAt, err := orchestrator.DailyAt(cfg.Schedule.DigestAt, loc)
	if err != nil {
		log.Fatal("invalid digest schedule", zap.Error(err))
	}

	orch.AddJob(orchestrator.Job{
		Name:      "reconcile",
		Cadence:   orchestrator.Every(rec.Interval()),
		Run:       rec.Run,
		Watermark: func(c *model.ControlRecord) *time.Time { return c.LastReconcileAt },
	})
	orch.AddJob(orchestrator.Job{
		Name:      "reprocess",
		Cadence:   reprocessAt,
		Run:       rep.Run,
		Watermark: func(c *model.ControlRecord) *time.Time { return c.LastReprocessAt },
	})
	orch.AddJob(orchestrator.Job{
		Name:      "digest",
		Cadence:   digestAt,
		Run:       disp.Run,
		Watermark: func(c *model.ControlRecord) *time.Time { return c.LastDigestAt },
	})
	if cfg.Store.ChangeRetention > 0 {
		pruneEvery := cfg.Schedule.PruneEvery
		if pruneEvery <= 0 {
			pruneEvery = time.Hour
		}
		orch.AddJob(orchestrator.Job{
			Name:    "prune",
			Cadence: orchestrator.Every(pruneEvery),
			Run:     orchestrator.PruneChanges(changes, cfg.Store.ChangeRetention, log),
		})
	}
}
