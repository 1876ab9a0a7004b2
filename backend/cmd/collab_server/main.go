package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"collab-engine/backend/config"
	"collab-engine/backend/internal/access"
	"collab-engine/backend/internal/bus"
	"collab-engine/backend/internal/collab"
	"collab-engine/backend/internal/httpapi/handlers"
	"collab-engine/backend/internal/httpapi/middleware"
	"collab-engine/backend/internal/logging"
	"collab-engine/backend/internal/session"
	"collab-engine/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("collab_server_failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID := cfg.Running.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With("node", nodeID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := collab.NewMetrics(reg)
	checks := map[string]handlers.Check{}

	// === session store ===
	var (
		rdb   redis.UniversalClient
		store session.Store
		local *session.MemoryStore
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil && !cfg.Session.Fallback {
			return fmt.Errorf("connect redis: %w", err)
		}
		if err != nil {
			logger.Warn("redis_unreachable_at_start", "err", err)
		}
		store = session.NewRedisStore(rdb, cfg.Session.TTL)
		if cfg.Session.Fallback {
			local = session.NewMemoryStore(cfg.Session.TTL)
			store = session.NewFallbackStore(store, local, logger, metrics.StoreFallback)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Warn("redis_not_configured_using_memory_store")
		local = session.NewMemoryStore(cfg.Session.TTL)
		store = local
	}

	// === bus ===
	var b bus.Bus
	switch cfg.Bus.Driver {
	case "nats":
		nc, err := nats.Connect(cfg.Bus.NatsURL, nats.Name("collab-"+nodeID))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		b = bus.NewNatsBus(nc)
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	case "redis":
		if rdb == nil {
			return errors.New("bus.driver redis needs redis.addrs")
		}
		b = bus.NewRedisBus(rdb, logger)
	default:
		b = bus.NewMemoryBus()
	}
	defer b.Close()

	// === access gateway ===
	var gateway access.Gateway = access.AllowAll{}
	if cfg.Mysql.DSN != "" {
		db, err := access.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		gateway = access.NewCachedGateway(access.NewGormGateway(db), cfg.Mysql.CacheTTL)
		checks["mysql"] = sqlDB.PingContext
	} else {
		logger.Warn("mysql_not_configured_allowing_all_rooms")
	}

	// === operation journal ===
	var journal collab.Journal
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer closeProducer(producer, logger)
		kj := collab.NewKafkaJournal(producer, cfg.Kafka.Topic, logger, collab.KafkaJournalOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		})
		// deferred after the producer so the queue drains before it closes
		defer kj.Close()
		journal = kj
	}

	svc := collab.New(collab.Options{
		Store:                store,
		Gateway:              gateway,
		Journal:              journal,
		Metrics:              metrics,
		Logger:               logger,
		LogSize:              cfg.Session.LogSize,
		MaxRetries:           cfg.Session.MaxRetries,
		RetryBackoff:         cfg.Session.RetryBackoff,
		RoomTypes:            cfg.Rooms.Types,
		MaxConcurrentSubmits: cfg.Session.MaxConcurrentSubmits,
	})
	hub := ws.NewHub(b, logger)
	defer hub.Close()
	svc.SetBroadcaster(hub)

	sweepOpts := collab.SweeperOptions{
		Cron:      cfg.Presence.SweepCron,
		IdleAfter: cfg.Presence.IdleAfter,
		AwayAfter: cfg.Presence.AwayAfter,
	}
	if local != nil {
		sweepOpts.Purge = local.Purge
	}
	sweeper, err := collab.NewSweeper(svc, hub, sweepOpts, logger)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	manager := ws.NewManager(hub, svc, metrics, logger, cfg.Cors.AllowOrigins)
	rooms := handlers.NewRoomHandler(svc, logger)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Cors.Enabled {
		cc := cors.DefaultConfig()
		if len(cfg.Cors.AllowOrigins) > 0 {
			cc.AllowOrigins = cfg.Cors.AllowOrigins
		} else {
			cc.AllowAllOrigins = true
		}
		cc.AddAllowHeaders("Authorization")
		r.Use(cors.New(cc))
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	r.GET("/collab/healthz", handlers.Health(nodeID, checks))

	group := r.Group("/collab")
	// token from Authorization or ?token=; verified locally or by the auth service
	group.Use(middleware.Auth(middleware.AuthOptions{
		JWTSecret:     cfg.Auth.JWTSecret,
		VerifyBaseURL: cfg.Auth.Path,
	}))
	group.GET("/ws", manager.WebSocketConnect)
	group.GET("/rooms/:roomType/:resourceId", rooms.GetRoom)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab_server_listening", "addr", srv.Addr, "bus", cfg.Bus.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("collab_server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func closeProducer(p sarama.SyncProducer, logger *slog.Logger) {
	if err := p.Close(); err != nil {
		logger.Warn("kafka_producer_close_failed", "err", err)
	}
}
