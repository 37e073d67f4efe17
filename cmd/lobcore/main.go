// LobcoreService 主程序
// 功能：提供限价订单簿撮合核心服务，支持并发撮合、journal 持久化、快照恢复
// 架构：内存撮合引擎 + mmap journal + 周期性维护调度 + HTTP 接口
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/internal/clock"
	"github.com/quantmesh/lobcore/internal/fanout"
	"github.com/quantmesh/lobcore/internal/httpapi"
	"github.com/quantmesh/lobcore/internal/journal"
	"github.com/quantmesh/lobcore/internal/maintenance"
	"github.com/quantmesh/lobcore/internal/projection"
	"github.com/quantmesh/lobcore/internal/recovery"
	"github.com/quantmesh/lobcore/internal/snapshot"
	"github.com/quantmesh/lobcore/pkg/cache"
	"github.com/quantmesh/lobcore/pkg/config"
	"github.com/quantmesh/lobcore/pkg/db"
	"github.com/quantmesh/lobcore/pkg/logger"
	"github.com/quantmesh/lobcore/pkg/metrics"
	"github.com/quantmesh/lobcore/pkg/middleware"
	"github.com/quantmesh/lobcore/pkg/mq"
	"github.com/quantmesh/lobcore/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/lobcore/config.toml", "path to config file")
	symbolsFlag := flag.String("symbol", "BTC-USD", "comma-separated list of symbols to serve")
	mode := flag.String("mode", "simulation", "run mode: simulation or live (validated and logged only)")
	bookImpl := flag.String("book", "coarse", "order book implementation: coarse (RWMutex) or fine (per-side locking)")
	logFile := flag.String("logfile", "", "override the configured log file path")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "lobcore: --symbol must name at least one symbol")
		os.Exit(1)
	}
	if *mode != "simulation" && *mode != "live" {
		fmt.Fprintf(os.Stderr, "lobcore: invalid --mode %q, want simulation or live\n", *mode)
		os.Exit(1)
	}
	if *bookImpl != "coarse" && *bookImpl != "fine" {
		fmt.Fprintf(os.Stderr, "lobcore: invalid --book %q, want coarse or fine\n", *bookImpl)
		os.Exit(1)
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lobcore: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logFile != "" {
		cfg.Logger.FilePath = *logFile
		cfg.Logger.Output = "both"
	}
	if *verbose {
		cfg.Logger.Level = "debug"
	}
	if err := logger.Init(logger.Config{
		Level: cfg.Logger.Level, Format: cfg.Logger.Format, Output: cfg.Logger.Output,
		FilePath: cfg.Logger.FilePath, MaxSize: cfg.Logger.MaxSize, MaxBackups: cfg.Logger.MaxBackups,
		MaxAge: cfg.Logger.MaxAge, Compress: cfg.Logger.Compress, WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "lobcore: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting lobcore", "service", cfg.ServiceName, "mode", *mode, "book", *bookImpl, "symbols", symbols)

	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		logger.Fatal(ctx, "failed to register metrics", "error", err)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Fatal(ctx, "failed to start metrics server", "error", err)
		}
	}

	journalsDir := filepath.Join(cfg.Book.DataDirectory, "journals")
	snapshotsDir := filepath.Join(cfg.Book.DataDirectory, "snapshots")
	store := snapshot.NewStore(snapshotsDir)
	journalCfg := journal.Config{
		InitialSize:   cfg.Book.JournalInitialSize,
		SizeIncrement: cfg.Book.JournalSizeIncrement,
		MaxSize:       cfg.Book.JournalMaxSize,
	}

	var factory recovery.Factory
	if *bookImpl == "fine" {
		factory = func(symbol string, j book.Journaler, src clock.Source) book.OrderBook {
			return book.NewFineBook(symbol, j, src)
		}
	} else {
		factory = func(symbol string, j book.Journaler, src clock.Source) book.OrderBook {
			return book.NewCoarseBook(symbol, j, src)
		}
	}

	coordinator := &recovery.Coordinator{
		Snapshots: store, JournalsDir: journalsDir, JournalCfg: journalCfg,
		NewBook: factory, WriteObserver: m.ObserveJournalWrite,
	}
	results, status, err := coordinator.Recover()
	if err != nil {
		logger.Fatal(ctx, "recovery failed", "error", err)
	}
	logger.Info(ctx, "recovery complete", "status", status.String(), "recovered_symbols", len(results))

	requested := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		requested[sym] = true
	}
	for sym, r := range results {
		if !requested[sym] && r.Journal != nil {
			if err := r.Journal.Close(); err != nil {
				logger.Error(ctx, "failed to close unrequested recovered journal", "symbol", sym, "error", err)
			}
		}
	}

	books := make(map[string]book.OrderBook, len(symbols))
	journals := make(map[string]*journal.Journal, len(symbols))
	for _, sym := range symbols {
		if r, ok := results[sym]; ok {
			// Serving an empty book over a symbol whose persisted state
			// failed to load would silently discard it on the next
			// snapshot; refuse to start instead.
			if r.Err != nil {
				logger.Fatal(ctx, "symbol recovery failed", "symbol", sym, "error", r.Err)
			}
			books[sym] = r.Book
			journals[sym] = r.Journal
			logger.Info(ctx, "symbol recovered", "symbol", sym, "replayed", r.ReplayedCount, "checkpoint", r.CheckpointSeq)
			continue
		}
		jrnl, err := journal.Open(journal.Path(journalsDir, sym), journalCfg)
		if err != nil {
			logger.Fatal(ctx, "failed to open journal for fresh symbol", "symbol", sym, "error", err)
		}
		sj := journal.NewSymbolJournal(jrnl).WithWriteObserver(m.ObserveJournalWrite)
		books[sym] = factory(sym, sj, clock.System{})
		journals[sym] = jrnl
		logger.Info(ctx, "symbol started clean", "symbol", sym)
	}

	var tradeRepo *projection.TradeRepository
	if cfg.Database.DSN != "" {
		database, err := db.Init(db.Config{
			Driver: cfg.Database.Driver, DSN: cfg.Database.DSN,
			MaxOpenConns: cfg.Database.MaxOpenConns, MaxIdleConns: cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime, LogEnabled: cfg.Database.LogEnabled,
			SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		})
		if err != nil {
			logger.Error(ctx, "database unavailable, trade history projection disabled", "error", err)
		} else {
			defer database.Close()
			tradeRepo = projection.NewTradeRepository(database.DB)
			if err := tradeRepo.AutoMigrate(); err != nil {
				logger.Error(ctx, "trade table migration failed", "error", err)
			}
		}
	}

	var quoteCache *projection.QuoteCache
	var redisClient *cache.RedisCache
	if cfg.Redis.Host != "" {
		var err error
		redisClient, err = cache.New(cache.Config{
			Host: cfg.Redis.Host, Port: cfg.Redis.Port, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
			MaxPoolSize: cfg.Redis.MaxPoolSize, ConnTimeout: cfg.Redis.ConnTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout, WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Error(ctx, "redis unavailable, quote cache disabled", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			quoteCache = projection.NewQuoteCache(redisClient)
		}
	}

	var router *fanout.Router
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewProducer(mq.KafkaConfig{
			Brokers: cfg.Kafka.Brokers, GroupID: cfg.Kafka.GroupID,
			Partitions: cfg.Kafka.Partitions, Replication: cfg.Kafka.Replication,
			SessionTimeout: cfg.Kafka.SessionTimeout,
		})
		if err != nil {
			logger.Error(ctx, "kafka unavailable, fill fanout disabled", "error", err)
		} else {
			router, err = fanout.NewRouter(1<<20, producer, logger.Get())
			if err != nil {
				logger.Error(ctx, "failed to build fanout router", "error", err)
				router = nil
			}
		}
	}

	scheduler := maintenance.NewScheduler(store, logger.Get(), m, time.Duration(cfg.Book.MaintenancePeriodMS)*time.Millisecond,
		cfg.Book.CompactionThreshold, cfg.Book.SnapshotRetentionCount)

	registry := httpapi.NewRegistry()
	for sym, bk := range books {
		registry.Add(bk)

		scheduler.Register(sym, journals[sym], func(nowNano uint64) (uint64, error) {
			seq := journals[sym].LatestSequence()
			return store.Create(bk.GetSnapshot(), seq, nowNano)
		})

		if router != nil {
			bk.SubscribeUpdates(router.Subscriber())
		}
		if tradeRepo != nil {
			repo, nowBook := tradeRepo, bk
			nowBook.SubscribeUpdates(func(u book.Update) {
				if err := repo.RecordUpdate(ctx, u, time.Now().UnixNano()); err != nil {
					logger.Error(ctx, "trade projection write failed", "symbol", u.Symbol, "error", err)
				}
			})
		}
		if quoteCache != nil {
			bk.SubscribeUpdates(quoteCache.Subscriber(ctx, bk))
		}
	}

	httpHandler := httpapi.NewHandler(registry, m)
	ginRouter := gin.Default()
	ginRouter.Use(middleware.GinLoggingMiddleware())
	ginRouter.Use(middleware.GinRecoveryMiddleware())
	ginRouter.Use(middleware.GinCORSMiddleware())
	if cfg.RateLimit.Enabled {
		if redisClient != nil {
			ginRouter.Use(middleware.RateLimitMiddleware(ratelimit.NewRedisRateLimiter(redisClient.GetClient()), cfg.RateLimit))
		} else {
			limiter := middleware.NewRateLimiter(float64(cfg.RateLimit.Burst), float64(cfg.RateLimit.QPS))
			ginRouter.Use(middleware.GinRateLimitMiddleware(limiter))
		}
	}
	ginRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": cfg.ServiceName})
	})
	httpHandler.RegisterRoutes(ginRouter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      ginRouter,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info(ctx, "starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "HTTP server error", "error", err)
		}
	}()

	schedCtx, schedCancel := context.WithCancel(ctx)
	go scheduler.Start(schedCtx)
	if router != nil {
		router.Start(schedCtx)
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down lobcore")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "HTTP server shutdown error", "error", err)
	}
	schedCancel()
	if router != nil {
		router.Stop()
	}
	for sym, jrnl := range journals {
		if err := jrnl.Close(); err != nil {
			logger.Error(context.Background(), "journal close error", "symbol", sym, "error", err)
		}
	}

	logger.Info(context.Background(), "lobcore stopped")
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
