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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-sim/internal/api"
	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/daily"
	"github.com/atmx/market-sim/internal/engine"
	"github.com/atmx/market-sim/internal/leaderboard"
	"github.com/atmx/market-sim/internal/ledger"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/realtime"
	"github.com/atmx/market-sim/internal/scheduler"
	"github.com/atmx/market-sim/internal/series"
	"github.com/atmx/market-sim/internal/stipend"
	"github.com/atmx/market-sim/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- State store ---
	var (
		primary store.Backend
		rb      *store.RedisBackend
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rb = store.NewRedisBackend(redis.NewClient(opt))
		cleanup = append(cleanup, func() { rb.Close() })
		primary = rb
	} else {
		slog.Warn("REDIS_URL not set, using in-memory store (data will not persist)")
	}
	kv := store.NewStateStore(primary, store.NewMemoryBackend(), cfg.Redis.OpTimeout)
	if rb != nil {
		pctx, cancel := context.WithTimeout(ctx, cfg.Redis.OpTimeout)
		if err := rb.Ping(pctx); err != nil {
			kv.Degrade(err)
		} else {
			slog.Info("connected to Redis")
		}
		cancel()
	}

	// --- Trade archive ---
	var archive *store.TradeArchive
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		archive = store.NewTradeArchive(pool)
		cleanup = append(cleanup, archive.Close)
		if err := archive.EnsureSchema(ctx); err != nil {
			slog.Error("trade archive schema failed", "err", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL, trade archive enabled")
	}

	// --- Realtime fan-out ---
	hub := realtime.NewHub()
	go hub.Run(ctx)

	sinks := []realtime.Sink{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := realtime.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka close failed", "err", err)
			}
		})
		sinks = append(sinks, kp)
	}
	notifier := realtime.NewBroadcaster(sinks...)

	// --- Market services ---
	samples := series.New(kv, cfg.Engine.SampleRetention)
	days := daily.NewTracker(kv)
	repo := market.NewRepository(kv, samples, days)
	board := leaderboard.NewService(repo)
	stipends := stipend.NewService(kv, stipend.MockSource{}, stipend.Config{
		Baseline: cfg.Ledger.DefaultStipend,
		Max:      cfg.Stipend.Max,
		Slope:    cfg.Stipend.Slope,
		CacheTTL: cfg.Stipend.CacheTTL,
	})

	ldg := ledger.New(ledger.Config{TradeLogCap: cfg.Ledger.TradeLogCap}, repo, samples, board, stipends, notifier)
	if archive != nil {
		ldg.SetArchive(archive)
	}

	eng := engine.New(engine.Config{
		TickInterval:         cfg.Engine.TickInterval,
		FlowWindow:           cfg.Engine.FlowWindow,
		SampleRetention:      cfg.Engine.SampleRetention,
		HistoryRetention:     cfg.Engine.HistoryRetention,
		ActivityWeight:       cfg.Engine.ActivityWeight,
		FlowWeight:           cfg.Engine.FlowWeight,
		VolatilityTarget:     cfg.Engine.VolatilityTarget,
		MaxChangePerTick:     cfg.Engine.MaxChangePerTick,
		FreezeThreshold:      cfg.Engine.FreezeThreshold,
		LeaderboardThreshold: cfg.Engine.LeaderboardThreshold,
	}, repo, samples, days, board, notifier)

	if err := repo.EnsureSeeded(ctx); err != nil {
		slog.Error("initial seed failed", "err", err)
		os.Exit(1)
	}

	// --- Scheduler ---
	sched := scheduler.New(scheduler.Config{
		Interval:   cfg.Engine.TickInterval,
		RunOnStart: cfg.Engine.RunTickOnStart(),
	}, scheduler.TickFunc(func(ctx context.Context) error {
		_, err := eng.Tick(ctx)
		return err
	}), logger)
	sched.Start(ctx)

	// --- HTTP router ---
	srvHandlers := api.NewServer(api.Deps{
		Store:       kv,
		Repository:  repo,
		Ledger:      ldg,
		Engine:      eng,
		Leaderboard: board,
		Stipends:    stipends,
		Hub:         hub,
		Limiter:     api.NewRateLimiter(cfg.HTTP.TradeRateLimit, cfg.HTTP.TradeBurst),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Reddit-Username, X-Devvit-User, X-User-Name")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	srvHandlers.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("karma-market listening", "port", cfg.HTTP.Port, "storage", kv.Mode().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down karma-market...")
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Error("scheduler stop error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("karma-market stopped")
}
