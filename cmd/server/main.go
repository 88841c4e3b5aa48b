package main

import (
	"context"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/feed"
	"github.com/crickx/trading-engine/internal/hub"
	"github.com/crickx/trading-engine/internal/ledger"
	"github.com/crickx/trading-engine/internal/match"
	"github.com/crickx/trading-engine/internal/metrics"
	"github.com/crickx/trading-engine/internal/portfolio"
	"github.com/crickx/trading-engine/internal/pricing"
	"github.com/crickx/trading-engine/internal/settle"
	"github.com/crickx/trading-engine/internal/store"
)

func main() {
	godotenv.Load() // optional .env for local development

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Pricing policy ---
	cfg := pricing.DefaultConfig()
	overrideDecimal(&cfg.TeamBaseline, "PRICE_TEAM_BASELINE")
	overrideDecimal(&cfg.RunMultiplier, "PRICE_RUN_MULTIPLIER")
	overrideDecimal(&cfg.WicketBoost, "PRICE_WICKET_BOOST")
	overrideDecimal(&cfg.ProfitCutRate, "FEE_PROFIT_CUT_RATE")
	overrideDecimal(&cfg.DismissalHaircut, "SETTLE_DISMISSAL_HAIRCUT")
	pricer, err := pricing.NewEngine(cfg)
	if err != nil {
		slog.Error("invalid pricing policy", "err", err)
		os.Exit(1)
	}

	// --- Company ledger ---
	company, err := ledger.Load(context.Background(), st)
	if err != nil {
		slog.Error("company ledger load failed", "err", err)
		os.Exit(1)
	}

	// --- Distribution hub ---
	h := hub.New()
	go h.Run()
	defer h.Close()

	// --- Services ---
	pfSvc := portfolio.NewService(st, pricer, company, h)
	settler := settle.NewEngine(st, pfSvc, pricer)
	dedupe := feed.NewDedupeCache(time.Hour)
	matchEng := match.NewEngine(st, pricer, dedupe, settler, h)

	// --- Feed ingestion ---
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	if feedURL := os.Getenv("FEED_URL"); feedURL != "" {
		client := feed.NewClient(feedURL, matchEng.ProcessFeedMessage)
		go client.Run(feedCtx)
		slog.Info("feed ingestion started", "url", feedURL)
	} else {
		slog.Warn("FEED_URL not set, live pricing disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for match- and user-scoped updates.
		r.Get("/ws", h.HandleWS)

		// Match price queries.
		r.Get("/matches/{matchID}/prices", matchEng.HandlePrices)

		// Portfolio operations.
		r.Post("/buy", pfSvc.HandleBuy)
		r.Post("/sell", pfSvc.HandleSell)
		r.Get("/portfolio", pfSvc.HandlePortfolio)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopFeed()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}

// overrideDecimal replaces a policy value when the env var parses.
func overrideDecimal(dst *decimal.Decimal, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("ignoring invalid policy override", "key", key, "value", v)
		return
	}
	*dst = d
}
