// Command server runs the round engine: HTTP API, WebSocket hub, round
// scheduler, and funds flows against PostgreSQL, Redis, and a Solana RPC.
package main

import (
	"context"
	"errors"
	"flag"
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

	"github.com/godcandle/round-engine/internal/chain"
	"github.com/godcandle/round-engine/internal/config"
	"github.com/godcandle/round-engine/internal/funds"
	"github.com/godcandle/round-engine/internal/game"
	"github.com/godcandle/round-engine/internal/metrics"
	"github.com/godcandle/round-engine/internal/pricing"
	"github.com/godcandle/round-engine/internal/risk"
	"github.com/godcandle/round-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	engine, err := pricing.NewEngine(cfg.Game.VirtualBase)
	if err != nil {
		return err
	}

	observer, err := buildObserver(cfg)
	if err != nil {
		return err
	}

	limiter := risk.NewExposureLimiter(cfg.Game.MaxPerTrade, cfg.Game.MaxPerRound)

	hub := game.NewHub()
	go hub.Run()

	svc := game.NewService(st, hub, engine, limiter, game.Config{
		FeeRate:         cfg.Game.FeeRate,
		MinTrade:        cfg.Game.MinTrade,
		LeaderboardSize: cfg.Game.LeaderboardSize,
	})

	sched := game.NewScheduler(st, hub, engine, game.SchedulerConfig{
		RoundDuration:    cfg.Game.RoundDuration(),
		CountdownSeconds: cfg.Game.CountdownSeconds,
	})
	svc.BindScheduler(sched)
	sched.Start(ctx)

	fundsSvc := funds.NewService(st, observer, hub, funds.Config{
		EscrowAddress:    cfg.Chain.EscrowAddress,
		MinWithdrawal:    cfg.Funds.MinWithdrawal,
		DepositTolerance: cfg.Funds.DepositTolerance,
		PollAttempts:     cfg.Funds.PollAttempts,
		PollDelay:        cfg.Funds.PollDelay(),
	})

	router := buildRouter(svc, fundsSvc, hub)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}

	sched.Stop()
	hub.Close()
	return nil
}

// buildStore wires PostgreSQL when configured, optionally wrapped in the
// Redis read-through cache, falling back to the in-memory store for local
// development.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	var st store.Store = store.NewPostgresStore(pool)
	cleanup := func() { pool.Close() }

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, continuing without cache", "err", err)
			_ = rdb.Close()
		} else {
			st = store.NewCachedStore(st, rdb, 5*time.Second)
			prev := cleanup
			cleanup = func() {
				_ = rdb.Close()
				prev()
			}
		}
	}
	return st, cleanup, nil
}

// buildObserver creates the Solana RPC client, with withdrawal signing
// enabled only when an escrow key is supplied.
func buildObserver(cfg *config.Config) (chain.Observer, error) {
	opts := []chain.ClientOption{}
	if cfg.Chain.EscrowSecretKey != "" {
		key, address, err := chain.ParseEscrowKey(cfg.Chain.EscrowSecretKey)
		if err != nil {
			return nil, fmt.Errorf("parse escrow key: %w", err)
		}
		if cfg.Chain.EscrowAddress != "" && cfg.Chain.EscrowAddress != address {
			return nil, errors.New("escrow secret key does not match escrow_address")
		}
		opts = append(opts, chain.WithEscrowKey(key, address))
	}
	return chain.NewClient(cfg.Chain.RPCEndpoint, opts...), nil
}

func buildRouter(svc *game.Service, fundsSvc *funds.Service, hub *game.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", hub.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/game", func(r chi.Router) {
			r.Get("/round", svc.HandleGetRound)
			r.Post("/trade", svc.HandleTrade)
			r.Post("/sell-all", svc.HandleSellAll)
			r.Get("/position/{wallet}", svc.HandlePosition)
			r.Get("/trades", svc.HandleTrades)
			r.Get("/leaderboard", svc.HandleLeaderboard)
			r.Get("/preview", svc.HandlePreview)
		})
		r.Post("/deposit/confirm", fundsSvc.HandleConfirmDeposit)
		r.Post("/withdraw", fundsSvc.HandleWithdraw)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
