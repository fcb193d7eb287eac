package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/automation"
	"github.com/pluvio/settlement-engine/internal/engine"
	"github.com/pluvio/settlement-engine/internal/forwarder"
	"github.com/pluvio/settlement-engine/internal/metrics"
	"github.com/pluvio/settlement-engine/internal/oracle"
	"github.com/pluvio/settlement-engine/internal/payout"
	"github.com/pluvio/settlement-engine/internal/reserve"
	"github.com/pluvio/settlement-engine/internal/store"
	"github.com/pluvio/settlement-engine/internal/vault"
)

func main() {
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

	// --- Payment rail and claims escrow ---
	rail := payout.NewMemory()
	escrow := engine.NewEscrow()

	// --- Collateral vault ---
	vaultCfg := vault.Config{
		Owner:                  envStr("VAULT_OWNER", "owner"),
		Guardian:               envStr("GUARDIAN", "guardian"),
		TargetUtilizationBps:   envInt("TARGET_UTILIZATION_BPS", 5000),
		MaxUtilizationBps:      envInt("MAX_UTILIZATION_BPS", 8000),
		MaxLocationExposureBps: envInt("MAX_LOCATION_EXPOSURE_BPS", 2000),
		MultiplierCap:          envDecimal("MULTIPLIER_CAP", "2"),
		ReserveShareBps:        envInt("RESERVE_SHARE_BPS", 1000),
	}
	v, err := vault.New(vaultCfg, rail, escrow)
	if err != nil {
		slog.Error("invalid vault configuration", "err", err)
		os.Exit(1)
	}

	// --- Reserve pool ---
	pool := reserve.New(reserve.Config{
		Guardian:         vaultCfg.Guardian,
		LockupPeriod:     envDuration("RESERVE_LOCKUP", 30*24*time.Hour),
		MaxSingleDrawBps: envInt("MAX_SINGLE_DRAW_BPS", 5000),
		MinReserveBps:    envInt("MIN_RESERVE_BPS", 2000),
	}, rail)

	// --- Oracles (manual fulfillment via the HTTP callbacks) ---
	manual := oracle.NewManual()

	// --- WebSocket hub ---
	hub := engine.NewHub()
	go hub.Run()

	// --- Lifecycle engine ---
	svc := engine.NewService(engine.Config{
		Keeper:         envStr("KEEPER", "keeper"),
		QuoteValidity:  envDuration("QUOTE_VALIDITY", time.Hour),
		MinNotional:    envDecimal("MIN_NOTIONAL", "1"),
		MinPremium:     envDecimal("MIN_PREMIUM", "0.01"),
		ProtocolFee:    envDecimal("PROTOCOL_FEE", "0"),
		WorkBatchLimit: int(envInt("WORK_BATCH_LIMIT", 50)),
	}, st, v, pool, manual, manual, rail, escrow, forwarder.LogForwarder{}, hub, nil)

	// --- Automation adapter ---
	keeper := automation.New(svc)

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
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for lifecycle events.
		r.Get("/ws", hub.HandleWS)

		// Quoting.
		r.Post("/quotes", svc.HandleRequestQuote)
		r.Get("/quotes/{handle}", svc.HandleGetQuote)

		// Positions.
		r.Post("/positions", svc.HandleRedeemQuote)
		r.Get("/positions", svc.HandleListPositions)
		r.Get("/positions/{id}", svc.HandleGetPosition)
		r.Get("/positions/{id}/journal", svc.HandleJournal)
		r.Post("/positions/{id}/transfer", svc.HandleTransfer)
		r.Post("/positions/{id}/settle", svc.HandleRequestSettlement)
		r.Post("/positions/{id}/finalize", svc.HandleFinalize)
		r.Post("/positions/{id}/claim", svc.HandleClaim)

		// Oracle callbacks.
		r.Post("/oracle/quotes/{handle}", svc.HandleFulfillQuote)
		r.Post("/oracle/index/{handle}", svc.HandleFulfillIndex)

		// Vault.
		r.Get("/vault/stats", svc.HandleVaultStats)
		r.Get("/vault/multiplier", svc.HandleVaultMultiplier)
		r.Get("/vault/underwrite", svc.HandleCanUnderwrite)
		r.Get("/vault/depositors/{id}", svc.HandleVaultDepositor)
		r.Post("/vault/deposits", svc.HandleVaultDeposit)
		r.Post("/vault/withdrawals", svc.HandleVaultWithdraw)
		r.Post("/vault/limits", svc.HandleSetLimits)

		// Reserve pool.
		r.Get("/reserve/stats", svc.HandleReserveStats)
		r.Get("/reserve/draws", svc.HandleListDraws)
		r.Post("/reserve/deposits", svc.HandleReserveDeposit)
		r.Post("/reserve/withdrawals", svc.HandleReserveWithdraw)
		r.Post("/reserve/yield/claims", svc.HandleClaimYield)
		r.Post("/reserve/draws", svc.HandleFundVault)

		// Keeper work protocol.
		r.Get("/work", keeper.HandleCheck)
		r.Post("/work", keeper.HandlePerform)
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
		slog.Info("settlement-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		slog.Warn("invalid integer env value, using default", "key", key, "value", v)
	}
	return fallback
}

func envDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
		slog.Warn("invalid decimal env value, using default", "key", key, "value", v)
	}
	return decimal.RequireFromString(fallback)
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env value, using default", "key", key, "value", v)
	}
	return fallback
}
