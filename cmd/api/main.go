package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"pishop.app/internal/auth"
	"pishop.app/internal/config"
	"pishop.app/internal/httpapi"
	"pishop.app/internal/identity"
	"pishop.app/internal/ledger"
	"pishop.app/internal/migrate"
	"pishop.app/internal/obs"
	"pishop.app/internal/payments"
	"pishop.app/internal/platform"
	"pishop.app/internal/price"
	"pishop.app/internal/store/pg"
	"pishop.app/internal/store/pg/migrations"
	"pishop.app/internal/task"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Network)
	if cfg.SessionSecretGenerated {
		obs.Warn("session_secret_generated", map[string]any{"network": cfg.Network})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store   ledger.Store
		closers []func() error
	)
	if cfg.PGDSN != "" {
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		closers = append(closers, st.Close)
		mctx, mcancel := context.WithTimeout(ctx, 30*time.Second)
		applied, err := migrate.NewManager(st.DB(), migrations.FS).Up(mctx)
		mcancel()
		if err != nil {
			log.Fatalf("migrate: %v", err)
		}
		for _, a := range applied {
			obs.Info("migration_applied", map[string]any{"version": a.Version, "path": a.Path})
		}
		store = st
	} else {
		obs.Warn("in_memory_ledger", map[string]any{"reason": "PISHOP_PG_DSN not set"})
		store = ledger.NewInMemory()
	}

	var locker payments.Locker = payments.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		pcancel()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		closers = append(closers, rdb.Close)
		locker = payments.NewRedisLocker(rdb, "", cfg.LockTTL)
	}

	issuer, err := auth.NewIssuer(cfg.SessionSecret, auth.WithTTL(cfg.SessionTTL))
	if err != nil {
		log.Fatalf("session issuer: %v", err)
	}

	prices := price.NewCache(
		price.NewHTTPQuoter(cfg.QuoteURL, cfg.QuoteCoinID, cfg.QuoteAPIKey, cfg.UpstreamTimeout),
		price.WithInterval(cfg.RefreshInterval),
		price.WithTimeout(cfg.UpstreamTimeout),
	)
	stopPrices := prices.Start(ctx)

	orch := payments.New(
		platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.UpstreamTimeout),
		store,
		prices,
		payments.WithLocker(locker),
		payments.WithTolerance(cfg.AmountTolerance),
		payments.WithTimeout(cfg.UpstreamTimeout),
	)

	limiter := httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	stopSweep := task.Periodic{Name: "rate_limit_sweep", Interval: time.Minute, Fn: limiter.Sweep}.Start(ctx)

	api := httpapi.New(httpapi.Deps{
		Auth:         identity.NewVerifier(identity.NewPiProvider(cfg.PlatformBaseURL, cfg.UpstreamTimeout), store, issuer),
		Payments:     orch,
		Prices:       prices,
		Catalog:      store,
		Limiter:      limiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Leave room for an upstream call made under a payment lock.
		WriteTimeout: cfg.UpstreamTimeout*2 + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	obs.Info("server_starting", map[string]any{"version": version, "addr": srv.Addr, "network": cfg.Network})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("server_stopping", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("server_shutdown", map[string]any{"error": err})
	}
	stopSweep()
	stopPrices()
	cancel()
	for _, c := range closers {
		_ = c()
	}
	obs.Info("server_stopped", nil)
}
