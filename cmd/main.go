package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ngoyal88/searchlog/pkg/ai"
	"github.com/ngoyal88/searchlog/pkg/api"
	"github.com/ngoyal88/searchlog/pkg/cache"
	"github.com/ngoyal88/searchlog/pkg/config"
	"github.com/ngoyal88/searchlog/pkg/gateway"
	"github.com/ngoyal88/searchlog/pkg/identity"
	"github.com/ngoyal88/searchlog/pkg/interceptor"
	"github.com/ngoyal88/searchlog/pkg/logging"
	"github.com/ngoyal88/searchlog/pkg/middleware"
	"github.com/ngoyal88/searchlog/pkg/proxy"
	"github.com/ngoyal88/searchlog/pkg/storage"
)

func main() {
	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgStore.Get()
	if cfg == nil {
		log.Fatal("Config could not be read")
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		log.WithError(err).Warn("[MAIN] log file unavailable, logging to stdout only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Redis (if enabled or used as the store)
	var rdb *cache.Client
	if cfg.Storage.Redis.Enabled || cfg.Storage.Driver == "redis" {
		rdb, err = cache.NewRedis(cfg.Storage.Redis)
		if err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		defer rdb.Close()
		log.WithField("address", cfg.Storage.Redis.Address).Info("✅ Connected to Redis")
	}

	// 3. Initialize Storage. Mongo being down is not fatal: writes fail and
	// are counted until it comes back.
	store, err := storage.Open(ctx, cfg.Storage, rdb)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	log.WithField("driver", cfg.Storage.Driver).Info("✅ Search logging enabled")

	// 4. Interceptor
	resolver, err := identity.ForRule(cfg.Identity.Rule)
	if err != nil {
		log.Fatalf("Invalid identity rule: %v", err)
	}
	icpt := interceptor.New(store, interceptor.Options{
		Resolver:     resolver,
		WriteTimeout: cfg.Storage.WriteTimeout,
		MaxRetries:   cfg.Storage.MaxRetries,
		Pricing:      cfg.Pricing,
		CountTokens:  ai.CountTokens,
	})

	// 5. Forwarder
	fwd, err := proxy.New(cfg.Upstream)
	if err != nil {
		log.Fatal("Failed to create forwarder: ", err)
	}
	log.WithField("upstream", cfg.Upstream.BaseURL).Info("✅ Forwarding to upstream")

	// 6. Routes
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Admin.Key != "" {
		api.NewAdminAPI(store, icpt, cfg.Admin.Key).RegisterRoutes(mux)
		log.Info("✅ Admin API enabled at /admin/*")
	}

	gw := gateway.New(cfgStore, icpt, fwd)
	gw.RegisterRoutes(mux, middleware.NewRateLimiter(rdb, cfgStore, identity.FromCredential))
	if cfg.RateLimit.Enabled {
		log.Infof("✅ Rate limiting: %.1f req/s (burst: %d)", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	// 7. Chain Middleware (outer-most last)
	var handler http.Handler = mux
	handler = middleware.CORS(cfgStore)(handler)
	handler = middleware.Metrics(handler)
	handler = middleware.RequestLogger(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(handler)

	// 8. Start Server
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("🎯 Server listening on %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatal("Server failed: ", err)
	case <-ctx.Done():
	}

	// 9. Drain: in-flight requests first, then their pending log writes.
	log.Info("[MAIN] shutting down")
	timeout := cfgStore.Get().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("[MAIN] http shutdown incomplete")
	}
	if err := icpt.Wait(shutdownCtx); err != nil {
		log.WithField("in_flight", icpt.Stats().InFlight).Warn("[MAIN] dropped pending log writes")
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("[MAIN] storage close failed")
	}
}
