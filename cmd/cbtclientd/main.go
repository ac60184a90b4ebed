package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	api "github.com/open-cbt/cbt-client/internal/api/http"
	"github.com/open-cbt/cbt-client/internal/cache"
	"github.com/open-cbt/cbt-client/internal/config"
	"github.com/open-cbt/cbt-client/internal/db"
	"github.com/open-cbt/cbt-client/internal/remote"
	"github.com/open-cbt/cbt-client/internal/remote/httpapi"
	"github.com/open-cbt/cbt-client/internal/session"
	"github.com/open-cbt/cbt-client/pkg/logger"
	"github.com/open-cbt/cbt-client/pkg/monitoring"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.File)
	defer log.Sync()

	monitoring.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	kv, err := openKV(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatal("cache store open failed", zap.Error(err))
	}
	snaps := cache.NewSnapshots(kv, cfg.Cache.Horizon, nil, log)

	tokens := remote.NewTokenHolder("")
	client := httpapi.New(httpapi.Config{
		BaseURL: cfg.Remote.BaseURL,
		Tokens:  tokens,
		Timeout: cfg.Remote.Timeout,
	})

	factory := func(testID string) *session.Controller {
		return session.NewController(session.Config{
			TestID:        testID,
			Client:        client,
			Cache:         snaps,
			Log:           log,
			FlushInterval: cfg.Sync.FlushInterval,
			SubmitRate:    rate.Limit(cfg.Sync.SubmitRate),
			SubmitBurst:   cfg.Sync.SubmitBurst,
		})
	}
	bridge := api.NewBridge(tokens, factory, log)
	defer bridge.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(monitoring.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Bridge.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	bridge.Mount(r)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })
	r.Method(http.MethodGet, "/metrics", monitoring.Handler())

	srv := &http.Server{Addr: cfg.Bridge.Addr, Handler: r}
	go func() {
		log.Info("bridge listening",
			zap.String("addr", cfg.Bridge.Addr),
			zap.String("mode", string(cfg.Mode)),
			zap.String("cache", cfg.Cache.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("bridge server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("bridge stopped")
}

func openKV(ctx context.Context, cfg *config.Config) (cache.KV, error) {
	switch cfg.Cache.Driver {
	case "memory":
		return cache.NewMemoryKV(), nil
	case "redis":
		// Keep shared entries a bit beyond the horizon; staleness is still
		// enforced on read.
		return cache.NewRedisKV(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.Horizon+time.Hour)
	default:
		h, err := db.Open(ctx, db.Driver(cfg.Cache.Driver), cfg.Cache.DSN)
		if err != nil {
			return nil, err
		}
		return cache.NewSQLKV(h), nil
	}
}
