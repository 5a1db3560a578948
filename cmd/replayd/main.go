// cmd/replayd runs the bar playback server: a WebSocket endpoint that
// replays stored OHLCV history with VCR-style controls and streaming
// indicators, plus small REST discovery endpoints and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candle-replay/config"
	"candle-replay/internal/gateway"
	"candle-replay/internal/indicator"
	"candle-replay/internal/logger"
	"candle-replay/internal/markethours"
	"candle-replay/internal/metrics"
	"candle-replay/internal/session"
	"candle-replay/internal/store"
	"candle-replay/internal/store/postgres"
	"candle-replay/internal/store/rediscache"
	"candle-replay/internal/store/sqlite"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[replayd] config: %v", err)
	}

	logger.Init("replayd", logger.ParseLevel(cfg.LogLevel))
	slog.Info("starting", "addr", cfg.Addr, "storage", cfg.Storage.Driver)

	mets := metrics.New()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr)
	metricsSrv.Start()

	barStore, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[replayd] store: %v", err)
	}
	defer closeStore()

	if cfg.Redis.Addr != "" {
		rdb, err := connectRedis(cfg.Redis)
		if err != nil {
			log.Fatalf("[replayd] redis: %v", err)
		}
		defer rdb.Close()
		ttl := time.Duration(cfg.Redis.CacheTTLSeconds) * time.Second
		barStore = rediscache.New(barStore, rdb, ttl, mets)
		slog.Info("redis bar cache enabled", "addr", cfg.Redis.Addr, "ttl", ttl)
	}

	registry := indicator.NewRegistry()
	registry.Register(indicator.SMAPlugin{})
	registry.Register(indicator.EMAPlugin{})
	registry.Register(indicator.RSIPlugin{})

	cal := markethours.New(cfg.CalendarMIC)
	slog.Info("calendar loaded", "mic", cfg.CalendarMIC, "now", cal.Describe(time.Now()))

	sessCfg := session.Config{
		BaseDelay:       time.Duration(cfg.Playback.BaseDelayMs) * time.Millisecond,
		MinTickInterval: time.Duration(cfg.Playback.MinTickIntervalMs) * time.Millisecond,
		MaxTickInterval: time.Duration(cfg.Playback.MaxTickIntervalMs) * time.Millisecond,
		MaxBatch:        cfg.Playback.MaxBatch,
		MinSpeed:        cfg.Playback.MinSpeed,
		MaxBars:         cfg.Playback.MaxBars,
	}

	hub := gateway.NewHub(barStore, registry, clock.New(), sessCfg, mets, cal)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), gateway.CORSMiddleware())
	gateway.RegisterRoutes(router, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.StartStatsBroadcast(ctx, 2*time.Second)

	srv := &http.Server{Addr: cfg.Addr, Handler: router}
	go func() {
		slog.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[replayd] listen: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
}

// openStore opens the configured SQL backend. Postgres connects are retried
// with exponential backoff so the server survives a database that comes up
// after it does.
func openStore(cfg *config.Config) (store.BarStore, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		st, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil

	case "postgres":
		st, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 30 * time.Second
		err = backoff.Retry(func() error {
			return st.DB().Ping()
		}, bo)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		return st, func() { st.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func connectRedis(cfg config.RedisConfig) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}, bo)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}
