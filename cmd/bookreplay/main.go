package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/adapter"
	"github.com/caesar-terminal/bookreplay/internal/adapter/kraken"
	"github.com/caesar-terminal/bookreplay/internal/api"
	"github.com/caesar-terminal/bookreplay/internal/archive"
	"github.com/caesar-terminal/bookreplay/internal/config"
	"github.com/caesar-terminal/bookreplay/internal/metrics"
	"github.com/caesar-terminal/bookreplay/internal/query"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("bookreplay exited")
	}
	log.Info("bookreplay stopped")
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func run(cfg *config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{
		"env":     cfg.Env,
		"tickers": cfg.Feed.Tickers,
		"depth":   cfg.Feed.BookDepth,
	}).Info("bookreplay starting")

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	promReg := metrics.NewRegistry()
	m := metrics.New(promReg)

	store, err := archive.Open()
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	grpcSrv, err := query.New(cfg.GRPC.Addr, store, log)
	if err != nil {
		return err
	}

	registry := adapter.NewRegistry(cfg.Broadcast.Capacity, log, m)
	health := adapter.NewCircuitBreaker(adapter.DefaultCircuitBreakerConfig(), registry.SubscribeAll(), log, m)

	var sinks []adapter.SnapshotSink
	if cfg.Kafka.Enabled() {
		ks := adapter.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer ks.Close()
		sinks = append(sinks, ks)
		log.WithFields(logrus.Fields{"brokers": cfg.Kafka.Brokers, "topic": cfg.Kafka.Topic}).Info("kafka export enabled")
	}
	archiver := adapter.NewArchiver(adapter.ArchiverConfig{
		Interval:  cfg.Snapshot.Interval(),
		Retention: cfg.Snapshot.Retention(),
	}, registry, store, log, m, sinks...)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { health.Run(ctx) })
	spawn(func() { archiver.Run(ctx) })

	if cfg.Redis.Enabled() {
		rc := adapter.NewGoRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unreachable, mirror will retry on every update")
		}
		rw := adapter.NewRedisWriter(rc, registry.SubscribeAll(), log)
		spawn(func() { rw.Run(ctx) })
		log.WithField("addr", cfg.Redis.Addr).Info("redis mirror enabled")
	}

	var clients []*adapter.WSClient
	for _, ticker := range cfg.Feed.Tickers {
		ticker := ticker
		wsCfg := adapter.DefaultWSConfig(cfg.Feed.URL)
		wsCfg.Lossless = true
		ws := adapter.NewWSClient(wsCfg, log.WithField("instrument", ticker))
		clients = append(clients, ws)

		registry.Instrument(ticker)
		health.WatchConnection(ticker, ws)

		feed := kraken.New(kraken.Config{
			Ticker: ticker,
			Pair:   kraken.PairFor(ticker, cfg.Feed.Quote),
			Depth:  cfg.Feed.BookDepth,
		}, ws, registry, health, log, m)
		spawn(func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).WithField("instrument", ticker).Error("feed stopped")
			}
		})
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewHandler(api.Deps{
			Registry: registry,
			Archive:  store,
			Health:   health,
			Gatherer: promReg,
			Metrics:  m,
			Log:      log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	log.WithFields(logrus.Fields{"http": cfg.HTTP.Addr, "grpc": grpcSrv.Addr().String()}).Info("listening")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	case runErr = <-errCh:
		log.WithError(runErr).Error("server failed, shutting down")
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()

	for _, ws := range clients {
		ws.Close()
	}
	// Ends every live session and the all-instrument consumers.
	registry.Close()
	wg.Wait()

	return runErr
}
