// Package main runs the stratum pool: it follows the node's templates,
// serves Stratum V1 miners and persists shares and blocks.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bardlex/stratumpool/internal/bitcoin"
	"github.com/bardlex/stratumpool/internal/bitcoin/zmq"
	"github.com/bardlex/stratumpool/internal/config"
	"github.com/bardlex/stratumpool/internal/database"
	"github.com/bardlex/stratumpool/internal/database/influx"
	"github.com/bardlex/stratumpool/internal/database/postgres"
	"github.com/bardlex/stratumpool/internal/database/redis"
	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/internal/metrics"
	"github.com/bardlex/stratumpool/internal/notify"
	"github.com/bardlex/stratumpool/internal/stratum"
	"github.com/bardlex/stratumpool/internal/vardiff"
	"github.com/bardlex/stratumpool/pkg/circuit"
	"github.com/bardlex/stratumpool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratumd",
		"network", cfg.NetworkName,
		"listen", cfg.StratumListen,
		"payouts", len(cfg.PayoutSplit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("stratumd failed")
		os.Exit(1)
	}
	logger.Info("stratumd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	prom, err := metrics.NewProm("stratum")
	if err != nil {
		return err
	}
	onState := func(name string, _, to circuit.State) {
		prom.BreakerStateChanged(name, to)
		logger.Warn("circuit breaker state changed", "dependency", name, "state", to.String())
	}

	rpc, err := bitcoin.NewRPCClient(bitcoin.RPCConfig{
		Host:     cfg.BitcoinRPCHost,
		Port:     cfg.BitcoinRPCPort,
		User:     cfg.BitcoinRPCUser,
		Password: cfg.BitcoinRPCPassword,
	}, onState)
	if err != nil {
		return err
	}
	defer rpc.Close()

	var (
		publisher *messaging.Publisher
		events    database.EventPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = messaging.NewPublisher(cfg.KafkaBrokers, logger, onState)
		events = publisher
	}

	db, err := database.NewManager(ctx, databaseConfig(cfg), events, prom, logger)
	if err != nil {
		return err
	}

	fanout := notify.NewFanout(logger, 10*time.Second, notify.NewLog(logger), db)
	if publisher != nil {
		fanout.Add(publisher)
	}
	if cfg.DiscordToken != "" {
		discord, err := notify.NewDiscord(cfg.DiscordToken, cfg.DiscordChannelID)
		if err != nil {
			return err
		}
		fanout.Add(discord)
	}

	registry := job.NewRegistry(job.NewBuilder(logger), cfg.PayoutSplit, cfg.PoolTag,
		job.RegistryConfig{Capacity: cfg.JobHistory, Grace: cfg.JobGraceWindow}, logger)

	server := stratum.NewServer(stratumConfig(cfg), stratum.Dependencies{
		Jobs:      registry,
		Submitter: rpc,
		Directory: db,
		Notifier:  fanout,
		Metrics:   prom,
	}, logger)

	feed := bitcoin.NewFeed(rpc, registry, server, feedConfig(cfg), logger)

	if cfg.BitcoinZMQEndpoint != "" {
		sub, err := zmq.NewSubscriber(cfg.BitcoinZMQEndpoint, logger)
		if err != nil {
			return err
		}
		go func() {
			defer sub.Close()
			if err := sub.Listen(ctx, func(ev zmq.BlockEvent) { feed.NotifyNewBlock(ev.Hash) }); err != nil {
				logger.WithError(err).Warn("zmq subscriber stopped")
			}
		}()
	}

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		if n := server.SweepIdle(time.Now()); n > 0 {
			logger.Info("swept idle sessions", "count", n)
		}
	}); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 10s", db.Flush); err != nil {
		return err
	}
	scheduler.Start()

	metricsServer := newMetricsServer(cfg.MetricsListen, prom.Handler())

	ln, err := net.Listen("tcp", cfg.StratumListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.StratumListen, err)
	}
	logger.Info("stratum listening", "address", ln.Addr().String())

	errCh := make(chan error, 3)
	go func() { errCh <- server.Serve(ctx, ln) }()
	go func() { errCh <- feed.Run(ctx) }()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.WithError(runErr).Error("component failed, shutting down")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("stratum shutdown incomplete")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics shutdown failed")
	}
	if err := db.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("persistence shutdown incomplete", "pending", db.Pending())
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka publisher")
		}
	}
	return runErr
}

func stratumConfig(cfg *config.Config) stratum.Config {
	sc := stratum.DefaultConfig()
	sc.Network = cfg.Network
	sc.DefaultDifficulty = cfg.DefaultDifficulty
	sc.MinDifficulty = cfg.MinDifficulty
	sc.MaxDifficulty = cfg.MaxDifficulty
	sc.Vardiff = vardiff.Config{
		Window:         sc.Vardiff.Window,
		TargetInterval: cfg.VardiffTargetInterval,
		StallAfter:     sc.Vardiff.StallAfter,
		Min:            cfg.MinDifficulty,
		Max:            cfg.MaxDifficulty,
	}
	sc.RetargetInterval = cfg.VardiffRetargetInterval
	sc.HandshakeGrace = cfg.HandshakeGrace
	sc.IdleTimeout = cfg.IdleTimeout
	sc.WriteTimeout = cfg.WriteTimeout
	sc.MaxConnections = cfg.MaxConnections
	return sc
}

func feedConfig(cfg *config.Config) bitcoin.FeedConfig {
	fc := bitcoin.DefaultFeedConfig()
	fc.RefreshInterval = cfg.TemplateRefreshInterval
	fc.TipPollInterval = cfg.TipPollInterval
	return fc
}

// databaseConfig enables only the backends that have an address.
func databaseConfig(cfg *config.Config) *database.Config {
	dc := &database.Config{QueueSize: cfg.PersistQueueSize}
	if cfg.PostgresDSN != "" {
		dc.Postgres = &postgres.Config{
			DSN:          cfg.PostgresDSN,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.RedisAddr != "" {
		dc.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			SessionTTL:   2 * cfg.IdleTimeout,
		}
	}
	if cfg.InfluxURL != "" {
		dc.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dc
}

func newMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
