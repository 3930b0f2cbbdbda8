// Package main implements proxyd, the GOSP stratum proxy daemon. It holds
// a single upstream pool session and multiplexes it across many downstream
// miner connections, partitioning the extranonce2 search space so workers
// never overlap.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashlane/gosp/internal/config"
	"github.com/hashlane/gosp/internal/database"
	"github.com/hashlane/gosp/internal/database/influx"
	"github.com/hashlane/gosp/internal/database/postgres"
	"github.com/hashlane/gosp/internal/database/redis"
	"github.com/hashlane/gosp/internal/jobs"
	"github.com/hashlane/gosp/internal/messaging"
	"github.com/hashlane/gosp/internal/metrics"
	"github.com/hashlane/gosp/internal/notify"
	"github.com/hashlane/gosp/internal/proxy"
	"github.com/hashlane/gosp/internal/upstream"
	"github.com/hashlane/gosp/internal/workers"
	"github.com/hashlane/gosp/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting proxyd",
		"version", cfg.Version,
		"pool", fmt.Sprintf("%s:%d", cfg.PoolHost, cfg.PoolPort),
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"nonce_range_size", cfg.NonceRangeSize,
	)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			logger.WithError(err).Error("failed to write pid file")
			os.Exit(1)
		}
		defer removePIDFile(cfg.PIDFile, logger)
	}

	// Block change notifiers
	notifier := buildNotifier(cfg, logger)
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.WithError(err).Warn("failed to close block notifier")
		}
	}()

	// Event streaming (optional)
	var events messaging.EventPublisher = messaging.NopPublisher{}
	var kafkaClient *messaging.KafkaClient
	if cfg.KafkaEnabled {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		events = messaging.NewKafkaPublisher(kafkaClient, logger)
		logger.Info("kafka event streaming enabled", "brokers", cfg.KafkaBrokers)
	}

	// Share accounting (optional)
	var dbManager *database.Manager
	if cfg.AccountingEnabled {
		dbManager, err = buildAccounting(cfg, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize accounting")
			os.Exit(1)
		}
	}

	// Registries
	jobRegistry := jobs.NewRegistry(logger, notifier)

	var override *workers.Credentials
	if cfg.HasIdentityOverride() {
		override = &workers.Credentials{
			Username: cfg.CustomUser,
			Password: cfg.CustomPassword,
		}
		logger.Info("identity override active", "username", cfg.CustomUser)
	}

	// The worker registry forwards authorize calls to the upstream
	// client, which in turn needs the registries via the coordinator.
	// The closure breaks the construction cycle: upstreamClient is
	// assigned before the first miner can connect.
	var upstreamClient *upstream.Client
	workerRegistry := workers.NewRegistry(
		logger,
		workers.NewIdentityPolicy(override),
		authorizerFunc(func(ctx context.Context, username, password string) (bool, error) {
			return upstreamClient.Authorize(ctx, username, password)
		}),
		cfg.NonceRangeSize,
	)

	coordinator := proxy.NewCoordinator(logger, jobRegistry, workerRegistry, events)

	upstreamClient = upstream.NewClient(upstream.Options{
		Host:        cfg.PoolHost,
		Port:        cfg.PoolPort,
		SocksAddr:   cfg.SocksAddr,
		Override:    override,
		UserAgent:   cfg.ServiceName + "/" + cfg.Version,
		ReadTimeout: cfg.ReadTimeout,
		CallTimeout: cfg.CallTimeout,
	}, coordinator, logger)

	upstreamClient.OnStateChange = func(from, to upstream.State) {
		events.PublishUpstreamEvent(&messaging.UpstreamEventMessage{
			Host:       cfg.PoolHost,
			Port:       cfg.PoolPort,
			FromState:  from.String(),
			ToState:    to.String(),
			OccurredAt: time.Now(),
		})
		if dbManager != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = dbManager.RecordUpstreamTransition(ctx, cfg.PoolHost, cfg.PoolPort, from.String(), to.String())
			}()
		}
	}

	// The accounting manager satisfies both sink interfaces, but a typed
	// nil must not leak into them.
	var shareSink proxy.ShareSink
	var workerSink proxy.WorkerSink
	if dbManager != nil {
		shareSink = dbManager
		workerSink = dbManager
	}

	relay := proxy.NewShareRelay(logger, jobRegistry, workerRegistry, upstreamClient, events, shareSink)
	server := proxy.NewServer(cfg, logger, jobRegistry, workerRegistry, relay, workerSink)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "address", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	if dbManager != nil {
		dbManager.StartPeriodicTasks(ctx, func() (int64, int64, float64) {
			var networkDiff float64
			if job := jobRegistry.CurrentJob(); job != nil {
				networkDiff = job.NetworkDifficulty()
			}
			return int64(workerRegistry.Count()), int64(workerRegistry.AuthorizedCount()), networkDiff
		})
	}

	// Run the upstream session and the downstream server
	go func() {
		if err := upstreamClient.Run(ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("upstream client failed")
			cancel()
		}
	}()

	go func() {
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("server failed")
			cancel()
		}
	}()

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	// Graceful shutdown
	cancel()
	upstreamClient.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown failed")
		}
	}

	if err := events.Close(); err != nil {
		logger.WithError(err).Warn("failed to close event publisher")
	}
	if kafkaClient != nil {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka client")
		}
	}
	if dbManager != nil {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Warn("failed to close accounting manager")
		}
	}

	logger.Info("proxyd stopped")
}

// authorizerFunc adapts a closure to workers.UpstreamAuthorizer.
type authorizerFunc func(ctx context.Context, username, password string) (bool, error)

func (f authorizerFunc) Authorize(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// buildNotifier assembles the block change notifier chain from config.
func buildNotifier(cfg *config.Config, logger *log.Logger) notify.Notifier {
	var notifiers notify.Multi

	if cfg.BlockNotifyCmd != "" {
		if n := notify.NewCmdNotifier(cfg.BlockNotifyCmd, logger); n != nil {
			notifiers = append(notifiers, n)
		}
	}

	if cfg.ZMQPubAddr != "" {
		n, err := notify.NewZMQNotifier(cfg.ZMQPubAddr, logger)
		if err != nil {
			logger.WithError(err).Error("failed to bind zmq publisher, continuing without it")
		} else {
			notifiers = append(notifiers, n)
		}
	}

	if len(notifiers) == 0 {
		return notify.Nop{}
	}
	return notifiers
}

// buildAccounting constructs the storage manager from config.
func buildAccounting(cfg *config.Config, logger *log.Logger) (*database.Manager, error) {
	pgConfig, err := parsePostgresURL(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_URL: %w", err)
	}

	dbConfig := &database.Config{
		Postgres: pgConfig,
		Redis: &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}

	return database.NewManager(dbConfig, logger)
}

// parsePostgresURL converts a postgres:// URL into discrete connection
// parameters.
func parsePostgresURL(rawURL string) (*postgres.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host")
	}

	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", p)
		}
	}

	dbName := ""
	if len(u.Path) > 1 {
		dbName = u.Path[1:]
	}
	if dbName == "" {
		return nil, fmt.Errorf("missing database name")
	}

	password, _ := u.User.Password()

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "require"
	}

	return &postgres.Config{
		Host:         u.Hostname(),
		Port:         port,
		Database:     dbName,
		User:         u.User.Username(),
		Password:     password,
		SSLMode:      sslMode,
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		MaxLifetime:  5 * time.Minute,
	}, nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePIDFile(path string, logger *log.Logger) {
	if err := os.Remove(path); err != nil {
		logger.WithError(err).Warn("failed to remove pid file")
	}
}
