// Package database provides unified share accounting for the stratum proxy,
// coordinating PostgreSQL (durable share log), Redis (live counters), and
// InfluxDB (time series). Accounting is optional: when disabled the proxy
// relays shares with no storage at all.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/hashlane/gosp/internal/database/influx"
	"github.com/hashlane/gosp/internal/database/postgres"
	"github.com/hashlane/gosp/internal/database/redis"
	"github.com/hashlane/gosp/pkg/circuit"
	"github.com/hashlane/gosp/pkg/errors"
	"github.com/hashlane/gosp/pkg/log"
	"github.com/hashlane/gosp/pkg/retry"
)

// counterWindow is how long per-worker Redis counters live without updates.
const counterWindow = 24 * time.Hour

// hashrateWindow is the sliding window for hashrate estimation.
const hashrateWindow = 10 * time.Minute

// Manager coordinates accounting across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Workers        *postgres.WorkerRepository
	Shares         *postgres.ShareRepository
	UpstreamEvents *postgres.UpstreamEventRepository

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all storage systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new accounting manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to close PostgreSQL during cleanup")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to close PostgreSQL during cleanup")
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to close Redis during cleanup")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Workers:        postgres.NewWorkerRepository(pgClient.DB()),
		Shares:         postgres.NewShareRepository(pgClient.DB()),
		UpstreamEvents: postgres.NewUpstreamEventRepository(pgClient.DB()),
		logger:         logger.WithComponent("accounting"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}, nil
}

// Close closes all storage connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("storage close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all storage connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// RecordShare logs a share outcome. The PostgreSQL write is the critical
// path; Redis and InfluxDB updates are best effort and never fail the call.
func (m *Manager) RecordShare(ctx context.Context, share *postgres.Share, difficulty float64) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Shares.CreateShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("worker", share.WorkerName).
					WithContext("job_id", share.JobID)
			}

			m.Influx.WriteShareMetric(share.WorkerName, share.Accepted, share.Local, share.RejectCode)

			if _, err := m.Redis.IncrShareCounter(ctx, share.WorkerName, share.Accepted, counterWindow); err != nil {
				m.logger.WithError(err).Warn("failed to update share counter", "worker", share.WorkerName)
			}

			if share.Accepted && difficulty > 0 {
				if err := m.Redis.RecordShareDifficulty(ctx, share.WorkerName, difficulty, hashrateWindow); err != nil {
					m.logger.WithError(err).Warn("failed to record share difficulty", "worker", share.WorkerName)
				}
			}

			return nil
		})
	})
}

// RecordWorkerConnected persists a worker connection and its nonce range
func (m *Manager) RecordWorkerConnected(ctx context.Context, name string, rangeStart, rangeEnd uint64) error {
	worker := &postgres.Worker{
		Name:       name,
		RangeStart: int64(rangeStart),
		RangeEnd:   int64(rangeEnd),
	}

	if err := m.Workers.UpsertWorker(ctx, worker); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_worker",
			"failed to upsert worker").WithContext("worker", name)
	}

	if _, err := m.Redis.IncrConnections(ctx, 1); err != nil {
		m.logger.WithError(err).Warn("failed to increment connection gauge")
	}

	return nil
}

// RecordWorkerDisconnected updates last seen and the live connection gauge
func (m *Manager) RecordWorkerDisconnected(ctx context.Context, name string) error {
	if err := m.Workers.TouchWorker(ctx, name); err != nil {
		m.logger.WithError(err).Warn("failed to touch worker", "worker", name)
	}

	if _, err := m.Redis.IncrConnections(ctx, -1); err != nil {
		m.logger.WithError(err).Warn("failed to decrement connection gauge")
	}

	return nil
}

// RecordUpstreamTransition logs an upstream connection state change
func (m *Manager) RecordUpstreamTransition(ctx context.Context, host string, port int, fromState, toState string) error {
	event := &postgres.UpstreamEvent{
		Host:       host,
		Port:       port,
		FromState:  fromState,
		ToState:    toState,
		OccurredAt: time.Now(),
	}

	if err := m.UpstreamEvents.CreateEvent(ctx, event); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_upstream_event",
			"failed to store upstream event")
	}

	m.Influx.WriteUpstreamMetric(host, fromState, toState)

	if err := m.Redis.SetUpstreamState(ctx, toState); err != nil {
		m.logger.WithError(err).Warn("failed to set upstream state")
	}

	return nil
}

// GetWorkerStats retrieves per-worker stats combining the durable share log
// with the live hashrate estimate.
func (m *Manager) GetWorkerStats(ctx context.Context, workerName string, window time.Duration) (*WorkerSnapshot, error) {
	stats, err := m.Shares.GetWorkerStats(ctx, workerName, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to get worker stats: %w", err)
	}

	hashrate, err := m.Redis.EstimateHashrate(ctx, workerName, hashrateWindow)
	if err != nil {
		hashrate = 0
	}

	return &WorkerSnapshot{
		Stats:    stats,
		Hashrate: hashrate,
	}, nil
}

// StartPeriodicTasks starts background flush and stats loops
func (m *Manager) StartPeriodicTasks(ctx context.Context, statsFn func() (workers, authorized int64, networkDiff float64)) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				workers, authorized, networkDiff := statsFn()
				m.Influx.WriteProxyStatsMetric(workers, authorized, networkDiff)
			}
		}
	}()
}

// WorkerSnapshot combines durable share counts with live hashrate
type WorkerSnapshot struct {
	Stats    *postgres.WorkerStats
	Hashrate float64
}
