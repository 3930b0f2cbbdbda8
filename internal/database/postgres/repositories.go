package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkerRepository handles worker-related database operations
type WorkerRepository struct {
	db *sql.DB
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *sql.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// UpsertWorker records a worker connection, updating the assigned nonce
// range and last seen timestamp on reconnect.
func (r *WorkerRepository) UpsertWorker(ctx context.Context, worker *Worker) error {
	query := `
		INSERT INTO workers (name, range_start, range_end, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (name) DO UPDATE
		SET range_start = EXCLUDED.range_start,
		    range_end = EXCLUDED.range_end,
		    last_seen_at = EXCLUDED.last_seen_at
		RETURNING id`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		worker.Name, worker.RangeStart, worker.RangeEnd, now,
	).Scan(&worker.ID)

	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	worker.FirstSeenAt = now
	worker.LastSeenAt = &now
	return nil
}

// GetWorkerByName retrieves a worker by its full name
func (r *WorkerRepository) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	query := `
		SELECT id, name, range_start, range_end, first_seen_at, last_seen_at
		FROM workers WHERE name = $1`

	worker := &Worker{}
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&worker.ID, &worker.Name, &worker.RangeStart, &worker.RangeEnd,
		&worker.FirstSeenAt, &worker.LastSeenAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("worker not found")
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return worker, nil
}

// TouchWorker updates the worker's last seen timestamp
func (r *WorkerRepository) TouchWorker(ctx context.Context, name string) error {
	query := `UPDATE workers SET last_seen_at = $1 WHERE name = $2`

	if _, err := r.db.ExecContext(ctx, query, time.Now(), name); err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}

	return nil
}

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare logs a share submission outcome
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (worker_name, job_id, extra_nonce2, ntime, nonce,
		                    accepted, reject_code, reject_text, local, remote_addr, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.WorkerName, share.JobID, share.ExtraNonce2, share.Ntime, share.Nonce,
		share.Accepted, share.RejectCode, share.RejectText, share.Local,
		share.RemoteAddr, share.SubmittedAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// GetWorkerStats aggregates share counts for a worker over a time window
func (r *ShareRepository) GetWorkerStats(ctx context.Context, workerName string, since time.Time) (*WorkerStats, error) {
	query := `
		SELECT worker_name,
		       COUNT(*) FILTER (WHERE accepted) AS accepted_shares,
		       COUNT(*) FILTER (WHERE NOT accepted) AS rejected_shares,
		       COUNT(*) FILTER (WHERE NOT accepted AND local) AS local_rejects,
		       MAX(submitted_at) AS last_share_at
		FROM shares
		WHERE worker_name = $1 AND submitted_at >= $2
		GROUP BY worker_name`

	stats := &WorkerStats{}
	err := r.db.QueryRowContext(ctx, query, workerName, since).Scan(
		&stats.WorkerName, &stats.AcceptedShares, &stats.RejectedShares,
		&stats.LocalRejects, &stats.LastShareAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return &WorkerStats{WorkerName: workerName}, nil
		}
		return nil, fmt.Errorf("failed to get worker stats: %w", err)
	}

	return stats, nil
}

// GetRecentShares returns the most recent shares, newest first
func (r *ShareRepository) GetRecentShares(ctx context.Context, limit int) ([]*Share, error) {
	query := `
		SELECT id, worker_name, job_id, extra_nonce2, ntime, nonce,
		       accepted, reject_code, reject_text, local, remote_addr, submitted_at
		FROM shares
		ORDER BY submitted_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		if err := rows.Scan(
			&share.ID, &share.WorkerName, &share.JobID, &share.ExtraNonce2,
			&share.Ntime, &share.Nonce, &share.Accepted, &share.RejectCode,
			&share.RejectText, &share.Local, &share.RemoteAddr, &share.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading shares: %w", err)
	}

	return shares, nil
}

// UpstreamEventRepository handles upstream state transition logging
type UpstreamEventRepository struct {
	db *sql.DB
}

// NewUpstreamEventRepository creates a new upstream event repository
func NewUpstreamEventRepository(db *sql.DB) *UpstreamEventRepository {
	return &UpstreamEventRepository{db: db}
}

// CreateEvent logs an upstream connection state transition
func (r *UpstreamEventRepository) CreateEvent(ctx context.Context, event *UpstreamEvent) error {
	query := `
		INSERT INTO upstream_events (host, port, from_state, to_state, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		event.Host, event.Port, event.FromState, event.ToState, event.OccurredAt,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to create upstream event: %w", err)
	}

	return nil
}
