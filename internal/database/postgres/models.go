package postgres

import (
	"time"
)

// Worker represents a downstream miner connection identity. One row per
// distinct worker name seen by the proxy, updated on every reconnect.
type Worker struct {
	ID          int64      `db:"id"`
	Name        string     `db:"name"`
	RangeStart  int64      `db:"range_start"`
	RangeEnd    int64      `db:"range_end"`
	FirstSeenAt time.Time  `db:"first_seen_at"`
	LastSeenAt  *time.Time `db:"last_seen_at"`
}

// Share represents a single mining.submit relayed (or locally rejected)
// by the proxy.
type Share struct {
	ID          int64     `db:"id"`
	WorkerName  string    `db:"worker_name"`
	JobID       string    `db:"job_id"`
	ExtraNonce2 string    `db:"extra_nonce2"`
	Ntime       string    `db:"ntime"`
	Nonce       string    `db:"nonce"`
	Accepted    bool      `db:"accepted"`
	RejectCode  int       `db:"reject_code"`
	RejectText  string    `db:"reject_text"`
	Local       bool      `db:"local"` // rejected by the proxy, never reached the pool
	RemoteAddr  string    `db:"remote_addr"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// UpstreamEvent represents an upstream connection state transition, kept
// for post-mortem analysis of pool outages.
type UpstreamEvent struct {
	ID         int64     `db:"id"`
	Host       string    `db:"host"`
	Port       int       `db:"port"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	OccurredAt time.Time `db:"occurred_at"`
}

// WorkerStats represents aggregated per-worker share counts.
type WorkerStats struct {
	WorkerName     string     `db:"worker_name"`
	AcceptedShares int64      `db:"accepted_shares"`
	RejectedShares int64      `db:"rejected_shares"`
	LocalRejects   int64      `db:"local_rejects"`
	LastShareAt    *time.Time `db:"last_share_at"`
}
