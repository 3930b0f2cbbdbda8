package messaging

import "time"

// ShareEventMessage records the outcome of a single share submission.
type ShareEventMessage struct {
	WorkerID    string    `json:"worker_id"`
	Username    string    `json:"username"`
	JobID       string    `json:"job_id"`
	ExtraNonce2 string    `json:"extra_nonce2"`
	Ntime       string    `json:"ntime"`
	Nonce       string    `json:"nonce"`
	Accepted    bool      `json:"accepted"`
	RejectCode  int       `json:"reject_code,omitempty"`
	RejectText  string    `json:"reject_text,omitempty"`
	Local       bool      `json:"local"` // rejected before reaching the pool
	RemoteAddr  string    `json:"remote_addr"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JobEventMessage records a job broadcast from the upstream pool.
type JobEventMessage struct {
	JobID       string    `json:"job_id"`
	PrevHash    string    `json:"prev_hash"`
	NBits       string    `json:"nbits"`
	Ntime       string    `json:"ntime"`
	CleanJobs   bool      `json:"clean_jobs"`
	Difficulty  float64   `json:"difficulty"`
	WorkerCount int       `json:"worker_count"`
	ReceivedAt  time.Time `json:"received_at"`
}

// UpstreamEventMessage records an upstream session state transition.
type UpstreamEventMessage struct {
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	OccurredAt time.Time `json:"occurred_at"`
}
