package jobs

import (
	"sync"
	"time"

	"github.com/hashlane/gosp/internal/metrics"
	"github.com/hashlane/gosp/pkg/log"
)

// Subscriber receives ordered job and difficulty pushes. An error return
// (typically a full outbound buffer or a closed session) causes the
// registry to drop the subscriber; the subscriber owns its own teardown.
type Subscriber interface {
	ID() string
	NotifyJob(job *Job) error
	NotifyDifficulty(diff float64) error
}

// BlockNotifier is invoked when the best block changes. Implementations
// must not block; failures are logged by the implementation, never
// propagated into job delivery.
type BlockNotifier interface {
	BlockChanged(prevHash string)
}

// Registry holds the current job template and extranonce configuration and
// broadcasts new work to all downstream subscribers. All broadcasts happen
// under one lock in the order jobs arrive from upstream, which is what
// guarantees per-worker delivery order matches the upstream notify stream.
type Registry struct {
	logger   *log.Logger
	notifier BlockNotifier

	mu          sync.Mutex
	extranonce  *ExtranonceConfig
	current     *Job
	epoch       uint64
	difficulty  float64
	subscribers map[string]Subscriber
}

// NewRegistry creates a job registry. notifier may be nil.
func NewRegistry(logger *log.Logger, notifier BlockNotifier) *Registry {
	return &Registry{
		logger:      logger.WithComponent("jobs"),
		notifier:    notifier,
		subscribers: make(map[string]Subscriber),
	}
}

// SetExtranonce installs a fresh extranonce configuration from a completed
// upstream subscribe handshake. Installing a config is a hard precondition
// for any job broadcast.
func (r *Registry) SetExtranonce(cfg *ExtranonceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.extranonce = cfg
	r.logger.Info("extranonce configured",
		"extranonce1", cfg.ExtraNonce1,
		"extranonce2_size", cfg.ExtraNonce2Size,
	)
}

// Extranonce returns the current extranonce configuration, or nil when the
// upstream session is not subscribed.
func (r *Registry) Extranonce() *ExtranonceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extranonce
}

// Clear drops the stored job and extranonce configuration. Called
// synchronously on upstream disconnect, before any reconnection handshake
// can install new state, so no worker ever sees a job computed against a
// stale extranonce1.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.extranonce = nil
	r.current = nil
	r.difficulty = 0
	r.epoch++
}

// AddJob stores an upstream job as current and broadcasts it to every live
// subscriber in arrival order. A clean_jobs job marks an epoch boundary and
// triggers the block notifier when the previous block hash changed. Jobs
// arriving before the extranonce handshake has completed are dropped.
func (r *Registry) AddJob(job *Job) {
	r.mu.Lock()

	if r.extranonce == nil {
		r.mu.Unlock()
		r.logger.Warn("dropping job received before extranonce handshake",
			"job_id", job.ID(),
		)
		return
	}

	prevHashChanged := r.current == nil || r.current.PrevHash() != job.PrevHash()

	if job.CleanJobs() {
		r.epoch++
	}
	job.Epoch = r.epoch
	job.ReceivedAt = time.Now()
	r.current = job

	delivered := 0
	for id, sub := range r.subscribers {
		if err := sub.NotifyJob(job); err != nil {
			delete(r.subscribers, id)
			r.logger.WithError(err).Warn("dropping lagging subscriber", "worker_id", id)
			continue
		}
		delivered++
	}
	r.mu.Unlock()

	metrics.JobsBroadcast.Inc()
	if diff := job.NetworkDifficulty(); diff > 0 {
		metrics.NetworkDifficulty.Set(diff)
	}
	r.logger.LogJobBroadcast(job.ID(), job.CleanJobs(), delivered)

	if prevHashChanged {
		metrics.BlockChanges.Inc()
		r.logger.LogBlockChange(job.PrevHash())
		// Fire-and-forget: the notifier must never delay job delivery.
		if r.notifier != nil {
			go r.notifier.BlockChanged(job.PrevHash())
		}
	}
}

// CurrentJob returns the current job, or nil when none is active.
func (r *Registry) CurrentJob() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// CurrentJobID returns the current job id, or "" when no job is active.
// Share submissions against any other id are stale by definition.
func (r *Registry) CurrentJobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.ID()
}

// Epoch returns the current job epoch. The epoch advances on every
// clean_jobs boundary and on every upstream disconnect.
func (r *Registry) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// SetDifficulty stores an upstream mining.set_difficulty value and forwards
// it verbatim to all subscribers.
func (r *Registry) SetDifficulty(diff float64) {
	r.mu.Lock()
	r.difficulty = diff
	for id, sub := range r.subscribers {
		if err := sub.NotifyDifficulty(diff); err != nil {
			delete(r.subscribers, id)
			r.logger.WithError(err).Warn("dropping lagging subscriber", "worker_id", id)
		}
	}
	r.mu.Unlock()

	r.logger.Info("difficulty updated", "difficulty", diff)
}

// Difficulty returns the last upstream share difficulty, 0 when unset.
func (r *Registry) Difficulty() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.difficulty
}

// Subscribe registers a subscriber for future broadcasts and replays the
// cached difficulty and current job so a late joiner starts working
// immediately.
func (r *Registry) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers[sub.ID()] = sub

	if r.difficulty > 0 {
		if err := sub.NotifyDifficulty(r.difficulty); err != nil {
			delete(r.subscribers, sub.ID())
			return
		}
	}
	if r.current != nil {
		if err := sub.NotifyJob(r.current); err != nil {
			delete(r.subscribers, sub.ID())
		}
	}
}

// Unsubscribe removes a subscriber.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, id)
}

// SubscriberCount returns the number of live subscribers.
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}
