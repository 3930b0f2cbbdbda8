// Package workers tracks downstream worker identities: their authorization
// state and their slice of the extranonce2 search space. Range disjointness
// across live workers is the invariant that keeps devices from duplicating
// each other's work under one shared upstream account.
package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashlane/gosp/internal/metrics"
	"github.com/hashlane/gosp/pkg/log"
)

// Worker is the registry's record of one downstream connection.
type Worker struct {
	ID         string
	Username   string
	Password   string
	Authorized bool

	// [RangeStart, RangeEnd) is this worker's disjoint slice of the
	// extranonce2 space, assigned at subscribe time.
	RangeStart uint64
	RangeEnd   uint64
}

// UpstreamAuthorizer forwards an authorize call to the pool.
type UpstreamAuthorizer interface {
	Authorize(ctx context.Context, username, password string) (bool, error)
}

// Registry tracks all connected workers.
type Registry struct {
	logger    *log.Logger
	policy    *IdentityPolicy
	upstream  UpstreamAuthorizer
	rangeSize uint64

	mu        sync.Mutex
	workers   map[string]*Worker
	freeList  []uint64 // released range starts, reused before growing
	nextStart uint64
}

// NewRegistry creates a worker registry. rangeSize is the number of
// extranonce2 values reserved per worker.
func NewRegistry(logger *log.Logger, policy *IdentityPolicy, upstream UpstreamAuthorizer, rangeSize uint64) *Registry {
	return &Registry{
		logger:    logger.WithComponent("workers"),
		policy:    policy,
		upstream:  upstream,
		rangeSize: rangeSize,
		workers:   make(map[string]*Worker),
	}
}

// Policy returns the registry's identity policy.
func (r *Registry) Policy() *IdentityPolicy {
	return r.policy
}

// Register creates a worker record and assigns it a fresh extranonce2
// range, disjoint from every currently registered worker. space bounds the
// extranonce2 value space (0 means unbounded); registration fails when the
// space is exhausted.
func (r *Registry) Register(id string, space uint64) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; exists {
		return Worker{}, fmt.Errorf("worker %s already registered", id)
	}

	var start uint64
	if n := len(r.freeList); n > 0 {
		start = r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
	} else {
		start = r.nextStart
		next := start + r.rangeSize
		if next < start {
			return Worker{}, fmt.Errorf("extranonce2 space exhausted")
		}
		r.nextStart = next
	}

	if space > 0 && start+r.rangeSize > space {
		// Growing past the pool-assigned space; put a fresh slot back
		// only if it came from the free list.
		if start+r.rangeSize == r.nextStart {
			r.nextStart = start
		} else {
			r.freeList = append(r.freeList, start)
		}
		return Worker{}, fmt.Errorf("extranonce2 space exhausted: need [%d,%d) of %d", start, start+r.rangeSize, space)
	}

	w := &Worker{
		ID:         id,
		RangeStart: start,
		RangeEnd:   start + r.rangeSize,
	}
	r.workers[id] = w

	r.logger.Info("worker registered",
		"worker_id", id,
		"range_start", w.RangeStart,
		"range_end", w.RangeEnd,
	)
	metrics.WorkersConnected.Set(float64(len(r.workers)))

	return *w, nil
}

// Authorize authorizes a worker. With an identity override configured the
// presented credentials are accepted locally without an upstream call;
// otherwise the call is forwarded upstream and the result cached.
func (r *Registry) Authorize(ctx context.Context, id, username, password string) (bool, error) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("worker %s not registered", id)
	}
	w.Username = username
	w.Password = password
	localOnly := r.policy.LocalOnly()
	r.mu.Unlock()

	if localOnly {
		r.setAuthorized(id, true)
		r.logger.WithWorker(id, username).Info("worker authorized locally (identity override)")
		return true, nil
	}

	ok, err := r.upstream.Authorize(ctx, username, password)
	if err != nil {
		return false, err
	}

	r.setAuthorized(id, ok)
	r.logger.WithWorker(id, username).Info("worker authorization", "authorized", ok)
	return ok, nil
}

func (r *Registry) setAuthorized(id string, authorized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.Authorized = authorized
	}
	metrics.WorkersAuthorized.Set(float64(r.authorizedLocked()))
}

func (r *Registry) authorizedLocked() int {
	n := 0
	for _, w := range r.workers {
		if w.Authorized {
			n++
		}
	}
	return n
}

// ClearAuthorizations atomically de-authorizes every worker. Invoked on
// both upstream connect and disconnect transitions; it happens before any
// subsequent job broadcast or share acceptance.
func (r *Registry) ClearAuthorizations() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		w.Authorized = false
	}
	metrics.WorkersAuthorized.Set(0)
	r.logger.Info("cleared worker authorizations", "workers", len(r.workers))
}

// Deregister removes a worker and frees its extranonce2 range for reuse.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	delete(r.workers, id)
	r.freeList = append(r.freeList, w.RangeStart)

	metrics.WorkersConnected.Set(float64(len(r.workers)))
	metrics.WorkersAuthorized.Set(float64(r.authorizedLocked()))
	r.logger.Info("worker deregistered", "worker_id", id)
}

// IsAuthorized reports whether the worker is currently authorized.
func (r *Registry) IsAuthorized(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	return ok && w.Authorized
}

// Get returns a snapshot of the worker record.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// OwnsExtranonce2 reports whether value falls inside the worker's assigned
// range.
func (r *Registry) OwnsExtranonce2(id string, value uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	return ok && value >= w.RangeStart && value < w.RangeEnd
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// AuthorizedCount returns the number of authorized workers.
func (r *Registry) AuthorizedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorizedLocked()
}
