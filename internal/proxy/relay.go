package proxy

import (
	"context"
	"time"

	"github.com/hashlane/gosp/internal/database/postgres"
	"github.com/hashlane/gosp/internal/jobs"
	"github.com/hashlane/gosp/internal/messaging"
	"github.com/hashlane/gosp/internal/metrics"
	"github.com/hashlane/gosp/internal/stratum"
	"github.com/hashlane/gosp/internal/validation"
	"github.com/hashlane/gosp/internal/workers"
	"github.com/hashlane/gosp/pkg/log"
)

// Submitter relays a rewritten share to the pool and returns the raw
// response for verbatim passthrough.
type Submitter interface {
	SubmitShare(ctx context.Context, username string, sub *stratum.SubmitRequest) (*stratum.Message, error)
}

// ShareSink receives share outcomes for durable accounting. May be nil.
type ShareSink interface {
	RecordShare(ctx context.Context, share *postgres.Share, difficulty float64) error
}

// Result is the verdict on one share submission.
type Result struct {
	Accepted bool
	Code     int    // Stratum error code when rejected
	Message  string // reject reason, upstream text passed through verbatim
	Local    bool   // rejected by the proxy without an upstream call
}

// Reject reason labels for metrics.
const (
	reasonNotSubscribed = "not_subscribed"
	reasonUnauthorized  = "unauthorized"
	reasonNoUpstream    = "no_upstream"
	reasonMalformed     = "malformed"
	reasonStale         = "stale"
	reasonOutOfRange    = "out_of_range"
	reasonDuplicate     = "duplicate"
	reasonUpstream      = "upstream"
)

// ShareRelay validates and forwards worker share submissions. Anything
// that can be rejected locally is rejected with zero upstream calls; only
// plausible shares for the current job reach the pool.
type ShareRelay struct {
	logger    *log.Logger
	jobs      *jobs.Registry
	workers   *workers.Registry
	validator *validation.Validator
	upstream  Submitter
	events    messaging.EventPublisher
	sink      ShareSink
}

// NewShareRelay creates a share relay. events must be non-nil (use
// messaging.NopPublisher); sink may be nil when accounting is disabled.
func NewShareRelay(
	logger *log.Logger,
	jobRegistry *jobs.Registry,
	workerRegistry *workers.Registry,
	upstream Submitter,
	events messaging.EventPublisher,
	sink ShareSink,
) *ShareRelay {
	return &ShareRelay{
		logger:    logger.WithComponent("relay"),
		jobs:      jobRegistry,
		workers:   workerRegistry,
		validator: validation.NewValidator(validation.DefaultMaxTimeSkew),
		upstream:  upstream,
		events:    events,
		sink:      sink,
	}
}

// Submit processes one mining.submit from a worker. remoteAddr is only
// used for accounting.
func (r *ShareRelay) Submit(ctx context.Context, workerID, remoteAddr string, sub *stratum.SubmitRequest) Result {
	result, reason := r.process(ctx, workerID, sub)

	worker, _ := r.workers.Get(workerID)
	username := worker.Username
	if username == "" {
		username = sub.Username
	}

	if result.Accepted {
		metrics.SharesAccepted.Inc()
		r.logger.LogShareRelay(workerID, username, sub.JobID, "accepted", "")
	} else {
		metrics.SharesRejected.WithLabelValues(reason).Inc()
		r.logger.LogShareRelay(workerID, username, sub.JobID, "rejected", result.Message)
	}

	r.record(workerID, username, remoteAddr, sub, result)
	return result
}

// process runs the local validation pipeline and, when everything passes,
// the upstream round-trip. It returns the result plus a metrics label.
func (r *ShareRelay) process(ctx context.Context, workerID string, sub *stratum.SubmitRequest) (Result, string) {
	worker, registered := r.workers.Get(workerID)
	if !registered {
		return reject(stratum.ErrorNotSubscribed, "Not subscribed"), reasonNotSubscribed
	}

	if !worker.Authorized {
		return reject(stratum.ErrorUnauthorized, "Unauthorized worker"), reasonUnauthorized
	}

	cfg := r.jobs.Extranonce()
	if cfg == nil {
		return reject(stratum.ErrorOther, "Upstream not connected"), reasonNoUpstream
	}

	if err := r.validator.Validate(sub, cfg.ExtraNonce2Size); err != nil {
		return reject(stratum.ErrorOther, err.Error()), reasonMalformed
	}

	currentID := r.jobs.CurrentJobID()
	if currentID == "" || sub.JobID != currentID {
		return reject(stratum.ErrorJobNotFound, "Job not found (stale)"), reasonStale
	}

	en2, err := validation.ParseExtranonce2(sub.ExtraNonce2)
	if err != nil {
		return reject(stratum.ErrorOther, err.Error()), reasonMalformed
	}
	if !r.workers.OwnsExtranonce2(workerID, en2) {
		return reject(stratum.ErrorOther, "Extranonce2 outside assigned range"), reasonOutOfRange
	}

	if err := r.validator.CheckDuplicate(r.jobs.Epoch(), sub); err != nil {
		return reject(stratum.ErrorDuplicateShare, "Duplicate share"), reasonDuplicate
	}

	// Identity substitution: in override mode every share goes out under
	// the configured account regardless of what the worker presented.
	username, _ := r.workers.Policy().Apply(worker.Username, worker.Password)

	reply, err := r.upstream.SubmitShare(ctx, username, sub)
	if err != nil {
		return Result{Code: stratum.ErrorOther, Message: "Upstream submit failed"}, reasonUpstream
	}

	if reply.Error != nil {
		// Pool verdict, passed through verbatim.
		return Result{Code: reply.Error.Code, Message: reply.Error.Message}, reasonUpstream
	}

	if !stratum.ResultBool(reply.Result) {
		return Result{Code: stratum.ErrorOther, Message: "Share rejected"}, reasonUpstream
	}

	return Result{Accepted: true}, ""
}

func reject(code int, message string) Result {
	return Result{Code: code, Message: message, Local: true}
}

// record publishes the share outcome to the event stream and accounting.
// Both are side paths that never affect the verdict.
func (r *ShareRelay) record(workerID, username, remoteAddr string, sub *stratum.SubmitRequest, result Result) {
	now := time.Now()

	r.events.PublishShareEvent(&messaging.ShareEventMessage{
		WorkerID:    workerID,
		Username:    username,
		JobID:       sub.JobID,
		ExtraNonce2: sub.ExtraNonce2,
		Ntime:       sub.NTime,
		Nonce:       sub.Nonce,
		Accepted:    result.Accepted,
		RejectCode:  result.Code,
		RejectText:  result.Message,
		Local:       result.Local,
		RemoteAddr:  remoteAddr,
		SubmittedAt: now,
	})

	if r.sink == nil {
		return
	}

	share := &postgres.Share{
		WorkerName:  username,
		JobID:       sub.JobID,
		ExtraNonce2: sub.ExtraNonce2,
		Ntime:       sub.NTime,
		Nonce:       sub.Nonce,
		Accepted:    result.Accepted,
		RejectCode:  result.Code,
		RejectText:  result.Message,
		Local:       result.Local,
		RemoteAddr:  remoteAddr,
		SubmittedAt: now,
	}
	difficulty := r.jobs.Difficulty()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := r.sink.RecordShare(ctx, share, difficulty); err != nil {
			r.logger.WithError(err).Warn("failed to record share", "worker", username)
		}
	}()
}
