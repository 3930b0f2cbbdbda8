package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/hashlane/gosp/internal/jobs"
	"github.com/hashlane/gosp/internal/stratum"
	"github.com/hashlane/gosp/pkg/log"
)

// sessionHandler processes Stratum requests from one miner session.
type sessionHandler struct {
	server     *Server
	session    *stratum.Session
	remoteAddr string
	logger     *log.Logger
}

func newSessionHandler(server *Server, session *stratum.Session, remoteAddr string) *sessionHandler {
	return &sessionHandler{
		server:     server,
		session:    session,
		remoteAddr: remoteAddr,
		logger:     server.logger.WithFields("session_id", session.ID()),
	}
}

// HandleMessage implements stratum.MessageHandler.
func (h *sessionHandler) HandleMessage(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !msg.IsRequest() {
		h.logger.Debug("ignoring non-request from miner", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case stratum.MethodSubscribe:
		return h.handleSubscribe(session, msg)
	case stratum.MethodAuthorize:
		return h.handleAuthorize(ctx, session, msg)
	case stratum.MethodSubmit:
		return h.handleSubmit(ctx, session, msg)
	case stratum.MethodExtranonceSub:
		return session.SendResponse(msg.ID, true)
	default:
		return session.SendError(msg.ID, stratum.ErrorMethodNotFound, fmt.Sprintf("Unknown method: %s", msg.Method))
	}
}

// handleSubscribe assigns the worker a disjoint extranonce2 range and
// replies with the shared extranonce1, the range start, and the
// extranonce2 size. Without an active upstream session there is no
// extranonce to hand out, so the subscribe is refused.
func (h *sessionHandler) handleSubscribe(session *stratum.Session, msg *stratum.Message) error {
	cfg := h.server.jobs.Extranonce()
	if cfg == nil {
		return session.SendError(msg.ID, stratum.ErrorOther, "Upstream not connected")
	}

	worker, err := h.server.workers.Register(session.ID(), cfg.Extranonce2Space())
	if err != nil {
		h.logger.WithError(err).Warn("subscribe refused")
		return session.SendError(msg.ID, stratum.ErrorOther, err.Error())
	}

	result := []any{
		[]any{
			[]any{stratum.MethodSetDifficulty, session.ID()},
			[]any{stratum.MethodNotify, session.ID()},
		},
		cfg.ExtraNonce1,
		fmt.Sprintf("%x", worker.RangeStart),
		cfg.ExtraNonce2Size,
	}

	return session.SendResponse(msg.ID, result)
}

// handleAuthorize delegates to the worker registry and, on success, joins
// the session to job broadcasts. The registry replays the cached
// difficulty and current job immediately.
func (h *sessionHandler) handleAuthorize(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	authorized, err := h.server.workers.Authorize(ctx, session.ID(), req.Username, req.Password)
	if err != nil {
		h.logger.WithError(err).Warn("authorize failed", "username", req.Username)
		return session.SendError(msg.ID, stratum.ErrorOther, "Authorization failed")
	}

	if err := session.SendResponse(msg.ID, authorized); err != nil {
		return err
	}

	if authorized {
		h.server.jobs.Subscribe(&jobSubscriber{session: session})

		if h.server.sink != nil {
			if worker, ok := h.server.workers.Get(session.ID()); ok {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = h.server.sink.RecordWorkerConnected(ctx, req.Username, worker.RangeStart, worker.RangeEnd)
				}()
			}
		}
	}

	return nil
}

// handleSubmit hands the share to the relay on its own goroutine so slow
// upstream round-trips never block this miner's read loop, and concurrent
// submissions from many miners stay in flight together. The reply is
// correlated by the captured request id.
func (h *sessionHandler) handleSubmit(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	requestID := msg.ID
	go func() {
		result := h.server.relay.Submit(ctx, session.ID(), h.remoteAddr, req)

		var sendErr error
		if result.Accepted {
			sendErr = session.SendResponse(requestID, true)
		} else {
			sendErr = session.SendError(requestID, result.Code, result.Message)
		}
		if sendErr != nil {
			session.Close()
		}
	}()

	return nil
}

// jobSubscriber adapts a miner session to the job registry's subscriber
// interface. A failed push tears the session down; the registry drops the
// subscription itself when the error returns, so the close must run off
// the registry's lock (Close fires Unsubscribe through OnClose).
type jobSubscriber struct {
	session *stratum.Session
}

func (j *jobSubscriber) ID() string {
	return j.session.ID()
}

func (j *jobSubscriber) NotifyJob(job *jobs.Job) error {
	if err := j.session.SendNotification(stratum.MethodNotify, job.Notify.Params()); err != nil {
		go j.session.Close()
		return err
	}
	return nil
}

func (j *jobSubscriber) NotifyDifficulty(diff float64) error {
	if err := j.session.SendNotification(stratum.MethodSetDifficulty, []any{diff}); err != nil {
		go j.session.Close()
		return err
	}
	return nil
}
