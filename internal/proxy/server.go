// Package proxy is the downstream half of the relay: it accepts miner
// connections, runs the local subscribe/authorize handshake, pushes job
// broadcasts, and hands share submissions to the relay. It also adapts
// upstream session events into registry state transitions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashlane/gosp/internal/config"
	"github.com/hashlane/gosp/internal/jobs"
	"github.com/hashlane/gosp/internal/messaging"
	"github.com/hashlane/gosp/internal/stratum"
	"github.com/hashlane/gosp/internal/workers"
	"github.com/hashlane/gosp/pkg/log"
)

// WorkerSink receives worker connect/disconnect events for accounting.
// May be nil.
type WorkerSink interface {
	RecordWorkerConnected(ctx context.Context, name string, rangeStart, rangeEnd uint64) error
	RecordWorkerDisconnected(ctx context.Context, name string) error
}

// Server accepts downstream miner connections and runs one session per
// connection.
type Server struct {
	cfg     *config.Config
	logger  *log.Logger
	jobs    *jobs.Registry
	workers *workers.Registry
	relay   *ShareRelay
	sink    WorkerSink

	listener net.Listener
	mu       sync.RWMutex
	sessions map[string]*stratum.Session
	wg       sync.WaitGroup

	nextSession uint64
}

// NewServer creates a downstream server. sink may be nil.
func NewServer(
	cfg *config.Config,
	logger *log.Logger,
	jobRegistry *jobs.Registry,
	workerRegistry *workers.Registry,
	relay *ShareRelay,
	sink WorkerSink,
) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("server"),
		jobs:     jobRegistry,
		workers:  workerRegistry,
		relay:    relay,
		sink:     sink,
		sessions: make(map[string]*stratum.Session),
	}
}

// Start listens for miner connections and blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("listening for miners", "address", addr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.sessionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached, rejecting miner",
				"remote_addr", conn.RemoteAddr().String(),
			)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection runs one miner session to completion.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	s.nextSession++
	sessionID := fmt.Sprintf("worker-%d", s.nextSession)
	s.mu.Unlock()

	session := stratum.NewSession(sessionID, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	// Teardown is per session: free the nonce range, stop broadcasts,
	// and leave every other session untouched.
	session.OnClose(func() {
		s.jobs.Unsubscribe(sessionID)

		worker, registered := s.workers.Get(sessionID)
		s.workers.Deregister(sessionID)

		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()

		if s.sink != nil && registered && worker.Username != "" {
			name := worker.Username
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = s.sink.RecordWorkerDisconnected(ctx, name)
			}()
		}
	})

	handler := newSessionHandler(s, session, conn.RemoteAddr().String())

	if err := session.Start(ctx, handler); err != nil && err != context.Canceled {
		s.logger.WithError(err).Debug("session ended", "session_id", sessionID)
	}
	session.Close()
}

func (s *Server) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SessionCount returns the number of live miner sessions.
func (s *Server) SessionCount() int {
	return s.sessionCount()
}

// Shutdown closes the listener and all miner sessions, waiting for the
// session goroutines to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close listener")
		}
	}

	s.mu.RLock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all miner sessions closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// Coordinator adapts upstream session events into registry transitions and
// publishes job events. Its methods run synchronously on the upstream run
// loop, which is what makes "disconnect, clear state, handshake, resume"
// a strict barrier: no broadcast can interleave with the clearing.
type Coordinator struct {
	logger  *log.Logger
	jobs    *jobs.Registry
	workers *workers.Registry
	events  messaging.EventPublisher
}

// NewCoordinator creates an upstream event coordinator.
func NewCoordinator(logger *log.Logger, jobRegistry *jobs.Registry, workerRegistry *workers.Registry, events messaging.EventPublisher) *Coordinator {
	return &Coordinator{
		logger:  logger.WithComponent("coordinator"),
		jobs:    jobRegistry,
		workers: workerRegistry,
		events:  events,
	}
}

// HandleConnected installs the fresh extranonce config. Authorizations are
// cleared first so no share is accepted against the new session under an
// authorization granted by the old one.
func (c *Coordinator) HandleConnected(cfg *jobs.ExtranonceConfig) {
	c.workers.ClearAuthorizations()
	c.jobs.SetExtranonce(cfg)
}

// HandleDisconnected clears jobs and authorizations before any
// reconnection handshake can install new state.
func (c *Coordinator) HandleDisconnected() {
	c.jobs.Clear()
	c.workers.ClearAuthorizations()
}

// HandleNotification dispatches upstream pushes.
func (c *Coordinator) HandleNotification(msg *stratum.Message) {
	switch msg.Method {
	case stratum.MethodNotify:
		params, err := stratum.ParseNotifyParams(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed mining.notify")
			return
		}

		job := &jobs.Job{Notify: params}
		c.jobs.AddJob(job)

		c.events.PublishJobEvent(&messaging.JobEventMessage{
			JobID:       params.JobID,
			PrevHash:    params.PrevHash,
			NBits:       params.NBits,
			Ntime:       params.NTime,
			CleanJobs:   params.CleanJobs,
			Difficulty:  job.NetworkDifficulty(),
			WorkerCount: c.jobs.SubscriberCount(),
			ReceivedAt:  time.Now(),
		})

	case stratum.MethodSetDifficulty:
		diff, err := stratum.ParseSetDifficulty(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed mining.set_difficulty")
			return
		}
		c.jobs.SetDifficulty(diff)

	case stratum.MethodSetExtranonce:
		// Dynamic extranonce reassignment mid-session. Treated like a
		// fresh handshake: existing authorizations stay, ranges are
		// bounds-checked against the new space at submit time.
		result, err := stratum.ParseSetExtranonce(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed mining.set_extranonce")
			return
		}
		c.jobs.SetExtranonce(&jobs.ExtranonceConfig{
			ExtraNonce1:     result.ExtraNonce1,
			ExtraNonce2Size: result.ExtraNonce2Size,
		})

	default:
		c.logger.Debug("ignoring upstream notification", "method", msg.Method)
	}
}
