package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashlane/gosp/pkg/log"
)

// ErrOutboundFull is returned when a session's outbound buffer cannot
// accept another message. The caller is expected to tear the session down
// rather than stall broadcast fan-out to other workers.
var ErrOutboundFull = fmt.Errorf("outbound buffer full")

// ErrSessionClosed is returned when writing to a closed session.
var ErrSessionClosed = fmt.Errorf("session closed")

// Session represents one downstream miner connection
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
	onClose   func()
}

// NewSession creates a new downstream Stratum session
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
}

// OnClose registers a callback fired exactly once when the session closes.
// Must be called before Start.
func (s *Session) OnClose(fn func()) {
	s.onClose = fn
}

// Start begins processing the session. It blocks until the connection
// drops, the context is cancelled, or the session is closed.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the miner
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), 16*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			// EOF - miner disconnected
			s.logger.Info("miner disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Error("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

// writeLoop handles outbound messages to the miner
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.Close()
				return
			}

			data = append(data, '\n')

			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Error("failed to write message")
				s.Close()
				return
			}

			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// SendMessage queues a message for the miner. A full outbound buffer means
// the device cannot keep up; ErrOutboundFull is returned so the caller can
// tear the session down instead of blocking the broadcast path.
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	case s.outbound <- data:
		return nil
	default:
		return ErrOutboundFull
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close closes the session. Safe to call from any goroutine, idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the miner connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
