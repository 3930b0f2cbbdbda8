// Package upstream maintains the single pool-side Stratum session that the
// proxy multiplexes all downstream miners onto. It owns the connect and
// subscribe handshake, request/response correlation, and the reconnect loop.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/hashlane/gosp/internal/jobs"
	"github.com/hashlane/gosp/internal/metrics"
	"github.com/hashlane/gosp/internal/stratum"
	"github.com/hashlane/gosp/internal/workers"
	"github.com/hashlane/gosp/pkg/errors"
	"github.com/hashlane/gosp/pkg/log"
	"github.com/hashlane/gosp/pkg/retry"
)

// State represents the upstream connection lifecycle
type State int32

// Connection states, in handshake order
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateActive
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by calls issued while the upstream session
// is not in the active state.
var ErrNotConnected = fmt.Errorf("upstream not connected")

// Handler receives upstream session events. All methods are invoked
// synchronously from the client's run loop, so a handler sees a strict
// connected / notifications / disconnected ordering and can rely on no
// notification arriving for a session after HandleDisconnected returns.
type Handler interface {
	// HandleConnected is called after the subscribe handshake completes,
	// before any notification from the new session is dispatched.
	HandleConnected(cfg *jobs.ExtranonceConfig)

	// HandleDisconnected is called when the session drops, after all
	// in-flight calls have been failed.
	HandleDisconnected()

	// HandleNotification is called for every server notification
	// (mining.notify, mining.set_difficulty, mining.set_extranonce, ...).
	HandleNotification(msg *stratum.Message)
}

// Options configures the upstream client.
type Options struct {
	Host      string
	Port      int
	SocksAddr string // SOCKS5 proxy address, empty for a direct connection

	// Override, when set, authorizes this single identity during the
	// handshake instead of forwarding per-worker credentials.
	Override *workers.Credentials

	UserAgent   string
	ReadTimeout time.Duration
	CallTimeout time.Duration
}

// Client is the pool-side Stratum session. A single Client instance
// survives reconnects; each successful handshake starts a fresh session
// with a fresh extranonce assignment.
type Client struct {
	opts    Options
	logger  *log.Logger
	handler Handler

	retryConfig *retry.Config

	// OnStateChange, if set before Run, observes every state transition.
	OnStateChange func(from, to State)

	state atomic.Int32

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *stratum.Message

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewClient creates an upstream client. Run must be called to connect.
func NewClient(opts Options, handler Handler, logger *log.Logger) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "gosp/1.0"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 10 * time.Minute
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 30 * time.Second
	}

	return &Client{
		opts:        opts,
		logger:      logger.WithComponent("upstream").WithUpstream(opts.Host, opts.Port),
		handler:     handler,
		retryConfig: retry.UpstreamConfig(),
		pending:     make(map[uint64]chan *stratum.Message),
		shutdown:    make(chan struct{}),
	}
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}

	c.logger.LogUpstreamState(from.String(), to.String())
	metrics.UpstreamState.Set(float64(to))

	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

// Run connects to the pool and keeps the session alive until the context
// is cancelled or Shutdown is called. Reconnects use exponential backoff;
// the backoff resets after each successful handshake.
func (c *Client) Run(ctx context.Context) error {
	attempt := 1

	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.shutdown:
			c.setState(StateDisconnected)
			return nil
		default:
		}

		wasActive, err := c.runSession(ctx)
		if err == nil {
			// Clean shutdown.
			return nil
		}
		if wasActive {
			attempt = 1
		}

		c.logger.WithError(err).Warn("upstream session ended", "attempt", attempt)

		delay := c.retryConfig.Delay(attempt)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdown:
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession performs one connect / subscribe / serve cycle. It reports
// whether the session reached the active state, and returns a nil error
// only on shutdown or context cancellation.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)
	metrics.UpstreamReconnects.Inc()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return false, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		_ = conn.Close()
		c.conn = nil
		c.connMu.Unlock()

		c.failPending()
		c.setState(StateDisconnected)
		c.handler.HandleDisconnected()
	}()

	c.setState(StateSubscribing)

	// The read loop must be running before the handshake so subscribe and
	// authorize replies can be correlated.
	readErr := make(chan error, 1)
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	notifications := make(chan *stratum.Message, 64)
	go func() {
		readErr <- c.readLoop(sessionCtx, conn, notifications)
	}()

	cfg, err := c.handshake(sessionCtx)
	if err != nil {
		return false, err
	}

	c.setState(StateActive)
	c.handler.HandleConnected(cfg)
	c.logger.Info("upstream session established",
		"extranonce1", cfg.ExtraNonce1,
		"extranonce2_size", cfg.ExtraNonce2Size,
	)

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-c.shutdown:
			return true, nil
		case err := <-readErr:
			return true, err
		case msg := <-notifications:
			c.handler.HandleNotification(msg)
		}
	}
}

// dial establishes the TCP connection, optionally through a SOCKS5 proxy.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(c.opts.Host, fmt.Sprintf("%d", c.opts.Port))

	var conn net.Conn
	var err error

	if c.opts.SocksAddr != "" {
		var dialer proxy.Dialer
		dialer, err = proxy.SOCKS5("tcp", c.opts.SocksAddr, nil, proxy.Direct)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "socks_dialer",
				"failed to create SOCKS5 dialer").
				WithContext("socks_addr", c.opts.SocksAddr)
		}

		if cd, ok := dialer.(proxy.ContextDialer); ok {
			conn, err = cd.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = dialer.Dial("tcp", addr)
		}
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "upstream_dial",
			"failed to connect to upstream pool").
			WithContext("addr", addr)
	}

	return conn, nil
}

// handshake subscribes and, in identity override mode, authorizes the
// configured account.
func (c *Client) handshake(ctx context.Context) (*jobs.ExtranonceConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	reply, err := c.call(ctx, stratum.MethodSubscribe, []any{c.opts.UserAgent})
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, errors.New(errors.ErrorTypeUpstream, "subscribe",
			"upstream rejected subscribe").
			WithContext("code", reply.Error.Code).
			WithContext("message", reply.Error.Message)
	}

	result, err := stratum.ParseSubscribeResult(reply.Result)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe",
			"malformed subscribe result")
	}

	// Best effort: pools that support dynamic extranonce reassignment
	// will start sending mining.set_extranonce after this.
	if _, err := c.call(ctx, stratum.MethodExtranonceSub, []any{}); err != nil {
		c.logger.Debug("extranonce subscription not supported", "error", err)
	}

	if c.opts.Override != nil {
		ok, err := c.authorize(ctx, c.opts.Override.Username, c.opts.Override.Password)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New(errors.ErrorTypeUpstream, "authorize",
				"upstream rejected override credentials").
				WithContext("username", c.opts.Override.Username)
		}
	}

	return &jobs.ExtranonceConfig{
		ExtraNonce1:     result.ExtraNonce1,
		ExtraNonce2Size: result.ExtraNonce2Size,
	}, nil
}

// readLoop reads newline-framed messages until the connection drops or
// the session context is cancelled. Responses are matched to pending
// calls; everything else is queued for the run loop so notifications are
// dispatched in arrival order.
func (c *Client) readLoop(ctx context.Context, conn net.Conn, notifications chan<- *stratum.Message) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "set_deadline",
				"failed to set read deadline")
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "upstream_read",
					"upstream connection lost")
			}
			return errors.New(errors.ErrorTypeNetwork, "upstream_read",
				"upstream closed connection")
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := stratum.ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed upstream message")
			continue
		}

		if msg.IsResponse() {
			c.deliver(msg)
			continue
		}

		select {
		case notifications <- msg:
		case <-ctx.Done():
			return nil
		case <-c.shutdown:
			return nil
		}
	}
}

// deliver routes a response to the pending call that issued it.
func (c *Client) deliver(msg *stratum.Message) {
	id, ok := requestID(msg.ID)
	if !ok {
		c.logger.Warn("response with unusable id", "id", msg.ID)
		return
	}

	c.pendingMu.Lock()
	ch, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !exists {
		c.logger.Warn("response for unknown request", "id", id)
		return
	}

	ch <- msg
}

// failPending unblocks every in-flight call after a disconnect.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call issues a request and waits for its response. Usable during the
// handshake as well as in the active state.
func (c *Client) call(ctx context.Context, method string, params []any) (*stratum.Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan *stratum.Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	data, err := stratum.MarshalMessage(stratum.NewRequest(id, method, params))
	if err != nil {
		cleanup()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "marshal_request",
			"failed to marshal request").WithContext("method", method)
	}

	if err := c.write(data); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errors.New(errors.ErrorTypeUpstream, method,
				"upstream disconnected before reply")
		}
		return msg, nil
	case <-ctx.Done():
		cleanup()
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, method,
			"upstream call timed out")
	case <-c.shutdown:
		cleanup()
		return nil, errors.New(errors.ErrorTypeUpstream, method,
			"client shut down")
	}
}

// Call issues a request on the active session.
func (c *Client) Call(ctx context.Context, method string, params []any) (*stratum.Message, error) {
	if c.State() != StateActive {
		return nil, errors.Wrap(ErrNotConnected, errors.ErrorTypeUpstream, method,
			"upstream session not active")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	return c.call(ctx, method, params)
}

// write sends one newline-framed message. Serialized so concurrent share
// submissions cannot interleave bytes on the wire.
func (c *Client) write(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return errors.Wrap(ErrNotConnected, errors.ErrorTypeUpstream, "upstream_write",
			"no upstream connection")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.CallTimeout)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "set_deadline",
			"failed to set write deadline")
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "upstream_write",
			"failed to write to upstream")
	}

	return nil
}

// authorize performs a mining.authorize call and interprets the reply.
func (c *Client) authorize(ctx context.Context, username, password string) (bool, error) {
	reply, err := c.call(ctx, stratum.MethodAuthorize, []any{username, password})
	if err != nil {
		return false, err
	}
	if reply.Error != nil {
		return false, nil
	}
	return stratum.ResultBool(reply.Result), nil
}

// Authorize forwards worker credentials to the pool. Implements the
// workers registry's upstream authorizer.
func (c *Client) Authorize(ctx context.Context, username, password string) (bool, error) {
	if c.State() != StateActive {
		return false, errors.Wrap(ErrNotConnected, errors.ErrorTypeUpstream, "authorize",
			"upstream session not active")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	return c.authorize(ctx, username, password)
}

// SubmitShare relays a mining.submit and returns the raw response so the
// caller can pass the pool's verdict through verbatim.
func (c *Client) SubmitShare(ctx context.Context, username string, sub *stratum.SubmitRequest) (*stratum.Message, error) {
	return c.Call(ctx, stratum.MethodSubmit, []any{
		username, sub.JobID, sub.ExtraNonce2, sub.NTime, sub.Nonce,
	})
}

// Shutdown stops the client. Safe to call multiple times.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)

		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()

		c.logger.Info("upstream client shut down")
	})
}

// requestID normalizes a JSON-decoded response id back to the uint64 used
// when the request was issued.
func requestID(id any) (uint64, bool) {
	switch v := id.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
