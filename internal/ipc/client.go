package ipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eliteGoblin/devorch/internal/metrics"
)

// ClientStatus is the connection state of a Client.
type ClientStatus string

const (
	ClientDisconnected ClientStatus = "disconnected"
	ClientConnected    ClientStatus = "connected"
	ClientError        ClientStatus = "error"
	ClientClosed       ClientStatus = "closed"
)

// ClientConfig configures a device-side connection.
type ClientConfig struct {
	Endpoint             string
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	CommandLaneSize      int
	LogLaneSize          int
	LogRate              float64 // log messages per second
	LogBurst             int
}

// DefaultClientConfig returns the client defaults for endpoint.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:             endpoint,
		HeartbeatInterval:    2 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 30,
		DialTimeout:          3 * time.Second,
		WriteTimeout:         5 * time.Second,
		CommandLaneSize:      50,
		LogLaneSize:          30,
		LogRate:              50,
		LogBurst:             30,
	}
}

// Handler receives every decoded message from the peer.
type Handler func(Message)

// session is the per-connection outbound state. A new session is built on
// every connect; dropping it loses whatever was still buffered.
type session struct {
	commands chan Message
	logs     chan Message
	done     chan struct{}
}

// Client is the device side of the transport. Run keeps it connected.
type Client struct {
	cfg      ClientConfig
	deviceID string
	pid      uint32
	handler  Handler
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.RWMutex
	session   *session
	status    ClientStatus
	heartbeat func() Heartbeat
	connected chan struct{} // closed on the first successful registration
	once      sync.Once
}

// NewClient creates a disconnected client for deviceID.
func NewClient(cfg ClientConfig, deviceID string, pid uint32, handler Handler, logger *zap.Logger) *Client {
	if handler == nil {
		handler = func(Message) {}
	}
	return &Client{
		cfg:       cfg,
		deviceID:  deviceID,
		pid:       pid,
		handler:   handler,
		limiter:   rate.NewLimiter(rate.Limit(cfg.LogRate), cfg.LogBurst),
		logger:    logger,
		status:    ClientDisconnected,
		heartbeat: func() Heartbeat { return Heartbeat{} },
		connected: make(chan struct{}),
	}
}

// SetHeartbeatSource makes heartbeats carry live usage numbers.
func (c *Client) SetHeartbeatSource(fn func() Heartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeat = fn
}

// DeviceID returns the id the client registers as.
func (c *Client) DeviceID() string { return c.deviceID }

// Status returns the connection state.
func (c *Client) Status() ClientStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Connected is closed once the first connection has registered.
func (c *Client) Connected() <-chan struct{} { return c.connected }

func (c *Client) setStatus(s ClientStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Run connects and reconnects until ctx is cancelled or the reconnect
// ceiling is exceeded, in which case the client ends in ClientError.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		registered, err := c.connectAndRun(ctx)
		if ctx.Err() != nil {
			c.setStatus(ClientClosed)
			return nil
		}
		if registered {
			attempts = 0
		}
		attempts++
		metrics.IPCReconnectsTotal.Inc()
		c.logger.Warn("ipc connection lost",
			zap.String("device_id", c.deviceID),
			zap.Int("attempt", attempts),
			zap.Error(err))

		if attempts > c.cfg.MaxReconnectAttempts {
			c.setStatus(ClientError)
			c.logger.Error("ipc reconnect limit reached, giving up",
				zap.String("device_id", c.deviceID),
				zap.Int("max_attempts", c.cfg.MaxReconnectAttempts))
			return &ChannelError{Kind: ErrConnect, DeviceID: c.deviceID, Detail: "reconnect limit reached", Err: err}
		}

		select {
		case <-ctx.Done():
			c.setStatus(ClientClosed)
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// connectAndRun serves one connection until it breaks. It reports whether
// the registration got through.
func (c *Client) connectAndRun(ctx context.Context) (bool, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.Endpoint)
	if err != nil {
		return false, &ChannelError{Kind: ErrConnect, DeviceID: c.deviceID, Err: err}
	}
	defer conn.Close()

	reg := NewMessage(c.deviceID, TypeEvent, SocketRegistration{PID: c.pid})
	if err := c.write(conn, reg); err != nil {
		return false, err
	}

	s := &session{
		commands: make(chan Message, c.cfg.CommandLaneSize),
		logs:     make(chan Message, c.cfg.LogLaneSize),
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.session = s
	c.status = ClientConnected
	c.mu.Unlock()
	c.once.Do(func() { close(c.connected) })
	c.logger.Info("ipc connected", zap.String("device_id", c.deviceID), zap.String("endpoint", c.cfg.Endpoint))

	connCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 3)
	go func() { errCh <- c.sendLoop(connCtx, conn, s) }()
	go func() { errCh <- c.recvLoop(conn) }()
	go func() { errCh <- c.heartbeatLoop(connCtx) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	conn.Close()
	c.mu.Lock()
	if c.session == s {
		c.session = nil
		if c.status == ClientConnected {
			c.status = ClientDisconnected
		}
	}
	c.mu.Unlock()
	close(s.done)

	return true, &ChannelError{Kind: ErrChannelClosed, DeviceID: c.deviceID, Err: err}
}

// sendLoop drains the command lane first on every iteration and falls back
// to the log lane only when no command is waiting.
func (c *Client) sendLoop(ctx context.Context, conn net.Conn, s *session) error {
	for {
		select {
		case msg := <-s.commands:
			if err := c.write(conn, msg); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.commands:
			if err := c.write(conn, msg); err != nil {
				return err
			}
		case msg := <-s.logs:
			if err := c.write(conn, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(conn net.Conn, msg Message) error {
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := WriteMessage(conn, msg); err != nil {
		return err
	}
	metrics.IPCMessagesSent.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

func (c *Client) recvLoop(conn net.Conn) error {
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			var ce *ChannelError
			if errors.As(err, &ce) && ce.Kind == ErrDecode {
				c.logger.Warn("dropping undecodable message", zap.String("device_id", c.deviceID), zap.Error(err))
				continue
			}
			return err
		}
		metrics.IPCMessagesReceived.WithLabelValues(string(msg.Type)).Inc()
		c.handler(msg)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.RLock()
			hb := c.heartbeat()
			c.mu.RUnlock()
			if err := c.Send(ctx, NewMessage(c.deviceID, TypeHeartbeat, hb)); err != nil {
				return err
			}
		}
	}
}

func (c *Client) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Send queues msg on the command lane, waiting for room. It fails with
// ErrChannelClosed when no connection is up or the connection drops first.
func (c *Client) Send(ctx context.Context, msg Message) error {
	s := c.current()
	if s == nil {
		return &ChannelError{Kind: ErrChannelClosed, DeviceID: c.deviceID}
	}
	select {
	case s.commands <- msg:
		return nil
	case <-s.done:
		return &ChannelError{Kind: ErrChannelClosed, DeviceID: c.deviceID}
	case <-ctx.Done():
		return &ChannelError{Kind: ErrSend, DeviceID: c.deviceID, Err: ctx.Err()}
	}
}

// Log queues a log line on the telemetry lane. It never blocks: lines over
// the rate limit, lines that find the lane full and lines sent while
// disconnected are dropped and counted. It reports whether the line was queued.
func (c *Client) Log(level, message, module string) bool {
	s := c.current()
	if s == nil || !c.limiter.Allow() {
		metrics.IPCDroppedLogsTotal.Inc()
		return false
	}
	msg := NewMessage(c.deviceID, TypeLogger, LogEntry{Level: level, Message: message, Module: module})
	select {
	case s.logs <- msg:
		return true
	default:
		metrics.IPCDroppedLogsTotal.Inc()
		return false
	}
}
