package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/metrics"
)

// ServerConfig configures the orchestrator-side listener.
type ServerConfig struct {
	Endpoint         string
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	WriteTimeout     time.Duration
}

// DefaultServerConfig returns the server defaults for endpoint.
func DefaultServerConfig(endpoint string) ServerConfig {
	return ServerConfig{
		Endpoint:         endpoint,
		HeartbeatTimeout: 5 * time.Second,
		SweepInterval:    time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// ConnectionInfo describes a registered device connection.
type ConnectionInfo struct {
	DeviceID      string
	PID           uint32
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

type serverConn struct {
	netConn     net.Conn
	writeMu     sync.Mutex
	deviceID    string
	pid         uint32
	connectedAt time.Time
	lastSeen    time.Time
}

// Server accepts device connections and routes messages by device id.
// Handlers are called without the registry lock held.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger
	now    func() time.Time

	mu           sync.RWMutex
	listener     net.Listener
	conns        map[string]*serverConn
	open         map[*serverConn]struct{}
	handler      Handler
	onDisconnect func(deviceID string)
	closed       bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a server. Call Listen then Serve.
func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		conns:   make(map[string]*serverConn),
		open:    make(map[*serverConn]struct{}),
		handler: func(Message) {},
		done:    make(chan struct{}),
	}
}

// SetHandler sets the callback for messages from registered devices,
// registrations included.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetDisconnectHandler sets the callback run when a registered device's
// connection ends or misses its heartbeat deadline.
func (s *Server) SetDisconnectHandler(fn func(deviceID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Listen binds the socket, replacing a stale socket file.
func (s *Server) Listen() error {
	path := s.cfg.Endpoint
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &ChannelError{Kind: ErrInitFailed, Detail: "create socket dir", Err: err}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &ChannelError{Kind: ErrInitFailed, Detail: "remove stale socket", Err: err}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return &ChannelError{Kind: ErrInitFailed, Detail: path, Err: err}
	}
	if err := os.Chmod(path, 0o600); err != nil {
		s.logger.Warn("failed to restrict socket permissions", zap.String("path", path), zap.Error(err))
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("ipc server listening", zap.String("endpoint", path))
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return &ChannelError{Kind: ErrInitFailed, Detail: "Serve called before Listen"}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			s.logger.Error("accept failed", zap.Error(err))
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}
		c := &serverConn{netConn: nc, connectedAt: s.now(), lastSeen: s.now()}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.open[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) serveConn(c *serverConn) {
	defer s.dropConn(c)
	for {
		msg, err := ReadMessage(c.netConn)
		if err != nil {
			var ce *ChannelError
			if errors.As(err, &ce) && ce.Kind == ErrDecode {
				s.logger.Warn("dropping undecodable message", zap.String("device_id", c.deviceID), zap.Error(err))
				continue
			}
			if err != io.EOF && !s.isClosed() {
				s.logger.Debug("ipc connection read ended", zap.String("device_id", c.deviceID), zap.Error(err))
			}
			return
		}
		metrics.IPCMessagesReceived.WithLabelValues(string(msg.Type)).Inc()

		if reg, ok := msg.Payload.(SocketRegistration); ok {
			s.register(c, msg.SourceOrTarget, reg.PID)
		}

		s.mu.Lock()
		c.lastSeen = s.now()
		bound := c.deviceID != ""
		handler := s.handler
		s.mu.Unlock()

		if !bound {
			s.logger.Warn("message before registration dropped", zap.String("type", string(msg.Type)))
			continue
		}
		handler(msg)
	}
}

func (s *Server) register(c *serverConn, deviceID string, pid uint32) {
	s.mu.Lock()
	old, replaced := s.conns[deviceID]
	c.deviceID = deviceID
	c.pid = pid
	s.conns[deviceID] = c
	metrics.IPCConnections.Set(float64(len(s.conns)))
	s.mu.Unlock()

	if replaced && old != c {
		s.logger.Warn("device re-registered, closing previous connection", zap.String("device_id", deviceID))
		old.netConn.Close()
	}
	s.logger.Info("device connected", zap.String("device_id", deviceID), zap.Uint32("pid", pid))
}

// dropConn forgets c. The disconnect callback runs only when c still owned
// its device id.
func (s *Server) dropConn(c *serverConn) {
	c.netConn.Close()

	s.mu.Lock()
	delete(s.open, c)
	owned := c.deviceID != "" && s.conns[c.deviceID] == c
	if owned {
		delete(s.conns, c.deviceID)
	}
	metrics.IPCConnections.Set(float64(len(s.conns)))
	cb := s.onDisconnect
	s.mu.Unlock()

	if owned {
		s.logger.Warn("device disconnected", zap.String("device_id", c.deviceID))
		if cb != nil {
			cb(c.deviceID)
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 || s.cfg.HeartbeatTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep closes registered connections silent for longer than the
// heartbeat timeout. Their read loops then run the disconnect path.
func (s *Server) Sweep() int {
	type staleConn struct {
		deviceID string
		netConn  net.Conn
	}
	now := s.now()
	var stale []staleConn
	s.mu.RLock()
	for _, c := range s.conns {
		if now.Sub(c.lastSeen) > s.cfg.HeartbeatTimeout {
			stale = append(stale, staleConn{deviceID: c.deviceID, netConn: c.netConn})
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		s.logger.Warn("device heartbeat timed out",
			zap.String("device_id", c.deviceID),
			zap.Duration("timeout", s.cfg.HeartbeatTimeout))
		c.netConn.Close()
	}
	return len(stale)
}

// Send writes msg to deviceID's connection.
func (s *Server) Send(deviceID string, msg Message) error {
	s.mu.RLock()
	c, ok := s.conns[deviceID]
	s.mu.RUnlock()
	if !ok {
		return &ChannelError{Kind: ErrChannelNotFound, DeviceID: deviceID}
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := WriteFrame(c.netConn, data); err != nil {
		var ce *ChannelError
		if errors.As(err, &ce) {
			ce.DeviceID = deviceID
		}
		return fmt.Errorf("send %s to %s: %w", msg.Type, deviceID, err)
	}
	metrics.IPCMessagesSent.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// IsConnected reports whether deviceID has a registered connection.
func (s *Server) IsConnected(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[deviceID]
	return ok
}

// Connected lists registered connections ordered by device id.
func (s *Server) Connected() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for id, c := range s.conns {
		out = append(out, ConnectionInfo{
			DeviceID:      id,
			PID:           c.pid,
			ConnectedAt:   c.connectedAt,
			LastHeartbeat: c.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close stops accepting, closes every connection and removes the socket.
// Disconnect callbacks still run for registered devices.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	ln := s.listener
	conns := make([]*serverConn, 0, len(s.open))
	for c := range s.open {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.netConn.Close()
	}
	s.wg.Wait()
	if rmErr := os.Remove(s.cfg.Endpoint); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.Warn("failed to remove socket", zap.String("path", s.cfg.Endpoint), zap.Error(rmErr))
	}
	s.logger.Info("ipc server closed")
	return err
}
