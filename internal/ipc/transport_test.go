package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// socketDir keeps socket paths short; t.TempDir can exceed the sun_path limit.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (b *inbox) handle(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) all() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs...)
}

func (b *inbox) has(kind PayloadKind) bool {
	for _, m := range b.all() {
		if m.Payload.Kind() == kind {
			return true
		}
	}
	return false
}

type testServer struct {
	*Server
	inbox        *inbox
	mu           sync.Mutex
	disconnected []string
}

func (s *testServer) Disconnected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.disconnected...)
}

func startServer(t *testing.T, cfg ServerConfig) *testServer {
	t.Helper()
	ts := &testServer{Server: NewServer(cfg, zap.NewNop()), inbox: &inbox{}}
	ts.SetHandler(ts.inbox.handle)
	ts.SetDisconnectHandler(func(id string) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.disconnected = append(ts.disconnected, id)
	})
	require.NoError(t, ts.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ts.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ts
}

func fastClientConfig(endpoint string) ClientConfig {
	cfg := DefaultClientConfig(endpoint)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func startClient(t *testing.T, cfg ClientConfig, deviceID string) (*Client, *inbox, context.CancelFunc) {
	t.Helper()
	in := &inbox{}
	c := NewClient(cfg, deviceID, 1234, in.handle, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return c, in, stop
}

func TestTransport_RegistrationAndHeartbeat(t *testing.T) {
	endpoint := Endpoint(socketDir(t))
	srv := startServer(t, DefaultServerConfig(endpoint))
	client, _, _ := startClient(t, fastClientConfig(endpoint), "dev-1")

	select {
	case <-client.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	require.Eventually(t, func() bool { return len(srv.inbox.all()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, srv.IsConnected("dev-1"))

	first := srv.inbox.all()[0]
	reg, ok := first.Payload.(SocketRegistration)
	require.True(t, ok, "registration is the first message")
	assert.Equal(t, uint32(1234), reg.PID)

	assert.Eventually(t, func() bool { return srv.inbox.has(KindHeartbeat) }, 2*time.Second, 5*time.Millisecond)
	conns := srv.Connected()
	require.Len(t, conns, 1)
	assert.Equal(t, "dev-1", conns[0].DeviceID)
	assert.Equal(t, ClientConnected, client.Status())
}

func TestTransport_BothDirections(t *testing.T) {
	endpoint := Endpoint(socketDir(t))
	srv := startServer(t, DefaultServerConfig(endpoint))
	client, clientInbox, _ := startClient(t, fastClientConfig(endpoint), "dev-1")
	require.Eventually(t, func() bool { return srv.IsConnected("dev-1") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Send("dev-1", NewCommand("dev-1", ActionStartScript, "daily")))
	require.Eventually(t, func() bool { return clientInbox.has(KindCommand) }, 2*time.Second, 5*time.Millisecond)

	result := NewMessage("dev-1", TypeStatus, ScriptExecutionResult{ScriptID: "daily", Success: true, DurationMs: 10})
	require.NoError(t, client.Send(context.Background(), result))
	require.Eventually(t, func() bool { return srv.inbox.has(KindScriptExecutionResult) }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, client.Log("info", "hello", "test"))
	assert.Eventually(t, func() bool { return srv.inbox.has(KindLogger) }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_SendToUnknownDevice(t *testing.T) {
	srv := startServer(t, DefaultServerConfig(Endpoint(socketDir(t))))
	err := srv.Send("ghost", NewCommand("ghost", ActionGetStatus, ""))
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestServer_DisconnectCallback(t *testing.T) {
	endpoint := Endpoint(socketDir(t))
	srv := startServer(t, DefaultServerConfig(endpoint))
	_, _, stop := startClient(t, fastClientConfig(endpoint), "dev-1")
	require.Eventually(t, func() bool { return srv.IsConnected("dev-1") }, 2*time.Second, 5*time.Millisecond)

	stop()
	require.Eventually(t, func() bool { return len(srv.Disconnected()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"dev-1"}, srv.Disconnected())
	assert.False(t, srv.IsConnected("dev-1"))
	assert.ErrorIs(t, srv.Send("dev-1", NewCommand("dev-1", ActionGetStatus, "")), ErrChannelNotFound)
}

func TestServer_SweepClosesSilentConnections(t *testing.T) {
	endpoint := Endpoint(socketDir(t))
	cfg := DefaultServerConfig(endpoint)
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.SweepInterval = 0
	srv := startServer(t, cfg)

	ccfg := fastClientConfig(endpoint)
	ccfg.HeartbeatInterval = time.Hour
	ccfg.MaxReconnectAttempts = 0
	startClient(t, ccfg, "quiet")
	require.Eventually(t, func() bool { return srv.IsConnected("quiet") }, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, srv.Sweep(), "fresh connection is not stale")
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, srv.Sweep())
	require.Eventually(t, func() bool { return len(srv.Disconnected()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_SweepDuringReRegistration(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := DefaultServerConfig(Endpoint(socketDir(t)))
	cfg.HeartbeatTimeout = time.Second
	srv := NewServer(cfg, zap.New(core))
	now := time.Now()
	srv.now = func() time.Time { return now }

	local, peer := net.Pipe()
	defer peer.Close()
	c := &serverConn{netConn: local, connectedAt: now, lastSeen: now.Add(-2 * time.Second)}
	srv.register(c, "cam-1", 7)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.register(c, "cam-1", 8)
	}()
	assert.Equal(t, 1, srv.Sweep())
	wg.Wait()

	timedOut := logs.FilterMessage("device heartbeat timed out").All()
	require.Len(t, timedOut, 1)
	assert.Equal(t, "cam-1", timedOut[0].ContextMap()["device_id"])

	_, err := peer.Write([]byte{0})
	assert.Error(t, err, "stale connection is closed")
}

func TestServer_ReRegistrationReplacesConnection(t *testing.T) {
	endpoint := Endpoint(socketDir(t))
	srv := startServer(t, DefaultServerConfig(endpoint))

	dial := func() net.Conn {
		conn, err := net.Dial("unix", endpoint)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, WriteMessage(conn, NewMessage("dev-1", TypeEvent, SocketRegistration{PID: 1})))
		return conn
	}
	first := dial()
	require.Eventually(t, func() bool { return srv.IsConnected("dev-1") }, 2*time.Second, 5*time.Millisecond)
	second := dial()
	require.Eventually(t, func() bool {
		conns := srv.Connected()
		return len(conns) == 1 && len(srv.inbox.all()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err := ReadFrame(first)
	assert.Error(t, err, "replaced connection is closed")
	assert.Empty(t, srv.Disconnected(), "replacing is not a disconnect")

	require.NoError(t, srv.Send("dev-1", NewCommand("dev-1", ActionGetStatus, "")))
	msg, err := ReadMessage(second)
	require.NoError(t, err)
	assert.Equal(t, TypeCommand, msg.Type)
}

func TestServer_DropsMessagesBeforeRegistration(t *testing.T) {
	endpoint := Endpoint(socketDir(t))
	srv := startServer(t, DefaultServerConfig(endpoint))

	conn, err := net.Dial("unix", endpoint)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, WriteMessage(conn, NewMessage("dev-1", TypeHeartbeat, Heartbeat{})))
	require.NoError(t, WriteMessage(conn, NewMessage("dev-1", TypeEvent, SocketRegistration{PID: 7})))

	require.Eventually(t, func() bool { return len(srv.inbox.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msgs := srv.inbox.all()
	assert.Equal(t, KindSocketRegistration, msgs[0].Payload.Kind())
}

func TestClient_ReconnectLimit(t *testing.T) {
	cfg := fastClientConfig(filepath.Join(socketDir(t), "missing.sock"))
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectDelay = time.Millisecond
	c := NewClient(cfg, "dev-1", 1, nil, zap.NewNop())

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, ClientError, c.Status())
}

func TestClient_ReconnectsToRestartedServer(t *testing.T) {
	dir := socketDir(t)
	endpoint := Endpoint(dir)
	first := NewServer(DefaultServerConfig(endpoint), zap.NewNop())
	require.NoError(t, first.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = first.Serve(ctx) }()

	startClient(t, fastClientConfig(endpoint), "dev-1")
	require.Eventually(t, func() bool { return first.IsConnected("dev-1") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	cancel()

	second := startServer(t, DefaultServerConfig(endpoint))
	assert.Eventually(t, func() bool { return second.IsConnected("dev-1") }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_SendAndLogWhileDisconnected(t *testing.T) {
	c := NewClient(fastClientConfig("/nonexistent.sock"), "dev-1", 1, nil, zap.NewNop())
	err := c.Send(context.Background(), NewMessage("dev-1", TypeHeartbeat, Heartbeat{}))
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.False(t, c.Log("info", "dropped", ""))
	assert.Equal(t, ClientDisconnected, c.Status())
}

func TestClient_LogRateLimited(t *testing.T) {
	cfg := fastClientConfig("unused")
	cfg.LogRate = 0.001
	cfg.LogBurst = 2
	c := NewClient(cfg, "dev-1", 1, nil, zap.NewNop())
	c.session = &session{
		commands: make(chan Message, 1),
		logs:     make(chan Message, 10),
		done:     make(chan struct{}),
	}

	assert.True(t, c.Log("info", "a", ""))
	assert.True(t, c.Log("info", "b", ""))
	assert.False(t, c.Log("info", "c", ""), "burst exhausted")
	assert.Len(t, c.session.logs, 2)
}

func TestClient_LogLaneFullDrops(t *testing.T) {
	cfg := fastClientConfig("unused")
	cfg.LogBurst = 100
	c := NewClient(cfg, "dev-1", 1, nil, zap.NewNop())
	c.session = &session{
		commands: make(chan Message, 1),
		logs:     make(chan Message, 1),
		done:     make(chan struct{}),
	}
	assert.True(t, c.Log("info", "a", ""))
	assert.False(t, c.Log("info", "b", ""))
}

func TestClient_SendLoopPrefersCommands(t *testing.T) {
	c := NewClient(fastClientConfig("unused"), "dev-1", 1, nil, zap.NewNop())
	s := &session{
		commands: make(chan Message, 10),
		logs:     make(chan Message, 10),
		done:     make(chan struct{}),
	}
	for i := 0; i < 3; i++ {
		s.logs <- NewMessage("dev-1", TypeLogger, LogEntry{Level: "info"})
	}
	for i := 0; i < 2; i++ {
		s.commands <- NewMessage("dev-1", TypeCommand, Command{Action: ActionGetStatus})
	}

	local, remote := net.Pipe()
	defer remote.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.sendLoop(ctx, local, s) }()

	var got []MessageType
	for i := 0; i < 5; i++ {
		msg, err := ReadMessage(remote)
		require.NoError(t, err)
		got = append(got, msg.Type)
	}
	assert.Equal(t, []MessageType{TypeCommand, TypeCommand, TypeLogger, TypeLogger, TypeLogger}, got)
}
