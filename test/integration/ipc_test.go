//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/daemon"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/script"
	"github.com/eliteGoblin/devorch/test/fixtures"
)

// mailbox collects what the orchestrator side receives.
type mailbox struct {
	mu   sync.Mutex
	msgs []ipc.Message
}

func (m *mailbox) handle(msg ipc.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

func (m *mailbox) statuses(scriptID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.msgs {
		if p, ok := msg.Payload.(ipc.ScriptStatusUpdate); ok && p.ScriptID == scriptID {
			out = append(out, p.Status)
		}
	}
	return out
}

func (m *mailbox) results(scriptID string) []ipc.ScriptExecutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ipc.ScriptExecutionResult
	for _, msg := range m.msgs {
		if p, ok := msg.Payload.(ipc.ScriptExecutionResult); ok && p.ScriptID == scriptID {
			out = append(out, p)
		}
	}
	return out
}

func (m *mailbox) count(kind ipc.PayloadKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.Payload.Kind() == kind {
			n++
		}
	}
	return n
}

// shortSocketDir keeps the socket path under the sun_path limit.
func shortSocketDir() string {
	dir, err := os.MkdirTemp("", "orch")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)
	return dir
}

var _ = Describe("Device protocol over the socket", func() {
	const deviceID = "cam-1"

	var (
		server *ipc.Server
		inbox  *mailbox
		device *daemon.DeviceRuntime
		client *ipc.Client
		cancel context.CancelFunc
		done   sync.WaitGroup
	)

	BeforeEach(func() {
		endpoint := filepath.Join(shortSocketDir(), "orch.sock")
		logger := zap.NewNop()

		inbox = &mailbox{}
		server = ipc.NewServer(ipc.DefaultServerConfig(endpoint), logger)
		server.SetHandler(inbox.handle)
		Expect(server.Listen()).To(Succeed())

		runner := &fixtures.TimedRunner{
			Duration: 400 * time.Millisecond,
			Fail:     map[string]bool{"/opt/scripts/broken.sh": true},
		}
		device = daemon.NewDeviceRuntime(
			daemon.RuntimeConfig{StatsInterval: 100 * time.Millisecond, SendTimeout: time.Second, StopGrace: time.Second},
			deviceID, runner, fixtures.NewDeviceHost(runner, logger), zap.NewAtomicLevel(), logger)
		client = ipc.NewClient(fixtures.FastClientConfig(endpoint), deviceID, 4242, device.HandleMessage, logger)
		client.SetHeartbeatSource(device.Heartbeat)
		device.SetChannel(client)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done.Add(3)
		go func() { defer done.Done(); _ = server.Serve(ctx) }()
		go func() { defer done.Done(); _ = client.Run(ctx) }()
		go func() { defer done.Done(); _ = device.Run(ctx) }()

		Eventually(client.Connected(), 2*time.Second).Should(BeClosed())
		Eventually(func() bool { return server.IsConnected(deviceID) }, 2*time.Second).Should(BeTrue())
	})

	AfterEach(func() {
		cancel()
		_ = server.Close()
		done.Wait()
	})

	add := func(id, path string) {
		Expect(server.Send(deviceID, ipc.NewMessage(deviceID, ipc.TypeCommand, ipc.Command{
			Action:   ipc.ActionAddScript,
			ScriptID: id,
			Script:   &ipc.ScriptSpec{ID: id, Name: id, Path: path, TimeoutSeconds: 10},
		}))).To(Succeed())
	}

	It("registers and keeps the connection alive", func() {
		Eventually(func() int { return inbox.count(ipc.KindSocketRegistration) }, time.Second).Should(Equal(1))
		Eventually(func() int { return inbox.count(ipc.KindHeartbeat) }, 2*time.Second).Should(BeNumerically(">=", 2))
		Eventually(func() int { return inbox.count(ipc.KindDeviceStats) }, 2*time.Second).Should(BeNumerically(">=", 1))

		conns := server.Connected()
		Expect(conns).To(HaveLen(1))
		Expect(conns[0].PID).To(Equal(uint32(4242)))
	})

	It("runs a script to a successful result", func() {
		add("ocr", "/opt/scripts/ocr.sh")
		Expect(server.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionStartScript, "ocr"))).To(Succeed())

		Eventually(func() []ipc.ScriptExecutionResult { return inbox.results("ocr") }, 3*time.Second).
			Should(HaveLen(1))
		res := inbox.results("ocr")[0]
		Expect(res.Success).To(BeTrue())
		Expect(res.Error).To(BeEmpty())
		Expect(inbox.statuses("ocr")).To(Equal([]string{string(script.StatusRunning), string(script.StatusStopped)}))
		Expect(device.Running()).To(BeEmpty())
	})

	It("reports a failing script as an error", func() {
		add("broken", "/opt/scripts/broken.sh")
		Expect(server.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionStartScript, "broken"))).To(Succeed())

		Eventually(func() []ipc.ScriptExecutionResult { return inbox.results("broken") }, 3*time.Second).
			Should(HaveLen(1))
		res := inbox.results("broken")[0]
		Expect(res.Success).To(BeFalse())
		Expect(res.Error).To(ContainSubstring("exited with status 1"))
		Expect(inbox.statuses("broken")).To(ContainElement(string(script.StatusError)))
	})

	It("refuses a second script while one is running", func() {
		add("ocr", "/opt/scripts/ocr.sh")
		add("upload", "/opt/scripts/upload.sh")
		Expect(server.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionStartScript, "ocr"))).To(Succeed())
		Eventually(func() []string { return inbox.statuses("ocr") }, 2*time.Second).
			Should(ContainElement(string(script.StatusRunning)))

		Expect(server.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionStartScript, "upload"))).To(Succeed())
		Eventually(func() []ipc.ScriptExecutionResult { return inbox.results("upload") }, 2*time.Second).
			Should(HaveLen(1))
		Expect(inbox.results("upload")[0].Error).To(Equal("device already running a script"))

		Eventually(func() []ipc.ScriptExecutionResult { return inbox.results("ocr") }, 3*time.Second).
			Should(HaveLen(1))
		Expect(inbox.results("ocr")[0].Success).To(BeTrue())
	})

	It("reports a stopped script as cancelled", func() {
		add("ocr", "/opt/scripts/ocr.sh")
		Expect(server.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionStartScript, "ocr"))).To(Succeed())
		Eventually(func() []string { return inbox.statuses("ocr") }, 2*time.Second).
			Should(ContainElement(string(script.StatusRunning)))

		Expect(server.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionStopScript, "ocr"))).To(Succeed())
		Eventually(func() []ipc.ScriptExecutionResult { return inbox.results("ocr") }, 2*time.Second).
			Should(HaveLen(1))
		res := inbox.results("ocr")[0]
		Expect(res.Success).To(BeFalse())
		Expect(res.Error).To(Equal(ipc.ResultCancelled))
	})
})
