//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/cpu"
	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/events"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/process"
	"github.com/eliteGoblin/devorch/internal/scheduler"
	"github.com/eliteGoblin/devorch/internal/script"
	"github.com/eliteGoblin/devorch/internal/usecase"
	"github.com/eliteGoblin/devorch/test/fixtures"
)

func uniformTopology(n int) *cpu.Topology {
	topo := &cpu.Topology{PhysicalCores: n, LogicalCores: n}
	for i := 0; i < n; i++ {
		topo.Cores = append(topo.Cores, cpu.PhysicalCore{
			CoreID:     i,
			Type:       cpu.CoreStandard,
			LogicalIDs: []int{i},
		})
	}
	return topo
}

// eventLog drains a bus subscription.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) follow(ch <-chan domain.Event) {
	for ev := range ch {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	}
}

func (l *eventLog) results(scriptID string) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Type == domain.EventScriptResult && ev.ScriptID == scriptID {
			out = append(out, ev)
		}
	}
	return out
}

var _ = Describe("Orchestrator", func() {
	var (
		dm        *usecase.DeviceManager
		sched     *scheduler.Scheduler
		server    *ipc.Server
		host      *fixtures.DeviceHost
		allocator *cpu.Allocator
		processes *process.Manager
		log       *eventLog
		cancel    context.CancelFunc
		loops     sync.WaitGroup
	)

	BeforeEach(func() {
		endpoint := filepath.Join(shortSocketDir(), "orch.sock")
		logger := zap.NewNop()

		host = fixtures.NewDeviceHost(&fixtures.TimedRunner{
			Duration: 400 * time.Millisecond,
			Fail:     map[string]bool{"/opt/scripts/broken.sh": true},
		}, logger)
		allocator = cpu.NewAllocator(uniformTopology(8), logger)
		processes = process.NewManager(allocator, process.NewMemoryManagerWithTotal(8192), host, host, logger)
		processes.SetReadyPollInterval(10 * time.Millisecond)

		cfg := scheduler.DefaultConfig()
		cfg.CheckInterval = 50 * time.Millisecond
		cfg.EnableAutoRetry = false
		var err error
		sched, err = scheduler.New(cfg, nil, logger)
		Expect(err).NotTo(HaveOccurred())

		server = ipc.NewServer(ipc.DefaultServerConfig(endpoint), logger)
		build := func(spec usecase.DeviceSpec, cores int) process.Config {
			pc := process.DefaultConfig("", spec.ID, cores)
			pc.Program = "devorch"
			pc.MemoryMB = 256
			pc.StartupTimeout = 5 * time.Second
			pc.ShutdownTimeout = time.Second
			pc.IPCEndpoint = endpoint
			return pc
		}
		dm = usecase.NewDeviceManager(usecase.DefaultConfig(), processes, sched, server, build, logger)
		sched.SetDispatcher(dm)
		server.SetHandler(dm.HandleMessage)
		server.SetDisconnectHandler(dm.HandleDisconnect)

		bus := events.NewBus(logger)
		dm.SetEventPublisher(bus)
		log = &eventLog{}
		updates, _ := bus.Subscribe(256)
		go log.follow(updates)
		DeferCleanup(bus.Close)

		Expect(server.Listen()).To(Succeed())
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		loops.Add(2)
		go func() { defer loops.Done(); _ = server.Serve(ctx) }()
		go func() { defer loops.Done(); _ = sched.Run(ctx) }()
		Expect(sched.Start()).To(Succeed())
	})

	AfterEach(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		sched.Stop()
		dm.Shutdown(shutdownCtx)
		processes.Shutdown(shutdownCtx)
		cancel()
		_ = server.Close()
		loops.Wait()
	})

	addScript := func(id string) {
		info := script.New(id, id, "", "/opt/scripts/"+id+".sh")
		info.Config.TimeoutSeconds = 30
		Expect(sched.RegisterScript(info)).To(Succeed())
	}

	register := func(id string) usecase.Device {
		dev, err := dm.RegisterDevice(context.Background(), usecase.DeviceSpec{ID: id})
		Expect(err).NotTo(HaveOccurred())
		return dev
	}

	deviceStatus := func(id string) domain.DeviceStatus {
		dev, err := dm.GetDevice(id)
		if err != nil {
			return ""
		}
		return dev.Status
	}

	scriptStatus := func(id string) script.Status {
		st, err := dm.GetScriptStatus(id)
		if err != nil {
			return ""
		}
		return st.Status
	}

	It("brings a registered device online on its own cores", func() {
		a := register("cam-1")
		b := register("cam-2")

		Expect(a.Cores).To(HaveLen(2))
		Expect(b.Cores).To(HaveLen(2))
		for _, c := range a.Cores {
			Expect(b.Cores).NotTo(ContainElement(c))
		}
		Eventually(func() domain.DeviceStatus { return deviceStatus("cam-1") }, 2*time.Second).
			Should(Equal(domain.DeviceIdle))
		Eventually(func() bool { return server.IsConnected("cam-2") }, 2*time.Second).Should(BeTrue())
		Expect(host.Running()).To(Equal(2))
	})

	It("runs a queued script on its device and records the result", func() {
		register("cam-1")
		addScript("ocr")
		Expect(dm.AssignScript(context.Background(), "ocr", "cam-1", false)).To(Succeed())

		Expect(sched.StartScript("ocr")).To(Succeed())

		Eventually(func() script.Status { return scriptStatus("ocr") }, 2*time.Second).
			Should(Equal(script.StatusRunning))
		Eventually(func() uint64 { return sched.Stats().SuccessfulTasks }, 3*time.Second).
			Should(Equal(uint64(1)))
		Expect(scriptStatus("ocr")).To(Equal(script.StatusStopped))

		Eventually(func() []domain.Event { return log.results("ocr") }, time.Second).Should(HaveLen(1))
		dev, err := dm.GetDevice("cam-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(dev.RunningScript).To(BeEmpty())
	})

	It("counts a failing script as failed", func() {
		register("cam-1")
		addScript("broken")
		Expect(dm.AssignScript(context.Background(), "broken", "cam-1", false)).To(Succeed())

		Expect(sched.StartScript("broken")).To(Succeed())

		Eventually(func() uint64 { return sched.Stats().FailedTasks }, 3*time.Second).
			Should(Equal(uint64(1)))
		Expect(sched.Stats().SuccessfulTasks).To(BeZero())
		Eventually(func() script.Status { return scriptStatus("broken") }, time.Second).
			Should(Equal(script.StatusError))
	})

	It("refuses a second start while the device is busy", func() {
		register("cam-1")
		addScript("ocr")
		addScript("upload")
		ctx := context.Background()
		Expect(dm.AssignScript(ctx, "ocr", "cam-1", false)).To(Succeed())
		Expect(dm.AssignScript(ctx, "upload", "cam-1", false)).To(Succeed())

		Expect(dm.StartScript(ctx, "ocr")).To(Succeed())
		Expect(dm.StartScript(ctx, "upload")).To(MatchError(usecase.ErrDeviceBusy))

		Eventually(func() []domain.Event { return log.results("ocr") }, 3*time.Second).Should(HaveLen(1))
		Expect(dm.StartScript(ctx, "upload")).To(Succeed())
	})

	It("stops a running script as cancelled", func() {
		register("cam-1")
		addScript("ocr")
		ctx := context.Background()
		Expect(dm.AssignScript(ctx, "ocr", "cam-1", false)).To(Succeed())
		Expect(dm.StartScript(ctx, "ocr")).To(Succeed())
		Eventually(func() script.Status { return scriptStatus("ocr") }, 2*time.Second).
			Should(Equal(script.StatusRunning))

		Expect(dm.StopScript(ctx, "ocr")).To(Succeed())

		Eventually(func() []domain.Event { return log.results("ocr") }, 2*time.Second).Should(HaveLen(1))
		res, ok := log.results("ocr")[0].Payload.(ipc.ScriptExecutionResult)
		Expect(ok).To(BeTrue())
		Expect(res.Error).To(Equal(ipc.ResultCancelled))
		Expect(scriptStatus("ocr")).To(Equal(script.StatusStopped))
	})

	It("releases cores and ends the device on unregister", func() {
		register("cam-1")
		Eventually(func() domain.DeviceStatus { return deviceStatus("cam-1") }, 2*time.Second).
			Should(Equal(domain.DeviceIdle))
		Expect(allocator.Allocations()).To(HaveLen(1))

		Expect(dm.UnregisterDevice(context.Background(), "cam-1")).To(Succeed())

		_, err := dm.GetDevice("cam-1")
		Expect(err).To(MatchError(usecase.ErrDeviceNotFound))
		Expect(allocator.Allocations()).To(BeEmpty())
		Eventually(host.Running, 2*time.Second).Should(BeZero())
	})
})
