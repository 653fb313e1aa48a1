package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/api"
	"github.com/eliteGoblin/devorch/internal/config"
	"github.com/eliteGoblin/devorch/internal/cpu"
	"github.com/eliteGoblin/devorch/internal/daemon"
	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/events"
	"github.com/eliteGoblin/devorch/internal/infra"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/process"
	"github.com/eliteGoblin/devorch/internal/scheduler"
	"github.com/eliteGoblin/devorch/internal/script"
	"github.com/eliteGoblin/devorch/internal/tracing"
	"github.com/eliteGoblin/devorch/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Runs the orchestrator in the foreground: the device socket, the
scheduler loop, the process supervisor and the HTTP endpoint for metrics
and the JSON API. Devices listed in the config are started right away.`,
	RunE: runServe,
}

// shutdownGrace bounds how long devices get to stop on exit.
const shutdownGrace = 30 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, _ := newLogger(cfg.Log.Level, cfg.Log.Path, true)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Output:         cfg.Tracing.Output,
		ServiceName:    "devorch",
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	// CPU and process layer
	topology, err := cpu.NewDetector().Detect()
	if err != nil {
		return fmt.Errorf("failed to detect CPU topology: %w", err)
	}
	allocator := cpu.NewAllocator(topology, logger)
	memory, err := process.NewMemoryManager()
	if err != nil {
		return err
	}
	pm := infra.NewProcessManager()
	processes := process.NewManager(allocator, memory, process.NewLauncher(process.NewNativeAffinity(), logger), pm, logger)
	processes.SetAllocationPolicy(cpu.ParsePolicy(cfg.Orchestrator.AllocationPriority))

	logger.Info("orchestrator starting",
		zap.String("version", Version),
		zap.Int("physical_cores", topology.PhysicalCores),
		zap.Int("logical_cores", topology.LogicalCores),
		zap.Bool("hybrid", topology.IsHybrid),
		zap.Uint64("memory_mb", memory.TotalMB()))

	// Persistence
	var store domain.HistoryStore
	if cfg.History.Enabled {
		hs, err := openHistory(cfg.DataDir)
		if err != nil {
			return err
		}
		defer hs.Close()
		store = hs
	}

	// Scheduler and scripts
	sched, err := scheduler.New(cfg.Scheduler, nil, logger)
	if err != nil {
		return err
	}
	if store != nil {
		sched.SetHistory(store)
	}
	loadScripts(sched, cfg.ScriptsDir, logger)

	// Device manager over the IPC server
	ipcServer := ipc.NewServer(cfg.ServerConfig(), logger)
	build, err := daemon.NewDeviceConfigBuilder(cfg.DeviceOptions(configPath))
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	dm := usecase.NewDeviceManager(cfg.DeviceManagerConfig(), processes, sched, ipcServer, build, logger)
	sched.SetDispatcher(dm)
	ipcServer.SetHandler(dm.HandleMessage)
	ipcServer.SetDisconnectHandler(dm.HandleDisconnect)

	bus := events.NewBus(logger)
	defer bus.Close()
	publishers := events.Multi{bus}
	var redisBus *events.RedisBus
	if cfg.Events.RedisAddr != "" {
		rc := events.DefaultRedisConfig(cfg.Events.RedisAddr)
		rc.Channel = cfg.Events.Channel
		redisBus = events.NewRedisBus(rc, logger)
		publishers = append(publishers, redisBus)
	}
	dm.SetEventPublisher(publishers)

	supervisor := daemon.NewSupervisor(cfg.SupervisorConfig(), processes, pm, store, logger)
	supervisor.SetDeviceView(dm)
	if n := supervisor.KillOrphans(); n > 0 {
		logger.Warn("killed device processes left by a previous run", zap.Int("count", n))
	}

	if err := ipcServer.Listen(); err != nil {
		return err
	}

	// The IPC server outlives the other loops so devices can be told to
	// shut down.
	ipcCtx, cancelIPC := context.WithCancel(context.Background())
	defer cancelIPC()

	var (
		wg     sync.WaitGroup
		ipcWG  sync.WaitGroup
		failed = make(chan error, 1)
	)
	goRun := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component failed", zap.String("component", name), zap.Error(err))
				select {
				case failed <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	goRun(&ipcWG, "ipc", func() error { return ipcServer.Serve(ipcCtx) })
	goRun(&wg, "scheduler", func() error { return sched.Run(ctx) })
	goRun(&wg, "supervisor", func() error { return supervisor.Run(ctx) })
	goRun(&wg, "monitor", func() error {
		process.NewMonitor(processes, pm, memory.TotalMB(), cfg.Orchestrator.HealthCheckInterval, logger).Run(ctx)
		return nil
	})
	if redisBus != nil {
		goRun(&wg, "events", func() error { return redisBus.Run(ctx) })
	}
	if cfg.Metrics.Listen != "" {
		server := api.NewServer(cfg.Metrics.Listen, dm, sched, logger)
		goRun(&wg, "http", func() error { return server.Run(ctx) })
	}

	if err := sched.Start(); err != nil {
		return err
	}

	updates, unsubscribe := bus.Subscribe(0)
	goRun(&wg, "assigner", func() error {
		defer unsubscribe()
		daemon.AssignWhenOnline(ctx, dm, updates, cfg.Assignments(), logger)
		return nil
	})
	for _, spec := range cfg.DeviceSpecs() {
		if _, err := dm.RegisterDevice(ctx, spec); err != nil {
			logger.Error("failed to register device", zap.String("device_id", spec.ID), zap.Error(err))
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-failed:
		stop()
	}

	sched.Stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	dm.Shutdown(shutdownCtx)
	processes.Shutdown(shutdownCtx)
	supervisor.Forget()

	cancelIPC()
	if err := ipcServer.Close(); err != nil {
		logger.Warn("failed to close ipc server", zap.Error(err))
	}
	ipcWG.Wait()

	logger.Info("orchestrator stopped")
	return runErr
}

func openHistory(dataDir string) (*infra.HistoryStore, error) {
	key, err := infra.EnsureKey(infra.ResolveKeyProvider(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load history key: %w", err)
	}
	return infra.NewHistoryStore(dataDir, key)
}

// loadScripts registers every manifest under dir. Broken manifests are
// logged and skipped.
func loadScripts(sched *scheduler.Scheduler, dir string, logger *zap.Logger) {
	if _, err := os.Stat(dir); err != nil {
		logger.Info("no scripts directory", zap.String("dir", dir))
		return
	}
	infos, err := script.LoadDir(dir)
	if err != nil {
		logger.Warn("some script manifests failed to load", zap.Error(err))
	}
	for _, info := range infos {
		if err := sched.RegisterScript(info); err != nil {
			logger.Warn("failed to register script", zap.String("script_id", info.ID), zap.Error(err))
			continue
		}
		logger.Info("script registered",
			zap.String("script_id", info.ID),
			zap.String("priority", info.Priority.String()),
			zap.Bool("scheduled", info.Schedule.Enabled))
	}
}
