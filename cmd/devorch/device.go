package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/config"
	"github.com/eliteGoblin/devorch/internal/daemon"
	"github.com/eliteGoblin/devorch/internal/infra"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/process"
)

// Hidden device command - used for self-exec when the orchestrator spawns
// device processes
var deviceCmd = &cobra.Command{
	Use:    daemon.DeviceCommand,
	Hidden: true,
	RunE:   runDevice,
}

var deviceID string

func init() {
	deviceCmd.Flags().StringVar(&deviceID, "id", "", "Device id")
}

func runDevice(cmd *cobra.Command, args []string) error {
	if deviceID == "" {
		return errors.New("--id is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The orchestrator's init payload wins over the config file.
	endpoint := cfg.Endpoint()
	level := cfg.Log.Level
	if payload, err := process.ReadInitPayload(); err == nil {
		if payload.IPCEndpoint != "" {
			endpoint = payload.IPCEndpoint
		}
		if payload.LogLevel != "" {
			level = payload.LogLevel
		}
	}

	logPath := filepath.Join(filepath.Dir(cfg.Log.Path), fmt.Sprintf("device-%s.log", deviceID))
	logger, atom := newLogger(level, logPath, false)
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	rt := daemon.NewDeviceRuntime(daemon.DefaultRuntimeConfig(), deviceID, daemon.NewExecRunner(pm), pm, atom, logger)
	client := ipc.NewClient(cfg.ClientConfig(endpoint), deviceID, uint32(os.Getpid()), rt.HandleMessage, logger)
	client.SetHeartbeatSource(rt.Heartbeat)
	rt.SetChannel(client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientCtx, cancelClient := context.WithCancel(context.Background())
	clientDone := make(chan error, 1)
	go func() {
		err := client.Run(clientCtx)
		if err != nil {
			// Without a channel the device has nothing to do.
			stop()
		}
		clientDone <- err
	}()

	err = rt.Run(ctx)
	cancelClient()
	clientErr := <-clientDone

	logger.Info("device exiting", zap.String("device_id", deviceID))
	if clientErr != nil {
		return clientErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
