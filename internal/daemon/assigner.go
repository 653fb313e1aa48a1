package daemon

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/usecase"
)

// ScriptAssigner is the part of the device manager that binds scripts.
type ScriptAssigner interface {
	GetDevice(deviceID string) (usecase.Device, error)
	AssignScript(ctx context.Context, scriptID, deviceID string, replaceCurrent bool) error
}

var _ ScriptAssigner = (*usecase.DeviceManager)(nil)

// AssignWhenOnline binds the configured scripts of each device as soon as
// the device comes online. Devices already online are handled first, the
// rest when a device.status event reports them. It returns once every
// device was handled, updates is closed or ctx is done.
func AssignWhenOnline(
	ctx context.Context,
	dm ScriptAssigner,
	updates <-chan domain.Event,
	assignments map[string][]string,
	logger *zap.Logger,
) {
	pending := make(map[string][]string, len(assignments))
	for id, scripts := range assignments {
		pending[id] = scripts
	}

	try := func(deviceID string) {
		dev, err := dm.GetDevice(deviceID)
		if err != nil || !dev.Status.IsOnline() {
			return
		}
		for _, scriptID := range pending[deviceID] {
			if err := dm.AssignScript(ctx, scriptID, deviceID, false); err != nil {
				logger.Warn("failed to assign configured script",
					zap.String("device_id", deviceID),
					zap.String("script_id", scriptID),
					zap.Error(err))
			}
		}
		delete(pending, deviceID)
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		try(id)
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if ev.Type != domain.EventDeviceStatus {
				continue
			}
			if _, ok := pending[ev.DeviceID]; ok {
				try(ev.DeviceID)
			}
		}
	}
}
