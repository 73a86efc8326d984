package fleet

import (
	"context"
	"time"

	"github.com/nidhogg/constellation/internal/registry"
	"go.uber.org/zap"
)

// BeatFunc sends one heartbeat to a device.
type BeatFunc func(ctx context.Context, deviceID string) error

// ListFunc returns the devices that should receive heartbeats.
type ListFunc func() []string

// Heartbeat periodically sends HEARTBEAT frames to connected devices.
// Failures, including unanswered pings, are logged; connection loss itself
// is detected by the router's read loop.
type Heartbeat struct {
	interval time.Duration
	beatFn   BeatFunc
	listFn   ListFunc
	logger   *zap.Logger
}

// NewHeartbeat creates a heartbeat loop.
func NewHeartbeat(interval time.Duration, beatFn BeatFunc, listFn ListFunc, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		beatFn:   beatFn,
		listFn:   listFn,
		logger:   logger,
	}
}

// Heartbeat returns a heartbeat loop for the fleet's live devices. With a
// heartbeat timeout configured each beat is a ping awaiting the reply.
func (m *Manager) Heartbeat() *Heartbeat {
	beat := m.conns.SendHeartbeat
	if timeout := m.cfg.HeartbeatTimeout.Duration; timeout > 0 {
		beat = func(ctx context.Context, deviceID string) error {
			return m.conns.Ping(ctx, deviceID, timeout)
		}
	}
	return NewHeartbeat(m.cfg.HeartbeatInterval.Duration,
		beat,
		func() []string {
			recs := m.registry.WithStatus(registry.StatusConnected, registry.StatusIdle, registry.StatusBusy)
			ids := make([]string, 0, len(recs))
			for _, r := range recs {
				ids = append(ids, r.DeviceID)
			}
			return ids
		},
		m.logger.Named("heartbeat"))
}

// FireNow sends a heartbeat to every listed device and returns how many
// were sent.
func (h *Heartbeat) FireNow(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	fired := 0
	for _, id := range h.listFn() {
		if err := h.beatFn(ctx, id); err != nil {
			h.logger.Warn("heartbeat failed",
				zap.String("device", id),
				zap.Error(err))
			continue
		}
		fired++
	}
	return fired
}

// Run fires every interval until ctx is done. A non-positive interval
// disables the loop.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := h.FireNow(ctx)
			h.logger.Debug("heartbeat tick", zap.Int("devices", n))
		}
	}
}
