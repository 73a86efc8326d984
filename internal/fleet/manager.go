// Package fleet coordinates device connections, per-device task queues and
// the disconnect/reconnect policy.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/constellation/internal/config"
	"github.com/nidhogg/constellation/internal/connection"
	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/metrics"
	"github.com/nidhogg/constellation/internal/protocol"
	"github.com/nidhogg/constellation/internal/registry"
	"github.com/nidhogg/constellation/internal/router"
	"github.com/nidhogg/constellation/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDeviceFailed is returned when connecting a device whose retry budget is
// exhausted. It must be registered again to recover.
var ErrDeviceFailed = errors.New("device has failed permanently")

// job is one task submission waiting for, or holding, a device.
type job struct {
	ctx      context.Context
	deviceID string
	req      protocol.TaskRequest
	onStart  func()
	done     chan *protocol.ExecutionResult
	queuedAt time.Time
}

func (j *job) resolve(res *protocol.ExecutionResult) {
	metrics.TaskResults.WithLabelValues(strings.ToLower(string(res.Status)), res.Category()).Inc()
	j.done <- res
}

// QueueStatus describes the work held for one device.
type QueueStatus struct {
	DeviceID      string          `json:"device_id"`
	Status        registry.Status `json:"status"`
	CurrentTaskID string          `json:"current_task_id,omitempty"`
	Queued        []string        `json:"queued"`
	Reconnecting  bool            `json:"reconnecting"`
}

// Manager owns the device fleet.
type Manager struct {
	cfg      *config.FleetConfig
	registry *registry.Registry
	conns    *connection.Manager
	router   *router.MessageRouter
	bus      events.Publisher

	mu           sync.Mutex
	queues       map[string][]*job
	running      map[string]*job
	reconnecting map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// testHookRegistered runs after registration succeeds and before the
	// device is marked connected.
	testHookRegistered func(deviceID string)

	logger *zap.Logger
}

// NewManager wires a connection manager and message router around reg.
// bus may be nil.
func NewManager(cfg *config.FleetConfig, reg *registry.Registry, dialer transport.Dialer, bus events.Publisher, logger *zap.Logger) *Manager {
	if bus == nil {
		bus = nopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		registry:     reg,
		bus:          bus,
		queues:       make(map[string][]*job),
		running:      make(map[string]*job),
		reconnecting: make(map[string]context.CancelFunc),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}
	m.conns = connection.NewManager(dialer, cfg.RegistrationTimeout.Duration, logger.Named("connection"))
	m.router = router.New(m.conns, reg, router.Handlers{
		OnTaskEnd:    m.onTaskEnd,
		OnError:      m.onDeviceError,
		OnDisconnect: m.onDisconnect,
	}, logger.Named("router"))
	return m
}

// Registry returns the device registry.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Connections returns the connection manager.
func (m *Manager) Connections() *connection.Manager { return m.conns }

// RegisterDevice adds a device. A zero MaxRetries takes the fleet default.
func (m *Manager) RegisterDevice(reg registry.Registration) (registry.DeviceRecord, error) {
	if reg.MaxRetries == 0 {
		reg.MaxRetries = m.cfg.MaxRetries
	}
	return m.registry.Register(reg)
}

// ConnectDevice connects and registers a device. The manual path
// (isReconnect=false) counts the attempt; the reconnect loop keeps its own
// count. Any success resets the counter. A rejection is reported through
// the result, not the error.
func (m *Manager) ConnectDevice(ctx context.Context, deviceID string, isReconnect bool) (connection.RegistrationResult, error) {
	rec, ok := m.registry.Get(deviceID)
	if !ok {
		return connection.RegistrationResult{}, fmt.Errorf("connect %s: %w", deviceID, registry.ErrDeviceNotFound)
	}
	if rec.Status == registry.StatusFailed {
		return connection.RegistrationResult{}, fmt.Errorf("connect %s: %w", deviceID, ErrDeviceFailed)
	}
	if !isReconnect {
		if _, err := m.registry.IncrementAttempts(deviceID); err != nil {
			return connection.RegistrationResult{}, err
		}
	}

	m.mu.Lock()
	m.setStatusLocked(deviceID, registry.StatusConnecting)
	m.mu.Unlock()

	res, err := m.conns.Connect(ctx, rec, m.router)
	if err != nil || !res.Accepted {
		m.connectFailed(deviceID, isReconnect)
		return res, err
	}

	if m.testHookRegistered != nil {
		m.testHookRegistered(deviceID)
	}

	// A loss handled since Connect returned has already marked the device
	// disconnected and owns the reconnect loop; leave both alone.
	m.mu.Lock()
	swapped, err := m.registry.CompareAndSetStatus(deviceID, registry.StatusConnecting, registry.StatusConnected)
	if err != nil || !swapped {
		m.mu.Unlock()
		m.logger.Warn("device lost during registration", zap.String("device", deviceID))
		return connection.RegistrationResult{Reason: "connection lost during setup"}, err
	}
	metrics.DeviceStatusChanges.WithLabelValues(string(registry.StatusConnected)).Inc()
	m.mu.Unlock()
	if err := m.registry.ResetAttempts(deviceID); err != nil {
		return res, err
	}

	if m.cfg.FetchDeviceInfo {
		m.fetchInfo(ctx, deviceID)
	}

	m.mu.Lock()
	swapped, _ = m.registry.CompareAndSetStatus(deviceID, registry.StatusConnected, registry.StatusIdle)
	if !swapped {
		m.mu.Unlock()
		m.logger.Warn("device lost during connection setup", zap.String("device", deviceID))
		return connection.RegistrationResult{Reason: "connection lost during setup"}, nil
	}
	metrics.DeviceStatusChanges.WithLabelValues(string(registry.StatusIdle)).Inc()
	delete(m.reconnecting, deviceID)
	m.pumpLocked(deviceID)
	m.mu.Unlock()

	m.logger.Info("device connected",
		zap.String("device", deviceID),
		zap.Bool("reconnect", isReconnect))
	m.bus.Publish(ctx, events.Event{
		Type:     events.DeviceConnected,
		DeviceID: deviceID,
		Status:   string(registry.StatusIdle),
	})
	return res, nil
}

func (m *Manager) connectFailed(deviceID string, isReconnect bool) {
	m.mu.Lock()
	m.setStatusLocked(deviceID, registry.StatusDisconnected)
	var orphaned []*job
	if _, loop := m.reconnecting[deviceID]; !loop && !isReconnect {
		orphaned = m.queues[deviceID]
		delete(m.queues, deviceID)
		metrics.QueueDepth.WithLabelValues(deviceID).Set(0)
	}
	m.mu.Unlock()

	for _, j := range orphaned {
		j.resolve(protocol.Failed(j.req.TaskID, deviceID, protocol.CategoryUnavailable, "device failed to connect"))
	}
}

func (m *Manager) fetchInfo(ctx context.Context, deviceID string) {
	info, err := m.conns.RequestDeviceInfo(ctx, deviceID, m.cfg.DeviceInfoTimeout.Duration)
	if err != nil || info == nil {
		m.logger.Warn("device info unavailable", zap.String("device", deviceID), zap.Error(err))
		return
	}
	meta := make(map[string]string, len(info.Metadata))
	for k, v := range info.Metadata {
		meta[k] = fmt.Sprint(v)
	}
	if err := m.registry.MergeInfo(deviceID, info.OS, info.Capabilities, meta); err != nil {
		m.logger.Warn("merge device info", zap.String("device", deviceID), zap.Error(err))
	}
}

// ConnectAll connects every registered device that is not connected yet.
// Failures are logged and returned joined; one failure does not stop the
// others.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(8)
	for _, rec := range m.registry.WithStatus(registry.StatusDisconnected) {
		id := rec.DeviceID
		g.Go(func() error {
			res, err := m.ConnectDevice(ctx, id, false)
			if err == nil && !res.Accepted {
				err = fmt.Errorf("device %s rejected: %s", id, res.Reason)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				m.logger.Warn("initial connect failed", zap.String("device", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Submit hands a task to a device and returns a channel that receives
// exactly one result. onStart, if set, runs when the device actually starts
// the task. A busy or reconnecting device queues the task in FIFO order; a
// failed, unknown or never-connected device fails it immediately.
func (m *Manager) Submit(ctx context.Context, deviceID string, req protocol.TaskRequest, onStart func()) <-chan *protocol.ExecutionResult {
	j := &job{
		ctx:      ctx,
		deviceID: deviceID,
		req:      req,
		onStart:  onStart,
		done:     make(chan *protocol.ExecutionResult, 1),
		queuedAt: time.Now(),
	}

	m.mu.Lock()
	status, err := m.registry.Status(deviceID)
	if err != nil {
		m.mu.Unlock()
		j.resolve(protocol.Failed(req.TaskID, deviceID, protocol.CategoryUnavailable, err.Error()))
		return j.done
	}
	_, reconnecting := m.reconnecting[deviceID]

	switch {
	case status == registry.StatusIdle && m.running[deviceID] == nil:
		m.startLocked(j)
	case status == registry.StatusIdle, status == registry.StatusBusy,
		status == registry.StatusConnecting, status == registry.StatusConnected,
		status == registry.StatusDisconnected && reconnecting:
		m.queues[deviceID] = append(m.queues[deviceID], j)
		metrics.QueueDepth.WithLabelValues(deviceID).Set(float64(len(m.queues[deviceID])))
		m.logger.Debug("task queued",
			zap.String("device", deviceID),
			zap.String("task", req.TaskID),
			zap.Int("depth", len(m.queues[deviceID])))
	default:
		m.mu.Unlock()
		j.resolve(protocol.Failed(req.TaskID, deviceID, protocol.CategoryUnavailable,
			fmt.Sprintf("device %s is %s", deviceID, status)))
		return j.done
	}
	m.mu.Unlock()
	return j.done
}

// AssignTask is Submit that waits for the result.
func (m *Manager) AssignTask(ctx context.Context, deviceID string, req protocol.TaskRequest) *protocol.ExecutionResult {
	return <-m.Submit(ctx, deviceID, req, nil)
}

// startLocked marks the device busy and runs j. Caller holds m.mu.
func (m *Manager) startLocked(j *job) {
	m.running[j.deviceID] = j
	m.setStatusLocked(j.deviceID, registry.StatusBusy)
	_ = m.registry.SetCurrentTask(j.deviceID, j.req.TaskID)
	m.wg.Add(1)
	go m.execute(j)
}

func (m *Manager) execute(j *job) {
	defer m.wg.Done()

	var res *protocol.ExecutionResult
	if err := j.ctx.Err(); err != nil {
		res = protocol.Failed(j.req.TaskID, j.deviceID, protocol.CategoryCancelled, err.Error())
	} else {
		if j.onStart != nil {
			j.onStart()
		}
		res = m.conns.SendTask(j.ctx, j.deviceID, j.req, m.cfg.TaskTimeout.Duration)
	}
	m.logger.Info("task finished",
		zap.String("device", j.deviceID),
		zap.String("task", j.req.TaskID),
		zap.String("status", string(res.Status)),
		zap.String("category", res.Category()))

	m.finish(j)
	j.resolve(res)
}

// finish releases the device and starts the next queued task.
func (m *Manager) finish(j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[j.deviceID] != j {
		return
	}
	delete(m.running, j.deviceID)
	_ = m.registry.SetCurrentTask(j.deviceID, "")

	status, err := m.registry.Status(j.deviceID)
	if err != nil {
		return
	}
	if status == registry.StatusBusy {
		m.setStatusLocked(j.deviceID, registry.StatusIdle)
	}
	// A reconnect may have made the device idle while j was still resolving.
	m.pumpLocked(j.deviceID)
}

// pumpLocked starts the head of the queue on an idle device.
func (m *Manager) pumpLocked(deviceID string) {
	if m.running[deviceID] != nil {
		return
	}
	status, err := m.registry.Status(deviceID)
	if err != nil || status != registry.StatusIdle {
		return
	}
	q := m.queues[deviceID]
	if len(q) == 0 {
		return
	}
	next := q[0]
	m.queues[deviceID] = q[1:]
	metrics.QueueDepth.WithLabelValues(deviceID).Set(float64(len(q) - 1))
	m.startLocked(next)
}

func (m *Manager) setStatusLocked(deviceID string, status registry.Status) registry.Status {
	prev, err := m.registry.SetStatus(deviceID, status)
	if err == nil && prev != status {
		metrics.DeviceStatusChanges.WithLabelValues(string(status)).Inc()
	}
	return prev
}

func (m *Manager) onTaskEnd(deviceID string, res *protocol.ExecutionResult) {
	m.bus.Publish(m.ctx, events.Event{
		Type:     events.DeviceTaskResult,
		DeviceID: deviceID,
		TaskID:   res.TaskID,
		Status:   string(res.Status),
		Error:    res.Error,
	})
}

func (m *Manager) onDeviceError(deviceID, reason string) {
	m.bus.Publish(m.ctx, events.Event{
		Type:     events.DeviceError,
		DeviceID: deviceID,
		Error:    reason,
	})
}

// onDisconnect handles the end of a read loop. Loops for connections that
// were already replaced or deliberately closed are ignored.
func (m *Manager) onDisconnect(deviceID string, conn transport.Conn, err error) {
	if !m.conns.IsCurrent(deviceID, conn) {
		m.logger.Debug("ignoring stale connection close", zap.String("device", deviceID))
		return
	}
	reason := "connection closed"
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		reason = err.Error()
	}
	m.handleLoss(deviceID, reason)
}

// handleLoss marks the device disconnected, fails everything waiting on it
// right away and starts the reconnect loop.
func (m *Manager) handleLoss(deviceID, reason string) {
	m.mu.Lock()
	m.setStatusLocked(deviceID, registry.StatusDisconnected)
	queued := m.queues[deviceID]
	delete(m.queues, deviceID)
	metrics.QueueDepth.WithLabelValues(deviceID).Set(0)
	_, looping := m.reconnecting[deviceID]
	if m.ctx.Err() != nil {
		looping = true
	}
	var (
		loopCtx    context.Context
		loopCancel context.CancelFunc
	)
	if !looping {
		loopCtx, loopCancel = context.WithCancel(m.ctx)
		m.reconnecting[deviceID] = loopCancel
	}
	m.mu.Unlock()

	m.logger.Warn("device disconnected", zap.String("device", deviceID), zap.String("reason", reason))

	// The running task's handle is among those cancelled here.
	_ = m.conns.Disconnect(deviceID, reason)
	for _, j := range queued {
		j.resolve(protocol.DisconnectedResult(j.req.TaskID, deviceID, reason))
	}

	m.bus.Publish(m.ctx, events.Event{
		Type:     events.DeviceDisconnected,
		DeviceID: deviceID,
		Status:   string(registry.StatusDisconnected),
		Error:    reason,
	})

	if !looping {
		m.wg.Add(1)
		go m.reconnectLoop(loopCtx, loopCancel, deviceID)
	}
}

// reconnectLoop retries up to the device's max_retries, waiting
// reconnect_delay before each attempt. Exhausting the budget is terminal.
func (m *Manager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, deviceID string) {
	defer m.wg.Done()
	defer cancel()

	rec, ok := m.registry.Get(deviceID)
	if !ok {
		m.stopReconnecting(deviceID)
		return
	}
	delay := m.cfg.ReconnectDelay.Duration

	for attempt := 1; attempt <= rec.MaxRetries; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		res, err := m.ConnectDevice(ctx, deviceID, true)
		if err == nil && res.Accepted {
			metrics.ReconnectAttempts.WithLabelValues("success").Inc()
			m.logger.Info("device reconnected",
				zap.String("device", deviceID),
				zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, registry.ErrDeviceNotFound) || errors.Is(err, ErrDeviceFailed) || ctx.Err() != nil {
			m.stopReconnecting(deviceID)
			return
		}
		metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		reason := res.Reason
		if err != nil {
			reason = err.Error()
		}
		m.logger.Warn("reconnect attempt failed",
			zap.String("device", deviceID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", rec.MaxRetries),
			zap.String("reason", reason))
	}

	m.mu.Lock()
	delete(m.reconnecting, deviceID)
	queued := m.queues[deviceID]
	delete(m.queues, deviceID)
	metrics.QueueDepth.WithLabelValues(deviceID).Set(0)
	m.setStatusLocked(deviceID, registry.StatusFailed)
	m.mu.Unlock()

	metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
	m.logger.Error("device failed after exhausting reconnect attempts",
		zap.String("device", deviceID),
		zap.Int("max_retries", rec.MaxRetries))
	for _, j := range queued {
		j.resolve(protocol.Failed(j.req.TaskID, deviceID, protocol.CategoryUnavailable,
			fmt.Sprintf("device %s failed after %d reconnect attempts", deviceID, rec.MaxRetries)))
	}
	m.bus.Publish(m.ctx, events.Event{
		Type:     events.DeviceFailed,
		DeviceID: deviceID,
		Status:   string(registry.StatusFailed),
	})
}

func (m *Manager) stopReconnecting(deviceID string) {
	m.mu.Lock()
	cancel, ok := m.reconnecting[deviceID]
	delete(m.reconnecting, deviceID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// DisconnectDevice closes a device on request. No reconnect is attempted;
// the running task and the queue fail as disconnected.
func (m *Manager) DisconnectDevice(deviceID string) error {
	if _, ok := m.registry.Get(deviceID); !ok {
		return fmt.Errorf("disconnect %s: %w", deviceID, registry.ErrDeviceNotFound)
	}
	m.stopReconnecting(deviceID)

	const reason = "disconnected by request"
	// Removing the connection first makes the router's close callback stale.
	err := m.conns.Disconnect(deviceID, reason)

	m.mu.Lock()
	m.setStatusLocked(deviceID, registry.StatusDisconnected)
	queued := m.queues[deviceID]
	delete(m.queues, deviceID)
	metrics.QueueDepth.WithLabelValues(deviceID).Set(0)
	m.mu.Unlock()

	for _, j := range queued {
		j.resolve(protocol.DisconnectedResult(j.req.TaskID, deviceID, reason))
	}
	m.bus.Publish(m.ctx, events.Event{
		Type:     events.DeviceDisconnected,
		DeviceID: deviceID,
		Status:   string(registry.StatusDisconnected),
		Error:    reason,
	})
	return err
}

// DeviceStatus returns a copy of the device record.
func (m *Manager) DeviceStatus(deviceID string) (registry.DeviceRecord, error) {
	rec, ok := m.registry.Get(deviceID)
	if !ok {
		return registry.DeviceRecord{}, fmt.Errorf("device %s: %w", deviceID, registry.ErrDeviceNotFound)
	}
	return rec, nil
}

// QueueStatus returns the running and queued task ids of a device.
func (m *Manager) QueueStatus(deviceID string) (QueueStatus, error) {
	rec, err := m.DeviceStatus(deviceID)
	if err != nil {
		return QueueStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := QueueStatus{
		DeviceID: deviceID,
		Status:   rec.Status,
		Queued:   make([]string, 0, len(m.queues[deviceID])),
	}
	if j := m.running[deviceID]; j != nil {
		qs.CurrentTaskID = j.req.TaskID
	}
	for _, j := range m.queues[deviceID] {
		qs.Queued = append(qs.Queued, j.req.TaskID)
	}
	_, qs.Reconnecting = m.reconnecting[deviceID]
	return qs, nil
}

// Load returns the number of running plus queued tasks for a device.
func (m *Manager) Load(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queues[deviceID])
	if m.running[deviceID] != nil {
		n++
	}
	return n
}

// Devices returns copies of every device record.
func (m *Manager) Devices() []registry.DeviceRecord { return m.registry.List() }

// ConnectedDevices returns devices that can take work now.
func (m *Manager) ConnectedDevices() []registry.DeviceRecord {
	return m.registry.WithStatus(registry.StatusIdle, registry.StatusBusy)
}

// Shutdown stops reconnect loops, closes every connection and waits for
// in-flight work to resolve.
func (m *Manager) Shutdown() {
	m.cancel()
	m.conns.Close()
	m.wg.Wait()
	m.router.Wait()
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}
