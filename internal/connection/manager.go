// Package connection owns outbound device connections and the completion
// handles that correlate requests with replies.
//
// The manager never reads from a connection. Every reply is delivered by the
// message router, which is the single reader of each connection, through the
// Resolve* methods.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/constellation/internal/metrics"
	"github.com/nidhogg/constellation/internal/protocol"
	"github.com/nidhogg/constellation/internal/registry"
	"github.com/nidhogg/constellation/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("device not connected")
	ErrDisconnected = errors.New("device disconnected")
	ErrTimeout      = errors.New("request timed out")
	ErrDeviceError  = errors.New("device reported error")
)

// Reader takes ownership of reading a freshly opened connection.
type Reader interface {
	Attach(deviceID string, conn transport.Conn) error
}

// RegistrationResult is the outcome of the REGISTER handshake. A rejection is
// a value, not an error.
type RegistrationResult struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type registration struct {
	requestID string
	h         *handle[RegistrationResult]
}

type infoReply struct {
	info *protocol.DeviceInfo
	err  error
}

// Manager owns one connection per device.
type Manager struct {
	dialer              transport.Dialer
	registrationTimeout time.Duration

	mu            sync.Mutex
	conns         map[string]transport.Conn
	sessions      map[string]string
	registrations map[string]*registration
	tasks         handleTable[*protocol.ExecutionResult]
	infos         handleTable[infoReply]
	pings         handleTable[error]

	logger *zap.Logger
}

// NewManager creates a connection manager.
func NewManager(dialer transport.Dialer, registrationTimeout time.Duration, logger *zap.Logger) *Manager {
	if registrationTimeout <= 0 {
		registrationTimeout = 10 * time.Second
	}
	return &Manager{
		dialer:              dialer,
		registrationTimeout: registrationTimeout,
		conns:               make(map[string]transport.Conn),
		sessions:            make(map[string]string),
		registrations:       make(map[string]*registration),
		tasks:               make(handleTable[*protocol.ExecutionResult]),
		infos:               make(handleTable[infoReply]),
		pings:               make(handleTable[error]),
		logger:              logger,
	}
}

// Connect dials the device, hands the connection to reader before anything
// is sent, then performs the REGISTER handshake.
//
// The returned error is reserved for transport failures and cancellation.
// Rejections and handshake timeouts come back as Accepted=false.
func (m *Manager) Connect(ctx context.Context, rec registry.DeviceRecord, reader Reader) (RegistrationResult, error) {
	conn, err := m.dialer.Dial(ctx, rec.ServerURL)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("connect %s: %w", rec.DeviceID, err)
	}

	requestID := uuid.New().String()
	reg := &registration{requestID: requestID, h: newHandle[RegistrationResult]("")}

	// A stale connection for the same device is torn down first so its
	// handles fail instead of waiting on a reader that is about to stop.
	m.mu.Lock()
	_, hadOld := m.conns[rec.DeviceID]
	m.mu.Unlock()
	if hadOld {
		_ = m.Disconnect(rec.DeviceID, "superseded by a newer connection")
		m.logger.Debug("replaced stale connection", zap.String("device", rec.DeviceID))
	}

	m.mu.Lock()
	m.conns[rec.DeviceID] = conn
	m.registrations[rec.DeviceID] = reg
	m.mu.Unlock()

	// The reader must be in place before REGISTER goes out, or the reply
	// could arrive with nobody listening.
	if err := reader.Attach(rec.DeviceID, conn); err != nil {
		m.abandon(rec.DeviceID, conn, reg)
		return RegistrationResult{}, fmt.Errorf("attach reader for %s: %w", rec.DeviceID, err)
	}

	msg := &protocol.ClientMessage{
		Type:      protocol.ClientRegister,
		Status:    protocol.StatusOK,
		DeviceID:  rec.DeviceID,
		RequestID: requestID,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"capabilities": rec.Capabilities,
		},
	}
	if err := conn.Send(ctx, msg); err != nil {
		m.abandon(rec.DeviceID, conn, reg)
		return RegistrationResult{}, fmt.Errorf("send register to %s: %w", rec.DeviceID, err)
	}

	timer := time.NewTimer(m.registrationTimeout)
	defer timer.Stop()

	var res RegistrationResult
	select {
	case res = <-reg.h.ch:
	case <-timer.C:
		res = RegistrationResult{Reason: fmt.Sprintf("registration timed out after %s", m.registrationTimeout)}
	case <-ctx.Done():
		m.abandon(rec.DeviceID, conn, reg)
		return RegistrationResult{}, ctx.Err()
	}

	if !res.Accepted {
		m.abandon(rec.DeviceID, conn, reg)
		m.logger.Warn("device registration rejected",
			zap.String("device", rec.DeviceID),
			zap.String("reason", res.Reason))
		return res, nil
	}

	m.mu.Lock()
	if res.SessionID != "" {
		m.sessions[rec.DeviceID] = res.SessionID
	}
	m.mu.Unlock()

	m.logger.Info("device registered",
		zap.String("device", rec.DeviceID),
		zap.String("session", res.SessionID))
	return res, nil
}

// abandon drops a half-open connection after a failed handshake.
func (m *Manager) abandon(deviceID string, conn transport.Conn, reg *registration) {
	m.mu.Lock()
	if cur, ok := m.registrations[deviceID]; ok && cur == reg {
		delete(m.registrations, deviceID)
	}
	if m.conns[deviceID] == conn {
		delete(m.conns, deviceID)
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// ResolveRegistration completes a pending handshake. A non-empty responseID
// must match the REGISTER request id. Reports whether a handle was resolved.
func (m *Manager) ResolveRegistration(deviceID, responseID string, res RegistrationResult) bool {
	m.mu.Lock()
	reg, ok := m.registrations[deviceID]
	if !ok || (responseID != "" && responseID != reg.requestID) {
		m.mu.Unlock()
		return false
	}
	delete(m.registrations, deviceID)
	m.mu.Unlock()

	reg.h.resolve(res)
	return true
}

// SendHeartbeat writes a HEARTBEAT without waiting for a reply.
func (m *Manager) SendHeartbeat(ctx context.Context, deviceID string) error {
	conn, err := m.conn(deviceID)
	if err != nil {
		return err
	}
	return conn.Send(ctx, &protocol.ClientMessage{
		Type:      protocol.ClientHeartbeat,
		Status:    protocol.StatusOK,
		DeviceID:  deviceID,
		SessionID: m.session(deviceID),
		Timestamp: time.Now(),
	})
}

// Ping writes a HEARTBEAT carrying a request id and waits for the correlated
// HEARTBEAT reply.
func (m *Manager) Ping(ctx context.Context, deviceID string, timeout time.Duration) error {
	requestID := uuid.New().String()
	h := newHandle[error]("")

	m.mu.Lock()
	conn, ok := m.conns[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("ping %s: %w", deviceID, ErrNotConnected)
	}
	m.pings.add(deviceID, requestID, h)
	m.mu.Unlock()

	err := conn.Send(ctx, &protocol.ClientMessage{
		Type:      protocol.ClientHeartbeat,
		Status:    protocol.StatusOK,
		DeviceID:  deviceID,
		SessionID: m.session(deviceID),
		RequestID: requestID,
		Timestamp: time.Now(),
	})
	if err != nil {
		m.takePing(deviceID, requestID)
		return fmt.Errorf("ping %s: %w", deviceID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-h.ch:
		return err
	case <-timer.C:
		m.takePing(deviceID, requestID)
		return fmt.Errorf("ping %s: %w", deviceID, ErrTimeout)
	case <-ctx.Done():
		m.takePing(deviceID, requestID)
		return ctx.Err()
	}
}

func (m *Manager) takePing(deviceID, requestID string) {
	m.mu.Lock()
	m.pings.take(deviceID, requestID)
	m.mu.Unlock()
}

// ResolvePing completes a pending ping.
func (m *Manager) ResolvePing(deviceID, responseID string, err error) bool {
	m.mu.Lock()
	h, ok := m.pings.take(deviceID, responseID)
	m.mu.Unlock()
	if ok {
		h.resolve(err)
	}
	return ok
}

// SendTask writes a TASK frame and waits for its TASK_END. It never returns
// an error: timeouts, send failures and disconnects come back as FAILED
// results with a category in the metadata.
func (m *Manager) SendTask(ctx context.Context, deviceID string, req protocol.TaskRequest, timeout time.Duration) *protocol.ExecutionResult {
	started := time.Now()
	requestID := uuid.New().String()
	h := newHandle[*protocol.ExecutionResult](req.TaskID)

	m.mu.Lock()
	conn, ok := m.conns[deviceID]
	if !ok {
		m.mu.Unlock()
		r := protocol.DisconnectedResult(req.TaskID, deviceID, "not connected")
		r.StartedAt = started
		return r
	}
	m.tasks.add(deviceID, requestID, h)
	m.mu.Unlock()

	err := conn.Send(ctx, &protocol.ClientMessage{
		Type:      protocol.ClientTask,
		Status:    protocol.StatusContinue,
		DeviceID:  deviceID,
		SessionID: m.session(deviceID),
		RequestID: requestID,
		TaskID:    req.TaskID,
		TaskName:  req.Name,
		Request:   req.Description,
		Hints:     req.Hints,
		Metadata:  req.Metadata,
		Timestamp: time.Now(),
	})
	if err != nil {
		m.takeTask(deviceID, requestID)
		r := protocol.Failed(req.TaskID, deviceID, protocol.CategorySendFailed, fmt.Sprintf("send task: %v", err))
		r.StartedAt = started
		return r
	}
	metrics.TasksDispatched.WithLabelValues(deviceID).Inc()
	m.logger.Debug("task sent",
		zap.String("device", deviceID),
		zap.String("task", req.TaskID),
		zap.String("request", requestID))

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var res *protocol.ExecutionResult
	select {
	case got := <-h.ch:
		// The router may still hold got for notifications.
		cp := *got
		res = &cp
	case <-timeoutC:
		m.takeTask(deviceID, requestID)
		res = protocol.TimeoutResult(req.TaskID, deviceID, timeout)
		m.logger.Warn("task timed out",
			zap.String("device", deviceID),
			zap.String("task", req.TaskID),
			zap.Duration("timeout", timeout))
	case <-ctx.Done():
		m.takeTask(deviceID, requestID)
		res = protocol.Failed(req.TaskID, deviceID, protocol.CategoryCancelled, ctx.Err().Error())
	}
	res.StartedAt = started
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	return res
}

func (m *Manager) takeTask(deviceID, requestID string) {
	m.mu.Lock()
	m.tasks.take(deviceID, requestID)
	m.mu.Unlock()
}

// ResolveTask completes the task handle matching responseID.
func (m *Manager) ResolveTask(deviceID, responseID string, res *protocol.ExecutionResult) bool {
	m.mu.Lock()
	h, ok := m.tasks.take(deviceID, responseID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	res.TaskID = h.label
	if res.DeviceID == "" {
		res.DeviceID = deviceID
	}
	h.resolve(res)
	return true
}

// RequestDeviceInfo asks the device to describe itself. A nil info with an
// error is returned on timeout, disconnect or device error.
func (m *Manager) RequestDeviceInfo(ctx context.Context, deviceID string, timeout time.Duration) (*protocol.DeviceInfo, error) {
	requestID := uuid.New().String()
	h := newHandle[infoReply]("")

	m.mu.Lock()
	conn, ok := m.conns[deviceID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("device info %s: %w", deviceID, ErrNotConnected)
	}
	m.infos.add(deviceID, requestID, h)
	m.mu.Unlock()

	err := conn.Send(ctx, &protocol.ClientMessage{
		Type:      protocol.ClientDeviceInfoRequest,
		Status:    protocol.StatusOK,
		DeviceID:  deviceID,
		SessionID: m.session(deviceID),
		RequestID: requestID,
		Timestamp: time.Now(),
	})
	if err != nil {
		m.takeInfo(deviceID, requestID)
		return nil, fmt.Errorf("device info %s: %w", deviceID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-h.ch:
		return r.info, r.err
	case <-timer.C:
		m.takeInfo(deviceID, requestID)
		return nil, fmt.Errorf("device info %s: %w", deviceID, ErrTimeout)
	case <-ctx.Done():
		m.takeInfo(deviceID, requestID)
		return nil, ctx.Err()
	}
}

func (m *Manager) takeInfo(deviceID, requestID string) {
	m.mu.Lock()
	m.infos.take(deviceID, requestID)
	m.mu.Unlock()
}

// ResolveDeviceInfo completes the info handle matching responseID.
func (m *Manager) ResolveDeviceInfo(deviceID, responseID string, info *protocol.DeviceInfo, err error) bool {
	m.mu.Lock()
	h, ok := m.infos.take(deviceID, responseID)
	m.mu.Unlock()
	if ok {
		h.resolve(infoReply{info: info, err: err})
	}
	return ok
}

// ResolveError fails whichever pending request responseID belongs to.
func (m *Manager) ResolveError(deviceID, responseID, reason string) bool {
	if responseID == "" {
		return false
	}
	devErr := fmt.Errorf("%w: %s", ErrDeviceError, reason)

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.tasks.take(deviceID, responseID); ok {
		h.resolve(protocol.Failed(h.label, deviceID, protocol.CategoryDevice, reason))
		return true
	}
	if h, ok := m.infos.take(deviceID, responseID); ok {
		h.resolve(infoReply{err: devErr})
		return true
	}
	if h, ok := m.pings.take(deviceID, responseID); ok {
		h.resolve(devErr)
		return true
	}
	return false
}

// CancelPending resolves every outstanding handle for the device right away
// with a connection error. Returns how many were resolved.
func (m *Manager) CancelPending(deviceID, reason string) int {
	m.mu.Lock()
	reg, hasReg := m.registrations[deviceID]
	delete(m.registrations, deviceID)
	tasks := m.tasks.drain(deviceID)
	infos := m.infos.drain(deviceID)
	pings := m.pings.drain(deviceID)
	m.mu.Unlock()

	n := 0
	if hasReg {
		reg.h.resolve(RegistrationResult{Reason: reason})
		metrics.HandlesCancelled.WithLabelValues("registration").Inc()
		n++
	}
	for _, h := range tasks {
		h.resolve(protocol.DisconnectedResult(h.label, deviceID, reason))
		metrics.HandlesCancelled.WithLabelValues("task").Inc()
		n++
	}
	discErr := fmt.Errorf("%w: %s", ErrDisconnected, reason)
	for _, h := range infos {
		h.resolve(infoReply{err: discErr})
		metrics.HandlesCancelled.WithLabelValues("device_info").Inc()
		n++
	}
	for _, h := range pings {
		h.resolve(discErr)
		metrics.HandlesCancelled.WithLabelValues("heartbeat").Inc()
		n++
	}
	if n > 0 {
		m.logger.Info("cancelled pending requests",
			zap.String("device", deviceID),
			zap.Int("count", n),
			zap.String("reason", reason))
	}
	return n
}

// Disconnect cancels every pending handle for the device, then closes and
// forgets its connection.
func (m *Manager) Disconnect(deviceID, reason string) error {
	m.CancelPending(deviceID, reason)

	m.mu.Lock()
	conn, ok := m.conns[deviceID]
	delete(m.conns, deviceID)
	delete(m.sessions, deviceID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close %s: %w", deviceID, err)
	}
	return nil
}

// IsConnected reports whether a connection is held for the device.
func (m *Manager) IsConnected(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[deviceID]
	return ok
}

// IsCurrent reports whether conn is the connection currently held for the
// device. Stale read loops use this to ignore their own shutdown.
func (m *Manager) IsCurrent(deviceID string, conn transport.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conns[deviceID]
	return ok && cur == conn
}

// HasPendingRegistration reports whether a handshake is in flight.
func (m *Manager) HasPendingRegistration(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registrations[deviceID]
	return ok
}

// PendingCount returns the number of outstanding task, info and ping handles.
func (m *Manager) PendingCount(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks.count(deviceID) + m.infos.count(deviceID) + m.pings.count(deviceID)
}

// Close disconnects every device.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Disconnect(id, "shutting down")
	}
}

func (m *Manager) conn(deviceID string) (transport.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotConnected)
	}
	return c, nil
}

func (m *Manager) session(deviceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[deviceID]
}
