// Package router owns the read loop of every device connection and
// dispatches inbound frames to completion handles or handler callbacks.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/constellation/internal/connection"
	"github.com/nidhogg/constellation/internal/protocol"
	"github.com/nidhogg/constellation/internal/transport"
	"go.uber.org/zap"
)

// ErrAlreadyAttached is returned when a connection already has a reader.
var ErrAlreadyAttached = errors.New("connection already has a reader")

// Resolver completes pending requests. *connection.Manager implements it.
type Resolver interface {
	ResolveRegistration(deviceID, responseID string, res connection.RegistrationResult) bool
	ResolveTask(deviceID, responseID string, res *protocol.ExecutionResult) bool
	ResolveDeviceInfo(deviceID, responseID string, info *protocol.DeviceInfo, err error) bool
	ResolvePing(deviceID, responseID string, err error) bool
	ResolveError(deviceID, responseID, reason string) bool
}

// HeartbeatSink records inbound heartbeats. *registry.Registry implements it.
type HeartbeatSink interface {
	TouchHeartbeat(deviceID string, at time.Time) error
}

// Handlers are optional callbacks for traffic that has no waiting handle.
type Handlers struct {
	// OnTaskEnd sees every terminal TASK_END, matched or not. The result
	// is shared with the waiting caller and must not be modified.
	OnTaskEnd func(deviceID string, res *protocol.ExecutionResult)
	// OnError sees ERROR frames that matched no pending request.
	OnError func(deviceID, reason string)
	// OnDisconnect runs once when a read loop ends.
	OnDisconnect func(deviceID string, conn transport.Conn, err error)
}

// MessageRouter runs one read loop per attached connection.
type MessageRouter struct {
	resolver   Resolver
	heartbeats HeartbeatSink
	handlers   Handlers

	mu       sync.Mutex
	attached map[transport.Conn]string
	wg       sync.WaitGroup

	logger *zap.Logger
}

// New creates a MessageRouter.
func New(resolver Resolver, heartbeats HeartbeatSink, handlers Handlers, logger *zap.Logger) *MessageRouter {
	return &MessageRouter{
		resolver:   resolver,
		heartbeats: heartbeats,
		handlers:   handlers,
		attached:   make(map[transport.Conn]string),
		logger:     logger,
	}
}

// Attach starts the read loop for conn. It is the only call that may ever
// read from conn.
func (mr *MessageRouter) Attach(deviceID string, conn transport.Conn) error {
	mr.mu.Lock()
	if owner, ok := mr.attached[conn]; ok {
		mr.mu.Unlock()
		return fmt.Errorf("attach %s: %w (owned by %s)", deviceID, ErrAlreadyAttached, owner)
	}
	mr.attached[conn] = deviceID
	mr.wg.Add(1)
	mr.mu.Unlock()

	go mr.readLoop(deviceID, conn)
	return nil
}

// Active returns the number of running read loops.
func (mr *MessageRouter) Active() int {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return len(mr.attached)
}

// Wait blocks until every read loop has exited.
func (mr *MessageRouter) Wait() { mr.wg.Wait() }

func (mr *MessageRouter) readLoop(deviceID string, conn transport.Conn) {
	defer mr.wg.Done()

	var cause error
	defer func() {
		if p := recover(); p != nil {
			cause = fmt.Errorf("read loop panic: %v", p)
			mr.logger.Error("router panic", zap.String("device", deviceID), zap.Any("panic", p))
		}
		mr.mu.Lock()
		delete(mr.attached, conn)
		mr.mu.Unlock()
		mr.disconnected(deviceID, conn, cause)
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			var decodeErr *transport.DecodeError
			if errors.As(err, &decodeErr) {
				mr.logger.Warn("dropping undecodable frame",
					zap.String("device", deviceID),
					zap.Error(decodeErr.Err))
				continue
			}
			cause = err
			return
		}
		mr.dispatch(deviceID, msg)
	}
}

func (mr *MessageRouter) disconnected(deviceID string, conn transport.Conn, err error) {
	if errors.Is(err, transport.ErrClosed) {
		mr.logger.Info("connection closed", zap.String("device", deviceID))
	} else {
		mr.logger.Warn("connection lost", zap.String("device", deviceID), zap.Error(err))
	}
	if mr.handlers.OnDisconnect != nil {
		mr.handlers.OnDisconnect(deviceID, conn, err)
	}
}

func (mr *MessageRouter) dispatch(deviceID string, msg *protocol.ServerMessage) {
	switch msg.Type {
	case protocol.ServerHeartbeat:
		mr.onHeartbeat(deviceID, msg)
	case protocol.ServerError:
		mr.onError(deviceID, msg)
	case protocol.ServerTaskEnd:
		mr.onTaskEnd(deviceID, msg)
	case protocol.ServerDeviceInfoResponse:
		mr.onDeviceInfo(deviceID, msg)
	case protocol.ServerTask, protocol.ServerDeviceInfoRequest:
		mr.logger.Debug("ignoring device-initiated request",
			zap.String("device", deviceID),
			zap.String("type", string(msg.Type)))
	default:
		mr.logger.Warn("unhandled message type",
			zap.String("device", deviceID),
			zap.String("type", string(msg.Type)))
	}
}

func (mr *MessageRouter) onHeartbeat(deviceID string, msg *protocol.ServerMessage) {
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if err := mr.heartbeats.TouchHeartbeat(deviceID, at); err != nil {
		mr.logger.Debug("heartbeat for unknown device", zap.String("device", deviceID))
	}

	if mr.resolver.ResolveRegistration(deviceID, msg.ResponseID, connection.RegistrationResult{
		Accepted:  msg.Status != protocol.StatusError,
		Reason:    msg.Error,
		SessionID: msg.SessionID,
	}) {
		return
	}
	if msg.ResponseID != "" {
		var err error
		if msg.Status == protocol.StatusError {
			err = fmt.Errorf("%w: %s", connection.ErrDeviceError, msg.Error)
		}
		mr.resolver.ResolvePing(deviceID, msg.ResponseID, err)
	}
}

func (mr *MessageRouter) onError(deviceID string, msg *protocol.ServerMessage) {
	reason := msg.Error
	if reason == "" {
		reason = "unspecified device error"
	}
	if mr.resolver.ResolveRegistration(deviceID, msg.ResponseID, connection.RegistrationResult{Reason: reason}) {
		return
	}
	if mr.resolver.ResolveError(deviceID, msg.ResponseID, reason) {
		return
	}
	mr.logger.Warn("device error",
		zap.String("device", deviceID),
		zap.String("response_id", msg.ResponseID),
		zap.String("error", reason))
	if mr.handlers.OnError != nil {
		mr.handlers.OnError(deviceID, reason)
	}
}

func (mr *MessageRouter) onTaskEnd(deviceID string, msg *protocol.ServerMessage) {
	if msg.Status == protocol.StatusContinue {
		mr.logger.Debug("task progress", zap.String("device", deviceID), zap.String("response_id", msg.ResponseID))
		return
	}
	res := taskResult(deviceID, msg)
	if !mr.resolver.ResolveTask(deviceID, msg.ResponseID, res) {
		mr.logger.Warn("TASK_END without pending task",
			zap.String("device", deviceID),
			zap.String("response_id", msg.ResponseID))
	}
	if mr.handlers.OnTaskEnd != nil {
		mr.handlers.OnTaskEnd(deviceID, res)
	}
}

func (mr *MessageRouter) onDeviceInfo(deviceID string, msg *protocol.ServerMessage) {
	var (
		info *protocol.DeviceInfo
		err  error
	)
	if msg.Status == protocol.StatusError {
		err = fmt.Errorf("%w: %s", connection.ErrDeviceError, msg.Error)
	} else {
		info = &protocol.DeviceInfo{}
		if len(msg.Result) > 0 {
			if uerr := json.Unmarshal(msg.Result, info); uerr != nil {
				info, err = nil, fmt.Errorf("decode device info: %w", uerr)
			}
		}
		if info != nil && info.DeviceID == "" {
			info.DeviceID = deviceID
		}
	}
	if !mr.resolver.ResolveDeviceInfo(deviceID, msg.ResponseID, info, err) {
		mr.logger.Debug("device info without pending request",
			zap.String("device", deviceID),
			zap.String("response_id", msg.ResponseID))
	}
}

// taskResult converts a terminal TASK_END into an ExecutionResult.
// The task id is filled in by the resolver from the pending handle.
func taskResult(deviceID string, msg *protocol.ServerMessage) *protocol.ExecutionResult {
	finished := msg.Timestamp
	if finished.IsZero() {
		finished = time.Now()
	}
	res := &protocol.ExecutionResult{
		DeviceID:   deviceID,
		Status:     protocol.ResultCompleted,
		Metadata:   map[string]any{protocol.MetaDeviceID: deviceID},
		FinishedAt: finished,
	}
	for k, v := range msg.Metadata {
		res.Metadata[k] = v
	}

	payload, err := msg.DecodedResult()
	if err != nil {
		res.Status = protocol.ResultFailed
		res.Error = err.Error()
		res.Metadata[protocol.MetaErrorCategory] = protocol.CategoryDevice
		return res
	}
	res.Result = payload

	if msg.Status == protocol.StatusError {
		res.Status = protocol.ResultFailed
		res.Error = msg.Error
		if res.Error == "" {
			res.Error = "device reported failure"
		}
		res.Metadata[protocol.MetaErrorCategory] = protocol.CategoryDevice
	}
	return res
}
