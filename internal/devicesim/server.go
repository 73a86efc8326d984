// Package devicesim is a websocket device endpoint speaking the device
// protocol. It backs the `constellation device` command and the end-to-end
// tests.
package devicesim

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/constellation/internal/protocol"
	"go.uber.org/zap"
)

// Task is what the executor receives.
type Task struct {
	ID          string
	Name        string
	Description string
	Hints       []string
	Metadata    map[string]any
}

// Executor runs one task on the simulated device.
type Executor interface {
	Execute(ctx context.Context, task Task) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (any, error) { return f(ctx, task) }

// Echo returns the task it was given.
func Echo(delay time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, t Task) (any, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return map[string]any{"task_id": t.ID, "name": t.Name, "description": t.Description}, nil
	})
}

// Options configure a simulated device.
type Options struct {
	OS           string
	Capabilities []string
	Metadata     map[string]any
	Executor     Executor

	// Reject, when set, refuses every registration with this reason.
	Reject string
	// IgnoreHeartbeats and IgnoreInfo leave those requests unanswered.
	IgnoreHeartbeats bool
	IgnoreInfo       bool
}

// Server accepts device-protocol connections over websocket.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	reject   string

	registrations atomic.Int64
	tasks         atomic.Int64

	logger *zap.Logger
}

// New creates a Server. A nil Executor means Echo(0).
func New(opts Options, logger *zap.Logger) *Server {
	if opts.Executor == nil {
		opts.Executor = Echo(0)
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
		reject:   opts.Reject,
		logger:   logger,
	}
}

// SetReject changes the registration policy for new registrations. An
// empty reason accepts.
func (s *Server) SetReject(reason string) {
	s.mu.Lock()
	s.reject = reason
	s.mu.Unlock()
}

// Registrations returns how many registrations were accepted.
func (s *Server) Registrations() int { return int(s.registrations.Load()) }

// TasksRun returns how many tasks reached the executor.
func (s *Server) TasksRun() int { return int(s.tasks.Load()) }

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Kick drops every open connection without a close handshake, the way a
// crashed device would, and returns how many were dropped.
func (s *Server) Kick() int {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()
	for _, sess := range list {
		sess.cancel()
		_ = sess.ws.Close()
	}
	return len(list)
}

// ServeHTTP upgrades the request and serves the device protocol until the
// peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{srv: s, ws: ws, cancel: cancel}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		cancel()
		sess.wg.Wait()
		_ = ws.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	sess.serve(ctx)
}

type session struct {
	srv    *Server
	ws     *websocket.Conn
	cancel context.CancelFunc

	writeMu   sync.Mutex
	deviceID  string
	sessionID string
	wg        sync.WaitGroup
}

func (c *session) serve(ctx context.Context) {
	log := c.srv.logger
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug("device connection closed", zap.String("device", c.deviceID), zap.Error(err))
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			log.Warn("undecodable frame", zap.Error(err))
			c.reply(&protocol.ServerMessage{Type: protocol.ServerError, Status: protocol.StatusError, Error: err.Error()})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *session) handle(ctx context.Context, msg *protocol.ClientMessage) {
	opts := c.srv.opts
	switch msg.Type {
	case protocol.ClientRegister:
		c.srv.mu.Lock()
		reject := c.srv.reject
		c.srv.mu.Unlock()
		if reject != "" {
			c.reply(&protocol.ServerMessage{
				Type:       protocol.ServerError,
				Status:     protocol.StatusError,
				ResponseID: msg.RequestID,
				Error:      reject,
			})
			return
		}
		c.deviceID = msg.DeviceID
		c.sessionID = uuid.New().String()
		c.srv.registrations.Add(1)
		c.srv.logger.Info("device registered",
			zap.String("device", msg.DeviceID),
			zap.String("session", c.sessionID))
		c.reply(&protocol.ServerMessage{
			Type:       protocol.ServerHeartbeat,
			Status:     protocol.StatusOK,
			ResponseID: msg.RequestID,
			SessionID:  c.sessionID,
		})

	case protocol.ClientHeartbeat:
		if opts.IgnoreHeartbeats {
			return
		}
		c.reply(&protocol.ServerMessage{
			Type:       protocol.ServerHeartbeat,
			Status:     protocol.StatusOK,
			ResponseID: msg.RequestID,
		})

	case protocol.ClientDeviceInfoRequest:
		if opts.IgnoreInfo {
			return
		}
		info, _ := json.Marshal(protocol.DeviceInfo{
			DeviceID:     msg.DeviceID,
			OS:           opts.OS,
			Capabilities: opts.Capabilities,
			Metadata:     opts.Metadata,
		})
		c.reply(&protocol.ServerMessage{
			Type:       protocol.ServerDeviceInfoResponse,
			Status:     protocol.StatusOK,
			ResponseID: msg.RequestID,
			Result:     info,
		})

	case protocol.ClientTask:
		if c.sessionID == "" {
			c.reply(&protocol.ServerMessage{
				Type:       protocol.ServerError,
				Status:     protocol.StatusError,
				ResponseID: msg.RequestID,
				Error:      "device is not registered",
			})
			return
		}
		c.wg.Add(1)
		go c.runTask(ctx, msg)

	default:
		c.srv.logger.Debug("ignoring frame", zap.String("type", string(msg.Type)))
	}
}

func (c *session) runTask(ctx context.Context, msg *protocol.ClientMessage) {
	defer c.wg.Done()
	c.srv.tasks.Add(1)

	out, err := c.srv.opts.Executor.Execute(ctx, Task{
		ID:          msg.TaskID,
		Name:        msg.TaskName,
		Description: msg.Request,
		Hints:       msg.Hints,
		Metadata:    msg.Metadata,
	})
	if ctx.Err() != nil {
		return
	}
	reply := &protocol.ServerMessage{
		Type:       protocol.ServerTaskEnd,
		Status:     protocol.StatusOK,
		ResponseID: msg.RequestID,
		SessionID:  c.sessionID,
	}
	if err != nil {
		reply.Status = protocol.StatusError
		reply.Error = err.Error()
	} else if out != nil {
		raw, merr := json.Marshal(out)
		if merr != nil {
			reply.Status = protocol.StatusError
			reply.Error = merr.Error()
		} else {
			reply.Result = raw
		}
	}
	c.reply(reply)
}

func (c *session) reply(msg *protocol.ServerMessage) {
	msg.DeviceID = c.deviceID
	msg.Timestamp = time.Now()
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		c.srv.logger.Error("encode reply", zap.Error(err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.srv.logger.Debug("write reply", zap.Error(err))
	}
}
