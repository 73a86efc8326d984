// Package api serves the status and control HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/constellation/internal/connection"
	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/fleet"
	"github.com/nidhogg/constellation/internal/orchestrator"
	"github.com/nidhogg/constellation/internal/registry"
	"github.com/nidhogg/constellation/internal/store"
	"github.com/nidhogg/constellation/internal/synchronizer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Fleet is the device side the API reads and controls.
type Fleet interface {
	Devices() []registry.DeviceRecord
	DeviceStatus(id string) (registry.DeviceRecord, error)
	QueueStatus(id string) (fleet.QueueStatus, error)
	ConnectDevice(ctx context.Context, id string, isReconnect bool) (connection.RegistrationResult, error)
	DisconnectDevice(id string) error
	Load(id string) int
}

// Orchestrator runs and exposes constellations.
type Orchestrator interface {
	Orchestrate(ctx context.Context, c *constellation.Constellation, a orchestrator.Assignment) (*orchestrator.Result, error)
	Constellation(id string) (*constellation.Constellation, bool)
	Active() []*constellation.Constellation
}

// History is the read side of the execution store.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (store.Run, error)
	RunTasks(ctx context.Context, runID string) ([]store.TaskResult, error)
	DeviceEvents(ctx context.Context, deviceID string, limit int) ([]store.DeviceEvent, error)
}

// Deps are the handler's collaborators. History and Heartbeat may be nil.
type Deps struct {
	Fleet        Fleet
	Orchestrator Orchestrator
	Synchronizer *synchronizer.Synchronizer
	History      History
	Heartbeat    *fleet.Heartbeat
	// BaseContext bounds orchestrations started through the API. Defaults
	// to context.Background().
	BaseContext context.Context
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	fleet     Fleet
	orch      Orchestrator
	sync      *synchronizer.Synchronizer
	history   History
	heartbeat *fleet.Heartbeat
	baseCtx   context.Context
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	return &Handler{
		fleet:     deps.Fleet,
		orch:      deps.Orchestrator,
		sync:      deps.Synchronizer,
		history:   deps.History,
		heartbeat: deps.Heartbeat,
		baseCtx:   deps.BaseContext,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/devices", h.listDevices)
		r.Get("/devices/{id}", h.getDevice)
		r.Get("/devices/{id}/queue", h.getQueue)
		r.Get("/devices/{id}/events", h.deviceEvents)
		r.Post("/devices/{id}/connect", h.connectDevice)
		r.Post("/devices/{id}/disconnect", h.disconnectDevice)
		r.Post("/heartbeat", h.triggerHeartbeat)

		r.Get("/constellations", h.listConstellations)
		r.Post("/constellations", h.startConstellation)
		r.Get("/constellations/{id}", h.getConstellation)

		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)

		r.Get("/synchronizer", h.synchronizerStats)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	devices := h.fleet.Devices()
	connected := 0
	for _, d := range devices {
		if d.Status == registry.StatusIdle || d.Status == registry.StatusBusy {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"devices":   len(devices),
		"connected": connected,
		"active":    len(h.orch.Active()),
	})
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.fleet.Devices())
}

func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.fleet.DeviceStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.fleet.QueueStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) deviceEvents(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	evs, err := h.history.DeviceEvents(r.Context(), chi.URLParam(r, "id"), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *Handler) connectDevice(w http.ResponseWriter, r *http.Request) {
	res, err := h.fleet.ConnectDevice(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Accepted {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (h *Handler) disconnectDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.fleet.DisconnectDevice(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": id, "status": string(registry.StatusDisconnected)})
}

func (h *Handler) triggerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.heartbeat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "heartbeat not initialized"})
		return
	}
	n := h.heartbeat.FireNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"sent": n})
}

// constellationSummary is the list view of a running constellation.
type constellationSummary struct {
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	State constellation.State `json:"state"`
	Tasks int                 `json:"tasks"`
}

func (h *Handler) listConstellations(w http.ResponseWriter, r *http.Request) {
	active := h.orch.Active()
	out := make([]constellationSummary, 0, len(active))
	for _, c := range active {
		out = append(out, constellationSummary{ID: c.ID(), Name: c.Name(), State: c.State(), Tasks: c.Len()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getConstellation(w http.ResponseWriter, r *http.Request) {
	c, ok := h.orch.Constellation(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "constellation not active"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// startRequest submits a constellation for background execution.
type startRequest struct {
	constellation.Definition
	Assignments map[string]string `json:"assignments,omitempty"`
	Strategy    string            `json:"strategy,omitempty"`
}

func (h *Handler) startConstellation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	c, err := constellation.FromDefinition(req.Definition)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := c.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	a := orchestrator.Assignment{Manual: req.Assignments}
	if req.Strategy != "" {
		a.Strategy, err = orchestrator.StrategyFor(req.Strategy, h.fleet.Load)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	go func() {
		res, err := h.orch.Orchestrate(h.baseCtx, c, a)
		if err != nil {
			h.logger.Warn("orchestration ended with error",
				zap.String("constellation", c.ID()), zap.Error(err))
			return
		}
		h.logger.Info("orchestration finished",
			zap.String("constellation", c.ID()),
			zap.String("status", string(res.Status)))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": c.ID(), "name": c.Name()})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	runs, err := h.history.ListRuns(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	run, err := h.history.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := h.history.RunTasks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "tasks": tasks})
}

func (h *Handler) synchronizerStats(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "synchronizer not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   h.sync.Stats(),
		"timeout": h.sync.Timeout().String(),
	})
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound), errors.Is(err, store.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fleet.ErrDeviceFailed):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
