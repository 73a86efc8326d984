// Package synchronizer keeps the scheduler from reading a graph that the
// edit collaborator is still changing.
//
// Every task completion registers a pending modification for that task. The
// editor's ConstellationModified event for the same task resolves it. The
// orchestrator blocks on WaitForPendingModifications before each readiness
// scan.
package synchronizer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/metrics"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a single modification may stay pending.
const DefaultTimeout = 30 * time.Second

// Stats are running counters since creation.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	TimedOut  int `json:"timed_out"`
	Cleared   int `json:"cleared"`
	Pending   int `json:"pending"`
}

type key struct {
	constellationID string
	taskID          string
}

type modification struct {
	done     chan struct{}
	deadline time.Time
}

// Synchronizer is an events.Observer. Register it with Bus.Observe so that
// handles exist before Publish returns.
type Synchronizer struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[key]*modification
	early   map[key]time.Time
	stats   Stats

	logger *zap.Logger
}

// New creates a synchronizer. A non-positive timeout means DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Synchronizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Synchronizer{
		timeout: timeout,
		pending: make(map[key]*modification),
		early:   make(map[key]time.Time),
		logger:  logger,
	}
}

// OnEvent implements events.Observer.
func (s *Synchronizer) OnEvent(_ context.Context, ev events.Event) {
	if ev.ConstellationID == "" {
		return
	}
	if ev.Type == events.ConstellationCompleted {
		s.forget(ev.ConstellationID)
		return
	}
	if ev.TaskID == "" {
		return
	}
	k := key{ev.ConstellationID, ev.TaskID}
	switch ev.Type {
	case events.TaskCompleted, events.TaskFailed:
		s.register(k)
	case events.ConstellationModified:
		s.resolve(k)
	}
}

func (s *Synchronizer) register(k key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[k]; ok {
		return
	}
	s.stats.Total++
	metrics.Modifications.WithLabelValues("registered").Inc()
	// The editor may have answered before the completion event was seen.
	if _, ok := s.early[k]; ok {
		delete(s.early, k)
		s.stats.Completed++
		metrics.Modifications.WithLabelValues("completed").Inc()
		return
	}
	s.pending[k] = &modification{
		done:     make(chan struct{}),
		deadline: time.Now().Add(s.timeout),
	}
}

func (s *Synchronizer) resolve(k key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pending[k]
	if !ok {
		s.pruneEarlyLocked()
		s.early[k] = time.Now()
		return
	}
	delete(s.pending, k)
	close(m.done)
	s.stats.Completed++
	metrics.Modifications.WithLabelValues("completed").Inc()
}

// forget drops everything held for a finished constellation. Handles still
// pending are released and counted as cleared.
func (s *Synchronizer) forget(constellationID string) {
	s.mu.Lock()
	n := 0
	for k, m := range s.pending {
		if k.constellationID == constellationID {
			close(m.done)
			delete(s.pending, k)
			n++
		}
	}
	for k := range s.early {
		if k.constellationID == constellationID {
			delete(s.early, k)
		}
	}
	s.stats.Cleared += n
	s.mu.Unlock()

	if n > 0 {
		metrics.Modifications.WithLabelValues("cleared").Add(float64(n))
		s.logger.Debug("released modifications of finished constellation",
			zap.String("constellation", constellationID),
			zap.Int("count", n))
	}
}

// pruneEarlyLocked drops early modifications nobody claimed in time.
func (s *Synchronizer) pruneEarlyLocked() {
	cutoff := time.Now().Add(-2 * s.timeout)
	for k, at := range s.early {
		if at.Before(cutoff) {
			delete(s.early, k)
		}
	}
}

// WaitForPendingModifications blocks until no modification is pending for
// the constellation ("" means any). A modification pending longer than the
// timeout is force-resolved, counted and logged, and waiting continues with
// the rest. Reports whether every handle resolved normally.
func (s *Synchronizer) WaitForPendingModifications(ctx context.Context, constellationID string) (bool, error) {
	start := time.Now()
	defer func() { metrics.ModificationWait.Observe(time.Since(start).Seconds()) }()

	clean := true
	for {
		waiting := s.snapshot(constellationID)
		if len(waiting) == 0 {
			return clean, nil
		}
		for k, m := range waiting {
			ok, err := s.await(ctx, k, m)
			if err != nil {
				return false, err
			}
			clean = clean && ok
		}
	}
}

func (s *Synchronizer) await(ctx context.Context, k key, m *modification) (bool, error) {
	wait := time.Until(m.deadline)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-m.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	cur, ok := s.pending[k]
	if !ok || cur != m {
		s.mu.Unlock()
		return true, nil
	}
	delete(s.pending, k)
	close(m.done)
	s.stats.TimedOut++
	s.mu.Unlock()

	metrics.Modifications.WithLabelValues("timed_out").Inc()
	s.logger.Warn("graph modification timed out; scheduling on a possibly stale graph",
		zap.String("constellation", k.constellationID),
		zap.String("task", k.taskID),
		zap.Duration("timeout", s.timeout))
	return false, nil
}

func (s *Synchronizer) snapshot(constellationID string) map[key]*modification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[key]*modification, len(s.pending))
	for k, m := range s.pending {
		if constellationID == "" || k.constellationID == constellationID {
			out[k] = m
		}
	}
	return out
}

// HasPending reports whether any modification is pending for the
// constellation ("" means any).
func (s *Synchronizer) HasPending(constellationID string) bool {
	return len(s.snapshot(constellationID)) > 0
}

// PendingTaskIDs returns the ids of tasks whose modification is pending.
func (s *Synchronizer) PendingTaskIDs(constellationID string) []string {
	var out []string
	for k := range s.snapshot(constellationID) {
		out = append(out, k.taskID)
	}
	sort.Strings(out)
	return out
}

// ClearAll force-resolves every pending modification. Returns how many were
// released.
func (s *Synchronizer) ClearAll() int {
	s.mu.Lock()
	n := len(s.pending)
	for k, m := range s.pending {
		close(m.done)
		delete(s.pending, k)
	}
	s.early = make(map[key]time.Time)
	s.stats.Cleared += n
	s.mu.Unlock()

	if n > 0 {
		metrics.Modifications.WithLabelValues("cleared").Add(float64(n))
		s.logger.Warn("cleared pending graph modifications", zap.Int("count", n))
	}
	return n
}

// Stats returns a copy of the counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	return st
}

// Timeout returns the per-modification timeout.
func (s *Synchronizer) Timeout() time.Duration { return s.timeout }
