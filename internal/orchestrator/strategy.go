package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/constellation/internal/config"
	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/registry"
)

// ErrNoEligibleDevice is returned when no device can take a task.
var ErrNoEligibleDevice = errors.New("no eligible device")

// Strategy picks a device for a task that has none.
type Strategy interface {
	Name() string
	Pick(task constellation.TaskStar, devices []registry.DeviceRecord) (string, error)
}

// eligible returns the non-failed devices advertising every capability the
// task requires, sorted by id.
func eligible(task constellation.TaskStar, devices []registry.DeviceRecord) ([]registry.DeviceRecord, error) {
	out := make([]registry.DeviceRecord, 0, len(devices))
	for _, d := range devices {
		if d.Available() && d.HasCapabilities(task.RequiredCapabilities) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		if len(task.RequiredCapabilities) > 0 {
			return nil, fmt.Errorf("task %s needs [%s]: %w", task.ID,
				strings.Join(task.RequiredCapabilities, ", "), ErrNoEligibleDevice)
		}
		return nil, fmt.Errorf("task %s: %w", task.ID, ErrNoEligibleDevice)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// RoundRobin cycles through eligible devices.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *RoundRobin) Name() string { return config.StrategyRoundRobin }

// Pick implements Strategy.
func (r *RoundRobin) Pick(task constellation.TaskStar, devices []registry.DeviceRecord) (string, error) {
	cands, err := eligible(task, devices)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := cands[r.next%len(cands)]
	r.next++
	return d.DeviceID, nil
}

// LeastLoaded picks the eligible device with the fewest running plus queued
// tasks. Picks made during one assignment pass count toward the load so a
// batch spreads out before any task starts; the orchestrator calls Reset at
// the start of every pass.
type LeastLoaded struct {
	load func(deviceID string) int

	mu      sync.Mutex
	pending map[string]int
}

// NewLeastLoaded creates a LeastLoaded strategy reading live load from load.
func NewLeastLoaded(load func(deviceID string) int) *LeastLoaded {
	return &LeastLoaded{load: load, pending: make(map[string]int)}
}

func (l *LeastLoaded) Name() string { return config.StrategyLeastLoaded }

// Pick implements Strategy.
func (l *LeastLoaded) Pick(task constellation.TaskStar, devices []registry.DeviceRecord) (string, error) {
	cands, err := eligible(task, devices)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	best, bestLoad := "", -1
	for _, d := range cands {
		n := l.load(d.DeviceID) + l.pending[d.DeviceID]
		if bestLoad < 0 || n < bestLoad {
			best, bestLoad = d.DeviceID, n
		}
	}
	l.pending[best]++
	return best, nil
}

// Reset forgets picks made since the last pass.
func (l *LeastLoaded) Reset() {
	l.mu.Lock()
	l.pending = make(map[string]int)
	l.mu.Unlock()
}

// StrategyFor builds the strategy named in configuration, or nil.
func StrategyFor(name string, load func(deviceID string) int) (Strategy, error) {
	switch name {
	case config.StrategyNone:
		return nil, nil
	case config.StrategyRoundRobin:
		return &RoundRobin{}, nil
	case config.StrategyLeastLoaded:
		return NewLeastLoaded(load), nil
	}
	return nil, fmt.Errorf("unknown assignment strategy %q", name)
}
