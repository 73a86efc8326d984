package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/orchestrator"
	"go.uber.org/zap"
)

const historySize = 100

// NotifiedTypes are the bus events a Broadcaster turns into notifications.
var NotifiedTypes = []events.Type{events.ConstellationCompleted, events.DeviceFailed}

// Broadcaster fans notifications out to every registered Notifier.
type Broadcaster struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	history   []Record
	logger    *zap.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		notifiers: make(map[string]Notifier),
		logger:    logger,
	}
}

// Register adds a notifier, replacing any earlier one for the same platform.
func (b *Broadcaster) Register(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers[n.Platform()] = n
	b.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// Platforms returns the registered platform names, sorted.
func (b *Broadcaster) Platforms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.notifiers))
	for p := range b.notifiers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// ConnectAll connects every notifier and stops at the first failure.
func (b *Broadcaster) ConnectAll(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for platform, n := range b.notifiers {
		if err := n.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		b.logger.Info("notifier connected", zap.String("platform", platform))
	}
	return nil
}

// Notify sends n to its target platforms, or all of them when none are
// named. Every target is tried; failures are joined.
func (b *Broadcaster) Notify(ctx context.Context, n *Notification) error {
	if n.Kind == "" {
		return errors.New("notification kind is required")
	}

	b.mu.RLock()
	targets := make(map[string]Notifier, len(b.notifiers))
	if len(n.Platforms) == 0 {
		for p, nt := range b.notifiers {
			targets[p] = nt
		}
	} else {
		for _, p := range n.Platforms {
			if nt, ok := b.notifiers[p]; ok {
				targets[p] = nt
			}
		}
	}
	b.mu.RUnlock()

	var (
		errs []error
		sent []string
	)
	for platform, nt := range targets {
		if err := nt.Notify(ctx, n); err != nil {
			b.logger.Warn("notification failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", platform, err))
			continue
		}
		sent = append(sent, platform)
	}
	sort.Strings(sent)

	b.mu.Lock()
	b.history = append(b.history, Record{Notification: n, SentAt: time.Now(), Targets: sent})
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	b.mu.Unlock()

	return errors.Join(errs...)
}

// History returns up to limit recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}

// Run converts bus events into notifications until the channel closes or
// ctx is done.
func (b *Broadcaster) Run(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			n := FromEvent(ev)
			if n == nil {
				continue
			}
			if err := b.Notify(ctx, n); err != nil {
				b.logger.Warn("notify event",
					zap.String("type", string(ev.Type)),
					zap.Error(err))
			}
		}
	}
}

// Close closes every notifier.
func (b *Broadcaster) Close() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var errs []error
	for platform, n := range b.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", platform, err))
		}
	}
	return errors.Join(errs...)
}

// FromEvent renders a bus event, or returns nil for events that are not
// worth a message.
func FromEvent(ev events.Event) *Notification {
	switch ev.Type {
	case events.ConstellationCompleted:
		res, _ := ev.Result.(*orchestrator.Result)
		name := ev.ConstellationID
		if res != nil && res.Name != "" {
			name = res.Name
		}
		n := &Notification{
			Kind:            KindRunCompleted,
			ConstellationID: ev.ConstellationID,
			Title:           "Constellation " + name + " completed",
		}
		if ev.Status != string(orchestrator.OutcomeCompleted) {
			n.Kind = KindRunFailed
			n.Title = "Constellation " + name + " failed"
		}
		if res != nil {
			n.Content = fmt.Sprintf("%d of %d tasks completed in %s", res.Completed, len(res.Tasks), res.Duration)
			n.Fields = []Field{
				{Name: "completed", Value: strconv.Itoa(res.Completed)},
				{Name: "failed", Value: strconv.Itoa(res.Failed)},
				{Name: "never started", Value: strconv.Itoa(res.NeverStarted)},
			}
		}
		if ev.Error != "" {
			n.Content += "\nerror: " + ev.Error
		}
		return n

	case events.DeviceFailed:
		return &Notification{
			Kind:     KindDeviceFailed,
			DeviceID: ev.DeviceID,
			Title:    "Device " + ev.DeviceID + " failed",
			Content:  "reconnection attempts exhausted; the device needs manual attention",
		}
	}
	return nil
}
