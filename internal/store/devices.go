package store

import (
	"context"
	"fmt"
	"time"
)

// DeviceEvent is a recorded device status change or fault.
type DeviceEvent struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecordDeviceEvent appends a device event.
func (s *Store) RecordDeviceEvent(ctx context.Context, ev DeviceEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_events (device_id, type, status, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.DeviceID, ev.Type, ev.Status, ev.Error, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("record device event %s: %w", ev.DeviceID, err)
	}
	return nil
}

// DeviceEvents returns a device's most recent events first.
func (s *Store) DeviceEvents(ctx context.Context, deviceID string, limit int) ([]DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, device_id, type, status, error, occurred_at
		FROM device_events
		WHERE device_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("device events %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []DeviceEvent
	for rows.Next() {
		var ev DeviceEvent
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.Type, &ev.Status, &ev.Error, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan device event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
