package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetAlarm records the pending wake-up time, replacing any previous alarm.
// The external timer honors only "not before": the alarm fires at or after
// the recorded time.
func (s *Store) SetAlarm(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarm (slot, fire_at) VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET fire_at = excluded.fire_at
	`, at.UnixNano())
	if err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return nil
}

// DeleteAlarm clears the pending alarm. Idempotent.
func (s *Store) DeleteAlarm(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alarm WHERE slot = 1`); err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	return nil
}

// GetAlarm returns the pending alarm time. The second return is false when
// no alarm is set.
func (s *Store) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	var fireAt int64
	err := s.db.QueryRowContext(ctx, `SELECT fire_at FROM alarm WHERE slot = 1`).Scan(&fireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get alarm: %w", err)
	}
	return time.Unix(0, fireAt), true, nil
}
