package store

import (
	"context"
	"time"

	"github.com/lox/dustwatch/internal/models"
)

// LoadAlertState reads the last successful firing of every alert category.
func (s *Store) LoadAlertState(ctx context.Context) (*models.AlertState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, station_id, last_fired_at FROM alert_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := models.NewAlertState()
	for rows.Next() {
		var (
			category, stationID string
			firedAt             int64
		)
		if err := rows.Scan(&category, &stationID, &firedAt); err != nil {
			return nil, err
		}
		t := time.Unix(firedAt, 0).In(s.loc)
		switch category {
		case models.CategoryThreshold:
			state.LastThreshold = &t
		case models.CategoryOutage:
			state.LastOutage[stationID] = t
		}
	}
	return state, rows.Err()
}

// RecordAlert stores a delivered alert as the latest firing of its category.
func (s *Store) RecordAlert(ctx context.Context, a *models.Alert) error {
	stationID := ""
	if a.Category == models.CategoryOutage {
		stationID = a.StationID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_state (category, station_id, last_fired_at) VALUES (?, ?, ?)
		ON CONFLICT(category, station_id) DO UPDATE SET last_fired_at = excluded.last_fired_at
	`, a.Category, stationID, a.FiredAt.Unix())
	return err
}
