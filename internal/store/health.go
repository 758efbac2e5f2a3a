package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lox/dustwatch/internal/models"
)

// GetStationHealth returns the health row for a station, or a zero value for
// stations never fetched.
func (s *Store) GetStationHealth(ctx context.Context, stationID string) (models.StationHealth, error) {
	h := models.StationHealth{StationID: stationID}
	var lastSuccess, firstFailure sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_success_at, first_failure_at FROM station_health WHERE station_id = ?
	`, stationID).Scan(&lastSuccess, &firstFailure)
	if err == sql.ErrNoRows {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	h.LastSuccess = unixPtr(lastSuccess, s.loc)
	h.FirstFailure = unixPtr(firstFailure, s.loc)
	return h, nil
}

func (s *Store) SaveStationHealth(ctx context.Context, h models.StationHealth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station_health (station_id, last_success_at, first_failure_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			last_success_at = excluded.last_success_at,
			first_failure_at = excluded.first_failure_at,
			updated_at = excluded.updated_at
	`, h.StationID, nullUnix(h.LastSuccess), nullUnix(h.FirstFailure), time.Now().Unix())
	return err
}
