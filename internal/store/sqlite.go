package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/dustwatch/internal/models"
)

type Store struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

// Open opens the SQLite database at path with the pragmas the scheduler and
// webhook handler need to write concurrently.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// UpdatePolicy decides what happens when a merge brings a real value for a
// station that already has a real value stored at the same instant.
type UpdatePolicy int

const (
	// FillMissingOnly keeps the stored value.
	FillMissingOnly UpdatePolicy = iota
	// OverwriteExisting replaces it, for portals that correct earlier readings.
	OverwriteExisting
)

func ParseUpdatePolicy(s string) (UpdatePolicy, error) {
	switch s {
	case "", "fill-missing":
		return FillMissingOnly, nil
	case "overwrite":
		return OverwriteExisting, nil
	}
	return FillMissingOnly, fmt.Errorf("unknown update policy %q", s)
}

func (s *Store) UpsertStation(ctx context.Context, st models.Station, position int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (station_id, name, source, source_ref, hourly, position, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			source_ref = excluded.source_ref,
			hourly = excluded.hourly,
			position = excluded.position,
			active = excluded.active
	`, st.ID, st.Name, st.Source, st.SourceRef, st.Hourly, position, st.Active)
	return err
}

// GetActiveStations returns active stations in their configured display order.
func (s *Store) GetActiveStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, name, source, source_ref, hourly, active
		FROM stations
		WHERE active = TRUE
		ORDER BY position ASC, station_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		if err := rows.Scan(&st.ID, &st.Name, &st.Source, &st.SourceRef, &st.Hourly, &st.Active); err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// SaveResult counts what a SaveRecords call changed.
type SaveResult struct {
	RecordsInserted int
	ValuesWritten   int
}

// SaveRecords persists merged records in one transaction. Each station value
// is upserted on its own so two concurrent merges of the same instant never
// lose each other's stations:
//   - a forward-filled value never replaces a stored value
//   - a real value always replaces a forward-filled one
//   - a real value replaces a different real value only under OverwriteExisting
func (s *Store) SaveRecords(ctx context.Context, records []models.Record, policy UpdatePolicy) (SaveResult, error) {
	var res SaveResult
	if len(records) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insertRecord, err := tx.PrepareContext(ctx, `
		INSERT INTO records (ts, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(ts) DO NOTHING
	`)
	if err != nil {
		return res, fmt.Errorf("prepare record insert: %w", err)
	}
	defer insertRecord.Close()

	upsertValue, err := tx.PrepareContext(ctx, `
		INSERT INTO record_values (ts, station_id, value, filled, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ts, station_id) DO UPDATE SET
			value = excluded.value,
			filled = excluded.filled,
			updated_at = excluded.updated_at
		WHERE excluded.filled = 0
		  AND (record_values.filled = 1 OR (? = 1 AND record_values.value <> excluded.value))
	`)
	if err != nil {
		return res, fmt.Errorf("prepare value upsert: %w", err)
	}
	defer upsertValue.Close()

	now := time.Now().Unix()
	overwrite := boolInt(policy == OverwriteExisting)

	for _, rec := range records {
		ts := rec.Time.Unix()
		r, err := insertRecord.ExecContext(ctx, ts, now, now)
		if err != nil {
			return res, fmt.Errorf("insert record %d: %w", ts, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.RecordsInserted++
		}

		for stationID, reading := range rec.Values {
			r, err := upsertValue.ExecContext(ctx, ts, stationID, reading.Value, boolInt(reading.Filled), now, overwrite)
			if err != nil {
				return res, fmt.Errorf("upsert %s at %d: %w", stationID, ts, err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.ValuesWritten++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit records: %w", err)
	}
	return res, nil
}

// GetRecords returns records with start <= time <= end, oldest first.
func (s *Store) GetRecords(ctx context.Context, start, end time.Time) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.ts, v.station_id, v.value, v.filled
		FROM records r
		LEFT JOIN record_values v ON v.ts = r.ts
		WHERE r.ts >= ? AND r.ts <= ?
		ORDER BY r.ts ASC
	`, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var (
			ts        int64
			stationID sql.NullString
			value     sql.NullFloat64
			filled    sql.NullInt64
		)
		if err := rows.Scan(&ts, &stationID, &value, &filled); err != nil {
			return nil, err
		}
		if len(records) == 0 || records[len(records)-1].Time.Unix() != ts {
			records = append(records, models.Record{
				Time:   time.Unix(ts, 0).In(s.loc),
				Values: make(map[string]models.Reading),
			})
		}
		if stationID.Valid && value.Valid {
			records[len(records)-1].Values[stationID.String] = models.Reading{
				Value:  value.Float64,
				Filled: filled.Int64 != 0,
			}
		}
	}
	return records, rows.Err()
}

// LatestRecord returns the newest stored record, or nil when there are none.
func (s *Store) LatestRecord(ctx context.Context) (*models.Record, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT ts FROM records ORDER BY ts DESC LIMIT 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at := time.Unix(ts, 0)
	records, err := s.GetRecords(ctx, at, at)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// LatestValues returns the newest real (not forward-filled) reading per
// station together with the instant it was taken.
func (s *Store) LatestValues(ctx context.Context) (map[string]StationValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.station_id, v.value, v.ts
		FROM record_values v
		JOIN (
			SELECT station_id, MAX(ts) AS ts FROM record_values WHERE filled = 0 GROUP BY station_id
		) latest ON latest.station_id = v.station_id AND latest.ts = v.ts
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]StationValue)
	for rows.Next() {
		var (
			id string
			sv StationValue
			ts int64
		)
		if err := rows.Scan(&id, &sv.Value, &ts); err != nil {
			return nil, err
		}
		sv.Time = time.Unix(ts, 0).In(s.loc)
		out[id] = sv
	}
	return out, rows.Err()
}

type StationValue struct {
	Value float64
	Time  time.Time
}

// PruneRecords deletes records strictly older than cutoff. A record exactly
// at the cutoff is kept.
func (s *Store) PruneRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c := cutoff.Unix()
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_values WHERE ts < ?`, c); err != nil {
		return 0, fmt.Errorf("delete values: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE ts < ?`, c)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixPtr(n sql.NullInt64, loc *time.Location) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).In(loc)
	return &t
}
