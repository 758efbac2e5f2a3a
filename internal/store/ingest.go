package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun is the audit row for one station fetch.
type IngestRun struct {
	ID            int64
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Source        string // "portal", "moenv"
	StationID     string
	Trigger       string // "schedule", "on-demand", "once"
	SamplesParsed sql.NullInt64
	Success       bool
	ErrorMessage  sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, source, stationID, trigger string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: time.Now(),
		Source:    source,
		StationID: stationID,
		Trigger:   trigger,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (started_at, source, station_id, trigger, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.StartedAt.Unix(), run.Source, run.StationID, run.Trigger)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			samples_parsed = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt.Time.Unix(), run.SamplesParsed, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetRecentIngestErrors returns the most recent failed runs, newest first.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, source, station_id, trigger,
		       samples_parsed, success, error_message
		FROM ingest_runs
		WHERE success = FALSE AND finished_at IS NOT NULL
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var (
			r        IngestRun
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Source, &r.StationID, &r.Trigger,
			&r.SamplesParsed, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).In(s.loc)
		if finished.Valid {
			r.FinishedAt = sql.NullTime{Time: time.Unix(finished.Int64, 0).In(s.loc), Valid: true}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CleanupIngestRuns deletes audit rows started before cutoff.
func (s *Store) CleanupIngestRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM raw_payloads WHERE ingest_run_id IN (SELECT id FROM ingest_runs WHERE started_at < ?)
	`, cutoff.Unix()); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_runs WHERE started_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
