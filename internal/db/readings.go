package db

import (
	"fmt"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/anomaly"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// Run is one telemetryd process lifetime. Reading sequence numbers restart
// with every run.
type Run struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	BusKind   string    `json:"bus_kind"`
}

// StoredReading is a reading together with the run that recorded it.
type StoredReading struct {
	RunID string `json:"run_id"`
	telemetry.Reading
}

// StoredViolation is a persisted threshold violation.
type StoredViolation struct {
	RunID string `json:"run_id"`
	Seq   uint64 `json:"seq"`
	telemetry.Violation
}

// StartRun registers a new run.
func (db *DB) StartRun(runID string, startedAt time.Time, busKind string) error {
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_at, bus_kind) VALUES (?, ?, ?)`,
		runID, startedAt.UnixNano(), busKind,
	)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", runID, err)
	}
	return nil
}

// Runs returns every run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started_at, bus_kind FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			startedAt int64
		)
		if err := rows.Scan(&run.RunID, &startedAt, &run.BusKind); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(0, startedAt).UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordReadings stores readings for a run in one transaction, together with
// any violations of thresholds they carry. Readings already stored are
// ignored. It returns the number of violations written.
func (db *DB) RecordReadings(runID string, readings []telemetry.Reading, thresholds anomaly.Thresholds) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	readingStmt, err := tx.Prepare(`INSERT OR IGNORE INTO readings (
			run_id, seq, captured_at, speed, rpm, throttle, coolant_temp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer readingStmt.Close()

	violationStmt, err := tx.Prepare(`INSERT OR IGNORE INTO violations (
			run_id, seq, field, observed, threshold
		) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer violationStmt.Close()

	violations := 0
	for _, r := range readings {
		if _, err := readingStmt.Exec(runID, int64(r.Seq), r.CapturedAt.UnixNano(),
			r.Speed, r.RPM, r.Throttle, r.CoolantTemp); err != nil {
			return 0, fmt.Errorf("failed to insert reading %d: %w", r.Seq, err)
		}
		for _, v := range anomaly.Evaluate(r, thresholds) {
			if _, err := violationStmt.Exec(runID, int64(r.Seq), v.Field, v.Observed, v.Threshold); err != nil {
				return 0, fmt.Errorf("failed to insert violation for reading %d: %w", r.Seq, err)
			}
			violations++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return violations, nil
}

// LastSeq returns the highest stored sequence number for a run, or 0.
func (db *DB) LastSeq(runID string) (uint64, error) {
	var seq int64
	err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM readings WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// RecentReadings returns up to limit readings of a run, oldest first. An
// empty runID selects across all runs.
func (db *DB) RecentReadings(runID string, limit int) ([]StoredReading, error) {
	rows, err := db.Query(`SELECT run_id, seq, captured_at, speed, rpm, throttle, coolant_temp FROM (
			SELECT * FROM readings
			WHERE ? = '' OR run_id = ?
			ORDER BY captured_at DESC, seq DESC
			LIMIT ?
		) ORDER BY captured_at ASC, seq ASC`, runID, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		var (
			sr         StoredReading
			seq        int64
			capturedAt int64
		)
		if err := rows.Scan(&sr.RunID, &seq, &capturedAt,
			&sr.Speed, &sr.RPM, &sr.Throttle, &sr.CoolantTemp); err != nil {
			return nil, err
		}
		sr.Seq = uint64(seq)
		sr.CapturedAt = time.Unix(0, capturedAt).UTC()
		out = append(out, sr)
	}
	return out, rows.Err()
}

// RecentViolations returns up to limit violations, newest first.
func (db *DB) RecentViolations(limit int) ([]StoredViolation, error) {
	rows, err := db.Query(`SELECT v.run_id, v.seq, v.field, v.observed, v.threshold
		FROM violations v JOIN readings r ON r.run_id = v.run_id AND r.seq = v.seq
		ORDER BY r.captured_at DESC, v.seq DESC, v.field ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredViolation
	for rows.Next() {
		var (
			sv  StoredViolation
			seq int64
		)
		if err := rows.Scan(&sv.RunID, &seq, &sv.Field, &sv.Observed, &sv.Threshold); err != nil {
			return nil, err
		}
		sv.Seq = uint64(seq)
		out = append(out, sv)
	}
	return out, rows.Err()
}
