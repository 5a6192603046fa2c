package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
)

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

const recordingColumns = `id, call_task_id, agent_id, started_at, ended_at,
	format, sample_rate, backend, storage_path, size_bytes, sha256,
	retention_until, consent, state`

// activeRecordingStates are the states in which a recording still owns its
// call; at most one recording per call may sit in any of them.
var activeRecordingStates = []string{
	models.RecordingStarting, models.RecordingActive,
	models.RecordingPaused, models.RecordingStopping,
}

// Create inserts a new recording row.
func (r *recordingRepo) Create(ctx context.Context, rec *models.RecordingMetadata) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recordings (id, call_task_id, agent_id, started_at,
		 ended_at, format, sample_rate, backend, storage_path, size_bytes,
		 sha256, retention_until, consent, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallTaskID, rec.AgentID, rec.StartedAt,
		rec.EndedAt, rec.Format, rec.SampleRate, rec.Backend, rec.StoragePath,
		rec.SizeBytes, rec.SHA256, rec.RetentionUntil, rec.Consent, rec.State,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("recording %s: %w", rec.ID, ErrConflict)
		}
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// GetByID returns a recording by ID, or nil when it does not exist.
func (r *recordingRepo) GetByID(ctx context.Context, id string) (*models.RecordingMetadata, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id,
	))
}

// GetActiveByCall returns the in-flight recording for a call, or nil.
func (r *recordingRepo) GetActiveByCall(ctx context.Context, callTaskID string) (*models.RecordingMetadata, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(activeRecordingStates)), ", ")
	args := []any{callTaskID}
	for _, s := range activeRecordingStates {
		args = append(args, s)
	}
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE call_task_id = ? AND state IN (`+placeholders+`)`, args...,
	))
}

// Update writes a recording's current state and finalized metadata.
func (r *recordingRepo) Update(ctx context.Context, rec *models.RecordingMetadata) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE recordings SET ended_at = ?, format = ?, sample_rate = ?,
		 backend = ?, storage_path = ?, size_bytes = ?, sha256 = ?,
		 retention_until = ?, consent = ?, state = ?
		 WHERE id = ?`,
		rec.EndedAt, rec.Format, rec.SampleRate,
		rec.Backend, rec.StoragePath, rec.SizeBytes, rec.SHA256,
		rec.RetentionUntil, rec.Consent, rec.State,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating recording: %w", err)
	}
	return requireRow(result, "recording")
}

// ListByCall returns all recordings made for a call.
func (r *recordingRepo) ListByCall(ctx context.Context, callTaskID string) ([]models.RecordingMetadata, error) {
	return r.list(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE call_task_id = ? ORDER BY started_at`, callTaskID)
}

// ListExpired returns completed recordings whose retention deadline has
// passed; the sweep deletes their blobs and marks them expired.
func (r *recordingRepo) ListExpired(ctx context.Context, now time.Time) ([]models.RecordingMetadata, error) {
	return r.list(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE state = ? AND retention_until IS NOT NULL AND retention_until < ?
		 ORDER BY retention_until`,
		models.RecordingCompleted, now.UTC())
}

func (r *recordingRepo) list(ctx context.Context, query string, args ...any) ([]models.RecordingMetadata, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.RecordingMetadata
	for rows.Next() {
		var rec models.RecordingMetadata
		if err := scanRecording(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scanning recording row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording rows: %w", err)
	}
	return recs, nil
}

func (r *recordingRepo) scanOne(row *sql.Row) (*models.RecordingMetadata, error) {
	var rec models.RecordingMetadata
	err := scanRecording(row.Scan, &rec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}
	return &rec, nil
}

func scanRecording(scan func(...any) error, rec *models.RecordingMetadata) error {
	return scan(&rec.ID, &rec.CallTaskID, &rec.AgentID, &rec.StartedAt,
		&rec.EndedAt, &rec.Format, &rec.SampleRate, &rec.Backend,
		&rec.StoragePath, &rec.SizeBytes, &rec.SHA256, &rec.RetentionUntil,
		&rec.Consent, &rec.State)
}
