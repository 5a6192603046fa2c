package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
)

// callTaskRepo implements CallTaskRepository.
type callTaskRepo struct {
	db *DB
}

// NewCallTaskRepository creates a new CallTaskRepository.
func NewCallTaskRepository(db *DB) CallTaskRepository {
	return &callTaskRepo{db: db}
}

const callTaskColumns = `id, lead_id, campaign_id, agent_id, state, phone,
	channel_id, created_at, queued_at, dialing_at, ringing_at, answered_at,
	connected_at, completed_at, amd_verdict, amd_confidence, retry_count,
	last_error, hangup_cause`

// Create inserts a new call task.
func (r *callTaskRepo) Create(ctx context.Context, task *models.CallTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_tasks (id, lead_id, campaign_id, agent_id, state,
		 phone, channel_id, created_at, queued_at, dialing_at, ringing_at,
		 answered_at, connected_at, completed_at, amd_verdict, amd_confidence,
		 retry_count, last_error, hangup_cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.LeadID, task.CampaignID, task.AgentID, task.State,
		task.Phone, task.ChannelID, task.CreatedAt, task.QueuedAt, task.DialingAt,
		task.RingingAt, task.AnsweredAt, task.ConnectedAt, task.CompletedAt,
		task.AMDVerdict, task.AMDConfidence, task.RetryCount, task.LastError,
		task.HangupCause,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("call task %s: %w", task.ID, ErrConflict)
		}
		return fmt.Errorf("inserting call task: %w", err)
	}
	return nil
}

// GetByID returns a call task by ID, or nil when it does not exist.
func (r *callTaskRepo) GetByID(ctx context.Context, id string) (*models.CallTask, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callTaskColumns+` FROM call_tasks WHERE id = ?`, id,
	))
}

// GetByChannelID returns the call task bound to a PBX channel, or nil.
func (r *callTaskRepo) GetByChannelID(ctx context.Context, channelID string) (*models.CallTask, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callTaskColumns+` FROM call_tasks WHERE channel_id = ?`, channelID,
	))
}

// Update writes a call task's current state and timestamps.
func (r *callTaskRepo) Update(ctx context.Context, task *models.CallTask) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_tasks SET agent_id = ?, state = ?, channel_id = ?,
		 queued_at = ?, dialing_at = ?, ringing_at = ?, answered_at = ?,
		 connected_at = ?, completed_at = ?, amd_verdict = ?, amd_confidence = ?,
		 retry_count = ?, last_error = ?, hangup_cause = ?
		 WHERE id = ?`,
		task.AgentID, task.State, task.ChannelID,
		task.QueuedAt, task.DialingAt, task.RingingAt, task.AnsweredAt,
		task.ConnectedAt, task.CompletedAt, task.AMDVerdict, task.AMDConfidence,
		task.RetryCount, task.LastError, task.HangupCause,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call task: %w", err)
	}
	return requireRow(result, "call task")
}

// BindChannel replaces a task's placeholder channel id with the real one
// from the first PBX event.
func (r *callTaskRepo) BindChannel(ctx context.Context, id, channelID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_tasks SET channel_id = ? WHERE id = ?`, channelID, id,
	)
	if err != nil {
		return fmt.Errorf("binding channel: %w", err)
	}
	return requireRow(result, "call task")
}

// ListActive returns all tasks not yet in a terminal state, used for
// post-reconnect reconciliation.
func (r *callTaskRepo) ListActive(ctx context.Context) ([]models.CallTask, error) {
	query := `SELECT ` + callTaskColumns + ` FROM call_tasks
		 WHERE state NOT IN (` + terminalStatePlaceholders() + `) ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, terminalStateArgs()...)
	if err != nil {
		return nil, fmt.Errorf("listing active call tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.CallTask
	for rows.Next() {
		var t models.CallTask
		if err := scanCallTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scanning call task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call task rows: %w", err)
	}
	return tasks, nil
}

// CountActiveByCampaign returns how many of a campaign's tasks are still in
// flight; the pacing engine subtracts this from its call budget.
func (r *callTaskRepo) CountActiveByCampaign(ctx context.Context, campaignID int64) (int, error) {
	query := `SELECT COUNT(*) FROM call_tasks
		 WHERE campaign_id = ? AND state NOT IN (` + terminalStatePlaceholders() + `)`
	args := append([]any{campaignID}, terminalStateArgs()...)

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active call tasks: %w", err)
	}
	return count, nil
}

func (r *callTaskRepo) scanOne(row *sql.Row) (*models.CallTask, error) {
	var t models.CallTask
	err := scanCallTask(row.Scan, &t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call task: %w", err)
	}
	return &t, nil
}

func scanCallTask(scan func(...any) error, t *models.CallTask) error {
	return scan(&t.ID, &t.LeadID, &t.CampaignID, &t.AgentID, &t.State, &t.Phone,
		&t.ChannelID, &t.CreatedAt, &t.QueuedAt, &t.DialingAt, &t.RingingAt,
		&t.AnsweredAt, &t.ConnectedAt, &t.CompletedAt, &t.AMDVerdict,
		&t.AMDConfidence, &t.RetryCount, &t.LastError, &t.HangupCause)
}

func terminalStatePlaceholders() string {
	return strings.TrimSuffix(strings.Repeat("?, ", len(models.TerminalTaskStates)), ", ")
}

func terminalStateArgs() []any {
	args := make([]any, len(models.TerminalTaskStates))
	for i, s := range models.TerminalTaskStates {
		args[i] = s
	}
	return args
}
