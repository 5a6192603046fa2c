package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
)

// campaignRepo implements CampaignRepository.
type campaignRepo struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) CampaignRepository {
	return &campaignRepo{db: db}
}

const campaignColumns = `id, name, mode, status, target_ratio, drop_sla,
	timezone, days_mask, window_start, window_end, max_attempts,
	min_retry_gap_min, retry_delays, recycle_enabled, recycle_no_answer_days,
	recycle_busy_days, recycle_disconnected_days, max_recycles,
	recycle_exclude_dnc, recycle_business_hours, enable_amd, amd_message,
	required_skills, caller_id, max_concurrent, calls_placed_today,
	calls_answered_today, calls_dropped_today, created_at, updated_at`

// Create inserts a new campaign.
func (r *campaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.RetryDelays == "" {
		c.RetryDelays = "{}"
	}
	if c.RequiredSkills == "" {
		c.RequiredSkills = "[]"
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO campaigns (name, mode, status, target_ratio, drop_sla,
		 timezone, days_mask, window_start, window_end, max_attempts,
		 min_retry_gap_min, retry_delays, recycle_enabled, recycle_no_answer_days,
		 recycle_busy_days, recycle_disconnected_days, max_recycles,
		 recycle_exclude_dnc, recycle_business_hours, enable_amd, amd_message,
		 required_skills, caller_id, max_concurrent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Mode, c.Status, c.TargetRatio, c.DropSLA,
		c.Timezone, c.DaysMask, c.WindowStart, c.WindowEnd, c.MaxAttempts,
		c.MinRetryGapMin, c.RetryDelays, c.RecycleEnabled, c.RecycleNoAnswerDays,
		c.RecycleBusyDays, c.RecycleDisconnectedDays, c.MaxRecycles,
		c.RecycleExcludeDNC, c.RecycleBusinessHoursOnly, c.EnableAMD, c.AMDMessage,
		c.RequiredSkills, c.CallerID, c.MaxConcurrent, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a campaign by ID, or nil when it does not exist.
func (r *campaignRepo) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id,
	))
}

// List returns all campaigns ordered by name.
func (r *campaignRepo) List(ctx context.Context) ([]models.Campaign, error) {
	return r.list(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY name`)
}

// ListByStatus returns campaigns with the given status.
func (r *campaignRepo) ListByStatus(ctx context.Context, status string) ([]models.Campaign, error) {
	return r.list(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? ORDER BY name`, status)
}

// Update modifies an existing campaign's configuration.
func (r *campaignRepo) Update(ctx context.Context, c *models.Campaign) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET name = ?, mode = ?, status = ?, target_ratio = ?,
		 drop_sla = ?, timezone = ?, days_mask = ?, window_start = ?,
		 window_end = ?, max_attempts = ?, min_retry_gap_min = ?,
		 retry_delays = ?, recycle_enabled = ?, recycle_no_answer_days = ?,
		 recycle_busy_days = ?, recycle_disconnected_days = ?, max_recycles = ?,
		 recycle_exclude_dnc = ?, recycle_business_hours = ?, enable_amd = ?,
		 amd_message = ?, required_skills = ?, caller_id = ?, max_concurrent = ?,
		 updated_at = ?
		 WHERE id = ?`,
		c.Name, c.Mode, c.Status, c.TargetRatio, c.DropSLA, c.Timezone,
		c.DaysMask, c.WindowStart, c.WindowEnd, c.MaxAttempts, c.MinRetryGapMin,
		c.RetryDelays, c.RecycleEnabled, c.RecycleNoAnswerDays, c.RecycleBusyDays,
		c.RecycleDisconnectedDays, c.MaxRecycles, c.RecycleExcludeDNC,
		c.RecycleBusinessHoursOnly, c.EnableAMD, c.AMDMessage, c.RequiredSkills,
		c.CallerID, c.MaxConcurrent, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating campaign: %w", err)
	}
	return requireRow(result, "campaign")
}

// UpdateStatus changes only the campaign status.
func (r *campaignRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	return requireRow(result, "campaign")
}

// UpdateRatio persists a pacing ratio adjustment.
func (r *campaignRepo) UpdateRatio(ctx context.Context, id int64, ratio float64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET target_ratio = ?, updated_at = ? WHERE id = ?`,
		ratio, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating campaign ratio: %w", err)
	}
	return requireRow(result, "campaign")
}

// AddDailyCounts increments the daily placed/answered/dropped counters.
func (r *campaignRepo) AddDailyCounts(ctx context.Context, id int64, placed, answered, dropped int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET calls_placed_today = calls_placed_today + ?,
		 calls_answered_today = calls_answered_today + ?,
		 calls_dropped_today = calls_dropped_today + ?
		 WHERE id = ?`,
		placed, answered, dropped, id,
	)
	if err != nil {
		return fmt.Errorf("updating campaign daily counts: %w", err)
	}
	return nil
}

// ResetDailyCounts zeroes the daily counters, run at campaign-local
// midnight.
func (r *campaignRepo) ResetDailyCounts(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET calls_placed_today = 0, calls_answered_today = 0,
		 calls_dropped_today = 0 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("resetting campaign daily counts: %w", err)
	}
	return nil
}

// Delete removes a campaign and, via foreign key cascade, its leads.
func (r *campaignRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting campaign: %w", err)
	}
	return requireRow(result, "campaign")
}

func (r *campaignRepo) list(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := scanCampaign(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scanning campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating campaign rows: %w", err)
	}
	return campaigns, nil
}

func (r *campaignRepo) scanOne(row *sql.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := scanCampaign(row.Scan, &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning campaign: %w", err)
	}
	return &c, nil
}

func scanCampaign(scan func(...any) error, c *models.Campaign) error {
	return scan(&c.ID, &c.Name, &c.Mode, &c.Status, &c.TargetRatio, &c.DropSLA,
		&c.Timezone, &c.DaysMask, &c.WindowStart, &c.WindowEnd, &c.MaxAttempts,
		&c.MinRetryGapMin, &c.RetryDelays, &c.RecycleEnabled, &c.RecycleNoAnswerDays,
		&c.RecycleBusyDays, &c.RecycleDisconnectedDays, &c.MaxRecycles,
		&c.RecycleExcludeDNC, &c.RecycleBusinessHoursOnly, &c.EnableAMD, &c.AMDMessage,
		&c.RequiredSkills, &c.CallerID, &c.MaxConcurrent, &c.CallsPlacedToday,
		&c.CallsAnsweredToday, &c.CallsDroppedToday, &c.CreatedAt, &c.UpdatedAt)
}

// requireRow maps a zero-row update or delete to ErrNotFound.
func requireRow(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return nil
}
