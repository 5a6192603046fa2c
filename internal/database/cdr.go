package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
)

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

const cdrColumns = `id, call_task_id, campaign_id, lead_id, agent_id, phone,
	start_time, answer_time, end_time, ring_seconds, talk_seconds,
	hold_seconds, wrap_seconds, outcome, hangup_party, recording_id, cost`

// Create inserts a call detail record. CDRs are write-once per call task; a
// duplicate insert returns ErrConflict.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_task_id, campaign_id, lead_id, agent_id, phone,
		 start_time, answer_time, end_time, ring_seconds, talk_seconds,
		 hold_seconds, wrap_seconds, outcome, hangup_party, recording_id, cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallTaskID, cdr.CampaignID, cdr.LeadID, cdr.AgentID, cdr.Phone,
		cdr.StartTime, cdr.AnswerTime, cdr.EndTime, cdr.RingSeconds,
		cdr.TalkSeconds, cdr.HoldSeconds, cdr.WrapSeconds, cdr.Outcome,
		cdr.HangupParty, cdr.RecordingID, cdr.Cost,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("cdr for task %s: %w", cdr.CallTaskID, ErrConflict)
		}
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

// GetByID returns a CDR by ID, or nil when it does not exist.
func (r *cdrRepo) GetByID(ctx context.Context, id int64) (*models.CDR, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE id = ?`, id,
	))
}

// GetByCallTaskID returns the CDR written for a call task, or nil.
func (r *cdrRepo) GetByCallTaskID(ctx context.Context, callTaskID string) (*models.CDR, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_task_id = ?`, callTaskID,
	))
}

// List returns CDRs matching the filter, along with the total count.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error) {
	where := "1=1"
	args := []any{}

	if filter.CampaignID != 0 {
		where += " AND campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM cdrs WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := scanCDR(rows.Scan, &c); err != nil {
			return nil, 0, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating cdr rows: %w", err)
	}

	return cdrs, total, nil
}

// ListRecent returns the most recent CDRs up to the given limit.
func (r *cdrRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs ORDER BY start_time DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := scanCDR(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scanning recent cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recent cdr rows: %w", err)
	}

	return cdrs, nil
}

// OutcomeCounts returns per-outcome call counts for a campaign since the
// given time. The pacing engine seeds its contact-rate history from this.
func (r *cdrRepo) OutcomeCounts(ctx context.Context, campaignID int64, since time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM cdrs
		 WHERE campaign_id = ? AND start_time >= ?
		 GROUP BY outcome`,
		campaignID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("counting cdr outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome counts: %w", err)
	}
	return counts, nil
}

// DurationStats returns the average talk and wrap-up seconds across a
// campaign's calls since the given time. Campaigns with no history
// return zeroes.
func (r *cdrRepo) DurationStats(ctx context.Context, campaignID int64, since time.Time) (avgTalk, avgWrap float64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(talk_seconds), 0), COALESCE(AVG(wrap_seconds), 0)
		 FROM cdrs WHERE campaign_id = ? AND start_time >= ?`,
		campaignID, since.UTC(),
	).Scan(&avgTalk, &avgWrap)
	if err != nil {
		return 0, 0, fmt.Errorf("averaging cdr durations: %w", err)
	}
	return avgTalk, avgWrap, nil
}

func (r *cdrRepo) scanOne(row *sql.Row) (*models.CDR, error) {
	var c models.CDR
	err := scanCDR(row.Scan, &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}

func scanCDR(scan func(...any) error, c *models.CDR) error {
	return scan(&c.ID, &c.CallTaskID, &c.CampaignID, &c.LeadID, &c.AgentID,
		&c.Phone, &c.StartTime, &c.AnswerTime, &c.EndTime, &c.RingSeconds,
		&c.TalkSeconds, &c.HoldSeconds, &c.WrapSeconds, &c.Outcome,
		&c.HangupParty, &c.RecordingID, &c.Cost)
}
