package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
)

type cdrRepo struct {
	db *sql.DB
}

const cdrColumns = `id, call_task_id, campaign_id, lead_id, agent_id, phone,
	start_time, answer_time, end_time, ring_seconds, talk_seconds,
	hold_seconds, wrap_seconds, outcome, hangup_party, recording_id, cost`

// Create inserts a call detail record. CDRs are write-once per call task; a
// duplicate insert returns ErrConflict.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO cdrs (call_task_id, campaign_id, lead_id, agent_id, phone,
		 start_time, answer_time, end_time, ring_seconds, talk_seconds,
		 hold_seconds, wrap_seconds, outcome, hangup_party, recording_id, cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		cdr.CallTaskID, cdr.CampaignID, cdr.LeadID, cdr.AgentID, cdr.Phone,
		cdr.StartTime, cdr.AnswerTime, cdr.EndTime, cdr.RingSeconds,
		cdr.TalkSeconds, cdr.HoldSeconds, cdr.WrapSeconds, cdr.Outcome,
		cdr.HangupParty, cdr.RecordingID, cdr.Cost,
	).Scan(&cdr.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("cdr for task %s: %w", cdr.CallTaskID, database.ErrConflict)
		}
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

// GetByID returns a CDR by ID, or nil when it does not exist.
func (r *cdrRepo) GetByID(ctx context.Context, id int64) (*models.CDR, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE id = $1`, id,
	))
}

// GetByCallTaskID returns the CDR written for a call task, or nil.
func (r *cdrRepo) GetByCallTaskID(ctx context.Context, callTaskID string) (*models.CDR, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_task_id = $1`, callTaskID,
	))
}

// List returns CDRs matching the filter, along with the total count.
func (r *cdrRepo) List(ctx context.Context, filter database.CDRListFilter) ([]models.CDR, int, error) {
	where := "1=1"
	args := []any{}
	next := func() string { return "$" + strconv.Itoa(len(args)) }

	if filter.CampaignID != 0 {
		args = append(args, filter.CampaignID)
		where += " AND campaign_id = " + next()
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where += " AND agent_id = " + next()
	}
	if filter.Outcome != "" {
		args = append(args, filter.Outcome)
		where += " AND outcome = " + next()
	}
	if filter.StartDate != "" {
		args = append(args, filter.StartDate)
		where += " AND start_time >= " + next()
	}
	if filter.EndDate != "" {
		args = append(args, filter.EndDate)
		where += " AND start_time <= " + next()
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM cdrs WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	// Fetch the page of results.
	args = append(args, filter.Limit)
	limitPos := next()
	args = append(args, filter.Offset)
	offsetPos := next()
	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ` + limitPos + ` OFFSET ` + offsetPos

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
		`SELECT `+cdrColumns+` FROM cdrs ORDER BY start_time DESC LIMIT $1`, limit,
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
// given time.
func (r *cdrRepo) OutcomeCounts(ctx context.Context, campaignID int64, since time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM cdrs
		 WHERE campaign_id = $1 AND start_time >= $2
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
// campaign's calls since the given time.
func (r *cdrRepo) DurationStats(ctx context.Context, campaignID int64, since time.Time) (avgTalk, avgWrap float64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(talk_seconds), 0), COALESCE(AVG(wrap_seconds), 0)
		 FROM cdrs WHERE campaign_id = $1 AND start_time >= $2`,
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
