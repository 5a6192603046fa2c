package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
)

type leadRepo struct {
	db *sql.DB
}

const leadColumns = `id, campaign_id, phone, alt_phone, timezone,
	best_call_start, best_call_end, status, attempts, recycle_count,
	last_call_at, next_call_at, priority, dnc, consent, do_not_call_after,
	version, created_at, updated_at`

// Create inserts a single lead. A duplicate phone within the campaign
// returns ErrConflict.
func (r *leadRepo) Create(ctx context.Context, lead *models.Lead) error {
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	if lead.Version == 0 {
		lead.Version = 1
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO leads (campaign_id, phone, alt_phone, timezone,
		 best_call_start, best_call_end, status, attempts, recycle_count,
		 last_call_at, next_call_at, priority, dnc, consent, do_not_call_after,
		 version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING id`,
		lead.CampaignID, lead.Phone, lead.AltPhone, lead.Timezone,
		lead.BestCallStart, lead.BestCallEnd, lead.Status, lead.Attempts,
		lead.RecycleCount, lead.LastCallAt, lead.NextCallAt, lead.Priority,
		lead.DNC, lead.Consent, lead.DoNotCallAfter, lead.Version,
		lead.CreatedAt, lead.UpdatedAt,
	).Scan(&lead.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lead %s: %w", lead.Phone, database.ErrConflict)
		}
		return fmt.Errorf("inserting lead: %w", err)
	}
	return nil
}

// CreateBatch imports leads in one transaction, skipping duplicates. It
// returns the number actually inserted.
func (r *leadRepo) CreateBatch(ctx context.Context, leads []models.Lead) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning lead import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (campaign_id, phone, alt_phone, timezone,
		 best_call_start, best_call_end, status, attempts, recycle_count,
		 priority, dnc, consent, do_not_call_after, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $9, $10, $11, 1, $12, $13)
		 ON CONFLICT (campaign_id, phone) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("preparing lead import: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for i := range leads {
		lead := &leads[i]
		if lead.Status == "" {
			lead.Status = models.LeadNew
		}
		if lead.Priority == 0 {
			lead.Priority = 3
		}
		result, err := stmt.ExecContext(ctx,
			lead.CampaignID, lead.Phone, lead.AltPhone, lead.Timezone,
			lead.BestCallStart, lead.BestCallEnd, lead.Status, lead.Priority,
			lead.DNC, lead.Consent, lead.DoNotCallAfter, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting lead %s: %w", lead.Phone, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("getting rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing lead import: %w", err)
	}
	return inserted, nil
}

// GetByID returns a lead by ID, or nil when it does not exist.
func (r *leadRepo) GetByID(ctx context.Context, id int64) (*models.Lead, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id,
	))
}

// Update writes the lead's mutable dialing state with an optimistic version
// check. ErrConflict means the row moved; re-read and reapply.
func (r *leadRepo) Update(ctx context.Context, lead *models.Lead) error {
	lead.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE leads SET status = $1, attempts = $2, recycle_count = $3,
		 last_call_at = $4, next_call_at = $5, priority = $6, dnc = $7,
		 consent = $8, do_not_call_after = $9, version = version + 1,
		 updated_at = $10
		 WHERE id = $11 AND version = $12`,
		lead.Status, lead.Attempts, lead.RecycleCount,
		lead.LastCallAt, lead.NextCallAt, lead.Priority, lead.DNC, lead.Consent,
		lead.DoNotCallAfter, lead.UpdatedAt,
		lead.ID, lead.Version,
	)
	if err != nil {
		return fmt.Errorf("updating lead: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lead %d version %d: %w", lead.ID, lead.Version, database.ErrConflict)
	}
	lead.Version++
	return nil
}

// ListCallable returns dialable candidates for a campaign ordered by
// priority, staleness, and age. Time-window and retry-gap checks happen in
// the dispatcher; this query applies the cheap SQL-expressible gates.
func (r *leadRepo) ListCallable(ctx context.Context, campaignID int64, maxAttempts, limit int, now time.Time) ([]models.Lead, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads
		 WHERE campaign_id = $1
		   AND status IN ($2, $3, $4)
		   AND NOT dnc AND consent
		   AND attempts < $5
		   AND (next_call_at IS NULL OR next_call_at <= $6)
		   AND (do_not_call_after IS NULL OR do_not_call_after >= $7)
		 ORDER BY priority DESC, last_call_at ASC NULLS FIRST, created_at ASC
		 LIMIT $8`,
		campaignID, models.LeadNew, models.LeadCallback, models.LeadRetry,
		maxAttempts, now.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing callable leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		var l models.Lead
		if err := scanLead(rows.Scan, &l); err != nil {
			return nil, fmt.Errorf("scanning lead row: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lead rows: %w", err)
	}
	return leads, nil
}

// CountByStatus returns per-status lead counts for a campaign.
func (r *leadRepo) CountByStatus(ctx context.Context, campaignID int64) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM leads WHERE campaign_id = $1 GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("counting leads: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning lead count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lead counts: %w", err)
	}
	return counts, nil
}

// ResetForRecycle bulk-resets exhausted leads with the given status back to
// new, provided their last call predates olderThan and they have recycles
// left. Returns the number of rows reset; a second run without intervening
// calls resets nothing.
func (r *leadRepo) ResetForRecycle(ctx context.Context, campaignID int64, status string, olderThan time.Time, maxRecycles int, excludeDNC bool) (int64, error) {
	query := `UPDATE leads SET status = $1, attempts = 0,
		 recycle_count = recycle_count + 1, next_call_at = NULL,
		 version = version + 1, updated_at = $2
		 WHERE campaign_id = $3 AND status = $4
		   AND last_call_at IS NOT NULL AND last_call_at < $5
		   AND recycle_count < $6`
	args := []any{
		models.LeadNew, time.Now().UTC(),
		campaignID, status, olderThan.UTC(), maxRecycles,
	}
	if excludeDNC {
		query += ` AND NOT dnc`
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("recycling leads: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// Delete removes a lead.
func (r *leadRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM leads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting lead: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lead: %w", database.ErrNotFound)
	}
	return nil
}

func (r *leadRepo) scanOne(row *sql.Row) (*models.Lead, error) {
	var l models.Lead
	err := scanLead(row.Scan, &l)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lead: %w", err)
	}
	return &l, nil
}

func scanLead(scan func(...any) error, l *models.Lead) error {
	return scan(&l.ID, &l.CampaignID, &l.Phone, &l.AltPhone, &l.Timezone,
		&l.BestCallStart, &l.BestCallEnd, &l.Status, &l.Attempts, &l.RecycleCount,
		&l.LastCallAt, &l.NextCallAt, &l.Priority, &l.DNC, &l.Consent,
		&l.DoNotCallAfter, &l.Version, &l.CreatedAt, &l.UpdatedAt)
}
