package database

import (
	"context"
	"fmt"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
)

// pacingAuditRepo implements PacingAuditRepository.
type pacingAuditRepo struct {
	db *DB
}

// NewPacingAuditRepository creates a new PacingAuditRepository.
func NewPacingAuditRepository(db *DB) PacingAuditRepository {
	return &pacingAuditRepo{db: db}
}

// Append records one pacing ratio adjustment.
func (r *pacingAuditRepo) Append(ctx context.Context, a *models.PacingAudit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Windows == "" {
		a.Windows = "{}"
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO pacing_audits (campaign_id, old_ratio, new_ratio, reason,
		 severity, windows, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.CampaignID, a.OldRatio, a.NewRatio, a.Reason,
		a.Severity, a.Windows, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting pacing audit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// ListByCampaign returns the most recent adjustments for a campaign.
func (r *pacingAuditRepo) ListByCampaign(ctx context.Context, campaignID int64, limit int) ([]models.PacingAudit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, campaign_id, old_ratio, new_ratio, reason, severity,
		 windows, created_at
		 FROM pacing_audits WHERE campaign_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		campaignID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pacing audits: %w", err)
	}
	defer rows.Close()

	var audits []models.PacingAudit
	for rows.Next() {
		var a models.PacingAudit
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.OldRatio, &a.NewRatio,
			&a.Reason, &a.Severity, &a.Windows, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pacing audit row: %w", err)
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pacing audit rows: %w", err)
	}
	return audits, nil
}
