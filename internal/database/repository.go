package database

import (
	"context"
	"errors"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
)

// Sentinel errors shared by all repositories.
var (
	// ErrConflict means an optimistic update lost the race: the row's
	// version moved, or a uniqueness constraint rejected the write.
	ErrConflict = errors.New("database: conflict")

	// ErrNotFound means an update or delete targeted a row that does not
	// exist. Gets return (nil, nil) instead.
	ErrNotFound = errors.New("database: not found")
)

// CampaignRepository manages dialing campaigns.
type CampaignRepository interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	List(ctx context.Context) ([]models.Campaign, error)
	ListByStatus(ctx context.Context, status string) ([]models.Campaign, error)
	Update(ctx context.Context, c *models.Campaign) error
	UpdateStatus(ctx context.Context, id int64, status string) error
	UpdateRatio(ctx context.Context, id int64, ratio float64) error
	AddDailyCounts(ctx context.Context, id int64, placed, answered, dropped int) error
	ResetDailyCounts(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// LeadRepository manages campaign leads. Update is optimistic on the lead
// version and returns ErrConflict when the row moved underneath the caller.
type LeadRepository interface {
	Create(ctx context.Context, lead *models.Lead) error
	CreateBatch(ctx context.Context, leads []models.Lead) (int, error)
	GetByID(ctx context.Context, id int64) (*models.Lead, error)
	Update(ctx context.Context, lead *models.Lead) error
	ListCallable(ctx context.Context, campaignID int64, maxAttempts, limit int, now time.Time) ([]models.Lead, error)
	CountByStatus(ctx context.Context, campaignID int64) (map[string]int, error)
	ResetForRecycle(ctx context.Context, campaignID int64, status string, olderThan time.Time, maxRecycles int, excludeDNC bool) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// CallTaskRepository manages call task rows. The telephony service is the
// single writer after origination.
type CallTaskRepository interface {
	Create(ctx context.Context, task *models.CallTask) error
	GetByID(ctx context.Context, id string) (*models.CallTask, error)
	GetByChannelID(ctx context.Context, channelID string) (*models.CallTask, error)
	Update(ctx context.Context, task *models.CallTask) error
	BindChannel(ctx context.Context, id, channelID string) error
	ListActive(ctx context.Context) ([]models.CallTask, error)
	CountActiveByCampaign(ctx context.Context, campaignID int64) (int, error)
}

// CDRListFilter specifies filtering and pagination for CDR list queries.
type CDRListFilter struct {
	Limit      int
	Offset     int
	CampaignID int64  // 0 = all
	AgentID    string // "" = all
	Outcome    string // "" = all
	StartDate  string // RFC3339 or YYYY-MM-DD
	EndDate    string // RFC3339 or YYYY-MM-DD
}

// CDRRepository manages call detail records. CDRs are write-once: a second
// Create for the same call task returns ErrConflict.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByID(ctx context.Context, id int64) (*models.CDR, error)
	GetByCallTaskID(ctx context.Context, callTaskID string) (*models.CDR, error)
	List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CDR, error)
	OutcomeCounts(ctx context.Context, campaignID int64, since time.Time) (map[string]int, error)
	DurationStats(ctx context.Context, campaignID int64, since time.Time) (avgTalk, avgWrap float64, err error)
}

// AgentRepository manages durable agent presence. Update is optimistic on
// the presence version.
type AgentRepository interface {
	Upsert(ctx context.Context, p *models.AgentPresence) error
	GetByID(ctx context.Context, agentID string) (*models.AgentPresence, error)
	List(ctx context.Context) ([]models.AgentPresence, error)
	Update(ctx context.Context, p *models.AgentPresence) error
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// RecordingRepository manages recording metadata rows.
type RecordingRepository interface {
	Create(ctx context.Context, rec *models.RecordingMetadata) error
	GetByID(ctx context.Context, id string) (*models.RecordingMetadata, error)
	GetActiveByCall(ctx context.Context, callTaskID string) (*models.RecordingMetadata, error)
	Update(ctx context.Context, rec *models.RecordingMetadata) error
	ListByCall(ctx context.Context, callTaskID string) ([]models.RecordingMetadata, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.RecordingMetadata, error)
}

// PacingAuditRepository appends and reads the pacing adjustment trail.
type PacingAuditRepository interface {
	Append(ctx context.Context, a *models.PacingAudit) error
	ListByCampaign(ctx context.Context, campaignID int64, limit int) ([]models.PacingAudit, error)
}
