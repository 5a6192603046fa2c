package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
)

// agentRepo implements AgentRepository.
type agentRepo struct {
	db *DB
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *DB) AgentRepository {
	return &agentRepo{db: db}
}

const agentColumns = `agent_id, status, since, skills, campaigns, queues,
	current_task_id, last_call_end, total_calls, version, updated_at`

// Upsert writes the full presence row, creating it on first login.
func (r *agentRepo) Upsert(ctx context.Context, p *models.AgentPresence) error {
	p.UpdatedAt = time.Now().UTC()
	if p.Since.IsZero() {
		p.Since = p.UpdatedAt
	}
	if p.Skills == "" {
		p.Skills = "[]"
	}
	if p.Campaigns == "" {
		p.Campaigns = "[]"
	}
	if p.Queues == "" {
		p.Queues = "[]"
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, status, since, skills, campaigns, queues,
		 current_task_id, last_call_end, total_calls, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   status = excluded.status,
		   since = excluded.since,
		   skills = excluded.skills,
		   campaigns = excluded.campaigns,
		   queues = excluded.queues,
		   current_task_id = excluded.current_task_id,
		   last_call_end = excluded.last_call_end,
		   total_calls = excluded.total_calls,
		   version = agents.version + 1,
		   updated_at = excluded.updated_at`,
		p.AgentID, p.Status, p.Since, p.Skills, p.Campaigns, p.Queues,
		p.CurrentTaskID, p.LastCallEnd, p.TotalCalls, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting agent presence: %w", err)
	}
	return nil
}

// GetByID returns an agent's presence row, or nil when unknown.
func (r *agentRepo) GetByID(ctx context.Context, agentID string) (*models.AgentPresence, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID,
	))
}

// List returns all known agents.
func (r *agentRepo) List(ctx context.Context) ([]models.AgentPresence, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []models.AgentPresence
	for rows.Next() {
		var p models.AgentPresence
		if err := scanAgent(rows.Scan, &p); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// Update writes presence with an optimistic version check.
func (r *agentRepo) Update(ctx context.Context, p *models.AgentPresence) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, since = ?, skills = ?, campaigns = ?,
		 queues = ?, current_task_id = ?, last_call_end = ?, total_calls = ?,
		 version = version + 1, updated_at = ?
		 WHERE agent_id = ? AND version = ?`,
		p.Status, p.Since, p.Skills, p.Campaigns, p.Queues,
		p.CurrentTaskID, p.LastCallEnd, p.TotalCalls, p.UpdatedAt,
		p.AgentID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("updating agent presence: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s version %d: %w", p.AgentID, p.Version, ErrConflict)
	}
	p.Version++
	return nil
}

// StatusCounts returns how many agents sit in each presence status.
func (r *agentRepo) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting agents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning agent count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent counts: %w", err)
	}
	return counts, nil
}

func (r *agentRepo) scanOne(row *sql.Row) (*models.AgentPresence, error) {
	var p models.AgentPresence
	err := scanAgent(row.Scan, &p)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	return &p, nil
}

func scanAgent(scan func(...any) error, p *models.AgentPresence) error {
	return scan(&p.AgentID, &p.Status, &p.Since, &p.Skills, &p.Campaigns,
		&p.Queues, &p.CurrentTaskID, &p.LastCallEnd, &p.TotalCalls,
		&p.Version, &p.UpdatedAt)
}
