// Package agents tracks agent presence for the dialer. The tracker is the
// single writer for agent status: the inbound router, the telephony service,
// and the ops API all signal transitions through it, and it keeps the
// wrap-up clock that returns agents to available after a call.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
)

// Config holds tracker tuning knobs.
type Config struct {
	// WrapUpDuration is how long an agent stays in wrap_up after a call
	// before automatically returning to available. Zero disables wrap-up
	// and sends agents straight back to available.
	WrapUpDuration time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{WrapUpDuration: 30 * time.Second}
}

// ErrUnknownStatus is returned by SetStatus for a status outside the
// presence model.
var ErrUnknownStatus = errors.New("unknown agent status")

var validStatuses = map[string]bool{
	models.AgentOffline:   true,
	models.AgentAvailable: true,
	models.AgentBusy:      true,
	models.AgentOnCall:    true,
	models.AgentWrapUp:    true,
	models.AgentBreak:     true,
	models.AgentLunch:     true,
}

// Tracker maintains agent presence and publishes status changes on the bus.
type Tracker struct {
	repo   database.AgentRepository
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	wrapUps map[string]*time.Timer
	onAvail []func(agentID string)
	stopped bool
}

// NewTracker creates a presence tracker backed by the agent repository.
func NewTracker(repo database.AgentRepository, bus *events.Bus, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.WrapUpDuration < 0 {
		cfg.WrapUpDuration = 0
	}
	return &Tracker{
		repo:    repo,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		wrapUps: make(map[string]*time.Timer),
	}
}

// OnAvailable registers a hook fired whenever an agent becomes available.
// The inbound router uses this to attempt an immediate queue match.
func (t *Tracker) OnAvailable(fn func(agentID string)) {
	t.mu.Lock()
	t.onAvail = append(t.onAvail, fn)
	t.mu.Unlock()
}

// Stop cancels all pending wrap-up timers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.wrapUps {
		timer.Stop()
		delete(t.wrapUps, id)
	}
}

// SetStatus transitions an agent to the given status, creating the presence
// row on first contact. Manual transitions cancel any pending wrap-up timer.
func (t *Tracker) SetStatus(ctx context.Context, agentID, status string) (*models.AgentPresence, error) {
	if !validStatuses[status] {
		return nil, fmt.Errorf("%w %q", ErrUnknownStatus, status)
	}

	p, err := t.apply(ctx, agentID, func(p *models.AgentPresence) {
		if p.Status != status {
			p.Status = status
			p.Since = time.Now().UTC()
		}
		if status != models.AgentOnCall {
			p.CurrentTaskID = ""
		}
	})
	if err != nil {
		return nil, err
	}

	t.cancelWrapUp(agentID)
	t.publish(p, "")
	if status == models.AgentAvailable {
		t.fireAvailable(agentID)
	}
	return p, nil
}

// AssignTask marks an agent on_call with the given call task.
func (t *Tracker) AssignTask(ctx context.Context, agentID, taskID string) error {
	p, err := t.apply(ctx, agentID, func(p *models.AgentPresence) {
		if p.Status != models.AgentOnCall {
			p.Status = models.AgentOnCall
			p.Since = time.Now().UTC()
		}
		p.CurrentTaskID = taskID
	})
	if err != nil {
		return err
	}
	t.cancelWrapUp(agentID)
	t.publish(p, taskID)
	return nil
}

// CompleteCall records the end of an agent's call: bumps the call counter,
// clears the task binding, and enters wrap_up. The agent returns to
// available automatically after the configured wrap-up duration unless the
// status changes in the meantime.
func (t *Tracker) CompleteCall(ctx context.Context, agentID string) error {
	now := time.Now().UTC()
	target := models.AgentWrapUp
	if t.cfg.WrapUpDuration == 0 {
		target = models.AgentAvailable
	}

	p, err := t.apply(ctx, agentID, func(p *models.AgentPresence) {
		p.Status = target
		p.Since = now
		p.CurrentTaskID = ""
		p.LastCallEnd = &now
		p.TotalCalls++
	})
	if err != nil {
		return err
	}

	t.publish(p, "")
	if target == models.AgentAvailable {
		t.fireAvailable(agentID)
		return nil
	}

	t.scheduleWrapUp(agentID)
	return nil
}

// Get returns an agent's presence, or nil when the agent is unknown.
func (t *Tracker) Get(ctx context.Context, agentID string) (*models.AgentPresence, error) {
	return t.repo.GetByID(ctx, agentID)
}

// List returns all known agent presences.
func (t *Tracker) List(ctx context.Context) ([]models.AgentPresence, error) {
	return t.repo.List(ctx)
}

// StatusCounts returns the number of agents in each status.
func (t *Tracker) StatusCounts(ctx context.Context) (map[string]int, error) {
	return t.repo.StatusCounts(ctx)
}

// apply loads (or creates) the presence row, runs mutate, and persists with
// one optimistic retry on version conflict.
func (t *Tracker) apply(ctx context.Context, agentID string, mutate func(*models.AgentPresence)) (*models.AgentPresence, error) {
	for attempt := 0; attempt < 2; attempt++ {
		p, err := t.repo.GetByID(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			p = &models.AgentPresence{
				AgentID: agentID,
				Status:  models.AgentOffline,
				Since:   time.Now().UTC(),
			}
			mutate(p)
			if err := t.repo.Upsert(ctx, p); err != nil {
				return nil, err
			}
			return p, nil
		}

		mutate(p)
		err = t.repo.Update(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, err
		}
		// Lost the race; re-read and reapply once.
	}
	return nil, fmt.Errorf("agent %s: %w", agentID, database.ErrConflict)
}

// scheduleWrapUp arms the auto-transition timer for an agent in wrap_up.
func (t *Tracker) scheduleWrapUp(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old, ok := t.wrapUps[agentID]; ok {
		old.Stop()
	}
	t.wrapUps[agentID] = time.AfterFunc(t.cfg.WrapUpDuration, func() {
		t.finishWrapUp(agentID)
	})
}

// finishWrapUp returns an agent to available when the wrap-up timer fires,
// unless the status moved on while the timer was pending.
func (t *Tracker) finishWrapUp(agentID string) {
	t.mu.Lock()
	delete(t.wrapUps, agentID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := t.repo.GetByID(ctx, agentID)
	if err != nil {
		t.logger.Error("wrap-up lookup failed", "agent_id", agentID, "error", err)
		return
	}
	if p == nil || p.Status != models.AgentWrapUp {
		return
	}

	if _, err := t.SetStatus(ctx, agentID, models.AgentAvailable); err != nil {
		t.logger.Error("wrap-up transition failed", "agent_id", agentID, "error", err)
	}
}

func (t *Tracker) cancelWrapUp(agentID string) {
	t.mu.Lock()
	if timer, ok := t.wrapUps[agentID]; ok {
		timer.Stop()
		delete(t.wrapUps, agentID)
	}
	t.mu.Unlock()
}

func (t *Tracker) publish(p *models.AgentPresence, taskID string) {
	data := map[string]any{
		"agent_id": p.AgentID,
		"status":   p.Status,
	}
	if taskID != "" {
		data["task_id"] = taskID
	}
	t.bus.Publish(events.Event{
		Type:  "agent.status_changed",
		Topic: events.AgentTopic(p.AgentID),
		Time:  time.Now().UTC(),
		Data:  data,
	})
}

func (t *Tracker) fireAvailable(agentID string) {
	t.mu.Lock()
	hooks := make([]func(string), len(t.onAvail))
	copy(hooks, t.onAvail)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(agentID)
	}
}
