package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialgrid/dialgrid/internal/agents"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/pacing"
)

// readyCheckTimeout bounds the store ping during a readiness probe.
const readyCheckTimeout = 2 * time.Second

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the dialer can do useful work: the store
// answers a ping and both PBX control connections are up. Checks with a nil
// dependency are skipped.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		err := s.deps.Store.PingContext(ctx)
		cancel()
		if err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
	}
	if s.deps.ARI != nil {
		if s.deps.ARI.Connected() {
			checks["ari"] = "ok"
		} else {
			checks["ari"] = "disconnected"
			ready = false
		}
	}
	if s.deps.AMI != nil {
		if s.deps.AMI.Connected() {
			checks["ami"] = "ok"
		} else {
			checks["ami"] = "disconnected"
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

// pacingView is the pacing snapshot returned for one campaign: static
// configuration, the live engine state, and the monitor's drop-rate windows.
type pacingView struct {
	CampaignID  int64              `json:"campaign_id"`
	Mode        string             `json:"mode"`
	TargetRatio float64            `json:"target_ratio"`
	DropSLAPct  float64            `json:"drop_sla_pct"`
	Live        pacing.Snapshot    `json:"live"`
	DropRates   pacing.WindowRates `json:"drop_rates"`
}

func (s *Server) handlePacingGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaignFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pacingView{
		CampaignID:  c.ID,
		Mode:        c.Mode,
		TargetRatio: c.TargetRatio,
		DropSLAPct:  c.DropSLA,
		Live:        s.deps.Engine.Snapshot(c.ID),
		DropRates:   s.deps.Monitor.Rates(c.ID, time.Now().UTC()),
	})
}

// handlePacingSet applies a manual ratio override: the new ratio becomes the
// campaign's persisted target and the engine's effective ratio at once.
func (s *Server) handlePacingSet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaignFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		Ratio float64 `json:"ratio"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Ratio < pacing.MinRatio || req.Ratio > pacing.MaxRatio {
		writeError(w, http.StatusBadRequest, "ratio must be between 0.5 and 10")
		return
	}

	if err := s.deps.Campaigns.UpdateRatio(r.Context(), c.ID, req.Ratio); err != nil {
		s.logger.Error("persisting manual ratio", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not persist ratio")
		return
	}
	// c still carries the previous target so a first touch seeds from it and
	// the audit records the real transition.
	applied := s.deps.Engine.SetRatio(r.Context(), c, req.Ratio)

	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": c.ID,
		"ratio":       applied,
	})
}

func (s *Server) handlePacingPause(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaignFromPath(w, r)
	if !ok {
		return
	}
	s.deps.Engine.Pause(c.ID, pacing.ReasonManual)
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot(c.ID))
}

func (s *Server) handlePacingResume(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaignFromPath(w, r)
	if !ok {
		return
	}
	s.deps.Engine.Resume(c.ID)
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot(c.ID))
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, "inbound routing is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Queues.Stats())
}

// agentView is the presence representation returned by the API.
type agentView struct {
	AgentID       string     `json:"agent_id"`
	Status        string     `json:"status"`
	Since         time.Time  `json:"since"`
	Skills        []string   `json:"skills"`
	Campaigns     []string   `json:"campaigns"`
	Queues        []string   `json:"queues"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	LastCallEnd   *time.Time `json:"last_call_end,omitempty"`
	TotalCalls    int        `json:"total_calls"`
}

func toAgentView(p *models.AgentPresence) agentView {
	return agentView{
		AgentID:       p.AgentID,
		Status:        p.Status,
		Since:         p.Since,
		Skills:        models.DecodeStrings(p.Skills),
		Campaigns:     models.DecodeStrings(p.Campaigns),
		Queues:        models.DecodeStrings(p.Queues),
		CurrentTaskID: p.CurrentTaskID,
		LastCallEnd:   p.LastCallEnd,
		TotalCalls:    p.TotalCalls,
	}
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Agents.List(r.Context())
	if err != nil {
		s.logger.Error("listing agents", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list agents")
		return
	}
	views := make([]agentView, len(list))
	for i := range list {
		views[i] = toAgentView(&list[i])
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAgentStatus is the presence signal: agents (or their desktop
// integration) post status transitions here, and an available transition
// nudges the inbound router through the tracker's hooks.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	p, err := s.deps.Agents.SetStatus(r.Context(), agentID, req.Status)
	if errors.Is(err, agents.ErrUnknownStatus) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("setting agent status", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not update agent status")
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(p))
}

// campaignFromPath resolves the {id} route parameter to a campaign, writing
// the error response itself when the id is malformed or unknown.
func (s *Server) campaignFromPath(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "campaign id must be a positive integer")
		return nil, false
	}
	c, err := s.deps.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load campaign")
		return nil, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}
