// Package pacing computes per-campaign origination counts for the dialing
// scheduler. The engine combines live agent availability with rolling call
// telemetry; the drop-rate monitor grades abandoned calls against each
// campaign's SLA and feeds throttle actions back into the engine.
package pacing

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
)

// Hard bounds on any pacing ratio.
const (
	MinRatio = 0.5
	MaxRatio = 10.0
)

// adjustThreshold is the relative change below which a recomputed ratio is
// held rather than applied.
const adjustThreshold = 0.05

// Adjustment reasons recorded on the audit trail.
const (
	ReasonRecompute = "predictive_recompute"
	ReasonCritical  = "drop_rate_critical"
	ReasonHigh      = "drop_rate_high"
	ReasonMedium    = "drop_rate_medium"
	ReasonRecovered = "drop_rate_recovered"
	ReasonManual    = "manual"
)

// AgentCounts is the live presence breakdown of one campaign's team.
type AgentCounts struct {
	Assigned  int // rostered on the campaign
	LoggedIn  int // any status but offline
	Available int
	OnCall    int
	WrapUp    int
	Break     int
}

// CampaignStats carries the rolling telemetry a pacing decision needs.
// DropRatePct is the current day-window rate from the monitor; the contact
// rate is meaningful only when HasHistory is set.
type CampaignStats struct {
	ContactRatePct float64
	HasHistory     bool
	AvgCallSeconds float64
	AvgWrapSeconds float64
	UtilizationPct float64
	DropRatePct    float64
	ActiveOutbound int
}

// Snapshot is the live pacing view of one campaign.
type Snapshot struct {
	Ratio       float64 `json:"ratio"`
	Paused      bool    `json:"paused"`
	PauseReason string  `json:"pause_reason,omitempty"`
}

// Config tunes the engine.
type Config struct {
	MaxPerTick int // global cap on new originations per tick
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{MaxPerTick: 50}
}

// campaignState is the runtime pacing state of one campaign. The mutex
// serializes writes; reads go through the atomic and may trail a write.
type campaignState struct {
	mu          sync.Mutex
	bits        atomic.Uint64
	paused      atomic.Bool
	pauseReason string
	lastChange  time.Time
}

func (st *campaignState) ratio() float64     { return math.Float64frombits(st.bits.Load()) }
func (st *campaignState) setRatio(r float64) { st.bits.Store(math.Float64bits(r)) }

// Engine owns the effective pacing ratio of every campaign and turns agent
// and telemetry snapshots into calls-to-place counts.
type Engine struct {
	audits database.PacingAuditRepository
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	campaigns map[int64]*campaignState
}

// NewEngine creates a pacing engine writing its adjustment trail to audits.
func NewEngine(audits database.PacingAuditRepository, bus *events.Bus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = DefaultConfig().MaxPerTick
	}
	return &Engine{
		audits:    audits,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("subsystem", "pacing"),
		campaigns: make(map[int64]*campaignState),
	}
}

// CallsToPlace computes how many new originations a campaign should start
// this tick. Manual and preview modes never auto-dial; progressive dials one
// call per free agent; ratio and predictive multiply free agents by the
// effective ratio. The result is capped by the campaign's max concurrent
// calls and the global per-tick limit, and is zero while the campaign's
// originations are paused.
func (e *Engine) CallsToPlace(ctx context.Context, c *models.Campaign, agents AgentCounts, stats CampaignStats, now time.Time) int {
	st := e.state(c.ID)
	if st.paused.Load() {
		return 0
	}

	var calls int
	switch c.Mode {
	case models.ModeProgressive:
		calls = agents.Available - stats.ActiveOutbound
	case models.ModeRatio:
		r := e.seeded(st, c)
		calls = int(float64(agents.Available)*r) - stats.ActiveOutbound
		if c.DropSLA > 0 && stats.DropRatePct > c.DropSLA {
			penalty := math.Max(0.5, 1-(stats.DropRatePct/c.DropSLA-1)*0.4)
			calls = int(float64(calls) * penalty)
		}
	case models.ModePredictive:
		target := predictiveRatio(c, agents, stats, now)
		r := e.adjust(ctx, st, c, target, ReasonRecompute, "", nil, false)
		calls = int(float64(agents.Available)*r) - stats.ActiveOutbound
	default:
		// manual, preview
		return 0
	}

	if c.MaxConcurrent > 0 {
		if room := c.MaxConcurrent - stats.ActiveOutbound; calls > room {
			calls = room
		}
	}
	if calls < 0 {
		calls = 0
	}
	if calls > e.cfg.MaxPerTick {
		calls = e.cfg.MaxPerTick
	}
	return calls
}

// ApplyAssessment turns a drop-rate verdict into a pacing action: critical
// drops the ratio to the floor and pauses originations, high and medium
// throttle, and a fully healthy campaign recovers one step back toward its
// configured target. A critical hold lifts on the first assessment with no
// violated window, so the campaign dials again at the floor ratio; manual
// pauses stay until Resume. Modes without a ratio only react to critical.
func (e *Engine) ApplyAssessment(ctx context.Context, c *models.Campaign, a Assessment) {
	st := e.state(c.ID)
	hasRatio := c.Mode == models.ModeRatio || c.Mode == models.ModePredictive
	if hasRatio {
		e.seeded(st, c)
	}

	switch a.Severity {
	case SeverityCritical:
		if hasRatio {
			e.adjust(ctx, st, c, MinRatio, ReasonCritical, a.Severity, &a.Windows, true)
		}
		if !st.paused.Swap(true) {
			st.mu.Lock()
			st.pauseReason = ReasonCritical
			st.mu.Unlock()
			e.logger.Warn("pausing originations on critical drop rate",
				"campaign_id", c.ID, "violated", a.Violated)
			e.publish(c.ID, "pacing.paused", map[string]any{
				"reason":   ReasonCritical,
				"severity": a.Severity,
			})
		}
	case SeverityHigh:
		if hasRatio {
			e.adjust(ctx, st, c, clamp(st.ratio()*0.7, MinRatio, MaxRatio), ReasonHigh, a.Severity, &a.Windows, true)
		}
	case SeverityMedium:
		if hasRatio {
			e.adjust(ctx, st, c, clamp(st.ratio()*0.85, MinRatio, MaxRatio), ReasonMedium, a.Severity, &a.Windows, true)
		}
	default:
		// No window in violation: lift a critical hold. A manually paused
		// campaign stays paused.
		st.mu.Lock()
		criticalHold := st.paused.Load() && st.pauseReason == ReasonCritical
		st.mu.Unlock()
		if criticalHold {
			e.Resume(c.ID)
		}
		if hasRatio && a.Healthy && !st.paused.Load() {
			ceiling := math.Min(c.TargetRatio, MaxRatio)
			target := math.Min(st.ratio()*1.1, ceiling)
			if target > st.ratio() {
				e.adjust(ctx, st, c, target, ReasonRecovered, "", &a.Windows, true)
			}
		}
	}
}

// SetRatio moves a campaign's effective ratio by hand. The value is clamped
// to the hard bounds, applied regardless of the adjustment threshold, and
// audited like any other change.
func (e *Engine) SetRatio(ctx context.Context, c *models.Campaign, ratio float64) float64 {
	st := e.state(c.ID)
	e.seeded(st, c)
	return e.adjust(ctx, st, c, clamp(ratio, MinRatio, MaxRatio), ReasonManual, "", nil, true)
}

// Pause stops new originations for a campaign until Resume.
func (e *Engine) Pause(campaignID int64, reason string) {
	if reason == "" {
		reason = ReasonManual
	}
	st := e.state(campaignID)
	if !st.paused.Swap(true) {
		st.mu.Lock()
		st.pauseReason = reason
		st.mu.Unlock()
		e.logger.Info("pacing paused", "campaign_id", campaignID, "reason", reason)
		e.publish(campaignID, "pacing.paused", map[string]any{"reason": reason})
	}
}

// Resume lifts a pause. A critical-drop hold also lifts itself through
// ApplyAssessment once the windows clear; a manual pause only lifts here.
func (e *Engine) Resume(campaignID int64) {
	st := e.state(campaignID)
	if st.paused.Swap(false) {
		st.mu.Lock()
		st.pauseReason = ""
		st.mu.Unlock()
		e.logger.Info("pacing resumed", "campaign_id", campaignID)
		e.publish(campaignID, "pacing.resumed", nil)
	}
}

// Paused reports whether a campaign's originations are held.
func (e *Engine) Paused(campaignID int64) bool {
	return e.state(campaignID).paused.Load()
}

// Ratio returns the effective pacing ratio. Reads may trail an in-flight
// adjustment.
func (e *Engine) Ratio(campaignID int64) float64 {
	return e.state(campaignID).ratio()
}

// Ratios returns the effective ratio of every campaign the engine has
// touched.
func (e *Engine) Ratios() map[int64]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int64]float64, len(e.campaigns))
	for id, st := range e.campaigns {
		out[id] = st.ratio()
	}
	return out
}

// Snapshot returns the live pacing view of one campaign.
func (e *Engine) Snapshot(campaignID int64) Snapshot {
	st := e.state(campaignID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		Ratio:       st.ratio(),
		Paused:      st.paused.Load(),
		PauseReason: st.pauseReason,
	}
}

// Forget drops the runtime state of a campaign that is no longer dialing.
func (e *Engine) Forget(campaignID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.campaigns, campaignID)
}

func (e *Engine) state(campaignID int64) *campaignState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.campaigns[campaignID]
	if !ok {
		st = &campaignState{}
		e.campaigns[campaignID] = st
	}
	return st
}

// seeded returns the campaign's ratio, initializing it from the configured
// target on first use.
func (e *Engine) seeded(st *campaignState, c *models.Campaign) float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ratio() == 0 {
		st.setRatio(clamp(c.TargetRatio, MinRatio, MaxRatio))
	}
	return st.ratio()
}

// adjust moves a campaign's ratio to target under the per-campaign write
// lock. Changes at or under the threshold are held unless forced; every
// applied change lands on the audit trail and the campaign topic. The first
// write seeds silently.
func (e *Engine) adjust(ctx context.Context, st *campaignState, c *models.Campaign, target float64, reason, severity string, windows *WindowRates, force bool) float64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	old := st.ratio()
	if old == 0 {
		st.setRatio(target)
		return target
	}
	if target == old {
		return old
	}
	if !force && math.Abs(target-old)/old <= adjustThreshold {
		return old
	}

	st.setRatio(target)
	st.lastChange = time.Now().UTC()

	audit := &models.PacingAudit{
		CampaignID: c.ID,
		OldRatio:   old,
		NewRatio:   target,
		Reason:     reason,
		Severity:   severity,
	}
	if windows != nil {
		if data, err := json.Marshal(windows); err == nil {
			audit.Windows = string(data)
		}
	}
	if err := e.audits.Append(ctx, audit); err != nil {
		e.logger.Error("could not append pacing audit",
			"campaign_id", c.ID, "error", err)
	}

	e.logger.Info("pacing ratio adjusted",
		"campaign_id", c.ID,
		"old", old,
		"new", target,
		"reason", reason,
		"severity", severity)
	e.publish(c.ID, "pacing.adjusted", map[string]any{
		"old_ratio": old,
		"new_ratio": target,
		"reason":    reason,
		"severity":  severity,
	})
	return target
}

func (e *Engine) publish(campaignID int64, typ string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["campaign_id"] = campaignID
	e.bus.Publish(events.Event{
		Type:  typ,
		Topic: events.CampaignTopic(strconv.FormatInt(campaignID, 10)),
		Time:  time.Now().UTC(),
		Data:  data,
	})
}

// predictiveRatio computes the target ratio from the campaign's live
// telemetry: an inverse-contact-rate base scaled by the contact, drop,
// availability, utilization, and time-of-day factors, clamped so one agent
// never carries more than two simultaneous dials.
func predictiveRatio(c *models.Campaign, agents AgentCounts, stats CampaignStats, now time.Time) float64 {
	base := c.TargetRatio
	contact := 1.0
	if stats.HasHistory {
		if stats.ContactRatePct > 0 {
			base = clamp(100/stats.ContactRatePct, 1.0, 3.0)
		} else {
			base = 3.0
		}
		contact = contactFactor(stats.ContactRatePct)
	}

	r := base * contact *
		dropFactor(stats.DropRatePct, c.DropSLA) *
		availabilityFactor(agents.Available, agents.LoggedIn) *
		utilizationFactor(stats.UtilizationPct) *
		timeOfDayFactor(localHour(c.Timezone, now))

	hi := math.Min(MaxRatio, 2*float64(agents.Assigned))
	if hi < MinRatio {
		hi = MinRatio
	}
	return clamp(r, MinRatio, hi)
}

// contactFactor raises pacing as dials reach live contacts less often.
func contactFactor(pct float64) float64 {
	switch {
	case pct >= 50:
		return 0.8 + (pct-50)/100*0.1
	case pct >= 30:
		return 0.9 + (pct-30)/20*0.1
	case pct >= 15:
		return 1.0 + (30-pct)/15*0.3
	default:
		return 1.3 + (15-pct)/15*0.4
	}
}

// dropFactor backs off as the current drop rate approaches the SLA and
// speeds up when well under it. A zero SLA tolerates no drops at all.
func dropFactor(currentPct, slaPct float64) float64 {
	if slaPct <= 0 {
		if currentPct > 0 {
			return 0.5
		}
		return 1.0
	}
	switch {
	case currentPct > 1.2*slaPct:
		return 0.5
	case currentPct > slaPct:
		return math.Max(0.6, 1-(currentPct/slaPct-1)*0.4)
	case currentPct < 0.5*slaPct:
		return math.Min(1.3, 1+(0.5*slaPct-currentPct)/(0.5*slaPct)*0.3)
	default:
		return 1.0
	}
}

// availabilityFactor scales by the share of logged-in agents who are free.
func availabilityFactor(available, loggedIn int) float64 {
	if loggedIn <= 0 {
		return 0.5
	}
	switch share := float64(available) / float64(loggedIn); {
	case share >= 0.8:
		return 1.2
	case share >= 0.6:
		return 1.0
	case share >= 0.4:
		return 0.9
	case share >= 0.2:
		return 0.7
	default:
		return 0.5
	}
}

// utilizationFactor pushes harder when agents sit idle and eases off as
// they saturate.
func utilizationFactor(pct float64) float64 {
	switch {
	case pct >= 90:
		return 0.8
	case pct >= 75:
		return 0.9
	case pct >= 60:
		return 1.0
	case pct >= 40:
		return 1.1
	default:
		return 1.3
	}
}

// timeOfDayFactor favours the answer-rate bands of the dialing day. Rules
// are checked in order; the first match wins.
func timeOfDayFactor(hour int) float64 {
	switch {
	case (hour >= 10 && hour <= 14) || (hour >= 18 && hour <= 20):
		return 1.1
	case hour >= 8 && hour <= 17:
		return 1.0
	case (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19):
		return 0.95
	default:
		return 0.8
	}
}

func localHour(tz string, now time.Time) int {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Hour()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
