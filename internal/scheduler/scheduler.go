// Package scheduler drives the dialer's periodic jobs: the per-campaign
// dialing tick, agent utilization rollups, PBX keep-alive checks, lead
// recycling, recording retention sweeps, and daily counter resets.
//
// Jobs run inline on their ticker goroutine, so a run that overlaps the
// next tick drops that tick instead of queueing it. Missed ticks are not
// backfilled. Per-campaign failures inside a run are logged and never
// stop the loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/pacing"
	"github.com/dialgrid/dialgrid/internal/telephony"
)

// Config tunes the job cadences and the telemetry windows behind the
// campaign tick.
type Config struct {
	CampaignInterval  time.Duration // dialing tick
	AgentInterval     time.Duration // utilization rollup
	KeepAliveInterval time.Duration // PBX link verification
	RecycleInterval   time.Duration // lead recycle and retention sweep
	ResetInterval     time.Duration // cadence of the local-midnight check
	JobTimeout        time.Duration // per-run context deadline

	MaxHeartbeatAge time.Duration // ARI heartbeat staleness threshold
	MaxActivityAge  time.Duration // AMI quiet period before an explicit ping

	HistoryWindow   time.Duration // rolling CDR window behind pacing stats
	MinHistoryCalls int           // calls before the contact rate is trusted
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		CampaignInterval:  5 * time.Second,
		AgentInterval:     30 * time.Second,
		KeepAliveInterval: time.Minute,
		RecycleInterval:   time.Hour,
		ResetInterval:     time.Minute,
		JobTimeout:        30 * time.Second,
		MaxHeartbeatAge:   90 * time.Second,
		MaxActivityAge:    2 * time.Minute,
		HistoryWindow:     24 * time.Hour,
		MinHistoryCalls:   20,
	}
}

// Dialer is the slice of the telephony service the campaign tick drives.
type Dialer interface {
	Originate(ctx context.Context, req telephony.OriginateRequest) (models.CallTask, error)
	Degraded() bool
}

// LeadFlow is the slice of the lead dispatcher the scheduler drives.
type LeadFlow interface {
	Select(ctx context.Context, c *models.Campaign, n int) ([]models.Lead, error)
	MarkActive(ctx context.Context, lead *models.Lead) error
	ScheduleRetry(ctx context.Context, lead *models.Lead, c *models.Campaign, outcome string) error
	Recycle(ctx context.Context, c *models.Campaign) (int64, error)
}

// AgentSource reads live agent presence.
type AgentSource interface {
	List(ctx context.Context) ([]models.AgentPresence, error)
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// ARIStatus is the health surface of the ARI link.
type ARIStatus interface {
	Connected() bool
	HeartbeatAge() time.Duration
}

// AMIStatus is the health surface of the AMI link.
type AMIStatus interface {
	Connected() bool
	ActivityAge() time.Duration
	Ping(ctx context.Context) error
}

// Sweeper removes recordings past their retention.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Deps are the collaborators the scheduler drives. ARI, AMI, and
// Recordings may be nil; the jobs that need them skip the missing piece.
type Deps struct {
	Campaigns  database.CampaignRepository
	Tasks      database.CallTaskRepository
	CDRs       database.CDRRepository
	Leads      LeadFlow
	Agents     AgentSource
	Engine     *pacing.Engine
	Monitor    *pacing.Monitor
	Dialer     Dialer
	ARI        ARIStatus
	AMI        AMIStatus
	Recordings Sweeper
	Bus        *events.Bus
}

// Scheduler owns the periodic jobs. Construct with New, then Start.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	stopped      bool
	pbxDegraded  bool
	lastResetDay map[int64]string // campaign id -> local date last seen

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New assembles a scheduler. Zero config fields fall back to defaults.
func New(deps Deps, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.CampaignInterval <= 0 {
		cfg.CampaignInterval = def.CampaignInterval
	}
	if cfg.AgentInterval <= 0 {
		cfg.AgentInterval = def.AgentInterval
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.RecycleInterval <= 0 {
		cfg.RecycleInterval = def.RecycleInterval
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = def.ResetInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxHeartbeatAge <= 0 {
		cfg.MaxHeartbeatAge = def.MaxHeartbeatAge
	}
	if cfg.MaxActivityAge <= 0 {
		cfg.MaxActivityAge = def.MaxActivityAge
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.MinHistoryCalls <= 0 {
		cfg.MinHistoryCalls = def.MinHistoryCalls
	}
	return &Scheduler{
		deps:         deps,
		cfg:          cfg,
		logger:       logger.With("subsystem", "scheduler"),
		lastResetDay: make(map[int64]string),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Start launches one goroutine per job.
func (s *Scheduler) Start() {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"campaign_tick", s.cfg.CampaignInterval, s.tickCampaigns},
		{"agent_rollup", s.cfg.AgentInterval, s.rollupAgents},
		{"pbx_keepalive", s.cfg.KeepAliveInterval, s.checkPBX},
		{"lead_recycle", s.cfg.RecycleInterval, s.recycleLeads},
		{"retention_sweep", s.cfg.RecycleInterval, s.sweepRecordings},
		{"daily_reset", s.cfg.ResetInterval, s.resetDailyCounters},
	}
	for _, j := range jobs {
		s.wg.Add(1)
		go s.loop(j.interval, j.run)
	}
	s.logger.Info("scheduler started", "jobs", len(jobs))
}

// Stop halts all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
			run(ctx)
			cancel()
		}
	}
}

// tickCampaigns runs one dialing pass over every active campaign.
func (s *Scheduler) tickCampaigns(ctx context.Context) {
	campaigns, err := s.deps.Campaigns.ListByStatus(ctx, models.CampaignActive)
	if err != nil {
		s.logger.Error("listing active campaigns", "error", err)
		return
	}
	now := s.now().UTC()
	for i := range campaigns {
		if err := s.tickCampaign(ctx, &campaigns[i], now); err != nil {
			s.logger.Error("campaign tick", "campaign_id", campaigns[i].ID, "error", err)
		}
	}
}

func (s *Scheduler) tickCampaign(ctx context.Context, c *models.Campaign, now time.Time) error {
	counts, err := s.agentCounts(ctx, c.ID)
	if err != nil {
		return err
	}
	stats, err := s.campaignStats(ctx, c, counts, now)
	if err != nil {
		return err
	}

	assessment := s.deps.Monitor.Assess(c.ID, c.DropSLA, now)
	s.deps.Engine.ApplyAssessment(ctx, c, assessment)
	stats.DropRatePct = assessment.Windows.Day.Rate

	want := s.deps.Engine.CallsToPlace(ctx, c, counts, stats, now)
	if want <= 0 {
		return nil
	}
	if s.deps.Dialer.Degraded() {
		s.logger.Warn("pbx degraded, holding originations",
			"campaign_id", c.ID, "wanted", want)
		return nil
	}

	leads, err := s.deps.Leads.Select(ctx, c, want)
	if err != nil {
		return fmt.Errorf("selecting leads: %w", err)
	}
	placed := 0
	for i := range leads {
		if err := s.originate(ctx, c, &leads[i]); err != nil {
			s.logger.Error("origination",
				"campaign_id", c.ID, "lead_id", leads[i].ID, "error", err)
			continue
		}
		placed++
	}
	if placed > 0 {
		if err := s.deps.Campaigns.AddDailyCounts(ctx, c.ID, placed, 0, 0); err != nil {
			s.logger.Error("counting placed calls", "campaign_id", c.ID, "error", err)
		}
		s.logger.Debug("placed calls", "campaign_id", c.ID, "placed", placed, "wanted", want)
	}
	return nil
}

// originate parks the lead in the active status before the PBX round
// trip, then places the call. A failed origination counts the attempt
// and follows the campaign's retry policy.
func (s *Scheduler) originate(ctx context.Context, c *models.Campaign, lead *models.Lead) error {
	if err := s.deps.Leads.MarkActive(ctx, lead); err != nil {
		return fmt.Errorf("marking lead %d active: %w", lead.ID, err)
	}
	_, err := s.deps.Dialer.Originate(ctx, telephony.OriginateRequest{
		LeadID:         lead.ID,
		CampaignID:     c.ID,
		Phone:          lead.Phone,
		CallerID:       c.CallerID,
		EnableAMD:      c.EnableAMD,
		MachineMessage: c.AMDMessage,
	})
	if err != nil {
		if rerr := s.deps.Leads.ScheduleRetry(ctx, lead, c, models.OutcomeFailed); rerr != nil {
			s.logger.Error("recording failed origination", "lead_id", lead.ID, "error", rerr)
		}
		return err
	}
	return nil
}

// agentCounts folds live presence into one campaign's team breakdown.
// Membership comes from the presence row's campaign id list.
func (s *Scheduler) agentCounts(ctx context.Context, campaignID int64) (pacing.AgentCounts, error) {
	all, err := s.deps.Agents.List(ctx)
	if err != nil {
		return pacing.AgentCounts{}, fmt.Errorf("listing agents: %w", err)
	}
	id := strconv.FormatInt(campaignID, 10)
	var counts pacing.AgentCounts
	for i := range all {
		a := &all[i]
		if !assignedTo(a.Campaigns, id) {
			continue
		}
		counts.Assigned++
		if a.Status == models.AgentOffline {
			continue
		}
		counts.LoggedIn++
		switch a.Status {
		case models.AgentAvailable:
			counts.Available++
		case models.AgentOnCall, models.AgentBusy:
			counts.OnCall++
		case models.AgentWrapUp:
			counts.WrapUp++
		case models.AgentBreak, models.AgentLunch:
			counts.Break++
		}
	}
	return counts, nil
}

func assignedTo(campaigns, id string) bool {
	for _, c := range models.DecodeStrings(campaigns) {
		if c == id {
			return true
		}
	}
	return false
}

// campaignStats assembles the telemetry behind one pacing decision: the
// rolling contact rate and call durations from CDR history, live
// utilization from presence, and the current outbound load.
func (s *Scheduler) campaignStats(ctx context.Context, c *models.Campaign, counts pacing.AgentCounts, now time.Time) (pacing.CampaignStats, error) {
	var stats pacing.CampaignStats

	active, err := s.deps.Tasks.CountActiveByCampaign(ctx, c.ID)
	if err != nil {
		return stats, fmt.Errorf("counting active tasks: %w", err)
	}
	stats.ActiveOutbound = active

	since := now.Add(-s.cfg.HistoryWindow)
	outcomes, err := s.deps.CDRs.OutcomeCounts(ctx, c.ID, since)
	if err != nil {
		return stats, fmt.Errorf("reading outcome history: %w", err)
	}
	total := 0
	for _, n := range outcomes {
		total += n
	}
	if total >= s.cfg.MinHistoryCalls {
		stats.HasHistory = true
		stats.ContactRatePct = float64(outcomes[models.OutcomeAnswered]) / float64(total) * 100
	}

	avgTalk, avgWrap, err := s.deps.CDRs.DurationStats(ctx, c.ID, since)
	if err != nil {
		return stats, fmt.Errorf("reading duration history: %w", err)
	}
	stats.AvgCallSeconds = avgTalk
	stats.AvgWrapSeconds = avgWrap

	if counts.LoggedIn > 0 {
		stats.UtilizationPct = float64(counts.OnCall+counts.WrapUp) / float64(counts.LoggedIn) * 100
	}
	return stats, nil
}

// rollupAgents publishes a fleet-wide presence summary to supervisors.
func (s *Scheduler) rollupAgents(ctx context.Context) {
	counts, err := s.deps.Agents.StatusCounts(ctx)
	if err != nil {
		s.logger.Error("agent rollup", "error", err)
		return
	}

	data := make(map[string]any, len(counts)+2)
	loggedIn := 0
	for status, n := range counts {
		data[status] = n
		if status != models.AgentOffline {
			loggedIn += n
		}
	}
	busy := counts[models.AgentOnCall] + counts[models.AgentWrapUp] + counts[models.AgentBusy]
	utilization := 0.0
	if loggedIn > 0 {
		utilization = float64(busy) / float64(loggedIn) * 100
	}
	data["logged_in"] = loggedIn
	data["utilization_pct"] = utilization

	s.publish("agents.utilization", data)
	s.logger.Debug("agent rollup", "logged_in", loggedIn, "utilization_pct", utilization)
}

// checkPBX verifies both PBX links and publishes transitions between the
// healthy and degraded states. An AMI link that has merely been quiet is
// pinged before it counts as a problem.
func (s *Scheduler) checkPBX(ctx context.Context) {
	var problems []string
	if s.deps.ARI != nil {
		if !s.deps.ARI.Connected() {
			problems = append(problems, "ari disconnected")
		} else if age := s.deps.ARI.HeartbeatAge(); age > s.cfg.MaxHeartbeatAge {
			problems = append(problems, fmt.Sprintf("ari heartbeat stale (%s)", age.Round(time.Second)))
		}
	}
	if s.deps.AMI != nil {
		if !s.deps.AMI.Connected() {
			problems = append(problems, "ami disconnected")
		} else if age := s.deps.AMI.ActivityAge(); age > s.cfg.MaxActivityAge {
			if err := s.deps.AMI.Ping(ctx); err != nil {
				problems = append(problems, fmt.Sprintf("ami ping failed: %v", err))
			}
		}
	}

	s.mu.Lock()
	wasDegraded := s.pbxDegraded
	s.pbxDegraded = len(problems) > 0
	s.mu.Unlock()

	switch {
	case len(problems) > 0 && !wasDegraded:
		s.logger.Error("pbx link degraded", "problems", problems)
		s.publish("pbx.degraded", map[string]any{"problems": problems})
	case len(problems) == 0 && wasDegraded:
		s.logger.Info("pbx link recovered")
		s.publish("pbx.recovered", nil)
	}
}

// recycleLeads reruns the recycle pass for every active campaign that has
// the flag on.
func (s *Scheduler) recycleLeads(ctx context.Context) {
	campaigns, err := s.deps.Campaigns.ListByStatus(ctx, models.CampaignActive)
	if err != nil {
		s.logger.Error("listing campaigns for recycle", "error", err)
		return
	}
	for i := range campaigns {
		c := &campaigns[i]
		if !c.RecycleEnabled {
			continue
		}
		if _, err := s.deps.Leads.Recycle(ctx, c); err != nil {
			s.logger.Error("recycle", "campaign_id", c.ID, "error", err)
		}
	}
}

func (s *Scheduler) sweepRecordings(ctx context.Context) {
	if s.deps.Recordings == nil {
		return
	}
	if _, err := s.deps.Recordings.Sweep(ctx); err != nil {
		s.logger.Error("retention sweep", "error", err)
	}
}

// resetDailyCounters zeroes each campaign's daily counters on the first
// check after its local midnight. The first sighting of a campaign only
// records its current date, so a process restart never wipes live
// counters mid-day. A failed reset is retried on the next check.
func (s *Scheduler) resetDailyCounters(ctx context.Context) {
	campaigns, err := s.deps.Campaigns.List(ctx)
	if err != nil {
		s.logger.Error("listing campaigns for daily reset", "error", err)
		return
	}
	now := s.now()
	for i := range campaigns {
		c := &campaigns[i]
		loc := time.UTC
		if c.Timezone != "" {
			if l, err := time.LoadLocation(c.Timezone); err == nil {
				loc = l
			}
		}
		day := now.In(loc).Format("2006-01-02")

		s.mu.Lock()
		last, seen := s.lastResetDay[c.ID]
		if !seen || last == day {
			s.lastResetDay[c.ID] = day
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if err := s.deps.Campaigns.ResetDailyCounts(ctx, c.ID); err != nil {
			s.logger.Error("daily reset", "campaign_id", c.ID, "error", err)
			continue
		}
		s.mu.Lock()
		s.lastResetDay[c.ID] = day
		s.mu.Unlock()
		s.logger.Info("daily counters reset", "campaign_id", c.ID, "local_date", day)
	}
}

func (s *Scheduler) publish(typ string, data map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(events.Event{
		Type:  typ,
		Topic: events.TopicSupervisors,
		Data:  data,
	})
}
