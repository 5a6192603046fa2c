// Package dispatch decides which leads get dialed. Select pulls callable
// candidates through every compliance and scheduling gate, ScheduleRetry
// folds call outcomes back into lead state, and Recycle returns exhausted
// leads to the pool once their cool-off has passed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
)

// overfetchFactor is how many store candidates are pulled per requested
// lead, so rows parked by the in-memory gates do not starve a tick.
const overfetchFactor = 3

// defaultRetryDelay applies when a retryable outcome has no entry in the
// campaign's delay table and no minimum retry gap is configured.
const defaultRetryDelay = 15 * time.Minute

// retryableOutcomes are scheduled for another attempt while attempts
// remain; every other outcome settles the lead.
var retryableOutcomes = map[string]bool{
	models.OutcomeNoAnswer: true,
	models.OutcomeBusy:     true,
	models.OutcomeFailed:   true,
}

// Dispatcher owns lead selection and disposition for outbound campaigns.
type Dispatcher struct {
	leads  database.LeadRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over the lead store.
func NewDispatcher(leads database.LeadRepository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		leads:  leads,
		logger: logger.With("subsystem", "dispatch"),
		now:    time.Now,
	}
}

// Select returns up to n leads ready to dial right now. The store query
// applies the cheap gates and ordering (priority desc, staleness, age); the
// remaining gates run here against the clock and the campaign's windows.
func (d *Dispatcher) Select(ctx context.Context, c *models.Campaign, n int) ([]models.Lead, error) {
	if n <= 0 {
		return nil, nil
	}
	now := d.now().UTC()
	candidates, err := d.leads.ListCallable(ctx, c.ID, c.MaxAttempts, overfetchFactor*n, now)
	if err != nil {
		return nil, fmt.Errorf("selecting leads: %w", err)
	}

	out := make([]models.Lead, 0, n)
	for i := range candidates {
		if !Callable(&candidates[i], c, now) {
			continue
		}
		out = append(out, candidates[i])
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// ScheduleRetry folds a call outcome back into the lead: the attempt is
// counted, the call stamped, and the lead either parked for a delayed retry
// or settled on the outcome's terminal status. A concurrent writer triggers
// exactly one re-read and reapply.
func (d *Dispatcher) ScheduleRetry(ctx context.Context, lead *models.Lead, c *models.Campaign, outcome string) error {
	err := d.applyOutcome(ctx, lead, c, outcome)
	if !errors.Is(err, database.ErrConflict) {
		return err
	}

	fresh, err := d.leads.GetByID(ctx, lead.ID)
	if err != nil {
		return fmt.Errorf("re-reading lead %d: %w", lead.ID, err)
	}
	if fresh == nil {
		return fmt.Errorf("lead %d disappeared while scheduling retry", lead.ID)
	}
	*lead = *fresh
	return d.applyOutcome(ctx, lead, c, outcome)
}

// MarkActive flags a lead as in-dial so subsequent selections skip it
// until an outcome lands. A concurrent writer triggers one re-read.
func (d *Dispatcher) MarkActive(ctx context.Context, lead *models.Lead) error {
	lead.Status = models.LeadActive
	err := d.leads.Update(ctx, lead)
	if !errors.Is(err, database.ErrConflict) {
		return err
	}

	fresh, gerr := d.leads.GetByID(ctx, lead.ID)
	if gerr != nil || fresh == nil {
		return err
	}
	fresh.Status = models.LeadActive
	if err := d.leads.Update(ctx, fresh); err != nil {
		return err
	}
	*lead = *fresh
	return nil
}

func (d *Dispatcher) applyOutcome(ctx context.Context, lead *models.Lead, c *models.Campaign, outcome string) error {
	now := d.now().UTC()
	lead.Attempts++
	lead.LastCallAt = &now

	if retryableOutcomes[outcome] && lead.Attempts < c.MaxAttempts {
		next := now.Add(retryDelay(c, outcome))
		lead.Status = models.LeadRetry
		lead.NextCallAt = &next
	} else {
		lead.Status = outcomeStatus(outcome)
		lead.NextCallAt = nil
	}
	return d.leads.Update(ctx, lead)
}

// Recycle resets settled leads whose cool-off has elapsed so the campaign
// can work them again. Each outcome threshold runs as one bulk update; a
// second run without intervening calls resets nothing.
func (d *Dispatcher) Recycle(ctx context.Context, c *models.Campaign) (int64, error) {
	if c.Status != models.CampaignActive || !c.RecycleEnabled {
		return 0, nil
	}
	now := d.now().UTC()
	if c.RecycleBusinessHoursOnly && !CampaignOpen(c, now) {
		return 0, nil
	}

	thresholds := []struct {
		status string
		days   int
	}{
		{models.LeadNoAnswer, c.RecycleNoAnswerDays},
		{models.LeadBusy, c.RecycleBusyDays},
		{models.LeadDisconnected, c.RecycleDisconnectedDays},
	}

	var total int64
	for _, th := range thresholds {
		if th.days <= 0 {
			continue
		}
		n, err := d.leads.ResetForRecycle(ctx, c.ID, th.status,
			now.AddDate(0, 0, -th.days), c.MaxRecycles, c.RecycleExcludeDNC)
		if err != nil {
			return total, fmt.Errorf("recycling %s leads: %w", th.status, err)
		}
		total += n
	}
	if total > 0 {
		d.logger.Info("recycled leads", "campaign_id", c.ID, "count", total)
	}
	return total, nil
}

// Callable reports whether a lead may be dialed at now: workable status,
// attempts left, not DNC, consented, outside the retry gap, not expired,
// not parked, campaign window open in the campaign's own timezone, and the
// same window plus the lead's best-call range holding in the lead's local
// time. The campaign gate runs first: a window that has closed where the
// campaign lives stops dialing even when the lead's timezone trails behind.
func Callable(l *models.Lead, c *models.Campaign, now time.Time) bool {
	switch l.Status {
	case models.LeadNew, models.LeadCallback, models.LeadRetry:
	default:
		return false
	}
	if l.Attempts >= c.MaxAttempts {
		return false
	}
	if l.DNC || !l.Consent {
		return false
	}
	if l.LastCallAt != nil && c.MinRetryGapMin > 0 &&
		now.Sub(*l.LastCallAt) < time.Duration(c.MinRetryGapMin)*time.Minute {
		return false
	}
	if l.DoNotCallAfter != nil && now.After(*l.DoNotCallAfter) {
		return false
	}
	if l.NextCallAt != nil && l.NextCallAt.After(now) {
		return false
	}

	if !CampaignOpen(c, now) {
		return false
	}
	local := now.In(leadLocation(l, c))
	if !weekdayEnabled(c.DaysMask, local.Weekday()) {
		return false
	}
	if !inWindow(local, c.WindowStart, c.WindowEnd) {
		return false
	}
	if l.BestCallStart != "" && l.BestCallEnd != "" &&
		!inWindow(local, l.BestCallStart, l.BestCallEnd) {
		return false
	}
	return true
}

// CampaignOpen reports whether the campaign's dialing window is open at now
// in the campaign's own timezone.
func CampaignOpen(c *models.Campaign, now time.Time) bool {
	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	return weekdayEnabled(c.DaysMask, local.Weekday()) &&
		inWindow(local, c.WindowStart, c.WindowEnd)
}

// outcomeStatus maps a call outcome to the lead status it settles on.
// Machine pickups count as worked (the AMD message was delivered) and
// abandoned calls become callbacks so the customer is re-dialed.
func outcomeStatus(outcome string) string {
	switch outcome {
	case models.OutcomeAnswered:
		return models.LeadAnswered
	case models.OutcomeNoAnswer:
		return models.LeadNoAnswer
	case models.OutcomeBusy:
		return models.LeadBusy
	case models.OutcomeDisconnected:
		return models.LeadDisconnected
	case models.OutcomeMachine:
		return models.LeadCompleted
	case models.OutcomeAbandoned:
		return models.LeadCallback
	case models.OutcomeFailed:
		return models.LeadFailed
	case models.OutcomeInvalid:
		return models.LeadInvalid
	default:
		return models.LeadCalled
	}
}

// retryDelay returns the outcome's delay from the campaign's per-outcome
// table, falling back to the minimum retry gap.
func retryDelay(c *models.Campaign, outcome string) time.Duration {
	if mins, ok := models.DecodeRetryDelays(c.RetryDelays)[outcome]; ok && mins > 0 {
		return time.Duration(mins) * time.Minute
	}
	if c.MinRetryGapMin > 0 {
		return time.Duration(c.MinRetryGapMin) * time.Minute
	}
	return defaultRetryDelay
}

// leadLocation resolves the lead's local timezone, falling back to the
// campaign's and then UTC.
func leadLocation(l *models.Lead, c *models.Campaign) *time.Location {
	for _, tz := range []string{l.Timezone, c.Timezone} {
		if tz == "" {
			continue
		}
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

func weekdayEnabled(mask int, day time.Weekday) bool {
	return mask&(1<<uint(day)) != 0
}

// inWindow reports whether the local time falls inside a half-open HH:MM
// window. Windows wrapping midnight (start after end) cover both partial
// days; an unset or malformed window allows the whole day.
func inWindow(local time.Time, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	s, okS := parseMinutes(start)
	e, okE := parseMinutes(end)
	if !okS || !okE {
		return true
	}
	cur := local.Hour()*60 + local.Minute()
	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func parseMinutes(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
