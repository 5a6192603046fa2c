package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedNow is a Tuesday afternoon inside the default dialing window.
var fixedNow = time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

var phoneSeq atomic.Int64

func newDispatcher(t *testing.T) (*Dispatcher, database.LeadRepository, database.CampaignRepository) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	leads := database.NewLeadRepository(db)
	camps := database.NewCampaignRepository(db)
	d := NewDispatcher(leads, testLogger())
	d.now = func() time.Time { return fixedNow }
	return d, leads, camps
}

func seedCampaign(t *testing.T, repo database.CampaignRepository, mutate func(*models.Campaign)) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:           "q3-renewals",
		Mode:           models.ModePredictive,
		Status:         models.CampaignActive,
		TargetRatio:    2,
		DropSLA:        3,
		Timezone:       "UTC",
		DaysMask:       0x7F, // every day
		WindowStart:    "09:00",
		WindowEnd:      "20:00",
		MaxAttempts:    3,
		MinRetryGapMin: 30,
		RetryDelays:    `{"no_answer":60,"busy":15,"failed":120}`,
		RequiredSkills: "[]",
	}
	if mutate != nil {
		mutate(c)
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("creating campaign: %v", err)
	}
	return c
}

func seedLead(t *testing.T, repo database.LeadRepository, campaignID int64, mutate func(*models.Lead)) *models.Lead {
	t.Helper()
	l := &models.Lead{
		CampaignID: campaignID,
		Phone:      fmt.Sprintf("+1555%07d", phoneSeq.Add(1)),
		Status:     models.LeadNew,
		Priority:   3,
		Consent:    true,
	}
	if mutate != nil {
		mutate(l)
	}
	if err := repo.Create(context.Background(), l); err != nil {
		t.Fatalf("creating lead: %v", err)
	}
	return l
}

func TestSelectAppliesGates(t *testing.T) {
	d, leads, camps := newDispatcher(t)
	c := seedCampaign(t, camps, nil)
	ctx := context.Background()

	hot := seedLead(t, leads, c.ID, func(l *models.Lead) { l.Priority = 5 })
	warm := seedLead(t, leads, c.ID, func(l *models.Lead) { l.Priority = 3 })
	seedLead(t, leads, c.ID, func(l *models.Lead) { l.DNC = true })
	seedLead(t, leads, c.ID, func(l *models.Lead) { l.Consent = false })
	seedLead(t, leads, c.ID, func(l *models.Lead) { l.Attempts = 3 })
	seedLead(t, leads, c.ID, func(l *models.Lead) { l.Status = models.LeadAnswered })
	seedLead(t, leads, c.ID, func(l *models.Lead) {
		parked := fixedNow.Add(time.Hour)
		l.NextCallAt = &parked
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) {
		expired := fixedNow.Add(-time.Hour)
		l.DoNotCallAfter = &expired
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) {
		recent := fixedNow.Add(-10 * time.Minute) // inside the 30m retry gap
		l.LastCallAt = &recent
		l.Status = models.LeadRetry
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) {
		l.BestCallStart = "08:00" // closed at 15:00 local
		l.BestCallEnd = "10:00"
	})

	got, err := d.Select(ctx, c, 10)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Select() = %d leads, want 2: %+v", len(got), got)
	}
	if got[0].ID != hot.ID || got[1].ID != warm.ID {
		t.Errorf("Select() order = [%d %d], want [%d %d]",
			got[0].ID, got[1].ID, hot.ID, warm.ID)
	}
}

func TestSelectTruncatesToAsk(t *testing.T) {
	d, leads, camps := newDispatcher(t)
	c := seedCampaign(t, camps, nil)

	for p := 5; p >= 2; p-- {
		seedLead(t, leads, c.ID, func(l *models.Lead) { l.Priority = p })
	}

	got, err := d.Select(context.Background(), c, 2)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if len(got) != 2 || got[0].Priority != 5 || got[1].Priority != 4 {
		t.Errorf("Select() = %+v, want the two highest priorities", got)
	}

	if got, err := d.Select(context.Background(), c, 0); err != nil || got != nil {
		t.Errorf("Select(0) = %v, %v, want nil, nil", got, err)
	}
}

func TestCallableWindows(t *testing.T) {
	weekdays := 0x3E // Monday through Friday
	base := &models.Campaign{
		Timezone: "UTC", DaysMask: weekdays,
		WindowStart: "09:00", WindowEnd: "20:00",
		MaxAttempts: 3,
	}
	overnight := &models.Campaign{
		Timezone: "UTC", DaysMask: 0x7F,
		WindowStart: "22:00", WindowEnd: "06:00",
		MaxAttempts: 3,
	}
	lead := func(mutate func(*models.Lead)) *models.Lead {
		l := &models.Lead{Status: models.LeadNew, Consent: true}
		if mutate != nil {
			mutate(l)
		}
		return l
	}

	tests := []struct {
		name string
		c    *models.Campaign
		l    *models.Lead
		now  time.Time
		want bool
	}{
		{"inside window", base, lead(nil), fixedNow, true},
		{"before open", base, lead(nil), time.Date(2026, 8, 25, 8, 59, 0, 0, time.UTC), false},
		{"at open", base, lead(nil), time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), true},
		{"at close", base, lead(nil), time.Date(2026, 8, 25, 20, 0, 0, 0, time.UTC), false},
		{"weekend blocked", base, lead(nil), time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC), false}, // Sunday
		{"overnight late evening", overnight, lead(nil), time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC), true},
		{"overnight early morning", overnight, lead(nil), time.Date(2026, 8, 26, 5, 0, 0, 0, time.UTC), true},
		{"overnight midday closed", overnight, lead(nil), fixedNow, false},
		{
			"best-call window closed",
			base,
			lead(func(l *models.Lead) { l.BestCallStart, l.BestCallEnd = "10:00", "12:00" }),
			fixedNow,
			false,
		},
		{
			"best-call window open",
			base,
			lead(func(l *models.Lead) { l.BestCallStart, l.BestCallEnd = "10:00", "12:00" }),
			time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC),
			true,
		},
		{
			"bad lead timezone falls back to campaign",
			base,
			lead(func(l *models.Lead) { l.Timezone = "Nowhere/Flub" }),
			fixedNow,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Callable(tt.l, tt.c, tt.now); got != tt.want {
				t.Errorf("Callable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallableUsesLeadTimezone(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tzdata unavailable")
	}
	c := &models.Campaign{
		Timezone: "UTC", DaysMask: 0x7F,
		WindowStart: "09:00", WindowEnd: "20:00",
		MaxAttempts: 3,
	}
	l := &models.Lead{
		Status: models.LeadNew, Consent: true,
		Timezone: "America/New_York",
	}

	// 01:00 UTC Wednesday is 21:00 Tuesday in New York: outside the window
	// even though UTC would read it as early morning.
	night := time.Date(2026, 8, 26, 1, 0, 0, 0, time.UTC)
	if Callable(l, c, night) {
		t.Error("Callable() = true at 21:00 lead-local, want false")
	}

	// 15:00 UTC is 11:00 in New York: open.
	if !Callable(l, c, fixedNow) {
		t.Error("Callable() = false at 11:00 lead-local, want true")
	}
}

func TestCallableCampaignWindowGatesBeforeLeadWindow(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tzdata unavailable")
	}
	weekdays := 0x3E // Monday through Friday
	c := &models.Campaign{
		Timezone: "America/New_York", DaysMask: weekdays,
		WindowStart: "09:00", WindowEnd: "17:00",
		MaxAttempts: 3,
	}
	l := &models.Lead{
		Status: models.LeadNew, Consent: true,
		Timezone: "America/Los_Angeles",
	}

	// Tuesday 16:30 in New York is 13:30 in Los Angeles: open on both
	// clocks.
	open := time.Date(2026, 8, 25, 20, 30, 0, 0, time.UTC)
	if !Callable(l, c, open) {
		t.Error("Callable() = false at 16:30 campaign-local, want true")
	}

	// One hour later the campaign window has closed in New York even
	// though 14:30 Los Angeles is still inside it. The campaign gate wins.
	closed := time.Date(2026, 8, 25, 21, 30, 0, 0, time.UTC)
	if Callable(l, c, closed) {
		t.Error("Callable() = true at 17:30 campaign-local (14:30 lead-local), want false")
	}
}

func TestCallableAcrossDSTTransitions(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tzdata unavailable")
	}
	c := &models.Campaign{
		Timezone: "America/New_York", DaysMask: 0x7F,
		WindowStart: "09:00", WindowEnd: "17:00",
		MaxAttempts: 3,
	}
	l := &models.Lead{Status: models.LeadNew, Consent: true}

	// The same UTC wall time lands on opposite sides of the 09:00 open
	// depending on whether daylight saving is in effect.
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		// Spring forward: 2026-03-08, EST→EDT at 07:00 UTC.
		{"week before spring forward, 13:30 UTC = 08:30 EST", time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC), false},
		{"spring forward day, 13:30 UTC = 09:30 EDT", time.Date(2026, 3, 8, 13, 30, 0, 0, time.UTC), true},
		// Fall back: 2026-11-01, EDT→EST at 06:00 UTC.
		{"week before fall back, 13:30 UTC = 09:30 EDT", time.Date(2026, 10, 25, 13, 30, 0, 0, time.UTC), true},
		{"fall back day, 13:30 UTC = 08:30 EST", time.Date(2026, 11, 1, 13, 30, 0, 0, time.UTC), false},
		// Close boundary moves the same way.
		{"spring forward day, 21:30 UTC = 17:30 EDT", time.Date(2026, 3, 8, 21, 30, 0, 0, time.UTC), false},
		{"fall back day, 21:30 UTC = 16:30 EST", time.Date(2026, 11, 1, 21, 30, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Callable(l, c, tt.now); got != tt.want {
				t.Errorf("Callable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduleRetryOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		outcome    string
		attempts   int
		wantStatus string
		wantDelay  time.Duration // 0 means next_call_at must be nil
	}{
		{"no answer retries after an hour", models.OutcomeNoAnswer, 0, models.LeadRetry, time.Hour},
		{"busy retries after fifteen", models.OutcomeBusy, 0, models.LeadRetry, 15 * time.Minute},
		{"failed retries after two hours", models.OutcomeFailed, 0, models.LeadRetry, 2 * time.Hour},
		{"last attempt settles", models.OutcomeNoAnswer, 2, models.LeadNoAnswer, 0},
		{"answered settles", models.OutcomeAnswered, 0, models.LeadAnswered, 0},
		{"machine counts as worked", models.OutcomeMachine, 0, models.LeadCompleted, 0},
		{"abandoned becomes a callback", models.OutcomeAbandoned, 0, models.LeadCallback, 0},
		{"disconnected settles", models.OutcomeDisconnected, 0, models.LeadDisconnected, 0},
		{"invalid settles", models.OutcomeInvalid, 0, models.LeadInvalid, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, leads, camps := newDispatcher(t)
			c := seedCampaign(t, camps, nil)
			l := seedLead(t, leads, c.ID, func(l *models.Lead) { l.Attempts = tt.attempts })

			if err := d.ScheduleRetry(context.Background(), l, c, tt.outcome); err != nil {
				t.Fatalf("ScheduleRetry() error: %v", err)
			}

			stored, err := leads.GetByID(context.Background(), l.ID)
			if err != nil || stored == nil {
				t.Fatalf("GetByID() = %v, %v", stored, err)
			}
			if stored.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", stored.Status, tt.wantStatus)
			}
			if stored.Attempts != tt.attempts+1 {
				t.Errorf("attempts = %d, want %d", stored.Attempts, tt.attempts+1)
			}
			if stored.LastCallAt == nil || !stored.LastCallAt.Equal(fixedNow) {
				t.Errorf("last_call_at = %v, want %v", stored.LastCallAt, fixedNow)
			}
			if tt.wantDelay == 0 {
				if stored.NextCallAt != nil {
					t.Errorf("next_call_at = %v, want nil", stored.NextCallAt)
				}
			} else if stored.NextCallAt == nil || !stored.NextCallAt.Equal(fixedNow.Add(tt.wantDelay)) {
				t.Errorf("next_call_at = %v, want %v", stored.NextCallAt, fixedNow.Add(tt.wantDelay))
			}
		})
	}
}

func TestScheduleRetryFallbackDelay(t *testing.T) {
	d, leads, camps := newDispatcher(t)
	c := seedCampaign(t, camps, func(c *models.Campaign) {
		c.RetryDelays = `{}`
		c.MinRetryGapMin = 45
	})
	l := seedLead(t, leads, c.ID, nil)

	if err := d.ScheduleRetry(context.Background(), l, c, models.OutcomeBusy); err != nil {
		t.Fatalf("ScheduleRetry() error: %v", err)
	}
	want := fixedNow.Add(45 * time.Minute)
	if l.NextCallAt == nil || !l.NextCallAt.Equal(want) {
		t.Errorf("next_call_at = %v, want %v", l.NextCallAt, want)
	}
}

func TestScheduleRetryReappliesOnConflict(t *testing.T) {
	d, leads, camps := newDispatcher(t)
	c := seedCampaign(t, camps, nil)
	l := seedLead(t, leads, c.ID, nil)
	ctx := context.Background()

	// Another writer moves the row while we hold a stale copy.
	stale := *l
	l.Priority = 5
	if err := leads.Update(ctx, l); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}

	if err := d.ScheduleRetry(ctx, &stale, c, models.OutcomeNoAnswer); err != nil {
		t.Fatalf("ScheduleRetry() error: %v", err)
	}
	if stale.Attempts != 1 || stale.Status != models.LeadRetry {
		t.Errorf("lead = attempts %d status %q, want 1 retry", stale.Attempts, stale.Status)
	}
	if stale.Priority != 5 {
		t.Errorf("priority = %d, want the concurrent write preserved", stale.Priority)
	}
}

func TestRecycleThresholds(t *testing.T) {
	d, leads, camps := newDispatcher(t)
	c := seedCampaign(t, camps, func(c *models.Campaign) {
		c.RecycleEnabled = true
		c.RecycleNoAnswerDays = 7
		c.RecycleBusyDays = 3
		c.RecycleDisconnectedDays = 0 // off
		c.MaxRecycles = 2
		c.RecycleExcludeDNC = true
	})
	ctx := context.Background()

	at := func(daysAgo int) *time.Time {
		ts := fixedNow.AddDate(0, 0, -daysAgo)
		return &ts
	}
	due := seedLead(t, leads, c.ID, func(l *models.Lead) {
		l.Status = models.LeadNoAnswer
		l.Attempts = 3
		l.LastCallAt = at(8)
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) { // too fresh
		l.Status = models.LeadNoAnswer
		l.LastCallAt = at(6)
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) { // busy threshold
		l.Status = models.LeadBusy
		l.LastCallAt = at(4)
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) { // threshold disabled
		l.Status = models.LeadDisconnected
		l.LastCallAt = at(30)
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) { // out of recycles
		l.Status = models.LeadNoAnswer
		l.LastCallAt = at(8)
		l.RecycleCount = 2
	})
	seedLead(t, leads, c.ID, func(l *models.Lead) { // DNC excluded
		l.Status = models.LeadNoAnswer
		l.LastCallAt = at(8)
		l.DNC = true
	})

	n, err := d.Recycle(ctx, c)
	if err != nil {
		t.Fatalf("Recycle() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("Recycle() = %d, want 2", n)
	}

	reset, err := leads.GetByID(ctx, due.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if reset.Status != models.LeadNew || reset.Attempts != 0 || reset.RecycleCount != 1 {
		t.Errorf("recycled lead = %q attempts %d count %d, want new/0/1",
			reset.Status, reset.Attempts, reset.RecycleCount)
	}

	// Nothing moved since, so the second pass is a no-op.
	if n, err := d.Recycle(ctx, c); err != nil || n != 0 {
		t.Errorf("second Recycle() = %d, %v, want 0", n, err)
	}
}

func TestRecycleGates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Campaign)
	}{
		{"flag off", func(c *models.Campaign) { c.RecycleEnabled = false }},
		{"campaign paused", func(c *models.Campaign) { c.Status = models.CampaignPaused }},
		{
			"outside business hours",
			func(c *models.Campaign) {
				c.RecycleBusinessHoursOnly = true
				c.DaysMask = 0x3E // weekdays; the clock below reads Sunday
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, leads, camps := newDispatcher(t)
			c := seedCampaign(t, camps, func(c *models.Campaign) {
				c.RecycleEnabled = true
				c.RecycleNoAnswerDays = 7
				c.MaxRecycles = 2
				tt.mutate(c)
			})
			if tt.name == "outside business hours" {
				sunday := time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC)
				d.now = func() time.Time { return sunday }
			}
			eligible := fixedNow.AddDate(0, 0, -30)
			seedLead(t, leads, c.ID, func(l *models.Lead) {
				l.Status = models.LeadNoAnswer
				l.LastCallAt = &eligible
			})

			if n, err := d.Recycle(context.Background(), c); err != nil || n != 0 {
				t.Errorf("Recycle() = %d, %v, want 0", n, err)
			}
		})
	}
}
