package pacing

import (
	"sync"
	"time"
)

// Severity grades for a drop-rate violation.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// Sliding window names, also used as keys in audit snapshots.
const (
	Window15m = "15m"
	Window30m = "30m"
	Window60m = "60m"
	WindowDay = "day"
)

// minWindowSamples is the floor below which a minute window is too thin to
// judge. The day window has no minimum.
const minWindowSamples = 10

type sample struct {
	at      time.Time
	dropped bool
}

// WindowRate is the drop rate over one sliding window.
type WindowRate struct {
	Window  string  `json:"window"`
	Calls   int     `json:"calls"`
	Dropped int     `json:"dropped"`
	Rate    float64 `json:"rate_pct"`
}

// WindowRates groups the four sliding windows.
type WindowRates struct {
	Min15 WindowRate `json:"15m"`
	Min30 WindowRate `json:"30m"`
	Min60 WindowRate `json:"60m"`
	Day   WindowRate `json:"day"`
}

// Assessment is the monitor's verdict for one campaign against its drop
// SLA.
type Assessment struct {
	Severity string   // "" when no window is in violation
	Violated []string // names of windows over the SLA
	Healthy  bool     // every window under half the SLA
	Windows  WindowRates
}

// Monitor keeps a day of per-call drop samples per campaign and grades the
// sliding-window rates against each campaign's SLA.
type Monitor struct {
	mu      sync.Mutex
	samples map[int64][]sample
}

// NewMonitor creates an empty drop-rate monitor.
func NewMonitor() *Monitor {
	return &Monitor{samples: make(map[int64][]sample)}
}

// Record adds one finished call. dropped marks calls abandoned before an
// agent was bridged.
func (m *Monitor) Record(campaignID int64, at time.Time, dropped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[campaignID] = append(m.samples[campaignID], sample{at: at.UTC(), dropped: dropped})
}

// Rates computes the four sliding windows for a campaign as of now.
func (m *Monitor) Rates(campaignID int64, now time.Time) WindowRates {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss := m.prune(campaignID, now)
	return WindowRates{
		Min15: windowRate(Window15m, ss, now, 15*time.Minute),
		Min30: windowRate(Window30m, ss, now, 30*time.Minute),
		Min60: windowRate(Window60m, ss, now, time.Hour),
		Day:   windowRate(WindowDay, ss, now, 24*time.Hour),
	}
}

// DayRate returns the day-window drop rate for one campaign.
func (m *Monitor) DayRate(campaignID int64, now time.Time) float64 {
	return m.Rates(campaignID, now).Day.Rate
}

// Assess grades a campaign's drop rates against its SLA (percent). A minute
// window participates only once it holds minWindowSamples calls; the day
// window always counts. Severity is critical when any window exceeds 1.5x
// the SLA or the 15 minute window is violated, high when two or more
// windows are violated, medium on a single violation.
func (m *Monitor) Assess(campaignID int64, slaPct float64, now time.Time) Assessment {
	rates := m.Rates(campaignID, now)
	a := Assessment{Windows: rates}

	windows := []WindowRate{rates.Min15, rates.Min30, rates.Min60, rates.Day}
	critical := false
	healthy := true
	for _, w := range windows {
		if w.Rate >= 0.5*slaPct {
			healthy = false
		}
		if w.Window != WindowDay && w.Calls < minWindowSamples {
			continue
		}
		if w.Rate > slaPct {
			a.Violated = append(a.Violated, w.Window)
		}
		if w.Rate > 1.5*slaPct && w.Dropped > 0 {
			critical = true
		}
	}
	if slaPct <= 0 {
		healthy = false
	}
	a.Healthy = healthy

	violated15 := false
	for _, name := range a.Violated {
		if name == Window15m {
			violated15 = true
		}
	}
	switch {
	case critical || violated15:
		a.Severity = SeverityCritical
	case len(a.Violated) >= 2:
		a.Severity = SeverityHigh
	case len(a.Violated) == 1:
		a.Severity = SeverityMedium
	}
	return a
}

// prune drops samples older than the day window. Caller holds m.mu.
func (m *Monitor) prune(campaignID int64, now time.Time) []sample {
	cutoff := now.Add(-24 * time.Hour)
	ss := m.samples[campaignID]
	kept := ss[:0]
	for _, s := range ss {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(m.samples, campaignID)
		return nil
	}
	m.samples[campaignID] = kept
	return kept
}

func windowRate(name string, ss []sample, now time.Time, span time.Duration) WindowRate {
	cutoff := now.Add(-span)
	w := WindowRate{Window: name}
	for _, s := range ss {
		if s.at.Before(cutoff) {
			continue
		}
		w.Calls++
		if s.dropped {
			w.Dropped++
		}
	}
	if w.Calls > 0 {
		w.Rate = float64(w.Dropped) / float64(w.Calls) * 100
	}
	return w
}
