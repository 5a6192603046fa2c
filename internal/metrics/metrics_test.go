package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeCalls map[string]int

func (f fakeCalls) ActiveByState() map[string]int { return f }

type fakeQueues []QueueStatsEntry

func (f fakeQueues) QueueStats() []QueueStatsEntry { return f }

type fakeAgents map[string]int

func (f fakeAgents) StatusCounts(ctx context.Context) (map[string]int, error) { return f, nil }

type fakePacing map[int64]float64

func (f fakePacing) Ratios() map[int64]float64 { return f }

type fakeDropRates map[int64]float64

func (f fakeDropRates) DayRate(campaignID int64, now time.Time) float64 { return f[campaignID] }

type fakeRTP struct {
	inUse, capacity        int
	received, lost, nbytes uint64
}

func (f fakeRTP) InUse() int                       { return f.inUse }
func (f fakeRTP) Capacity() int                    { return f.capacity }
func (f fakeRTP) AggregatePacketsReceived() uint64 { return f.received }
func (f fakeRTP) AggregatePacketsLost() uint64     { return f.lost }
func (f fakeRTP) AggregateBytesReceived() uint64   { return f.nbytes }

type fakeSpeech struct{ requests, failures, denied uint64 }

func (f fakeSpeech) Stats() (uint64, uint64, uint64) { return f.requests, f.failures, f.denied }

type fakeBus struct {
	published, dropped uint64
	subscribers        int
}

func (f fakeBus) Stats() (uint64, uint64, int) { return f.published, f.dropped, f.subscribers }

func fullCollector() *Collector {
	return NewCollector(
		fakeCalls{"dialing": 2, "connected": 3},
		fakeQueues{{Queue: "sales", Waiting: 4, LongestWaitSeconds: 12.5, Matched: 100, Abandoned: 3, Overflowed: 1}},
		fakeAgents{"available": 5, "on_call": 2},
		fakePacing{7: 2.5},
		fakeDropRates{7: 1.25},
		fakeRTP{inUse: 3, capacity: 100, received: 5000, lost: 12, nbytes: 800000},
		fakeSpeech{requests: 40, failures: 2, denied: 5},
		fakeBus{published: 900, dropped: 4, subscribers: 6},
		time.Now(),
	)
}

func TestCollectorGathersProviders(t *testing.T) {
	c := fullCollector()

	expected := `
# HELP dialgrid_active_calls Live call tasks by state
# TYPE dialgrid_active_calls gauge
dialgrid_active_calls{state="connected"} 3
dialgrid_active_calls{state="dialing"} 2
# HELP dialgrid_pacing_ratio Effective dialing ratio per campaign
# TYPE dialgrid_pacing_ratio gauge
dialgrid_pacing_ratio{campaign_id="7"} 2.5
# HELP dialgrid_drop_rate_pct Rolling day-window abandon rate per campaign
# TYPE dialgrid_drop_rate_pct gauge
dialgrid_drop_rate_pct{campaign_id="7"} 1.25
# HELP dialgrid_queue_waiting Calls currently waiting in the queue
# TYPE dialgrid_queue_waiting gauge
dialgrid_queue_waiting{queue="sales"} 4
# HELP dialgrid_queue_longest_wait_seconds Wait time of the oldest call in the queue
# TYPE dialgrid_queue_longest_wait_seconds gauge
dialgrid_queue_longest_wait_seconds{queue="sales"} 12.5
# HELP dialgrid_rtp_packets_lost_total RTP packets detected as lost across live sessions
# TYPE dialgrid_rtp_packets_lost_total counter
dialgrid_rtp_packets_lost_total 12
# HELP dialgrid_speech_denied_total Speech service requests rejected by the rate limiter
# TYPE dialgrid_speech_denied_total counter
dialgrid_speech_denied_total 5
# HELP dialgrid_bus_events_published_total Events published on the bus since start
# TYPE dialgrid_bus_events_published_total counter
dialgrid_bus_events_published_total 900
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"dialgrid_active_calls",
		"dialgrid_pacing_ratio",
		"dialgrid_drop_rate_pct",
		"dialgrid_queue_waiting",
		"dialgrid_queue_longest_wait_seconds",
		"dialgrid_rtp_packets_lost_total",
		"dialgrid_speech_denied_total",
		"dialgrid_bus_events_published_total",
	)
	if err != nil {
		t.Fatalf("CollectAndCompare() error: %v", err)
	}
}

func TestCollectorMetricCount(t *testing.T) {
	// 2 call states + 5 queue series + 2 agent statuses + ratio + drop rate
	// + 5 rtp + 3 speech + 3 bus + uptime.
	if got := testutil.CollectAndCount(fullCollector()); got != 23 {
		t.Errorf("CollectAndCount() = %d, want 23", got)
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, nil, nil, nil, time.Now())
	if got := testutil.CollectAndCount(c); got != 1 {
		t.Errorf("CollectAndCount() = %d, want just the uptime gauge", got)
	}
}
