package metrics

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes live call tasks grouped by state.
type ActiveCallsProvider interface {
	ActiveByState() map[string]int
}

// QueueStatsEntry is one inbound queue's snapshot for metrics.
type QueueStatsEntry struct {
	Queue              string
	Waiting            int
	LongestWaitSeconds float64
	Matched            uint64
	Abandoned          uint64
	Overflowed         uint64
}

// QueueStatsProvider exposes inbound queue snapshots.
type QueueStatsProvider interface {
	QueueStats() []QueueStatsEntry
}

// AgentStatsProvider exposes agent presence counts by status.
type AgentStatsProvider interface {
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// PacingProvider exposes the effective pacing ratio per campaign.
type PacingProvider interface {
	Ratios() map[int64]float64
}

// DropRateProvider exposes the rolling day-window drop rate per campaign.
type DropRateProvider interface {
	DayRate(campaignID int64, now time.Time) float64
}

// RTPStatsProvider exposes aggregate media gateway statistics.
type RTPStatsProvider interface {
	InUse() int
	Capacity() int
	AggregatePacketsReceived() uint64
	AggregatePacketsLost() uint64
	AggregateBytesReceived() uint64
}

// SpeechStatsProvider exposes speech client counters.
type SpeechStatsProvider interface {
	Stats() (requests, failures, denied uint64)
}

// BusStatsProvider exposes event bus counters.
type BusStatsProvider interface {
	Stats() (published, dropped uint64, subscribers int)
}

// Collector is a prometheus.Collector that gathers dialer metrics at scrape
// time. Any provider may be nil; its metrics are then omitted.
type Collector struct {
	calls     ActiveCallsProvider
	queues    QueueStatsProvider
	agents    AgentStatsProvider
	pacing    PacingProvider
	dropRates DropRateProvider
	rtp       RTPStatsProvider
	speech    SpeechStatsProvider
	bus       BusStatsProvider
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc     *prometheus.Desc
	queueWaitingDesc    *prometheus.Desc
	queueLongestDesc    *prometheus.Desc
	queueMatchedDesc    *prometheus.Desc
	queueAbandonedDesc  *prometheus.Desc
	queueOverflowedDesc *prometheus.Desc
	agentsDesc          *prometheus.Desc
	pacingRatioDesc     *prometheus.Desc
	dropRateDesc        *prometheus.Desc
	rtpInUseDesc        *prometheus.Desc
	rtpCapacityDesc     *prometheus.Desc
	rtpPacketsDesc      *prometheus.Desc
	rtpLostDesc         *prometheus.Desc
	rtpBytesDesc        *prometheus.Desc
	speechRequestsDesc  *prometheus.Desc
	speechFailuresDesc  *prometheus.Desc
	speechDeniedDesc    *prometheus.Desc
	busPublishedDesc    *prometheus.Desc
	busDroppedDesc      *prometheus.Desc
	busSubscribersDesc  *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a metrics collector over the given providers.
func NewCollector(
	calls ActiveCallsProvider,
	queues QueueStatsProvider,
	agents AgentStatsProvider,
	pacing PacingProvider,
	dropRates DropRateProvider,
	rtp RTPStatsProvider,
	speech SpeechStatsProvider,
	bus BusStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		queues:    queues,
		agents:    agents,
		pacing:    pacing,
		dropRates: dropRates,
		rtp:       rtp,
		speech:    speech,
		bus:       bus,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"dialgrid_active_calls",
			"Live call tasks by state",
			[]string{"state"}, nil,
		),
		queueWaitingDesc: prometheus.NewDesc(
			"dialgrid_queue_waiting",
			"Calls currently waiting in the queue",
			[]string{"queue"}, nil,
		),
		queueLongestDesc: prometheus.NewDesc(
			"dialgrid_queue_longest_wait_seconds",
			"Wait time of the oldest call in the queue",
			[]string{"queue"}, nil,
		),
		queueMatchedDesc: prometheus.NewDesc(
			"dialgrid_queue_matched_total",
			"Calls bound to an agent since start",
			[]string{"queue"}, nil,
		),
		queueAbandonedDesc: prometheus.NewDesc(
			"dialgrid_queue_abandoned_total",
			"Calls lost from the queue since start",
			[]string{"queue"}, nil,
		),
		queueOverflowedDesc: prometheus.NewDesc(
			"dialgrid_queue_overflowed_total",
			"Calls pushed to an overflow queue since start",
			[]string{"queue"}, nil,
		),
		agentsDesc: prometheus.NewDesc(
			"dialgrid_agents",
			"Agents by presence status",
			[]string{"status"}, nil,
		),
		pacingRatioDesc: prometheus.NewDesc(
			"dialgrid_pacing_ratio",
			"Effective dialing ratio per campaign",
			[]string{"campaign_id"}, nil,
		),
		dropRateDesc: prometheus.NewDesc(
			"dialgrid_drop_rate_pct",
			"Rolling day-window abandon rate per campaign",
			[]string{"campaign_id"}, nil,
		),
		rtpInUseDesc: prometheus.NewDesc(
			"dialgrid_rtp_ports_in_use",
			"RTP port pairs currently allocated",
			nil, nil,
		),
		rtpCapacityDesc: prometheus.NewDesc(
			"dialgrid_rtp_ports_capacity",
			"Total RTP port pairs in the pool",
			nil, nil,
		),
		rtpPacketsDesc: prometheus.NewDesc(
			"dialgrid_rtp_packets_received_total",
			"RTP packets received across live sessions",
			nil, nil,
		),
		rtpLostDesc: prometheus.NewDesc(
			"dialgrid_rtp_packets_lost_total",
			"RTP packets detected as lost across live sessions",
			nil, nil,
		),
		rtpBytesDesc: prometheus.NewDesc(
			"dialgrid_rtp_bytes_received_total",
			"RTP payload bytes received across live sessions",
			nil, nil,
		),
		speechRequestsDesc: prometheus.NewDesc(
			"dialgrid_speech_requests_total",
			"Speech service requests since start",
			nil, nil,
		),
		speechFailuresDesc: prometheus.NewDesc(
			"dialgrid_speech_failures_total",
			"Speech service requests that exhausted retries",
			nil, nil,
		),
		speechDeniedDesc: prometheus.NewDesc(
			"dialgrid_speech_denied_total",
			"Speech service requests rejected by the rate limiter",
			nil, nil,
		),
		busPublishedDesc: prometheus.NewDesc(
			"dialgrid_bus_events_published_total",
			"Events published on the bus since start",
			nil, nil,
		),
		busDroppedDesc: prometheus.NewDesc(
			"dialgrid_bus_events_dropped_total",
			"Events dropped from slow subscriber queues since start",
			nil, nil,
		),
		busSubscribersDesc: prometheus.NewDesc(
			"dialgrid_bus_subscribers",
			"Current bus subscriptions",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialgrid_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queueWaitingDesc
	ch <- c.queueLongestDesc
	ch <- c.queueMatchedDesc
	ch <- c.queueAbandonedDesc
	ch <- c.queueOverflowedDesc
	ch <- c.agentsDesc
	ch <- c.pacingRatioDesc
	ch <- c.dropRateDesc
	ch <- c.rtpInUseDesc
	ch <- c.rtpCapacityDesc
	ch <- c.rtpPacketsDesc
	ch <- c.rtpLostDesc
	ch <- c.rtpBytesDesc
	ch <- c.speechRequestsDesc
	ch <- c.speechFailuresDesc
	ch <- c.speechDeniedDesc
	ch <- c.busPublishedDesc
	ch <- c.busDroppedDesc
	ch <- c.busSubscribersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		for state, n := range c.calls.ActiveByState() {
			ch <- prometheus.MustNewConstMetric(
				c.activeCallsDesc, prometheus.GaugeValue, float64(n), state,
			)
		}
	}

	if c.queues != nil {
		for _, q := range c.queues.QueueStats() {
			ch <- prometheus.MustNewConstMetric(
				c.queueWaitingDesc, prometheus.GaugeValue, float64(q.Waiting), q.Queue,
			)
			ch <- prometheus.MustNewConstMetric(
				c.queueLongestDesc, prometheus.GaugeValue, q.LongestWaitSeconds, q.Queue,
			)
			ch <- prometheus.MustNewConstMetric(
				c.queueMatchedDesc, prometheus.CounterValue, float64(q.Matched), q.Queue,
			)
			ch <- prometheus.MustNewConstMetric(
				c.queueAbandonedDesc, prometheus.CounterValue, float64(q.Abandoned), q.Queue,
			)
			ch <- prometheus.MustNewConstMetric(
				c.queueOverflowedDesc, prometheus.CounterValue, float64(q.Overflowed), q.Queue,
			)
		}
	}

	if c.agents != nil {
		counts, err := c.agents.StatusCounts(ctx)
		if err != nil {
			slog.Error("metrics: counting agent statuses", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.agentsDesc, prometheus.GaugeValue, float64(n), status,
				)
			}
		}
	}

	if c.pacing != nil {
		now := time.Now()
		ratios := c.pacing.Ratios()
		ids := make([]int64, 0, len(ratios))
		for id := range ratios {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			label := strconv.FormatInt(id, 10)
			ch <- prometheus.MustNewConstMetric(
				c.pacingRatioDesc, prometheus.GaugeValue, ratios[id], label,
			)
			if c.dropRates != nil {
				ch <- prometheus.MustNewConstMetric(
					c.dropRateDesc, prometheus.GaugeValue, c.dropRates.DayRate(id, now), label,
				)
			}
		}
	}

	if c.rtp != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpInUseDesc, prometheus.GaugeValue, float64(c.rtp.InUse()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpCapacityDesc, prometheus.GaugeValue, float64(c.rtp.Capacity()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsDesc, prometheus.CounterValue, float64(c.rtp.AggregatePacketsReceived()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpLostDesc, prometheus.CounterValue, float64(c.rtp.AggregatePacketsLost()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpBytesDesc, prometheus.CounterValue, float64(c.rtp.AggregateBytesReceived()),
		)
	}

	if c.speech != nil {
		requests, failures, denied := c.speech.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.speechRequestsDesc, prometheus.CounterValue, float64(requests),
		)
		ch <- prometheus.MustNewConstMetric(
			c.speechFailuresDesc, prometheus.CounterValue, float64(failures),
		)
		ch <- prometheus.MustNewConstMetric(
			c.speechDeniedDesc, prometheus.CounterValue, float64(denied),
		)
	}

	if c.bus != nil {
		published, dropped, subscribers := c.bus.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.busPublishedDesc, prometheus.CounterValue, float64(published),
		)
		ch <- prometheus.MustNewConstMetric(
			c.busDroppedDesc, prometheus.CounterValue, float64(dropped),
		)
		ch <- prometheus.MustNewConstMetric(
			c.busSubscribersDesc, prometheus.GaugeValue, float64(subscribers),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
