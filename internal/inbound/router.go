// Package inbound queues incoming calls and pairs them with agents. Each
// queue has a matching strategy, a wait ceiling, and an optional overflow
// target; a monitor loop evicts expired calls, retries matching, and
// publishes per-queue statistics.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/pbx"
)

// Queue matching strategies.
const (
	StrategyFIFO          = "fifo"
	StrategyLIFO          = "lifo"
	StrategyPriority      = "priority"
	StrategySkills        = "skills"
	StrategyRoundRobin    = "round_robin"
	StrategyLeastOccupied = "least_occupied"
)

var validStrategies = map[string]bool{
	StrategyFIFO:          true,
	StrategyLIFO:          true,
	StrategyPriority:      true,
	StrategySkills:        true,
	StrategyRoundRobin:    true,
	StrategyLeastOccupied: true,
}

var (
	// ErrUnknownQueue is returned for operations naming a queue that was
	// never registered.
	ErrUnknownQueue = errors.New("inbound: unknown queue")

	// ErrQueueFull is returned when a queue and its overflow target cannot
	// take another call.
	ErrQueueFull = errors.New("inbound: queue full")

	// ErrDuplicateCall is returned when a channel is already waiting in a
	// queue.
	ErrDuplicateCall = errors.New("inbound: call already queued")
)

// QueueConfig describes one inbound queue.
type QueueConfig struct {
	Name           string
	Strategy       string
	MaxWait        time.Duration // longest a call may wait; 0 = forever
	MaxSize        int           // waiting-call cap; 0 = unbounded
	AnnouncementID string        // media played once on enqueue
	MohClass       string        // hold music class while waiting
	Priority       bool          // matched ahead of non-priority queues
	Overflow       string        // queue that takes calls when this one is full
	RequiredSkills []string
}

// QueuedCall is one caller waiting for an agent. A call sits in exactly one
// queue until it is matched, evicted, or its channel dies.
type QueuedCall struct {
	ChannelID  string
	CallerID   string
	DID        string
	Priority   int
	Skills     []string // call-level requirements on top of the queue's
	Queue      string
	EnqueuedAt time.Time
	MaxWait    time.Duration // 0 = queue default

	overflowed bool
	mohStarted bool
}

// QueueStats is a point-in-time queue snapshot plus lifetime counters.
type QueueStats struct {
	Queue              string  `json:"queue"`
	Waiting            int     `json:"waiting"`
	LongestWaitSeconds float64 `json:"longest_wait_seconds"`
	Matched            uint64  `json:"matched"`
	Abandoned          uint64  `json:"abandoned"`
	Overflowed         uint64  `json:"overflowed"`
}

// AgentPool is the slice of the agent tracker the router drives.
type AgentPool interface {
	List(ctx context.Context) ([]models.AgentPresence, error)
	AssignTask(ctx context.Context, agentID, taskID string) error
}

// ChannelControl is the slice of the ARI client the router uses for wait
// media and evictions.
type ChannelControl interface {
	Hangup(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, mediaURI string) (string, error)
	StartMoh(ctx context.Context, channelID, class string) error
	StopMoh(ctx context.Context, channelID string) error
}

// Config tunes the router.
type Config struct {
	MonitorInterval time.Duration
	ActionTimeout   time.Duration
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval: 5 * time.Second,
		ActionTimeout:   10 * time.Second,
	}
}

type queue struct {
	cfg   QueueConfig
	calls []*QueuedCall

	matched    uint64
	abandoned  uint64
	overflowed uint64
}

// insert places a call by strategy: priority queues keep descending
// priority order with FIFO ties, everything else appends.
func (q *queue) insert(call *QueuedCall) {
	if q.cfg.Strategy == StrategyPriority {
		at := len(q.calls)
		for i, c := range q.calls {
			if call.Priority > c.Priority ||
				(call.Priority == c.Priority && call.EnqueuedAt.Before(c.EnqueuedAt)) {
				at = i
				break
			}
		}
		q.calls = append(q.calls, nil)
		copy(q.calls[at+1:], q.calls[at:])
		q.calls[at] = call
		return
	}
	q.calls = append(q.calls, call)
}

// ordered returns calls in match order. LIFO scans newest first; priority
// queues keep their insert order; everything else goes oldest first.
func (q *queue) ordered() []*QueuedCall {
	out := append([]*QueuedCall(nil), q.calls...)
	switch q.cfg.Strategy {
	case StrategyPriority:
	case StrategyLIFO:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		})
	}
	return out
}

func (q *queue) remove(channelID string) *QueuedCall {
	for i, c := range q.calls {
		if c.ChannelID == channelID {
			q.calls = append(q.calls[:i], q.calls[i+1:]...)
			return c
		}
	}
	return nil
}

func (q *queue) longestWait(now time.Time) time.Duration {
	var longest time.Duration
	for _, c := range q.calls {
		if w := now.Sub(c.EnqueuedAt); w > longest {
			longest = w
		}
	}
	return longest
}

// binding records one matched call for side effects outside the lock.
type binding struct {
	call    QueuedCall
	agent   models.AgentPresence
	queue   string
	wait    time.Duration
	stopMoh bool
}

// Router owns the inbound queues and the agent-to-call binding.
type Router struct {
	agents AgentPool
	ari    ChannelControl
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	queues    map[string]*queue
	byChannel map[string]string // channel id -> queue name
	onMatch   []func(QueuedCall, models.AgentPresence)
	stopped   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRouter builds a router over the given queues.
func NewRouter(agents AgentPool, ari ChannelControl, bus *events.Bus, cfg Config, logger *slog.Logger, queues ...QueueConfig) (*Router, error) {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	r := &Router{
		agents:    agents,
		ari:       ari,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("subsystem", "inbound"),
		queues:    make(map[string]*queue),
		byChannel: make(map[string]string),
		stopCh:    make(chan struct{}),
	}
	for _, qc := range queues {
		if err := r.RegisterQueue(qc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterQueue adds or replaces a queue definition. Waiting calls survive a
// config replacement.
func (r *Router) RegisterQueue(cfg QueueConfig) error {
	if cfg.Name == "" {
		return errors.New("queue name is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFIFO
	}
	if !validStrategies[cfg.Strategy] {
		return fmt.Errorf("queue %s: unknown strategy %q", cfg.Name, cfg.Strategy)
	}
	if cfg.Overflow == cfg.Name {
		return fmt.Errorf("queue %s: overflow cannot point at itself", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[cfg.Name]; ok {
		q.cfg = cfg
		return nil
	}
	r.queues[cfg.Name] = &queue{cfg: cfg}
	return nil
}

// OnMatch registers a hook invoked after a call is bound to an agent.
// Register hooks before Start.
func (r *Router) OnMatch(fn func(QueuedCall, models.AgentPresence)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMatch = append(r.onMatch, fn)
}

// Start launches the monitor loop.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.monitor()
}

// Stop halts the monitor and waits for in-flight work.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stopCh)
	r.wg.Wait()
}

// Enqueue routes an incoming call. If an eligible agent is free the call is
// bound immediately and the agent id is returned; otherwise it joins the
// queue (or the overflow queue when full) and the id is empty.
func (r *Router) Enqueue(ctx context.Context, call QueuedCall) (string, error) {
	if call.ChannelID == "" {
		return "", errors.New("channel id is required")
	}
	if call.Queue == "" {
		return "", errors.New("queue name is required")
	}
	if call.EnqueuedAt.IsZero() {
		call.EnqueuedAt = time.Now().UTC()
	}

	snapshot, err := r.agents.List(ctx)
	if err != nil {
		return "", fmt.Errorf("listing agents: %w", err)
	}

	r.mu.Lock()
	agentID, from, bindings, err := r.place(&call, snapshot)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	r.afterMatch(ctx, bindings)

	if agentID == "" {
		data := map[string]any{
			"queue":      call.Queue,
			"channel_id": call.ChannelID,
			"caller_id":  call.CallerID,
		}
		if from != "" {
			data["from_queue"] = from
		}
		r.publish("queue.enqueued", events.CallTopic(call.ChannelID), data)
		r.startWaitMedia(ctx, call.Queue, call.ChannelID)
	}
	return agentID, nil
}

// place inserts the call (following the overflow rule) and runs a matching
// pass over its queue. Caller holds r.mu.
func (r *Router) place(call *QueuedCall, snapshot []models.AgentPresence) (agentID, overflowedFrom string, bindings []binding, err error) {
	q, ok := r.queues[call.Queue]
	if !ok {
		return "", "", nil, fmt.Errorf("queue %s: %w", call.Queue, ErrUnknownQueue)
	}
	if _, dup := r.byChannel[call.ChannelID]; dup {
		return "", "", nil, fmt.Errorf("channel %s: %w", call.ChannelID, ErrDuplicateCall)
	}

	if q.cfg.MaxSize > 0 && len(q.calls) >= q.cfg.MaxSize {
		// A full queue overflows exactly once.
		if q.cfg.Overflow == "" || call.overflowed {
			return "", "", nil, fmt.Errorf("queue %s: %w", q.cfg.Name, ErrQueueFull)
		}
		dst, ok := r.queues[q.cfg.Overflow]
		if !ok {
			return "", "", nil, fmt.Errorf("overflow queue %s: %w", q.cfg.Overflow, ErrUnknownQueue)
		}
		q.overflowed++
		overflowedFrom = q.cfg.Name
		call.overflowed = true
		call.Queue = dst.cfg.Name
		r.logger.Info("call overflowed",
			"channel_id", call.ChannelID, "from", overflowedFrom, "to", dst.cfg.Name)
		if dst.cfg.MaxSize > 0 && len(dst.calls) >= dst.cfg.MaxSize {
			return "", "", nil, fmt.Errorf("queue %s: %w", dst.cfg.Name, ErrQueueFull)
		}
		q = dst
	}

	q.insert(call)
	r.byChannel[call.ChannelID] = q.cfg.Name

	bindings = r.matchQueue(q, snapshot)
	for _, b := range bindings {
		if b.call.ChannelID == call.ChannelID {
			return b.agent.AgentID, overflowedFrom, bindings, nil
		}
	}
	return "", overflowedFrom, bindings, nil
}

// matchQueue binds waiting calls to eligible agents from the snapshot.
// Caller holds r.mu; matched agents are marked busy in the snapshot so one
// pass never double-books them.
func (r *Router) matchQueue(q *queue, snapshot []models.AgentPresence) []binding {
	var out []binding
	for _, call := range q.ordered() {
		idx := r.selectAgent(q, call, snapshot)
		if idx < 0 {
			continue
		}
		agent := snapshot[idx]
		snapshot[idx].Status = models.AgentOnCall

		q.remove(call.ChannelID)
		delete(r.byChannel, call.ChannelID)
		q.matched++
		out = append(out, binding{
			call:    *call,
			agent:   agent,
			queue:   q.cfg.Name,
			wait:    time.Since(call.EnqueuedAt),
			stopMoh: call.mohStarted,
		})
	}
	return out
}

// selectAgent returns the snapshot index of the best eligible agent for the
// call, or -1. Eligibility: available, assigned to the queue, and holding
// every required skill.
func (r *Router) selectAgent(q *queue, call *QueuedCall, agents []models.AgentPresence) int {
	required := append(append([]string(nil), q.cfg.RequiredSkills...), call.Skills...)

	best := -1
	for i := range agents {
		a := &agents[i]
		if a.Status != models.AgentAvailable {
			continue
		}
		if !contains(models.DecodeStrings(a.Queues), q.cfg.Name) {
			continue
		}
		if !hasAll(models.DecodeStrings(a.Skills), required) {
			continue
		}
		if best < 0 || better(q.cfg.Strategy, a, &agents[best]) {
			best = i
		}
	}
	return best
}

// better reports whether agent a beats b under the strategy. Every strategy
// falls back to longest idle with the agent id as the final tiebreak.
func better(strategy string, a, b *models.AgentPresence) bool {
	if strategy == StrategyLeastOccupied && a.TotalCalls != b.TotalCalls {
		return a.TotalCalls < b.TotalCalls
	}
	switch {
	case a.LastCallEnd == nil && b.LastCallEnd == nil:
		return a.AgentID < b.AgentID
	case a.LastCallEnd == nil:
		return true
	case b.LastCallEnd == nil:
		return false
	case a.LastCallEnd.Equal(*b.LastCallEnd):
		return a.AgentID < b.AgentID
	default:
		return a.LastCallEnd.Before(*b.LastCallEnd)
	}
}

// afterMatch performs the side effects of bindings outside the queue lock:
// flip the agent, stop hold music, publish, and run hooks. An agent that
// cannot be flipped sends the call back to its queue.
func (r *Router) afterMatch(ctx context.Context, bindings []binding) {
	if len(bindings) == 0 {
		return
	}
	r.mu.Lock()
	hooks := append([]func(QueuedCall, models.AgentPresence){}, r.onMatch...)
	r.mu.Unlock()

	for _, b := range bindings {
		if err := r.agents.AssignTask(ctx, b.agent.AgentID, b.call.ChannelID); err != nil {
			r.logger.Error("could not assign agent, requeueing call",
				"agent_id", b.agent.AgentID,
				"channel_id", b.call.ChannelID,
				"error", err)
			r.requeue(b.call)
			continue
		}

		if b.stopMoh {
			if err := r.ari.StopMoh(ctx, b.call.ChannelID); err != nil {
				r.logger.Warn("could not stop hold music",
					"channel_id", b.call.ChannelID, "error", err)
			}
		}

		r.logger.Info("call matched",
			"queue", b.queue,
			"channel_id", b.call.ChannelID,
			"agent_id", b.agent.AgentID,
			"wait_ms", b.wait.Milliseconds())
		r.publish("queue.matched", events.CallTopic(b.call.ChannelID), map[string]any{
			"queue":        b.queue,
			"channel_id":   b.call.ChannelID,
			"agent_id":     b.agent.AgentID,
			"wait_seconds": b.wait.Seconds(),
		})
		for _, fn := range hooks {
			fn(b.call, b.agent)
		}
	}
}

func (r *Router) requeue(call QueuedCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[call.Queue]
	if !ok {
		return
	}
	c := call
	q.insert(&c)
	r.byChannel[c.ChannelID] = q.cfg.Name
	q.matched--
}

// NudgeAgent attempts immediate assignment for an agent that just became
// available. Safe to call from tracker hooks; matching runs on its own
// goroutine.
func (r *Router) NudgeAgent(agentID string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ActionTimeout)
		defer cancel()

		snapshot, err := r.agents.List(ctx)
		if err != nil {
			r.logger.Error("agent snapshot failed", "error", err)
			return
		}
		var one []models.AgentPresence
		for i := range snapshot {
			if snapshot[i].AgentID == agentID {
				one = []models.AgentPresence{snapshot[i]}
				break
			}
		}
		if len(one) == 0 {
			return
		}
		r.afterMatch(ctx, r.matchAll(one))
	}()
}

// matchAll runs one matching pass over every queue: priority queues first,
// then queues with the longest-waiting call.
func (r *Router) matchAll(snapshot []models.AgentPresence) []binding {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []binding
	for _, q := range r.orderedQueues(now) {
		out = append(out, r.matchQueue(q, snapshot)...)
	}
	return out
}

// orderedQueues returns queues in matching order. Caller holds r.mu.
func (r *Router) orderedQueues(now time.Time) []*queue {
	out := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].cfg.Priority != out[j].cfg.Priority {
			return out[i].cfg.Priority
		}
		wi, wj := out[i].longestWait(now), out[j].longestWait(now)
		if wi != wj {
			return wi > wj
		}
		return out[i].cfg.Name < out[j].cfg.Name
	})
	return out
}

// HandleEvent drops queued calls whose channel died before an agent took
// them.
func (r *Router) HandleEvent(ev pbx.Event) {
	switch ev.Type {
	case "ChannelDestroyed", "StasisEnd", "Hangup":
	default:
		return
	}
	if ev.ChannelID == "" {
		return
	}
	call, qname, ok := r.dropChannel(ev.ChannelID)
	if !ok {
		return
	}
	wait := time.Since(call.EnqueuedAt)
	r.logger.Info("queued caller hung up",
		"queue", qname, "channel_id", call.ChannelID, "wait_ms", wait.Milliseconds())
	r.publish("queue.abandoned", events.CallTopic(call.ChannelID), map[string]any{
		"queue":        qname,
		"channel_id":   call.ChannelID,
		"reason":       "caller_hangup",
		"wait_seconds": wait.Seconds(),
	})
}

func (r *Router) dropChannel(channelID string) (QueuedCall, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qname, ok := r.byChannel[channelID]
	if !ok {
		return QueuedCall{}, "", false
	}
	delete(r.byChannel, channelID)
	q := r.queues[qname]
	call := q.remove(channelID)
	if call == nil {
		return QueuedCall{}, "", false
	}
	q.abandoned++
	return *call, qname, true
}

// Waiting reports whether a channel is still queued and where.
func (r *Router) Waiting(channelID string) (QueuedCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qname, ok := r.byChannel[channelID]
	if !ok {
		return QueuedCall{}, false
	}
	for _, c := range r.queues[qname].calls {
		if c.ChannelID == channelID {
			return *c, true
		}
	}
	return QueuedCall{}, false
}

// Stats returns a snapshot for every queue, priority queues first.
func (r *Router) Stats() []QueueStats {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]QueueStats, 0, len(r.queues))
	for _, q := range r.orderedQueues(now) {
		out = append(out, QueueStats{
			Queue:              q.cfg.Name,
			Waiting:            len(q.calls),
			LongestWaitSeconds: q.longestWait(now).Seconds(),
			Matched:            q.matched,
			Abandoned:          q.abandoned,
			Overflowed:         q.overflowed,
		})
	}
	return out
}

func (r *Router) monitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick evicts expired calls, retries matching, starts overdue hold music,
// and publishes stats.
func (r *Router) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ActionTimeout)
	defer cancel()

	now := time.Now().UTC()
	r.evictExpired(ctx, now)

	snapshot, err := r.agents.List(ctx)
	if err != nil {
		r.logger.Error("agent snapshot failed", "error", err)
	} else {
		r.afterMatch(ctx, r.matchAll(snapshot))
	}

	r.startPendingMoh(ctx)

	for _, st := range r.Stats() {
		r.publish("queue.stats", events.TopicSupervisors, map[string]any{
			"queue":                st.Queue,
			"waiting":              st.Waiting,
			"longest_wait_seconds": st.LongestWaitSeconds,
			"matched":              st.Matched,
			"abandoned":            st.Abandoned,
			"overflowed":           st.Overflowed,
		})
	}
}

func (r *Router) evictExpired(ctx context.Context, now time.Time) {
	type evicted struct {
		call  QueuedCall
		queue string
	}
	var out []evicted

	r.mu.Lock()
	for _, q := range r.queues {
		for _, call := range q.ordered() {
			limit := call.MaxWait
			if limit <= 0 {
				limit = q.cfg.MaxWait
			}
			if limit <= 0 {
				continue
			}
			if now.Sub(call.EnqueuedAt) > limit {
				q.remove(call.ChannelID)
				delete(r.byChannel, call.ChannelID)
				q.abandoned++
				out = append(out, evicted{call: *call, queue: q.cfg.Name})
			}
		}
	}
	r.mu.Unlock()

	for _, e := range out {
		wait := now.Sub(e.call.EnqueuedAt)
		r.logger.Info("call abandoned",
			"queue", e.queue,
			"channel_id", e.call.ChannelID,
			"wait_ms", wait.Milliseconds())
		r.publish("queue.abandoned", events.CallTopic(e.call.ChannelID), map[string]any{
			"queue":        e.queue,
			"channel_id":   e.call.ChannelID,
			"reason":       "max_wait_time_exceeded",
			"wait_seconds": wait.Seconds(),
		})
		if err := r.ari.Hangup(ctx, e.call.ChannelID); err != nil {
			r.logger.Warn("could not hang up abandoned call",
				"channel_id", e.call.ChannelID, "error", err)
		}
	}
}

// startWaitMedia plays the queue announcement or starts hold music for a
// call that just joined. When both are configured the announcement plays
// first and the monitor starts the music on its next pass. A call matched
// in the meantime gets neither.
func (r *Router) startWaitMedia(ctx context.Context, queueName, channelID string) {
	r.mu.Lock()
	q, ok := r.queues[queueName]
	var cfg QueueConfig
	stillQueued := false
	if ok {
		cfg = q.cfg
		for _, c := range q.calls {
			if c.ChannelID == channelID {
				stillQueued = true
				if cfg.AnnouncementID == "" && cfg.MohClass != "" {
					c.mohStarted = true
				}
				break
			}
		}
	}
	r.mu.Unlock()
	if !stillQueued {
		return
	}

	if cfg.AnnouncementID != "" {
		if _, err := r.ari.Play(ctx, channelID, cfg.AnnouncementID); err != nil {
			r.logger.Warn("queue announcement failed",
				"queue", queueName, "channel_id", channelID, "error", err)
		}
		return
	}
	if cfg.MohClass != "" {
		if err := r.ari.StartMoh(ctx, channelID, cfg.MohClass); err != nil {
			r.logger.Warn("hold music failed",
				"queue", queueName, "channel_id", channelID, "error", err)
		}
	}
}

// startPendingMoh starts hold music for calls still waiting after their
// announcement finished.
func (r *Router) startPendingMoh(ctx context.Context) {
	type pending struct {
		channelID string
		class     string
	}
	var out []pending

	r.mu.Lock()
	for _, q := range r.queues {
		if q.cfg.MohClass == "" {
			continue
		}
		for _, c := range q.calls {
			if !c.mohStarted {
				c.mohStarted = true
				out = append(out, pending{channelID: c.ChannelID, class: q.cfg.MohClass})
			}
		}
	}
	r.mu.Unlock()

	for _, p := range out {
		if err := r.ari.StartMoh(ctx, p.channelID, p.class); err != nil {
			r.logger.Warn("hold music failed", "channel_id", p.channelID, "error", err)
		}
	}
}

func (r *Router) publish(typ, topic string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:  typ,
		Topic: topic,
		Time:  time.Now().UTC(),
		Data:  data,
	})
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !contains(have, w) {
			return false
		}
	}
	return true
}
