package telephony

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/pbx"
	"github.com/google/uuid"
)

// OriginateRequest describes one outbound call attempt.
type OriginateRequest struct {
	// TaskID is optional; a uuid is generated when empty.
	TaskID     string
	LeadID     int64
	CampaignID int64
	Phone      string
	CallerID   string
	Variables  map[string]string

	// EnableAMD arms answering machine detection handling for this call.
	EnableAMD bool
	// MachineMessage is played to detected machines before hanging up.
	MachineMessage string
}

// Service owns the outbound call lifecycle. All state transitions are driven
// by normalized PBX events; events for the same channel are processed by the
// same worker, so each call sees its events in order.
type Service struct {
	cfg     Config
	ari     ARIControl
	ami     AMIControl
	tasks   database.CallTaskRepository
	cdrs    database.CDRRepository
	bus     *events.Bus
	prompts PromptCache
	logger  *slog.Logger

	mu             sync.Mutex
	byChannel      map[string]*Call
	byTask         map[string]*Call
	pendingHangups map[string]struct{}
	onAnswered     []func(models.CallTask)
	onEnded        []func(models.CallTask, models.CDR)
	unmatched      func(pbx.Event)

	workers []chan pbx.Event
	wg      sync.WaitGroup
	started bool
}

// NewService creates the call service. Start must be called before events
// are handled.
func NewService(cfg Config, ari ARIControl, ami AMIControl, tasks database.CallTaskRepository, cdrs database.CDRRepository, bus *events.Bus, logger *slog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.OriginateTimeout <= 0 {
		cfg.OriginateTimeout = DefaultConfig().OriginateTimeout
	}
	if cfg.App == "" {
		cfg.App = DefaultConfig().App
	}
	if cfg.EndpointTemplate == "" {
		cfg.EndpointTemplate = DefaultConfig().EndpointTemplate
	}
	return &Service{
		cfg:            cfg,
		ari:            ari,
		ami:            ami,
		tasks:          tasks,
		cdrs:           cdrs,
		bus:            bus,
		logger:         logger,
		byChannel:      make(map[string]*Call),
		byTask:         make(map[string]*Call),
		pendingHangups: make(map[string]struct{}),
	}
}

// SetPromptCache installs the TTS prompt cache used for answering machine
// messages. Optional; without it machine calls are hung up silently.
func (s *Service) SetPromptCache(pc PromptCache) {
	s.mu.Lock()
	s.prompts = pc
	s.mu.Unlock()
}

// OnCallAnswered registers a hook invoked when a call first reaches
// answered. Duplicate answer events from the second control plane do not
// re-fire it. Hooks run on the event worker; keep them short.
func (s *Service) OnCallAnswered(fn func(models.CallTask)) {
	s.mu.Lock()
	s.onAnswered = append(s.onAnswered, fn)
	s.mu.Unlock()
}

// OnCallEnded registers a hook invoked after a task reaches a terminal
// state and its CDR is written. Hooks run on the event worker; keep them
// short.
func (s *Service) OnCallEnded(fn func(models.CallTask, models.CDR)) {
	s.mu.Lock()
	s.onEnded = append(s.onEnded, fn)
	s.mu.Unlock()
}

// OnUnmatchedEvent registers the handler for channel events that belong to
// no tracked task. The inbound router picks up new inbound calls here.
func (s *Service) OnUnmatchedEvent(fn func(pbx.Event)) {
	s.mu.Lock()
	s.unmatched = fn
	s.mu.Unlock()
}

// Start launches the event workers.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.workers = make([]chan pbx.Event, s.cfg.Workers)
	for i := range s.workers {
		ch := make(chan pbx.Event, s.cfg.QueueSize)
		s.workers[i] = ch
		s.wg.Add(1)
		go s.worker(ch)
	}
}

// Stop drains the workers and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()

	for _, ch := range workers {
		close(ch)
	}
	s.wg.Wait()
}

// Degraded reports whether both PBX control planes are down.
func (s *Service) Degraded() bool {
	return !s.ari.Connected() && !s.ami.Connected()
}

// HandleEvent is the pbx.Handler entry point. It must not block: events are
// routed to a worker by channel id, and dropped with a log line if that
// worker's queue is full.
func (s *Service) HandleEvent(ev pbx.Event) {
	if ev.Type == pbx.EventResynced {
		go s.Reconcile(context.Background())
		return
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	idx := 0
	if ev.ChannelID != "" {
		h := fnv.New32a()
		h.Write([]byte(ev.ChannelID))
		idx = int(h.Sum32()) % len(s.workers)
	}
	ch := s.workers[idx]
	s.mu.Unlock()

	select {
	case ch <- ev:
	default:
		s.logger.Warn("event worker queue full, dropping event",
			"type", ev.Type, "channel_id", ev.ChannelID)
	}
}

func (s *Service) worker(ch chan pbx.Event) {
	defer s.wg.Done()
	for ev := range ch {
		s.process(ev)
	}
}

// Recover loads non-terminal tasks from the store into memory, typically at
// startup. Reconcile should follow once the PBX connection is up.
func (s *Service) Recover(ctx context.Context) error {
	tasks, err := s.tasks.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active tasks: %w", err)
	}
	s.mu.Lock()
	for _, task := range tasks {
		if _, ok := s.byTask[task.ID]; ok {
			continue
		}
		call := newCall(task)
		s.byTask[task.ID] = call
		s.byChannel[task.ChannelID] = call
	}
	s.mu.Unlock()
	if len(tasks) > 0 {
		s.logger.Info("recovered active call tasks", "count", len(tasks))
	}
	return nil
}

// Originate places one outbound call. ARI is preferred; transient ARI
// failures fall back to AMI. ErrTransientNetwork is returned while both
// planes are down, ErrOriginationFailed when both were tried and failed.
func (s *Service) Originate(ctx context.Context, req OriginateRequest) (models.CallTask, error) {
	if req.Phone == "" {
		return models.CallTask{}, fmt.Errorf("originate: phone is required")
	}
	if s.Degraded() {
		return models.CallTask{}, fmt.Errorf("originate: pbx unavailable: %w", pbx.ErrTransientNetwork)
	}

	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	task := models.CallTask{
		ID:         id,
		LeadID:     req.LeadID,
		CampaignID: req.CampaignID,
		State:      models.TaskPending,
		Phone:      req.Phone,
		ChannelID:  PlaceholderChannelID(id),
		CreatedAt:  time.Now().UTC(),
	}
	call := newCall(task)
	call.amdEnabled = req.EnableAMD
	call.machineMessage = req.MachineMessage

	if err := s.tasks.Create(ctx, &task); err != nil {
		return models.CallTask{}, fmt.Errorf("creating call task: %w", err)
	}

	s.mu.Lock()
	s.byTask[id] = call
	s.byChannel[task.ChannelID] = call
	s.mu.Unlock()

	s.persistTransition(ctx, call, evQueue)
	s.persistTransition(ctx, call, evDial)

	endpoint := fmt.Sprintf(s.cfg.EndpointTemplate, req.Phone)
	callerID := req.CallerID
	if callerID == "" {
		callerID = s.cfg.CallerID
	}
	vars := make(map[string]string, len(req.Variables)+1)
	for k, v := range req.Variables {
		vars[k] = v
	}
	vars[taskVariable] = id

	var lastErr error
	if s.ari.Connected() {
		channelID, err := s.ari.Originate(ctx, pbx.OriginateRequest{
			Endpoint:  endpoint,
			CallerID:  callerID,
			Timeout:   int(s.cfg.OriginateTimeout / time.Second),
			Variables: vars,
			AppArgs:   "dialout," + id,
		})
		if err == nil {
			s.bindChannel(ctx, id, channelID, "")
			s.publish("call.originated", call.Task(), map[string]any{"plane": "ari"})
			return call.Task(), nil
		}
		lastErr = err
		if !errors.Is(err, pbx.ErrTransientNetwork) {
			// The PBX understood us and said no; AMI would say the same.
			s.finalize(ctx, call, evFail, models.OutcomeFailed, "originate_rejected", models.HangupBySystem, err.Error())
			return models.CallTask{}, fmt.Errorf("ari originate: %v: %w", err, ErrOriginationFailed)
		}
		s.logger.Warn("ari originate failed, trying ami", "task_id", id, "error", err)
	}

	if s.ami.Connected() {
		err := s.ami.Originate(ctx, pbx.AMIOriginateRequest{
			Channel:     endpoint,
			Application: "Stasis",
			Data:        s.cfg.App + ",dialout," + id,
			CallerID:    callerID,
			Timeout:     int(s.cfg.OriginateTimeout / time.Millisecond),
			Variables:   vars,
		})
		if err == nil {
			// No channel id on this plane; the DIALGRID_TASK_ID varset
			// event binds it.
			s.publish("call.originated", call.Task(), map[string]any{"plane": "ami"})
			return call.Task(), nil
		}
		lastErr = err
	}

	reason := "pbx unavailable"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	s.finalize(ctx, call, evFail, models.OutcomeFailed, "originate_failed", models.HangupBySystem, reason)
	return models.CallTask{}, fmt.Errorf("originate %s: %w", id, ErrOriginationFailed)
}

// Hangup requests the PBX to end a call. Fire-and-forget: it does not wait
// for the terminal event, and a channel already gone counts as success.
// While the PBX is unreachable (or the channel is not yet bound) the hangup
// is queued and retried on reconnect.
func (s *Service) Hangup(ctx context.Context, taskID, by string) error {
	call := s.callByTask(taskID)
	if call == nil {
		return fmt.Errorf("hangup %s: %w", taskID, ErrUnknownTask)
	}
	call.mu.Lock()
	if call.hangupBy == "" {
		if by == "" {
			by = models.HangupBySystem
		}
		call.hangupBy = by
	}
	call.mu.Unlock()

	return s.hangupChannel(ctx, call)
}

func (s *Service) hangupChannel(ctx context.Context, call *Call) error {
	task := call.Task()
	if strings.HasPrefix(task.ChannelID, "pending:") {
		s.queueHangup(task.ID)
		return nil
	}

	if s.ari.Connected() {
		err := s.ari.Hangup(ctx, task.ChannelID)
		if err == nil || errors.Is(err, pbx.ErrNotFound) {
			return nil
		}
		s.logger.Warn("ari hangup failed", "task_id", task.ID, "error", err)
	}

	name := call.channelName()
	if s.ami.Connected() && name != "" {
		err := s.ami.Hangup(ctx, name)
		if err == nil || errors.Is(err, pbx.ErrNotFound) {
			return nil
		}
		s.logger.Warn("ami hangup failed", "task_id", task.ID, "error", err)
	}

	s.queueHangup(task.ID)
	return nil
}

func (s *Service) queueHangup(taskID string) {
	s.mu.Lock()
	s.pendingHangups[taskID] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("hangup queued until pbx is reachable", "task_id", taskID)
}

// Abandon ends an answered call that no agent could take: the channel is
// hung up and the task lands in the abandoned terminal state. These feed
// the drop-rate monitor.
func (s *Service) Abandon(ctx context.Context, taskID, reason string) error {
	call := s.callByTask(taskID)
	if call == nil {
		return fmt.Errorf("abandon %s: %w", taskID, ErrUnknownTask)
	}
	call.mu.Lock()
	if call.hangupBy == "" {
		call.hangupBy = models.HangupBySystem
	}
	call.mu.Unlock()

	if err := s.hangupChannel(ctx, call); err != nil {
		s.logger.Warn("abandon hangup failed", "task_id", taskID, "error", err)
	}
	s.finalize(ctx, call, evAbandon, models.OutcomeAbandoned, reason, models.HangupBySystem, "")
	return nil
}

// ConnectAgent moves an answered call to connected and records the agent.
func (s *Service) ConnectAgent(ctx context.Context, taskID, agentID string) error {
	call := s.callByTask(taskID)
	if call == nil {
		return fmt.Errorf("connect %s: %w", taskID, ErrUnknownTask)
	}
	call.update(func(t *models.CallTask) { t.AgentID = agentID })
	_, err := s.persistTransition(ctx, call, evConnect)
	return err
}

// Hold parks a connected call.
func (s *Service) Hold(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID, evHold)
}

// Resume takes a held call back off hold.
func (s *Service) Resume(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID, evResume)
}

// Transfer marks a call as transferring to another party.
func (s *Service) Transfer(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID, evTransfer)
}

// Conference completes a transfer into a three-way conference.
func (s *Service) Conference(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID, evConference)
}

// Answer asks the PBX to answer a (typically inbound) channel.
func (s *Service) Answer(ctx context.Context, channelID string) error {
	return s.ari.Answer(ctx, channelID)
}

func (s *Service) simpleTransition(ctx context.Context, taskID, event string) error {
	call := s.callByTask(taskID)
	if call == nil {
		return fmt.Errorf("%s %s: %w", event, taskID, ErrUnknownTask)
	}
	_, err := s.persistTransition(ctx, call, event)
	return err
}

// Get returns a task by id, from memory when live, falling back to the
// store for finished calls.
func (s *Service) Get(ctx context.Context, taskID string) (*models.CallTask, error) {
	if call := s.callByTask(taskID); call != nil {
		task := call.Task()
		return &task, nil
	}
	return s.tasks.GetByID(ctx, taskID)
}

// TaskByChannel returns the live task bound to a PBX channel id.
func (s *Service) TaskByChannel(channelID string) (models.CallTask, bool) {
	if call := s.callByChannel(channelID); call != nil {
		return call.Task(), true
	}
	return models.CallTask{}, false
}

// ActiveCalls returns a snapshot of all live tasks.
func (s *Service) ActiveCalls() []models.CallTask {
	s.mu.Lock()
	calls := make([]*Call, 0, len(s.byTask))
	for _, c := range s.byTask {
		calls = append(calls, c)
	}
	s.mu.Unlock()

	tasks := make([]models.CallTask, 0, len(calls))
	for _, c := range calls {
		tasks = append(tasks, c.Task())
	}
	return tasks
}

// ActiveByState returns live task counts grouped by state.
func (s *Service) ActiveByState() map[string]int {
	counts := make(map[string]int)
	for _, task := range s.ActiveCalls() {
		counts[task.State]++
	}
	return counts
}

// Reconcile fetches the PBX channel list and completes any tracked task
// whose channel no longer exists. Runs after a control-plane resync and at
// startup recovery; queued hangups for still-live channels are retried.
func (s *Service) Reconcile(ctx context.Context) {
	if !s.ari.Connected() {
		return
	}
	channels, err := s.ari.ListChannels(ctx)
	if err != nil {
		s.logger.Error("reconcile channel list failed", "error", err)
		return
	}
	live := make(map[string]bool, len(channels))
	for _, ch := range channels {
		live[ch.ID] = true
	}

	s.mu.Lock()
	calls := make([]*Call, 0, len(s.byTask))
	for _, c := range s.byTask {
		calls = append(calls, c)
	}
	pending := make([]string, 0, len(s.pendingHangups))
	for id := range s.pendingHangups {
		pending = append(pending, id)
	}
	s.pendingHangups = make(map[string]struct{})
	s.mu.Unlock()

	reconciled := 0
	for _, call := range calls {
		task := call.Task()
		if strings.HasPrefix(task.ChannelID, "pending:") {
			continue
		}
		if live[task.ChannelID] {
			continue
		}
		outcome := models.OutcomeNoAnswer
		if task.AnsweredAt != nil {
			outcome = models.OutcomeAnswered
		}
		s.finalize(ctx, call, evComplete, outcome, "reconnect_reconciled", models.HangupBySystem, "")
		reconciled++
	}
	if reconciled > 0 {
		s.logger.Info("reconciled stale call tasks", "count", reconciled)
	}

	for _, taskID := range pending {
		call := s.callByTask(taskID)
		if call == nil {
			continue
		}
		if err := s.hangupChannel(ctx, call); err != nil {
			s.logger.Warn("queued hangup retry failed", "task_id", taskID, "error", err)
		}
	}
}

// process handles one normalized PBX event on a worker goroutine.
func (s *Service) process(ev pbx.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ev.Type == "ChannelVarset" {
		switch ev.Fields["variable"] {
		case taskVariable:
			s.bindChannel(ctx, ev.Fields["value"], ev.ChannelID, ev.Fields["channel_name"])
			return
		case "AMDSTATUS":
			s.handleAMD(ctx, ev)
			return
		}
		return
	}
	// The AMI plane reports the same variable through VarSet events.
	if ev.Type == "VarSet" {
		switch ev.Fields["variable"] {
		case taskVariable:
			s.bindChannel(ctx, ev.Fields["value"], ev.ChannelID, ev.Fields["channel"])
			return
		case "AMDSTATUS":
			s.handleAMD(ctx, ev)
			return
		}
		return
	}

	call := s.callByChannel(ev.ChannelID)
	if call == nil {
		s.forwardUnmatched(ev)
		return
	}
	call.noteChannelName(ev)

	switch ev.Type {
	case "StasisStart", "ChannelStateChange":
		s.handleStateEvent(ctx, call, ev.Fields["state"])
	case "Newstate":
		s.handleStateEvent(ctx, call, ev.Fields["channelstatedesc"])
	case "ChannelDtmfReceived":
		s.publish("call.dtmf", call.Task(), map[string]any{"digit": ev.Fields["digit"]})
	case "PlaybackFinished":
		call.mu.Lock()
		machineDone := call.machinePlayback != "" && call.machinePlayback == ev.Fields["playback_id"]
		call.machinePlayback = ""
		call.mu.Unlock()
		if machineDone {
			if err := s.hangupChannel(ctx, call); err != nil {
				s.logger.Warn("machine message hangup failed", "task_id", call.Task().ID, "error", err)
			}
		}
	case "ChannelDestroyed":
		s.handleHangupEvent(ctx, call, ev.Fields["cause"], ev.Fields["cause_txt"])
	case "Hangup":
		s.handleHangupEvent(ctx, call, ev.Fields["cause"], ev.Fields["cause-txt"])
	case "StasisEnd":
		// The channel left the app but may live on (transfer); the
		// ChannelDestroyed or Hangup event settles the task.
	}
}

// handleStateEvent maps a PBX channel state to a task transition.
func (s *Service) handleStateEvent(ctx context.Context, call *Call, state string) {
	switch strings.ToLower(state) {
	case "ringing", "ring":
		s.persistTransition(ctx, call, evRing)
	case "up":
		task, err := s.persistTransition(ctx, call, evAnswer)
		if err == nil {
			s.publish("call.answered", task, nil)
			s.mu.Lock()
			hooks := make([]func(models.CallTask), len(s.onAnswered))
			copy(hooks, s.onAnswered)
			s.mu.Unlock()
			for _, fn := range hooks {
				fn(task)
			}
		}
	}
}

// handleHangupEvent settles a task when its channel dies.
func (s *Service) handleHangupEvent(ctx context.Context, call *Call, causeStr, causeTxt string) {
	cause, _ := strconv.Atoi(causeStr)
	task := call.Task()
	event, outcome := hangupDisposition(task, cause)

	call.mu.Lock()
	by := call.hangupBy
	call.mu.Unlock()
	if by == "" {
		if task.AnsweredAt != nil {
			by = models.HangupByCustomer
		} else {
			by = models.HangupBySystem
		}
	}

	hangupCause := causeTxt
	if hangupCause == "" && cause != 0 {
		hangupCause = "cause_" + strconv.Itoa(cause)
	}
	if hangupCause == "" {
		hangupCause = "normal_clearing"
	}
	s.finalize(ctx, call, event, outcome, hangupCause, by, "")
}

// hangupDisposition picks the terminal transition and CDR outcome for a
// hangup cause code (Q.850).
func hangupDisposition(task models.CallTask, cause int) (event, outcome string) {
	answered := task.AnsweredAt != nil
	switch cause {
	case 17:
		return evBusy, models.OutcomeBusy
	case 18, 19:
		return evNoAnswer, models.OutcomeNoAnswer
	case 1, 28:
		return evInvalidate, models.OutcomeInvalid
	case 21:
		return evFail, models.OutcomeFailed
	case 0, 16:
		if answered {
			return evComplete, models.OutcomeAnswered
		}
		return evNoAnswer, models.OutcomeNoAnswer
	default:
		if answered {
			return evComplete, models.OutcomeAnswered
		}
		return evFail, models.OutcomeFailed
	}
}

// handleAMD applies an answering machine verdict to the call.
func (s *Service) handleAMD(ctx context.Context, ev pbx.Event) {
	call := s.callByChannel(ev.ChannelID)
	if call == nil {
		return
	}
	call.mu.Lock()
	enabled := call.amdEnabled
	message := call.machineMessage
	call.mu.Unlock()
	if !enabled {
		return
	}

	var verdict string
	switch strings.ToUpper(ev.Fields["value"]) {
	case "MACHINE":
		verdict = models.AMDMachine
	case "HUMAN":
		verdict = models.AMDHuman
	default:
		verdict = models.AMDUnknown
	}
	confidence := 0.0
	if v, err := strconv.ParseFloat(ev.Fields["confidence"], 64); err == nil {
		confidence = v
	}

	task := call.update(func(t *models.CallTask) {
		t.AMDVerdict = verdict
		t.AMDConfidence = confidence
	})
	if err := s.tasks.Update(ctx, &task); err != nil {
		s.logger.Error("persisting amd verdict failed", "task_id", task.ID, "error", err)
	}
	s.publish("call.amd", task, map[string]any{"verdict": verdict})

	if verdict != models.AMDMachine {
		return
	}

	call.mu.Lock()
	if call.hangupBy == "" {
		call.hangupBy = models.HangupBySystem
	}
	call.mu.Unlock()

	s.mu.Lock()
	prompts := s.prompts
	s.mu.Unlock()

	if prompts != nil && message != "" {
		uri, err := prompts.MachinePrompt(ctx, task.CampaignID, message)
		if err == nil {
			playbackID, err := s.ari.Play(ctx, task.ChannelID, uri)
			if err == nil {
				call.mu.Lock()
				call.machinePlayback = playbackID
				call.mu.Unlock()
				return
			}
			s.logger.Warn("machine message playback failed", "task_id", task.ID, "error", err)
		} else {
			s.logger.Warn("machine message synthesis failed", "task_id", task.ID, "error", err)
		}
	}

	if err := s.hangupChannel(ctx, call); err != nil {
		s.logger.Warn("machine hangup failed", "task_id", task.ID, "error", err)
	}
}

// bindChannel swaps a task's placeholder channel id for the real one and
// flushes any hangup that was queued while the channel was unknown.
func (s *Service) bindChannel(ctx context.Context, taskID, channelID, channelName string) {
	if taskID == "" || channelID == "" {
		return
	}
	s.mu.Lock()
	call, ok := s.byTask[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	old := call.Task().ChannelID
	if old == channelID {
		return
	}

	s.mu.Lock()
	delete(s.byChannel, old)
	s.byChannel[channelID] = call
	_, hadPending := s.pendingHangups[taskID]
	delete(s.pendingHangups, taskID)
	s.mu.Unlock()

	call.update(func(t *models.CallTask) { t.ChannelID = channelID })
	if channelName != "" {
		call.setChannelName(channelName)
	}
	if err := s.tasks.BindChannel(ctx, taskID, channelID); err != nil {
		s.logger.Error("binding channel failed", "task_id", taskID, "channel_id", channelID, "error", err)
	}

	if hadPending {
		if err := s.hangupChannel(ctx, call); err != nil {
			s.logger.Warn("deferred hangup failed", "task_id", taskID, "error", err)
		}
	}
}

// persistTransition fires an FSM event, persists the result, and announces
// the state change on the bus. Illegal transitions return ErrStateConflict
// without touching the store.
func (s *Service) persistTransition(ctx context.Context, call *Call, event string) (models.CallTask, error) {
	task, err := call.transition(event)
	if err != nil {
		return task, err
	}
	if err := s.tasks.Update(ctx, &task); err != nil {
		s.logger.Error("persisting task state failed", "task_id", task.ID, "state", task.State, "error", err)
	}
	s.publish("call.state_changed", task, nil)
	return task, nil
}

// finalize settles a task: terminal transition, CDR (written exactly once),
// bus event, completion hooks, and the channel binding is dropped.
func (s *Service) finalize(ctx context.Context, call *Call, event, outcome, cause, hangupBy, lastError string) {
	task, err := call.transition(event)
	if err != nil {
		// Already terminal; a duplicate end event from the other plane.
		return
	}
	task = call.update(func(t *models.CallTask) {
		t.HangupCause = cause
		if lastError != "" {
			t.LastError = lastError
		}
	})
	if err := s.tasks.Update(ctx, &task); err != nil {
		s.logger.Error("persisting terminal task failed", "task_id", task.ID, "error", err)
	}

	s.mu.Lock()
	delete(s.byChannel, task.ChannelID)
	delete(s.byTask, task.ID)
	delete(s.pendingHangups, task.ID)
	hooks := make([]func(models.CallTask, models.CDR), len(s.onEnded))
	copy(hooks, s.onEnded)
	s.mu.Unlock()

	if task.AMDVerdict == models.AMDMachine && outcome == models.OutcomeAnswered {
		outcome = models.OutcomeMachine
	}

	cdr := buildCDR(call, task, outcome, hangupBy)
	if err := s.cdrs.Create(ctx, &cdr); err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.logger.Debug("cdr already written", "task_id", task.ID)
		} else {
			s.logger.Error("writing cdr failed", "task_id", task.ID, "error", err)
		}
	}

	s.publish("call.ended", task, map[string]any{
		"outcome":      outcome,
		"hangup_cause": cause,
		"hangup_party": hangupBy,
	})
	for _, fn := range hooks {
		fn(task, cdr)
	}
}

// buildCDR derives the call detail record from the task's timestamps.
func buildCDR(call *Call, task models.CallTask, outcome, hangupBy string) models.CDR {
	now := time.Now().UTC()
	start := task.CreatedAt
	if task.DialingAt != nil {
		start = *task.DialingAt
	}
	end := now
	if task.CompletedAt != nil {
		end = *task.CompletedAt
	}

	cdr := models.CDR{
		CallTaskID:  task.ID,
		CampaignID:  task.CampaignID,
		LeadID:      task.LeadID,
		AgentID:     task.AgentID,
		Phone:       task.Phone,
		StartTime:   start,
		AnswerTime:  task.AnsweredAt,
		EndTime:     end,
		HoldSeconds: call.holdSeconds(),
		Outcome:     outcome,
		HangupParty: hangupBy,
	}

	ringStart := start
	if task.RingingAt != nil {
		ringStart = *task.RingingAt
	}
	if task.AnsweredAt != nil {
		cdr.RingSeconds = int(task.AnsweredAt.Sub(ringStart) / time.Second)
		cdr.TalkSeconds = int(end.Sub(*task.AnsweredAt) / time.Second)
	} else {
		cdr.RingSeconds = int(end.Sub(ringStart) / time.Second)
	}
	if cdr.RingSeconds < 0 {
		cdr.RingSeconds = 0
	}
	if cdr.TalkSeconds < 0 {
		cdr.TalkSeconds = 0
	}
	return cdr
}

func (s *Service) callByTask(taskID string) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTask[taskID]
}

func (s *Service) callByChannel(channelID string) *Call {
	if channelID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byChannel[channelID]
}

func (s *Service) forwardUnmatched(ev pbx.Event) {
	s.mu.Lock()
	fn := s.unmatched
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Service) publish(typ string, task models.CallTask, extra map[string]any) {
	data := map[string]any{
		"task_id":     task.ID,
		"campaign_id": task.CampaignID,
		"lead_id":     task.LeadID,
		"phone":       task.Phone,
		"state":       task.State,
	}
	if task.AgentID != "" {
		data["agent_id"] = task.AgentID
	}
	for k, v := range extra {
		data[k] = v
	}
	s.bus.Publish(events.Event{
		Type:  typ,
		Topic: events.CallTopic(task.ID),
		Time:  time.Now().UTC(),
		Data:  data,
	})
}
