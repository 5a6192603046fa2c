package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/pbx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeARI struct {
	mu           sync.Mutex
	connected    bool
	nextChannel  string
	originateErr error
	originated   []pbx.OriginateRequest
	hangups      []string
	hangupErr    error
	channels     []pbx.ChannelInfo
	listErr      error
	playbackID   string
	playErr      error
	played       []string
}

func (f *fakeARI) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeARI) Originate(ctx context.Context, req pbx.OriginateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.originated = append(f.originated, req)
	if f.originateErr != nil {
		return "", f.originateErr
	}
	return f.nextChannel, nil
}

func (f *fakeARI) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return f.hangupErr
}

func (f *fakeARI) Answer(ctx context.Context, channelID string) error { return nil }

func (f *fakeARI) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, mediaURI)
	if f.playErr != nil {
		return "", f.playErr
	}
	return f.playbackID, nil
}

func (f *fakeARI) ListChannels(ctx context.Context) ([]pbx.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels, f.listErr
}

func (f *fakeARI) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakeARI) lastOriginate() pbx.OriginateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.originated[len(f.originated)-1]
}

type fakeAMI struct {
	mu           sync.Mutex
	connected    bool
	originateErr error
	originated   []pbx.AMIOriginateRequest
	hangups      []string
}

func (f *fakeAMI) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAMI) Originate(ctx context.Context, req pbx.AMIOriginateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.originated = append(f.originated, req)
	return f.originateErr
}

func (f *fakeAMI) Hangup(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channel)
	return nil
}

func (f *fakeAMI) originateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.originated)
}

type fakePrompts struct {
	mu    sync.Mutex
	uri   string
	err   error
	calls int
}

func (f *fakePrompts) MachinePrompt(ctx context.Context, campaignID int64, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.uri, f.err
}

type serviceHarness struct {
	svc   *Service
	ari   *fakeARI
	ami   *fakeAMI
	tasks database.CallTaskRepository
	cdrs  database.CDRRepository
	bus   *events.Bus
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ari := &fakeARI{connected: true, nextChannel: "ch-1"}
	ami := &fakeAMI{connected: true}
	tasks := database.NewCallTaskRepository(db)
	cdrs := database.NewCDRRepository(db)
	bus := events.NewBus(0, testLogger())

	svc := NewService(DefaultConfig(), ari, ami, tasks, cdrs, bus, testLogger())
	svc.Start()
	t.Cleanup(svc.Stop)

	return &serviceHarness{svc: svc, ari: ari, ami: ami, tasks: tasks, cdrs: cdrs, bus: bus}
}

func (h *serviceHarness) waitState(t *testing.T, taskID, want string) models.CallTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last *models.CallTask
	for time.Now().Before(deadline) {
		task, err := h.svc.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if task != nil {
			last = task
			if task.State == want {
				return *task
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached %q, last = %+v", want, last)
	return models.CallTask{}
}

func (h *serviceHarness) waitCDR(t *testing.T, taskID string) *models.CDR {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cdr, err := h.cdrs.GetByCallTaskID(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetByCallTaskID() error: %v", err)
		}
		if cdr != nil {
			return cdr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cdr never written")
	return nil
}

func TestOriginateViaARI(t *testing.T) {
	h := newServiceHarness(t)

	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		LeadID:     7,
		CampaignID: 3,
		Phone:      "15551230001",
		CallerID:   "18005550100",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}
	if task.State != models.TaskDialing {
		t.Errorf("state = %q, want dialing", task.State)
	}
	if task.ChannelID != "ch-1" {
		t.Errorf("channel = %q, want ch-1", task.ChannelID)
	}

	req := h.ari.lastOriginate()
	if req.Endpoint != "PJSIP/15551230001@outbound" {
		t.Errorf("endpoint = %q", req.Endpoint)
	}
	if req.Variables[taskVariable] != task.ID {
		t.Errorf("task variable = %q, want %q", req.Variables[taskVariable], task.ID)
	}

	// The binding must be persisted too.
	stored, err := h.tasks.GetByChannelID(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("GetByChannelID() error: %v", err)
	}
	if stored == nil || stored.ID != task.ID {
		t.Fatalf("stored binding = %+v", stored)
	}
}

func TestOriginateFallsBackToAMI(t *testing.T) {
	h := newServiceHarness(t)
	h.ari.mu.Lock()
	h.ari.originateErr = fmt.Errorf("dial tcp: %w", pbx.ErrTransientNetwork)
	h.ari.mu.Unlock()

	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}
	if h.ami.originateCount() != 1 {
		t.Fatalf("ami originate count = %d, want 1", h.ami.originateCount())
	}
	if task.ChannelID != PlaceholderChannelID(task.ID) {
		t.Errorf("channel = %q, want placeholder", task.ChannelID)
	}

	// The channel variable event binds the real channel id.
	h.svc.HandleEvent(pbx.Event{
		Source:    pbx.SourceAMI,
		Type:      "VarSet",
		ChannelID: "1700000000.42",
		Fields: map[string]string{
			"variable": taskVariable,
			"value":    task.ID,
			"channel":  "PJSIP/outbound-00000001",
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.svc.Get(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.ChannelID == "1700000000.42" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel never rebound from placeholder")
}

func TestOriginateDegraded(t *testing.T) {
	h := newServiceHarness(t)
	h.ari.mu.Lock()
	h.ari.connected = false
	h.ari.mu.Unlock()
	h.ami.mu.Lock()
	h.ami.connected = false
	h.ami.mu.Unlock()

	_, err := h.svc.Originate(context.Background(), OriginateRequest{Phone: "15551230001"})
	if !errors.Is(err, pbx.ErrTransientNetwork) {
		t.Fatalf("error = %v, want ErrTransientNetwork", err)
	}
}

func TestOriginateBothPlanesFail(t *testing.T) {
	h := newServiceHarness(t)
	h.ari.mu.Lock()
	h.ari.originateErr = fmt.Errorf("connect: %w", pbx.ErrTransientNetwork)
	h.ari.mu.Unlock()
	h.ami.mu.Lock()
	h.ami.originateErr = errors.New("Originate failed")
	h.ami.mu.Unlock()

	_, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if !errors.Is(err, ErrOriginationFailed) {
		t.Fatalf("error = %v, want ErrOriginationFailed", err)
	}

	// The task must land in failed with a CDR recording the failure.
	tasks, err := h.tasks.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("active tasks = %d, want 0", len(tasks))
	}
}

func TestCallLifecycleEvents(t *testing.T) {
	h := newServiceHarness(t)

	ended := make(chan models.CDR, 1)
	h.svc.OnCallEnded(func(task models.CallTask, cdr models.CDR) {
		select {
		case ended <- cdr:
		default:
		}
	})

	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelStateChange", ChannelID: "ch-1",
		Fields: map[string]string{"state": "Ringing"},
	})
	h.waitState(t, task.ID, models.TaskRinging)

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelStateChange", ChannelID: "ch-1",
		Fields: map[string]string{"state": "Up"},
	})
	h.waitState(t, task.ID, models.TaskAnswered)

	if err := h.svc.ConnectAgent(context.Background(), task.ID, "agent-9"); err != nil {
		t.Fatalf("ConnectAgent() error: %v", err)
	}

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelDestroyed", ChannelID: "ch-1",
		Fields: map[string]string{"cause": "16", "cause_txt": "Normal Clearing"},
	})
	got := h.waitState(t, task.ID, models.TaskCompleted)
	if got.HangupCause != "Normal Clearing" || got.AgentID != "agent-9" {
		t.Errorf("task = cause %q agent %q", got.HangupCause, got.AgentID)
	}

	cdr := h.waitCDR(t, task.ID)
	if cdr.Outcome != models.OutcomeAnswered {
		t.Errorf("outcome = %q, want answered", cdr.Outcome)
	}
	if cdr.HangupParty != models.HangupByCustomer {
		t.Errorf("hangup party = %q, want customer", cdr.HangupParty)
	}
	if cdr.AnswerTime == nil {
		t.Error("answer time not set")
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("call-ended hook never fired")
	}

	// A duplicate destroy event for a settled channel must be harmless.
	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelDestroyed", ChannelID: "ch-1",
		Fields: map[string]string{"cause": "16"},
	})
	time.Sleep(20 * time.Millisecond)
	if n := len(h.svc.ActiveCalls()); n != 0 {
		t.Errorf("active calls = %d, want 0", n)
	}
}

func TestAnsweredHookFiresOnce(t *testing.T) {
	h := newServiceHarness(t)

	var mu sync.Mutex
	var fired []string
	h.svc.OnCallAnswered(func(task models.CallTask) {
		mu.Lock()
		fired = append(fired, task.ID)
		mu.Unlock()
	})

	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelStateChange", ChannelID: "ch-1",
		Fields: map[string]string{"state": "Up"},
	})
	h.waitState(t, task.ID, models.TaskAnswered)

	// The AMI plane reports the same answer; the duplicate transition is
	// rejected and must not re-fire the hook.
	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceAMI, Type: "Newstate", ChannelID: "ch-1",
		Fields: map[string]string{"channelstatedesc": "Up"},
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(fired))
	}
	if fired[0] != task.ID {
		t.Errorf("hook task = %q, want %q", fired[0], task.ID)
	}
}

func TestBusyDisposition(t *testing.T) {
	h := newServiceHarness(t)
	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelDestroyed", ChannelID: "ch-1",
		Fields: map[string]string{"cause": "17", "cause_txt": "User busy"},
	})
	h.waitState(t, task.ID, models.TaskBusy)

	cdr := h.waitCDR(t, task.ID)
	if cdr.Outcome != models.OutcomeBusy {
		t.Errorf("outcome = %q, want busy", cdr.Outcome)
	}
	if cdr.HangupParty != models.HangupBySystem {
		t.Errorf("hangup party = %q, want system", cdr.HangupParty)
	}
}

func TestHangupTreatsGoneChannelAsSuccess(t *testing.T) {
	h := newServiceHarness(t)
	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	h.ari.mu.Lock()
	h.ari.hangupErr = pbx.ErrNotFound
	h.ari.mu.Unlock()

	if err := h.svc.Hangup(context.Background(), task.ID, models.HangupByAgent); err != nil {
		t.Fatalf("Hangup() error: %v", err)
	}
	if h.ari.hangupCount() != 1 {
		t.Errorf("hangup count = %d, want 1", h.ari.hangupCount())
	}
}

func TestAbandonDropsCall(t *testing.T) {
	h := newServiceHarness(t)
	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelStateChange", ChannelID: "ch-1",
		Fields: map[string]string{"state": "Up"},
	})
	h.waitState(t, task.ID, models.TaskAnswered)

	if err := h.svc.Abandon(context.Background(), task.ID, "no_agent_available"); err != nil {
		t.Fatalf("Abandon() error: %v", err)
	}

	got := h.waitState(t, task.ID, models.TaskAbandoned)
	if got.HangupCause != "no_agent_available" {
		t.Errorf("cause = %q", got.HangupCause)
	}
	cdr := h.waitCDR(t, task.ID)
	if cdr.Outcome != models.OutcomeAbandoned {
		t.Errorf("outcome = %q, want abandoned", cdr.Outcome)
	}
	if h.ari.hangupCount() != 1 {
		t.Errorf("hangup count = %d, want 1", h.ari.hangupCount())
	}
}

func TestReconcileCompletesStaleTasks(t *testing.T) {
	h := newServiceHarness(t)

	t1, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 1, Phone: "15551230001",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}
	h.ari.mu.Lock()
	h.ari.nextChannel = "ch-2"
	h.ari.channels = []pbx.ChannelInfo{{ID: "ch-2", State: "Up"}}
	h.ari.mu.Unlock()
	t2, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID: 1, LeadID: 2, Phone: "15551230002",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	h.svc.Reconcile(context.Background())

	got := h.waitState(t, t1.ID, models.TaskCompleted)
	if got.HangupCause != "reconnect_reconciled" {
		t.Errorf("cause = %q, want reconnect_reconciled", got.HangupCause)
	}
	live, err := h.svc.Get(context.Background(), t2.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if models.IsTerminalTaskState(live.State) {
		t.Errorf("live task was reconciled away: %+v", live)
	}
}

func TestAMDMachinePlaysMessageThenHangsUp(t *testing.T) {
	h := newServiceHarness(t)
	prompts := &fakePrompts{uri: "sound:campaign-1-machine"}
	h.svc.SetPromptCache(prompts)
	h.ari.mu.Lock()
	h.ari.playbackID = "pb-1"
	h.ari.mu.Unlock()

	task, err := h.svc.Originate(context.Background(), OriginateRequest{
		CampaignID:     1,
		LeadID:         1,
		Phone:          "15551230001",
		EnableAMD:      true,
		MachineMessage: "Sorry we missed you.",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelStateChange", ChannelID: "ch-1",
		Fields: map[string]string{"state": "Up"},
	})
	h.waitState(t, task.ID, models.TaskAnswered)

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelVarset", ChannelID: "ch-1",
		Fields: map[string]string{"variable": "AMDSTATUS", "value": "MACHINE"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.ari.mu.Lock()
		n := len(h.ari.played)
		h.ari.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.ari.mu.Lock()
	played := append([]string(nil), h.ari.played...)
	h.ari.mu.Unlock()
	if len(played) != 1 || played[0] != "sound:campaign-1-machine" {
		t.Fatalf("played = %v", played)
	}

	// Message finished: the service hangs the channel up.
	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "PlaybackFinished", ChannelID: "ch-1",
		Fields: map[string]string{"playback_id": "pb-1"},
	})
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ari.hangupCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.ari.hangupCount() != 1 {
		t.Fatalf("hangup count = %d, want 1", h.ari.hangupCount())
	}

	// The destroy settles the task with a machine outcome.
	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "ChannelDestroyed", ChannelID: "ch-1",
		Fields: map[string]string{"cause": "16", "cause_txt": "Normal Clearing"},
	})
	h.waitState(t, task.ID, models.TaskCompleted)
	cdr := h.waitCDR(t, task.ID)
	if cdr.Outcome != models.OutcomeMachine {
		t.Errorf("outcome = %q, want machine", cdr.Outcome)
	}
}

func TestUnmatchedEventsGoToHook(t *testing.T) {
	h := newServiceHarness(t)
	unmatched := make(chan pbx.Event, 1)
	h.svc.OnUnmatchedEvent(func(ev pbx.Event) {
		select {
		case unmatched <- ev:
		default:
		}
	})

	h.svc.HandleEvent(pbx.Event{
		Source: pbx.SourceARI, Type: "StasisStart", ChannelID: "inbound-1",
		Fields: map[string]string{"state": "Ring", "caller_number": "15559990001"},
	})

	select {
	case ev := <-unmatched:
		if ev.ChannelID != "inbound-1" {
			t.Errorf("unmatched channel = %q", ev.ChannelID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unmatched hook never fired")
	}
}
