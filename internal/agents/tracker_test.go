package agents

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *events.Bus) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(0, testLogger())
	tracker := NewTracker(database.NewAgentRepository(db), bus, cfg, testLogger())
	t.Cleanup(tracker.Stop)
	return tracker, bus
}

func waitForStatus(t *testing.T, tracker *Tracker, agentID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := tracker.Get(context.Background(), agentID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if p != nil && p.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, _ := tracker.Get(context.Background(), agentID)
	t.Fatalf("agent never reached %q, presence = %+v", want, p)
}

func TestSetStatusCreatesPresence(t *testing.T) {
	tracker, bus := newTestTracker(t, DefaultConfig())
	sub := bus.Subscribe(events.AgentTopic("agent-1"))
	defer sub.Close()

	p, err := tracker.SetStatus(context.Background(), "agent-1", models.AgentAvailable)
	if err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	if p.Status != models.AgentAvailable {
		t.Errorf("status = %q, want available", p.Status)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != "agent.status_changed" || ev.Data["status"] != models.AgentAvailable {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status event published")
	}
}

func TestSetStatusRejectsUnknown(t *testing.T) {
	tracker, _ := newTestTracker(t, DefaultConfig())
	if _, err := tracker.SetStatus(context.Background(), "agent-1", "napping"); err == nil {
		t.Fatal("SetStatus(napping) succeeded, want error")
	}
}

func TestAssignTask(t *testing.T) {
	tracker, _ := newTestTracker(t, DefaultConfig())
	ctx := context.Background()

	if _, err := tracker.SetStatus(ctx, "agent-1", models.AgentAvailable); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	if err := tracker.AssignTask(ctx, "agent-1", "task-77"); err != nil {
		t.Fatalf("AssignTask() error: %v", err)
	}

	p, err := tracker.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.Status != models.AgentOnCall || p.CurrentTaskID != "task-77" {
		t.Errorf("presence = status %q task %q", p.Status, p.CurrentTaskID)
	}
}

func TestWrapUpAutoTransition(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WrapUpDuration: 20 * time.Millisecond})
	ctx := context.Background()

	if err := tracker.AssignTask(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("AssignTask() error: %v", err)
	}
	if err := tracker.CompleteCall(ctx, "agent-1"); err != nil {
		t.Fatalf("CompleteCall() error: %v", err)
	}

	p, err := tracker.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.Status != models.AgentWrapUp {
		t.Fatalf("status after call = %q, want wrap_up", p.Status)
	}
	if p.TotalCalls != 1 || p.CurrentTaskID != "" || p.LastCallEnd == nil {
		t.Errorf("presence = calls %d task %q last_call_end %v", p.TotalCalls, p.CurrentTaskID, p.LastCallEnd)
	}

	waitForStatus(t, tracker, "agent-1", models.AgentAvailable)
}

func TestWrapUpCancelledByManualChange(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WrapUpDuration: 30 * time.Millisecond})
	ctx := context.Background()

	if err := tracker.AssignTask(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("AssignTask() error: %v", err)
	}
	if err := tracker.CompleteCall(ctx, "agent-1"); err != nil {
		t.Fatalf("CompleteCall() error: %v", err)
	}
	if _, err := tracker.SetStatus(ctx, "agent-1", models.AgentBreak); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}

	// Wait out the wrap-up window; the break must stick.
	time.Sleep(80 * time.Millisecond)
	p, err := tracker.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.Status != models.AgentBreak {
		t.Errorf("status = %q, want break", p.Status)
	}
}

func TestZeroWrapUpGoesStraightToAvailable(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WrapUpDuration: 0})
	ctx := context.Background()

	if err := tracker.AssignTask(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("AssignTask() error: %v", err)
	}
	if err := tracker.CompleteCall(ctx, "agent-1"); err != nil {
		t.Fatalf("CompleteCall() error: %v", err)
	}

	p, err := tracker.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.Status != models.AgentAvailable {
		t.Errorf("status = %q, want available", p.Status)
	}
}

func TestOnAvailableHook(t *testing.T) {
	tracker, _ := newTestTracker(t, DefaultConfig())
	nudged := make(chan string, 1)
	tracker.OnAvailable(func(agentID string) { nudged <- agentID })

	if _, err := tracker.SetStatus(context.Background(), "agent-1", models.AgentAvailable); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}

	select {
	case id := <-nudged:
		if id != "agent-1" {
			t.Errorf("nudged agent = %q, want agent-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("available hook never fired")
	}
}
