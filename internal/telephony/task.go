package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/pbx"
	"github.com/looplab/fsm"
)

// Transition events for the call task state machine.
const (
	evQueue      = "queue"
	evDial       = "dial"
	evRing       = "ring"
	evAnswer     = "answer"
	evConnect    = "connect"
	evHold       = "hold"
	evResume     = "resume"
	evTransfer   = "transfer"
	evConference = "conference"
	evComplete   = "complete"
	evFail       = "fail"
	evAbandon    = "abandon"
	evNoAnswer   = "no_answer"
	evBusy       = "busy"
	evInvalidate = "invalidate"
)

// terminalEvents maps each terminal state to the transition that reaches it.
var terminalEvents = map[string]string{
	models.TaskCompleted: evComplete,
	models.TaskFailed:    evFail,
	models.TaskAbandoned: evAbandon,
	models.TaskNoAnswer:  evNoAnswer,
	models.TaskBusy:      evBusy,
	models.TaskInvalid:   evInvalidate,
}

func liveStates() []string {
	return []string{
		models.TaskPending, models.TaskQueued, models.TaskDialing,
		models.TaskRinging, models.TaskAnswered, models.TaskConnected,
		models.TaskHold, models.TaskTransferring, models.TaskConferenced,
	}
}

// newTaskFSM builds the call task state machine starting from the given
// state. Ringing may be skipped when the PBX reports an immediate answer,
// and every terminal transition is legal from any live state.
func newTaskFSM(initial string) *fsm.FSM {
	live := liveStates()
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: evQueue, Src: []string{models.TaskPending}, Dst: models.TaskQueued},
			{Name: evDial, Src: []string{models.TaskPending, models.TaskQueued}, Dst: models.TaskDialing},
			{Name: evRing, Src: []string{models.TaskDialing}, Dst: models.TaskRinging},
			{Name: evAnswer, Src: []string{models.TaskDialing, models.TaskRinging}, Dst: models.TaskAnswered},
			{Name: evConnect, Src: []string{models.TaskAnswered}, Dst: models.TaskConnected},
			{Name: evHold, Src: []string{models.TaskConnected}, Dst: models.TaskHold},
			{Name: evResume, Src: []string{models.TaskHold}, Dst: models.TaskConnected},
			{Name: evTransfer, Src: []string{models.TaskAnswered, models.TaskConnected}, Dst: models.TaskTransferring},
			{Name: evConference, Src: []string{models.TaskTransferring}, Dst: models.TaskConferenced},
			{Name: evComplete, Src: live, Dst: models.TaskCompleted},
			{Name: evFail, Src: live, Dst: models.TaskFailed},
			{Name: evAbandon, Src: live, Dst: models.TaskAbandoned},
			{Name: evNoAnswer, Src: live, Dst: models.TaskNoAnswer},
			{Name: evBusy, Src: live, Dst: models.TaskBusy},
			{Name: evInvalidate, Src: live, Dst: models.TaskInvalid},
		},
		nil,
	)
}

// Call is the runtime wrapper around a persisted call task. The service
// serializes all access per channel, but operations arriving through the
// public API can race the event workers, so every mutation holds the lock.
type Call struct {
	mu sync.Mutex

	task    models.CallTask
	machine *fsm.FSM

	// AMD settings carried over from the campaign at originate time.
	amdEnabled     bool
	machineMessage string

	// machinePlayback is the playback id of an in-progress answering
	// machine message; its PlaybackFinished event triggers the hangup.
	machinePlayback string

	// hangupBy records who asked for the hangup so the CDR can attribute
	// the disconnect. Empty means the far end (or the PBX) ended the call.
	hangupBy string

	// chanName is the PBX channel name (PJSIP/outbound-00000001), needed
	// for AMI actions which do not accept the unique id.
	chanName string

	// hold bookkeeping for the CDR's hold_seconds.
	holdStarted *time.Time
	holdTotal   time.Duration
}

func newCall(task models.CallTask) *Call {
	return &Call{
		task:    task,
		machine: newTaskFSM(task.State),
	}
}

// Task returns a copy of the task's current persisted form.
func (c *Call) Task() models.CallTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

// State returns the task's current state.
func (c *Call) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// transition fires a state machine event, stamps the matching timestamp,
// and returns the updated task copy. ErrStateConflict wraps any illegal
// transition.
func (c *Call) transition(event string) (models.CallTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.machine.Event(context.Background(), event); err != nil {
		return c.task, fmt.Errorf("%s from %s: %w", event, c.machine.Current(), ErrStateConflict)
	}

	now := time.Now().UTC()
	c.task.State = c.machine.Current()
	switch event {
	case evQueue:
		c.task.QueuedAt = &now
	case evDial:
		c.task.DialingAt = &now
	case evRing:
		c.task.RingingAt = &now
	case evAnswer:
		c.task.AnsweredAt = &now
	case evConnect:
		if c.task.ConnectedAt == nil {
			c.task.ConnectedAt = &now
		}
		if c.holdStarted != nil {
			c.holdTotal += now.Sub(*c.holdStarted)
			c.holdStarted = nil
		}
	case evHold:
		c.holdStarted = &now
	}
	if models.IsTerminalTaskState(c.task.State) {
		c.task.CompletedAt = &now
		if c.holdStarted != nil {
			c.holdTotal += now.Sub(*c.holdStarted)
			c.holdStarted = nil
		}
	}
	return c.task, nil
}

// update mutates the task under the lock and returns the result.
func (c *Call) update(mutate func(*models.CallTask)) models.CallTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutate(&c.task)
	return c.task
}

// holdSeconds returns the accumulated hold time in whole seconds.
func (c *Call) holdSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.holdTotal / time.Second)
}

func (c *Call) setChannelName(name string) {
	c.mu.Lock()
	c.chanName = name
	c.mu.Unlock()
}

func (c *Call) channelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chanName
}

// noteChannelName remembers the channel name when an event carries one.
func (c *Call) noteChannelName(ev pbx.Event) {
	name := ev.Fields["channel_name"]
	if name == "" {
		name = ev.Fields["channel"]
	}
	if name == "" {
		return
	}
	c.mu.Lock()
	if c.chanName == "" {
		c.chanName = name
	}
	c.mu.Unlock()
}
