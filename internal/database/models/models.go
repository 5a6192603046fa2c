package models

import (
	"encoding/json"
	"time"
)

// Dialing modes.
const (
	ModeManual      = "manual"
	ModePreview     = "preview"
	ModeProgressive = "progressive"
	ModeRatio       = "ratio"
	ModePredictive  = "predictive"
)

// Campaign statuses. Only active campaigns are ticked by the scheduler.
const (
	CampaignInactive  = "inactive"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Lead statuses.
const (
	LeadNew          = "new"
	LeadActive       = "active"
	LeadCalled       = "called"
	LeadRetry        = "retry"
	LeadAnswered     = "answered"
	LeadNoAnswer     = "no_answer"
	LeadBusy         = "busy"
	LeadDisconnected = "disconnected"
	LeadCallback     = "callback"
	LeadDNC          = "dnc"
	LeadCompleted    = "completed"
	LeadInvalid      = "invalid"
	LeadFailed       = "failed"
)

// Call task states. The first group is transient, the second terminal.
const (
	TaskPending      = "pending"
	TaskQueued       = "queued"
	TaskDialing      = "dialing"
	TaskRinging      = "ringing"
	TaskAnswered     = "answered"
	TaskConnected    = "connected"
	TaskHold         = "hold"
	TaskTransferring = "transferring"
	TaskConferenced  = "conferenced"

	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskAbandoned = "abandoned"
	TaskNoAnswer  = "no_answer"
	TaskBusy      = "busy"
	TaskInvalid   = "invalid"
)

// Call outcomes recorded on CDRs and fed back into lead scheduling.
const (
	OutcomeAnswered     = "answered"
	OutcomeNoAnswer     = "no_answer"
	OutcomeBusy         = "busy"
	OutcomeDisconnected = "disconnected"
	OutcomeMachine      = "machine"
	OutcomeAbandoned    = "abandoned"
	OutcomeFailed       = "failed"
	OutcomeInvalid      = "invalid"
)

// AMD verdicts.
const (
	AMDHuman   = "human"
	AMDMachine = "machine"
	AMDUnknown = "unknown"
)

// Agent presence statuses.
const (
	AgentOffline   = "offline"
	AgentAvailable = "available"
	AgentBusy      = "busy"
	AgentOnCall    = "on_call"
	AgentWrapUp    = "wrap_up"
	AgentBreak     = "break"
	AgentLunch     = "lunch"
)

// Recording states. Expired marks completed recordings whose blob has been
// removed by the retention sweep.
const (
	RecordingStarting  = "starting"
	RecordingActive    = "recording"
	RecordingPaused    = "paused"
	RecordingStopping  = "stopping"
	RecordingCompleted = "completed"
	RecordingFailed    = "failed"
	RecordingExpired   = "expired"
)

// Hangup parties.
const (
	HangupByAgent    = "agent"
	HangupByCustomer = "customer"
	HangupBySystem   = "system"
)

// Campaign is one outbound dialing campaign with its pacing, schedule, and
// retry configuration.
type Campaign struct {
	ID     int64
	Name   string
	Mode   string // ModeManual..ModePredictive
	Status string

	TargetRatio float64 // desired calls per available agent
	DropSLA     float64 // max abandon percentage before pacing backs off

	Timezone    string
	DaysMask    int    // bit N = time.Weekday N is diallable
	WindowStart string // local "HH:MM"
	WindowEnd   string // local "HH:MM", may be before WindowStart (overnight)

	MaxAttempts    int
	MinRetryGapMin int
	RetryDelays    string // JSON outcome -> minutes

	RecycleEnabled           bool
	RecycleNoAnswerDays      int
	RecycleBusyDays          int
	RecycleDisconnectedDays  int
	MaxRecycles              int
	RecycleExcludeDNC        bool
	RecycleBusinessHoursOnly bool

	EnableAMD  bool
	AMDMessage string // TTS text played to answering machines

	RequiredSkills string // JSON array
	CallerID       string
	MaxConcurrent  int

	CallsPlacedToday   int
	CallsAnsweredToday int
	CallsDroppedToday  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lead is one dialable contact within a campaign.
type Lead struct {
	ID         int64
	CampaignID int64

	Phone    string // E.164
	AltPhone string

	Timezone      string // IANA, empty = campaign timezone
	BestCallStart string // local "HH:MM", empty = no preference
	BestCallEnd   string

	Status       string
	Attempts     int
	RecycleCount int
	LastCallAt   *time.Time
	NextCallAt   *time.Time

	Priority       int // 1..5, higher dials first
	DNC            bool
	Consent        bool
	DoNotCallAfter *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CallTask tracks one origination attempt from creation to its terminal
// state.
type CallTask struct {
	ID         string // uuid
	LeadID     int64
	CampaignID int64
	AgentID    string

	State     string
	Phone     string
	ChannelID string // placeholder until the first PBX event binds the real id

	CreatedAt   time.Time
	QueuedAt    *time.Time
	DialingAt   *time.Time
	RingingAt   *time.Time
	AnsweredAt  *time.Time
	ConnectedAt *time.Time
	CompletedAt *time.Time

	AMDVerdict    string
	AMDConfidence float64

	RetryCount  int
	LastError   string
	HangupCause string
}

// CDR is the immutable record written exactly once when a call task reaches
// a terminal state.
type CDR struct {
	ID         int64
	CallTaskID string
	CampaignID int64
	LeadID     int64
	AgentID    string
	Phone      string

	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    time.Time

	RingSeconds int
	TalkSeconds int
	HoldSeconds int
	WrapSeconds int

	Outcome     string
	HangupParty string
	RecordingID string
	Cost        float64
}

// AgentPresence is the durable view of one agent's state.
type AgentPresence struct {
	AgentID string
	Status  string
	Since   time.Time

	Skills    string // JSON array
	Campaigns string // JSON array of campaign ids
	Queues    string // JSON array of queue names

	CurrentTaskID string
	LastCallEnd   *time.Time
	TotalCalls    int

	Version   int64
	UpdatedAt time.Time
}

// RecordingMetadata describes one call recording and where its audio lives.
type RecordingMetadata struct {
	ID         string // uuid, also the stored file basename
	CallTaskID string
	AgentID    string

	StartedAt time.Time
	EndedAt   *time.Time

	Format     string
	SampleRate int

	Backend     string
	StoragePath string
	SizeBytes   int64
	SHA256      string

	RetentionUntil *time.Time
	Consent        bool
	State          string
}

// PacingAudit records one monitor- or engine-driven ratio adjustment.
type PacingAudit struct {
	ID         int64
	CampaignID int64
	OldRatio   float64
	NewRatio   float64
	Reason     string
	Severity   string
	Windows    string // JSON snapshot of the drop-rate windows
	CreatedAt  time.Time
}

// TerminalTaskStates lists the call task states that end a task's life.
var TerminalTaskStates = []string{
	TaskCompleted, TaskFailed, TaskAbandoned, TaskNoAnswer, TaskBusy, TaskInvalid,
}

// IsTerminalTaskState reports whether a call task state is terminal.
func IsTerminalTaskState(state string) bool {
	for _, s := range TerminalTaskStates {
		if s == state {
			return true
		}
	}
	return false
}

// DecodeStrings decodes a JSON string array column. Malformed or empty
// values decode to nil.
func DecodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// EncodeStrings encodes a string slice for a JSON column. Nil encodes to
// "[]" so columns stay non-null.
func EncodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeRetryDelays decodes the campaign retry-delay column, a JSON map of
// outcome name to delay minutes.
func DecodeRetryDelays(s string) map[string]int {
	if s == "" {
		return nil
	}
	var out map[string]int
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// EncodeRetryDelays encodes a retry-delay map for storage.
func EncodeRetryDelays(v map[string]int) string {
	if len(v) == 0 {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
