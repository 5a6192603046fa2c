// Package telephony drives outbound call tasks end to end: it originates
// calls through the PBX, walks each task through its state machine from the
// normalized event stream, writes the CDR when the call ends, and manages
// external-media bridges for calls that need an RTP leg.
package telephony

import (
	"context"
	"errors"
	"time"

	"github.com/dialgrid/dialgrid/internal/pbx"
)

var (
	// ErrOriginationFailed means both PBX control planes rejected or
	// failed the originate action.
	ErrOriginationFailed = errors.New("telephony: origination failed")

	// ErrStateConflict means the requested operation is not legal in the
	// call's current state.
	ErrStateConflict = errors.New("telephony: state conflict")

	// ErrUnknownTask means no call task with the given id is tracked.
	ErrUnknownTask = errors.New("telephony: unknown task")
)

// ARIControl is the slice of the ARI client the call service depends on.
type ARIControl interface {
	Connected() bool
	Originate(ctx context.Context, req pbx.OriginateRequest) (string, error)
	Hangup(ctx context.Context, channelID string) error
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, mediaURI string) (string, error)
	ListChannels(ctx context.Context) ([]pbx.ChannelInfo, error)
}

// AMIControl is the slice of the AMI client used for originate fallback.
type AMIControl interface {
	Connected() bool
	Originate(ctx context.Context, req pbx.AMIOriginateRequest) error
	Hangup(ctx context.Context, channel string) error
}

// ARIBridger is the slice of the ARI client the bridge manager depends on.
type ARIBridger interface {
	CreateExternalMedia(ctx context.Context, req pbx.ExternalMediaRequest) (string, error)
	CreateBridge(ctx context.Context) (string, error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	Hangup(ctx context.Context, channelID string) error
}

// PromptCache renders campaign announcement text into a playable media URI.
// Implementations cache per campaign so repeated machine detections do not
// re-synthesize the same message.
type PromptCache interface {
	MachinePrompt(ctx context.Context, campaignID int64, text string) (string, error)
}

// Config holds call service tuning knobs.
type Config struct {
	// App is the Stasis application name calls are originated into.
	App string
	// EndpointTemplate formats a dial string from a phone number, for
	// example "PJSIP/%s@outbound".
	EndpointTemplate string
	// CallerID is the default caller id when the request carries none.
	CallerID string
	// OriginateTimeout bounds how long the PBX lets the far end ring.
	OriginateTimeout time.Duration
	// Workers is the number of event workers; events for the same channel
	// always land on the same worker.
	Workers int
	// QueueSize is each worker's event buffer.
	QueueSize int
}

// DefaultConfig returns the call service defaults.
func DefaultConfig() Config {
	return Config{
		App:              "dialgrid",
		EndpointTemplate: "PJSIP/%s@outbound",
		CallerID:         "anonymous",
		OriginateTimeout: 30 * time.Second,
		Workers:          4,
		QueueSize:        256,
	}
}

// taskVariable is the channel variable that carries the task id so events
// from either control plane can be bound back to their task.
const taskVariable = "DIALGRID_TASK_ID"

// PlaceholderChannelID returns the channel id a task carries before the
// PBX reports the real one.
func PlaceholderChannelID(taskID string) string {
	return "pending:" + taskID
}
