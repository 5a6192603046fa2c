// Package pbx drives an external PBX over its two control planes: ARI
// (HTTP actions plus a WebSocket event stream) and AMI (a line-oriented TCP
// protocol). Both clients normalize PBX state changes into the same Event
// envelope so the telephony layer can treat them as interchangeable
// sources.
package pbx

import (
	"errors"
	"math/rand"
	"time"
)

// Event sources.
const (
	SourceARI = "ari"
	SourceAMI = "ami"
)

// Synthetic event types emitted by the clients themselves.
const (
	// EventResynced is emitted after a reconnect so owners of call state
	// can reconcile against the PBX's channel list.
	EventResynced = "events.resynced"
)

// Event is the normalized envelope surfaced by both clients.
type Event struct {
	Source    string            // SourceARI or SourceAMI
	Type      string            // protocol event name, e.g. "StasisStart", "Hangup"
	ChannelID string            // empty when the event is not channel-scoped
	Fields    map[string]string // flattened protocol fields
	Time      time.Time
}

// Handler consumes normalized events. Handlers are invoked from a client's
// read goroutine and must not block.
type Handler func(Event)

// Error taxonomy shared by both clients.
var (
	// ErrTransientNetwork marks connectivity failures that a retry may fix.
	ErrTransientNetwork = errors.New("pbx: transient network failure")

	// ErrProtocolViolation marks malformed frames. The frame is discarded;
	// the connection stays up.
	ErrProtocolViolation = errors.New("pbx: protocol violation")

	// ErrNotFound marks actions against channels, bridges, or recordings
	// the PBX no longer knows.
	ErrNotFound = errors.New("pbx: not found")

	// ErrActionTimeout marks actions whose response never arrived.
	ErrActionTimeout = errors.New("pbx: action timed out")
)

// reconnectCeiling caps the exponential reconnect delay.
const reconnectCeiling = 300 * time.Second

// backoff implements exponential backoff with jitter for reconnect loops.
// Jitter prevents thundering herd when several clients fail simultaneously.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: time.Second,
		maxDelay:  reconnectCeiling,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
