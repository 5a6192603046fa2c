package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dialgrid/dialgrid/internal/pbx"
	"github.com/dialgrid/dialgrid/internal/rtp"
)

// Attachment is one call's external-media plumbing: the RTP session the
// audio lands on, the externalMedia channel feeding it, and the mixing
// bridge joining it to the call.
type Attachment struct {
	CallChannelID string
	ExtChannelID  string
	BridgeID      string
	Session       *rtp.Session
}

// BridgeManager wires call channels to RTP sessions through ARI mixing
// bridges so the speech pipeline can hear the call. All operations are
// idempotent and no bridge outlives its call.
type BridgeManager struct {
	ari     ARIBridger
	gateway *rtp.Gateway
	logger  *slog.Logger

	mu       sync.Mutex
	byCall   map[string]*Attachment
	byExt    map[string]*Attachment
	byBridge map[string]*Attachment
}

// NewBridgeManager creates a bridge manager over the given ARI client and
// RTP gateway.
func NewBridgeManager(ari ARIBridger, gateway *rtp.Gateway, logger *slog.Logger) *BridgeManager {
	return &BridgeManager{
		ari:      ari,
		gateway:  gateway,
		logger:   logger,
		byCall:   make(map[string]*Attachment),
		byExt:    make(map[string]*Attachment),
		byBridge: make(map[string]*Attachment),
	}
}

// Attach connects a call channel to a fresh RTP session: allocate the
// session, point an externalMedia channel at it, and join both legs in a
// mixing bridge. Any step failing tears down everything already created.
// Calling Attach again for the same channel returns the existing
// attachment.
func (m *BridgeManager) Attach(ctx context.Context, callChannelID string, consumer rtp.FrameFunc) (*Attachment, error) {
	m.mu.Lock()
	if a, ok := m.byCall[callChannelID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	session, err := m.gateway.Open(consumer)
	if err != nil {
		return nil, fmt.Errorf("allocating rtp session: %w", err)
	}

	extID, err := m.ari.CreateExternalMedia(ctx, pbx.ExternalMediaRequest{
		ExternalHost: m.gateway.Addr(session),
		Format:       "ulaw",
	})
	if err != nil {
		m.gateway.Close(session.ID)
		return nil, fmt.Errorf("creating external media channel: %w", err)
	}

	bridgeID, err := m.ari.CreateBridge(ctx)
	if err != nil {
		m.teardownParts(ctx, "", extID, session.ID)
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	if err := m.ari.AddChannelToBridge(ctx, bridgeID, callChannelID); err != nil {
		m.teardownParts(ctx, bridgeID, extID, session.ID)
		return nil, fmt.Errorf("adding call channel to bridge: %w", err)
	}
	if err := m.ari.AddChannelToBridge(ctx, bridgeID, extID); err != nil {
		m.teardownParts(ctx, bridgeID, extID, session.ID)
		return nil, fmt.Errorf("adding media channel to bridge: %w", err)
	}

	a := &Attachment{
		CallChannelID: callChannelID,
		ExtChannelID:  extID,
		BridgeID:      bridgeID,
		Session:       session,
	}
	m.mu.Lock()
	m.byCall[callChannelID] = a
	m.byExt[extID] = a
	m.byBridge[bridgeID] = a
	m.mu.Unlock()

	m.logger.Info("media bridge attached",
		"call_channel", callChannelID,
		"bridge_id", bridgeID,
		"rtp_addr", m.gateway.Addr(session),
	)
	return a, nil
}

// Detach tears down a call's media attachment. Unknown channels are a
// no-op.
func (m *BridgeManager) Detach(ctx context.Context, callChannelID string) {
	a := m.remove(func(mgr *BridgeManager) *Attachment { return mgr.byCall[callChannelID] })
	if a == nil {
		return
	}
	m.teardownParts(ctx, a.BridgeID, a.ExtChannelID, a.Session.ID)
}

// HandleChannelGone reacts to a ChannelDestroyed for either leg of an
// attachment: the bridge is destroyed, the RTP session stopped, and the
// surviving external leg hung up when the call leg died. Events for
// channels without attachments are ignored.
func (m *BridgeManager) HandleChannelGone(ctx context.Context, channelID string) {
	a := m.remove(func(mgr *BridgeManager) *Attachment {
		if at, ok := mgr.byCall[channelID]; ok {
			return at
		}
		return mgr.byExt[channelID]
	})
	if a == nil {
		return
	}

	extID := a.ExtChannelID
	if channelID == extID {
		// The media leg died on its own; leave the call channel alone.
		extID = ""
	}
	m.teardownParts(ctx, a.BridgeID, extID, a.Session.ID)
}

// Attachments returns the number of live attachments.
func (m *BridgeManager) Attachments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byCall)
}

// Get returns the attachment for a call channel.
func (m *BridgeManager) Get(callChannelID string) (*Attachment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byCall[callChannelID]
	return a, ok
}

// CloseAll detaches everything. Used during shutdown.
func (m *BridgeManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	attachments := make([]*Attachment, 0, len(m.byCall))
	for _, a := range m.byCall {
		attachments = append(attachments, a)
	}
	m.byCall = make(map[string]*Attachment)
	m.byExt = make(map[string]*Attachment)
	m.byBridge = make(map[string]*Attachment)
	m.mu.Unlock()

	for _, a := range attachments {
		m.teardownParts(ctx, a.BridgeID, a.ExtChannelID, a.Session.ID)
	}
}

// remove atomically looks up and unregisters an attachment.
func (m *BridgeManager) remove(lookup func(*BridgeManager) *Attachment) *Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := lookup(m)
	if a == nil {
		return nil
	}
	delete(m.byCall, a.CallChannelID)
	delete(m.byExt, a.ExtChannelID)
	delete(m.byBridge, a.BridgeID)
	return a
}

// teardownParts best-effort destroys whichever pieces exist. Each failure
// is logged and the rest still runs, so nothing dangles.
func (m *BridgeManager) teardownParts(ctx context.Context, bridgeID, extChannelID, sessionID string) {
	if bridgeID != "" {
		if err := m.ari.DestroyBridge(ctx, bridgeID); err != nil && !isNotFound(err) {
			m.logger.Warn("destroying bridge failed", "bridge_id", bridgeID, "error", err)
		}
	}
	if extChannelID != "" {
		if err := m.ari.Hangup(ctx, extChannelID); err != nil && !isNotFound(err) {
			m.logger.Warn("hanging up media channel failed", "channel_id", extChannelID, "error", err)
		}
	}
	if sessionID != "" {
		m.gateway.Close(sessionID)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, pbx.ErrNotFound)
}
