package telephony

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dialgrid/dialgrid/internal/pbx"
	"github.com/dialgrid/dialgrid/internal/rtp"
)

type fakeBridger struct {
	mu sync.Mutex

	extErr    error
	bridgeErr error
	addErrOn  string // channel id whose add fails

	extHost   string
	bridges   []string
	destroyed []string
	added     map[string][]string
	hangups   []string

	nextExt    string
	nextBridge string
}

func newFakeBridger() *fakeBridger {
	return &fakeBridger{
		added:      make(map[string][]string),
		nextExt:    "ext-1",
		nextBridge: "br-1",
	}
}

func (f *fakeBridger) CreateExternalMedia(ctx context.Context, req pbx.ExternalMediaRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extErr != nil {
		return "", f.extErr
	}
	f.extHost = req.ExternalHost
	return f.nextExt, nil
}

func (f *fakeBridger) CreateBridge(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bridgeErr != nil {
		return "", f.bridgeErr
	}
	f.bridges = append(f.bridges, f.nextBridge)
	return f.nextBridge, nil
}

func (f *fakeBridger) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErrOn == channelID {
		return errors.New("bridge add failed")
	}
	f.added[bridgeID] = append(f.added[bridgeID], channelID)
	return nil
}

func (f *fakeBridger) DestroyBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, bridgeID)
	return nil
}

func (f *fakeBridger) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func newTestGateway(t *testing.T, portMin, portMax int) *rtp.Gateway {
	t.Helper()
	gw, err := rtp.NewGateway(portMin, portMax, "203.0.113.5", testLogger())
	if err != nil {
		t.Fatalf("NewGateway() error: %v", err)
	}
	t.Cleanup(gw.CloseAll)
	return gw
}

func TestAttachHappyPath(t *testing.T) {
	fake := newFakeBridger()
	gw := newTestGateway(t, 41000, 41019)
	m := NewBridgeManager(fake, gw, testLogger())

	a, err := m.Attach(context.Background(), "call-1", nil)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if a.BridgeID != "br-1" || a.ExtChannelID != "ext-1" {
		t.Fatalf("attachment = %+v", a)
	}
	if gw.InUse() != 1 {
		t.Errorf("sessions in use = %d, want 1", gw.InUse())
	}

	fake.mu.Lock()
	if fake.extHost != gw.Addr(a.Session) {
		t.Errorf("external host = %q, want %q", fake.extHost, gw.Addr(a.Session))
	}
	members := fake.added["br-1"]
	fake.mu.Unlock()
	if len(members) != 2 || members[0] != "call-1" || members[1] != "ext-1" {
		t.Errorf("bridge members = %v", members)
	}

	// Second attach for the same call is a no-op returning the same
	// attachment.
	again, err := m.Attach(context.Background(), "call-1", nil)
	if err != nil {
		t.Fatalf("second Attach() error: %v", err)
	}
	if again != a {
		t.Error("second attach built a new attachment")
	}
	if gw.InUse() != 1 {
		t.Errorf("sessions in use after re-attach = %d, want 1", gw.InUse())
	}
}

func TestAttachCompensatesOnBridgeFailure(t *testing.T) {
	fake := newFakeBridger()
	fake.bridgeErr = errors.New("Allocation failed")
	gw := newTestGateway(t, 41020, 41039)
	m := NewBridgeManager(fake, gw, testLogger())

	if _, err := m.Attach(context.Background(), "call-1", nil); err == nil {
		t.Fatal("Attach() succeeded, want error")
	}

	fake.mu.Lock()
	hangups := append([]string(nil), fake.hangups...)
	fake.mu.Unlock()
	if len(hangups) != 1 || hangups[0] != "ext-1" {
		t.Errorf("hangups = %v, want [ext-1]", hangups)
	}
	if gw.InUse() != 0 {
		t.Errorf("sessions in use = %d, want 0", gw.InUse())
	}
	if m.Attachments() != 0 {
		t.Errorf("attachments = %d, want 0", m.Attachments())
	}
}

func TestAttachCompensatesOnAddFailure(t *testing.T) {
	fake := newFakeBridger()
	fake.addErrOn = "ext-1"
	gw := newTestGateway(t, 41040, 41059)
	m := NewBridgeManager(fake, gw, testLogger())

	if _, err := m.Attach(context.Background(), "call-1", nil); err == nil {
		t.Fatal("Attach() succeeded, want error")
	}

	fake.mu.Lock()
	destroyed := append([]string(nil), fake.destroyed...)
	hangups := append([]string(nil), fake.hangups...)
	fake.mu.Unlock()
	if len(destroyed) != 1 || destroyed[0] != "br-1" {
		t.Errorf("destroyed = %v, want [br-1]", destroyed)
	}
	if len(hangups) != 1 || hangups[0] != "ext-1" {
		t.Errorf("hangups = %v, want [ext-1]", hangups)
	}
	if gw.InUse() != 0 {
		t.Errorf("sessions in use = %d, want 0", gw.InUse())
	}
}

func TestChannelGoneCallLeg(t *testing.T) {
	fake := newFakeBridger()
	gw := newTestGateway(t, 41060, 41079)
	m := NewBridgeManager(fake, gw, testLogger())

	if _, err := m.Attach(context.Background(), "call-1", nil); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	m.HandleChannelGone(context.Background(), "call-1")

	fake.mu.Lock()
	destroyed := len(fake.destroyed)
	hangups := append([]string(nil), fake.hangups...)
	fake.mu.Unlock()
	if destroyed != 1 {
		t.Errorf("bridges destroyed = %d, want 1", destroyed)
	}
	if len(hangups) != 1 || hangups[0] != "ext-1" {
		t.Errorf("hangups = %v, want [ext-1]", hangups)
	}
	if gw.InUse() != 0 || m.Attachments() != 0 {
		t.Errorf("in use = %d attachments = %d, want 0/0", gw.InUse(), m.Attachments())
	}

	// Replays are ignored.
	m.HandleChannelGone(context.Background(), "call-1")
	fake.mu.Lock()
	if len(fake.destroyed) != 1 {
		t.Errorf("replay destroyed more bridges: %v", fake.destroyed)
	}
	fake.mu.Unlock()
}

func TestChannelGoneMediaLeg(t *testing.T) {
	fake := newFakeBridger()
	gw := newTestGateway(t, 41080, 41099)
	m := NewBridgeManager(fake, gw, testLogger())

	if _, err := m.Attach(context.Background(), "call-1", nil); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	m.HandleChannelGone(context.Background(), "ext-1")

	fake.mu.Lock()
	destroyed := len(fake.destroyed)
	hangups := len(fake.hangups)
	fake.mu.Unlock()
	if destroyed != 1 {
		t.Errorf("bridges destroyed = %d, want 1", destroyed)
	}
	// The call channel stays up; nothing gets hung up when only the
	// media leg died.
	if hangups != 0 {
		t.Errorf("hangups = %d, want 0", hangups)
	}
	if gw.InUse() != 0 {
		t.Errorf("sessions in use = %d, want 0", gw.InUse())
	}
}

func TestDetach(t *testing.T) {
	fake := newFakeBridger()
	gw := newTestGateway(t, 41100, 41119)
	m := NewBridgeManager(fake, gw, testLogger())

	if _, err := m.Attach(context.Background(), "call-1", nil); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	m.Detach(context.Background(), "call-1")

	if m.Attachments() != 0 || gw.InUse() != 0 {
		t.Errorf("attachments = %d in use = %d, want 0/0", m.Attachments(), gw.InUse())
	}
	// Detaching an unknown call is a no-op.
	m.Detach(context.Background(), "call-9")
}
