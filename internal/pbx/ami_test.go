package pbx

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// amiHarness drives the PBX side of a net.Pipe connection from the test
// goroutine.
type amiHarness struct {
	t      *testing.T
	client *AMIClient
	server net.Conn
	events chan Event

	mb    msgBuffer
	queue []Message
}

func (h *amiHarness) readMessage() Message {
	h.t.Helper()
	buf := make([]byte, 4096)
	for len(h.queue) == 0 {
		h.server.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := h.server.Read(buf)
		if err != nil {
			h.t.Fatalf("fake pbx read: %v", err)
		}
		h.queue = append(h.queue, h.mb.feed(buf[:n])...)
	}
	m := h.queue[0]
	h.queue = h.queue[1:]
	return m
}

// readRaw returns one complete frame as wire bytes, for asserting on
// repeated headers that a Message map would collapse.
func (h *amiHarness) readRaw() string {
	h.t.Helper()
	var raw []byte
	buf := make([]byte, 4096)
	for !bytes.Contains(raw, []byte("\r\n\r\n")) {
		h.server.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := h.server.Read(buf)
		if err != nil {
			h.t.Fatalf("fake pbx read: %v", err)
		}
		raw = append(raw, buf[:n]...)
	}
	return string(raw)
}

func (h *amiHarness) write(s string) {
	h.t.Helper()
	h.server.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.server.Write([]byte(s)); err != nil {
		h.t.Fatalf("fake pbx write: %v", err)
	}
}

func (h *amiHarness) respond(to Message, response, message string) {
	h.write("Response: " + response + "\r\nActionID: " + to.Get("ActionID") + "\r\nMessage: " + message + "\r\n\r\n")
}

func (h *amiHarness) waitEvent() Event {
	h.t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// startAMIHarness connects a client over net.Pipe and completes the
// banner and login handshake.
func startAMIHarness(t *testing.T, cfg AMIConfig) *amiHarness {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	c := NewAMIClient(cfg, testLogger())

	var dialed atomic.Bool
	c.dial = func(ctx context.Context) (net.Conn, error) {
		if dialed.Swap(true) {
			return nil, errors.New("fake pbx accepts a single connection")
		}
		return clientConn, nil
	}

	events := make(chan Event, 64)
	c.OnEvent(func(e Event) { events <- e })

	h := &amiHarness{t: t, client: c, server: serverConn, events: events}

	started := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(started)
	}()

	h.write("Asterisk Call Manager/5.0.4\r\n")
	login := h.readMessage()
	if got := login.Get("Action"); got != "Login" {
		t.Fatalf("first action = %q, want Login", got)
	}
	if got := login.Get("Username"); got != cfg.Username {
		t.Fatalf("login username = %q, want %q", got, cfg.Username)
	}
	if got := login.Get("Secret"); got != cfg.Password {
		t.Fatalf("login secret = %q, want %q", got, cfg.Password)
	}
	h.respond(login, "Success", "Authentication accepted")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not finish startup")
	}

	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
		c.Stop()
	})
	return h
}

func newAMIHarness(t *testing.T) *amiHarness {
	return startAMIHarness(t, AMIConfig{
		Host:          "pbx.test",
		Username:      "dialer",
		Password:      "secret",
		ActionTimeout: 2 * time.Second,
		PingInterval:  time.Hour,
	})
}

func TestAMILoginHandshake(t *testing.T) {
	h := newAMIHarness(t)
	if !h.client.Connected() {
		t.Fatal("client not connected after login")
	}
}

func TestAMIActionCorrelation(t *testing.T) {
	h := newAMIHarness(t)

	type result struct {
		resp Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.client.Send(context.Background(), "QueueStatus", map[string]string{"Queue": "sales"})
		done <- result{resp, err}
	}()

	action := h.readMessage()
	if got := action.Get("Action"); got != "QueueStatus" {
		t.Fatalf("action = %q, want QueueStatus", got)
	}
	if action.Get("ActionID") == "" {
		t.Fatal("action carries no ActionID")
	}
	if got := action.Get("Queue"); got != "sales" {
		t.Errorf("Queue header = %q, want sales", got)
	}

	// Unrelated events land on the wire before the response.
	h.write("Event: Newchannel\r\nUniqueid: 33.1\r\nChannel: PJSIP/200-0001\r\n\r\n")
	h.write("Event: Newstate\r\nUniqueid: 33.1\r\nChannelStateDesc: Ringing\r\n\r\n")
	h.respond(action, "Success", "Queue status will follow")

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}
	if r.err != nil {
		t.Fatalf("Send() error = %v", r.err)
	}
	if got := r.resp.Get("Message"); got != "Queue status will follow" {
		t.Errorf("response message = %q", got)
	}

	ev := h.waitEvent()
	if ev.Type != "Newchannel" || ev.Source != SourceAMI {
		t.Errorf("event 1 = %s/%s, want ami/Newchannel", ev.Source, ev.Type)
	}
	if ev.ChannelID != "33.1" {
		t.Errorf("event 1 channel id = %q, want 33.1", ev.ChannelID)
	}
	if ev.Fields["channel"] != "PJSIP/200-0001" {
		t.Errorf("event 1 channel field = %q", ev.Fields["channel"])
	}
	ev = h.waitEvent()
	if ev.Type != "Newstate" {
		t.Errorf("event 2 = %q, want Newstate", ev.Type)
	}

	// The correlated response must not leak into the event stream.
	select {
	case e := <-h.events:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestAMIOriginateFrame(t *testing.T) {
	h := newAMIHarness(t)

	done := make(chan error, 1)
	go func() {
		done <- h.client.Originate(context.Background(), AMIOriginateRequest{
			Channel:     "PJSIP/15551230001@trunk-a",
			Application: "Stasis",
			Data:        "dialgrid",
			CallerID:    "Acme <15559990000>",
			Timeout:     30000,
			Variables:   map[string]string{"LEAD_ID": "42", "CAMPAIGN_ID": "7"},
		})
	}()

	raw := h.readRaw()
	for _, want := range []string{
		"Action: Originate\r\n",
		"Channel: PJSIP/15551230001@trunk-a\r\n",
		"Application: Stasis\r\n",
		"Data: dialgrid\r\n",
		"Async: true\r\n",
		"CallerID: Acme <15559990000>\r\n",
		"Timeout: 30000\r\n",
		"Variable: LEAD_ID=42\r\n",
		"Variable: CAMPAIGN_ID=7\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("originate frame missing %q", want)
		}
	}

	h.respond(parseAMIMessage([]byte(raw)), "Success", "Originate successfully queued")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Originate() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("originate did not complete")
	}
}

func TestAMIHangupNoSuchChannel(t *testing.T) {
	h := newAMIHarness(t)

	done := make(chan error, 1)
	go func() {
		done <- h.client.Hangup(context.Background(), "PJSIP/404-0001")
	}()

	h.respond(h.readMessage(), "Error", "No such channel")

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Hangup() error = %v, want ErrNotFound", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hangup did not complete")
	}
}

func TestAMIActionTimeout(t *testing.T) {
	h := startAMIHarness(t, AMIConfig{
		Host:          "pbx.test",
		Username:      "dialer",
		Password:      "secret",
		ActionTimeout: 150 * time.Millisecond,
		PingInterval:  time.Hour,
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Send(context.Background(), "QueueStatus", nil)
		done <- err
	}()

	// Consume the action and never answer.
	h.readMessage()

	select {
	case err := <-done:
		if !errors.Is(err, ErrActionTimeout) {
			t.Fatalf("Send() error = %v, want ErrActionTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not time out")
	}
}

func TestAMIDisconnectFailsInFlightActions(t *testing.T) {
	h := newAMIHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Send(context.Background(), "QueueStatus", nil)
		done <- err
	}()

	h.readMessage()
	h.server.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTransientNetwork) {
			t.Fatalf("in-flight Send() error = %v, want ErrTransientNetwork", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight send did not fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.client.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := h.client.Send(context.Background(), "Ping", nil); !errors.Is(err, ErrTransientNetwork) {
		t.Fatalf("Send() while down error = %v, want ErrTransientNetwork", err)
	}
}

func TestAMIReconnectAndRelogin(t *testing.T) {
	c1Client, c1Server := net.Pipe()
	c2Client, c2Server := net.Pipe()
	conns := make(chan net.Conn, 2)
	conns <- c1Client
	conns <- c2Client

	c := NewAMIClient(AMIConfig{
		Host:          "pbx.test",
		Username:      "dialer",
		Password:      "secret",
		ActionTimeout: 2 * time.Second,
		PingInterval:  time.Hour,
	}, testLogger())
	c.dial = func(ctx context.Context) (net.Conn, error) {
		select {
		case conn := <-conns:
			return conn, nil
		default:
			return nil, errors.New("no more test connections")
		}
	}
	c.OnEvent(func(Event) {})

	h1 := &amiHarness{t: t, client: c, server: c1Server}
	started := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(started)
	}()
	h1.write("Asterisk Call Manager/5.0.4\r\n")
	h1.respond(h1.readMessage(), "Success", "Authentication accepted")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not finish startup")
	}

	// Drop the first connection; the client dials again and logs in.
	c1Server.Close()

	h2 := &amiHarness{t: t, client: c, server: c2Server}
	h2.write("Asterisk Call Manager/5.0.4\r\n")
	login := h2.readMessage()
	if got := login.Get("Action"); got != "Login" {
		t.Fatalf("relogin action = %q, want Login", got)
	}
	h2.respond(login, "Success", "Authentication accepted")

	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !c.Connected() {
		t.Fatal("client did not reconnect")
	}

	c2Server.Close()
	c2Client.Close()
	c.Stop()
}

func TestAMIReadLoopRejectsBadBanner(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := NewAMIClient(AMIConfig{Host: "pbx.test"}, testLogger())
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()

	bannerOK := make(chan error, 1)
	go c.readLoop(clientConn, bannerOK)

	serverConn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	serverConn.Write([]byte("SSH-2.0-OpenSSH_9.3\r\n"))

	select {
	case err := <-bannerOK:
		if !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("banner error = %v, want ErrProtocolViolation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("banner verdict never arrived")
	}
}

func TestAMIKeepAlivePing(t *testing.T) {
	h := startAMIHarness(t, AMIConfig{
		Host:          "pbx.test",
		Username:      "dialer",
		Password:      "secret",
		ActionTimeout: time.Second,
		PingInterval:  50 * time.Millisecond,
	})

	ping := h.readMessage()
	if got := ping.Get("Action"); got != "Ping" {
		t.Fatalf("idle action = %q, want Ping", got)
	}
	h.respond(ping, "Success", "Ping")
}
