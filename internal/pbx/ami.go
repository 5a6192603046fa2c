package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAMIPort     = 5038
	defaultPingIdle    = 60 * time.Second
	amiReadBufferSize  = 4096
	amiBannerPrefix    = "Asterisk Call Manager"
	amiDialTimeout     = 10 * time.Second
	amiLoginTimeout    = 10 * time.Second
)

// AMIConfig configures the AMI client.
type AMIConfig struct {
	Host     string
	Port     int // default 5038
	Username string
	Password string

	ActionTimeout        time.Duration // default 30 s
	PingInterval         time.Duration // idle gap before a keep-alive Ping, default 60 s
	ReconnectMaxAttempts int           // 0 = retry forever
}

// AMIClient speaks the manager protocol over TCP: a login handshake, then
// an interleaved stream of events and action responses. Responses are
// correlated to in-flight actions by ActionID; everything else is
// dispatched as events.
type AMIClient struct {
	cfg     AMIConfig
	logger  *slog.Logger
	handler Handler

	// dial is swapped out in tests (net.Pipe).
	dial func(ctx context.Context) (net.Conn, error)

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan Message

	connected    atomic.Bool
	lastSend     atomic.Int64 // unix nanos of the last outbound action
	lastActivity atomic.Int64 // unix nanos of the last inbound message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAMIClient creates an AMI client. Call OnEvent before Start.
func NewAMIClient(cfg AMIConfig, logger *slog.Logger) *AMIClient {
	if cfg.Port <= 0 {
		cfg.Port = defaultAMIPort
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingIdle
	}
	c := &AMIClient{
		cfg:     cfg,
		logger:  logger.With("subsystem", "ami"),
		pending: make(map[string]chan Message),
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: amiDialTimeout}
		return d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, itoa(cfg.Port)))
	}
	return c
}

// OnEvent registers the consumer for normalized events. Must be called
// before Start.
func (c *AMIClient) OnEvent(h Handler) {
	c.handler = h
}

// Connected reports whether the client is logged in.
func (c *AMIClient) Connected() bool {
	return c.connected.Load()
}

// ActivityAge returns the time since the last inbound message, or a very
// large duration before the first one.
func (c *AMIClient) ActivityAge() time.Duration {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(time.Unix(0, ns))
}

// Start connects and logs in, then keeps the session alive with reconnect
// and keep-alive loops. It returns after the first connection attempt
// concludes; a failed first attempt still leaves the reconnect loop
// running.
func (c *AMIClient) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	first := make(chan error, 1)
	c.wg.Add(2)
	go c.connectLoop(first)
	go c.pingLoop()

	if err := <-first; err != nil {
		c.logger.Warn("initial ami connect failed, retrying in background", "error", err)
	}
	return nil
}

// Stop logs off and closes the connection.
func (c *AMIClient) Stop() {
	if c.connected.Load() {
		// Best-effort Logoff; the connection is closing either way.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c.Send(ctx, "Logoff", nil)
		cancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("ami client stopped")
}

// connectLoop dials, reads the banner, logs in, and pumps messages until
// the connection breaks, then reconnects with backoff.
func (c *AMIClient) connectLoop(first chan<- error) {
	defer c.wg.Done()

	bo := newBackoff()

	fail := func(err error) bool {
		if first != nil {
			first <- err
			first = nil
		}
		if c.cfg.ReconnectMaxAttempts > 0 && bo.attempt >= c.cfg.ReconnectMaxAttempts {
			c.logger.Error("ami reconnect attempts exhausted, giving up",
				"attempts", bo.attempt,
			)
			return false
		}
		delay := bo.next()
		c.logger.Warn("ami connect failed",
			"attempt", bo.attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(delay):
			return true
		}
	}

	for {
		if err := c.ctx.Err(); err != nil {
			if first != nil {
				first <- err
			}
			return
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			if !fail(err) {
				return
			}
			continue
		}

		readDone := make(chan struct{})
		bannerOK := make(chan error, 1)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		go func() {
			c.readLoop(conn, bannerOK)
			close(readDone)
		}()

		if err := <-bannerOK; err != nil {
			conn.Close()
			<-readDone
			if !fail(err) {
				return
			}
			continue
		}

		loginCtx, cancel := context.WithTimeout(c.ctx, amiLoginTimeout)
		resp, err := c.send(loginCtx, "Login", map[string]string{
			"Username": c.cfg.Username,
			"Secret":   c.cfg.Password,
			"Events":   "on",
		}, nil)
		cancel()
		if err == nil && resp.Get("Response") != "Success" {
			err = fmt.Errorf("login rejected: %s", resp.Get("Message"))
		}
		if err != nil {
			conn.Close()
			<-readDone
			if !fail(err) {
				return
			}
			continue
		}

		c.connected.Store(true)
		bo.reset()
		c.logger.Info("ami connected", "host", c.cfg.Host)
		if first != nil {
			first <- nil
			first = nil
		}

		<-readDone
		c.connected.Store(false)
		c.failPending()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

// readLoop consumes the wire: the banner line first, then framed messages.
// bannerOK receives the banner verification result exactly once.
func (c *AMIClient) readLoop(conn net.Conn, bannerOK chan<- error) {
	buf := make([]byte, amiReadBufferSize)
	var mb msgBuffer
	sawBanner := false

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !sawBanner {
				bannerOK <- fmt.Errorf("reading banner: %w", err)
			} else if c.ctx.Err() == nil {
				c.logger.Warn("ami read failed", "error", err)
			}
			return
		}
		data := buf[:n]

		if !sawBanner {
			// The banner is a bare line, not a framed message.
			idx := strings.Index(string(data), "\r\n")
			if idx < 0 {
				// Banner split across reads is not worth handling: the
				// line is tens of bytes and arrives whole in practice.
				bannerOK <- fmt.Errorf("%w: no banner line", ErrProtocolViolation)
				return
			}
			banner := string(data[:idx])
			if !strings.HasPrefix(banner, amiBannerPrefix) {
				bannerOK <- fmt.Errorf("%w: unexpected banner %q", ErrProtocolViolation, banner)
				return
			}
			c.logger.Debug("ami banner received", "banner", banner)
			sawBanner = true
			bannerOK <- nil
			data = data[idx+2:]
		}

		c.lastActivity.Store(time.Now().UnixNano())
		for _, msg := range mb.feed(data) {
			c.route(msg)
		}
	}
}

// route delivers a message to its pending action future or to the event
// handler. Responses are never surfaced as events.
func (c *AMIClient) route(msg Message) {
	if msg.IsResponse() {
		id := msg.Get("ActionID")
		c.mu.Lock()
		future, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			future <- msg
			return
		}
		c.logger.Debug("ami response without pending action", "action_id", id)
		return
	}

	if msg.IsEvent() {
		c.dispatch(msg)
		return
	}

	// Neither response nor event: tolerated, logged, dropped.
	c.logger.Debug("ami message without Response or Event header")
}

// dispatch normalizes an AMI event into the shared envelope.
func (c *AMIClient) dispatch(msg Message) {
	if c.handler == nil {
		return
	}

	channelID := msg.Get("Uniqueid")
	if channelID == "" {
		channelID = msg.Get("Channel")
	}

	fields := make(map[string]string, len(msg))
	for k, v := range msg {
		if k == "Event" {
			continue
		}
		fields[strings.ToLower(k)] = v
	}

	c.handler(Event{
		Source:    SourceAMI,
		Type:      msg.Get("Event"),
		ChannelID: channelID,
		Fields:    fields,
		Time:      time.Now(),
	})
}

// failPending releases every in-flight action with a closed future; their
// senders observe ErrTransientNetwork.
func (c *AMIClient) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()

	for _, future := range pending {
		close(future)
	}
}

// Send issues an action and waits for the response carrying the same
// ActionID. It fails fast when the session is down.
func (c *AMIClient) Send(ctx context.Context, action string, headers map[string]string) (Message, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("ami %s: %w", action, ErrTransientNetwork)
	}
	return c.send(ctx, action, headers, nil)
}

// send is the raw action path, also used for Login before the session is
// marked connected. extraLines are appended verbatim (used for repeated
// Variable headers).
func (c *AMIClient) send(ctx context.Context, action string, headers map[string]string, extraLines []string) (Message, error) {
	actionID := uuid.New().String()

	var sb strings.Builder
	sb.WriteString("Action: " + action + "\r\n")
	sb.WriteString("ActionID: " + actionID + "\r\n")
	for k, v := range headers {
		sb.WriteString(k + ": " + v + "\r\n")
	}
	for _, line := range extraLines {
		sb.WriteString(line + "\r\n")
	}
	sb.WriteString("\r\n")

	future := make(chan Message, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("ami %s: %w", action, ErrTransientNetwork)
	}
	c.pending[actionID] = future
	c.mu.Unlock()

	c.lastSend.Store(time.Now().UnixNano())
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		c.removePending(actionID)
		return nil, fmt.Errorf("ami %s: %w: %v", action, ErrTransientNetwork, err)
	}

	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-future:
		if !ok {
			return nil, fmt.Errorf("ami %s: %w", action, ErrTransientNetwork)
		}
		return resp, nil
	case <-timer.C:
		c.removePending(actionID)
		return nil, fmt.Errorf("ami %s: %w", action, ErrActionTimeout)
	case <-ctx.Done():
		c.removePending(actionID)
		return nil, ctx.Err()
	}
}

func (c *AMIClient) removePending(actionID string) {
	c.mu.Lock()
	delete(c.pending, actionID)
	c.mu.Unlock()
}

// AMIOriginateRequest describes an Originate action. Used as the fallback
// path when ARI is down.
type AMIOriginateRequest struct {
	Channel     string // endpoint, e.g. "PJSIP/15551234567@trunk"
	Application string // e.g. "Stasis"
	Data        string // application arguments
	CallerID    string
	Timeout     int // milliseconds, 0 = PBX default
	Variables   map[string]string
}

// Originate places an outbound call. The response only acknowledges that
// the PBX accepted the action; call progress arrives as events.
func (c *AMIClient) Originate(ctx context.Context, req AMIOriginateRequest) error {
	if !c.connected.Load() {
		return fmt.Errorf("ami originate: %w", ErrTransientNetwork)
	}

	headers := map[string]string{
		"Channel":     req.Channel,
		"Application": req.Application,
		"Async":       "true",
	}
	if req.Data != "" {
		headers["Data"] = req.Data
	}
	if req.CallerID != "" {
		headers["CallerID"] = req.CallerID
	}
	if req.Timeout > 0 {
		headers["Timeout"] = itoa(req.Timeout)
	}
	var extra []string
	for k, v := range req.Variables {
		extra = append(extra, "Variable: "+k+"="+v)
	}

	resp, err := c.send(ctx, "Originate", headers, extra)
	if err != nil {
		return err
	}
	if resp.Get("Response") != "Success" {
		return fmt.Errorf("ami originate rejected: %s", resp.Get("Message"))
	}
	return nil
}

// Hangup requests channel teardown by channel name or unique id.
func (c *AMIClient) Hangup(ctx context.Context, channel string) error {
	resp, err := c.Send(ctx, "Hangup", map[string]string{"Channel": channel})
	if err != nil {
		return err
	}
	if resp.Get("Response") != "Success" {
		msg := resp.Get("Message")
		if strings.Contains(strings.ToLower(msg), "no such channel") {
			return fmt.Errorf("ami hangup %s: %w", channel, ErrNotFound)
		}
		return fmt.Errorf("ami hangup rejected: %s", msg)
	}
	return nil
}

// Ping sends a keep-alive probe.
func (c *AMIClient) Ping(ctx context.Context) error {
	_, err := c.Send(ctx, "Ping", nil)
	return err
}

// pingLoop sends a Ping after the configured interval of send idleness.
func (c *AMIClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}
			last := time.Unix(0, c.lastSend.Load())
			if time.Since(last) < c.cfg.PingInterval {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			if err := c.Ping(ctx); err != nil {
				c.logger.Warn("ami keep-alive ping failed", "error", err)
			}
			cancel()
		}
	}
}
