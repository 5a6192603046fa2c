package pbx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ariEvent is the wire shape of one event from the ARI WebSocket. Only the
// fields the engine needs are decoded; everything else is ignored.
type ariEvent struct {
	Type      string       `json:"type"`
	Timestamp string       `json:"timestamp"`
	Channel   *ariChannel  `json:"channel,omitempty"`
	Playback  *ariPlayback `json:"playback,omitempty"`
	Recording *struct {
		Name      string `json:"name"`
		Format    string `json:"format"`
		State     string `json:"state"`
		TargetURI string `json:"target_uri"`
	} `json:"recording,omitempty"`
	Cause    int    `json:"cause,omitempty"`
	CauseTxt string `json:"cause_txt,omitempty"`
	Digit    string `json:"digit,omitempty"`
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Start connects the event WebSocket and launches the reconnect and
// heartbeat loops. It returns after the first connection attempt concludes;
// a failed first attempt still leaves the reconnect loop running.
func (c *ARIClient) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	first := make(chan error, 1)
	c.wg.Add(2)
	go c.connectLoop(first)
	go c.heartbeatLoop()

	if err := <-first; err != nil {
		c.logger.Warn("initial ari connect failed, retrying in background", "error", err)
	}
	return nil
}

// Stop tears down the WebSocket and waits for the loops to exit.
func (c *ARIClient) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("ari client stopped")
}

// wsURL builds the event stream URL from the HTTP base URL.
func (c *ARIClient) wsURL() string {
	base := c.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	params := url.Values{}
	params.Set("app", c.cfg.App)
	params.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	return base + "/ari/events?" + params.Encode()
}

// connectLoop dials the event stream, reads until failure, and reconnects
// with exponential backoff up to the configured attempt cap.
func (c *ARIClient) connectLoop(first chan<- error) {
	defer c.wg.Done()

	bo := newBackoff()
	reconnected := false

	for {
		if err := c.ctx.Err(); err != nil {
			if first != nil {
				first <- err
			}
			return
		}

		conn, _, err := c.dialer.DialContext(c.ctx, c.wsURL(), nil)
		if err != nil {
			if first != nil {
				first <- err
				first = nil
			}
			if c.cfg.ReconnectMaxAttempts > 0 && bo.attempt >= c.cfg.ReconnectMaxAttempts {
				c.logger.Error("ari reconnect attempts exhausted, giving up",
					"attempts", bo.attempt,
				)
				return
			}
			delay := bo.next()
			c.logger.Warn("ari event stream connect failed",
				"attempt", bo.attempt,
				"retry_in", delay.String(),
				"error", err,
			)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)
		bo.reset()
		c.logger.Info("ari event stream connected", "app", c.cfg.App)

		if first != nil {
			first <- nil
			first = nil
		}
		if reconnected {
			// Owners reconcile call state against the channel list on this
			// signal; calls that died during the gap get completed.
			c.dispatch(Event{
				Source: SourceARI,
				Type:   EventResynced,
				Fields: map[string]string{},
				Time:   time.Now(),
			})
		}

		c.readLoop(conn)
		c.connected.Store(false)
		reconnected = true

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

// readLoop consumes events until the connection breaks.
func (c *ARIClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("ari event stream read failed", "error", err)
			}
			return
		}

		var ev ariEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Malformed frame: discard, keep the stream.
			c.logger.Warn("discarding malformed ari event",
				"error", fmt.Errorf("%w: %v", ErrProtocolViolation, err),
			)
			continue
		}
		c.handleEvent(ev)
	}
}

// handleEvent updates channel tracking and dispatches the normalized event.
func (c *ARIClient) handleEvent(ev ariEvent) {
	fields := map[string]string{}
	channelID := ""

	if ev.Channel != nil {
		channelID = ev.Channel.ID
		fields["channel_name"] = ev.Channel.Name
		fields["state"] = ev.Channel.State
		fields["caller_number"] = ev.Channel.Caller.Number
		fields["caller_name"] = ev.Channel.Caller.Name
	}

	switch ev.Type {
	case "StasisStart", "ChannelStateChange":
		if ev.Channel != nil {
			c.mu.Lock()
			c.channels[ev.Channel.ID] = channelInfo(*ev.Channel)
			c.mu.Unlock()
		}
	case "StasisEnd", "ChannelDestroyed":
		if ev.Channel != nil {
			c.mu.Lock()
			delete(c.channels, ev.Channel.ID)
			c.mu.Unlock()
		}
		if ev.CauseTxt != "" || ev.Cause != 0 {
			fields["cause"] = itoa(ev.Cause)
			fields["cause_txt"] = ev.CauseTxt
		}
	case "ChannelDtmfReceived":
		fields["digit"] = ev.Digit
	case "ChannelVarset":
		fields["variable"] = ev.Variable
		fields["value"] = ev.Value
	case "PlaybackStarted", "PlaybackFinished":
		if ev.Playback != nil {
			fields["playback_id"] = ev.Playback.ID
			fields["media_uri"] = ev.Playback.MediaURI
			if id, ok := strings.CutPrefix(ev.Playback.TargetURI, "channel:"); ok {
				channelID = id
			}
		}
	case "RecordingStarted", "RecordingFinished", "RecordingFailed":
		if ev.Recording != nil {
			fields["recording_name"] = ev.Recording.Name
			fields["recording_format"] = ev.Recording.Format
			fields["recording_state"] = ev.Recording.State
			if id, ok := strings.CutPrefix(ev.Recording.TargetURI, "channel:"); ok {
				channelID = id
			}
		}
	}

	ts := time.Now()
	if t, err := parseARITime(ev.Timestamp); err == nil {
		ts = t
	}

	c.dispatch(Event{
		Source:    SourceARI,
		Type:      ev.Type,
		ChannelID: channelID,
		Fields:    fields,
		Time:      ts,
	})
}

func (c *ARIClient) dispatch(ev Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

// heartbeatLoop probes the PBX info endpoint on an interval. Failures are
// logged only; the WebSocket is left alone.
func (c *ARIClient) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := c.Info(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("ari heartbeat failed", "error", err)
				continue
			}
			c.lastHeartbeat.Store(time.Now().UnixNano())
		}
	}
}
