package pbx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultActionTimeout     = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second

	// maxARIErrorBody bounds how much of an ARI error response is kept for
	// the error message.
	maxARIErrorBody = 2048
)

// ARIConfig configures the ARI client.
type ARIConfig struct {
	BaseURL  string // e.g. "http://pbx:8088"
	Username string
	Password string
	App      string // Stasis application name

	ActionTimeout        time.Duration // default 30 s
	HeartbeatInterval    time.Duration // default 30 s
	ReconnectMaxAttempts int           // 0 = retry forever
}

// ChannelInfo is the client's view of one active channel.
type ChannelInfo struct {
	ID           string
	Name         string
	State        string
	CallerNumber string
	CallerName   string
	Created      time.Time
}

// ARIClient issues actions over HTTP and consumes the event stream over
// WebSocket. It tracks the set of active channels from events and
// reconnects with exponential backoff when the stream drops.
type ARIClient struct {
	cfg        ARIConfig
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	handler    Handler

	mu       sync.Mutex
	channels map[string]ChannelInfo
	conn     *websocket.Conn

	connected     atomic.Bool
	lastHeartbeat atomic.Int64 // unix nanos of the last successful heartbeat

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewARIClient creates an ARI client. Call OnEvent before Start.
func NewARIClient(cfg ARIConfig, logger *slog.Logger) *ARIClient {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &ARIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ActionTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger.With("subsystem", "ari"),
		channels:   make(map[string]ChannelInfo),
	}
}

// OnEvent registers the consumer for normalized events. Must be called
// before Start.
func (c *ARIClient) OnEvent(h Handler) {
	c.handler = h
}

// Connected reports whether the event stream is currently up.
func (c *ARIClient) Connected() bool {
	return c.connected.Load()
}

// HeartbeatAge returns the time since the last successful heartbeat, or a
// very large duration if none has succeeded yet.
func (c *ARIClient) HeartbeatAge() time.Duration {
	ns := c.lastHeartbeat.Load()
	if ns == 0 {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(time.Unix(0, ns))
}

// ActiveChannels returns a snapshot of the channels the client believes are
// alive.
func (c *ARIClient) ActiveChannels() []ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelInfo, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Channel returns tracked metadata for one channel id.
func (c *ARIClient) Channel(id string) (ChannelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// OriginateRequest describes one outbound channel to create.
type OriginateRequest struct {
	Endpoint  string            // e.g. "PJSIP/15551234567@trunk"
	CallerID  string            // e.g. "\"Campaign\" <15550000000>"
	Timeout   int               // ring timeout in seconds, 0 = PBX default
	Variables map[string]string // channel variables
	AppArgs   string            // arguments passed to the Stasis app
}

type ariOriginateBody struct {
	Endpoint  string            `json:"endpoint"`
	App       string            `json:"app"`
	AppArgs   string            `json:"appArgs,omitempty"`
	CallerID  string            `json:"callerId,omitempty"`
	Timeout   int               `json:"timeout,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type ariChannel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	CreationTime string `json:"creationtime"`
}

// Originate creates an outbound channel into the Stasis application and
// returns its channel id.
func (c *ARIClient) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	body := ariOriginateBody{
		Endpoint:  req.Endpoint,
		App:       c.cfg.App,
		AppArgs:   req.AppArgs,
		CallerID:  req.CallerID,
		Timeout:   req.Timeout,
		Variables: req.Variables,
	}
	var ch ariChannel
	if err := c.do(ctx, http.MethodPost, "/channels", nil, body, &ch); err != nil {
		return "", fmt.Errorf("originate: %w", err)
	}
	return ch.ID, nil
}

// Hangup requests channel teardown. An unknown channel returns ErrNotFound;
// callers treating hangup as idempotent should ignore it.
func (c *ARIClient) Hangup(ctx context.Context, channelID string) error {
	if err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil, nil); err != nil {
		return fmt.Errorf("hangup %s: %w", channelID, err)
	}
	return nil
}

// Answer answers a ringing channel.
func (c *ARIClient) Answer(ctx context.Context, channelID string) error {
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil); err != nil {
		return fmt.Errorf("answer %s: %w", channelID, err)
	}
	return nil
}

type ariPlayback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// Play starts media playback on a channel and returns the playback id.
func (c *ARIClient) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	body := map[string]string{"media": mediaURI}
	var pb ariPlayback
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", nil, body, &pb); err != nil {
		return "", fmt.Errorf("play on %s: %w", channelID, err)
	}
	return pb.ID, nil
}

// StartMoh puts a channel on hold music. An empty class uses the PBX
// default.
func (c *ARIClient) StartMoh(ctx context.Context, channelID, class string) error {
	var params url.Values
	if class != "" {
		params = url.Values{"mohClass": {class}}
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/moh", params, nil, nil); err != nil {
		return fmt.Errorf("start moh on %s: %w", channelID, err)
	}
	return nil
}

// StopMoh stops hold music on a channel.
func (c *ARIClient) StopMoh(ctx context.Context, channelID string) error {
	if err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID)+"/moh", nil, nil, nil); err != nil {
		return fmt.Errorf("stop moh on %s: %w", channelID, err)
	}
	return nil
}

// RecordRequest configures a live channel recording.
type RecordRequest struct {
	Name   string // recording name, also the stored file basename
	Format string // "wav"
}

// Record starts recording a channel. The PBX stores the file under the
// recording name until it is fetched.
func (c *ARIClient) Record(ctx context.Context, channelID string, req RecordRequest) error {
	body := map[string]any{
		"name":     req.Name,
		"format":   req.Format,
		"ifExists": "overwrite",
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", nil, body, nil); err != nil {
		return fmt.Errorf("record %s: %w", channelID, err)
	}
	return nil
}

// StopRecording finalizes a live recording; the PBX then emits
// RecordingFinished and keeps the stored file.
func (c *ARIClient) StopRecording(ctx context.Context, name string) error {
	if err := c.do(ctx, http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil, nil, nil); err != nil {
		return fmt.Errorf("stop recording %s: %w", name, err)
	}
	return nil
}

// PauseRecording pauses a live recording.
func (c *ARIClient) PauseRecording(ctx context.Context, name string) error {
	if err := c.do(ctx, http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/pause", nil, nil, nil); err != nil {
		return fmt.Errorf("pause recording %s: %w", name, err)
	}
	return nil
}

// ResumeRecording resumes a paused live recording.
func (c *ARIClient) ResumeRecording(ctx context.Context, name string) error {
	if err := c.do(ctx, http.MethodDelete, "/recordings/live/"+url.PathEscape(name)+"/pause", nil, nil, nil); err != nil {
		return fmt.Errorf("resume recording %s: %w", name, err)
	}
	return nil
}

// FetchStoredRecording downloads a stored recording file from the PBX.
func (c *ARIClient) FetchStoredRecording(ctx context.Context, name string) ([]byte, error) {
	data, err := c.doRaw(ctx, http.MethodGet, "/recordings/stored/"+url.PathEscape(name)+"/file", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch recording %s: %w", name, err)
	}
	return data, nil
}

// DeleteStoredRecording removes a stored recording from the PBX.
func (c *ARIClient) DeleteStoredRecording(ctx context.Context, name string) error {
	if err := c.do(ctx, http.MethodDelete, "/recordings/stored/"+url.PathEscape(name), nil, nil, nil); err != nil {
		return fmt.Errorf("delete recording %s: %w", name, err)
	}
	return nil
}

// ExternalMediaRequest points a PBX pseudo-channel at a local RTP endpoint.
type ExternalMediaRequest struct {
	ExternalHost string // "host:port" of the RTP ingress
	Format       string // "ulaw" or "alaw"
}

// CreateExternalMedia creates an ExternalMedia channel carrying call audio
// to the given RTP address and returns its channel id.
func (c *ARIClient) CreateExternalMedia(ctx context.Context, req ExternalMediaRequest) (string, error) {
	params := url.Values{}
	params.Set("app", c.cfg.App)
	params.Set("external_host", req.ExternalHost)
	params.Set("format", req.Format)
	params.Set("encapsulation", "rtp")
	params.Set("transport", "udp")

	var ch ariChannel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", params, nil, &ch); err != nil {
		return "", fmt.Errorf("external media: %w", err)
	}
	return ch.ID, nil
}

type ariBridge struct {
	ID string `json:"id"`
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *ARIClient) CreateBridge(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("type", "mixing")

	var br ariBridge
	if err := c.do(ctx, http.MethodPost, "/bridges", params, nil, &br); err != nil {
		return "", fmt.Errorf("create bridge: %w", err)
	}
	return br.ID, nil
}

// AddChannelToBridge places a channel into a bridge.
func (c *ARIClient) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	if err := c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", params, nil, nil); err != nil {
		return fmt.Errorf("add channel %s to bridge %s: %w", channelID, bridgeID, err)
	}
	return nil
}

// DestroyBridge tears a bridge down.
func (c *ARIClient) DestroyBridge(ctx context.Context, bridgeID string) error {
	if err := c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil); err != nil {
		return fmt.Errorf("destroy bridge %s: %w", bridgeID, err)
	}
	return nil
}

// ListChannels fetches the PBX's current channel list. Used to reconcile
// call state after a reconnect.
func (c *ARIClient) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	var chans []ariChannel
	if err := c.do(ctx, http.MethodGet, "/channels", nil, nil, &chans); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out := make([]ChannelInfo, len(chans))
	for i, ch := range chans {
		out[i] = channelInfo(ch)
	}
	return out, nil
}

// Info hits the PBX info endpoint; used as the heartbeat probe.
func (c *ARIClient) Info(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/asterisk/info", nil, nil, nil); err != nil {
		return fmt.Errorf("asterisk info: %w", err)
	}
	return nil
}

// do issues one ARI action and decodes a JSON response into out when
// non-nil. Connection failures map to ErrTransientNetwork, 404 to
// ErrNotFound.
func (c *ARIClient) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	data, err := c.doRaw(ctx, method, path, params, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrProtocolViolation, err)
	}
	return nil
}

func (c *ARIClient) doRaw(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	u := c.cfg.BaseURL + "/ari" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ActionTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxARIErrorBody))
		return nil, fmt.Errorf("ari %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransientNetwork, err)
	}
	return data, nil
}

func channelInfo(ch ariChannel) ChannelInfo {
	info := ChannelInfo{
		ID:           ch.ID,
		Name:         ch.Name,
		State:        ch.State,
		CallerNumber: ch.Caller.Number,
		CallerName:   ch.Caller.Name,
	}
	if t, err := parseARITime(ch.CreationTime); err == nil {
		info.Created = t
	}
	return info
}

// parseARITime handles both RFC 3339 and the PBX's compact offset format.
func parseARITime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.000-0700", s)
}

func itoa(n int) string { return strconv.Itoa(n) }
