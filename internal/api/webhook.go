package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dialgrid/dialgrid/internal/events"
)

// signatureHeader carries the webhook HMAC as "sha256={hex}".
const signatureHeader = "X-Signature-256"

// webhookEventTypes are the payloads the speech service posts back.
var webhookEventTypes = map[string]bool{
	"transcript":    true,
	"call_event":    true,
	"status_update": true,
}

// aiEvent is the webhook payload: event_type selects the shape of data.
type aiEvent struct {
	EventType string         `json:"event_type"`
	CallID    string         `json:"call_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// handleAIWebhook ingests speech-service callbacks. The body is authenticated
// with HMAC-SHA256 over the raw bytes before any parsing; verified events are
// published on the call topic, which the supervisors firehose also sees.
func (s *Server) handleAIWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if !verifySignature(s.cfg.WebhookSecret, body, r.Header.Get(signatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev aiEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	if ev.CallID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}
	if !webhookEventTypes[ev.EventType] {
		writeError(w, http.StatusBadRequest, "unknown event_type")
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	data["call_id"] = ev.CallID

	s.deps.Bus.Publish(events.Event{
		Type:  "ai." + ev.EventType,
		Topic: events.CallTopic(ev.CallID),
		Time:  ts,
		Data:  data,
	})
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// verifySignature checks an "sha256={hex}" header against the HMAC-SHA256 of
// the raw body. The comparison is constant time.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
