package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 10 * time.Second

	// maxErrorBody bounds how much of an error response is read for the
	// error message.
	maxErrorBody = 4096
)

// TranscriptSegment is one timed piece of a transcription.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptResult is the decoded response of a transcription request.
type TranscriptResult struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// TranscribeOptions tune a single transcription request.
type TranscribeOptions struct {
	Model    string // empty = service default
	Language string // BCP-47 hint, empty = auto-detect
}

// SynthesizeOptions tune a single synthesis request.
type SynthesizeOptions struct {
	Model          string  // empty = service default
	ResponseFormat string  // "wav", "mp3", ...; empty = "wav"
	Speed          float64 // 0 = service default
}

// ttsRequest is the JSON payload of a synthesis request.
type ttsRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Client calls the external speech service for transcription (STT) and
// synthesis (TTS). All requests pass the shared rate limiter; transient
// failures are retried with exponential backoff.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	limiter     *Limiter
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger

	// sleepFunc is swapped out in tests to avoid real backoff waits.
	sleepFunc func(context.Context, time.Duration) error

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewClient creates a speech client for the service at baseURL.
func NewClient(baseURL, apiKey string, limits LimiterConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		baseURL:     baseURL,
		apiKey:      apiKey,
		limiter:     NewLimiter(limits),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		logger:      logger.With("subsystem", "speech"),
		sleepFunc:   sleepCtx,
	}
}

// Stats returns cumulative request and failure counts plus rate-limiter
// denials, for the metrics collector.
func (c *Client) Stats() (requests, failures, denied uint64) {
	return c.requests.Load(), c.failures.Load(), c.limiter.Denied()
}

// Transcribe sends 16-bit linear PCM mono audio for transcription. The
// limiter charges one request plus the audio length in whole seconds.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int, opts TranscribeOptions) (*TranscriptResult, error) {
	if len(pcm) == 0 {
		return nil, errors.New("speech: empty audio")
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}

	// Audio-seconds rounded up.
	samples := len(pcm) / 2
	units := (samples + sampleRate - 1) / sampleRate
	if err := c.limiter.Admit(units); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("speech: building form: %w", err)
	}
	if _, err := fw.Write(wavBytes(pcm, sampleRate)); err != nil {
		return nil, fmt.Errorf("speech: writing audio: %w", err)
	}
	if opts.Model != "" {
		mw.WriteField("model", opts.Model)
	}
	if opts.Language != "" {
		mw.WriteField("language", opts.Language)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speech: closing form: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, "/v1/audio/transcriptions", mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return nil, err
	}

	var result TranscriptResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("speech: decoding transcript: %w", err)
	}

	c.logger.Debug("transcription complete",
		"audio_seconds", units,
		"text_len", len(result.Text),
	)
	return &result, nil
}

// Synthesize renders text to audio with the given voice and returns the raw
// audio bytes. The limiter charges one request plus one unit per character.
func (c *Client) Synthesize(ctx context.Context, text, voice string, opts SynthesizeOptions) ([]byte, error) {
	if text == "" {
		return nil, errors.New("speech: empty text")
	}

	if err := c.limiter.Admit(utf8.RuneCountInString(text)); err != nil {
		return nil, err
	}

	format := opts.ResponseFormat
	if format == "" {
		format = "wav"
	}
	payload, err := json.Marshal(ttsRequest{
		Model:          opts.Model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: format,
		Speed:          opts.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: marshalling tts request: %w", err)
	}

	audio, err := c.doWithRetry(ctx, "/v1/audio/speech", "application/json", payload)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("synthesis complete",
		"chars", utf8.RuneCountInString(text),
		"audio_bytes", len(audio),
	)
	return audio, nil
}

// doWithRetry posts the payload, retrying on network errors, 429 and 5xx
// with exponential backoff. Other 4xx responses fail immediately.
func (c *Client) doWithRetry(ctx context.Context, path, contentType string, payload []byte) ([]byte, error) {
	var lastErr error
	backoff := c.backoffBase

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			if backoff > c.backoffCap {
				backoff = c.backoffCap
			}
		}

		body, retryable, err := c.doOnce(ctx, path, contentType, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			c.failures.Add(1)
			return nil, err
		}

		c.logger.Warn("speech request failed, will retry",
			"path", path,
			"attempt", attempt,
			"error", err,
		)
	}

	c.failures.Add(1)
	return nil, fmt.Errorf("speech: giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

// doOnce performs a single POST. The bool reports whether the failure is
// worth retrying.
func (c *Client) doOnce(ctx context.Context, path, contentType string, payload []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("speech: creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("speech: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("speech: reading response: %w", err)
		}
		return body, false, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Honor Retry-After when the service supplies one.
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			if err := c.sleepFunc(ctx, time.Duration(secs)*time.Second); err != nil {
				return nil, false, err
			}
		}
		return nil, true, fmt.Errorf("speech: service rate limited (429): %s", msg)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("speech: service error (status %d): %s", resp.StatusCode, msg)
	default:
		return nil, false, fmt.Errorf("speech: request rejected (status %d): %s", resp.StatusCode, msg)
	}
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// wavHeaderSize is the byte length of a canonical PCM WAV header.
const wavHeaderSize = 44

// wavBytes wraps 16-bit little-endian mono PCM in a WAV container.
func wavBytes(pcm []byte, sampleRate int) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))

	// RIFF header.
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(wavHeaderSize-8+len(pcm)))
	copy(out[8:12], "WAVE")

	// fmt sub-chunk.
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)                    // sub-chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)                     // PCM
	binary.LittleEndian.PutUint16(out[22:24], 1)                     // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))    // sample rate
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2))  // byte rate
	binary.LittleEndian.PutUint16(out[32:34], 2)                     // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                    // bits per sample

	// data sub-chunk.
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))

	copy(out[wavHeaderSize:], pcm)
	return out
}
