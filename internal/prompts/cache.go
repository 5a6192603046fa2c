// Package prompts renders campaign announcement text into playable PBX
// media. Synthesized audio lands as WAV files in a directory mounted on the
// Asterisk sounds search path; callers get back a sound: URI.
package prompts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/dialgrid/dialgrid/internal/speech"
)

// DefaultDir returns the prompt directory under the data directory. Mount
// or symlink it into the Asterisk sounds path under the cache's URI prefix.
func DefaultDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts")
}

// Synthesizer is the slice of the speech client the cache needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, opts speech.SynthesizeOptions) ([]byte, error)
}

// Config controls where prompt audio is written and how it is voiced.
type Config struct {
	Dir       string // directory synthesized WAV files are written to
	URIPrefix string // sounds subdirectory used in returned media URIs
	Voice     string // TTS voice name
}

// Cache synthesizes prompt audio once and replays the file afterwards.
// Prompts are content-addressed: a campaign whose message changes gets a
// fresh file instead of overwriting one that may be playing.
type Cache struct {
	synth  Synthesizer
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	ready   map[string]string // key -> media URI for prompts already on disk
	pending map[string]*inflight
}

// inflight folds concurrent requests for one prompt into a single synthesis.
type inflight struct {
	done chan struct{}
	uri  string
	err  error
}

// NewCache creates a prompt cache writing under cfg.Dir. Zero config fields
// fall back to defaults.
func NewCache(synth Synthesizer, cfg Config, logger *slog.Logger) *Cache {
	if cfg.URIPrefix == "" {
		cfg.URIPrefix = "dialgrid"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	return &Cache{
		synth:   synth,
		cfg:     cfg,
		logger:  logger.With("subsystem", "prompts"),
		ready:   make(map[string]string),
		pending: make(map[string]*inflight),
	}
}

// MachinePrompt returns a media URI for a campaign's answering machine
// message, synthesizing the audio on first use.
func (c *Cache) MachinePrompt(ctx context.Context, campaignID int64, text string) (string, error) {
	if text == "" {
		return "", errors.New("prompt text is empty")
	}
	key := fmt.Sprintf("machine-%d-%s", campaignID, contentKey(text))

	c.mu.Lock()
	if uri, ok := c.ready[key]; ok {
		c.mu.Unlock()
		return uri, nil
	}
	if fl, ok := c.pending[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.uri, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.pending[key] = fl
	c.mu.Unlock()

	uri, err := c.render(ctx, key, text)

	c.mu.Lock()
	delete(c.pending, key)
	if err == nil {
		c.ready[key] = uri
	}
	c.mu.Unlock()

	fl.uri, fl.err = uri, err
	close(fl.done)
	return uri, err
}

// render puts the prompt audio on disk and returns its media URI. A file
// left by an earlier run is reused without a synthesis call. The rename
// keeps the PBX from ever opening a partial file.
func (c *Cache) render(ctx context.Context, key, text string) (string, error) {
	uri := "sound:" + path.Join(c.cfg.URIPrefix, key)
	full := filepath.Join(c.cfg.Dir, key+".wav")

	if _, err := os.Stat(full); err == nil {
		return uri, nil
	}

	audio, err := c.synth.Synthesize(ctx, text, c.cfg.Voice,
		speech.SynthesizeOptions{ResponseFormat: "wav"})
	if err != nil {
		return "", fmt.Errorf("synthesizing prompt: %w", err)
	}

	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating prompt dir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, audio, 0o644); err != nil {
		return "", fmt.Errorf("writing prompt: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("placing prompt: %w", err)
	}

	c.logger.Info("synthesized prompt", "key", key, "bytes", len(audio))
	return uri, nil
}

// contentKey derives a short stable id from the prompt text so message
// edits produce a new file.
func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:6])
}
