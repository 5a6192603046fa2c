package telephony

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/pbx"
	"github.com/dialgrid/dialgrid/internal/rtp"
	"github.com/dialgrid/dialgrid/internal/speech"
)

// pipelineAttachTimeout bounds the ARI round trips behind one media attach.
const pipelineAttachTimeout = 10 * time.Second

// TaskLookup resolves a PBX channel to the live call task bound to it.
type TaskLookup interface {
	TaskByChannel(channelID string) (models.CallTask, bool)
}

// StreamOpener starts streaming transcription sessions.
type StreamOpener interface {
	OpenStream(meta map[string]string, sampleRate int, opts speech.TranscribeOptions) *speech.Stream
}

// SpeechPipeline joins answered calls to the speech service: each call
// channel gets an RTP leg through the bridge manager, its PCM frames feed a
// transcription stream, and results land on the call's bus topic as
// call.transcript events.
type SpeechPipeline struct {
	bridges *BridgeManager
	opener  StreamOpener
	tasks   TaskLookup
	bus     *events.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	closed   bool
	attached map[string]bool           // channels with an attach in flight or live
	streams  map[string]*speech.Stream // live streams by call channel id

	wg sync.WaitGroup
}

// NewSpeechPipeline creates the pipeline. It handles events only after
// being registered on the PBX event fan-out.
func NewSpeechPipeline(bridges *BridgeManager, opener StreamOpener, tasks TaskLookup, bus *events.Bus, logger *slog.Logger) *SpeechPipeline {
	return &SpeechPipeline{
		bridges:  bridges,
		opener:   opener,
		tasks:    tasks,
		bus:      bus,
		logger:   logger.With("subsystem", "speech-pipeline"),
		attached: make(map[string]bool),
		streams:  make(map[string]*speech.Stream),
	}
}

// HandleEvent is the pbx.Handler entry point. Attach and teardown both do
// PBX round trips, so the work runs off the caller's goroutine.
func (p *SpeechPipeline) HandleEvent(ev pbx.Event) {
	if ev.ChannelID == "" {
		return
	}
	switch ev.Type {
	case "StasisStart", "ChannelStateChange":
		if strings.EqualFold(ev.Fields["state"], "up") {
			p.attach(ev.ChannelID)
		}
	case "Newstate":
		if strings.EqualFold(ev.Fields["channelstatedesc"], "up") {
			p.attach(ev.ChannelID)
		}
	case "ChannelDestroyed", "Hangup":
		p.detach(ev.ChannelID)
	}
}

// attach reserves the channel and starts the media leg. Channels without a
// tracked task (external media legs, inbound callers still in queue) are
// ignored; duplicate answer events from the second control plane are folded
// by the reservation.
func (p *SpeechPipeline) attach(channelID string) {
	task, ok := p.tasks.TaskByChannel(channelID)
	if !ok {
		return
	}

	p.mu.Lock()
	if p.closed || p.attached[channelID] {
		p.mu.Unlock()
		return
	}
	p.attached[channelID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(channelID, task)
	}()
}

// run opens the transcription stream, attaches the media bridge, and pumps
// results until the stream closes.
func (p *SpeechPipeline) run(channelID string, task models.CallTask) {
	ctx, cancel := context.WithTimeout(context.Background(), pipelineAttachTimeout)
	defer cancel()

	stream := p.opener.OpenStream(map[string]string{
		"task_id":     task.ID,
		"campaign_id": strconv.FormatInt(task.CampaignID, 10),
	}, 0, speech.TranscribeOptions{})

	_, err := p.bridges.Attach(ctx, channelID, func(f rtp.Frame) {
		stream.Push(f.PCM)
	})
	if err != nil {
		p.forget(channelID)
		stream.Close()
		p.logger.Warn("media attach failed",
			"channel_id", channelID,
			"task_id", task.ID,
			"error", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		stream.Close()
		return
	}
	p.streams[channelID] = stream
	p.mu.Unlock()

	p.logger.Info("speech stream attached", "channel_id", channelID, "task_id", task.ID)
	p.pump(task, stream)
}

// pump forwards transcription results to the call topic until the stream's
// result channel closes.
func (p *SpeechPipeline) pump(task models.CallTask, stream *speech.Stream) {
	for res := range stream.C {
		if res.Err != nil {
			p.logger.Warn("transcription failed", "task_id", task.ID, "error", res.Err)
			continue
		}
		data := map[string]any{
			"task_id":     task.ID,
			"campaign_id": task.CampaignID,
			"text":        res.Result.Text,
		}
		if res.Result.Language != "" {
			data["language"] = res.Result.Language
		}
		p.bus.Publish(events.Event{
			Type:  "call.transcript",
			Topic: events.CallTopic(task.ID),
			Time:  time.Now().UTC(),
			Data:  data,
		})
	}
}

// detach releases the channel's stream and media leg. Closing the stream
// flushes a final chunk over HTTP, so it runs off the event goroutine.
func (p *SpeechPipeline) detach(channelID string) {
	p.mu.Lock()
	stream := p.streams[channelID]
	delete(p.streams, channelID)
	delete(p.attached, channelID)
	closed := p.closed
	p.mu.Unlock()

	if stream == nil || closed {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Media stops first so the final flush carries every frame
		// received up to the hangup.
		ctx, cancel := context.WithTimeout(context.Background(), pipelineAttachTimeout)
		defer cancel()
		p.bridges.HandleChannelGone(ctx, channelID)
		stream.Close()
	}()
}

// forget releases a reservation after a failed attach so a later answer
// event from the other plane can retry.
func (p *SpeechPipeline) forget(channelID string) {
	p.mu.Lock()
	delete(p.attached, channelID)
	p.mu.Unlock()
}

// Close flushes every live stream and waits for in-flight work. Bridges and
// RTP sessions are torn down separately during shutdown.
func (p *SpeechPipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	streams := make([]*speech.Stream, 0, len(p.streams))
	for _, s := range p.streams {
		streams = append(streams, s)
	}
	p.streams = make(map[string]*speech.Stream)
	p.attached = make(map[string]bool)
	p.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	p.wg.Wait()
}

// Live returns the number of channels with an attached speech stream.
func (p *SpeechPipeline) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}
