package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// streamQueueSize bounds the PCM frame queue per stream. At 20 ms per
	// frame this holds ~5 seconds of audio.
	streamQueueSize = 256

	// defaultChunkDuration is how much audio a stream accumulates before
	// sending one transcription request.
	defaultChunkDuration = 5 * time.Second

	// rateLimitDelay is how long a stream waits before re-attempting a
	// chunk refused by the local limiter.
	rateLimitDelay = 2 * time.Second
)

// StreamResult is one transcription produced by a stream, tagged with the
// caller metadata supplied at open time.
type StreamResult struct {
	Meta   map[string]string
	Result *TranscriptResult
	Err    error
}

// Stream is a continuous transcription session. Callers push 16-bit PCM
// frames as they arrive from the media path; the stream batches them into
// chunks and emits results on C in order.
type Stream struct {
	C <-chan StreamResult

	client   *Client
	meta     map[string]string
	opts     TranscribeOptions
	rate     int
	chunkDur time.Duration
	logger   *slog.Logger

	frames  chan []byte
	results chan StreamResult
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// OpenStream starts a streaming transcription session. meta is carried on
// every result so the caller can correlate back to its own state (call task
// id, channel id, ...). sampleRate 0 defaults to 8000.
func (c *Client) OpenStream(meta map[string]string, sampleRate int, opts TranscribeOptions) *Stream {
	if sampleRate <= 0 {
		sampleRate = 8000
	}

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan StreamResult, 16)
	s := &Stream{
		C:        results,
		client:   c,
		meta:     meta,
		opts:     opts,
		rate:     sampleRate,
		chunkDur: defaultChunkDuration,
		logger:   c.logger.With("component", "stream"),
		frames:   make(chan []byte, streamQueueSize),
		results:  results,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go s.run()
	return s
}

// Push queues a PCM frame for transcription. It never blocks: when the
// queue is full the oldest frame is dropped to make room. Pushing to a
// closed stream is a no-op.
func (s *Stream) Push(pcm []byte) {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	// Close closes the frame queue under this same lock, so the liveness
	// check stays valid through the sends. Every send is non-blocking.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.frames <- buf:
		return
	default:
	}

	// Queue full: shed the oldest frame, then retry once.
	select {
	case <-s.frames:
		s.dropped++
	default:
	}
	select {
	case s.frames <- buf:
	default:
		s.dropped++
	}
}

// Dropped returns how many frames were shed to backpressure.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the stream. Any buffered audio is flushed as a final chunk
// before the result channel is closed.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.frames)
	s.mu.Unlock()

	<-s.done
	s.cancel()
}

// run accumulates frames into chunks of chunkDur audio and transcribes
// each one. Limiter denials requeue the chunk after a short delay rather
// than dropping audio.
func (s *Stream) run() {
	defer close(s.done)
	defer close(s.results)

	chunkBytes := int(s.chunkDur.Seconds()) * s.rate * 2
	var chunk []byte

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		pcm := chunk
		chunk = nil
		s.transcribeChunk(pcm)
	}

	for frame := range s.frames {
		chunk = append(chunk, frame...)
		if len(chunk) >= chunkBytes {
			flush()
		}
	}
	flush()
}

// transcribeChunk sends one chunk, waiting out local rate-limit denials.
func (s *Stream) transcribeChunk(pcm []byte) {
	for {
		result, err := s.client.Transcribe(s.ctx, pcm, s.rate, s.opts)
		if errors.Is(err, ErrRateLimited) {
			s.logger.Debug("stream chunk rate limited, delaying",
				"chunk_bytes", len(pcm),
			)
			if sleepCtx(s.ctx, rateLimitDelay) != nil {
				return
			}
			continue
		}
		if err != nil {
			s.emit(StreamResult{Meta: s.meta, Err: err})
			return
		}
		s.emit(StreamResult{Meta: s.meta, Result: result})
		return
	}
}

// emit delivers a result without ever blocking the worker; an unread
// result backlog sheds the oldest entry first.
func (s *Stream) emit(r StreamResult) {
	select {
	case s.results <- r:
		return
	default:
	}
	select {
	case <-s.results:
	default:
	}
	select {
	case s.results <- r:
	default:
	}
}
