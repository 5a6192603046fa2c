package rtp

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/dialgrid/dialgrid/internal/codec"
)

const (
	// RTP payload types for the supported codecs.
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// readTimeout is the read deadline used in the receive loop so the
	// goroutine can periodically check the stopped flag.
	readTimeout = 100 * time.Millisecond

	// frameBytes is 20 ms of 16-bit linear PCM at 8 kHz: 160 samples,
	// two bytes each.
	frameBytes = 320

	// tsRate is the RTP timestamp clock for G.711 (8 kHz).
	tsRate = 8000
)

// Frame is one 20 ms chunk of decoded call audio (the final frame of a
// session may be shorter).
type Frame struct {
	SessionID string
	PCM       []byte
	Time      time.Time
}

// FrameFunc consumes frames emitted by a session. It is called from the
// session's receive goroutine and must not block.
type FrameFunc func(Frame)

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	PacketsReceived uint64
	PacketsLost     uint64
	PacketsDropped  uint64
	BytesReceived   uint64
	Jitter          float64 // interarrival jitter in timestamp units
	LossRate        float64
}

// Session receives RTP on one socket pair, decodes G.711 payloads to linear
// PCM and emits 20 ms frames to its consumer in receive order.
type Session struct {
	ID string

	sockets  *SocketPair
	consumer FrameFunc
	logger   *slog.Logger
	nowFunc  func() time.Time

	stopped atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	seq         sequenceTracker
	ssrc        uint32
	haveSSRC    bool
	dropped     uint64
	bytes       uint64
	jitter      float64
	lastTransit int64
	haveTransit bool
	pcm         []byte
}

func newSession(id string, sockets *SocketPair, consumer FrameFunc, logger *slog.Logger) *Session {
	return &Session{
		ID:       id,
		sockets:  sockets,
		consumer: consumer,
		logger:   logger.With("subsystem", "rtp-session", "session_id", id),
		nowFunc:  time.Now,
	}
}

// LocalPort returns the bound RTP port.
func (s *Session) LocalPort() int {
	return s.sockets.Ports.RTP
}

func (s *Session) start() {
	s.wg.Add(1)
	go s.receiveLoop()
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		if s.stopped.Load() {
			return
		}

		s.sockets.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := s.sockets.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if s.stopped.Load() {
				return
			}
			// Timeout is expected; loop to re-check the stopped flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			s.logger.Debug("rtp read error", "error", err)
			continue
		}

		s.processPacket(buf[:n], s.nowFunc())
	}
}

// processPacket parses one RTP datagram, updates counters and appends the
// decoded payload to the PCM accumulator, emitting every complete 20 ms
// frame to the consumer.
func (s *Session) processPacket(data []byte, now time.Time) {
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Debug("malformed rtp packet dropped", "error", err)
		return
	}

	s.mu.Lock()

	if s.haveSSRC && pkt.SSRC != s.ssrc {
		// Mid-stream SSRC changes happen on PBX re-invites; counters are
		// kept across the change.
		s.logger.Warn("rtp ssrc changed",
			"old_ssrc", s.ssrc,
			"new_ssrc", pkt.SSRC,
		)
	}
	s.ssrc = pkt.SSRC
	s.haveSSRC = true

	s.seq.update(pkt.SequenceNumber)
	s.bytes += uint64(len(data))

	arrival := now.UnixNano() * tsRate / int64(time.Second)
	transit := arrival - int64(pkt.Timestamp)
	if s.haveTransit {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitter += (float64(d) - s.jitter) / 16
	}
	s.lastTransit = transit
	s.haveTransit = true

	switch pkt.PayloadType {
	case PayloadPCMU:
		s.pcm = append(s.pcm, codec.MulawToLPCM(pkt.Payload)...)
	case PayloadPCMA:
		s.pcm = append(s.pcm, codec.AlawToLPCM(pkt.Payload)...)
	default:
		// Counted as received; no audio emitted.
	}

	var frames []Frame
	complete := (len(s.pcm) / frameBytes) * frameBytes
	for off := 0; off < complete; off += frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, s.pcm[off:off+frameBytes])
		frames = append(frames, Frame{SessionID: s.ID, PCM: frame, Time: now})
	}
	s.pcm = append(s.pcm[:0], s.pcm[complete:]...)

	s.mu.Unlock()

	if s.consumer != nil {
		for _, f := range frames {
			s.consumer(f)
		}
	}
}

// Stop halts the receive loop and flushes any residual PCM as a short final
// frame. Safe to call more than once.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.wg.Wait()

	s.mu.Lock()
	residual := s.pcm
	s.pcm = nil
	s.mu.Unlock()

	if len(residual) > 0 && s.consumer != nil {
		s.consumer(Frame{SessionID: s.ID, PCM: residual, Time: s.nowFunc()})
	}

	st := s.Stats()
	s.logger.Info("rtp session stopped",
		"packets_received", st.PacketsReceived,
		"packets_lost", st.PacketsLost,
		"packets_dropped", st.PacketsDropped,
		"bytes_received", st.BytesReceived,
	)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	received, lost := s.seq.stats()
	return Stats{
		PacketsReceived: received,
		PacketsLost:     lost,
		PacketsDropped:  s.dropped,
		BytesReceived:   s.bytes,
		Jitter:          s.jitter,
		LossRate:        s.seq.lossRate(),
	}
}
