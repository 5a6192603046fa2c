package rtp

// sequenceTracker follows the 16-bit RTP sequence space for one session,
// extending it to 32 bits across rollovers and counting gaps as lost
// packets per RFC 3550.
type sequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32 // rollover count, upper 16 bits of the extended sequence
	lost        uint64
	received    uint64
}

// update records a received sequence number. It returns the extended 32-bit
// sequence and the number of packets lost since the previous one (a gap of
// g sequence numbers counts g−1 lost). Out-of-order arrivals (negative
// signed distance) are counted as received without touching the loss tally.
func (s *sequenceTracker) update(seq uint16) (extended uint32, lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	// Signed interpretation of the 16-bit forward distance gives direction
	// across the wrap boundary.
	diff := int16(seq - s.lastSeq)

	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}

	// Rollover: previous sequence near the top of the space, new one near
	// the bottom.
	if s.lastSeq > 0xF000 && seq < 0x1000 {
		s.cycles++
	}

	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// stats returns cumulative received and lost counts.
func (s *sequenceTracker) stats() (received, lost uint64) {
	return s.received, s.lost
}

// lossRate returns lost/(received+lost) as a fraction in [0, 1].
func (s *sequenceTracker) lossRate() float64 {
	total := s.received + s.lost
	if total == 0 {
		return 0
	}
	return float64(s.lost) / float64(total)
}
