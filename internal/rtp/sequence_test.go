package rtp

import "testing"

func TestSequenceTrackerInOrder(t *testing.T) {
	var tr sequenceTracker
	for seq := uint16(100); seq < 110; seq++ {
		if _, lost := tr.update(seq); lost != 0 {
			t.Errorf("seq %d: lost = %d, want 0", seq, lost)
		}
	}
	received, lost := tr.stats()
	if received != 10 || lost != 0 {
		t.Errorf("stats = (%d, %d), want (10, 0)", received, lost)
	}
}

func TestSequenceTrackerGap(t *testing.T) {
	var tr sequenceTracker
	tr.update(10)
	_, lost := tr.update(15)
	if lost != 4 {
		t.Errorf("gap 10→15: lost = %d, want 4", lost)
	}
	if _, total := tr.stats(); total != 4 {
		t.Errorf("cumulative lost = %d, want 4", total)
	}
}

func TestSequenceTrackerOutOfOrder(t *testing.T) {
	var tr sequenceTracker
	tr.update(10)
	tr.update(12) // one lost
	if _, lost := tr.update(11); lost != 0 {
		t.Errorf("late packet counted as loss: %d", lost)
	}
	received, lost := tr.stats()
	if received != 3 || lost != 1 {
		t.Errorf("stats = (%d, %d), want (3, 1)", received, lost)
	}
}

func TestSequenceTrackerDuplicate(t *testing.T) {
	var tr sequenceTracker
	tr.update(42)
	if _, lost := tr.update(42); lost != 0 {
		t.Errorf("duplicate counted as loss: %d", lost)
	}
}

func TestSequenceTrackerRollover(t *testing.T) {
	var tr sequenceTracker
	var extended uint32
	for _, seq := range []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001} {
		var lost int
		extended, lost = tr.update(seq)
		if lost != 0 {
			t.Errorf("seq 0x%04x: lost = %d, want 0", seq, lost)
		}
	}
	if want := uint32(1<<16 | 1); extended != want {
		t.Errorf("extended = 0x%08x, want 0x%08x", extended, want)
	}
}

func TestSequenceTrackerRolloverWithGap(t *testing.T) {
	var tr sequenceTracker
	tr.update(0xFFFE)
	// 0xFFFF, 0x0000, 0x0001 missing.
	_, lost := tr.update(0x0002)
	if lost != 3 {
		t.Errorf("lost = %d, want 3 across the wrap", lost)
	}
}

func TestLossRate(t *testing.T) {
	var tr sequenceTracker
	if got := tr.lossRate(); got != 0 {
		t.Errorf("empty tracker lossRate = %v, want 0", got)
	}
	tr.update(0)
	tr.update(2) // one lost
	// 2 received, 1 lost.
	if got, want := tr.lossRate(), 1.0/3.0; got != want {
		t.Errorf("lossRate = %v, want %v", got, want)
	}
}

// received + lost must cover the observed sequence span.
func TestSequenceSpanInvariant(t *testing.T) {
	var tr sequenceTracker
	seqs := []uint16{5, 6, 9, 10, 11, 20, 21}
	for _, s := range seqs {
		tr.update(s)
	}
	received, lost := tr.stats()
	span := uint64(21 - 5)
	if received+lost < span {
		t.Errorf("received(%d) + lost(%d) < span(%d)", received, lost, span)
	}
}
