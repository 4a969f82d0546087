package netmgr

import "testing"

func TestSequenceTrackerInOrder(t *testing.T) {
	t.Parallel()

	tr := NewSequenceTracker()
	for seq := int64(1); seq <= 5; seq++ {
		if gap, ok := tr.Update("TICKER", "BTC/USD", seq); ok {
			t.Fatalf("unexpected gap at seq %d: %v", seq, gap)
		}
	}
	if got := tr.Expected("TICKER", "BTC/USD"); got != 6 {
		t.Errorf("Expected() = %d, want 6", got)
	}
}

func TestSequenceTrackerDetectsGap(t *testing.T) {
	t.Parallel()

	tr := NewSequenceTracker()
	tr.Update("TICKER", "BTC/USD", 1)
	tr.Update("TICKER", "BTC/USD", 2)

	gap, ok := tr.Update("TICKER", "BTC/USD", 7)
	if !ok {
		t.Fatal("gap not detected")
	}
	if gap.StartSeq != 3 || gap.EndSeq != 6 {
		t.Errorf("gap = %d..%d, want 3..6", gap.StartSeq, gap.EndSeq)
	}

	// Tracking resumes after the jump.
	if _, ok := tr.Update("TICKER", "BTC/USD", 8); ok {
		t.Error("seq 8 after jump to 7 should not be a gap")
	}
}

func TestSequenceTrackerIgnoresLateAndDuplicate(t *testing.T) {
	t.Parallel()

	tr := NewSequenceTracker()
	tr.Update("TICKER", "BTC/USD", 1)
	tr.Update("TICKER", "BTC/USD", 2)

	if _, ok := tr.Update("TICKER", "BTC/USD", 2); ok {
		t.Error("duplicate reported as gap")
	}
	if _, ok := tr.Update("TICKER", "BTC/USD", 1); ok {
		t.Error("late frame reported as gap")
	}
	if got := tr.Expected("TICKER", "BTC/USD"); got != 3 {
		t.Errorf("Expected() = %d, want 3", got)
	}
}

func TestSequenceTrackerStreamsAreIndependent(t *testing.T) {
	t.Parallel()

	tr := NewSequenceTracker()
	tr.Update("TICKER", "BTC/USD", 1)

	// A fresh stream starting above 1 is itself a gap.
	gap, ok := tr.Update("TICKER", "ETH/USD", 4)
	if !ok || gap.StartSeq != 1 || gap.EndSeq != 3 {
		t.Errorf("fresh stream gap = %v %v", gap, ok)
	}
	if _, ok := tr.Update("ORDERBOOK", "BTC/USD", 1); ok {
		t.Error("channels must be tracked separately")
	}
}

func TestSequenceTrackerReset(t *testing.T) {
	t.Parallel()

	tr := NewSequenceTracker()
	tr.Update("TICKER", "BTC/USD", 1)
	tr.Update("TICKER", "ETH/USD", 1)

	tr.Reset("TICKER", "BTC/USD")
	if got := tr.Expected("TICKER", "BTC/USD"); got != 1 {
		t.Errorf("after Reset Expected() = %d, want 1", got)
	}
	if got := tr.Expected("TICKER", "ETH/USD"); got != 2 {
		t.Errorf("other stream disturbed: Expected() = %d", got)
	}

	tr.ResetAll()
	if got := tr.Expected("TICKER", "ETH/USD"); got != 1 {
		t.Errorf("after ResetAll Expected() = %d, want 1", got)
	}
}
