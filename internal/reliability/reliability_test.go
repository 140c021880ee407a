package reliability

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// TestOutboxRetransmitsUntilAcked drops seq 7 three times, then acks it
func TestOutboxRetransmitsUntilAcked(t *testing.T) {
	const interval = 100 * time.Millisecond
	o := NewOutbox[string](interval)
	o.Push(7, "claim (1,1)", t0)

	if due := o.Due(t0.Add(interval / 2)); len(due) != 0 {
		t.Fatalf("due before deadline: %v", due)
	}

	now := t0
	for drop := 1; drop <= 3; drop++ {
		now = now.Add(interval)
		due := o.Due(now)
		if len(due) != 1 || due[0].Seq != 7 {
			t.Fatalf("drop %d: due = %+v, want seq 7", drop, due)
		}
		if due[0].Attempts != drop+1 {
			t.Errorf("drop %d: attempts = %d, want %d", drop, due[0].Attempts, drop+1)
		}
	}

	if !o.Ack(7) {
		t.Fatal("Ack(7) = false")
	}
	if o.Ack(7) {
		t.Error("second Ack(7) = true")
	}
	for i := 1; i <= 5; i++ {
		if due := o.Due(now.Add(time.Duration(i) * interval)); len(due) != 0 {
			t.Fatalf("retransmitted after ack: %+v", due)
		}
	}
	if !o.Empty() {
		t.Errorf("Len = %d, want 0", o.Len())
	}
}

// TestOutboxDueOrder returns overdue items in sequence order
func TestOutboxDueOrder(t *testing.T) {
	o := NewOutbox[int](10 * time.Millisecond)
	for _, seq := range []uint32{9, 3, 5, 4} {
		o.Push(seq, int(seq), t0)
	}
	o.Push(5, -1, t0) // duplicate push keeps the original

	due := o.Due(t0.Add(time.Second))
	want := []uint32{3, 4, 5, 9}
	if len(due) != len(want) {
		t.Fatalf("due = %+v", due)
	}
	for i, p := range due {
		if p.Seq != want[i] {
			t.Errorf("due[%d] = %d, want %d", i, p.Seq, want[i])
		}
		if p.Item != int(p.Seq) {
			t.Errorf("seq %d carries %d", p.Seq, p.Item)
		}
	}
}

func TestOutboxClear(t *testing.T) {
	o := NewOutbox[int](time.Millisecond)
	o.Push(1, 1, t0)
	o.Push(2, 2, t0)
	o.Clear()
	if !o.Empty() || o.Has(1) {
		t.Fatal("Clear left items pending")
	}
	if due := o.Due(t0.Add(time.Hour)); len(due) != 0 {
		t.Errorf("due after Clear: %+v", due)
	}
}

// TestInboxOrdering covers in-order, early, duplicate and overflow arrivals
func TestInboxOrdering(t *testing.T) {
	in := NewInbox[uint32](1, 2, time.Second)

	steps := []struct {
		seq   uint32
		out   Outcome
		ready []uint32
	}{
		{1, Delivered, []uint32{1}},
		{1, Duplicate, nil},
		{3, Buffered, nil},
		{3, Duplicate, nil},
		{4, Buffered, nil},
		{5, Dropped, nil},
		{2, Delivered, []uint32{2, 3, 4}},
		{4, Duplicate, nil},
		{5, Delivered, []uint32{5}},
	}

	for i, st := range steps {
		ready, out := in.Offer(st.seq, st.seq, t0)
		if out != st.out {
			t.Fatalf("step %d seq %d: outcome %v, want %v", i, st.seq, out, st.out)
		}
		if len(ready) != len(st.ready) {
			t.Fatalf("step %d seq %d: ready %v, want %v", i, st.seq, ready, st.ready)
		}
		for j := range ready {
			if ready[j] != st.ready[j] {
				t.Fatalf("step %d: ready %v, want %v", i, ready, st.ready)
			}
		}
	}
	if in.Next() != 6 {
		t.Errorf("Next = %d, want 6", in.Next())
	}
}

// TestInboxDuplicateAppliedOnce delivers each sequence exactly once under
// heavy duplication
func TestInboxDuplicateAppliedOnce(t *testing.T) {
	in := NewInbox[uint32](1, 16, time.Second)
	arrivals := []uint32{2, 1, 1, 2, 3, 3, 5, 4, 5, 4, 1, 6}
	seen := map[uint32]int{}
	for _, seq := range arrivals {
		ready, out := in.Offer(seq, seq, t0)
		if !out.Acked() {
			t.Fatalf("seq %d not acked", seq)
		}
		for _, r := range ready {
			seen[r]++
		}
	}
	for seq := uint32(1); seq <= 6; seq++ {
		if seen[seq] != 1 {
			t.Errorf("seq %d delivered %d times", seq, seen[seq])
		}
	}
}

func TestInboxStalled(t *testing.T) {
	in := NewInbox[int](1, 8, 500*time.Millisecond)
	if in.Stalled(t0.Add(time.Hour)) {
		t.Fatal("empty inbox reported stalled")
	}
	in.Offer(3, 3, t0)
	if in.Stalled(t0.Add(499 * time.Millisecond)) {
		t.Error("stalled before gap timeout")
	}
	if !in.Stalled(t0.Add(500 * time.Millisecond)) {
		t.Error("not stalled after gap timeout")
	}

	ready := in.Reset(3, t0.Add(time.Second))
	if len(ready) != 1 || ready[0] != 3 {
		t.Fatalf("Reset released %v, want [3]", ready)
	}
	if in.Stalled(t0.Add(time.Hour)) || in.Next() != 4 {
		t.Errorf("after Reset: next=%d buffered=%d", in.Next(), in.Buffered())
	}
}

func TestInboxResetNeverRewinds(t *testing.T) {
	in := NewInbox[int](1, 8, time.Second)
	in.Offer(1, 1, t0)
	in.Offer(2, 2, t0)
	in.Reset(1, t0)
	if _, out := in.Offer(2, 2, t0); out != Duplicate {
		t.Errorf("seq 2 after rewind attempt = %v, want duplicate", out)
	}
}

// TestSnapshotTracker covers freshness, gap tolerance and the watchdog
func TestSnapshotTracker(t *testing.T) {
	tr := NewSnapshotTracker(2, time.Second, t0)

	if !tr.Fresh(5) || tr.GapTooLarge(50) {
		t.Fatal("first snapshot should be fresh with no gap")
	}
	tr.Applied(5, t0)

	tests := []struct {
		id       uint32
		fresh    bool
		gap      uint32
		tooLarge bool
	}{
		{4, false, 0, false},
		{5, false, 0, false},
		{6, true, 0, false},
		{8, true, 2, false},
		{9, true, 3, true},
	}
	for _, tt := range tests {
		if got := tr.Fresh(tt.id); got != tt.fresh {
			t.Errorf("Fresh(%d) = %v, want %v", tt.id, got, tt.fresh)
		}
		if got := tr.Gap(tt.id); got != tt.gap {
			t.Errorf("Gap(%d) = %d, want %d", tt.id, got, tt.gap)
		}
		if got := tr.GapTooLarge(tt.id); got != tt.tooLarge {
			t.Errorf("GapTooLarge(%d) = %v, want %v", tt.id, got, tt.tooLarge)
		}
	}

	if tr.Expired(t0.Add(999 * time.Millisecond)) {
		t.Error("watchdog fired early")
	}
	if !tr.Expired(t0.Add(time.Second)) {
		t.Error("watchdog did not fire")
	}
	tr.Rearm(t0.Add(time.Second))
	if tr.Expired(t0.Add(1500 * time.Millisecond)) {
		t.Error("watchdog fired right after Rearm")
	}
	if last, ok := tr.Last(); !ok || last != 5 {
		t.Errorf("Last = (%d, %v), want (5, true)", last, ok)
	}
}
