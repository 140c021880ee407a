package reliability

import "time"

// Outcome classifies an offered item.
type Outcome uint8

const (
	// Delivered: the item was next in line and was released.
	Delivered Outcome = iota
	// Buffered: the item is ahead of a gap and waits for it to fill.
	Buffered
	// Duplicate: already released or already buffered. Ack it again, never
	// apply it again.
	Duplicate
	// Dropped: the out-of-order buffer is full. Do not ack; the sender
	// will retransmit.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Acked reports whether the receiver should acknowledge the item.
func (o Outcome) Acked() bool { return o != Dropped }

// Inbox releases reliable items exactly once and in sequence order. It
// keeps a high-water mark (the next expected sequence) and a bounded
// buffer of items that arrived early.
type Inbox[T any] struct {
	next       uint32
	buf        map[uint32]T
	capacity   int
	gapTimeout time.Duration
	gapSince   time.Time
}

// NewInbox expects next as the first sequence. capacity bounds the
// out-of-order buffer; a gap older than gapTimeout reports Stalled.
func NewInbox[T any](next uint32, capacity int, gapTimeout time.Duration) *Inbox[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox[T]{
		next:       next,
		buf:        make(map[uint32]T, capacity),
		capacity:   capacity,
		gapTimeout: gapTimeout,
	}
}

// Offer hands one received item to the inbox. ready holds every item that
// became deliverable, in order.
func (in *Inbox[T]) Offer(seq uint32, item T, now time.Time) (ready []T, out Outcome) {
	if seq < in.next {
		return nil, Duplicate
	}
	if _, ok := in.buf[seq]; ok {
		return nil, Duplicate
	}
	if seq > in.next {
		if len(in.buf) >= in.capacity {
			return nil, Dropped
		}
		if len(in.buf) == 0 {
			in.gapSince = now
		}
		in.buf[seq] = item
		return nil, Buffered
	}

	ready = append(ready, item)
	in.next++
	return in.drain(ready, now), Delivered
}

// drain releases buffered items that are now contiguous.
func (in *Inbox[T]) drain(ready []T, now time.Time) []T {
	for {
		item, ok := in.buf[in.next]
		if !ok {
			break
		}
		delete(in.buf, in.next)
		ready = append(ready, item)
		in.next++
	}
	if len(in.buf) > 0 {
		// a later gap is still open; its clock starts now
		in.gapSince = now
	}
	return ready
}

// Next is the sequence the inbox is waiting for.
func (in *Inbox[T]) Next() uint32 { return in.next }

// Buffered returns how many early items are waiting.
func (in *Inbox[T]) Buffered() int { return len(in.buf) }

// Stalled reports a gap that has stayed open past the gap timeout. The
// receiver should resync instead of waiting any longer.
func (in *Inbox[T]) Stalled(now time.Time) bool {
	return len(in.buf) > 0 && now.Sub(in.gapSince) >= in.gapTimeout
}

// Reset fast-forwards the high-water mark to next after a full resync.
// Buffered items below next are discarded; the ones at or past next are
// released if they became contiguous.
func (in *Inbox[T]) Reset(next uint32, now time.Time) []T {
	if next < in.next {
		next = in.next
	}
	for seq := range in.buf {
		if seq < next {
			delete(in.buf, seq)
		}
	}
	in.next = next
	return in.drain(nil, now)
}
