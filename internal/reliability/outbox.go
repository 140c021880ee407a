// Package reliability implements the two delivery contracts carried over
// one datagram socket: a best-effort snapshot stream (SnapshotTracker) and
// a reliable, ordered event stream (Outbox on the sender, Inbox on the
// receiver).
//
// None of these types lock. Each one is owned by a single goroutine, the
// server tick loop or the client engine loop.
package reliability

import (
	"sort"
	"time"
)

// Pending is an unacknowledged reliable item.
type Pending[T any] struct {
	Seq      uint32
	Item     T
	Deadline time.Time // next retransmission
	Attempts int
}

// Outbox holds reliable items until the receiver acks them. Items are
// retransmitted at a fixed interval until Ack or Clear.
type Outbox[T any] struct {
	interval time.Duration
	items    map[uint32]*Pending[T]
}

// NewOutbox creates an outbox retransmitting every interval.
func NewOutbox[T any](interval time.Duration) *Outbox[T] {
	return &Outbox[T]{
		interval: interval,
		items:    make(map[uint32]*Pending[T]),
	}
}

// Push records an item that the caller has just sent for the first time.
// Pushing a sequence that is already pending is a no-op.
func (o *Outbox[T]) Push(seq uint32, item T, now time.Time) {
	if _, ok := o.items[seq]; ok {
		return
	}
	o.items[seq] = &Pending[T]{
		Seq:      seq,
		Item:     item,
		Deadline: now.Add(o.interval),
		Attempts: 1,
	}
}

// Ack retires seq. It returns false for unknown or already-acked sequences.
func (o *Outbox[T]) Ack(seq uint32) bool {
	if _, ok := o.items[seq]; !ok {
		return false
	}
	delete(o.items, seq)
	return true
}

// Due returns the items whose deadline has passed, in sequence order, and
// reschedules each of them one interval from now. The caller resends them.
func (o *Outbox[T]) Due(now time.Time) []Pending[T] {
	var due []Pending[T]
	for _, p := range o.items {
		if now.Before(p.Deadline) {
			continue
		}
		p.Deadline = now.Add(o.interval)
		p.Attempts++
		due = append(due, *p)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	return due
}

// Has reports whether seq is still pending.
func (o *Outbox[T]) Has(seq uint32) bool {
	_, ok := o.items[seq]
	return ok
}

// Len returns the number of pending items.
func (o *Outbox[T]) Len() int { return len(o.items) }

// Empty reports whether everything has been acknowledged.
func (o *Outbox[T]) Empty() bool { return len(o.items) == 0 }

// Clear cancels every pending item, e.g. on disconnect.
func (o *Outbox[T]) Clear() {
	clear(o.items)
}
