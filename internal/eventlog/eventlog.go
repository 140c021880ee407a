// Package eventlog keeps an append-only JSONL audit trail of a game.
//
// Emit never blocks the tick loop: events go into a bounded ring and a
// background writer flushes them in batches. Noisy event types are rate
// limited globally and per player; the events needed to rebuild the grid
// (game start, joins, claims, game over) bypass the limiters.
package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"grid-clash/internal/logger"
	"grid-clash/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	EventBufferSize      = 1024                   // Ring capacity
	MaxEventsPerSec      = 2000                   // Global rate limit for non-critical events
	MaxEventsPerPlayer   = 50                     // Per-player rate limit per second
	BatchFlushSize       = 64                     // Events per batch write
	BatchFlushInterval   = 100 * time.Millisecond // How often to flush
	PlayerLimiterCleanup = 5 * time.Minute        // Cleanup interval for player limiters
)

// EventLog provides bounded, rate-limited event logging with backpressure
type EventLog struct {
	mu     sync.Mutex
	ring   [EventBufferSize]Event
	head   uint64 // next sequence to assign
	tail   uint64 // next sequence to flush
	notify chan struct{}

	// Rate limiting for non-critical events
	globalLimiter  *rate.Limiter
	playerLimiters sync.Map // map[uint8]*playerLimiterEntry

	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	file *os.File
	w    *bufio.Writer

	droppedCount atomic.Uint64
	totalCount   atomic.Uint64
}

type playerLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64 // unix nano
}

// New creates a stopped event log.
func New() *EventLog {
	return &EventLog{
		globalLimiter: rate.NewLimiter(MaxEventsPerSec, MaxEventsPerSec/10),
		stopChan:      make(chan struct{}),
		notify:        make(chan struct{}, 1),
	}
}

// Start opens path for append and begins the async writer.
func (el *EventLog) Start(path string) error {
	if el.running.Load() {
		return nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	el.file = file
	el.w = bufio.NewWriter(file)

	el.running.Store(true)
	el.writerWg.Add(2)
	go el.writerLoop()
	go el.cleanupLoop()

	logger.Log.WithField("path", path).Info("📝 Event log started")
	return nil
}

// Stop flushes everything still buffered and closes the file.
func (el *EventLog) Stop() {
	el.stopOnce.Do(func() {
		if !el.running.Load() {
			return
		}
		el.running.Store(false)
		close(el.stopChan)
		el.writerWg.Wait()

		if err := el.w.Flush(); err != nil {
			logger.Log.WithError(err).Warn("⚠️ Event log flush failed")
		}
		el.file.Close()
	})
}

// Emit queues an event. It returns false when the event was rate limited
// or the log is not running. A full ring drops the oldest event.
func (el *EventLog) Emit(event Event) bool {
	if !el.running.Load() {
		return false
	}

	if !event.Type.Critical() {
		if !el.globalLimiter.Allow() {
			el.drop()
			return false
		}
		if event.PlayerID != 0 && !el.playerLimiter(event.PlayerID).Allow() {
			el.drop()
			return false
		}
	}

	el.mu.Lock()
	if el.head-el.tail >= EventBufferSize {
		// rolling window: the writer is behind
		el.tail++
		el.drop()
	}
	event.Sequence = el.head
	el.ring[el.head%EventBufferSize] = event
	el.head++
	pending := el.head - el.tail
	el.mu.Unlock()

	el.totalCount.Add(1)
	metrics.RecordEventLogged()

	if pending >= BatchFlushSize {
		select {
		case el.notify <- struct{}{}:
		default:
		}
	}
	return true
}

// EmitSimple is a convenience method to emit an event with automatic creation
func (el *EventLog) EmitSimple(t EventType, gameID string, tick uint64, playerID uint8, payload interface{}) bool {
	return el.Emit(NewEvent(t, gameID, tick, playerID, payload))
}

func (el *EventLog) drop() {
	el.droppedCount.Add(1)
	metrics.RecordEventDropped()
}

func (el *EventLog) playerLimiter(id uint8) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := el.playerLimiters.Load(id); ok {
		e := v.(*playerLimiterEntry)
		e.lastUsed.Store(now)
		return e.limiter
	}
	entry := &playerLimiterEntry{limiter: rate.NewLimiter(MaxEventsPerPlayer, MaxEventsPerPlayer/10)}
	entry.lastUsed.Store(now)
	actual, _ := el.playerLimiters.LoadOrStore(id, entry)
	return actual.(*playerLimiterEntry).limiter
}

func (el *EventLog) writerLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, BatchFlushSize)
	for {
		select {
		case <-el.stopChan:
			for {
				batch = el.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				el.flushBatch(batch)
			}
		case <-ticker.C:
		case <-el.notify:
		}
		for {
			batch = el.collectBatch(batch[:0])
			if len(batch) == 0 {
				break
			}
			el.flushBatch(batch)
		}
		if err := el.w.Flush(); err != nil {
			logger.Log.WithError(err).Warn("⚠️ Event log flush failed")
		}
	}
}

// cleanupLoop removes stale player limiters to prevent memory leak
func (el *EventLog) cleanupLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(PlayerLimiterCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-el.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-PlayerLimiterCleanup).UnixNano()
			el.playerLimiters.Range(func(key, value interface{}) bool {
				if value.(*playerLimiterEntry).lastUsed.Load() < cutoff {
					el.playerLimiters.Delete(key)
				}
				return true
			})
		}
	}
}

func (el *EventLog) collectBatch(batch []Event) []Event {
	el.mu.Lock()
	defer el.mu.Unlock()
	for el.tail < el.head && len(batch) < BatchFlushSize {
		batch = append(batch, el.ring[el.tail%EventBufferSize])
		el.tail++
	}
	return batch
}

// flushBatch writes events as newline-delimited JSON.
func (el *EventLog) flushBatch(batch []Event) {
	enc := json.NewEncoder(el.w)
	for _, event := range batch {
		if err := enc.Encode(event); err != nil {
			logger.Log.WithError(err).WithField("type", event.Type.String()).Warn("⚠️ Event encode failed")
		}
	}
}

// Stats is a point-in-time view of the log counters.
type Stats struct {
	Total   uint64 `json:"total"`
	Dropped uint64 `json:"dropped"`
	Pending uint64 `json:"pending"`
	Running bool   `json:"running"`
}

// GetStats returns metrics for monitoring
func (el *EventLog) GetStats() Stats {
	el.mu.Lock()
	pending := el.head - el.tail
	el.mu.Unlock()
	return Stats{
		Total:   el.totalCount.Load(),
		Dropped: el.droppedCount.Load(),
		Pending: pending,
		Running: el.running.Load(),
	}
}
