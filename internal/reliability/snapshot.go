package reliability

import "time"

// SnapshotTracker follows the best-effort snapshot stream on the client.
// Lost snapshots are never retransmitted; the tracker only decides when a
// gap or a silence is bad enough to ask for a full resync.
type SnapshotTracker struct {
	last      uint32
	has       bool
	tolerance uint32
	watchdog  time.Duration
	deadline  time.Time
}

// NewSnapshotTracker tolerates up to tolerance missing ids and watchdog of
// silence. The watchdog starts armed at now.
func NewSnapshotTracker(tolerance uint32, watchdog time.Duration, now time.Time) *SnapshotTracker {
	return &SnapshotTracker{
		tolerance: tolerance,
		watchdog:  watchdog,
		deadline:  now.Add(watchdog),
	}
}

// Last returns the id of the last applied snapshot.
func (t *SnapshotTracker) Last() (uint32, bool) { return t.last, t.has }

// Fresh reports whether id is newer than anything applied so far. Stale
// and duplicate ids are ignored by the caller.
func (t *SnapshotTracker) Fresh(id uint32) bool {
	return !t.has || id > t.last
}

// Gap returns how many ids were skipped between the last applied
// snapshot and id.
func (t *SnapshotTracker) Gap(id uint32) uint32 {
	if !t.has || id <= t.last {
		return 0
	}
	return id - t.last - 1
}

// GapTooLarge reports whether skipping to id exceeds the tolerance.
func (t *SnapshotTracker) GapTooLarge(id uint32) bool {
	return t.Gap(id) > t.tolerance
}

// Applied records id as the new baseline and re-arms the watchdog.
func (t *SnapshotTracker) Applied(id uint32, now time.Time) {
	t.last = id
	t.has = true
	t.deadline = now.Add(t.watchdog)
}

// Expired reports whether no snapshot has been applied for a full
// watchdog period.
func (t *SnapshotTracker) Expired(now time.Time) bool {
	return !now.Before(t.deadline)
}

// Rearm pushes the watchdog out one period, typically after sending a
// NACK, so a silent server is not flooded.
func (t *SnapshotTracker) Rearm(now time.Time) {
	t.deadline = now.Add(t.watchdog)
}
