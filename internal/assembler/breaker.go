package assembler

import (
	"time"
)

// identity distinguishes replay-loop tracking per call and mutation kind.
type identity struct {
	callID     string
	changeType string
}

type occurrence struct {
	offset   int64
	lastSeen time.Time
	count    int
}

// loopDetector is the assembler's circuit breaker against replay loops: the
// same record identity arriving again and again with the SAME bus offset.
// Distinct offsets for an identity are ordinary reprocessing and reset the
// count. Confined to the assembler event loop, so no locking.
type loopDetector struct {
	window    time.Duration
	threshold int

	quietPeriod time.Duration
	maxBuffers  int
	maxTracked  int

	entries    map[identity]*occurrence
	tripped    bool
	trippedAt  time.Time
	trippedKey identity
}

func newLoopDetector(window time.Duration, threshold int, quietPeriod time.Duration, maxBuffers, maxTracked int) *loopDetector {
	return &loopDetector{
		window:      window,
		threshold:   threshold,
		quietPeriod: quietPeriod,
		maxBuffers:  maxBuffers,
		maxTracked:  maxTracked,
		entries:     make(map[identity]*occurrence),
	}
}

// observe records one occurrence and reports whether it tripped the breaker.
func (d *loopDetector) observe(callID, changeType string, offset int64, now time.Time) bool {
	key := identity{callID: callID, changeType: changeType}
	entry := d.entries[key]

	if entry == nil || entry.offset != offset || now.Sub(entry.lastSeen) > d.window {
		d.entries[key] = &occurrence{offset: offset, lastSeen: now, count: 1}
		return false
	}

	entry.count++
	entry.lastSeen = now
	if entry.count >= d.threshold {
		d.tripped = true
		d.trippedAt = now
		d.trippedKey = key
		return true
	}
	return false
}

func (d *loopDetector) isTripped() bool { return d.tripped }

// canReset reports whether the quiescence conditions for an automatic reset
// hold: the trip is old enough and both the buffer map and the tracking map
// have shrunk back to sane sizes.
func (d *loopDetector) canReset(now time.Time, bufferCount int) bool {
	return d.tripped &&
		now.Sub(d.trippedAt) >= d.quietPeriod &&
		bufferCount < d.maxBuffers &&
		len(d.entries) < d.maxTracked
}

// reset clears the trip and all tracked occurrences.
func (d *loopDetector) reset() {
	d.tripped = false
	d.trippedAt = time.Time{}
	d.trippedKey = identity{}
	d.entries = make(map[identity]*occurrence)
}

// prune drops occurrences that fell out of the window; a follow-up with the
// same offset would restart at count 1 anyway.
func (d *loopDetector) prune(now time.Time) {
	for key, entry := range d.entries {
		if now.Sub(entry.lastSeen) > d.window {
			delete(d.entries, key)
		}
	}
}

func (d *loopDetector) size() int { return len(d.entries) }
