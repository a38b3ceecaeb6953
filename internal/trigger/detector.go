// Package trigger decides when to wake the control loop: on each debounced
// pulse of the pump link heartbeat line, and on a fixed interval when no
// pulse has arrived.
//
// Detector is pure logic. Time is always passed in.
package trigger

import "time"

// Reason says what woke the loop.
type Reason string

const (
	ReasonHeartbeat Reason = "heartbeat"
	ReasonInterval  Reason = "interval"
)

// Trigger is one decision to run the loop.
type Trigger struct {
	Time   time.Time
	Reason Reason
}

// Counts tracks triggers since startup.
type Counts struct {
	Heartbeat int
	Interval  int
}

// lineState tracks debounce state for the heartbeat line.
type lineState struct {
	stable       bool
	pending      bool
	hasPending   bool
	pendingSince time.Time
	baselined    bool
}

// Detector turns raw line samples into loop triggers.
type Detector struct {
	debounce    time.Duration
	line        lineState
	startTime   time.Time
	lastTrigger time.Time
	counts      Counts
}

// NewDetector creates a Detector. The interval fallback is measured from
// startTime until the first trigger.
func NewDetector(debounce time.Duration, startTime time.Time) *Detector {
	return &Detector{
		debounce:    debounce,
		startTime:   startTime,
		lastTrigger: startTime,
	}
}

// Process feeds one line sample. It reports true on a debounced rising
// edge once the baseline is established.
func (d *Detector) Process(on bool, now time.Time) bool {
	l := &d.line

	if !l.baselined {
		if !l.hasPending || l.pending != on {
			// Start observing, or restart after a change during baseline.
			l.pending = on
			l.hasPending = true
			l.pendingSince = now
			return false
		}
		if now.Sub(l.pendingSince) >= d.debounce {
			l.stable = on
			l.baselined = true
			l.hasPending = false
		}
		return false
	}

	if on == l.stable {
		l.hasPending = false
		return false
	}
	if !l.hasPending || l.pending != on {
		l.pending = on
		l.hasPending = true
		l.pendingSince = now
		return false
	}
	if now.Sub(l.pendingSince) < d.debounce {
		return false
	}

	l.stable = on
	l.hasPending = false
	return on
}

// Check returns the trigger due at now, if any. A rising edge seen by the
// last Process call wins; otherwise the interval fallback fires when
// interval (> 0) has elapsed since the previous trigger.
func (d *Detector) Check(now time.Time, edge bool, interval time.Duration) *Trigger {
	switch {
	case edge:
		d.counts.Heartbeat++
	case interval > 0 && now.Sub(d.lastTrigger) >= interval:
		d.counts.Interval++
	default:
		return nil
	}

	reason := ReasonInterval
	if edge {
		reason = ReasonHeartbeat
	}
	d.lastTrigger = now
	return &Trigger{Time: now, Reason: reason}
}

// IsBaselined returns whether the line baseline is established.
func (d *Detector) IsBaselined() bool {
	return d.line.baselined
}

// LineState returns the debounced line state.
func (d *Detector) LineState() bool {
	return d.line.stable
}

// Counts returns trigger counts since startup.
func (d *Detector) Counts() Counts {
	return d.counts
}

// LastTrigger returns when the loop was last triggered, or the start time.
func (d *Detector) LastTrigger() time.Time {
	return d.lastTrigger
}
