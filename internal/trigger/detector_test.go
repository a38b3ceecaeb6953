package trigger

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const debounce = 250 * time.Millisecond

func ms(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Millisecond)
}

func TestNewDetector(t *testing.T) {
	d := NewDetector(debounce, t0)
	if d.IsBaselined() {
		t.Error("new detector should not be baselined")
	}
	if !d.LastTrigger().Equal(t0) {
		t.Errorf("expected lastTrigger %v, got %v", t0, d.LastTrigger())
	}
}

func TestBaselineEstablishment(t *testing.T) {
	d := NewDetector(debounce, t0)

	if d.Process(true, ms(0)) {
		t.Error("no edge expected during baseline")
	}
	if d.Process(true, ms(200)) || d.IsBaselined() {
		t.Error("should not be baselined before debounce period")
	}
	if d.Process(true, ms(250)) {
		t.Error("baseline establishment is not an edge")
	}
	if !d.IsBaselined() {
		t.Error("should be baselined after debounce period")
	}
	if !d.LineState() {
		t.Error("expected line state true after baseline")
	}
}

func TestBaselineRestartsOnChange(t *testing.T) {
	d := NewDetector(debounce, t0)

	d.Process(false, ms(0))
	d.Process(true, ms(200)) // change restarts observation
	d.Process(true, ms(300))
	if d.IsBaselined() {
		t.Error("baseline should restart after change")
	}
	d.Process(true, ms(450))
	if !d.IsBaselined() {
		t.Error("should be baselined 250ms after the change")
	}
}

func baselined(t *testing.T, on bool) *Detector {
	t.Helper()
	d := NewDetector(debounce, t0)
	d.Process(on, ms(0))
	d.Process(on, ms(250))
	if !d.IsBaselined() {
		t.Fatal("baseline not established")
	}
	return d
}

func TestRisingEdge(t *testing.T) {
	d := baselined(t, false)

	if d.Process(true, ms(1000)) {
		t.Error("edge before debounce")
	}
	if !d.Process(true, ms(1250)) {
		t.Error("expected rising edge after debounce")
	}
	if d.Process(true, ms(1500)) {
		t.Error("steady high is not a new edge")
	}
}

func TestFallingEdgeIsNotATrigger(t *testing.T) {
	d := baselined(t, true)

	d.Process(false, ms(1000))
	if d.Process(false, ms(1250)) {
		t.Error("falling edge should not trigger")
	}
	if d.LineState() {
		t.Error("expected line state false after falling edge")
	}
}

func TestGlitchIgnored(t *testing.T) {
	d := baselined(t, false)

	d.Process(true, ms(1000))
	d.Process(false, ms(1100)) // back to stable before debounce
	if d.Process(true, ms(1260)) {
		t.Error("glitch should restart debounce")
	}
	if !d.Process(true, ms(1510)) {
		t.Error("expected edge 250ms after the restart")
	}
}

func TestCheckHeartbeat(t *testing.T) {
	d := NewDetector(debounce, t0)

	trig := d.Check(ms(10), true, 5*time.Minute)
	if trig == nil || trig.Reason != ReasonHeartbeat {
		t.Fatalf("expected heartbeat trigger, got %+v", trig)
	}
	if !d.LastTrigger().Equal(ms(10)) {
		t.Errorf("lastTrigger: got %v", d.LastTrigger())
	}
	if c := d.Counts(); c.Heartbeat != 1 || c.Interval != 0 {
		t.Errorf("counts: got %+v", c)
	}
}

func TestCheckInterval(t *testing.T) {
	d := NewDetector(debounce, t0)
	interval := 5 * time.Minute

	if trig := d.Check(t0.Add(interval-time.Second), false, interval); trig != nil {
		t.Errorf("interval not yet elapsed, got %+v", trig)
	}
	trig := d.Check(t0.Add(interval), false, interval)
	if trig == nil || trig.Reason != ReasonInterval {
		t.Fatalf("expected interval trigger, got %+v", trig)
	}
	// Measured from the last trigger.
	if trig := d.Check(t0.Add(interval+time.Minute), false, interval); trig != nil {
		t.Errorf("expected no trigger 1m after the last one, got %+v", trig)
	}
}

func TestHeartbeatResetsInterval(t *testing.T) {
	d := NewDetector(debounce, t0)
	interval := 5 * time.Minute

	d.Check(t0.Add(4*time.Minute), true, interval)
	if trig := d.Check(t0.Add(6*time.Minute), false, interval); trig != nil {
		t.Errorf("interval should count from the heartbeat, got %+v", trig)
	}
	if trig := d.Check(t0.Add(9*time.Minute), false, interval); trig == nil {
		t.Error("expected interval trigger 5m after the heartbeat")
	}
}

func TestCheckIntervalDisabled(t *testing.T) {
	d := NewDetector(debounce, t0)

	if trig := d.Check(t0.Add(24*time.Hour), false, 0); trig != nil {
		t.Errorf("interval 0 should disable fallback, got %+v", trig)
	}
}
