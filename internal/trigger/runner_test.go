package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/gpio"
)

type countingLooper struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLooper) TriggerLoop(context.Context) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
}

func (l *countingLooper) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// runTicks runs r over the given tick times and waits for it to stop.
func runTicks(t *testing.T, r *Runner, clk *testClock, times []time.Time) {
	t.Helper()
	tick := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, tick) }()

	for _, at := range times {
		clk.Set(at)
		tick <- at
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunnerHeartbeatTriggersLoop(t *testing.T) {
	clk := &testClock{t: t0}
	looper := &countingLooper{}
	var got []Trigger
	r := NewRunner(Config{
		// baseline low, then one pulse
		Reader:   gpio.NewFakeReader(false, false, true, true, false, false),
		Looper:   looper,
		Debounce: debounce,
		Logger:   logr.Discard(),
		Now:      clk.Now,
		OnTrigger: func(tr Trigger, _ Counts) {
			got = append(got, tr)
		},
	})

	runTicks(t, r, clk, []time.Time{ms(0), ms(250), ms(500), ms(750), ms(1000), ms(1250)})

	if n := looper.Calls(); n != 1 {
		t.Errorf("loop triggers: got %d, want 1", n)
	}
	if len(got) != 1 || got[0].Reason != ReasonHeartbeat || !got[0].Time.Equal(ms(750)) {
		t.Errorf("unexpected triggers: %+v", got)
	}
}

func TestRunnerIntervalWithoutReader(t *testing.T) {
	clk := &testClock{t: t0}
	looper := &countingLooper{}
	var counts Counts
	r := NewRunner(Config{
		Looper:    looper,
		Interval:  5 * time.Minute,
		Logger:    logr.Discard(),
		Now:       clk.Now,
		OnTrigger: func(_ Trigger, c Counts) { counts = c },
	})

	runTicks(t, r, clk, []time.Time{
		t0.Add(time.Minute),
		t0.Add(5 * time.Minute),
		t0.Add(7 * time.Minute),
		t0.Add(10 * time.Minute),
	})

	if n := looper.Calls(); n != 2 {
		t.Errorf("loop triggers: got %d, want 2", n)
	}
	if counts.Interval != 2 || counts.Heartbeat != 0 {
		t.Errorf("counts: got %+v", counts)
	}
}

func TestRunnerReadErrorFallsBackToInterval(t *testing.T) {
	clk := &testClock{t: t0}
	looper := &countingLooper{}
	reader := gpio.NewFakeReader(true)
	reader.ReadError = errors.New("hardware failure")
	r := NewRunner(Config{
		Reader:   reader,
		Looper:   looper,
		Interval: time.Minute,
		Logger:   logr.Discard(),
		Now:      clk.Now,
	})

	runTicks(t, r, clk, []time.Time{t0.Add(30 * time.Second), t0.Add(time.Minute)})

	if n := looper.Calls(); n != 1 {
		t.Errorf("loop triggers: got %d, want 1", n)
	}
}
