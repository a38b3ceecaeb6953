// Package status provides a thread-safe status tracker for the controller
// daemon. It is read by the HTTP handlers and the MQTT lifecycle messages.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/stats"
	"github.com/sweeney/aps-controller/internal/trigger"
)

// NetworkInfo contains network state.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	IntervalMs   int64
	DebounceMs   int64
	GPIOPollMs   int64
	HeartbeatPin int // 0 = heartbeat line disabled
	Broker       string
	HTTPAddr     string
	DBPath       string
	Simulated    bool
	Version      string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Loop          aps.LoopState
	Settings      config.Settings
	Suggestion    *aps.Suggestion
	Enacted       *aps.Enacted
	TDD           *stats.TDDAverages
	Daily         *stats.DailyRecord
	BolusProgress *float64
	LastTrigger   *trigger.Trigger
	Triggers      trigger.Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used for Snapshot.Now.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Observe updates the tracker from a loop event. Register it with
// events.Bus.Subscribe.
func (t *Tracker) Observe(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch p := e.Payload.(type) {
	case aps.Suggestion:
		t.snap.Suggestion = &p
	case aps.Enacted:
		t.snap.Enacted = &p
	case aps.LoopState:
		t.snap.Loop = p
	}
}

// SetLoop sets the loop state, settings and bolus progress.
func (t *Tracker) SetLoop(state aps.LoopState, settings config.Settings, progress *float64) {
	t.mu.Lock()
	t.snap.Loop = state
	t.snap.Settings = settings
	t.snap.BolusProgress = progress
	t.mu.Unlock()
}

// RecordTrigger records a loop wake-up.
func (t *Tracker) RecordTrigger(tr trigger.Trigger, counts trigger.Counts) {
	t.mu.Lock()
	t.snap.LastTrigger = &tr
	t.snap.Triggers = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// TDDSource provides the current TDD averages.
type TDDSource interface {
	Averages(ctx context.Context) (stats.TDDAverages, bool, error)
}

// DailySource provides the latest daily statistics record.
type DailySource interface {
	Latest(ctx context.Context) (stats.DailyRecord, bool, error)
}

// RefreshStats reloads TDD averages and the latest daily record.
func (t *Tracker) RefreshStats(ctx context.Context, tdd TDDSource, daily DailySource) error {
	var (
		avg *stats.TDDAverages
		rec *stats.DailyRecord
	)
	if tdd != nil {
		a, ok, err := tdd.Averages(ctx)
		if err != nil {
			return fmt.Errorf("load tdd averages: %w", err)
		}
		if ok {
			avg = &a
		}
	}
	if daily != nil {
		r, ok, err := daily.Latest(ctx)
		if err != nil {
			return fmt.Errorf("load daily stats: %w", err)
		}
		if ok {
			rec = &r
		}
	}

	t.mu.Lock()
	if avg != nil {
		t.snap.TDD = avg
	}
	if rec != nil {
		t.snap.Daily = rec
	}
	t.mu.Unlock()
	return nil
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	now := t.now
	t.mu.RUnlock()
	s.Now = now()
	return s
}
