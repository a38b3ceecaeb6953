package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/aps-controller/internal/aps"
)

// Fake returns scripted results and records what it was asked.
// A nil scripted result makes the matching call fail.
type Fake struct {
	mu sync.Mutex

	Profile     *Profile
	Sensitivity *Sensitivity
	Tune        *Autotune
	Suggestion  *aps.Suggestion

	calls        map[string]int
	lastTemp     aps.TempBasal
	lastClock    time.Time
	lastUseTuned bool
}

// NewFake creates a Fake that succeeds with neutral results and suggests
// nothing until Suggestion is set.
func NewFake() *Fake {
	return &Fake{
		Profile:     &Profile{CurrentBasal: 1, MaxBasal: 3, MaxIOB: 5, Sensitivity: 50, CarbRatio: 10},
		Sensitivity: &Sensitivity{Ratio: 1},
		Tune:        &Autotune{Basal: 1, Sensitivity: 50, CarbRatio: 10},
		calls:       make(map[string]int),
	}
}

// SetSuggestion replaces the scripted suggestion.
func (f *Fake) SetSuggestion(s *aps.Suggestion) {
	f.mu.Lock()
	f.Suggestion = s
	f.mu.Unlock()
}

// Calls returns how often method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// LastDetermine returns the arguments of the most recent Determine call.
func (f *Fake) LastDetermine() (aps.TempBasal, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTemp, f.lastClock
}

// LastUseAutotune returns the flag passed to the most recent BuildProfiles.
func (f *Fake) LastUseAutotune() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUseTuned
}

// BuildProfiles implements Engine.
func (f *Fake) BuildProfiles(_ context.Context, useAutotune bool) *Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["build_profiles"]++
	f.lastUseTuned = useAutotune
	if f.Profile == nil {
		return nil
	}
	p := *f.Profile
	p.Autotuned = useAutotune
	return &p
}

// RecomputeSensitivity implements Engine.
func (f *Fake) RecomputeSensitivity(_ context.Context) *Sensitivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["recompute_sensitivity"]++
	if f.Sensitivity == nil {
		return nil
	}
	s := *f.Sensitivity
	return &s
}

// Autotune implements Engine.
func (f *Fake) Autotune(_ context.Context) *Autotune {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["autotune"]++
	if f.Tune == nil {
		return nil
	}
	a := *f.Tune
	return &a
}

// Determine implements Engine. The scripted suggestion is stamped with
// clock when it carries no timestamp.
func (f *Fake) Determine(_ context.Context, currentTemp aps.TempBasal, clock time.Time) *aps.Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["determine"]++
	f.lastTemp = currentTemp
	f.lastClock = clock
	if f.Suggestion == nil {
		return nil
	}
	s := *f.Suggestion
	if s.Timestamp.IsZero() {
		s.Timestamp = clock
	}
	return &s
}

// Verify interface compliance
var _ Engine = (*Fake)(nil)
