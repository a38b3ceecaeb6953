// Package aps contains the domain types shared by the control loop.
// This package has NO external dependencies. Time is always passed in.
package aps

import "time"

// TempKind describes how a temp basal rate is expressed.
type TempKind string

const (
	TempAbsolute TempKind = "absolute"
)

// TempBasal is a time-bounded override of the scheduled basal rate.
// It represents both a requested temp basal and the one currently running.
type TempBasal struct {
	Rate      float64   `json:"rate"`     // U/h
	Duration  int       `json:"duration"` // minutes
	Kind      TempKind  `json:"temp"`
	Timestamp time.Time `json:"timestamp"`
}

// EndTime returns when the temp basal expires.
func (t TempBasal) EndTime() time.Time {
	return t.Timestamp.Add(time.Duration(t.Duration) * time.Minute)
}

// Suggestion is a dosing recommendation produced by one pipeline run.
// Nil pointer fields mean "no action of that type".
type Suggestion struct {
	ID        string     `json:"id"`
	Rate      *float64   `json:"rate,omitempty"`
	Duration  *int       `json:"duration,omitempty"`
	Units     *float64   `json:"units,omitempty"`
	DeliverAt *time.Time `json:"deliverAt,omitempty"`
	TDD       *float64   `json:"tdd,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// HasTempBasal reports whether the suggestion carries a rate and a duration.
func (s Suggestion) HasTempBasal() bool {
	return s.Rate != nil && s.Duration != nil
}

// HasBolus reports whether the suggestion carries bolus units.
func (s Suggestion) HasBolus() bool {
	return s.Units != nil
}

// Enacted is a suggestion as reported after an enactment attempt.
type Enacted struct {
	Suggestion
	EnactedAt time.Time `json:"enactedAt"`
	Received  bool      `json:"received"`
}

// CarbEntry is a carbohydrate intake record.
type CarbEntry struct {
	ID    string    `json:"id"`
	Carbs float64   `json:"carbs"` // grams
	Date  time.Time `json:"date"`
}

// LoopState is a point-in-time view of the scheduler.
// It is a value type.
type LoopState struct {
	IsLooping       bool
	LastLoopDate    time.Time
	LastError       error
	ManualTempBasal bool
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Time returns a pointer to v.
func Time(v time.Time) *time.Time { return &v }
