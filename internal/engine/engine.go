// Package engine defines the recommendation engine boundary: profile
// building, sensitivity detection, autotune and basal determination.
// Every operation returns nil when the engine cannot produce a result.
package engine

import (
	"context"
	"time"

	"github.com/sweeney/aps-controller/internal/aps"
)

// Profile is the therapy profile the engine prepared for this run.
type Profile struct {
	CurrentBasal float64   `json:"current_basal"` // U/h
	MaxBasal     float64   `json:"max_basal"`     // U/h
	MaxIOB       float64   `json:"max_iob"`       // U
	Sensitivity  float64   `json:"sens"`          // mg/dL per U
	CarbRatio    float64   `json:"carb_ratio"`    // g per U
	Autotuned    bool      `json:"autotuned"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sensitivity is the autosens ratio applied to basal and ISF.
type Sensitivity struct {
	Ratio     float64   `json:"ratio"`
	Timestamp time.Time `json:"timestamp"`
}

// Autotune is the tuned profile adjustment.
type Autotune struct {
	Basal       float64   `json:"basal"`
	Sensitivity float64   `json:"sens"`
	CarbRatio   float64   `json:"carb_ratio"`
	CreatedAt   time.Time `json:"created_at"`
}

// Engine computes recommendations.
type Engine interface {
	BuildProfiles(ctx context.Context, useAutotune bool) *Profile
	RecomputeSensitivity(ctx context.Context) *Sensitivity
	Autotune(ctx context.Context) *Autotune
	// Determine runs the dosing algorithm against currentTemp at clock.
	Determine(ctx context.Context, currentTemp aps.TempBasal, clock time.Time) *aps.Suggestion
}
