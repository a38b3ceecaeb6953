// Package config holds therapy settings and loop state persisted in the store.
// Values are loaded once at startup, falling back to defaults, and written
// through on every mutation.
package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/aps-controller/internal/storage"
)

// Settings contains the user-facing therapy and loop settings.
type Settings struct {
	ClosedLoop        bool    `json:"closedLoop"`
	UseAutotune       bool    `json:"useAutotune"`
	UnsuspendIfNoTemp bool    `json:"unsuspendIfNoTemp"`
	MaxBolus          float64 `json:"maxBolus"` // units
	// WeightPercentage blends the 2-hour TDD average into the weighted average.
	WeightPercentage float64 `json:"weightPercentage"`

	// Algorithm flags, reported in daily statistics.
	EnableSMB        bool    `json:"enableSMB"`
	DynamicISF       bool    `json:"useNewFormula"`
	SigmoidISF       bool    `json:"sigmoid"`
	AdjustmentFactor float64 `json:"adjustmentFactor"`

	// Device identifiers, reported in daily statistics.
	PumpModel string `json:"pumpModel"`
	CGM       string `json:"cgm"`

	// DailyStatsCutoff is the local time of day after which the daily
	// statistics record may be written, as "15:04".
	DailyStatsCutoff string `json:"dailyStatsCutoff"`
}

// DefaultSettings returns the settings used on first start.
func DefaultSettings() Settings {
	return Settings{
		ClosedLoop:        false,
		UseAutotune:       false,
		UnsuspendIfNoTemp: false,
		MaxBolus:          10,
		WeightPercentage:  0.65,
		AdjustmentFactor:  0.5,
		PumpModel:         "unknown",
		CGM:               "unknown",
		DailyStatsCutoff:  "23:41",
	}
}

// Cutoff parses DailyStatsCutoff into hour and minute.
func (s Settings) Cutoff() (hour, minute int, err error) {
	t, err := time.Parse("15:04", s.DailyStatsCutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("parse daily stats cutoff %q: %w", s.DailyStatsCutoff, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks settings ranges.
func (s Settings) Validate() error {
	if s.MaxBolus < 0 {
		return fmt.Errorf("maxBolus must be >= 0, got %v", s.MaxBolus)
	}
	if s.WeightPercentage < 0 || s.WeightPercentage > 1 {
		return fmt.Errorf("weightPercentage must be in [0,1], got %v", s.WeightPercentage)
	}
	if _, _, err := s.Cutoff(); err != nil {
		return err
	}
	return nil
}

// LoopState holds loop bookkeeping that survives restarts.
type LoopState struct {
	LastAutotune    time.Time `json:"lastAutotuneDate"`
	ManualTempBasal bool      `json:"isManualTempBasal"`
}

// Value is a persisted value with a default. It is safe for concurrent use.
type Value[T any] struct {
	mu    sync.RWMutex
	store storage.Store
	key   string
	v     T
}

// Load reads key from the store, using def when nothing is stored yet.
// The default is not written until the first Update.
func Load[T any](ctx context.Context, store storage.Store, key string, def T) (*Value[T], error) {
	v, ok, err := storage.Load[T](ctx, store, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		v = def
	}
	return &Value[T]{store: store, key: key, v: v}, nil
}

// Get returns a copy of the current value.
func (p *Value[T]) Get() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v
}

// Update applies fn to a copy of the value and writes it through.
// The in-memory value only changes if the write succeeds.
func (p *Value[T]) Update(ctx context.Context, fn func(*T)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.v
	fn(&next)
	if err := storage.Save(ctx, p.store, p.key, next); err != nil {
		return fmt.Errorf("save %s: %w", p.key, err)
	}
	p.v = next
	return nil
}

// LoadSettings loads therapy settings.
func LoadSettings(ctx context.Context, store storage.Store) (*Value[Settings], error) {
	v, err := Load(ctx, store, storage.KeySettings, DefaultSettings())
	if err != nil {
		return nil, err
	}
	if err := v.Get().Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return v, nil
}

// LoadLoopState loads loop bookkeeping.
func LoadLoopState(ctx context.Context, store storage.Store) (*Value[LoopState], error) {
	return Load(ctx, store, storage.KeyLoopState, LoopState{})
}
