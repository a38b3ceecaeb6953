package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/aps-controller/internal/storage"
	"github.com/sweeney/aps-controller/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.False(t, s.ClosedLoop)
	assert.Equal(t, 0.65, s.WeightPercentage)
	assert.Equal(t, "23:41", s.DailyStatsCutoff)
	assert.NoError(t, s.Validate())

	h, m, err := s.Cutoff()
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 41, m)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"negative max bolus", func(s *Settings) { s.MaxBolus = -1 }},
		{"weight above one", func(s *Settings) { s.WeightPercentage = 1.5 }},
		{"weight below zero", func(s *Settings) { s.WeightPercentage = -0.1 }},
		{"bad cutoff", func(s *Settings) { s.DailyStatsCutoff = "25:99" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoadSettingsDefaultsOnFirstAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := LoadSettings(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), v.Get())

	// Nothing is written until the first update.
	_, err = store.Get(ctx, storage.KeySettings)
	assert.True(t, storage.IsNotFound(err))
}

func TestUpdateWritesThrough(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := LoadSettings(ctx, store)
	require.NoError(t, err)
	require.NoError(t, v.Update(ctx, func(s *Settings) { s.ClosedLoop = true }))
	assert.True(t, v.Get().ClosedLoop)

	reloaded, err := LoadSettings(ctx, store)
	require.NoError(t, err)
	assert.True(t, reloaded.Get().ClosedLoop)
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := DefaultSettings()
	bad.WeightPercentage = 3
	require.NoError(t, storage.Save(ctx, store, storage.KeySettings, bad))

	_, err := LoadSettings(ctx, store)
	assert.Error(t, err)
}

func TestLoopStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	v, err := LoadLoopState(ctx, store)
	require.NoError(t, err)
	assert.True(t, v.Get().LastAutotune.IsZero())

	require.NoError(t, v.Update(ctx, func(s *LoopState) {
		s.LastAutotune = day
		s.ManualTempBasal = true
	}))

	reloaded, err := LoadLoopState(ctx, store)
	require.NoError(t, err)
	assert.True(t, reloaded.Get().LastAutotune.Equal(day))
	assert.True(t, reloaded.Get().ManualTempBasal)
}
