package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/engine"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/pump"
	"github.com/sweeney/aps-controller/internal/stats"
	"github.com/sweeney/aps-controller/internal/storage"
)

// blockingEngine holds BuildProfiles until release is closed.
type blockingEngine struct {
	*engine.Fake
	started chan struct{}
	release chan struct{}
}

func (b *blockingEngine) BuildProfiles(ctx context.Context, useAutotune bool) *engine.Profile {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return b.Fake.BuildProfiles(ctx, useAutotune)
}

func TestTriggerLoopSingleFlight(t *testing.T) {
	eng := &blockingEngine{
		Fake:    engine.NewFake(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	eng.SetSuggestion(&aps.Suggestion{Rate: aps.Float(1), Duration: aps.Int(30)})
	h := newHarness(t, withEngine(eng))
	h.seedGlucose(t)

	h.m.TriggerLoop(context.Background())
	select {
	case <-eng.started:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not start")
	}
	assert.True(t, h.m.State().IsLooping)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.m.TriggerLoop(context.Background())
		}()
	}
	wg.Wait()

	close(eng.release)
	h.barrier(t)

	assert.Equal(t, 1, eng.Calls("determine"))
	assert.False(t, h.m.State().IsLooping)

	// A trigger after completion runs again.
	h.runLoop(t)
	assert.Equal(t, 2, eng.Calls("determine"))
}

func TestLoopOpenLoopDoesNotEnact(t *testing.T) {
	h := newHarness(t)
	h.seedGlucose(t)
	h.engine.SetSuggestion(&aps.Suggestion{Rate: aps.Float(1.5), Duration: aps.Int(30)})

	h.runLoop(t)

	state := h.m.State()
	assert.NoError(t, state.LastError)
	assert.True(t, state.LastLoopDate.Equal(start))
	assert.Empty(t, h.pump.Commands())

	_, ok, err := storage.Load[aps.Suggestion](context.Background(), h.store, storage.KeySuggested)
	require.NoError(t, err)
	assert.True(t, ok)

	// Open loop reports nothing as enacted.
	_, ok, err = storage.Load[aps.Enacted](context.Background(), h.store, storage.KeyEnacted)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []events.Kind{events.KindBasalProfile, events.KindSuggestion, events.KindLoopCompleted}, h.events.Kinds())
}

func TestLoopClosedLoopEnactsAndReports(t *testing.T) {
	h := newHarness(t)
	h.seedGlucose(t)
	h.setSettings(t, func(s *config.Settings) { s.ClosedLoop = true })
	h.engine.SetSuggestion(&aps.Suggestion{
		ID:        "s1",
		Rate:      aps.Float(1.2),
		Duration:  aps.Int(30),
		Units:     aps.Float(0.3),
		DeliverAt: aps.Time(start),
		TDD:       aps.Float(24),
	})

	h.runLoop(t)
	ctx := context.Background()

	require.NoError(t, h.m.State().LastError)
	assert.Equal(t, []pump.Command{
		{Name: pump.CmdTempBasal, Amount: 1.2, Minutes: 30},
		{Name: pump.CmdBolus, Amount: 0.3, Automatic: true},
	}, h.pump.Commands())

	temp, ok, err := storage.Load[aps.TempBasal](ctx, h.store, storage.KeyTempBasal)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.2, temp.Rate)
	assert.Equal(t, 30, temp.Duration)

	enacted, ok, err := storage.Load[aps.Enacted](ctx, h.store, storage.KeyEnacted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, enacted.Received)
	assert.Equal(t, "s1", enacted.ID)

	avg, ok, err := storage.Load[stats.TDDAverages](ctx, h.store, storage.KeyTDDAverages)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 24.0, avg.Average14Day)

	progress, tracking := h.m.BolusProgress()
	assert.True(t, tracking)
	assert.Zero(t, progress)

	assert.Contains(t, h.events.Kinds(), events.KindEnacted)
}

func TestLoopFailureRecordedAndReported(t *testing.T) {
	h := newHarness(t)
	h.seedGlucose(t)
	h.setSettings(t, func(s *config.Settings) { s.ClosedLoop = true })
	h.engine.SetSuggestion(&aps.Suggestion{ID: "s1", Rate: aps.Float(1), Duration: aps.Int(30), DeliverAt: aps.Time(start)})
	h.pump.SetStatus(pump.Status{DeliveryType: pump.DeliveryNormal, Reservoir: -1})

	h.runLoop(t)

	state := h.m.State()
	requireKind(t, state.LastError, aps.InvalidDeviceState, aps.MsgReservoirEmpty)
	assert.True(t, state.LastLoopDate.IsZero())
	assert.Empty(t, h.pump.Commands())

	enacted, ok, err := storage.Load[aps.Enacted](context.Background(), h.store, storage.KeyEnacted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, enacted.Received)

	assert.Contains(t, h.events.Kinds(), events.KindError)
	assert.Contains(t, h.events.Kinds(), events.KindLoopCompleted)
}

func TestLoopNoSuggestionIsRecommendationError(t *testing.T) {
	h := newHarness(t)
	h.seedGlucose(t)

	h.runLoop(t)

	requireKind(t, h.m.State().LastError, aps.RecommendationError, aps.MsgDetermineFailed)
}

func TestLoopEmptyStageNamedInError(t *testing.T) {
	tests := []struct {
		stage string
		setup func(h *harness)
	}{
		{StageProfile, func(h *harness) { h.engine.Profile = nil }},
		{StageSensitivity, func(h *harness) { h.engine.Sensitivity = nil }},
		{StageAutotune, func(h *harness) {
			h.engine.Tune = nil
			h.setSettings(t, func(s *config.Settings) { s.UseAutotune = true })
		}},
		{StageSuggestion, func(h *harness) { h.engine.SetSuggestion(nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			h := newHarness(t)
			h.seedGlucose(t)
			h.setSettings(t, func(s *config.Settings) { s.ClosedLoop = true })
			h.engine.SetSuggestion(&aps.Suggestion{Rate: aps.Float(1), Duration: aps.Int(30)})
			tt.setup(h)

			h.runLoop(t)

			err := h.m.State().LastError
			requireKind(t, err, aps.RecommendationError, aps.MsgDetermineFailed)
			var empty EmptyResult
			require.ErrorAs(t, err, &empty)
			assert.Equal(t, tt.stage, empty.Stage)
			assert.Contains(t, err.Error(), "engine produced no "+tt.stage)
			assert.Empty(t, h.pump.Commands())
		})
	}
}

func TestLoopSuccessClearsLastError(t *testing.T) {
	h := newHarness(t)
	h.runLoop(t)
	require.Error(t, h.m.State().LastError)

	h.seedGlucose(t)
	h.engine.SetSuggestion(&aps.Suggestion{Rate: aps.Float(1), Duration: aps.Int(30)})
	h.runLoop(t)

	assert.NoError(t, h.m.State().LastError)
}

func TestLoopRecordsDailyStats(t *testing.T) {
	h := newHarness(t)
	h.seedGlucose(t)
	h.engine.SetSuggestion(&aps.Suggestion{Rate: aps.Float(1), Duration: aps.Int(30)})
	h.m.daily = stats.NewDailyRecorder(h.store, h.settings, stats.BuildInfo{}, time.UTC, h.m.logger)

	h.runLoop(t)
	_, ok, err := h.m.daily.Latest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "before cutoff")

	h.clock.Advance(11*time.Hour + 45*time.Minute) // 23:45
	h.seedGlucose(t)
	h.runLoop(t)
	h.runLoop(t)

	archive, err := storage.Records[stats.DailyRecord](context.Background(), h.store, storage.KeyDailyStats)
	require.NoError(t, err)
	assert.Len(t, archive, 1)
}
