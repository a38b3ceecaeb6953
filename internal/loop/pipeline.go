package loop

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/engine"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/glucose"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/pump"
	"github.com/sweeney/aps-controller/internal/storage"
)

// Pipeline stages that can come back empty from the engine.
const (
	StageProfile     = "profile"
	StageSensitivity = "sensitivity"
	StageAutotune    = "autotune result"
	StageSuggestion  = "suggestion"
)

// EmptyResult reports the pipeline stage for which the engine returned
// nothing. The pipeline stops at that stage.
type EmptyResult struct {
	Stage string
}

func (e EmptyResult) Error() string {
	return "engine produced no " + e.Stage
}

// DetermineBasal runs the basal determination pipeline on the executor.
// It reports whether a new suggestion was produced and stored. An empty
// engine result is not an error here; it yields false.
func (m *Manager) DetermineBasal(ctx context.Context) (bool, error) {
	err := m.do(ctx, m.determineBasal)
	var empty EmptyResult
	if errors.As(err, &empty) {
		return false, nil
	}
	return err == nil, m.fail(err)
}

func (m *Manager) determineBasal(ctx context.Context) error {
	now := m.now()
	settings := m.settings.Get()

	samples, err := m.glucose.Recent(ctx, time.Time{})
	if err != nil {
		return aps.WrapSync("load glucose", err)
	}
	if len(samples) == 0 {
		return aps.NewError(aps.GlucoseError, aps.MsgNotEnoughGlucose)
	}
	if glucose.IsStale(samples[0], now) {
		return aps.NewError(aps.GlucoseError, aps.MsgGlucoseStale)
	}
	if m.flat.IsFlat(samples) {
		return aps.NewError(aps.GlucoseError, aps.MsgGlucoseFlat)
	}

	status, hasStatus := m.pumpStatus(ctx)
	currentTemp, err := m.currentTemp(ctx, status, hasStatus, now)
	if err != nil {
		return err
	}

	if currentTemp.Duration == 0 && settings.ClosedLoop && settings.UnsuspendIfNoTemp &&
		hasStatus && status.Suspended {
		m.logger.Info("Pump suspended with no temp basal, resuming")
		if err := m.pumpCommand(pump.CmdResume, func() error { return m.pump.Resume(ctx) }); err != nil {
			return err
		}
	}

	// a. profile
	profile := m.engine.BuildProfiles(ctx, settings.UseAutotune)
	if profile == nil {
		return m.empty(StageProfile)
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	if err := storage.Save(ctx, m.store, storage.KeyProfile, *profile); err != nil {
		return aps.WrapSync("save profile", err)
	}
	m.publish(events.KindBasalProfile, *profile)

	// b. autosens
	if err := m.refreshSensitivity(ctx, now); err != nil {
		return err
	}

	// c. autotune
	if settings.UseAutotune {
		if err := m.dailyAutotune(ctx, now); err != nil {
			return err
		}
	}

	// d. determine
	suggestion := m.engine.Determine(ctx, currentTemp, now)
	if suggestion == nil {
		return m.empty(StageSuggestion)
	}

	// e. store and announce
	if suggestion.ID == "" {
		suggestion.ID = uuid.NewString()
	}
	if suggestion.Timestamp.IsZero() {
		suggestion.Timestamp = now
	}
	if err := storage.Save(ctx, m.store, storage.KeySuggested, *suggestion); err != nil {
		return aps.WrapSync("save suggestion", err)
	}
	m.publish(events.KindSuggestion, *suggestion)
	m.logger.V(logging.VERBOSE).Info("New suggestion", "id", suggestion.ID, "reason", suggestion.Reason)
	return nil
}

// pumpStatus reads the pump. A failed read is logged and treated as no status.
func (m *Manager) pumpStatus(ctx context.Context) (pump.Status, bool) {
	if m.pump == nil {
		return pump.Status{}, false
	}
	s, err := m.pump.Status(ctx)
	if err != nil {
		m.logger.Error(err, "Failed to read pump status")
		return pump.Status{}, false
	}
	return s, true
}

// currentTemp derives the temp basal handed to the engine. A temp reported
// by the pump wins. Otherwise the last temp the loop set is aged by the
// time since it was set. A pump in normal delivery has no temp running.
func (m *Manager) currentTemp(ctx context.Context, status pump.Status, hasStatus bool, now time.Time) (aps.TempBasal, error) {
	if hasStatus && status.DeliveryType == pump.DeliveryTemp && status.ActiveTemp != nil {
		remaining := int(status.ActiveTemp.End.Sub(now) / time.Minute)
		return aps.TempBasal{
			Rate:      status.ActiveTemp.Rate,
			Duration:  max(remaining, 0),
			Kind:      aps.TempAbsolute,
			Timestamp: now,
		}, nil
	}

	last, ok, err := storage.Load[aps.TempBasal](ctx, m.store, storage.KeyTempBasal)
	if err != nil {
		return aps.TempBasal{}, aps.WrapSync("load temp basal", err)
	}
	temp := aps.TempBasal{Kind: aps.TempAbsolute, Timestamp: now}
	if ok {
		elapsed := int(now.Sub(last.Timestamp) / time.Minute)
		temp.Rate = last.Rate
		temp.Duration = max(last.Duration-elapsed, 0)
	}
	if hasStatus && status.DeliveryType == pump.DeliveryNormal {
		temp.Duration = 0
	}
	return temp, nil
}

// refreshSensitivity recomputes autosens when the stored value is too old.
func (m *Manager) refreshSensitivity(ctx context.Context, now time.Time) error {
	stored, ok, err := storage.Load[engine.Sensitivity](ctx, m.store, storage.KeySensitivity)
	if err != nil {
		return aps.WrapSync("load sensitivity", err)
	}
	if ok && now.Sub(stored.Timestamp) <= SensitivityMaxAge {
		return nil
	}

	s := m.engine.RecomputeSensitivity(ctx)
	if s == nil {
		return m.empty(StageSensitivity)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	if err := storage.Save(ctx, m.store, storage.KeySensitivity, *s); err != nil {
		return aps.WrapSync("save sensitivity", err)
	}
	m.logger.V(logging.DEBUG).Info("Sensitivity recomputed", "ratio", s.Ratio)
	return nil
}

// dailyAutotune runs autotune once per local calendar day.
func (m *Manager) dailyAutotune(ctx context.Context, now time.Time) error {
	last := m.loopState.Get().LastAutotune
	if !last.IsZero() && sameDay(last.In(now.Location()), now) {
		return nil
	}

	tuned := m.engine.Autotune(ctx)
	if tuned == nil {
		return m.empty(StageAutotune)
	}
	if tuned.CreatedAt.IsZero() {
		tuned.CreatedAt = now
	}
	if err := storage.Save(ctx, m.store, storage.KeyAutotune, *tuned); err != nil {
		return aps.WrapSync("save autotune", err)
	}
	if err := m.loopState.Update(ctx, func(s *config.LoopState) { s.LastAutotune = now }); err != nil {
		return aps.WrapSync("save autotune date", err)
	}
	m.logger.Info("Autotune completed")
	return nil
}

// empty logs and returns the EmptyResult for stage.
func (m *Manager) empty(stage string) error {
	m.logger.Info("Engine produced no result, pipeline stopped", "stage", stage)
	return EmptyResult{Stage: stage}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
