package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/glucose"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/metrics"
	"github.com/sweeney/aps-controller/internal/storage"
)

// BuildInfo identifies the running binary in daily records.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// DailyRecord is the once-a-day summary.
type DailyRecord struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"createdAt"`
	Build            BuildInfo `json:"build"`
	Algorithm        string    `json:"algorithm"`
	AdjustmentFactor float64   `json:"adjustmentFactor"`
	Pump             string    `json:"pump"`
	CGM              string    `json:"cgm"`
	TDD              float64   `json:"TDD"`
	Carbs24h         float64   `json:"carbs_24h"`
	Hypo             float64   `json:"hypos"`
	Hyper            float64   `json:"hypers"`
	TIR              float64   `json:"TIR"`
	AverageGlucose   float64   `json:"averageGlucose"`
	HbA1c            string    `json:"HbA1c"`
}

// DailyRecorder writes the daily summary record.
type DailyRecorder struct {
	store    storage.Store
	settings SettingsSource
	build    BuildInfo
	loc      *time.Location
	logger   logr.Logger
}

// NewDailyRecorder creates a DailyRecorder. Days and the cutoff are
// evaluated in loc.
func NewDailyRecorder(store storage.Store, settings SettingsSource, build BuildInfo, loc *time.Location, logger logr.Logger) *DailyRecorder {
	if loc == nil {
		loc = time.Local
	}
	return &DailyRecorder{
		store:    store,
		settings: settings,
		build:    build,
		loc:      loc,
		logger:   logger.WithName("daily-stats"),
	}
}

// Record writes today's summary if now is at or after the cutoff and no
// record exists for today yet. It returns nil when nothing was written.
func (d *DailyRecorder) Record(ctx context.Context, now time.Time) (*DailyRecord, error) {
	settings := d.settings.Get()
	hour, minute, err := settings.Cutoff()
	if err != nil {
		return nil, err
	}

	local := now.In(d.loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, d.loc)
	if local.Before(cutoff) {
		return nil, nil
	}

	var rec *DailyRecord
	err = d.store.Update(ctx, func(tx storage.Store) error {
		archive, err := storage.Records[DailyRecord](ctx, tx, storage.KeyDailyStats)
		if err != nil {
			return err
		}
		if n := len(archive); n > 0 && sameDay(archive[n-1].CreatedAt.In(d.loc), local) {
			return nil
		}

		r, err := d.compose(ctx, tx, settings, archive, now)
		if err != nil {
			return err
		}
		if _, err := storage.AppendRecord(ctx, tx, storage.KeyDailyStats, r.ID, r.CreatedAt, r); err != nil {
			return err
		}
		if _, err := storage.AppendRecord(ctx, tx, storage.KeyDailyStatsRecent, r.ID, r.CreatedAt, r); err != nil {
			return err
		}
		if _, err := tx.Prune(ctx, storage.KeyDailyStatsRecent, now.Add(-24*time.Hour)); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record daily stats: %w", err)
	}
	if rec != nil {
		metrics.RecordGlucoseRanges(rec.Hypo, rec.TIR, rec.Hyper)
		d.logger.Info("Daily statistics recorded", "tir", rec.TIR, "averageGlucose", rec.AverageGlucose, "hba1c", rec.HbA1c)
	} else {
		d.logger.V(logging.TRACE).Info("Daily statistics already recorded today")
	}
	return rec, nil
}

func (d *DailyRecorder) compose(ctx context.Context, tx storage.Store, settings config.Settings, archive []DailyRecord, now time.Time) (DailyRecord, error) {
	samples, err := storage.Records[glucose.Sample](ctx, tx, storage.KeyGlucose)
	if err != nil {
		return DailyRecord{}, err
	}
	carbs, err := storage.Records[aps.CarbEntry](ctx, tx, storage.KeyCarbs)
	if err != nil {
		return DailyRecord{}, err
	}
	tdd, err := storage.Records[TDDSample](ctx, tx, storage.KeyTDD)
	if err != nil {
		return DailyRecord{}, err
	}

	tir := Estimate(samples)

	daily := make([]float64, 0, len(archive)+1)
	for _, r := range archive {
		daily = append(daily, r.AverageGlucose)
	}
	daily = append(daily, tir.AverageGlucose)

	rec := DailyRecord{
		ID:               uuid.NewString(),
		CreatedAt:        now,
		Build:            d.build,
		Algorithm:        AlgorithmLabel(settings),
		AdjustmentFactor: settings.AdjustmentFactor,
		Pump:             settings.PumpModel,
		CGM:              settings.CGM,
		Carbs24h:         CarbsSince(carbs, now.Add(-24*time.Hour)),
		Hypo:             tir.Hypo,
		Hyper:            tir.Hyper,
		TIR:              tir.TIR,
		AverageGlucose:   tir.AverageGlucose,
		HbA1c:            FormatHbA1c(tir.AverageGlucose, rollups(daily)),
	}
	if n := len(tdd); n > 0 {
		rec.TDD = tdd[n-1].Value
	}
	return rec, nil
}

// Latest returns the newest record of the working set.
func (d *DailyRecorder) Latest(ctx context.Context) (DailyRecord, bool, error) {
	recs, err := storage.Records[DailyRecord](ctx, d.store, storage.KeyDailyStatsRecent)
	if err != nil || len(recs) == 0 {
		return DailyRecord{}, false, err
	}
	return recs[len(recs)-1], true, nil
}

// AlgorithmLabel names the dosing algorithm configured in settings.
func AlgorithmLabel(s config.Settings) string {
	switch {
	case s.DynamicISF && s.SigmoidISF:
		return "Dynamic ISF, Sigmoid Function"
	case s.DynamicISF:
		return "Dynamic ISF, Logarithmic Formula"
	case s.EnableSMB:
		return "Oref1"
	default:
		return "Oref0"
	}
}

// CarbsSince sums positive carb entries dated after since.
func CarbsSince(entries []aps.CarbEntry, since time.Time) float64 {
	var total float64
	for _, e := range entries {
		if e.Carbs > 0 && e.Date.After(since) {
			total += e.Carbs
		}
	}
	return total
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
