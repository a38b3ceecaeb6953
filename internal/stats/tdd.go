// Package stats maintains the longitudinal statistics of the loop: total
// daily dose averages, daily summary records and time-in-range estimates.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/metrics"
	"github.com/sweeney/aps-controller/internal/storage"
)

// Averaging windows for total daily dose.
const (
	LongWindow  = 14 * 24 * time.Hour
	ShortWindow = 2 * time.Hour
)

// TDDSample is one total daily dose estimate reported by the engine.
type TDDSample struct {
	ID        string    `json:"id"`
	Value     float64   `json:"tdd"`
	Timestamp time.Time `json:"timestamp"`
}

// TDDAverages are derived from the sample log on every new sample.
type TDDAverages struct {
	Average14Day    float64   `json:"average_14"`
	WeightedAverage float64   `json:"weightedAverage"`
	Average2Hour    float64   `json:"average_2h"`
	Timestamp       time.Time `json:"date"`
}

// SettingsSource provides the current therapy settings.
type SettingsSource interface {
	Get() config.Settings
}

// TDDTracker keeps the rolling sample log and its averages.
type TDDTracker struct {
	store    storage.Store
	settings SettingsSource
	logger   logr.Logger
}

// NewTDDTracker creates a TDDTracker.
func NewTDDTracker(store storage.Store, settings SettingsSource, logger logr.Logger) *TDDTracker {
	return &TDDTracker{store: store, settings: settings, logger: logger.WithName("tdd")}
}

// Record adds a new sample of value taken at now.
func (t *TDDTracker) Record(ctx context.Context, value float64, now time.Time) (TDDAverages, error) {
	return t.Add(ctx, TDDSample{ID: uuid.NewString(), Value: value, Timestamp: now}, now)
}

// Add appends sample unless its id is already logged, prunes the log to the
// 14-day window and recomputes the averages. The log and the averages are
// written in one transaction.
func (t *TDDTracker) Add(ctx context.Context, sample TDDSample, now time.Time) (TDDAverages, error) {
	weight := t.settings.Get().WeightPercentage

	var avg TDDAverages
	err := t.store.Update(ctx, func(tx storage.Store) error {
		added, err := storage.AppendRecord(ctx, tx, storage.KeyTDD, sample.ID, sample.Timestamp, sample)
		if err != nil {
			return err
		}
		if !added {
			t.logger.V(logging.DEBUG).Info("Duplicate TDD sample ignored", "id", sample.ID)
		}
		if _, err := tx.Prune(ctx, storage.KeyTDD, now.Add(-LongWindow)); err != nil {
			return err
		}
		samples, err := storage.Records[TDDSample](ctx, tx, storage.KeyTDD)
		if err != nil {
			return err
		}
		avg = ComputeAverages(samples, weight, now)
		return storage.Save(ctx, tx, storage.KeyTDDAverages, avg)
	})
	if err != nil {
		return TDDAverages{}, fmt.Errorf("record tdd: %w", err)
	}

	metrics.RecordTDD(avg.Average14Day, avg.Average2Hour, avg.WeightedAverage)
	t.logger.V(logging.VERBOSE).Info("TDD averages updated",
		"average14d", avg.Average14Day, "average2h", avg.Average2Hour, "weighted", avg.WeightedAverage)
	return avg, nil
}

// Averages returns the last computed averages.
func (t *TDDTracker) Averages(ctx context.Context) (TDDAverages, bool, error) {
	return storage.Load[TDDAverages](ctx, t.store, storage.KeyTDDAverages)
}

// Latest returns the newest sample in the log.
func (t *TDDTracker) Latest(ctx context.Context) (TDDSample, bool, error) {
	samples, err := storage.Records[TDDSample](ctx, t.store, storage.KeyTDD)
	if err != nil || len(samples) == 0 {
		return TDDSample{}, false, err
	}
	return samples[len(samples)-1], true, nil
}

// ComputeAverages averages the positive samples strictly inside each window
// ending at now and blends them with weight applied to the 2-hour average.
func ComputeAverages(samples []TDDSample, weight float64, now time.Time) TDDAverages {
	long := windowAverage(samples, now.Add(-LongWindow))
	short := windowAverage(samples, now.Add(-ShortWindow))
	return TDDAverages{
		Average14Day:    long,
		Average2Hour:    short,
		WeightedAverage: weight*short + (1-weight)*long,
		Timestamp:       now,
	}
}

func windowAverage(samples []TDDSample, start time.Time) float64 {
	var sum float64
	var n int
	for _, s := range samples {
		if s.Value > 0 && s.Timestamp.After(start) {
			sum += s.Value
			n++
		}
	}
	return sum / float64(max(n, 1))
}
