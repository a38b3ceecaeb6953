// Package glucose provides access to CGM samples and the freshness checks
// the loop applies before computing a recommendation.
package glucose

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sweeney/aps-controller/internal/storage"
)

// StaleAfter is how old the newest sample may be before the loop refuses to run.
const StaleAfter = 12 * time.Minute

// Retention is how long samples are kept in the store.
const Retention = 24 * time.Hour

// Sample is one CGM reading in mg/dL.
type Sample struct {
	ID        string    `json:"id"`
	Value     float64   `json:"glucose"`
	Date      time.Time `json:"date"`
	Direction string    `json:"direction,omitempty"`
}

// IsStale reports whether newest is too old to act on at now.
func IsStale(newest Sample, now time.Time) bool {
	return now.Sub(newest.Date) > StaleAfter
}

// FlatDetector decides whether the recent readings look like a stuck sensor.
// samples are newest first.
type FlatDetector interface {
	IsFlat(samples []Sample) bool
}

// RepeatDetector flags the data as flat when the newest Count samples all
// carry exactly the same value.
type RepeatDetector struct {
	Count int
}

// DefaultFlatDetector checks the last three readings.
func DefaultFlatDetector() RepeatDetector {
	return RepeatDetector{Count: 3}
}

// IsFlat implements FlatDetector.
func (d RepeatDetector) IsFlat(samples []Sample) bool {
	if d.Count < 2 || len(samples) < d.Count {
		return false
	}
	first := samples[0].Value
	for _, s := range samples[1:d.Count] {
		if s.Value != first {
			return false
		}
	}
	return true
}

// Repository reads and writes samples in the state store.
type Repository struct {
	store storage.Store
}

// NewRepository creates a Repository backed by store.
func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

// Recent returns samples newer than since, newest first.
func (r *Repository) Recent(ctx context.Context, since time.Time) ([]Sample, error) {
	all, err := storage.Records[Sample](ctx, r.store, storage.KeyGlucose)
	if err != nil {
		return nil, fmt.Errorf("load glucose: %w", err)
	}
	out := make([]Sample, 0, len(all))
	for _, s := range all {
		if s.Date.After(since) {
			out = append(out, s)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

// Add stores samples, skipping ids already present, and prunes anything
// older than Retention. It returns how many samples were new.
func (r *Repository) Add(ctx context.Context, samples []Sample, now time.Time) (int, error) {
	added := 0
	err := r.store.Update(ctx, func(tx storage.Store) error {
		for _, s := range samples {
			ok, err := storage.AppendRecord(ctx, tx, storage.KeyGlucose, s.ID, s.Date, s)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		_, err := tx.Prune(ctx, storage.KeyGlucose, now.Add(-Retention))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store glucose: %w", err)
	}
	return added, nil
}

// SortNewestFirst orders samples by date, newest first.
func SortNewestFirst(samples []Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Date.After(samples[j].Date)
	})
}
