// Package storage provides the persistent state store used by the control loop.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Keys under which the loop persists its state.
const (
	KeySettings             = "settings"
	KeyLoopState            = "loop_state"
	KeySuggested            = "enact/suggested"
	KeyEnacted              = "enact/enacted"
	KeyEnactedLog           = "enact/enacted_log"
	KeyTempBasal            = "monitor/temp_basal"
	KeyProfile              = "settings/profile"
	KeySensitivity          = "settings/autosense"
	KeyAutotune             = "settings/autotune"
	KeyGlucose              = "monitor/glucose"
	KeyCarbs                = "monitor/carbs"
	KeyTDD                  = "monitor/tdd"
	KeyTDDAverages          = "monitor/tdd_averages"
	KeyDailyStats           = "stats/daily"
	KeyDailyStatsRecent     = "stats/daily_recent"
	KeyAnnouncements        = "announcements"
	KeyAnnouncementsEnacted = "announcements_enacted"
)

// Record is one entry of an append-only log.
type Record struct {
	ID        string
	Timestamp time.Time
	Payload   []byte
}

// Store is the interface for persistent storage.
type Store interface {
	// Single-value slots
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error

	// Logs, unique by record ID within a key. Append reports false
	// when a record with the same ID already exists.
	Append(ctx context.Context, key string, rec Record) (bool, error)
	List(ctx context.Context, key string) ([]Record, error)
	Prune(ctx context.Context, key string, before time.Time) (int, error)

	// Update runs fn inside a transaction. Everything fn does through the
	// Store it is given commits or rolls back together.
	Update(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// ErrNotFound is returned when a record is not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e ErrNotFound) Error() string {
	return e.Resource + " not found: " + e.ID
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// Load decodes the value stored under key. ok is false when nothing is stored.
func Load[T any](ctx context.Context, s Store, key string) (v T, ok bool, err error) {
	data, err := s.Get(ctx, key)
	if IsNotFound(err) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// Save encodes v and stores it under key.
func Save[T any](ctx context.Context, s Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// AppendRecord encodes v and appends it to the log under key, unique by id.
func AppendRecord[T any](ctx context.Context, s Store, key, id string, ts time.Time, v T) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Append(ctx, key, Record{ID: id, Timestamp: ts, Payload: data})
}

// Records decodes every record of the log under key, oldest first.
func Records[T any](ctx context.Context, s Store, key string) ([]T, error) {
	recs, err := s.List(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", key, rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
