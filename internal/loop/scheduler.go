package loop

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/metrics"
	"github.com/sweeney/aps-controller/internal/storage"
)

// TriggerLoop starts a loop run unless one is already in flight, in which
// case the trigger is dropped. The outcome is reported through State and
// the event bus.
func (m *Manager) TriggerLoop(ctx context.Context) {
	if !m.isLooping.CompareAndSwap(false, true) {
		m.logger.V(logging.DEFAULT).Info("Loop in progress, trigger dropped")
		metrics.RecordLoopRun("skipped")
		return
	}
	m.logger.V(logging.VERBOSE).Info("Starting loop")
	if !m.submit(ctx, m.loop) {
		m.isLooping.Store(false)
		m.logger.Info("Loop trigger cancelled before it was queued")
	}
}

func (m *Manager) loop(ctx context.Context) error {
	start := m.now()
	err := m.runLoop(ctx)
	m.loopCompleted(ctx, start, err)
	return err
}

func (m *Manager) runLoop(ctx context.Context) error {
	if err := m.determineBasal(ctx); err != nil {
		var empty EmptyResult
		if errors.As(err, &empty) {
			return &aps.Error{Code: aps.RecommendationError, Msg: aps.MsgDetermineFailed, Err: empty}
		}
		return err
	}
	if m.settings.Get().ClosedLoop {
		return m.enactSuggested(ctx)
	}
	return nil
}

func (m *Manager) loopCompleted(ctx context.Context, start time.Time, err error) {
	now := m.now()

	m.mu.Lock()
	if err == nil {
		m.lastLoopDate = now
	}
	m.lastError = err
	m.mu.Unlock()
	m.isLooping.Store(false)

	metrics.RecordLoopDuration(now.Sub(start))
	if err != nil {
		metrics.RecordLoopRun("error")
		m.logger.Error(err, "Loop failed", "kind", aps.KindOf(err))
		m.publishError(err)
	} else {
		metrics.RecordLoopRun("success")
		m.logger.Info("Loop succeeded", "duration", now.Sub(start))
	}
	m.publish(events.KindLoopCompleted, m.State())

	if m.settings.Get().ClosedLoop {
		m.reportEnacted(ctx, err == nil)
	}

	if m.daily != nil {
		if _, err := m.daily.Record(ctx, now); err != nil {
			m.logger.Error(err, "Failed to record daily statistics")
		}
	}
}

// reportEnacted logs the outcome of enacting the current suggestion and
// feeds its total daily dose estimate to the TDD tracker.
func (m *Manager) reportEnacted(ctx context.Context, received bool) {
	s, ok, err := storage.Load[aps.Suggestion](ctx, m.store, storage.KeySuggested)
	if err != nil {
		m.logger.Error(err, "Failed to load suggestion for report")
		return
	}
	if !ok {
		return
	}

	now := m.now()
	enacted := aps.Enacted{Suggestion: s, EnactedAt: now, Received: received}
	err = m.store.Update(ctx, func(tx storage.Store) error {
		if err := storage.Save(ctx, tx, storage.KeyEnacted, enacted); err != nil {
			return err
		}
		id := s.ID + "@" + now.UTC().Format(time.RFC3339Nano)
		_, err := storage.AppendRecord(ctx, tx, storage.KeyEnactedLog, id, now, enacted)
		return err
	})
	if err != nil {
		m.logger.Error(err, "Failed to save enacted suggestion")
		return
	}
	m.publish(events.KindEnacted, enacted)

	if s.TDD != nil {
		if _, err := m.tdd.Record(ctx, *s.TDD, now); err != nil {
			m.logger.Error(err, "Failed to record TDD")
		}
	}
}
