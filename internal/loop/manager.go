// Package loop is the control-loop orchestrator. It decides when to compute
// a recommendation, checks that the pump is in a state that allows acting
// on it, drives the pump and keeps the statistics current.
//
// All work that touches the pump runs on a single executor goroutine
// started by Run, so commands from the scheduler, announcements and manual
// operations never overlap.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/engine"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/glucose"
	"github.com/sweeney/aps-controller/internal/metrics"
	"github.com/sweeney/aps-controller/internal/pump"
	"github.com/sweeney/aps-controller/internal/stats"
	"github.com/sweeney/aps-controller/internal/storage"
)

// Timing constants of the loop.
const (
	// ExpirationInterval is how long after its delivery time a suggestion
	// may still be enacted.
	ExpirationInterval = 10 * time.Minute

	// SensitivityMaxAge is the age after which autosens is recomputed.
	SensitivityMaxAge = 30 * time.Minute
)

// Config holds the collaborators of a Manager.
type Config struct {
	Store     storage.Store
	Engine    engine.Engine
	Pump      pump.Actuator // nil until a pump is paired
	Settings  *config.Value[config.Settings]
	LoopState *config.Value[config.LoopState]
	Glucose   *glucose.Repository
	Flat      glucose.FlatDetector
	TDD       *stats.TDDTracker
	Daily     *stats.DailyRecorder
	Events    events.Publisher
	Logger    logr.Logger
	Now       func() time.Time

	// QueueSize bounds the executor queue. Defaults to 16.
	QueueSize int
}

// Manager runs the loop.
type Manager struct {
	store     storage.Store
	engine    engine.Engine
	pump      pump.Actuator
	settings  *config.Value[config.Settings]
	loopState *config.Value[config.LoopState]
	glucose   *glucose.Repository
	flat      glucose.FlatDetector
	tdd       *stats.TDDTracker
	daily     *stats.DailyRecorder
	events    events.Publisher
	logger    logr.Logger
	now       func() time.Time

	jobs      chan job
	isLooping atomic.Bool

	mu            sync.RWMutex
	lastLoopDate  time.Time
	lastError     error
	bolusProgress *float64
}

// New creates a Manager. Call Run to start its executor.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Settings == nil || cfg.LoopState == nil {
		return nil, errors.New("loop: store, engine, settings and loop state are required")
	}
	if cfg.Glucose == nil {
		cfg.Glucose = glucose.NewRepository(cfg.Store)
	}
	if cfg.Flat == nil {
		cfg.Flat = glucose.DefaultFlatDetector()
	}
	if cfg.Events == nil {
		cfg.Events = &events.Recorder{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.TDD == nil {
		cfg.TDD = stats.NewTDDTracker(cfg.Store, cfg.Settings, cfg.Logger)
	}

	return &Manager{
		store:     cfg.Store,
		engine:    cfg.Engine,
		pump:      cfg.Pump,
		settings:  cfg.Settings,
		loopState: cfg.LoopState,
		glucose:   cfg.Glucose,
		flat:      cfg.Flat,
		tdd:       cfg.TDD,
		daily:     cfg.Daily,
		events:    cfg.Events,
		logger:    cfg.Logger.WithName("loop"),
		now:       cfg.Now,
		jobs:      make(chan job, cfg.QueueSize),
	}, nil
}

// State returns a copy of the loop state.
func (m *Manager) State() aps.LoopState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return aps.LoopState{
		IsLooping:       m.isLooping.Load(),
		LastLoopDate:    m.lastLoopDate,
		LastError:       m.lastError,
		ManualTempBasal: m.loopState.Get().ManualTempBasal,
	}
}

// BolusProgress returns the fraction of the running bolus delivered so far.
// ok is false when no bolus is being tracked.
func (m *Manager) BolusProgress() (progress float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bolusProgress == nil {
		return 0, false
	}
	return *m.bolusProgress, true
}

// ReportBolusProgress records delivery progress reported by the pump.
// Progress of 1 or more ends tracking.
func (m *Manager) ReportBolusProgress(progress float64) {
	if progress >= 1 {
		m.setBolusProgress(nil)
		return
	}
	m.setBolusProgress(&progress)
}

func (m *Manager) setBolusProgress(p *float64) {
	m.mu.Lock()
	m.bolusProgress = p
	m.mu.Unlock()
}

// SetManualTempBasal records whether a manually set temp basal is running.
func (m *Manager) SetManualTempBasal(ctx context.Context, active bool) error {
	if err := m.loopState.Update(ctx, func(s *config.LoopState) { s.ManualTempBasal = active }); err != nil {
		return m.fail(aps.WrapSync("save manual temp basal flag", err))
	}
	m.logger.Info("Manual temp basal flag changed", "active", active)
	return nil
}

// Settings returns the current therapy settings.
func (m *Manager) Settings() config.Settings {
	return m.settings.Get()
}

// fail records err as the last error and publishes it. It returns err.
func (m *Manager) fail(err error) error {
	if err == nil {
		return nil
	}
	m.mu.Lock()
	m.lastError = err
	m.mu.Unlock()
	m.publishError(err)
	return err
}

func (m *Manager) publishError(err error) {
	metrics.RecordError(string(aps.KindOf(err)))
	m.events.Publish(events.Event{Kind: events.KindError, Time: m.now(), Err: err})
}

func (m *Manager) publish(kind events.Kind, payload any) {
	m.events.Publish(events.Event{Kind: kind, Time: m.now(), Payload: payload})
}

// pumpCommand runs cmd and records its outcome.
func (m *Manager) pumpCommand(name string, cmd func() error) error {
	err := cmd()
	metrics.RecordPumpCommand(name, err)
	if err != nil {
		return aps.WrapActuator(fmt.Sprintf("%s failed", name), err)
	}
	return nil
}
