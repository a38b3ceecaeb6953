package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/engine"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/glucose"
	"github.com/sweeney/aps-controller/internal/pump"
	"github.com/sweeney/aps-controller/internal/storage"
	"github.com/sweeney/aps-controller/internal/storage/sqlite"
)

var start = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m         *Manager
	store     *sqlite.Store
	pump      *pump.Fake
	engine    *engine.Fake
	events    *events.Recorder
	settings  *config.Value[config.Settings]
	loopState *config.Value[config.LoopState]
	clock     *clock
}

type harnessOption func(*Config)

func withoutPump() harnessOption {
	return func(c *Config) { c.Pump = nil }
}

func withEngine(e engine.Engine) harnessOption {
	return func(c *Config) { c.Engine = e }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings, err := config.LoadSettings(ctx, store)
	require.NoError(t, err)
	loopState, err := config.LoadLoopState(ctx, store)
	require.NoError(t, err)

	clk := &clock{t: start}
	p := pump.NewFake()
	p.SetClock(clk.Now)
	eng := engine.NewFake()
	rec := &events.Recorder{}

	cfg := Config{
		Store:     store,
		Engine:    eng,
		Pump:      p,
		Settings:  settings,
		LoopState: loopState,
		Events:    rec,
		Logger:    logr.Discard(),
		Now:       clk.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	go m.Run(runCtx)
	t.Cleanup(cancel)

	return &harness{
		m:         m,
		store:     store,
		pump:      p,
		engine:    eng,
		events:    rec,
		settings:  settings,
		loopState: loopState,
		clock:     clk,
	}
}

// seedGlucose stores three fresh, varying readings ending at the current time.
func (h *harness) seedGlucose(t *testing.T) {
	t.Helper()
	now := h.clock.Now()
	samples := []glucose.Sample{
		{Value: 110, Date: now.Add(-10 * time.Minute)},
		{Value: 115, Date: now.Add(-5 * time.Minute)},
		{Value: 120, Date: now},
	}
	for i := range samples {
		samples[i].ID = samples[i].Date.Format(time.RFC3339)
	}
	_, err := glucose.NewRepository(h.store).Add(context.Background(), samples, now)
	require.NoError(t, err)
}

func (h *harness) setSettings(t *testing.T, fn func(*config.Settings)) {
	t.Helper()
	require.NoError(t, h.settings.Update(context.Background(), fn))
}

func (h *harness) saveSuggestion(t *testing.T, s aps.Suggestion) {
	t.Helper()
	require.NoError(t, storage.Save(context.Background(), h.store, storage.KeySuggested, s))
}

// runLoop triggers a loop and waits until the executor has finished it.
func (h *harness) runLoop(t *testing.T) {
	t.Helper()
	h.m.TriggerLoop(context.Background())
	h.barrier(t)
}

// barrier waits for every job queued before it.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.do(ctx, func(context.Context) error { return nil }))
}

func suggestion(rate *float64, minutes *int, units *float64) aps.Suggestion {
	return aps.Suggestion{
		ID:        "sugg",
		Rate:      rate,
		Duration:  minutes,
		Units:     units,
		DeliverAt: aps.Time(start),
		Timestamp: start,
	}
}

func requireKind(t *testing.T, err error, kind aps.Kind, msg string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, aps.NewError(kind, msg), "got %v", err)
}
