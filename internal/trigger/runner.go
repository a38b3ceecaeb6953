package trigger

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/gpio"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/metrics"
)

// Looper is woken by the runner.
type Looper interface {
	TriggerLoop(ctx context.Context)
}

// Config holds the collaborators of a Runner.
type Config struct {
	// Reader is the heartbeat line. Nil runs on the interval only.
	Reader   gpio.Reader
	Looper   Looper
	Debounce time.Duration
	// Interval is the fallback period; zero disables it.
	Interval time.Duration
	Logger   logr.Logger
	Now      func() time.Time

	// OnTrigger, if set, is called after each trigger with the running counts.
	OnTrigger func(Trigger, Counts)
}

// Runner samples the heartbeat line on every tick and wakes the loop.
type Runner struct {
	cfg      Config
	detector *Detector
	logger   logr.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		cfg:      cfg,
		detector: NewDetector(cfg.Debounce, cfg.Now()),
		logger:   cfg.Logger.WithName("trigger"),
	}
}

// Run processes ticks until ctx is done.
func (r *Runner) Run(ctx context.Context, tick <-chan time.Time) error {
	r.logger.Info("Trigger started", "interval", r.cfg.Interval, "heartbeat", r.cfg.Reader != nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			r.step(ctx)
		}
	}
}

func (r *Runner) step(ctx context.Context) {
	t := r.cfg.Now()

	edge := false
	if r.cfg.Reader != nil {
		on, err := r.cfg.Reader.Read()
		if err != nil {
			r.logger.Error(err, "Heartbeat read error")
		} else {
			edge = r.detector.Process(on, t)
		}
	}

	trig := r.detector.Check(t, edge, r.cfg.Interval)
	if trig == nil {
		return
	}
	r.logger.V(logging.VERBOSE).Info("Waking loop", "reason", trig.Reason)
	metrics.RecordTrigger(string(trig.Reason))
	r.cfg.Looper.TriggerLoop(ctx)
	if r.cfg.OnTrigger != nil {
		r.cfg.OnTrigger(*trig, r.detector.Counts())
	}
}
