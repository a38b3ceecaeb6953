package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/engine"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/glucose"
	"github.com/sweeney/aps-controller/internal/gpio"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/loop"
	"github.com/sweeney/aps-controller/internal/metrics"
	"github.com/sweeney/aps-controller/internal/mqtt"
	"github.com/sweeney/aps-controller/internal/pump"
	"github.com/sweeney/aps-controller/internal/stats"
	"github.com/sweeney/aps-controller/internal/status"
	"github.com/sweeney/aps-controller/internal/storage"
	"github.com/sweeney/aps-controller/internal/storage/sqlite"
	"github.com/sweeney/aps-controller/internal/trigger"
	"github.com/sweeney/aps-controller/internal/web"
)

// Remote driver services reached over MQTT request/reply.
const (
	servicePump   = "pump"
	serviceEngine = "engine"
)

// Lifecycle events on the system topic.
const (
	eventStartup   = "STARTUP"
	eventShutdown  = "SHUTDOWN"
	eventHeartbeat = "HEARTBEAT"
)

// The status server serves manual operations when given the loop manager.
var _ web.Operator = (*loop.Manager)(nil)

type options struct {
	DBPath       string
	Broker       string
	HTTPAddr     string
	Interval     time.Duration
	HeartbeatPin int
	Debounce     time.Duration
	GPIOPoll     time.Duration
	RPCTimeout   time.Duration
	Verbosity    int
	Simulated    bool
}

func (o options) statusConfig() status.Config {
	return status.Config{
		IntervalMs:   o.Interval.Milliseconds(),
		DebounceMs:   o.Debounce.Milliseconds(),
		GPIOPollMs:   o.GPIOPoll.Milliseconds(),
		HeartbeatPin: o.HeartbeatPin,
		Broker:       o.Broker,
		HTTPAddr:     o.HTTPAddr,
		DBPath:       o.DBPath,
		Simulated:    o.Simulated,
		Version:      version,
	}
}

func run(ctx context.Context, o options) error {
	logger, flush, err := logging.New(o.Verbosity)
	if err != nil {
		return err
	}
	defer flush()
	metrics.Register()

	store, err := sqlite.NewFileStore(o.DBPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer store.Close()

	var reader gpio.Reader
	if o.HeartbeatPin > 0 {
		r, err := gpio.NewRealReader(o.HeartbeatPin)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer r.Close()
		reader = r
	}

	client, err := mqtt.NewRealClient(mqtt.Options{Broker: o.Broker, Logger: logger})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()

	d, err := newDaemon(ctx, o, client, reader, store, logger)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(o.GPIOPoll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return d.run(ctx, ticker.C, sigCh)
}

// daemon holds the wired components of a running controller.
type daemon struct {
	opts    options
	client  mqtt.Client
	logger  logr.Logger
	bus     *events.Bus
	manager *loop.Manager
	tdd     *stats.TDDTracker
	daily   *stats.DailyRecorder
	tracker *status.Tracker
	feeds   *mqtt.Feeds
	runner  *trigger.Runner
	web     *web.Server
}

func newDaemon(ctx context.Context, o options, client mqtt.Client, reader gpio.Reader, store storage.Store, logger logr.Logger) (*daemon, error) {
	settings, err := config.LoadSettings(ctx, store)
	if err != nil {
		return nil, err
	}
	loopState, err := config.LoadLoopState(ctx, store)
	if err != nil {
		return nil, err
	}

	var (
		act pump.Actuator
		eng engine.Engine
	)
	if o.Simulated {
		act, eng = simulated()
		logger.Info("Using simulated pump and engine")
	} else {
		pumpRPC, err := mqtt.NewRPC(client, servicePump, o.RPCTimeout, logger)
		if err != nil {
			return nil, err
		}
		engineRPC, err := mqtt.NewRPC(client, serviceEngine, o.RPCTimeout, logger)
		if err != nil {
			return nil, err
		}
		act = pump.NewBridge(pumpRPC, pump.DefaultSteps())
		eng = engine.NewBridge(engineRPC, logger)
	}

	d := &daemon{
		opts:    o,
		client:  client,
		logger:  logger.WithName("daemon"),
		bus:     events.NewBus(logger, 0),
		tdd:     stats.NewTDDTracker(store, settings, logger),
		daily:   stats.NewDailyRecorder(store, settings, stats.BuildInfo{Version: version, Commit: commit}, time.Local, logger),
		tracker: status.NewTracker(time.Now(), o.statusConfig()),
	}
	repo := glucose.NewRepository(store)

	d.manager, err = loop.New(loop.Config{
		Store:     store,
		Engine:    eng,
		Pump:      act,
		Settings:  settings,
		LoopState: loopState,
		Glucose:   repo,
		TDD:       d.tdd,
		Daily:     d.daily,
		Events:    d.bus,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	d.bus.Subscribe(mqtt.NewEventPublisher(client, logger).Handle)
	d.bus.Subscribe(d.tracker.Observe)
	d.bus.Subscribe(d.onEvent)

	d.feeds = &mqtt.Feeds{
		Announcements: d.manager,
		Progress:      d.manager,
		ManualTemp:    d.manager,
		Glucose:       repo,
		Store:         store,
		Logger:        logger,
	}
	d.runner = trigger.NewRunner(trigger.Config{
		Reader:    reader,
		Looper:    d.manager,
		Debounce:  o.Debounce,
		Interval:  o.Interval,
		Logger:    logger,
		OnTrigger: d.tracker.RecordTrigger,
	})
	if o.HTTPAddr != "" {
		d.web = web.New(o.HTTPAddr, d.tracker, d.manager, logger)
	}
	if net := readNetworkInfo(); net != nil {
		d.tracker.SetNetwork(net)
	}
	return d, nil
}

// simulated returns a pump and engine that run entirely in memory. The
// engine keeps suggesting the profile basal so that closed-loop runs
// exercise the full enactment path.
func simulated() (pump.Actuator, engine.Engine) {
	eng := engine.NewFake()
	eng.SetSuggestion(&aps.Suggestion{
		Rate:     aps.Float(eng.Profile.CurrentBasal),
		Duration: aps.Int(30),
		Reason:   "simulated",
	})
	return pump.NewFake(), eng
}

// run supervises the daemon until a signal arrives or a component fails.
func (d *daemon) run(ctx context.Context, tick <-chan time.Time, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.feeds.Subscribe(ctx, d.client); err != nil {
		return fmt.Errorf("subscribe feeds: %w", err)
	}
	d.publishStatus(eventStartup, "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.bus.Run(gctx) })
	g.Go(func() error { return d.manager.Run(gctx) })
	g.Go(func() error { return d.runner.Run(gctx, tick) })
	if d.web != nil {
		g.Go(func() error {
			if err := d.web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return d.web.Shutdown(sctx)
		})
		d.logger.Info("HTTP status server listening", "addr", d.opts.HTTPAddr)
	}
	d.logger.Info("Started", "interval", d.opts.Interval, "heartbeatPin", d.opts.HeartbeatPin,
		"broker", d.opts.Broker, "simulated", d.opts.Simulated)

	reason := "ERROR"
	select {
	case s := <-sig:
		reason = signalName(s)
		d.logger.Info("Received signal, shutting down", "signal", reason)
	case <-gctx.Done():
		if ctx.Err() != nil {
			reason = "CANCELLED"
		}
	}
	cancel()
	err := g.Wait()
	if err != nil {
		d.logger.Error(err, "Component failed")
	}

	d.publishStatus(eventShutdown, reason)
	return err
}

// onEvent refreshes the statistics and publishes a status heartbeat after
// every loop run.
func (d *daemon) onEvent(e events.Event) {
	if e.Kind != events.KindLoopCompleted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.tracker.RefreshStats(ctx, d.tdd, d.daily); err != nil {
		d.logger.Error(err, "Refresh statistics failed")
	}
	d.publishStatus(eventHeartbeat, "")
}

func (d *daemon) publishStatus(event, reason string) {
	d.tracker.SetMQTTConnected(d.client.IsConnected())
	if net := readNetworkInfo(); net != nil {
		d.tracker.SetNetwork(net)
	}
	var progress *float64
	if p, ok := d.manager.BolusProgress(); ok {
		progress = &p
	}
	d.tracker.SetLoop(d.manager.State(), d.manager.Settings(), progress)

	snap := d.tracker.Snapshot()
	e := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   event != eventHeartbeat,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := mqtt.PublishSystem(d.client, e); err != nil {
		d.logger.Error(err, "Publish system event failed", "event", event)
		return
	}
	d.logger.V(logging.VERBOSE).Info("Published system event", "event", event)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
