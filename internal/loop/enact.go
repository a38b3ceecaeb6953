package loop

import (
	"context"
	"math"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/pump"
	"github.com/sweeney/aps-controller/internal/storage"
)

// EnactSuggested applies the stored suggestion to the pump on the executor.
func (m *Manager) EnactSuggested(ctx context.Context) error {
	return m.fail(m.do(ctx, m.enactSuggested))
}

func (m *Manager) enactSuggested(ctx context.Context) error {
	s, ok, err := storage.Load[aps.Suggestion](ctx, m.store, storage.KeySuggested)
	if err != nil {
		return aps.WrapSync("load suggestion", err)
	}
	if !ok {
		return aps.NewError(aps.RecommendationError, aps.MsgSuggestionNotFound)
	}

	deliverAt := s.Timestamp
	if s.DeliverAt != nil {
		deliverAt = *s.DeliverAt
	}
	if m.now().Sub(deliverAt) >= ExpirationInterval {
		return aps.NewError(aps.RecommendationError, aps.MsgSuggestionExpired)
	}
	if m.pump == nil {
		return aps.NewError(aps.InvalidDeviceState, aps.MsgPumpNotSet)
	}
	if m.loopState.Get().ManualTempBasal {
		return aps.NewError(aps.ManualOverrideConflict, aps.MsgManualTempBasal)
	}

	if s.HasTempBasal() {
		if _, err := m.verifyStatus(ctx, true); err != nil {
			return err
		}
		if err := m.setTempBasal(ctx, m.pump.RoundBasalRate(*s.Rate), *s.Duration); err != nil {
			return err
		}
	}

	if s.HasBolus() && m.RoundBolus(*s.Units) > 0 {
		if _, err := m.verifyStatus(ctx, true); err != nil {
			return err
		}
		units := m.RoundBolus(*s.Units)
		if err := m.pumpCommand(pump.CmdBolus, func() error { return m.pump.Bolus(ctx, units, true) }); err != nil {
			return err
		}
		zero := 0.0
		m.setBolusProgress(&zero)
	}
	return nil
}

// verifyStatus is the safety gate applied before every pump command.
// checkSuspended is false only for resume.
func (m *Manager) verifyStatus(ctx context.Context, checkSuspended bool) (pump.Status, error) {
	if m.pump == nil {
		return pump.Status{}, aps.NewError(aps.InvalidDeviceState, aps.MsgPumpNotSet)
	}
	s, err := m.pump.Status(ctx)
	if err != nil {
		return pump.Status{}, aps.WrapActuator("read pump status", err)
	}
	if s.Bolusing || s.DeliveryType == pump.DeliveryBolusing {
		return s, aps.NewError(aps.InvalidDeviceState, aps.MsgPumpBolusing)
	}
	if checkSuspended && (s.Suspended || s.DeliveryType == pump.DeliverySuspended) {
		return s, aps.NewError(aps.InvalidDeviceState, aps.MsgPumpSuspended)
	}
	if s.Reservoir < 0 {
		return s, aps.NewError(aps.InvalidDeviceState, aps.MsgReservoirEmpty)
	}
	return s, nil
}

// setTempBasal sends the temp basal and persists it on success.
func (m *Manager) setTempBasal(ctx context.Context, rate float64, minutes int) error {
	err := m.pumpCommand(pump.CmdTempBasal, func() error { return m.pump.SetTempBasal(ctx, rate, minutes) })
	if err != nil {
		return err
	}
	temp := aps.TempBasal{Rate: rate, Duration: minutes, Kind: aps.TempAbsolute, Timestamp: m.now()}
	if err := storage.Save(ctx, m.store, storage.KeyTempBasal, temp); err != nil {
		return aps.WrapSync("save temp basal", err)
	}
	m.logger.Info("Temp basal set", "rate", rate, "minutes", minutes)
	return nil
}

// EnactBolus delivers a bolus. A failed manual bolus is announced to
// observers; a successful one triggers a fresh recommendation.
func (m *Manager) EnactBolus(ctx context.Context, amount float64, automatic bool) error {
	return m.fail(m.do(ctx, func(ctx context.Context) error {
		return m.enactBolus(ctx, amount, automatic)
	}))
}

func (m *Manager) enactBolus(ctx context.Context, amount float64, automatic bool) error {
	if _, err := m.verifyStatus(ctx, true); err != nil {
		return err
	}
	units := m.RoundBolus(amount)
	err := m.pumpCommand(pump.CmdBolus, func() error { return m.pump.Bolus(ctx, units, automatic) })
	if err != nil {
		if !automatic {
			m.publish(events.KindBolusFailed, events.BolusFailure{Units: units, Error: err.Error()})
		}
		return err
	}

	zero := 0.0
	m.setBolusProgress(&zero)
	m.logger.Info("Bolus delivered", "units", units, "automatic", automatic)

	if !automatic {
		if err := m.determineBasal(ctx); err != nil {
			m.logger.Error(err, "Failed to refresh suggestion after bolus")
		}
	}
	return nil
}

// CancelBolus stops the running bolus and clears progress tracking.
func (m *Manager) CancelBolus(ctx context.Context) error {
	return m.fail(m.do(ctx, func(ctx context.Context) error {
		if m.pump == nil {
			return aps.NewError(aps.InvalidDeviceState, aps.MsgPumpNotSet)
		}
		if err := m.pumpCommand(pump.CmdCancelBolus, func() error { return m.pump.CancelBolus(ctx) }); err != nil {
			return err
		}
		m.setBolusProgress(nil)
		m.logger.Info("Bolus cancelled")
		return nil
	}))
}

// EnactTempBasal sets a temp basal requested by the user.
func (m *Manager) EnactTempBasal(ctx context.Context, rate float64, minutes int) error {
	return m.fail(m.do(ctx, func(ctx context.Context) error {
		if _, err := m.verifyStatus(ctx, true); err != nil {
			return err
		}
		if m.loopState.Get().ManualTempBasal {
			return aps.NewError(aps.ManualOverrideConflict, aps.MsgManualTempBasal)
		}
		return m.setTempBasal(ctx, m.pump.RoundBasalRate(rate), minutes)
	}))
}

// RoundBolus rounds amount to a volume the pump can deliver, capped at the
// configured max bolus.
func (m *Manager) RoundBolus(amount float64) float64 {
	var rounder interface{ RoundBolusVolume(float64) float64 } = pump.DefaultSteps()
	if m.pump != nil {
		rounder = m.pump
	}
	maxBolus := m.settings.Get().MaxBolus
	return math.Min(rounder.RoundBolusVolume(amount), rounder.RoundBolusVolume(maxBolus))
}
