package loop

import (
	"context"
	"fmt"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/pump"
	"github.com/sweeney/aps-controller/internal/storage"
)

// EnactAnnouncement executes a remote command. Commands are idempotent by
// announcement id: one that was already enacted is skipped.
func (m *Manager) EnactAnnouncement(ctx context.Context, a aps.Announcement) error {
	return m.fail(m.do(ctx, func(ctx context.Context) error {
		return m.enactAnnouncement(ctx, a)
	}))
}

func (m *Manager) enactAnnouncement(ctx context.Context, a aps.Announcement) error {
	if a.ID == "" {
		return fmt.Errorf("announcement has no id")
	}
	done, err := m.announcementEnacted(ctx, a.ID)
	if err != nil {
		return err
	}
	if done {
		m.logger.V(logging.DEBUG).Info("Announcement already enacted", "id", a.ID)
		return nil
	}
	if _, err := storage.AppendRecord(ctx, m.store, storage.KeyAnnouncements, a.ID, a.CreatedAt, a); err != nil {
		return aps.WrapSync("save announcement", err)
	}

	action, err := aps.ParseAction(a.Notes)
	if err != nil {
		return fmt.Errorf("announcement %s: %w", a.ID, err)
	}
	m.logger.Info("Enacting announcement", "id", a.ID, "action", action.Type)

	if err := m.runAction(ctx, action); err != nil {
		return err
	}

	a.Enacted = true
	if _, err := storage.AppendRecord(ctx, m.store, storage.KeyAnnouncementsEnacted, a.ID, a.CreatedAt, a); err != nil {
		return aps.WrapSync("save enacted announcement", err)
	}
	return nil
}

func (m *Manager) runAction(ctx context.Context, action aps.Action) error {
	switch action.Type {
	case aps.ActionBolus:
		if m.loopState.Get().ManualTempBasal {
			return aps.NewError(aps.ManualOverrideConflict, aps.MsgManualTempBasal)
		}
		if _, err := m.verifyStatus(ctx, true); err != nil {
			return err
		}
		units := m.RoundBolus(action.Amount)
		err := m.pumpCommand(pump.CmdBolus, func() error { return m.pump.Bolus(ctx, units, false) })
		if err != nil {
			m.publish(events.KindBolusFailed, events.BolusFailure{Units: units, Error: err.Error()})
			return err
		}
		zero := 0.0
		m.setBolusProgress(&zero)
		return nil

	case aps.ActionSuspend:
		if _, err := m.verifyStatus(ctx, true); err != nil {
			return err
		}
		return m.pumpCommand(pump.CmdSuspend, func() error { return m.pump.Suspend(ctx) })

	case aps.ActionResume:
		status, err := m.verifyStatus(ctx, false)
		if err != nil {
			return err
		}
		if !status.Suspended && status.DeliveryType != pump.DeliverySuspended {
			m.logger.V(logging.DEBUG).Info("Pump not suspended, resume skipped")
			return nil
		}
		return m.pumpCommand(pump.CmdResume, func() error { return m.pump.Resume(ctx) })

	case aps.ActionClosedLoop:
		err := m.settings.Update(ctx, func(s *config.Settings) { s.ClosedLoop = action.Enabled })
		if err != nil {
			return aps.WrapSync("save closed loop setting", err)
		}
		m.logger.Info("Closed loop changed", "enabled", action.Enabled)
		return nil

	case aps.ActionTempBasal:
		if m.settings.Get().ClosedLoop {
			return aps.NewError(aps.ManualOverrideConflict, aps.MsgClosedLoopTemp)
		}
		if m.loopState.Get().ManualTempBasal {
			return aps.NewError(aps.ManualOverrideConflict, aps.MsgManualTempBasal)
		}
		if _, err := m.verifyStatus(ctx, true); err != nil {
			return err
		}
		return m.setTempBasal(ctx, m.pump.RoundBasalRate(action.Amount), action.Duration)
	}
	return fmt.Errorf("unsupported announcement action %q", action.Type)
}

func (m *Manager) announcementEnacted(ctx context.Context, id string) (bool, error) {
	recs, err := m.store.List(ctx, storage.KeyAnnouncementsEnacted)
	if err != nil {
		return false, aps.WrapSync("load enacted announcements", err)
	}
	for _, r := range recs {
		if r.ID == id {
			return true, nil
		}
	}
	return false, nil
}
