package pump

import (
	"context"
	"fmt"
)

// Caller performs one request/reply round trip with a remote driver.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Bridge is an Actuator backed by a pump driver reached through Caller.
type Bridge struct {
	Steps
	rpc Caller
}

// NewBridge creates a Bridge. Rounding uses steps locally so that amounts
// are final before they go on the wire.
func NewBridge(rpc Caller, steps Steps) *Bridge {
	return &Bridge{Steps: steps, rpc: rpc}
}

type tempBasalRequest struct {
	Rate     float64 `json:"rate"`
	Duration int     `json:"duration"`
}

type bolusRequest struct {
	Units     float64 `json:"units"`
	Automatic bool    `json:"automatic"`
}

// Status implements Actuator.
func (b *Bridge) Status(ctx context.Context) (Status, error) {
	var s Status
	if err := b.rpc.Call(ctx, CmdStatus, nil, &s); err != nil {
		return Status{}, fmt.Errorf("read pump status: %w", err)
	}
	if s.DeliveryType == "" {
		s.DeliveryType = DeliveryUnknown
	}
	return s, nil
}

// SetTempBasal implements Actuator.
func (b *Bridge) SetTempBasal(ctx context.Context, rate float64, minutes int) error {
	if err := b.rpc.Call(ctx, CmdTempBasal, tempBasalRequest{Rate: rate, Duration: minutes}, nil); err != nil {
		return fmt.Errorf("set temp basal: %w", err)
	}
	return nil
}

// Bolus implements Actuator.
func (b *Bridge) Bolus(ctx context.Context, units float64, automatic bool) error {
	if err := b.rpc.Call(ctx, CmdBolus, bolusRequest{Units: units, Automatic: automatic}, nil); err != nil {
		return fmt.Errorf("bolus: %w", err)
	}
	return nil
}

// CancelBolus implements Actuator.
func (b *Bridge) CancelBolus(ctx context.Context) error {
	if err := b.rpc.Call(ctx, CmdCancelBolus, nil, nil); err != nil {
		return fmt.Errorf("cancel bolus: %w", err)
	}
	return nil
}

// Suspend implements Actuator.
func (b *Bridge) Suspend(ctx context.Context) error {
	if err := b.rpc.Call(ctx, CmdSuspend, nil, nil); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	return nil
}

// Resume implements Actuator.
func (b *Bridge) Resume(ctx context.Context) error {
	if err := b.rpc.Call(ctx, CmdResume, nil, nil); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Verify interface compliance
var _ Actuator = (*Bridge)(nil)
