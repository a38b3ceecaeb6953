// Package pump defines the insulin pump boundary.
// The real implementation talks to a pump driver over MQTT request/reply.
// The fake implementation allows testing without hardware.
package pump

import (
	"context"
	"math"
	"time"
)

// DeliveryType is the pump's current delivery mode.
type DeliveryType string

const (
	DeliveryUnknown   DeliveryType = "unknown"
	DeliveryNormal    DeliveryType = "normal"
	DeliveryTemp      DeliveryType = "temp"
	DeliveryBolusing  DeliveryType = "bolusing"
	DeliverySuspended DeliveryType = "suspended"
)

// ActiveTemp is the temp basal the pump reports as running.
type ActiveTemp struct {
	Rate float64   `json:"rate"`
	End  time.Time `json:"end"`
}

// Status is the pump state relevant to the enactment gate.
type Status struct {
	DeliveryType DeliveryType `json:"deliveryType"`
	Bolusing     bool         `json:"bolusing"`
	Suspended    bool         `json:"suspended"`
	Reservoir    float64      `json:"reservoir"` // units, negative when unknown or empty
	ActiveTemp   *ActiveTemp  `json:"activeTemp,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Actuator drives the pump.
type Actuator interface {
	// Status returns the pump's current state.
	Status(ctx context.Context) (Status, error)

	// SetTempBasal starts a temp basal. A zero duration cancels the running one.
	SetTempBasal(ctx context.Context, rate float64, minutes int) error

	// Bolus delivers units. automatic marks boluses issued by the loop.
	Bolus(ctx context.Context, units float64, automatic bool) error

	// CancelBolus stops a running bolus.
	CancelBolus(ctx context.Context) error

	// Suspend stops all delivery.
	Suspend(ctx context.Context) error

	// Resume restarts delivery after Suspend.
	Resume(ctx context.Context) error

	// RoundBolusVolume rounds units to a volume the pump can deliver.
	RoundBolusVolume(units float64) float64

	// RoundBasalRate rounds rate to a rate the pump supports.
	RoundBasalRate(rate float64) float64
}

// Default increments for pumps that do not report their own.
const (
	DefaultBolusStep = 0.05
	DefaultBasalStep = 0.05
)

// FloorToStep rounds v down to a multiple of step. Values that are already
// a multiple within float error stay where they are.
func FloorToStep(v, step float64) float64 {
	if step <= 0 || v <= 0 {
		return math.Max(v, 0)
	}
	n := math.Floor(v/step + 1e-9)
	// Keep the result tidy for display and comparison.
	return math.Round(n*step*1e6) / 1e6
}

// Steps rounds with fixed increments. Real and fake actuators embed it.
type Steps struct {
	Bolus float64
	Basal float64
}

// DefaultSteps returns the default increments.
func DefaultSteps() Steps {
	return Steps{Bolus: DefaultBolusStep, Basal: DefaultBasalStep}
}

// RoundBolusVolume implements Actuator.
func (s Steps) RoundBolusVolume(units float64) float64 {
	return FloorToStep(units, s.Bolus)
}

// RoundBasalRate implements Actuator.
func (s Steps) RoundBasalRate(rate float64) float64 {
	return FloorToStep(rate, s.Basal)
}
