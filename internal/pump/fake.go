package pump

import (
	"context"
	"sync"
	"time"
)

// Command names, also used as metric labels.
const (
	CmdStatus      = "status"
	CmdTempBasal   = "set_temp_basal"
	CmdBolus       = "bolus"
	CmdCancelBolus = "cancel_bolus"
	CmdSuspend     = "suspend"
	CmdResume      = "resume"
)

// Command is one actuator call recorded by Fake.
type Command struct {
	Name      string
	Amount    float64 // bolus units or temp rate
	Minutes   int
	Automatic bool
}

// Fake is a test double that records commands and simulates pump state.
// It is safe for concurrent use.
type Fake struct {
	Steps

	mu       sync.Mutex
	status   Status
	commands []Command
	errs     map[string]error
	now      func() time.Time
}

// NewFake creates a Fake with normal delivery and a 100 U reservoir.
func NewFake() *Fake {
	return &Fake{
		Steps: DefaultSteps(),
		status: Status{
			DeliveryType: DeliveryNormal,
			Reservoir:    100,
		},
		errs: make(map[string]error),
		now:  time.Now,
	}
}

// SetClock replaces the clock used for temp basal end times.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// SetStatus replaces the simulated pump state.
func (f *Fake) SetStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

// SetError makes every call to the named command fail with err.
// A nil err clears it.
func (f *Fake) SetError(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, command)
		return
	}
	f.errs[command] = err
}

// Commands returns the commands received so far, excluding Status reads.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Reset clears recorded commands and injected errors.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.commands = nil
	f.errs = make(map[string]error)
	f.mu.Unlock()
}

// Status implements Actuator.
func (f *Fake) Status(_ context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[CmdStatus]; err != nil {
		return Status{}, err
	}
	s := f.status
	if s.ActiveTemp != nil {
		t := *s.ActiveTemp
		s.ActiveTemp = &t
	}
	s.Timestamp = f.now()
	return s, nil
}

// SetTempBasal implements Actuator.
func (f *Fake) SetTempBasal(_ context.Context, rate float64, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Name: CmdTempBasal, Amount: rate, Minutes: minutes})
	if err := f.errs[CmdTempBasal]; err != nil {
		return err
	}
	if minutes == 0 {
		f.status.ActiveTemp = nil
		f.status.DeliveryType = DeliveryNormal
		return nil
	}
	f.status.ActiveTemp = &ActiveTemp{Rate: rate, End: f.now().Add(time.Duration(minutes) * time.Minute)}
	f.status.DeliveryType = DeliveryTemp
	return nil
}

// Bolus implements Actuator. Delivery completes immediately.
func (f *Fake) Bolus(_ context.Context, units float64, automatic bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Name: CmdBolus, Amount: units, Automatic: automatic})
	if err := f.errs[CmdBolus]; err != nil {
		return err
	}
	if f.status.Reservoir >= units {
		f.status.Reservoir -= units
	}
	return nil
}

// CancelBolus implements Actuator.
func (f *Fake) CancelBolus(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Name: CmdCancelBolus})
	if err := f.errs[CmdCancelBolus]; err != nil {
		return err
	}
	f.status.Bolusing = false
	if f.status.DeliveryType == DeliveryBolusing {
		f.status.DeliveryType = DeliveryNormal
	}
	return nil
}

// Suspend implements Actuator.
func (f *Fake) Suspend(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Name: CmdSuspend})
	if err := f.errs[CmdSuspend]; err != nil {
		return err
	}
	f.status.Suspended = true
	f.status.DeliveryType = DeliverySuspended
	f.status.ActiveTemp = nil
	return nil
}

// Resume implements Actuator.
func (f *Fake) Resume(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Name: CmdResume})
	if err := f.errs[CmdResume]; err != nil {
		return err
	}
	f.status.Suspended = false
	f.status.DeliveryType = DeliveryNormal
	return nil
}

// Verify interface compliance
var _ Actuator = (*Fake)(nil)
