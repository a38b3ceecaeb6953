package aps

import (
	"errors"
	"fmt"
)

// Kind classifies an error raised by the control loop.
type Kind string

const (
	Unknown                Kind = "Unknown"
	ActuatorError          Kind = "ActuatorError"
	InvalidDeviceState     Kind = "InvalidDeviceState"
	GlucoseError           Kind = "GlucoseError"
	RecommendationError    Kind = "RecommendationError"
	SyncError              Kind = "SyncError"
	ManualOverrideConflict Kind = "ManualOverrideConflict"
)

// Messages used by the loop. Tests match on them.
const (
	MsgNotEnoughGlucose   = "not enough glucose data"
	MsgGlucoseStale       = "glucose data is stale"
	MsgGlucoseFlat        = "glucose data is too flat"
	MsgSuggestionNotFound = "suggestion not found"
	MsgSuggestionExpired  = "suggestion expired"
	MsgPumpNotSet         = "pump not set"
	MsgPumpBolusing       = "pump is bolusing"
	MsgPumpSuspended      = "pump suspended"
	MsgReservoirEmpty     = "reservoir is empty"
	MsgManualTempBasal    = "loop not possible during the manual basal temp"
	MsgDetermineFailed    = "determine basal failed"
	MsgClosedLoopTemp     = "manual temp basal is not allowed in closed loop"
)

// Error is an error returned by the control loop.
type Error struct {
	Code Kind
	Msg  string
	Err  error
}

// Error returns a string version of the error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aps: %s - %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("aps: %s - %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code and message,
// so callers can compare against a template error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
}

// NewError builds an error of the given kind.
func NewError(code Kind, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapActuator wraps a device failure.
func WrapActuator(msg string, err error) *Error {
	return &Error{Code: ActuatorError, Msg: msg, Err: err}
}

// KindOf returns the error's Kind, or Unknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// WrapSync wraps a storage failure.
func WrapSync(msg string, err error) *Error {
	return &Error{Code: SyncError, Msg: msg, Err: err}
}
