package logging

import "testing"

func TestNewHonoursVerbosity(t *testing.T) {
	logger, sync, err := New(DEBUG)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sync()

	if !logger.V(DEBUG).Enabled() {
		t.Error("V(DEBUG): got disabled, want enabled")
	}
	if logger.V(TRACE).Enabled() {
		t.Error("V(TRACE): got enabled, want disabled")
	}
}

func TestNewDefaultVerbosity(t *testing.T) {
	logger, sync, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sync()

	if !logger.Enabled() {
		t.Error("Info: got disabled, want enabled")
	}
	if logger.V(DEFAULT).Enabled() {
		t.Error("V(DEFAULT) at verbosity 0: got enabled, want disabled")
	}
}
