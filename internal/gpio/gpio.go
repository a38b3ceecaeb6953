// Package gpio reads the pump link heartbeat line.
// The radio bridge pulses the line each time it hears from the pump;
// the real implementation uses the Linux GPIO character device and the
// fake allows testing without hardware.
package gpio

// Reader reads the heartbeat line.
type Reader interface {
	// Read returns the logical line state (true = pulse active).
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultPin is the BCM pin the heartbeat line is wired to.
const DefaultPin = 26
