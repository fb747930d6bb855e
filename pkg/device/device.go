// Package device abstracts the motor output link to the robot so the control
// loop can be driven against real hardware or a test double.
package device

import "context"

// Device is the write side of a connected robot.
type Device interface {
	// Write sends one motor command frame to the robot.
	Write(ctx context.Context, payload []byte) error
	// Close stops the session and releases the underlying link.
	Close() error
}
