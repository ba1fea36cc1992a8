// Package gpio provides the fan tachometer inputs and power relay outputs
// with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation and the simulator allow running without hardware.
package gpio

import "time"

// PulseSink receives the timestamp of each tachometer pulse. Timestamps
// share the time base of Monotonic.
type PulseSink interface {
	RecordPulse(at time.Duration)
}

// Lines owns the GPIO lines of both fans.
type Lines interface {
	// SetPower switches the power relay of fan 1 or 2.
	SetPower(fanID int, on bool) error

	// Close releases GPIO resources.
	Close() error
}

// Tacho binds a tachometer input line to the window that measures it.
type Tacho struct {
	FanID  int
	Offset int
	Sink   PulseSink
}

// Pin definitions (BCM numbering)
const (
	DefaultChip  = "gpiochip0"
	PinFan1Tacho = 17
	PinFan2Tacho = 27
	PinFan1Power = 5
	PinFan2Power = 6
)
