//go:build !linux

package gpio

import (
	"errors"
	"time"
)

var processStart = time.Now()

// Monotonic returns the time since process start on non-Linux platforms.
func Monotonic() time.Duration {
	return time.Since(processStart)
}

// RealLines is not available on non-Linux platforms.
type RealLines struct{}

// NewRealLines returns an error on non-Linux platforms.
func NewRealLines(chipName string, tachos []Tacho, power map[int]int) (*RealLines, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// SetPower is not implemented on non-Linux platforms.
func (r *RealLines) SetPower(fanID int, on bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealLines) Close() error {
	return nil
}
