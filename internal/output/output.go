// Package output drives the fan control signals: PWM duty through Linux
// sysfs and an optional 0-10 V DAC card on I²C.
package output

import (
	"errors"
	"fmt"
)

// MaxTech is the technical output value for full speed.
const MaxTech = 1000

// Writer sets the control signal of fan 1 or 2 to tech (0..MaxTech).
type Writer interface {
	Write(fanID int, tech int) error
}

// Multi writes to several outputs and joins their errors.
type Multi []Writer

// Write writes to every output, even if one fails.
func (m Multi) Write(fanID int, tech int) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(fanID, tech); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fake records writes for test assertions.
type Fake struct {
	// Values holds the last value written per fan.
	Values map[int]int
	// Writes counts the writes per fan.
	Writes map[int]int
	// Err, if set, is returned by Write.
	Err error
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{Values: map[int]int{}, Writes: map[int]int{}}
}

// Write records the value.
func (f *Fake) Write(fanID int, tech int) error {
	if f.Err != nil {
		return f.Err
	}
	f.Values[fanID] = tech
	f.Writes[fanID]++
	return nil
}

func checkTech(fanID, tech int) error {
	if tech < 0 || tech > MaxTech {
		return fmt.Errorf("fan%d: output %d outside 0..%d", fanID, tech, MaxTech)
	}
	return nil
}
