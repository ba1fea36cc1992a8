package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// DefaultPWMRoot is where the kernel exposes PWM chips.
const DefaultPWMRoot = "/sys/class/pwm"

// pwmPin is one exported sysfs PWM channel.
type pwmPin struct {
	dir     string
	chip    string
	channel string
}

func (p *pwmPin) export() error {
	if _, err := os.Stat(p.dir); err == nil {
		return nil
	}
	err := os.WriteFile(filepath.Join(p.chip, "export"), []byte(p.channel), 0644)
	if err != nil && !errors.Is(err, syscall.EBUSY) {
		return err
	}
	// udev needs a moment to fix the permissions of the new directory.
	time.Sleep(200 * time.Millisecond)
	return nil
}

func (p *pwmPin) write(attr string, v uint32) error {
	return os.WriteFile(filepath.Join(p.dir, attr), []byte(strconv.FormatUint(uint64(v), 10)), 0644)
}

// PWM drives the fans with 8-bit PWM duty (tech / 4) through sysfs.
type PWM struct {
	period uint32
	pins   map[int]*pwmPin
}

// NewPWM exports and enables the channels of chip for the given fans. An
// empty root selects DefaultPWMRoot.
func NewPWM(root string, chip int, channels map[int]int, periodNs uint32) (*PWM, error) {
	if root == "" {
		root = DefaultPWMRoot
	}
	chipDir := filepath.Join(root, "pwmchip"+strconv.Itoa(chip))
	p := &PWM{period: periodNs, pins: map[int]*pwmPin{}}
	for fanID, ch := range channels {
		pin := &pwmPin{
			dir:     filepath.Join(chipDir, "pwm"+strconv.Itoa(ch)),
			chip:    chipDir,
			channel: strconv.Itoa(ch),
		}
		if err := pin.export(); err != nil {
			return nil, fmt.Errorf("pwm: export %s channel %d: %w", chipDir, ch, err)
		}
		// Duty must not exceed the period, so clear it first.
		if err := pin.write("duty_cycle", 0); err != nil {
			return nil, fmt.Errorf("pwm: fan%d: %w", fanID, err)
		}
		if err := pin.write("period", periodNs); err != nil {
			return nil, fmt.Errorf("pwm: fan%d: %w", fanID, err)
		}
		if err := pin.write("enable", 1); err != nil {
			return nil, fmt.Errorf("pwm: fan%d: %w", fanID, err)
		}
		p.pins[fanID] = pin
	}
	return p, nil
}

// Duty returns the duty cycle in nanoseconds for a technical output value.
func (p *PWM) Duty(tech int) uint32 {
	duty8 := uint64(tech / 4)
	return uint32(uint64(p.period) * duty8 / 255)
}

// Write sets the duty cycle of a fan.
func (p *PWM) Write(fanID int, tech int) error {
	pin, ok := p.pins[fanID]
	if !ok {
		return nil
	}
	if err := checkTech(fanID, tech); err != nil {
		return err
	}
	if err := pin.write("duty_cycle", p.Duty(tech)); err != nil {
		return fmt.Errorf("pwm: fan%d: %w", fanID, err)
	}
	return nil
}

// Close stops and unexports all channels.
func (p *PWM) Close() error {
	var errs []error
	for fanID, pin := range p.pins {
		if err := pin.write("duty_cycle", 0); err != nil {
			errs = append(errs, fmt.Errorf("pwm: fan%d: %w", fanID, err))
		}
		if err := pin.write("enable", 0); err != nil {
			errs = append(errs, fmt.Errorf("pwm: fan%d: %w", fanID, err))
		}
		if err := os.WriteFile(filepath.Join(pin.chip, "unexport"), []byte(pin.channel), 0644); err != nil {
			errs = append(errs, fmt.Errorf("pwm: unexport fan%d: %w", fanID, err))
		}
	}
	return errors.Join(errs...)
}
