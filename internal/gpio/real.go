//go:build linux

package gpio

import (
	"fmt"
	"sort"

	"github.com/warthog618/go-gpiocdev"
)

// RealLines drives actual hardware using the Linux GPIO character device.
type RealLines struct {
	chip   *gpiocdev.Chip
	tachos []*gpiocdev.Line
	power  map[int]*gpiocdev.Line
}

// NewRealLines requests the tachometer inputs and the power relay outputs
// (fan ID to offset; relays start switched off). Each tachometer's falling
// edges are recorded by its sink from the line's event handler.
func NewRealLines(chipName string, tachos []Tacho, power map[int]int) (*RealLines, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	r := &RealLines{chip: chip, power: map[int]*gpiocdev.Line{}}

	for _, t := range tachos {
		sink := t.Sink
		line, err := chip.RequestLine(t.Offset,
			gpiocdev.AsInput,
			gpiocdev.WithPullUp,
			gpiocdev.WithFallingEdge,
			gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
				sink.RecordPulse(evt.Timestamp)
			}))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request fan%d tacho pin %d: %w", t.FanID, t.Offset, err)
		}
		r.tachos = append(r.tachos, line)
	}

	ids := make([]int, 0, len(power))
	for id := range power {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		offset := power[id]
		if offset < 0 {
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request fan%d power pin %d: %w", id, offset, err)
		}
		r.power[id] = line
	}
	return r, nil
}

// SetPower switches the power relay of a fan. Fans without a relay are
// ignored.
func (r *RealLines) SetPower(fanID int, on bool) error {
	line, ok := r.power[fanID]
	if !ok {
		return nil
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set fan%d power: %w", fanID, err)
	}
	return nil
}

// Close releases GPIO resources.
// Relay outputs are switched off and reconfigured to input with pull-down
// (matching Pi boot defaults) before closing.
func (r *RealLines) Close() error {
	var errs []error

	for id, line := range r.power {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("switch off fan%d power: %w", id, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure fan%d power pin: %w", id, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fan%d power pin: %w", id, err))
		}
	}
	for _, line := range r.tachos {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tacho pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
