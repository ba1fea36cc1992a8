// Package tacho measures fan speed from tachometer pulses.
//
// A Window is shared between exactly two parties: the pulse handler, which
// is the only writer, and the control loop, which is the only reader. Neither
// side ever blocks the other; the reader takes a compare-and-retry snapshot
// of the fields it needs.
package tacho

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// Capacity is the number of pulse intervals averaged. Must be a power of two.
	Capacity = 1 << 5

	// DefaultMinRPM is the speed below which the fan is considered stopped.
	DefaultMinRPM = 60
	// DefaultMaxRPM is the speed above which a pulse is treated as noise.
	DefaultMaxRPM = 10000

	microsPerMinute = 60_000_000
)

// Config holds the plausibility limits of a tachometer.
type Config struct {
	MinRPM uint32
	MaxRPM uint32
}

// DefaultConfig returns the limits used when nothing else is configured.
func DefaultConfig() Config {
	return Config{MinRPM: DefaultMinRPM, MaxRPM: DefaultMaxRPM}
}

// Window is a moving average over the last Capacity pulse intervals.
type Window struct {
	stopPeriod  uint64 // µs; longer intervals mean the fan stopped
	noisePeriod uint64 // µs; shorter intervals are outliers
	clock       func() time.Duration

	// Owned by the pulse handler.
	samples [Capacity]uint64
	index   uint32

	valid    atomic.Bool
	sum      atomic.Uint64
	lastTime atomic.Uint64 // µs timestamp of the previous pulse, 0 = none
	last     atomic.Uint64 // previous accepted interval in µs, 0 = none
}

// New creates a Window. The clock must use the same time base as the
// timestamps passed to RecordPulse.
func New(cfg Config, clock func() time.Duration) *Window {
	if cfg.MinRPM == 0 {
		cfg.MinRPM = DefaultMinRPM
	}
	if cfg.MaxRPM == 0 || cfg.MaxRPM <= cfg.MinRPM {
		cfg.MaxRPM = DefaultMaxRPM
	}
	return &Window{
		stopPeriod:  microsPerMinute / uint64(cfg.MinRPM),
		noisePeriod: microsPerMinute / uint64(cfg.MaxRPM),
		clock:       clock,
	}
}

// RecordPulse registers one shaft rotation seen at the given timestamp.
// It is called from the pulse event handler and never allocates.
func (w *Window) RecordPulse(at time.Duration) {
	now := uint64(at.Microseconds())
	prevTime := w.lastTime.Load()
	if prevTime == 0 {
		w.lastTime.Store(now)
		return
	}

	interval := now - prevTime
	if now < prevTime || interval > w.stopPeriod {
		w.valid.Store(false)
		w.last.Store(0)
		w.lastTime.Store(0)
		return
	}
	if interval < w.noisePeriod {
		return
	}
	w.lastTime.Store(now)

	if last := w.last.Load(); last != 0 {
		diff := last >> 2
		if low := last - diff; interval < low {
			w.last.Store(low)
			return
		}
		if high := last + diff; interval > high {
			w.last.Store(high)
			return
		}
	}

	old := w.samples[w.index]
	w.samples[w.index] = interval
	w.index = (w.index + 1) & (Capacity - 1)
	w.sum.Store(w.sum.Load() + interval - old)
	w.valid.Store(true)
	w.last.Store(interval)
}

// Speed returns the current speed in RPM, or 0 if the fan is stopped or the
// measurement is not (yet) trustworthy.
func (w *Window) Speed() uint32 {
	valid, sum, lastTime := w.snapshot()
	if !valid || sum == 0 {
		return 0
	}

	now := uint64(w.clock().Microseconds())
	if now > lastTime && now-lastTime > w.stopPeriod {
		// Only clear if no pulse arrived since the snapshot.
		if w.lastTime.CompareAndSwap(lastTime, 0) {
			w.valid.Store(false)
			w.last.Store(0)
		}
		return 0
	}
	return uint32(microsPerMinute * Capacity / sum)
}

// snapshot reads the shared fields until two consecutive reads agree.
func (w *Window) snapshot() (bool, uint64, uint64) {
	for {
		v1, s1, t1 := w.valid.Load(), w.sum.Load(), w.lastTime.Load()
		v2, s2, t2 := w.valid.Load(), w.sum.Load(), w.lastTime.Load()
		if v1 == v2 && s1 == s2 && t1 == t2 {
			return v1, s1, t1
		}
	}
}

// String dumps the shared part of the window for debugging.
func (w *Window) String() string {
	var b strings.Builder
	if !w.valid.Load() {
		b.WriteString("INVALID: ")
	}
	fmt.Fprintf(&b, "last: %d@%d, sum: %d", w.last.Load(), w.lastTime.Load(), w.sum.Load())
	return b.String()
}
