// Package fan regulates the speed of a single ventilation fan.
//
// A Fan turns a ventilation mode into a technical output value (0..1000)
// either by looking up its calibrated output table or by running a PID
// regulator against the measured speed. It also implements the per-mode
// calibration that fills the output table.
package fan

import (
	"fmt"
	"math"
	"time"
)

const (
	// MaxModes is the maximum number of ventilation modes.
	MaxModes = 10
	// MaxOutput is the upper bound of the technical output value.
	MaxOutput = 1000
	// RequiredGoodSamples is the number of in-tolerance outputs averaged
	// into one calibrated table entry.
	RequiredGoodSamples = 30

	// DefaultTolerancePercent is the calibration tolerance relative to the
	// desired speed.
	DefaultTolerancePercent = 0.65
)

// Law selects how the technical output is computed.
type Law int

const (
	// TableLookup uses the calibrated output table (normal operation).
	TableLookup Law = iota
	// Feedback runs the PID regulator against the measured speed.
	Feedback
)

// String returns the bus token for the law.
func (l Law) String() string {
	if l == Feedback {
		return "PID"
	}
	return "PROP"
}

// ParseLaw parses a bus token. Unknown tokens return false.
func ParseLaw(s string) (Law, bool) {
	switch s {
	case "PROP":
		return TableLookup, true
	case "PID":
		return Feedback, true
	}
	return TableLookup, false
}

// SpeedSource reports the measured speed in RPM; 0 means stopped or unknown.
type SpeedSource interface {
	Speed() uint32
}

// Settings are shared by both fans.
type Settings struct {
	// ModeFactors scale the standard speed per ventilation mode; index 0 is off.
	ModeFactors []float64
	// TolerancePercent of the desired speed within which an output counts as
	// good during calibration. The resulting window is at least 1 RPM.
	TolerancePercent float64
}

// Fan holds the regulation state of one fan.
type Fan struct {
	id        int
	rpm       SpeedSource
	factors   []float64
	tolerance float64
	pid       pid

	current  float64 // measured RPM
	setpoint float64 // desired RPM
	tech     float64 // technical output 0..MaxOutput
	standard int

	table       [MaxModes]int
	calibration [MaxModes]int
	good        [RequiredGoodSamples]int
	goodCount   int

	debug bool
}

// New creates a fan with the given ID (1 = supply, 2 = exhaust).
func New(id int, rpm SpeedSource, s Settings) *Fan {
	factors := s.ModeFactors
	if len(factors) > MaxModes {
		factors = factors[:MaxModes]
	}
	tol := s.TolerancePercent
	if tol <= 0 {
		tol = DefaultTolerancePercent
	}
	return &Fan{
		id:        id,
		rpm:       rpm,
		factors:   append([]float64(nil), factors...),
		tolerance: tol,
		pid:       pid{tunings: Conservative},
	}
}

// ID returns the fan ID.
func (f *Fan) ID() int { return f.id }

// UpdateSpeed takes a new measurement from the tachometer.
func (f *Fan) UpdateSpeed() {
	f.current = float64(f.rpm.Speed())
}

// Speed returns the last measured speed in RPM.
func (f *Fan) Speed() int { return int(f.current) }

// Setpoint returns the desired speed in RPM.
func (f *Fan) Setpoint() int { return int(f.setpoint) }

// TechOutput returns the current technical output value.
func (f *Fan) TechOutput() int { return int(f.tech) }

// StandardSpeed returns the speed for a mode factor of 1.0.
func (f *Fan) StandardSpeed() int { return f.standard }

// SetStandardSpeed sets the speed for a mode factor of 1.0.
func (f *Fan) SetStandardSpeed(rpm int) {
	if rpm < 0 {
		rpm = 0
	}
	f.standard = rpm
}

// IsOff reports whether the output is (effectively) zero.
func (f *Fan) IsOff() bool { return math.Abs(f.tech) < 0.1 }

// Off forces the output to zero until the next computation.
func (f *Fan) Off() { f.tech = 0 }

// ModeCount returns the number of configured ventilation modes.
func (f *Fan) ModeCount() int { return len(f.factors) }

// TableEntry returns the calibrated output for a mode.
func (f *Fan) TableEntry(mode int) int {
	if mode < 0 || mode >= MaxModes {
		return 0
	}
	return f.table[mode]
}

// SetTableEntry overrides the calibrated output for a mode, clamped to
// 0..MaxOutput.
func (f *Fan) SetTableEntry(mode, value int) {
	if mode < 0 || mode >= MaxModes {
		return
	}
	f.table[mode] = int(clampOutput(float64(value)))
}

// Table returns a copy of the output table for the configured modes.
func (f *Fan) Table() []int {
	out := make([]int, len(f.factors))
	copy(out, f.table[:len(f.factors)])
	return out
}

// ResetRegulator lets the PID regulator continue from the current output.
func (f *Fan) ResetRegulator() {
	f.pid.reset(f.tech, f.current)
}

// ComputeSpeed recomputes the technical output for the ventilation mode.
// dt is the time since the previous regulation step.
func (f *Fan) ComputeSpeed(mode int, law Law, dt time.Duration) {
	mode = f.clampMode(mode)
	f.setpoint = float64(f.standard) * f.factor(mode)

	if mode == 0 {
		f.tech = 0
		return
	}

	switch law {
	case Feedback:
		f.regulate(dt)
	case TableLookup:
		f.tech = float64(f.table[mode])
	}
	f.tech = clampOutput(f.tech)
}

// PrepareCalibration discards good samples collected so far.
func (f *Fan) PrepareCalibration() {
	f.goodCount = 0
}

// CalibrationStep performs one calibration tick for the mode and reports
// whether the mode's output has been determined.
func (f *Fan) CalibrationStep(mode int, dt time.Duration) bool {
	mode = f.clampMode(mode)
	factor := f.factor(mode)
	if math.Abs(factor) < 0.01 {
		f.calibration[mode] = 0
		return true
	}

	f.setpoint = float64(f.standard) * factor
	gap := math.Abs(f.setpoint - f.current)
	tol := f.setpoint * f.tolerance / 100
	if tol < 1 {
		tol = 1
	}

	if gap < tol && f.goodCount < RequiredGoodSamples {
		f.good[f.goodCount] = int(f.tech)
		f.goodCount++
	}
	if f.goodCount >= RequiredGoodSamples {
		sum := 0
		for _, v := range f.good {
			sum += v
		}
		f.calibration[mode] = sum / RequiredGoodSamples
		return true
	}

	f.regulate(dt)
	return false
}

// GoodSamples returns the number of good samples recorded for the current
// calibration step.
func (f *Fan) GoodSamples() int { return f.goodCount }

// FinishCalibration copies the calibrated outputs into the output table.
func (f *Fan) FinishCalibration() {
	copy(f.table[:len(f.factors)], f.calibration[:len(f.factors)])
}

// SetDebug turns the per-tick debug report on or off.
func (f *Fan) SetDebug(on bool) { f.debug = on }

// Debug reports whether the per-tick debug report is enabled.
func (f *Fan) Debug() bool { return f.debug }

// DebugLine formats the regulation state for the debug report.
func (f *Fan) DebugLine(ts int64) string {
	return fmt.Sprintf("Fan%d - M: %d, gap: %d, tsf: %d, ssf: %d, rpm: %d",
		f.id, ts,
		int64(f.current-f.setpoint),
		int64(f.tech), int64(f.setpoint), int64(f.current))
}

func (f *Fan) regulate(dt time.Duration) {
	f.pid.tunings = selectTunings(math.Abs(f.setpoint - f.current))
	f.tech = f.pid.step(f.setpoint, f.current, dt)
}

func (f *Fan) factor(mode int) float64 {
	if mode < 0 || mode >= len(f.factors) {
		return 0
	}
	return f.factors[mode]
}

func (f *Fan) clampMode(mode int) int {
	n := len(f.factors)
	if mode < 0 || n == 0 {
		return 0
	}
	if mode >= n {
		return n - 1
	}
	return mode
}
