package fan

import "time"

// Tunings are the gains of the speed regulator. Ki and Kd are per second.
type Tunings struct {
	Kp, Ki, Kd float64
}

// Gain sets used by the regulator. The output range 0..1000 drives the fan
// from standstill to its nominal speed (about 3200 RPM).
var (
	Aggressive   = Tunings{Kp: 0.5, Ki: 0.1, Kd: 0.001}
	Conservative = Tunings{Kp: 0.1, Ki: 0.1, Kd: 0.001}
)

// AggressiveGap is the distance from the setpoint (RPM) at which the
// aggressive gains take over.
const AggressiveGap = 1000

// selectTunings picks the gain set for the given distance from the setpoint.
func selectTunings(gap float64) Tunings {
	if gap < AggressiveGap {
		return Conservative
	}
	return Aggressive
}

// pid is a PID regulator with both the proportional and the derivative part
// taken on the measurement, so a setpoint change only moves the output
// through the integral. The proportional part is folded into the integral,
// which is clamped to the output range and so holds at the limit while the
// output is saturated. Not safe for concurrent use.
type pid struct {
	tunings   Tunings
	integral  float64
	lastInput float64
	primed    bool
	steps     int
}

// reset makes the next step continue smoothly from the given output.
func (p *pid) reset(output, input float64) {
	p.integral = clampOutput(output)
	p.lastInput = input
	p.primed = true
}

// step runs one regulation cycle and returns the new output in 0..MaxOutput.
// A non-positive dt leaves the state alone and returns the current output.
func (p *pid) step(setpoint, input float64, dt time.Duration) float64 {
	p.steps++
	if !p.primed {
		p.lastInput = input
		p.primed = true
	}
	if dt <= 0 {
		return clampOutput(p.integral)
	}

	sec := dt.Seconds()
	delta := input - p.lastInput
	p.lastInput = input

	e := setpoint - input
	p.integral = clampOutput(p.integral + p.tunings.Ki*e*sec - p.tunings.Kp*delta)
	return clampOutput(p.integral - p.tunings.Kd*delta/sec)
}

func clampOutput(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > MaxOutput {
		return MaxOutput
	}
	return v
}
