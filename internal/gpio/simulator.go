package gpio

import (
	"context"
	"math"
	"sync"
	"time"
)

// Simulator stands in for the fans when running without hardware. Each
// simulated fan follows its technical output with a first-order lag and
// emits tachometer pulses into its sink. It implements Lines and the fan
// output writer.
type Simulator struct {
	nominal float64 // RPM at full output
	lag     time.Duration
	clock   func() time.Duration
	sinks   map[int]PulseSink

	mu    sync.Mutex
	fans  map[int]*simFan
	last  time.Duration
	start bool
}

type simFan struct {
	tech    int
	powered bool
	rpm     float64
	phase   float64 // fraction of a revolution since the last pulse
}

// SimulatorStep is the interval at which Run advances the simulation.
const SimulatorStep = 5 * time.Millisecond

// NewSimulator creates a simulator for the fans in sinks. nominalRPM is the
// speed at an output of 1000.
func NewSimulator(nominalRPM int, sinks map[int]PulseSink, clock func() time.Duration) *Simulator {
	s := &Simulator{
		nominal: float64(nominalRPM),
		lag:     2 * time.Second,
		clock:   clock,
		sinks:   sinks,
		fans:    map[int]*simFan{},
	}
	for id := range sinks {
		s.fans[id] = &simFan{powered: true}
	}
	return s
}

// Write sets the technical output of a simulated fan.
func (s *Simulator) Write(fanID int, tech int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fans[fanID]; ok {
		f.tech = tech
	}
	return nil
}

// SetPower switches a simulated fan's supply.
func (s *Simulator) SetPower(fanID int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fans[fanID]; ok {
		f.powered = on
	}
	return nil
}

// Close powers all simulated fans down.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fans {
		f.powered = false
	}
	return nil
}

// Speed returns the simulated speed of a fan in RPM.
func (s *Simulator) Speed(fanID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fans[fanID]; ok {
		return int(f.rpm)
	}
	return 0
}

// Run advances the simulation until ctx is cancelled. It is the only
// caller of the sinks' RecordPulse.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(SimulatorStep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Advance(s.clock())
		}
	}
}

// Advance moves the simulation to now and emits the pulses that occurred
// since the previous call.
func (s *Simulator) Advance(now time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.start {
		s.start = true
		s.last = now
		return
	}
	dt := now - s.last
	if dt <= 0 {
		return
	}
	s.last = now
	sec := dt.Seconds()

	for id, f := range s.fans {
		target := 0.0
		if f.powered {
			target = s.nominal * float64(f.tech) / 1000
		}
		f.rpm += (target - f.rpm) * math.Min(1, sec/s.lag.Seconds())

		revsPerSec := f.rpm / 60
		if revsPerSec <= 0 {
			f.phase = 0
			continue
		}
		f.phase += revsPerSec * sec
		for f.phase >= 1 {
			f.phase--
			s.sinks[id].RecordPulse(now - time.Duration(f.phase/revsPerSec*float64(time.Second)))
		}
	}
}
