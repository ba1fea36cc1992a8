package gpio

import (
	"sync"
	"time"
)

// FakeLines is a test double that records relay switching.
type FakeLines struct {
	mu sync.Mutex

	// Power holds the last relay state per fan.
	Power map[int]bool

	// Switches counts SetPower calls.
	Switches int

	// Closed tracks if Close was called
	Closed bool

	// PowerError, if set, will be returned by SetPower()
	PowerError error
}

// NewFakeLines creates a FakeLines with all relays off.
func NewFakeLines() *FakeLines {
	return &FakeLines{Power: map[int]bool{}}
}

// SetPower records the relay state.
func (f *FakeLines) SetPower(fanID int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PowerError != nil {
		return f.PowerError
	}
	f.Switches++
	f.Power[fanID] = on
	return nil
}

// IsPowered reports the recorded relay state of a fan.
func (f *FakeLines) IsPowered(fanID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Power[fanID]
}

// Close switches all relays off and marks the lines as closed.
func (f *FakeLines) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.Power {
		f.Power[id] = false
	}
	f.Closed = true
	return nil
}

// Pulses feeds n pulses spaced period apart into a sink, starting at start,
// and returns the timestamp of the last one.
func Pulses(sink PulseSink, start, period time.Duration, n int) time.Duration {
	at := start
	for i := 0; i < n; i++ {
		at = start + time.Duration(i)*period
		sink.RecordPulse(at)
	}
	return at
}
