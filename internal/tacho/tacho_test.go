package tacho

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const period = 20 * time.Millisecond // 3000 RPM

type fakeClock struct{ now atomic.Int64 }

func (c *fakeClock) set(d time.Duration) { c.now.Store(int64(d)) }
func (c *fakeClock) read() time.Duration { return time.Duration(c.now.Load()) }

// feed records n pulses spaced by period, starting at start, and returns the
// time of the last pulse.
func feed(w *Window, clk *fakeClock, start time.Duration, n int) time.Duration {
	at := start
	for i := 0; i < n; i++ {
		at = start + time.Duration(i)*period
		w.RecordPulse(at)
	}
	clk.set(at)
	return at
}

func TestDefaults(t *testing.T) {
	w := New(Config{}, func() time.Duration { return 0 })
	if w.stopPeriod != 1_000_000 {
		t.Errorf("stop period: got %d, want 1000000", w.stopPeriod)
	}
	if w.noisePeriod != 6000 {
		t.Errorf("noise period: got %d, want 6000", w.noisePeriod)
	}
}

func TestSpeedSteady(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	feed(w, clk, time.Second, Capacity+1)

	if got := w.Speed(); got != 3000 {
		t.Errorf("speed: got %d, want 3000", got)
	}
	if got := w.sum.Load(); got != Capacity*20000 {
		t.Errorf("sum: got %d, want %d", got, Capacity*20000)
	}
}

func TestSpeedNoPulses(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	if got := w.Speed(); got != 0 {
		t.Errorf("speed: got %d, want 0", got)
	}
	w.RecordPulse(time.Second)
	if got := w.Speed(); got != 0 {
		t.Errorf("speed after one pulse: got %d, want 0", got)
	}
}

func TestSpeedReadsAreIdempotent(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	feed(w, clk, time.Second, 2*Capacity)

	first := w.Speed()
	for i := 0; i < 5; i++ {
		if got := w.Speed(); got != first {
			t.Fatalf("read %d: got %d, want %d", i, got, first)
		}
	}
}

func TestOutlierIgnored(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	last := feed(w, clk, time.Second, Capacity+1)
	sum, lastTime, prev := w.sum.Load(), w.lastTime.Load(), w.last.Load()

	w.RecordPulse(last + 5*time.Millisecond)

	if w.sum.Load() != sum || w.lastTime.Load() != lastTime || w.last.Load() != prev {
		t.Error("outlier changed the window")
	}
	if got := w.Speed(); got != 3000 {
		t.Errorf("speed: got %d, want 3000", got)
	}

	// The next regular pulse is measured from the last accepted one.
	w.RecordPulse(last + period)
	if w.sum.Load() != sum {
		t.Errorf("sum: got %d, want %d", w.sum.Load(), sum)
	}
	if w.lastTime.Load() != uint64((last + period).Microseconds()) {
		t.Error("regular pulse after outlier not recorded")
	}
}

func TestClampTracksSlowly(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	last := feed(w, clk, time.Second, Capacity+1)
	sum := w.sum.Load()

	// 30 ms is beyond +25 % of 20 ms: not inserted, bound remembered.
	at := last + 30*time.Millisecond
	w.RecordPulse(at)
	if w.sum.Load() != sum {
		t.Errorf("sum changed by clamped interval: got %d, want %d", w.sum.Load(), sum)
	}
	if got := w.last.Load(); got != 25000 {
		t.Errorf("last: got %d, want 25000", got)
	}
	if got := w.lastTime.Load(); got != uint64(at.Microseconds()) {
		t.Errorf("lastTime: got %d, want %d", got, at.Microseconds())
	}

	// 30 ms is within ±25 % of 25 ms: accepted.
	w.RecordPulse(at + 30*time.Millisecond)
	if got := w.sum.Load(); got != sum-20000+30000 {
		t.Errorf("sum: got %d, want %d", got, sum-20000+30000)
	}
	if got := w.last.Load(); got != 30000 {
		t.Errorf("last: got %d, want 30000", got)
	}

	// Too short: bound is 22.5 ms.
	w.RecordPulse(at + 30*time.Millisecond + 10*time.Millisecond)
	if got := w.last.Load(); got != 22500 {
		t.Errorf("last: got %d, want 22500", got)
	}
}

func TestLongIntervalMeansStopped(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	last := feed(w, clk, time.Second, Capacity+1)

	w.RecordPulse(last + 2*time.Second)
	clk.set(last + 2*time.Second)

	if w.valid.Load() || w.last.Load() != 0 || w.lastTime.Load() != 0 {
		t.Errorf("window not reset: %s", w)
	}
	if got := w.Speed(); got != 0 {
		t.Errorf("speed: got %d, want 0", got)
	}
}

func TestStaleReadReturnsZero(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	last := feed(w, clk, time.Second, Capacity+1)

	clk.set(last + 1100*time.Millisecond)
	if got := w.Speed(); got != 0 {
		t.Errorf("speed: got %d, want 0", got)
	}
	if w.valid.Load() || w.lastTime.Load() != 0 || w.last.Load() != 0 {
		t.Errorf("stale window not cleared: %s", w)
	}
	if got := w.Speed(); got != 0 {
		t.Errorf("second read: got %d, want 0", got)
	}

	// Pulses resume: the first one only records its timestamp.
	resume := last + 5*time.Second
	w.RecordPulse(resume)
	if w.valid.Load() {
		t.Error("first pulse after a stop should not validate")
	}
	w.RecordPulse(resume + period)
	clk.set(resume + period)
	if got := w.Speed(); got == 0 {
		t.Error("speed should be measured again after two pulses")
	}
}

func TestWithinStopPeriodNotStale(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	last := feed(w, clk, time.Second, Capacity+1)

	clk.set(last + 900*time.Millisecond)
	if got := w.Speed(); got != 3000 {
		t.Errorf("speed: got %d, want 3000", got)
	}
}

func TestString(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)
	if got := w.String(); got != "INVALID: last: 0@0, sum: 0" {
		t.Errorf("empty: got %q", got)
	}
	w.RecordPulse(time.Second)
	w.RecordPulse(time.Second + period)
	if got := w.String(); got != "last: 20000@1020000, sum: 20000" {
		t.Errorf("got %q", got)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	clk := &fakeClock{}
	w := New(DefaultConfig(), clk.read)

	const pulses = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= pulses; i++ {
			at := time.Second + time.Duration(i)*period
			clk.set(at)
			w.RecordPulse(at)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			w.Speed()
		}
	}()

	wg.Wait()
	<-done
	if got := w.Speed(); got != 3000 {
		t.Errorf("speed after concurrent run: got %d, want 3000", got)
	}
}
