package logic

import (
	"log"
	"time"

	"github.com/sweeney/hrv-fanctl/internal/fan"
)

// Config holds the timing parameters of the controller.
type Config struct {
	// TickInterval is the nominal period between Tick calls.
	TickInterval time.Duration
	// DefaultMode is the ventilation mode at startup.
	DefaultMode int
	// ModeReportInterval is the period of the unconditional mode report.
	ModeReportInterval time.Duration
	// SpeedCheckInterval is how often the speeds are compared against the
	// last reported values.
	SpeedCheckInterval time.Duration
	// SpeedOversampling is the period after which speeds are reported even
	// if they did not change.
	SpeedOversampling time.Duration
	// MinSpeedDelta is the change in RPM that triggers a speed report.
	MinSpeedDelta int
	// CalibrationTimeout bounds a whole calibration run.
	CalibrationTimeout time.Duration
	// StepTimeout bounds the calibration of a single mode.
	StepTimeout time.Duration
}

// DefaultConfig returns the controller timing used by the ventilation unit.
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		DefaultMode:        2,
		ModeReportInterval: 5 * time.Minute,
		SpeedCheckInterval: 5 * time.Second,
		SpeedOversampling:  2 * time.Minute,
		MinSpeedDelta:      50,
		CalibrationTimeout: 600 * time.Second,
		StepTimeout:        300 * time.Second,
	}
}

// ticks converts an interval into a number of ticks, at least one.
func (c Config) ticks(d time.Duration) int {
	if c.TickInterval <= 0 {
		return 1
	}
	n := int(d / c.TickInterval)
	if n < 1 {
		return 1
	}
	return n
}

// Controller drives both fans. It is not safe for concurrent use; all calls
// come from the run loop.
type Controller struct {
	cfg      Config
	fans     [2]*fan.Fan
	out      Output
	hook     SafetyHook
	store    Persistence
	reporter Reporter

	ventMode int
	law      fan.Law
	mode     OperatingMode

	// Calibration progress.
	calRunning  bool
	stepRunning bool
	calMode     int
	calStart    time.Time
	stepStart   time.Time
	lastResult  CalibrationStatus

	// Reporting.
	forceMode           bool
	forceSpeed          bool
	modeCountdown       int
	speedCountdown      int
	oversampleCountdown int
	lastReported        [2]int
	writeFailed         [2]bool

	startTime     time.Time
	lastTick      time.Time
	lastHeartbeat time.Time
	counts        EventCounts
}

// NewController creates a controller for the supply and exhaust fan. Tables
// and standard speeds are loaded from store. hook may be nil.
func NewController(cfg Config, supply, exhaust *fan.Fan, out Output, hook SafetyHook, store Persistence, reporter Reporter, startTime time.Time) *Controller {
	c := &Controller{
		cfg:           cfg,
		fans:          [2]*fan.Fan{supply, exhaust},
		out:           out,
		hook:          hook,
		store:         store,
		reporter:      reporter,
		law:           fan.TableLookup,
		mode:          ModeNormal,
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
	for i, f := range c.fans {
		id := i + 1
		f.SetStandardSpeed(store.StandardSpeed(id))
		for m := 0; m < f.ModeCount(); m++ {
			f.SetTableEntry(m, store.FanOutput(id, m))
		}
	}
	c.ventMode = c.clampMode(cfg.DefaultMode)
	return c
}

// Tick runs one control cycle at time now.
func (c *Controller) Tick(now time.Time) {
	dt := c.cfg.TickInterval
	if !c.lastTick.IsZero() && now.After(c.lastTick) {
		dt = now.Sub(c.lastTick)
	}
	c.lastTick = now

	for _, f := range c.fans {
		f.UpdateSpeed()
	}

	switch c.mode {
	case ModeCalibrating:
		c.calibrationTick(now, dt)
	default:
		c.speedUpdate(dt)
	}

	c.report(now)
}

// speedUpdate computes both outputs with the selected law and applies them.
func (c *Controller) speedUpdate(dt time.Duration) {
	for _, f := range c.fans {
		f.ComputeSpeed(c.ventMode, c.law, dt)
	}
	c.apply()
}

// apply runs the safety hook and writes both outputs to hardware.
func (c *Controller) apply() {
	if c.hook != nil {
		c.hook.FanSpeedSet(c.fans[0], c.fans[1])
	}
	for i, f := range c.fans {
		err := c.out.Write(f.ID(), f.TechOutput())
		switch {
		case err != nil && !c.writeFailed[i]:
			log.Printf("fan: write fan%d output %d: %v", f.ID(), f.TechOutput(), err)
			c.writeFailed[i] = true
		case err == nil && c.writeFailed[i]:
			log.Printf("fan: write fan%d recovered", f.ID())
			c.writeFailed[i] = false
		}
	}
	c.debugReport()
}

func (c *Controller) debugReport() {
	ts := c.lastTick.Sub(c.startTime).Microseconds()
	for _, f := range c.fans {
		if !f.Debug() {
			continue
		}
		line := f.DebugLine(ts)
		if err := c.reporter.Publish(Event{Timestamp: c.lastTick, Type: EventDebug, Fan: f.ID(), Text: line}); err != nil {
			log.Printf("fan: debug report: %v", err)
		}
	}
}

// report publishes the ventilation mode and fan speeds when due.
func (c *Controller) report(now time.Time) {
	c.modeCountdown--
	if c.forceMode || c.modeCountdown <= 0 {
		err := c.reporter.Publish(Event{Timestamp: now, Type: EventMode, Value: c.ventMode})
		if err != nil {
			log.Printf("report: mode: %v", err)
			c.forceMode = true
		} else {
			c.counts.ModeReports++
			c.forceMode = false
			c.modeCountdown = c.cfg.ticks(c.cfg.ModeReportInterval)
		}
	}

	c.oversampleCountdown--
	if c.oversampleCountdown <= 0 {
		c.forceSpeed = true
	}
	c.speedCountdown--
	if !c.forceSpeed && c.speedCountdown > 0 {
		return
	}
	if !c.forceSpeed {
		if !c.speedChanged() {
			c.speedCountdown = c.cfg.ticks(c.cfg.SpeedCheckInterval)
			return
		}
	}

	for i, f := range c.fans {
		speed := f.Speed()
		if err := c.reporter.Publish(Event{Timestamp: now, Type: EventSpeed, Fan: f.ID(), Value: speed}); err != nil {
			log.Printf("report: fan%d speed: %v", f.ID(), err)
			c.forceSpeed = true
			return
		}
		c.lastReported[i] = speed
	}
	c.counts.SpeedReports++
	c.forceSpeed = false
	c.speedCountdown = c.cfg.ticks(c.cfg.SpeedCheckInterval)
	c.oversampleCountdown = c.cfg.ticks(c.cfg.SpeedOversampling)
}

func (c *Controller) speedChanged() bool {
	for i, f := range c.fans {
		d := f.Speed() - c.lastReported[i]
		if d < 0 {
			d = -d
		}
		if d >= c.cfg.MinSpeedDelta {
			return true
		}
	}
	return false
}

// SetVentilationMode selects a ventilation mode, clamped to the configured
// modes. In normal operation the outputs are recomputed immediately.
func (c *Controller) SetVentilationMode(mode int) {
	c.ventMode = c.clampMode(mode)
	if c.mode == ModeNormal {
		c.speedUpdate(0)
	}
	c.forceMode = true
}

// VentilationMode returns the current ventilation mode.
func (c *Controller) VentilationMode() int { return c.ventMode }

// SetLaw selects how outputs are computed in normal operation.
func (c *Controller) SetLaw(law fan.Law) {
	if law == fan.Feedback && c.law != fan.Feedback {
		for _, f := range c.fans {
			f.ResetRegulator()
		}
	}
	c.law = law
}

// Law returns the current control law.
func (c *Controller) Law() fan.Law { return c.law }

// Mode returns the operating mode.
func (c *Controller) Mode() OperatingMode { return c.mode }

// ForceSend reports the mode and both speeds on the next tick.
func (c *Controller) ForceSend() {
	c.forceMode = true
	c.forceSpeed = true
}

// SetStandardSpeed sets and persists the standard speed of a fan.
func (c *Controller) SetStandardSpeed(fanID, rpm int) {
	f := c.fan(fanID)
	if f == nil {
		return
	}
	f.SetStandardSpeed(rpm)
	c.store.SetStandardSpeed(fanID, f.StandardSpeed())
}

// SetTableEntry overrides the output of the current ventilation mode for a
// fan and applies it immediately.
func (c *Controller) SetTableEntry(fanID, value int) {
	f := c.fan(fanID)
	if f == nil || c.ventMode == 0 {
		return
	}
	f.SetTableEntry(c.ventMode, value)
	if c.mode == ModeNormal {
		c.speedUpdate(0)
	}
	c.forceSpeed = true
}

// StoreTables persists the output tables of both fans.
func (c *Controller) StoreTables() {
	for _, f := range c.fans {
		for m := 0; m < f.ModeCount(); m++ {
			c.store.SetFanOutput(f.ID(), m, f.TableEntry(m))
		}
	}
}

// SetDebug turns the per-tick debug report of a fan on or off.
func (c *Controller) SetDebug(fanID int, on bool) {
	if f := c.fan(fanID); f != nil {
		f.SetDebug(on)
	}
}

// State returns a read-only view for status consumers.
func (c *Controller) State() State {
	s := State{
		VentilationMode: c.ventMode,
		ModeCount:       c.fans[0].ModeCount(),
		Law:             c.law,
		Mode:            c.mode,
		CalibrationMode: c.calMode,
		LastCalibration: c.lastResult,
		Counts:          c.counts,
	}
	for i, f := range c.fans {
		s.Fans[i] = FanState{
			ID:            f.ID(),
			Speed:         f.Speed(),
			Setpoint:      f.Setpoint(),
			TechOutput:    f.TechOutput(),
			StandardSpeed: f.StandardSpeed(),
			Table:         f.Table(),
			Debug:         f.Debug(),
		}
	}
	return s
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed or
// if interval is <= 0 (disabled).
func (c *Controller) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if now.Sub(c.lastHeartbeat) < interval {
		return nil
	}
	c.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(c.startTime),
		Counts:    c.counts,
	}
}

func (c *Controller) fan(id int) *fan.Fan {
	if id < 1 || id > len(c.fans) {
		return nil
	}
	return c.fans[id-1]
}

func (c *Controller) clampMode(mode int) int {
	n := c.fans[0].ModeCount()
	if mode < 0 || n == 0 {
		return 0
	}
	if mode >= n {
		return n - 1
	}
	return mode
}
