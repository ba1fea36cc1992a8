// Package logic coordinates the supply and exhaust fans of the ventilation unit.
// This package has NO hardware or MQTT dependencies; those are reached through
// the interfaces below. Time is always injectable via time.Time parameters.
package logic

import (
	"time"

	"github.com/sweeney/hrv-fanctl/internal/fan"
)

// OperatingMode is the top-level state of the coordinator.
type OperatingMode string

const (
	ModeNormal      OperatingMode = "NORMAL"
	ModeCalibrating OperatingMode = "CALIBRATING"
)

// CalibrationStatus is reported on the calibration topic.
type CalibrationStatus string

const (
	CalibrationRunning CalibrationStatus = "RUNNING"
	CalibrationOK      CalibrationStatus = "OK"
	CalibrationTimeout CalibrationStatus = "TIMEOUT"
)

// EventType identifies a report to be published.
type EventType string

const (
	EventMode        EventType = "MODE"
	EventSpeed       EventType = "SPEED"
	EventCalibration EventType = "CALIBRATION"
	EventDebug       EventType = "DEBUG"
)

// Event is a report to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Fan       int    // 1 or 2 for per-fan events, 0 otherwise
	Value     int    // ventilation mode or RPM
	Text      string // calibration status or debug line
}

// Reporter publishes events. A failed mode or speed report is retried on the
// next tick.
type Reporter interface {
	Publish(event Event) error
}

// Output drives one fan's hardware. fanID is 1 (supply) or 2 (exhaust) and
// tech is the technical output 0..1000.
type Output interface {
	Write(fanID int, tech int) error
}

// SafetyHook may force fan outputs off. It is called after the outputs are
// computed and before they are written to hardware, on every tick.
type SafetyHook interface {
	FanSpeedSet(supply, exhaust *fan.Fan)
}

// Persistence stores the calibrated tables and standard speeds. fanID is 1 or 2.
type Persistence interface {
	StandardSpeed(fanID int) int
	SetStandardSpeed(fanID int, rpm int)
	FanOutput(fanID int, mode int) int
	SetFanOutput(fanID int, mode int, value int)
}

// Message is a command received from the bus. Topic is relative to the
// command (or debug command) prefix.
type Message struct {
	Topic   string
	Payload string
	Debug   bool
}

// Command topics relative to the command prefix.
const (
	TopicFan1StandardSpeed = "fan1/standardspeed"
	TopicFan2StandardSpeed = "fan2/standardspeed"
	TopicVentilationMode   = "lueftungsstufe"
	TopicControlLaw        = "fans/calculatespeed"
	TopicCalibrate         = "calibratefans"
	TopicGetSpeed          = "fans/getspeed"
)

// Debug command topics relative to the debug command prefix.
const (
	TopicFan1GetValues = "fan1/getvalues"
	TopicFan2GetValues = "fan2/getvalues"
	TopicFan1PWM       = "fan1/pwm"
	TopicFan2PWM       = "fan2/pwm"
	TopicStoreTables   = "fan/pwm/store_IKNOWWHATIMDOING"
	TopicOverride      = "antifreeze/override"
)

// FanState is a read-only view of one fan.
type FanState struct {
	ID            int
	Speed         int
	Setpoint      int
	TechOutput    int
	StandardSpeed int
	Table         []int
	Debug         bool
}

// State is a read-only view of the coordinator.
type State struct {
	VentilationMode int
	ModeCount       int
	Law             fan.Law
	Mode            OperatingMode
	CalibrationMode int
	LastCalibration CalibrationStatus
	Counts          EventCounts
	Fans            [2]FanState
}

// EventCounts tracks what the coordinator has done since startup.
type EventCounts struct {
	SpeedReports       int
	ModeReports        int
	Calibrations       int
	CalibrationsFailed int
	Commands           int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
