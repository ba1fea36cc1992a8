// Package config loads the daemon configuration and persists the calibrated
// fan tables.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/sweeney/hrv-fanctl/internal/fan"
	"github.com/sweeney/hrv-fanctl/internal/gpio"
	"github.com/sweeney/hrv-fanctl/internal/logic"
	"github.com/sweeney/hrv-fanctl/internal/mqtt"
	"github.com/sweeney/hrv-fanctl/internal/tacho"
)

// Config is the YAML configuration file.
type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	Debug        bool          `yaml:"debug"`
	StateDir     string        `yaml:"state_dir"`
	HTTPAddr     string        `yaml:"http_addr"`

	Control ControlConfig `yaml:"control"`
	Tacho   TachoConfig   `yaml:"tacho"`
	Report  ReportConfig  `yaml:"report"`
	GPIO    GPIOConfig    `yaml:"gpio"`
	PWM     PWMConfig     `yaml:"pwm"`
	DAC     DACConfig     `yaml:"dac"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// ControlConfig configures the speed regulation.
type ControlConfig struct {
	ModeFactors        []float64     `yaml:"mode_factors"`
	DefaultMode        int           `yaml:"default_mode"`
	Fan1StandardSpeed  int           `yaml:"fan1_standard_speed"`
	Fan2StandardSpeed  int           `yaml:"fan2_standard_speed"`
	NominalSpeed       int           `yaml:"nominal_speed"` // RPM at full output
	TolerancePercent   float64       `yaml:"tolerance_percent"`
	CalibrationTimeout time.Duration `yaml:"calibration_timeout"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
}

// TachoConfig holds the plausibility limits of the tachometers.
type TachoConfig struct {
	MinRPM uint32 `yaml:"min_rpm"`
	MaxRPM uint32 `yaml:"max_rpm"`
}

// ReportConfig configures the periodic reports.
type ReportConfig struct {
	ModeInterval       time.Duration `yaml:"mode_interval"`
	SpeedCheckInterval time.Duration `yaml:"speed_check_interval"`
	SpeedOversampling  time.Duration `yaml:"speed_oversampling"`
	MinSpeedDelta      int           `yaml:"min_speed_delta"`
}

// GPIOConfig selects the tachometer inputs and power relay outputs (BCM
// numbering). A negative relay pin disables the relay.
type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	Fan1Tacho int    `yaml:"fan1_tacho"`
	Fan2Tacho int    `yaml:"fan2_tacho"`
	Fan1Power int    `yaml:"fan1_power"`
	Fan2Power int    `yaml:"fan2_power"`
}

// PWMConfig selects the sysfs PWM outputs.
type PWMConfig struct {
	Enabled     bool `yaml:"enabled"`
	Chip        int  `yaml:"chip"`
	Fan1Channel int  `yaml:"fan1_channel"`
	Fan2Channel int  `yaml:"fan2_channel"`
	PeriodNs    int  `yaml:"period_ns"`
}

// DACConfig selects the I²C DAC outputs.
type DACConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Bus         string  `yaml:"bus"` // empty selects the first bus
	Address     uint16  `yaml:"address"`
	Fan1Channel byte    `yaml:"fan1_channel"`
	Fan2Channel byte    `yaml:"fan2_channel"`
	RateLimit   float64 `yaml:"rate_limit"` // writes per second
}

// MQTTConfig configures the broker connection and topics.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	ClientID           string `yaml:"client_id"`
	CommandPrefix      string `yaml:"command_prefix"`
	DebugCommandPrefix string `yaml:"debug_command_prefix"`
	StatePrefix        string `yaml:"state_prefix"`
	DebugStatePrefix   string `yaml:"debug_state_prefix"`
	RetainMode         bool   `yaml:"retain_mode"`
	RetainSpeed        bool   `yaml:"retain_speed"`
	BufferSize         int    `yaml:"buffer_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	lc := logic.DefaultConfig()
	topics := mqtt.DefaultTopics()
	return Config{
		TickInterval: lc.TickInterval,
		Heartbeat:    15 * time.Minute,
		StateDir:     "/var/lib/hrv-fanctl",
		HTTPAddr:     ":80",
		Control: ControlConfig{
			ModeFactors:        []float64{0, 0.7, 1, 1.3},
			DefaultMode:        lc.DefaultMode,
			Fan1StandardSpeed:  1550,
			Fan2StandardSpeed:  1550,
			NominalSpeed:       3200,
			TolerancePercent:   fan.DefaultTolerancePercent,
			CalibrationTimeout: lc.CalibrationTimeout,
			StepTimeout:        lc.StepTimeout,
		},
		Tacho: TachoConfig{
			MinRPM: tacho.DefaultMinRPM,
			MaxRPM: tacho.DefaultMaxRPM,
		},
		Report: ReportConfig{
			ModeInterval:       lc.ModeReportInterval,
			SpeedCheckInterval: lc.SpeedCheckInterval,
			SpeedOversampling:  lc.SpeedOversampling,
			MinSpeedDelta:      lc.MinSpeedDelta,
		},
		GPIO: GPIOConfig{
			Chip:      gpio.DefaultChip,
			Fan1Tacho: gpio.PinFan1Tacho,
			Fan2Tacho: gpio.PinFan2Tacho,
			Fan1Power: gpio.PinFan1Power,
			Fan2Power: gpio.PinFan2Power,
		},
		PWM: PWMConfig{
			Enabled:     true,
			Chip:        0,
			Fan1Channel: 0,
			Fan2Channel: 1,
			PeriodNs:    40000, // 25 kHz
		},
		DAC: DACConfig{
			Address:     176 >> 1,
			Fan1Channel: 0,
			Fan2Channel: 1,
			RateLimit:   20,
		},
		MQTT: MQTTConfig{
			Broker:             "tcp://192.168.1.200:1883",
			ClientID:           "hrv-fanctl",
			CommandPrefix:      topics.Command,
			DebugCommandPrefix: topics.DebugCommand,
			StatePrefix:        topics.State,
			DebugStatePrefix:   topics.DebugState,
			BufferSize:         64,
		},
	}
}

// Load reads a YAML file on top of the defaults. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("config: %s not found, using defaults", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	n := len(c.Control.ModeFactors)
	if n < 1 || n > fan.MaxModes {
		return fmt.Errorf("mode_factors: need 1..%d modes, got %d", fan.MaxModes, n)
	}
	for i, f := range c.Control.ModeFactors {
		if f < 0 {
			return fmt.Errorf("mode_factors[%d]: negative factor %v", i, f)
		}
	}
	if c.Control.DefaultMode < 0 || c.Control.DefaultMode >= n {
		return fmt.Errorf("default_mode: %d outside 0..%d", c.Control.DefaultMode, n-1)
	}
	if c.Control.Fan1StandardSpeed < 0 || c.Control.Fan2StandardSpeed < 0 {
		return errors.New("standard speed must not be negative")
	}
	if c.Control.NominalSpeed <= 0 {
		return errors.New("nominal_speed must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"control.calibration_timeout", c.Control.CalibrationTimeout},
		{"control.step_timeout", c.Control.StepTimeout},
		{"report.mode_interval", c.Report.ModeInterval},
		{"report.speed_check_interval", c.Report.SpeedCheckInterval},
		{"report.speed_oversampling", c.Report.SpeedOversampling},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.v)
		}
	}
	if c.Report.MinSpeedDelta < 0 {
		return fmt.Errorf("report.min_speed_delta must not be negative, got %d", c.Report.MinSpeedDelta)
	}
	if c.Tacho.MinRPM == 0 || c.Tacho.MaxRPM <= c.Tacho.MinRPM {
		return fmt.Errorf("tacho: need 0 < min_rpm < max_rpm, got %d/%d", c.Tacho.MinRPM, c.Tacho.MaxRPM)
	}
	if c.GPIO.Fan1Tacho < 0 || c.GPIO.Fan2Tacho < 0 {
		return errors.New("gpio: tacho pins must not be negative")
	}
	if c.PWM.Enabled && c.PWM.PeriodNs <= 0 {
		return errors.New("pwm: period_ns must be positive")
	}
	if c.DAC.Enabled && (c.DAC.Address == 0 || c.DAC.Address > 0x7f) {
		return fmt.Errorf("dac: invalid 7-bit address %#x", c.DAC.Address)
	}
	return nil
}

// Logic returns the controller timing.
func (c Config) Logic() logic.Config {
	return logic.Config{
		TickInterval:       c.TickInterval,
		DefaultMode:        c.Control.DefaultMode,
		ModeReportInterval: c.Report.ModeInterval,
		SpeedCheckInterval: c.Report.SpeedCheckInterval,
		SpeedOversampling:  c.Report.SpeedOversampling,
		MinSpeedDelta:      c.Report.MinSpeedDelta,
		CalibrationTimeout: c.Control.CalibrationTimeout,
		StepTimeout:        c.Control.StepTimeout,
	}
}

// FanSettings returns the settings shared by both fans.
func (c Config) FanSettings() fan.Settings {
	return fan.Settings{
		ModeFactors:      c.Control.ModeFactors,
		TolerancePercent: c.Control.TolerancePercent,
	}
}

// Tachometer returns the tachometer limits.
func (c Config) Tachometer() tacho.Config {
	return tacho.Config{MinRPM: c.Tacho.MinRPM, MaxRPM: c.Tacho.MaxRPM}
}

// Topics returns the MQTT topic layout.
func (c Config) Topics() mqtt.Topics {
	return mqtt.Topics{
		Command:      c.MQTT.CommandPrefix,
		DebugCommand: c.MQTT.DebugCommandPrefix,
		State:        c.MQTT.StatePrefix,
		DebugState:   c.MQTT.DebugStatePrefix,
		RetainMode:   c.MQTT.RetainMode,
		RetainSpeed:  c.MQTT.RetainSpeed,
	}
}

// DefaultState returns the persisted state before the first calibration: the
// output tables are estimated from the standard speeds and the nominal speed.
func (c Config) DefaultState() State {
	st := State{
		Version:       StateVersion,
		StandardSpeed: [2]int{c.Control.Fan1StandardSpeed, c.Control.Fan2StandardSpeed},
	}
	for i := range st.Outputs {
		st.Outputs[i] = make([]int, fan.MaxModes)
		for m, f := range c.Control.ModeFactors {
			st.Outputs[i][m] = int(float64(st.StandardSpeed[i]) * f * fan.MaxOutput / float64(c.Control.NominalSpeed))
		}
	}
	return st
}
