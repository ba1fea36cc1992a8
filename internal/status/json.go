package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/hrv-fanctl/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event           string       `json:"event,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	VentilationMode int          `json:"ventilation_mode"`
	Modes           int          `json:"modes"`
	Law             string       `json:"law"`
	Mode            string       `json:"mode"`
	Calibration     Calibration  `json:"calibration"`
	Override        string       `json:"override"`
	Fans            []FanJSON    `json:"fans"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	StartTime       string       `json:"start_time"`
	Timestamp       string       `json:"timestamp"`
	MQTT            MQTTStatus   `json:"mqtt"`
	Counts          CountsJSON   `json:"event_counts"`
	Network         *NetworkJSON `json:"network,omitempty"`
	Config          ConfigJSON   `json:"config"`
}

// Calibration reports calibration progress.
type Calibration struct {
	Mode       int    `json:"mode"`
	LastResult string `json:"last_result,omitempty"`
}

// FanJSON is the JSON representation of one fan.
type FanJSON struct {
	ID            int   `json:"id"`
	RPM           int   `json:"rpm"`
	Setpoint      int   `json:"setpoint"`
	Output        int   `json:"output"`
	StandardSpeed int   `json:"standard_speed"`
	Table         []int `json:"table"`
	Debug         bool  `json:"debug"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	SpeedReports       int `json:"speed_reports"`
	ModeReports        int `json:"mode_reports"`
	Calibrations       int `json:"calibrations"`
	CalibrationsFailed int `json:"calibrations_failed"`
	Commands           int `json:"commands"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs      int64    `json:"tick_ms"`
	HeartbeatMs int64    `json:"heartbeat_ms"`
	Broker      string   `json:"broker"`
	HTTPPort    string   `json:"http_port"`
	Outputs     []string `json:"outputs"`
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Controller
	mode := string(c.Mode)
	if mode == "" {
		mode = "UNKNOWN"
	}
	override := snap.Override
	if override == "" {
		override = "off"
	}

	fans := make([]FanJSON, 0, len(c.Fans))
	for _, f := range c.Fans {
		fans = append(fans, buildFan(f))
	}
	outputs := snap.Config.Outputs
	if outputs == nil {
		outputs = []string{}
	}

	return StatusInner{
		VentilationMode: c.VentilationMode,
		Modes:           c.ModeCount,
		Law:             c.Law.String(),
		Mode:            mode,
		Calibration: Calibration{
			Mode:       c.CalibrationMode,
			LastResult: string(c.LastCalibration),
		},
		Override:      override,
		Fans:          fans,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			SpeedReports:       c.Counts.SpeedReports,
			ModeReports:        c.Counts.ModeReports,
			Calibrations:       c.Counts.Calibrations,
			CalibrationsFailed: c.Counts.CalibrationsFailed,
			Commands:           c.Counts.Commands,
		},
		Config: ConfigJSON{
			TickMs:      snap.Config.TickMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			Outputs:     outputs,
		},
	}
}

func buildFan(f logic.FanState) FanJSON {
	table := f.Table
	if table == nil {
		table = []int{}
	}
	return FanJSON{
		ID:            f.ID,
		RPM:           f.Speed,
		Setpoint:      f.Setpoint,
		Output:        f.TechOutput,
		StandardSpeed: f.StandardSpeed,
		Table:         table,
		Debug:         f.Debug,
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatFan returns the JSON of one fan, or false if no fan has that ID.
func FormatFan(snap Snapshot, id int) ([]byte, bool) {
	for _, f := range snap.Controller.Fans {
		if f.ID == id {
			data, _ := json.MarshalIndent(buildFan(f), "", "  ")
			return data, true
		}
	}
	return nil, false
}
