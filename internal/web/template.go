package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/hrv-fanctl/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"fanName": func(id int) string {
		switch id {
		case 1:
			return "Supply"
		case 2:
			return "Exhaust"
		}
		return fmt.Sprintf("Fan %d", id)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Ventilation</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.normal { color: green; font-weight: bold; }
.calibrating { color: orange; font-weight: bold; }
.forced { color: red; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Ventilation</h1>

<h2>Control</h2>
<table>
<tr><th>Ventilation mode</th><td id="vent-mode">{{.Controller.VentilationMode}} / {{.Controller.ModeCount}}</td></tr>
<tr><th>Control law</th><td>{{.Controller.Law}}</td></tr>
<tr><th>Operation</th><td class="{{if eq (printf "%s" .Controller.Mode) "CALIBRATING"}}calibrating{{else}}normal{{end}}">{{stateOrUnknown (printf "%s" .Controller.Mode)}}{{if eq (printf "%s" .Controller.Mode) "CALIBRATING"}} (mode {{.Controller.CalibrationMode}}){{end}}</td></tr>
<tr><th>Last calibration</th><td>{{if .Controller.LastCalibration}}{{.Controller.LastCalibration}}{{else}}none{{end}}</td></tr>
<tr><th>Safety override</th><td class="{{if and .Override (ne .Override "off")}}forced{{else}}off{{end}}">{{if .Override}}{{.Override}}{{else}}off{{end}}</td></tr>
</table>

<h2>Fans</h2>
<table>
<tr><th></th>{{range .Controller.Fans}}<th>{{fanName .ID}}</th>{{end}}</tr>
<tr><td>Speed</td>{{range .Controller.Fans}}<td>{{.Speed}} rpm</td>{{end}}</tr>
<tr><td>Setpoint</td>{{range .Controller.Fans}}<td>{{.Setpoint}} rpm</td>{{end}}</tr>
<tr><td>Output</td>{{range .Controller.Fans}}<td>{{.TechOutput}}</td>{{end}}</tr>
<tr><td>Standard speed</td>{{range .Controller.Fans}}<td>{{.StandardSpeed}} rpm</td>{{end}}</tr>
<tr><td>Table</td>{{range .Controller.Fans}}<td>{{range $i, $v := .Table}}{{if $i}} {{end}}{{$v}}{{end}}</td>{{end}}</tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}} - {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Speed reports</th><td>{{.Controller.Counts.SpeedReports}}</td></tr>
<tr><th>Mode reports</th><td>{{.Controller.Counts.ModeReports}}</td></tr>
<tr><th>Calibrations</th><td>{{.Controller.Counts.Calibrations}}</td></tr>
<tr><th>Calibrations failed</th><td>{{.Controller.Counts.CalibrationsFailed}}</td></tr>
<tr><th>Commands</th><td>{{.Controller.Counts.Commands}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Outputs</th><td>{{range $i, $o := .Config.Outputs}}{{if $i}}, {{end}}{{$o}}{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
