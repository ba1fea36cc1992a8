package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/hrv-fanctl/internal/config"
	"github.com/sweeney/hrv-fanctl/internal/fan"
	"github.com/sweeney/hrv-fanctl/internal/logic"
	"github.com/sweeney/hrv-fanctl/internal/mqtt"
	"github.com/sweeney/hrv-fanctl/internal/output"
	"github.com/sweeney/hrv-fanctl/internal/safety"
	"github.com/sweeney/hrv-fanctl/internal/status"
	"github.com/sweeney/hrv-fanctl/internal/tacho"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants — not the other way around.
func TestEnvVarNames(t *testing.T) {
	// These are the canonical names from pi-helper.
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}

	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("NetworkInfo: got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")

	info := readNetworkInfo()
	if info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want %q", info.Status, "connected")
	}
	if info.Type != "" || info.IP != "" {
		t.Errorf("expected empty Type and IP, got %q %q", info.Type, info.IP)
	}
}

func TestWriteState(t *testing.T) {
	st := config.Default().DefaultState()
	var buf bytes.Buffer

	writeState(&buf, st, 4)

	want := "fan1: standard speed 1550 rpm, outputs [0 339 484 629]\n" +
		"fan2: standard speed 1550 rpm, outputs [0 339 484 629]\n"
	if buf.String() != want {
		t.Errorf("writeState:\ngot  %q\nwant %q", buf.String(), want)
	}
}

// --- runLoop tests ---

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type constSpeed uint32

func (c constSpeed) Speed() uint32 { return uint32(c) }

type testDaemon struct {
	*daemon
	pub *mqtt.FakePublisher
	out *output.Fake
}

func newTestDaemon(t *testing.T, heartbeat, step time.Duration) *testDaemon {
	t.Helper()
	cfg := config.Default()
	store := config.NewJSONStore(t.TempDir(), cfg.DefaultState())
	if err := store.Load(); err != nil {
		t.Fatalf("load store: %v", err)
	}
	supply := fan.New(1, constSpeed(1500), cfg.FanSettings())
	exhaust := fan.New(2, constSpeed(1450), cfg.FanSettings())
	pub := mqtt.NewFakePublisher()
	out := output.NewFake()
	override := safety.NewOverride()
	controller := logic.NewController(cfg.Logic(), supply, exhaust, out, override, store, pub, testStart)

	router := &mqtt.Router{}
	router.Register(controller)
	router.Register(override)

	return &testDaemon{
		daemon: &daemon{
			controller: controller,
			override:   override,
			router:     router,
			publisher:  pub,
			mqttStatus: pub,
			tracker:    status.NewTracker(testStart, status.Config{Broker: cfg.MQTT.Broker}),
			heartbeat:  heartbeat,
			now:        fakeClock(testStart.Add(step), step),
		},
		pub: pub,
		out: out,
	}
}

// run drives runLoop with the given commands (each followed by one tick),
// extra ticks and a final signal.
func (d *testDaemon) run(t *testing.T, commands []logic.Message, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	cmd := make(chan logic.Message)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.runLoop(tick, cmd, sig)
	}()

	for _, c := range commands {
		cmd <- c
		tick <- time.Time{}
	}
	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func (d *testDaemon) systemEvents(name string) []mqtt.SystemEvent {
	var out []mqtt.SystemEvent
	for _, se := range d.pub.SystemEvents {
		if se.Event == name {
			out = append(out, se)
		}
	}
	return out
}

func TestRunLoopFirstTickReports(t *testing.T) {
	d := newTestDaemon(t, 0, time.Second)

	if err := d.run(t, nil, 1, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if got := d.pub.Find("d15/state/kwl/lueftungsstufe"); len(got) != 1 || got[0] != "2" {
		t.Errorf("mode reports: got %v, want [2]", got)
	}
	if got := d.pub.Find("d15/state/kwl/fan1/speed"); len(got) != 1 || got[0] != "1500" {
		t.Errorf("fan1 speed reports: got %v, want [1500]", got)
	}
	if got := d.pub.Find("d15/state/kwl/fan2/speed"); len(got) != 1 || got[0] != "1450" {
		t.Errorf("fan2 speed reports: got %v, want [1450]", got)
	}
	if d.out.Values[1] != 484 || d.out.Values[2] != 484 {
		t.Errorf("outputs: got %v, want 484 for both fans", d.out.Values)
	}
}

func TestRunLoopCommandDispatch(t *testing.T) {
	d := newTestDaemon(t, 0, time.Second)

	cmds := []logic.Message{{Topic: logic.TopicVentilationMode, Payload: "3"}}
	if err := d.run(t, cmds, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if d.controller.VentilationMode() != 3 {
		t.Errorf("VentilationMode: got %d, want 3", d.controller.VentilationMode())
	}
	if d.out.Values[1] != 629 {
		t.Errorf("fan1 output: got %d, want 629", d.out.Values[1])
	}
	if got := d.pub.Find("d15/state/kwl/lueftungsstufe"); len(got) != 1 || got[0] != "3" {
		t.Errorf("mode reports: got %v, want [3]", got)
	}
}

func TestRunLoopSafetyOverride(t *testing.T) {
	d := newTestDaemon(t, 0, time.Second)

	cmds := []logic.Message{{Topic: logic.TopicOverride, Payload: "fan1", Debug: true}}
	if err := d.run(t, cmds, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if d.out.Values[1] != 0 {
		t.Errorf("supply output: got %d, want 0", d.out.Values[1])
	}
	if d.out.Values[2] != 484 {
		t.Errorf("exhaust output: got %d, want 484", d.out.Values[2])
	}
	if d.tracker.Snapshot().Override != "fan1" {
		t.Errorf("tracker override: got %q, want fan1", d.tracker.Snapshot().Override)
	}
}

func TestRunLoopUnknownCommandIgnored(t *testing.T) {
	d := newTestDaemon(t, 0, time.Second)

	cmds := []logic.Message{{Topic: "nonsense", Payload: "1"}}
	if err := d.run(t, cmds, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if d.controller.State().Counts.Commands != 0 {
		t.Errorf("Commands: got %d, want 0", d.controller.State().Counts.Commands)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	// Ticks at +5m, +10m, +15m; the heartbeat fires on the third.
	d := newTestDaemon(t, 15*time.Minute, 5*time.Minute)

	if err := d.run(t, nil, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	hbs := d.systemEvents("HEARTBEAT")
	if len(hbs) != 1 {
		t.Fatalf("expected 1 HEARTBEAT event, got %d", len(hbs))
	}
	if hbs[0].Retained {
		t.Error("HEARTBEAT should not be retained")
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(hbs[0].RawPayload, &sj); err != nil {
		t.Fatalf("invalid heartbeat JSON: %v", err)
	}
	if sj.Status.Event != "HEARTBEAT" {
		t.Errorf("Event: got %q, want HEARTBEAT", sj.Status.Event)
	}
	if len(sj.Status.Fans) != 2 || sj.Status.Fans[0].RPM != 1500 {
		t.Errorf("Fans: got %+v", sj.Status.Fans)
	}
	if len(d.systemEvents("SHUTDOWN")) != 1 {
		t.Errorf("expected 1 SHUTDOWN event")
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	d := newTestDaemon(t, 0, 5*time.Minute)

	if err := d.run(t, nil, 10, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if n := len(d.systemEvents("HEARTBEAT")); n != 0 {
		t.Errorf("expected no HEARTBEAT events, got %d", n)
	}
}

func TestRunLoopHeartbeatIncludesNetworkInfo(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.42")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "associated")
	t.Setenv(envNetworkWifiSSID, "HomeNet")

	d := newTestDaemon(t, 15*time.Minute, 5*time.Minute)
	if err := d.run(t, nil, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	hbs := d.systemEvents("HEARTBEAT")
	if len(hbs) != 1 {
		t.Fatalf("expected 1 HEARTBEAT event, got %d", len(hbs))
	}
	var sj status.StatusJSON
	if err := json.Unmarshal(hbs[0].RawPayload, &sj); err != nil {
		t.Fatalf("invalid heartbeat JSON: %v", err)
	}
	if sj.Status.Network == nil {
		t.Fatal("heartbeat missing network info")
	}
	if sj.Status.Network.SSID != "HomeNet" {
		t.Errorf("Network.SSID: got %q, want HomeNet", sj.Status.Network.SSID)
	}
}

func TestRunLoopPublishError(t *testing.T) {
	// Reports fail but the loop keeps running and still shuts down cleanly.
	d := newTestDaemon(t, 0, time.Second)
	d.pub.PublishError = errors.New("broker unavailable")

	if err := d.run(t, nil, 5, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(d.pub.Events) != 0 {
		t.Errorf("expected 0 recorded events (publish failed), got %d", len(d.pub.Events))
	}
	if d.out.Writes[1] != 5 {
		t.Errorf("fan1 writes: got %d, want 5", d.out.Writes[1])
	}
	if len(d.systemEvents("SHUTDOWN")) != 1 {
		t.Error("expected SHUTDOWN system event despite publish errors")
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	d := newTestDaemon(t, 0, time.Second)

	if err := d.run(t, nil, 2, syscall.SIGINT); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(d.pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(d.pub.SystemEvents))
	}
	se := d.pub.SystemEvents[0]
	if se.Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN, got %q", se.Event)
	}
	if se.Reason != "SIGINT" {
		t.Errorf("expected reason SIGINT, got %q", se.Reason)
	}
	if se.Retained != true {
		t.Error("expected Retained=true for SHUTDOWN")
	}
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	d := newTestDaemon(t, 0, time.Second)
	d.pub.Connected = true

	if err := d.run(t, nil, 2, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(d.pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(d.pub.SystemEvents))
	}
	se := d.pub.SystemEvents[0]
	if se.Reason != "SIGTERM" {
		t.Errorf("expected reason SIGTERM, got %q", se.Reason)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(se.RawPayload, &sj); err != nil {
		t.Fatalf("invalid shutdown JSON: %v", err)
	}
	if sj.Status.Event != "SHUTDOWN" || sj.Status.Reason != "SIGTERM" {
		t.Errorf("payload event/reason: got %q/%q", sj.Status.Event, sj.Status.Reason)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT connected in shutdown payload")
	}
	if sj.Status.VentilationMode != 2 {
		t.Errorf("VentilationMode: got %d, want 2", sj.Status.VentilationMode)
	}
}

func TestRunLoopStartsCalibration(t *testing.T) {
	d := newTestDaemon(t, 0, time.Second)

	cmds := []logic.Message{{Topic: logic.TopicCalibrate, Payload: "YES"}}
	if err := d.run(t, cmds, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if d.controller.Mode() != logic.ModeCalibrating {
		t.Errorf("Mode: got %s, want CALIBRATING", d.controller.Mode())
	}
	if got := d.pub.Find("d15/state/kwl/fans/calibration"); len(got) != 1 || got[0] != "RUNNING" {
		t.Errorf("calibration reports: got %v, want [RUNNING]", got)
	}
	if d.tracker.Snapshot().Controller.Mode != logic.ModeCalibrating {
		t.Error("tracker should show calibration")
	}
}

func TestRunLoopDebugLogsPulseWindows(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	d := newTestDaemon(t, 0, time.Second)
	d.debug = true
	w := tacho.New(tacho.DefaultConfig(), func() time.Duration { return 2 * time.Second })
	w.RecordPulse(time.Second)
	w.RecordPulse(time.Second + 20*time.Millisecond)
	d.windows[0] = w

	if err := d.run(t, nil, 1, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	logged := buf.String()
	for _, want := range []string{
		"fan1: 1500 rpm (setpoint 1550, output 484) [last: 20000@1020000, sum: 20000]",
		"fan2: 1450 rpm (setpoint 1550, output 484) [no window]",
	} {
		if !strings.Contains(logged, want) {
			t.Errorf("log does not contain %q:\n%s", want, logged)
		}
	}
}
