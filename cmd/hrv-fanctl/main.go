// Command hrv-fanctl regulates the supply and exhaust fans of a heat recovery
// ventilation unit and exposes them on MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/hrv-fanctl/internal/config"
	"github.com/sweeney/hrv-fanctl/internal/fan"
	"github.com/sweeney/hrv-fanctl/internal/gpio"
	"github.com/sweeney/hrv-fanctl/internal/logic"
	"github.com/sweeney/hrv-fanctl/internal/mqtt"
	"github.com/sweeney/hrv-fanctl/internal/output"
	"github.com/sweeney/hrv-fanctl/internal/safety"
	"github.com/sweeney/hrv-fanctl/internal/status"
	"github.com/sweeney/hrv-fanctl/internal/tacho"
	"github.com/sweeney/hrv-fanctl/internal/web"
)

func main() {
	configPath := flag.String("config", "/etc/hrv-fanctl/config.yaml", "YAML configuration file")
	stateDir := flag.String("state-dir", "", "Directory for calibrated tables (overrides config)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	printState := flag.Bool("print-state", false, "Print stored tables and standard speeds and exit")
	mock := flag.Bool("mock", false, "Simulate fans instead of driving hardware")
	debug := flag.Bool("debug", false, "Log fan speeds on every tick")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	switch *httpAddr {
	case "":
	case "off":
		cfg.HTTPAddr = ""
	default:
		cfg.HTTPAddr = *httpAddr
	}
	if *debug {
		cfg.Debug = true
	}

	if err := run(cfg, *printState, *mock); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg config.Config, printState, mock bool) error {
	store := config.NewJSONStore(cfg.StateDir, cfg.DefaultState())
	if err := store.Load(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	log.Printf("state: using %s", store.Path())
	defer func() {
		if err := store.Flush(); err != nil {
			log.Printf("state: flush: %v", err)
		}
	}()

	if printState {
		writeState(os.Stdout, store.State(), len(cfg.Control.ModeFactors))
		return nil
	}

	w1 := tacho.New(cfg.Tachometer(), gpio.Monotonic)
	w2 := tacho.New(cfg.Tachometer(), gpio.Monotonic)
	supply := fan.New(1, w1, cfg.FanSettings())
	exhaust := fan.New(2, w2, cfg.FanSettings())

	hw, err := openHardware(cfg, mock, w1, w2)
	if err != nil {
		return err
	}
	defer hw.Close()

	for id := 1; id <= 2; id++ {
		if err := hw.lines.SetPower(id, true); err != nil {
			log.Printf("gpio: fan%d power on: %v", id, err)
		}
	}

	publisher := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Topics:     cfg.Topics(),
		BufferSize: cfg.MQTT.BufferSize,
	})
	defer publisher.Close()

	startTime := time.Now()
	override := safety.NewOverride()
	controller := logic.NewController(cfg.Logic(), supply, exhaust, hw.out, override, store, publisher, startTime)

	router := &mqtt.Router{}
	router.Register(controller)
	router.Register(override)

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(startTime, status.Config{
		TickMs:      cfg.TickInterval.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTPAddr,
		Outputs:     hw.names,
	})
	tracker.Update(controller.State(), string(override.Mode()))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTPAddr)
	}

	log.Printf("started: tick=%v mode=%d broker=%s heartbeat=%v outputs=%v",
		cfg.TickInterval, controller.VentilationMode(), cfg.MQTT.Broker, cfg.Heartbeat, hw.names)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	d := &daemon{
		controller: controller,
		override:   override,
		router:     router,
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		heartbeat:  cfg.Heartbeat,
		debug:      cfg.Debug,
		windows:    [2]*tacho.Window{w1, w2},
		now:        time.Now,
	}
	return d.runLoop(ticker.C, publisher.Commands(), sigCh)
}

// hardware bundles the fan outputs and GPIO lines of the daemon.
type hardware struct {
	out     logic.Output
	lines   gpio.Lines
	names   []string
	closers []io.Closer
	cancel  context.CancelFunc
}

// Close releases outputs before the relay lines so the fans stop last.
func (h *hardware) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			log.Printf("output: close: %v", err)
		}
	}
	if err := h.lines.Close(); err != nil {
		log.Printf("gpio: close: %v", err)
	}
}

func openHardware(cfg config.Config, mock bool, w1, w2 *tacho.Window) (*hardware, error) {
	if mock {
		sim := gpio.NewSimulator(cfg.Control.NominalSpeed, map[int]gpio.PulseSink{1: w1, 2: w2}, gpio.Monotonic)
		ctx, cancel := context.WithCancel(context.Background())
		go sim.Run(ctx)
		log.Printf("mock: simulating fans at %d rpm nominal", cfg.Control.NominalSpeed)
		return &hardware{out: sim, lines: sim, names: []string{"simulator"}, cancel: cancel}, nil
	}

	lines, err := gpio.NewRealLines(cfg.GPIO.Chip,
		[]gpio.Tacho{
			{FanID: 1, Offset: cfg.GPIO.Fan1Tacho, Sink: w1},
			{FanID: 2, Offset: cfg.GPIO.Fan2Tacho, Sink: w2},
		},
		map[int]int{1: cfg.GPIO.Fan1Power, 2: cfg.GPIO.Fan2Power})
	if err != nil {
		return nil, fmt.Errorf("init gpio: %w", err)
	}
	hw := &hardware{lines: lines}

	var outs output.Multi
	if cfg.PWM.Enabled {
		pwm, err := output.NewPWM(output.DefaultPWMRoot, cfg.PWM.Chip,
			map[int]int{1: cfg.PWM.Fan1Channel, 2: cfg.PWM.Fan2Channel}, uint32(cfg.PWM.PeriodNs))
		if err != nil {
			hw.Close()
			return nil, fmt.Errorf("init pwm: %w", err)
		}
		outs = append(outs, pwm)
		hw.closers = append(hw.closers, pwm)
		hw.names = append(hw.names, "pwm")
	}
	if cfg.DAC.Enabled {
		dac, err := output.OpenDAC(cfg.DAC.Bus, cfg.DAC.Address,
			map[int]byte{1: cfg.DAC.Fan1Channel, 2: cfg.DAC.Fan2Channel}, cfg.DAC.RateLimit)
		if err != nil {
			hw.Close()
			return nil, fmt.Errorf("init dac: %w", err)
		}
		outs = append(outs, dac)
		hw.closers = append(hw.closers, dac)
		hw.names = append(hw.names, "dac")
	}
	if len(outs) == 0 {
		log.Printf("output: no fan output enabled")
	}
	hw.out = outs
	return hw, nil
}

// daemon holds what the run loop drives.
type daemon struct {
	controller *logic.Controller
	override   *safety.Override
	router     *mqtt.Router
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	heartbeat  time.Duration
	debug      bool
	windows    [2]*tacho.Window
	now        func() time.Time
}

func (d *daemon) runLoop(tick <-chan time.Time, commands <-chan logic.Message, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			d.updateStatus()
			snap := d.tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  d.now(),
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
			}
			if err := d.publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case msg := <-commands:
			d.router.Dispatch(msg)
			d.updateStatus()

		case <-tick:
			t := d.now()
			d.controller.Tick(t)

			if d.debug {
				d.logFans()
			}

			// Check for heartbeat
			if hbData := d.controller.CheckHeartbeat(t, d.heartbeat); hbData != nil {
				log.Printf("heartbeat: uptime=%v speed_reports=%d calibrations=%d commands=%d",
					hbData.Uptime, hbData.Counts.SpeedReports, hbData.Counts.Calibrations, hbData.Counts.Commands)

				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					d.tracker.SetNetwork(net)
				}
				d.updateStatus()
				snap := d.tracker.Snapshot()
				hbEvent := mqtt.SystemEvent{
					Timestamp:  hbData.Timestamp,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
				}
				if err := d.publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}

			// Update status tracker for HTTP consumers
			d.updateStatus()
		}
	}
}

// logFans logs the regulation state and the pulse window of both fans.
func (d *daemon) logFans() {
	st := d.controller.State()
	for i, f := range st.Fans {
		window := "no window"
		if w := d.windows[i]; w != nil {
			window = w.String()
		}
		log.Printf("fan%d: %d rpm (setpoint %d, output %d) [%s]", f.ID, f.Speed, f.Setpoint, f.TechOutput, window)
	}
}

func (d *daemon) updateStatus() {
	d.tracker.Update(d.controller.State(), string(d.override.Mode()))
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

// writeState prints the persisted standard speeds and output tables.
func writeState(w io.Writer, st config.State, modes int) {
	for i := range st.Outputs {
		table := st.Outputs[i]
		if modes < len(table) {
			table = table[:modes]
		}
		fmt.Fprintf(w, "fan%d: standard speed %d rpm, outputs %v\n", i+1, st.StandardSpeed[i], table)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
