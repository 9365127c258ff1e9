// Command audiosim-host runs the host-side daemon: it discovers an
// accessory, pairs, connects, plays the inbound audio stream through the
// jitter buffer, and serves playout metrics over HTTP.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/diamondburned/audiosim/host"
	"github.com/diamondburned/audiosim/udp"
)

type config struct {
	PeerAddr     string `yaml:"peer_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	TelemetryLog string `yaml:"telemetry_log"`
}

func main() {
	var (
		configPath   = flag.String("config", "", "optional YAML config file")
		peerAddr     = flag.String("peer", "127.0.0.1:8888", "accessory UDP address")
		metricsAddr  = flag.String("metrics", "", "address for the /metrics endpoint, empty to disable")
		telemetryLog = flag.String("telemetry-log", "", "path for the telemetry log, empty to disable")
		verbose      = flag.BoolP("verbose", "v", false, "debug logging")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "host",
	})

	cfg := config{
		PeerAddr:     *peerAddr,
		MetricsAddr:  *metricsAddr,
		TelemetryLog: *telemetryLog,
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Fatal("cannot read config", "err", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			logger.Fatal("cannot parse config", "err", err)
		}
	}

	// Flags override file values.
	if flag.CommandLine.Changed("peer") {
		cfg.PeerAddr = *peerAddr
	}
	if flag.CommandLine.Changed("metrics") {
		cfg.MetricsAddr = *metricsAddr
	}
	if flag.CommandLine.Changed("telemetry-log") {
		cfg.TelemetryLog = *telemetryLog
	}

	if *verbose {
		logger.SetLevel(log.DebugLevel)
		udp.Debug = func(v ...interface{}) { logger.Debug("udp", "msg", v) }
		host.Debug = func(v ...interface{}) { logger.Debug("host", "msg", v) }
	}

	h := host.New(host.Config{
		PeerAddr:     cfg.PeerAddr,
		AutoConnect:  true,
		TelemetryLog: cfg.TelemetryLog,
	})

	h.Transport.ErrorLog = func(err error) { logger.Error("transport", "err", err) }
	h.Devices.ErrorLog = func(err error) { logger.Error("devices", "err", err) }

	h.OnDeviceDiscovered = func(d host.Device) {
		logger.Info("discovered device",
			"name", d.Name, "id", d.ID, "battery", d.BatteryLevel)
	}
	h.OnConnectionState = func(connected bool) {
		logger.Info("connection state", "connected", connected)
	}

	if err := h.Start(); err != nil {
		logger.Fatal("cannot start host", "err", err)
	}

	logger.Info("host ready", "peer", cfg.PeerAddr)

	if cfg.MetricsAddr != "" {
		registerMetrics(h)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())

			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

loop:
	for {
		select {
		case sig := <-sigs:
			logger.Info("shutting down", "signal", sig)
			break loop

		case <-status.C:
			stats := h.Audio.Stats()
			logger.Info("status",
				"connected", h.Devices.Connected(),
				"played", stats.PacketsPlayed,
				"dropped", stats.PacketsDropped,
				"latency_ms", stats.CurrentLatencyMS,
				"buffer_target", stats.TargetSize)
		}
	}

	h.Stop()
	logger.Info("shutdown complete")
}
