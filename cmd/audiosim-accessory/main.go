// Command audiosim-accessory runs the accessory-side simulator: it binds
// a UDP port, answers host discovery, and streams a test tone once
// connected.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/diamondburned/audiosim/accessory"
	"github.com/diamondburned/audiosim/protocol"
	"github.com/diamondburned/audiosim/udp"
)

type config struct {
	ListenAddr string  `yaml:"listen_addr"`
	ToneHz     float64 `yaml:"tone_hz"`
}

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		listenAddr = flag.String("listen", ":8888", "UDP address to bind")
		toneHz     = flag.Float64("tone", 440, "test tone frequency in Hz")
		verbose    = flag.BoolP("verbose", "v", false, "debug logging")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "accessory",
	})

	cfg := config{
		ListenAddr: *listenAddr,
		ToneHz:     *toneHz,
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
	if flag.CommandLine.Changed("listen") {
		cfg.ListenAddr = *listenAddr
	}
	if flag.CommandLine.Changed("tone") {
		cfg.ToneHz = *toneHz
	}

	if *verbose {
		logger.SetLevel(log.DebugLevel)
		udp.Debug = func(v ...interface{}) { logger.Debug("udp", "msg", v) }
		accessory.Debug = func(v ...interface{}) { logger.Debug("accessory", "msg", v) }
	}

	acc := accessory.New(accessory.Config{
		ListenAddr: cfg.ListenAddr,
		Source:     &accessory.Sine{Frequency: cfg.ToneHz},
	})

	acc.Transport.ErrorLog = func(err error) { logger.Error("transport", "err", err) }
	acc.FSM.ErrorLog = func(err error) { logger.Error("fsm", "err", err) }

	// Advertise the live simulated battery instead of the static default.
	acc.FSM.SetBatterySource(acc.Telemetry.BatteryLevel)

	acc.OnStateChange = func(old, next protocol.ConnectionState) {
		logger.Info("state changed", "from", old, "to", next)
	}

	if err := acc.Start(); err != nil {
		logger.Fatal("cannot start accessory", "err", err)
	}

	logger.Info("accessory ready",
		"name", acc.FSM.Name(),
		"device_id", acc.FSM.DeviceID(),
		"listen", acc.Transport.LocalAddr())

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
			stats := acc.Transport.Stats()
			logger.Info("status",
				"state", acc.FSM.State(),
				"audio_sent", acc.Streamer.Stats().PacketsSent,
				"tx", stats.PacketsSent,
				"rx", stats.PacketsReceived,
				"battery", acc.Telemetry.BatteryLevel())
		}
	}

	acc.Stop()
	logger.Info("shutdown complete")
}
