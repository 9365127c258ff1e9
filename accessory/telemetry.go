package accessory

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/internal/lazytime"
	"github.com/diamondburned/audiosim/protocol"
	"github.com/diamondburned/audiosim/udp"
)

// Telemetry reporting cadence.
const (
	batteryReportInterval     = time.Second
	diagnosticsReportInterval = 5 * time.Second
	drainUpdateInterval       = 10 * time.Second
	telemetryPoll             = 100 * time.Millisecond
)

// Battery capacity assumed by the time-remaining estimate.
const batteryCapacityMAH = 500

// Telemetry simulates a battery and publishes BATTERY_STATUS at 1 Hz and
// DIAGNOSTICS at 0.2 Hz while running.
type Telemetry struct {
	sender Sender

	// transportStats, if set, is sampled into diagnostics reports.
	transportStats func() udp.Stats

	level     atomic.Uint32 // 0-100
	charging  atomic.Bool
	voltageMV atomic.Uint32
	currentMA atomic.Int32

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewTelemetry creates a telemetry worker with a full battery.
func NewTelemetry(sender Sender, transportStats func() udp.Stats) *Telemetry {
	t := &Telemetry{
		sender:         sender,
		transportStats: transportStats,
	}

	t.level.Store(100)
	t.voltageMV.Store(4200) // fully charged Li-ion
	t.currentMA.Store(-150)

	return t
}

// BatteryLevel returns the simulated battery percentage.
func (t *Telemetry) BatteryLevel() uint8 {
	return uint8(t.level.Load())
}

// SetBatteryLevel overrides the simulated battery percentage.
func (t *Telemetry) SetBatteryLevel(level uint8) {
	if level > 100 {
		level = 100
	}
	t.level.Store(uint32(level))
}

// SetCharging flips the charger state.
func (t *Telemetry) SetCharging(charging bool) {
	t.charging.Store(charging)
}

// Start launches the reporting worker.
func (t *Telemetry) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}

	Debug("telemetry starting")

	t.stop = make(chan struct{})

	t.wg.Add(1)
	go t.telemetryLoop()
}

// Stop halts the worker and joins it.
func (t *Telemetry) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}

	close(t.stop)
	t.wg.Wait()
}

func (t *Telemetry) telemetryLoop() {
	defer t.wg.Done()

	var tick lazytime.Ticker
	tick.Reset(telemetryPoll)
	defer tick.Stop()

	now := time.Now()
	lastBattery := now
	lastDiagnostics := now
	lastDrain := now

	for {
		select {
		case <-t.stop:
			return
		case now = <-tick.C:
		}

		if now.Sub(lastBattery) >= batteryReportInterval {
			t.sendBatteryStatus()
			lastBattery = now
		}

		if now.Sub(lastDiagnostics) >= diagnosticsReportInterval {
			t.sendDiagnostics()
			lastDiagnostics = now
		}

		if now.Sub(lastDrain) >= drainUpdateInterval {
			t.simulateDrain()
			lastDrain = now
		}
	}
}

func (t *Telemetry) sendBatteryStatus() {
	payload := protocol.BatteryPayload{
		Level:         uint8(t.level.Load()),
		Charging:      t.charging.Load(),
		VoltageMV:     uint16(t.voltageMV.Load()),
		CurrentMA:     int16(t.currentMA.Load()),
		TemperatureDC: 250, // 25.0 degC
	}

	if !payload.Charging && payload.CurrentMA < 0 {
		remainingMAH := uint32(batteryCapacityMAH) * uint32(payload.Level) / 100
		payload.TimeRemaining = remainingMAH * 3600 / uint32(-payload.CurrentMA)
	}

	p := protocol.NewPacket(protocol.BatteryStatus)
	p.Payload = payload.Marshal(nil)
	t.sender.Send(p)

	if payload.Level <= 10 {
		Debug("low battery:", payload.Level, "%")
	}
}

func (t *Telemetry) sendDiagnostics() {
	payload := protocol.DiagnosticsPayload{
		RSSI:        -45, // good signal
		LinkQuality: 95,
	}

	if t.transportStats != nil {
		stats := t.transportStats()
		payload.PacketsSent = uint32(stats.PacketsSent)
		payload.PacketsReceived = uint32(stats.PacketsReceived)
		payload.PacketsLost = uint32(stats.QueueDropped)
		payload.CRCErrors = uint32(stats.DecodeErrors)
	}

	p := protocol.NewPacket(protocol.Diagnostics)
	p.Payload = payload.Marshal(nil)
	t.sender.Send(p)
}

// simulateDrain steps the battery model: slow discharge while running,
// slow charge while on the charger.
func (t *Telemetry) simulateDrain() {
	level := t.level.Load()

	if t.charging.Load() {
		if level < 100 {
			level++
			t.level.Store(level)
			t.voltageMV.Store(4000 + level*2)
			t.currentMA.Store(500)
		} else {
			t.currentMA.Store(0)
		}
		return
	}

	if level == 0 {
		return
	}

	level--
	t.level.Store(level)
	t.voltageMV.Store(3300 + level*9)
	t.currentMA.Store(-150)

	if level <= 5 {
		// Low-power mode draws less.
		t.currentMA.Store(-50)
		Debug("critical battery:", level, "%")
	}
}
