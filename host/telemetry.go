package host

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/diamondburned/audiosim/protocol"
)

// Telemetry decodes accessory telemetry packets, keeps the last-known
// values, and optionally appends human-readable lines to a log file.
type Telemetry struct {
	mu sync.Mutex

	battery     protocol.BatteryPayload
	diag        protocol.DiagnosticsPayload
	haveBattery bool
	haveDiag    bool

	sink *os.File
}

// NewTelemetry creates a telemetry processor with no log sink.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// OpenLog starts appending telemetry lines to path.
func (t *Telemetry) OpenLog(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open telemetry log")
	}

	t.mu.Lock()
	if t.sink != nil {
		t.sink.Close()
	}
	t.sink = f
	t.mu.Unlock()

	return nil
}

// Close closes the log sink, if open.
func (t *Telemetry) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sink == nil {
		return nil
	}

	err := t.sink.Close()
	t.sink = nil
	return err
}

// HandlePacket decodes one telemetry packet. Other types are ignored.
func (t *Telemetry) HandlePacket(p protocol.Packet) {
	switch p.Type {
	case protocol.BatteryStatus:
		t.processBattery(p)
	case protocol.Diagnostics:
		t.processDiagnostics(p)
	}
}

func (t *Telemetry) processBattery(p protocol.Packet) {
	var payload protocol.BatteryPayload
	if err := payload.Unmarshal(p.Payload); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.battery = payload
	t.haveBattery = true

	t.logf("battery level=%d%% charging=%t voltage=%dmV current=%dmA temp=%.1fC remaining=%ds",
		payload.Level, payload.Charging, payload.VoltageMV, payload.CurrentMA,
		float64(payload.TemperatureDC)/10, payload.TimeRemaining)
}

func (t *Telemetry) processDiagnostics(p protocol.Packet) {
	var payload protocol.DiagnosticsPayload
	if err := payload.Unmarshal(p.Payload); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.diag = payload
	t.haveDiag = true

	t.logf("diagnostics sent=%d received=%d lost=%d crc=%d rssi=%ddBm quality=%d%%",
		payload.PacketsSent, payload.PacketsReceived, payload.PacketsLost,
		payload.CRCErrors, payload.RSSI, payload.LinkQuality)
}

// logf appends one timestamped line to the sink. Callers hold t.mu.
func (t *Telemetry) logf(format string, args ...interface{}) {
	if t.sink == nil {
		return
	}

	line := fmt.Sprintf("%s "+format+"\n",
		append([]interface{}{time.Now().Format(time.RFC3339)}, args...)...)
	t.sink.WriteString(line)
}

// Battery returns the last battery status, if any has arrived.
func (t *Telemetry) Battery() (protocol.BatteryPayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.battery, t.haveBattery
}

// Diagnostics returns the last diagnostics report, if any has arrived.
func (t *Telemetry) Diagnostics() (protocol.DiagnosticsPayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.diag, t.haveDiag
}
