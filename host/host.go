package host

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/crypto"
	"github.com/diamondburned/audiosim/protocol"
	"github.com/diamondburned/audiosim/udp"
)

// Config configures a Host.
type Config struct {
	// PeerAddr is the accessory address, e.g. "127.0.0.1:8888".
	PeerAddr string

	// Provider backs the pairing handshake. Nil means crypto.X25519.
	Provider crypto.Provider

	// AutoConnect pairs with and connects to the first discovered
	// device, the way the simulator daemon runs.
	AutoConnect bool

	// PlayFunc is the audio sink handed to the jitter buffer.
	PlayFunc func(AudioPacket)

	// TelemetryLog, if non-empty, is the path telemetry lines are
	// appended to.
	TelemetryLog string
}

// Host assembles the host-side peer: transport, device manager, jitter
// buffer and telemetry processor, wired together the way the daemon runs
// them.
type Host struct {
	// OnDeviceDiscovered and OnConnectionState observe the device
	// manager when set before Start.
	OnDeviceDiscovered func(Device)
	OnConnectionState  func(bool)

	Transport *udp.Transport
	Devices   *DeviceManager
	Audio     *AudioSync
	Telemetry *Telemetry

	cfg     Config
	running atomic.Bool
}

// New assembles a host from cfg.
func New(cfg Config) *Host {
	if cfg.Provider == nil {
		cfg.Provider = crypto.X25519{}
	}

	transport := udp.NewTransport(udp.Config{PeerAddr: cfg.PeerAddr})

	h := &Host{
		Transport: transport,
		Audio:     NewAudioSync(),
		Telemetry: NewTelemetry(),
		cfg:       cfg,
	}

	h.Devices = NewDeviceManager(transport, cfg.Provider)

	if cfg.PlayFunc != nil {
		h.Audio.PlayFunc = cfg.PlayFunc
	}

	return h
}

// Start brings the transport up and begins discovery.
func (h *Host) Start() error {
	if !h.running.CompareAndSwap(false, true) {
		return nil
	}

	if h.cfg.TelemetryLog != "" {
		if err := h.Telemetry.OpenLog(h.cfg.TelemetryLog); err != nil {
			h.running.Store(false)
			return err
		}
	}

	h.Devices.OnDeviceDiscovered = h.onDeviceDiscovered
	h.Devices.OnDevicePaired = h.onDevicePaired
	h.Devices.OnConnectionState = h.onConnectionState

	h.Transport.SetPacketCallback(h.route)

	if err := h.Transport.Start(); err != nil {
		h.running.Store(false)
		h.Telemetry.Close()
		return errors.Wrap(err, "failed to start transport")
	}

	h.Devices.StartDiscovery()
	return nil
}

// Stop tears everything down and joins all workers.
func (h *Host) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}

	h.Devices.Close()
	h.Audio.Stop()
	h.Transport.Stop()
	h.Telemetry.Close()
}

// route dispatches inbound packets by type. It runs on the transport's
// receive worker, so every branch hands long work off.
func (h *Host) route(p protocol.Packet) {
	switch p.Type {
	case protocol.DiscoverResponse, protocol.PairResponse,
		protocol.ConnectResponse, protocol.Disconnect, protocol.Keepalive:
		h.Devices.HandlePacket(p)

	case protocol.AudioData:
		// Tolerated while disconnected: the buffer ignores packets when
		// stopped, and discovery/stream overlap is possible across
		// restarts.
		h.Audio.OnAudioPacket(p)

	case protocol.BatteryStatus, protocol.Diagnostics:
		h.Telemetry.HandlePacket(p)
	}
}

func (h *Host) onDeviceDiscovered(d Device) {
	if h.OnDeviceDiscovered != nil {
		h.OnDeviceDiscovered(d)
	}

	if h.cfg.AutoConnect {
		if err := h.Devices.Pair(d.ID); err != nil {
			h.Devices.ErrorLog(errors.Wrap(err, "auto-pair failed"))
		}
	}
}

func (h *Host) onDevicePaired(d Device) {
	if !h.cfg.AutoConnect {
		return
	}

	if err := h.Devices.Connect(d.ID); err != nil && err != ErrAlreadyConnected {
		h.Devices.ErrorLog(errors.Wrap(err, "auto-connect failed"))
	}
}

func (h *Host) onConnectionState(connected bool) {
	if connected {
		h.Audio.Start()
	} else {
		h.Audio.Stop()
	}

	if h.OnConnectionState != nil {
		h.OnConnectionState(connected)
	}
}
