package host

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/crypto"
	"github.com/diamondburned/audiosim/internal/lazytime"
	"github.com/diamondburned/audiosim/protocol"
)

// Sender sends a single packet to the peer without blocking. It reports
// whether the packet was accepted.
type Sender interface {
	Send(protocol.Packet) bool
}

// ErrAlreadyConnected is returned by Connect while a device is connected.
var ErrAlreadyConnected = errors.New("already connected to a device")

// ErrUnknownDevice is returned for operations on an undiscovered device.
var ErrUnknownDevice = errors.New("unknown device")

// Device is one discovered accessory.
type Device struct {
	Name         string
	ID           protocol.DeviceID
	Capabilities uint16
	BatteryLevel uint8
	Paired       bool
	Connected    bool
	LastSeenUS   uint64
}

// DeviceManager discovers accessories, owns the pairing and connection
// handshakes, and drives the keepalive beacon while connected.
type DeviceManager struct {
	// ErrorLog is called for background errors. It must not block.
	ErrorLog func(error)

	// OnDeviceDiscovered fires on the first appearance of a device.
	OnDeviceDiscovered func(Device)

	// OnDevicePaired fires when a pair response lands.
	OnDevicePaired func(Device)

	// OnConnectionState fires with true after a connection is
	// established and false when it ends.
	OnConnectionState func(connected bool)

	// Timing knobs. NewDeviceManager sets them to the protocol defaults.
	DiscoveryInterval time.Duration
	KeepaliveInterval time.Duration

	sender   Sender
	provider crypto.Provider

	mu          sync.Mutex
	devices     map[protocol.DeviceID]*Device
	pendingID   protocol.DeviceID
	connectedID protocol.DeviceID
	pairPriv    [32]byte
	session     [32]byte // shared secret from the last completed pairing

	connected   atomic.Bool
	discovering atomic.Bool

	discoveryStop chan struct{}
	discoveryWG   sync.WaitGroup

	kaMu      sync.Mutex
	kaStop    chan struct{}
	kaWG      sync.WaitGroup
	kaRunning bool

	lastEchoUS atomic.Uint64
}

// NewDeviceManager creates a device manager sending through sender and
// pairing with provider.
func NewDeviceManager(sender Sender, provider crypto.Provider) *DeviceManager {
	return &DeviceManager{
		ErrorLog: func(error) {},

		DiscoveryInterval: 2 * time.Second,
		KeepaliveInterval: protocol.KeepaliveInterval,

		sender:   sender,
		provider: provider,
		devices:  make(map[protocol.DeviceID]*Device),
	}
}

// Connected reports whether a device is currently connected.
func (m *DeviceManager) Connected() bool {
	return m.connected.Load()
}

// ConnectedDevice returns the connected device, if any.
func (m *DeviceManager) ConnectedDevice() (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected.Load() {
		return Device{}, false
	}

	d, ok := m.devices[m.connectedID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Devices returns a snapshot of the discovery table.
func (m *DeviceManager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out
}

// StartDiscovery clears the device table and begins polling for
// accessories at the discovery interval. The host never backs off.
func (m *DeviceManager) StartDiscovery() {
	if !m.discovering.CompareAndSwap(false, true) {
		return
	}

	Debug("starting discovery")

	m.mu.Lock()
	m.devices = make(map[protocol.DeviceID]*Device)
	m.mu.Unlock()

	m.discoveryStop = make(chan struct{})

	m.discoveryWG.Add(1)
	go m.discoveryLoop()
}

// StopDiscovery halts the discovery worker and joins it.
func (m *DeviceManager) StopDiscovery() {
	if !m.discovering.CompareAndSwap(true, false) {
		return
	}

	close(m.discoveryStop)
	m.discoveryWG.Wait()
}

func (m *DeviceManager) discoveryLoop() {
	defer m.discoveryWG.Done()

	// Poll immediately so the first round trip doesn't wait a whole
	// interval.
	m.sender.Send(protocol.NewPacket(protocol.DiscoverRequest))

	var tick lazytime.Ticker
	tick.Reset(m.DiscoveryInterval)
	defer tick.Stop()

	for {
		select {
		case <-m.discoveryStop:
			return
		case <-tick.C:
		}

		m.sender.Send(protocol.NewPacket(protocol.DiscoverRequest))
	}
}

// Pair sends a pair request to the given device with a fresh host keypair
// and nonce.
func (m *DeviceManager) Pair(id protocol.DeviceID) error {
	m.mu.Lock()
	_, ok := m.devices[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}

	pub, priv, err := m.provider.GenerateKeypair()
	if err != nil {
		return errors.Wrap(err, "failed to generate pairing keypair")
	}

	payload := protocol.PairPayload{DeviceID: id, PublicKey: pub}
	if err := m.provider.Random(payload.Nonce[:]); err != nil {
		return errors.Wrap(err, "failed to generate pairing nonce")
	}

	m.mu.Lock()
	m.pairPriv = priv
	m.mu.Unlock()

	p := protocol.NewPacket(protocol.PairRequest)
	p.Payload = payload.Marshal(nil)
	m.sender.Send(p)

	Debug("pairing with", id)
	return nil
}

// Connect sends a connect request to the given device. It fails while
// another device is connected.
func (m *DeviceManager) Connect(id protocol.DeviceID) error {
	if m.connected.Load() {
		return ErrAlreadyConnected
	}

	m.mu.Lock()
	_, ok := m.devices[id]
	if ok {
		m.pendingID = id
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}

	m.sender.Send(protocol.NewPacket(protocol.ConnectRequest))

	Debug("connecting to", id)
	return nil
}

// Disconnect tears the connection down: the keepalive driver stops, a
// DISCONNECT is sent, and the connection-state callback fires.
func (m *DeviceManager) Disconnect() bool {
	return m.teardown(true)
}

func (m *DeviceManager) teardown(sendPacket bool) bool {
	if !m.connected.CompareAndSwap(true, false) {
		return false
	}

	m.stopKeepalive()

	if sendPacket {
		m.sender.Send(protocol.NewPacket(protocol.Disconnect))
	}

	m.mu.Lock()
	if d, ok := m.devices[m.connectedID]; ok {
		d.Connected = false
	}
	m.mu.Unlock()

	Debug("disconnected")

	if m.OnConnectionState != nil {
		m.OnConnectionState(false)
	}
	return true
}

// HandlePacket reacts to one inbound packet addressed to the manager.
func (m *DeviceManager) HandlePacket(p protocol.Packet) {
	switch p.Type {
	case protocol.DiscoverResponse:
		m.handleDiscoverResponse(p)
	case protocol.PairResponse:
		m.handlePairResponse(p)
	case protocol.ConnectResponse:
		m.handleConnectResponse()
	case protocol.Disconnect:
		m.teardown(false)
	case protocol.Keepalive:
		m.lastEchoUS.Store(protocol.NowUS())
	}
}

func (m *DeviceManager) handleDiscoverResponse(p protocol.Packet) {
	var payload protocol.DiscoverPayload
	if err := payload.Unmarshal(p.Payload); err != nil {
		return
	}

	now := protocol.NowUS()

	m.mu.Lock()
	d, known := m.devices[payload.DeviceID]
	if known {
		d.LastSeenUS = now
		d.BatteryLevel = payload.BatteryLevel
		m.mu.Unlock()
		return
	}

	d = &Device{
		Name:         payload.Name,
		ID:           payload.DeviceID,
		Capabilities: payload.Capabilities,
		BatteryLevel: payload.BatteryLevel,
		LastSeenUS:   now,
	}
	m.devices[d.ID] = d
	device := *d
	m.mu.Unlock()

	Debug("discovered", device.Name, "battery", device.BatteryLevel, "%")

	if m.OnDeviceDiscovered != nil {
		m.OnDeviceDiscovered(device)
	}
}

func (m *DeviceManager) handlePairResponse(p protocol.Packet) {
	var payload protocol.PairPayload
	if err := payload.Unmarshal(p.Payload); err != nil {
		return
	}

	m.mu.Lock()
	d, known := m.devices[payload.DeviceID]
	if !known {
		m.mu.Unlock()
		return
	}

	d.Paired = true
	device := *d

	secret, err := m.provider.SharedSecret(m.pairPriv, payload.PublicKey)
	if err == nil {
		m.session = secret
	}
	m.mu.Unlock()

	if err != nil {
		m.ErrorLog(errors.Wrap(err, "failed to derive session secret"))
	}

	Debug("paired with", device.Name)

	if m.OnDevicePaired != nil {
		m.OnDevicePaired(device)
	}
}

func (m *DeviceManager) handleConnectResponse() {
	if !m.connected.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	m.connectedID = m.pendingID
	if d, ok := m.devices[m.connectedID]; ok {
		d.Connected = true
	}
	m.mu.Unlock()

	m.startKeepalive()

	Debug("connection established")

	if m.OnConnectionState != nil {
		m.OnConnectionState(true)
	}
}

func (m *DeviceManager) startKeepalive() {
	m.kaMu.Lock()
	defer m.kaMu.Unlock()

	if m.kaRunning {
		return
	}
	m.kaRunning = true
	m.kaStop = make(chan struct{})

	m.kaWG.Add(1)
	go m.keepaliveLoop(m.kaStop)
}

func (m *DeviceManager) stopKeepalive() {
	m.kaMu.Lock()
	defer m.kaMu.Unlock()

	if !m.kaRunning {
		return
	}
	m.kaRunning = false

	close(m.kaStop)
	m.kaWG.Wait()
}

// keepaliveLoop beacons liveness at the keepalive interval while
// connected.
func (m *DeviceManager) keepaliveLoop(stop <-chan struct{}) {
	defer m.kaWG.Done()

	m.sender.Send(protocol.NewPacket(protocol.Keepalive))

	var tick lazytime.Ticker
	tick.Reset(m.KeepaliveInterval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}

		m.sender.Send(protocol.NewPacket(protocol.Keepalive))
	}
}

// Close stops every worker the manager owns.
func (m *DeviceManager) Close() {
	m.StopDiscovery()
	m.teardown(true)
	m.stopKeepalive()
}

// SessionSecret returns the shared secret derived from the last completed
// pairing, or false if no pairing has completed.
func (m *DeviceManager) SessionSecret() ([32]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero [32]byte
	if m.session == zero {
		return zero, false
	}
	return m.session, true
}
