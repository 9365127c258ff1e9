// Package accessory implements the accessory-side peer: the connection
// state machine, the paced audio streamer, and the battery/diagnostics
// telemetry worker.
package accessory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/crypto"
	"github.com/diamondburned/audiosim/internal/backoff"
	"github.com/diamondburned/audiosim/internal/lazytime"
	"github.com/diamondburned/audiosim/protocol"
)

// Debug is the package-wide debug logger. It does nothing by default.
var Debug = func(v ...interface{}) {}

// Sender sends a single packet to the peer without blocking. It reports
// whether the packet was accepted for transmission.
type Sender interface {
	Send(protocol.Packet) bool
}

// Capabilities advertised in discover responses.
const CapAudioStreaming uint16 = 0x0001

// FSM is the accessory connection state machine. It reacts to inbound
// control packets, watches keepalive freshness, and drives reconnect
// backoff after link loss. Transitions are serialized; observers see a
// consistent (old, new) pair.
type FSM struct {
	// ErrorLog is called for background errors. It must not block.
	ErrorLog func(error)

	// OnStateChange, if set, fires on every real state transition.
	// Self-transitions are suppressed. It is called with the transition
	// lock held, so it must not call back into the FSM.
	OnStateChange func(old, new protocol.ConnectionState)

	// Timing knobs. NewFSM sets them to the protocol constants; tests
	// shrink them. A zero value is used as is, not replaced by a default.
	KeepaliveInterval time.Duration
	ConnectionTimeout time.Duration
	DisconnectQuiesce time.Duration

	sender   Sender
	provider crypto.Provider

	id   protocol.DeviceID
	name string

	// battery reports the current battery level for discover responses.
	battery func() uint8

	stateMu sync.Mutex
	state   atomic.Uint32

	lastKeepaliveUS atomic.Uint64
	reconnect       backoff.Backoff
	reconnectMu     sync.Mutex

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewFSM creates an accessory FSM with a freshly generated device
// identity. The crypto provider backs the pairing handshake.
func NewFSM(sender Sender, provider crypto.Provider) *FSM {
	var id protocol.DeviceID
	u := uuid.New()
	copy(id[:], u[:len(id)])

	f := &FSM{
		ErrorLog: func(error) {},

		KeepaliveInterval: protocol.KeepaliveInterval,
		ConnectionTimeout: protocol.ConnectionTimeout,
		DisconnectQuiesce: 100 * time.Millisecond,

		sender:   sender,
		provider: provider,
		id:       id,
		name:     fmt.Sprintf("AudioSim-%02X%02X", id[0], id[1]),
		battery:  func() uint8 { return 85 },

		reconnect: backoff.New(protocol.ReconnectBaseDelay, protocol.ReconnectMaxDelay),
	}
	f.state.Store(uint32(protocol.StateIdle))

	return f
}

// DeviceID returns the accessory's generated identity.
func (f *FSM) DeviceID() protocol.DeviceID { return f.id }

// Name returns the human name derived from the device identity.
func (f *FSM) Name() string { return f.name }

// State returns the current connection state.
func (f *FSM) State() protocol.ConnectionState {
	return protocol.ConnectionState(f.state.Load())
}

// SetBatterySource installs the function queried for the battery level
// advertised in discover responses. Call before Start.
func (f *FSM) SetBatterySource(fn func() uint8) {
	if fn != nil {
		f.battery = fn
	}
}

// Start launches the keepalive watcher.
func (f *FSM) Start() {
	if !f.running.CompareAndSwap(false, true) {
		return
	}

	Debug("fsm started as", f.name)

	f.lastKeepaliveUS.Store(protocol.NowUS())
	f.stop = make(chan struct{})

	f.wg.Add(1)
	go f.watchKeepalive()
}

// Stop halts the watcher and returns the FSM to IDLE. It blocks until all
// owned goroutines have exited.
func (f *FSM) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}

	close(f.stop)
	f.wg.Wait()
	f.transition(protocol.StateIdle)
}

// IsConnected reports whether the link is up (CONNECTED or STREAMING).
func (f *FSM) IsConnected() bool {
	s := f.State()
	return s == protocol.StateConnected || s == protocol.StateStreaming
}

// EnterStreaming moves CONNECTED to STREAMING. It is a no-op in any other
// state.
func (f *FSM) EnterStreaming() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if protocol.ConnectionState(f.state.Load()) != protocol.StateConnected {
		return false
	}

	f.transitionLocked(protocol.StateStreaming)
	return true
}

// HandlePacket reacts to one inbound control packet. Unknown types are
// ignored.
func (f *FSM) HandlePacket(p protocol.Packet) {
	switch p.Type {
	case protocol.DiscoverRequest:
		f.handleDiscover()
	case protocol.PairRequest:
		f.handlePair()
	case protocol.ConnectRequest:
		f.handleConnect()
	case protocol.Disconnect:
		f.handleDisconnect()
	case protocol.Keepalive:
		f.handleKeepalive()
	}
}

func (f *FSM) handleDiscover() {
	Debug("received DISCOVER_REQUEST")
	f.transition(protocol.StateDiscovering)

	payload := protocol.DiscoverPayload{
		Name:         f.name,
		DeviceID:     f.id,
		Capabilities: CapAudioStreaming,
		BatteryLevel: f.battery(),
	}

	resp := protocol.NewPacket(protocol.DiscoverResponse)
	resp.Payload = payload.Marshal(nil)
	f.sender.Send(resp)
}

func (f *FSM) handlePair() {
	Debug("received PAIR_REQUEST")
	f.transition(protocol.StatePairing)

	payload := protocol.PairPayload{DeviceID: f.id}

	pub, _, err := f.provider.GenerateKeypair()
	if err != nil {
		f.ErrorLog(errors.Wrap(err, "failed to generate pairing keypair"))
		return
	}
	payload.PublicKey = pub

	if err := f.provider.Random(payload.Nonce[:]); err != nil {
		f.ErrorLog(errors.Wrap(err, "failed to generate pairing nonce"))
		return
	}

	resp := protocol.NewPacket(protocol.PairResponse)
	resp.Payload = payload.Marshal(nil)
	f.sender.Send(resp)
}

func (f *FSM) handleConnect() {
	Debug("received CONNECT_REQUEST")

	f.sender.Send(protocol.NewPacket(protocol.ConnectResponse))

	// A fresh connection starts with fresh liveness and a reset backoff.
	f.lastKeepaliveUS.Store(protocol.NowUS())

	f.reconnectMu.Lock()
	f.reconnect.Reset()
	f.reconnectMu.Unlock()

	f.transition(protocol.StateConnected)
}

func (f *FSM) handleDisconnect() {
	Debug("received DISCONNECT")
	f.transition(protocol.StateDisconnecting)

	// Brief quiesce so in-flight audio settles before IDLE.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		var t lazytime.Timer
		t.Reset(f.DisconnectQuiesce)
		defer t.Stop()

		select {
		case <-f.stop:
		case <-t.C:
		}

		f.stateMu.Lock()
		defer f.stateMu.Unlock()

		if protocol.ConnectionState(f.state.Load()) == protocol.StateDisconnecting {
			f.transitionLocked(protocol.StateIdle)
		}
	}()
}

func (f *FSM) handleKeepalive() {
	f.lastKeepaliveUS.Store(protocol.NowUS())

	// Echo so the host observes liveness too.
	f.sender.Send(protocol.NewPacket(protocol.Keepalive))
}

// watchKeepalive wakes once per keepalive interval and checks the age of
// the last inbound keepalive while the link is up.
func (f *FSM) watchKeepalive() {
	defer f.wg.Done()

	var tick lazytime.Ticker
	tick.Reset(f.KeepaliveInterval)
	defer tick.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-tick.C:
		}

		if !f.IsConnected() {
			continue
		}

		elapsed := time.Duration(protocol.NowUS()-f.lastKeepaliveUS.Load()) * time.Microsecond
		if elapsed <= f.ConnectionTimeout {
			continue
		}

		f.handleConnectionLoss()
	}
}

// handleConnectionLoss enters ERROR, waits out the current reconnect
// delay, and returns to IDLE ready for the host to rediscover.
func (f *FSM) handleConnectionLoss() {
	f.transition(protocol.StateError)

	f.reconnectMu.Lock()
	delay := f.reconnect.Next()
	attempt := f.reconnect.Attempts()
	f.reconnectMu.Unlock()

	Debug("connection lost; reconnect attempt", attempt, "delay", delay)

	var t lazytime.Timer
	t.Reset(delay)
	defer t.Stop()

	select {
	case <-f.stop:
		return
	case <-t.C:
	}

	// The host may have reconnected while the backoff ran; only a still
	// broken link falls back to IDLE.
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if protocol.ConnectionState(f.state.Load()) == protocol.StateError {
		f.transitionLocked(protocol.StateIdle)
	}
}

func (f *FSM) transition(next protocol.ConnectionState) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.transitionLocked(next)
}

func (f *FSM) transitionLocked(next protocol.ConnectionState) {
	old := protocol.ConnectionState(f.state.Load())
	if old == next {
		return
	}

	Debug("state transition:", old, "->", next)
	f.state.Store(uint32(next))

	if f.OnStateChange != nil {
		f.OnStateChange(old, next)
	}
}
