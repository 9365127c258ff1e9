package accessory

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/crypto"
	"github.com/diamondburned/audiosim/internal/lazytime"
	"github.com/diamondburned/audiosim/protocol"
	"github.com/diamondburned/audiosim/udp"
)

// DefaultPort is the accessory's default UDP port.
const DefaultPort = 8888

// Config configures an Accessory.
type Config struct {
	// ListenAddr is the UDP address to bind; empty means ":8888".
	ListenAddr string

	// Provider backs the pairing handshake. Nil means crypto.X25519.
	Provider crypto.Provider

	// Source supplies the audio samples to stream. Nil means a 440 Hz
	// sine fixture.
	Source Source

	// StreamingDelay is how long after CONNECTED the accessory waits
	// before entering STREAMING. Zero means 500 ms.
	StreamingDelay time.Duration
}

// Accessory assembles the accessory-side peer: transport, connection FSM,
// audio streamer and telemetry, wired together the way the simulator
// daemon runs them.
type Accessory struct {
	// OnStateChange, if set before Start, observes FSM transitions.
	OnStateChange func(old, new protocol.ConnectionState)

	Transport *udp.Transport
	FSM       *FSM
	Streamer  *Streamer
	Telemetry *Telemetry

	streamingDelay time.Duration

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New assembles an accessory from cfg.
func New(cfg Config) *Accessory {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8888"
	}
	if cfg.Provider == nil {
		cfg.Provider = crypto.X25519{}
	}
	if cfg.Source == nil {
		cfg.Source = &Sine{}
	}
	if cfg.StreamingDelay == 0 {
		cfg.StreamingDelay = 500 * time.Millisecond
	}

	transport := udp.NewTransport(udp.Config{ListenAddr: cfg.ListenAddr})

	a := &Accessory{
		Transport:      transport,
		streamingDelay: cfg.StreamingDelay,
	}

	a.FSM = NewFSM(transport, cfg.Provider)
	a.Streamer = NewStreamer(transport, cfg.Source)
	a.Telemetry = NewTelemetry(transport, transport.Stats)

	return a
}

// Start brings the transport up and begins reacting to the host.
func (a *Accessory) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}

	a.stop = make(chan struct{})

	a.FSM.OnStateChange = a.onStateChange

	a.Transport.SetPacketCallback(func(p protocol.Packet) {
		a.FSM.HandlePacket(p)
	})

	if err := a.Transport.Start(); err != nil {
		a.running.Store(false)
		return errors.Wrap(err, "failed to start transport")
	}

	a.FSM.Start()
	return nil
}

// Stop tears everything down in dependency order and joins all workers.
func (a *Accessory) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}

	close(a.stop)
	a.wg.Wait()

	a.Streamer.Stop()
	a.Telemetry.Stop()
	a.FSM.Stop()
	a.Transport.Stop()
}

func (a *Accessory) onStateChange(old, next protocol.ConnectionState) {
	if a.OnStateChange != nil {
		a.OnStateChange(old, next)
	}

	switch next {
	case protocol.StateConnected:
		a.Telemetry.Start()
		a.scheduleStreaming()

	case protocol.StateStreaming:
		a.Streamer.Start()

	case protocol.StateIdle, protocol.StateDisconnecting, protocol.StateError:
		a.Streamer.Stop()
		a.Telemetry.Stop()
	}
}

// scheduleStreaming arms the CONNECTED -> STREAMING transition: after the
// configured delay, if still CONNECTED, start streaming.
func (a *Accessory) scheduleStreaming() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		var t lazytime.Timer
		t.Reset(a.streamingDelay)
		defer t.Stop()

		select {
		case <-a.stop:
			return
		case <-t.C:
		}

		a.FSM.EnterStreaming()
	}()
}
