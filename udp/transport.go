// Package udp implements the single-peer datagram endpoint shared by the
// accessory and the host: a bounded send queue drained by a send worker,
// and a receive pump that decodes datagrams and dispatches them to a
// callback.
package udp

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/diamondburned/audiosim/protocol"
)

// Debug is the package-wide debug logger. It does nothing by default.
var Debug = func(v ...interface{}) {}

// ErrNotRunning is the error value for a stopped transport. The Transport
// methods do not return it; Send reports a stopped transport by returning
// false.
var ErrNotRunning = errors.New("transport not running")

// DefaultQueueCap is the default bound of the send queue, in packets.
const DefaultQueueCap = 256

// controlBurst bounds how many control packets may be written back-to-back
// before the limiter paces them. Audio is never throttled.
var controlLimit = rate.Every(10 * time.Millisecond)

const controlBurst = 8

// Config describes one endpoint. Exactly one of ListenAddr or PeerAddr
// must be set: an accessory listens and learns its peer from the first
// valid datagram received, a host sends to a fixed peer address.
type Config struct {
	// ListenAddr is the local UDP address to bind, e.g. ":8888".
	ListenAddr string

	// PeerAddr is the fixed remote address to send to. When set, the
	// socket binds an ephemeral local port.
	PeerAddr string

	// QueueCap bounds the send queue. Zero means DefaultQueueCap.
	QueueCap int
}

// Stats is a snapshot of the transport counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	SendErrors      uint64
	DecodeErrors    uint64
	QueueDropped    uint64
}

// Transport is a single-peer UDP endpoint. All exported methods are safe
// for concurrent use once Start has returned.
type Transport struct {
	// ErrorLog is called for non-fatal background errors. It must not
	// block.
	ErrorLog func(error)

	cfg   Config
	queue *sendQueue

	conn    *net.UDPConn
	limiter *rate.Limiter

	peerMu    sync.Mutex
	peer      *net.UDPAddr
	learnPeer bool

	cbMu     sync.Mutex
	callback func(protocol.Packet)

	running atomic.Bool
	wg      sync.WaitGroup

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	sendErrors      atomic.Uint64
	decodeErrors    atomic.Uint64
}

// NewTransport creates a transport from cfg. Start must be called before
// packets flow.
func NewTransport(cfg Config) *Transport {
	cap := cfg.QueueCap
	if cap <= 0 {
		cap = DefaultQueueCap
	}

	return &Transport{
		ErrorLog: func(error) {},
		cfg:      cfg,
		queue:    newSendQueue(cap),
		limiter:  rate.NewLimiter(controlLimit, controlBurst),
	}
}

// SetPacketCallback installs the function invoked for every valid inbound
// packet. The callback runs synchronously on the receive worker and must
// not block; long work must be handed off.
func (t *Transport) SetPacketCallback(fn func(protocol.Packet)) {
	t.cbMu.Lock()
	t.callback = fn
	t.cbMu.Unlock()
}

// Start binds the socket and launches the send and receive workers.
// Socket creation and bind errors are fatal and returned here.
func (t *Transport) Start() error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}

	switch {
	case t.cfg.PeerAddr != "":
		peer, err := net.ResolveUDPAddr("udp", t.cfg.PeerAddr)
		if err != nil {
			t.running.Store(false)
			return errors.Wrap(err, "failed to resolve peer address")
		}

		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			t.running.Store(false)
			return errors.Wrap(err, "failed to open socket")
		}

		t.conn = conn
		t.peer = peer

	case t.cfg.ListenAddr != "":
		addr, err := net.ResolveUDPAddr("udp", t.cfg.ListenAddr)
		if err != nil {
			t.running.Store(false)
			return errors.Wrap(err, "failed to resolve listen address")
		}

		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			t.running.Store(false)
			return errors.Wrap(err, "failed to bind socket")
		}

		t.conn = conn
		t.learnPeer = true

	default:
		t.running.Store(false)
		return errors.New("config needs ListenAddr or PeerAddr")
	}

	Debug("transport started on", t.conn.LocalAddr())

	t.queue.open()

	t.wg.Add(2)
	go t.receiveLoop()
	go t.sendLoop()

	return nil
}

// Stop signals shutdown, drains the workers and closes the socket. It
// blocks until both workers have exited.
func (t *Transport) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}

	Debug("transport stopping")

	t.queue.close()
	t.conn.Close()
	t.wg.Wait()

	t.peerMu.Lock()
	if t.learnPeer {
		t.peer = nil
	}
	t.peerMu.Unlock()
}

// LocalAddr returns the bound socket address, or nil before Start.
func (t *Transport) LocalAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Send enqueues a packet for transmission. It never blocks; when the queue
// is full the overflow policy applies (the oldest queued audio is dropped
// to admit the new packet; when no audio is queued, the new packet is
// dropped). It reports whether the packet was accepted.
func (t *Transport) Send(p protocol.Packet) bool {
	if !t.running.Load() {
		return false
	}
	return t.queue.push(p)
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		SendErrors:      t.sendErrors.Load(),
		DecodeErrors:    t.decodeErrors.Load(),
		QueueDropped:    t.queue.dropped(),
	}
}

func (t *Transport) currentPeer() *net.UDPAddr {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()
	return t.peer
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, protocol.MaxPacketSize)

	for t.running.Load() {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			t.ErrorLog(errors.Wrap(err, "read failed"))
			time.Sleep(time.Millisecond)
			continue
		}

		p, err := protocol.Decode(buf[:n])
		if err != nil {
			// Malformed datagrams are dropped silently.
			t.decodeErrors.Inc()
			continue
		}

		if t.learnPeer {
			// First-sender-wins: the accessory learns its host from the
			// first valid datagram and keeps it for the whole session.
			t.peerMu.Lock()
			if t.peer == nil {
				t.peer = from
				Debug("peer learned:", from)
			}
			t.peerMu.Unlock()
		}

		t.packetsReceived.Inc()

		t.cbMu.Lock()
		cb := t.callback
		t.cbMu.Unlock()

		if cb != nil {
			cb(p)
		}
	}
}

func (t *Transport) sendLoop() {
	defer t.wg.Done()

	buf := make([]byte, protocol.MaxPacketSize)

	for {
		p, ok := t.queue.pop()
		if !ok {
			return
		}

		peer := t.currentPeer()
		if peer == nil {
			// No host yet; nothing to address the datagram to.
			continue
		}

		if p.Type != protocol.AudioData {
			r := t.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				time.Sleep(d)
			}
		}

		n, err := p.Encode(buf)
		if err != nil {
			t.sendErrors.Inc()
			t.ErrorLog(errors.Wrap(err, "encode failed"))
			continue
		}

		if _, err := t.conn.WriteToUDP(buf[:n], peer); err != nil {
			// Per-packet send errors are counted, not surfaced.
			t.sendErrors.Inc()
			continue
		}

		t.packetsSent.Inc()
	}
}
