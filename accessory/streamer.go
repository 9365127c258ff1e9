package accessory

import (
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/internal/lazytime"
	"github.com/diamondburned/audiosim/protocol"
)

// Source supplies PCM16 samples for the streamer. Fill must populate the
// whole slice; it is called from the pacing worker at packet cadence.
type Source interface {
	Fill(samples []int16)
}

// StreamerStats is a snapshot of the streamer counters.
type StreamerStats struct {
	PacketsSent   uint64
	CadenceResync uint64
}

// Streamer packetizes a Source at a fixed cadence. Each tick targets an
// absolute deadline of start + k*period; when the scheduler falls behind,
// the deadline resynchronizes to now + period instead of bursting to catch
// up, deliberately dropping history to preserve cadence.
type Streamer struct {
	// Period is the packet cadence. NewStreamer sets it to
	// protocol.AudioPacketDuration.
	Period time.Duration

	sender Sender
	source Source

	sequence      uint32
	streamStartUS uint64

	packetsSent atomic.Uint64
	resyncs     atomic.Uint64

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewStreamer creates a streamer feeding packets from source into sender.
func NewStreamer(sender Sender, source Source) *Streamer {
	return &Streamer{
		Period: protocol.AudioPacketDuration,
		sender: sender,
		source: source,
	}
}

// Start begins streaming from sequence 0.
func (s *Streamer) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	Debug("streamer starting")

	s.sequence = 0
	s.streamStartUS = protocol.NowUS()
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.streamLoop()
}

// Stop halts the pacing worker and joins it.
func (s *Streamer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stop)
	s.wg.Wait()

	Debug("streamer stopped after", s.packetsSent.Load(), "packets")
}

// Stats returns a snapshot of the streamer counters.
func (s *Streamer) Stats() StreamerStats {
	return StreamerStats{
		PacketsSent:   s.packetsSent.Load(),
		CadenceResync: s.resyncs.Load(),
	}
}

func (s *Streamer) streamLoop() {
	defer s.wg.Done()

	var timer lazytime.Timer
	defer timer.Stop()

	next := time.Now().Add(s.Period)

	for {
		timer.Reset(time.Until(next))

		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		s.sendPacket()
		next = next.Add(s.Period)

		// Fell behind a whole period: resynchronize forward rather than
		// bursting stale frames.
		if now := time.Now(); next.Before(now) {
			next = now.Add(s.Period)
			s.resyncs.Inc()
		}
	}
}

func (s *Streamer) sendPacket() {
	samples := make([]int16, protocol.AudioSamplesPerPacket)
	s.source.Fill(samples)

	data := make([]byte, 0, protocol.AudioPacketBytes)
	for _, v := range samples {
		data = append(data, byte(v), byte(uint16(v)>>8))
	}

	payload := protocol.AudioPayload{
		StreamTimestamp: uint32(protocol.NowUS() - s.streamStartUS),
		SampleCount:     uint16(len(samples)),
		Encoding:        protocol.EncodingPCM16,
		Data:            data,
	}

	p := protocol.NewPacket(protocol.AudioData)
	p.Sequence = s.sequence
	p.Flags = protocol.FlagAckRequired
	p.Payload = payload.Marshal(nil)

	// The sequence advances even when the queue rejects the frame; the
	// receiver treats the gap as loss.
	s.sequence++

	if s.sender.Send(p) {
		s.packetsSent.Inc()
	}
}

// Sine is a fixture Source producing a pure tone.
type Sine struct {
	// Frequency in Hz; zero means 440.
	Frequency float64
	// Amplitude as peak sample value; zero means 16000.
	Amplitude float64

	phase float64
}

// Fill writes one packet's worth of the tone, carrying phase across calls
// to keep the waveform continuous.
func (s *Sine) Fill(samples []int16) {
	freq := s.Frequency
	if freq == 0 {
		freq = 440
	}
	amp := s.Amplitude
	if amp == 0 {
		amp = 16000
	}

	incr := 2 * math.Pi * freq / protocol.AudioSampleRate

	for i := range samples {
		samples[i] = int16(amp * math.Sin(s.phase))

		s.phase += incr
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
}
