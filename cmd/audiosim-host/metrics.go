package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/diamondburned/audiosim/host"
)

// registerMetrics exposes the playout and transport counters on the
// default Prometheus registry.
func registerMetrics(h *host.Host) {
	gauge := func(name, help string, value func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "audiosim",
			Subsystem: "host",
			Name:      name,
			Help:      help,
		}, value)
	}

	prometheus.MustRegister(
		gauge("audio_packets_received", "Audio packets ingested into the jitter buffer.",
			func() float64 { return float64(h.Audio.Stats().PacketsReceived) }),
		gauge("audio_packets_played", "Audio packets handed to the sink.",
			func() float64 { return float64(h.Audio.Stats().PacketsPlayed) }),
		gauge("audio_packets_dropped", "Audio packets declared lost at playout.",
			func() float64 { return float64(h.Audio.Stats().PacketsDropped) }),
		gauge("audio_buffer_underruns", "Times the jitter buffer grew under sustained loss.",
			func() float64 { return float64(h.Audio.Stats().BufferUnderruns) }),
		gauge("audio_buffer_target_packets", "Current jitter buffer target fill.",
			func() float64 { return float64(h.Audio.Stats().TargetSize) }),
		gauge("audio_latency_current_ms", "Latest observed playout latency.",
			func() float64 { return float64(h.Audio.Stats().CurrentLatencyMS) }),
		gauge("audio_latency_avg_ms", "Average observed playout latency.",
			func() float64 { return float64(h.Audio.Stats().AvgLatencyMS) }),
		gauge("audio_latency_max_ms", "Maximum observed playout latency.",
			func() float64 { return float64(h.Audio.Stats().MaxLatencyMS) }),

		gauge("transport_packets_sent", "Datagrams written to the socket.",
			func() float64 { return float64(h.Transport.Stats().PacketsSent) }),
		gauge("transport_packets_received", "Valid datagrams decoded.",
			func() float64 { return float64(h.Transport.Stats().PacketsReceived) }),
		gauge("transport_decode_errors", "Datagrams dropped as malformed.",
			func() float64 { return float64(h.Transport.Stats().DecodeErrors) }),
		gauge("transport_queue_dropped", "Packets dropped by the send queue overflow policy.",
			func() float64 { return float64(h.Transport.Stats().QueueDropped) }),

		gauge("device_connected", "Whether an accessory is connected.",
			func() float64 {
				if h.Devices.Connected() {
					return 1
				}
				return 0
			}),
	)
}
