// Package audiosim simulates a wireless audio accessory and its paired
// host daemon. The two peers speak a framed, checksummed datagram protocol
// over UDP: the host discovers, pairs with and connects to the accessory,
// then consumes a paced PCM16 stream through a sequence-keyed jitter
// buffer while both sides watch keepalive liveness.
//
// The accessory and host packages assemble the per-side components; the
// protocol, udp and crypto packages hold the shared wire machinery.
package audiosim
