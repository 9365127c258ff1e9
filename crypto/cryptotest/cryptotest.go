// Package cryptotest provides a deterministic, insecure crypto.Provider for
// tests. It mirrors the XOR arithmetic of the original simulator so that
// handshake tests can assert on derived values. It must never be wired into
// a production build.
package cryptotest

import (
	"math/rand"
	"sync"

	"github.com/diamondburned/audiosim/crypto"
)

// Simulated is an insecure Provider: public keys are the private key XOR
// 0xAA, shared secrets are the XOR of both keys, and the cipher XORs with a
// repeating key stream. Deterministic when constructed with a fixed seed.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ crypto.Provider = (*Simulated)(nil)

// NewSimulated returns a simulated provider seeded with seed.
func NewSimulated(seed int64) *Simulated {
	return &Simulated{rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulated) GenerateKeypair() (pub, priv [32]byte, err error) {
	if err := s.Random(priv[:]); err != nil {
		return pub, priv, err
	}

	for i := range priv {
		pub[i] = priv[i] ^ 0xAA
	}
	return pub, priv, nil
}

func (s *Simulated) SharedSecret(priv, peerPub [32]byte) ([32]byte, error) {
	var secret [32]byte
	for i := range secret {
		secret[i] = priv[i] ^ peerPub[i]
	}
	return secret, nil
}

func (s *Simulated) Encrypt(buf []byte, key [16]byte, iv [16]byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)] ^ iv[i%len(iv)]
	}
}

func (s *Simulated) Decrypt(buf []byte, key [16]byte, iv [16]byte) {
	s.Encrypt(buf, key, iv)
}

func (s *Simulated) HMAC(data, key []byte) [32]byte {
	var tag [32]byte
	for i, b := range data {
		tag[i%len(tag)] ^= b
	}
	for i, b := range key {
		tag[i%len(tag)] ^= b
	}
	return tag
}

func (s *Simulated) Random(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rng.Read(b)
	return nil
}
