package crypto_test

import (
	"bytes"
	"testing"

	"github.com/diamondburned/audiosim/crypto"
	"github.com/diamondburned/audiosim/crypto/cryptotest"
)

func testProvider(t *testing.T, p crypto.Provider) {
	t.Helper()

	aPub, aPriv, err := p.GenerateKeypair()
	if err != nil {
		t.Fatal("failed to generate keypair A:", err)
	}

	bPub, bPriv, err := p.GenerateKeypair()
	if err != nil {
		t.Fatal("failed to generate keypair B:", err)
	}

	if aPub == bPub {
		t.Fatal("two keypairs share a public key")
	}

	aSecret, err := p.SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatal("failed to derive secret on side A:", err)
	}

	bSecret, err := p.SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatal("failed to derive secret on side B:", err)
	}

	if aSecret != bSecret {
		t.Fatal("shared secrets disagree")
	}

	var key [16]byte
	var iv [16]byte
	copy(key[:], aSecret[:16])
	copy(iv[:], aSecret[16:])

	plaintext := []byte("480 samples of PCM16 at 48 kHz")
	buf := append([]byte(nil), plaintext...)

	p.Encrypt(buf, key, iv)
	if len(buf) != len(plaintext) {
		t.Fatalf("cipher changed length: %d != %d", len(buf), len(plaintext))
	}
	if bytes.Equal(buf, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	p.Decrypt(buf, key, iv)
	if !bytes.Equal(buf, plaintext) {
		t.Fatal("decrypt did not invert encrypt")
	}

	tag1 := p.HMAC(plaintext, key[:])
	tag2 := p.HMAC(plaintext, key[:])
	if tag1 != tag2 {
		t.Fatal("HMAC is not deterministic")
	}

	tag3 := p.HMAC(append([]byte("x"), plaintext...), key[:])
	if tag1 == tag3 {
		t.Fatal("HMAC ignores input data")
	}
}

func TestX25519(t *testing.T) {
	testProvider(t, crypto.X25519{})
}

func TestSimulated(t *testing.T) {
	testProvider(t, cryptotest.NewSimulated(1))
}

func TestSimulatedDeterminism(t *testing.T) {
	a := cryptotest.NewSimulated(42)
	b := cryptotest.NewSimulated(42)

	aPub, _, _ := a.GenerateKeypair()
	bPub, _, _ := b.GenerateKeypair()

	if aPub != bPub {
		t.Fatal("same seed produced different keys")
	}
}
