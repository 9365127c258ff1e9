package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
)

// X25519 is the production Provider: Curve25519 key agreement with a
// ChaCha20 transport cipher and HMAC-SHA256 tags.
type X25519 struct{}

var _ Provider = X25519{}

// GenerateKeypair returns a clamped X25519 key pair.
func (X25519) GenerateKeypair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, errors.Wrap(err, "failed to read private key")
	}

	// RFC 7748 scalar clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, errors.Wrap(err, "failed to derive public key")
	}

	copy(pub[:], p)
	return pub, priv, nil
}

// SharedSecret performs the X25519 Diffie-Hellman operation.
func (X25519) SharedSecret(priv, peerPub [32]byte) ([32]byte, error) {
	var secret [32]byte

	s, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return secret, errors.Wrap(err, "x25519 failed")
	}

	copy(secret[:], s)
	return secret, nil
}

// Encrypt enciphers buf in place with ChaCha20. The 128-bit transport key
// is expanded to the cipher's native width with SHA-256; the nonce is the
// leading 12 bytes of iv.
func (X25519) Encrypt(buf []byte, key [16]byte, iv [16]byte) {
	ck := sha256.Sum256(key[:])

	c, err := chacha20.NewUnauthenticatedCipher(ck[:], iv[:chacha20.NonceSize])
	if err != nil {
		// Key and nonce sizes are fixed above; this cannot fail.
		panic("chacha20: " + err.Error())
	}

	c.XORKeyStream(buf, buf)
}

// Decrypt is the inverse of Encrypt. ChaCha20 is a stream cipher, so the
// two are the same operation.
func (x X25519) Decrypt(buf []byte, key [16]byte, iv [16]byte) {
	x.Encrypt(buf, key, iv)
}

// HMAC computes HMAC-SHA256 over data.
func (X25519) HMAC(data, key []byte) [32]byte {
	var tag [32]byte

	m := hmac.New(sha256.New, key)
	m.Write(data)
	copy(tag[:], m.Sum(nil))

	return tag
}

// Random fills b from the system CSPRNG.
func (X25519) Random(b []byte) error {
	_, err := rand.Read(b)
	return errors.Wrap(err, "failed to read random bytes")
}
