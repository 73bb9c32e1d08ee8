package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length of a derived channel key (AES-256).
const SessionKeySize = 32

const sessionKeyInfo = "peerdrop channel v1"

var x25519 = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a one-shot key pair for a single handshake.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret runs the Diffie-Hellman exchange.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey expands a shared secret into a channel key. Both peers
// derive the same key regardless of which side is local.
func DeriveSessionKey(sharedSecret []byte, localDeviceID, peerDeviceID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("derive session key: empty shared secret")
	}

	first, second := localDeviceID, peerDeviceID
	if second < first {
		first, second = second, first
	}
	salt := sha256.Sum256([]byte(first + "|" + second))

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt[:], []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
