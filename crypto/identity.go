// Package crypto holds the key material used to authenticate and encrypt
// peer channels.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const identityPEMType = "ED25519 PRIVATE KEY"

// IdentityFileName is the identity key file inside a keys directory.
const IdentityFileName = "identity.pem"

// Identity is a device's long-term signing key.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrCreateIdentity reads the identity key from keysDir, generating and
// saving a new one on first run.
func LoadOrCreateIdentity(keysDir string) (*Identity, error) {
	path := filepath.Join(keysDir, IdentityFileName)

	identity, err := LoadIdentity(path)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err = NewIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	if err := identity.Save(path); err != nil {
		return nil, err
	}
	return identity, nil
}

// NewIdentity generates a fresh identity key.
func NewIdentity() (*Identity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return &Identity{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// LoadIdentity reads a PEM-encoded identity key.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode identity PEM: no PEM block")
	}
	if block.Type != identityPEMType {
		return nil, fmt.Errorf("decode identity PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode identity PEM: invalid key size %d", len(block.Bytes))
	}

	privateKey := ed25519.PrivateKey(block.Bytes)
	return &Identity{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// Save writes the identity key with 0600 permissions.
func (id *Identity) Save(path string) error {
	block := &pem.Block{Type: identityPEMType, Bytes: id.PrivateKey}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// Sign signs data with the identity key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(id.PrivateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// PublicKeyBase64 returns the public key in the encoding used on the wire.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// Fingerprint returns the grouped fingerprint of the public key.
func (id *Identity) Fingerprint() string {
	return FormatFingerprint(KeyFingerprint(id.PublicKey))
}

// Verify reports whether signature is a valid signature of data.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a hex fingerprint into blocks of four uppercase characters.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	groups := make([]string, 0, len(clean)/4+1)
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}
