package channel

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"peerdrop/crypto"
)

const (
	// ProtocolVersion is the channel handshake version.
	ProtocolVersion = 1

	typeHello = "hello"

	maxClockSkew = 10 * time.Minute
)

var (
	// ErrUnsupportedVersion indicates a peer speaking another handshake version.
	ErrUnsupportedVersion = errors.New("channel: unsupported protocol version")
	// ErrInvalidSignature indicates a hello whose signature does not verify.
	ErrInvalidSignature = errors.New("channel: invalid signature")
	// ErrKeyChanged indicates a known peer presented a different identity key.
	ErrKeyChanged = errors.New("channel: peer identity key changed")
)

// PeerInfo identifies the remote end of an authenticated channel.
type PeerInfo struct {
	DeviceID    string
	DeviceName  string
	PublicKey   string
	Fingerprint string
	Address     string
}

// PeerKeyPolicy decides whether a verified peer identity is acceptable.
// Returning ErrKeyChanged (or any error) aborts the handshake.
type PeerKeyPolicy interface {
	CheckPeerKey(peer PeerInfo) error
}

type hello struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

func buildHello(opts Options, ephemeralPublicKey []byte) ([]byte, error) {
	msg := hello{
		Type:             typeHello,
		DeviceID:         opts.DeviceID,
		DeviceName:       opts.DeviceName,
		Ed25519PublicKey: opts.Identity.PublicKeyBase64(),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	signature, err := opts.Identity.Sign(signable)
	if err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello: %w", err)
	}
	return payload, nil
}

func verifyHello(payload []byte) (hello, error) {
	var msg hello
	if err := json.Unmarshal(payload, &msg); err != nil {
		return hello{}, fmt.Errorf("decode hello: %w", err)
	}
	if msg.Type != typeHello {
		return hello{}, fmt.Errorf("expected %q, got %q", typeHello, msg.Type)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return hello{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.ProtocolVersion)
	}
	if msg.DeviceID == "" {
		return hello{}, errors.New("hello is missing device_id")
	}
	if skew := time.Since(time.UnixMilli(msg.Timestamp)); skew > maxClockSkew || skew < -maxClockSkew {
		return hello{}, fmt.Errorf("hello timestamp is off by %s", skew.Round(time.Second))
	}

	publicKey, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return hello{}, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return hello{}, errors.New("invalid Ed25519 public key length")
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return hello{}, fmt.Errorf("decode hello signature: %w", err)
	}

	unsigned := msg
	unsigned.Signature = ""
	signable, err := json.Marshal(unsigned)
	if err != nil {
		return hello{}, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return hello{}, ErrInvalidSignature
	}
	return msg, nil
}

// handshake authenticates both ends and derives the frame sealer. The
// initiator speaks first so the exchange also works over unbuffered pipes.
func handshake(conn net.Conn, opts Options, initiator bool) (*crypto.Sealer, PeerInfo, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		return nil, PeerInfo{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, PeerInfo{}, err
	}
	local, err := buildHello(opts, ephemeralPublic.Bytes())
	if err != nil {
		return nil, PeerInfo{}, err
	}

	var remote []byte
	if initiator {
		if err := WriteFrame(conn, local); err != nil {
			return nil, PeerInfo{}, fmt.Errorf("send hello: %w", err)
		}
		if remote, err = ReadFrame(conn); err != nil {
			return nil, PeerInfo{}, fmt.Errorf("read hello: %w", err)
		}
	} else {
		if remote, err = ReadFrame(conn); err != nil {
			return nil, PeerInfo{}, fmt.Errorf("read hello: %w", err)
		}
		if err := WriteFrame(conn, local); err != nil {
			return nil, PeerInfo{}, fmt.Errorf("send hello: %w", err)
		}
	}

	peerHello, err := verifyHello(remote)
	if err != nil {
		return nil, PeerInfo{}, err
	}

	publicKey, _ := base64.StdEncoding.DecodeString(peerHello.Ed25519PublicKey)
	peer := PeerInfo{
		DeviceID:    peerHello.DeviceID,
		DeviceName:  peerHello.DeviceName,
		PublicKey:   peerHello.Ed25519PublicKey,
		Fingerprint: crypto.KeyFingerprint(publicKey),
		Address:     conn.RemoteAddr().String(),
	}
	if opts.PeerKeys != nil {
		if err := opts.PeerKeys.CheckPeerKey(peer); err != nil {
			return nil, PeerInfo{}, fmt.Errorf("check key for peer %q: %w", peer.DeviceID, err)
		}
	}

	peerEphemeralRaw, err := base64.StdEncoding.DecodeString(peerHello.X25519PublicKey)
	if err != nil {
		return nil, PeerInfo{}, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	peerEphemeral, err := crypto.ParseX25519PublicKey(peerEphemeralRaw)
	if err != nil {
		return nil, PeerInfo{}, err
	}
	shared, err := crypto.ComputeX25519SharedSecret(ephemeralPrivate, peerEphemeral)
	if err != nil {
		return nil, PeerInfo{}, err
	}
	sessionKey, err := crypto.DeriveSessionKey(shared, opts.DeviceID, peer.DeviceID)
	if err != nil {
		return nil, PeerInfo{}, err
	}
	sealer, err := crypto.NewSealer(sessionKey)
	if err != nil {
		return nil, PeerInfo{}, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, PeerInfo{}, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return sealer, peer, nil
}
