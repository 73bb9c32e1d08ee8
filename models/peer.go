package models

// Peer is a remote device known from discovery or a completed handshake.
type Peer struct {
	DeviceID          string   `json:"device_id"`
	DeviceName        string   `json:"device_name"`
	Ed25519PublicKey  string   `json:"ed25519_public_key,omitempty"`
	KeyFingerprint    string   `json:"key_fingerprint,omitempty"`
	AddedTimestamp    int64    `json:"added_timestamp,omitempty"`
	LastSeenTimestamp int64    `json:"last_seen_timestamp,omitempty"`
	Addresses         []string `json:"addresses,omitempty"`
	Port              int      `json:"port,omitempty"`
	ProtocolVersion   int      `json:"protocol_version,omitempty"`
}

// Endpoint returns the first address as host:port, or "" when unknown.
func (p Peer) Endpoint() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	return joinHostPort(p.Addresses[0], p.Port)
}
