package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"peerdrop/models"
)

const selectPeers = `
		SELECT device_id, device_name, ed25519_public_key, key_fingerprint,
		       added_timestamp, last_seen_timestamp, last_known_address
		FROM peers`

// UpsertPeer inserts a peer or refreshes the name, last seen time and
// address of an existing one. An existing peer keeps its pinned key; use
// UpdatePeerIdentity to replace it.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.DeviceName == "" {
		peer.DeviceName = peer.DeviceID
	}
	if err := validateRow("peer", peer); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT INTO peers (
			device_id, device_name, ed25519_public_key, key_fingerprint,
			added_timestamp, last_seen_timestamp, last_known_address
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, peers.last_seen_timestamp),
			last_known_address = COALESCE(excluded.last_known_address, peers.last_known_address)`,
		peer.DeviceID,
		peer.DeviceName,
		peer.Ed25519PublicKey,
		peer.KeyFingerprint,
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullString(peer.LastKnownAddress),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.DeviceID, err)
	}
	return nil
}

// GetPeer fetches a peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	peer, err := scanPeer(s.db.QueryRow(selectPeers+` WHERE device_id = ?`, deviceID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}
	return peer, nil
}

// ListPeers returns all peers sorted by device name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(selectPeers + ` ORDER BY device_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}

	peers, err := collect(rows, scanPeer)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return lo.Map(peers, func(p *Peer, _ int) Peer { return *p }), nil
}

// UpdatePeerIdentity re-pins a peer to a new Ed25519 key.
func (s *Store) UpdatePeerIdentity(deviceID, ed25519PublicKey, keyFingerprint string) error {
	if deviceID == "" || ed25519PublicKey == "" || keyFingerprint == "" {
		return errors.New("device ID, public key and fingerprint are required")
	}

	res, err := s.db.Exec(
		`UPDATE peers SET ed25519_public_key = ?, key_fingerprint = ? WHERE device_id = ?`,
		ed25519PublicKey,
		keyFingerprint,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer identity %q: %w", deviceID, err)
	}
	return requireAffected(res, "peer identity", deviceID)
}

// Model converts the row to the shared peer model.
func (p Peer) Model() models.Peer {
	return models.Peer{
		DeviceID:          p.DeviceID,
		DeviceName:        p.DeviceName,
		Ed25519PublicKey:  p.Ed25519PublicKey,
		KeyFingerprint:    p.KeyFingerprint,
		AddedTimestamp:    p.AddedTimestamp,
		LastSeenTimestamp: lo.FromPtr(p.LastSeenTimestamp),
	}
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer        Peer
		lastSeen    sql.NullInt64
		lastAddress sql.NullString
	)
	err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.AddedTimestamp,
		&lastSeen,
		&lastAddress,
	)
	if err != nil {
		return nil, err
	}
	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownAddress = stringPtr(lastAddress)
	return &peer, nil
}
