package storage

import (
	"errors"
	"fmt"
)

const defaultKeyEventLimit = 20

// RecordKeyRotationEvent stores one decision about a changed peer key.
func (s *Store) RecordKeyRotationEvent(event KeyRotationEvent) error {
	if err := validateRow("key rotation event", event); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT INTO key_rotation_events (
			peer_device_id, old_key_fingerprint, new_key_fingerprint, decision, timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerDeviceID,
		event.OldKeyFingerprint,
		event.NewKeyFingerprint,
		event.Decision,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record key rotation for peer %q: %w", event.PeerDeviceID, err)
	}
	return nil
}

// GetRecentKeyRotationEvents returns the key history of one peer, newest first.
func (s *Store) GetRecentKeyRotationEvents(peerDeviceID string, limit int) ([]KeyRotationEvent, error) {
	if peerDeviceID == "" {
		return nil, errors.New("peer device ID is required")
	}
	if limit <= 0 {
		limit = defaultKeyEventLimit
	}

	rows, err := s.db.Query(`
		SELECT id, peer_device_id, old_key_fingerprint, new_key_fingerprint, decision, timestamp
		FROM key_rotation_events
		WHERE peer_device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		peerDeviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query key rotations for peer %q: %w", peerDeviceID, err)
	}

	return collect(rows, func(row scanner) (KeyRotationEvent, error) {
		var event KeyRotationEvent
		err := row.Scan(
			&event.ID,
			&event.PeerDeviceID,
			&event.OldKeyFingerprint,
			&event.NewKeyFingerprint,
			&event.Decision,
			&event.Timestamp,
		)
		return event, err
	})
}
