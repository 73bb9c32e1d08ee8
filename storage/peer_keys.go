package storage

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"peerdrop/channel"
)

// PeerKeys pins peer identity keys on first contact and checks them on
// every later handshake.
type PeerKeys struct {
	store *Store
	log   logrus.FieldLogger

	// AcceptKeyChange re-pins a changed key instead of rejecting the peer.
	AcceptKeyChange bool
}

// NewPeerKeys returns a key policy backed by the peers table.
func NewPeerKeys(store *Store, log logrus.FieldLogger) *PeerKeys {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PeerKeys{store: store, log: log}
}

// CheckPeerKey implements channel.PeerKeyPolicy.
func (k *PeerKeys) CheckPeerKey(peer channel.PeerInfo) error {
	log := k.log.WithFields(logrus.Fields{
		"function":    "CheckPeerKey",
		"device_id":   peer.DeviceID,
		"fingerprint": peer.Fingerprint,
	})

	seen := nowUnixMilli()
	row := Peer{
		DeviceID:          peer.DeviceID,
		DeviceName:        peer.DeviceName,
		Ed25519PublicKey:  peer.PublicKey,
		KeyFingerprint:    peer.Fingerprint,
		LastSeenTimestamp: &seen,
	}
	if peer.Address != "" {
		row.LastKnownAddress = &peer.Address
	}

	known, err := k.store.GetPeer(peer.DeviceID)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Info("Pinning key for new peer")
		return k.store.UpsertPeer(row)
	case err != nil:
		return err
	}

	if known.Ed25519PublicKey != peer.PublicKey {
		decision := KeyRotationDecisionRejected
		if k.AcceptKeyChange {
			decision = KeyRotationDecisionTrusted
		}
		if err := k.store.RecordKeyRotationEvent(KeyRotationEvent{
			PeerDeviceID:      peer.DeviceID,
			OldKeyFingerprint: known.KeyFingerprint,
			NewKeyFingerprint: peer.Fingerprint,
			Decision:          decision,
		}); err != nil {
			return err
		}

		if !k.AcceptKeyChange {
			log.WithField("pinned_fingerprint", known.KeyFingerprint).Warn("Peer presented a different identity key")
			return fmt.Errorf("%w: pinned %s, presented %s", channel.ErrKeyChanged, known.KeyFingerprint, peer.Fingerprint)
		}
		log.WithField("pinned_fingerprint", known.KeyFingerprint).Warn("Re-pinning changed identity key")
		if err := k.store.UpdatePeerIdentity(peer.DeviceID, peer.PublicKey, peer.Fingerprint); err != nil {
			return err
		}
	}

	return k.store.UpsertPeer(row)
}
