package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerUpsertAndList(t *testing.T) {
	store := newTestStore(t)

	lastSeen := nowUnixMilli()
	address := "192.168.1.10:9876"
	require.NoError(t, store.UpsertPeer(Peer{
		DeviceID:          "peer-1",
		DeviceName:        "Alice",
		Ed25519PublicKey:  "base64-ed25519-pubkey",
		KeyFingerprint:    "deadbeefdeadbeefdeadbeefdeadbeef",
		LastSeenTimestamp: &lastSeen,
		LastKnownAddress:  &address,
	}))

	got, err := store.GetPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DeviceName)
	require.NotNil(t, got.LastSeenTimestamp)
	assert.Equal(t, lastSeen, *got.LastSeenTimestamp)
	require.NotNil(t, got.LastKnownAddress)
	assert.Equal(t, address, *got.LastKnownAddress)

	// A refresh renames the peer but keeps the pinned key and known address.
	require.NoError(t, store.UpsertPeer(Peer{
		DeviceID:         "peer-1",
		DeviceName:       "Alice's Laptop",
		Ed25519PublicKey: "some-other-key",
		KeyFingerprint:   "00000000000000000000000000000000",
	}))
	got, err = store.GetPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice's Laptop", got.DeviceName)
	assert.Equal(t, "base64-ed25519-pubkey", got.Ed25519PublicKey)
	require.NotNil(t, got.LastKnownAddress)
	assert.Equal(t, address, *got.LastKnownAddress)

	mustAddPeer(t, store, "peer-2", "Bob")
	list, err := store.ListPeers()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "peer-1", list[0].DeviceID)
	assert.Equal(t, "Bob", list[1].Model().DeviceName)
}

func TestGetPeerNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPeer("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertPeerRequiresKey(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.UpsertPeer(Peer{DeviceID: "peer-1"}))
	assert.Error(t, store.UpsertPeer(Peer{Ed25519PublicKey: "k", KeyFingerprint: "f"}))
}

func TestUpdatePeerIdentity(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-1", "Alice")

	require.NoError(t, store.UpdatePeerIdentity("peer-1", "new-key", "new-fingerprint"))
	got, err := store.GetPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "new-key", got.Ed25519PublicKey)
	assert.Equal(t, "new-fingerprint", got.KeyFingerprint)

	assert.ErrorIs(t, store.UpdatePeerIdentity("missing", "k", "f"), ErrNotFound)
}

func TestKeyRotationEvents(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-1", "Alice")

	require.NoError(t, store.RecordKeyRotationEvent(KeyRotationEvent{
		PeerDeviceID:      "peer-1",
		OldKeyFingerprint: "old",
		NewKeyFingerprint: "new",
		Decision:          KeyRotationDecisionRejected,
		Timestamp:         1000,
	}))
	require.NoError(t, store.RecordKeyRotationEvent(KeyRotationEvent{
		PeerDeviceID:      "peer-1",
		OldKeyFingerprint: "old",
		NewKeyFingerprint: "new",
		Decision:          KeyRotationDecisionTrusted,
		Timestamp:         2000,
	}))
	assert.Error(t, store.RecordKeyRotationEvent(KeyRotationEvent{
		PeerDeviceID:      "peer-1",
		OldKeyFingerprint: "old",
		NewKeyFingerprint: "new",
		Decision:          "maybe",
	}))

	events, err := store.GetRecentKeyRotationEvents("peer-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KeyRotationDecisionTrusted, events[0].Decision)
	assert.Equal(t, KeyRotationDecisionRejected, events[1].Decision)
}
