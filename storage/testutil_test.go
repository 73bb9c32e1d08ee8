package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"peerdrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustAddPeer(t *testing.T, store *Store, deviceID, name string) {
	t.Helper()

	err := store.UpsertPeer(Peer{
		DeviceID:         deviceID,
		DeviceName:       name,
		Ed25519PublicKey: "base64-public-key-" + deviceID,
		KeyFingerprint:   "fingerprint-" + deviceID,
	})
	require.NoError(t, err, "add peer %q", deviceID)
}

func mustSaveTransfer(t *testing.T, store *Store, transferID string, createdAt int64) models.Transfer {
	t.Helper()

	transfer := models.Transfer{
		TransferID: transferID,
		Direction:  "receive",
		Peer:       "bob",
		Name:       transferID + ".bin",
		Size:       2621440,
		ChunkSize:  1048576,
		ChunkCount: 3,
		Status:     TransferStatusReceiving,
		CreatedAt:  createdAt,
	}
	require.NoError(t, store.SaveTransfer(transfer), "save transfer %q", transferID)
	return transfer
}
