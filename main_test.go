package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/channel"
	"peerdrop/models"
	"peerdrop/protocol"
	"peerdrop/transfer"
)

func newTestSession(t *testing.T) *transfer.Session {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return transfer.NewSession(transfer.Options{ChunkSize: 512, Logger: logger})
}

func TestRunHelpAndUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"help"}, &out))
	assert.Contains(t, out.String(), "usage: peerdrop")

	assert.ErrorIs(t, run(context.Background(), []string{"bogus"}, &out), errUsage)
	assert.ErrorIs(t, run(context.Background(), nil, &out), errUsage)
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	log, err := newLogger("warn", &out)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")

	_, err = newLogger("loud", &out)
	assert.Error(t, err)
}

func TestAwaitTransferCompletes(t *testing.T) {
	sender := newTestSession(t)
	receiver := newTestSession(t)
	var out bytes.Buffer
	receiver.Subscribe(newProgressPrinter(receiver, &out))

	a, b := channel.Pipe()
	a.Serve(sender)
	b.Serve(receiver)
	t.Cleanup(func() { _ = a.Close() })

	data := bytes.Repeat([]byte{0x5a}, 2000)
	require.NoError(t, sender.SelectFile(transfer.NewReaderSource("blob.bin", uint64(len(data)), bytes.NewReader(data))))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sender.StartSend(ctx, a)
	require.NoError(t, err)

	require.NoError(t, awaitTransfer(ctx, receiver, make(chan struct{})))
	assert.Contains(t, out.String(), "receiving: blob.bin (2.0 kB)")
	assert.Contains(t, out.String(), "100%")
	assert.Contains(t, out.String(), "Transfer complete")
}

func TestAwaitTransferChannelClosedWhileIdle(t *testing.T) {
	closed := make(chan struct{})
	close(closed)

	err := awaitTransfer(context.Background(), newTestSession(t), closed)
	assert.ErrorIs(t, err, errClosedEarly)
}

func TestAwaitTransferReportsFailure(t *testing.T) {
	receiver := newTestSession(t)
	var out bytes.Buffer
	receiver.Subscribe(newProgressPrinter(receiver, &out))

	meta, err := protocol.EncodeMeta(protocol.FileMetadata{
		TransferID: "t-1",
		Name:       "half.bin",
		TotalSize:  1024,
		ChunkSize:  512,
		ChunkCount: 2,
	})
	require.NoError(t, err)
	require.NoError(t, receiver.HandleMessage(meta))
	receiver.HandleClose(nil)

	err = awaitTransfer(context.Background(), receiver, make(chan struct{}))
	assert.ErrorIs(t, err, transfer.ErrChannelClosed)
	assert.Contains(t, out.String(), "Transfer failed: channel_closed")
}

func TestAwaitTransferWaitsForCloseToFailSession(t *testing.T) {
	receiver := newTestSession(t)
	meta, err := protocol.EncodeMeta(protocol.FileMetadata{
		TransferID: "t-2",
		Name:       "dropped.bin",
		TotalSize:  1024,
		ChunkSize:  512,
		ChunkCount: 2,
	})
	require.NoError(t, err)
	require.NoError(t, receiver.HandleMessage(meta))

	// Done fires first; the channel reports the close a moment later.
	closed := make(chan struct{})
	close(closed)
	go func() {
		time.Sleep(50 * time.Millisecond)
		receiver.HandleClose(nil)
	}()

	err = awaitTransfer(context.Background(), receiver, closed)
	assert.ErrorIs(t, err, transfer.ErrChannelClosed)
	assert.NotErrorIs(t, err, errClosedEarly)
}

func TestAwaitTransferHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := awaitTransfer(ctx, newTestSession(t), make(chan struct{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsWebSocketURL(t *testing.T) {
	assert.True(t, isWebSocketURL("ws://10.0.0.2:9876/"))
	assert.True(t, isWebSocketURL("wss://example.test/drop"))
	assert.False(t, isWebSocketURL("10.0.0.2:9876"))
	assert.False(t, isWebSocketURL("http://10.0.0.2"))
}

func TestRenderTransfers(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var out bytes.Buffer
	renderTransfers(&out, []models.Transfer{
		{
			TransferID: "t-1",
			Direction:  "receive",
			Peer:       "alice",
			Name:       "report.pdf",
			Size:       1500,
			Status:     "failed",
			ErrorKind:  "out_of_order_chunk",
			CreatedAt:  now.Add(-2 * time.Hour).UnixMilli(),
		},
	}, now)

	text := out.String()
	assert.Contains(t, text, "DIRECTION")
	assert.Contains(t, text, "report.pdf")
	assert.Contains(t, text, "1.5 kB")
	assert.Contains(t, text, "2 hours ago")
	assert.Contains(t, text, "out_of_order_chunk")
}

func TestRenderPeers(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var out bytes.Buffer
	renderPeers(&out, []models.Peer{
		{
			DeviceID:          "peer-1",
			DeviceName:        "Bob",
			KeyFingerprint:    "0123456789abcdef",
			Addresses:         []string{"10.0.0.2"},
			Port:              9876,
			LastSeenTimestamp: now.Add(-time.Minute).UnixMilli(),
		},
	}, now)

	text := out.String()
	assert.Contains(t, text, "Bob")
	assert.Contains(t, text, "0123 4567 89AB CDEF")
	assert.Contains(t, text, "10.0.0.2:9876")
	assert.Contains(t, text, "1 minute ago")
}
