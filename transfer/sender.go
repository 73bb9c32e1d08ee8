package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"peerdrop/protocol"
)

// Channel is an open, ordered, reliable message channel to one peer.
type Channel interface {
	Send(message []byte) error
	IsOpen() bool
}

// MessageLimiter is implemented by channels that cap the size of one
// message. Outbound chunks are sized to fit under the cap.
type MessageLimiter interface {
	MaxMessageSize() int
}

type sendEvents interface {
	beginSend(meta protocol.FileMetadata, source Source, cancel context.CancelFunc) error
	sendProgress(transferID string, progress int)
	completeSend(transferID string)
	failSend(transferID string, err *Error)
}

// sender streams one source over a channel as metadata followed by chunks.
type sender struct {
	chunkSize     uint32
	newTransferID func() string
	events        sendEvents
	log           logrus.FieldLogger
}

// beginTransfer announces src on ch and streams it in a background goroutine.
// It returns the generated transfer ID once the session has entered Sending.
func (s *sender) beginTransfer(ctx context.Context, src Source, ch Channel) (string, error) {
	if ch == nil || !ch.IsOpen() {
		return "", newError(KindNoActiveChannel, "", nil)
	}

	chunkSize, err := chunkSizeFor(ch, s.chunkSize)
	if err != nil {
		return "", err
	}
	meta := protocol.FileMetadata{
		TransferID: s.newTransferID(),
		Name:       src.Name(),
		TotalSize:  src.Size(),
		ChunkSize:  chunkSize,
		ChunkCount: protocol.ChunkCount(src.Size(), chunkSize),
	}
	if meta.ChunkCount == 0 {
		return "", fmt.Errorf("plan chunks for %q: %w", meta.Name, protocol.ErrTooManyChunks)
	}
	announce, err := protocol.EncodeMeta(meta)
	if err != nil {
		return "", newError(KindProtocolViolation, "", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.events.beginSend(meta, src, cancel); err != nil {
		cancel()
		return "", err
	}

	go s.run(runCtx, cancel, meta, announce, src, ch)
	return meta.TransferID, nil
}

func (s *sender) run(ctx context.Context, cancel context.CancelFunc, meta protocol.FileMetadata, announce []byte, src io.Reader, ch Channel) {
	defer cancel()

	log := s.log.WithFields(logrus.Fields{
		"function":    "sender.run",
		"transfer_id": meta.TransferID,
		"name":        meta.Name,
		"size":        meta.TotalSize,
		"chunks":      meta.ChunkCount,
	})
	log.Info("Starting outbound transfer")

	if err := ch.Send(announce); err != nil {
		log.WithError(err).Warn("Failed to send metadata")
		s.events.failSend(meta.TransferID, sendFailure(meta.TransferID, err))
		return
	}

	// The first chunk is always the largest, so one buffer serves them all.
	buf := make([]byte, protocol.ChunkLength(meta, 0))
	for index := uint32(0); index < meta.ChunkCount; index++ {
		if err := ctx.Err(); err != nil {
			log.WithField("index", index).Info("Outbound transfer cancelled")
			s.events.failSend(meta.TransferID, newError(KindCancelled, meta.TransferID, err))
			return
		}

		payload := buf[:protocol.ChunkLength(meta, index)]
		if _, err := io.ReadFull(src, payload); err != nil {
			log.WithError(err).WithField("index", index).Warn("Failed to read source")
			s.events.failSend(meta.TransferID, newError(KindReadFailure, meta.TransferID, fmt.Errorf("read chunk %d: %w", index, err)))
			return
		}

		message, err := protocol.EncodeChunk(protocol.Chunk{
			TransferID: meta.TransferID,
			Index:      index,
			ChunkCount: meta.ChunkCount,
			Payload:    payload,
		})
		if err != nil {
			s.events.failSend(meta.TransferID, newError(KindProtocolViolation, meta.TransferID, err))
			return
		}
		if err := ch.Send(message); err != nil {
			log.WithError(err).WithField("index", index).Warn("Failed to send chunk")
			s.events.failSend(meta.TransferID, sendFailure(meta.TransferID, err))
			return
		}

		s.events.sendProgress(meta.TransferID, percent(index, meta.ChunkCount))
	}

	log.Info("Outbound transfer complete")
	s.events.completeSend(meta.TransferID)
}

// chunkSizeFor shrinks the configured chunk size to what ch can carry.
func chunkSizeFor(ch Channel, configured uint32) (uint32, error) {
	limiter, ok := ch.(MessageLimiter)
	if !ok || limiter.MaxMessageSize() <= 0 {
		return configured, nil
	}
	fits := protocol.ChunkSizeForMessageLimit(limiter.MaxMessageSize())
	if fits == 0 {
		return 0, newError(KindProtocolViolation, "", fmt.Errorf("%w: channel limit %d bytes", protocol.ErrMessageTooLarge, limiter.MaxMessageSize()))
	}
	return min(configured, fits), nil
}

// sendFailure classifies a failed Send. An oversized message leaves the
// channel open, so it is not reported as a closed channel.
func sendFailure(transferID string, err error) *Error {
	if errors.Is(err, protocol.ErrMessageTooLarge) {
		return newError(KindProtocolViolation, transferID, err)
	}
	return newError(KindChannelClosed, transferID, err)
}
