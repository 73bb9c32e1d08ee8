package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"peerdrop/protocol"
)

// MaxNameLength bounds the announced file name, in bytes.
const MaxNameLength = 255

var (
	errDuplicateMetadata = errors.New("duplicate metadata for active transfer")
	errNameTooLong       = fmt.Errorf("file name exceeds %d bytes", MaxNameLength)
	errFileTooLarge      = errors.New("file exceeds maximum size")
)

type receiveEvents interface {
	beginReceive(meta protocol.FileMetadata) error
	receiveProgress(transferID string, progress int)
	completeReceive(transferID string, file ReceivedFile)
	failReceive(transferID string, err *Error)
}

// reassemblyBuffer holds the chunks of the single active inbound transfer.
type reassemblyBuffer struct {
	meta          protocol.FileMetadata
	payloads      [][]byte
	bytesReceived uint64
	nextIndex     uint32
}

// receiver turns inbound messages into a reassembled file. Messages are
// handled one at a time.
type receiver struct {
	mu          sync.Mutex
	buffer      *reassemblyBuffer
	maxFileSize uint64
	events      receiveEvents
	log         logrus.FieldLogger
}

// onMessage decodes and applies one inbound message. The returned error is
// informational: failures that end the active transfer have already been
// reported to the session.
func (r *receiver) onMessage(message []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event := protocol.Decode(message).(type) {
	case protocol.MetadataEvent:
		return r.handleMetadata(event.Metadata)
	case protocol.ChunkEvent:
		return r.handleChunk(event.Chunk)
	case protocol.Unrecognized:
		r.log.WithFields(logrus.Fields{
			"function": "receiver.onMessage",
			"kind":     event.Kind,
			"reason":   event.Reason,
		}).Warn("Ignoring unrecognized message")
	}
	return nil
}

func (r *receiver) handleMetadata(meta protocol.FileMetadata) error {
	log := r.log.WithFields(logrus.Fields{
		"function":    "receiver.handleMetadata",
		"transfer_id": meta.TransferID,
		"name":        meta.Name,
		"size":        meta.TotalSize,
	})

	if active := r.buffer; active != nil {
		if active.meta.TransferID == meta.TransferID {
			return r.fail(KindProtocolViolation, errDuplicateMetadata)
		}
		log.WithField("active_transfer_id", active.meta.TransferID).Warn("Rejecting metadata while a transfer is active")
		return newError(KindTransferInProgress, meta.TransferID, fmt.Errorf("transfer %s is active", active.meta.TransferID))
	}

	if err := r.events.beginReceive(meta); err != nil {
		log.WithError(err).Warn("Rejecting metadata")
		return err
	}

	if err := r.validate(meta); err != nil {
		log.WithError(err).Warn("Invalid metadata")
		ferr := newError(KindProtocolViolation, meta.TransferID, err)
		r.events.failReceive(meta.TransferID, ferr)
		return ferr
	}

	r.buffer = &reassemblyBuffer{
		meta:     meta,
		payloads: make([][]byte, 0, min(meta.ChunkCount, 1024)),
	}
	log.WithField("chunks", meta.ChunkCount).Info("Receiving file")
	return nil
}

func (r *receiver) validate(meta protocol.FileMetadata) error {
	if err := protocol.ValidateGeometry(meta); err != nil {
		return err
	}
	if r.maxFileSize > 0 && meta.TotalSize > r.maxFileSize {
		return fmt.Errorf("%w: %d > %d", errFileTooLarge, meta.TotalSize, r.maxFileSize)
	}
	if len(meta.Name) > MaxNameLength {
		return errNameTooLong
	}
	return nil
}

func (r *receiver) handleChunk(chunk protocol.Chunk) error {
	buf := r.buffer
	if buf == nil || buf.meta.TransferID != chunk.TransferID {
		r.log.WithFields(logrus.Fields{
			"function":    "receiver.handleChunk",
			"transfer_id": chunk.TransferID,
			"index":       chunk.Index,
		}).Debug("Ignoring chunk for unknown transfer")
		return nil
	}

	if chunk.Index != buf.nextIndex {
		return r.fail(KindOutOfOrderChunk, fmt.Errorf("got chunk %d, want %d", chunk.Index, buf.nextIndex))
	}
	if chunk.ChunkCount != buf.meta.ChunkCount {
		return r.fail(KindProtocolViolation, fmt.Errorf("chunk %d declares %d chunks, metadata declared %d", chunk.Index, chunk.ChunkCount, buf.meta.ChunkCount))
	}
	if want := protocol.ChunkLength(buf.meta, chunk.Index); uint64(len(chunk.Payload)) != want {
		return r.fail(KindProtocolViolation, fmt.Errorf("chunk %d has %d bytes, want %d", chunk.Index, len(chunk.Payload), want))
	}

	buf.payloads = append(buf.payloads, chunk.Payload)
	buf.bytesReceived += uint64(len(chunk.Payload))
	buf.nextIndex++
	r.events.receiveProgress(buf.meta.TransferID, percent(chunk.Index, buf.meta.ChunkCount))

	if !chunk.IsLast() {
		return nil
	}

	file := ReceivedFile{
		TransferID: buf.meta.TransferID,
		Name:       buf.meta.Name,
		Bytes:      buf.assemble(),
		Size:       buf.bytesReceived,
	}
	r.buffer = nil
	r.log.WithFields(logrus.Fields{
		"function":    "receiver.handleChunk",
		"transfer_id": file.TransferID,
		"size":        file.Size,
	}).Info("File received")
	r.events.completeReceive(file.TransferID, file)
	return nil
}

// fail discards the active buffer and reports err against its transfer.
func (r *receiver) fail(kind ErrorKind, err error) error {
	id := r.buffer.meta.TransferID
	r.buffer = nil
	ferr := newError(kind, id, err)
	r.log.WithFields(logrus.Fields{
		"function":    "receiver.fail",
		"transfer_id": id,
		"kind":        kind.String(),
	}).WithError(err).Warn("Inbound transfer failed")
	r.events.failReceive(id, ferr)
	return ferr
}

// abandon drops any partial transfer without reporting it.
func (r *receiver) abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buffer != nil {
		r.log.WithFields(logrus.Fields{
			"function":    "receiver.abandon",
			"transfer_id": r.buffer.meta.TransferID,
			"chunks":      r.buffer.nextIndex,
		}).Debug("Discarding partial transfer")
		r.buffer = nil
	}
}

func (b *reassemblyBuffer) assemble() []byte {
	data := make([]byte, 0, b.bytesReceived)
	for _, payload := range b.payloads {
		data = append(data, payload...)
	}
	b.payloads = nil
	return data
}
