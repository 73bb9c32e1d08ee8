// Package protocol defines the two wire messages of a chunked file transfer
// and the codec that maps them to and from channel messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// KindMeta announces a transfer and its chunk geometry.
	KindMeta = "meta"
	// KindChunk carries one slice of file payload.
	KindChunk = "chunk"
)

// DefaultChunkSize is the chunk size used when a sender does not override it (1 MiB).
const DefaultChunkSize uint32 = 1024 * 1024

var (
	// ErrInvalidKind indicates the message kind is missing or unknown.
	ErrInvalidKind = errors.New("protocol: invalid message kind")
	// ErrMissingField indicates a required message field is absent.
	ErrMissingField = errors.New("protocol: missing required field")
	// ErrInvalidName indicates a file name that is not valid UTF-8.
	ErrInvalidName = errors.New("protocol: file name is not valid UTF-8")
	// ErrMessageTooLarge indicates an encoded message above a channel's size limit.
	ErrMessageTooLarge = errors.New("protocol: message too large")
)

// FileMetadata describes one transfer. It is sent exactly once, before any chunk.
type FileMetadata struct {
	TransferID string
	Name       string
	TotalSize  uint64
	ChunkSize  uint32
	ChunkCount uint32
}

// Chunk is one bounded slice of file payload.
type Chunk struct {
	TransferID string
	Index      uint32
	ChunkCount uint32
	Payload    []byte
}

// IsLast reports whether the chunk closes its transfer.
func (c Chunk) IsLast() bool {
	return c.ChunkCount > 0 && c.Index == c.ChunkCount-1
}

// Event is the result of decoding one inbound message.
type Event interface {
	isEvent()
}

// MetadataEvent is a decoded metadata message.
type MetadataEvent struct {
	Metadata FileMetadata
}

// ChunkEvent is a decoded chunk message.
type ChunkEvent struct {
	Chunk Chunk
}

// Unrecognized is returned for any message that is not a well-formed
// metadata or chunk message.
type Unrecognized struct {
	Kind   string
	Reason string
}

func (MetadataEvent) isEvent() {}
func (ChunkEvent) isEvent()    {}
func (Unrecognized) isEvent()  {}

type envelope struct {
	Kind string `json:"kind"`
}

type metaMessage struct {
	Kind       string  `json:"kind"`
	TransferID string  `json:"transferId"`
	Name       string  `json:"name"`
	Size       *uint64 `json:"size"`
	ChunkSize  uint32  `json:"chunkSize"`
	ChunkCount uint32  `json:"chunkCount"`
}

type chunkMessage struct {
	Kind       string  `json:"kind"`
	TransferID string  `json:"transferId"`
	Index      *uint32 `json:"index"`
	ChunkCount uint32  `json:"chunkCount"`
	Payload    []byte  `json:"payload"`
}

// EncodeMeta marshals file metadata into a channel message. Names must be
// valid UTF-8 so they survive the JSON encoding unchanged.
func EncodeMeta(meta FileMetadata) ([]byte, error) {
	if !utf8.ValidString(meta.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, meta.Name)
	}
	size := meta.TotalSize
	return encodeJSON(metaMessage{
		Kind:       KindMeta,
		TransferID: meta.TransferID,
		Name:       meta.Name,
		Size:       &size,
		ChunkSize:  meta.ChunkSize,
		ChunkCount: meta.ChunkCount,
	})
}

// EncodeChunk marshals one chunk into a channel message.
func EncodeChunk(chunk Chunk) ([]byte, error) {
	index := chunk.Index
	return encodeJSON(chunkMessage{
		Kind:       KindChunk,
		TransferID: chunk.TransferID,
		Index:      &index,
		ChunkCount: chunk.ChunkCount,
		Payload:    chunk.Payload,
	})
}

// Decode maps a channel message to an event. It never fails: anything that is
// not a well-formed metadata or chunk message becomes Unrecognized.
func Decode(payload []byte) Event {
	kind, err := decodeKind(payload)
	if err != nil {
		return Unrecognized{Reason: err.Error()}
	}

	switch kind {
	case KindMeta:
		meta, err := decodeMeta(payload)
		if err != nil {
			return Unrecognized{Kind: kind, Reason: err.Error()}
		}
		return MetadataEvent{Metadata: meta}
	case KindChunk:
		chunk, err := decodeChunk(payload)
		if err != nil {
			return Unrecognized{Kind: kind, Reason: err.Error()}
		}
		return ChunkEvent{Chunk: chunk}
	default:
		return Unrecognized{Kind: kind, Reason: ErrInvalidKind.Error()}
	}
}

func encodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

func decodeKind(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return "", ErrInvalidKind
	}
	return env.Kind, nil
}

func decodeMeta(payload []byte) (FileMetadata, error) {
	// json.Unmarshal would quietly replace invalid bytes with U+FFFD.
	if !utf8.Valid(payload) {
		return FileMetadata{}, ErrInvalidName
	}
	var msg metaMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return FileMetadata{}, fmt.Errorf("decode meta: %w", err)
	}
	switch {
	case msg.TransferID == "":
		return FileMetadata{}, fmt.Errorf("%w: transferId", ErrMissingField)
	case msg.Size == nil:
		return FileMetadata{}, fmt.Errorf("%w: size", ErrMissingField)
	case msg.ChunkSize == 0:
		return FileMetadata{}, fmt.Errorf("%w: chunkSize", ErrMissingField)
	case msg.ChunkCount == 0:
		return FileMetadata{}, fmt.Errorf("%w: chunkCount", ErrMissingField)
	}

	return FileMetadata{
		TransferID: msg.TransferID,
		Name:       msg.Name,
		TotalSize:  *msg.Size,
		ChunkSize:  msg.ChunkSize,
		ChunkCount: msg.ChunkCount,
	}, nil
}

func decodeChunk(payload []byte) (Chunk, error) {
	var msg chunkMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	switch {
	case msg.TransferID == "":
		return Chunk{}, fmt.Errorf("%w: transferId", ErrMissingField)
	case msg.Index == nil:
		return Chunk{}, fmt.Errorf("%w: index", ErrMissingField)
	case msg.ChunkCount == 0:
		return Chunk{}, fmt.Errorf("%w: chunkCount", ErrMissingField)
	}

	return Chunk{
		TransferID: msg.TransferID,
		Index:      *msg.Index,
		ChunkCount: msg.ChunkCount,
		Payload:    msg.Payload,
	}, nil
}
