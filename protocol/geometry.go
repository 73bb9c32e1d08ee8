package protocol

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidChunkSize indicates a zero chunk size.
	ErrInvalidChunkSize = errors.New("protocol: chunk size must be > 0")
	// ErrGeometryMismatch indicates declared chunk count does not match size and chunk size.
	ErrGeometryMismatch = errors.New("protocol: chunk count does not match size")
	// ErrTooManyChunks indicates a file that cannot be addressed with 32-bit chunk indexes.
	ErrTooManyChunks = errors.New("protocol: chunk count overflows uint32")
)

// ChunkCount returns ceil(size/chunkSize). A zero-byte file still has one
// (empty) chunk so that both ends complete the handshake. It returns 0 when
// chunkSize is 0 or the count does not fit in uint32.
func ChunkCount(size uint64, chunkSize uint32) uint32 {
	if chunkSize == 0 {
		return 0
	}
	if size == 0 {
		return 1
	}
	count := size / uint64(chunkSize)
	if size%uint64(chunkSize) != 0 {
		count++
	}
	if count > math.MaxUint32 {
		return 0
	}
	return uint32(count)
}

// ChunkLength returns the exact payload length expected for chunk index.
func ChunkLength(meta FileMetadata, index uint32) uint64 {
	if meta.ChunkCount == 0 || index >= meta.ChunkCount {
		return 0
	}
	if index < meta.ChunkCount-1 {
		return uint64(meta.ChunkSize)
	}
	return meta.TotalSize - uint64(meta.ChunkSize)*uint64(meta.ChunkCount-1)
}

// ValidateGeometry checks that the declared chunk count is consistent with
// the declared size and chunk size.
func ValidateGeometry(meta FileMetadata) error {
	if meta.ChunkSize == 0 {
		return ErrInvalidChunkSize
	}
	want := ChunkCount(meta.TotalSize, meta.ChunkSize)
	if want == 0 {
		return ErrTooManyChunks
	}
	if meta.ChunkCount != want {
		return fmt.Errorf("%w: got %d want %d", ErrGeometryMismatch, meta.ChunkCount, want)
	}
	return nil
}

// ChunkSizeForMessageLimit returns the largest chunk size whose encoded chunk
// message fits in limit bytes, leaving room for the JSON envelope and base64
// expansion. It returns 0 when limit is too small to carry any payload.
func ChunkSizeForMessageLimit(limit int) uint32 {
	const envelope = 192
	if limit <= envelope {
		return 0
	}
	return uint32((limit - envelope) / 4 * 3)
}
