package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkCountCoversSize(t *testing.T) {
	chunkSizes := []uint32{1, 7, 1024, DefaultChunkSize}
	sizes := []uint64{0, 1, 6, 7, 8, 1023, 1024, 1025, 3 * 1024 * 1024, 2621440}

	for _, chunkSize := range chunkSizes {
		for _, size := range sizes {
			count := ChunkCount(size, chunkSize)
			require.NotZero(t, count, "size=%d chunk=%d", size, chunkSize)

			meta := FileMetadata{TotalSize: size, ChunkSize: chunkSize, ChunkCount: count}
			var total uint64
			fullChunks := true
			for i := uint32(0); i < count; i++ {
				length := ChunkLength(meta, i)
				if i < count-1 && length != uint64(chunkSize) {
					fullChunks = false
				}
				total += length
			}
			assert.True(t, fullChunks, "size=%d chunk=%d", size, chunkSize)
			assert.LessOrEqual(t, ChunkLength(meta, count-1), uint64(chunkSize))
			assert.Equal(t, size, total, "size=%d chunk=%d", size, chunkSize)

			if size > 0 {
				want := (size + uint64(chunkSize) - 1) / uint64(chunkSize)
				assert.Equal(t, want, uint64(count))
			}
		}
	}
}

func TestChunkCountZeroByteFile(t *testing.T) {
	assert.Equal(t, uint32(1), ChunkCount(0, DefaultChunkSize))
	assert.Equal(t, uint64(0), ChunkLength(FileMetadata{ChunkSize: DefaultChunkSize, ChunkCount: 1}, 0))
}

func TestChunkCountRejectsZeroChunkSize(t *testing.T) {
	assert.Zero(t, ChunkCount(10, 0))
}

func TestChunkCountOverflow(t *testing.T) {
	assert.Zero(t, ChunkCount(1<<40, 1))
}

func TestValidateGeometry(t *testing.T) {
	require.NoError(t, ValidateGeometry(FileMetadata{TotalSize: 2621440, ChunkSize: DefaultChunkSize, ChunkCount: 3}))
	require.NoError(t, ValidateGeometry(FileMetadata{TotalSize: 0, ChunkSize: 8, ChunkCount: 1}))

	assert.ErrorIs(t, ValidateGeometry(FileMetadata{TotalSize: 10, ChunkSize: 0, ChunkCount: 1}), ErrInvalidChunkSize)
	assert.ErrorIs(t, ValidateGeometry(FileMetadata{TotalSize: 10, ChunkSize: 4, ChunkCount: 2}), ErrGeometryMismatch)
	assert.ErrorIs(t, ValidateGeometry(FileMetadata{TotalSize: 1 << 40, ChunkSize: 1, ChunkCount: 1}), ErrTooManyChunks)
}

func TestChunkSizeForMessageLimitFitsEncodedChunk(t *testing.T) {
	for _, limit := range []int{1024, 16 * 1024, 64 * 1024, 256 * 1024} {
		chunkSize := ChunkSizeForMessageLimit(limit)
		require.NotZero(t, chunkSize)

		encoded, err := EncodeChunk(Chunk{
			TransferID: "0b9f6a36-6f0a-4a53-9ad5-3c4a2d1c9e77",
			Index:      math.MaxUint32 - 1,
			ChunkCount: math.MaxUint32,
			Payload:    make([]byte, chunkSize),
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(encoded), limit, "limit=%d", limit)
	}
}

func TestChunkSizeForMessageLimitTooSmall(t *testing.T) {
	assert.Zero(t, ChunkSizeForMessageLimit(100))
}
