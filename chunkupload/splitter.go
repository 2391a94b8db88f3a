package chunkupload

import "fmt"

// Chunk is a contiguous byte range of the source file, the unit of transfer and retry.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
	// Attempt counts the failed attempts of this chunk so far.
	Attempt int
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Length
}

// TotalChunks returns ceil(fileSize / chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// ChunkAt returns the descriptor of the chunk at index.
func ChunkAt(index int, fileSize, chunkSize int64) (Chunk, error) {
	total := TotalChunks(fileSize, chunkSize)
	if index < 0 || index >= total {
		return Chunk{}, fmt.Errorf("chunk index %d out of range [0, %d)", index, total)
	}

	offset := int64(index) * chunkSize
	length := chunkSize
	if offset+length > fileSize {
		length = fileSize - offset
	}

	return Chunk{Index: index, Offset: offset, Length: length}, nil
}

// Split returns the descriptors of all chunks of a file in index order.
func Split(fileSize, chunkSize int64) []Chunk {
	total := TotalChunks(fileSize, chunkSize)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		c, _ := ChunkAt(i, fileSize, chunkSize)
		chunks = append(chunks, c)
	}
	return chunks
}

// Plan returns the descriptors of the given indices, in the given order.
// Duplicates are dropped.
func Plan(fileSize, chunkSize int64, indices []int) ([]Chunk, error) {
	seen := make(map[int]bool, len(indices))
	chunks := make([]Chunk, 0, len(indices))
	for _, index := range indices {
		if seen[index] {
			continue
		}
		seen[index] = true

		c, err := ChunkAt(index, fileSize, chunkSize)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}
