// Package chunker maps files onto fixed-size chunks addressed by a
// zero-based index. The final chunk of a file may be shorter than the
// chunk size; concatenating chunks in index order reproduces the file.
package chunker

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the chunk size used when callers pass zero.
const DefaultChunkSize = 64 * 1024

// Chunk is one fixed-size slice of a source file.
type Chunk struct {
	Index  uint32
	Offset uint64
	Size   uint32
	Data   []byte
}

// FileSize returns the size of the file at path.
func FileSize(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("chunker: cannot stat %s: %w", path, err)
	}
	return uint64(info.Size()), nil
}

// NumChunks returns how many chunks the file splits into. It does not
// read file contents.
func NumChunks(path string, chunkSize uint32) (uint32, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	size, err := FileSize(path)
	if err != nil {
		return 0, err
	}
	return uint32((size + uint64(chunkSize) - 1) / uint64(chunkSize)), nil
}

// Split loads the full ordered chunk sequence of a file into memory.
func Split(path string, chunkSize uint32) ([]Chunk, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	size, err := FileSize(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunker: cannot open %s: %w", path, err)
	}
	defer f.Close()

	total := uint32((size + uint64(chunkSize) - 1) / uint64(chunkSize))
	out := make([]Chunk, 0, total)

	for i := uint32(0); i < total; i++ {
		offset := uint64(i) * uint64(chunkSize)
		remain := size - offset
		thisSize := uint32(min64(uint64(chunkSize), remain))

		c := Chunk{
			Index:  i,
			Offset: offset,
			Size:   thisSize,
			Data:   make([]byte, thisSize),
		}

		if thisSize > 0 {
			// The final chunk may read to EOF with a full buffer.
			if n, err := f.ReadAt(c.Data, int64(offset)); err != nil && !(err == io.EOF && n == len(c.Data)) {
				return nil, fmt.Errorf("chunker: read failed at chunk %d: %w", i, err)
			}
		}

		out = append(out, c)
	}

	return out, nil
}

// Stream calls onChunk for every chunk of the file in index order
// without retaining chunks in memory. If onChunk returns false the
// iteration stops early.
func Stream(path string, chunkSize uint32, onChunk func(*Chunk) bool) error {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	size, err := FileSize(path)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("chunker: cannot open %s: %w", path, err)
	}
	defer f.Close()

	var (
		index  uint32
		offset uint64
	)

	for offset < size {
		remain := size - offset
		thisSize := uint32(min64(uint64(chunkSize), remain))

		c := Chunk{
			Index:  index,
			Offset: offset,
			Size:   thisSize,
			Data:   make([]byte, thisSize),
		}

		if n, err := f.ReadAt(c.Data, int64(offset)); err != nil && !(err == io.EOF && n == len(c.Data)) {
			return fmt.Errorf("chunker: read failed at chunk %d: %w", index, err)
		}

		if !onChunk(&c) {
			return nil
		}

		offset += uint64(thisSize)
		index++
	}

	return nil
}

// WriteChunk serializes one chunk to disk as
// [index:u32][offset:u64][size:u32][data].
func WriteChunk(path string, c *Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("chunker: cannot create %s: %w", path, err)
	}
	defer f.Close()

	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], c.Index)
	binary.LittleEndian.PutUint64(hdr[4:12], c.Offset)
	binary.LittleEndian.PutUint32(hdr[12:16], c.Size)

	if _, err := f.Write(hdr); err != nil {
		return fmt.Errorf("chunker: header write failed: %w", err)
	}
	if c.Size > 0 {
		if _, err := f.Write(c.Data[:c.Size]); err != nil {
			return fmt.Errorf("chunker: data write failed: %w", err)
		}
	}

	return nil
}

// ReadChunk is the inverse of WriteChunk.
func ReadChunk(path string) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunker: cannot open %s: %w", path, err)
	}
	defer f.Close()

	hdr := make([]byte, 16)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("chunker: header read failed: %w", err)
	}

	c := &Chunk{
		Index:  binary.LittleEndian.Uint32(hdr[0:4]),
		Offset: binary.LittleEndian.Uint64(hdr[4:12]),
		Size:   binary.LittleEndian.Uint32(hdr[12:16]),
	}

	c.Data = make([]byte, c.Size)
	if c.Size > 0 {
		if _, err := io.ReadFull(f, c.Data); err != nil {
			return nil, fmt.Errorf("chunker: data read failed: %w", err)
		}
	}

	return c, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
