package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// vectorsMagic is the 4-byte header of the binary vector
// format: "HMV1".
var vectorsMagic = [4]byte{'H', 'M', 'V', '1'}

type vectorsHeader struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	Count   uint64
}

// chunkRecord is the JSON-friendly shape used by both vector formats; the
// vector itself is carried separately in vectors.bin for the binary format,
// or inline for the compatibility JSON format.
type chunkRecord struct {
	File       string    `json:"file"`
	StartLine  int       `json:"startLine"`
	EndLine    int       `json:"endLine"`
	Content    string    `json:"content"`
	TokenCount int       `json:"tokenCount"`
	ModTime    int64     `json:"modTime"`
	Vector     []float32 `json:"vector,omitempty"`
}

// saveVectorsBinary writes vectors.bin (little-endian header + raw f32
// matrix) plus a sibling chunks.json carrying everything except the vector
// itself, both atomically.
func saveVectorsBinary(binPath, chunksPath string, tel *Telemetry, chunks []Chunk, dim int) error {
	err := atomicWrite(binPath, tel, func(f *os.File) error {
		bw := bufio.NewWriter(f)
		hdr := vectorsHeader{Magic: vectorsMagic, Version: 1, Dim: uint32(dim), Count: uint64(len(chunks))}
		if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
			return err
		}
		for _, c := range chunks {
			if err := binary.Write(bw, binary.LittleEndian, c.Vector); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
	if err != nil {
		return err
	}

	records := make([]chunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = chunkRecord{
			File: c.File, StartLine: c.StartLine, EndLine: c.EndLine,
			Content: c.Content, TokenCount: c.TokenCount, ModTime: c.ModTime.UnixNano(),
		}
	}
	return writeJSONAtomic(chunksPath, tel, records)
}

// loadVectorsBinary reads vectors.bin + chunks.json back into Chunks. The
// binary header's dim/count are validated against wantDim/the chunk-record
// count; any mismatch is reported so the caller can discard the cache.
func loadVectorsBinary(binPath, chunksPath string, wantDim int) ([]Chunk, error) {
	var records []chunkRecord
	if err := readJSON(chunksPath, &records); err != nil {
		return nil, err
	}

	f, err := os.Open(binPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var hdr vectorsHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read vectors header: %w", err)
	}
	if hdr.Magic != vectorsMagic {
		return nil, fmt.Errorf("vectors.bin: bad magic")
	}
	if wantDim != 0 && int(hdr.Dim) != wantDim {
		return nil, fmt.Errorf("vectors.bin: dim mismatch: want %d got %d", wantDim, hdr.Dim)
	}
	if int(hdr.Count) != len(records) {
		return nil, fmt.Errorf("vectors.bin: count mismatch with chunks.json: %d vs %d", hdr.Count, len(records))
	}

	chunks := make([]Chunk, len(records))
	for i, r := range records {
		vec := make([]float32, hdr.Dim)
		if err := binary.Read(br, binary.LittleEndian, vec); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("vectors.bin: truncated at record %d", i)
			}
			return nil, err
		}
		chunks[i] = Chunk{
			File: r.File, StartLine: r.StartLine, EndLine: r.EndLine,
			Content: r.Content, TokenCount: r.TokenCount, Vector: vec,
			ModTime: timeFromUnixNano(r.ModTime),
		}
	}
	return chunks, nil
}

// saveVectorsJSON is the legacy/compatibility embeddings.json form: a single
// JSON array with the vector inlined per chunk.
func saveVectorsJSON(path string, tel *Telemetry, chunks []Chunk) error {
	records := make([]chunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = chunkRecord{
			File: c.File, StartLine: c.StartLine, EndLine: c.EndLine,
			Content: c.Content, TokenCount: c.TokenCount, Vector: c.Vector,
			ModTime: c.ModTime.UnixNano(),
		}
	}
	return writeJSONAtomic(path, tel, records)
}

func loadVectorsJSON(path string, wantDim int) ([]Chunk, error) {
	var records []chunkRecord
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	chunks := make([]Chunk, len(records))
	for i, r := range records {
		if wantDim != 0 && len(r.Vector) != wantDim {
			return nil, fmt.Errorf("embeddings.json: dim mismatch at record %d: want %d got %d", i, wantDim, len(r.Vector))
		}
		chunks[i] = Chunk{
			File: r.File, StartLine: r.StartLine, EndLine: r.EndLine,
			Content: r.Content, TokenCount: r.TokenCount, Vector: r.Vector,
			ModTime: timeFromUnixNano(r.ModTime),
		}
	}
	return chunks, nil
}

func timeFromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
