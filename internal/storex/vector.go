package storex

import (
	"encoding/binary"
	"fmt"
	"math"
)

// VectorDim is the fixed embedding width the memory store uses throughout.
const VectorDim = 1024

// VectorBytes is the packed blob width: VectorDim float32 values, 4 bytes each.
const VectorBytes = VectorDim * 4

// PackVector serializes a 1024-float embedding into a 4096-byte little-endian
// blob suitable for storage in a BLOB column.
func PackVector(v []float32) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if len(v) != VectorDim {
		return nil, fmt.Errorf("storex: vector must have %d dims, got %d", VectorDim, len(v))
	}
	buf := make([]byte, VectorBytes)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

// UnpackVector deserializes a packed blob back into a 1024-float embedding.
// Returns nil, nil for a nil/empty blob (no embedding stored).
func UnpackVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) != VectorBytes {
		return nil, fmt.Errorf("storex: vector blob must be %d bytes, got %d", VectorBytes, len(buf))
	}
	v := make([]float32, VectorDim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// CosineSimilarity returns 1 - cosineDistance(a, b) as defined by the
// memory store's hybrid search: both vectors must be VectorDim long.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
