package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// EmbeddingDimension matches the vector(768) column in the schema.
const EmbeddingDimension = 768

// DeterministicEmbed returns a unit-length 768-dimension vector derived from
// the text content. Equal texts map to equal vectors and similar prefixes
// stay dissimilar, which is enough for integration tests to assert ranking,
// filtering, and isolation without a live embedding model.
func DeterministicEmbed(_ context.Context, text string) ([]float32, error) {
	return DeterministicVector(text), nil
}

// DeterministicVector is the non-erroring form of DeterministicEmbed.
func DeterministicVector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, EmbeddingDimension)

	// Stretch the digest into the full dimension by re-hashing with a
	// counter, then normalize to unit length so cosine scores are stable.
	var sumSquares float64
	buf := make([]byte, len(seed)+8)
	copy(buf, seed[:])
	for i := 0; i < EmbeddingDimension; i += 8 {
		binary.LittleEndian.PutUint64(buf[len(seed):], uint64(i))
		block := sha256.Sum256(buf)
		for j := 0; j < 8 && i+j < EmbeddingDimension; j++ {
			bits := binary.LittleEndian.Uint32(block[j*4 : j*4+4])
			v := float32(int32(bits)) / float32(math.MaxInt32)
			vec[i+j] = v
			sumSquares += float64(v) * float64(v)
		}
	}

	norm := float32(math.Sqrt(sumSquares))
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
