package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const hashedDimension = 128

// HashedProvider is a deterministic, offline embedding provider. Each
// token hashes into a bucket of a fixed-size vector, which is then
// L2-normalized. Quality is far below a model-based provider; it exists
// for tests and keyless local runs where relative term overlap is enough.
type HashedProvider struct{}

// NewHashedProvider creates the offline provider.
func NewHashedProvider() *HashedProvider {
	return &HashedProvider{}
}

// Embed generates a deterministic embedding for the text.
func (p *HashedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, hashedDimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,:;!?()[]\"'")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%hashedDimension]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch generates embeddings one text at a time.
func (p *HashedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Name returns "hashed".
func (p *HashedProvider) Name() string {
	return "hashed"
}

// Dimension returns the fixed vector size.
func (p *HashedProvider) Dimension() int {
	return hashedDimension
}
