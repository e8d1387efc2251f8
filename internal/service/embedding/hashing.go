package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/pgvector/pgvector-go"
)

// HashingProvider embeds text with signed feature hashing over lowercase
// word unigrams and bigrams, L2-normalized. It needs no model server, so it
// is the fallback when neither Ollama nor OpenAI is available. Similarity is
// lexical, not semantic.
type HashingProvider struct {
	dims int
}

// NewHashingProvider creates a hashing provider with the given dimensionality.
func NewHashingProvider(dims int) *HashingProvider {
	return &HashingProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *HashingProvider) Dimensions() int {
	return p.dims
}

// Embed hashes text into a unit vector. Text without any word yields the zero vector.
func (p *HashingProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, p.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, w := range words {
		p.add(vec, w, 1)
		if i > 0 {
			p.add(vec, words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch embeds each text independently.
func (p *HashingProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *HashingProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec))) //nolint:gosec // modulo keeps it in range
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
