package index

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"gwi.com/docchat/internal/utils"
)

const DefaultHashDimensions = 256

// HashEmbedder is a deterministic bag-of-words embedder for offline runs and tests.
// Texts sharing words end up with positive cosine similarity.
type HashEmbedder struct {
	dims int
}

var _ Embedder = (*HashEmbedder)(nil)

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		hasher := fnv.New32a()
		hasher.Write([]byte(w))
		vec[hasher.Sum32()%uint32(h.dims)]++
	}
	return utils.Normalize(vec)
}
