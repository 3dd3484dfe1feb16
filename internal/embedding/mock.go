package embedding

import (
	"context"
	"hash/fnv"
)

const mockDimensions = 64

// MockClient produces deterministic pseudo-embeddings from content hashes,
// so similarity comparisons are stable across runs without any network.
type MockClient struct {
	// Call tracking for assertions
	EmbedCalls []string
	EmbedError error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	c.EmbedCalls = append(c.EmbedCalls, text)
	if c.EmbedError != nil {
		return nil, c.EmbedError
	}
	vec := make([]float32, mockDimensions)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33))/float32(1<<30) - 1
	}
	return vec, nil
}
