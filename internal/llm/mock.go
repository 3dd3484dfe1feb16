package llm

import (
	"context"

	"github.com/titanmem/titan/internal/domain"
)

// MockClient is a configurable LLM client for testing and offline mode.
// Set the response fields to control what Complete returns.
type MockClient struct {
	CompleteResponse string
	CompleteError    error

	// Call tracking for assertions
	CompleteCalls [][]domain.Message
}

func NewMockClient() *MockClient {
	return &MockClient{CompleteResponse: "Mock summary"}
}

func (c *MockClient) Complete(ctx context.Context, messages []domain.Message) (*domain.CompletionResult, error) {
	c.CompleteCalls = append(c.CompleteCalls, messages)
	if c.CompleteError != nil {
		return nil, c.CompleteError
	}
	return &domain.CompletionResult{
		Content: c.CompleteResponse,
		Tokens:  len(c.CompleteResponse) / 4,
		Model:   "mock",
	}, nil
}

// Reset clears recorded calls and restores the default response.
func (c *MockClient) Reset() {
	c.CompleteResponse = "Mock summary"
	c.CompleteError = nil
	c.CompleteCalls = nil
}
