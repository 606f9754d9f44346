package core

import (
	"context"
	"fmt"
	"strings"

	"gwi.com/docchat/internal/index"
)

// MockService is an offline backend: hashing embeddings and a canned reply that
// echoes how much document context the prompt carried.
type MockService struct {
	*index.HashEmbedder
}

var (
	_ Generator      = (*MockService)(nil)
	_ TitleGenerator = (*MockService)(nil)
	_ index.Embedder = (*MockService)(nil)
)

func NewMockService() *MockService {
	return &MockService{HashEmbedder: index.NewHashEmbedder(index.DefaultHashDimensions)}
}

func (m *MockService) EmbeddingModelName() string {
	return "mock-hash"
}

func (m *MockService) Generate(ctx context.Context, messages []PromptMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("prompt is empty")
	}

	var hasContext bool
	for _, msg := range messages {
		if msg.Role == PromptRoleSystem && strings.HasPrefix(msg.Content, contextLabel) {
			hasContext = true
		}
	}

	last := messages[len(messages)-1].Content
	if hasContext {
		return fmt.Sprintf("[mock] Based on your documents, here is what I found about: %s", last), nil
	}
	return fmt.Sprintf("[mock] I have no document context for: %s", last), nil
}

func (m *MockService) GenerateTitle(_ context.Context, firstMessage string) (string, error) {
	words := strings.Fields(firstMessage)
	if len(words) > 5 {
		words = words[:5]
	}
	if len(words) == 0 {
		return "New conversation", nil
	}
	return cleanTitle(strings.Join(words, " ")), nil
}
