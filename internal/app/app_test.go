package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/config"
	pkgRetry "gwi.com/docchat/internal/pkg/retry"
)

func mockConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		DatabaseURL:   filepath.Join(dir, "docchat.db"),
		UploadDir:     filepath.Join(dir, "uploads"),
		MaxUploadSize: 1 << 20,
		LLM: config.LLMConfig{
			Provider:          config.ProviderMock,
			GenerationTimeout: time.Second,
			EmbeddingCacheTTL: time.Minute,
			GenerateTitles:    true,
			Retry:             *pkgRetry.DefaultRetryConfig(),
		},
		RAG:     config.RAGConfig{ChunkSize: 500, ChunkOverlap: 50},
		Extract: config.ExtractConfig{OCREnabled: false},
	}
}

func TestBuild_MockProvider(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, mockConfig(t), zap.NewNop())
	require.NoError(t, err)

	turn, err := a.Chat.SendMessage(ctx, "", "hello there")
	require.NoError(t, err)
	assert.Contains(t, turn.AssistantMessage.Content, "[mock]")

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestBuild_UnknownProvider(t *testing.T) {
	cfg := mockConfig(t)
	cfg.LLM.Provider = "carrier-pigeon"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown LLM provider")
}
