package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/openai/openai-go"
	oaoption "github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/index"
	"gwi.com/docchat/internal/utils"
)

const (
	defaultOpenAIChatModel      = "gpt-4o-mini"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
)

// OpenAIService is the OpenAI (or OpenAI-compatible) backend.
type OpenAIService struct {
	client openai.Client
	opts   LLMOptions
}

var (
	_ Generator      = (*OpenAIService)(nil)
	_ TitleGenerator = (*OpenAIService)(nil)
	_ index.Embedder = (*OpenAIService)(nil)
)

// NewOpenAIService creates the client. An empty baseURL targets api.openai.com.
func NewOpenAIService(apiKey, baseURL string, opts LLMOptions) *OpenAIService {
	reqOpts := []oaoption.RequestOption{oaoption.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, oaoption.WithBaseURL(baseURL))
	}
	opts.withDefaults(defaultOpenAIChatModel, defaultOpenAIEmbeddingModel, defaultOpenAIChatModel)

	return &OpenAIService{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
	}
}

func (s *OpenAIService) EmbeddingModelName() string {
	return s.opts.EmbeddingModel
}

func (s *OpenAIService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	opts := append(s.opts.Retry.ToRetryOptions(),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			ctxzap.Debug(ctx, "retrying embedding request", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	return retry.DoWithData(func() ([][]float32, error) {
		resp, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(s.opts.EmbeddingModel),
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedding request failed: %w", err)
		}
		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
		}

		out := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || int(d.Index) >= len(out) {
				return nil, fmt.Errorf("openai returned embedding with index %d", d.Index)
			}
			out[d.Index] = utils.ToFloat32(d.Embedding)
		}
		return out, nil
	}, opts...)
}

func (s *OpenAIService) Generate(ctx context.Context, messages []PromptMessage) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("prompt is empty")
	}

	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case PromptRoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case PromptRoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}

	return s.complete(ctx, s.opts.ChatModel, params, float64(s.opts.Temperature))
}

func (s *OpenAIService) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	title, err := s.complete(ctx, s.opts.TitleModel, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(titleSystemInstruction),
		openai.UserMessage(titlePrompt(firstMessage)),
	}, 0.3)
	if err != nil {
		return "", err
	}
	return cleanTitle(title), nil
}

func (s *OpenAIService) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion, temperature float64) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("openai response had no content")
	}
	return resp.Choices[0].Message.Content, nil
}
