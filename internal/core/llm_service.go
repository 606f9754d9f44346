package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/google/generative-ai-go/genai"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"gwi.com/docchat/internal/index"
	pkgRetry "gwi.com/docchat/internal/pkg/retry"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"
	defaultTitleModelName     = "gemini-1.5-flash-latest"

	geminiMaxBatch = 100 // BatchEmbedContents request limit

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

// TitleGenerator names a conversation from its first user message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

type LLMOptions struct {
	ChatModel      string
	EmbeddingModel string
	TitleModel     string
	Temperature    float32
	Retry          pkgRetry.RetryConfig
}

func (o *LLMOptions) withDefaults(chat, embedding, title string) {
	if o.ChatModel == "" {
		o.ChatModel = chat
	}
	if o.EmbeddingModel == "" {
		o.EmbeddingModel = embedding
	}
	if o.TitleModel == "" {
		o.TitleModel = title
	}
	if o.Retry.Attempts == 0 {
		o.Retry = *pkgRetry.DefaultRetryConfig()
	}
}

// LLMService talks to Gemini for chat, embeddings and titles.
type LLMService struct {
	client *genai.Client
	opts   LLMOptions
}

var (
	_ Generator      = (*LLMService)(nil)
	_ TitleGenerator = (*LLMService)(nil)
	_ index.Embedder = (*LLMService)(nil)
)

func NewLLMService(ctx context.Context, apiKey string, opts LLMOptions) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	opts.withDefaults(defaultChatModelName, defaultEmbeddingModelName, defaultTitleModelName)

	return &LLMService{
		client: client,
		opts:   opts,
	}, nil
}

func (s *LLMService) EmbeddingModelName() string {
	return s.opts.EmbeddingModel
}

func (s *LLMService) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close GenAI client: %w", err)
	}
	return nil
}

// Embed embeds texts in batches, retrying transient failures.
func (s *LLMService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	em := s.client.EmbeddingModel(s.opts.EmbeddingModel)
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += geminiMaxBatch {
		end := min(start+geminiMaxBatch, len(texts))
		part := texts[start:end]

		vectors, err := retry.DoWithData(func() ([][]float32, error) {
			batch := em.NewBatch()
			for _, t := range part {
				batch.AddContent(genai.Text(t))
			}
			res, err := em.BatchEmbedContents(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("gemini embedding request failed: %w", err)
			}
			if len(res.Embeddings) != len(part) {
				return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(res.Embeddings), len(part))
			}
			vecs := make([][]float32, len(part))
			for i, e := range res.Embeddings {
				if e == nil || len(e.Values) == 0 {
					return nil, errors.New("no embedding data received from gemini")
				}
				vecs[i] = e.Values
			}
			return vecs, nil
		}, s.retryOptions(ctx)...)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (s *LLMService) retryOptions(ctx context.Context) []retry.Option {
	return append(s.opts.Retry.ToRetryOptions(),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			ctxzap.Debug(ctx, "retrying embedding request", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

// geminiPrompt is a prompt split the way a Gemini chat takes it.
type geminiPrompt struct {
	system  *genai.Content
	history []*genai.Content
	message genai.Text
}

// toGeminiPrompt turns system messages into the system instruction and earlier turns
// into the history. The final message must come from the user and is the one sent.
func toGeminiPrompt(messages []PromptMessage) (geminiPrompt, error) {
	if len(messages) == 0 {
		return geminiPrompt{}, errors.New("prompt is empty")
	}
	last := messages[len(messages)-1]
	if last.Role != PromptRoleUser {
		return geminiPrompt{}, fmt.Errorf("last prompt message must come from the user, got %q", last.Role)
	}

	p := geminiPrompt{message: genai.Text(last.Content)}
	var system []string
	for _, m := range messages[:len(messages)-1] {
		switch m.Role {
		case PromptRoleSystem:
			system = append(system, m.Content)
		case PromptRoleAssistant:
			p.history = append(p.history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			p.history = append(p.history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(system) > 0 {
		p.system = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}
	return p, nil
}

func (s *LLMService) Generate(ctx context.Context, messages []PromptMessage) (string, error) {
	prompt, err := toGeminiPrompt(messages)
	if err != nil {
		return "", err
	}

	model := s.client.GenerativeModel(s.opts.ChatModel)
	model.SetTemperature(s.opts.Temperature)
	model.SystemInstruction = prompt.system

	chatSession := model.StartChat()
	chatSession.History = prompt.history

	resp, err := chatSession.SendMessage(ctx, prompt.message)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return responseText(resp)
}

func (s *LLMService) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	model := s.client.GenerativeModel(s.opts.TitleModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}
	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(20)

	resp, err := model.GenerateContent(ctx, genai.Text(titlePrompt(firstMessage)))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}
	title, err := responseText(resp)
	if err != nil {
		return "", err
	}
	return cleanTitle(title), nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("gemini response was empty or had no valid candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if text.Len() == 0 {
		return "", errors.New("gemini response had no text parts")
	}
	return text.String(), nil
}

func titlePrompt(firstMessage string) string {
	return fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", firstMessage)
}

func cleanTitle(title string) string {
	return strings.Trim(title, "\"'\n\r\t .")
}
