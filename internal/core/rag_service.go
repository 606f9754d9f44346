package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/index"
	"gwi.com/docchat/internal/pkg/result"
	"gwi.com/docchat/internal/store"
)

const (
	NumRelevantChunks = 5 // Number of chunks to retrieve for context

	// FallbackResponse is stored as the assistant reply whenever generation fails.
	FallbackResponse = "I apologize, but I encountered an error while processing your request. Please try again."

	contextSeparator = "\n\n"
	contextLabel     = "Relevant context from uploaded documents:"

	systemPreamble = "You are a helpful AI assistant. You can help users with questions and provide information " +
		"based on the context provided. If you have access to uploaded documents, use that information to answer " +
		"questions. For image files, you can discuss the filename, metadata, and any extracted text, but explain " +
		"that you cannot see the actual visual content. Be helpful, accurate, and concise in your responses."
)

type PromptRole string

const (
	PromptRoleSystem    PromptRole = "system"
	PromptRoleUser      PromptRole = "user"
	PromptRoleAssistant PromptRole = "assistant"
)

type PromptMessage struct {
	Role    PromptRole
	Content string
}

// GenerationRequest is the ordered prompt handed to a Generator: system
// messages first, then prior turns, then the new user message last.
type GenerationRequest struct {
	Messages []PromptMessage
}

// Generator produces an assistant reply for an ordered prompt.
type Generator interface {
	Generate(ctx context.Context, messages []PromptMessage) (string, error)
}

// ChunkIndex is the per-conversation similarity index.
type ChunkIndex interface {
	Upsert(ctx context.Context, conversationID, documentID string, chunks []string) (int, error)
	Query(ctx context.Context, conversationID, queryText string, k int) ([]index.Hit, error)
	Delete(ctx context.Context, conversationID string) error
}

var _ ChunkIndex = (*index.Registry)(nil)

type RAGService struct {
	index             ChunkIndex
	generator         Generator
	generationTimeout time.Duration
}

func NewRAGService(idx ChunkIndex, gen Generator, generationTimeout time.Duration) *RAGService {
	return &RAGService{
		index:             idx,
		generator:         gen,
		generationTimeout: generationTimeout,
	}
}

// Retrieve joins the most relevant chunks of the conversation, best first. No
// indexed content gives an empty string; an index failure gives an empty,
// degraded result.
func (s *RAGService) Retrieve(ctx context.Context, conversationID, query string) result.Result[string] {
	hits, err := s.index.Query(ctx, conversationID, query, NumRelevantChunks)
	if err != nil {
		ctxzap.Warn(ctx, "context retrieval failed, proceeding without it", zap.Error(err))
		return result.Degraded("", fmt.Sprintf("query index: %v", err))
	}
	if len(hits) == 0 {
		ctxzap.Debug(ctx, "no indexed content for conversation")
		return result.OK("")
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	ctxzap.Debug(ctx, "retrieved relevant chunks", zap.Int("count", len(hits)))
	return result.OK(strings.Join(texts, contextSeparator))
}

// Compose builds the prompt for one turn. prior must not contain userMessage.
func (s *RAGService) Compose(ctx context.Context, userMessage, conversationID string, prior []store.Message) GenerationRequest {
	messages := make([]PromptMessage, 0, len(prior)+3)
	messages = append(messages, PromptMessage{Role: PromptRoleSystem, Content: systemPreamble})

	if retrieved := s.Retrieve(ctx, conversationID, userMessage); retrieved.Value != "" {
		messages = append(messages, PromptMessage{
			Role:    PromptRoleSystem,
			Content: contextLabel + "\n" + retrieved.Value,
		})
	}

	for _, m := range prior {
		role := PromptRoleUser
		if m.Role == store.RoleAssistant {
			role = PromptRoleAssistant
		}
		messages = append(messages, PromptMessage{Role: role, Content: m.Content})
	}

	messages = append(messages, PromptMessage{Role: PromptRoleUser, Content: userMessage})
	return GenerationRequest{Messages: messages}
}

// Generate calls the backend under the generation timeout. Any failure, including
// an empty reply, yields FallbackResponse as a degraded result.
func (s *RAGService) Generate(ctx context.Context, req GenerationRequest) result.Result[string] {
	if s.generationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.generationTimeout)
		defer cancel()
	}

	reply, err := s.generator.Generate(ctx, req.Messages)
	if err != nil {
		reason := fmt.Sprintf("generation failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "generation timed out"
		}
		ctxzap.Warn(ctx, "returning fallback response", zap.String("reason", reason))
		return result.Degraded(FallbackResponse, reason)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		ctxzap.Warn(ctx, "returning fallback response", zap.String("reason", "empty reply"))
		return result.Degraded(FallbackResponse, "empty reply from backend")
	}
	return result.OK(reply)
}

// Respond runs retrieval, assembly and generation for one user turn.
func (s *RAGService) Respond(ctx context.Context, userMessage, conversationID string, prior []store.Message) result.Result[string] {
	return s.Generate(ctx, s.Compose(ctx, userMessage, conversationID, prior))
}
