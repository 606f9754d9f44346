package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/extract"
	"gwi.com/docchat/internal/logger"
	"gwi.com/docchat/internal/pkg/result"
	"gwi.com/docchat/internal/store"
)

const (
	MaxMessageLength = 1000 // runes

	titleTimeout = 30 * time.Second
)

// Store is the relational persistence used by the chat flow.
type Store interface {
	CreateConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	UpdateConversationTitle(ctx context.Context, id, title string) error

	AppendMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)

	CreateDocument(ctx context.Context, doc *store.Document) error
	GetDocument(ctx context.Context, conversationID, documentID string) (*store.Document, error)
	ListDocuments(ctx context.Context, conversationID string) ([]store.Document, error)
	SetExtractedText(ctx context.Context, documentID, text string) error
}

// FileStorage keeps the raw bytes of uploads.
type FileStorage interface {
	Save(ctx context.Context, conversationID, filename string, data []byte) (string, error)
	Read(ctx context.Context, ref string) ([]byte, error)
	Remove(ctx context.Context, ref string) error
	RemoveConversation(ctx context.Context, conversationID string) error
}

type TextExtractor interface {
	Extract(ctx context.Context, in extract.Input) result.Result[string]
}

type TextSplitter interface {
	Split(text string) []string
}

var (
	_ Store         = (*store.SQLiteStore)(nil)
	_ FileStorage   = (*store.LocalFileStore)(nil)
	_ TextExtractor = (*extract.Extractor)(nil)
)

type ChatServiceDeps struct {
	Store     Store
	Files     FileStorage
	Extractor TextExtractor
	Splitter  TextSplitter
	Index     ChunkIndex
	RAG       *RAGService
	// Titles is optional; nil disables automatic conversation titles.
	Titles        TitleGenerator
	MaxUploadSize int64
}

type ChatService struct {
	store         Store
	files         FileStorage
	extractor     TextExtractor
	splitter      TextSplitter
	index         ChunkIndex
	rag           *RAGService
	titles        TitleGenerator
	maxUploadSize int64

	locks      *keyedMutex
	background sync.WaitGroup
}

func NewChatService(deps ChatServiceDeps) *ChatService {
	return &ChatService{
		store:         deps.Store,
		files:         deps.Files,
		extractor:     deps.Extractor,
		splitter:      deps.Splitter,
		index:         deps.Index,
		rag:           deps.RAG,
		titles:        deps.Titles,
		maxUploadSize: deps.MaxUploadSize,
		locks:         newKeyedMutex(),
	}
}

type ConversationDetails struct {
	Conversation store.Conversation `json:"conversation"`
	Messages     []store.Message    `json:"messages"`
	Documents    []store.Document   `json:"documents"`
}

// TurnResult is the outcome of one user turn. Degraded is set when the assistant
// message holds the fallback text.
type TurnResult struct {
	ConversationID   string        `json:"conversation_id"`
	UserMessage      store.Message `json:"user_message"`
	AssistantMessage store.Message `json:"assistant_message"`
	Degraded         bool          `json:"degraded"`
}

type IngestResult struct {
	Document      store.Document `json:"document"`
	ChunksIndexed int            `json:"chunks_indexed"`
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
}

func (s *ChatService) StartConversation(ctx context.Context) (*store.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	ctxzap.Info(ctx, "conversation started", zap.String("conversation_id", conv.ID))
	return conv, nil
}

func (s *ChatService) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	return s.store.ListConversations(ctx)
}

func (s *ChatService) GetConversation(ctx context.Context, id string) (*ConversationDetails, error) {
	conv, err := s.conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for conversation: %w", err)
	}
	docs, err := s.store.ListDocuments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents for conversation: %w", err)
	}
	return &ConversationDetails{Conversation: *conv, Messages: messages, Documents: docs}, nil
}

// DeleteConversation drops the index partition first; if that fails the
// conversation is left intact so the delete can be retried.
func (s *ChatService) DeleteConversation(ctx context.Context, id string) error {
	ctx = logger.WithConversation(logger.WithAction(ctx, "delete_conversation"), id)
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.conversation(ctx, id); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation index: %w", err)
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := s.files.RemoveConversation(ctx, id); err != nil {
		ctxzap.Warn(ctx, "failed to remove conversation files", zap.Error(err))
	}
	ctxzap.Info(ctx, "conversation deleted")
	return nil
}

// SendMessage runs one turn. An empty conversationID starts a new conversation.
// The user message is stored before generation and exactly one assistant message
// (reply or fallback) after it.
func (s *ChatService) SendMessage(ctx context.Context, conversationID, content string) (*TurnResult, error) {
	if err := ValidateMessage(content); err != nil {
		return nil, err
	}

	conv, unlock, err := s.lockConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = logger.WithConversation(logger.WithAction(ctx, "send_message"), conv.ID)

	prior, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	userMsg := store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: content}
	if err := s.store.AppendMessage(ctx, &userMsg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conv.ID)
		}
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	reply := s.rag.Respond(ctx, content, conv.ID, prior)

	// The assistant message is written even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	assistantMsg := store.Message{ConversationID: conv.ID, Role: store.RoleAssistant, Content: reply.Value}
	if err := s.store.AppendMessage(persistCtx, &assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}

	if len(prior) == 0 && conv.Title == nil {
		s.generateTitleAsync(persistCtx, conv.ID, content)
	}

	ctxzap.Info(ctx, "turn completed", zap.Bool("degraded", reply.IsDegraded()))
	return &TurnResult{
		ConversationID:   conv.ID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Degraded:         reply.IsDegraded(),
	}, nil
}

// UploadDocument stores the file, extracts its text and indexes it. Extraction
// or indexing trouble does not fail the upload; the result reports it instead.
func (s *ChatService) UploadDocument(ctx context.Context, conversationID, filename string, data []byte) (*IngestResult, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if s.maxUploadSize > 0 && int64(len(data)) > s.maxUploadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(data), s.maxUploadSize)
	}
	kind, err := extract.KindFromFilename(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, filename)
	}

	conv, unlock, err := s.lockConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = logger.WithConversation(logger.WithAction(ctx, "upload_document"), conv.ID)

	ref, err := s.files.Save(ctx, conv.ID, filename, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store uploaded file: %w", err)
	}

	doc := &store.Document{
		ConversationID:   conv.ID,
		SourceKind:       string(kind),
		OriginalFilename: filename,
		FileRef:          ref,
		SizeBytes:        int64(len(data)),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if rmErr := s.files.Remove(context.WithoutCancel(ctx), ref); rmErr != nil {
			ctxzap.Warn(ctx, "failed to remove orphaned upload", zap.String("file_ref", ref), zap.Error(rmErr))
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conv.ID)
		}
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return s.ingest(ctx, doc, data)
}

// ReprocessDocument re-extracts a stored document and replaces its index entries.
func (s *ChatService) ReprocessDocument(ctx context.Context, conversationID, documentID string) (*IngestResult, error) {
	ctx = logger.WithConversation(logger.WithAction(ctx, "reprocess_document"), conversationID)
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	doc, err := s.store.GetDocument(ctx, conversationID, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	data, err := s.files.Read(ctx, doc.FileRef)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored file: %w", err)
	}
	return s.ingest(ctx, doc, data)
}

func (s *ChatService) ingest(ctx context.Context, doc *store.Document, data []byte) (*IngestResult, error) {
	ctx = logger.AddFields(ctx, zap.String("document_id", doc.ID))

	text := s.extractor.Extract(ctx, extract.Input{
		Filename: doc.OriginalFilename,
		Data:     data,
		Kind:     extract.SourceKind(doc.SourceKind),
	})
	if err := s.store.SetExtractedText(ctx, doc.ID, text.Value); err != nil {
		return nil, fmt.Errorf("failed to save extracted text: %w", err)
	}

	updated, err := s.store.GetDocument(ctx, doc.ConversationID, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload document: %w", err)
	}
	res := &IngestResult{Document: *updated, Status: text.Status.String(), Reason: text.Reason}

	if strings.TrimSpace(text.Value) == "" {
		ctxzap.Warn(ctx, "no text extracted, document not indexed")
		return res, nil
	}

	n, err := s.index.Upsert(ctx, doc.ConversationID, doc.ID, s.splitter.Split(text.Value))
	if err != nil {
		ctxzap.Warn(ctx, "indexing failed, document kept without index entries", zap.Error(err))
		res.Status = result.StatusDegraded.String()
		res.Reason = fmt.Sprintf("indexing failed: %v", err)
		return res, nil
	}

	res.ChunksIndexed = n
	ctxzap.Info(ctx, "document ingested", zap.Int("chunks", n), zap.String("status", res.Status))
	return res, nil
}

// Wait blocks until background work such as title generation has finished.
func (s *ChatService) Wait() {
	s.background.Wait()
}

func (s *ChatService) generateTitleAsync(ctx context.Context, conversationID, firstMessage string) {
	if s.titles == nil {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(ctx, titleTimeout)
		defer cancel()

		title, err := s.titles.GenerateTitle(ctx, firstMessage)
		if err != nil {
			ctxzap.Warn(ctx, "failed to generate title", zap.Error(err))
			return
		}
		if title == "" {
			return
		}
		if err := s.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
			ctxzap.Warn(ctx, "failed to save generated title", zap.Error(err))
			return
		}
		ctxzap.Debug(ctx, "conversation titled", zap.String("title", title))
	}()
}

// lockConversation resolves the conversation, takes its lock and checks it again,
// since a delete may have won the lock in between. The caller must call unlock.
func (s *ChatService) lockConversation(ctx context.Context, id string) (*store.Conversation, func(), error) {
	conv, err := s.resolveConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.Lock(conv.ID)
	conv, err = s.conversation(ctx, conv.ID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return conv, unlock, nil
}

func (s *ChatService) resolveConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if id == "" {
		return s.StartConversation(ctx)
	}
	return s.conversation(ctx, id)
}

func (s *ChatService) conversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ValidateMessage rejects blank messages and messages over MaxMessageLength runes.
func ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(content); n > MaxMessageLength {
		return fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, n, MaxMessageLength)
	}
	return nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
