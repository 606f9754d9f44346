package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/docchat/internal/chunker"
	"gwi.com/docchat/internal/extract"
	"gwi.com/docchat/internal/index"
	"gwi.com/docchat/internal/pkg/result"
	"gwi.com/docchat/internal/store"
)

// fakeExtractor returns canned text for every file.
type fakeExtractor struct {
	mu   sync.Mutex
	text result.Result[string]
	seen []extract.Input
}

func (f *fakeExtractor) Extract(_ context.Context, in extract.Input) result.Result[string] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, in)
	return f.text
}

type fakeTitles struct {
	title string
	err   error
}

func (f *fakeTitles) GenerateTitle(context.Context, string) (string, error) {
	return f.title, f.err
}

type chatFixture struct {
	svc       *ChatService
	db        *store.SQLiteStore
	registry  *index.Registry
	gen       *fakeGenerator
	extractor *fakeExtractor
}

func newChatFixture(t *testing.T, gen *fakeGenerator, titles TitleGenerator) *chatFixture {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	files, err := store.NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	registry := index.NewRegistry(index.NewHashEmbedder(128), db)
	ext := &fakeExtractor{text: result.OK("The launch date of project Falcon is the ninth of March.")}

	svc := NewChatService(ChatServiceDeps{
		Store:         db,
		Files:         files,
		Extractor:     ext,
		Splitter:      chunker.New(chunker.WithChunkSize(200), chunker.WithOverlap(40)),
		Index:         registry,
		RAG:           NewRAGService(registry, gen, 200*time.Millisecond),
		Titles:        titles,
		MaxUploadSize: 1 << 20,
	})
	t.Cleanup(svc.Wait)
	return &chatFixture{svc: svc, db: db, registry: registry, gen: gen, extractor: ext}
}

func TestSendMessage_StartsConversationWhenIDEmpty(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "Hello!"}, nil)

	turn, err := f.svc.SendMessage(ctx, "", "Hi there")
	require.NoError(t, err)
	assert.NotEmpty(t, turn.ConversationID)
	assert.False(t, turn.Degraded)
	assert.Equal(t, "Hello!", turn.AssistantMessage.Content)

	msgs, err := f.db.ListMessages(ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	f := newChatFixture(t, &fakeGenerator{reply: "x"}, nil)
	_, err := f.svc.SendMessage(context.Background(), "does-not-exist", "hello")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSendMessage_Validation(t *testing.T) {
	f := newChatFixture(t, &fakeGenerator{reply: "x"}, nil)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, "", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.SendMessage(ctx, "", strings.Repeat("é", MaxMessageLength+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	_, err = f.svc.SendMessage(ctx, "", strings.Repeat("é", MaxMessageLength))
	assert.NoError(t, err)
}

func TestSendMessage_TimeoutStoresFallback(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "too late", delay: 2 * time.Second}, nil)

	conv, err := f.svc.StartConversation(ctx)
	require.NoError(t, err)

	turn, err := f.svc.SendMessage(ctx, conv.ID, "Are you there?")
	require.NoError(t, err)
	assert.True(t, turn.Degraded)
	assert.Equal(t, FallbackResponse, turn.AssistantMessage.Content)

	msgs, err := f.db.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Are you there?", msgs[0].Content)
	assert.Equal(t, FallbackResponse, msgs[1].Content)
}

func TestSendMessage_BackendErrorStoresFallback(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{err: errors.New("upstream 500")}, nil)

	turn, err := f.svc.SendMessage(ctx, "", "hello")
	require.NoError(t, err)
	assert.Equal(t, FallbackResponse, turn.AssistantMessage.Content)
}

func TestSendMessage_PriorTurnsExcludeCurrentMessage(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "ok"}
	f := newChatFixture(t, gen, nil)

	first, err := f.svc.SendMessage(ctx, "", "first question")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, first.ConversationID, "second question")
	require.NoError(t, err)

	prompt := gen.lastCall()
	require.Len(t, prompt, 4)
	assert.Equal(t, PromptMessage{Role: PromptRoleUser, Content: "first question"}, prompt[1])
	assert.Equal(t, PromptMessage{Role: PromptRoleAssistant, Content: "ok"}, prompt[2])
	assert.Equal(t, PromptMessage{Role: PromptRoleUser, Content: "second question"}, prompt[3])
}

func TestSendMessage_ConcurrentTurnsAlternate(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "ok", delay: 5 * time.Millisecond}, nil)
	conv, err := f.svc.StartConversation(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SendMessage(ctx, conv.ID, "ping")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := f.db.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 12)
	for i, m := range msgs {
		if i%2 == 0 {
			assert.Equal(t, store.RoleUser, m.Role)
		} else {
			assert.Equal(t, store.RoleAssistant, m.Role)
		}
	}
}

func TestUploadThenAsk_UsesDocumentContext(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "The ninth of March."}
	f := newChatFixture(t, gen, nil)

	res, err := f.svc.UploadDocument(ctx, "", "falcon.pdf", []byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 1, res.ChunksIndexed)
	assert.NotNil(t, res.Document.ProcessedAt)
	assert.Equal(t, "pdf", res.Document.SourceKind)

	_, err = f.svc.SendMessage(ctx, res.Document.ConversationID, "When is the Falcon launch date?")
	require.NoError(t, err)

	prompt := gen.lastCall()
	require.GreaterOrEqual(t, len(prompt), 3)
	assert.Contains(t, prompt[1].Content, "project Falcon")
}

func TestUploadDocument_Validation(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "x"}, nil)

	_, err := f.svc.UploadDocument(ctx, "", "notes.txt", []byte("hello"))
	assert.ErrorIs(t, err, ErrUnsupportedFileType)

	_, err = f.svc.UploadDocument(ctx, "", "empty.pdf", nil)
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = f.svc.UploadDocument(ctx, "", "big.png", make([]byte, 2<<20))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = f.svc.UploadDocument(ctx, "missing", "a.png", []byte("x"))
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestUploadDocument_EmptyExtractionIsNotIndexed(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "x"}, nil)
	f.extractor.text = result.Degraded("", "no text extracted from pdf")

	res, err := f.svc.UploadDocument(ctx, "", "scan.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "degraded", res.Status)
	assert.Zero(t, res.ChunksIndexed)

	size, err := f.registry.Size(ctx, res.Document.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestReprocessDocument_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "x"}, nil)

	res, err := f.svc.UploadDocument(ctx, "", "falcon.png", []byte("png-bytes"))
	require.NoError(t, err)
	convID := res.Document.ConversationID

	again, err := f.svc.ReprocessDocument(ctx, convID, res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ChunksIndexed, again.ChunksIndexed)

	size, err := f.registry.Size(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, res.ChunksIndexed, size)

	require.Len(t, f.extractor.seen, 2)
	assert.Equal(t, []byte("png-bytes"), f.extractor.seen[1].Data)
	assert.Equal(t, extract.KindImage, f.extractor.seen[1].Kind)

	_, err = f.svc.ReprocessDocument(ctx, convID, "nope")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "x"}, nil)

	res, err := f.svc.UploadDocument(ctx, "", "falcon.pdf", []byte("%PDF"))
	require.NoError(t, err)
	convID := res.Document.ConversationID

	require.NoError(t, f.svc.DeleteConversation(ctx, convID))

	_, err = f.svc.GetConversation(ctx, convID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	chunks, err := f.db.LoadChunks(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	assert.ErrorIs(t, f.svc.DeleteConversation(ctx, convID), ErrConversationNotFound)
}

func TestDeleteConversation_IndexFailureKeepsConversation(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()
	files, err := store.NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	idx := &fakeIndex{err: errors.New("index unavailable")}
	svc := NewChatService(ChatServiceDeps{
		Store: db, Files: files, Extractor: &fakeExtractor{}, Splitter: chunker.New(),
		Index: idx, RAG: NewRAGService(idx, &fakeGenerator{reply: "x"}, time.Second),
	})

	conv, err := svc.StartConversation(ctx)
	require.NoError(t, err)

	assert.Error(t, svc.DeleteConversation(ctx, conv.ID))
	_, err = svc.GetConversation(ctx, conv.ID)
	assert.NoError(t, err)
}

func TestGetConversation_Details(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "answer"}, nil)

	res, err := f.svc.UploadDocument(ctx, "", "a.pdf", []byte("%PDF"))
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, res.Document.ConversationID, "question")
	require.NoError(t, err)

	details, err := f.svc.GetConversation(ctx, res.Document.ConversationID)
	require.NoError(t, err)
	assert.Len(t, details.Messages, 2)
	assert.Len(t, details.Documents, 1)

	list, err := f.svc.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSendMessage_GeneratesTitleAfterFirstExchange(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "ok"}, &fakeTitles{title: "Falcon Launch"})

	turn, err := f.svc.SendMessage(ctx, "", "When does Falcon launch?")
	require.NoError(t, err)
	f.svc.Wait()

	conv, err := f.db.GetConversation(ctx, turn.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "Falcon Launch", *conv.Title)
}

func TestSendMessage_TitleFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &fakeGenerator{reply: "ok"}, &fakeTitles{err: errors.New("quota")})

	turn, err := f.svc.SendMessage(ctx, "", "hello")
	require.NoError(t, err)
	f.svc.Wait()

	conv, err := f.db.GetConversation(ctx, turn.ConversationID)
	require.NoError(t, err)
	assert.Nil(t, conv.Title)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}

// vanishingStore deletes the conversation behind the service's back, either on the
// first lookup or when a document is created.
type vanishingStore struct {
	*store.SQLiteStore
	onLookup bool
	onCreate bool
	once     sync.Once
}

func (v *vanishingStore) vanish(ctx context.Context, id string) {
	v.once.Do(func() { _ = v.SQLiteStore.DeleteConversation(ctx, id) })
}

func (v *vanishingStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := v.SQLiteStore.GetConversation(ctx, id)
	if err == nil && v.onLookup {
		v.vanish(ctx, id)
	}
	return conv, err
}

func (v *vanishingStore) CreateDocument(ctx context.Context, doc *store.Document) error {
	if v.onCreate {
		v.vanish(ctx, doc.ConversationID)
	}
	return v.SQLiteStore.CreateDocument(ctx, doc)
}

func newVanishingService(t *testing.T, vs *vanishingStore) (*ChatService, string) {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	vs.SQLiteStore = db

	dir := t.TempDir()
	files, err := store.NewLocalFileStore(dir)
	require.NoError(t, err)
	registry := index.NewRegistry(index.NewHashEmbedder(64), db)

	svc := NewChatService(ChatServiceDeps{
		Store:         vs,
		Files:         files,
		Extractor:     &fakeExtractor{text: result.OK("some text")},
		Splitter:      chunker.New(),
		Index:         registry,
		RAG:           NewRAGService(registry, &fakeGenerator{reply: "x"}, time.Second),
		MaxUploadSize: 1 << 20,
	})
	t.Cleanup(svc.Wait)
	return svc, dir
}

func TestSendMessage_ConversationDeletedBeforeLock(t *testing.T) {
	ctx := context.Background()
	vs := &vanishingStore{}
	svc, _ := newVanishingService(t, vs)
	conv, err := vs.CreateConversation(ctx, "")
	require.NoError(t, err)

	vs.onLookup = true
	_, err = svc.SendMessage(ctx, conv.ID, "hello")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestUploadDocument_ConversationDeletedBeforeLock(t *testing.T) {
	ctx := context.Background()
	vs := &vanishingStore{}
	svc, dir := newVanishingService(t, vs)
	conv, err := vs.CreateConversation(ctx, "")
	require.NoError(t, err)

	vs.onLookup = true
	_, err = svc.UploadDocument(ctx, conv.ID, "a.pdf", []byte("%PDF"))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, statErr := os.Stat(filepath.Join(dir, conv.ID))
	assert.True(t, os.IsNotExist(statErr), "no upload directory for a deleted conversation")
}

func TestUploadDocument_ConversationDeletedBeforeInsertRemovesFile(t *testing.T) {
	ctx := context.Background()
	vs := &vanishingStore{}
	svc, dir := newVanishingService(t, vs)
	conv, err := vs.CreateConversation(ctx, "")
	require.NoError(t, err)

	vs.onCreate = true
	_, err = svc.UploadDocument(ctx, conv.ID, "a.pdf", []byte("%PDF"))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	entries, err := os.ReadDir(filepath.Join(dir, conv.ID))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
