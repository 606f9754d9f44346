package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/docchat/internal/index"
	"gwi.com/docchat/internal/store"
)

// fakeGenerator records the prompts it receives.
type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	calls [][]PromptMessage
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []PromptMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]PromptMessage(nil), messages...))
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGenerator) lastCall() []PromptMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// fakeIndex serves canned hits or a canned error.
type fakeIndex struct {
	hits    []index.Hit
	err     error
	deleted []string
}

func (f *fakeIndex) Upsert(_ context.Context, _, _ string, chunks []string) (int, error) {
	return len(chunks), f.err
}

func (f *fakeIndex) Query(_ context.Context, _, _ string, _ int) ([]index.Hit, error) {
	return f.hits, f.err
}

func (f *fakeIndex) Delete(_ context.Context, conversationID string) error {
	f.deleted = append(f.deleted, conversationID)
	return f.err
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()

	t.Run("empty index", func(t *testing.T) {
		s := NewRAGService(&fakeIndex{}, &fakeGenerator{}, time.Second)
		res := s.Retrieve(ctx, "c1", "anything")
		assert.False(t, res.IsDegraded())
		assert.Empty(t, res.Value)
	})

	t.Run("joins hits in relevance order", func(t *testing.T) {
		idx := &fakeIndex{hits: []index.Hit{{Text: "most relevant"}, {Text: "second"}, {Text: "third"}}}
		s := NewRAGService(idx, &fakeGenerator{}, time.Second)
		res := s.Retrieve(ctx, "c1", "q")
		assert.Equal(t, "most relevant\n\nsecond\n\nthird", res.Value)
	})

	t.Run("index failure degrades", func(t *testing.T) {
		s := NewRAGService(&fakeIndex{err: errors.New("disk on fire")}, &fakeGenerator{}, time.Second)
		res := s.Retrieve(ctx, "c1", "q")
		assert.True(t, res.IsDegraded())
		assert.Empty(t, res.Value)
		assert.Contains(t, res.Reason, "disk on fire")
	})
}

func TestRetrieve_UsesRealRegistryTopFive(t *testing.T) {
	ctx := context.Background()
	reg := index.NewRegistry(index.NewHashEmbedder(64), nil)
	_, err := reg.Upsert(ctx, "c1", "d1", []string{"a", "b", "c", "d", "e", "f", "g"})
	require.NoError(t, err)

	s := NewRAGService(reg, &fakeGenerator{}, time.Second)
	res := s.Retrieve(ctx, "c1", "a")
	assert.Len(t, strings.Split(res.Value, contextSeparator), NumRelevantChunks)
}

func TestCompose_EmptyIndex(t *testing.T) {
	s := NewRAGService(&fakeIndex{}, &fakeGenerator{}, time.Second)

	req := s.Compose(context.Background(), "What does the report say?", "c1", nil)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, PromptRoleSystem, req.Messages[0].Role)
	assert.Equal(t, systemPreamble, req.Messages[0].Content)
	assert.Equal(t, PromptMessage{Role: PromptRoleUser, Content: "What does the report say?"}, req.Messages[1])
}

func TestCompose_OrderWithContextAndHistory(t *testing.T) {
	idx := &fakeIndex{hits: []index.Hit{{Text: "Revenue grew 12% in Q3."}}}
	s := NewRAGService(idx, &fakeGenerator{}, time.Second)
	prior := []store.Message{
		{Role: store.RoleUser, Content: "hi", Sequence: 1},
		{Role: store.RoleAssistant, Content: "hello", Sequence: 2},
	}

	req := s.Compose(context.Background(), "How did revenue change?", "c1", prior)

	require.Len(t, req.Messages, 5)
	assert.Equal(t, PromptRoleSystem, req.Messages[0].Role)
	assert.Equal(t, PromptRoleSystem, req.Messages[1].Role)
	assert.True(t, strings.HasPrefix(req.Messages[1].Content, contextLabel))
	assert.Contains(t, req.Messages[1].Content, "Revenue grew 12% in Q3.")
	assert.Equal(t, PromptMessage{Role: PromptRoleUser, Content: "hi"}, req.Messages[2])
	assert.Equal(t, PromptMessage{Role: PromptRoleAssistant, Content: "hello"}, req.Messages[3])
	assert.Equal(t, PromptMessage{Role: PromptRoleUser, Content: "How did revenue change?"}, req.Messages[4])
}

func TestGenerate(t *testing.T) {
	req := GenerationRequest{Messages: []PromptMessage{{Role: PromptRoleUser, Content: "q"}}}

	tests := []struct {
		name         string
		gen          *fakeGenerator
		timeout      time.Duration
		want         string
		wantDegraded bool
	}{
		{name: "success", gen: &fakeGenerator{reply: "  the answer \n"}, timeout: time.Second, want: "the answer"},
		{name: "backend error", gen: &fakeGenerator{err: errors.New("503")}, timeout: time.Second, want: FallbackResponse, wantDegraded: true},
		{name: "empty reply", gen: &fakeGenerator{reply: "   "}, timeout: time.Second, want: FallbackResponse, wantDegraded: true},
		{name: "timeout", gen: &fakeGenerator{reply: "late", delay: time.Second}, timeout: 20 * time.Millisecond, want: FallbackResponse, wantDegraded: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewRAGService(&fakeIndex{}, tc.gen, tc.timeout)
			res := s.Generate(context.Background(), req)
			assert.Equal(t, tc.want, res.Value)
			assert.Equal(t, tc.wantDegraded, res.IsDegraded())
		})
	}
}

func TestGenerate_TimeoutReason(t *testing.T) {
	s := NewRAGService(&fakeIndex{}, &fakeGenerator{delay: time.Second}, 10*time.Millisecond)
	res := s.Generate(context.Background(), GenerationRequest{Messages: []PromptMessage{{Role: PromptRoleUser, Content: "q"}}})
	assert.Equal(t, "generation timed out", res.Reason)
}

func TestMockService(t *testing.T) {
	ctx := context.Background()
	m := NewMockService()

	withContext, err := m.Generate(ctx, []PromptMessage{
		{Role: PromptRoleSystem, Content: systemPreamble},
		{Role: PromptRoleSystem, Content: contextLabel + "\nstuff"},
		{Role: PromptRoleUser, Content: "question"},
	})
	require.NoError(t, err)
	assert.Contains(t, withContext, "Based on your documents")

	without, err := m.Generate(ctx, []PromptMessage{{Role: PromptRoleUser, Content: "question"}})
	require.NoError(t, err)
	assert.Contains(t, without, "no document context")

	title, err := m.GenerateTitle(ctx, "what is in the quarterly revenue report please")
	require.NoError(t, err)
	assert.Equal(t, "what is in the quarterly", title)

	vecs, err := m.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Revenue Review", cleanTitle("\"Revenue Review.\"\n"))
}

func TestToGeminiPrompt(t *testing.T) {
	text := func(c *genai.Content) string {
		require.Len(t, c.Parts, 1)
		return string(c.Parts[0].(genai.Text))
	}

	tests := []struct {
		name        string
		messages    []PromptMessage
		wantErr     string
		wantSystem  string
		wantRoles   []string
		wantMessage string
	}{
		{name: "empty", wantErr: "prompt is empty"},
		{
			name: "last from assistant",
			messages: []PromptMessage{
				{Role: PromptRoleUser, Content: "hi"},
				{Role: PromptRoleAssistant, Content: "hello"},
			},
			wantErr: "must come from the user",
		},
		{
			name:        "single user message",
			messages:    []PromptMessage{{Role: PromptRoleUser, Content: "hi"}},
			wantMessage: "hi",
		},
		{
			name: "system merged and assistant becomes model",
			messages: []PromptMessage{
				{Role: PromptRoleSystem, Content: "be brief"},
				{Role: PromptRoleSystem, Content: "context: llamas"},
				{Role: PromptRoleUser, Content: "first"},
				{Role: PromptRoleAssistant, Content: "answer"},
				{Role: PromptRoleUser, Content: "second"},
			},
			wantSystem:  "be brief\n\ncontext: llamas",
			wantRoles:   []string{"user", "model"},
			wantMessage: "second",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := toGeminiPrompt(tc.messages)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)

			if tc.wantSystem == "" {
				assert.Nil(t, p.system)
			} else {
				require.NotNil(t, p.system)
				assert.Equal(t, tc.wantSystem, text(p.system))
			}

			var roles []string
			for _, c := range p.history {
				roles = append(roles, c.Role)
			}
			assert.Equal(t, tc.wantRoles, roles)
			assert.Equal(t, genai.Text(tc.wantMessage), p.message)
		})
	}
}
