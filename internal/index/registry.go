// Package index keeps one similarity index partition per conversation.
//
// Partitions are independent objects keyed by conversation ID, so a query can only
// ever see chunks of its own conversation.
package index

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/store"
	"gwi.com/docchat/internal/utils"
)

const DefaultTopK = 5

// ChunkStore persists partitions so they survive restarts.
type ChunkStore interface {
	ReplaceDocumentChunks(ctx context.Context, conversationID, documentID string, chunks []store.Chunk) error
	LoadChunks(ctx context.Context, conversationID string) ([]store.Chunk, error)
	DeleteChunks(ctx context.Context, conversationID string) error
}

type Hit struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Text       string
	Score      float32
}

// ChunkID is stable for a (document, position) pair, which makes re-ingestion idempotent.
func ChunkID(documentID string, index int) string {
	return documentID + "_" + strconv.Itoa(index)
}

type partition struct {
	mu      sync.RWMutex
	docs    map[string][]store.Chunk
	dropped bool
}

func newPartition() *partition {
	return &partition{docs: make(map[string][]store.Chunk)}
}

func (p *partition) size() int {
	n := 0
	for _, chunks := range p.docs {
		n += len(chunks)
	}
	return n
}

type Registry struct {
	mu         sync.Mutex
	partitions map[string]*partition
	embedder   Embedder
	store      ChunkStore
}

// NewRegistry creates an empty registry. chunkStore may be nil for a memory-only index.
func NewRegistry(embedder Embedder, chunkStore ChunkStore) *Registry {
	return &Registry{
		partitions: make(map[string]*partition),
		embedder:   embedder,
		store:      chunkStore,
	}
}

// partition returns the conversation's partition, loading it from the chunk store
// when it is not in memory yet. With create set, a missing partition is made empty;
// otherwise nil is returned for a conversation that has nothing indexed.
//
// A partition being loaded is already in the map with its write lock held, so other
// callers wait on the partition rather than on the registry.
func (r *Registry) partition(ctx context.Context, conversationID string, create bool) (*partition, error) {
	r.mu.Lock()
	if p, ok := r.partitions[conversationID]; ok {
		r.mu.Unlock()
		return p, nil
	}
	p := newPartition()
	p.mu.Lock()
	r.partitions[conversationID] = p
	r.mu.Unlock()
	defer p.mu.Unlock()

	if r.store != nil {
		chunks, err := r.store.LoadChunks(ctx, conversationID)
		if err != nil {
			r.drop(conversationID, p)
			return nil, fmt.Errorf("load partition %s: %w", conversationID, err)
		}
		for _, c := range chunks {
			p.docs[c.DocumentID] = append(p.docs[c.DocumentID], c)
		}
		if len(chunks) > 0 {
			ctxzap.Debug(ctx, "partition loaded from store", zap.String("conversation_id", conversationID), zap.Int("chunks", len(chunks)))
		}
	}

	if len(p.docs) == 0 && !create {
		r.drop(conversationID, p)
		return nil, nil
	}
	return p, nil
}

// drop empties p, marks it dropped and unlinks it from the registry. The caller
// holds p.mu.
func (r *Registry) drop(conversationID string, p *partition) {
	p.dropped = true
	p.docs = make(map[string][]store.Chunk)

	r.mu.Lock()
	if r.partitions[conversationID] == p {
		delete(r.partitions, conversationID)
	}
	r.mu.Unlock()
}

// Upsert replaces every entry of documentID in the conversation's partition with
// chunks. Readers see either the old set or the new one, never a mix. It returns
// the number of entries written.
func (r *Registry) Upsert(ctx context.Context, conversationID, documentID string, chunks []string) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := r.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	entries := make([]store.Chunk, len(chunks))
	for i, text := range chunks {
		entries[i] = store.Chunk{
			ID:             ChunkID(documentID, i),
			ConversationID: conversationID,
			DocumentID:     documentID,
			ChunkIndex:     i,
			Content:        text,
			Embedding:      vectors[i],
		}
	}

	for {
		p, err := r.partition(ctx, conversationID, true)
		if err != nil {
			return 0, err
		}

		p.mu.Lock()
		if p.dropped {
			// Deleted between lookup and lock; start over with a fresh partition.
			p.mu.Unlock()
			continue
		}
		if r.store != nil {
			if err := r.store.ReplaceDocumentChunks(ctx, conversationID, documentID, entries); err != nil {
				p.mu.Unlock()
				return 0, fmt.Errorf("persist chunks: %w", err)
			}
		}
		p.docs[documentID] = entries
		p.mu.Unlock()

		ctxzap.Debug(ctx, "document indexed",
			zap.String("conversation_id", conversationID),
			zap.String("document_id", documentID),
			zap.Int("chunks", len(entries)))
		return len(entries), nil
	}
}

// Query returns the k entries of the conversation most similar to queryText, best
// first. A conversation with nothing indexed yields no hits and no embedding call.
func (r *Registry) Query(ctx context.Context, conversationID, queryText string, k int) ([]Hit, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	p, err := r.partition(ctx, conversationID, false)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	p.mu.RLock()
	empty := p.dropped || p.size() == 0
	p.mu.RUnlock()
	if empty {
		return nil, nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}
	queryVec := vectors[0]

	p.mu.RLock()
	hits := make([]Hit, 0, p.size())
	for _, chunks := range p.docs {
		for _, c := range chunks {
			score, err := utils.CosineSimilarity(queryVec, c.Embedding)
			if err != nil {
				ctxzap.Debug(ctx, "skipping chunk", zap.String("chunk_id", c.ID), zap.Error(err))
				continue
			}
			hits = append(hits, Hit{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				ChunkIndex: c.ChunkIndex,
				Text:       c.Content,
				Score:      score,
			})
		}
	}
	p.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete drops the conversation's partition and its persisted entries. The store
// is cleared under the partition lock, so a concurrent Upsert either lands before
// the delete and is removed with it, or reloads an empty partition afterwards.
func (r *Registry) Delete(ctx context.Context, conversationID string) error {
	for {
		p, err := r.partition(ctx, conversationID, true)
		if err != nil {
			return err
		}

		p.mu.Lock()
		if p.dropped {
			p.mu.Unlock()
			continue
		}
		if r.store != nil {
			if err := r.store.DeleteChunks(ctx, conversationID); err != nil {
				p.mu.Unlock()
				return fmt.Errorf("delete partition %s: %w", conversationID, err)
			}
		}
		r.drop(conversationID, p)
		p.mu.Unlock()
		return nil
	}
}

// Size reports how many entries the conversation's partition holds.
func (r *Registry) Size(ctx context.Context, conversationID string) (int, error) {
	p, err := r.partition(ctx, conversationID, false)
	if err != nil || p == nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size(), nil
}
