package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	chromem "github.com/philippgille/chromem-go"
)

// SearchResult is a chunk matching a semantic search.
type SearchResult struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

// ChunkIndex is a vector index over text chunks.
type ChunkIndex struct {
	mu  *sync.RWMutex
	col *chromem.Collection

	logger *slog.Logger
}

const chunkCollection = "chunks"

// NewChunkIndex opens the index persisted in dir, or an in-memory one when dir is empty. embed turns text
// into vectors; OpenAI.Embed fits.
func NewChunkIndex(dir string, embed chromem.EmbeddingFunc, logger *slog.Logger) (ChunkIndex, error) {
	db := chromem.NewDB()
	if dir != "" {
		var err error
		if db, err = chromem.NewPersistentDB(dir, false); err != nil {
			return ChunkIndex{}, fmt.Errorf("error opening vector store: %w", err)
		}
	}
	col, err := db.GetOrCreateCollection(chunkCollection, nil, embed)
	if err != nil {
		return ChunkIndex{}, fmt.Errorf("error opening collection: %w", err)
	}
	return ChunkIndex{
		mu:     &sync.RWMutex{},
		col:    col,
		logger: logger.With(slog.String("module", "vectors")),
	}, nil
}

// Index adds or replaces the chunk. A chunk without content is removed from the index.
func (c ChunkIndex) Index(ctx context.Context, chunk models.TextChunk) error {
	if chunk.Content == "" {
		return c.Remove(ctx, chunk.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.col.AddDocument(ctx, chromem.Document{
		ID:       chunk.ID,
		Content:  chunk.Content,
		Metadata: map[string]string{"title": chunk.Title},
	})
}

// Remove drops the chunk from the index.
func (c ChunkIndex) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("error removing %s: %w", id, err)
	}
	return nil
}

// Search returns up to n chunks most similar to query, best first.
func (c ChunkIndex) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n = min(n, c.col.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := c.col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error querying index: %w", err)
	}
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			ID:         r.ID,
			Title:      r.Metadata["title"],
			Content:    r.Content,
			Similarity: r.Similarity,
		}
	}
	return out, nil
}
