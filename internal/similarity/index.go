package similarity

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

const (
	collectionName = "entries"
	userMetadata   = "user_id"
)

// ErrMissingEmbedding indicates that the index was constructed without an embedding func.
var ErrMissingEmbedding = errors.New("similarity: embedding func is required")

// Document is one indexed entry.
type Document struct {
	ID      int64
	UserID  string
	Content string
}

// Hit is a neighbour returned by Similar with a score in [0, 1].
type Hit struct {
	ID    int64
	Score float64
}

// Index keeps an in-memory vector collection of live entries partitioned by user.
type Index struct {
	collection *chromem.Collection

	mutex  sync.Mutex
	owners map[string]string
	counts map[string]int
}

// NewIndex creates an empty in-memory index.
func NewIndex(embed chromem.EmbeddingFunc) (*Index, error) {
	if embed == nil {
		return nil, ErrMissingEmbedding
	}
	database := chromem.NewDB()
	collection, err := database.CreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("similarity: create collection: %w", err)
	}
	return &Index{
		collection: collection,
		owners:     make(map[string]string),
		counts:     make(map[string]int),
	}, nil
}

// Upsert embeds and stores documents, replacing any previous content for the same id.
func (i *Index) Upsert(ctx context.Context, documents ...Document) error {
	if len(documents) == 0 {
		return nil
	}
	prepared := make([]chromem.Document, 0, len(documents))
	for _, document := range documents {
		prepared = append(prepared, chromem.Document{
			ID:       documentKey(document.ID),
			Content:  document.Content,
			Metadata: map[string]string{userMetadata: document.UserID},
		})
	}
	if err := i.collection.AddDocuments(ctx, prepared, runtime.NumCPU()); err != nil {
		return fmt.Errorf("similarity: add documents: %w", err)
	}

	i.mutex.Lock()
	defer i.mutex.Unlock()
	for _, document := range documents {
		key := documentKey(document.ID)
		if previous, ok := i.owners[key]; ok {
			i.counts[previous]--
		}
		i.owners[key] = document.UserID
		i.counts[document.UserID]++
	}
	return nil
}

// Remove drops an entry from the index. Unknown ids are ignored.
func (i *Index) Remove(ctx context.Context, id int64) error {
	key := documentKey(id)
	i.mutex.Lock()
	owner, ok := i.owners[key]
	i.mutex.Unlock()
	if !ok {
		return nil
	}
	if err := i.collection.Delete(ctx, nil, nil, key); err != nil {
		return fmt.Errorf("similarity: delete document: %w", err)
	}
	i.mutex.Lock()
	delete(i.owners, key)
	i.counts[owner]--
	i.mutex.Unlock()
	return nil
}

// Similar returns up to limit entries of the same user closest to content, excluding id itself,
// ordered by descending score.
func (i *Index) Similar(ctx context.Context, userID string, id int64, content string, limit int) ([]Hit, error) {
	if limit <= 0 {
		return []Hit{}, nil
	}
	i.mutex.Lock()
	available := i.counts[userID]
	i.mutex.Unlock()

	requested := limit + 1
	if requested > available {
		requested = available
	}
	if requested == 0 {
		return []Hit{}, nil
	}

	results, err := i.collection.Query(ctx, content, requested, map[string]string{userMetadata: userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity: query: %w", err)
	}

	self := documentKey(id)
	hits := make([]Hit, 0, limit)
	for _, result := range results {
		if result.ID == self {
			continue
		}
		parsed, parseErr := strconv.ParseInt(result.ID, 10, 64)
		if parseErr != nil {
			continue
		}
		hits = append(hits, Hit{ID: parsed, Score: clampScore(result.Similarity)})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// Count reports the number of indexed entries.
func (i *Index) Count() int {
	return i.collection.Count()
}

func documentKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func clampScore(value float32) float64 {
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return float64(value)
	}
}
