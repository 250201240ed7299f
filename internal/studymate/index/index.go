// Package index provides the approximate nearest-neighbour index over
// chunk and document-summary embeddings.
package index

import (
	"context"
	"sort"
)

// Kind distinguishes chunk vectors from document summary vectors.
type Kind string

const (
	KindChunk   Kind = "chunk"
	KindSummary Kind = "summary"
)

// Entry is one vector with the metadata used for filtering.
type Entry struct {
	ID         string
	DocumentID string
	OwnerID    string
	Ordinal    int
	Kind       Kind
	// Model 生成该向量的嵌入模型标识。
	Model  string
	Vector []float32
}

// Query describes a similarity search.
type Query struct {
	Vector  []float32
	K       int
	OwnerID string
	// DocumentIDs 为空表示不按文档过滤。
	DocumentIDs []string
	Kind        Kind
	Model       string
}

// Hit is a ranked search result. Score is the cosine similarity.
type Hit struct {
	ID         string
	DocumentID string
	Ordinal    int
	Kind       Kind
	Model      string
	Score      float64
}

// Index stores vectors and answers similarity queries.
type Index interface {
	// Name returns the backend name.
	Name() string
	// Insert adds or replaces entries by id.
	Insert(ctx context.Context, entries []Entry) error
	// DeleteDocument removes every entry of a document.
	DeleteDocument(ctx context.Context, documentID string) error
	// Search returns at most q.K hits ordered by SortHits.
	Search(ctx context.Context, q Query) ([]Hit, error)
}

// SortHits orders hits by descending score, then ascending ordinal, then
// document id and id so equal scores rank deterministically.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ID < b.ID
	})
}

func (q *Query) matches(e *Entry) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.OwnerID != "" && e.OwnerID != q.OwnerID {
		return false
	}
	if q.Model != "" && e.Model != q.Model {
		return false
	}
	if len(q.DocumentIDs) == 0 {
		return true
	}
	for _, id := range q.DocumentIDs {
		if id == e.DocumentID {
			return true
		}
	}
	return false
}
