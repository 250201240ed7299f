package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/milvus-io/milvus/client/v2/entity"

	"github.com/kart-io/studymate/pkg/component/milvus"
)

// Metadata fields of the Milvus collection.
const (
	fieldDocumentID = "document_id"
	fieldOwnerID    = "owner_id"
	fieldOrdinal    = "ordinal"
	fieldKind       = "kind"
	fieldModel      = "model"
)

// Milvus is an Index backed by a Milvus collection using the COSINE metric.
// The collection is created on first insert, once the dimension is known.
type Milvus struct {
	client     *milvus.Client
	collection string

	mu    sync.Mutex
	ready bool
}

var _ Index = (*Milvus)(nil)

// NewMilvus returns an Index storing vectors in collection.
func NewMilvus(client *milvus.Client, collection string) *Milvus {
	return &Milvus{client: client, collection: collection}
}

// Name returns the backend name.
func (m *Milvus) Name() string {
	return "milvus"
}

func (m *Milvus) ensure(ctx context.Context, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	err := m.client.EnsureCollection(ctx, &milvus.CollectionSchema{
		Name:        m.collection,
		Description: "studymate chunk and summary embeddings",
		Dimension:   dimension,
		MetaFields: []milvus.MetaField{
			{Name: fieldDocumentID, DataType: entity.FieldTypeVarChar, MaxLen: 32},
			{Name: fieldOwnerID, DataType: entity.FieldTypeVarChar, MaxLen: 64},
			{Name: fieldOrdinal, DataType: entity.FieldTypeInt64},
			{Name: fieldKind, DataType: entity.FieldTypeVarChar, MaxLen: 16},
			{Name: fieldModel, DataType: entity.FieldTypeVarChar, MaxLen: 128},
		},
	})
	if err != nil {
		return err
	}
	m.ready = true
	return nil
}

// exists reports whether the collection can be queried.
func (m *Milvus) exists(ctx context.Context) (bool, error) {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if ready {
		return true, nil
	}
	ok, err := m.client.HasCollection(ctx, m.collection)
	if err != nil || !ok {
		return false, err
	}
	// 集合已存在时 EnsureCollection 只负责加载
	return true, m.ensure(ctx, 0)
}

// Insert upserts entries keyed by id.
func (m *Milvus) Insert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dim := len(entries[0].Vector)
	for _, e := range entries {
		if len(e.Vector) != dim || dim == 0 {
			return fmt.Errorf("entry %s has dimension %d, want %d", e.ID, len(e.Vector), dim)
		}
	}
	if err := m.ensure(ctx, dim); err != nil {
		return err
	}

	data := &milvus.UpsertData{
		IDs:        make([]string, len(entries)),
		Embeddings: make([][]float32, len(entries)),
		Metadata: map[string][]any{
			fieldDocumentID: make([]any, len(entries)),
			fieldOwnerID:    make([]any, len(entries)),
			fieldOrdinal:    make([]any, len(entries)),
			fieldKind:       make([]any, len(entries)),
			fieldModel:      make([]any, len(entries)),
		},
	}
	for i, e := range entries {
		data.IDs[i] = e.ID
		data.Embeddings[i] = e.Vector
		data.Metadata[fieldDocumentID][i] = e.DocumentID
		data.Metadata[fieldOwnerID][i] = e.OwnerID
		data.Metadata[fieldOrdinal][i] = int64(e.Ordinal)
		data.Metadata[fieldKind][i] = string(e.Kind)
		data.Metadata[fieldModel][i] = e.Model
	}
	if err := m.client.Upsert(ctx, m.collection, data); err != nil {
		return fmt.Errorf("failed to insert into milvus: %w", err)
	}
	return nil
}

// DeleteDocument removes every entry of a document.
func (m *Milvus) DeleteDocument(ctx context.Context, documentID string) error {
	ok, err := m.exists(ctx)
	if err != nil || !ok {
		return err
	}
	return m.client.DeleteByExpr(ctx, m.collection, milvus.Eq(fieldDocumentID, documentID))
}

// Search runs a filtered ANN query.
func (m *Milvus) Search(ctx context.Context, q Query) ([]Hit, error) {
	if q.K <= 0 || len(q.Vector) == 0 {
		return []Hit{}, nil
	}
	ok, err := m.exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Hit{}, nil
	}

	results, err := m.client.Search(ctx, m.collection, q.Vector, q.K, filterExpr(q),
		[]string{fieldDocumentID, fieldOrdinal, fieldKind, fieldModel})
	if err != nil {
		return nil, fmt.Errorf("failed to search milvus: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		h := Hit{ID: r.ID, Score: float64(r.Score)}
		h.DocumentID, _ = r.Metadata[fieldDocumentID].(string)
		if ord, ok := r.Metadata[fieldOrdinal].(int64); ok {
			h.Ordinal = int(ord)
		}
		if kind, ok := r.Metadata[fieldKind].(string); ok {
			h.Kind = Kind(kind)
		}
		h.Model, _ = r.Metadata[fieldModel].(string)
		hits = append(hits, h)
	}
	SortHits(hits)
	return hits, nil
}

func filterExpr(q Query) string {
	var parts []string
	if q.OwnerID != "" {
		parts = append(parts, milvus.Eq(fieldOwnerID, q.OwnerID))
	}
	if len(q.DocumentIDs) > 0 {
		parts = append(parts, milvus.In(fieldDocumentID, q.DocumentIDs))
	}
	if q.Kind != "" {
		parts = append(parts, milvus.Eq(fieldKind, string(q.Kind)))
	}
	if q.Model != "" {
		parts = append(parts, milvus.Eq(fieldModel, q.Model))
	}
	return milvus.And(parts...)
}
