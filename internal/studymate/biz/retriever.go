package biz

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/studymate/internal/studymate/index"
	"github.com/kart-io/studymate/internal/studymate/metrics"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/internal/studymate/store"
	"github.com/kart-io/studymate/pkg/infra/tracing"
	"github.com/kart-io/studymate/pkg/llm"
	"github.com/kart-io/studymate/pkg/utils/errors"
)

// RetrieverConfig 检索器配置。
type RetrieverConfig struct {
	// TopK 默认返回的分块数。
	TopK int
	// MaxK 允许请求的最大分块数。
	MaxK int
	// CoarseDocs 全库检索时按文档摘要保留的文档数，0 表示关闭粗排。
	CoarseDocs int
}

// SearchRequest 检索请求。DocumentID 为空时在用户的全部已完成文档中检索。
type SearchRequest struct {
	Query      string `json:"query" binding:"required"`
	OwnerID    string `json:"-"`
	DocumentID string `json:"document_id,omitempty"`
	K          int    `json:"k,omitempty" binding:"min=0"`
}

// SearchResult 一条检索结果。
type SearchResult struct {
	Chunk      *model.Chunk `json:"chunk"`
	DocumentID string       `json:"document_id"`
	Filename   string       `json:"filename"`
	Score      float64      `json:"score"`
}

// Retriever 负责向量检索。
type Retriever struct {
	docs          store.DocumentStore
	chunks        store.ChunkStore
	index         index.Index
	embedProvider llm.EmbeddingProvider
	config        *RetrieverConfig
	metrics       *metrics.Metrics
}

// NewRetriever 创建检索器实例。
func NewRetriever(
	docs store.DocumentStore,
	chunks store.ChunkStore,
	idx index.Index,
	embedProvider llm.EmbeddingProvider,
	config *RetrieverConfig,
) *Retriever {
	return &Retriever{
		docs:          docs,
		chunks:        chunks,
		index:         idx,
		embedProvider: embedProvider,
		config:        config,
		metrics:       metrics.Get(),
	}
}

// Search 返回与查询最相关的分块，按余弦相似度降序，分数相同时按 ordinal 升序。
// 没有候选时返回空切片。
func (r *Retriever) Search(ctx context.Context, req SearchRequest) (results []*SearchResult, err error) {
	ctx, span := tracing.Start(ctx, "retriever.search",
		attribute.String("document_id", req.DocumentID),
		attribute.Int("k", req.K),
	)
	start := time.Now()
	defer func() {
		r.metrics.RecordSearch(time.Since(start), err)
		tracing.End(span, err)
	}()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.ErrInvalidRequest.WithMessage("query must not be empty")
	}
	k, err := r.resolveK(req.K)
	if err != nil {
		return nil, err
	}

	modelName := r.embedProvider.Model()
	docIDs, err := r.scope(ctx, req.OwnerID, req.DocumentID, modelName)
	if err != nil {
		return nil, err
	}
	if len(docIDs) == 0 {
		return []*SearchResult{}, nil
	}

	vec, err := r.embedProvider.EmbedSingle(ctx, query)
	if err != nil {
		return nil, embeddingError(ctx, err)
	}

	if req.DocumentID == "" && r.config.CoarseDocs > 0 && len(docIDs) > r.config.CoarseDocs {
		docIDs, err = r.coarse(ctx, vec, req.OwnerID, docIDs, modelName)
		if err != nil {
			return nil, err
		}
	}

	hits, err := r.index.Search(ctx, index.Query{
		Vector:      vec,
		K:           k,
		OwnerID:     req.OwnerID,
		DocumentIDs: docIDs,
		Kind:        index.KindChunk,
		Model:       modelName,
	})
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}
	return r.resolve(ctx, hits, modelName, k)
}

func (r *Retriever) resolveK(k int) (int, error) {
	switch {
	case k < 0:
		return 0, errors.ErrInvalidRequest.WithMessage("k must not be negative")
	case k == 0:
		return r.config.TopK, nil
	case k > r.config.MaxK:
		return r.config.MaxK, nil
	}
	return k, nil
}

// scope 返回可检索的文档 ID。指定文档时要求其已完成且嵌入模型一致。
func (r *Retriever) scope(ctx context.Context, ownerID, documentID, modelName string) ([]string, error) {
	if documentID != "" {
		doc, err := r.docs.GetOwned(ctx, ownerID, documentID)
		if err != nil {
			return nil, err
		}
		if !doc.Ready() {
			return nil, errors.ErrDocumentNotReady.WithMessagef("document %s is %s", doc.ID, doc.Status)
		}
		if doc.EmbeddingModel != modelName {
			return nil, errors.ErrEmbeddingModelMismatch.WithMessagef(
				"document %s was embedded with %s, current model is %s", doc.ID, doc.EmbeddingModel, modelName)
		}
		return []string{doc.ID}, nil
	}

	docs, err := r.docs.ListCompleted(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.EmbeddingModel == modelName {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// coarse 按文档摘要向量粗排，保留最相关的 CoarseDocs 个文档。
// 没有摘要向量命中时退回全部文档。
func (r *Retriever) coarse(ctx context.Context, vec []float32, ownerID string, docIDs []string, modelName string) ([]string, error) {
	hits, err := r.index.Search(ctx, index.Query{
		Vector:      vec,
		K:           r.config.CoarseDocs,
		OwnerID:     ownerID,
		DocumentIDs: docIDs,
		Kind:        index.KindSummary,
		Model:       modelName,
	})
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}
	if len(hits) == 0 {
		return docIDs, nil
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.DocumentID)
	}
	return out, nil
}

// resolve 回表校验命中结果：文档必须仍为 completed 且嵌入模型一致。
func (r *Retriever) resolve(ctx context.Context, hits []index.Hit, modelName string, k int) ([]*SearchResult, error) {
	results := []*SearchResult{}
	if len(hits) == 0 {
		return results, nil
	}

	chunkIDs := make([]string, 0, len(hits))
	docIDs := make([]string, 0, len(hits))
	seenDoc := make(map[string]bool)
	for _, h := range hits {
		chunkIDs = append(chunkIDs, h.ID)
		if !seenDoc[h.DocumentID] {
			seenDoc[h.DocumentID] = true
			docIDs = append(docIDs, h.DocumentID)
		}
	}

	docs, err := r.docs.GetMany(ctx, docIDs)
	if err != nil {
		return nil, err
	}
	chunks, err := r.chunks.GetMany(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	index.SortHits(hits)
	for _, h := range hits {
		doc, chunk := docs[h.DocumentID], byID[h.ID]
		if !doc.Ready() || doc.EmbeddingModel != modelName {
			continue
		}
		if chunk == nil || !chunk.Embedded() || chunk.EmbeddingModel != modelName {
			continue
		}
		results = append(results, &SearchResult{
			Chunk:      chunk,
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			Score:      h.Score,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Expand 返回分块前后 radius 个相邻分块（不含自身），按 ordinal 排序。
func (r *Retriever) Expand(ctx context.Context, chunk *model.Chunk, radius int) ([]*model.Chunk, error) {
	if radius <= 0 {
		return nil, nil
	}
	ordinals := make([]int, 0, 2*radius)
	for o := chunk.Ordinal - radius; o <= chunk.Ordinal+radius; o++ {
		if o >= 0 && o != chunk.Ordinal {
			ordinals = append(ordinals, o)
		}
	}
	return r.chunks.ListByOrdinals(ctx, chunk.DocumentID, ordinals)
}
