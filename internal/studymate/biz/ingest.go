package biz

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/studymate/internal/pkg/extract"
	"github.com/kart-io/studymate/internal/pkg/textutil"
	"github.com/kart-io/studymate/internal/studymate/index"
	"github.com/kart-io/studymate/internal/studymate/metrics"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/internal/studymate/store"
	"github.com/kart-io/studymate/pkg/infra/pool"
	"github.com/kart-io/studymate/pkg/infra/tracing"
	"github.com/kart-io/studymate/pkg/llm"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/id"
)

// ingestTimeout 单个文档摄取的超时时间。
const ingestTimeout = 30 * time.Minute

// IngestConfig 文档摄取配置。
type IngestConfig struct {
	MaxFileSize  int64
	AllowedTypes []string
}

// UploadRequest 上传请求。
type UploadRequest struct {
	OwnerID     string
	Filename    string
	ContentType string
	Data        []byte
}

// DocumentStats 文档与分块统计。
type DocumentStats struct {
	Documents map[model.DocumentStatus]int64 `json:"documents"`
	Chunks    int64                          `json:"chunks"`
	Index     string                         `json:"index"`
}

// Ingestor 负责文档上传与后台摄取：校验 → 分块 → 增强 → 嵌入 → 入索引。
type Ingestor struct {
	docs          store.DocumentStore
	chunks        store.ChunkStore
	index         index.Index
	extractor     *extract.Extractor
	chunker       *Chunker
	enricher      *Enricher
	embedProvider llm.EmbeddingProvider
	ingestPool    *pool.Pool
	chunkPool     *pool.Pool
	config        *IngestConfig
	metrics       *metrics.Metrics

	inflight atomic.Int64
}

// NewIngestor 创建摄取器实例。
func NewIngestor(
	docs store.DocumentStore,
	chunks store.ChunkStore,
	idx index.Index,
	extractor *extract.Extractor,
	chunker *Chunker,
	enricher *Enricher,
	embedProvider llm.EmbeddingProvider,
	ingestPool, chunkPool *pool.Pool,
	config *IngestConfig,
) *Ingestor {
	return &Ingestor{
		docs:          docs,
		chunks:        chunks,
		index:         idx,
		extractor:     extractor,
		chunker:       chunker,
		enricher:      enricher,
		embedProvider: embedProvider,
		ingestPool:    ingestPool,
		chunkPool:     chunkPool,
		config:        config,
		metrics:       metrics.Get(),
	}
}

// Upload 保存文档记录（status=pending）并提交后台摄取，立即返回。
func (i *Ingestor) Upload(ctx context.Context, req UploadRequest) (*model.Document, error) {
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return nil, errors.ErrInvalidRequest.WithMessage("filename is required")
	}
	if len(req.Data) == 0 {
		return nil, errors.ErrInvalidRequest.WithMessage("file is empty")
	}
	if int64(len(req.Data)) > i.config.MaxFileSize {
		return nil, errors.ErrRequestTooLarge.WithMessagef("file exceeds %d bytes", i.config.MaxFileSize)
	}
	contentType, err := i.contentType(filename, req.ContentType, req.Data)
	if err != nil {
		return nil, err
	}

	doc := &model.Document{
		ID:          id.NewULID(),
		OwnerID:     req.OwnerID,
		Filename:    textutil.TruncateRunes(filename, 255),
		ContentType: contentType,
		Size:        int64(len(req.Data)),
		Status:      model.StatusPending,
	}
	if err := i.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	i.metrics.RecordUpload()
	logger.Infow("document uploaded",
		"document_id", doc.ID,
		"owner_id", doc.OwnerID,
		"content_type", doc.ContentType,
		"size", doc.Size,
	)

	if err := i.submit(ctx, doc.ID, model.StatusPending, req.Data); err != nil {
		return nil, err
	}
	return doc, nil
}

// contentType 优先使用按扩展名和内容探测出的类型，探测失败时采用客户端声明的类型。
func (i *Ingestor) contentType(filename, declared string, data []byte) (string, error) {
	detected := extract.DetectContentType(filename, data)
	if i.allowed(detected) {
		return detected, nil
	}
	declared = strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
	if declared != "" && i.allowed(declared) {
		return declared, nil
	}
	return "", errors.ErrUnsupportedMediaType.WithMessagef("content type %s is not supported", detected)
}

func (i *Ingestor) allowed(contentType string) bool {
	if !i.extractor.Supports(contentType) {
		return false
	}
	for _, t := range i.config.AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// submit 将文档提交到摄取池。提交失败时文档标记为 failed。
func (i *Ingestor) submit(ctx context.Context, docID string, from model.DocumentStatus, data []byte) error {
	bg := context.WithoutCancel(ctx)
	i.inflight.Add(1)
	err := i.ingestPool.Submit(func() {
		defer i.inflight.Add(-1)
		ctx, cancel := context.WithTimeout(bg, ingestTimeout)
		defer cancel()
		i.run(ctx, docID, from, data)
	})
	if err != nil {
		i.inflight.Add(-1)
		i.fail(bg, docID, model.StatusFailed, errors.ErrServiceUnavailable.WithCause(err))
		return errors.ErrServiceUnavailable.WithMessage("ingestion queue is full, try again later")
	}
	return nil
}

// Inflight 返回排队或处理中的文档数。
func (i *Ingestor) Inflight() int64 {
	return i.inflight.Load()
}

func (i *Ingestor) run(ctx context.Context, docID string, from model.DocumentStatus, data []byte) {
	ctx, span := tracing.Start(ctx, "ingestor.process", attribute.String("document_id", docID))
	start := time.Now()
	status, chunks, err := i.process(ctx, docID, from, data)
	tracing.End(span, err)

	if status == "" {
		return
	}
	i.metrics.RecordIngestion(string(status), chunks)
	if err != nil {
		i.fail(ctx, docID, status, err)
		return
	}
	logger.Infow("document ingested",
		"document_id", docID,
		"chunks", chunks,
		"duration", time.Since(start).String(),
	)
}

// process 执行摄取流水线，返回最终状态。状态为空表示文档已被删除或状态已被改变。
func (i *Ingestor) process(ctx context.Context, docID string, from model.DocumentStatus, data []byte) (model.DocumentStatus, int, error) {
	ok, err := i.docs.Transition(ctx, docID, from, model.StatusValidating, nil)
	if err != nil {
		return model.StatusFailed, 0, err
	}
	if !ok {
		logger.Warnw("document left the expected status, skipping ingestion", "document_id", docID, "expected", from)
		return "", 0, nil
	}
	doc, err := i.docs.Get(ctx, docID)
	if err != nil {
		if errors.IsCode(err, errors.ErrDocumentNotFound.Code) {
			return "", 0, nil
		}
		return model.StatusFailed, 0, err
	}

	// 1. 抽取与校验
	text, status, err := i.source(ctx, doc, data)
	if err != nil {
		return status, 0, err
	}
	pieces, err := i.chunker.Split(text)
	if err != nil {
		return model.StatusRejected, 0, err
	}

	ok, err = i.docs.Transition(ctx, docID, model.StatusValidating, model.StatusProcessing, map[string]interface{}{
		"token_count": textutil.EstimateTokens(text),
	})
	if err != nil {
		return model.StatusFailed, 0, err
	}
	if !ok {
		return "", 0, nil
	}

	// 2. 清理上一次失败遗留的分块与向量
	if _, err := i.chunks.DeleteByDocument(ctx, docID); err != nil {
		return model.StatusFailed, 0, err
	}
	if err := i.index.DeleteDocument(ctx, docID); err != nil {
		return model.StatusFailed, 0, errors.ErrServiceUnavailable.WithCause(err)
	}

	// 3. 写入 text_only 分块
	rows := make([]*model.Chunk, len(pieces))
	for n, p := range pieces {
		rows[n] = &model.Chunk{
			ID:         id.NewULID(),
			DocumentID: docID,
			Ordinal:    n,
			Text:       p,
			State:      model.ChunkTextOnly,
			TokenCount: textutil.EstimateTokens(p),
			Metadata:   model.Metadata{"filename": doc.Filename, "section": n + 1},
		}
	}
	if err := i.chunks.CreateBatch(ctx, rows); err != nil {
		return model.StatusFailed, 0, err
	}

	// 4. 文档摘要
	synopsis := i.enricher.Synopsis(ctx, doc.Filename, text)
	if err := i.docs.Update(ctx, docID, map[string]interface{}{"summary": synopsis}); err != nil {
		return model.StatusFailed, 0, err
	}

	// 5. 并发增强与嵌入
	entries, err := i.embedChunks(ctx, doc, synopsis, rows)
	if err != nil {
		return model.StatusFailed, 0, err
	}
	summaryVec, err := i.embedProvider.EmbedSingle(ctx, synopsis)
	if err != nil {
		return model.StatusFailed, 0, embeddingError(ctx, err)
	}
	if len(summaryVec) != len(entries[0].Vector) {
		return model.StatusFailed, 0, errors.ErrEmbeddingUnavailable.WithMessage("summary embedding has a different dimension")
	}

	// 6. 入索引并标记完成
	if err := i.markCompleted(ctx, doc, entries, summaryVec); err != nil {
		return model.StatusFailed, 0, err
	}
	return model.StatusCompleted, len(rows), nil
}

// source 返回文档文本：新上传时抽取并保存，重新处理时读取已保存的文本。
func (i *Ingestor) source(ctx context.Context, doc *model.Document, data []byte) (string, model.DocumentStatus, error) {
	if data == nil {
		text, err := i.docs.GetSource(ctx, doc.ID)
		if err != nil {
			return "", model.StatusFailed, err
		}
		return text, "", nil
	}

	text, err := i.extractor.Extract(ctx, doc.ContentType, data)
	if err != nil {
		if ctx.Err() != nil {
			return "", model.StatusFailed, errors.ErrTimeout.WithCause(err)
		}
		return "", model.StatusRejected, errors.ErrExtractionFailed.WithCause(err)
	}
	if err := i.docs.SaveSource(ctx, doc.ID, text); err != nil {
		return "", model.StatusFailed, err
	}
	return text, "", nil
}

// embedChunks 在分块池上并发生成上下文与向量。上下文与向量在同一次更新中写入。
func (i *Ingestor) embedChunks(ctx context.Context, doc *model.Document, synopsis string, rows []*model.Chunk) ([]index.Entry, error) {
	modelName := i.embedProvider.Model()
	entries := make([]index.Entry, len(rows))

	g, _ := pool.NewGroup(ctx, i.chunkPool)
	for n, row := range rows {
		g.Go(func(ctx context.Context) error {
			chunkContext := i.enricher.Enrich(ctx, doc.Filename, synopsis, row.Text, row.Ordinal)
			vec, err := i.embedProvider.EmbedSingle(ctx, model.EmbeddingInput(chunkContext, row.Text))
			if err != nil {
				return embeddingError(ctx, err)
			}
			if len(vec) == 0 {
				return errors.ErrEmbeddingUnavailable.WithMessage("embedding service returned an empty vector")
			}
			if err := i.chunks.Embed(ctx, row.ID, chunkContext, vec, modelName); err != nil {
				return err
			}
			entries[n] = index.Entry{
				ID:         row.ID,
				DocumentID: doc.ID,
				OwnerID:    doc.OwnerID,
				Ordinal:    row.Ordinal,
				Kind:       index.KindChunk,
				Model:      modelName,
				Vector:     vec,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(entries[0].Vector)
	for _, e := range entries {
		if len(e.Vector) != dim {
			return nil, errors.ErrEmbeddingUnavailable.WithMessage("embedding dimensions differ between chunks")
		}
	}
	return entries, nil
}

// markCompleted 写入索引后将文档切换为 completed，只有 completed 文档的向量可被检索。
func (i *Ingestor) markCompleted(ctx context.Context, doc *model.Document, entries []index.Entry, summaryVec []float32) error {
	modelName := i.embedProvider.Model()
	all := append(entries, index.Entry{
		ID:         doc.ID,
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Ordinal:    -1,
		Kind:       index.KindSummary,
		Model:      modelName,
		Vector:     summaryVec,
	})
	if err := i.index.Insert(ctx, all); err != nil {
		return errors.ErrServiceUnavailable.WithCause(err)
	}

	now := time.Now().UTC()
	ok, err := i.docs.Transition(ctx, doc.ID, model.StatusProcessing, model.StatusCompleted, map[string]interface{}{
		"chunk_count":       len(entries),
		"embedding_model":   modelName,
		"dimension":         len(summaryVec),
		"summary_embedding": model.Vector(summaryVec),
		"error_message":     nil,
		"processed_at":      &now,
	})
	if err == nil && !ok {
		err = errors.ErrDocumentNotFound.WithMessagef("document %s was removed during ingestion", doc.ID)
	}
	if err != nil {
		if delErr := i.index.DeleteDocument(context.WithoutCancel(ctx), doc.ID); delErr != nil {
			logger.Errorw("failed to remove vectors of an unfinished document",
				"document_id", doc.ID,
				"error", delErr.Error(),
			)
		}
		return err
	}
	return nil
}

// fail 记录摄取失败。文档已被删除时忽略。
func (i *Ingestor) fail(ctx context.Context, docID string, status model.DocumentStatus, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := errorMessage(cause)
	logger.Warnw("document ingestion stopped",
		"document_id", docID,
		"status", status,
		"error", msg,
	)
	err := i.docs.Update(ctx, docID, map[string]interface{}{
		"status":        status,
		"error_message": msg,
	})
	if err != nil && !errors.IsCode(err, errors.ErrDocumentNotFound.Code) {
		logger.Errorw("failed to record ingestion failure",
			"document_id", docID,
			"error", err.Error(),
		)
	}
}

func errorMessage(err error) string {
	var e *errors.Errno
	if stderrors.As(err, &e) {
		if cause := e.Unwrap(); cause != nil {
			return fmt.Sprintf("%s: %s", e.MessageEN, cause.Error())
		}
		return e.MessageEN
	}
	return err.Error()
}

// Reprocess 重新摄取失败的文档，先删除已有分块再重新分块。
func (i *Ingestor) Reprocess(ctx context.Context, ownerID, docID string) (*model.Document, error) {
	doc, err := i.docs.GetOwned(ctx, ownerID, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.StatusFailed {
		return nil, errors.ErrConflict.WithMessagef("only failed documents can be reprocessed, document is %s", doc.Status)
	}
	ok, err := i.docs.Transition(ctx, docID, model.StatusFailed, model.StatusPending, map[string]interface{}{
		"error_message": nil,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrConflict.WithMessage("document is already being reprocessed")
	}
	if err := i.submit(ctx, docID, model.StatusPending, nil); err != nil {
		return nil, err
	}
	doc.Status = model.StatusPending
	doc.ErrorMessage = nil
	return doc, nil
}

// Get 获取用户的文档。
func (i *Ingestor) Get(ctx context.Context, ownerID, docID string) (*model.Document, error) {
	return i.docs.GetOwned(ctx, ownerID, docID)
}

// List 分页列出用户的文档。
func (i *Ingestor) List(ctx context.Context, ownerID string, offset, limit int) (*model.DocumentList, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return i.docs.List(ctx, ownerID, offset, limit)
}

// Delete 删除文档及其分块、题目历史和向量，关联会话降级为不可用。
func (i *Ingestor) Delete(ctx context.Context, ownerID, docID string) (*store.DeleteResult, error) {
	if _, err := i.docs.GetOwned(ctx, ownerID, docID); err != nil {
		return nil, err
	}
	// 先删向量；即使失败，检索回表时也会过滤掉已删除文档
	if err := i.index.DeleteDocument(ctx, docID); err != nil {
		logger.Warnw("failed to delete document vectors",
			"document_id", docID,
			"error", err.Error(),
		)
	}
	res, err := i.docs.Delete(ctx, docID)
	if err != nil {
		return nil, err
	}
	logger.Infow("document deleted",
		"document_id", docID,
		"chunks", res.Chunks,
		"quiz_entries", res.QuizEntries,
		"degraded_sessions", res.Sessions,
	)
	return res, nil
}

// Stats 返回文档与分块统计。ownerID 为空时统计全部用户。
func (i *Ingestor) Stats(ctx context.Context, ownerID string) (*DocumentStats, error) {
	docs, err := i.docs.CountByStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	chunks, err := i.chunks.Count(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &DocumentStats{Documents: docs, Chunks: chunks, Index: i.index.Name()}, nil
}

// interruptedMessage 是进程重启时未完成摄取的文档的错误信息。
const interruptedMessage = "ingestion interrupted by a restart, reprocess the document"

// RecoverInterrupted 将上次进程退出时仍在摄取中的文档标记为失败，可通过 Reprocess 重试。
func (i *Ingestor) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := i.docs.FailInterrupted(ctx, interruptedMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warnw("marked interrupted documents failed", "documents", n)
	}
	return n, nil
}

// Rebuild 从数据库重新装载全部已完成文档的向量，用于进程内索引启动时恢复。
func (i *Ingestor) Rebuild(ctx context.Context) (int, error) {
	docs, err := i.docs.ListCompleted(ctx, "")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, doc := range docs {
		rows, err := i.chunks.ListByDocument(ctx, doc.ID)
		if err != nil {
			return total, err
		}
		entries := make([]index.Entry, 0, len(rows)+1)
		for _, c := range rows {
			if !c.Embedded() || c.EmbeddingModel != doc.EmbeddingModel {
				continue
			}
			entries = append(entries, index.Entry{
				ID:         c.ID,
				DocumentID: doc.ID,
				OwnerID:    doc.OwnerID,
				Ordinal:    c.Ordinal,
				Kind:       index.KindChunk,
				Model:      c.EmbeddingModel,
				Vector:     c.Embedding,
			})
		}
		if len(doc.SummaryEmbedding) > 0 {
			entries = append(entries, index.Entry{
				ID:         doc.ID,
				DocumentID: doc.ID,
				OwnerID:    doc.OwnerID,
				Ordinal:    -1,
				Kind:       index.KindSummary,
				Model:      doc.EmbeddingModel,
				Vector:     doc.SummaryEmbedding,
			})
		}
		if len(entries) == 0 {
			continue
		}
		if err := i.index.Insert(ctx, entries); err != nil {
			return total, errors.ErrServiceUnavailable.WithCause(err)
		}
		total += len(entries)
	}
	logger.Infow("vector index rebuilt", "documents", len(docs), "entries", total, "index", i.index.Name())
	return total, nil
}
