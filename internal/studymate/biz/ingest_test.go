package biz

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/studymate/internal/studymate/model"
	smopts "github.com/kart-io/studymate/pkg/options/studymate"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/id"
)

var tissueNotes = sentences(30, "Cells in tissue %d perform work.")

func upload(t *testing.T, e *engine, owner, filename, text string) *model.Document {
	t.Helper()
	doc, err := e.ingestor.Upload(context.Background(), UploadRequest{
		OwnerID:  owner,
		Filename: filename,
		Data:     []byte(text),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, doc.Status)
	return e.waitTerminal(t, doc.ID)
}

func TestIngestor_EndToEnd(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	doc := upload(t, e, "alice", "tissue.md", tissueNotes)
	require.Equal(t, model.StatusCompleted, doc.Status, "error: %v", doc.ErrorMessage)
	assert.Nil(t, doc.ErrorMessage)
	assert.Equal(t, "text/markdown", doc.ContentType)
	assert.Greater(t, doc.ChunkCount, 1)
	assert.Positive(t, doc.TokenCount)
	assert.Equal(t, e.embed.Model(), doc.EmbeddingModel)
	assert.Equal(t, testDim, doc.Dimension)
	assert.NotNil(t, doc.ProcessedAt)
	assert.Equal(t, "A synopsis of the document.", *doc.Summary)
	assert.Len(t, doc.SummaryEmbedding, testDim)

	chunks, err := e.store.Chunks().ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, doc.ChunkCount)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.True(t, c.Embedded())
		assert.Equal(t, "This excerpt belongs to the study notes.", c.ContextText())
		assert.Equal(t, "tissue.md", c.Metadata["filename"])
		assert.Contains(t, c.Text, "Cells in tissue")
	}
	assert.Equal(t, doc.ChunkCount+1, e.index.Len())

	results, err := e.retriever.Search(ctx, SearchRequest{Query: "tissue 17", OwnerID: "alice", K: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	stats, err := e.ingestor.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Documents[model.StatusCompleted])
	assert.EqualValues(t, doc.ChunkCount, stats.Chunks)
	assert.Equal(t, e.index.Name(), stats.Index)
}

func TestIngestor_EnrichmentFallback(t *testing.T) {
	e := newEngine(t)
	e.chat.generate = func(prompt, system string) (string, error) {
		if system == enrichSystemPrompt {
			return "", fmt.Errorf("rate limited")
		}
		return "Synopsis.", nil
	}

	doc := upload(t, e, "alice", "tissue.txt", tissueNotes)
	require.Equal(t, model.StatusCompleted, doc.Status)

	chunks, err := e.store.Chunks().ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, FallbackContext("tissue.txt", c.Ordinal), c.ContextText())
		assert.True(t, c.Embedded())
	}
}

func TestIngestor_EmbeddingFailureAndReprocess(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.embed.setFail(func(text string) bool { return strings.Contains(text, "tissue 7 ") })

	doc := upload(t, e, "alice", "tissue.md", tissueNotes)
	require.Equal(t, model.StatusFailed, doc.Status)
	require.NotNil(t, doc.ErrorMessage)
	assert.Contains(t, *doc.ErrorMessage, "Embedding service unavailable")
	assert.Zero(t, e.index.Len())

	// 失败的文档不可检索
	_, err := e.retriever.Search(ctx, SearchRequest{Query: "tissue", OwnerID: "alice", DocumentID: doc.ID})
	assert.ErrorIs(t, err, errors.ErrDocumentNotReady)

	e.embed.setFail(nil)
	again, err := e.ingestor.Reprocess(ctx, "alice", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, again.Status)

	done := e.waitTerminal(t, doc.ID)
	require.Equal(t, model.StatusCompleted, done.Status)
	assert.Nil(t, done.ErrorMessage)

	chunks, err := e.store.Chunks().ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, done.ChunkCount)
	assert.Equal(t, done.ChunkCount+1, e.index.Len())

	_, err = e.ingestor.Reprocess(ctx, "alice", doc.ID)
	assert.ErrorIs(t, err, errors.ErrConflict)
}

func TestIngestor_Rejected(t *testing.T) {
	e := newEngine(t, func(o *smopts.Options) { o.Chunk.MinTokens = 20 })

	tests := []struct {
		name     string
		filename string
		data     string
		message  string
	}{
		{name: "too short", filename: "tiny.txt", data: "Tiny note.", message: "too short"},
		{name: "unreadable pdf", filename: "broken.pdf", data: "this is not a pdf", message: "could not be read"},
		{name: "no text", filename: "blank.md", data: "   \n\n  ", message: "no readable text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := upload(t, e, "alice", tt.filename, tt.data)
			assert.Equal(t, model.StatusRejected, doc.Status)
			require.NotNil(t, doc.ErrorMessage)
			assert.Contains(t, strings.ToLower(*doc.ErrorMessage), tt.message)
		})
	}
}

func TestIngestor_UploadValidation(t *testing.T) {
	e := newEngine(t, func(o *smopts.Options) { o.Ingest.MaxFileSize = 64 })
	ctx := context.Background()

	tests := []struct {
		name string
		req  UploadRequest
		want *errors.Errno
	}{
		{name: "no filename", req: UploadRequest{OwnerID: "alice", Data: []byte("x")}, want: errors.ErrInvalidRequest},
		{name: "empty file", req: UploadRequest{OwnerID: "alice", Filename: "a.txt"}, want: errors.ErrInvalidRequest},
		{name: "too large", req: UploadRequest{OwnerID: "alice", Filename: "a.txt", Data: []byte(strings.Repeat("x", 65))}, want: errors.ErrRequestTooLarge},
		{
			name: "unsupported",
			req:  UploadRequest{OwnerID: "alice", Filename: "photo.png", ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")},
			want: errors.ErrUnsupportedMediaType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ingestor.Upload(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	list, err := e.ingestor.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, list.TotalCount)
}

func TestIngestor_DetectsSniffedType(t *testing.T) {
	e := newEngine(t)

	doc := upload(t, e, "alice", "notes", tissueNotes)
	assert.Equal(t, "text/plain", doc.ContentType)
	assert.Equal(t, model.StatusCompleted, doc.Status)
}

func TestIngestor_Delete(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := upload(t, e, "alice", "tissue.md", tissueNotes)
	require.Equal(t, model.StatusCompleted, doc.Status)

	_, err := e.ingestor.Delete(ctx, "bob", doc.ID)
	assert.ErrorIs(t, err, errors.ErrDocumentNotFound)

	res, err := e.ingestor.Delete(ctx, "alice", doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, doc.ChunkCount, res.Chunks)
	assert.Zero(t, e.index.Len())

	_, err = e.ingestor.Get(ctx, "alice", doc.ID)
	assert.ErrorIs(t, err, errors.ErrDocumentNotFound)
	_, err = e.store.Documents().GetSource(ctx, doc.ID)
	assert.Error(t, err)

	results, err := e.retriever.Search(ctx, SearchRequest{Query: "tissue", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIngestor_Rebuild(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := upload(t, e, "alice", "tissue.md", tissueNotes)
	require.Equal(t, model.StatusCompleted, doc.Status)
	failed := upload(t, e, "alice", "tiny.txt", "Tiny.")
	require.Equal(t, model.StatusRejected, failed.Status)

	// 模拟进程重启后的空索引
	require.NoError(t, e.index.DeleteDocument(ctx, doc.ID))
	require.Zero(t, e.index.Len())

	n, err := e.ingestor.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount+1, n)
	assert.Equal(t, doc.ChunkCount+1, e.index.Len())

	results, err := e.retriever.Search(ctx, SearchRequest{Query: "tissue 3", OwnerID: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestIngestor_List(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	upload(t, e, "alice", "a.md", tissueNotes)
	upload(t, e, "alice", "b.md", tissueNotes)
	upload(t, e, "bob", "c.md", tissueNotes)

	page, err := e.ingestor.List(ctx, "alice", 0, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.TotalCount)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b.md", page.Items[0].Filename)

	all, err := e.ingestor.Stats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, all.Documents[model.StatusCompleted])
}

func TestIngestor_RecoverInterrupted(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	// 模拟进程在摄取途中退出
	stuck := &model.Document{
		ID:          id.NewULID(),
		OwnerID:     "alice",
		Filename:    "tissue.md",
		ContentType: "text/markdown",
		Status:      model.StatusProcessing,
	}
	require.NoError(t, e.store.Documents().Create(ctx, stuck))
	require.NoError(t, e.store.Documents().SaveSource(ctx, stuck.ID, tissueNotes))
	done := e.seedDocument(t, "alice", "done.txt", "Membranes hold cells together.")

	n, err := e.ingestor.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := e.ingestor.Get(ctx, "alice", stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "interrupted")

	got, err = e.ingestor.Get(ctx, "alice", done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	// 中断的文档可通过 Reprocess 重新摄取
	_, err = e.ingestor.Reprocess(ctx, "alice", stuck.ID)
	require.NoError(t, err)
	got = e.waitTerminal(t, stuck.ID)
	assert.Equal(t, model.StatusCompleted, got.Status, "error: %v", got.ErrorMessage)

	session, err := e.memory.CreateSession(ctx, "alice", "", "stuck")
	require.NoError(t, err)
	ok, err := e.store.Sessions().CompareAndSetState(ctx, session.ID, model.SessionActive, model.SessionSummarizing)
	require.NoError(t, err)
	require.True(t, ok)

	n, err = e.memory.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	s, err := e.memory.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, s.State)
}
