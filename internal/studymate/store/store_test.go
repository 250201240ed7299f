package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/component/database"
	dbopts "github.com/kart-io/studymate/pkg/options/database"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/id"
)

func setupTestStore(t *testing.T) Factory {
	t.Helper()
	opts := dbopts.NewOptions()
	opts.Driver = dbopts.DriverSQLite
	opts.Path = "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"

	client, err := database.New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	f := New(client.DB())
	require.NoError(t, f.AutoMigrate())
	return f
}

func newDocument(owner string, status model.DocumentStatus) *model.Document {
	return &model.Document{
		ID:          id.NewULID(),
		OwnerID:     owner,
		Filename:    "biology.txt",
		ContentType: "text/plain",
		Size:        128,
		Status:      status,
	}
}

func TestDocuments_CreateGetTransition(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	doc := newDocument("alice", model.StatusPending)
	require.NoError(t, f.Documents().Create(ctx, doc))

	got, err := f.Documents().Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	_, err = f.Documents().GetOwned(ctx, "bob", doc.ID)
	assert.True(t, errors.IsCode(err, errors.ErrDocumentNotFound.Code))

	ok, err := f.Documents().Transition(ctx, doc.ID, model.StatusPending, model.StatusValidating, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// 状态不匹配时不迁移
	ok, err = f.Documents().Transition(ctx, doc.ID, model.StatusPending, model.StatusProcessing, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC()
	ok, err = f.Documents().Transition(ctx, doc.ID, model.StatusValidating, model.StatusCompleted, map[string]interface{}{
		"chunk_count":  3,
		"processed_at": now,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = f.Documents().Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	require.NotNil(t, got.ProcessedAt)

	_, err = f.Documents().Get(ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.ErrDocumentNotFound.Code))
}

func TestDocuments_ListAndCount(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	for _, st := range []model.DocumentStatus{model.StatusCompleted, model.StatusCompleted, model.StatusFailed} {
		require.NoError(t, f.Documents().Create(ctx, newDocument("alice", st)))
	}
	require.NoError(t, f.Documents().Create(ctx, newDocument("bob", model.StatusCompleted)))

	list, err := f.Documents().List(ctx, "alice", 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, list.TotalCount)
	assert.Len(t, list.Items, 2)

	completed, err := f.Documents().ListCompleted(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	counts, err := f.Documents().CountByStatus(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[model.StatusCompleted])
	assert.EqualValues(t, 1, counts[model.StatusFailed])

	all, err := f.Documents().CountByStatus(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, all[model.StatusCompleted])
}

func TestDocuments_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	doc := newDocument("alice", model.StatusCompleted)
	require.NoError(t, f.Documents().Create(ctx, doc))

	var items []*model.Chunk
	for i := 0; i < 10; i++ {
		items = append(items, &model.Chunk{
			ID: id.NewULID(), DocumentID: doc.ID, Ordinal: i,
			Text: fmt.Sprintf("chunk %d", i), State: model.ChunkTextOnly,
		})
	}
	require.NoError(t, f.Chunks().CreateBatch(ctx, items))

	var entries []*model.QuizHistoryEntry
	for i := 0; i < 3; i++ {
		entries = append(entries, &model.QuizHistoryEntry{
			Question: fmt.Sprintf("Question %d?", i), Normalized: fmt.Sprintf("question %d?", i),
		})
	}
	accepted, err := f.Quizzes().RecordNovel(ctx, doc.ID, entries, 3)
	require.NoError(t, err)
	require.Len(t, accepted, 3)

	docID := doc.ID
	session := &model.ChatSession{ID: id.NewULID(), OwnerID: "alice", DocumentID: &docID, State: model.SessionActive}
	require.NoError(t, f.Sessions().Create(ctx, session))

	res, err := f.Documents().Delete(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.Chunks)
	assert.EqualValues(t, 3, res.QuizEntries)
	assert.EqualValues(t, 1, res.Sessions)

	left, err := f.Chunks().ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
	n, err := f.Quizzes().Count(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 会话保留但降级
	got, err := f.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.Unavailable)

	_, err = f.Documents().Delete(ctx, doc.ID)
	assert.True(t, errors.IsCode(err, errors.ErrDocumentNotFound.Code))
}

func TestDocuments_Source(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	doc := newDocument("alice", model.StatusValidating)
	require.NoError(t, f.Documents().Create(ctx, doc))

	_, err := f.Documents().GetSource(ctx, doc.ID)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound.Code))

	require.NoError(t, f.Documents().SaveSource(ctx, doc.ID, "first"))
	require.NoError(t, f.Documents().SaveSource(ctx, doc.ID, "second"))
	text, err := f.Documents().GetSource(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", text)

	_, err = f.Documents().Delete(ctx, doc.ID)
	require.NoError(t, err)
	_, err = f.Documents().GetSource(ctx, doc.ID)
	assert.Error(t, err)
}

func TestChunks_EmbedAndQuery(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	doc := newDocument("alice", model.StatusProcessing)
	require.NoError(t, f.Documents().Create(ctx, doc))

	var items []*model.Chunk
	for i := 0; i < 4; i++ {
		items = append(items, &model.Chunk{
			ID: id.NewULID(), DocumentID: doc.ID, Ordinal: i,
			Text: fmt.Sprintf("chunk %d", i), State: model.ChunkTextOnly,
			Metadata: model.Metadata{"page": i + 1},
		})
	}
	require.NoError(t, f.Chunks().CreateBatch(ctx, items))

	require.NoError(t, f.Chunks().Embed(ctx, items[1].ID, "about cells", []float32{0.1, 0.2}, "mock-embed"))
	assert.Error(t, f.Chunks().Embed(ctx, "missing", "x", []float32{1}, "mock-embed"))

	states, err := f.Chunks().CountByState(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, states[model.ChunkEmbedded])
	assert.EqualValues(t, 3, states[model.ChunkTextOnly])

	got, err := f.Chunks().ListByOrdinals(ctx, doc.ID, []int{2, 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Ordinal)
	assert.True(t, got[0].Embedded())
	assert.Equal(t, "about cells", got[0].ContextText())
	assert.Equal(t, model.Vector{0.1, 0.2}, got[0].Embedding)
	assert.Equal(t, 2, got[0].Dimension)
	assert.EqualValues(t, 2, got[1].Metadata["page"])

	// 同一文档内序号唯一
	dup := &model.Chunk{ID: id.NewULID(), DocumentID: doc.ID, Ordinal: 0, Text: "dup", State: model.ChunkTextOnly}
	assert.Error(t, f.Chunks().CreateBatch(ctx, []*model.Chunk{dup}))

	n, err := f.Chunks().Count(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	removed, err := f.Chunks().DeleteByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, removed)
}

func TestMessages_AppendOrdersAndRefreshesSession(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	session := &model.ChatSession{ID: id.NewULID(), OwnerID: "alice", State: model.SessionActive}
	require.NoError(t, f.Sessions().Create(ctx, session))

	before, err := f.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.Messages().Append(ctx, session.ID, &model.ChatMessage{
				Role: model.RoleUser, Content: fmt.Sprintf("message %d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := f.Messages().List(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 8)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.Seq)
	}

	after, err := f.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, after.MessageCount)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))

	tail, err := f.Messages().ListAfter(ctx, session.ID, 6)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	_, err = f.Messages().Append(ctx, "missing", &model.ChatMessage{Role: model.RoleUser, Content: "x"})
	assert.True(t, errors.IsCode(err, errors.ErrSessionNotFound.Code))
}

func TestSessions_SummaryAndState(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	session := &model.ChatSession{ID: id.NewULID(), OwnerID: "alice", State: model.SessionActive}
	require.NoError(t, f.Sessions().Create(ctx, session))
	for i := 0; i < 4; i++ {
		_, err := f.Messages().Append(ctx, session.ID, &model.ChatMessage{Role: model.RoleUser, Content: "hi"})
		require.NoError(t, err)
	}

	ok, err := f.Sessions().CompareAndSetState(ctx, session.ID, model.SessionActive, model.SessionSummarizing)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.Sessions().CompareAndSetState(ctx, session.ID, model.SessionActive, model.SessionSummarizing)
	require.NoError(t, err)
	assert.False(t, ok, "已在压缩中")

	require.NoError(t, f.Sessions().SaveSummary(ctx, session.ID, "greetings", 2))

	got, err := f.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "greetings", got.SummaryText())
	assert.Equal(t, 2, got.SummarizedUntil)
	assert.Equal(t, model.SessionActive, got.State)

	msgs, err := f.Messages().List(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, msgs[0].Summarized)
	assert.True(t, msgs[1].Summarized)
	assert.False(t, msgs[2].Summarized)

	// 较旧的压缩点被忽略
	require.NoError(t, f.Sessions().SaveSummary(ctx, session.ID, "stale", 1))
	got, err = f.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "greetings", got.SummaryText())

	require.NoError(t, f.Sessions().Delete(ctx, session.ID))
	_, err = f.Sessions().Get(ctx, session.ID)
	assert.True(t, errors.IsCode(err, errors.ErrSessionNotFound.Code))
	msgs, err = f.Messages().List(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRecovery_InterruptedWork(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	var ids []string
	for _, st := range []model.DocumentStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusRejected} {
		doc := newDocument("alice", st)
		require.NoError(t, f.Documents().Create(ctx, doc))
		ids = append(ids, doc.ID)
	}

	n, err := f.Documents().FailInterrupted(ctx, "interrupted by restart")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := f.Documents().Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "interrupted by restart", *got.ErrorMessage)

	got, err = f.Documents().Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	stuck := &model.ChatSession{ID: id.NewULID(), OwnerID: "alice", State: model.SessionSummarizing}
	idle := &model.ChatSession{ID: id.NewULID(), OwnerID: "alice", State: model.SessionActive}
	require.NoError(t, f.Sessions().Create(ctx, stuck))
	require.NoError(t, f.Sessions().Create(ctx, idle))

	n, err = f.Sessions().ResetSummarizing(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	s, err := f.Sessions().Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, s.State)
}

func TestSessions_ListRecent(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s := &model.ChatSession{ID: id.NewULID(), OwnerID: "alice", State: model.SessionActive}
		require.NoError(t, f.Sessions().Create(ctx, s))
		ids = append(ids, s.ID)
	}
	time.Sleep(5 * time.Millisecond)
	_, err := f.Messages().Append(ctx, ids[0], &model.ChatMessage{Role: model.RoleUser, Content: "bump"})
	require.NoError(t, err)

	recent, err := f.Sessions().ListRecent(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[0], recent[0].ID)
}

func TestQuizzes_RecordNovel(t *testing.T) {
	ctx := context.Background()
	f := setupTestStore(t)

	doc := newDocument("alice", model.StatusCompleted)
	require.NoError(t, f.Documents().Create(ctx, doc))

	entry := func(q string) *model.QuizHistoryEntry {
		return &model.QuizHistoryEntry{Question: q, Normalized: strings.ToLower(q)}
	}

	accepted, err := f.Quizzes().RecordNovel(ctx, doc.ID, []*model.QuizHistoryEntry{entry("What is ATP?")}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, accepted)

	// 第二次提交相同题目不再视为新题
	accepted, err = f.Quizzes().RecordNovel(ctx, doc.ID, []*model.QuizHistoryEntry{entry("what is atp?"), entry("Define osmosis."), entry("Name a cell organelle.")}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, accepted)

	n, err := f.Quizzes().Count(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// 撤回后同一题目可以重新记录
	removed, err := f.Quizzes().Delete(ctx, doc.ID, []string{"define osmosis.", "never recorded"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
	accepted, err = f.Quizzes().RecordNovel(ctx, doc.ID, []*model.QuizHistoryEntry{entry("Define osmosis.")}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, accepted)

	pending := newDocument("alice", model.StatusProcessing)
	require.NoError(t, f.Documents().Create(ctx, pending))
	_, err = f.Quizzes().RecordNovel(ctx, pending.ID, []*model.QuizHistoryEntry{entry("Q?")}, 1)
	assert.True(t, errors.IsCode(err, errors.ErrDocumentNotReady.Code))

	_, err = f.Quizzes().RecordNovel(ctx, "deleted", []*model.QuizHistoryEntry{entry("Q?")}, 1)
	assert.True(t, errors.IsCode(err, errors.ErrDocumentNotReady.Code))
}
