package biz

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/require"

	"github.com/kart-io/studymate/internal/pkg/extract"
	"github.com/kart-io/studymate/internal/studymate/index"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/internal/studymate/store"
	"github.com/kart-io/studymate/pkg/component/database"
	"github.com/kart-io/studymate/pkg/infra/pool"
	"github.com/kart-io/studymate/pkg/llm"
	dbopts "github.com/kart-io/studymate/pkg/options/database"
	smopts "github.com/kart-io/studymate/pkg/options/studymate"
	"github.com/kart-io/studymate/pkg/utils/id"
)

const testDim = 64

// mockEmbedder 按词哈希生成确定性的词袋向量，相同词汇的文本向量完全相同。
type mockEmbedder struct {
	model string

	mu   sync.Mutex
	fail func(text string) bool
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{model: "mock-embed-v1"}
}

func (m *mockEmbedder) setFail(fn func(text string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.EmbedSingle(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *mockEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	fail := m.fail
	m.mu.Unlock()
	if fail != nil && fail(text) {
		return nil, errors.New("embedding backend unavailable")
	}
	return hashVector(text), nil
}

func (m *mockEmbedder) Model() string { return m.model }
func (m *mockEmbedder) Name() string  { return "mock" }

func hashVector(text string) []float32 {
	v := make([]float32, testDim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%testDim]++
	}
	if len(words) == 0 {
		v[0] = 1
	}
	return v
}

// mockChat 按系统提示词分派的 ChatProvider。
type mockChat struct {
	mu        sync.Mutex
	generate  func(prompt, system string) (string, error)
	chat      func(messages []llm.Message) (string, error)
	chatCalls int
	genCalls  map[string]int
	lastChat  []llm.Message
}

func newMockChat() *mockChat {
	return &mockChat{genCalls: make(map[string]int)}
}

func (m *mockChat) Chat(ctx context.Context, messages []llm.Message, _ ...llm.CallOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.chatCalls++
	m.lastChat = messages
	fn := m.chat
	m.mu.Unlock()
	if fn == nil {
		return "An answer.", nil
	}
	return fn(messages)
}

func (m *mockChat) Generate(ctx context.Context, prompt, system string, _ ...llm.CallOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.genCalls[system]++
	fn := m.generate
	m.mu.Unlock()
	if fn == nil {
		switch system {
		case synopsisSystemPrompt:
			return "A synopsis of the document.", nil
		case enrichSystemPrompt:
			return "This excerpt belongs to the study notes.", nil
		}
		return "", errors.New("unexpected prompt")
	}
	return fn(prompt, system)
}

func (m *mockChat) Name() string { return "mock" }

func (m *mockChat) calls(system string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.genCalls[system]
}

func (m *mockChat) lastMessages() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChat
}

// mockStreamChat 将回复按固定长度切成增量。
type mockStreamChat struct {
	*mockChat
	size int
}

func (m *mockStreamChat) ChatStream(ctx context.Context, messages []llm.Message, onDelta func(string) error, opts ...llm.CallOption) (string, error) {
	full, err := m.Chat(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	for i := 0; i < len(full); i += m.size {
		end := i + m.size
		if end > len(full) {
			end = len(full)
		}
		if err := onDelta(full[i:end]); err != nil {
			return "", err
		}
	}
	return full, nil
}

func newTestStore(t *testing.T) store.Factory {
	t.Helper()
	opts := dbopts.NewOptions()
	opts.Driver = dbopts.DriverSQLite
	opts.Path = "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"

	client, err := database.New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	f := store.New(client.DB())
	require.NoError(t, f.AutoMigrate())
	return f
}

func newTestPool(t *testing.T, typ pool.Type, config *pool.Config) *pool.Pool {
	t.Helper()
	p, err := pool.NewPool(string(typ), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release(5 * time.Second) })
	return p
}

// engine 组装测试用的完整引擎。
type engine struct {
	store        store.Factory
	index        *index.Memory
	embed        *mockEmbedder
	chat         *mockChat
	opts         *smopts.Options
	ingestor     *Ingestor
	retriever    *Retriever
	memory       *Memory
	tracker      *QuizTracker
	orchestrator *Orchestrator
}

func newEngine(t *testing.T, configure ...func(*smopts.Options)) *engine {
	t.Helper()
	opts := smopts.NewOptions()
	opts.Chunk.Size = 60
	opts.Chunk.MinTokens = 5
	opts.Retrieval.CoarseDocs = 0
	opts.Generation.RequestTimeout = 10 * time.Second
	for _, fn := range configure {
		fn(opts)
	}

	e := &engine{
		store: newTestStore(t),
		index: index.NewMemory(opts.Retrieval.Partitions),
		embed: newMockEmbedder(),
		chat:  newMockChat(),
		opts:  opts,
	}
	e.build(t, e.chat)
	return e
}

// build 用指定的 ChatProvider 重新组装各组件。
func (e *engine) build(t *testing.T, chat llm.ChatProvider) {
	t.Helper()
	opts := e.opts
	ingestPool := newTestPool(t, pool.IngestPool, pool.IngestPoolConfig(opts.Ingest.Documents))
	chunkPool := newTestPool(t, pool.ChunkPool, pool.ChunkPoolConfig(opts.Ingest.Workers))
	bgPool := newTestPool(t, pool.BackgroundPool, pool.BackgroundPoolConfig())

	e.retriever = NewRetriever(e.store.Documents(), e.store.Chunks(), e.index, e.embed, &RetrieverConfig{
		TopK:       opts.Retrieval.TopK,
		MaxK:       opts.Retrieval.MaxK,
		CoarseDocs: opts.Retrieval.CoarseDocs,
	})
	e.memory = NewMemory(e.store.Sessions(), e.store.Messages(), chat, bgPool, &MemoryConfig{
		SummarizeThreshold: opts.Memory.SummarizeThreshold,
		KeepRecent:         opts.Memory.KeepRecent,
		ContextBudget:      opts.Memory.ContextBudget,
		Mode:               opts.Memory.Mode,
	})
	e.tracker = NewQuizTracker(e.store.Quizzes(), e.embed, opts.Quiz.NearDuplicateThreshold)
	enricher := NewEnricher(chat, &EnricherConfig{
		Enabled:             opts.Enrich.Enabled,
		MaxContextSentences: opts.Enrich.MaxContextSentences,
		SynopsisMaxChars:    opts.Enrich.SynopsisMaxChars,
	})
	chunker := NewChunker(&ChunkerConfig{
		ChunkSize:    opts.Chunk.Size,
		OverlapRatio: opts.Chunk.OverlapRatio,
		MinTokens:    opts.Chunk.MinTokens,
	})
	e.ingestor = NewIngestor(e.store.Documents(), e.store.Chunks(), e.index, extract.New(), chunker, enricher,
		e.embed, ingestPool, chunkPool, &IngestConfig{
			MaxFileSize:  opts.Ingest.MaxFileSize,
			AllowedTypes: opts.Ingest.AllowedTypes,
		})
	e.orchestrator = NewOrchestrator(e.store.Documents(), e.store.Chunks(), e.retriever, e.memory, e.tracker, chat,
		&OrchestratorConfig{
			AnswerMaxTokens:  opts.Generation.AnswerMaxTokens,
			RequestTimeout:   opts.Generation.RequestTimeout,
			ExpandContext:    opts.Generation.ExpandContext,
			QuizMaxRounds:    opts.Quiz.MaxRounds,
			QuizSampleChunks: opts.Quiz.SampleChunks,
			QuizMaxCount:     opts.Quiz.MaxCount,
		})
}

// seedDocument 直接写入一个已完成的文档，每段文本一个分块，并写入索引。
func (e *engine) seedDocument(t *testing.T, owner, filename string, texts ...string) *model.Document {
	t.Helper()
	ctx := context.Background()
	doc := &model.Document{
		ID:          id.NewULID(),
		OwnerID:     owner,
		Filename:    filename,
		ContentType: "text/plain",
		Status:      model.StatusProcessing,
	}
	require.NoError(t, e.store.Documents().Create(ctx, doc))

	rows := make([]*model.Chunk, len(texts))
	for i, text := range texts {
		rows[i] = &model.Chunk{ID: id.NewULID(), DocumentID: doc.ID, Ordinal: i, Text: text, State: model.ChunkTextOnly}
	}
	require.NoError(t, e.store.Chunks().CreateBatch(ctx, rows))

	entries := make([]index.Entry, 0, len(rows)+1)
	var all strings.Builder
	for _, c := range rows {
		vec := hashVector(c.Text)
		require.NoError(t, e.store.Chunks().Embed(ctx, c.ID, "", vec, e.embed.Model()))
		entries = append(entries, index.Entry{
			ID: c.ID, DocumentID: doc.ID, OwnerID: owner, Ordinal: c.Ordinal,
			Kind: index.KindChunk, Model: e.embed.Model(), Vector: vec,
		})
		all.WriteString(c.Text + " ")
	}
	entries = append(entries, index.Entry{
		ID: doc.ID, DocumentID: doc.ID, OwnerID: owner, Ordinal: -1,
		Kind: index.KindSummary, Model: e.embed.Model(), Vector: hashVector(all.String()),
	})
	require.NoError(t, e.index.Insert(ctx, entries))

	ok, err := e.store.Documents().Transition(ctx, doc.ID, model.StatusProcessing, model.StatusCompleted, map[string]interface{}{
		"chunk_count":     len(rows),
		"embedding_model": e.embed.Model(),
		"dimension":       testDim,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := e.store.Documents().Get(ctx, doc.ID)
	require.NoError(t, err)
	return got
}

// waitTerminal 等待文档摄取结束。
func (e *engine) waitTerminal(t *testing.T, docID string) *model.Document {
	t.Helper()
	var doc *model.Document
	require.Eventually(t, func() bool {
		d, err := e.store.Documents().Get(context.Background(), docID)
		if err != nil {
			return false
		}
		doc = d
		return d.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return e.ingestor.Inflight() == 0 }, 10*time.Second, 10*time.Millisecond)
	return doc
}

func sentences(n int, format string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(format, i)
	}
	return strings.Join(parts, " ")
}
