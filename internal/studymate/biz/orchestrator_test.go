package biz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/llm"
	smopts "github.com/kart-io/studymate/pkg/options/studymate"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/json"
)

const atpReply = "Mitochondria make ATP [1].\nSUGGESTIONS: [\"What is ATP?\", \"Where does respiration happen?\"]"

func TestOrchestrator_Ask(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	e.chat.chat = func([]llm.Message) (string, error) { return atpReply, nil }

	result, err := e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "What produces ATP?"})
	require.NoError(t, err)
	assert.Equal(t, "Mitochondria make ATP [1].", result.Answer)
	assert.Equal(t, []string{"What is ATP?", "Where does respiration happen?"}, result.Suggestions)
	require.NotEmpty(t, result.Sources)
	assert.Equal(t, doc.ID, result.Sources[0].DocumentID)
	assert.Equal(t, "biology.md", result.Sources[0].Filename)
	require.NotEmpty(t, result.SessionID)

	msgs := e.chat.lastMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "[1] biology.md, section")
	assert.Contains(t, msgs[0].Content, "Mitochondria produce ATP")
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "What produces ATP?"}, msgs[1])

	session, err := e.memory.GetSession(ctx, "alice", result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session.DocumentID)
	assert.Equal(t, doc.ID, *session.DocumentID)

	// 继续同一会话时携带历史
	_, err = e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", SessionID: result.SessionID, Message: "And in plants?"})
	require.NoError(t, err)
	msgs = e.chat.lastMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "What produces ATP?", msgs[1].Content)
	assert.Equal(t, "Mitochondria make ATP [1].", msgs[2].Content)
	assert.Equal(t, "And in plants?", msgs[3].Content)

	history, err := e.memory.History(ctx, "alice", result.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, model.RoleUser, history[2].Role)
	assert.Equal(t, model.RoleAssistant, history[3].Role)
}

func TestOrchestrator_AskNeighbours(t *testing.T) {
	e := newEngine(t, func(o *smopts.Options) { o.Retrieval.TopK = 1 })
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)

	_, err := e.orchestrator.Ask(context.Background(), AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "mitochondria ATP respiration"})
	require.NoError(t, err)

	system := e.chat.lastMessages()[0].Content
	// 命中第 2 个分块，相邻的第 1、3 个分块一并带入
	assert.Contains(t, system, biologyChunks[0])
	assert.Contains(t, system, biologyChunks[1])
	assert.Contains(t, system, biologyChunks[2])
	assert.NotContains(t, system, biologyChunks[3])
}

func TestOrchestrator_AskFailureLeavesNoTrace(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)

	e.chat.chat = func([]llm.Message) (string, error) { return "", fmt.Errorf("upstream 503") }
	_, err := e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "What produces ATP?"})
	assert.ErrorIs(t, err, errors.ErrGenerationUnavailable)

	sessions, err := e.memory.ListRecent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// 已有会话在失败后保持不变
	e.chat.chat = nil
	result, err := e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "What produces ATP?"})
	require.NoError(t, err)
	e.chat.chat = func([]llm.Message) (string, error) { return "   ", nil }
	_, err = e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", SessionID: result.SessionID, Message: "Again?"})
	assert.ErrorIs(t, err, errors.ErrGenerationUnavailable)

	history, err := e.memory.History(ctx, "alice", result.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestOrchestrator_AskErrors(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	other := e.seedDocument(t, "alice", "history.md", "The French revolution began in 1789.")
	result, err := e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "What produces ATP?"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  AskRequest
		want *errors.Errno
	}{
		{name: "empty message", req: AskRequest{OwnerID: "alice", Message: "  "}, want: errors.ErrInvalidRequest},
		{name: "message too long", req: AskRequest{OwnerID: "alice", Message: strings.Repeat("a", maxMessageRunes+1)}, want: errors.ErrInvalidRequest},
		{name: "unknown session", req: AskRequest{OwnerID: "alice", SessionID: "01UNKNOWNSESSION00000000", Message: "hi"}, want: errors.ErrSessionNotFound},
		{name: "foreign session", req: AskRequest{OwnerID: "bob", SessionID: result.SessionID, Message: "hi"}, want: errors.ErrSessionNotFound},
		{name: "unknown document", req: AskRequest{OwnerID: "alice", DocumentID: "01UNKNOWNDOCUMENT0000000", Message: "hi"}, want: errors.ErrDocumentNotFound},
		{name: "document mismatch", req: AskRequest{OwnerID: "alice", SessionID: result.SessionID, DocumentID: other.ID, Message: "hi"}, want: errors.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.orchestrator.Ask(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOrchestrator_AskDeletedDocument(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	result, err := e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "What produces ATP?"})
	require.NoError(t, err)

	res, err := e.ingestor.Delete(ctx, "alice", doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Sessions)

	_, err = e.orchestrator.Ask(ctx, AskRequest{OwnerID: "alice", SessionID: result.SessionID, Message: "More?"})
	assert.ErrorIs(t, err, errors.ErrDocumentNotReady)

	// 历史仍可读取
	history, err := e.memory.History(ctx, "alice", result.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestOrchestrator_AskStream(t *testing.T) {
	e := newEngine(t)
	e.build(t, &mockStreamChat{mockChat: e.chat, size: 4})
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	e.chat.chat = func([]llm.Message) (string, error) { return atpReply, nil }

	var streamed strings.Builder
	result, err := e.orchestrator.AskStream(ctx, AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "What produces ATP?"},
		func(delta string) error {
			streamed.WriteString(delta)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "Mitochondria make ATP [1].", streamed.String())
	assert.Equal(t, streamed.String(), result.Answer)
	assert.Len(t, result.Suggestions, 2)

	history, err := e.memory.History(ctx, "alice", result.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestOrchestrator_AskStreamClientGone(t *testing.T) {
	e := newEngine(t)
	e.build(t, &mockStreamChat{mockChat: e.chat, size: 4})
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	e.chat.chat = func([]llm.Message) (string, error) { return atpReply, nil }

	gone := fmt.Errorf("client disconnected")
	var calls atomic.Int32
	_, err := e.orchestrator.AskStream(ctx, AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "What produces ATP?"},
		func(string) error {
			if calls.Add(1) == 2 {
				return gone
			}
			return nil
		})
	assert.ErrorIs(t, err, gone)

	sessions, err := e.memory.ListRecent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestOrchestrator_AskStreamWithoutStreamingProvider(t *testing.T) {
	e := newEngine(t)
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	e.chat.chat = func([]llm.Message) (string, error) { return atpReply, nil }

	var deltas []string
	result, err := e.orchestrator.AskStream(context.Background(), AskRequest{OwnerID: "alice", DocumentID: doc.ID, Message: "ATP?"},
		func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mitochondria make ATP [1]."}, deltas)
	assert.Equal(t, "Mitochondria make ATP [1].", result.Answer)
}

func TestSuggestionFilter(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		want   string
	}{
		{name: "marker split across deltas", deltas: []string{"Answer text\nSUGG", "ESTIONS: [\"x\"]"}, want: "Answer text"},
		{name: "false prefix", deltas: []string{"Use S", "I units."}, want: "Use SI units."},
		{name: "trailing prefix", deltas: []string{"Ends with SUG"}, want: "Ends with SUG"},
		{name: "no marker", deltas: []string{"a", "b", "c"}, want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			f := &suggestionFilter{emit: func(s string) error {
				out.WriteString(s)
				return nil
			}}
			for _, d := range tt.deltas {
				require.NoError(t, f.write(d))
			}
			require.NoError(t, f.flush())
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name        string
		full        string
		answer      string
		suggestions []string
	}{
		{name: "no marker", full: " Just an answer. ", answer: "Just an answer.", suggestions: []string{}},
		{name: "malformed", full: "Answer.\nSUGGESTIONS: not json", answer: "Answer.", suggestions: []string{}},
		{name: "capped", full: "Answer.\nSUGGESTIONS: [\"a\", \" \", \"b\", \"c\", \"d\"]", answer: "Answer.", suggestions: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, suggestions := parseAnswer(tt.full)
			assert.Equal(t, tt.answer, answer)
			assert.Equal(t, tt.suggestions, suggestions)
		})
	}
}

// quizReply 生成模型返回的题目 JSON。
func quizReply(t *testing.T, questions ...string) string {
	t.Helper()
	list := make([]model.QuizQuestion, len(questions))
	for i, q := range questions {
		list[i] = question(q)
	}
	data, err := json.Marshal(list)
	require.NoError(t, err)
	return string(data)
}

func TestOrchestrator_GenerateQuiz(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)

	var (
		round   atomic.Int32
		prompts []string
	)
	e.chat.generate = func(prompt, system string) (string, error) {
		require.Equal(t, quizSystemPrompt, system)
		prompts = append(prompts, prompt)
		n := round.Add(1)
		return quizReply(t,
			fmt.Sprintf("Batch%d first question?", n),
			fmt.Sprintf("Batch%d second question?", n),
			fmt.Sprintf("Batch%d third question?", n),
		), nil
	}

	result, err := e.orchestrator.GenerateQuiz(ctx, QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: 3})
	require.NoError(t, err)
	assert.Equal(t, doc.ID, result.DocumentID)
	assert.Equal(t, DifficultyMedium, result.Difficulty)
	assert.Equal(t, []string{"Batch1 first question?", "Batch1 second question?", "Batch1 third question?"}, questionTexts(result.Questions))
	assert.Contains(t, prompts[0], "Write 5 medium questions")
	assert.NotContains(t, prompts[0], "Do not ask these questions again")

	// 第二次请求时提示模型避开已出过的题目
	_, err = e.orchestrator.GenerateQuiz(ctx, QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: 2, Difficulty: DifficultyHard})
	require.NoError(t, err)
	assert.Contains(t, prompts[1], "- Batch1 first question?")
	assert.Contains(t, prompts[1], "hard questions")
}

func TestOrchestrator_GenerateQuizExhausted(t *testing.T) {
	e := newEngine(t, func(o *smopts.Options) { o.Quiz.MaxRounds = 3 })
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	e.chat.generate = func(string, string) (string, error) {
		return "```json\n{\"questions\": " + quizReply(t, "Only question one?", "Only question two?") + "}\n```", nil
	}

	_, err := e.orchestrator.GenerateQuiz(ctx, QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: 3})
	assert.ErrorIs(t, err, errors.ErrQuizExhausted)
	assert.Equal(t, 3, e.chat.calls(quizSystemPrompt))

	// 没有返回给用户的题目不会留在历史中
	count, err := e.store.Quizzes().Count(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	result, err := e.orchestrator.GenerateQuiz(ctx, QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Only question one?", "Only question two?"}, questionTexts(result.Questions))

	count, err = e.store.Quizzes().Count(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestOrchestrator_GenerateQuizConcurrent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)

	// 两个请求拿到同一批候选题，只能靠原子记录分开
	candidates := []string{
		"What does the mitochondrion produce?",
		"Which process splits one cell into two?",
		"Where is DNA stored in eukaryotes?",
		"Why do plants need chlorophyll?",
		"How many chromosomes do humans carry?",
		"What carries oxygen in the blood?",
		"Which enzyme unwinds the double helix?",
		"When does meiosis occur in animals?",
		"What separates the nucleus from cytoplasm?",
		"Who described natural selection first?",
	}
	e.chat.generate = func(string, string) (string, error) {
		return quizReply(t, candidates...), nil
	}

	var (
		wg      sync.WaitGroup
		results [2]*QuizResult
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.orchestrator.GenerateQuiz(ctx, QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: 5})
		}(i)
	}
	wg.Wait()

	presented := make(map[string]bool)
	for i := range results {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Questions, 5)
		for _, q := range results[i].Questions {
			assert.False(t, presented[q.Question], "%q presented twice", q.Question)
			presented[q.Question] = true
		}
	}

	history, err := e.store.Quizzes().List(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 10)
	normalized := make(map[string]bool)
	for _, h := range history {
		assert.False(t, normalized[h.Normalized], "duplicate history entry %q", h.Question)
		normalized[h.Normalized] = true
	}
}

func TestOrchestrator_GenerateQuizValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	doc := e.seedDocument(t, "alice", "biology.md", biologyChunks...)
	pending := &model.Document{ID: "01PENDINGQUIZDOC00000000", OwnerID: "alice", Filename: "new.md", ContentType: "text/plain"}
	require.NoError(t, e.store.Documents().Create(ctx, pending))

	tests := []struct {
		name string
		req  QuizRequest
		want *errors.Errno
	}{
		{name: "too many", req: QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: 21}, want: errors.ErrInvalidRequest},
		{name: "negative", req: QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: -1}, want: errors.ErrInvalidRequest},
		{name: "difficulty", req: QuizRequest{OwnerID: "alice", DocumentID: doc.ID, Count: 1, Difficulty: "impossible"}, want: errors.ErrInvalidRequest},
		{name: "not ready", req: QuizRequest{OwnerID: "alice", DocumentID: pending.ID, Count: 1}, want: errors.ErrDocumentNotReady},
		{name: "foreign", req: QuizRequest{OwnerID: "bob", DocumentID: doc.ID, Count: 1}, want: errors.ErrDocumentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.orchestrator.GenerateQuiz(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, e.chat.calls(quizSystemPrompt))
}

func TestSampleChunks(t *testing.T) {
	chunks := make([]*model.Chunk, 100)
	for i := range chunks {
		chunks[i] = &model.Chunk{Ordinal: i}
	}

	first := sampleChunks(chunks, 10, 0)
	require.Len(t, first, 10)
	assert.Equal(t, 0, first[0].Ordinal)
	assert.GreaterOrEqual(t, first[9].Ordinal, 90)

	second := sampleChunks(chunks, 10, 1)
	assert.NotEqual(t, first[0].Ordinal, second[0].Ordinal)

	assert.Len(t, sampleChunks(chunks[:5], 10, 0), 5)
}
