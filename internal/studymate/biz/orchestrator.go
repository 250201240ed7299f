package biz

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kart-io/studymate/internal/pkg/textutil"
	"github.com/kart-io/studymate/internal/studymate/metrics"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/internal/studymate/store"
	"github.com/kart-io/studymate/pkg/infra/tracing"
	"github.com/kart-io/studymate/pkg/llm"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/json"
)

// suggestionsMarker 回答末尾追问建议的标记行。
const suggestionsMarker = "SUGGESTIONS:"

// maxMessageRunes 单条提问的最大长度。
const maxMessageRunes = 4000

const answerSystemPrompt = `You are a study assistant. Answer the student's question using the numbered passages from their study material and the conversation so far. Cite passages like [1]. If the passages do not contain the answer, say so plainly.
After the answer, write one line starting with ` + suggestionsMarker + ` followed by a JSON array of up to three short follow-up questions.`

const quizSystemPrompt = `You write multiple-choice quiz questions from study material. Reply with a JSON array only. Each element has the fields "question", "options" (four strings), "correct_answer" (one of the options) and "explanation".`

// Difficulty levels.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// OrchestratorConfig 问答与测验编排配置。
type OrchestratorConfig struct {
	AnswerMaxTokens int
	RequestTimeout  time.Duration
	// ExpandContext 在提示词中附带命中分块的相邻分块。
	ExpandContext bool
	// QuizMaxRounds 去重后题目不足时最多重新生成的轮数。
	QuizMaxRounds int
	// QuizSampleChunks 每轮测验生成采样的分块数。
	QuizSampleChunks int
	QuizMaxCount     int
}

// AskRequest 问答请求。SessionID 为空时在成功回答后新建会话。
type AskRequest struct {
	OwnerID    string `json:"-"`
	SessionID  string `json:"session_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Message    string `json:"message" binding:"required"`
}

// Source 回答引用的片段。
type Source struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkID    string  `json:"chunk_id"`
	Ordinal    int     `json:"ordinal"`
	Score      float64 `json:"score"`
	Excerpt    string  `json:"excerpt"`
}

// AskResult 问答结果。
type AskResult struct {
	Answer      string   `json:"answer"`
	SessionID   string   `json:"session_id"`
	Sources     []Source `json:"sources"`
	Suggestions []string `json:"suggestions"`
}

// QuizRequest 测验生成请求。
type QuizRequest struct {
	OwnerID    string `json:"-"`
	DocumentID string `json:"document_id" binding:"required"`
	Count      int    `json:"count" binding:"min=0"`
	Difficulty string `json:"difficulty,omitempty" binding:"omitempty,oneof=easy medium hard"`
}

// QuizResult 测验生成结果。
type QuizResult struct {
	DocumentID string               `json:"document_id"`
	Difficulty string               `json:"difficulty"`
	Questions  []model.QuizQuestion `json:"questions"`
}

// Orchestrator 组合检索、对话记忆与生成，提供问答和测验。
type Orchestrator struct {
	docs         store.DocumentStore
	chunks       store.ChunkStore
	retriever    *Retriever
	memory       *Memory
	tracker      *QuizTracker
	chatProvider llm.ChatProvider
	config       *OrchestratorConfig
	metrics      *metrics.Metrics
}

// NewOrchestrator 创建编排器实例。
func NewOrchestrator(
	docs store.DocumentStore,
	chunks store.ChunkStore,
	retriever *Retriever,
	memory *Memory,
	tracker *QuizTracker,
	chatProvider llm.ChatProvider,
	config *OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		docs:         docs,
		chunks:       chunks,
		retriever:    retriever,
		memory:       memory,
		tracker:      tracker,
		chatProvider: chatProvider,
		config:       config,
		metrics:      metrics.Get(),
	}
}

// askPlan 一次问答在调用模型前准备好的全部输入。
type askPlan struct {
	session    *model.ChatSession
	documentID string
	messages   []llm.Message
	sources    []Source
}

// Ask 回答问题。只有在回答成功后才会写入问题与回答；失败或取消时会话保持不变。
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (result *AskResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "orchestrator.ask",
		attribute.String("session_id", req.SessionID),
		attribute.String("document_id", req.DocumentID),
	)
	defer func() {
		o.metrics.RecordAsk(false, err)
		tracing.End(span, err)
	}()

	plan, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	full, err := o.chatProvider.Chat(ctx, plan.messages, llm.WithMaxTokens(o.config.AnswerMaxTokens))
	o.metrics.RecordLLMCall(time.Since(start), err)
	if err != nil {
		return nil, generationError(ctx, err)
	}
	return o.finish(ctx, req, plan, full)
}

// AskStream 以流式方式回答问题，每个增量调用一次 onDelta。
// onDelta 返回错误或 ctx 取消时终止，且不写入任何消息。
func (o *Orchestrator) AskStream(ctx context.Context, req AskRequest, onDelta func(delta string) error) (result *AskResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "orchestrator.ask_stream",
		attribute.String("session_id", req.SessionID),
		attribute.String("document_id", req.DocumentID),
	)
	defer func() {
		o.metrics.RecordAsk(true, err)
		tracing.End(span, err)
	}()

	plan, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	filter := &suggestionFilter{emit: onDelta}
	start := time.Now()
	var full string
	if streamer, ok := o.chatProvider.(llm.StreamChatProvider); ok {
		full, err = streamer.ChatStream(ctx, plan.messages, filter.write, llm.WithMaxTokens(o.config.AnswerMaxTokens))
	} else {
		full, err = o.chatProvider.Chat(ctx, plan.messages, llm.WithMaxTokens(o.config.AnswerMaxTokens))
		if err == nil {
			err = filter.write(full)
		}
	}
	if err == nil {
		err = filter.flush()
	}
	o.metrics.RecordLLMCall(time.Since(start), err)
	if err != nil {
		if filter.failed {
			return nil, err
		}
		return nil, generationError(ctx, err)
	}
	return o.finish(ctx, req, plan, full)
}

// prepare 校验范围，并发完成检索与会话上下文构建。
func (o *Orchestrator) prepare(ctx context.Context, req AskRequest) (*askPlan, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, errors.ErrInvalidRequest.WithMessage("message must not be empty")
	}
	if len([]rune(message)) > maxMessageRunes {
		return nil, errors.ErrInvalidRequest.WithMessagef("message exceeds %d characters", maxMessageRunes)
	}

	plan := &askPlan{documentID: req.DocumentID}
	if req.SessionID != "" {
		session, err := o.memory.GetSession(ctx, req.OwnerID, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.Unavailable {
			return nil, errors.ErrDocumentNotReady.WithMessage("the document of this session was deleted")
		}
		if session.DocumentID != nil {
			if plan.documentID != "" && plan.documentID != *session.DocumentID {
				return nil, errors.ErrInvalidRequest.WithMessage("document_id does not match the session")
			}
			plan.documentID = *session.DocumentID
		}
		plan.session = session
	}
	if plan.documentID != "" {
		doc, err := o.docs.GetOwned(ctx, req.OwnerID, plan.documentID)
		if err != nil {
			return nil, err
		}
		if !doc.Ready() {
			return nil, errors.ErrDocumentNotReady.WithMessagef("document %s is %s", doc.ID, doc.Status)
		}
	}

	var (
		passages []string
		history  []llm.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := o.retriever.Search(gctx, SearchRequest{
			Query:      message,
			OwnerID:    req.OwnerID,
			DocumentID: plan.documentID,
		})
		if err != nil {
			return err
		}
		passages, plan.sources, err = o.passages(gctx, results)
		return err
	})
	if plan.session != nil {
		g.Go(func() error {
			var err error
			history, err = o.memory.BuildContext(gctx, plan.session.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var system strings.Builder
	system.WriteString(answerSystemPrompt)
	system.WriteString("\n\nPassages:\n")
	if len(passages) == 0 {
		system.WriteString("(no relevant passages were found)\n")
	}
	for i, p := range passages {
		fmt.Fprintf(&system, "[%d] %s\n\n", i+1, p)
	}

	plan.messages = make([]llm.Message, 0, len(history)+2)
	plan.messages = append(plan.messages, llm.Message{Role: llm.RoleSystem, Content: system.String()})
	plan.messages = append(plan.messages, history...)
	plan.messages = append(plan.messages, llm.Message{Role: llm.RoleUser, Content: message})
	return plan, nil
}

// passages 将检索结果整理为带编号的提示词片段，可选附带相邻分块。
func (o *Orchestrator) passages(ctx context.Context, results []*SearchResult) ([]string, []Source, error) {
	used := make(map[string]bool, len(results))
	for _, r := range results {
		used[r.Chunk.ID] = true
	}

	passages := make([]string, 0, len(results))
	sources := make([]Source, 0, len(results))
	for _, r := range results {
		parts := []*model.Chunk{r.Chunk}
		if o.config.ExpandContext {
			neighbours, err := o.retriever.Expand(ctx, r.Chunk, 1)
			if err != nil {
				return nil, nil, err
			}
			parts = parts[:0]
			for _, n := range neighbours {
				if n.Ordinal < r.Chunk.Ordinal && !used[n.ID] {
					used[n.ID] = true
					parts = append(parts, n)
				}
			}
			parts = append(parts, r.Chunk)
			for _, n := range neighbours {
				if n.Ordinal > r.Chunk.Ordinal && !used[n.ID] {
					used[n.ID] = true
					parts = append(parts, n)
				}
			}
		}

		texts := make([]string, len(parts))
		for i, p := range parts {
			texts[i] = p.Text
		}
		passages = append(passages, fmt.Sprintf("%s, section %d:\n%s", r.Filename, r.Chunk.Ordinal+1, strings.Join(texts, "\n")))
		sources = append(sources, Source{
			DocumentID: r.DocumentID,
			Filename:   r.Filename,
			ChunkID:    r.Chunk.ID,
			Ordinal:    r.Chunk.Ordinal,
			Score:      r.Score,
			Excerpt:    textutil.TruncateRunes(r.Chunk.Text, 240),
		})
	}
	return passages, sources, nil
}

// finish 解析回答，必要时新建会话，并写入本轮问答。
func (o *Orchestrator) finish(ctx context.Context, req AskRequest, plan *askPlan, full string) (*AskResult, error) {
	answer, suggestions := parseAnswer(full)
	if answer == "" {
		return nil, errors.ErrGenerationUnavailable.WithMessage("the model returned an empty answer")
	}

	message := strings.TrimSpace(req.Message)
	session := plan.session
	if session == nil {
		var err error
		session, err = o.memory.CreateSession(ctx, req.OwnerID, plan.documentID, message)
		if err != nil {
			return nil, err
		}
	}
	_, err := o.memory.AppendTurn(ctx, session.ID,
		NewTurn{Role: model.RoleUser, Content: message},
		NewTurn{Role: model.RoleAssistant, Content: answer},
	)
	if err != nil {
		return nil, err
	}

	return &AskResult{
		Answer:      answer,
		SessionID:   session.ID,
		Sources:     plan.sources,
		Suggestions: suggestions,
	}, nil
}

// parseAnswer 分离回答正文与追问建议，建议解析失败时忽略。
func parseAnswer(full string) (string, []string) {
	idx := strings.LastIndex(full, suggestionsMarker)
	if idx < 0 {
		return strings.TrimSpace(full), []string{}
	}
	answer := strings.TrimSpace(full[:idx])

	var raw []string
	if err := json.UnmarshalEmbedded(full[idx+len(suggestionsMarker):], &raw); err != nil {
		logger.Debugw("ignoring malformed suggestions", "error", err.Error())
		return answer, []string{}
	}
	suggestions := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" && len(suggestions) < 3 {
			suggestions = append(suggestions, s)
		}
	}
	return answer, suggestions
}

// suggestionFilter 转发流式增量，遇到建议标记后停止转发。
// 可能构成标记前缀的尾部和末尾空白会暂存到下一个增量。
type suggestionFilter struct {
	emit    func(string) error
	pending string
	stopped bool
	// failed 表示 emit 返回了错误（通常是客户端断开）。
	failed bool
}

func (f *suggestionFilter) write(delta string) error {
	if f.stopped {
		return nil
	}
	buf := f.pending + delta
	if idx := strings.Index(buf, suggestionsMarker); idx >= 0 {
		f.stopped = true
		f.pending = ""
		return f.send(strings.TrimRight(buf[:idx], " \n"))
	}
	// 标记前的空白也暂存，遇到标记时一并丢弃
	body := strings.TrimRight(buf[:len(buf)-markerPrefixLen(buf)], " \n")
	f.pending = buf[len(body):]
	return f.send(body)
}

func (f *suggestionFilter) flush() error {
	if f.stopped || f.pending == "" {
		return nil
	}
	out := strings.TrimRight(f.pending, " \n")
	f.pending = ""
	return f.send(out)
}

func (f *suggestionFilter) send(s string) error {
	if s == "" {
		return nil
	}
	if err := f.emit(s); err != nil {
		f.failed = true
		return err
	}
	return nil
}

// markerPrefixLen 返回 s 末尾与标记前缀重合的最大长度。
func markerPrefixLen(s string) int {
	n := len(suggestionsMarker) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, suggestionsMarker[:n]) {
			return n
		}
	}
	return 0
}

// GenerateQuiz 为文档生成 Count 道从未出过的新题。
// 多轮生成后仍不足时返回 ErrQuizExhausted，不会静默返回更少的题目。
func (o *Orchestrator) GenerateQuiz(ctx context.Context, req QuizRequest) (result *QuizResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "orchestrator.generate_quiz",
		attribute.String("document_id", req.DocumentID),
		attribute.Int("count", req.Count),
	)
	defer func() { tracing.End(span, err) }()

	if req.Count == 0 {
		req.Count = 5
	}
	if req.Count < 0 || req.Count > o.config.QuizMaxCount {
		return nil, errors.ErrInvalidRequest.WithMessagef("count must be between 1 and %d", o.config.QuizMaxCount)
	}
	switch req.Difficulty {
	case "":
		req.Difficulty = DifficultyMedium
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
	default:
		return nil, errors.ErrInvalidRequest.WithMessagef("unknown difficulty %q", req.Difficulty)
	}

	doc, err := o.docs.GetOwned(ctx, req.OwnerID, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if !doc.Ready() {
		return nil, errors.ErrDocumentNotReady.WithMessagef("document %s is %s", doc.ID, doc.Status)
	}
	chunks, err := o.chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.ErrDocumentNotReady.WithMessagef("document %s has no chunks", doc.ID)
	}
	avoid, err := o.tracker.Recent(ctx, doc.ID, 30)
	if err != nil {
		return nil, err
	}

	accepted := make([]model.QuizQuestion, 0, req.Count)
	duplicates := 0
	// 未返回给用户的题目从历史中撤回
	defer func() {
		if err != nil && len(accepted) > 0 {
			o.tracker.Release(context.WithoutCancel(ctx), doc.ID, accepted)
		}
	}()
	for round := 0; round < o.config.QuizMaxRounds && len(accepted) < req.Count; round++ {
		need := req.Count - len(accepted)
		sample := sampleChunks(chunks, o.config.QuizSampleChunks, round)
		candidates, err := o.quizCandidates(ctx, doc, sample, req.Difficulty, need, avoid)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		novel, err := o.tracker.FilterAndRecord(ctx, doc.ID, candidates, need)
		if err != nil {
			return nil, err
		}
		duplicates += len(candidates) - len(novel)
		for _, q := range novel {
			accepted = append(accepted, q)
			avoid = append(avoid, q.Question)
		}
		logger.Debugw("quiz round finished",
			"document_id", doc.ID,
			"round", round+1,
			"candidates", len(candidates),
			"accepted", len(novel),
		)
	}

	exhausted := len(accepted) < req.Count
	o.metrics.RecordQuiz(len(accepted), duplicates, exhausted)
	if exhausted {
		return nil, errors.ErrQuizExhausted.WithMessagef(
			"only %d of %d new questions could be generated for this document", len(accepted), req.Count)
	}
	return &QuizResult{DocumentID: doc.ID, Difficulty: req.Difficulty, Questions: accepted}, nil
}

func (o *Orchestrator) quizCandidates(
	ctx context.Context,
	doc *model.Document,
	sample []*model.Chunk,
	difficulty string,
	need int,
	avoid []string,
) ([]model.QuizQuestion, error) {
	n := need + 2
	if n > o.config.QuizMaxCount {
		n = o.config.QuizMaxCount
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write %d %s questions about the document %q. Cover different sections.\n\n", n, difficulty, doc.Filename)
	for _, c := range sample {
		fmt.Fprintf(&b, "[section %d]\n%s\n\n", c.Ordinal+1, c.Text)
	}
	if len(avoid) > 0 {
		b.WriteString("Do not ask these questions again or rephrase them:\n")
		for _, q := range avoid {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}

	start := time.Now()
	out, err := o.chatProvider.Generate(ctx, b.String(), quizSystemPrompt, llm.WithJSON(), llm.WithMaxTokens(o.config.AnswerMaxTokens*2))
	o.metrics.RecordLLMCall(time.Since(start), err)
	if err != nil {
		return nil, generationError(ctx, err)
	}

	candidates, err := parseQuiz(out)
	if err != nil {
		logger.Warnw("discarding malformed quiz output",
			"document_id", doc.ID,
			"error", err.Error(),
		)
		return nil, nil
	}
	return candidates, nil
}

// parseQuiz 解析模型输出的题目数组，也接受 {"questions": [...]} 形式。
func parseQuiz(out string) ([]model.QuizQuestion, error) {
	var list []model.QuizQuestion
	if err := json.UnmarshalEmbedded(out, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Questions []model.QuizQuestion `json:"questions"`
	}
	if err := json.UnmarshalEmbedded(out, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Questions, nil
}

// sampleChunks 在全部分块上等距采样 n 个，使题目覆盖整篇文档。
// 每轮按黄金分割比例平移采样起点，避免重复选中相同的分块。
func sampleChunks(chunks []*model.Chunk, n, round int) []*model.Chunk {
	if n <= 0 || len(chunks) <= n {
		return chunks
	}
	step := float64(len(chunks)) / float64(n)
	_, shift := math.Modf(float64(round) * 0.618)
	out := make([]*model.Chunk, 0, n)
	last := -1
	for i := 0; i < n; i++ {
		idx := int((float64(i) + shift) * step)
		if idx >= len(chunks) {
			idx = len(chunks) - 1
		}
		if idx == last {
			continue
		}
		last = idx
		out = append(out, chunks[idx])
	}
	return out
}
