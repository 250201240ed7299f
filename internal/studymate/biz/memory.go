package biz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/internal/pkg/textutil"
	"github.com/kart-io/studymate/internal/studymate/metrics"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/internal/studymate/store"
	"github.com/kart-io/studymate/pkg/infra/pool"
	"github.com/kart-io/studymate/pkg/llm"
	smopts "github.com/kart-io/studymate/pkg/options/studymate"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/id"
)

const summarizeSystemPrompt = `You maintain the running summary of a tutoring conversation. Merge the previous summary with the new messages into one concise summary. Keep the facts, questions and answers the student will refer back to. Reply with the summary only.`

// summaryPrefix 摘要作为系统消息注入上下文时的前缀。
const summaryPrefix = "Summary of the earlier conversation:\n"

// compactTimeout 单次会话压缩的超时时间。
const compactTimeout = 2 * time.Minute

// MemoryConfig 对话记忆配置。
type MemoryConfig struct {
	// SummarizeThreshold 未压缩消息的 token 数超过该值时触发压缩。
	SummarizeThreshold int
	// KeepRecent 压缩时保留的最新原始消息数。
	KeepRecent int
	// ContextBudget 构建上下文时的 token 预算。
	ContextBudget int
	// Mode 压缩方式（sync|async）。
	Mode string
}

// Memory 管理会话消息与滚动摘要。同一会话的追加操作串行执行。
type Memory struct {
	sessions     store.SessionStore
	messages     store.MessageStore
	chatProvider llm.ChatProvider
	background   *pool.Pool
	config       *MemoryConfig
	locks        *keyedMutex
	metrics      *metrics.Metrics

	// compacting 等待中的异步压缩，测试中用于同步。
	compacting sync.WaitGroup
}

// NewMemory 创建对话记忆实例。background 为 nil 时异步模式退化为同步压缩。
func NewMemory(
	sessions store.SessionStore,
	messages store.MessageStore,
	chatProvider llm.ChatProvider,
	background *pool.Pool,
	config *MemoryConfig,
) *Memory {
	return &Memory{
		sessions:     sessions,
		messages:     messages,
		chatProvider: chatProvider,
		background:   background,
		config:       config,
		locks:        newKeyedMutex(),
		metrics:      metrics.Get(),
	}
}

// NewTurn 是 AppendTurn 的一条输入消息。
type NewTurn struct {
	Role    string
	Content string
}

// CreateSession 创建会话，documentID 为空表示检索用户的全部文档。
func (m *Memory) CreateSession(ctx context.Context, ownerID, documentID, title string) (*model.ChatSession, error) {
	session := &model.ChatSession{
		ID:      id.NewULID(),
		OwnerID: ownerID,
		Title:   textutil.TruncateRunes(textutil.CollapseWhitespace(title), 80),
		State:   model.SessionActive,
	}
	if documentID != "" {
		session.DocumentID = &documentID
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession 获取用户的会话。
func (m *Memory) GetSession(ctx context.Context, ownerID, sessionID string) (*model.ChatSession, error) {
	return m.sessions.GetOwned(ctx, ownerID, sessionID)
}

// ListRecent 按最近活动时间倒序列出会话。
func (m *Memory) ListRecent(ctx context.Context, ownerID string, limit int) ([]*model.ChatSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return m.sessions.ListRecent(ctx, ownerID, limit)
}

// DeleteSession 删除用户的会话及其消息。
func (m *Memory) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := m.sessions.GetOwned(ctx, ownerID, sessionID); err != nil {
		return err
	}
	return m.sessions.Delete(ctx, sessionID)
}

// History 返回会话的全部消息，按 Seq 排序。
func (m *Memory) History(ctx context.Context, ownerID, sessionID string) ([]*model.ChatMessage, error) {
	if _, err := m.sessions.GetOwned(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return m.messages.List(ctx, sessionID)
}

// Append 追加一条消息。
func (m *Memory) Append(ctx context.Context, sessionID, role, content string) (*model.ChatMessage, error) {
	msgs, err := m.AppendTurn(ctx, sessionID, NewTurn{Role: role, Content: content})
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// AppendTurn 按顺序追加多条消息，随后检查是否需要压缩。
func (m *Memory) AppendTurn(ctx context.Context, sessionID string, turns ...NewTurn) ([]*model.ChatMessage, error) {
	if len(turns) == 0 {
		return nil, errors.ErrInvalidRequest.WithMessage("no message to append")
	}
	msgs := make([]*model.ChatMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		default:
			return nil, errors.ErrInvalidRequest.WithMessagef("unknown message role %q", t.Role)
		}
		if strings.TrimSpace(t.Content) == "" {
			return nil, errors.ErrInvalidRequest.WithMessage("message content must not be empty")
		}
		msgs = append(msgs, &model.ChatMessage{
			Role:       t.Role,
			Content:    t.Content,
			TokenCount: textutil.EstimateTokens(t.Content),
		})
	}

	unlock := m.locks.Lock(sessionID)
	_, err := m.messages.Append(ctx, sessionID, msgs...)
	unlock()
	if err != nil {
		return nil, err
	}

	m.maybeCompact(ctx, sessionID)
	return msgs, nil
}

func (m *Memory) maybeCompact(ctx context.Context, sessionID string) {
	if m.config.Mode != smopts.MemoryModeAsync || m.background == nil {
		m.compact(ctx, sessionID)
		return
	}

	bg := context.WithoutCancel(ctx)
	m.compacting.Add(1)
	err := m.background.Submit(func() {
		defer m.compacting.Done()
		m.compact(bg, sessionID)
	})
	if err != nil {
		m.compacting.Done()
		logger.Warnw("failed to schedule session compaction",
			"session_id", sessionID,
			"error", err.Error(),
		)
	}
}

// compact 在未压缩消息超过阈值时生成新的滚动摘要。
// 状态机：active → summarizing → active；会话已在压缩中时直接返回。
func (m *Memory) compact(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compactTimeout)
	defer cancel()

	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil || session.State != model.SessionActive {
		return
	}
	tail, err := m.messages.ListAfter(ctx, sessionID, session.SummarizedUntil)
	if err != nil {
		logger.Warnw("failed to load session tail", "session_id", sessionID, "error", err.Error())
		return
	}
	if tokenSum(tail) <= m.config.SummarizeThreshold || len(tail) <= m.config.KeepRecent {
		return
	}

	ok, err := m.sessions.CompareAndSetState(ctx, sessionID, model.SessionActive, model.SessionSummarizing)
	if err != nil || !ok {
		return
	}

	older := tail[:len(tail)-m.config.KeepRecent]
	until := older[len(older)-1].Seq

	summary, err := m.summarize(ctx, session.SummaryText(), older)
	if err == nil {
		err = m.sessions.SaveSummary(ctx, sessionID, summary, until)
	}
	m.metrics.RecordSummarization(err)
	if err != nil {
		logger.Warnw("session compaction failed, keeping raw tail",
			"session_id", sessionID,
			"error", err.Error(),
		)
		if _, resetErr := m.sessions.CompareAndSetState(ctx, sessionID, model.SessionSummarizing, model.SessionActive); resetErr != nil {
			logger.Errorw("failed to reset session state",
				"session_id", sessionID,
				"error", resetErr.Error(),
			)
		}
		return
	}
	logger.Debugw("session compacted", "session_id", sessionID, "summarized_until", until)
}

func (m *Memory) summarize(ctx context.Context, previous string, msgs []*model.ChatMessage) (string, error) {
	var b strings.Builder
	if previous != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", previous)
	}
	b.WriteString("New messages:\n")
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	out, err := m.chatProvider.Generate(ctx, b.String(), summarizeSystemPrompt, llm.WithMaxTokens(m.config.ContextBudget/3), llm.WithTemperature(0))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty summary")
	}
	return out, nil
}

// BuildContext 返回可放入提示词的会话上下文：摘要系统消息加上最新的未压缩消息，
// 从最旧的消息开始丢弃，直到总 token 数不超过 ContextBudget。
func (m *Memory) BuildContext(ctx context.Context, sessionID string) ([]llm.Message, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tail, err := m.messages.ListAfter(ctx, sessionID, session.SummarizedUntil)
	if err != nil {
		return nil, err
	}

	budget := m.config.ContextBudget
	var head []llm.Message
	if summary := session.SummaryText(); summary != "" {
		content := summaryPrefix + summary
		tokens := textutil.EstimateTokens(content)
		if tokens > budget {
			content = textutil.TruncateTokens(content, budget)
			tokens = textutil.EstimateTokens(content)
		}
		head = append(head, llm.Message{Role: llm.RoleSystem, Content: content})
		budget -= tokens
	}

	start := len(tail)
	for start > 0 {
		tokens := tail[start-1].TokenCount
		if tokens > budget {
			break
		}
		budget -= tokens
		start--
	}

	out := make([]llm.Message, 0, len(head)+len(tail)-start)
	out = append(out, head...)
	for _, msg := range tail[start:] {
		out = append(out, llm.Message{Role: llm.Role(msg.Role), Content: msg.Content})
	}
	return out, nil
}

// RecoverInterrupted 将上次进程退出时停留在压缩中的会话恢复为 active。
func (m *Memory) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := m.sessions.ResetSummarizing(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warnw("reset interrupted session compaction", "sessions", n)
	}
	return n, nil
}

// Wait 等待已提交的异步压缩完成。
func (m *Memory) Wait() {
	m.compacting.Wait()
}

func tokenSum(msgs []*model.ChatMessage) int {
	total := 0
	for _, msg := range msgs {
		total += msg.TokenCount
	}
	return total
}

// keyedMutex 按 key 提供互斥锁，空闲的锁会被回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock 锁定 key，返回解锁函数。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
