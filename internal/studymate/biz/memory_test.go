package biz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/studymate/internal/pkg/textutil"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/llm"
	smopts "github.com/kart-io/studymate/pkg/options/studymate"
	"github.com/kart-io/studymate/pkg/utils/errors"
)

// 每条约 11 个估算 token。
func paddedMessage(i int) string {
	return fmt.Sprintf("message number %d with some padding words here", i)
}

func compactingEngine(t *testing.T, mode string) *engine {
	return newEngine(t, func(o *smopts.Options) {
		o.Memory.SummarizeThreshold = 20
		o.Memory.KeepRecent = 2
		o.Memory.ContextBudget = 1000
		o.Memory.Mode = mode
	})
}

func TestMemory_AppendAndContext(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	session, err := e.memory.CreateSession(ctx, "alice", "", "What is ATP?")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.State)

	msgs, err := e.memory.AppendTurn(ctx, session.ID,
		NewTurn{Role: model.RoleUser, Content: "What is ATP?"},
		NewTurn{Role: model.RoleAssistant, Content: "The energy currency of the cell."},
	)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Seq)
	assert.Equal(t, 2, msgs[1].Seq)
	assert.Positive(t, msgs[0].TokenCount)

	history, err := e.memory.BuildContext(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "What is ATP?"},
		{Role: llm.RoleAssistant, Content: "The energy currency of the cell."},
	}, history)
}

func TestMemory_AppendValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	session, err := e.memory.CreateSession(ctx, "alice", "", "t")
	require.NoError(t, err)

	_, err = e.memory.Append(ctx, session.ID, "robot", "hello")
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
	_, err = e.memory.Append(ctx, session.ID, model.RoleUser, "   ")
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
	_, err = e.memory.AppendTurn(ctx, session.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
	_, err = e.memory.Append(ctx, "01MISSINGSESSION00000000", model.RoleUser, "hello")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestMemory_ContextBudget(t *testing.T) {
	e := newEngine(t, func(o *smopts.Options) {
		o.Memory.ContextBudget = 25
		o.Memory.SummarizeThreshold = 10000
	})
	ctx := context.Background()
	session, err := e.memory.CreateSession(ctx, "alice", "", "t")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := e.memory.Append(ctx, session.ID, model.RoleUser, paddedMessage(i))
		require.NoError(t, err)
	}

	history, err := e.memory.BuildContext(ctx, session.ID)
	require.NoError(t, err)
	// 最旧的消息最先被丢弃
	require.Len(t, history, 2)
	assert.Equal(t, paddedMessage(2), history[0].Content)
	assert.Equal(t, paddedMessage(3), history[1].Content)
}

func TestMemory_ContextBudgetDenseSummary(t *testing.T) {
	const budget = 300
	e := newEngine(t, func(o *smopts.Options) {
		o.Memory.ContextBudget = budget
		o.Memory.SummarizeThreshold = 10000
	})
	ctx := context.Background()
	session, err := e.memory.CreateSession(ctx, "alice", "", "t")
	require.NoError(t, err)

	// 标点密集的摘要：按字符截断会超出 token 预算
	dense := strings.Repeat("?!", 200)
	require.NoError(t, e.store.Sessions().SaveSummary(ctx, session.ID, dense, 1))
	require.Greater(t, textutil.EstimateTokens(textutil.TruncateRunes(summaryPrefix+dense, budget)), budget)

	history, err := e.memory.BuildContext(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, llm.RoleSystem, history[0].Role)
	assert.True(t, strings.HasPrefix(history[0].Content, summaryPrefix))
	assert.LessOrEqual(t, textutil.EstimateTokens(history[0].Content), budget)
}

func TestMemory_CompactSync(t *testing.T) {
	e := compactingEngine(t, smopts.MemoryModeSync)
	ctx := context.Background()

	var prompts []string
	e.chat.generate = func(prompt, system string) (string, error) {
		assert.Equal(t, summarizeSystemPrompt, system)
		prompts = append(prompts, prompt)
		return fmt.Sprintf("summary %d", len(prompts)), nil
	}

	session, err := e.memory.CreateSession(ctx, "alice", "", "t")
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		_, err := e.memory.Append(ctx, session.ID, model.RoleUser, paddedMessage(i))
		require.NoError(t, err)
	}

	require.Len(t, prompts, 4)
	assert.NotContains(t, prompts[0], "Previous summary:")
	assert.Contains(t, prompts[1], "Previous summary:\nsummary 1")

	got, err := e.memory.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.State)
	assert.Equal(t, 4, got.SummarizedUntil)
	assert.Equal(t, "summary 4", got.SummaryText())

	history, err := e.memory.BuildContext(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, llm.RoleSystem, history[0].Role)
	assert.Equal(t, summaryPrefix+"summary 4", history[0].Content)
	assert.Equal(t, paddedMessage(5), history[1].Content)
	assert.Equal(t, paddedMessage(6), history[2].Content)

	// 原始消息全部保留，已压缩的带标记
	all, err := e.memory.History(ctx, "alice", session.ID)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for _, m := range all {
		assert.Equal(t, m.Seq <= 4, m.Summarized, "seq %d", m.Seq)
	}
}

func TestMemory_CompactFailureKeepsTail(t *testing.T) {
	e := compactingEngine(t, smopts.MemoryModeSync)
	ctx := context.Background()
	e.chat.generate = func(string, string) (string, error) {
		return "", fmt.Errorf("model overloaded")
	}

	session, err := e.memory.CreateSession(ctx, "alice", "", "t")
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		_, err := e.memory.Append(ctx, session.ID, model.RoleUser, paddedMessage(i))
		require.NoError(t, err)
	}

	got, err := e.memory.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.State)
	assert.Zero(t, got.SummarizedUntil)
	assert.Empty(t, got.SummaryText())

	history, err := e.memory.BuildContext(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestMemory_CompactAsync(t *testing.T) {
	e := compactingEngine(t, smopts.MemoryModeAsync)
	ctx := context.Background()
	e.chat.generate = func(prompt, system string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "async summary", nil
	}

	session, err := e.memory.CreateSession(ctx, "alice", "", "t")
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		_, err := e.memory.Append(ctx, session.ID, model.RoleUser, paddedMessage(i))
		require.NoError(t, err)
	}
	e.memory.Wait()

	got, err := e.memory.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.State)
	assert.Positive(t, got.SummarizedUntil)
	assert.Equal(t, "async summary", got.SummaryText())
}

func TestMemory_ConcurrentAppend(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	session, err := e.memory.CreateSession(ctx, "alice", "", "t")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.memory.Append(ctx, session.ID, model.RoleUser, fmt.Sprintf("question %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := e.memory.History(ctx, "alice", session.ID)
	require.NoError(t, err)
	require.Len(t, history, n)
	for i, m := range history {
		assert.Equal(t, i+1, m.Seq)
	}

	got, err := e.memory.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.MessageCount)
}

func TestMemory_Sessions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.memory.CreateSession(ctx, "alice", "", strings.Repeat("long title ", 20))
	require.NoError(t, err)
	assert.LessOrEqual(t, utf8.RuneCountInString(first.Title), 80)

	time.Sleep(10 * time.Millisecond)
	second, err := e.memory.CreateSession(ctx, "alice", "", "second")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = e.memory.Append(ctx, first.ID, model.RoleUser, "bump")
	require.NoError(t, err)

	recent, err := e.memory.ListRecent(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, first.ID, recent[0].ID)
	assert.Equal(t, second.ID, recent[1].ID)

	_, err = e.memory.GetSession(ctx, "bob", first.ID)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
	assert.ErrorIs(t, e.memory.DeleteSession(ctx, "bob", first.ID), errors.ErrSessionNotFound)

	require.NoError(t, e.memory.DeleteSession(ctx, "alice", first.ID))
	_, err = e.memory.History(ctx, "alice", first.ID)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}
