package biz

import (
	"context"

	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/internal/pkg/textutil"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/internal/studymate/store"
	"github.com/kart-io/studymate/pkg/llm"
	"github.com/kart-io/studymate/pkg/utils/id"
)

// maxNormalizedRunes 归一化题目的最大长度，与唯一索引列宽度一致。
const maxNormalizedRunes = 500

// QuizTracker 记录已出过的题目，保证同一文档不重复出题。
type QuizTracker struct {
	quizzes       store.QuizStore
	embedProvider llm.EmbeddingProvider
	// threshold 语义近重复阈值，0 表示只做精确去重。
	threshold float64
}

// NewQuizTracker 创建测验去重器。embedProvider 为 nil 时只做精确去重。
func NewQuizTracker(quizzes store.QuizStore, embedProvider llm.EmbeddingProvider, threshold float64) *QuizTracker {
	return &QuizTracker{
		quizzes:       quizzes,
		embedProvider: embedProvider,
		threshold:     threshold,
	}
}

// NormalizeQuestion 返回用于精确去重的题目键。
func NormalizeQuestion(q string) string {
	return textutil.TruncateRunes(textutil.NormalizeQuestion(q), maxNormalizedRunes)
}

// FilterAndRecord 过滤重复题目并记录新题，最多接受 want 道。
// 返回的题目一定已经写入历史；同批内重复、历史中已存在或语义近重复的题目被丢弃。
func (t *QuizTracker) FilterAndRecord(ctx context.Context, documentID string, candidates []model.QuizQuestion, want int) ([]model.QuizQuestion, error) {
	if want <= 0 || len(candidates) == 0 {
		return nil, nil
	}

	// 1. 归一化并去掉同批内的重复
	seen := make(map[string]bool, len(candidates))
	kept := make([]model.QuizQuestion, 0, len(candidates))
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !c.Valid() {
			continue
		}
		key := NormalizeQuestion(c.Question)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, c)
		keys = append(keys, key)
	}
	if len(kept) == 0 {
		return nil, nil
	}

	// 2. 语义近重复过滤
	vectors := t.embed(ctx, kept)
	if vectors != nil {
		var err error
		kept, keys, vectors, err = t.dropNearDuplicates(ctx, documentID, kept, keys, vectors)
		if err != nil {
			return nil, err
		}
	}

	// 3. 原子写入，唯一索引冲突即为重复
	entries := make([]*model.QuizHistoryEntry, len(kept))
	for i, c := range kept {
		entries[i] = &model.QuizHistoryEntry{
			ID:         id.NewULID(),
			DocumentID: documentID,
			Question:   c.Question,
			Normalized: keys[i],
		}
		if vectors != nil {
			entries[i].Embedding = vectors[i]
		}
	}
	accepted, err := t.quizzes.RecordNovel(ctx, documentID, entries, want)
	if err != nil {
		return nil, err
	}

	out := make([]model.QuizQuestion, 0, len(accepted))
	for _, i := range accepted {
		out = append(out, kept[i])
	}
	return out, nil
}

// Release 撤回本次记录但最终没有返回给用户的题目。
// 唯一索引保证这些记录只属于当前请求。
func (t *QuizTracker) Release(ctx context.Context, documentID string, questions []model.QuizQuestion) {
	keys := make([]string, len(questions))
	for i, q := range questions {
		keys[i] = NormalizeQuestion(q.Question)
	}
	n, err := t.quizzes.Delete(ctx, documentID, keys)
	if err != nil {
		logger.Warnw("failed to release unused quiz questions", "document_id", documentID, "error", err.Error())
		return
	}
	logger.Debugw("released unused quiz questions", "document_id", documentID, "count", n)
}

// embed 为候选题目生成向量。未启用近重复检查或嵌入失败时返回 nil。
func (t *QuizTracker) embed(ctx context.Context, questions []model.QuizQuestion) []model.Vector {
	if t.threshold <= 0 || t.embedProvider == nil {
		return nil
	}
	texts := make([]string, len(questions))
	for i, q := range questions {
		texts[i] = q.Question
	}
	vecs, err := t.embedProvider.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		if err != nil {
			logger.Warnw("question embedding failed, falling back to exact dedup", "error", err.Error())
		}
		return nil
	}
	out := make([]model.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = v
	}
	return out
}

func (t *QuizTracker) dropNearDuplicates(
	ctx context.Context,
	documentID string,
	questions []model.QuizQuestion,
	keys []string,
	vectors []model.Vector,
) ([]model.QuizQuestion, []string, []model.Vector, error) {
	history, err := t.quizzes.List(ctx, documentID)
	if err != nil {
		return nil, nil, nil, err
	}
	var reference []model.Vector
	for _, h := range history {
		if len(h.Embedding) > 0 {
			reference = append(reference, h.Embedding)
		}
	}

	var (
		outQ []model.QuizQuestion
		outK []string
		outV []model.Vector
	)
	for i, v := range vectors {
		if t.nearAny(v, reference) || t.nearAny(v, outV) {
			logger.Debugw("dropping near-duplicate question", "document_id", documentID, "question", questions[i].Question)
			continue
		}
		outQ = append(outQ, questions[i])
		outK = append(outK, keys[i])
		outV = append(outV, v)
	}
	return outQ, outK, outV, nil
}

func (t *QuizTracker) nearAny(v model.Vector, others []model.Vector) bool {
	for _, o := range others {
		if len(o) == len(v) && textutil.CosineSimilarity(v, o) >= t.threshold {
			return true
		}
	}
	return false
}

// Recent 返回文档最近出过的 n 道题目，用于提示模型避开。
func (t *QuizTracker) Recent(ctx context.Context, documentID string, n int) ([]string, error) {
	history, err := t.quizzes.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]string, len(history))
	for i, h := range history {
		out[i] = h.Question
	}
	return out, nil
}
