// Package biz implements the ingestion pipeline, retrieval, conversational
// memory and the answer and quiz orchestration of the studymate engine.
package biz

import (
	"strings"
	"unicode/utf8"

	"github.com/kart-io/studymate/internal/pkg/textutil"
	"github.com/kart-io/studymate/pkg/utils/errors"
)

// ChunkerConfig 分块器配置。
type ChunkerConfig struct {
	// ChunkSize 目标分块大小（估算 token）。
	ChunkSize int
	// OverlapRatio 相邻分块的重叠比例。
	OverlapRatio float64
	// MinTokens 文档最少 token 数。
	MinTokens int
}

// Chunker 按段落和句子边界切分文本。
type Chunker struct {
	config *ChunkerConfig
}

// NewChunker 创建分块器实例。
func NewChunker(config *ChunkerConfig) *Chunker {
	return &Chunker{config: config}
}

// unit 是分块的最小单位：一个句子，或超长句子按词切出的片段。
// sentence 是所属句子的序号，同一句子的片段共享序号。
type unit struct {
	text      string
	tokens    int
	sentence  int
	paraStart bool
	fragment  bool
}

// Split 将文本切分为有序的分块。
// 内容为空或 token 数低于 MinTokens 时返回 ErrValidationFailed。
func (c *Chunker) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.ErrValidationFailed.WithMessage("document has no readable text")
	}
	total := textutil.EstimateTokens(text)
	if total < c.config.MinTokens {
		return nil, errors.ErrValidationFailed.WithMessagef(
			"document is too short: %d tokens, at least %d required", total, c.config.MinTokens)
	}

	units := c.units(text)
	if len(units) == 0 {
		return nil, errors.ErrValidationFailed.WithMessage("document has no readable text")
	}
	return c.pack(units), nil
}

func (c *Chunker) units(text string) []unit {
	var (
		out []unit
		seq int
	)
	for _, para := range textutil.SplitParagraphs(text) {
		first := true
		for _, s := range textutil.SplitSentences(para) {
			tokens := textutil.EstimateTokens(s)
			if tokens <= c.config.ChunkSize {
				out = append(out, unit{text: s, tokens: tokens, sentence: seq, paraStart: first})
			} else {
				for i, piece := range c.splitWords(s) {
					out = append(out, unit{
						text:      piece,
						tokens:    textutil.EstimateTokens(piece),
						sentence:  seq,
						paraStart: first && i == 0,
						fragment:  true,
					})
				}
			}
			first = false
			seq++
		}
	}
	return out
}

// splitWords 将超长句子按词切成不超过 ChunkSize 的片段。
// 单个词本身超过 ChunkSize 时按字符切开。
func (c *Chunker) splitWords(sentence string) []string {
	var (
		out []string
		cur []string
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, textutil.JoinWords(cur))
			cur = nil
		}
	}
	for _, w := range textutil.SplitWords(sentence) {
		if textutil.EstimateTokens(w) > c.config.ChunkSize {
			flush()
			for w != "" {
				piece := textutil.TruncateTokens(w, c.config.ChunkSize)
				if piece == "" {
					_, n := utf8.DecodeRuneInString(w)
					piece = w[:n]
				}
				out = append(out, piece)
				w = w[len(piece):]
			}
			continue
		}
		next := append(cur, w)
		if len(cur) > 0 && textutil.EstimateTokens(textutil.JoinWords(next)) > c.config.ChunkSize {
			flush()
			cur = []string{w}
			continue
		}
		cur = next
	}
	flush()
	return out
}

// pack 按顺序装箱。每个分块的 token 数不超过 ChunkSize；
// fresh 表示 cur 中含有上一分块之外的新内容。
func (c *Chunker) pack(units []unit) []string {
	var (
		chunks []string
		cur    []unit
		size   int
		fresh  bool
	)
	for _, u := range units {
		for {
			if len(cur) == 0 || size+u.tokens <= c.config.ChunkSize {
				cur = append(cur, u)
				size += u.tokens
				fresh = true
				break
			}
			if fresh {
				chunks = append(chunks, join(cur))
				cur = c.overlap(cur, u.tokens)
				size = sumTokens(cur)
				fresh = false
				continue
			}
			// cur 只剩重叠部分且放不下 u，拆出 u 能放下的前半段
			head, rest, ok := cutWords(u, c.config.ChunkSize-size)
			if !ok {
				cur, size = nil, 0
				continue
			}
			cur = append(cur, head)
			size += head.tokens
			fresh = true
			u = rest
		}
	}
	if fresh {
		chunks = append(chunks, join(cur))
	}
	return chunks
}

// overlap 返回下一分块开头需要重复的单位。
// 边界句子在本分块中的部分总是保留；之前的完整句子在不超过重叠目标
// 且能给 next 留出空间时一并保留。边界句子过长时只保留末尾的词窗口。
func (c *Chunker) overlap(prev []unit, next int) []unit {
	if c.config.OverlapRatio <= 0 || len(prev) == 0 {
		return nil
	}
	target := c.overlapTarget()
	last := prev[len(prev)-1]
	start, size := len(prev), 0
	for start > 0 && prev[start-1].sentence == last.sentence {
		start--
		size += prev[start].tokens
	}
	if size > c.config.ChunkSize-target {
		return tailWindow(prev[start:], target)
	}
	for start > 0 {
		u := prev[start-1]
		if u.fragment || size+u.tokens > target || size+u.tokens+next > c.config.ChunkSize {
			break
		}
		size += u.tokens
		start--
	}
	out := make([]unit, len(prev)-start)
	copy(out, prev[start:])
	return out
}

func (c *Chunker) overlapTarget() int {
	target := int(float64(c.config.ChunkSize) * c.config.OverlapRatio)
	if target < 1 {
		target = 1
	}
	return target
}

// tailWindow 返回 units 末尾不超过 target token 的词，至少一个词。
func tailWindow(units []unit, target int) []unit {
	words := textutil.SplitWords(join(units))
	if len(words) == 0 {
		return nil
	}
	k := len(words) - 1
	for k > 0 && textutil.EstimateTokens(textutil.JoinWords(words[k-1:])) <= target {
		k--
	}
	text := textutil.JoinWords(words[k:])
	return []unit{{
		text:     text,
		tokens:   textutil.EstimateTokens(text),
		sentence: units[len(units)-1].sentence,
		fragment: true,
	}}
}

// cutWords 按词拆分 u，前半段不超过 budget token 且后半段非空。
// 一个词都放不下时返回 false。
func cutWords(u unit, budget int) (unit, unit, bool) {
	words := textutil.SplitWords(u.text)
	k := 0
	for k < len(words)-1 && textutil.EstimateTokens(textutil.JoinWords(words[:k+1])) <= budget {
		k++
	}
	if k == 0 {
		return unit{}, unit{}, false
	}
	headText, restText := textutil.JoinWords(words[:k]), textutil.JoinWords(words[k:])
	head := unit{
		text:      headText,
		tokens:    textutil.EstimateTokens(headText),
		sentence:  u.sentence,
		paraStart: u.paraStart,
		fragment:  true,
	}
	rest := unit{
		text:     restText,
		tokens:   textutil.EstimateTokens(restText),
		sentence: u.sentence,
		fragment: true,
	}
	return head, rest, true
}

func sumTokens(units []unit) int {
	n := 0
	for _, u := range units {
		n += u.tokens
	}
	return n
}

func join(units []unit) string {
	var b strings.Builder
	for i, u := range units {
		if i > 0 {
			switch {
			case u.paraStart:
				b.WriteString("\n\n")
			case !cjkBoundary(units[i-1].text, u.text):
				b.WriteByte(' ')
			}
		}
		b.WriteString(u.text)
	}
	return b.String()
}

func cjkBoundary(prev, next string) bool {
	a, _ := utf8.DecodeLastRuneInString(prev)
	b, _ := utf8.DecodeRuneInString(next)
	return isWide(a) && isWide(b)
}

func isWide(r rune) bool {
	return r >= 0x2E80 && r <= 0x9FFF || r >= 0xAC00 && r <= 0xD7AF || r >= 0xFF00 && r <= 0xFFEF
}
