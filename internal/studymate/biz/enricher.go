package biz

import (
	"context"
	"fmt"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/internal/pkg/textutil"
	"github.com/kart-io/studymate/internal/studymate/metrics"
	"github.com/kart-io/studymate/pkg/llm"
)

const synopsisSystemPrompt = `You summarize study material. Write a neutral synopsis of the document in at most five sentences. Mention its subject, scope and main sections. Reply with the synopsis only.`

const enrichSystemPrompt = `You situate an excerpt within its document so it can be found by search. Reply with one to three sentences that say what the excerpt is about and where it fits in the document. Do not repeat the excerpt. Reply with the context only.`

// EnricherConfig 上下文增强配置。
type EnricherConfig struct {
	Enabled bool
	// MaxContextSentences 保留的上下文句子数上限。
	MaxContextSentences int
	// SynopsisMaxChars 生成摘要时送入模型的最大字符数。
	SynopsisMaxChars int
}

// Enricher 为文档生成摘要，为分块生成定位上下文。
type Enricher struct {
	chatProvider llm.ChatProvider
	config       *EnricherConfig
	metrics      *metrics.Metrics
}

// NewEnricher 创建增强器实例。
func NewEnricher(chatProvider llm.ChatProvider, config *EnricherConfig) *Enricher {
	return &Enricher{
		chatProvider: chatProvider,
		config:       config,
		metrics:      metrics.Get(),
	}
}

// Synopsis 生成文档级摘要。模型不可用时退化为文档开头的几个句子。
func (e *Enricher) Synopsis(ctx context.Context, title, text string) string {
	excerpt := textutil.TruncateRunes(text, e.config.SynopsisMaxChars)
	fallback := textutil.TruncateRunes(textutil.FirstSentences(excerpt, 3), 1000)
	if !e.config.Enabled {
		return fallback
	}

	prompt := fmt.Sprintf("Document title: %s\n\nDocument:\n%s", title, excerpt)
	out, err := e.chatProvider.Generate(ctx, prompt, synopsisSystemPrompt, llm.WithMaxTokens(300), llm.WithTemperature(0))
	if err != nil {
		logger.Warnw("synopsis generation failed, using leading sentences",
			"title", title,
			"error", err.Error(),
		)
		return fallback
	}
	if out = textutil.CollapseWhitespace(out); out == "" {
		return fallback
	}
	return out
}

// Enrich 返回分块的定位上下文（1 到 MaxContextSentences 句），不修改分块文本。
// 增强关闭时返回空字符串；模型调用失败时返回中性的占位上下文。
func (e *Enricher) Enrich(ctx context.Context, title, synopsis, chunk string, ordinal int) string {
	if !e.config.Enabled {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Document title: %s\n", title)
	if synopsis != "" {
		fmt.Fprintf(&b, "Document synopsis: %s\n", synopsis)
	}
	fmt.Fprintf(&b, "\nExcerpt (section %d):\n%s", ordinal+1, chunk)

	out, err := e.chatProvider.Generate(ctx, b.String(), enrichSystemPrompt, llm.WithMaxTokens(200), llm.WithTemperature(0))
	if err != nil {
		if ctx.Err() == nil {
			logger.Warnw("chunk enrichment failed, using fallback context",
				"title", title,
				"ordinal", ordinal,
				"error", err.Error(),
			)
		}
		e.metrics.RecordEnrichFallback()
		return FallbackContext(title, ordinal)
	}

	out = textutil.FirstSentences(textutil.CollapseWhitespace(out), e.maxSentences())
	if out == "" {
		e.metrics.RecordEnrichFallback()
		return FallbackContext(title, ordinal)
	}
	return out
}

func (e *Enricher) maxSentences() int {
	n := e.config.MaxContextSentences
	if n < 1 || n > 3 {
		return 3
	}
	return n
}

// FallbackContext 返回增强失败时使用的中性上下文。
func FallbackContext(title string, ordinal int) string {
	return fmt.Sprintf("%s, section %d", title, ordinal+1)
}
