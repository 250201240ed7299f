// Package metrics 提供 studymate 引擎的业务指标收集。
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics 引擎业务指标。
type Metrics struct {
	// 摄取指标
	uploadsTotal       uint64
	documentsCompleted uint64
	documentsFailed    uint64
	documentsRejected  uint64
	chunksEmbedded     uint64
	enrichFallbacks    uint64 // 增强失败后使用占位上下文的次数

	// 检索指标
	searchesTotal  uint64
	searchErrors   uint64
	searchDuration float64 // 检索总耗时（秒）

	// 问答指标
	asksTotal  uint64
	askErrors  uint64
	askStreams uint64

	// LLM 调用指标
	llmCallsTotal    uint64
	llmCallsErrors   uint64
	llmCallsDuration float64

	// 记忆压缩指标
	summarizations       uint64
	summarizationFailure uint64

	// 测验指标
	quizzesTotal       uint64
	quizzesExhausted   uint64
	questionsAccepted  uint64
	questionsDuplicate uint64

	startTime  time.Time
	durationMu sync.Mutex
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Get 获取全局指标实例。
func Get() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{startTime: time.Now()}
	})
	return global
}

// RecordUpload 记录一次上传。
func (m *Metrics) RecordUpload() {
	atomic.AddUint64(&m.uploadsTotal, 1)
}

// RecordIngestion 记录文档摄取结果。
func (m *Metrics) RecordIngestion(status string, chunks int) {
	switch status {
	case "completed":
		atomic.AddUint64(&m.documentsCompleted, 1)
		atomic.AddUint64(&m.chunksEmbedded, uint64(chunks))
	case "rejected":
		atomic.AddUint64(&m.documentsRejected, 1)
	default:
		atomic.AddUint64(&m.documentsFailed, 1)
	}
}

// RecordEnrichFallback 记录增强降级。
func (m *Metrics) RecordEnrichFallback() {
	atomic.AddUint64(&m.enrichFallbacks, 1)
}

// RecordSearch 记录检索操作。
func (m *Metrics) RecordSearch(duration time.Duration, err error) {
	atomic.AddUint64(&m.searchesTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.searchErrors, 1)
		return
	}
	m.durationMu.Lock()
	m.searchDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordAsk 记录问答请求。
func (m *Metrics) RecordAsk(stream bool, err error) {
	atomic.AddUint64(&m.asksTotal, 1)
	if stream {
		atomic.AddUint64(&m.askStreams, 1)
	}
	if err != nil {
		atomic.AddUint64(&m.askErrors, 1)
	}
}

// RecordLLMCall 记录 LLM 调用。
func (m *Metrics) RecordLLMCall(duration time.Duration, err error) {
	atomic.AddUint64(&m.llmCallsTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.llmCallsErrors, 1)
		return
	}
	m.durationMu.Lock()
	m.llmCallsDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordSummarization 记录会话压缩。
func (m *Metrics) RecordSummarization(err error) {
	if err != nil {
		atomic.AddUint64(&m.summarizationFailure, 1)
		return
	}
	atomic.AddUint64(&m.summarizations, 1)
}

// RecordQuiz 记录测验生成。
func (m *Metrics) RecordQuiz(accepted, duplicates int, exhausted bool) {
	atomic.AddUint64(&m.quizzesTotal, 1)
	atomic.AddUint64(&m.questionsAccepted, uint64(accepted))
	atomic.AddUint64(&m.questionsDuplicate, uint64(duplicates))
	if exhausted {
		atomic.AddUint64(&m.quizzesExhausted, 1)
	}
}

type sample struct {
	name  string
	help  string
	kind  string
	value string
}

func counter(name, help string, v *uint64) sample {
	return sample{name: name, help: help, kind: "counter", value: fmt.Sprintf("%d", atomic.LoadUint64(v))}
}

// Export 导出 Prometheus 文本格式指标。
func (m *Metrics) Export(namespace, subsystem string) string {
	prefix := namespace
	if subsystem != "" {
		prefix = prefix + "_" + subsystem
	}

	m.durationMu.Lock()
	searchDuration := m.searchDuration
	llmDuration := m.llmCallsDuration
	m.durationMu.Unlock()

	samples := []sample{
		counter("uploads_total", "Total number of document uploads.", &m.uploadsTotal),
		counter("documents_completed_total", "Documents that finished ingestion.", &m.documentsCompleted),
		counter("documents_failed_total", "Documents whose ingestion failed.", &m.documentsFailed),
		counter("documents_rejected_total", "Documents rejected by extraction or validation.", &m.documentsRejected),
		counter("chunks_embedded_total", "Chunks enriched and embedded.", &m.chunksEmbedded),
		counter("enrich_fallbacks_total", "Chunks that fell back to a neutral context.", &m.enrichFallbacks),
		counter("searches_total", "Total number of searches.", &m.searchesTotal),
		counter("search_errors_total", "Number of failed searches.", &m.searchErrors),
		{name: "search_duration_seconds_total", help: "Total search duration.", kind: "counter", value: fmt.Sprintf("%.6f", searchDuration)},
		counter("asks_total", "Total number of chat questions.", &m.asksTotal),
		counter("ask_streams_total", "Chat questions answered as a stream.", &m.askStreams),
		counter("ask_errors_total", "Chat questions that failed.", &m.askErrors),
		counter("llm_calls_total", "Total number of chat model calls.", &m.llmCallsTotal),
		counter("llm_calls_errors_total", "Number of chat model call errors.", &m.llmCallsErrors),
		{name: "llm_calls_duration_seconds_total", help: "Total chat model call duration.", kind: "counter", value: fmt.Sprintf("%.6f", llmDuration)},
		counter("summarizations_total", "Conversation compactions.", &m.summarizations),
		counter("summarization_failures_total", "Conversation compactions that failed.", &m.summarizationFailure),
		counter("quizzes_total", "Quiz requests.", &m.quizzesTotal),
		counter("quizzes_exhausted_total", "Quiz requests that could not find enough new questions.", &m.quizzesExhausted),
		counter("quiz_questions_accepted_total", "Questions recorded and returned.", &m.questionsAccepted),
		counter("quiz_questions_duplicate_total", "Candidate questions rejected as duplicates.", &m.questionsDuplicate),
		{name: "uptime_seconds", help: "Service uptime in seconds.", kind: "gauge", value: fmt.Sprintf("%.2f", time.Since(m.startTime).Seconds())},
	}

	var sb strings.Builder
	for _, s := range samples {
		fmt.Fprintf(&sb, "# HELP %s_%s %s\n", prefix, s.name, s.help)
		fmt.Fprintf(&sb, "# TYPE %s_%s %s\n", prefix, s.name, s.kind)
		fmt.Fprintf(&sb, "%s_%s %s\n\n", prefix, s.name, s.value)
	}
	return sb.String()
}

// Stats 返回当前统计信息（用于 API）。
func (m *Metrics) Stats() map[string]interface{} {
	m.durationMu.Lock()
	searchDuration := m.searchDuration
	llmDuration := m.llmCallsDuration
	m.durationMu.Unlock()

	searches := atomic.LoadUint64(&m.searchesTotal)
	avgSearch := 0.0
	if ok := searches - atomic.LoadUint64(&m.searchErrors); ok > 0 {
		avgSearch = searchDuration / float64(ok)
	}

	return map[string]interface{}{
		"ingestion": map[string]interface{}{
			"uploads":          atomic.LoadUint64(&m.uploadsTotal),
			"completed":        atomic.LoadUint64(&m.documentsCompleted),
			"failed":           atomic.LoadUint64(&m.documentsFailed),
			"rejected":         atomic.LoadUint64(&m.documentsRejected),
			"chunks_embedded":  atomic.LoadUint64(&m.chunksEmbedded),
			"enrich_fallbacks": atomic.LoadUint64(&m.enrichFallbacks),
		},
		"search": map[string]interface{}{
			"total":             searches,
			"errors":            atomic.LoadUint64(&m.searchErrors),
			"avg_duration_secs": avgSearch,
		},
		"chat": map[string]interface{}{
			"asks":           atomic.LoadUint64(&m.asksTotal),
			"streams":        atomic.LoadUint64(&m.askStreams),
			"errors":         atomic.LoadUint64(&m.askErrors),
			"summarizations": atomic.LoadUint64(&m.summarizations),
			"summary_errors": atomic.LoadUint64(&m.summarizationFailure),
		},
		"llm": map[string]interface{}{
			"calls_total":         atomic.LoadUint64(&m.llmCallsTotal),
			"errors":              atomic.LoadUint64(&m.llmCallsErrors),
			"total_duration_secs": llmDuration,
		},
		"quiz": map[string]interface{}{
			"total":      atomic.LoadUint64(&m.quizzesTotal),
			"exhausted":  atomic.LoadUint64(&m.quizzesExhausted),
			"accepted":   atomic.LoadUint64(&m.questionsAccepted),
			"duplicates": atomic.LoadUint64(&m.questionsDuplicate),
		},
		"uptime_seconds": time.Since(m.startTime).Seconds(),
	}
}

// Reset 重置所有指标（仅用于测试）。
func (m *Metrics) Reset() {
	for _, v := range []*uint64{
		&m.uploadsTotal, &m.documentsCompleted, &m.documentsFailed, &m.documentsRejected,
		&m.chunksEmbedded, &m.enrichFallbacks, &m.searchesTotal, &m.searchErrors,
		&m.asksTotal, &m.askErrors, &m.askStreams, &m.llmCallsTotal, &m.llmCallsErrors,
		&m.summarizations, &m.summarizationFailure, &m.quizzesTotal, &m.quizzesExhausted,
		&m.questionsAccepted, &m.questionsDuplicate,
	} {
		atomic.StoreUint64(v, 0)
	}

	m.durationMu.Lock()
	m.searchDuration = 0
	m.llmCallsDuration = 0
	m.startTime = time.Now()
	m.durationMu.Unlock()
}
