// Package studymate provides the engine options: chunking, enrichment,
// ingestion, retrieval, memory, quiz and answer generation.
package studymate

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/studymate/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Index backends.
const (
	IndexMemory = "memory"
	IndexMilvus = "milvus"
)

// Memory compaction modes.
const (
	MemoryModeSync  = "sync"
	MemoryModeAsync = "async"
)

// ChunkOptions 分块配置。
type ChunkOptions struct {
	// Size 目标分块大小（估算 token）。
	Size int `json:"size" mapstructure:"size"`
	// OverlapRatio 相邻分块的重叠比例。
	OverlapRatio float64 `json:"overlap-ratio" mapstructure:"overlap-ratio"`
	// MinTokens 文档最少 token 数，低于该值视为校验失败。
	MinTokens int `json:"min-tokens" mapstructure:"min-tokens"`
}

// EnrichOptions 上下文增强配置。
type EnrichOptions struct {
	Enabled             bool `json:"enabled" mapstructure:"enabled"`
	MaxContextSentences int  `json:"max-context-sentences" mapstructure:"max-context-sentences"`
	// SynopsisMaxChars 生成文档摘要时送入模型的最大字符数。
	SynopsisMaxChars int `json:"synopsis-max-chars" mapstructure:"synopsis-max-chars"`
}

// IngestOptions 文档摄取配置。
type IngestOptions struct {
	// Workers 单个文档内并发增强与嵌入的分块数。
	Workers int `json:"workers" mapstructure:"workers"`
	// Documents 并行处理的文档数。
	Documents    int      `json:"documents" mapstructure:"documents"`
	MaxFileSize  int64    `json:"max-file-size" mapstructure:"max-file-size"`
	AllowedTypes []string `json:"allowed-types" mapstructure:"allowed-types"`
}

// RetrievalOptions 检索配置。
type RetrievalOptions struct {
	TopK int `json:"top-k" mapstructure:"top-k"`
	MaxK int `json:"max-k" mapstructure:"max-k"`
	// Index 向量索引后端（memory|milvus）。
	Index string `json:"index" mapstructure:"index"`
	// CoarseDocs 全库检索时先按文档摘要保留的文档数，0 表示关闭粗排。
	CoarseDocs int `json:"coarse-docs" mapstructure:"coarse-docs"`
	// Partitions 内存索引的粗分区数，0 表示精确扫描。
	Partitions int `json:"partitions" mapstructure:"partitions"`
}

// MemoryOptions 对话记忆配置。
type MemoryOptions struct {
	SummarizeThreshold int    `json:"summarize-threshold" mapstructure:"summarize-threshold"`
	KeepRecent         int    `json:"keep-recent" mapstructure:"keep-recent"`
	ContextBudget      int    `json:"context-budget" mapstructure:"context-budget"`
	Mode               string `json:"mode" mapstructure:"mode"`
}

// QuizOptions 测验生成配置。
type QuizOptions struct {
	MaxRounds int `json:"max-rounds" mapstructure:"max-rounds"`
	// NearDuplicateThreshold 语义近重复阈值，0 表示只做精确去重。
	NearDuplicateThreshold float64 `json:"near-duplicate-threshold" mapstructure:"near-duplicate-threshold"`
	SampleChunks           int     `json:"sample-chunks" mapstructure:"sample-chunks"`
	MaxCount               int     `json:"max-count" mapstructure:"max-count"`
}

// GenerationOptions 回答生成配置。
type GenerationOptions struct {
	AnswerMaxTokens int           `json:"answer-max-tokens" mapstructure:"answer-max-tokens"`
	RequestTimeout  time.Duration `json:"request-timeout" mapstructure:"request-timeout"`
	// ExpandContext 在提示词中附带命中分块的相邻分块。
	ExpandContext bool `json:"expand-context" mapstructure:"expand-context"`
}

// Options 引擎配置。
type Options struct {
	Chunk      *ChunkOptions      `json:"chunk" mapstructure:"chunk"`
	Enrich     *EnrichOptions     `json:"enrich" mapstructure:"enrich"`
	Ingest     *IngestOptions     `json:"ingest" mapstructure:"ingest"`
	Retrieval  *RetrievalOptions  `json:"retrieval" mapstructure:"retrieval"`
	Memory     *MemoryOptions     `json:"memory" mapstructure:"memory"`
	Quiz       *QuizOptions       `json:"quiz" mapstructure:"quiz"`
	Generation *GenerationOptions `json:"generation" mapstructure:"generation"`
}

// NewOptions 创建默认引擎配置。
func NewOptions() *Options {
	return &Options{
		Chunk: &ChunkOptions{
			Size:         400,
			OverlapRatio: 0.15,
			MinTokens:    20,
		},
		Enrich: &EnrichOptions{
			Enabled:             true,
			MaxContextSentences: 3,
			SynopsisMaxChars:    6000,
		},
		Ingest: &IngestOptions{
			Workers:     4,
			Documents:   2,
			MaxFileSize: 20 << 20,
			AllowedTypes: []string{
				"text/plain", "text/markdown", "application/pdf", "text/html",
			},
		},
		Retrieval: &RetrievalOptions{
			TopK:       5,
			MaxK:       50,
			Index:      IndexMemory,
			CoarseDocs: 10,
		},
		Memory: &MemoryOptions{
			SummarizeThreshold: 1500,
			KeepRecent:         4,
			ContextBudget:      3000,
			Mode:               MemoryModeSync,
		},
		Quiz: &QuizOptions{
			MaxRounds:              3,
			NearDuplicateThreshold: 0.95,
			SampleChunks:           12,
			MaxCount:               20,
		},
		Generation: &GenerationOptions{
			AnswerMaxTokens: 1024,
			RequestTimeout:  60 * time.Second,
			ExpandContext:   true,
		},
	}
}

// AddFlags adds flags for engine options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...)

	fs.IntVar(&o.Chunk.Size, p+"chunk.size", o.Chunk.Size, "Target chunk size in estimated tokens.")
	fs.Float64Var(&o.Chunk.OverlapRatio, p+"chunk.overlap-ratio", o.Chunk.OverlapRatio, "Fraction of a chunk repeated at the head of the next chunk.")
	fs.IntVar(&o.Chunk.MinTokens, p+"chunk.min-tokens", o.Chunk.MinTokens, "Documents below this token count are rejected.")

	fs.BoolVar(&o.Enrich.Enabled, p+"enrich.enabled", o.Enrich.Enabled, "Generate a situating context for every chunk.")
	fs.IntVar(&o.Enrich.MaxContextSentences, p+"enrich.max-context-sentences", o.Enrich.MaxContextSentences, "Maximum sentences kept from a generated chunk context.")
	fs.IntVar(&o.Enrich.SynopsisMaxChars, p+"enrich.synopsis-max-chars", o.Enrich.SynopsisMaxChars, "Maximum document characters sent when producing the synopsis.")

	fs.IntVar(&o.Ingest.Workers, p+"ingest.workers", o.Ingest.Workers, "Concurrent chunk enrich and embed tasks per document.")
	fs.IntVar(&o.Ingest.Documents, p+"ingest.documents", o.Ingest.Documents, "Documents ingested in parallel.")
	fs.Int64Var(&o.Ingest.MaxFileSize, p+"ingest.max-file-size", o.Ingest.MaxFileSize, "Maximum upload size in bytes.")
	fs.StringSliceVar(&o.Ingest.AllowedTypes, p+"ingest.allowed-types", o.Ingest.AllowedTypes, "Accepted content types.")

	fs.IntVar(&o.Retrieval.TopK, p+"retrieval.top-k", o.Retrieval.TopK, "Default number of passages returned by search.")
	fs.IntVar(&o.Retrieval.MaxK, p+"retrieval.max-k", o.Retrieval.MaxK, "Upper bound for a requested k.")
	fs.StringVar(&o.Retrieval.Index, p+"retrieval.index", o.Retrieval.Index, "Vector index backend (memory|milvus).")
	fs.IntVar(&o.Retrieval.CoarseDocs, p+"retrieval.coarse-docs", o.Retrieval.CoarseDocs, "Documents kept by summary ranking before chunk search, 0 disables.")
	fs.IntVar(&o.Retrieval.Partitions, p+"retrieval.partitions", o.Retrieval.Partitions, "Coarse partitions of the in-memory index, 0 scans exactly.")

	fs.IntVar(&o.Memory.SummarizeThreshold, p+"memory.summarize-threshold", o.Memory.SummarizeThreshold, "Un-summarized tail tokens that trigger compaction.")
	fs.IntVar(&o.Memory.KeepRecent, p+"memory.keep-recent", o.Memory.KeepRecent, "Newest messages kept raw when compacting.")
	fs.IntVar(&o.Memory.ContextBudget, p+"memory.context-budget", o.Memory.ContextBudget, "Token budget of the conversation context in a prompt.")
	fs.StringVar(&o.Memory.Mode, p+"memory.mode", o.Memory.Mode, "Compaction mode (sync|async).")

	fs.IntVar(&o.Quiz.MaxRounds, p+"quiz.max-rounds", o.Quiz.MaxRounds, "Generation rounds before giving up on novel questions.")
	fs.Float64Var(&o.Quiz.NearDuplicateThreshold, p+"quiz.near-duplicate-threshold", o.Quiz.NearDuplicateThreshold, "Cosine similarity rejecting near-duplicate questions, 0 disables.")
	fs.IntVar(&o.Quiz.SampleChunks, p+"quiz.sample-chunks", o.Quiz.SampleChunks, "Chunks sampled across the document for quiz generation.")
	fs.IntVar(&o.Quiz.MaxCount, p+"quiz.max-count", o.Quiz.MaxCount, "Maximum questions per quiz request.")

	fs.IntVar(&o.Generation.AnswerMaxTokens, p+"generation.answer-max-tokens", o.Generation.AnswerMaxTokens, "Token cap passed to the chat model for answers.")
	fs.DurationVar(&o.Generation.RequestTimeout, p+"generation.request-timeout", o.Generation.RequestTimeout, "Deadline of one interactive request.")
	fs.BoolVar(&o.Generation.ExpandContext, p+"generation.expand-context", o.Generation.ExpandContext, "Include neighbouring chunks of each hit in the prompt.")
}

// Validate validates the engine options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Chunk.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunk.size must be positive"))
	}
	if o.Chunk.OverlapRatio < 0 || o.Chunk.OverlapRatio >= 1 {
		errs = append(errs, fmt.Errorf("chunk.overlap-ratio must be in [0, 1)"))
	}
	if o.Chunk.MinTokens < 0 {
		errs = append(errs, fmt.Errorf("chunk.min-tokens must not be negative"))
	}
	if o.Ingest.Workers <= 0 || o.Ingest.Documents <= 0 {
		errs = append(errs, fmt.Errorf("ingest.workers and ingest.documents must be positive"))
	}
	if o.Ingest.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max-file-size must be positive"))
	}
	if o.Retrieval.TopK <= 0 || o.Retrieval.TopK > o.Retrieval.MaxK {
		errs = append(errs, fmt.Errorf("retrieval.top-k must be in [1, max-k]"))
	}
	switch o.Retrieval.Index {
	case IndexMemory, IndexMilvus:
	default:
		errs = append(errs, fmt.Errorf("unsupported retrieval.index %q", o.Retrieval.Index))
	}
	if o.Memory.KeepRecent < 1 {
		errs = append(errs, fmt.Errorf("memory.keep-recent must be at least 1"))
	}
	if o.Memory.ContextBudget <= 0 || o.Memory.SummarizeThreshold <= 0 {
		errs = append(errs, fmt.Errorf("memory.context-budget and memory.summarize-threshold must be positive"))
	}
	switch o.Memory.Mode {
	case MemoryModeSync, MemoryModeAsync:
	default:
		errs = append(errs, fmt.Errorf("unsupported memory.mode %q", o.Memory.Mode))
	}
	if o.Quiz.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("quiz.max-rounds must be at least 1"))
	}
	if o.Quiz.NearDuplicateThreshold < 0 || o.Quiz.NearDuplicateThreshold > 1 {
		errs = append(errs, fmt.Errorf("quiz.near-duplicate-threshold must be in [0, 1]"))
	}
	if o.Generation.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("generation.request-timeout must be positive"))
	}
	return errs
}

// Complete fills nil sections with defaults.
func (o *Options) Complete() error {
	d := NewOptions()
	if o.Chunk == nil {
		o.Chunk = d.Chunk
	}
	if o.Enrich == nil {
		o.Enrich = d.Enrich
	}
	if o.Ingest == nil {
		o.Ingest = d.Ingest
	}
	if o.Retrieval == nil {
		o.Retrieval = d.Retrieval
	}
	if o.Memory == nil {
		o.Memory = d.Memory
	}
	if o.Quiz == nil {
		o.Quiz = d.Quiz
	}
	if o.Generation == nil {
		o.Generation = d.Generation
	}
	if o.Quiz.SampleChunks <= 0 {
		o.Quiz.SampleChunks = d.Quiz.SampleChunks
	}
	return nil
}
