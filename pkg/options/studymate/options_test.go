package studymate

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptions_Valid(t *testing.T) {
	assert.Empty(t, NewOptions().Validate())
}

func TestOptions_Flags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--chunk.size=200",
		"--memory.mode=async",
		"--retrieval.index=milvus",
		"--quiz.near-duplicate-threshold=0",
	}))
	assert.Equal(t, 200, o.Chunk.Size)
	assert.Equal(t, MemoryModeAsync, o.Memory.Mode)
	assert.Equal(t, IndexMilvus, o.Retrieval.Index)
	assert.Zero(t, o.Quiz.NearDuplicateThreshold)
	assert.Empty(t, o.Validate())
}

func TestOptions_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"重叠比例为 1", func(o *Options) { o.Chunk.OverlapRatio = 1 }},
		{"top-k 超过 max-k", func(o *Options) { o.Retrieval.TopK = 100 }},
		{"未知索引", func(o *Options) { o.Retrieval.Index = "faiss" }},
		{"keep-recent 为 0", func(o *Options) { o.Memory.KeepRecent = 0 }},
		{"未知模式", func(o *Options) { o.Memory.Mode = "lazy" }},
		{"阈值越界", func(o *Options) { o.Quiz.NearDuplicateThreshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			tt.mutate(o)
			assert.NotEmpty(t, o.Validate())
		})
	}
}

func TestOptions_Complete(t *testing.T) {
	o := &Options{}
	require.NoError(t, o.Complete())
	assert.Equal(t, 400, o.Chunk.Size)
	assert.Equal(t, 12, o.Quiz.SampleChunks)
}
