package model

import (
	"strings"
	"time"
)

// ChunkState tags how far a chunk has progressed through ingestion.
type ChunkState string

const (
	// ChunkTextOnly chunks carry text only; context and embedding are absent.
	ChunkTextOnly ChunkState = "text_only"
	// ChunkEmbedded chunks carry the final context and the embedding
	// computed over it.
	ChunkEmbedded ChunkState = "enriched_and_embedded"
)

// Chunk is a bounded slice of a document's text.
type Chunk struct {
	ID         string `json:"id" gorm:"primaryKey;type:varchar(32)"`
	DocumentID string `json:"document_id" gorm:"type:varchar(32);not null;uniqueIndex:uk_chunks_document_ordinal,priority:1"`
	// Ordinal 阅读顺序，同一文档内从 0 连续递增。
	Ordinal        int        `json:"ordinal" gorm:"not null;uniqueIndex:uk_chunks_document_ordinal,priority:2"`
	Text           string     `json:"text" gorm:"type:text;not null"`
	Context        *string    `json:"context,omitempty" gorm:"type:text"`
	State          ChunkState `json:"state" gorm:"type:varchar(32);not null;default:text_only"`
	Embedding      Vector     `json:"-"`
	EmbeddingModel string     `json:"embedding_model,omitempty" gorm:"type:varchar(128)"`
	Dimension      int        `json:"dimension,omitempty" gorm:"not null;default:0"`
	TokenCount     int        `json:"token_count" gorm:"not null;default:0"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`

	Document *Document `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for Chunk.
func (Chunk) TableName() string {
	return "chunks"
}

// Embedded reports whether the chunk has its final context and embedding.
func (c *Chunk) Embedded() bool {
	return c.State == ChunkEmbedded && len(c.Embedding) > 0
}

// ContextText returns the chunk context, or "" when not enriched yet.
func (c *Chunk) ContextText() string {
	if c.Context == nil {
		return ""
	}
	return *c.Context
}

// EmbeddingInput is the text an embedding of this chunk is computed over.
func EmbeddingInput(context, text string) string {
	context = strings.TrimSpace(context)
	if context == "" {
		return text
	}
	return context + "\n\n" + text
}
