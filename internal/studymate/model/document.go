// Package model defines the persisted entities of the studymate engine.
package model

import "time"

// DocumentStatus is the processing state of a document.
type DocumentStatus string

// Document lifecycle: pending → validating → processing → completed,
// or failed / rejected from any non-terminal state.
const (
	StatusPending    DocumentStatus = "pending"
	StatusValidating DocumentStatus = "validating"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
	StatusRejected   DocumentStatus = "rejected"
)

// Terminal reports whether no further ingestion transition is expected.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Document is an uploaded study document.
type Document struct {
	ID           string         `json:"id" gorm:"primaryKey;type:varchar(32);comment:文档ID"`
	OwnerID      string         `json:"owner_id" gorm:"type:varchar(64);not null;index:idx_documents_owner;comment:所属用户"`
	Filename     string         `json:"filename" gorm:"type:varchar(255);not null"`
	ContentType  string         `json:"content_type" gorm:"type:varchar(128);not null"`
	Size         int64          `json:"size" gorm:"not null;default:0"`
	Status       DocumentStatus `json:"status" gorm:"type:varchar(16);not null;default:pending;index:idx_documents_status"`
	ErrorMessage *string        `json:"error_message,omitempty" gorm:"type:text"`
	// Summary 文档级摘要，用于分块增强与粗排。
	Summary        *string `json:"summary,omitempty" gorm:"type:text"`
	ChunkCount     int     `json:"chunk_count" gorm:"not null;default:0"`
	TokenCount     int     `json:"token_count" gorm:"not null;default:0"`
	EmbeddingModel string  `json:"embedding_model,omitempty" gorm:"type:varchar(128)"`
	Dimension      int     `json:"dimension,omitempty" gorm:"not null;default:0"`
	// SummaryEmbedding 摘要向量，重建内存索引时使用。
	SummaryEmbedding Vector     `json:"-"`
	CreatedAt        time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// TableName specifies the table name for Document.
func (Document) TableName() string {
	return "documents"
}

// Ready reports whether the document may be searched, chatted with or quizzed on.
func (d *Document) Ready() bool {
	return d != nil && d.Status == StatusCompleted
}

// DocumentList contains a page of documents.
type DocumentList struct {
	TotalCount int64       `json:"total_count"`
	Items      []*Document `json:"items"`
}

// DocumentSource keeps the extracted text of a document so a failed
// ingestion can be re-run without the original upload.
type DocumentSource struct {
	DocumentID string    `gorm:"primaryKey;type:varchar(32)"`
	Text       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`

	Document *Document `gorm:"constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for DocumentSource.
func (DocumentSource) TableName() string {
	return "document_sources"
}
