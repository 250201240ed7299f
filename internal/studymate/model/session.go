package model

import "time"

// SessionState is the compaction state of a chat session.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionSummarizing SessionState = "summarizing"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatSession is a conversation, optionally scoped to one document.
type ChatSession struct {
	ID      string `json:"id" gorm:"primaryKey;type:varchar(32)"`
	OwnerID string `json:"owner_id" gorm:"type:varchar(64);not null;index:idx_sessions_owner_updated,priority:1"`
	// DocumentID 弱引用，文档删除后会话降级为不可用。
	DocumentID *string `json:"document_id,omitempty" gorm:"type:varchar(32);index:idx_sessions_document"`
	Title      string  `json:"title" gorm:"type:varchar(255)"`
	Summary    *string `json:"summary,omitempty" gorm:"type:text"`
	// SummarizedUntil 最后一条已压缩消息的 Seq，0 表示尚未压缩。
	SummarizedUntil int          `json:"summarized_until" gorm:"not null;default:0"`
	State           SessionState `json:"state" gorm:"type:varchar(16);not null;default:active"`
	Unavailable     bool         `json:"unavailable" gorm:"not null;default:false"`
	MessageCount    int          `json:"message_count" gorm:"not null;default:0"`
	CreatedAt       time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"index:idx_sessions_owner_updated,priority:2"`
}

// TableName specifies the table name for ChatSession.
func (ChatSession) TableName() string {
	return "chat_sessions"
}

// SummaryText returns the rolling summary, or "".
func (s *ChatSession) SummaryText() string {
	if s.Summary == nil {
		return ""
	}
	return *s.Summary
}

// ChatMessage is one append-only turn of a session.
type ChatMessage struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(32)"`
	SessionID string `json:"session_id" gorm:"type:varchar(32);not null;uniqueIndex:uk_messages_session_seq,priority:1"`
	// Seq 会话内严格递增的序号。
	Seq        int       `json:"seq" gorm:"not null;uniqueIndex:uk_messages_session_seq,priority:2"`
	Role       string    `json:"role" gorm:"type:varchar(16);not null"`
	Content    string    `json:"content" gorm:"type:text;not null"`
	TokenCount int       `json:"token_count" gorm:"not null;default:0"`
	Summarized bool      `json:"summarized" gorm:"not null;default:false"`
	CreatedAt  time.Time `json:"created_at"`

	Session *ChatSession `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for ChatMessage.
func (ChatMessage) TableName() string {
	return "chat_messages"
}
