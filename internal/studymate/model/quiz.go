package model

import "time"

// QuizHistoryEntry records a question already presented for a document.
type QuizHistoryEntry struct {
	ID         string `json:"id" gorm:"primaryKey;type:varchar(32)"`
	DocumentID string `json:"document_id" gorm:"type:varchar(32);not null;uniqueIndex:uk_quiz_document_normalized,priority:1"`
	Question   string `json:"question" gorm:"type:text;not null"`
	// Normalized 大小写折叠、空白合并后的题目，唯一索引保证原子去重。
	Normalized string    `json:"-" gorm:"type:varchar(512);not null;uniqueIndex:uk_quiz_document_normalized,priority:2"`
	Embedding  Vector    `json:"-"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`

	Document *Document `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for QuizHistoryEntry.
func (QuizHistoryEntry) TableName() string {
	return "quiz_history"
}

// QuizQuestion is a generated multiple-choice question.
type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}

// Valid reports whether the question is complete enough to present.
func (q *QuizQuestion) Valid() bool {
	if q.Question == "" || q.CorrectAnswer == "" || len(q.Options) < 2 {
		return false
	}
	for _, o := range q.Options {
		if o == q.CorrectAnswer {
			return true
		}
	}
	return false
}
