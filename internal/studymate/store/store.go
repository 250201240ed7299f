// Package store persists documents, chunks, chat sessions and quiz history
// through gorm.
package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/kart-io/studymate/internal/studymate/model"
)

// Factory defines the factory interface for creating stores.
type Factory interface {
	Documents() DocumentStore
	Chunks() ChunkStore
	Sessions() SessionStore
	Messages() MessageStore
	Quizzes() QuizStore
	AutoMigrate() error
}

// DeleteResult reports the rows removed or degraded by a document deletion.
type DeleteResult struct {
	Chunks      int64 `json:"chunks"`
	QuizEntries int64 `json:"quiz_entries"`
	Sessions    int64 `json:"degraded_sessions"`
}

// DocumentStore defines the document storage interface.
type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
	GetOwned(ctx context.Context, ownerID, id string) (*model.Document, error)
	GetMany(ctx context.Context, ids []string) (map[string]*model.Document, error)
	List(ctx context.Context, ownerID string, offset, limit int) (*model.DocumentList, error)
	// ListCompleted lists completed documents. An empty ownerID lists all owners.
	ListCompleted(ctx context.Context, ownerID string) ([]*model.Document, error)
	// Transition moves a document from one status to another and reports
	// whether the document was in the expected status.
	Transition(ctx context.Context, id string, from, to model.DocumentStatus, fields map[string]interface{}) (bool, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	Delete(ctx context.Context, id string) (*DeleteResult, error)
	CountByStatus(ctx context.Context, ownerID string) (map[model.DocumentStatus]int64, error)
	// SaveSource stores or replaces the extracted text of a document.
	SaveSource(ctx context.Context, id, text string) error
	GetSource(ctx context.Context, id string) (string, error)
	// FailInterrupted marks every non-terminal document failed with message
	// and returns how many were marked.
	FailInterrupted(ctx context.Context, message string) (int64, error)
}

// ChunkStore defines the chunk storage interface.
type ChunkStore interface {
	CreateBatch(ctx context.Context, chunks []*model.Chunk) error
	// Embed writes the final context and the embedding derived from it in
	// one update, flipping the chunk to ChunkEmbedded.
	Embed(ctx context.Context, id, chunkContext string, vector []float32, embeddingModel string) error
	ListByDocument(ctx context.Context, documentID string) ([]*model.Chunk, error)
	ListByOrdinals(ctx context.Context, documentID string, ordinals []int) ([]*model.Chunk, error)
	GetMany(ctx context.Context, ids []string) ([]*model.Chunk, error)
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)
	CountByState(ctx context.Context, documentID string) (map[model.ChunkState]int64, error)
	Count(ctx context.Context, ownerID string) (int64, error)
}

// SessionStore defines the chat session storage interface.
type SessionStore interface {
	Create(ctx context.Context, session *model.ChatSession) error
	Get(ctx context.Context, id string) (*model.ChatSession, error)
	GetOwned(ctx context.Context, ownerID, id string) (*model.ChatSession, error)
	ListRecent(ctx context.Context, ownerID string, limit int) ([]*model.ChatSession, error)
	Delete(ctx context.Context, id string) error
	// CompareAndSetState changes the session state only when it equals from.
	CompareAndSetState(ctx context.Context, id string, from, to model.SessionState) (bool, error)
	// SaveSummary stores a new rolling summary covering every message up to
	// and including seq, and returns the session to the active state.
	SaveSummary(ctx context.Context, id, summary string, seq int) error
	// ResetSummarizing returns every summarizing session to active.
	ResetSummarizing(ctx context.Context) (int64, error)
}

// MessageStore defines the chat message storage interface.
type MessageStore interface {
	// Append inserts messages at the tail of the session under a row lock
	// and refreshes the session's updated_at.
	Append(ctx context.Context, sessionID string, messages ...*model.ChatMessage) (*model.ChatSession, error)
	List(ctx context.Context, sessionID string) ([]*model.ChatMessage, error)
	ListAfter(ctx context.Context, sessionID string, seq int) ([]*model.ChatMessage, error)
}

// QuizStore defines the quiz history storage interface.
type QuizStore interface {
	// RecordNovel inserts entries in order until want of them were new,
	// inside one transaction that first checks the document is still
	// completed. It returns the indexes of the accepted entries.
	RecordNovel(ctx context.Context, documentID string, entries []*model.QuizHistoryEntry, want int) ([]int, error)
	List(ctx context.Context, documentID string) ([]*model.QuizHistoryEntry, error)
	Count(ctx context.Context, documentID string) (int64, error)
	// Delete removes the entries of a document with the given normalized texts.
	Delete(ctx context.Context, documentID string, normalized []string) (int64, error)
}

// datastore implements the Factory interface.
type datastore struct {
	db *gorm.DB
}

var _ Factory = (*datastore)(nil)

// New returns a Factory backed by db.
func New(db *gorm.DB) Factory {
	return &datastore{db: db}
}

// Documents returns the document store.
func (ds *datastore) Documents() DocumentStore {
	return newDocuments(ds.db)
}

// Chunks returns the chunk store.
func (ds *datastore) Chunks() ChunkStore {
	return newChunks(ds.db)
}

// Sessions returns the session store.
func (ds *datastore) Sessions() SessionStore {
	return newSessions(ds.db)
}

// Messages returns the message store.
func (ds *datastore) Messages() MessageStore {
	return newMessages(ds.db)
}

// Quizzes returns the quiz history store.
func (ds *datastore) Quizzes() QuizStore {
	return newQuizzes(ds.db)
}

// AutoMigrate migrates the database schema.
func (ds *datastore) AutoMigrate() error {
	return ds.db.AutoMigrate(
		&model.Document{},
		&model.DocumentSource{},
		&model.Chunk{},
		&model.ChatSession{},
		&model.ChatMessage{},
		&model.QuizHistoryEntry{},
	)
}
