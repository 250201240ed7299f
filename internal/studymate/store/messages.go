package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/id"
)

type messages struct {
	db *gorm.DB
}

func newMessages(db *gorm.DB) *messages {
	return &messages{db: db}
}

// Append inserts messages after the current tail of the session.
func (s *messages) Append(ctx context.Context, sessionID string, items ...*model.ChatMessage) (*model.ChatSession, error) {
	var session model.ChatSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).
			First(&session).Error
		if err != nil {
			return sessionError(sessionID, err)
		}

		now := time.Now().UTC()
		seq := session.MessageCount
		for _, m := range items {
			seq++
			if m.ID == "" {
				m.ID = id.NewULID()
			}
			m.SessionID = sessionID
			m.Seq = seq
			m.CreatedAt = now
		}
		if len(items) > 0 {
			if err := tx.Create(items).Error; err != nil {
				return errors.ErrDatabase.WithCause(err)
			}
		}

		session.MessageCount = seq
		session.UpdatedAt = now
		err = tx.Model(&model.ChatSession{}).Where("id = ?", sessionID).UpdateColumns(map[string]interface{}{
			"message_count": seq,
			"updated_at":    now,
		}).Error
		if err != nil {
			return errors.ErrDatabase.WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// List lists every message of a session in order.
func (s *messages) List(ctx context.Context, sessionID string) ([]*model.ChatMessage, error) {
	return s.ListAfter(ctx, sessionID, 0)
}

// ListAfter lists the messages of a session with Seq greater than seq.
func (s *messages) ListAfter(ctx context.Context, sessionID string, seq int) ([]*model.ChatMessage, error) {
	var out []*model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, seq).
		Order("seq").
		Find(&out).Error
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return out, nil
}
