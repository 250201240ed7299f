package store

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/utils/errors"
)

type sessions struct {
	db *gorm.DB
}

func newSessions(db *gorm.DB) *sessions {
	return &sessions{db: db}
}

// Create creates a new chat session.
func (s *sessions) Create(ctx context.Context, session *model.ChatSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *sessions) Get(ctx context.Context, id string) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, sessionError(id, err)
	}
	return &session, nil
}

// GetOwned retrieves a session owned by ownerID.
func (s *sessions) GetOwned(ctx context.Context, ownerID, id string) (*model.ChatSession, error) {
	var session model.ChatSession
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&session).Error
	if err != nil {
		return nil, sessionError(id, err)
	}
	return &session, nil
}

// ListRecent lists the sessions of an owner by most recent activity.
func (s *sessions) ListRecent(ctx context.Context, ownerID string, limit int) ([]*model.ChatSession, error) {
	var out []*model.ChatSession
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return out, nil
}

// Delete removes a session and its messages.
func (s *sessions) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&model.ChatMessage{}).Error; err != nil {
			return errors.ErrDatabase.WithCause(err)
		}
		r := tx.Where("id = ?", id).Delete(&model.ChatSession{})
		if r.Error != nil {
			return errors.ErrDatabase.WithCause(r.Error)
		}
		if r.RowsAffected == 0 {
			return errors.ErrSessionNotFound
		}
		return nil
	})
}

// CompareAndSetState changes the session state when it equals from.
func (s *sessions) CompareAndSetState(ctx context.Context, id string, from, to model.SessionState) (bool, error) {
	r := s.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("id = ? AND state = ?", id, from).
		UpdateColumn("state", to)
	if r.Error != nil {
		return false, errors.ErrDatabase.WithCause(r.Error)
	}
	return r.RowsAffected == 1, nil
}

// SaveSummary marks messages up to seq as summarized and stores summary.
// A seq not beyond the current summarization point is ignored.
func (s *sessions) SaveSummary(ctx context.Context, id, summary string, seq int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Model(&model.ChatSession{}).
			Where("id = ? AND summarized_until < ?", id, seq).
			UpdateColumns(map[string]interface{}{
				"summary":          summary,
				"summarized_until": seq,
				"state":            model.SessionActive,
			})
		if r.Error != nil {
			return errors.ErrDatabase.WithCause(r.Error)
		}
		if r.RowsAffected == 0 {
			return nil
		}
		err := tx.Model(&model.ChatMessage{}).
			Where("session_id = ? AND seq <= ? AND summarized = ?", id, seq, false).
			UpdateColumn("summarized", true).Error
		if err != nil {
			return errors.ErrDatabase.WithCause(err)
		}
		return nil
	})
}

// ResetSummarizing returns sessions stuck in summarizing to active.
func (s *sessions) ResetSummarizing(ctx context.Context) (int64, error) {
	r := s.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("state = ?", model.SessionSummarizing).
		UpdateColumn("state", model.SessionActive)
	if r.Error != nil {
		return 0, errors.ErrDatabase.WithCause(r.Error)
	}
	return r.RowsAffected, nil
}

func sessionError(id string, err error) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.ErrSessionNotFound.WithMessagef("chat session %s not found, start a new session", id)
	}
	return errors.ErrDatabase.WithCause(err)
}
