package store

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/id"
)

type quizzes struct {
	db *gorm.DB
}

func newQuizzes(db *gorm.DB) *quizzes {
	return &quizzes{db: db}
}

// RecordNovel records entries whose normalized text is new for the document.
// Each insert is guarded by the (document_id, normalized) unique index, so
// concurrent callers never both accept the same question.
func (s *quizzes) RecordNovel(ctx context.Context, documentID string, entries []*model.QuizHistoryEntry, want int) ([]int, error) {
	var accepted []int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accepted = accepted[:0]

		var doc model.Document
		if err := tx.Select("id", "status").Where("id = ?", documentID).First(&doc).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return errors.ErrDocumentNotReady.WithMessagef("document %s was deleted", documentID)
			}
			return errors.ErrDatabase.WithCause(err)
		}
		if !doc.Ready() {
			return errors.ErrDocumentNotReady
		}

		for i, e := range entries {
			if len(accepted) >= want {
				break
			}
			if e.ID == "" {
				e.ID = id.NewULID()
			}
			e.DocumentID = documentID
			r := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(e)
			if r.Error != nil {
				return errors.ErrDatabase.WithCause(r.Error)
			}
			if r.RowsAffected == 1 {
				accepted = append(accepted, i)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

// List lists the quiz history of a document, oldest first.
func (s *quizzes) List(ctx context.Context, documentID string) ([]*model.QuizHistoryEntry, error) {
	var out []*model.QuizHistoryEntry
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at, id").Find(&out).Error
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return out, nil
}

// Count counts the quiz history entries of a document.
func (s *quizzes) Count(ctx context.Context, documentID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.QuizHistoryEntry{}).Where("document_id = ?", documentID).Count(&n).Error; err != nil {
		return 0, errors.ErrDatabase.WithCause(err)
	}
	return n, nil
}

// Delete removes the entries of a document with the given normalized texts.
func (s *quizzes) Delete(ctx context.Context, documentID string, normalized []string) (int64, error) {
	if len(normalized) == 0 {
		return 0, nil
	}
	r := s.db.WithContext(ctx).
		Where("document_id = ? AND normalized IN ?", documentID, normalized).
		Delete(&model.QuizHistoryEntry{})
	if r.Error != nil {
		return 0, errors.ErrDatabase.WithCause(r.Error)
	}
	return r.RowsAffected, nil
}
