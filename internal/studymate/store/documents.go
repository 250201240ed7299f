package store

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/utils/errors"
)

type documents struct {
	db *gorm.DB
}

func newDocuments(db *gorm.DB) *documents {
	return &documents{db: db}
}

// Create creates a new document.
func (s *documents) Create(ctx context.Context, doc *model.Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	return nil
}

// Get retrieves a document by id.
func (s *documents) Get(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrDocumentNotFound.WithMessagef("document %s not found", id)
		}
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return &doc, nil
}

// GetOwned retrieves a document owned by ownerID. Documents of other
// owners are reported as not found.
func (s *documents) GetOwned(ctx context.Context, ownerID, id string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&doc).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrDocumentNotFound.WithMessagef("document %s not found", id)
		}
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return &doc, nil
}

// GetMany retrieves documents by id. Missing ids are absent from the map.
func (s *documents) GetMany(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	out := make(map[string]*model.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var docs []*model.Document
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

// List lists the documents of an owner, newest first.
func (s *documents) List(ctx context.Context, ownerID string, offset, limit int) (*model.DocumentList, error) {
	list := &model.DocumentList{}
	db := s.db.WithContext(ctx).Model(&model.Document{}).Where("owner_id = ?", ownerID)
	if err := db.Session(&gorm.Session{}).Count(&list.TotalCount).Error; err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	err := db.Session(&gorm.Session{}).Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&list.Items).Error
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return list, nil
}

// ListCompleted lists the completed documents of an owner.
func (s *documents) ListCompleted(ctx context.Context, ownerID string) ([]*model.Document, error) {
	var docs []*model.Document
	db := s.db.WithContext(ctx).Where("status = ?", model.StatusCompleted)
	if ownerID != "" {
		db = db.Where("owner_id = ?", ownerID)
	}
	if err := db.Order("id").Find(&docs).Error; err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return docs, nil
}

// Transition moves a document between statuses.
func (s *documents) Transition(ctx context.Context, id string, from, to model.DocumentStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	result := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, errors.ErrDatabase.WithCause(result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Update updates the given columns of a document.
func (s *documents) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return errors.ErrDatabase.WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrDocumentNotFound.WithMessagef("document %s not found", id)
	}
	return nil
}

// Delete removes a document with its chunks and quiz history, and marks
// the sessions scoped to it unavailable.
func (s *documents) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	res := &DeleteResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Where("document_id = ?", id).Delete(&model.Chunk{})
		if r.Error != nil {
			return errors.ErrDatabase.WithCause(r.Error)
		}
		res.Chunks = r.RowsAffected

		r = tx.Where("document_id = ?", id).Delete(&model.QuizHistoryEntry{})
		if r.Error != nil {
			return errors.ErrDatabase.WithCause(r.Error)
		}
		res.QuizEntries = r.RowsAffected

		if err := tx.Where("document_id = ?", id).Delete(&model.DocumentSource{}).Error; err != nil {
			return errors.ErrDatabase.WithCause(err)
		}

		r = tx.Model(&model.ChatSession{}).Where("document_id = ?", id).UpdateColumn("unavailable", true)
		if r.Error != nil {
			return errors.ErrDatabase.WithCause(r.Error)
		}
		res.Sessions = r.RowsAffected

		r = tx.Where("id = ?", id).Delete(&model.Document{})
		if r.Error != nil {
			return errors.ErrDatabase.WithCause(r.Error)
		}
		if r.RowsAffected == 0 {
			return errors.ErrDocumentNotFound.WithMessagef("document %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CountByStatus counts documents per status. An empty ownerID counts all.
func (s *documents) CountByStatus(ctx context.Context, ownerID string) (map[model.DocumentStatus]int64, error) {
	var rows []struct {
		Status model.DocumentStatus
		Count  int64
	}
	db := s.db.WithContext(ctx).Model(&model.Document{})
	if ownerID != "" {
		db = db.Where("owner_id = ?", ownerID)
	}
	if err := db.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	out := make(map[model.DocumentStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// SaveSource stores the extracted text of a document.
func (s *documents) SaveSource(ctx context.Context, id, text string) error {
	src := &model.DocumentSource{DocumentID: id, Text: text}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text"}),
	}).Create(src).Error
	if err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	return nil
}

// GetSource returns the extracted text of a document.
func (s *documents) GetSource(ctx context.Context, id string) (string, error) {
	var src model.DocumentSource
	if err := s.db.WithContext(ctx).Where("document_id = ?", id).First(&src).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return "", errors.ErrNotFound.WithMessagef("source text of document %s not found", id)
		}
		return "", errors.ErrDatabase.WithCause(err)
	}
	return src.Text, nil
}

// FailInterrupted marks documents left pending, validating or processing
// as failed.
func (s *documents) FailInterrupted(ctx context.Context, message string) (int64, error) {
	r := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("status IN ?", []model.DocumentStatus{model.StatusPending, model.StatusValidating, model.StatusProcessing}).
		Updates(map[string]interface{}{
			"status":        model.StatusFailed,
			"error_message": message,
		})
	if r.Error != nil {
		return 0, errors.ErrDatabase.WithCause(r.Error)
	}
	return r.RowsAffected, nil
}
