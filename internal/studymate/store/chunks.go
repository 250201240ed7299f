package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/utils/errors"
)

// createBatchSize bounds the rows of one INSERT statement.
const createBatchSize = 100

type chunks struct {
	db *gorm.DB
}

func newChunks(db *gorm.DB) *chunks {
	return &chunks{db: db}
}

// CreateBatch inserts chunks in ordinal batches.
func (s *chunks) CreateBatch(ctx context.Context, items []*model.Chunk) error {
	if len(items) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(items, createBatchSize).Error; err != nil {
		return errors.ErrDatabase.WithCause(err)
	}
	return nil
}

// Embed stores the enriched context and its embedding.
func (s *chunks) Embed(ctx context.Context, id, chunkContext string, vector []float32, embeddingModel string) error {
	result := s.db.WithContext(ctx).Model(&model.Chunk{}).Where("id = ?", id).Updates(map[string]interface{}{
		"context":         chunkContext,
		"embedding":       model.Vector(vector),
		"embedding_model": embeddingModel,
		"dimension":       len(vector),
		"state":           model.ChunkEmbedded,
	})
	if result.Error != nil {
		return errors.ErrDatabase.WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrNotFound.WithMessagef("chunk %s not found", id)
	}
	return nil
}

// ListByDocument lists the chunks of a document in reading order.
func (s *chunks) ListByDocument(ctx context.Context, documentID string) ([]*model.Chunk, error) {
	var out []*model.Chunk
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("ordinal").Find(&out).Error
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return out, nil
}

// ListByOrdinals lists the chunks of a document at the given ordinals.
func (s *chunks) ListByOrdinals(ctx context.Context, documentID string, ordinals []int) ([]*model.Chunk, error) {
	if len(ordinals) == 0 {
		return nil, nil
	}
	var out []*model.Chunk
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND ordinal IN ?", documentID, ordinals).
		Order("ordinal").
		Find(&out).Error
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return out, nil
}

// GetMany retrieves chunks by id in no particular order.
func (s *chunks) GetMany(ctx context.Context, ids []string) ([]*model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*model.Chunk
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	return out, nil
}

// DeleteByDocument removes every chunk of a document.
func (s *chunks) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	result := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&model.Chunk{})
	if result.Error != nil {
		return 0, errors.ErrDatabase.WithCause(result.Error)
	}
	return result.RowsAffected, nil
}

// CountByState counts the chunks of a document per state.
func (s *chunks) CountByState(ctx context.Context, documentID string) (map[model.ChunkState]int64, error) {
	var rows []struct {
		State model.ChunkState
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&model.Chunk{}).
		Select("state, COUNT(*) AS count").
		Where("document_id = ?", documentID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.ErrDatabase.WithCause(err)
	}
	out := make(map[model.ChunkState]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}

// Count counts chunks. An empty ownerID counts all.
func (s *chunks) Count(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	db := s.db.WithContext(ctx).Model(&model.Chunk{})
	if ownerID != "" {
		owned := s.db.WithContext(ctx).Model(&model.Document{}).Select("id").Where("owner_id = ?", ownerID)
		db = db.Where("document_id IN (?)", owned)
	}
	if err := db.Count(&n).Error; err != nil {
		return 0, errors.ErrDatabase.WithCause(err)
	}
	return n, nil
}
