package media

import (
	"context"
	"time"

	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	"github.com/angelmondragon/mediastore/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository is the gorm-backed asset catalog.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a catalog repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindByHash returns the asset holding hash, or gorm.ErrRecordNotFound.
func (r *Repository) FindByHash(ctx context.Context, hash string) (*models.Asset, error) {
	var a models.Asset
	if err := r.db.WithContext(ctx).First(&a, "content_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// BaseNameInShard reports whether any asset whose hash starts with shard
// already uses base as its file stem.
func (r *Repository) BaseNameInShard(ctx context.Context, shard, base string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Asset{}).
		Where("base_name = ? AND content_hash LIKE ?", base, shard+"%").
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Create persists an asset record.
func (r *Repository) Create(ctx context.Context, asset *models.Asset) (*models.Asset, error) {
	if asset.DerivativeWidths == nil {
		asset.DerivativeWidths = []int{}
	}
	if err := r.db.WithContext(ctx).Create(asset).Error; err != nil {
		return nil, err
	}
	return asset, nil
}

// FindByID retrieves an asset by ID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var a models.Asset
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateFields applies a column patch and returns the refreshed record.
func (r *Repository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*models.Asset, error) {
	res := r.db.WithContext(ctx).Model(&models.Asset{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.FindByID(ctx, id)
}

// DeleteByID removes the record and returns what was deleted.
func (r *Repository) DeleteByID(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	existing, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Asset{}).Error; err != nil {
		return nil, err
	}
	return existing, nil
}

// CountByKind aggregates the catalog per asset kind.
func (r *Repository) CountByKind(ctx context.Context) (map[enums.AssetKind]int64, error) {
	var rows []struct {
		Kind  enums.AssetKind
		Total int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Asset{}).
		Select("kind, COUNT(*) AS total").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.AssetKind]int64, len(rows))
	for _, row := range rows {
		out[row.Kind] = row.Total
	}
	return out, nil
}

type listQuery struct {
	kind   *enums.AssetKind
	status *enums.AssetStatus
	limit  int
	cursor *pagination.Cursor
}

// List returns assets newest first using keyset pagination.
func (r *Repository) List(ctx context.Context, q listQuery) ([]models.Asset, error) {
	tx := r.db.WithContext(ctx).Model(&models.Asset{})
	if q.kind != nil {
		tx = tx.Where("kind = ?", *q.kind)
	}
	if q.status != nil {
		tx = tx.Where("status = ?", *q.status)
	}
	if q.cursor != nil {
		tx = tx.Where("(created_at < ?) OR (created_at = ? AND id < ?)", q.cursor.CreatedAt, q.cursor.CreatedAt, q.cursor.ID)
	}
	var rows []models.Asset
	if err := tx.Order("created_at DESC").Order("id DESC").Limit(q.limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListByStatusBefore returns images in one of statuses last touched before cutoff.
func (r *Repository) ListByStatusBefore(ctx context.Context, statuses []enums.AssetStatus, cutoff time.Time, limit int) ([]models.Asset, error) {
	var rows []models.Asset
	err := r.db.WithContext(ctx).
		Where("kind = ?", enums.AssetKindImage).
		Where("status IN ?", statuses).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListOptimized pages through optimized images by id, starting after after.
func (r *Repository) ListOptimized(ctx context.Context, after uuid.UUID, limit int) ([]models.Asset, error) {
	tx := r.db.WithContext(ctx).
		Where("kind = ?", enums.AssetKindImage).
		Where("status = ?", enums.AssetStatusOptimized)
	if after != uuid.Nil {
		tx = tx.Where("id > ?", after)
	}
	var rows []models.Asset
	if err := tx.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
