package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-delivery-service/internal/domain"
)

// AssetKeyModel は asset_keys テーブルのgormモデル。
type AssetKeyModel struct {
	AssetID    string     `gorm:"column:asset_id;type:varchar(64);primaryKey"`
	WrappedKey []byte     `gorm:"not null"`
	IV         []byte     `gorm:"column:iv"`
	Tag        []byte     `gorm:"column:tag"`
	KeyVersion uint       `gorm:"not null;default:0;index:idx_asset_keys_key_version"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
	RotatedAt  *time.Time `gorm:"column:rotated_at"`
}

// TableName はテーブル名を返す。
func (AssetKeyModel) TableName() string {
	return "asset_keys"
}

func (m *AssetKeyModel) toDomain() *domain.AssetKey {
	return &domain.AssetKey{
		AssetID: m.AssetID,
		Wrapped: domain.WrappedKey{
			WrappedKey: m.WrappedKey,
			IV:         m.IV,
			Tag:        m.Tag,
			KeyVersion: m.KeyVersion,
		},
		CreatedAt: m.CreatedAt,
		RotatedAt: m.RotatedAt,
	}
}

// AssetKeyRepository はアセットごとのラップ済み鍵へのアクセスを提供する。
type AssetKeyRepository struct {
	db *gorm.DB
}

// NewAssetKeyRepository は新しいAssetKeyRepositoryを生成する。
func NewAssetKeyRepository(db *gorm.DB) *AssetKeyRepository {
	return &AssetKeyRepository{db: db}
}

// Create はアセット鍵レコードを保存する。レコードは削除されない。
func (r *AssetKeyRepository) Create(ctx context.Context, key *domain.AssetKey) error {
	model := &AssetKeyModel{
		AssetID:    key.AssetID,
		WrappedKey: key.Wrapped.WrappedKey,
		IV:         key.Wrapped.IV,
		Tag:        key.Wrapped.Tag,
		KeyVersion: key.Wrapped.KeyVersion,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create asset key",
			"operation", "create",
			"asset_id", key.AssetID,
			"key_version", key.Wrapped.KeyVersion,
			"error", err,
		)
		return err
	}
	key.CreatedAt = model.CreatedAt
	return nil
}

// FindByAssetID はアセット鍵を返す。存在しない場合は nil を返す。
func (r *AssetKeyRepository) FindByAssetID(ctx context.Context, assetID string) (*domain.AssetKey, error) {
	var model AssetKeyModel
	err := r.db.WithContext(ctx).Where("asset_id = ?", assetID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find asset key",
			"operation", "find_by_asset_id",
			"asset_id", assetID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Rewrap は oldVersion でラップされている場合に限り新しいラップ結果に置き換える。
// 他の更新が先行していた場合は domain.ErrAssetKeyConflict を返す。
func (r *AssetKeyRepository) Rewrap(ctx context.Context, assetID string, oldVersion uint, wrapped domain.WrappedKey, rotatedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&AssetKeyModel{}).
		Where("asset_id = ? AND key_version = ?", assetID, oldVersion).
		Updates(map[string]any{
			"wrapped_key": wrapped.WrappedKey,
			"iv":          wrapped.IV,
			"tag":         wrapped.Tag,
			"key_version": wrapped.KeyVersion,
			"rotated_at":  rotatedAt,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to rewrap asset key",
			"operation", "rewrap",
			"asset_id", assetID,
			"key_version", oldVersion,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAssetKeyConflict
	}
	return nil
}

// CountByVersion は鍵バージョンごとのアセット鍵数を返す。
func (r *AssetKeyRepository) CountByVersion(ctx context.Context) (map[uint]int64, error) {
	var rows []struct {
		KeyVersion uint
		Count      int64
	}
	err := r.db.WithContext(ctx).
		Model(&AssetKeyModel{}).
		Select("key_version, COUNT(*) AS count").
		Group("key_version").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count asset keys by version",
			"operation", "count_by_version",
			"error", err,
		)
		return nil, err
	}

	counts := make(map[uint]int64, len(rows))
	for _, row := range rows {
		counts[row.KeyVersion] = row.Count
	}
	return counts, nil
}
