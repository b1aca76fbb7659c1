// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-delivery-service/internal/domain"
)

const maxRotateAttempts = 3

// KeyVersionModel は key_versions テーブルのgormモデル。
type KeyVersionModel struct {
	Version    uint      `gorm:"primaryKey;autoIncrement:false"`
	KMSKeyName string    `gorm:"column:kms_key_name;type:varchar(512);not null"`
	Status     string    `gorm:"type:varchar(16);not null;default:'active';index:idx_key_versions_status"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (KeyVersionModel) TableName() string {
	return "key_versions"
}

func (m *KeyVersionModel) toDomain() *domain.KeyVersion {
	return &domain.KeyVersion{
		Version:    m.Version,
		KMSKeyName: m.KMSKeyName,
		Status:     domain.KeyVersionStatus(m.Status),
		CreatedAt:  m.CreatedAt,
	}
}

// KeyVersionRepository はマスター鍵バージョンのレジストリへのアクセスを提供する。
type KeyVersionRepository struct {
	db *gorm.DB
}

// NewKeyVersionRepository は新しいKeyVersionRepositoryを生成する。
func NewKeyVersionRepository(db *gorm.DB) *KeyVersionRepository {
	return &KeyVersionRepository{db: db}
}

// FindAll は全バージョンを昇順で返す。
func (r *KeyVersionRepository) FindAll(ctx context.Context) ([]*domain.KeyVersion, error) {
	var models []KeyVersionModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list key versions",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	versions := make([]*domain.KeyVersion, len(models))
	for i := range models {
		versions[i] = models[i].toDomain()
	}
	return versions, nil
}

// FindByVersion は指定バージョンを返す。存在しない場合は nil を返す。
func (r *KeyVersionRepository) FindByVersion(ctx context.Context, version uint) (*domain.KeyVersion, error) {
	var model KeyVersionModel
	err := r.db.WithContext(ctx).Where("version = ?", version).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key version",
			"operation", "find_by_version",
			"key_version", version,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindActive は新規ラップに使うバージョンを返す。存在しない場合は nil を返す。
func (r *KeyVersionRepository) FindActive(ctx context.Context) (*domain.KeyVersion, error) {
	var model KeyVersionModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.KeyVersionActive)).
		Order("version DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key version",
			"operation", "find_active",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CreateInitial はレジストリが空のときにバージョン1を登録する。
// 既に登録済みの場合は何もせず false を返す。
func (r *KeyVersionRepository) CreateInitial(ctx context.Context, kmsKeyName string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&KeyVersionModel{}).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count key versions",
			"operation", "create_initial",
			"error", err,
		)
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	model := &KeyVersionModel{
		Version:    1,
		KMSKeyName: kmsKeyName,
		Status:     string(domain.KeyVersionActive),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		// 並行起動で先に登録された
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		slog.ErrorContext(ctx, "failed to create initial key version",
			"operation", "create_initial",
			"error", err,
		)
		return false, err
	}
	return true, nil
}

// Rotate は既存の全バージョンを退役させ、最大バージョン+1を有効として登録する。
// 並行ローテーションで番号が衝突した場合はトランザクションごとやり直す。
func (r *KeyVersionRepository) Rotate(ctx context.Context, kmsKeyName string) (*domain.KeyVersion, error) {
	for attempt := 1; attempt <= maxRotateAttempts; attempt++ {
		created, err := r.rotateOnce(ctx, kmsKeyName)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			slog.ErrorContext(ctx, "failed to rotate key version",
				"operation", "rotate",
				"error", err,
			)
			return nil, err
		}
		slog.WarnContext(ctx, "key version rotation collided, retrying",
			"operation", "rotate",
			"attempt", attempt,
		)
	}
	return nil, fmt.Errorf("%w: after %d attempts", domain.ErrKeyVersionConflict, maxRotateAttempts)
}

func (r *KeyVersionRepository) rotateOnce(ctx context.Context, kmsKeyName string) (*domain.KeyVersion, error) {
	var created KeyVersionModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&KeyVersionModel{}).
			Where("status = ?", string(domain.KeyVersionActive)).
			Update("status", string(domain.KeyVersionRetired)).Error; err != nil {
			return err
		}

		var maxVersion *uint
		if err := tx.Model(&KeyVersionModel{}).Select("MAX(version)").Scan(&maxVersion).Error; err != nil {
			return err
		}
		next := uint(1)
		if maxVersion != nil {
			next = *maxVersion + 1
		}

		created = KeyVersionModel{
			Version:    next,
			KMSKeyName: kmsKeyName,
			Status:     string(domain.KeyVersionActive),
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}
	return created.toDomain(), nil
}
