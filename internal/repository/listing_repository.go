package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-delivery-service/internal/domain"
)

// ListingModel は listings テーブルのgormモデル。
type ListingModel struct {
	ID              string     `gorm:"type:varchar(64);primaryKey"`
	SellerIdentity  string     `gorm:"type:varchar(128);not null;index:idx_listings_seller"`
	AssetRef        string     `gorm:"type:varchar(128);not null"`
	Filename        string     `gorm:"type:varchar(255);not null"`
	Name            string     `gorm:"type:varchar(200);not null"`
	Description     string     `gorm:"type:text"`
	Mime            string     `gorm:"type:varchar(128)"`
	Size            int64      `gorm:"not null"`
	PriceAmount     uint64     `gorm:"not null"`
	DataAccessTerms string     `gorm:"type:text"`
	ConsentRequired bool       `gorm:"not null;default:false"`
	WithdrawnAt     *time.Time `gorm:"column:withdrawn_at"`
	WithdrawnReason *string    `gorm:"type:varchar(500)"`
	CreatedAt       time.Time  `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (ListingModel) TableName() string {
	return "listings"
}

func (m *ListingModel) toDomain(audit []ListingAuditEntryModel) *domain.Listing {
	return &domain.Listing{
		ID:              m.ID,
		SellerIdentity:  m.SellerIdentity,
		AssetRef:        m.AssetRef,
		Filename:        m.Filename,
		Name:            m.Name,
		Description:     m.Description,
		Mime:            m.Mime,
		Size:            m.Size,
		PriceAmount:     m.PriceAmount,
		DataAccessTerms: m.DataAccessTerms,
		ConsentRequired: m.ConsentRequired,
		WithdrawnAt:     m.WithdrawnAt,
		WithdrawnReason: m.WithdrawnReason,
		AuditLog:        listingAuditToDomain(audit),
		CreatedAt:       m.CreatedAt,
	}
}

// ListingRepository は出品へのアクセスを提供する。
type ListingRepository struct {
	db *gorm.DB
}

// NewListingRepository は新しいListingRepositoryを生成する。
func NewListingRepository(db *gorm.DB) *ListingRepository {
	return &ListingRepository{db: db}
}

// Create は出品とそのアセット鍵、初期の監査エントリを1つのトランザクションで保存する。
func (r *ListingRepository) Create(ctx context.Context, listing *domain.Listing, key *domain.AssetKey) error {
	model := &ListingModel{
		ID:              listing.ID,
		SellerIdentity:  listing.SellerIdentity,
		AssetRef:        listing.AssetRef,
		Filename:        listing.Filename,
		Name:            listing.Name,
		Description:     listing.Description,
		Mime:            listing.Mime,
		Size:            listing.Size,
		PriceAmount:     listing.PriceAmount,
		DataAccessTerms: listing.DataAccessTerms,
		ConsentRequired: listing.ConsentRequired,
	}
	keyModel := &AssetKeyModel{
		AssetID:    key.AssetID,
		WrappedKey: key.Wrapped.WrappedKey,
		IV:         key.Wrapped.IV,
		Tag:        key.Wrapped.Tag,
		KeyVersion: key.Wrapped.KeyVersion,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		if err := tx.Create(keyModel).Error; err != nil {
			return err
		}
		for i := range listing.AuditLog {
			audit := newListingAuditModel(listing.ID, listing.AuditLog[i])
			if err := tx.Create(audit).Error; err != nil {
				return err
			}
			listing.AuditLog[i].ID = audit.ID
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create listing",
			"operation", "create",
			"listing_id", listing.ID,
			"error", err,
		)
		return err
	}
	listing.CreatedAt = model.CreatedAt
	key.CreatedAt = keyModel.CreatedAt
	return nil
}

// FindByID は監査ログ付きで出品を返す。存在しない場合は nil を返す。
func (r *ListingRepository) FindByID(ctx context.Context, id string) (*domain.Listing, error) {
	var model ListingModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find listing",
			"operation", "find_by_id",
			"listing_id", id,
			"error", err,
		)
		return nil, err
	}

	var audit []ListingAuditEntryModel
	if err := r.db.WithContext(ctx).
		Where("listing_id = ?", id).
		Order("timestamp ASC, id ASC").
		Find(&audit).Error; err != nil {
		slog.ErrorContext(ctx, "failed to load listing audit log",
			"operation", "find_by_id",
			"listing_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(audit), nil
}

// AppendAudit は出品の監査ログに1件追記する。
func (r *ListingRepository) AppendAudit(ctx context.Context, listingID string, entry domain.AuditEntry) error {
	if err := r.db.WithContext(ctx).Create(newListingAuditModel(listingID, entry)).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append listing audit entry",
			"operation", "append_audit",
			"listing_id", listingID,
			"action", entry.Action,
			"error", err,
		)
		return err
	}
	return nil
}

// MarkWithdrawn は未取り下げの出品を取り下げ済みにし、監査エントリを追記する。
// 既に取り下げ済みの場合は domain.ErrListingAlreadyWithdrawn を返す。
func (r *ListingRepository) MarkWithdrawn(ctx context.Context, listingID, reason string, at time.Time, entry domain.AuditEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&ListingModel{}).
			Where("id = ? AND withdrawn_at IS NULL", listingID).
			Updates(map[string]any{
				"withdrawn_at":     at,
				"withdrawn_reason": reason,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrListingAlreadyWithdrawn
		}
		return tx.Create(newListingAuditModel(listingID, entry)).Error
	})
	if err != nil && !errors.Is(err, domain.ErrListingAlreadyWithdrawn) {
		slog.ErrorContext(ctx, "failed to withdraw listing",
			"operation", "mark_withdrawn",
			"listing_id", listingID,
			"error", err,
		)
	}
	return err
}
