package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"key-delivery-service/internal/domain"
	"key-delivery-service/pkg/cryptox"
)

// 出品の入力制限。
const (
	MinPriceAmount    uint64 = 1
	MaxPriceAmount    uint64 = 1_000_000_000_000
	MaxNameLength            = 200
	MaxDescLength            = 2000
	MaxFilenameLength        = 255
)

// ListingRepository は出品のデータアクセスのインターフェース。
type ListingRepository interface {
	Create(ctx context.Context, listing *domain.Listing, key *domain.AssetKey) error
	FindByID(ctx context.Context, id string) (*domain.Listing, error)
	AppendAudit(ctx context.Context, listingID string, entry domain.AuditEntry) error
	MarkWithdrawn(ctx context.Context, listingID, reason string, at time.Time, entry domain.AuditEntry) error
}

// AssetKeyRepository はアセット鍵のデータアクセスのインターフェース。
type AssetKeyRepository interface {
	FindByAssetID(ctx context.Context, assetID string) (*domain.AssetKey, error)
	Rewrap(ctx context.Context, assetID string, oldVersion uint, wrapped domain.WrappedKey, rotatedAt time.Time) error
	CountByVersion(ctx context.Context) (map[uint]int64, error)
}

// KeyWrapper はアセット鍵のラップ/アンラップのインターフェース。KeyWrapService が実装する。
type KeyWrapper interface {
	KeyUnwrapper
	Wrap(ctx context.Context, rawKey []byte, version *uint) (*domain.WrappedKey, error)
	ActiveVersion(ctx context.Context) (*domain.KeyVersion, error)
}

// ContentStore は暗号化済みペイロードの保存先のインターフェース。
type ContentStore interface {
	Put(ctx context.Context, payload []byte) (string, error)
}

// CreateListingRequest は出品作成の入力。
type CreateListingRequest struct {
	SellerIdentity  string
	Name            string
	Description     string
	Filename        string
	Mime            string
	PriceAmount     uint64
	DataAccessTerms string
	ConsentRequired bool
	Content         []byte
}

// ListingService は出品とアセット鍵に関するビジネスロジックを提供する。
type ListingService struct {
	listings  ListingRepository
	assetKeys AssetKeyRepository
	wrapper   KeyWrapper
	store     ContentStore
	now       func() time.Time
}

// NewListingService は新しいListingServiceを生成する。
func NewListingService(listings ListingRepository, assetKeys AssetKeyRepository, wrapper KeyWrapper, store ContentStore) *ListingService {
	return &ListingService{
		listings:  listings,
		assetKeys: assetKeys,
		wrapper:   wrapper,
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateListing はコンテンツを新しい鍵で暗号化して保存し、鍵をラップして出品を作成する。
// 平文の鍵はラップ後に消去され、どこにも保存されない。
func (s *ListingService) CreateListing(ctx context.Context, req CreateListingRequest) (*domain.Listing, error) {
	if err := validateListing(req); err != nil {
		return nil, err
	}

	blob, err := cryptox.EncryptContent(req.Content)
	if err != nil {
		return nil, fmt.Errorf("encrypting content: %w", err)
	}
	defer cryptox.Zero(blob.Key)

	assetRef, err := s.store.Put(ctx, blob.Payload())
	if err != nil {
		return nil, fmt.Errorf("storing encrypted content: %w", err)
	}

	wrapped, err := s.wrapper.Wrap(ctx, blob.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping content key: %w", err)
	}

	terms := strings.TrimSpace(req.DataAccessTerms)
	if terms == "" {
		terms = domain.DefaultDataAccessTerms
	}

	now := s.now()
	listing := &domain.Listing{
		ID:              uuid.NewString(),
		SellerIdentity:  strings.TrimSpace(req.SellerIdentity),
		AssetRef:        assetRef,
		Filename:        req.Filename,
		Name:            strings.TrimSpace(req.Name),
		Description:     strings.TrimSpace(req.Description),
		Mime:            req.Mime,
		Size:            int64(len(req.Content)),
		PriceAmount:     req.PriceAmount,
		DataAccessTerms: terms,
		ConsentRequired: req.ConsentRequired,
		AuditLog: []domain.AuditEntry{{
			Timestamp: now,
			Action:    domain.AuditListingCreated,
			Actor:     strings.TrimSpace(req.SellerIdentity),
			Details:   fmt.Sprintf("key_version=%d asset_ref=%s", wrapped.KeyVersion, assetRef),
		}},
	}
	assetKey := &domain.AssetKey{AssetID: listing.ID, Wrapped: *wrapped}

	if err := s.listings.Create(ctx, listing, assetKey); err != nil {
		return nil, fmt.Errorf("creating listing: %w", err)
	}

	slog.InfoContext(ctx, "listing created",
		"operation", "create_listing",
		"listing_id", listing.ID,
		"key_version", wrapped.KeyVersion,
	)
	return listing, nil
}

// GetListing は出品を返す。
func (s *ListingService) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	listing, err := s.listings.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding listing: %w", err)
	}
	if listing == nil {
		return nil, domain.ErrListingNotFound
	}
	return listing, nil
}

// Withdraw は出品者が自分の出品を一度だけ取り下げる。以後の購入と再配信は拒否される。
func (s *ListingService) Withdraw(ctx context.Context, listingID, sellerIdentity, reason string) (*domain.Listing, error) {
	listing, err := s.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerIdentity != sellerIdentity {
		return nil, domain.ErrNotAssetOwner
	}
	if listing.IsWithdrawn() {
		return nil, domain.ErrListingAlreadyWithdrawn
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.DefaultWithdrawalReason
	}
	now := s.now()
	if err := s.listings.MarkWithdrawn(ctx, listingID, reason, now, domain.AuditEntry{
		Timestamp: now,
		Action:    domain.AuditDatasetWithdrawn,
		Actor:     sellerIdentity,
		Details:   reason,
	}); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "listing withdrawn",
		"operation", "withdraw",
		"listing_id", listingID,
	)
	return s.GetListing(ctx, listingID)
}

// RewrapAssetKey はアセット鍵を現在有効な鍵バージョンでラップし直す。
// 記録されたバージョンが変わっていない場合に限り置き換え、既に有効バージョンなら何もしない。
func (s *ListingService) RewrapAssetKey(ctx context.Context, assetID string) (*domain.AssetKey, error) {
	key, err := s.assetKeys.FindByAssetID(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("finding asset key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrAssetKeyNotFound
	}

	active, err := s.wrapper.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil || active.Version == key.Wrapped.KeyVersion {
		return key, nil
	}

	raw, err := s.wrapper.Unwrap(ctx, key.Wrapped)
	if err != nil {
		return nil, err
	}
	defer cryptox.Zero(raw)

	target := active.Version
	wrapped, err := s.wrapper.Wrap(ctx, raw, &target)
	if err != nil {
		return nil, fmt.Errorf("wrapping under key version %d: %w", target, err)
	}

	now := s.now()
	oldVersion := key.Wrapped.KeyVersion
	if err := s.assetKeys.Rewrap(ctx, assetID, oldVersion, *wrapped, now); err != nil {
		if errors.Is(err, domain.ErrAssetKeyConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("storing rewrapped key: %w", err)
	}

	if err := s.listings.AppendAudit(ctx, assetID, domain.AuditEntry{
		Timestamp: now,
		Action:    domain.AuditAssetKeyRewrapped,
		Actor:     systemActor,
		Details:   fmt.Sprintf("from_version=%d to_version=%d", oldVersion, wrapped.KeyVersion),
	}); err != nil {
		return nil, fmt.Errorf("recording rewrap: %w", err)
	}

	slog.InfoContext(ctx, "asset key rewrapped",
		"operation", "rewrap_asset_key",
		"asset_id", assetID,
		"from_version", oldVersion,
		"to_version", wrapped.KeyVersion,
	)
	return &domain.AssetKey{
		AssetID:   assetID,
		Wrapped:   *wrapped,
		CreatedAt: key.CreatedAt,
		RotatedAt: &now,
	}, nil
}

// validateListing は全ての入力エラーをまとめて返す。各エラーは domain.ErrInvalidListing を包む。
// CountAssetKeysByVersion は鍵バージョンごとのアセット鍵数を返す。ローカル鍵でのラップはバージョン0に数える。
func (s *ListingService) CountAssetKeysByVersion(ctx context.Context) (map[uint]int64, error) {
	counts, err := s.assetKeys.CountByVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting asset keys: %w", err)
	}
	return counts, nil
}

func validateListing(req CreateListingRequest) error {
	var result *multierror.Error

	if strings.TrimSpace(req.SellerIdentity) == "" {
		result = multierror.Append(result, fmt.Errorf("%w: seller identity is required", domain.ErrInvalidListing))
	}
	if req.PriceAmount < MinPriceAmount || req.PriceAmount > MaxPriceAmount {
		result = multierror.Append(result, fmt.Errorf("%w: price must be between %d and %d", domain.ErrInvalidListing, MinPriceAmount, MaxPriceAmount))
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(req.Name)); n < 1 || n > MaxNameLength {
		result = multierror.Append(result, fmt.Errorf("%w: name must be 1-%d characters", domain.ErrInvalidListing, MaxNameLength))
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(req.Description)); n < 1 || n > MaxDescLength {
		result = multierror.Append(result, fmt.Errorf("%w: description must be 1-%d characters", domain.ErrInvalidListing, MaxDescLength))
	}
	if n := utf8.RuneCountInString(req.Filename); n < 1 || n > MaxFilenameLength {
		result = multierror.Append(result, fmt.Errorf("%w: filename must be 1-%d characters", domain.ErrInvalidListing, MaxFilenameLength))
	}
	if len(req.Content) == 0 {
		result = multierror.Append(result, fmt.Errorf("%w: content must not be empty", domain.ErrInvalidListing))
	}

	return result.ErrorOrNil()
}
