package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"key-delivery-service/internal/domain"
	"key-delivery-service/pkg/cryptox"
)

const (
	systemActor          = "system"
	maxTransitionRetries = 4
	expireBatchSize      = 500
)

// OrderRepository は注文のデータアクセスのインターフェース。
// Mark* は現在状態を条件に更新し、前提が崩れていれば domain.ErrOrderStateConflict を返す。
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	FindByID(ctx context.Context, orderID string) (*domain.Order, error)
	FindByTxRef(ctx context.Context, txRef string) (*domain.Order, error)
	FindActiveDelivered(ctx context.Context, assetID, buyerIdentity string) (*domain.Order, error)
	MarkPaid(ctx context.Context, orderID, txRef string, confirmedAt time.Time, entry domain.AuditEntry) error
	MarkDelivered(ctx context.Context, orderID string, sealed domain.SealedDelivery, entry domain.AuditEntry) error
	HealDelivered(ctx context.Context, orderID string, at time.Time, entry domain.AuditEntry) error
	MarkRevoked(ctx context.Context, orderID, reason string, at time.Time, entry domain.AuditEntry) error
	MarkExpired(ctx context.Context, orderID string, entry domain.AuditEntry) error
	FindPendingCreatedBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// KeyUnwrapper はアセット鍵のアンラップのインターフェース。
type KeyUnwrapper interface {
	Unwrap(ctx context.Context, wrapped domain.WrappedKey) ([]byte, error)
}

// PaymentChecker は支払い検証のインターフェース。
type PaymentChecker interface {
	VerifyPayment(ctx context.Context, recipient string, expected uint64, memo string) (*domain.PaymentMatch, error)
}

// OrderOptions はOrderServiceの設定。
type OrderOptions struct {
	Network  string
	OrderTTL time.Duration
	Metrics  Recorder
}

// PurchaseRequest は購入開始の入力。
type PurchaseRequest struct {
	ListingID         string
	BuyerIdentity     string
	BuyerPublicKeyB64 string
	ConsentAccepted   bool
	TermsAccepted     bool
}

// RevokeRequest はアクセス取り消しの入力。
type RevokeRequest struct {
	OrderID       string
	OwnerIdentity string
	Reason        string
}

// OrderService は注文の状態機械を実装する。
// PENDING → PAID → DELIVERED、または PENDING → EXPIRED。取り消しは DELIVERED に重ねるフラグ。
type OrderService struct {
	orders    OrderRepository
	listings  ListingRepository
	assetKeys AssetKeyRepository
	unwrapper KeyUnwrapper
	payments  PaymentChecker
	network   string
	orderTTL  time.Duration
	metrics   Recorder
	now       func() time.Time
}

// NewOrderService は新しいOrderServiceを生成する。
func NewOrderService(orders OrderRepository, listings ListingRepository, assetKeys AssetKeyRepository, unwrapper KeyUnwrapper, payments PaymentChecker, opts OrderOptions) *OrderService {
	return &OrderService{
		orders:    orders,
		listings:  listings,
		assetKeys: assetKeys,
		unwrapper: unwrapper,
		payments:  payments,
		network:   opts.Network,
		orderTTL:  opts.OrderTTL,
		metrics:   recorderOrNop(opts.Metrics),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitiatePurchase は PENDING の注文を作成し、支払い指示を返す。注文IDがそのままメモになる。
func (s *OrderService) InitiatePurchase(ctx context.Context, req PurchaseRequest) (*domain.PaymentInstructions, error) {
	buyer := strings.TrimSpace(req.BuyerIdentity)
	if buyer == "" {
		return nil, fmt.Errorf("%w: buyer identity is required", domain.ErrInvalidRequest)
	}
	if _, err := cryptox.ParsePublicKeyB64(req.BuyerPublicKeyB64); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}

	listing, err := s.findListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.IsWithdrawn() {
		return nil, domain.ErrListingWithdrawn
	}
	if listing.SellerIdentity == buyer {
		return nil, domain.ErrSelfPurchase
	}
	if listing.ConsentRequired && !req.ConsentAccepted {
		return nil, domain.ErrConsentRequired
	}
	if !req.TermsAccepted {
		return nil, domain.ErrTermsNotAccepted
	}

	existing, err := s.orders.FindActiveDelivered(ctx, listing.ID, buyer)
	if err != nil {
		return nil, fmt.Errorf("checking existing purchase: %w", err)
	}
	if existing != nil {
		return nil, domain.ErrAlreadyPurchased
	}

	now := s.now()
	orderID := uuid.NewString()
	order := &domain.Order{
		OrderID:           orderID,
		AssetID:           listing.ID,
		BuyerPublicKeyB64: req.BuyerPublicKeyB64,
		BuyerIdentity:     buyer,
		State:             domain.OrderStatePending,
		Payment: domain.Payment{
			ExpectedAmount: listing.PriceAmount,
			Recipient:      listing.SellerIdentity,
			Memo:           orderID,
		},
		ConsentAccepted: req.ConsentAccepted,
		TermsAccepted:   req.TermsAccepted,
		CreatedAt:       now,
		AuditLog: []domain.AuditEntry{{
			Timestamp: now,
			Action:    domain.AuditOrderInitiated,
			Actor:     buyer,
			Details:   fmt.Sprintf("expected_amount=%d recipient=%s", listing.PriceAmount, listing.SellerIdentity),
		}},
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}

	if err := s.listings.AppendAudit(ctx, listing.ID, domain.AuditEntry{
		Timestamp: now,
		Action:    domain.AuditPurchaseInitiated,
		Actor:     buyer,
		Details:   "order_id=" + orderID,
	}); err != nil {
		return nil, fmt.Errorf("recording purchase on listing: %w", err)
	}

	slog.InfoContext(ctx, "purchase initiated",
		"operation", "initiate_purchase",
		"order_id", orderID,
		"listing_id", listing.ID,
	)
	return &domain.PaymentInstructions{
		OrderID: orderID,
		PayTo:   listing.SellerIdentity,
		Amount:  listing.PriceAmount,
		Memo:    orderID,
		Network: s.network,
	}, nil
}

// VerifyAndDeliver は支払いを確認し、アセット鍵を購入者宛てに封緘して返す。
// 配信済みの注文には保存済みの封緘鍵をそのまま返し、再ラップ・再封緘はしない。
// 支払い未確認の場合は domain.ErrAwaitingPayment を返す。
func (s *OrderService) VerifyAndDeliver(ctx context.Context, orderID string) (*domain.Delivery, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	listing, err := s.findListing(ctx, order.AssetID)
	if err != nil {
		return nil, err
	}
	if listing.IsWithdrawn() {
		s.metrics.Delivered("withdrawn")
		return nil, domain.ErrListingWithdrawn
	}

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		delivery, next, err := s.step(ctx, order, listing)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}
		order = next
	}
	return nil, domain.ErrOrderStateConflict
}

// step は注文の現在状態から1段階進める。
// 配信が完了したら Delivery を、別リクエストと競合したら再読込した注文を返す。
func (s *OrderService) step(ctx context.Context, order *domain.Order, listing *domain.Listing) (*domain.Delivery, *domain.Order, error) {
	switch order.State {
	case domain.OrderStateDelivered:
		if order.AccessRevoked {
			s.metrics.Delivered("revoked")
			return nil, nil, domain.ErrAccessRevoked
		}
		s.metrics.Delivered("replayed")
		return newDelivery(order, listing), nil, nil

	case domain.OrderStateExpired:
		s.metrics.Delivered("expired")
		return nil, nil, domain.ErrOrderExpired

	case domain.OrderStatePaid:
		if order.HasSealedKey() {
			return s.heal(ctx, order, listing)
		}
		return s.deliver(ctx, order, listing)

	case domain.OrderStatePending:
		return s.confirmPayment(ctx, order)

	default:
		return nil, nil, fmt.Errorf("%w: unknown state %q", domain.ErrOrderStateConflict, order.State)
	}
}

func (s *OrderService) confirmPayment(ctx context.Context, order *domain.Order) (*domain.Delivery, *domain.Order, error) {
	match, err := s.payments.VerifyPayment(ctx, order.Payment.Recipient, order.Payment.ExpectedAmount, order.Payment.Memo)
	if err != nil {
		return nil, nil, err
	}
	if !match.Matched {
		if s.isPastTTL(order) {
			return s.expire(ctx, order)
		}
		s.metrics.Delivered("awaiting_payment")
		return nil, nil, domain.ErrAwaitingPayment
	}

	owner, err := s.orders.FindByTxRef(ctx, match.TxRef)
	if err != nil {
		return nil, nil, fmt.Errorf("checking tx_ref: %w", err)
	}
	if owner != nil && owner.OrderID != order.OrderID {
		s.metrics.Delivered("replay_rejected")
		slog.WarnContext(ctx, "transaction reference already attached to another order",
			"operation", "verify_and_deliver",
			"order_id", order.OrderID,
			"tx_ref", match.TxRef,
		)
		return nil, nil, domain.ErrTxRefAlreadyUsed
	}

	err = s.orders.MarkPaid(ctx, order.OrderID, match.TxRef, match.ConfirmedAt, domain.AuditEntry{
		Timestamp: s.now(),
		Action:    domain.AuditPaymentConfirmed,
		Actor:     systemActor,
		Details:   fmt.Sprintf("tx_ref=%s slot=%d", match.TxRef, match.Slot),
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTxRefAlreadyUsed):
		s.metrics.Delivered("replay_rejected")
		return nil, nil, err
	case errors.Is(err, domain.ErrOrderStateConflict):
		reloaded, err := s.findOrder(ctx, order.OrderID)
		return nil, reloaded, err
	default:
		return nil, nil, fmt.Errorf("recording payment: %w", err)
	}

	slog.InfoContext(ctx, "payment confirmed",
		"operation", "verify_and_deliver",
		"order_id", order.OrderID,
		"tx_ref", match.TxRef,
	)

	paid := *order
	paid.State = domain.OrderStatePaid
	paid.Payment.TxRef = &match.TxRef
	paid.Payment.ConfirmedAt = &match.ConfirmedAt
	return nil, &paid, nil
}

func (s *OrderService) deliver(ctx context.Context, order *domain.Order, listing *domain.Listing) (*domain.Delivery, *domain.Order, error) {
	assetKey, err := s.assetKeys.FindByAssetID(ctx, order.AssetID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding asset key: %w", err)
	}
	if assetKey == nil {
		return nil, nil, domain.ErrAssetKeyNotFound
	}

	buyerPub, err := cryptox.ParsePublicKeyB64(order.BuyerPublicKeyB64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}

	contentKey, err := s.unwrapper.Unwrap(ctx, assetKey.Wrapped)
	if err != nil {
		s.metrics.Delivered("unwrap_failed")
		return nil, nil, err
	}
	sealed, err := cryptox.SealKey(contentKey, buyerPub)
	cryptox.Zero(contentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing content key: %w", err)
	}

	now := s.now()
	record := domain.SealedDelivery{
		SealedKeyB64:          sealed.SealedB64(),
		EphemeralPublicKeyB64: sealed.EphemeralPublicB64(),
		DeliveredAt:           now,
	}
	err = s.orders.MarkDelivered(ctx, order.OrderID, record, domain.AuditEntry{
		Timestamp: now,
		Action:    domain.AuditDataDelivered,
		Actor:     systemActor,
		Details:   fmt.Sprintf("key_version=%d", assetKey.Wrapped.KeyVersion),
	})
	if errors.Is(err, domain.ErrOrderStateConflict) {
		// 先に配信したリクエストの封緘鍵を返す
		reloaded, err := s.findOrder(ctx, order.OrderID)
		return nil, reloaded, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("recording delivery: %w", err)
	}

	slog.InfoContext(ctx, "content key delivered",
		"operation", "verify_and_deliver",
		"order_id", order.OrderID,
		"key_version", assetKey.Wrapped.KeyVersion,
	)
	s.metrics.Delivered("delivered")

	delivered := *order
	delivered.State = domain.OrderStateDelivered
	delivered.SealedKeyB64 = &record.SealedKeyB64
	delivered.EphemeralPublicKeyB64 = &record.EphemeralPublicKeyB64
	delivered.DeliveredAt = &record.DeliveredAt
	return newDelivery(&delivered, listing), nil, nil
}

func (s *OrderService) heal(ctx context.Context, order *domain.Order, listing *domain.Listing) (*domain.Delivery, *domain.Order, error) {
	err := s.orders.HealDelivered(ctx, order.OrderID, s.now(), domain.AuditEntry{
		Timestamp: s.now(),
		Action:    domain.AuditDeliveryHealed,
		Actor:     systemActor,
		Details:   "sealed key present on PAID order",
	})
	if errors.Is(err, domain.ErrOrderStateConflict) {
		reloaded, err := s.findOrder(ctx, order.OrderID)
		return nil, reloaded, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("healing delivered state: %w", err)
	}

	slog.WarnContext(ctx, "healed order stuck in PAID with sealed key",
		"operation", "verify_and_deliver",
		"order_id", order.OrderID,
	)
	s.metrics.Delivered("healed")
	return newDelivery(order, listing), nil, nil
}

// expire は期限切れを記録する。別リクエストが先に状態を進めていれば再読込した注文を返す。
func (s *OrderService) expire(ctx context.Context, order *domain.Order) (*domain.Delivery, *domain.Order, error) {
	err := s.orders.MarkExpired(ctx, order.OrderID, domain.AuditEntry{
		Timestamp: s.now(),
		Action:    domain.AuditOrderExpired,
		Actor:     systemActor,
		Details:   fmt.Sprintf("no payment within %s", s.orderTTL),
	})
	if errors.Is(err, domain.ErrOrderStateConflict) {
		reloaded, err := s.findOrder(ctx, order.OrderID)
		return nil, reloaded, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("expiring order: %w", err)
	}
	s.metrics.Delivered("expired")
	return nil, nil, domain.ErrOrderExpired
}

// CheckPurchase は購入者が有効な配信済み注文を持つ場合、その配信内容を返す。
func (s *OrderService) CheckPurchase(ctx context.Context, listingID, buyerIdentity string) (*domain.Delivery, error) {
	listing, err := s.findListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.IsWithdrawn() {
		return nil, domain.ErrListingWithdrawn
	}
	order, err := s.orders.FindActiveDelivered(ctx, listingID, buyerIdentity)
	if err != nil {
		return nil, fmt.Errorf("finding purchase: %w", err)
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return newDelivery(order, listing), nil
}

// Revoke はアセット所有者が配信済み注文のアクセスを一度だけ取り消す。
// 購入者に渡した鍵は無効化されず、取り消しの記録と以後の再配信拒否のみを行う。
func (s *OrderService) Revoke(ctx context.Context, req RevokeRequest) (time.Time, error) {
	order, err := s.findOrder(ctx, req.OrderID)
	if err != nil {
		return time.Time{}, err
	}
	listing, err := s.findListing(ctx, order.AssetID)
	if err != nil {
		return time.Time{}, err
	}
	if listing.SellerIdentity != req.OwnerIdentity {
		return time.Time{}, domain.ErrNotAssetOwner
	}
	if order.State != domain.OrderStateDelivered {
		return time.Time{}, domain.ErrOrderNotDelivered
	}
	if order.AccessRevoked {
		return time.Time{}, domain.ErrAccessAlreadyRevoked
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = domain.DefaultRevocationCause
	}
	now := s.now()
	err = s.orders.MarkRevoked(ctx, order.OrderID, reason, now, domain.AuditEntry{
		Timestamp: now,
		Action:    domain.AuditAccessRevoked,
		Actor:     req.OwnerIdentity,
		Details:   reason,
	})
	if err != nil {
		return time.Time{}, err
	}

	slog.InfoContext(ctx, "access revoked",
		"operation", "revoke",
		"order_id", order.OrderID,
	)
	return now, nil
}

// GetOrder は注文を監査ログ付きで返す。
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.findOrder(ctx, orderID)
}

// ExpirePending は期限を過ぎた PENDING 注文を EXPIRED に遷移させ、件数を返す。
func (s *OrderService) ExpirePending(ctx context.Context) (int, error) {
	if s.orderTTL <= 0 {
		return 0, nil
	}
	ids, err := s.orders.FindPendingCreatedBefore(ctx, s.now().Add(-s.orderTTL), expireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("finding pending orders: %w", err)
	}

	expired := 0
	for _, id := range ids {
		err := s.orders.MarkExpired(ctx, id, domain.AuditEntry{
			Timestamp: s.now(),
			Action:    domain.AuditOrderExpired,
			Actor:     systemActor,
			Details:   fmt.Sprintf("no payment within %s", s.orderTTL),
		})
		if errors.Is(err, domain.ErrOrderStateConflict) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expiring order %s: %w", id, err)
		}
		expired++
	}
	if expired > 0 {
		slog.InfoContext(ctx, "expired pending orders",
			"operation", "expire_pending",
			"count", expired,
		)
	}
	return expired, nil
}

func (s *OrderService) isPastTTL(order *domain.Order) bool {
	return s.orderTTL > 0 && s.now().Sub(order.CreatedAt) > s.orderTTL
}

func (s *OrderService) findOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("finding order: %w", err)
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) findListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	listing, err := s.listings.FindByID(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("finding listing: %w", err)
	}
	if listing == nil {
		return nil, domain.ErrListingNotFound
	}
	return listing, nil
}

func newDelivery(order *domain.Order, listing *domain.Listing) *domain.Delivery {
	d := &domain.Delivery{
		OrderID:  order.OrderID,
		AssetRef: listing.AssetRef,
		Filename: listing.Filename,
		Mime:     listing.Mime,
	}
	if order.SealedKeyB64 != nil {
		d.SealedKeyB64 = *order.SealedKeyB64
	}
	if order.EphemeralPublicKeyB64 != nil {
		d.EphemeralPublicKeyB64 = *order.EphemeralPublicKeyB64
	}
	return d
}
