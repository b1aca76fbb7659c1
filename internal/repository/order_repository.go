package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-delivery-service/internal/domain"
)

// OrderModel は orders テーブルのgormモデル。
// tx_ref の一意インデックスが同じ送金の二重利用を防ぐ。
type OrderModel struct {
	OrderID               string     `gorm:"column:order_id;type:varchar(64);primaryKey"`
	AssetID               string     `gorm:"type:varchar(64);not null;index:idx_orders_asset_buyer"`
	BuyerPublicKeyB64     string     `gorm:"column:buyer_public_key_b64;type:varchar(64);not null"`
	BuyerIdentity         string     `gorm:"type:varchar(128);not null;index:idx_orders_asset_buyer"`
	State                 string     `gorm:"type:varchar(16);not null;index:idx_orders_state"`
	ExpectedAmount        uint64     `gorm:"not null"`
	Recipient             string     `gorm:"type:varchar(128);not null"`
	Memo                  string     `gorm:"type:varchar(64);not null"`
	TxRef                 *string    `gorm:"column:tx_ref;type:varchar(128);uniqueIndex:uk_orders_tx_ref"`
	ConfirmedAt           *time.Time `gorm:"column:confirmed_at"`
	SealedKeyB64          *string    `gorm:"column:sealed_key_b64;type:varchar(255)"`
	EphemeralPublicKeyB64 *string    `gorm:"column:ephemeral_public_key_b64;type:varchar(64)"`
	DeliveredAt           *time.Time `gorm:"column:delivered_at"`
	ConsentAccepted       bool       `gorm:"not null;default:false"`
	TermsAccepted         bool       `gorm:"not null;default:false"`
	AccessRevoked         bool       `gorm:"not null;default:false"`
	AccessRevokedAt       *time.Time `gorm:"column:access_revoked_at"`
	AccessRevokedReason   *string    `gorm:"column:access_revoked_reason;type:varchar(500)"`
	CreatedAt             time.Time  `gorm:"not null;autoCreateTime;index:idx_orders_state"`
}

// TableName はテーブル名を返す。
func (OrderModel) TableName() string {
	return "orders"
}

func (m *OrderModel) toDomain(audit []OrderAuditEntryModel) *domain.Order {
	return &domain.Order{
		OrderID:           m.OrderID,
		AssetID:           m.AssetID,
		BuyerPublicKeyB64: m.BuyerPublicKeyB64,
		BuyerIdentity:     m.BuyerIdentity,
		State:             domain.OrderState(m.State),
		Payment: domain.Payment{
			ExpectedAmount: m.ExpectedAmount,
			Recipient:      m.Recipient,
			Memo:           m.Memo,
			TxRef:          m.TxRef,
			ConfirmedAt:    m.ConfirmedAt,
		},
		SealedKeyB64:          m.SealedKeyB64,
		EphemeralPublicKeyB64: m.EphemeralPublicKeyB64,
		DeliveredAt:           m.DeliveredAt,
		ConsentAccepted:       m.ConsentAccepted,
		TermsAccepted:         m.TermsAccepted,
		AccessRevoked:         m.AccessRevoked,
		AccessRevokedAt:       m.AccessRevokedAt,
		AccessRevokedReason:   m.AccessRevokedReason,
		AuditLog:              orderAuditToDomain(audit),
		CreatedAt:             m.CreatedAt,
	}
}

// OrderRepository は注文へのアクセスを提供する。
// 状態遷移はすべて現在状態を条件にした UPDATE で行い、競合した側は更新件数0で検出する。
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository は新しいOrderRepositoryを生成する。
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create は注文と初期の監査エントリを保存する。
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	model := &OrderModel{
		OrderID:           order.OrderID,
		AssetID:           order.AssetID,
		BuyerPublicKeyB64: order.BuyerPublicKeyB64,
		BuyerIdentity:     order.BuyerIdentity,
		State:             string(order.State),
		ExpectedAmount:    order.Payment.ExpectedAmount,
		Recipient:         order.Payment.Recipient,
		Memo:              order.Payment.Memo,
		ConsentAccepted:   order.ConsentAccepted,
		TermsAccepted:     order.TermsAccepted,
		CreatedAt:         order.CreatedAt,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		for i := range order.AuditLog {
			audit := newOrderAuditModel(order.OrderID, order.AuditLog[i])
			if err := tx.Create(audit).Error; err != nil {
				return err
			}
			order.AuditLog[i].ID = audit.ID
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create order",
			"operation", "create",
			"order_id", order.OrderID,
			"error", err,
		)
		return err
	}
	order.CreatedAt = model.CreatedAt
	return nil
}

// FindByID は監査ログ付きで注文を返す。存在しない場合は nil を返す。
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find order",
			"operation", "find_by_id",
			"order_id", orderID,
			"error", err,
		)
		return nil, err
	}
	return r.withAudit(ctx, &model)
}

// FindByTxRef は送金参照が紐付いた注文を返す。存在しない場合は nil を返す。
func (r *OrderRepository) FindByTxRef(ctx context.Context, txRef string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("tx_ref = ?", txRef).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find order by tx_ref",
			"operation", "find_by_tx_ref",
			"tx_ref", txRef,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(nil), nil
}

// FindActiveDelivered は購入者の配信済みかつ取り消されていない最新の注文を返す。
func (r *OrderRepository) FindActiveDelivered(ctx context.Context, assetID, buyerIdentity string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).
		Where("asset_id = ? AND buyer_identity = ? AND state = ? AND access_revoked = ?",
			assetID, buyerIdentity, string(domain.OrderStateDelivered), false).
		Order("delivered_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find delivered order",
			"operation", "find_active_delivered",
			"asset_id", assetID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(nil), nil
}

// MarkPaid は PENDING の注文に送金参照を記録して PAID に遷移させる。
// 参照が他の注文で使用済みなら domain.ErrTxRefAlreadyUsed、状態が変わっていれば domain.ErrOrderStateConflict を返す。
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, txRef string, confirmedAt time.Time, entry domain.AuditEntry) error {
	return r.transition(ctx, "mark_paid", orderID, entry, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&OrderModel{}).
			Where("order_id = ? AND state = ?", orderID, string(domain.OrderStatePending)).
			Updates(map[string]any{
				"state":        string(domain.OrderStatePaid),
				"tx_ref":       txRef,
				"confirmed_at": confirmedAt,
			})
	})
}

// MarkDelivered は封緘鍵が未保存の PAID 注文に封緘結果を保存して DELIVERED に遷移させる。
// 他のリクエストが先に配信していれば domain.ErrOrderStateConflict を返す。
func (r *OrderRepository) MarkDelivered(ctx context.Context, orderID string, sealed domain.SealedDelivery, entry domain.AuditEntry) error {
	return r.transition(ctx, "mark_delivered", orderID, entry, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&OrderModel{}).
			Where("order_id = ? AND state = ? AND sealed_key_b64 IS NULL", orderID, string(domain.OrderStatePaid)).
			Updates(map[string]any{
				"state":                    string(domain.OrderStateDelivered),
				"sealed_key_b64":           sealed.SealedKeyB64,
				"ephemeral_public_key_b64": sealed.EphemeralPublicKeyB64,
				"delivered_at":             sealed.DeliveredAt,
			})
	})
}

// HealDelivered は封緘鍵が保存済みのまま PAID に残った注文を DELIVERED に修復する。
// 封緘鍵は書き換えない。
func (r *OrderRepository) HealDelivered(ctx context.Context, orderID string, at time.Time, entry domain.AuditEntry) error {
	return r.transition(ctx, "heal_delivered", orderID, entry, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&OrderModel{}).
			Where("order_id = ? AND state = ? AND sealed_key_b64 IS NOT NULL", orderID, string(domain.OrderStatePaid)).
			Updates(map[string]any{
				"state":        string(domain.OrderStateDelivered),
				"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
			})
	})
}

// MarkRevoked は取り消されていない DELIVERED 注文のアクセスを取り消す。
// 既に取り消されていれば domain.ErrAccessAlreadyRevoked を返す。
func (r *OrderRepository) MarkRevoked(ctx context.Context, orderID, reason string, at time.Time, entry domain.AuditEntry) error {
	err := r.transition(ctx, "mark_revoked", orderID, entry, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&OrderModel{}).
			Where("order_id = ? AND state = ? AND access_revoked = ?", orderID, string(domain.OrderStateDelivered), false).
			Updates(map[string]any{
				"access_revoked":        true,
				"access_revoked_at":     at,
				"access_revoked_reason": reason,
			})
	})
	if errors.Is(err, domain.ErrOrderStateConflict) {
		return domain.ErrAccessAlreadyRevoked
	}
	return err
}

// MarkExpired は PENDING の注文を EXPIRED に遷移させる。
func (r *OrderRepository) MarkExpired(ctx context.Context, orderID string, entry domain.AuditEntry) error {
	return r.transition(ctx, "mark_expired", orderID, entry, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&OrderModel{}).
			Where("order_id = ? AND state = ?", orderID, string(domain.OrderStatePending)).
			Update("state", string(domain.OrderStateExpired))
	})
}

// FindPendingCreatedBefore は before より前に作成された PENDING 注文のIDを返す。
func (r *OrderRepository) FindPendingCreatedBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("state = ? AND created_at < ?", string(domain.OrderStatePending), before).
		Order("created_at ASC").
		Limit(limit).
		Pluck("order_id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find pending orders",
			"operation", "find_pending_created_before",
			"error", err,
		)
		return nil, err
	}
	return ids, nil
}

// transition は条件付き UPDATE と監査エントリの追記を1つのトランザクションで行う。
func (r *OrderRepository) transition(ctx context.Context, op, orderID string, entry domain.AuditEntry, update func(tx *gorm.DB) *gorm.DB) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := update(tx)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return domain.ErrTxRefAlreadyUsed
			}
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrOrderStateConflict
		}
		return tx.Create(newOrderAuditModel(orderID, entry)).Error
	})
	if err != nil && !errors.Is(err, domain.ErrOrderStateConflict) && !errors.Is(err, domain.ErrTxRefAlreadyUsed) {
		slog.ErrorContext(ctx, "failed to transition order",
			"operation", op,
			"order_id", orderID,
			"error", err,
		)
	}
	return err
}

func (r *OrderRepository) withAudit(ctx context.Context, model *OrderModel) (*domain.Order, error) {
	var audit []OrderAuditEntryModel
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", model.OrderID).
		Order("timestamp ASC, id ASC").
		Find(&audit).Error; err != nil {
		slog.ErrorContext(ctx, "failed to load order audit log",
			"operation", "find_by_id",
			"order_id", model.OrderID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(audit), nil
}
