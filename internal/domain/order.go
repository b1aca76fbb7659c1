package domain

import "time"

// OrderState は注文の状態を表す。
type OrderState string

const (
	OrderStatePending   OrderState = "PENDING"
	OrderStatePaid      OrderState = "PAID"
	OrderStateDelivered OrderState = "DELIVERED"
	OrderStateExpired   OrderState = "EXPIRED"
)

// 注文の監査アクション。
const (
	AuditOrderInitiated    = "ORDER_INITIATED"
	AuditPaymentConfirmed  = "PAYMENT_CONFIRMED"
	AuditDataDelivered     = "DATA_DELIVERED"
	AuditDeliveryHealed    = "DELIVERY_HEALED"
	AuditAccessRevoked     = "ACCESS_REVOKED"
	AuditOrderExpired      = "ORDER_EXPIRED"
	DefaultRevocationCause = "Revoked by data owner under EU Data Act rights"
)

// Payment は注文の支払い情報を表す。TxRef と ConfirmedAt は検証後に設定される。
type Payment struct {
	ExpectedAmount uint64
	Recipient      string
	Memo           string
	TxRef          *string
	ConfirmedAt    *time.Time
}

// Order は購入注文を表す。
type Order struct {
	OrderID               string
	AssetID               string
	BuyerPublicKeyB64     string
	BuyerIdentity         string
	State                 OrderState
	Payment               Payment
	SealedKeyB64          *string
	EphemeralPublicKeyB64 *string
	DeliveredAt           *time.Time
	ConsentAccepted       bool
	TermsAccepted         bool
	AccessRevoked         bool
	AccessRevokedAt       *time.Time
	AccessRevokedReason   *string
	AuditLog              []AuditEntry
	CreatedAt             time.Time
}

// HasSealedKey は封緘済み鍵が保存されているかを返す。
func (o *Order) HasSealedKey() bool {
	return o.SealedKeyB64 != nil && *o.SealedKeyB64 != ""
}

// Delivery は購入者に返す配信結果を表す。
type Delivery struct {
	OrderID               string
	SealedKeyB64          string
	EphemeralPublicKeyB64 string
	AssetRef              string
	Filename              string
	Mime                  string
}

// SealedDelivery は注文に永続化する封緘結果を表す。
type SealedDelivery struct {
	SealedKeyB64          string
	EphemeralPublicKeyB64 string
	DeliveredAt           time.Time
}

// PaymentMatch は台帳上で一致した送金を表す。
type PaymentMatch struct {
	Matched     bool
	TxRef       string
	Slot        uint64
	ConfirmedAt time.Time
}

// PaymentInstructions は購入者への支払い指示を表す。
type PaymentInstructions struct {
	OrderID string
	PayTo   string
	Amount  uint64
	Memo    string
	Network string
}
