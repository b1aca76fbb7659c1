package repository

import (
	"time"

	"github.com/oklog/ulid/v2"

	"key-delivery-service/internal/domain"
)

// OrderAuditEntryModel は order_audit_entries テーブルのgormモデル。追記のみ。
type OrderAuditEntryModel struct {
	ID        string    `gorm:"type:char(26);primaryKey"`
	OrderID   string    `gorm:"type:varchar(64);not null;index:idx_order_audit_order_id"`
	Timestamp time.Time `gorm:"not null"`
	Action    string    `gorm:"type:varchar(64);not null"`
	Actor     string    `gorm:"type:varchar(128)"`
	Details   string    `gorm:"type:text"`
}

// TableName はテーブル名を返す。
func (OrderAuditEntryModel) TableName() string {
	return "order_audit_entries"
}

// ListingAuditEntryModel は listing_audit_entries テーブルのgormモデル。追記のみ。
type ListingAuditEntryModel struct {
	ID        string    `gorm:"type:char(26);primaryKey"`
	ListingID string    `gorm:"type:varchar(64);not null;index:idx_listing_audit_listing_id"`
	Timestamp time.Time `gorm:"not null"`
	Action    string    `gorm:"type:varchar(64);not null"`
	Actor     string    `gorm:"type:varchar(128)"`
	Details   string    `gorm:"type:text"`
}

// TableName はテーブル名を返す。
func (ListingAuditEntryModel) TableName() string {
	return "listing_audit_entries"
}

// Models はこのパッケージが扱う全テーブルのモデルを返す。テストのスキーマ作成に使う。
func Models() []any {
	return []any{
		&SchemaMigrationModel{},
		&KeyVersionModel{},
		&AssetKeyModel{},
		&ListingModel{},
		&ListingAuditEntryModel{},
		&OrderModel{},
		&OrderAuditEntryModel{},
	}
}

// ULIDは時刻順に並ぶため、同一時刻の監査エントリも追記順に読み出せる。
func newAuditID() string {
	return ulid.Make().String()
}

func newOrderAuditModel(orderID string, e domain.AuditEntry) *OrderAuditEntryModel {
	if e.ID == "" {
		e.ID = newAuditID()
	}
	return &OrderAuditEntryModel{
		ID:        e.ID,
		OrderID:   orderID,
		Timestamp: e.Timestamp,
		Action:    e.Action,
		Actor:     e.Actor,
		Details:   e.Details,
	}
}

func newListingAuditModel(listingID string, e domain.AuditEntry) *ListingAuditEntryModel {
	if e.ID == "" {
		e.ID = newAuditID()
	}
	return &ListingAuditEntryModel{
		ID:        e.ID,
		ListingID: listingID,
		Timestamp: e.Timestamp,
		Action:    e.Action,
		Actor:     e.Actor,
		Details:   e.Details,
	}
}

func orderAuditToDomain(models []OrderAuditEntryModel) []domain.AuditEntry {
	entries := make([]domain.AuditEntry, len(models))
	for i, m := range models {
		entries[i] = domain.AuditEntry{ID: m.ID, Timestamp: m.Timestamp, Action: m.Action, Actor: m.Actor, Details: m.Details}
	}
	return entries
}

func listingAuditToDomain(models []ListingAuditEntryModel) []domain.AuditEntry {
	entries := make([]domain.AuditEntry, len(models))
	for i, m := range models {
		entries[i] = domain.AuditEntry{ID: m.ID, Timestamp: m.Timestamp, Action: m.Action, Actor: m.Actor, Details: m.Details}
	}
	return entries
}
