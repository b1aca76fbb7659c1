package domain

import "time"

// 出品の監査アクション。
const (
	AuditListingCreated     = "LISTING_CREATED"
	AuditPurchaseInitiated  = "PURCHASE_INITIATED"
	AuditDatasetWithdrawn   = "DATASET_WITHDRAWN"
	AuditAssetKeyRewrapped  = "ASSET_KEY_REWRAPPED"
	DefaultWithdrawalReason = "Withdrawn by owner"
	DefaultDataAccessTerms  = "By purchasing this dataset, you agree to use it in compliance with EU Data Act and GDPR regulations. You may not redistribute or share this data without explicit permission."
)

// Listing は暗号化済みアセットの出品を表す。
type Listing struct {
	ID              string
	SellerIdentity  string
	AssetRef        string
	Filename        string
	Name            string
	Description     string
	Mime            string
	Size            int64
	PriceAmount     uint64
	DataAccessTerms string
	ConsentRequired bool
	WithdrawnAt     *time.Time
	WithdrawnReason *string
	AuditLog        []AuditEntry
	CreatedAt       time.Time
}

// IsWithdrawn は取り下げ済みかを返す。
func (l *Listing) IsWithdrawn() bool {
	return l.WithdrawnAt != nil
}
