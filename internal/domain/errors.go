package domain

import "errors"

// 一時的なエラー。呼び出し側は再試行してよい。
var (
	// ErrAwaitingPayment は台帳上に一致する送金がまだ観測されていない場合のエラー。
	ErrAwaitingPayment = errors.New("awaiting payment")

	// ErrKMSUnavailable はリモートKMSに到達できない場合のエラー。
	ErrKMSUnavailable = errors.New("kms unavailable")

	// ErrLedgerUnavailable は台帳のRPCに到達できない場合のエラー。
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// 完全性エラー。自動再試行しない。
var (
	// ErrIntegrity は認証タグの検証に失敗した場合のエラー。
	ErrIntegrity = errors.New("integrity check failed")

	// ErrKeyUnwrapFailed はラップ済み鍵の復号に失敗した場合のエラー。
	ErrKeyUnwrapFailed = errors.New("key unwrap failed")

	// ErrUnknownKeyVersion は記録された鍵バージョンがレジストリに存在しない場合のエラー。
	ErrUnknownKeyVersion = errors.New("unknown key version")
)

// ポリシー違反。利用者に理由を返す。
var (
	// ErrTxRefAlreadyUsed はトランザクション参照が別の注文に紐付いている場合のエラー。
	ErrTxRefAlreadyUsed = errors.New("transaction reference already used")

	// ErrListingWithdrawn はデータセットが出品者により取り下げられている場合のエラー。
	ErrListingWithdrawn = errors.New("listing has been withdrawn")

	// ErrListingAlreadyWithdrawn は既に取り下げ済みの場合のエラー。
	ErrListingAlreadyWithdrawn = errors.New("listing already withdrawn")

	// ErrAccessRevoked はアクセスが取り消されている場合のエラー。
	ErrAccessRevoked = errors.New("access has been revoked")

	// ErrAccessAlreadyRevoked は既にアクセスが取り消されている場合のエラー。
	ErrAccessAlreadyRevoked = errors.New("access already revoked")

	// ErrNotAssetOwner は呼び出し元がアセット所有者でない場合のエラー。
	ErrNotAssetOwner = errors.New("caller is not the asset owner")

	// ErrOrderNotDelivered は配信前の注文に対する操作のエラー。
	ErrOrderNotDelivered = errors.New("order is not delivered")

	// ErrOrderExpired は支払い期限切れの注文のエラー。
	ErrOrderExpired = errors.New("order expired")

	// ErrOrderStateConflict は状態遷移の前提が満たされない場合のエラー。
	ErrOrderStateConflict = errors.New("order state conflict")

	// ErrConsentRequired は同意が必要なデータセットで同意がない場合のエラー。
	ErrConsentRequired = errors.New("consent is required")

	// ErrTermsNotAccepted はデータアクセス条件に同意していない場合のエラー。
	ErrTermsNotAccepted = errors.New("data access terms must be accepted")

	// ErrSelfPurchase は出品者自身が購入しようとした場合のエラー。
	ErrSelfPurchase = errors.New("cannot purchase own listing")

	// ErrAlreadyPurchased は有効な購入が既に存在する場合のエラー。
	ErrAlreadyPurchased = errors.New("already purchased")
)

// 参照・入力エラー。
var (
	// ErrOrderNotFound は注文が存在しない場合のエラー。
	ErrOrderNotFound = errors.New("order not found")

	// ErrListingNotFound は出品が存在しない場合のエラー。
	ErrListingNotFound = errors.New("listing not found")

	// ErrAssetKeyNotFound はアセット鍵レコードが存在しない場合のエラー。
	ErrAssetKeyNotFound = errors.New("asset key not found")

	// ErrAssetKeyConflict は再ラップ中に鍵レコードが更新された場合のエラー。
	ErrAssetKeyConflict = errors.New("asset key was modified concurrently")

	// ErrKeyVersionConflict は鍵のローテーションが競合し続けた場合のエラー。
	ErrKeyVersionConflict = errors.New("key version rotation conflict")

	// ErrInvalidPublicKey は購入者公開鍵の形式が不正な場合のエラー。
	ErrInvalidPublicKey = errors.New("invalid buyer public key")

	// ErrInvalidRequest は必須項目の欠落など入力が不正な場合のエラー。
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidListing は出品内容が不正な場合のエラー。
	ErrInvalidListing = errors.New("invalid listing")
)

// 設定エラー。
var (
	// ErrNoWrapBackend は鍵ラップのバックエンドが一つも設定されていない場合のエラー。
	ErrNoWrapBackend = errors.New("no key wrap backend configured")
)

var (
	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
