// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// LocalFallbackVersion はローカルマスター鍵でラップしたことを示す鍵バージョン。
const LocalFallbackVersion uint = 0

// KeyVersionStatus はマスター鍵バージョンのステータスを表す。
type KeyVersionStatus string

const (
	// KeyVersionActive は新規ラップに使用される鍵を表す。
	KeyVersionActive KeyVersionStatus = "active"
	// KeyVersionRetired は新規ラップには使わないが復号には使える鍵を表す。
	KeyVersionRetired KeyVersionStatus = "retired"
)

// KeyVersion はリモートKMS鍵の世代を表す。
type KeyVersion struct {
	Version    uint
	KMSKeyName string
	Status     KeyVersionStatus
	CreatedAt  time.Time
}

// IsActive は新規ラップに使用される世代かどうかを返す。
func (v *KeyVersion) IsActive() bool {
	return v.Status == KeyVersionActive
}

// WrappedKey はマスター鍵でラップされたコンテンツ鍵を表す。
// リモートKMSでラップした場合 IV と Tag は空になる。
type WrappedKey struct {
	WrappedKey []byte
	IV         []byte
	Tag        []byte
	KeyVersion uint
}

// IsLocalFallback はローカルマスター鍵でラップされているかを返す。
func (w *WrappedKey) IsLocalFallback() bool {
	return w.KeyVersion == LocalFallbackVersion
}

// AssetKey はアセットごとのラップ済みコンテンツ鍵レコードを表す。
type AssetKey struct {
	AssetID   string
	Wrapped   WrappedKey
	CreatedAt time.Time
	RotatedAt *time.Time
}
