package domain

import "time"

// MigrationStatus はスキーママイグレーションの状態を表す。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は migrations ディレクトリの1ファイルを表す。
// ファイル名は {version}_{name}.sql 形式。
type Migration struct {
	Version   string
	Name      string
	FilePath  string
	Status    MigrationStatus
	AppliedAt *time.Time
}

// IsApplied は適用済みかを返す。
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied
}
