package domain

import "time"

// AuditEntry は追記専用の監査ログの1件を表す。
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Action    string
	Actor     string
	Details   string
}
