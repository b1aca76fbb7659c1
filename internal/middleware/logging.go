// Package middleware はHTTPミドルウェアと操作ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 操作ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
	ResultPending = "PENDING"
)

// AuditLog は鍵に触れる操作の記録形式。
type AuditLog struct {
	Operation  string `json:"operation"`
	Subject    string `json:"subject"`
	KeyVersion *uint  `json:"key_version,omitempty"`
	Result     string `json:"result"`
	Timestamp  string `json:"timestamp"`
}

// WriteAuditLog は鍵に触れる操作の結果を記録する。subject は注文IDや出品IDなど。
// 鍵の値や封緘結果は渡さないこと。
func WriteAuditLog(ctx context.Context, operation, subject string, keyVersion *uint, result string) {
	attrs := []any{
		"operation", operation,
		"subject", subject,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if keyVersion != nil {
		attrs = append(attrs, "key_version", *keyVersion)
	}

	if result == ResultFailed {
		slog.WarnContext(ctx, "key operation completed", attrs...)
		return
	}
	slog.InfoContext(ctx, "key operation completed", attrs...)
}
