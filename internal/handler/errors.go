// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"key-delivery-service/internal/domain"
	"key-delivery-service/pkg/httputil"
)

// CallerIdentityHeader は上流の認証ゲートウェイが付与する呼び出し元のウォレットアドレス。
const CallerIdentityHeader = "X-Caller-Identity"

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// message が空のものは入力起因のため err.Error() を返す。
var errorMappings = []errorMapping{
	{domain.ErrKMSUnavailable, http.StatusServiceUnavailable, "KMS_UNAVAILABLE", "key service temporarily unavailable"},
	{domain.ErrLedgerUnavailable, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger temporarily unavailable"},
	{domain.ErrIntegrity, http.StatusInternalServerError, "INTEGRITY_ERROR", "content key could not be recovered"},
	{domain.ErrUnknownKeyVersion, http.StatusInternalServerError, "INTEGRITY_ERROR", "content key could not be recovered"},
	{domain.ErrKeyUnwrapFailed, http.StatusInternalServerError, "KEY_UNWRAP_FAILED", "content key could not be recovered"},

	{domain.ErrTxRefAlreadyUsed, http.StatusConflict, "TX_ALREADY_USED", "transaction already used for another order"},
	{domain.ErrListingWithdrawn, http.StatusForbidden, "LISTING_WITHDRAWN", "dataset has been withdrawn by the owner"},
	{domain.ErrAccessRevoked, http.StatusForbidden, "ACCESS_REVOKED", "access to this dataset has been revoked"},
	{domain.ErrNotAssetOwner, http.StatusForbidden, "NOT_ASSET_OWNER", "only the asset owner may perform this action"},
	{domain.ErrOrderExpired, http.StatusGone, "ORDER_EXPIRED", "order expired before payment was observed"},
	{domain.ErrAccessAlreadyRevoked, http.StatusConflict, "ALREADY_REVOKED", "access already revoked"},
	{domain.ErrListingAlreadyWithdrawn, http.StatusConflict, "ALREADY_WITHDRAWN", "listing already withdrawn"},
	{domain.ErrOrderNotDelivered, http.StatusConflict, "ORDER_NOT_DELIVERED", "order has not been delivered"},
	{domain.ErrOrderStateConflict, http.StatusConflict, "ORDER_STATE_CONFLICT", "order was modified concurrently, retry"},
	{domain.ErrAlreadyPurchased, http.StatusConflict, "ALREADY_PURCHASED", "an active purchase already exists"},
	{domain.ErrAssetKeyConflict, http.StatusConflict, "ASSET_KEY_CONFLICT", "asset key was modified concurrently, retry"},
	{domain.ErrKeyVersionConflict, http.StatusConflict, "KEY_VERSION_CONFLICT", "key rotation conflicted, retry"},
	{domain.ErrNoWrapBackend, http.StatusConflict, "KMS_NOT_CONFIGURED", "remote KMS is not configured"},

	{domain.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found"},
	{domain.ErrListingNotFound, http.StatusNotFound, "LISTING_NOT_FOUND", "listing not found"},
	{domain.ErrAssetKeyNotFound, http.StatusNotFound, "ASSET_KEY_NOT_FOUND", "asset key not found"},

	{domain.ErrConsentRequired, http.StatusBadRequest, "CONSENT_REQUIRED", "consent is required for this dataset"},
	{domain.ErrTermsNotAccepted, http.StatusBadRequest, "TERMS_NOT_ACCEPTED", "data access terms must be accepted"},
	{domain.ErrSelfPurchase, http.StatusBadRequest, "SELF_PURCHASE", "cannot purchase your own listing"},
	{domain.ErrInvalidPublicKey, http.StatusBadRequest, "INVALID_PUBLIC_KEY", "buyer public key must be 32 bytes base64"},
	{domain.ErrInvalidListing, http.StatusBadRequest, "INVALID_LISTING", ""},
	{domain.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST", ""},
}

// writeError はドメインエラーをHTTPステータスと機械可読なコードに変換して返す。
// 対応しないエラーは500とし、詳細はログにのみ残す。
func writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.err) {
			continue
		}
		message := m.message
		if message == "" {
			message = err.Error()
		}
		if m.status >= http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "request failed", "operation", operation, "error", err)
		}
		httputil.Error(w, m.status, m.code, message)
		return
	}

	slog.ErrorContext(r.Context(), "request failed", "operation", operation, "error", err)
	httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

func badRequest(w http.ResponseWriter, message string) {
	httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message)
}

func callerIdentity(r *http.Request) string {
	return r.Header.Get(CallerIdentityHeader)
}
