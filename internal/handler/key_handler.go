package handler

import (
	"context"
	"net/http"
	"time"

	"key-delivery-service/internal/domain"
	"key-delivery-service/internal/middleware"
	"key-delivery-service/pkg/httputil"
)

// KeyAdminUsecase は鍵バージョン管理APIが使うユースケース。usecase.KeyWrapService が実装する。
type KeyAdminUsecase interface {
	ListVersions(ctx context.Context) ([]*domain.KeyVersion, error)
	Rotate(ctx context.Context, kmsKeyName string) (*domain.KeyVersion, error)
}

// AssetKeyUsage は鍵バージョンごとのアセット鍵数を返す。usecase.ListingService が実装する。
type AssetKeyUsage interface {
	CountAssetKeysByVersion(ctx context.Context) (map[uint]int64, error)
}

// KeyHandler は鍵バージョン管理APIのハンドラ。
type KeyHandler struct {
	service KeyAdminUsecase
	usage   AssetKeyUsage
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(service KeyAdminUsecase, usage AssetKeyUsage) *KeyHandler {
	return &KeyHandler{service: service, usage: usage}
}

// RotateKeyRequest はローテーションのリクエスト形式。
type RotateKeyRequest struct {
	KMSKeyName string `json:"kms_key_name"`
}

// KeyVersionResponse は鍵バージョンのレスポンス形式。
type KeyVersionResponse struct {
	Version    uint   `json:"version"`
	KMSKeyName string `json:"kms_key_name"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	AssetKeys  *int64 `json:"asset_keys,omitempty"`
}

// KeyVersionListResponse は鍵バージョン一覧のレスポンス形式。
// LocalFallbackAssetKeys はローカル鍵(バージョン0)でラップされたままのアセット鍵数。
type KeyVersionListResponse struct {
	Versions               []KeyVersionResponse `json:"versions"`
	LocalFallbackAssetKeys int64                `json:"local_fallback_asset_keys"`
}

// ListVersions は鍵バージョン一覧を取得する。
func (h *KeyHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.service.ListVersions(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "LIST_KEY_VERSIONS", "registry", nil, middleware.ResultFailed)
		writeError(w, r, "list_key_versions", err)
		return
	}
	counts, err := h.usage.CountAssetKeysByVersion(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "LIST_KEY_VERSIONS", "registry", nil, middleware.ResultFailed)
		writeError(w, r, "list_key_versions", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "LIST_KEY_VERSIONS", "registry", nil, middleware.ResultSuccess)
	response := KeyVersionListResponse{
		Versions:               make([]KeyVersionResponse, len(versions)),
		LocalFallbackAssetKeys: counts[domain.LocalFallbackVersion],
	}
	for i, v := range versions {
		response.Versions[i] = toKeyVersionResponse(v)
		n := counts[v.Version]
		response.Versions[i].AssetKeys = &n
	}
	httputil.JSON(w, http.StatusOK, response)
}

// RotateKey は新しいKMS鍵を有効バージョンとして登録する。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	var req RotateKeyRequest
	if err := httputil.DecodeJSON(r, &req, httputil.MaxBodyBytes); err != nil || req.KMSKeyName == "" {
		badRequest(w, "kms_key_name is required")
		return
	}

	kv, err := h.service.Rotate(r.Context(), req.KMSKeyName)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", "registry", nil, middleware.ResultFailed)
		writeError(w, r, "rotate_key", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", "registry", &kv.Version, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, toKeyVersionResponse(kv))
}

func toKeyVersionResponse(v *domain.KeyVersion) KeyVersionResponse {
	return KeyVersionResponse{
		Version:    v.Version,
		KMSKeyName: v.KMSKeyName,
		Status:     string(v.Status),
		CreatedAt:  v.CreatedAt.Format(time.RFC3339),
	}
}
