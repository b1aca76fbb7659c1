package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"key-delivery-service/internal/domain"
	"key-delivery-service/internal/middleware"
	"key-delivery-service/internal/usecase"
	"key-delivery-service/pkg/httputil"
)

// ListingUsecase は出品APIが使うユースケース。usecase.ListingService が実装する。
type ListingUsecase interface {
	CreateListing(ctx context.Context, req usecase.CreateListingRequest) (*domain.Listing, error)
	GetListing(ctx context.Context, id string) (*domain.Listing, error)
	Withdraw(ctx context.Context, listingID, sellerIdentity, reason string) (*domain.Listing, error)
	RewrapAssetKey(ctx context.Context, assetID string) (*domain.AssetKey, error)
}

// ListingHandler は出品APIのハンドラ。
type ListingHandler struct {
	service ListingUsecase
}

// NewListingHandler は新しいListingHandlerを生成する。
func NewListingHandler(service ListingUsecase) *ListingHandler {
	return &ListingHandler{service: service}
}

// CreateListingRequest は出品作成のリクエスト形式。
type CreateListingRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	Filename        string `json:"filename"`
	Mime            string `json:"mime"`
	PriceLamports   uint64 `json:"price_lamports"`
	DataAccessTerms string `json:"data_access_terms,omitempty"`
	ConsentRequired bool   `json:"consent_required"`
	ContentB64      string `json:"content_b64"`
}

// WithdrawRequest は取り下げのリクエスト形式。
type WithdrawRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AuditEntryResponse は監査ログのレスポンス形式。
type AuditEntryResponse struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Actor     string `json:"actor,omitempty"`
	Details   string `json:"details,omitempty"`
}

// ListingResponse は出品のレスポンス形式。
type ListingResponse struct {
	ID              string               `json:"id"`
	Seller          string               `json:"seller"`
	AssetRef        string               `json:"asset_ref"`
	Name            string               `json:"name"`
	Description     string               `json:"description"`
	Filename        string               `json:"filename"`
	Mime            string               `json:"mime"`
	Size            int64                `json:"size"`
	PriceLamports   uint64               `json:"price_lamports"`
	DataAccessTerms string               `json:"data_access_terms"`
	ConsentRequired bool                 `json:"consent_required"`
	WithdrawnAt     string               `json:"withdrawn_at,omitempty"`
	WithdrawnReason string               `json:"withdrawn_reason,omitempty"`
	AuditLog        []AuditEntryResponse `json:"audit_log"`
}

// AssetKeyResponse は再ラップ結果のレスポンス形式。鍵の値は含まない。
type AssetKeyResponse struct {
	AssetID    string `json:"asset_id"`
	KeyVersion uint   `json:"key_version"`
	RotatedAt  string `json:"rotated_at,omitempty"`
}

// CreateListing はコンテンツを暗号化して出品を作成する。
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	seller := callerIdentity(r)
	if seller == "" {
		httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "caller identity is required")
		return
	}

	var req CreateListingRequest
	if err := httputil.DecodeJSON(r, &req, httputil.MaxUploadBytes); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentB64)
	if err != nil {
		badRequest(w, "content_b64 must be base64")
		return
	}

	listing, err := h.service.CreateListing(r.Context(), usecase.CreateListingRequest{
		SellerIdentity:  seller,
		Name:            req.Name,
		Description:     req.Description,
		Filename:        req.Filename,
		Mime:            req.Mime,
		PriceAmount:     req.PriceLamports,
		DataAccessTerms: req.DataAccessTerms,
		ConsentRequired: req.ConsentRequired,
		Content:         content,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_LISTING", seller, nil, middleware.ResultFailed)
		writeError(w, r, "create_listing", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_LISTING", listing.ID, nil, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, toListingResponse(listing))
}

// GetListing は出品を取得する。
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.service.GetListing(r.Context(), chi.URLParam(r, "listing_id"))
	if err != nil {
		writeError(w, r, "get_listing", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toListingResponse(listing))
}

// Withdraw は出品者が出品を取り下げる。
func (h *ListingHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	seller := callerIdentity(r)
	if seller == "" {
		httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "caller identity is required")
		return
	}
	var req WithdrawRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req, httputil.MaxBodyBytes); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}

	listingID := chi.URLParam(r, "listing_id")
	listing, err := h.service.Withdraw(r.Context(), listingID, seller, req.Reason)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "WITHDRAW_LISTING", listingID, nil, middleware.ResultFailed)
		writeError(w, r, "withdraw_listing", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "WITHDRAW_LISTING", listingID, nil, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toListingResponse(listing))
}

// Rewrap はアセット鍵を現在の鍵バージョンでラップし直す。管理者用。
func (h *ListingHandler) Rewrap(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listing_id")
	key, err := h.service.RewrapAssetKey(r.Context(), listingID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "REWRAP_ASSET_KEY", listingID, nil, middleware.ResultFailed)
		writeError(w, r, "rewrap_asset_key", err)
		return
	}

	version := key.Wrapped.KeyVersion
	middleware.WriteAuditLog(r.Context(), "REWRAP_ASSET_KEY", listingID, &version, middleware.ResultSuccess)
	resp := AssetKeyResponse{AssetID: key.AssetID, KeyVersion: version}
	if key.RotatedAt != nil {
		resp.RotatedAt = key.RotatedAt.Format(time.RFC3339)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func toListingResponse(l *domain.Listing) ListingResponse {
	resp := ListingResponse{
		ID:              l.ID,
		Seller:          l.SellerIdentity,
		AssetRef:        l.AssetRef,
		Name:            l.Name,
		Description:     l.Description,
		Filename:        l.Filename,
		Mime:            l.Mime,
		Size:            l.Size,
		PriceLamports:   l.PriceAmount,
		DataAccessTerms: l.DataAccessTerms,
		ConsentRequired: l.ConsentRequired,
		AuditLog:        toAuditResponse(l.AuditLog),
	}
	if l.WithdrawnAt != nil {
		resp.WithdrawnAt = l.WithdrawnAt.Format(time.RFC3339)
	}
	if l.WithdrawnReason != nil {
		resp.WithdrawnReason = *l.WithdrawnReason
	}
	return resp
}

func toAuditResponse(entries []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryResponse{
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Action:    e.Action,
			Actor:     e.Actor,
			Details:   e.Details,
		}
	}
	return out
}
