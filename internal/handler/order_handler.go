package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"key-delivery-service/internal/domain"
	"key-delivery-service/internal/middleware"
	"key-delivery-service/internal/usecase"
	"key-delivery-service/pkg/httputil"
)

// OrderUsecase は購入・配信APIが使うユースケース。usecase.OrderService が実装する。
type OrderUsecase interface {
	InitiatePurchase(ctx context.Context, req usecase.PurchaseRequest) (*domain.PaymentInstructions, error)
	CheckPurchase(ctx context.Context, listingID, buyerIdentity string) (*domain.Delivery, error)
	VerifyAndDeliver(ctx context.Context, orderID string) (*domain.Delivery, error)
	Revoke(ctx context.Context, req usecase.RevokeRequest) (time.Time, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// OrderHandler は購入・配信APIのハンドラ。
type OrderHandler struct {
	service OrderUsecase
}

// NewOrderHandler は新しいOrderHandlerを生成する。
func NewOrderHandler(service OrderUsecase) *OrderHandler {
	return &OrderHandler{service: service}
}

// PurchaseRequest は購入開始のリクエスト形式。
type PurchaseRequest struct {
	ListingID         string `json:"listing_id"`
	BuyerPublicKeyB64 string `json:"buyer_public_key"`
	ConsentAccepted   bool   `json:"consent_accepted"`
	TermsAccepted     bool   `json:"terms_accepted"`
}

// PaymentInstructionsResponse は支払い指示のレスポンス形式。
type PaymentInstructionsResponse struct {
	OrderID  string `json:"order_id"`
	PayTo    string `json:"pay_to"`
	Lamports uint64 `json:"lamports"`
	Memo     string `json:"memo"`
	Network  string `json:"network"`
}

// DeliverRequest は配信のリクエスト形式。
type DeliverRequest struct {
	OrderID string `json:"order_id"`
}

// DeliveryResponse は配信結果のレスポンス形式。
type DeliveryResponse struct {
	OrderID               string `json:"order_id"`
	SealedKeyB64          string `json:"sealed_key_b64"`
	EphemeralPublicKeyB64 string `json:"ephemeral_public_key_b64"`
	AssetRef              string `json:"asset_ref"`
	Filename              string `json:"filename"`
	Mime                  string `json:"mime"`
}

// PendingResponse は支払い未確認時のレスポンス形式。
type PendingResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
}

// RevokeRequestBody はアクセス取り消しのリクエスト形式。
type RevokeRequestBody struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// RevokeResponse はアクセス取り消しのレスポンス形式。
type RevokeResponse struct {
	OrderID   string `json:"order_id"`
	RevokedAt string `json:"revoked_at"`
}

// OrderResponse は注文のレスポンス形式。封緘鍵は含まない。
type OrderResponse struct {
	OrderID         string               `json:"order_id"`
	AssetID         string               `json:"asset_id"`
	Buyer           string               `json:"buyer"`
	State           string               `json:"state"`
	ExpectedAmount  uint64               `json:"expected_lamports"`
	Recipient       string               `json:"recipient"`
	Memo            string               `json:"memo"`
	TxRef           string               `json:"tx_ref,omitempty"`
	ConfirmedAt     string               `json:"confirmed_at,omitempty"`
	DeliveredAt     string               `json:"delivered_at,omitempty"`
	AccessRevoked   bool                 `json:"access_revoked"`
	AccessRevokedAt string               `json:"access_revoked_at,omitempty"`
	CreatedAt       string               `json:"created_at"`
	AuditLog        []AuditEntryResponse `json:"audit_log"`
}

// InitiatePurchase は注文を作成して支払い指示を返す。
func (h *OrderHandler) InitiatePurchase(w http.ResponseWriter, r *http.Request) {
	buyer := callerIdentity(r)
	if buyer == "" {
		httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "caller identity is required")
		return
	}
	var req PurchaseRequest
	if err := httputil.DecodeJSON(r, &req, httputil.MaxBodyBytes); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.ListingID == "" {
		badRequest(w, "listing_id is required")
		return
	}

	instructions, err := h.service.InitiatePurchase(r.Context(), usecase.PurchaseRequest{
		ListingID:         req.ListingID,
		BuyerIdentity:     buyer,
		BuyerPublicKeyB64: req.BuyerPublicKeyB64,
		ConsentAccepted:   req.ConsentAccepted,
		TermsAccepted:     req.TermsAccepted,
	})
	if err != nil {
		writeError(w, r, "initiate_purchase", err)
		return
	}

	httputil.JSON(w, http.StatusCreated, PaymentInstructionsResponse{
		OrderID:  instructions.OrderID,
		PayTo:    instructions.PayTo,
		Lamports: instructions.Amount,
		Memo:     instructions.Memo,
		Network:  instructions.Network,
	})
}

// CheckPurchase は購入者の有効な配信結果を返す。
func (h *OrderHandler) CheckPurchase(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listing_id")
	buyer := chi.URLParam(r, "buyer")

	delivery, err := h.service.CheckPurchase(r.Context(), listingID, buyer)
	if err != nil {
		writeError(w, r, "check_purchase", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toDeliveryResponse(delivery))
}

// Deliver は支払いを検証し、封緘したコンテンツ鍵を返す。
func (h *OrderHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	var req DeliverRequest
	if err := httputil.DecodeJSON(r, &req, httputil.MaxBodyBytes); err != nil || req.OrderID == "" {
		badRequest(w, "order_id is required")
		return
	}

	delivery, err := h.service.VerifyAndDeliver(r.Context(), req.OrderID)
	if errors.Is(err, domain.ErrAwaitingPayment) {
		middleware.WriteAuditLog(r.Context(), "DELIVER_KEY", req.OrderID, nil, middleware.ResultPending)
		httputil.JSON(w, http.StatusAccepted, PendingResponse{Status: "AWAITING_PAYMENT", OrderID: req.OrderID})
		return
	}
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DELIVER_KEY", req.OrderID, nil, middleware.ResultFailed)
		writeError(w, r, "deliver_key", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DELIVER_KEY", req.OrderID, nil, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toDeliveryResponse(delivery))
}

// Revoke はアセット所有者が配信済み注文のアクセスを取り消す。
func (h *OrderHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	owner := callerIdentity(r)
	if owner == "" {
		httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "caller identity is required")
		return
	}
	var req RevokeRequestBody
	if err := httputil.DecodeJSON(r, &req, httputil.MaxBodyBytes); err != nil || req.OrderID == "" {
		badRequest(w, "order_id is required")
		return
	}

	revokedAt, err := h.service.Revoke(r.Context(), usecase.RevokeRequest{
		OrderID:       req.OrderID,
		OwnerIdentity: owner,
		Reason:        req.Reason,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "REVOKE_ACCESS", req.OrderID, nil, middleware.ResultFailed)
		writeError(w, r, "revoke_access", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REVOKE_ACCESS", req.OrderID, nil, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, RevokeResponse{
		OrderID:   req.OrderID,
		RevokedAt: revokedAt.Format(time.RFC3339),
	})
}

// GetOrder は注文を監査ログ付きで返す。
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, r, "get_order", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toOrderResponse(order))
}

func toDeliveryResponse(d *domain.Delivery) DeliveryResponse {
	return DeliveryResponse{
		OrderID:               d.OrderID,
		SealedKeyB64:          d.SealedKeyB64,
		EphemeralPublicKeyB64: d.EphemeralPublicKeyB64,
		AssetRef:              d.AssetRef,
		Filename:              d.Filename,
		Mime:                  d.Mime,
	}
}

func toOrderResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		OrderID:        o.OrderID,
		AssetID:        o.AssetID,
		Buyer:          o.BuyerIdentity,
		State:          string(o.State),
		ExpectedAmount: o.Payment.ExpectedAmount,
		Recipient:      o.Payment.Recipient,
		Memo:           o.Payment.Memo,
		AccessRevoked:  o.AccessRevoked,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		AuditLog:       toAuditResponse(o.AuditLog),
	}
	if o.Payment.TxRef != nil {
		resp.TxRef = *o.Payment.TxRef
	}
	if o.Payment.ConfirmedAt != nil {
		resp.ConfirmedAt = o.Payment.ConfirmedAt.Format(time.RFC3339)
	}
	if o.DeliveredAt != nil {
		resp.DeliveredAt = o.DeliveredAt.Format(time.RFC3339)
	}
	if o.AccessRevokedAt != nil {
		resp.AccessRevokedAt = o.AccessRevokedAt.Format(time.RFC3339)
	}
	return resp
}
