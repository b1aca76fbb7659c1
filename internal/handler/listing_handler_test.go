package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"key-delivery-service/internal/domain"
	"key-delivery-service/internal/usecase"
)

// mockListingUsecase はテスト用のモック。
type mockListingUsecase struct {
	createResult   *domain.Listing
	createErr      error
	createReq      usecase.CreateListingRequest
	getResult      *domain.Listing
	getErr         error
	withdrawResult *domain.Listing
	withdrawErr    error
	rewrapResult   *domain.AssetKey
	rewrapErr      error
}

func (m *mockListingUsecase) CreateListing(ctx context.Context, req usecase.CreateListingRequest) (*domain.Listing, error) {
	m.createReq = req
	return m.createResult, m.createErr
}

func (m *mockListingUsecase) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return m.getResult, m.getErr
}

func (m *mockListingUsecase) Withdraw(ctx context.Context, listingID, sellerIdentity, reason string) (*domain.Listing, error) {
	return m.withdrawResult, m.withdrawErr
}

func (m *mockListingUsecase) RewrapAssetKey(ctx context.Context, assetID string) (*domain.AssetKey, error) {
	return m.rewrapResult, m.rewrapErr
}

func withListingID(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("listing_id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateListing_Success(t *testing.T) {
	svc := &mockListingUsecase{createResult: &domain.Listing{ID: "listing-1", SellerIdentity: "seller-wallet", PriceAmount: 500}}
	h := NewListingHandler(svc)

	body := fmt.Sprintf(`{"name":"n","description":"d","filename":"f.csv","mime":"text/csv","price_lamports":500,"content_b64":%q}`,
		base64.StdEncoding.EncodeToString([]byte("a,b\n1,2\n")))
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(body))
	req.Header.Set(CallerIdentityHeader, "seller-wallet")
	rec := httptest.NewRecorder()
	h.CreateListing(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	if string(svc.createReq.Content) != "a,b\n1,2\n" || svc.createReq.SellerIdentity != "seller-wallet" {
		t.Errorf("unexpected usecase request: %+v", svc.createReq)
	}
	var resp ListingResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.ID != "listing-1" || resp.PriceLamports != 500 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCreateListing_InvalidContent(t *testing.T) {
	h := NewListingHandler(&mockListingUsecase{})

	req := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(`{"name":"n","content_b64":"***"}`))
	req.Header.Set(CallerIdentityHeader, "seller-wallet")
	rec := httptest.NewRecorder()
	h.CreateListing(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestCreateListing_ValidationMessage(t *testing.T) {
	h := NewListingHandler(&mockListingUsecase{createErr: fmt.Errorf("%w: price must be between 1 and 1000000000000", domain.ErrInvalidListing)})

	req := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(`{"name":"n","content_b64":""}`))
	req.Header.Set(CallerIdentityHeader, "seller-wallet")
	rec := httptest.NewRecorder()
	h.CreateListing(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want status 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "price must be between") {
		t.Errorf("expected validation detail in body, got %s", rec.Body.String())
	}
}

func TestGetListing_NotFound(t *testing.T) {
	h := NewListingHandler(&mockListingUsecase{getErr: domain.ErrListingNotFound})

	rec := httptest.NewRecorder()
	h.GetListing(rec, withListingID(httptest.NewRequest(http.MethodGet, "/v1/listings/x", nil), "x"))

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestWithdraw_Success(t *testing.T) {
	at := time.Now()
	reason := domain.DefaultWithdrawalReason
	h := NewListingHandler(&mockListingUsecase{withdrawResult: &domain.Listing{ID: "listing-1", WithdrawnAt: &at, WithdrawnReason: &reason}})

	req := withListingID(httptest.NewRequest(http.MethodPost, "/v1/listings/listing-1/withdraw", nil), "listing-1")
	req.Header.Set(CallerIdentityHeader, "seller-wallet")
	rec := httptest.NewRecorder()
	h.Withdraw(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp ListingResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.WithdrawnAt == "" || resp.WithdrawnReason != reason {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestWithdraw_NotOwner(t *testing.T) {
	h := NewListingHandler(&mockListingUsecase{withdrawErr: domain.ErrNotAssetOwner})

	req := withListingID(httptest.NewRequest(http.MethodPost, "/v1/listings/listing-1/withdraw", strings.NewReader(`{"reason":"x"}`)), "listing-1")
	req.Header.Set(CallerIdentityHeader, "someone-else")
	rec := httptest.NewRecorder()
	h.Withdraw(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("want status 403, got %d", rec.Code)
	}
}

func TestRewrap_Success(t *testing.T) {
	at := time.Now()
	h := NewListingHandler(&mockListingUsecase{rewrapResult: &domain.AssetKey{
		AssetID:   "listing-1",
		Wrapped:   domain.WrappedKey{WrappedKey: []byte("secret-wrapped"), KeyVersion: 2},
		RotatedAt: &at,
	}})

	rec := httptest.NewRecorder()
	h.Rewrap(rec, withListingID(httptest.NewRequest(http.MethodPost, "/v1/listings/listing-1/rewrap", nil), "listing-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp AssetKeyResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.KeyVersion != 2 || resp.RotatedAt == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}
