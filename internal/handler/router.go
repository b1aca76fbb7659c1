package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"key-delivery-service/internal/middleware"
	"key-delivery-service/pkg/httputil"
)

// RouterConfig はルーターの依存関係。
type RouterConfig struct {
	Listings   *ListingHandler
	Orders     *OrderHandler
	Keys       *KeyHandler
	AdminToken string
	Gatherer   prometheus.Gatherer
	// Ping はDBなど依存先の疎通を確認する。nil なら常に正常。
	Ping      func(ctx context.Context) error
	RateLimit middleware.RateLimitConfig

	// TrustProxyHeaders は信頼できるリバースプロキシ配下でのみ true にする。
	TrustProxyHeaders bool
}

// NewRouter はルーターを生成する。
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", healthz(cfg.Ping))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	limit := cfg.RateLimit
	if limit.RequestsPerWindow == 0 {
		limit = middleware.StrictLimit
	}
	strict := middleware.RateLimitByIP(limit)
	admin := middleware.RequireAdminToken(cfg.AdminToken)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/listings", func(r chi.Router) {
			r.Post("/", cfg.Listings.CreateListing)
			r.Get("/{listing_id}", cfg.Listings.GetListing)
			r.Post("/{listing_id}/withdraw", cfg.Listings.Withdraw)
			r.With(admin).Post("/{listing_id}/rewrap", cfg.Listings.Rewrap)
		})

		r.With(strict).Post("/purchases", cfg.Orders.InitiatePurchase)
		r.Get("/purchases/{listing_id}/buyers/{buyer}", cfg.Orders.CheckPurchase)

		r.With(strict).Post("/deliveries", cfg.Orders.Deliver)
		r.With(strict).Post("/deliveries/revoke", cfg.Orders.Revoke)
		r.Get("/orders/{order_id}", cfg.Orders.GetOrder)

		r.Route("/keys", func(r chi.Router) {
			r.Use(admin)
			r.Get("/versions", cfg.Keys.ListVersions)
			r.Post("/rotate", cfg.Keys.RotateKey)
		})
	})

	return otelhttp.NewHandler(r, "key-delivery-service",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz" && req.URL.Path != "/metrics"
		}),
	)
}

func healthz(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				httputil.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "dependency check failed")
				return
			}
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
