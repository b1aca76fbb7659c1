// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"key-delivery-service/config"
	"key-delivery-service/internal/handler"
	"key-delivery-service/internal/infra"
	"key-delivery-service/internal/middleware"
	"key-delivery-service/internal/repository"
	"key-delivery-service/internal/usecase"
	"key-delivery-service/pkg/cryptox"
)

// expireInterval は期限切れ注文を掃除する間隔。
const expireInterval = 5 * time.Minute

// remoteKMS は終了時に閉じるリモートKMSクライアント。
type remoteKMS interface {
	usecase.RemoteKMS
	Close() error
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	slog.SetDefault(infra.NewLogger(os.Stdout, cfg))

	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	remote, err := newRemoteKMS(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init KMS client: %w", err)
	}
	var remoteBackend usecase.RemoteKMS
	if remote != nil {
		remoteBackend = remote
		defer func() {
			if err := remote.Close(); err != nil {
				slog.Error("failed to close KMS client", "error", err)
			}
		}()
	}

	var local *cryptox.LocalWrapper
	if cfg.ServerKeyHex != "" {
		local, err = cryptox.NewLocalWrapper(cfg.ServerKeyHex)
		if err != nil {
			return fmt.Errorf("init local master key: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(registry)

	store, err := infra.NewLocalContentStore(cfg.ContentDir)
	if err != nil {
		return fmt.Errorf("init content store: %w", err)
	}

	// DI
	keyVersions := repository.NewKeyVersionRepository(db)
	assetKeys := repository.NewAssetKeyRepository(db)
	listings := repository.NewListingRepository(db)
	orders := repository.NewOrderRepository(db)

	wrapService, err := usecase.NewKeyWrapService(keyVersions, remoteBackend, local, metrics)
	if err != nil {
		return err
	}
	if err := wrapService.EnsureInitialVersion(ctx, cfg.KMSKeyName); err != nil {
		return err
	}
	verifier := usecase.NewPaymentVerifier(infra.NewSolanaClient(cfg.SolanaRPC, metrics), cfg.LedgerScanLimit, metrics)
	listingService := usecase.NewListingService(listings, assetKeys, wrapService, store)
	orderService := usecase.NewOrderService(orders, listings, assetKeys, wrapService, verifier, usecase.OrderOptions{
		Network:  cfg.SolanaNetwork,
		OrderTTL: cfg.OrderTTL,
		Metrics:  metrics,
	})

	router := handler.NewRouter(handler.RouterConfig{
		Listings:   handler.NewListingHandler(listingService),
		Orders:     handler.NewOrderHandler(orderService),
		Keys:       handler.NewKeyHandler(wrapService, listingService),
		AdminToken: cfg.AdminToken,
		Gatherer:   registry,
		Ping: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		RateLimit:         middleware.StrictLimit,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	go expireLoop(ctx, orderService)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"kms_provider", cfg.KMSProvider,
		"local_fallback", local != nil,
		"network", cfg.SolanaNetwork,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func newRemoteKMS(ctx context.Context, cfg *config.Config) (remoteKMS, error) {
	switch cfg.KMSProvider {
	case config.KMSProviderGCP:
		return infra.NewGCPKMSClient(ctx)
	case config.KMSProviderAWS:
		return infra.NewAWSKMSClient(cfg.AWSRegion)
	default:
		return nil, nil
	}
}

// expireLoop は支払いがないまま期限を過ぎた注文を定期的に EXPIRED にする。
func expireLoop(ctx context.Context, orders *usecase.OrderService) {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orders.ExpirePending(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to expire pending orders", "operation", "expire_pending", "error", err)
			}
		}
	}
}
