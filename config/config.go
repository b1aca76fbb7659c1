// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// KMSプロバイダー。
const (
	KMSProviderNone = ""
	KMSProviderGCP  = "gcp"
	KMSProviderAWS  = "aws"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	MigrationsDir      string
	LogLevel           string
	GoogleCloudProject string

	KMSProvider  string
	KMSKeyName   string
	AWSRegion    string
	ServerKeyHex string

	SolanaRPC       string
	SolanaNetwork   string
	LedgerScanLimit int
	OrderTTL        time.Duration

	ContentDir string
	AdminToken string

	// TrustProxyHeaders が true の場合のみ X-Forwarded-For / X-Real-IP をクライアントIPとして使う。
	TrustProxyHeaders bool

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MigrationsDir:      getEnv("MIGRATIONS_DIR", "./migrations"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),

		KMSProvider:  os.Getenv("KMS_PROVIDER"),
		KMSKeyName:   os.Getenv("KMS_KEY_NAME"),
		AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
		ServerKeyHex: os.Getenv("SERVER_KEY_HEX"),

		SolanaRPC:       getEnv("SOLANA_RPC", "https://api.devnet.solana.com"),
		SolanaNetwork:   getEnv("SOLANA_NETWORK", "solana-devnet"),
		LedgerScanLimit: getEnvInt("LEDGER_SCAN_LIMIT", 40),
		OrderTTL:        getEnvDuration("ORDER_TTL", 24*time.Hour),

		ContentDir: getEnv("CONTENT_DIR", "./data/content"),
		AdminToken: os.Getenv("ADMIN_TOKEN"),

		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "key-delivery-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

// Validate は起動に必要な設定をまとめて検証する。
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.DatabaseURL == "" {
		result = multierror.Append(result, errors.New("DATABASE_URL is required"))
	}
	switch c.KMSProvider {
	case KMSProviderNone:
		if c.ServerKeyHex == "" {
			result = multierror.Append(result, errors.New("either KMS_PROVIDER or SERVER_KEY_HEX must be configured"))
		}
	case KMSProviderGCP, KMSProviderAWS:
		if c.KMSKeyName == "" {
			result = multierror.Append(result, fmt.Errorf("KMS_KEY_NAME is required for KMS_PROVIDER=%s", c.KMSProvider))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported KMS_PROVIDER %q", c.KMSProvider))
	}
	if c.ServerKeyHex != "" && len(c.ServerKeyHex) != 64 {
		result = multierror.Append(result, errors.New("SERVER_KEY_HEX must be 64 hex characters"))
	}
	if c.LedgerScanLimit <= 0 {
		result = multierror.Append(result, errors.New("LEDGER_SCAN_LIMIT must be positive"))
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		result = multierror.Append(result, errors.New("OTEL_SAMPLING_RATE must be between 0 and 1"))
	}

	return result.ErrorOrNil()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
