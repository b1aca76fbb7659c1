package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"key-delivery-service/internal/domain"
	"key-delivery-service/pkg/cryptox"
)

// KeyVersionRepository はマスター鍵バージョンのレジストリのインターフェース。
type KeyVersionRepository interface {
	FindAll(ctx context.Context) ([]*domain.KeyVersion, error)
	FindByVersion(ctx context.Context, version uint) (*domain.KeyVersion, error)
	FindActive(ctx context.Context) (*domain.KeyVersion, error)
	CreateInitial(ctx context.Context, kmsKeyName string) (bool, error)
	Rotate(ctx context.Context, kmsKeyName string) (*domain.KeyVersion, error)
}

// RemoteKMS はリモートKMSによる暗号化/復号のインターフェース。
// 鍵名は鍵バージョンごとにレジストリから渡される。
type RemoteKMS interface {
	Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error)
}

const (
	schemeRemote = "remote"
	schemeLocal  = "local"
)

// KeyWrapService はコンテンツ鍵をバージョン付きのマスター鍵でラップ/アンラップする。
// アンラップは記録された鍵バージョンだけで方式を決め、フォールバックしない。
type KeyWrapService struct {
	versions KeyVersionRepository
	remote   RemoteKMS
	local    *cryptox.LocalWrapper
	metrics  Recorder
}

// NewKeyWrapService は新しいKeyWrapServiceを生成する。
// remote と local のどちらも nil の場合は domain.ErrNoWrapBackend を返す。
func NewKeyWrapService(versions KeyVersionRepository, remote RemoteKMS, local *cryptox.LocalWrapper, metrics Recorder) (*KeyWrapService, error) {
	if remote == nil && local == nil {
		return nil, domain.ErrNoWrapBackend
	}
	return &KeyWrapService{
		versions: versions,
		remote:   remote,
		local:    local,
		metrics:  recorderOrNop(metrics),
	}, nil
}

// EnsureInitialVersion はレジストリが空ならバージョン1として kmsKeyName を登録する。
func (s *KeyWrapService) EnsureInitialVersion(ctx context.Context, kmsKeyName string) error {
	if s.remote == nil || strings.TrimSpace(kmsKeyName) == "" {
		return nil
	}
	created, err := s.versions.CreateInitial(ctx, kmsKeyName)
	if err != nil {
		return fmt.Errorf("seeding key version registry: %w", err)
	}
	if created {
		slog.InfoContext(ctx, "registered initial key version",
			"operation", "ensure_initial_version",
			"key_version", 1,
		)
	}
	return nil
}

// Wrap はコンテンツ鍵をラップする。
// version が nil の場合は有効なバージョンを使い、リモートKMSが失敗したらローカル鍵(バージョン0)に切り替える。
// version を指定した場合は切り替えない。
func (s *KeyWrapService) Wrap(ctx context.Context, rawKey []byte, version *uint) (*domain.WrappedKey, error) {
	if len(rawKey) != cryptox.KeySize {
		return nil, fmt.Errorf("content key must be %d bytes, got %d", cryptox.KeySize, len(rawKey))
	}

	if version != nil {
		if *version == domain.LocalFallbackVersion {
			return s.wrapLocal(rawKey)
		}
		kv, err := s.lookupVersion(ctx, *version)
		if err != nil {
			return nil, err
		}
		return s.wrapRemote(ctx, rawKey, kv)
	}

	if s.remote == nil {
		return s.wrapLocal(rawKey)
	}

	active, err := s.versions.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active key version: %w", err)
	}
	if active == nil {
		if s.local == nil {
			return nil, fmt.Errorf("%w: no active key version", domain.ErrNoWrapBackend)
		}
		return s.wrapLocal(rawKey)
	}

	wrapped, err := s.wrapRemote(ctx, rawKey, active)
	if err == nil {
		return wrapped, nil
	}
	if s.local == nil {
		return nil, err
	}
	slog.WarnContext(ctx, "remote KMS wrap failed, falling back to local master key",
		"operation", "wrap",
		"key_version", active.Version,
		"error", err,
	)
	return s.wrapLocal(rawKey)
}

// Unwrap はラップ済み鍵を記録された鍵バージョンの方式で復号する。
// 認証失敗や長さ不正は domain.ErrIntegrity、不明なバージョンは domain.ErrUnknownKeyVersion を返す。
func (s *KeyWrapService) Unwrap(ctx context.Context, wrapped domain.WrappedKey) ([]byte, error) {
	raw, err := s.unwrap(ctx, wrapped)
	if err != nil {
		s.metrics.UnwrapFailed(unwrapFailureReason(err))
		slog.ErrorContext(ctx, "failed to unwrap content key",
			"operation", "unwrap",
			"key_version", wrapped.KeyVersion,
			"error", err,
		)
		return nil, err
	}
	if len(raw) != cryptox.KeySize {
		cryptox.Zero(raw)
		s.metrics.UnwrapFailed("length")
		return nil, fmt.Errorf("%w: unwrapped key has unexpected length", domain.ErrIntegrity)
	}
	return raw, nil
}

func (s *KeyWrapService) unwrap(ctx context.Context, wrapped domain.WrappedKey) ([]byte, error) {
	if wrapped.IsLocalFallback() {
		if s.local == nil {
			return nil, fmt.Errorf("%w: local master key not configured", domain.ErrKeyUnwrapFailed)
		}
		raw, err := s.local.Unwrap(wrapped.WrappedKey, wrapped.IV, wrapped.Tag)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
		}
		return raw, nil
	}

	kv, err := s.lookupVersion(ctx, wrapped.KeyVersion)
	if err != nil {
		return nil, err
	}
	if s.remote == nil {
		return nil, fmt.Errorf("%w: remote KMS not configured for version %d", domain.ErrKeyUnwrapFailed, kv.Version)
	}
	raw, err := s.remote.Decrypt(ctx, kv.KMSKeyName, wrapped.WrappedKey)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrKeyUnwrapFailed, err)
	}
	return raw, nil
}

// Rotate は kmsKeyName を新しい有効バージョンとして登録する。
// 既存バージョンは退役するが削除されず、アンラップに使い続けられる。
func (s *KeyWrapService) Rotate(ctx context.Context, kmsKeyName string) (*domain.KeyVersion, error) {
	if strings.TrimSpace(kmsKeyName) == "" {
		return nil, errors.New("kms key name must not be empty")
	}
	if s.remote == nil {
		return nil, fmt.Errorf("%w: remote KMS not configured", domain.ErrNoWrapBackend)
	}

	kv, err := s.versions.Rotate(ctx, kmsKeyName)
	if err != nil {
		return nil, fmt.Errorf("rotating key version: %w", err)
	}
	slog.InfoContext(ctx, "rotated key version",
		"operation", "rotate",
		"key_version", kv.Version,
	)
	return kv, nil
}

// ListVersions は全ての鍵バージョンを返す。
func (s *KeyWrapService) ListVersions(ctx context.Context) ([]*domain.KeyVersion, error) {
	versions, err := s.versions.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing key versions: %w", err)
	}
	return versions, nil
}

// ActiveVersion は新規ラップに使われるバージョンを返す。
// リモートKMSがない場合や未登録の場合は nil を返す。
func (s *KeyWrapService) ActiveVersion(ctx context.Context) (*domain.KeyVersion, error) {
	if s.remote == nil {
		return nil, nil
	}
	active, err := s.versions.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active key version: %w", err)
	}
	return active, nil
}

func (s *KeyWrapService) lookupVersion(ctx context.Context, version uint) (*domain.KeyVersion, error) {
	kv, err := s.versions.FindByVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("finding key version: %w", err)
	}
	if kv == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownKeyVersion, version)
	}
	return kv, nil
}

func (s *KeyWrapService) wrapRemote(ctx context.Context, rawKey []byte, kv *domain.KeyVersion) (*domain.WrappedKey, error) {
	if s.remote == nil {
		return nil, fmt.Errorf("%w: remote KMS not configured", domain.ErrNoWrapBackend)
	}
	enc, err := s.remote.Encrypt(ctx, kv.KMSKeyName, rawKey)
	if err != nil {
		return nil, fmt.Errorf("wrapping with key version %d: %w", kv.Version, err)
	}
	s.metrics.KeyWrapped(schemeRemote)
	return &domain.WrappedKey{WrappedKey: enc, KeyVersion: kv.Version}, nil
}

func (s *KeyWrapService) wrapLocal(rawKey []byte) (*domain.WrappedKey, error) {
	if s.local == nil {
		return nil, fmt.Errorf("%w: local master key not configured", domain.ErrNoWrapBackend)
	}
	enc, iv, tag, err := s.local.Wrap(rawKey)
	if err != nil {
		return nil, err
	}
	s.metrics.KeyWrapped(schemeLocal)
	return &domain.WrappedKey{
		WrappedKey: enc,
		IV:         iv,
		Tag:        tag,
		KeyVersion: domain.LocalFallbackVersion,
	}, nil
}

func unwrapFailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrIntegrity):
		return "integrity"
	case errors.Is(err, domain.ErrUnknownKeyVersion):
		return "unknown_version"
	case errors.Is(err, domain.ErrKMSUnavailable):
		return "kms_unavailable"
	default:
		return "backend"
	}
}
