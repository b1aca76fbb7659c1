package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"key-delivery-service/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// :memory: は接続ごとに別DBになるため1接続に固定する
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate test schema: %v", err)
	}
	return db
}

func TestKeyVersionRepository_CreateInitial(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyVersionRepository(setupTestDB(t))

	created, err := repo.CreateInitial(ctx, "projects/p/locations/l/keyRings/r/cryptoKeys/k1")
	if err != nil {
		t.Fatalf("CreateInitial failed: %v", err)
	}
	if !created {
		t.Error("expected created=true on empty registry")
	}

	// 2回目は何もしない
	created, err = repo.CreateInitial(ctx, "other")
	if err != nil {
		t.Fatalf("CreateInitial failed: %v", err)
	}
	if created {
		t.Error("expected created=false on seeded registry")
	}

	versions, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
	if versions[0].Version != 1 || !versions[0].IsActive() {
		t.Errorf("unexpected version: %+v", versions[0])
	}
}

func TestKeyVersionRepository_FindByVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyVersionRepository(setupTestDB(t))

	if _, err := repo.CreateInitial(ctx, "k1"); err != nil {
		t.Fatalf("CreateInitial failed: %v", err)
	}

	v, err := repo.FindByVersion(ctx, 1)
	if err != nil {
		t.Fatalf("FindByVersion failed: %v", err)
	}
	if v == nil || v.KMSKeyName != "k1" {
		t.Errorf("unexpected version: %+v", v)
	}

	v, err = repo.FindByVersion(ctx, 99)
	if err != nil {
		t.Fatalf("FindByVersion failed: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil for unknown version, got %+v", v)
	}
}

func TestKeyVersionRepository_Rotate(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyVersionRepository(setupTestDB(t))

	if _, err := repo.CreateInitial(ctx, "k1"); err != nil {
		t.Fatalf("CreateInitial failed: %v", err)
	}

	v2, err := repo.Rotate(ctx, "k2")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if v2.Version != 2 || !v2.IsActive() {
		t.Errorf("unexpected rotated version: %+v", v2)
	}

	active, err := repo.FindActive(ctx)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active.Version != 2 {
		t.Errorf("expected active version 2, got %d", active.Version)
	}

	// 旧バージョンは退役しても残る
	v1, err := repo.FindByVersion(ctx, 1)
	if err != nil {
		t.Fatalf("FindByVersion failed: %v", err)
	}
	if v1 == nil {
		t.Fatal("expected version 1 to remain")
	}
	if v1.Status != domain.KeyVersionRetired {
		t.Errorf("expected version 1 retired, got %s", v1.Status)
	}
}

func TestKeyVersionRepository_Rotate_EmptyRegistry(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyVersionRepository(setupTestDB(t))

	v, err := repo.Rotate(ctx, "k1")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("expected version 1, got %d", v.Version)
	}
}

func TestKeyVersionRepository_Rotate_Concurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyVersionRepository(setupTestDB(t))

	if _, err := repo.CreateInitial(ctx, "k1"); err != nil {
		t.Fatalf("CreateInitial failed: %v", err)
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Rotate(ctx, "kx"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Rotate failed: %v", err)
	}

	versions, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(versions) != n+1 {
		t.Fatalf("expected %d versions, got %d", n+1, len(versions))
	}
	activeCount := 0
	for _, v := range versions {
		if v.IsActive() {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active version, got %d", activeCount)
	}
}

func TestAssetKeyRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewAssetKeyRepository(setupTestDB(t))

	key := &domain.AssetKey{
		AssetID: "asset-1",
		Wrapped: domain.WrappedKey{WrappedKey: []byte("wrapped"), IV: []byte("iv"), Tag: []byte("tag"), KeyVersion: 0},
	}
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.FindByAssetID(ctx, "asset-1")
	if err != nil {
		t.Fatalf("FindByAssetID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected asset key, got nil")
	}
	if string(got.Wrapped.WrappedKey) != "wrapped" || !got.Wrapped.IsLocalFallback() {
		t.Errorf("unexpected asset key: %+v", got)
	}
	if got.RotatedAt != nil {
		t.Error("expected rotated_at to be nil")
	}

	missing, err := repo.FindByAssetID(ctx, "asset-2")
	if err != nil {
		t.Fatalf("FindByAssetID failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing asset key")
	}
}

func TestAssetKeyRepository_Rewrap(t *testing.T) {
	ctx := context.Background()
	repo := NewAssetKeyRepository(setupTestDB(t))

	key := &domain.AssetKey{
		AssetID: "asset-1",
		Wrapped: domain.WrappedKey{WrappedKey: []byte("v1-wrapped"), KeyVersion: 1},
	}
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC()
	next := domain.WrappedKey{WrappedKey: []byte("v2-wrapped"), KeyVersion: 2}
	if err := repo.Rewrap(ctx, "asset-1", 1, next, now); err != nil {
		t.Fatalf("Rewrap failed: %v", err)
	}

	// 古いバージョンを前提にした再ラップは競合になる
	err := repo.Rewrap(ctx, "asset-1", 1, domain.WrappedKey{WrappedKey: []byte("stale"), KeyVersion: 2}, now)
	if !errors.Is(err, domain.ErrAssetKeyConflict) {
		t.Errorf("expected ErrAssetKeyConflict, got %v", err)
	}

	got, err := repo.FindByAssetID(ctx, "asset-1")
	if err != nil {
		t.Fatalf("FindByAssetID failed: %v", err)
	}
	if got.Wrapped.KeyVersion != 2 || string(got.Wrapped.WrappedKey) != "v2-wrapped" {
		t.Errorf("unexpected rewrapped key: %+v", got.Wrapped)
	}
	if got.RotatedAt == nil {
		t.Error("expected rotated_at to be set")
	}

	counts, err := repo.CountByVersion(ctx)
	if err != nil {
		t.Fatalf("CountByVersion failed: %v", err)
	}
	if counts[2] != 1 || counts[1] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
